package models

import "time"

// PollStateRecord is the persisted form of one endpoint category's poll state.
// Times are RFC 3339 strings so a hand-edited or truncated snapshot can be
// detected and skipped entry by entry on restore.
type PollStateRecord struct {
	Endpoint     string `json:"endpoint"`
	Cursor       string `json:"cursor,omitempty"`
	LastPollAt   string `json:"last_poll_at,omitempty"`
	ErrorCount   int    `json:"error_count"`
	LastError    string `json:"last_error,omitempty"`
	TotalFetched int64  `json:"total_fetched"`
}

// SeenItemRecord is the persisted form of one deduplication record.
type SeenItemRecord struct {
	ID          string    `json:"id"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
	Occurrences int       `json:"occurrences"`
}
