package storage

import (
	"fmt"
	"moltmonitor/internal/models"
	"sort"
	"time"
)

// textTimeLayout is fixed width so stored timestamps compare as strings.
const textTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// timeToText formats a timestamp for TEXT columns. The zero time is stored
// as an empty string.
func timeToText(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(textTimeLayout)
}

// textToTime parses a TEXT column written by timeToText.
func textToTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t, nil
}

// validatePollStates rejects records that cannot be keyed.
func validatePollStates(records []models.PollStateRecord) error {
	for i, r := range records {
		if r.Endpoint == "" {
			return fmt.Errorf("poll state %d has no endpoint", i)
		}
	}
	return nil
}

// validateSeenItems rejects records that cannot be keyed.
func validateSeenItems(records []models.SeenItemRecord) error {
	for i, r := range records {
		if r.ID == "" {
			return fmt.Errorf("seen item %d has no id", i)
		}
	}
	return nil
}

func sortPollStates(records []models.PollStateRecord) {
	sort.Slice(records, func(i, j int) bool { return records[i].Endpoint < records[j].Endpoint })
}

func sortSeenItems(records []models.SeenItemRecord) {
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
}
