// Package dedup remembers which content items have already been processed,
// by identity and by content fingerprint, so cross-posted items under a new
// identity are still recognised.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"moltmonitor/internal/models"
	"sort"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
)

// Fingerprint hashes the stable identifying fields of an item as the hex
// SHA-256 of "id:authorID:title:community".
func Fingerprint(id, authorID, title, community string) string {
	sum := sha256.Sum256([]byte(id + ":" + authorID + ":" + title + ":" + community))
	return hex.EncodeToString(sum[:])
}

// Config controls record expiry and prefilter sizing.
type Config struct {
	TTL                time.Duration
	BloomCapacity      uint
	BloomFalsePositive float64
}

// ConfigFrom converts the service configuration section.
func ConfigFrom(dc models.DedupConfig) Config {
	return Config{
		TTL:                dc.TTL,
		BloomCapacity:      dc.BloomCapacity,
		BloomFalsePositive: dc.BloomFalsePositive,
	}
}

// DefaultConfig keeps records for 90 days.
func DefaultConfig() Config {
	return ConfigFrom(models.NewDefaultConfig().Dedup)
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock substitutes the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// Tracker indexes seen records by identity and by fingerprint. Both indexes
// always cover the same record set. A Bloom filter over fingerprints answers
// most negative fingerprint lookups without touching the index. Tracker is
// safe for concurrent use.
type Tracker struct {
	cfg Config
	now func() time.Time

	mu            sync.RWMutex
	byID          map[string]*models.SeenItemRecord
	byFingerprint map[string]map[string]struct{}
	prefilter     *bloom.BloomFilter
}

// NewTracker creates an empty Tracker.
func NewTracker(cfg Config, opts ...Option) *Tracker {
	if cfg.BloomCapacity == 0 {
		cfg.BloomCapacity = 100_000
	}
	if cfg.BloomFalsePositive <= 0 || cfg.BloomFalsePositive >= 1 {
		cfg.BloomFalsePositive = 0.01
	}
	t := &Tracker{
		cfg:           cfg,
		now:           time.Now,
		byID:          make(map[string]*models.SeenItemRecord),
		byFingerprint: make(map[string]map[string]struct{}),
		prefilter:     bloom.NewWithEstimates(cfg.BloomCapacity, cfg.BloomFalsePositive),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) fingerprintSeen(fp string) bool {
	if !t.prefilter.TestString(fp) {
		return false
	}
	_, ok := t.byFingerprint[fp]
	return ok
}

// IsDuplicate reports whether id has been recorded, or, when fingerprint is
// non-empty, whether that fingerprint has been recorded under any identity.
func (t *Tracker) IsDuplicate(id, fingerprint string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.isDuplicate(id, fingerprint)
}

func (t *Tracker) isDuplicate(id, fingerprint string) bool {
	if _, ok := t.byID[id]; ok {
		return true
	}
	return fingerprint != "" && t.fingerprintSeen(fingerprint)
}

// MarkSeen records an observation of id. A first observation creates the
// record; a repeat updates LastSeen and increments Occurrences. The
// fingerprint of the first observation is kept.
func (t *Tracker) MarkSeen(id, fingerprint string) models.SeenItemRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.markSeen(id, fingerprint)
}

func (t *Tracker) markSeen(id, fingerprint string) models.SeenItemRecord {
	now := t.now()
	if rec, ok := t.byID[id]; ok {
		rec.LastSeen = now
		rec.Occurrences++
		slog.Debug("Updated seen record", "id", id, "occurrences", rec.Occurrences)
		return *rec
	}

	rec := &models.SeenItemRecord{
		ID:          id,
		Fingerprint: fingerprint,
		FirstSeen:   now,
		LastSeen:    now,
		Occurrences: 1,
	}
	t.insert(rec)
	return *rec
}

func (t *Tracker) insert(rec *models.SeenItemRecord) {
	t.byID[rec.ID] = rec
	if rec.Fingerprint == "" {
		return
	}
	ids, ok := t.byFingerprint[rec.Fingerprint]
	if !ok {
		ids = make(map[string]struct{}, 1)
		t.byFingerprint[rec.Fingerprint] = ids
	}
	ids[rec.ID] = struct{}{}
	t.prefilter.AddString(rec.Fingerprint)
}

func (t *Tracker) remove(rec *models.SeenItemRecord) {
	delete(t.byID, rec.ID)
	if ids, ok := t.byFingerprint[rec.Fingerprint]; ok {
		delete(ids, rec.ID)
		if len(ids) == 0 {
			delete(t.byFingerprint, rec.Fingerprint)
		}
	}
}

// Get returns the record for id.
func (t *Tracker) Get(id string) (models.SeenItemRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if rec, ok := t.byID[id]; ok {
		return *rec, true
	}
	return models.SeenItemRecord{}, false
}

// TTL is how long a record survives without being seen again. Zero keeps
// records forever.
func (t *Tracker) TTL() time.Duration {
	return t.cfg.TTL
}

// CleanupExpired removes every record whose LastSeen is older than the TTL
// from both indexes and returns how many were removed. The prefilter is
// rebuilt from the surviving fingerprints.
func (t *Tracker) CleanupExpired() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cfg.TTL <= 0 {
		return 0
	}
	cutoff := t.now().Add(-t.cfg.TTL)
	removed := 0
	for _, rec := range t.byID {
		if rec.LastSeen.Before(cutoff) {
			t.remove(rec)
			removed++
		}
	}
	if removed == 0 {
		return 0
	}

	t.prefilter.ClearAll()
	for fp := range t.byFingerprint {
		t.prefilter.AddString(fp)
	}
	slog.Info("Cleaned up expired deduplication records", "removed", removed, "remaining", len(t.byID))
	return removed
}

// Clear drops every record.
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.byID)
	clear(t.byFingerprint)
	t.prefilter.ClearAll()
}

// Stats is a read-only snapshot of the tracker.
type Stats struct {
	TotalItems        int        `json:"total_items"`
	TotalFingerprints int        `json:"total_fingerprints"`
	OldestEntry       *time.Time `json:"oldest_entry,omitempty"`
	TTLDays           int        `json:"ttl_days"`
	PrefilterCount    uint32     `json:"prefilter_estimated_count"`
}

// Stats returns counts and the oldest first-seen time.
func (t *Tracker) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	st := Stats{
		TotalItems:        len(t.byID),
		TotalFingerprints: len(t.byFingerprint),
		TTLDays:           int(t.cfg.TTL / (24 * time.Hour)),
		PrefilterCount:    t.prefilter.ApproximatedSize(),
	}
	for _, rec := range t.byID {
		if st.OldestEntry == nil || rec.FirstSeen.Before(*st.OldestEntry) {
			first := rec.FirstSeen
			st.OldestEntry = &first
		}
	}
	return st
}

// Snapshot returns every record sorted by identity.
func (t *Tracker) Snapshot() []models.SeenItemRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]models.SeenItemRecord, 0, len(t.byID))
	for _, rec := range t.byID {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Restore loads persisted records, replacing any with the same identity.
// Records without an identity are skipped with a warning. It returns the
// number of records loaded.
func (t *Tracker) Restore(records []models.SeenItemRecord) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	loaded := 0
	for _, r := range records {
		if r.ID == "" {
			slog.Warn("Skipping persisted seen record without id", "fingerprint", r.Fingerprint)
			continue
		}
		if old, ok := t.byID[r.ID]; ok {
			t.remove(old)
		}
		rec := r
		if rec.Occurrences < 1 {
			rec.Occurrences = 1
		}
		if rec.LastSeen.Before(rec.FirstSeen) {
			rec.LastSeen = rec.FirstSeen
		}
		t.insert(&rec)
		loaded++
	}
	return loaded
}
