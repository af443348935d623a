package dedup

import "log/slog"

// Key identifies one item for deduplication.
type Key struct {
	ID          string
	Fingerprint string
}

// FilterNew returns the items of batch not seen before and the number
// skipped. When mark is true each new item is recorded as it passes, so
// duplicates within the same batch are dropped too.
func FilterNew[T any](t *Tracker, batch []T, key func(T) Key, mark bool) ([]T, int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	fresh := make([]T, 0, len(batch))
	skipped := 0
	for _, item := range batch {
		k := key(item)
		if t.isDuplicate(k.ID, k.Fingerprint) {
			skipped++
			continue
		}
		fresh = append(fresh, item)
		if mark {
			t.markSeen(k.ID, k.Fingerprint)
		}
	}

	slog.Debug("Deduplicated batch", "new", len(fresh), "skipped", skipped, "total", len(batch))
	return fresh, skipped
}
