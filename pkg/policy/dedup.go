package policy

import (
	"sync"
	"time"

	"github.com/polisai/polis-governance/pkg/domain"
)

// DefaultDedupWindow is how long repeated violations of one rule on one resource
// are folded into a single aggregated violation.
const DefaultDedupWindow = 30 * time.Second

type dedupEntry struct {
	violation domain.Violation
	firstSeen time.Time
}

// Deduplicator aggregates violations sharing rule and resource within a window.
type Deduplicator struct {
	mu      sync.Mutex
	window  time.Duration
	entries map[string]*dedupEntry
}

// NewDeduplicator creates a deduplicator; a non-positive window disables folding.
func NewDeduplicator(window time.Duration) *Deduplicator {
	return &Deduplicator{window: window, entries: make(map[string]*dedupEntry)}
}

// Fold returns the aggregated violation for v. When an earlier violation of the same
// rule and resource is still inside the window, the earlier one is returned with its
// Count incremented and first reports false.
func (d *Deduplicator) Fold(v domain.Violation) (aggregated domain.Violation, first bool) {
	if v.Count <= 0 {
		v.Count = 1
	}
	if d.window <= 0 {
		return v, true
	}

	key := v.RuleID + "\x00" + v.Resource.String()

	d.mu.Lock()
	defer d.mu.Unlock()

	if entry, ok := d.entries[key]; ok && v.Timestamp.Sub(entry.firstSeen) < d.window && !v.Timestamp.Before(entry.firstSeen) {
		entry.violation.Count++
		entry.violation.Evidence = v.Evidence
		entry.violation.EventID = v.EventID
		return entry.violation, false
	}

	d.entries[key] = &dedupEntry{violation: v, firstSeen: v.Timestamp}
	d.pruneLocked(v.Timestamp)
	return v, true
}

// Len returns the number of open aggregation windows.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

func (d *Deduplicator) pruneLocked(now time.Time) {
	for key, entry := range d.entries {
		if now.Sub(entry.firstSeen) >= d.window {
			delete(d.entries, key)
		}
	}
}
