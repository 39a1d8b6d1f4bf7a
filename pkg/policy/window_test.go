package policy

import (
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestWindowCountMatchesBruteForce(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		offsets := rapid.SliceOfN(rapid.IntRange(0, 600), 1, 60).Draw(t, "offsets")
		sort.Ints(offsets)
		window := time.Duration(rapid.IntRange(1, 120).Draw(t, "window_seconds")) * time.Second

		store := NewWindowStore(0)
		for i, off := range offsets {
			ts := t0.Add(time.Duration(off) * time.Second)
			got, added := store.Observe("k", observation{EventID: fmt.Sprintf("e%d", i), Timestamp: ts}, window)
			if !added {
				t.Fatalf("event %d rejected", i)
			}

			want := 0
			for _, prior := range offsets[:i+1] {
				pts := t0.Add(time.Duration(prior) * time.Second)
				if pts.After(ts.Add(-window)) {
					want++
				}
			}
			if got != want {
				t.Fatalf("after event %d at +%ds: count %d, want %d", i, off, got, want)
			}
		}
	})
}

func TestEventRingEvictsOldest(t *testing.T) {
	store := NewWindowStore(2)
	for i := range 3 {
		store.Observe("k", observation{EventID: fmt.Sprintf("e%d", i), Timestamp: t0}, time.Hour)
	}
	assert.Equal(t, 2, store.Len())

	// e0 was evicted, so it counts as new again.
	_, added := store.Observe("k", observation{EventID: "e0", Timestamp: t0}, time.Hour)
	assert.True(t, added)
	_, added = store.Observe("k", observation{EventID: "e0", Timestamp: t0}, time.Hour)
	assert.False(t, added)
}

func TestWindowPrune(t *testing.T) {
	store := NewWindowStore(0)
	store.Observe("a", observation{EventID: "1", Timestamp: t0}, time.Minute)
	store.Observe("b", observation{EventID: "2", Timestamp: t0.Add(time.Hour)}, time.Minute)

	assert.Equal(t, 1, store.Prune(t0.Add(time.Hour)))
	assert.Equal(t, 1, store.Len())
}

func TestDeduplicatorDisabled(t *testing.T) {
	d := NewDeduplicator(-1)
	v, first := d.Fold(newTestViolation(t0))
	assert.True(t, first)
	assert.Equal(t, 1, v.Count)
	_, first = d.Fold(newTestViolation(t0))
	assert.True(t, first)
	assert.Zero(t, d.Len())
}
