package policy

import (
	"sync"
	"time"
)

const defaultWindowCapacity = 4096

// observation is one matching event remembered for windowed rules.
type observation struct {
	EventID   string
	Timestamp time.Time
}

// eventRing is a fixed-size circular buffer of observations with oldest-first
// eviction. Callers hold the WindowStore lock.
type eventRing struct {
	events   []observation
	head     int // index of oldest element
	tail     int // index where next element will be inserted
	size     int
	capacity int
	ids      map[string]int
}

func newEventRing(capacity int) *eventRing {
	return &eventRing{
		events:   make([]observation, capacity),
		capacity: capacity,
		ids:      make(map[string]int, capacity),
	}
}

// add inserts obs unless an observation with the same event ID is buffered.
// It reports whether obs was added.
func (r *eventRing) add(obs observation) bool {
	if obs.EventID != "" {
		if _, seen := r.ids[obs.EventID]; seen {
			return false
		}
	}

	if r.size == r.capacity {
		r.dropOldest()
	}
	r.events[r.tail] = obs
	r.tail = (r.tail + 1) % r.capacity
	r.size++
	if obs.EventID != "" {
		r.ids[obs.EventID]++
	}
	return true
}

func (r *eventRing) dropOldest() {
	oldest := r.events[r.head]
	if oldest.EventID != "" {
		if r.ids[oldest.EventID] <= 1 {
			delete(r.ids, oldest.EventID)
		} else {
			r.ids[oldest.EventID]--
		}
	}
	r.events[r.head] = observation{}
	r.head = (r.head + 1) % r.capacity
	r.size--
}

// removeBefore drops leading observations at or before cutoff.
func (r *eventRing) removeBefore(cutoff time.Time) int {
	removed := 0
	for r.size > 0 && !r.events[r.head].Timestamp.After(cutoff) {
		r.dropOldest()
		removed++
	}
	return removed
}

// countBetween counts observations in (from, to].
func (r *eventRing) countBetween(from, to time.Time) int {
	n := 0
	for i := 0; i < r.size; i++ {
		ts := r.events[(r.head+i)%r.capacity].Timestamp
		if ts.After(from) && !ts.After(to) {
			n++
		}
	}
	return n
}

// latestBetween returns the newest observation in (from, to].
func (r *eventRing) latestBetween(from, to time.Time) (observation, bool) {
	var best observation
	found := false
	for i := 0; i < r.size; i++ {
		obs := r.events[(r.head+i)%r.capacity]
		if !obs.Timestamp.After(from) || obs.Timestamp.After(to) {
			continue
		}
		if !found || obs.Timestamp.After(best.Timestamp) {
			best = obs
			found = true
		}
	}
	return best, found
}

// WindowStore keeps trailing event windows for frequency and correlation rules,
// keyed by policy, group and pattern.
type WindowStore struct {
	mu        sync.Mutex
	capacity  int
	rings     map[string]*eventRing
	lastFired map[string]time.Time
	horizon   map[string]time.Duration
}

// NewWindowStore creates a store holding at most capacity observations per key.
func NewWindowStore(capacity int) *WindowStore {
	if capacity <= 0 {
		capacity = defaultWindowCapacity
	}
	return &WindowStore{
		capacity:  capacity,
		rings:     make(map[string]*eventRing),
		lastFired: make(map[string]time.Time),
		horizon:   make(map[string]time.Duration),
	}
}

// Observe records obs under key and prunes observations older than window
// relative to obs. It returns the number of observations in the window ending at
// obs and whether obs was new.
func (s *WindowStore) Observe(key string, obs observation, window time.Duration) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ring := s.ringLocked(key, window)
	added := ring.add(obs)
	cutoff := obs.Timestamp.Add(-window)
	s.pruneLocked(key, ring, cutoff)
	return ring.countBetween(cutoff, obs.Timestamp), added
}

// CompleteSet checks, under one lock, whether every leg key holds an observation
// in (from, to] newer than the last firing of setKey. When the set is complete it
// marks setKey fired at to and returns the newest observation of each leg.
func (s *WindowStore) CompleteSet(setKey string, legs []string, from, to time.Time) (map[string]observation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if fired, ok := s.lastFired[setKey]; ok && fired.After(from) {
		from = fired
	}

	found := make(map[string]observation, len(legs))
	for _, leg := range legs {
		ring, ok := s.rings[leg]
		if !ok {
			return nil, false
		}
		obs, ok := ring.latestBetween(from, to)
		if !ok {
			return nil, false
		}
		found[leg] = obs
	}

	s.lastFired[setKey] = to
	return found, true
}

// LastFired returns when the set under key last completed.
func (s *WindowStore) LastFired(key string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastFired[key]
}

// Prune drops every observation older than its key's window relative to now.
func (s *WindowStore) Prune(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, ring := range s.rings {
		removed += s.pruneLocked(key, ring, now.Add(-s.horizon[key]))
	}
	return removed
}

// Len returns the number of buffered observations across keys.
func (s *WindowStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ring := range s.rings {
		n += ring.size
	}
	return n
}

func (s *WindowStore) ringLocked(key string, window time.Duration) *eventRing {
	ring, ok := s.rings[key]
	if !ok {
		ring = newEventRing(s.capacity)
		s.rings[key] = ring
	}
	if window > s.horizon[key] {
		s.horizon[key] = window
	}
	return ring
}

func (s *WindowStore) pruneLocked(key string, ring *eventRing, cutoff time.Time) int {
	removed := ring.removeBefore(cutoff)
	if ring.size == 0 {
		delete(s.rings, key)
		delete(s.horizon, key)
	}
	return removed
}
