package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/polisai/polis-governance/pkg/domain"
)

// MemoryAuditStore is an in-memory implementation of AuditStore.
type MemoryAuditStore struct {
	mu     sync.RWMutex
	events []domain.AuditEvent // events[i].Sequence == i+1
}

// NewMemoryAuditStore creates a new MemoryAuditStore.
func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{}
}

// Append stores events, enforcing contiguous sequences.
func (s *MemoryAuditStore) Append(_ context.Context, events []domain.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, event := range events {
		where, err := place(uint64(len(s.events))+1, event.Sequence)
		if err != nil {
			return fmt.Errorf("event %s: %w", event.ID, err)
		}
		if where == placeExisting {
			if existing := s.events[event.Sequence-1]; existing.Hash != event.Hash {
				return fmt.Errorf("%w: sequence %d", ErrSequenceConflict, event.Sequence)
			}
			continue
		}
		s.events = append(s.events, event.Clone())
	}
	return nil
}

// Head returns the latest event.
func (s *MemoryAuditStore) Head(_ context.Context) (domain.AuditEvent, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.events) == 0 {
		return domain.AuditEvent{}, false, nil
	}
	return s.events[len(s.events)-1].Clone(), true, nil
}

// Range iterates over a snapshot of the stored events so fn may call back into the store.
func (s *MemoryAuditStore) Range(ctx context.Context, from uint64, fn func(domain.AuditEvent) error) error {
	s.mu.RLock()
	start := int(from) - 1
	if start < 0 {
		start = 0
	}
	var snapshot []domain.AuditEvent
	if start < len(s.events) {
		snapshot = append(snapshot, s.events[start:]...)
	}
	s.mu.RUnlock()

	for _, event := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(event.Clone()); err != nil {
			return err
		}
	}
	return nil
}

// Lookup returns the events at the given sequences.
func (s *MemoryAuditStore) Lookup(_ context.Context, sequences []uint64) ([]domain.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sorted := append([]uint64(nil), sequences...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	out := make([]domain.AuditEvent, 0, len(sorted))
	for _, seq := range sorted {
		if seq == 0 || seq > uint64(len(s.events)) {
			continue
		}
		out = append(out, s.events[seq-1].Clone())
	}
	return out, nil
}

// Query scans the store in sequence order.
func (s *MemoryAuditStore) Query(_ context.Context, filter domain.AuditFilter, page domain.Page) ([]domain.AuditEvent, int, error) {
	page = page.Normalize()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		out   []domain.AuditEvent
		total int
	)
	for _, event := range s.events {
		if !filter.Matches(event) {
			continue
		}
		if total >= page.Offset && len(out) < page.Limit {
			out = append(out, event.Clone())
		}
		total++
	}
	return out, total, nil
}

// Len returns the number of stored events.
func (s *MemoryAuditStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// Close is a no-op for memory store.
func (s *MemoryAuditStore) Close() error {
	return nil
}
