// Package storage persists the audit chain and serves governance directory data.
// Audit stores are append-only: an event is written once under its sequence and
// never updated.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/polisai/polis-governance/pkg/domain"
)

var (
	// ErrSequenceConflict is returned when a sequence is already stored with a different hash.
	ErrSequenceConflict = errors.New("audit sequence already holds a different event")
	// ErrSequenceGap is returned when an append would leave a hole in the chain.
	ErrSequenceGap = errors.New("audit sequence gap")
	// ErrNoIndex is returned by an indexer that cannot serve a filter.
	ErrNoIndex = errors.New("filter not served by index")
	// ErrUnencodable is returned when the backend rejects an event's bytes; retrying cannot help.
	ErrUnencodable = errors.New("audit event not encodable by the store")
)

type placement int

const (
	placeInsert placement = iota
	placeExisting
)

// place decides how an event with sequence seq lands on a chain whose next free
// sequence is next. Both stores share it so they agree on gaps.
func place(next, seq uint64) (placement, error) {
	switch {
	case seq == 0:
		return 0, fmt.Errorf("append: event not sequenced")
	case seq < next:
		return placeExisting, nil
	case seq > next:
		return 0, fmt.Errorf("%w: have %d, got %d", ErrSequenceGap, next-1, seq)
	default:
		return placeInsert, nil
	}
}

// AuditStore exposes persistence operations for sequenced audit events.
type AuditStore interface {
	// Append stores events in sequence order. Re-appending an identical event is a no-op.
	Append(ctx context.Context, events []domain.AuditEvent) error
	// Head returns the event with the highest sequence.
	Head(ctx context.Context) (domain.AuditEvent, bool, error)
	// Range calls fn for every event with sequence >= from, in ascending order.
	Range(ctx context.Context, from uint64, fn func(domain.AuditEvent) error) error
	// Lookup returns the events with the given sequences, ascending; missing ones are skipped.
	Lookup(ctx context.Context, sequences []uint64) ([]domain.AuditEvent, error)
	// Query returns one page of matching events and the total match count.
	Query(ctx context.Context, filter domain.AuditFilter, page domain.Page) ([]domain.AuditEvent, int, error)
	Close() error
}

// AuditIndexer maintains secondary indexes over sequenced events.
type AuditIndexer interface {
	Index(ctx context.Context, events []domain.AuditEvent) error
	// Sequences returns one page of matching sequences and the total, or ErrNoIndex.
	Sequences(ctx context.Context, filter domain.AuditFilter, page domain.Page) ([]uint64, int, error)
}
