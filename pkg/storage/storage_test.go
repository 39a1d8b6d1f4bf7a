package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-governance/pkg/domain"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func sequenced(n int) []domain.AuditEvent {
	events := make([]domain.AuditEvent, n)
	for i := range events {
		seq := uint64(i + 1)
		events[i] = domain.AuditEvent{
			ID:           fmt.Sprintf("evt-%d", seq),
			Sequence:     seq,
			Timestamp:    t0.Add(time.Duration(i) * time.Minute),
			EventType:    domain.EventAuthzDecision,
			ActorID:      []string{"alice", "bob"}[i%2],
			ResourceType: "document",
			ResourceID:   fmt.Sprint(i % 3),
			Action:       "read",
			Result:       domain.ResultAllow,
			Severity:     domain.SeverityInfo,
			Hash:         fmt.Sprintf("h%d", seq),
			Details:      map[string]any{"n": i},
		}
		if i%4 == 3 {
			events[i].EventType = domain.EventPolicyViolation
			events[i].Result = domain.ResultViolation
			events[i].Severity = domain.SeverityHigh
		}
	}
	return events
}

func TestMemoryAuditStoreAppendIsIdempotent(t *testing.T) {
	store := NewMemoryAuditStore()
	ctx := context.Background()
	events := sequenced(5)

	require.NoError(t, store.Append(ctx, events[:3]))
	require.NoError(t, store.Append(ctx, events[1:]))
	assert.Equal(t, 5, store.Len())

	head, ok, err := store.Head(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(5), head.Sequence)
}

func TestMemoryAuditStoreRejectsConflictsAndGaps(t *testing.T) {
	store := NewMemoryAuditStore()
	ctx := context.Background()
	events := sequenced(4)
	require.NoError(t, store.Append(ctx, events[:2]))

	forged := events[1]
	forged.Hash = "forged"
	assert.ErrorIs(t, store.Append(ctx, []domain.AuditEvent{forged}), ErrSequenceConflict)
	assert.ErrorIs(t, store.Append(ctx, events[3:]), ErrSequenceGap)
	assert.Error(t, store.Append(ctx, []domain.AuditEvent{{ID: "unsequenced"}}))
	assert.Equal(t, 2, store.Len())
}

func TestMemoryAuditStoreReturnsCopies(t *testing.T) {
	store := NewMemoryAuditStore()
	ctx := context.Background()
	events := sequenced(1)
	require.NoError(t, store.Append(ctx, events))

	events[0].Details["n"] = "mutated"
	head, _, err := store.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, head.Details["n"])

	head.Details["n"] = "mutated again"
	again, _, err := store.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Details["n"])
}

func TestMemoryAuditStoreRangeAndLookup(t *testing.T) {
	store := NewMemoryAuditStore()
	ctx := context.Background()
	require.NoError(t, store.Append(ctx, sequenced(6)))

	var seen []uint64
	require.NoError(t, store.Range(ctx, 4, func(e domain.AuditEvent) error {
		seen = append(seen, e.Sequence)
		return nil
	}))
	assert.Equal(t, []uint64{4, 5, 6}, seen)

	got, err := store.Lookup(ctx, []uint64{6, 2, 99})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(2), got[0].Sequence)
	assert.Equal(t, uint64(6), got[1].Sequence)
}

func TestMemoryAuditStoreQuery(t *testing.T) {
	store := NewMemoryAuditStore()
	ctx := context.Background()
	require.NoError(t, store.Append(ctx, sequenced(12)))

	events, total, err := store.Query(ctx, domain.AuditFilter{ActorID: "bob"}, domain.Page{Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 6, total)
	require.Len(t, events, 2)
	assert.Equal(t, uint64(4), events[0].Sequence)
	assert.Equal(t, uint64(6), events[1].Sequence)

	_, total, err = store.Query(ctx, domain.AuditFilter{Severity: domain.SeverityMedium}, domain.Page{})
	require.NoError(t, err)
	assert.Equal(t, 3, total)

	_, total, err = store.Query(ctx, domain.AuditFilter{From: t0.Add(2 * time.Minute), To: t0.Add(5 * time.Minute)}, domain.Page{})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
}

func TestBuildWhere(t *testing.T) {
	where, args := buildWhere(domain.AuditFilter{})
	assert.Empty(t, where)
	assert.Empty(t, args)

	where, args = buildWhere(domain.AuditFilter{ActorID: "alice", EventType: "authz.decision", Severity: domain.SeverityHigh, From: t0})
	assert.Equal(t, " WHERE actor_id = $1 AND event_type = $2 AND severity = ANY($3) AND timestamp_utc >= $4", where)
	require.Len(t, args, 4)
	assert.Equal(t, []string{"high", "critical"}, args[2])
}

func TestDecodeDetailsKeepsNumbers(t *testing.T) {
	details, err := decodeDetails([]byte(`{"count": 9007199254740993, "ratio": 0.5}`))
	require.NoError(t, err)
	assert.Equal(t, "9007199254740993", fmt.Sprint(details["count"]))
	assert.Equal(t, "0.5", fmt.Sprint(details["ratio"]))
}

func TestDecodeDetailsKeepsExponentValue(t *testing.T) {
	details, err := decodeDetails([]byte(`{"evidence": {"actual": 1.5e-7}}`))
	require.NoError(t, err)
	evidence, ok := details["evidence"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "1.5e-7", fmt.Sprint(evidence["actual"]))
}

func TestPlace(t *testing.T) {
	cases := []struct {
		name      string
		next, seq uint64
		want      placement
		err       error
	}{
		{name: "first", next: 1, seq: 1, want: placeInsert},
		{name: "next", next: 5, seq: 5, want: placeInsert},
		{name: "replayed", next: 5, seq: 3, want: placeExisting},
		{name: "gap on empty", next: 1, seq: 2, err: ErrSequenceGap},
		{name: "gap", next: 5, seq: 7, err: ErrSequenceGap},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := place(tc.next, tc.seq)
			if tc.err != nil {
				assert.ErrorIs(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	_, err := place(1, 0)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrSequenceGap)
}

func TestClassifyMarksEncodingErrorsPermanent(t *testing.T) {
	for _, code := range []string{sqlstateUntranslatable, sqlstateNotInRepertoire} {
		err := classify(fmt.Errorf("insert: %w", &pgconn.PgError{Code: code}))
		assert.ErrorIs(t, err, ErrUnencodable, code)
	}
	assert.NotErrorIs(t, classify(&pgconn.PgError{Code: "08006"}), ErrUnencodable)
	plain := errors.New("connection reset")
	assert.Same(t, plain, classify(plain))
}

func newIndexer(t *testing.T) *RedisAuditIndexer {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisAuditIndexer(client, "")
}

func TestRedisAuditIndexer(t *testing.T) {
	idx := newIndexer(t)
	ctx := context.Background()
	events := sequenced(12)
	require.NoError(t, idx.Index(ctx, events))
	require.NoError(t, idx.Index(ctx, events[:4]))

	seqs, total, err := idx.Sequences(ctx, domain.AuditFilter{ActorID: "alice"}, domain.Page{Limit: 3})
	require.NoError(t, err)
	assert.Equal(t, 6, total)
	assert.Equal(t, []uint64{1, 3, 5}, seqs)

	seqs, total, err = idx.Sequences(ctx, domain.AuditFilter{ActorID: "bob", EventType: domain.EventPolicyViolation}, domain.Page{})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Equal(t, []uint64{4, 8, 12}, seqs)

	seqs, _, err = idx.Sequences(ctx, domain.AuditFilter{ResourceType: "document", ResourceID: "0"}, domain.Page{})
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 4, 7, 10}, seqs)
}

func TestRedisAuditIndexerDeclinesUnindexedFilters(t *testing.T) {
	idx := newIndexer(t)
	ctx := context.Background()

	for _, filter := range []domain.AuditFilter{
		{},
		{Result: domain.ResultDeny},
		{ActorID: "alice", From: t0},
		{ResourceType: "document"},
		{ResourceID: "1"},
	} {
		_, _, err := idx.Sequences(ctx, filter, domain.Page{})
		assert.ErrorIs(t, err, ErrNoIndex, "%+v", filter)
	}
}

func TestMemoryDirectory(t *testing.T) {
	graph, err := domain.NewRoleGraph([]domain.Role{{ID: 1, Name: "reader"}})
	require.NoError(t, err)
	parent := domain.ResourceRef{Type: "folder", ID: "a"}
	dir := NewMemoryDirectory(domain.Snapshot{
		Principals: map[string]domain.Principal{"alice": {ID: "alice"}},
		Roles:      graph,
		Resources:  map[string]domain.Resource{"document/1": {Ref: domain.ResourceRef{Type: "document", ID: "1"}, Parent: &parent}},
		Policies:   []domain.Policy{{ID: "p1"}},
	})
	ctx := context.Background()

	p, err := dir.Principal(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", p.ID)
	_, err = dir.Principal(ctx, "nobody")
	assert.ErrorIs(t, err, domain.ErrPrincipalNotFound)

	res, ok, err := dir.Resource(ctx, domain.ResourceRef{Type: "document", ID: "1"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, parent, *res.Parent)

	policies, err := dir.Policies(ctx)
	require.NoError(t, err)
	policies[0].ID = "changed"
	again, _ := dir.Policies(ctx)
	assert.Equal(t, "p1", again[0].ID)

	dir.Replace(domain.Snapshot{})
	g, err := dir.RoleGraph(ctx)
	require.NoError(t, err)
	assert.Zero(t, g.Len())
	_, err = dir.Principal(ctx, "alice")
	assert.Error(t, err)
}
