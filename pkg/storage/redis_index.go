package storage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/polisai/polis-governance/pkg/domain"
)

const (
	defaultIndexPrefix = "governance:audit:idx"
	intersectionTTL    = 30 * time.Second
)

// RedisAuditIndexer keeps one sorted set per actor, resource and event type, scored
// by sequence, so filtered audit queries avoid scanning the store.
type RedisAuditIndexer struct {
	client *redis.Client
	prefix string
}

// NewRedisAuditIndexer builds an indexer writing keys under prefix.
func NewRedisAuditIndexer(client *redis.Client, prefix string) *RedisAuditIndexer {
	if prefix == "" {
		prefix = defaultIndexPrefix
	}
	return &RedisAuditIndexer{client: client, prefix: prefix}
}

// Index adds events to their sets in one pipeline. Re-indexing is idempotent.
func (i *RedisAuditIndexer) Index(ctx context.Context, events []domain.AuditEvent) error {
	if len(events) == 0 {
		return nil
	}
	_, err := i.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, event := range events {
			member := redis.Z{Score: float64(event.Sequence), Member: strconv.FormatUint(event.Sequence, 10)}
			for _, key := range i.keysOf(event) {
				pipe.ZAdd(ctx, key, member)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("storage: index audit events: %w", err)
	}
	return nil
}

// Sequences serves filters that only constrain indexed fields.
func (i *RedisAuditIndexer) Sequences(ctx context.Context, filter domain.AuditFilter, page domain.Page) ([]uint64, int, error) {
	keys, ok := i.filterKeys(filter)
	if !ok {
		return nil, 0, ErrNoIndex
	}
	page = page.Normalize()

	key := keys[0]
	if len(keys) > 1 {
		key = fmt.Sprintf("%s:tmp:%s", i.prefix, uuid.NewString())
		pipe := i.client.TxPipeline()
		pipe.ZInterStore(ctx, key, &redis.ZStore{Keys: keys, Aggregate: "MIN"})
		pipe.Expire(ctx, key, intersectionTTL)
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, 0, fmt.Errorf("storage: intersect audit indexes: %w", err)
		}
		defer i.client.Del(context.WithoutCancel(ctx), key)
	}

	total, err := i.client.ZCard(ctx, key).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("storage: count audit index: %w", err)
	}
	members, err := i.client.ZRange(ctx, key, int64(page.Offset), int64(page.Offset+page.Limit-1)).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("storage: read audit index: %w", err)
	}

	out := make([]uint64, 0, len(members))
	for _, m := range members {
		seq, err := strconv.ParseUint(m, 10, 64)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: corrupt audit index member %q: %w", m, err)
		}
		out = append(out, seq)
	}
	return out, int(total), nil
}

func (i *RedisAuditIndexer) keysOf(event domain.AuditEvent) []string {
	keys := []string{i.key("type", event.EventType)}
	if event.ActorID != "" {
		keys = append(keys, i.key("actor", event.ActorID))
	}
	if event.ResourceType != "" {
		keys = append(keys, i.key("resource", domain.ResourceRef{Type: event.ResourceType, ID: event.ResourceID}.String()))
	}
	return keys
}

// filterKeys maps filter onto index keys. Filters on unindexed fields, or resource
// ids without a type, are not served.
func (i *RedisAuditIndexer) filterKeys(filter domain.AuditFilter) ([]string, bool) {
	if filter.Result != "" || filter.Severity != "" || !filter.From.IsZero() || !filter.To.IsZero() {
		return nil, false
	}
	if filter.ResourceID != "" && filter.ResourceType == "" {
		return nil, false
	}
	var keys []string
	if filter.EventType != "" {
		keys = append(keys, i.key("type", filter.EventType))
	}
	if filter.ActorID != "" {
		keys = append(keys, i.key("actor", filter.ActorID))
	}
	if filter.ResourceType != "" {
		if filter.ResourceID == "" {
			return nil, false
		}
		keys = append(keys, i.key("resource", domain.ResourceRef{Type: filter.ResourceType, ID: filter.ResourceID}.String()))
	}
	return keys, len(keys) > 0
}

func (i *RedisAuditIndexer) key(kind, value string) string {
	return i.prefix + ":" + kind + ":" + value
}
