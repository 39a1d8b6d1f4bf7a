package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// InvalidationChannel carries invalidations between engine instances.
	InvalidationChannel = "governance.invalidate"

	versionKey = "governance:cache:version"
)

// Invalidation is the message published on the bus.
type Invalidation struct {
	Kind    string `json:"kind"`
	Value   string `json:"value,omitempty"`
	Origin  string `json:"origin"`
	Version int64  `json:"version"`
}

// NewRedisClient creates a redis client and verifies connectivity.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("cache: redis ping: %w", err)
	}

	return client, nil
}

// RedisBus propagates cache invalidations to every instance sharing a redis.
// A global version counter is bumped on every publish so late joiners can
// detect that they missed messages.
type RedisBus struct {
	client *redis.Client
	origin string
	logger *slog.Logger
}

// NewRedisBus creates a bus. origin identifies this process so it ignores its own
// messages.
func NewRedisBus(client *redis.Client, origin string, logger *slog.Logger) *RedisBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBus{client: client, origin: origin, logger: logger}
}

// Version returns the current invalidation version, zero when never bumped.
func (b *RedisBus) Version(ctx context.Context) (int64, error) {
	if b == nil || b.client == nil {
		return 0, nil
	}
	ver, err := b.client.Get(ctx, versionKey).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return ver, err
}

// Publish bumps the version and announces scope to the other instances.
func (b *RedisBus) Publish(ctx context.Context, scope Scope) error {
	if b == nil || b.client == nil {
		return nil
	}
	ver, err := b.client.Incr(ctx, versionKey).Result()
	if err != nil {
		return fmt.Errorf("cache: bump version: %w", err)
	}
	payload, err := json.Marshal(Invalidation{
		Kind:    scope.Kind(),
		Value:   scope.Value(),
		Origin:  b.origin,
		Version: ver,
	})
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, InvalidationChannel, payload).Err(); err != nil {
		return fmt.Errorf("cache: publish invalidation: %w", err)
	}
	return nil
}

// Listen subscribes to the bus and applies remote invalidations to local until
// ctx is done. It returns once the subscription is confirmed.
func (b *RedisBus) Listen(ctx context.Context, local *Cache) error {
	if b == nil || b.client == nil {
		return nil
	}
	pubsub := b.client.Subscribe(ctx, InvalidationChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("cache: subscribe: %w", err)
	}

	go func() {
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				b.apply(local, msg.Payload)
			}
		}
	}()
	return nil
}

func (b *RedisBus) apply(local *Cache, payload string) {
	var inv Invalidation
	if err := json.Unmarshal([]byte(payload), &inv); err != nil {
		// Unreadable message: drop everything rather than serve stale decisions.
		b.logger.Warn("malformed cache invalidation", "error", err)
		local.Flush()
		return
	}
	if inv.Origin == b.origin {
		return
	}
	scope, err := ParseScope(inv.Kind, inv.Value)
	if err != nil {
		b.logger.Warn("unknown cache invalidation scope", "kind", inv.Kind, "error", err)
		local.Flush()
		return
	}
	removed := local.Invalidate(scope)
	b.logger.Debug("applied remote cache invalidation",
		"scope", scope.String(),
		"origin", inv.Origin,
		"version", inv.Version,
		"removed", removed,
	)
}
