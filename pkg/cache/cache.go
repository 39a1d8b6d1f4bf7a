// Package cache holds recently computed authorization and rule decisions. Entries
// expire after a fixed TTL and are tagged so a role or policy mutation invalidates
// exactly the affected decisions.
package cache

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/polisai/polis-governance/pkg/clock"
	"github.com/polisai/polis-governance/pkg/domain"
)

const (
	// DefaultTTL bounds how stale a decision may get before it is recomputed.
	DefaultTTL = 5 * time.Minute

	defaultCapacity        = 10000
	defaultJanitorInterval = time.Minute
)

// Options control cache construction.
type Options struct {
	// TTL applies to entries whose decision carries no TTL of its own.
	TTL time.Duration
	// MaxEntries bounds the cache (LRU). Zero selects the default size.
	MaxEntries int
	// JanitorInterval is the sweep period used by Start.
	JanitorInterval time.Duration
	Clock           clock.Clock
	Logger          *slog.Logger
}

// Tags describe what an entry was derived from.
type Tags struct {
	Principal string
	Resource  string
	Policy    string
}

// Cache is a concurrent TTL and LRU map of decisions. Concurrent writers of the
// same key resolve last-writer-wins.
type Cache struct {
	mu      sync.Mutex
	max     int
	ttl     time.Duration
	order   *list.List
	entries map[string]*list.Element
	// gen counts invalidations; see SetIfGeneration.
	gen uint64

	clock    clock.Clock
	logger   *slog.Logger
	interval time.Duration

	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

type cacheItem struct {
	key       string
	value     domain.Decision
	tags      Tags
	expiresAt time.Time
}

// New constructs an empty cache. Call Start to sweep expired entries in the background.
func New(opts Options) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = defaultCapacity
	}
	if opts.JanitorInterval <= 0 {
		opts.JanitorInterval = defaultJanitorInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Cache{
		max:      opts.MaxEntries,
		ttl:      opts.TTL,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
		clock:    opts.Clock,
		logger:   opts.Logger,
		interval: opts.JanitorInterval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// TTL returns the default entry lifetime.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Get returns a live entry. Expired entries are removed on access.
func (c *Cache) Get(key string) (domain.Decision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return domain.Decision{}, false
	}
	item := elem.Value.(*cacheItem)
	if !c.clock.Now().Before(item.expiresAt) {
		c.removeLocked(elem)
		return domain.Decision{}, false
	}
	c.order.MoveToFront(elem)
	return item.value.Clone(), true
}

// Generation returns the invalidation counter. Capture it before reading the
// data a decision is computed from and pass it to SetIfGeneration.
func (c *Cache) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// Set stores value under key, replacing any previous entry.
func (c *Cache) Set(key string, tags Tags, value domain.Decision) {
	c.set(key, tags, value, 0, false)
}

// SetIfGeneration stores value only if no invalidation ran since gen was read.
// A decision computed from data that was invalidated meanwhile is dropped.
func (c *Cache) SetIfGeneration(gen uint64, key string, tags Tags, value domain.Decision) bool {
	return c.set(key, tags, value, gen, true)
}

func (c *Cache) set(key string, tags Tags, value domain.Decision, gen uint64, conditional bool) bool {
	ttl := value.TTL
	if ttl <= 0 {
		ttl = c.ttl
		value.TTL = ttl
	}
	item := &cacheItem{
		key:       key,
		value:     value.Clone(),
		tags:      tags,
		expiresAt: c.clock.Now().Add(ttl),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if conditional && c.gen != gen {
		return false
	}
	if elem, ok := c.entries[key]; ok {
		elem.Value = item
		c.order.MoveToFront(elem)
		return true
	}

	c.entries[key] = c.order.PushFront(item)

	if c.order.Len() > c.max {
		if tail := c.order.Back(); tail != nil {
			c.removeLocked(tail)
		}
	}
	return true
}

// Invalidate removes every entry within scope and returns how many were dropped.
func (c *Cache) Invalidate(scope Scope) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++

	if scope.kind == scopeAll {
		n := c.order.Len()
		c.resetLocked()
		return n
	}

	removed := 0
	for elem := c.order.Front(); elem != nil; {
		next := elem.Next()
		if scope.matches(elem.Value.(*cacheItem).tags) {
			c.removeLocked(elem)
			removed++
		}
		elem = next
	}
	return removed
}

// Flush clears all entries.
func (c *Cache) Flush() {
	c.Invalidate(ScopeAll())
}

// Len returns the number of stored entries, including expired ones not yet swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Sweep drops expired entries.
func (c *Cache) Sweep() int {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for elem := c.order.Front(); elem != nil; {
		next := elem.Next()
		if !now.Before(elem.Value.(*cacheItem).expiresAt) {
			c.removeLocked(elem)
			removed++
		}
		elem = next
	}
	return removed
}

// Start runs the janitor until ctx is done or Stop is called.
func (c *Cache) Start(ctx context.Context) {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	ticker := c.clock.NewTicker(c.interval)
	go func() {
		defer close(c.done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stop:
				return
			case <-ticker.C:
				if n := c.Sweep(); n > 0 {
					c.logger.Debug("decision cache sweep", "expired", n)
				}
			}
		}
	}()
}

// Stop halts the janitor started by Start and waits for it to exit.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
	if c.started.Load() {
		<-c.done
	}
}

func (c *Cache) removeLocked(elem *list.Element) {
	c.order.Remove(elem)
	delete(c.entries, elem.Value.(*cacheItem).key)
}

func (c *Cache) resetLocked() {
	c.order.Init()
	c.entries = make(map[string]*list.Element)
}

// Fingerprint derives a deterministic cache key. Each field is written to the
// hash followed by a null delimiter.
func Fingerprint(fields ...string) string {
	h := sha256.New()
	for _, field := range fields {
		writeField(h, field)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// SortedField joins values in sorted order so set-valued inputs hash identically.
func SortedField(values []string) string {
	if len(values) == 0 {
		return ""
	}
	normalized := append([]string(nil), values...)
	sort.Strings(normalized)
	return strings.Join(normalized, ",")
}

func writeField(h hash.Hash, value string) {
	h.Write([]byte(strings.TrimSpace(value)))
	h.Write([]byte{0})
}
