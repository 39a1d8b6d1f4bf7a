package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/polisai/polis-governance/internal/governance"
	"github.com/polisai/polis-governance/pkg/clock"
	"github.com/polisai/polis-governance/pkg/domain"
	"github.com/polisai/polis-governance/pkg/storage"
	"github.com/polisai/polis-governance/pkg/telemetry"
)

const (
	defaultQueueSize       = 10000
	defaultBatchSize       = 100
	defaultFlushInterval   = time.Second
	defaultReplayWorkers   = 4
	defaultShutdownTimeout = 10 * time.Second
	persistBacklog         = 4
	indexRetries           = 3
)

// ReplayFunc feeds a persisted event back to the rule engine.
type ReplayFunc func(ctx context.Context, event domain.AuditEvent) error

// Options configure a Pipeline.
type Options struct {
	Store storage.AuditStore
	// Indexer is optional.
	Indexer storage.AuditIndexer
	// QueueSize bounds the asynchronous queue.
	QueueSize int
	// BatchSize and FlushInterval close a batch, whichever comes first.
	BatchSize     int
	FlushInterval time.Duration
	Algorithm     Algorithm
	// SyncSeverity and above are persisted before Enqueue returns. Defaults to high.
	SyncSeverity domain.Severity
	// Retry governs durable writes. MaxRetries is forced to unlimited.
	Retry governance.RetryConfig
	// Replay, when set, receives persisted events whose type is in ReplayTypes.
	Replay        ReplayFunc
	ReplayTypes   []string
	ReplayWorkers int
	// ShutdownTimeout bounds the drain when the Start context is cancelled.
	ShutdownTimeout time.Duration
	Clock           clock.Clock
	Logger          *slog.Logger
}

type request struct {
	event domain.AuditEvent
	done  chan error // nil for asynchronous events
}

type batch struct {
	events  []domain.AuditEvent
	waiters []chan error
	sync    bool
}

// Pipeline is the audit write path. It implements domain.AuditSink.
type Pipeline struct {
	opts  Options
	store storage.AuditStore
	index storage.AuditIndexer
	retry *governance.RetryPolicy
	// indexRetry is bounded; a batch that still fails marks the index stale.
	indexRetry *governance.RetryPolicy
	indexStale atomic.Bool
	clock      clock.Clock
	logger     *slog.Logger

	replayTypes map[string]struct{}
	replays     *replayQueue

	mu      sync.RWMutex
	closed  bool
	started atomic.Bool
	queue   chan request
	batches chan batch

	chain    chain
	headSeq  atomic.Uint64
	headHash atomic.Value // string
	pending  atomic.Int64

	// stopCtx aborts durable-write retries when a drain deadline expires.
	stopCtx   context.Context
	stopNow   context.CancelFunc
	done      chan struct{}
	closeErr  error
	closeOnce sync.Once
}

// NewPipeline builds a pipeline. Call Start before enqueueing.
func NewPipeline(opts Options) (*Pipeline, error) {
	if opts.Store == nil {
		return nil, errors.New("audit: store required")
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaultFlushInterval
	}
	if opts.Algorithm == "" {
		opts.Algorithm = SHA256
	}
	if opts.SyncSeverity == "" {
		opts.SyncSeverity = domain.SeverityHigh
	}
	if opts.ReplayTypes == nil {
		opts.ReplayTypes = DefaultReplayTypes
	}
	if opts.ReplayWorkers <= 0 {
		opts.ReplayWorkers = defaultReplayWorkers
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = defaultShutdownTimeout
	}
	if opts.Retry == (governance.RetryConfig{}) {
		opts.Retry = governance.DefaultRetryConfig()
	}
	indexRetry := opts.Retry
	indexRetry.MaxRetries = indexRetries
	opts.Retry.MaxRetries = -1
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	p := &Pipeline{
		opts:        opts,
		store:       opts.Store,
		index:       opts.Indexer,
		retry:       governance.NewRetryPolicy(opts.Retry),
		indexRetry:  governance.NewRetryPolicy(indexRetry),
		clock:       opts.Clock,
		logger:      opts.Logger,
		replayTypes: make(map[string]struct{}, len(opts.ReplayTypes)),
		replays:     newReplayQueue(),
		queue:       make(chan request, opts.QueueSize),
		batches:     make(chan batch, persistBacklog),
		done:        make(chan struct{}),
	}
	for _, t := range opts.ReplayTypes {
		p.replayTypes[t] = struct{}{}
	}
	p.headHash.Store(Genesis)
	p.stopCtx, p.stopNow = context.WithCancel(context.Background())
	return p, nil
}

// Start resumes the chain from the store head and launches the sequencer, the
// persister and the replay dispatcher. Cancelling ctx drains the pipeline.
func (p *Pipeline) Start(ctx context.Context) error {
	head, found, err := p.store.Head(ctx)
	if err != nil {
		return fmt.Errorf("audit: read chain head: %w", err)
	}

	p.mu.Lock()
	if p.started.Load() || p.closed {
		p.mu.Unlock()
		return errors.New("audit: pipeline already started or closed")
	}
	p.chain = newChain(p.opts.Algorithm, head, found)
	p.headSeq.Store(p.chain.sequence)
	p.headHash.Store(p.chain.head)
	p.started.Store(true)
	p.mu.Unlock()

	p.logger.Info("audit pipeline started",
		"sequence", p.chain.sequence,
		"algorithm", string(p.opts.Algorithm),
		"queue_size", p.opts.QueueSize,
	)

	p.run()

	go func() {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), p.opts.ShutdownTimeout)
			defer cancel()
			_ = p.Close(shutdownCtx)
		case <-p.done:
		}
	}()
	return nil
}

func (p *Pipeline) run() {
	persisted := make(chan struct{})
	go p.sequence()
	go func() {
		defer close(persisted)
		p.persistLoop()
		if dropped := p.replays.close(); dropped > 0 {
			p.logger.Warn("audit replays abandoned at shutdown", "count", dropped)
		}
	}()
	go p.dispatchReplays(persisted)
}

// Enqueue accepts event for sequencing. Events at or above the sync severity, and
// every event arriving while the queue is full, are persisted before Enqueue returns.
// An event is never dropped: Enqueue either returns nil or an error the caller must act on.
func (p *Pipeline) Enqueue(ctx context.Context, event domain.AuditEvent) error {
	if event.Sequenced() || event.PrevHash != "" {
		return fmt.Errorf("audit: event %s already carries chain fields", event.ID)
	}
	event = p.normalise(event)
	if _, err := Canonical(event); err != nil {
		return fmt.Errorf("audit: %w", err)
	}

	p.mu.RLock()
	if p.closed || !p.started.Load() {
		p.mu.RUnlock()
		return domain.ErrPipelineClosed
	}

	if !event.Severity.AtLeast(p.opts.SyncSeverity) {
		select {
		case p.queue <- request{event: event}:
			p.mu.RUnlock()
			return nil
		default:
			p.logger.Warn("audit queue saturated, writing synchronously",
				"event_type", event.EventType,
				"queue_depth", len(p.queue),
				"error", domain.ErrQueueSaturated,
			)
		}
	}

	done := make(chan error, 1)
	select {
	case p.queue <- request{event: event, done: done}:
		p.mu.RUnlock()
	case <-ctx.Done():
		p.mu.RUnlock()
		return fmt.Errorf("audit: enqueue %s: %w", event.EventType, ctx.Err())
	}
	return p.awaitPersist(ctx, event, done)
}

// awaitPersist waits for the batch holding a synchronous event to persist.
func (p *Pipeline) awaitPersist(ctx context.Context, event domain.AuditEvent, done <-chan error) error {
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("audit: persist %s: %w", event.EventType, err)
		}
		return nil
	case <-ctx.Done():
		// The event is sequenced and will still be persisted.
		return fmt.Errorf("audit: await persist of %s: %w", event.EventType, ctx.Err())
	}
}

func (p *Pipeline) normalise(event domain.AuditEvent) domain.AuditEvent {
	event = event.Clone()
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = p.clock.Now()
	}
	// Stores keep microseconds; truncating before hashing keeps the chain verifiable.
	event.Timestamp = event.Timestamp.UTC().Truncate(time.Microsecond)
	event.Severity = domain.MaxSeverity(Classify(event.EventType, event.Result), event.Severity)
	if event.Details == nil {
		event.Details = map[string]any{}
	}
	event.ID = storable(event.ID)
	event.EventType = storable(event.EventType)
	event.ActorID = storable(event.ActorID)
	event.ResourceType = storable(event.ResourceType)
	event.ResourceID = storable(event.ResourceID)
	event.Action = storable(event.Action)
	event.Result = storable(event.Result)
	return event
}

// storable replaces NUL bytes and invalid UTF-8, which SQL text columns reject,
// before the event is hashed.
func storable(s string) string {
	if strings.IndexByte(s, 0) < 0 && utf8.ValidString(s) {
		return s
	}
	return strings.ReplaceAll(strings.ToValidUTF8(s, "\uFFFD"), "\x00", "\uFFFD")
}

// sequence is the single owner of the chain head.
func (p *Pipeline) sequence() {
	defer close(p.batches)

	ticker := p.clock.NewTicker(p.opts.FlushInterval)
	defer ticker.Stop()

	var current batch
	flush := func() {
		if len(current.events) == 0 {
			return
		}
		p.batches <- current
		current = batch{}
	}

	for {
		select {
		case req, ok := <-p.queue:
			if !ok {
				flush()
				return
			}
			sealed, err := p.chain.seal(req.event)
			if err != nil {
				p.logger.Error("audit event cannot be sealed", "event_id", req.event.ID, "error", err)
				if req.done != nil {
					req.done <- err
				}
				continue
			}
			p.headSeq.Store(sealed.Sequence)
			p.headHash.Store(sealed.Hash)

			current.events = append(current.events, sealed)
			if req.done != nil {
				current.waiters = append(current.waiters, req.done)
				current.sync = true
				flush()
			} else if len(current.events) >= p.opts.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (p *Pipeline) persistLoop() {
	for b := range p.batches {
		err := p.persist(b)
		for _, w := range b.waiters {
			w <- err
		}
		if err == nil && p.index != nil {
			p.indexBatch(b.events)
		}
		if err == nil && p.opts.Replay != nil {
			for _, event := range b.events {
				if _, ok := p.replayTypes[event.EventType]; ok && !event.Replayed() {
					p.replays.push(event)
				}
			}
		}
	}
}

// persist writes and measures one batch concurrently. Only the durable write can
// fail the batch; it is retried with backoff and the sealed events are reused
// unchanged on every attempt.
func (p *Pipeline) persist(b batch) error {
	ctx := p.stopCtx
	var g errgroup.Group

	g.Go(func() error {
		retrying := false
		err := p.retry.Do(ctx, func(ctx context.Context) error {
			err := p.store.Append(ctx, b.events)
			if permanentStoreError(err) {
				return governance.Permanent(err)
			}
			return err
		}, func(attempt int, err error, backoff time.Duration) {
			if !retrying {
				retrying = true
				p.pending.Add(1)
			}
			telemetry.RecordAuditPersistRetry(ctx)
			p.logger.Warn("audit batch persist failed, retrying",
				"attempt", attempt,
				"backoff", backoff,
				"first_sequence", b.events[0].Sequence,
				"size", len(b.events),
				"error", err,
			)
		})
		if retrying {
			p.pending.Add(-1)
		}
		if err != nil {
			if errors.Is(err, storage.ErrSequenceConflict) || errors.Is(err, storage.ErrSequenceGap) {
				telemetry.RecordChainIntegrityFailure(ctx, b.events[0].Sequence)
				err = errors.Join(domain.ErrChainIntegrity, err)
			}
			p.logger.Error("audit batch not persisted",
				"first_sequence", b.events[0].Sequence,
				"size", len(b.events),
				"error", err,
			)
		}
		return err
	})

	g.Go(func() error {
		telemetry.RecordAuditBatch(ctx, len(b.events), b.sync)
		return nil
	})

	return g.Wait()
}

// indexBatch indexes events that are already durable, so the index never names a
// sequence the store lacks. When indexing keeps failing the index is marked stale:
// queries scan the store and the next batch rebuilds the index instead.
func (p *Pipeline) indexBatch(events []domain.AuditEvent) {
	ctx := p.stopCtx
	if p.indexStale.Load() {
		if err := p.reindex(ctx); err != nil {
			p.logger.Warn("audit index rebuild failed", "error", err)
		}
		return
	}
	err := p.indexRetry.Do(ctx, func(ctx context.Context) error {
		return p.index.Index(ctx, events)
	}, nil)
	if err != nil {
		p.indexStale.Store(true)
		p.logger.Warn("audit batch not indexed, serving queries from the store",
			"first_sequence", events[0].Sequence,
			"size", len(events),
			"error", err,
		)
	}
}

// reindex replays every stored event into the index. Indexing is idempotent.
func (p *Pipeline) reindex(ctx context.Context) error {
	page := domain.Page{Limit: domain.MaxPageSize}
	for {
		events, total, err := p.store.Query(ctx, domain.AuditFilter{}, page)
		if err != nil {
			return fmt.Errorf("audit: reindex: %w", err)
		}
		if err := p.index.Index(ctx, events); err != nil {
			return fmt.Errorf("audit: reindex: %w", err)
		}
		page.Offset += len(events)
		if len(events) == 0 || page.Offset >= total {
			break
		}
	}
	p.indexStale.Store(false)
	p.logger.Info("audit index rebuilt", "events", page.Offset)
	return nil
}

// permanentStoreError reports failures that retrying the same batch cannot fix.
func permanentStoreError(err error) bool {
	return errors.Is(err, storage.ErrSequenceConflict) ||
		errors.Is(err, storage.ErrSequenceGap) ||
		errors.Is(err, storage.ErrUnencodable)
}

func (p *Pipeline) dispatchReplays(persisted <-chan struct{}) {
	sem := semaphore.NewWeighted(int64(p.opts.ReplayWorkers))
	ctx := context.Background()
	for {
		event, ok := p.replays.pop()
		if !ok {
			break
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		go func() {
			defer sem.Release(1)
			if err := p.opts.Replay(p.stopCtx, event); err != nil {
				p.logger.Warn("audit replay failed", "sequence", event.Sequence, "event_type", event.EventType, "error", err)
			}
		}()
	}
	<-persisted
	_ = sem.Acquire(ctx, int64(p.opts.ReplayWorkers))
	close(p.done)
}

// Close stops accepting events and waits until everything queued is persisted or
// ctx expires; on expiry pending retries are abandoned and their events reported
// as not persisted.
func (p *Pipeline) Close(ctx context.Context) error {
	p.closeOnce.Do(func() {
		locked := make(chan struct{})
		go func() {
			p.mu.Lock()
			close(locked)
		}()
		select {
		case <-locked:
		case <-ctx.Done():
			p.stopNow()
			<-locked
		}
		p.closed = true
		started := p.started.Load()
		if started {
			close(p.queue)
		}
		p.mu.Unlock()

		if !started {
			p.stopNow()
			close(p.done)
			return
		}

		select {
		case <-p.done:
		case <-ctx.Done():
			p.stopNow()
			<-p.done
		}
		if err := ctx.Err(); err != nil {
			p.closeErr = fmt.Errorf("audit: drain interrupted: %w", err)
		}
		p.stopNow()
		p.logger.Info("audit pipeline stopped", "sequence", p.headSeq.Load())
	})
	return p.closeErr
}

// Head returns the sequence and hash of the last sealed event.
func (p *Pipeline) Head() (uint64, string) {
	return p.headSeq.Load(), p.headHash.Load().(string)
}

// QueueDepth is the number of events waiting for the sequencer.
func (p *Pipeline) QueueDepth() int {
	return len(p.queue)
}

// PendingRetries is the number of batches currently backing off.
func (p *Pipeline) PendingRetries() int {
	return int(p.pending.Load())
}

// PendingReplays is the number of persisted events waiting for replay.
func (p *Pipeline) PendingReplays() int {
	return p.replays.len()
}

var _ domain.AuditSink = (*Pipeline)(nil)
