// Package governor wires the decision cache, the permission resolver, the rule
// engine and the audit pipeline into one service and keeps them consistent with
// the governance snapshot.
package governor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/polisai/polis-governance/internal/governance"
	"github.com/polisai/polis-governance/pkg/audit"
	"github.com/polisai/polis-governance/pkg/authz"
	"github.com/polisai/polis-governance/pkg/cache"
	"github.com/polisai/polis-governance/pkg/clock"
	"github.com/polisai/polis-governance/pkg/config"
	"github.com/polisai/polis-governance/pkg/domain"
	"github.com/polisai/polis-governance/pkg/policy"
	"github.com/polisai/polis-governance/pkg/storage"
	"github.com/polisai/polis-governance/pkg/telemetry"
)

// Redacted replaces audit fields the caller may not read.
const Redacted = "[REDACTED]"

// Audit resources guarded by the resolver.
var (
	AuditEventsResource  = domain.ResourceRef{Type: "audit", ID: "events"}
	AuditDetailsResource = domain.ResourceRef{Type: "audit", ID: "details"}
	AuditActorsResource  = domain.ResourceRef{Type: "audit", ID: "actors"}
	AuditReportsResource = domain.ResourceRef{Type: "audit", ID: "reports"}
)

// Audit actions.
const (
	ActionRead   = "read"
	ActionExport = "export"
)

// Snapshots is the governance data the governor serves from.
type Snapshots interface {
	domain.SnapshotService
	domain.Directory
	domain.PolicySource
}

// Options configure a Governor.
type Options struct {
	Config    *config.Config
	Snapshots Snapshots
	Store     storage.AuditStore
	// Indexer and Bus are optional.
	Indexer storage.AuditIndexer
	Bus     *cache.RedisBus
	Clock   clock.Clock
	Logger  *slog.Logger
}

// Governor is the inbound API of the governance core.
type Governor struct {
	cfg       *config.Config
	snapshots Snapshots
	store     storage.AuditStore
	algorithm audit.Algorithm
	cache     *cache.Cache
	engine    *policy.Engine
	pipeline  *audit.Pipeline
	resolver  *authz.Resolver
	bus       *cache.RedisBus
	gauges    *telemetry.Gauges
	clock     clock.Clock
	logger    *slog.Logger

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// New builds a Governor. Call Start before serving requests.
func New(opts Options) (*Governor, error) {
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	if opts.Snapshots == nil {
		return nil, errors.New("governor: snapshot source required")
	}
	if opts.Store == nil {
		return nil, errors.New("governor: audit store required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	cfg := opts.Config

	alg, err := audit.ParseAlgorithm(cfg.Audit.Algorithm)
	if err != nil {
		return nil, fmt.Errorf("governor: %w", err)
	}

	decisions := cache.New(cache.Options{
		TTL:        cfg.Cache.TTL,
		MaxEntries: cfg.Cache.MaxEntries,
		Clock:      opts.Clock,
		Logger:     opts.Logger.With("component", "cache"),
	})

	engine := policy.NewEngine(policy.EngineOptions{
		Workers:           cfg.Policy.Workers,
		RuleTimeout:       cfg.Policy.RuleTimeout,
		EvaluationTimeout: cfg.Policy.EvaluationTimeout,
		DedupWindow:       cfg.Policy.DedupWindow,
		WindowCapacity:    cfg.Policy.WindowCapacity,
		Sandbox: policy.SandboxOptions{
			MaxInputBytes:      cfg.Policy.MaxInputBytes,
			Timeout:            cfg.Policy.CustomTimeout,
			MaxConcurrent:      cfg.Policy.CustomConcurrency,
			MaxHeapGrowthBytes: cfg.Policy.MaxHeapGrowthBytes,
		},
		Source: opts.Snapshots,
		Cache:  decisions,
		Clock:  opts.Clock,
		Logger: opts.Logger.With("component", "policy"),
	})

	pipelineOpts := audit.Options{
		Store:           opts.Store,
		Indexer:         opts.Indexer,
		QueueSize:       cfg.Audit.QueueSize,
		BatchSize:       cfg.Audit.BatchSize,
		FlushInterval:   cfg.Audit.FlushInterval,
		Algorithm:       alg,
		SyncSeverity:    domain.Severity(cfg.Audit.SyncSeverity),
		ReplayWorkers:   cfg.Audit.ReplayWorkers,
		ShutdownTimeout: cfg.Audit.ShutdownTimeout,
		Clock:           opts.Clock,
		Logger:          opts.Logger.With("component", "audit"),
	}
	if cfg.Audit.Replay {
		pipelineOpts.Replay = func(ctx context.Context, event domain.AuditEvent) error {
			_, err := engine.Replay(ctx, event)
			return err
		}
	}
	pipeline, err := audit.NewPipeline(pipelineOpts)
	if err != nil {
		return nil, fmt.Errorf("governor: %w", err)
	}
	engine.SetSink(pipeline)

	breakerCfg := governance.DefaultCircuitBreakerConfig()
	if cfg.Authz.BreakerThreshold > 0 {
		breakerCfg.MaxFailures = cfg.Authz.BreakerThreshold
	}
	if cfg.Authz.BreakerCooldown > 0 {
		breakerCfg.Timeout = cfg.Authz.BreakerCooldown
	}
	breakerCfg.Clock = opts.Clock
	breakerCfg.IsFailure = func(err error) bool { return !errors.Is(err, domain.ErrPrincipalNotFound) }

	resolver, err := authz.NewResolver(authz.Options{
		Directory:     opts.Snapshots,
		Cache:         decisions,
		Sink:          pipeline,
		Sandbox:       engine.Sandbox(),
		Breaker:       governance.NewCircuitBreaker(breakerCfg),
		MaxDepth:      cfg.Authz.MaxDepth,
		LookupTimeout: cfg.Authz.LookupTimeout,
		Clock:         opts.Clock,
		Logger:        opts.Logger.With("component", "authz"),
	})
	if err != nil {
		return nil, fmt.Errorf("governor: %w", err)
	}

	g := &Governor{
		cfg:       cfg,
		snapshots: opts.Snapshots,
		store:     opts.Store,
		algorithm: alg,
		cache:     decisions,
		engine:    engine,
		pipeline:  pipeline,
		resolver:  resolver,
		bus:       opts.Bus,
		clock:     opts.Clock,
		logger:    opts.Logger,
	}
	g.gauges = telemetry.NewGauges(telemetry.GaugeSources{
		QueueDepth:     func() float64 { return float64(pipeline.QueueDepth()) },
		PendingRetries: func() float64 { return float64(pipeline.PendingRetries()) },
		CacheSize:      func() float64 { return float64(decisions.Len()) },
		WindowEvents:   func() float64 { return float64(engine.Windows().Len()) },
		ChainHead: func() float64 {
			seq, _ := pipeline.Head()
			return float64(seq)
		},
	})
	return g, nil
}

// Start resumes the audit chain, starts the cache janitor, subscribes to remote
// invalidations and follows snapshot changes until Close.
func (g *Governor) Start(ctx context.Context) error {
	// The pipeline outlives ctx; only Close drains it.
	if err := g.pipeline.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g.cancel = cancel

	g.cache.Start(runCtx)
	if err := g.bus.Listen(runCtx, g.cache); err != nil {
		cancel()
		return fmt.Errorf("governor: %w", err)
	}

	// The snapshot current at subscription is applied locally only; every later
	// change is also broadcast.
	changes := g.snapshots.Subscribe()
	select {
	case initial, ok := <-changes:
		if ok {
			g.applyChange(runCtx, initial, false)
		}
	default:
	}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.watchSnapshots(runCtx, changes)
	}()
	return nil
}

// Authorize decides whether principalID may perform action on resource.
func (g *Governor) Authorize(ctx context.Context, principalID string, resource domain.ResourceRef, action string, env authz.Env) (domain.Decision, error) {
	return g.resolver.Authorize(ctx, principalID, resource, action, env)
}

// EffectivePermissions lists the permission patterns principalID holds.
func (g *Governor) EffectivePermissions(ctx context.Context, principalID string) ([]string, error) {
	return g.resolver.EffectivePermissions(ctx, principalID)
}

// EvaluateEvent evaluates event against the current policies.
func (g *Governor) EvaluateEvent(ctx context.Context, event domain.Event) (policy.Report, error) {
	return g.engine.EvaluateCurrent(ctx, event)
}

// QueryAuditLog returns one page of audit events visible to callerID. Event details
// and actor ids are redacted unless the caller may read them. The query itself is
// audited.
func (g *Governor) QueryAuditLog(ctx context.Context, callerID string, filter domain.AuditFilter, page domain.Page) ([]domain.AuditEvent, int, error) {
	if err := g.require(ctx, callerID, AuditEventsResource, ActionRead); err != nil {
		return nil, 0, err
	}

	events, total, err := g.pipeline.Query(ctx, filter, page)
	if err != nil {
		return nil, 0, err
	}

	showDetails := g.permitted(ctx, callerID, AuditDetailsResource, ActionRead)
	showActors := g.permitted(ctx, callerID, AuditActorsResource, ActionRead)
	events = redact(events, showDetails, showActors)

	page = page.Normalize()
	err = g.pipeline.Enqueue(ctx, domain.AuditEvent{
		EventType:    domain.EventAuditQuery,
		ActorID:      callerID,
		ResourceType: AuditEventsResource.Type,
		ResourceID:   AuditEventsResource.ID,
		Action:       ActionRead,
		Result:       domain.ResultSuccess,
		Details: map[string]any{
			"filter":   filterDetails(filter),
			"offset":   page.Offset,
			"limit":    page.Limit,
			"returned": len(events),
			"total":    total,
			"redacted": !showDetails || !showActors,
		},
	})
	if err != nil {
		return nil, 0, fmt.Errorf("governor: audit query not recorded: %w", err)
	}
	return events, total, nil
}

// ExportAuditLog streams every event matching filter to w. Exports are never
// redacted, so they need the export action on the audit trail.
func (g *Governor) ExportAuditLog(ctx context.Context, callerID string, w io.Writer, filter domain.AuditFilter, format string) error {
	if err := g.require(ctx, callerID, AuditEventsResource, ActionExport); err != nil {
		return err
	}
	err := g.pipeline.Enqueue(ctx, domain.AuditEvent{
		EventType:    domain.EventAuditQuery,
		ActorID:      callerID,
		ResourceType: AuditEventsResource.Type,
		ResourceID:   AuditEventsResource.ID,
		Action:       ActionExport,
		Result:       domain.ResultSuccess,
		Details:      map[string]any{"filter": filterDetails(filter), "format": format},
	})
	if err != nil {
		return fmt.Errorf("governor: audit export not recorded: %w", err)
	}
	return g.pipeline.Export(ctx, w, filter, format)
}

// ComplianceReport summarises the audit trail over [from, to).
func (g *Governor) ComplianceReport(ctx context.Context, callerID string, from, to time.Time) (audit.ComplianceReport, error) {
	if err := g.require(ctx, callerID, AuditReportsResource, ActionRead); err != nil {
		return audit.ComplianceReport{}, err
	}
	return g.pipeline.ComplianceReport(ctx, from, to)
}

// Verify recomputes the whole chain for a caller allowed to read audit reports.
// A broken chain raises a critical integrity alarm on the audit trail and is
// returned as a ChainIntegrityViolation.
func (g *Governor) Verify(ctx context.Context, callerID string) (audit.VerifyResult, error) {
	if err := g.require(ctx, callerID, AuditReportsResource, ActionRead); err != nil {
		return audit.VerifyResult{}, err
	}
	result, err := audit.Verify(ctx, g.store, g.algorithm, g.logger)
	var violation *audit.ChainIntegrityViolation
	if errors.As(err, &violation) {
		alarm := domain.AuditEvent{
			ID:        uuid.NewString(),
			EventType: domain.EventAuditIntegrityAlarm,
			Result:    domain.ResultError,
			Severity:  domain.SeverityCritical,
			Details: map[string]any{
				"sequence": violation.Sequence,
				"field":    violation.Field,
				"expected": violation.Expected,
				"actual":   violation.Actual,
			},
		}
		if alarmErr := g.pipeline.Enqueue(ctx, alarm); alarmErr != nil {
			g.logger.Error("failed to record chain integrity alarm", "error", alarmErr)
		}
	}
	return result, err
}

// Head returns the sequence and hash of the newest sealed audit event.
func (g *Governor) Head() (uint64, string) {
	return g.pipeline.Head()
}

// Gauges exposes the pipeline gauges.
func (g *Governor) Gauges() *telemetry.Gauges {
	return g.gauges
}

// Close stops following snapshots and drains the audit pipeline.
func (g *Governor) Close(ctx context.Context) error {
	g.closeOnce.Do(func() {
		if g.cancel != nil {
			g.cancel()
		}
		g.wg.Wait()
		g.closeErr = g.pipeline.Close(ctx)
		g.cache.Stop()
	})
	return g.closeErr
}

// require fails with ErrAuthorizationDenied unless callerID may perform action.
func (g *Governor) require(ctx context.Context, callerID string, resource domain.ResourceRef, action string) error {
	decision, err := g.resolver.Authorize(ctx, callerID, resource, action, authz.Env{})
	if err != nil {
		return err
	}
	if !decision.Allowed {
		return &domain.DomainError{
			Err:     domain.ErrAuthorizationDenied,
			Code:    domain.CodeDenied,
			Message: fmt.Sprintf("%s may not %s %s (%s)", callerID, action, resource, decision.Reason),
		}
	}
	return nil
}

func (g *Governor) permitted(ctx context.Context, callerID string, resource domain.ResourceRef, action string) bool {
	decision, err := g.resolver.Authorize(ctx, callerID, resource, action, authz.Env{})
	return err == nil && decision.Allowed
}

func redact(events []domain.AuditEvent, showDetails, showActors bool) []domain.AuditEvent {
	if showDetails && showActors {
		return events
	}
	out := make([]domain.AuditEvent, len(events))
	for i, e := range events {
		if !showActors && e.ActorID != "" {
			e.ActorID = Redacted
		}
		if !showDetails && len(e.Details) > 0 {
			e.Details = map[string]any{"redacted": Redacted}
		}
		out[i] = e
	}
	return out
}

func filterDetails(f domain.AuditFilter) map[string]any {
	details := map[string]any{}
	set := func(key, value string) {
		if value != "" {
			details[key] = value
		}
	}
	set("actor_id", f.ActorID)
	set("resource_type", f.ResourceType)
	set("resource_id", f.ResourceID)
	set("event_type", f.EventType)
	set("result", f.Result)
	set("severity", string(f.Severity))
	if !f.From.IsZero() {
		details["from"] = f.From.UTC().Format(time.RFC3339Nano)
	}
	if !f.To.IsZero() {
		details["to"] = f.To.UTC().Format(time.RFC3339Nano)
	}
	return details
}
