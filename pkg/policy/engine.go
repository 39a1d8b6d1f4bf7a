package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/polisai/polis-governance/internal/match"
	"github.com/polisai/polis-governance/pkg/cache"
	"github.com/polisai/polis-governance/pkg/clock"
	"github.com/polisai/polis-governance/pkg/domain"
	"github.com/polisai/polis-governance/pkg/telemetry"
)

const (
	defaultWorkers           = 8
	defaultRuleTimeout       = 2 * time.Second
	defaultEvaluationTimeout = 5 * time.Second
)

// EngineOptions control rule engine construction and runtime behaviour.
type EngineOptions struct {
	// Workers bounds concurrent rule evaluations per event.
	Workers int
	// RuleTimeout is the budget of a single rule. Custom rules may carry their own.
	RuleTimeout time.Duration
	// EvaluationTimeout bounds a whole Evaluate call.
	EvaluationTimeout time.Duration
	// DedupWindow folds repeated violations; zero selects DefaultDedupWindow,
	// negative disables folding.
	DedupWindow time.Duration
	// WindowCapacity bounds observations kept per window key.
	WindowCapacity int
	Sandbox        SandboxOptions

	// Source supplies policies for Replay.
	Source domain.PolicySource
	// Sink receives evaluation audit events. Nil discards them.
	Sink domain.AuditSink
	// Cache memoises stateless rule results. Nil disables memoisation.
	Cache  *cache.Cache
	Clock  clock.Clock
	Logger *slog.Logger
}

// Engine evaluates events against policies.
type Engine struct {
	opts    EngineOptions
	sandbox *Sandbox
	windows *WindowStore
	dedup   *Deduplicator
	cache   *cache.Cache
	sink    domain.AuditSink
	source  domain.PolicySource
	clock   clock.Clock
	logger  *slog.Logger
}

// Report is the result of evaluating one event.
type Report struct {
	EventID    string
	Violations []domain.Violation
	Errors     []domain.EvaluationError
	Outcome    domain.Outcome
	Evaluated  int
}

// NewEngine constructs an Engine.
func NewEngine(opts EngineOptions) *Engine {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.RuleTimeout <= 0 {
		opts.RuleTimeout = defaultRuleTimeout
	}
	if opts.EvaluationTimeout <= 0 {
		opts.EvaluationTimeout = defaultEvaluationTimeout
	}
	if opts.DedupWindow == 0 {
		opts.DedupWindow = DefaultDedupWindow
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Sink == nil {
		opts.Sink = discardSink{}
	}

	return &Engine{
		opts:    opts,
		sandbox: NewSandbox(opts.Sandbox),
		windows: NewWindowStore(opts.WindowCapacity),
		dedup:   NewDeduplicator(opts.DedupWindow),
		cache:   opts.Cache,
		sink:    opts.Sink,
		source:  opts.Source,
		clock:   opts.Clock,
		logger:  opts.Logger,
	}
}

// SetSink replaces the audit sink. It must be called before the engine serves
// traffic; it exists because the audit pipeline and the engine reference each other.
func (e *Engine) SetSink(sink domain.AuditSink) {
	if sink == nil {
		sink = discardSink{}
	}
	e.sink = sink
}

// Windows exposes the window store for gauges.
func (e *Engine) Windows() *WindowStore {
	return e.windows
}

// Sandbox exposes the Rego sandbox so custom authorization conditions share it.
func (e *Engine) Sandbox() *Sandbox {
	return e.sandbox
}

// Evaluate runs every active, in-scope, condition-matching policy against event.
// The returned error is non-nil only when the outcome could not be audited; callers
// must then treat the event as denied.
func (e *Engine) Evaluate(ctx context.Context, event domain.Event, policies []domain.Policy) (Report, error) {
	return e.evaluate(ctx, e.normalize(event), policies, false, e.generation())
}

// EvaluateCurrent evaluates event against the policies of the configured Source.
func (e *Engine) EvaluateCurrent(ctx context.Context, event domain.Event) (Report, error) {
	if e.source == nil {
		return Report{}, errors.New("policy: no policy source configured")
	}
	gen := e.generation()
	policies, err := e.source.Policies(ctx)
	if err != nil {
		return Report{}, domain.LookupFailure("policies", err)
	}
	return e.evaluate(ctx, e.normalize(event), policies, false, gen)
}

// generation snapshots the cache invalidation counter before policies are read,
// so results computed from a superseded policy set are not memoised.
func (e *Engine) generation() uint64 {
	if e.cache == nil {
		return 0
	}
	return e.cache.Generation()
}

// Replay feeds a persisted audit event back through the stateful rules.
// Violations produced here are tagged as replay output so they are not replayed
// again.
func (e *Engine) Replay(ctx context.Context, record domain.AuditEvent) (Report, error) {
	if record.Replayed() {
		return Report{Outcome: domain.OutcomeAllow}, nil
	}
	if e.source == nil {
		return Report{Outcome: domain.OutcomeAllow}, nil
	}
	gen := e.generation()
	policies, err := e.source.Policies(ctx)
	if err != nil {
		return Report{}, domain.LookupFailure("policies", err)
	}

	stateful := make([]domain.Policy, 0, len(policies))
	for _, p := range policies {
		if p.Type.Stateful() {
			stateful = append(stateful, p)
		}
	}
	if len(stateful) == 0 {
		return Report{Outcome: domain.OutcomeAllow}, nil
	}
	return e.evaluate(ctx, e.normalize(record.AsEvent()), stateful, true, gen)
}

func (e *Engine) normalize(event domain.Event) domain.Event {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = e.clock.Now()
	}
	event.Timestamp = event.Timestamp.UTC()
	return event
}

func (e *Engine) evaluate(ctx context.Context, event domain.Event, policies []domain.Policy, replay bool, gen uint64) (Report, error) {
	ctx, span := telemetry.StartSpan(ctx, "policy.evaluate",
		attribute.String("event.type", event.Type),
		attribute.String("event.id", event.ID),
		attribute.Bool("policy.replay", replay),
	)

	applicable, filterErrs := e.applicable(event, policies)
	results := e.fanOut(ctx, event, applicable, gen)

	report := Report{EventID: event.ID, Evaluated: len(applicable)}
	report.Errors = append(report.Errors, filterErrs...)
	for i, res := range results {
		policy := applicable[i]
		if res.err != nil {
			report.Errors = append(report.Errors, *res.err)
			continue
		}
		if !res.result.violated {
			continue
		}
		v, first := e.dedup.Fold(e.newViolation(policy, event, res.result.evidence))
		if first {
			// Repeats inside the dedup window only raise Count.
			telemetry.RecordViolation(ctx, v.RuleID, string(v.PolicyType), string(v.Severity), string(v.Enforcement))
		}
		report.Violations = append(report.Violations, v)
	}
	report.Outcome = domain.OutcomeOf(report.Violations)

	err := e.audit(ctx, event, report, applicable, replay)
	telemetry.AnnotateEvaluation(span, string(report.Outcome), len(report.Violations), len(report.Errors))
	telemetry.EndSpan(span, err)
	return report, err
}

// applicable filters to active policies whose scope and conditions match event,
// ordered by priority (highest first) then id.
func (e *Engine) applicable(event domain.Event, policies []domain.Policy) ([]domain.Policy, []domain.EvaluationError) {
	selected := make([]domain.Policy, 0, len(policies))
	var errs []domain.EvaluationError
	for _, p := range policies {
		if p.Status != domain.StatusActive {
			continue
		}
		if !inScope(p.Scope, event) {
			continue
		}
		ok, err := matchAll(p.Conditions, event)
		if err != nil {
			errs = append(errs, domain.EvaluationError{PolicyID: p.ID, PolicyType: p.Type, Err: err})
			continue
		}
		if ok {
			selected = append(selected, p)
		}
	}
	sort.SliceStable(selected, func(i, j int) bool {
		if selected[i].Priority != selected[j].Priority {
			return selected[i].Priority > selected[j].Priority
		}
		return selected[i].ID < selected[j].ID
	})
	return selected, errs
}

func inScope(scope domain.Scope, event domain.Event) bool {
	return match.Any(scope.EventTypes, event.Type, match.TokenSeparator) &&
		match.Any(scope.Resources, event.Resource().String(), match.PathSeparator) &&
		match.Any(scope.Actors, event.ActorID, match.PathSeparator)
}

type ruleOutcome struct {
	result ruleResult
	err    *domain.EvaluationError
}

// fanOut evaluates policies over a bounded pool. Results are index-aligned with
// policies. Rule failures never cancel sibling rules.
func (e *Engine) fanOut(ctx context.Context, event domain.Event, policies []domain.Policy, gen uint64) []ruleOutcome {
	results := make([]ruleOutcome, len(policies))
	if len(policies) == 0 {
		return results
	}

	evalCtx, cancel := context.WithTimeout(ctx, e.opts.EvaluationTimeout)
	defer cancel()

	var g errgroup.Group
	g.SetLimit(e.opts.Workers)
	for i, p := range policies {
		g.Go(func() error {
			res, err := e.runRule(evalCtx, p, event, gen)
			if err != nil {
				evalErr := domain.EvaluationError{PolicyID: p.ID, PolicyType: p.Type, Err: err}
				results[i] = ruleOutcome{err: &evalErr}
				return nil
			}
			results[i] = ruleOutcome{result: res}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// runRule evaluates one policy with timeout and panic isolation, consulting the
// decision cache for stateless rules.
func (e *Engine) runRule(ctx context.Context, policy domain.Policy, event domain.Event, gen uint64) (ruleResult, error) {
	key, cacheable := e.resultKey(policy, event)
	if cacheable {
		if cached, ok := e.cache.Get(key); ok {
			if len(cached.Violations) == 0 {
				return pass, nil
			}
			return violated(cached.Violations[0].Evidence), nil
		}
	}

	timeout := e.opts.RuleTimeout
	if policy.Type == domain.PolicyCustom && policy.Definition.Custom.Timeout > 0 {
		timeout = policy.Definition.Custom.Timeout
	}

	res, err := runWithTimeout(ctx, timeout, func(ctx context.Context) (ruleResult, error) {
		return e.dispatch(ctx, policy, event)
	})
	if err != nil {
		kind := "error"
		switch {
		case errors.Is(err, domain.ErrEvaluationTimeout):
			kind = "timeout"
		case errors.Is(err, errRulePanic):
			kind = "panic"
		}
		e.logger.Warn("policy evaluator degraded",
			"policy_id", policy.ID,
			"policy_type", string(policy.Type),
			"event_id", event.ID,
			"kind", kind,
			"error", err,
		)
		telemetry.RecordEvaluationError(ctx, policy.ID, kind)
		return pass, err
	}

	if cacheable {
		decision := domain.Decision{Allowed: !res.violated, DecidedAt: e.clock.Now()}
		if res.violated {
			decision.Violations = []domain.Violation{{RuleID: policy.ID, Evidence: res.evidence}}
		}
		e.cache.SetIfGeneration(gen, key, cache.Tags{Policy: policy.ID, Resource: event.Resource().String()}, decision)
	}
	return res, nil
}

func (e *Engine) dispatch(ctx context.Context, policy domain.Policy, event domain.Event) (ruleResult, error) {
	if err := policy.Validate(); err != nil {
		return pass, err
	}
	def := policy.Definition
	switch policy.Type {
	case domain.PolicyThreshold:
		return evalThreshold(def.Threshold, event)
	case domain.PolicyPattern:
		return evalPattern(def.Pattern, event)
	case domain.PolicyFrequency:
		return e.evalFrequency(policy, event)
	case domain.PolicyCorrelation:
		return e.evalCorrelation(policy, event)
	case domain.PolicyCustom:
		return e.evalCustom(ctx, policy, event)
	default:
		return pass, fmt.Errorf("unknown policy type %q", policy.Type)
	}
}

var errRulePanic = errors.New("rule evaluator panicked")

// runWithTimeout runs fn on its own goroutine so a runaway evaluator cannot hold
// the caller past timeout. The goroutine observes ctx cancellation on exit.
func runWithTimeout(ctx context.Context, timeout time.Duration, fn func(context.Context) (ruleResult, error)) (ruleResult, error) {
	ruleCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		res ruleResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("%w: %v\n%s", errRulePanic, r, debug.Stack())}
			}
		}()
		res, err := fn(ruleCtx)
		done <- outcome{res: res, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil && errors.Is(ruleCtx.Err(), context.DeadlineExceeded) && !errors.Is(out.err, domain.ErrEvaluationTimeout) {
			return pass, fmt.Errorf("%w after %s: %v", domain.ErrEvaluationTimeout, timeout, out.err)
		}
		return out.res, out.err
	case <-ruleCtx.Done():
		return pass, fmt.Errorf("%w after %s", domain.ErrEvaluationTimeout, timeout)
	}
}

// resultKey fingerprints a stateless rule evaluation. Custom rules see the event
// timestamp, so it is part of their key.
func (e *Engine) resultKey(policy domain.Policy, event domain.Event) (string, bool) {
	if e.cache == nil || policy.Type.Stateful() {
		return "", false
	}
	envelope := event.Envelope()
	delete(envelope, "id")
	if policy.Type != domain.PolicyCustom {
		delete(envelope, "timestamp")
	}
	raw, err := json.Marshal(envelope)
	if err != nil {
		return "", false
	}
	return cache.Fingerprint("rule", policy.Key(), string(raw)), true
}

func (e *Engine) newViolation(policy domain.Policy, event domain.Event, evidence map[string]any) domain.Violation {
	enforcement := policy.Enforcement
	if enforcement == "" {
		enforcement = domain.EnforceStrict
	}
	return domain.Violation{
		ID:            uuid.NewString(),
		RuleID:        policy.ID,
		PolicyVersion: policy.Version,
		PolicyType:    policy.Type,
		Severity:      policy.Severity,
		Enforcement:   enforcement,
		Evidence:      evidence,
		Resource:      event.Resource(),
		ActorID:       event.ActorID,
		EventID:       event.ID,
		Timestamp:     event.Timestamp,
		Count:         1,
	}
}

type discardSink struct{}

func (discardSink) Enqueue(context.Context, domain.AuditEvent) error { return nil }
