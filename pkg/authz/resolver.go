// Package authz decides whether a principal may perform an action on a resource.
//
// Resolution order, first match wins: cached decision, explicit deny, direct
// permission, role permission (conditions ANDed), parent resource, default deny.
// Any collaborator failure denies with LOOKUP_FAILURE. Every decision is audited
// before it is returned; a decision that cannot be audited is replaced by a deny.
package authz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/polisai/polis-governance/internal/governance"
	"github.com/polisai/polis-governance/internal/match"
	"github.com/polisai/polis-governance/pkg/cache"
	"github.com/polisai/polis-governance/pkg/clock"
	"github.com/polisai/polis-governance/pkg/domain"
	"github.com/polisai/polis-governance/pkg/policy"
	"github.com/polisai/polis-governance/pkg/telemetry"
)

const (
	defaultMaxDepth      = 32
	defaultLookupTimeout = 2 * time.Second
)

// Env is request context that conditions may inspect.
type Env struct {
	IP         string
	Time       time.Time
	Attributes map[string]any
}

// Request is a single authorization question.
type Request struct {
	Principal domain.Principal
	Resource  domain.ResourceRef
	Action    string
	Env       Env
}

// Options configure a Resolver.
type Options struct {
	Directory domain.Directory
	// Cache memoises decisions. Nil disables caching.
	Cache *cache.Cache
	// Sink receives one audit event per decision. Required.
	Sink domain.AuditSink
	// Sandbox evaluates custom conditions. Nil makes custom conditions fail.
	Sandbox *policy.Sandbox
	// Breaker guards directory lookups. Nil selects a default breaker.
	Breaker *governance.CircuitBreaker
	// MaxDepth bounds resource hierarchy walks.
	MaxDepth int
	// LookupTimeout bounds the directory work of one resolution.
	LookupTimeout time.Duration
	Clock         clock.Clock
	Logger        *slog.Logger
}

// Resolver evaluates authorization requests.
type Resolver struct {
	dir      domain.Directory
	cache    *cache.Cache
	sink     domain.AuditSink
	sandbox  *policy.Sandbox
	breaker  *governance.CircuitBreaker
	maxDepth int
	timeout  time.Duration
	clock    clock.Clock
	logger   *slog.Logger
	compiler compiler
}

// NewResolver builds a Resolver.
func NewResolver(opts Options) (*Resolver, error) {
	if opts.Directory == nil {
		return nil, errors.New("authz: directory required")
	}
	if opts.Sink == nil {
		return nil, errors.New("authz: audit sink required")
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = defaultMaxDepth
	}
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = defaultLookupTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Breaker == nil {
		cfg := governance.DefaultCircuitBreakerConfig()
		cfg.Clock = opts.Clock
		cfg.IsFailure = func(err error) bool { return !errors.Is(err, domain.ErrPrincipalNotFound) }
		opts.Breaker = governance.NewCircuitBreaker(cfg)
	}

	r := &Resolver{
		dir:      opts.Directory,
		cache:    opts.Cache,
		sink:     opts.Sink,
		sandbox:  opts.Sandbox,
		breaker:  opts.Breaker,
		maxDepth: opts.MaxDepth,
		timeout:  opts.LookupTimeout,
		clock:    opts.Clock,
		logger:   opts.Logger,
	}
	r.compiler.invalid = func(role, permission string, err error) {
		r.logger.Warn("ignoring invalid permission", "role", role, "permission", permission, "error", err)
	}
	return r, nil
}

// Authorize loads principalID from the directory and resolves the request.
func (r *Resolver) Authorize(ctx context.Context, principalID string, resource domain.ResourceRef, action string, env Env) (domain.Decision, error) {
	gen := r.generation()
	var principal domain.Principal
	err := r.guard(ctx, func(ctx context.Context) error {
		var err error
		principal, err = r.dir.Principal(ctx, principalID)
		return err
	})
	req := Request{Principal: principal, Resource: resource, Action: action, Env: env}
	if err != nil {
		req.Principal.ID = principalID
		return r.failClosed(ctx, req, domain.LookupFailure("principal", err), r.clock.Now())
	}
	return r.resolveTraced(ctx, req, gen)
}

// Resolve answers req. The returned error is non-nil only when the decision is a
// fail-closed deny (LOOKUP_FAILURE or AUDIT_UNAVAILABLE); the decision is always usable.
func (r *Resolver) Resolve(ctx context.Context, req Request) (domain.Decision, error) {
	return r.resolveTraced(ctx, req, r.generation())
}

// generation snapshots the cache invalidation counter before any directory read.
func (r *Resolver) generation() uint64 {
	if r.cache == nil {
		return 0
	}
	return r.cache.Generation()
}

func (r *Resolver) resolveTraced(ctx context.Context, req Request, gen uint64) (domain.Decision, error) {
	start := r.clock.Now()
	ctx, span := telemetry.StartSpan(ctx, "authz.resolve",
		attribute.String("principal.id", req.Principal.ID),
		attribute.String("resource", req.Resource.String()),
		attribute.String("action", req.Action),
		attribute.String("request.ip", req.Env.IP),
	)

	decision, err := r.resolve(ctx, req, gen, start)

	telemetry.AnnotateDecision(span, decision.Allowed, string(decision.Reason), decision.Cached)
	telemetry.EndSpan(span, err)
	telemetry.RecordAuthzDecision(ctx, decision.Allowed, string(decision.Reason), decision.Cached, r.clock.Now().Sub(start))
	return decision, err
}

func (r *Resolver) resolve(ctx context.Context, req Request, gen uint64, start time.Time) (domain.Decision, error) {
	key := cacheKey(req)
	if r.cache != nil {
		if cached, ok := r.cache.Get(key); ok {
			cached.Cached = true
			if err := r.record(ctx, req, cached, nil); err != nil {
				return r.auditUnavailable(req, err, start), err
			}
			return cached, nil
		}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, r.timeout)
	decision, clockBound, err := r.decide(lookupCtx, req)
	cancel()
	if err != nil {
		return r.failClosed(ctx, req, err, start)
	}
	decision.DecidedAt = start.UTC()

	if err := r.record(ctx, req, decision, nil); err != nil {
		return r.auditUnavailable(req, err, start), err
	}
	if r.cache != nil && !clockBound {
		r.cache.SetIfGeneration(gen, key, cache.Tags{Principal: req.Principal.ID, Resource: req.Resource.String()}, decision)
	}
	return decision, nil
}

// failClosed turns a lookup error into an audited deny. Lookup failures are not cached.
func (r *Resolver) failClosed(ctx context.Context, req Request, cause error, at time.Time) (domain.Decision, error) {
	if !errors.Is(cause, domain.ErrLookupFailure) {
		cause = domain.LookupFailure("directory", cause)
	}
	decision := domain.Decision{Allowed: false, Reason: domain.ReasonLookupFailure, DecidedAt: at.UTC()}
	r.logger.Error("authorization lookup failed, denying",
		"principal_id", req.Principal.ID,
		"resource", req.Resource.String(),
		"action", req.Action,
		"error", cause,
	)
	if err := r.record(ctx, req, decision, cause); err != nil {
		return r.auditUnavailable(req, err, at), errors.Join(cause, err)
	}
	return decision, cause
}

func (r *Resolver) auditUnavailable(req Request, err error, at time.Time) domain.Decision {
	r.logger.Error("authorization decision could not be audited, denying",
		"principal_id", req.Principal.ID,
		"resource", req.Resource.String(),
		"action", req.Action,
		"error", err,
	)
	return domain.Decision{Allowed: false, Reason: domain.ReasonAuditUnavailable, DecidedAt: at.UTC()}
}

// record enqueues the audit event of a decision.
func (r *Resolver) record(ctx context.Context, req Request, decision domain.Decision, lookupErr error) error {
	event := domain.AuditEvent{
		Timestamp:    r.clock.Now().UTC(),
		EventType:    domain.EventAuthzDecision,
		ActorID:      req.Principal.ID,
		ResourceType: req.Resource.Type,
		ResourceID:   req.Resource.ID,
		Action:       req.Action,
		Result:       domain.ResultDeny,
		Details: map[string]any{
			domain.DetailReason: string(decision.Reason),
			domain.DetailCached: decision.Cached,
		},
	}
	if decision.Allowed {
		event.Result = domain.ResultAllow
	}
	if req.Env.IP != "" {
		event.Details["ip"] = req.Env.IP
	}
	if lookupErr != nil {
		event.EventType = domain.EventAuthzLookupFailure
		event.Result = domain.ResultError
		event.Severity = domain.SeverityError
		event.Details["error"] = lookupErr.Error()
	}
	if err := r.sink.Enqueue(ctx, event); err != nil {
		return fmt.Errorf("audit authorization decision: %w", err)
	}
	return nil
}

// resolution carries the per-request state of a hierarchy walk.
type resolution struct {
	req     Request
	now     time.Time
	roles   []domain.Role
	set     *roleSet
	direct  []domain.Permission
	denials []domain.Permission
	visited map[string]struct{}
	// clockBound is set once a condition reading the clock was evaluated.
	clockBound bool
}

// decide reports whether the decision depends on the evaluation time; such
// decisions are not cached.
func (r *Resolver) decide(ctx context.Context, req Request) (domain.Decision, bool, error) {
	var graph *domain.RoleGraph
	err := r.guard(ctx, func(ctx context.Context) error {
		var err error
		graph, err = r.dir.RoleGraph(ctx)
		return err
	})
	if err != nil {
		return domain.Decision{}, false, domain.LookupFailure("role graph", err)
	}

	effective, unknown := EffectiveRoles(graph, req.Principal.Roles)
	if len(unknown) > 0 {
		return domain.Decision{}, false, domain.LookupFailure("roles", fmt.Errorf("principal %s references unknown roles %v", req.Principal.ID, unknown))
	}

	st := &resolution{
		req:     req,
		now:     req.Env.Time,
		roles:   byPriority(graph, effective),
		set:     r.compiler.forGraph(graph),
		direct:  parsePermissions(req.Principal.Permissions),
		denials: parsePermissions(req.Principal.Denials),
		visited: map[string]struct{}{req.Resource.String(): {}},
	}
	if st.now.IsZero() {
		st.now = r.clock.Now()
	}
	for _, role := range st.roles {
		if compiled, ok := st.set.roles[role.ID]; ok {
			st.denials = append(st.denials, compiled.denials...)
		}
	}
	decision, err := r.resolveAt(ctx, st, req.Resource, 0)
	return decision, st.clockBound, err
}

func (r *Resolver) resolveAt(ctx context.Context, st *resolution, ref domain.ResourceRef, depth int) (domain.Decision, error) {
	target := ref.String()
	action := st.req.Action

	if grants(st.denials, target, action) {
		return domain.Decision{Reason: domain.ReasonExplicitDeny}, nil
	}
	if grants(st.direct, target, action) {
		return domain.Decision{Allowed: true, Reason: domain.ReasonDirectPermission}, nil
	}

	lookup := r.resourceOnce(ref)
	ec := evalContext{request: st.req, ref: ref, now: st.now, resource: lookup}

	for _, role := range st.roles {
		compiled, ok := st.set.roles[role.ID]
		if !ok {
			continue
		}
		if grants(compiled.permissions, target, action) {
			return domain.Decision{Allowed: true, Reason: domain.RolePermission(role.Name)}, nil
		}
		for _, cp := range compiled.conditional {
			if !permits(cp.permission, target, action) {
				continue
			}
			held, err := r.allHold(ctx, st, cp.conditions, ec)
			if err != nil {
				return domain.Decision{}, err
			}
			if held {
				return domain.Decision{Allowed: true, Reason: domain.RolePermission(role.Name)}, nil
			}
		}
	}

	res, found, err := lookup(ctx)
	if err != nil {
		return domain.Decision{}, err
	}
	if found && res.Parent != nil && !res.Parent.IsZero() {
		parent := *res.Parent
		key := parent.String()
		_, seen := st.visited[key]
		switch {
		case seen:
			r.logger.Warn("resource hierarchy cycle", "resource", target, "parent", key)
		case depth+1 > r.maxDepth:
			r.logger.Warn("resource hierarchy too deep", "resource", st.req.Resource.String(), "max_depth", r.maxDepth)
		default:
			st.visited[key] = struct{}{}
			inherited, err := r.resolveAt(ctx, st, parent, depth+1)
			if err != nil {
				return domain.Decision{}, err
			}
			if inherited.Allowed {
				return domain.Decision{Allowed: true, Reason: domain.ReasonInherited}, nil
			}
			if inherited.Reason == domain.ReasonExplicitDeny {
				return inherited, nil
			}
		}
	}
	return domain.Decision{Reason: domain.ReasonDefaultDeny}, nil
}

// allHold evaluates conditions in order and stops at the first that fails.
func (r *Resolver) allHold(ctx context.Context, st *resolution, conditions []compiledCondition, ec evalContext) (bool, error) {
	for _, cond := range conditions {
		switch cond.source.Kind {
		case domain.ConditionTimeWindow, domain.ConditionCustom:
			st.clockBound = true
		}
		ok, err := r.holds(ctx, cond, ec)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// resourceOnce memoises the directory lookup of ref for one resolution step.
func (r *Resolver) resourceOnce(ref domain.ResourceRef) func(context.Context) (domain.Resource, bool, error) {
	var (
		done  bool
		res   domain.Resource
		found bool
		err   error
	)
	return func(ctx context.Context) (domain.Resource, bool, error) {
		if done {
			return res, found, err
		}
		done = true
		err = r.guard(ctx, func(ctx context.Context) error {
			var lookupErr error
			res, found, lookupErr = r.dir.Resource(ctx, ref)
			return lookupErr
		})
		if err != nil {
			err = domain.LookupFailure("resource "+ref.String(), err)
		}
		return res, found, err
	}
}

func (r *Resolver) guard(ctx context.Context, fn func(context.Context) error) error {
	return r.breaker.Execute(ctx, fn)
}

// EffectivePermissions lists the permission patterns available to principalID through
// direct grants and every effective role. Conditional grants are included.
func (r *Resolver) EffectivePermissions(ctx context.Context, principalID string) ([]string, error) {
	var (
		principal domain.Principal
		graph     *domain.RoleGraph
	)
	err := r.guard(ctx, func(ctx context.Context) error {
		var err error
		if principal, err = r.dir.Principal(ctx, principalID); err != nil {
			return err
		}
		graph, err = r.dir.RoleGraph(ctx)
		return err
	})
	if err != nil {
		return nil, domain.LookupFailure("principal "+principalID, err)
	}

	effective, _ := EffectiveRoles(graph, principal.Roles)
	set := r.compiler.forGraph(graph)

	seen := make(map[string]struct{})
	add := func(p domain.Permission) { seen[p.String()] = struct{}{} }
	for _, p := range parsePermissions(principal.Permissions) {
		add(p)
	}
	for _, id := range effective {
		compiled, ok := set.roles[id]
		if !ok {
			continue
		}
		for _, p := range compiled.permissions {
			add(p)
		}
		for _, cp := range compiled.conditional {
			add(cp.permission)
		}
	}

	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

// grants reports whether any permission covers target and action.
func grants(perms []domain.Permission, target, action string) bool {
	for _, p := range perms {
		if permits(p, target, action) {
			return true
		}
	}
	return false
}

func permits(p domain.Permission, target, action string) bool {
	if p.Resource != "*" && !match.Glob(p.Resource, target, match.PathSeparator) {
		return false
	}
	return p.Action == "*" || match.Glob(p.Action, action, match.TokenSeparator)
}

// cacheKey fingerprints everything a decision depends on apart from directory data,
// which is covered by invalidation.
func cacheKey(req Request) string {
	p := req.Principal
	roles := make([]string, 0, len(p.Roles))
	for _, id := range p.Roles {
		roles = append(roles, fmt.Sprint(int(id)))
	}
	return cache.Fingerprint(
		"authz",
		p.ID,
		cache.SortedField(roles),
		cache.SortedField(p.Permissions),
		cache.SortedField(p.Denials),
		jsonField(p.Attributes),
		req.Resource.String(),
		req.Action,
		req.Env.IP,
		jsonField(req.Env.Attributes),
	)
}

// jsonField renders attributes deterministically; encoding/json sorts map keys.
func jsonField(attrs map[string]any) string {
	if len(attrs) == 0 {
		return ""
	}
	raw, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Sprint(attrs)
	}
	return string(raw)
}
