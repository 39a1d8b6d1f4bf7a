package authz

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-governance/internal/governance"
	"github.com/polisai/polis-governance/pkg/cache"
	"github.com/polisai/polis-governance/pkg/clock"
	"github.com/polisai/polis-governance/pkg/domain"
	"github.com/polisai/polis-governance/pkg/logging"
	"github.com/polisai/polis-governance/pkg/policy"
)

// monday is 2026-10-19 10:30 UTC.
var monday = time.Date(2026, 10, 19, 10, 30, 0, 0, time.UTC)

type fakeDirectory struct {
	mu         sync.Mutex
	principals map[string]domain.Principal
	graph      *domain.RoleGraph
	resources  map[string]domain.Resource
	graphErr   error
	graphCalls int
	// onGraph runs after the role graph has been read.
	onGraph func()
}

func (d *fakeDirectory) Principal(_ context.Context, id string) (domain.Principal, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.principals[id]
	if !ok {
		return domain.Principal{}, domain.ErrPrincipalNotFound
	}
	return p, nil
}

func (d *fakeDirectory) RoleGraph(context.Context) (*domain.RoleGraph, error) {
	d.mu.Lock()
	d.graphCalls++
	graph, err, hook := d.graph, d.graphErr, d.onGraph
	d.onGraph = nil
	d.mu.Unlock()
	if hook != nil {
		hook()
	}
	if err != nil {
		return nil, err
	}
	return graph, nil
}

func (d *fakeDirectory) Resource(_ context.Context, ref domain.ResourceRef) (domain.Resource, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	res, ok := d.resources[ref.String()]
	return res, ok, nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []domain.AuditEvent
	err    error
}

func (s *recordingSink) Enqueue(_ context.Context, event domain.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSink) all() []domain.AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.AuditEvent(nil), s.events...)
}

func mustGraph(t *testing.T, roles ...domain.Role) *domain.RoleGraph {
	t.Helper()
	g, err := domain.NewRoleGraph(roles)
	require.NoError(t, err)
	return g
}

func newTestResolver(t *testing.T, dir *fakeDirectory, mutate func(*Options)) (*Resolver, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	opts := Options{
		Directory: dir,
		Sink:      sink,
		Sandbox:   policy.NewSandbox(policy.SandboxOptions{}),
		Clock:     clock.Fake(monday),
		Logger:    logging.Discard(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	r, err := NewResolver(opts)
	require.NoError(t, err)
	return r, sink
}

func doc(id string) domain.ResourceRef { return domain.ResourceRef{Type: "document", ID: id} }

func TestResolveIsDeterministic(t *testing.T) {
	dir := &fakeDirectory{graph: mustGraph(t,
		domain.Role{ID: 1, Name: "reader", Permissions: []string{"document/*:read"}},
	)}
	r, _ := newTestResolver(t, dir, nil)
	req := Request{Principal: domain.Principal{ID: "alice", Roles: []domain.RoleID{1}}, Resource: doc("1"), Action: "read"}

	first, err := r.Resolve(context.Background(), req)
	require.NoError(t, err)
	for range 10 {
		again, err := r.Resolve(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, first.Allowed, again.Allowed)
		assert.Equal(t, first.Reason, again.Reason)
	}
	assert.True(t, first.Allowed)
	assert.Equal(t, domain.RolePermission("reader"), first.Reason)
}

func TestExplicitDenyOverridesEveryAllow(t *testing.T) {
	dir := &fakeDirectory{graph: mustGraph(t,
		domain.Role{ID: 1, Name: "admin", Priority: 100, Permissions: []string{"*:*"}},
		domain.Role{ID: 2, Name: "quarantine", Denials: []string{"document/secret:*"}},
	)}
	r, _ := newTestResolver(t, dir, nil)

	req := Request{
		Principal: domain.Principal{ID: "bob", Roles: []domain.RoleID{1, 2}, Permissions: []string{"document/secret:read"}},
		Resource:  doc("secret"),
		Action:    "read",
	}
	decision, err := r.Resolve(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, domain.ReasonExplicitDeny, decision.Reason)

	req.Resource = doc("public")
	decision, err = r.Resolve(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestDirectPermissionPrecedesRoles(t *testing.T) {
	dir := &fakeDirectory{graph: mustGraph(t,
		domain.Role{ID: 1, Name: "reader", Permissions: []string{"document/*:read"}},
	)}
	r, _ := newTestResolver(t, dir, nil)

	decision, err := r.Resolve(context.Background(), Request{
		Principal: domain.Principal{ID: "carol", Roles: []domain.RoleID{1}, Permissions: []string{"document/7:read"}},
		Resource:  doc("7"),
		Action:    "read",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonDirectPermission, decision.Reason)
}

func TestDefaultDeny(t *testing.T) {
	dir := &fakeDirectory{graph: mustGraph(t,
		domain.Role{ID: 1, Name: "reader", Permissions: []string{"document/*:read"}},
	)}
	r, sink := newTestResolver(t, dir, nil)

	decision, err := r.Resolve(context.Background(), Request{
		Principal: domain.Principal{ID: "dan", Roles: []domain.RoleID{1}},
		Resource:  doc("1"),
		Action:    "delete",
	})
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, domain.ReasonDefaultDeny, decision.Reason)

	events := sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventAuthzDecision, events[0].EventType)
	assert.Equal(t, domain.ResultDeny, events[0].Result)
	assert.Equal(t, string(domain.ReasonDefaultDeny), events[0].Details[domain.DetailReason])
}

func TestCyclicRoleGraphTerminates(t *testing.T) {
	graph := mustGraph(t,
		domain.Role{ID: 1, Name: "A", Parents: []domain.RoleID{2}},
		domain.Role{ID: 2, Name: "B", Parents: []domain.RoleID{3}},
		domain.Role{ID: 3, Name: "C", Parents: []domain.RoleID{1}, Permissions: []string{"report/*:export"}},
	)

	roles, unknown := EffectiveRoles(graph, []domain.RoleID{1})
	assert.Empty(t, unknown)
	assert.Equal(t, []domain.RoleID{1, 2, 3}, roles)

	r, _ := newTestResolver(t, &fakeDirectory{graph: graph}, nil)
	decision, err := r.Resolve(context.Background(), Request{
		Principal: domain.Principal{ID: "eve", Roles: []domain.RoleID{1}},
		Resource:  domain.ResourceRef{Type: "report", ID: "q3"},
		Action:    "export",
	})
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, domain.RolePermission("C"), decision.Reason)
}

func TestRolePriorityPicksReason(t *testing.T) {
	dir := &fakeDirectory{graph: mustGraph(t,
		domain.Role{ID: 1, Name: "member", Priority: 1, Permissions: []string{"document/*:read"}},
		domain.Role{ID: 2, Name: "owner", Priority: 50, Permissions: []string{"document/*:*"}},
	)}
	r, _ := newTestResolver(t, dir, nil)

	decision, err := r.Resolve(context.Background(), Request{
		Principal: domain.Principal{ID: "fay", Roles: []domain.RoleID{1, 2}},
		Resource:  doc("1"),
		Action:    "read",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.RolePermission("owner"), decision.Reason)
}

func TestResourceHierarchyInheritance(t *testing.T) {
	folder := domain.ResourceRef{Type: "folder", ID: "shared"}
	root := domain.ResourceRef{Type: "workspace", ID: "acme"}
	dir := &fakeDirectory{
		graph: mustGraph(t,
			domain.Role{ID: 1, Name: "member", Permissions: []string{"workspace/acme:read"}, Denials: []string{"folder/private:*"}},
		),
		resources: map[string]domain.Resource{
			"document/1":     {Ref: doc("1"), Parent: &folder},
			"document/2":     {Ref: doc("2"), Parent: &domain.ResourceRef{Type: "folder", ID: "private"}},
			"folder/shared":  {Ref: folder, Parent: &root},
			"folder/private": {Ref: domain.ResourceRef{Type: "folder", ID: "private"}, Parent: &root},
		},
	}
	r, _ := newTestResolver(t, dir, nil)
	principal := domain.Principal{ID: "gus", Roles: []domain.RoleID{1}}

	decision, err := r.Resolve(context.Background(), Request{Principal: principal, Resource: doc("1"), Action: "read"})
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, domain.ReasonInherited, decision.Reason)

	decision, err = r.Resolve(context.Background(), Request{Principal: principal, Resource: doc("2"), Action: "read"})
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, domain.ReasonExplicitDeny, decision.Reason)
}

func TestResourceHierarchyCycleDenies(t *testing.T) {
	a := domain.ResourceRef{Type: "folder", ID: "a"}
	b := domain.ResourceRef{Type: "folder", ID: "b"}
	dir := &fakeDirectory{
		graph: mustGraph(t, domain.Role{ID: 1, Name: "r"}),
		resources: map[string]domain.Resource{
			"folder/a": {Ref: a, Parent: &b},
			"folder/b": {Ref: b, Parent: &a},
		},
	}
	r, _ := newTestResolver(t, dir, nil)

	decision, err := r.Resolve(context.Background(), Request{
		Principal: domain.Principal{ID: "hal", Roles: []domain.RoleID{1}},
		Resource:  a,
		Action:    "read",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonDefaultDeny, decision.Reason)
}

func TestConditionalPermissions(t *testing.T) {
	conditional := func(conds ...domain.Condition) *fakeDirectory {
		return &fakeDirectory{
			graph: mustGraph(t, domain.Role{ID: 1, Name: "contractor", Conditional: []domain.ConditionalPermission{
				{Permission: "document/*:read", Conditions: conds},
			}}),
			resources: map[string]domain.Resource{
				"document/1": {Ref: doc("1"), OwnerID: "ivy", Attributes: map[string]any{"department": "legal"}},
			},
		}
	}
	businessHours := domain.Condition{Kind: domain.ConditionTimeWindow, Window: &domain.TimeWindow{
		Start: "09:00", End: "17:00", Days: []string{"mon", "tue", "wed", "thu", "fri"},
	}}
	fridayNight := domain.Condition{Kind: domain.ConditionTimeWindow, Window: &domain.TimeWindow{
		Start: "22:00", End: "06:00", Days: []string{"friday"},
	}}
	office := domain.Condition{Kind: domain.ConditionIPRange, CIDRs: []string{"10.0.0.0/8", "192.168.1.7"}}
	clearance := domain.Condition{Kind: domain.ConditionAttribute, Attribute: "clearance", Operator: ">=", Value: 3}
	sameDepartment := domain.Condition{Kind: domain.ConditionAttribute, Attribute: "resource.department", Operator: "equals", Value: "legal"}
	owner := domain.Condition{Kind: domain.ConditionOwnership}
	custom := domain.Condition{Kind: domain.ConditionCustom, Module: `package condition

allow if {
	input.principal.attributes.department == input.resource.attributes.department
}
`}

	saturday := time.Date(2026, 10, 24, 2, 0, 0, 0, time.UTC)
	cases := []struct {
		name      string
		condition domain.Condition
		principal domain.Principal
		env       Env
		allowed   bool
	}{
		{"inside business hours", businessHours, domain.Principal{ID: "x"}, Env{Time: monday}, true},
		{"outside business hours", businessHours, domain.Principal{ID: "x"}, Env{Time: monday.Add(8 * time.Hour)}, false},
		{"weekend excluded", businessHours, domain.Principal{ID: "x"}, Env{Time: saturday.Add(10 * time.Hour)}, false},
		{"overnight window carries over", fridayNight, domain.Principal{ID: "x"}, Env{Time: saturday}, true},
		{"overnight window next evening", fridayNight, domain.Principal{ID: "x"}, Env{Time: saturday.Add(21 * time.Hour)}, false},
		{"ip inside range", office, domain.Principal{ID: "x"}, Env{IP: "10.2.3.4"}, true},
		{"single address", office, domain.Principal{ID: "x"}, Env{IP: "192.168.1.7"}, true},
		{"ip outside range", office, domain.Principal{ID: "x"}, Env{IP: "203.0.113.9"}, false},
		{"missing ip", office, domain.Principal{ID: "x"}, Env{}, false},
		{"attribute satisfied", clearance, domain.Principal{ID: "x", Attributes: map[string]any{"clearance": 4}}, Env{}, true},
		{"attribute too low", clearance, domain.Principal{ID: "x", Attributes: map[string]any{"clearance": 2}}, Env{}, false},
		{"attribute missing", clearance, domain.Principal{ID: "x"}, Env{}, false},
		{"resource attribute", sameDepartment, domain.Principal{ID: "x"}, Env{}, true},
		{"owner", owner, domain.Principal{ID: "ivy"}, Env{}, true},
		{"not owner", owner, domain.Principal{ID: "jay"}, Env{}, false},
		{"custom allow", custom, domain.Principal{ID: "x", Attributes: map[string]any{"department": "legal"}}, Env{}, true},
		{"custom undefined", custom, domain.Principal{ID: "x", Attributes: map[string]any{"department": "sales"}}, Env{}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r, _ := newTestResolver(t, conditional(tc.condition), nil)
			tc.principal.Roles = []domain.RoleID{1}

			decision, err := r.Resolve(context.Background(), Request{Principal: tc.principal, Resource: doc("1"), Action: "read", Env: tc.env})
			require.NoError(t, err)
			assert.Equal(t, tc.allowed, decision.Allowed)
			if tc.allowed {
				assert.Equal(t, domain.RolePermission("contractor"), decision.Reason)
			} else {
				assert.Equal(t, domain.ReasonDefaultDeny, decision.Reason)
			}
		})
	}
}

func TestConditionsAreANDed(t *testing.T) {
	dir := &fakeDirectory{graph: mustGraph(t, domain.Role{ID: 1, Name: "ops", Conditional: []domain.ConditionalPermission{{
		Permission: "server/*:restart",
		Conditions: []domain.Condition{
			{Kind: domain.ConditionIPRange, CIDRs: []string{"10.0.0.0/8"}},
			{Kind: domain.ConditionAttribute, Attribute: "request.ticket", Operator: "exists"},
		},
	}}})}
	r, _ := newTestResolver(t, dir, nil)
	principal := domain.Principal{ID: "kim", Roles: []domain.RoleID{1}}
	server := domain.ResourceRef{Type: "server", ID: "db1"}

	decision, err := r.Resolve(context.Background(), Request{Principal: principal, Resource: server, Action: "restart", Env: Env{IP: "10.0.0.1"}})
	require.NoError(t, err)
	assert.False(t, decision.Allowed)

	decision, err = r.Resolve(context.Background(), Request{Principal: principal, Resource: server, Action: "restart", Env: Env{
		IP:         "10.0.0.1",
		Attributes: map[string]any{"ticket": "CHG-1"},
	}})
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestLookupFailureFailsClosed(t *testing.T) {
	dir := &fakeDirectory{graphErr: errors.New("connection refused")}
	r, sink := newTestResolver(t, dir, nil)

	decision, err := r.Resolve(context.Background(), Request{
		Principal: domain.Principal{ID: "lee", Permissions: []string{"*:*"}},
		Resource:  doc("1"),
		Action:    "read",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrLookupFailure)
	assert.False(t, decision.Allowed)
	assert.Equal(t, domain.ReasonLookupFailure, decision.Reason)

	events := sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventAuthzLookupFailure, events[0].EventType)
	assert.Equal(t, domain.SeverityError, events[0].Severity)
	assert.Equal(t, domain.ResultError, events[0].Result)
}

func TestUnknownRoleFailsClosed(t *testing.T) {
	dir := &fakeDirectory{graph: mustGraph(t, domain.Role{ID: 1, Name: "r", Permissions: []string{"*:*"}})}
	r, _ := newTestResolver(t, dir, nil)

	decision, err := r.Resolve(context.Background(), Request{
		Principal: domain.Principal{ID: "max", Roles: []domain.RoleID{1, 99}},
		Resource:  doc("1"),
		Action:    "read",
	})
	assert.ErrorIs(t, err, domain.ErrLookupFailure)
	assert.Equal(t, domain.ReasonLookupFailure, decision.Reason)
}

func TestOpenBreakerFailsClosed(t *testing.T) {
	dir := &fakeDirectory{graphErr: errors.New("timeout")}
	breaker := governance.NewCircuitBreaker(governance.CircuitBreakerConfig{MaxFailures: 1, Timeout: time.Minute, Clock: clock.Fake(monday)})
	r, _ := newTestResolver(t, dir, func(o *Options) { o.Breaker = breaker })
	req := Request{Principal: domain.Principal{ID: "ned"}, Resource: doc("1"), Action: "read"}

	_, err := r.Resolve(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, governance.StateOpen, breaker.State())

	decision, err := r.Resolve(context.Background(), req)
	assert.ErrorIs(t, err, governance.ErrCircuitOpen)
	assert.Equal(t, domain.ReasonLookupFailure, decision.Reason)
	assert.Equal(t, 1, dir.graphCalls)
}

func TestAuditUnavailableDenies(t *testing.T) {
	dir := &fakeDirectory{graph: mustGraph(t, domain.Role{ID: 1, Name: "r", Permissions: []string{"*:*"}})}
	r, sink := newTestResolver(t, dir, nil)
	sink.err = domain.ErrPipelineClosed

	decision, err := r.Resolve(context.Background(), Request{
		Principal: domain.Principal{ID: "oli", Roles: []domain.RoleID{1}},
		Resource:  doc("1"),
		Action:    "read",
	})
	assert.ErrorIs(t, err, domain.ErrPipelineClosed)
	assert.False(t, decision.Allowed)
	assert.Equal(t, domain.ReasonAuditUnavailable, decision.Reason)
}

func TestCachedDecisionsAreStillAudited(t *testing.T) {
	dir := &fakeDirectory{graph: mustGraph(t, domain.Role{ID: 1, Name: "r", Permissions: []string{"document/*:read"}})}
	decisions := cache.New(cache.Options{Clock: clock.Fake(monday)})
	r, sink := newTestResolver(t, dir, func(o *Options) { o.Cache = decisions })
	req := Request{Principal: domain.Principal{ID: "pat", Roles: []domain.RoleID{1}}, Resource: doc("1"), Action: "read"}

	first, err := r.Resolve(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := r.Resolve(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Reason, second.Reason)
	assert.Equal(t, 1, dir.graphCalls)

	events := sink.all()
	require.Len(t, events, 2)
	assert.Equal(t, false, events[0].Details[domain.DetailCached])
	assert.Equal(t, true, events[1].Details[domain.DetailCached])

	decisions.Invalidate(cache.ScopePrincipal("pat"))
	third, err := r.Resolve(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, third.Cached)
	assert.Equal(t, 2, dir.graphCalls)
}

func TestLookupFailuresAreNotCached(t *testing.T) {
	dir := &fakeDirectory{graphErr: errors.New("boom")}
	decisions := cache.New(cache.Options{Clock: clock.Fake(monday)})
	r, _ := newTestResolver(t, dir, func(o *Options) { o.Cache = decisions })

	_, err := r.Resolve(context.Background(), Request{Principal: domain.Principal{ID: "q"}, Resource: doc("1"), Action: "read"})
	require.Error(t, err)
	assert.Zero(t, decisions.Len())
}

func TestRevocationDuringResolveIsNotCached(t *testing.T) {
	granted := mustGraph(t, domain.Role{ID: 1, Name: "reader", Permissions: []string{"document/*:read"}})
	revoked := mustGraph(t, domain.Role{ID: 1, Name: "reader"})
	dir := &fakeDirectory{graph: granted}
	decisions := cache.New(cache.Options{Clock: clock.Fake(monday)})
	r, _ := newTestResolver(t, dir, func(o *Options) { o.Cache = decisions })

	// The revocation lands after the old graph was read but before the decision is stored.
	dir.onGraph = func() {
		dir.mu.Lock()
		dir.graph = revoked
		dir.mu.Unlock()
		decisions.Invalidate(cache.ScopeAll())
	}
	req := Request{Principal: domain.Principal{ID: "rex", Roles: []domain.RoleID{1}}, Resource: doc("1"), Action: "read"}

	first, err := r.Resolve(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, first.Allowed, "decided on the graph that was read")
	assert.Zero(t, decisions.Len())

	second, err := r.Resolve(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, second.Cached)
	assert.False(t, second.Allowed)
	assert.Equal(t, domain.ReasonDefaultDeny, second.Reason)
}

func TestClockBoundDecisionsAreNotCached(t *testing.T) {
	dir := &fakeDirectory{graph: mustGraph(t, domain.Role{ID: 1, Name: "shift", Conditional: []domain.ConditionalPermission{{
		Permission: "document/*:read",
		Conditions: []domain.Condition{{Kind: domain.ConditionTimeWindow, Window: &domain.TimeWindow{Start: "09:00", End: "17:00"}}},
	}}})}
	clk := clock.Fake(monday)
	decisions := cache.New(cache.Options{Clock: clk})
	r, _ := newTestResolver(t, dir, func(o *Options) {
		o.Cache = decisions
		o.Clock = clk
	})
	req := Request{Principal: domain.Principal{ID: "sam", Roles: []domain.RoleID{1}}, Resource: doc("1"), Action: "read"}

	first, err := r.Resolve(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, first.Allowed)
	assert.Zero(t, decisions.Len())

	clk.Advance(7 * time.Hour)
	later, err := r.Resolve(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, later.Cached)
	assert.False(t, later.Allowed)
}

func TestAuthorizeLoadsPrincipal(t *testing.T) {
	dir := &fakeDirectory{
		graph:      mustGraph(t, domain.Role{ID: 1, Name: "viewer", Permissions: []string{"dashboard/*:view"}}),
		principals: map[string]domain.Principal{"rae": {ID: "rae", Roles: []domain.RoleID{1}}},
	}
	r, _ := newTestResolver(t, dir, nil)

	decision, err := r.Authorize(context.Background(), "rae", domain.ResourceRef{Type: "dashboard", ID: "ops"}, "view", Env{})
	require.NoError(t, err)
	assert.True(t, decision.Allowed)

	decision, err = r.Authorize(context.Background(), "ghost", domain.ResourceRef{Type: "dashboard", ID: "ops"}, "view", Env{})
	assert.ErrorIs(t, err, domain.ErrPrincipalNotFound)
	assert.ErrorIs(t, err, domain.ErrLookupFailure)
	assert.Equal(t, domain.ReasonLookupFailure, decision.Reason)
}

func TestEffectivePermissions(t *testing.T) {
	dir := &fakeDirectory{
		graph: mustGraph(t,
			domain.Role{ID: 1, Name: "base", Permissions: []string{"profile/*:read"}},
			domain.Role{ID: 2, Name: "editor", Parents: []domain.RoleID{1}, Permissions: []string{"document/*:write", "profile/*:read"},
				Conditional: []domain.ConditionalPermission{{Permission: "document/*:publish"}}},
		),
		principals: map[string]domain.Principal{"sam": {ID: "sam", Roles: []domain.RoleID{2}, Permissions: []string{"inbox/sam:*"}}},
	}
	r, _ := newTestResolver(t, dir, nil)

	perms, err := r.EffectivePermissions(context.Background(), "sam")
	require.NoError(t, err)
	assert.Equal(t, []string{"document/*:publish", "document/*:write", "inbox/sam:*", "profile/*:read"}, perms)

	_, err = r.EffectivePermissions(context.Background(), "nobody")
	assert.ErrorIs(t, err, domain.ErrLookupFailure)
}
