package authz

import (
	"net/netip"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/polisai/polis-governance/pkg/domain"
)

// EffectiveRoles walks parent edges breadth-first from the assigned roles. A visited
// set keyed by role id makes cyclic graphs terminate with every reachable role
// reported exactly once, in discovery order. Unknown ids are returned separately.
func EffectiveRoles(graph *domain.RoleGraph, assigned []domain.RoleID) (roles []domain.RoleID, unknown []domain.RoleID) {
	visited := make(map[domain.RoleID]struct{}, len(assigned))
	queue := make([]domain.RoleID, 0, len(assigned))

	for _, id := range assigned {
		if _, ok := graph.Role(id); !ok {
			unknown = append(unknown, id)
			continue
		}
		if _, seen := visited[id]; seen {
			continue
		}
		visited[id] = struct{}{}
		queue = append(queue, id)
	}

	for head := 0; head < len(queue); head++ {
		id := queue[head]
		roles = append(roles, id)
		for _, parent := range graph.Parents(id) {
			if _, seen := visited[parent]; seen {
				continue
			}
			visited[parent] = struct{}{}
			queue = append(queue, parent)
		}
	}
	return roles, unknown
}

// byPriority orders roles by descending priority, keeping BFS order among equals.
func byPriority(graph *domain.RoleGraph, ids []domain.RoleID) []domain.Role {
	roles := make([]domain.Role, 0, len(ids))
	for _, id := range ids {
		if role, ok := graph.Role(id); ok {
			roles = append(roles, role)
		}
	}
	sort.SliceStable(roles, func(i, j int) bool { return roles[i].Priority > roles[j].Priority })
	return roles
}

// compiledRole is a role with its permission strings parsed and its conditions
// prepared for evaluation.
type compiledRole struct {
	name        string
	permissions []domain.Permission
	denials     []domain.Permission
	conditional []compiledConditional
}

type compiledConditional struct {
	permission domain.Permission
	conditions []compiledCondition
}

type compiledCondition struct {
	source domain.Condition

	// time_window
	location *time.Location
	start    int
	end      int
	days     map[time.Weekday]bool

	// ip_range
	prefixes []netip.Prefix

	// compile error; a condition that failed to compile never holds.
	err error
}

// roleSet caches compiled roles for one role graph snapshot.
type roleSet struct {
	graph *domain.RoleGraph
	roles map[domain.RoleID]*compiledRole
}

type compiler struct {
	mu      sync.Mutex
	current *roleSet
	invalid func(role, permission string, err error)
}

// forGraph returns the compiled roles of graph, recompiling when the snapshot changed.
func (c *compiler) forGraph(graph *domain.RoleGraph) *roleSet {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current != nil && c.current.graph == graph {
		return c.current
	}
	set := &roleSet{graph: graph, roles: make(map[domain.RoleID]*compiledRole, graph.Len())}
	for _, id := range graph.IDs() {
		role, _ := graph.Role(id)
		set.roles[id] = c.compileRole(role)
	}
	c.current = set
	return set
}

func (c *compiler) compileRole(role domain.Role) *compiledRole {
	compiled := &compiledRole{
		name:        role.Name,
		permissions: c.parseAll(role.Name, role.Permissions),
		denials:     c.parseAll(role.Name, role.Denials),
	}
	for _, cp := range role.Conditional {
		perm, err := domain.ParsePermission(cp.Permission)
		if err != nil {
			c.report(role.Name, cp.Permission, err)
			continue
		}
		conds := make([]compiledCondition, 0, len(cp.Conditions))
		for _, cond := range cp.Conditions {
			conds = append(conds, compileCondition(cond))
		}
		compiled.conditional = append(compiled.conditional, compiledConditional{permission: perm, conditions: conds})
	}
	return compiled
}

func (c *compiler) parseAll(role string, raw []string) []domain.Permission {
	perms := make([]domain.Permission, 0, len(raw))
	for _, s := range raw {
		perm, err := domain.ParsePermission(s)
		if err != nil {
			c.report(role, s, err)
			continue
		}
		perms = append(perms, perm)
	}
	return perms
}

func (c *compiler) report(role, permission string, err error) {
	if c.invalid != nil {
		c.invalid(role, permission, err)
	}
}

// parsePermissions parses principal-level grants; invalid entries are skipped.
func parsePermissions(raw []string) []domain.Permission {
	perms := make([]domain.Permission, 0, len(raw))
	for _, s := range raw {
		if perm, err := domain.ParsePermission(s); err == nil {
			perms = append(perms, perm)
		}
	}
	return perms
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

func compileCondition(cond domain.Condition) compiledCondition {
	compiled := compiledCondition{source: cond}
	switch cond.Kind {
	case domain.ConditionTimeWindow:
		compiled.err = compileWindow(&compiled, cond.Window)
	case domain.ConditionIPRange:
		for _, cidr := range cond.CIDRs {
			prefix, err := netip.ParsePrefix(strings.TrimSpace(cidr))
			if err != nil {
				addr, addrErr := netip.ParseAddr(strings.TrimSpace(cidr))
				if addrErr != nil {
					compiled.err = err
					break
				}
				prefix = netip.PrefixFrom(addr, addr.BitLen())
			}
			compiled.prefixes = append(compiled.prefixes, prefix.Masked())
		}
	case domain.ConditionAttribute, domain.ConditionOwnership, domain.ConditionCustom:
	default:
		compiled.err = errUnknownCondition(cond.Kind)
	}
	return compiled
}

func compileWindow(compiled *compiledCondition, window *domain.TimeWindow) error {
	if window == nil {
		return errIncompleteCondition("time_window")
	}
	loc := time.UTC
	if window.Timezone != "" {
		var err error
		if loc, err = time.LoadLocation(window.Timezone); err != nil {
			return err
		}
	}
	start, err := time.Parse("15:04", window.Start)
	if err != nil {
		return err
	}
	end, err := time.Parse("15:04", window.End)
	if err != nil {
		return err
	}
	compiled.location = loc
	compiled.start = start.Hour()*60 + start.Minute()
	compiled.end = end.Hour()*60 + end.Minute()
	if len(window.Days) > 0 {
		compiled.days = make(map[time.Weekday]bool, len(window.Days))
		for _, day := range window.Days {
			wd, ok := weekdays[strings.ToLower(strings.TrimSpace(day))]
			if !ok {
				return errUnknownDay(day)
			}
			compiled.days[wd] = true
		}
	}
	return nil
}
