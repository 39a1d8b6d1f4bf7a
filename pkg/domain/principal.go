package domain

import (
	"fmt"
	"sort"
	"strings"
)

// Principal is the authenticated actor being authorized.
type Principal struct {
	ID          string
	Roles       []RoleID
	Permissions []string
	Denials     []string
	Attributes  map[string]any
}

// RoleID indexes a role inside a RoleGraph arena.
type RoleID int

// Role is a node of the role inheritance graph. Permissions and denials are
// "resource_pattern:action_pattern" strings.
type Role struct {
	ID          RoleID
	Name        string
	Priority    int
	Parents     []RoleID
	Permissions []string
	Denials     []string
	Conditional []ConditionalPermission
}

// ConditionalPermission grants Permission only when every condition holds.
type ConditionalPermission struct {
	Permission string
	Conditions []Condition
}

// ConditionKind tags the Condition variant.
type ConditionKind string

const (
	ConditionTimeWindow ConditionKind = "time_window"
	ConditionIPRange    ConditionKind = "ip_range"
	ConditionAttribute  ConditionKind = "attribute"
	ConditionOwnership  ConditionKind = "ownership"
	ConditionCustom     ConditionKind = "custom"
)

// Condition is a tagged variant; only the fields of its Kind are meaningful.
type Condition struct {
	Kind ConditionKind

	// time_window
	Window *TimeWindow

	// ip_range
	CIDRs []string

	// attribute
	Attribute string
	Operator  string
	Value     any

	// ownership: principal attribute compared with the resource owner, "" means principal ID.
	OwnerAttribute string

	// custom: a Rego module defining an "allow" rule.
	Module string
}

// TimeWindow is a daily window, "15:04" formatted. End before Start wraps past midnight.
type TimeWindow struct {
	Start    string
	End      string
	Days     []string
	Timezone string
}

// Permission is a (resource, action) pair, exact or wildcard.
type Permission struct {
	Resource string
	Action   string
}

func (p Permission) String() string {
	return p.Resource + ":" + p.Action
}

// ParsePermission splits "resource_pattern:action_pattern" on the last colon so that
// resource identifiers may themselves contain colons.
func ParsePermission(raw string) (Permission, error) {
	raw = strings.TrimSpace(raw)
	idx := strings.LastIndex(raw, ":")
	if idx <= 0 || idx == len(raw)-1 {
		return Permission{}, fmt.Errorf("permission %q: want resource_pattern:action_pattern", raw)
	}
	return Permission{Resource: raw[:idx], Action: raw[idx+1:]}, nil
}

// ResourceRef identifies a resource. Hierarchy and ownership come from the Directory.
type ResourceRef struct {
	Type string
	ID   string
}

// String renders the reference as "type/id", the form permission patterns match against.
func (r ResourceRef) String() string {
	if r.ID == "" {
		return r.Type
	}
	return r.Type + "/" + r.ID
}

// IsZero reports whether the reference is empty.
func (r ResourceRef) IsZero() bool {
	return r.Type == "" && r.ID == ""
}

// ParseResourceRef parses "type/id". Anything after the first slash is the ID.
func ParseResourceRef(raw string) (ResourceRef, error) {
	raw = strings.Trim(strings.TrimSpace(raw), "/")
	if raw == "" {
		return ResourceRef{}, fmt.Errorf("empty resource reference")
	}
	typ, id, _ := strings.Cut(raw, "/")
	return ResourceRef{Type: typ, ID: id}, nil
}

// Resource carries the metadata the resolver needs: parent for inheritance and owner for
// ownership conditions.
type Resource struct {
	Ref        ResourceRef
	Parent     *ResourceRef
	OwnerID    string
	Attributes map[string]any
}

// RoleGraph is an arena of roles indexed by RoleID with parent-id adjacency. It may contain
// cycles. A RoleGraph is immutable once built.
type RoleGraph struct {
	nodes  map[RoleID]Role
	byName map[string]RoleID
	ids    []RoleID
}

// NewRoleGraph validates ids, names and parent references and builds the arena.
func NewRoleGraph(roles []Role) (*RoleGraph, error) {
	g := &RoleGraph{
		nodes:  make(map[RoleID]Role, len(roles)),
		byName: make(map[string]RoleID, len(roles)),
		ids:    make([]RoleID, 0, len(roles)),
	}
	for _, role := range roles {
		if _, dup := g.nodes[role.ID]; dup {
			return nil, fmt.Errorf("duplicate role id %d", role.ID)
		}
		if role.Name == "" {
			return nil, fmt.Errorf("role %d has no name", role.ID)
		}
		if _, dup := g.byName[role.Name]; dup {
			return nil, fmt.Errorf("duplicate role name %q", role.Name)
		}
		g.nodes[role.ID] = role
		g.byName[role.Name] = role.ID
		g.ids = append(g.ids, role.ID)
	}
	for _, role := range roles {
		for _, parent := range role.Parents {
			if _, ok := g.nodes[parent]; !ok {
				return nil, fmt.Errorf("role %q references unknown parent %d", role.Name, parent)
			}
		}
	}
	sort.Slice(g.ids, func(i, j int) bool { return g.ids[i] < g.ids[j] })
	return g, nil
}

// Role returns the node for id.
func (g *RoleGraph) Role(id RoleID) (Role, bool) {
	if g == nil {
		return Role{}, false
	}
	role, ok := g.nodes[id]
	return role, ok
}

// Lookup resolves a role name to its id.
func (g *RoleGraph) Lookup(name string) (RoleID, bool) {
	if g == nil {
		return 0, false
	}
	id, ok := g.byName[name]
	return id, ok
}

// Parents returns the parent edges of id.
func (g *RoleGraph) Parents(id RoleID) []RoleID {
	role, ok := g.Role(id)
	if !ok {
		return nil
	}
	return role.Parents
}

// IDs returns every role id in ascending order.
func (g *RoleGraph) IDs() []RoleID {
	if g == nil {
		return nil
	}
	return append([]RoleID(nil), g.ids...)
}

// Len returns the number of roles.
func (g *RoleGraph) Len() int {
	if g == nil {
		return 0
	}
	return len(g.nodes)
}
