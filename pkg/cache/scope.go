package cache

import "fmt"

type scopeKind string

const (
	scopeAll       scopeKind = "all"
	scopePrincipal scopeKind = "principal"
	scopeResource  scopeKind = "resource"
	scopePolicy    scopeKind = "policy"
)

// Scope selects the entries dropped by Invalidate.
type Scope struct {
	kind  scopeKind
	value string
}

// ScopeAll matches every entry. Role graph changes use it because inheritance
// makes the affected principals unknowable without a full recompute.
func ScopeAll() Scope { return Scope{kind: scopeAll} }

// ScopePrincipal matches authorization entries of one principal.
func ScopePrincipal(id string) Scope { return Scope{kind: scopePrincipal, value: id} }

// ScopeResource matches entries about one resource ("type/id").
func ScopeResource(ref string) Scope { return Scope{kind: scopeResource, value: ref} }

// ScopePolicy matches rule results of one policy id. An empty id matches every
// policy-derived entry.
func ScopePolicy(id string) Scope { return Scope{kind: scopePolicy, value: id} }

// ParseScope rebuilds a scope from its kind and value.
func ParseScope(kind, value string) (Scope, error) {
	switch scopeKind(kind) {
	case scopeAll:
		return ScopeAll(), nil
	case scopePrincipal:
		return ScopePrincipal(value), nil
	case scopeResource:
		return ScopeResource(value), nil
	case scopePolicy:
		return ScopePolicy(value), nil
	default:
		return Scope{}, fmt.Errorf("unknown invalidation scope %q", kind)
	}
}

// Kind names the scope.
func (s Scope) Kind() string { return string(s.kind) }

// Value is the principal, resource or policy the scope targets.
func (s Scope) Value() string { return s.value }

func (s Scope) String() string {
	if s.value == "" {
		return string(s.kind)
	}
	return string(s.kind) + ":" + s.value
}

func (s Scope) matches(tags Tags) bool {
	switch s.kind {
	case scopeAll:
		return true
	case scopePrincipal:
		return tags.Principal != "" && tags.Principal == s.value
	case scopeResource:
		return tags.Resource != "" && tags.Resource == s.value
	case scopePolicy:
		if tags.Policy == "" {
			return false
		}
		return s.value == "" || tags.Policy == s.value
	default:
		return false
	}
}
