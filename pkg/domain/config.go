package domain

import (
	"context"
	"time"
)

// Snapshot is a point-in-time copy of the governance data supplied by the administration
// layer: principals, the role graph, resource metadata and policy definitions.
type Snapshot struct {
	Generation int64
	Principals map[string]Principal
	Roles      *RoleGraph
	Resources  map[string]Resource
	Policies   []Policy
	Timestamp  time.Time
}

// Directory is the read-only source of principals, roles and resource metadata.
type Directory interface {
	Principal(ctx context.Context, id string) (Principal, error)
	RoleGraph(ctx context.Context) (*RoleGraph, error)
	// Resource returns metadata for ref; ok is false when the directory has none.
	Resource(ctx context.Context, ref ResourceRef) (Resource, bool, error)
}

// SnapshotService publishes governance snapshots.
type SnapshotService interface {
	// CurrentSnapshot returns the current governance data.
	CurrentSnapshot() Snapshot

	// Subscribe to snapshot changes. The current snapshot is delivered first.
	Subscribe() <-chan SnapshotChange
}

// SnapshotChange describes what moved between two snapshots so caches can be
// invalidated precisely.
type SnapshotChange struct {
	Snapshot        Snapshot
	RolesChanged    bool
	PoliciesChanged bool
	Principals      []string
	Resources       []string
	// Policies lists ids of added, edited or removed policies.
	Policies []string
}

// Initial marks every section as changed; used for the first delivery to a subscriber.
func Initial(snap Snapshot) SnapshotChange {
	return SnapshotChange{Snapshot: snap, RolesChanged: true, PoliciesChanged: true}
}

// Merge folds a later change into c so a slow subscriber loses no invalidation.
func (c SnapshotChange) Merge(later SnapshotChange) SnapshotChange {
	return SnapshotChange{
		Snapshot:        later.Snapshot,
		RolesChanged:    c.RolesChanged || later.RolesChanged,
		PoliciesChanged: c.PoliciesChanged || later.PoliciesChanged,
		Principals:      mergeIDs(c.Principals, later.Principals),
		Resources:       mergeIDs(c.Resources, later.Resources),
		Policies:        mergeIDs(c.Policies, later.Policies),
	}
}

func mergeIDs(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, id := range append(append([]string(nil), a...), b...) {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
