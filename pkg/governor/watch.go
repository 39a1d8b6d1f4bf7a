package governor

import (
	"context"
	"sort"

	"github.com/polisai/polis-governance/pkg/cache"
	"github.com/polisai/polis-governance/pkg/domain"
)

// watchSnapshots invalidates cached decisions as the governance snapshot moves
// and broadcasts each invalidation to the other instances.
func (g *Governor) watchSnapshots(ctx context.Context, changes <-chan domain.SnapshotChange) {
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-changes:
			if !ok {
				return
			}
			g.applyChange(ctx, change, true)
		}
	}
}

func (g *Governor) applyChange(ctx context.Context, change domain.SnapshotChange, broadcast bool) {
	scopes := invalidationScopes(change, g.cfg.Authz.MaxDepth)
	dropped := 0
	for _, scope := range scopes {
		dropped += g.cache.Invalidate(scope)
	}
	g.logger.Info("governance snapshot applied",
		"generation", change.Snapshot.Generation,
		"scopes", len(scopes),
		"dropped", dropped,
	)
	if !broadcast {
		return
	}
	for _, scope := range scopes {
		if err := g.bus.Publish(ctx, scope); err != nil {
			g.logger.Warn("cache invalidation not broadcast", "scope", scope.String(), "error", err)
		}
	}
}

// invalidationScopes maps a snapshot change to the cache scopes it makes stale.
// A role change can alter any decision. A resource change also reaches every
// resource below it, since those inherit through the hierarchy.
func invalidationScopes(change domain.SnapshotChange, maxDepth int) []cache.Scope {
	if change.RolesChanged {
		return []cache.Scope{cache.ScopeAll()}
	}

	var scopes []cache.Scope
	for _, id := range change.Principals {
		scopes = append(scopes, cache.ScopePrincipal(id))
	}
	for _, ref := range affectedResources(change.Snapshot, change.Resources, maxDepth) {
		scopes = append(scopes, cache.ScopeResource(ref))
	}
	switch {
	case len(change.Policies) > 0:
		for _, id := range change.Policies {
			scopes = append(scopes, cache.ScopePolicy(id))
		}
	case change.PoliciesChanged:
		scopes = append(scopes, cache.ScopePolicy(""))
	}
	return scopes
}

// affectedResources returns changed plus every snapshot resource with a changed
// ancestor, sorted.
func affectedResources(snap domain.Snapshot, changed []string, maxDepth int) []string {
	if len(changed) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(changed))
	for _, ref := range changed {
		set[ref] = struct{}{}
	}

	affected := make(map[string]struct{}, len(changed))
	for ref := range set {
		affected[ref] = struct{}{}
	}
	for ref, res := range snap.Resources {
		parent := res.Parent
		for depth := 0; parent != nil && depth < maxDepth; depth++ {
			if _, hit := set[parent.String()]; hit {
				affected[ref] = struct{}{}
				break
			}
			next, ok := snap.Resources[parent.String()]
			if !ok {
				break
			}
			parent = next.Parent
		}
	}

	out := make([]string, 0, len(affected))
	for ref := range affected {
		out = append(out, ref)
	}
	sort.Strings(out)
	return out
}
