package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/polisai/polis-governance/pkg/domain"
)

// MemoryDirectory serves principals, roles, resources and policies from the
// current snapshot. Replace swaps the snapshot atomically.
type MemoryDirectory struct {
	mu   sync.RWMutex
	snap domain.Snapshot
}

// NewMemoryDirectory creates a directory holding snap.
func NewMemoryDirectory(snap domain.Snapshot) *MemoryDirectory {
	d := &MemoryDirectory{}
	d.Replace(snap)
	return d
}

// Replace installs a new snapshot.
func (d *MemoryDirectory) Replace(snap domain.Snapshot) {
	if snap.Principals == nil {
		snap.Principals = map[string]domain.Principal{}
	}
	if snap.Resources == nil {
		snap.Resources = map[string]domain.Resource{}
	}
	if snap.Roles == nil {
		snap.Roles, _ = domain.NewRoleGraph(nil)
	}

	d.mu.Lock()
	d.snap = snap
	d.mu.Unlock()
}

// Snapshot returns the current snapshot.
func (d *MemoryDirectory) Snapshot() domain.Snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.snap
}

func (d *MemoryDirectory) Principal(_ context.Context, id string) (domain.Principal, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.snap.Principals[id]
	if !ok {
		return domain.Principal{}, fmt.Errorf("%w: %s", domain.ErrPrincipalNotFound, id)
	}
	return p, nil
}

func (d *MemoryDirectory) RoleGraph(_ context.Context) (*domain.RoleGraph, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.snap.Roles, nil
}

func (d *MemoryDirectory) Resource(_ context.Context, ref domain.ResourceRef) (domain.Resource, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	res, ok := d.snap.Resources[ref.String()]
	return res, ok, nil
}

// Policies returns a copy of the snapshot policies.
func (d *MemoryDirectory) Policies(_ context.Context) ([]domain.Policy, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]domain.Policy(nil), d.snap.Policies...), nil
}

var (
	_ domain.Directory    = (*MemoryDirectory)(nil)
	_ domain.PolicySource = (*MemoryDirectory)(nil)
	_ AuditStore          = (*MemoryAuditStore)(nil)
	_ AuditStore          = (*PostgresAuditStore)(nil)
	_ AuditIndexer        = (*RedisAuditIndexer)(nil)
)
