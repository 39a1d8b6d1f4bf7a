package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-governance/pkg/domain"
	"github.com/polisai/polis-governance/pkg/logging"
)

const governanceYAML = `
generation: 7
principals:
  - id: alice
    roles: [editor]
    attributes:
      department: engineering
  - id: bob
    roles: [viewer]
    denials: ["document/secret:*"]
roles:
  - name: viewer
    priority: 1
    permissions: ["document/*:read"]
  - name: editor
    priority: 10
    parents: [viewer]
    permissions: ["document/*:write"]
    conditional:
      - permission: "document/*:delete"
        conditions:
          - kind: time_window
            window: {start: "09:00", end: "17:00", days: [mon, tue], timezone: UTC}
          - kind: ip_range
            cidrs: ["10.0.0.0/8"]
resources:
  - ref: document/1
    parent: folder/eng
    owner: alice
  - ref: folder/eng
policies:
  - id: cost-cap
    version: 2
    type: threshold
    severity: high
    enforcement: strict
    scope: {event_types: [llm.request]}
    threshold: {metric: estimated_cost_usd, operator: ">", value: 10}
  - id: burst
    type: frequency
    frequency: {window: 60s, max_occurrences: 3, group_by: actor_id}
`

func writeSnapshot(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "governance.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func newProvider(t *testing.T, path string) *SnapshotProvider {
	t.Helper()
	p, err := NewSnapshotProvider(path, ProviderOptions{Debounce: 10 * time.Millisecond, Logger: logging.Discard()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestSnapshotProviderLoadsGovernanceData(t *testing.T) {
	p := newProvider(t, writeSnapshot(t, t.TempDir(), governanceYAML))
	ctx := context.Background()

	snap := p.CurrentSnapshot()
	assert.Equal(t, int64(7), snap.Generation)

	alice, err := p.Principal(ctx, "alice")
	require.NoError(t, err)
	editor, ok := snap.Roles.Lookup("editor")
	require.True(t, ok)
	viewer, _ := snap.Roles.Lookup("viewer")
	assert.Equal(t, []domain.RoleID{editor}, alice.Roles)
	assert.Equal(t, "engineering", alice.Attributes["department"])

	role, _ := snap.Roles.Role(editor)
	assert.Equal(t, []domain.RoleID{viewer}, role.Parents)
	require.Len(t, role.Conditional, 1)
	conds := role.Conditional[0].Conditions
	require.Len(t, conds, 2)
	assert.Equal(t, domain.ConditionTimeWindow, conds[0].Kind)
	assert.Equal(t, "09:00", conds[0].Window.Start)
	assert.Equal(t, []string{"10.0.0.0/8"}, conds[1].CIDRs)

	_, err = p.Principal(ctx, "mallory")
	assert.ErrorIs(t, err, domain.ErrPrincipalNotFound)

	doc, ok, err := p.Resource(ctx, domain.ResourceRef{Type: "document", ID: "1"})
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, doc.Parent)
	assert.Equal(t, "folder/eng", doc.Parent.String())
	assert.Equal(t, "alice", doc.OwnerID)

	policies, err := p.Policies(ctx)
	require.NoError(t, err)
	require.Len(t, policies, 2)
	assert.Equal(t, domain.StatusActive, policies[0].Status)
	assert.Equal(t, domain.EnforceStrict, policies[0].Enforcement)
	require.NotNil(t, policies[0].Definition.Threshold)
	assert.Equal(t, 10.0, policies[0].Definition.Threshold.Value)
	require.NotNil(t, policies[1].Definition.Frequency)
	assert.Equal(t, time.Minute, policies[1].Definition.Frequency.Window)
	assert.Equal(t, domain.EnforceMonitor, policies[1].Enforcement)
}

func TestSnapshotValidationRejectsBadFiles(t *testing.T) {
	cases := map[string]string{
		"unknown role": `
principals: [{id: a, roles: [ghost]}]`,
		"duplicate role": `
roles: [{name: r}, {name: r}]`,
		"unknown parent": `
roles: [{name: r, parents: [missing]}]`,
		"malformed permission": `
roles: [{name: r, permissions: ["nocolon"]}]`,
		"bad cidr": `
roles:
  - name: r
    conditional:
      - permission: "a:b"
        conditions: [{kind: ip_range, cidrs: ["300.1.1.1/8"]}]`,
		"window without times": `
roles:
  - name: r
    conditional:
      - permission: "a:b"
        conditions: [{kind: time_window}]`,
		"bad clock": `
roles:
  - name: r
    conditional:
      - permission: "a:b"
        conditions: [{kind: time_window, window: {start: "9am", end: "17:00"}}]`,
		"unknown policy type": `
policies: [{id: p, type: magic}]`,
		"definition missing": `
policies: [{id: p, type: threshold}]`,
		"unknown operator": `
policies: [{id: p, type: threshold, threshold: {metric: m, operator: approx}}]`,
		"duplicate policy version": `
policies:
  - {id: p, type: custom, custom: {module: "package x"}}
  - {id: p, type: custom, custom: {module: "package x"}}`,
		"self parent": `
resources: [{ref: folder/a, parent: folder/a}]`,
	}

	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			path := writeSnapshot(t, t.TempDir(), content)
			_, err := NewSnapshotProvider(path, ProviderOptions{Logger: logging.Discard()})
			assert.Error(t, err)
		})
	}
}

func TestSnapshotProviderMissingFileStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	p := newProvider(t, filepath.Join(dir, "governance.yaml"))

	_, err := p.Principal(context.Background(), "alice")
	assert.ErrorIs(t, err, domain.ErrPrincipalNotFound)

	writeSnapshot(t, dir, governanceYAML)
	require.Eventually(t, func() bool {
		_, err := p.Principal(context.Background(), "alice")
		return err == nil
	}, 3*time.Second, 10*time.Millisecond)
}

func TestReloadReportsPreciseChanges(t *testing.T) {
	dir := t.TempDir()
	path := writeSnapshot(t, dir, governanceYAML)
	var reloads []error
	p, err := NewSnapshotProvider(path, ProviderOptions{
		Debounce: time.Hour,
		Logger:   logging.Discard(),
		OnReload: func(err error) { reloads = append(reloads, err) },
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	changes := p.Subscribe()
	initial := <-changes
	assert.True(t, initial.RolesChanged)
	assert.True(t, initial.PoliciesChanged)

	edited := governanceYAML + `
  - id: newcomer
    type: custom
    custom: {module: "package x"}
`
	// Append a policy and widen bob's denials.
	edited = replaceOnce(t, edited, `denials: ["document/secret:*"]`, `denials: ["document/*:*"]`)
	writeSnapshot(t, dir, edited)
	require.NoError(t, p.Reload())

	change := <-changes
	assert.False(t, change.RolesChanged)
	assert.True(t, change.PoliciesChanged)
	assert.Equal(t, []string{"newcomer"}, change.Policies)
	assert.Equal(t, []string{"bob"}, change.Principals)
	assert.Empty(t, change.Resources)
	assert.Equal(t, int64(8), change.Snapshot.Generation)

	writeSnapshot(t, dir, "principals: [{id: a, roles: [ghost]}]")
	assert.Error(t, p.Reload())
	_, err = p.Principal(context.Background(), "alice")
	assert.NoError(t, err, "a rejected reload keeps the previous snapshot")

	require.Len(t, reloads, 3)
	assert.NoError(t, reloads[0])
	assert.Error(t, reloads[2])
}

func TestSlowSubscriberReceivesMergedChange(t *testing.T) {
	dir := t.TempDir()
	path := writeSnapshot(t, dir, governanceYAML)
	p, err := NewSnapshotProvider(path, ProviderOptions{Debounce: time.Hour, Logger: logging.Discard()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	changes := p.Subscribe()

	writeSnapshot(t, dir, replaceOnce(t, governanceYAML, "owner: alice", "owner: bob"))
	require.NoError(t, p.Reload())
	writeSnapshot(t, dir, replaceOnce(t, governanceYAML, "priority: 10", "priority: 20"))
	require.NoError(t, p.Reload())

	merged := <-changes
	assert.True(t, merged.RolesChanged)
	assert.Equal(t, []string{"document/1"}, merged.Resources)
	assert.Equal(t, int64(9), merged.Snapshot.Generation)

	select {
	case extra := <-changes:
		t.Fatalf("unexpected extra change %+v", extra)
	default:
	}
}

func TestDiffTracksRemovals(t *testing.T) {
	prev := Snapshot{
		Principals: []PrincipalSpec{{ID: "a"}, {ID: "b"}},
		Resources:  []ResourceSpec{{Ref: "/folder/x/"}},
	}
	next := Snapshot{Principals: []PrincipalSpec{{ID: "a"}}}

	change := diff(prev, next)
	assert.Equal(t, []string{"b"}, change.Principals)
	assert.Equal(t, []string{"folder/x"}, change.Resources)
	assert.False(t, change.RolesChanged)
}

func replaceOnce(t *testing.T, s, old, repl string) string {
	t.Helper()
	require.Contains(t, s, old)
	return strings.Replace(s, old, repl, 1)
}
