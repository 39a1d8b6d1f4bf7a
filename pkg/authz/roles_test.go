package authz

import (
	"testing"

	"pgregory.net/rapid"

	"github.com/polisai/polis-governance/pkg/domain"
)

// Every reachable role appears exactly once, whatever the shape of the graph.
func TestEffectiveRolesMatchesReachability(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 10).Draw(t, "roles")
		roles := make([]domain.Role, n)
		for i := range roles {
			parents := rapid.SliceOfNDistinct(rapid.IntRange(0, n-1), 0, min(3, n), rapid.ID[int]).Draw(t, "parents")
			role := domain.Role{ID: domain.RoleID(i), Name: string(rune('a' + i))}
			for _, p := range parents {
				role.Parents = append(role.Parents, domain.RoleID(p))
			}
			roles[i] = role
		}
		graph, err := domain.NewRoleGraph(roles)
		if err != nil {
			t.Fatalf("build graph: %v", err)
		}
		assignedRaw := rapid.SliceOfN(rapid.IntRange(0, n-1), 1, 4).Draw(t, "assigned")
		assigned := make([]domain.RoleID, 0, len(assignedRaw))
		for _, a := range assignedRaw {
			assigned = append(assigned, domain.RoleID(a))
		}

		got, unknown := EffectiveRoles(graph, assigned)
		if len(unknown) != 0 {
			t.Fatalf("unexpected unknown roles %v", unknown)
		}

		want := make(map[domain.RoleID]bool)
		var visit func(domain.RoleID)
		visit = func(id domain.RoleID) {
			if want[id] {
				return
			}
			want[id] = true
			for _, p := range graph.Parents(id) {
				visit(p)
			}
		}
		for _, a := range assigned {
			visit(a)
		}

		seen := make(map[domain.RoleID]bool, len(got))
		for _, id := range got {
			if seen[id] {
				t.Fatalf("role %d reported twice", id)
			}
			seen[id] = true
			if !want[id] {
				t.Fatalf("role %d is not reachable", id)
			}
		}
		if len(seen) != len(want) {
			t.Fatalf("got %d roles, want %d", len(seen), len(want))
		}
	})
}

func TestEffectiveRolesReportsUnknown(t *testing.T) {
	graph, err := domain.NewRoleGraph([]domain.Role{{ID: 1, Name: "a"}})
	if err != nil {
		t.Fatal(err)
	}
	roles, unknown := EffectiveRoles(graph, []domain.RoleID{1, 7})
	if len(roles) != 1 || len(unknown) != 1 || unknown[0] != 7 {
		t.Fatalf("roles=%v unknown=%v", roles, unknown)
	}
}
