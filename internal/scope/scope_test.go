package scope

import (
	"context"
	"testing"

	"clinicflow/internal/store"
	"clinicflow/internal/store/memory"

	"github.com/google/uuid"
)

type fixture struct {
	resolver *Resolver
	groupA   uuid.UUID
	clinicA1 uuid.UUID
	clinicA2 uuid.UUID
	clinicB  uuid.UUID
}

func newFixture() fixture {
	s := memory.New()
	f := fixture{
		groupA:   uuid.New(),
		clinicA1: uuid.New(),
		clinicA2: uuid.New(),
		clinicB:  uuid.New(),
	}
	s.AddClinic(store.Clinic{ID: f.clinicA1, GroupID: &f.groupA, Name: "a1"})
	s.AddClinic(store.Clinic{ID: f.clinicA2, GroupID: &f.groupA, Name: "a2"})
	s.AddClinic(store.Clinic{ID: f.clinicB, Name: "b"})
	f.resolver = NewResolver(s)
	return f
}

func TestParse(t *testing.T) {
	id := uuid.New()

	tests := []struct {
		name    string
		kind    string
		id      string
		want    store.Scope
		wantErr bool
	}{
		{"empty is unassigned", "", "", store.Scope{Kind: store.ScopeUnassigned}, false},
		{"system", "system", "", store.Scope{Kind: store.ScopeSystem}, false},
		{"clinic", "clinic", id.String(), store.Scope{Kind: store.ScopeClinic, ID: id}, false},
		{"group without id", "group", "", store.Scope{}, true},
		{"system with id", "system", id.String(), store.Scope{}, true},
		{"bad uuid", "clinic", "nope", store.Scope{}, true},
		{"unknown kind", "region", "", store.Scope{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.kind, tt.id)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Parse() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("Parse() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestResolve(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	got, err := f.resolver.Resolve(ctx, store.Scope{Kind: store.ScopeGroup, ID: f.groupA})
	if err != nil {
		t.Fatalf("Resolve(group) failed: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("group resolved to %d clinics, want 2", len(got))
	}

	got, err = f.resolver.Resolve(ctx, store.Scope{Kind: store.ScopeSystem})
	if err != nil {
		t.Fatalf("Resolve(system) failed: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("system resolved to %d clinics, want 3", len(got))
	}

	got, err = f.resolver.Resolve(ctx, store.Scope{Kind: store.ScopeUnassigned})
	if err != nil || len(got) != 0 {
		t.Errorf("unassigned resolved to %v (err %v), want empty", got, err)
	}

	got, err = f.resolver.Resolve(ctx, store.Scope{Kind: store.ScopeClinic, ID: f.clinicB})
	if err != nil || len(got) != 1 || got[0] != f.clinicB {
		t.Errorf("clinic resolved to %v (err %v), want [%s]", got, err, f.clinicB)
	}

	if _, err := f.resolver.Resolve(ctx, store.Scope{Kind: store.ScopeClinic, ID: uuid.New()}); err == nil {
		t.Error("expected error for unknown clinic")
	}
}

func TestCovers(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	system := store.Scope{Kind: store.ScopeSystem}
	group := store.Scope{Kind: store.ScopeGroup, ID: f.groupA}
	a1 := store.Scope{Kind: store.ScopeClinic, ID: f.clinicA1}
	b := store.Scope{Kind: store.ScopeClinic, ID: f.clinicB}
	unassigned := store.Scope{Kind: store.ScopeUnassigned}

	tests := []struct {
		name   string
		outer  store.Scope
		tenant store.Scope
		want   bool
	}{
		{"system covers clinic", system, a1, true},
		{"system covers unassigned", system, unassigned, true},
		{"group covers member", group, a1, true},
		{"group covers itself", group, group, true},
		{"group skips outsider", group, b, false},
		{"group skips unassigned", group, unassigned, false},
		{"clinic covers itself", a1, a1, true},
		{"clinic skips other clinic", a1, b, false},
		{"clinic skips its group", a1, group, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.resolver.Covers(ctx, tt.outer, tt.tenant)
			if err != nil {
				t.Fatalf("Covers() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Covers() = %v, want %v", got, tt.want)
			}
		})
	}
}
