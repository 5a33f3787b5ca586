package auth

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

func staffGrant() Grant {
	return Grant{
		Name:        "All_Staff",
		GroupName:   "All_Staff",
		AccessLevel: AccessStaff,
		Tickets:     ResourceWrite,
		Inventory:   ResourceRead,
		Purchasing:  ResourceRead,
		Forms:       ResourceWrite,
	}
}

func techGrant() Grant {
	return Grant{
		Name:               "Technology Department",
		GroupName:          "Technology Department",
		AccessLevel:        AccessSuperAdmin,
		Tickets:            ResourceAdmin,
		Inventory:          ResourceAdmin,
		Purchasing:         ResourceAdmin,
		Forms:              ResourceAdmin,
		AllowedDepartments: []string{"technology"},
	}
}

func TestResolveSingleGroup(t *testing.T) {
	got := Resolve([]GroupMembership{{ID: "g1", DisplayName: "all_staff"}}, SpecialAttribute{}, []Grant{staffGrant()})
	want := EffectivePermissions{
		AccessLevel:        AccessStaff,
		Tickets:            ResourceWrite,
		Inventory:          ResourceRead,
		Purchasing:         ResourceRead,
		Forms:              ResourceWrite,
		AllowedDepartments: []string{},
		MatchedGrants:      []string{"All_Staff"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected permissions:\n got %+v\nwant %+v", got, want)
	}
}

func TestResolveHighestLevelWins(t *testing.T) {
	staff := staffGrant()
	staff.AllowedDepartments = []string{"main-office"}
	memberships := []GroupMembership{
		{ID: "g1", DisplayName: "All_Staff"},
		{ID: "g2", DisplayName: "Technology Department"},
	}

	got := Resolve(memberships, SpecialAttribute{}, []Grant{staff, techGrant()})
	if got.AccessLevel != AccessSuperAdmin {
		t.Fatalf("expected super_admin, got %s", got.AccessLevel)
	}
	for _, r := range Resources {
		if got.Access(r) != ResourceAdmin {
			t.Fatalf("expected admin on %s, got %s", r, got.Access(r))
		}
	}
	if !reflect.DeepEqual(got.AllowedDepartments, []string{"main-office", "technology"}) {
		t.Fatalf("departments not unioned: %v", got.AllowedDepartments)
	}
	if !reflect.DeepEqual(got.MatchedGrants, []string{"All_Staff", "Technology Department"}) {
		t.Fatalf("unexpected matched grants: %v", got.MatchedGrants)
	}
}

func TestResolveOrderIndependentForDistinctLevels(t *testing.T) {
	memberships := []GroupMembership{{DisplayName: "All_Staff"}, {DisplayName: "Technology Department"}}
	a := Resolve(memberships, SpecialAttribute{}, []Grant{staffGrant(), techGrant()})
	b := Resolve(memberships, SpecialAttribute{}, []Grant{techGrant(), staffGrant()})
	if a.AccessLevel != b.AccessLevel || a.Tickets != b.Tickets || a.Forms != b.Forms {
		t.Fatalf("winner depends on order: %+v vs %+v", a, b)
	}
}

func TestResolveTieKeepsFirstGrant(t *testing.T) {
	first := staffGrant()
	second := staffGrant()
	second.Name = "Office Staff"
	second.GroupName = "Office Staff"
	second.Tickets = ResourceAdmin

	memberships := []GroupMembership{{DisplayName: "All_Staff"}, {DisplayName: "Office Staff"}}
	got := Resolve(memberships, SpecialAttribute{}, []Grant{first, second})
	if got.Tickets != ResourceWrite {
		t.Fatalf("expected first grant's tickets access, got %s", got.Tickets)
	}
	if len(got.MatchedGrants) != 2 {
		t.Fatalf("expected both grants matched, got %v", got.MatchedGrants)
	}
}

func TestResolveNoMatchDeniesEverything(t *testing.T) {
	got := Resolve([]GroupMembership{{ID: "x", DisplayName: "Students"}}, SpecialAttribute{}, []Grant{staffGrant()})
	if !reflect.DeepEqual(got, NoPermissions()) {
		t.Fatalf("expected no permissions, got %+v", got)
	}
	if got := Resolve(nil, SpecialAttribute{}, nil); !reflect.DeepEqual(got, NoPermissions()) {
		t.Fatalf("expected no permissions for empty input, got %+v", got)
	}
}

func TestResolveMatchesByGroupID(t *testing.T) {
	g := staffGrant()
	g.GroupName = ""
	g.GroupID = "6f1c"
	got := Resolve([]GroupMembership{{ID: "6f1c", DisplayName: "renamed"}}, SpecialAttribute{}, []Grant{g})
	if got.AccessLevel != AccessStaff {
		t.Fatalf("expected match by id, got %s", got.AccessLevel)
	}
}

func TestResolveSpecialAttribute(t *testing.T) {
	director := Grant{
		Name:           "Director of Schools",
		AttributeName:  "extensionAttribute10",
		AttributeValue: "Director of Schools",
		AccessLevel:    AccessAdmin,
		Tickets:        ResourceAdmin,
		Inventory:      ResourceRead,
		Purchasing:     ResourceAdmin,
		Forms:          ResourceAdmin,
	}
	attr := SpecialAttribute{Name: "extensionAttribute10", Value: "Director of Schools"}

	got := Resolve(nil, attr, []Grant{director})
	if got.AccessLevel != AccessAdmin || got.Purchasing != ResourceAdmin {
		t.Fatalf("expected attribute grant, got %+v", got)
	}

	miss := Resolve(nil, SpecialAttribute{Name: attr.Name, Value: "director of schools"}, []Grant{director})
	if miss.AccessLevel != AccessNone {
		t.Fatalf("attribute value must match exactly, got %s", miss.AccessLevel)
	}
	other := Resolve(nil, SpecialAttribute{Name: "extensionAttribute1", Value: attr.Value}, []Grant{director})
	if other.AccessLevel != AccessNone {
		t.Fatalf("attribute name must match, got %s", other.AccessLevel)
	}
}

func TestResolveUnknownEnumsDegradeToNone(t *testing.T) {
	g := staffGrant()
	g.AccessLevel = "owner"
	g.Tickets = "everything"
	got := Resolve([]GroupMembership{{DisplayName: "All_Staff"}}, SpecialAttribute{}, []Grant{g})
	if got.AccessLevel != AccessNone || got.Tickets != ResourceNone {
		t.Fatalf("expected unknown values to parse as none, got %+v", got)
	}
	if !reflect.DeepEqual(got.MatchedGrants, []string{"All_Staff"}) {
		t.Fatalf("grant should still be reported as matched: %v", got.MatchedGrants)
	}
}

func TestResolveNoneLevelGrantSuppliesNothing(t *testing.T) {
	kiosk := Grant{
		Name:               "Kiosk",
		GroupName:          "Kiosk",
		AccessLevel:        AccessNone,
		Tickets:            ResourceWrite,
		Forms:              ResourceAdmin,
		AllowedDepartments: []string{"library"},
	}
	got := Resolve([]GroupMembership{{DisplayName: "Kiosk"}}, SpecialAttribute{}, []Grant{kiosk})
	if got.AccessLevel != AccessNone || got.Tickets != ResourceNone || got.Forms != ResourceNone {
		t.Fatalf("none-level grant must not supply resource access, got %+v", got)
	}
	if !reflect.DeepEqual(got.MatchedGrants, []string{"Kiosk"}) || !reflect.DeepEqual(got.AllowedDepartments, []string{"library"}) {
		t.Fatalf("match and departments should still be recorded: %+v", got)
	}

	got = Resolve([]GroupMembership{{DisplayName: "Kiosk"}, {DisplayName: "All_Staff"}}, SpecialAttribute{}, []Grant{kiosk, staffGrant()})
	if got.AccessLevel != AccessStaff || got.Forms != ResourceWrite {
		t.Fatalf("staff grant should win over a none-level grant, got %+v", got)
	}
}

type catalogStub struct {
	grants []Grant
	err    error
}

func (c catalogStub) ListGrants(context.Context) ([]Grant, error) { return c.grants, c.err }

func TestResolverFailsClosed(t *testing.T) {
	boom := errors.New("db down")
	r := NewResolver(catalogStub{err: boom}, nil)
	got, err := r.ResolveFor(context.Background(), []GroupMembership{{DisplayName: "Technology Department"}}, SpecialAttribute{})
	if !errors.Is(err, boom) {
		t.Fatalf("expected catalog error, got %v", err)
	}
	if !reflect.DeepEqual(got, NoPermissions()) {
		t.Fatalf("expected no permissions on failure, got %+v", got)
	}

	r = NewResolver(catalogStub{grants: []Grant{techGrant()}}, nil)
	got, err = r.ResolveFor(context.Background(), []GroupMembership{{DisplayName: "Technology Department"}}, SpecialAttribute{})
	if err != nil {
		t.Fatalf("ResolveFor: %v", err)
	}
	if got.AccessLevel != AccessSuperAdmin {
		t.Fatalf("expected super_admin, got %s", got.AccessLevel)
	}
}
