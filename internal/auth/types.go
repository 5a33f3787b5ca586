package auth

import (
	"strings"
	"time"
)

// Identity is the directory-backed user a session belongs to.
type Identity struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
}

// GroupMembership is one directory group the identity belongs to.
type GroupMembership struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// SpecialAttribute is the single directory profile attribute grants can key on.
type SpecialAttribute struct {
	Name  string
	Value string
}

// Grant maps a directory group or attribute value to a permission bundle.
type Grant struct {
	ID                 int64
	Name               string
	GroupID            string
	GroupName          string
	AttributeName      string
	AttributeValue     string
	AccessLevel        AccessLevel
	Tickets            ResourceAccess
	Inventory          ResourceAccess
	Purchasing         ResourceAccess
	Forms              ResourceAccess
	AllowedDepartments []string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Matches reports whether the grant applies to the given memberships or attribute.
func (g Grant) Matches(memberships []GroupMembership, attr SpecialAttribute) bool {
	for _, m := range memberships {
		if g.GroupID != "" && m.ID == g.GroupID {
			return true
		}
		if g.GroupName != "" && strings.EqualFold(m.DisplayName, g.GroupName) {
			return true
		}
	}
	if g.AttributeName != "" && g.AttributeValue != "" && attr.Value != "" {
		return strings.EqualFold(g.AttributeName, attr.Name) && g.AttributeValue == attr.Value
	}
	return false
}

// EffectivePermissions is the resolved bundle embedded in a session token.
type EffectivePermissions struct {
	AccessLevel        AccessLevel    `json:"access_level"`
	Tickets            ResourceAccess `json:"tickets_access"`
	Inventory          ResourceAccess `json:"inventory_access"`
	Purchasing         ResourceAccess `json:"purchasing_access"`
	Forms              ResourceAccess `json:"forms_access"`
	AllowedDepartments []string       `json:"allowed_departments"`
	MatchedGrants      []string       `json:"matched_groups"`
}

// NoPermissions returns the deny-everything bundle.
func NoPermissions() EffectivePermissions {
	return EffectivePermissions{
		AccessLevel:        AccessNone,
		Tickets:            ResourceNone,
		Inventory:          ResourceNone,
		Purchasing:         ResourceNone,
		Forms:              ResourceNone,
		AllowedDepartments: []string{},
		MatchedGrants:      []string{},
	}
}

// Access returns the permission held for r. Unknown resources yield none.
func (p EffectivePermissions) Access(r Resource) ResourceAccess {
	var a ResourceAccess
	switch r {
	case ResourceTickets:
		a = p.Tickets
	case ResourceInventory:
		a = p.Inventory
	case ResourcePurchasing:
		a = p.Purchasing
	case ResourceForms:
		a = p.Forms
	}
	if !a.Valid() {
		return ResourceNone
	}
	return a
}

// Allows reports whether p grants at least min on r.
// Portal-wide admins pass every resource check.
func (p EffectivePermissions) Allows(r Resource, min ResourceAccess) bool {
	if p.AccessLevel.IsAdmin() {
		return true
	}
	return p.Access(r).AtLeast(min)
}

// Services lists the resources whose granted access is not none. The admin
// override of Allows does not apply here.
func (p EffectivePermissions) Services() []Resource {
	out := make([]Resource, 0, len(Resources))
	for _, r := range Resources {
		if p.Access(r) != ResourceNone {
			out = append(out, r)
		}
	}
	return out
}

func (p EffectivePermissions) CanWrite(r Resource) bool {
	return p.Allows(r, ResourceWrite)
}

func (p EffectivePermissions) IsResourceAdmin(r Resource) bool {
	return p.Allows(r, ResourceAdmin)
}

// Principal is the authenticated caller attached to a request.
type Principal struct {
	Identity    Identity
	Permissions EffectivePermissions
}
