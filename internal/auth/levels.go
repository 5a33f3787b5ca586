package auth

import "strings"

// AccessLevel is the portal-wide role of an identity.
type AccessLevel string

const (
	AccessNone       AccessLevel = "none"
	AccessStudent    AccessLevel = "student"
	AccessStaff      AccessLevel = "staff"
	AccessAdmin      AccessLevel = "admin"
	AccessSuperAdmin AccessLevel = "super_admin"
)

var accessLevelRank = map[AccessLevel]int{
	AccessNone:       0,
	AccessStudent:    1,
	AccessStaff:      2,
	AccessAdmin:      3,
	AccessSuperAdmin: 4,
}

// ParseAccessLevel maps a stored string to an AccessLevel.
// Unknown values degrade to AccessNone.
func ParseAccessLevel(s string) AccessLevel {
	l := AccessLevel(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := accessLevelRank[l]; ok {
		return l
	}
	return AccessNone
}

// Valid reports whether l is one of the known levels.
func (l AccessLevel) Valid() bool {
	_, ok := accessLevelRank[l]
	return ok
}

// Rank returns the total order position of l. Unknown levels rank as none.
func (l AccessLevel) Rank() int {
	return accessLevelRank[l]
}

// AtLeast reports whether l ranks at or above min.
func (l AccessLevel) AtLeast(min AccessLevel) bool {
	return l.Rank() >= min.Rank()
}

// IsAdmin reports whether l carries the portal-wide override.
func (l AccessLevel) IsAdmin() bool {
	return l.AtLeast(AccessAdmin)
}

func (l AccessLevel) String() string { return string(l) }

// ResourceAccess is the per-service permission of an identity.
type ResourceAccess string

const (
	ResourceNone  ResourceAccess = "none"
	ResourceRead  ResourceAccess = "read"
	ResourceWrite ResourceAccess = "write"
	ResourceAdmin ResourceAccess = "admin"
)

var resourceAccessRank = map[ResourceAccess]int{
	ResourceNone:  0,
	ResourceRead:  1,
	ResourceWrite: 2,
	ResourceAdmin: 3,
}

// ParseResourceAccess maps a stored string to a ResourceAccess.
// Unknown values degrade to ResourceNone.
func ParseResourceAccess(s string) ResourceAccess {
	a := ResourceAccess(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := resourceAccessRank[a]; ok {
		return a
	}
	return ResourceNone
}

func (a ResourceAccess) Valid() bool {
	_, ok := resourceAccessRank[a]
	return ok
}

func (a ResourceAccess) Rank() int {
	return resourceAccessRank[a]
}

func (a ResourceAccess) AtLeast(min ResourceAccess) bool {
	return a.Rank() >= min.Rank()
}

func (a ResourceAccess) String() string { return string(a) }

// Resource names a portal service guarded by a ResourceAccess.
type Resource string

const (
	ResourceTickets    Resource = "tickets"
	ResourceInventory  Resource = "inventory"
	ResourcePurchasing Resource = "purchasing"
	ResourceForms      Resource = "forms"
)

// Resources lists every guarded service in display order.
var Resources = []Resource{ResourceTickets, ResourceInventory, ResourcePurchasing, ResourceForms}

// ParseResource returns the resource named by s and whether it is known.
func ParseResource(s string) (Resource, bool) {
	r := Resource(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Resources {
		if r == known {
			return r, true
		}
	}
	return "", false
}
