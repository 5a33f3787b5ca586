package auth

import (
	"context"

	"go.uber.org/zap"
)

// GrantCatalog lists the configured grants in catalog order.
type GrantCatalog interface {
	ListGrants(ctx context.Context) ([]Grant, error)
}

// Resolve folds every matching grant into one permission bundle.
//
// The grant with the strictly highest AccessLevel supplies the level and all
// four resource accesses; ties keep the earlier grant. Departments are the
// ordered union over all matches and MatchedGrants lists every matching name.
// A grant at level none never supplies resource access. No match yields
// NoPermissions.
func Resolve(memberships []GroupMembership, attr SpecialAttribute, catalog []Grant) EffectivePermissions {
	out := NoPermissions()
	bestRank := AccessNone.Rank()
	seenDept := make(map[string]struct{})

	for _, g := range catalog {
		if !g.Matches(memberships, attr) {
			continue
		}
		out.MatchedGrants = append(out.MatchedGrants, g.Name)
		for _, d := range g.AllowedDepartments {
			if _, ok := seenDept[d]; ok {
				continue
			}
			seenDept[d] = struct{}{}
			out.AllowedDepartments = append(out.AllowedDepartments, d)
		}

		level := ParseAccessLevel(string(g.AccessLevel))
		if rank := level.Rank(); rank > bestRank {
			bestRank = rank
			out.AccessLevel = level
			out.Tickets = ParseResourceAccess(string(g.Tickets))
			out.Inventory = ParseResourceAccess(string(g.Inventory))
			out.Purchasing = ParseResourceAccess(string(g.Purchasing))
			out.Forms = ParseResourceAccess(string(g.Forms))
		}
	}
	return out
}

// Resolver reads the catalog and resolves permissions, failing closed.
type Resolver struct {
	catalog GrantCatalog
	logger  *zap.Logger
}

// NewResolver wraps a catalog. A nil logger discards output.
func NewResolver(catalog GrantCatalog, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{catalog: catalog, logger: logger}
}

// ResolveFor returns NoPermissions alongside the error when the catalog
// cannot be read, so callers that ignore the error still deny by default.
func (r *Resolver) ResolveFor(ctx context.Context, memberships []GroupMembership, attr SpecialAttribute) (EffectivePermissions, error) {
	grants, err := r.catalog.ListGrants(ctx)
	if err != nil {
		r.logger.Error("grant catalog unavailable, denying by default", zap.Error(err))
		return NoPermissions(), err
	}
	return Resolve(memberships, attr, grants), nil
}
