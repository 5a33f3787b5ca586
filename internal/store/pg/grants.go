package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"ocsportal.org/internal/auth"
)

var _ auth.GrantCatalog = (*Store)(nil)

// ListGrants returns the catalog ordered by id, which is the resolution order.
func (s *Store) ListGrants(ctx context.Context) ([]auth.Grant, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, name, group_id, group_name, attribute_name, attribute_value,
		       access_level, tickets_access, inventory_access, purchasing_access, forms_access,
		       allowed_departments, created_at, updated_at
		from group_roles
		order by id asc
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []auth.Grant
	for rows.Next() {
		var (
			g                                  auth.Grant
			groupID, groupName, attrName, attr sql.NullString
			level, tickets, inventory          string
			purchasing, forms                  string
			departments                        []byte
		)
		if err := rows.Scan(&g.ID, &g.Name, &groupID, &groupName, &attrName, &attr,
			&level, &tickets, &inventory, &purchasing, &forms,
			&departments, &g.CreatedAt, &g.UpdatedAt); err != nil {
			return nil, err
		}
		g.GroupID = groupID.String
		g.GroupName = groupName.String
		g.AttributeName = attrName.String
		g.AttributeValue = attr.String
		g.AccessLevel = auth.AccessLevel(level)
		g.Tickets = auth.ResourceAccess(tickets)
		g.Inventory = auth.ResourceAccess(inventory)
		g.Purchasing = auth.ResourceAccess(purchasing)
		g.Forms = auth.ResourceAccess(forms)
		if len(departments) > 0 {
			if err := json.Unmarshal(departments, &g.AllowedDepartments); err != nil {
				return nil, fmt.Errorf("grant %s: decode allowed_departments: %w", g.Name, err)
			}
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// UpsertGrant inserts or updates the grant keyed by name.
func (s *Store) UpsertGrant(ctx context.Context, g auth.Grant) error {
	departments := g.AllowedDepartments
	if departments == nil {
		departments = []string{}
	}
	deptJSON, err := json.Marshal(departments)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into group_roles(name, group_id, group_name, attribute_name, attribute_value,
			access_level, tickets_access, inventory_access, purchasing_access, forms_access,
			allowed_departments, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$12)
		on conflict (name) do update set
			group_id = excluded.group_id,
			group_name = excluded.group_name,
			attribute_name = excluded.attribute_name,
			attribute_value = excluded.attribute_value,
			access_level = excluded.access_level,
			tickets_access = excluded.tickets_access,
			inventory_access = excluded.inventory_access,
			purchasing_access = excluded.purchasing_access,
			forms_access = excluded.forms_access,
			allowed_departments = excluded.allowed_departments,
			updated_at = excluded.updated_at
	`, g.Name, nullIfEmpty(g.GroupID), nullIfEmpty(g.GroupName), nullIfEmpty(g.AttributeName), nullIfEmpty(g.AttributeValue),
		string(g.AccessLevel), string(g.Tickets), string(g.Inventory), string(g.Purchasing), string(g.Forms),
		deptJSON, s.now().UTC())
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrCheckViolation {
			return fmt.Errorf("%w: grant %s has no group or attribute to match", auth.ErrInvalidInput, g.Name)
		}
		return err
	}
	return nil
}
