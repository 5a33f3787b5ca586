// Package memory holds in-process stores for tests and local development.
package memory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"ocsportal.org/internal/auth"
)

// GrantCatalog is an in-memory grant list kept in insertion order.
type GrantCatalog struct {
	mu     sync.RWMutex
	grants []auth.Grant
	nextID int64
}

func NewGrantCatalog(grants ...auth.Grant) *GrantCatalog {
	c := &GrantCatalog{}
	for _, g := range grants {
		_ = c.UpsertGrant(context.Background(), g)
	}
	return c
}

// ListGrants returns a copy of the catalog.
func (c *GrantCatalog) ListGrants(context.Context) ([]auth.Grant, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]auth.Grant, len(c.grants))
	for i, g := range c.grants {
		g.AllowedDepartments = slices.Clone(g.AllowedDepartments)
		out[i] = g
	}
	return out, nil
}

// UpsertGrant replaces the grant with the same name or appends a new one.
func (c *GrantCatalog) UpsertGrant(_ context.Context, g auth.Grant) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now().UTC()
	g.AllowedDepartments = slices.Clone(g.AllowedDepartments)
	for i, existing := range c.grants {
		if strings.EqualFold(existing.Name, g.Name) {
			g.ID = existing.ID
			g.CreatedAt = existing.CreatedAt
			g.UpdatedAt = now
			c.grants[i] = g
			return nil
		}
	}
	c.nextID++
	g.ID = c.nextID
	g.CreatedAt = now
	g.UpdatedAt = now
	c.grants = append(c.grants, g)
	return nil
}
