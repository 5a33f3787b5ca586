// Package grants loads the grant catalog seed file and writes it to a store.
package grants

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"ocsportal.org/internal/auth"
)

// File is the seed document.
type File struct {
	Grants []Entry `yaml:"grants"`
}

// Entry is one grant as written by administrators.
type Entry struct {
	Name        string          `yaml:"name"`
	GroupID     string          `yaml:"group_id,omitempty"`
	GroupName   string          `yaml:"group_name,omitempty"`
	Attribute   *AttributeMatch `yaml:"attribute,omitempty"`
	AccessLevel string          `yaml:"access_level"`
	Tickets     string          `yaml:"tickets,omitempty"`
	Inventory   string          `yaml:"inventory,omitempty"`
	Purchasing  string          `yaml:"purchasing,omitempty"`
	Forms       string          `yaml:"forms,omitempty"`
	Departments []string        `yaml:"allowed_departments,omitempty"`
}

type AttributeMatch struct {
	Name  string `yaml:"name"`
	Value string `yaml:"value"`
}

// Writer persists grants.
type Writer interface {
	UpsertGrant(ctx context.Context, g auth.Grant) error
}

// LoadFile reads and validates a seed file.
func LoadFile(path string) ([]auth.Grant, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(bytes.NewReader(data))
}

// Parse decodes a seed document, rejecting unknown keys, and validates every
// entry. All problems are reported together.
func Parse(r io.Reader) ([]auth.Grant, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var f File
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty grant file", auth.ErrInvalidInput)
		}
		return nil, fmt.Errorf("%w: %v", auth.ErrInvalidInput, err)
	}

	var (
		out  = make([]auth.Grant, 0, len(f.Grants))
		errs []error
		seen = make(map[string]struct{}, len(f.Grants))
	)
	for i, e := range f.Grants {
		g, err := e.toGrant()
		if err != nil {
			errs = append(errs, fmt.Errorf("grant %d (%q): %w", i+1, e.Name, err))
			continue
		}
		key := strings.ToLower(g.Name)
		if _, dup := seen[key]; dup {
			errs = append(errs, fmt.Errorf("grant %d (%q): duplicate name", i+1, e.Name))
			continue
		}
		seen[key] = struct{}{}
		out = append(out, g)
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", auth.ErrInvalidInput, errors.Join(errs...))
	}
	return out, nil
}

func (e Entry) toGrant() (auth.Grant, error) {
	g := auth.Grant{
		Name:      strings.TrimSpace(e.Name),
		GroupID:   strings.TrimSpace(e.GroupID),
		GroupName: strings.TrimSpace(e.GroupName),
	}
	if g.Name == "" {
		return g, errors.New("name is required")
	}
	if e.Attribute != nil {
		g.AttributeName = strings.TrimSpace(e.Attribute.Name)
		g.AttributeValue = e.Attribute.Value
		if g.AttributeName == "" || g.AttributeValue == "" {
			return g, errors.New("attribute needs both name and value")
		}
	}
	if g.GroupID == "" && g.GroupName == "" && g.AttributeName == "" {
		return g, errors.New("one of group_id, group_name or attribute is required")
	}

	level := auth.ParseAccessLevel(e.AccessLevel)
	if level == auth.AccessNone && !strings.EqualFold(strings.TrimSpace(e.AccessLevel), string(auth.AccessNone)) {
		return g, fmt.Errorf("unknown access_level %q", e.AccessLevel)
	}
	g.AccessLevel = level

	for _, rf := range []struct {
		field string
		raw   string
		dst   *auth.ResourceAccess
	}{
		{"tickets", e.Tickets, &g.Tickets},
		{"inventory", e.Inventory, &g.Inventory},
		{"purchasing", e.Purchasing, &g.Purchasing},
		{"forms", e.Forms, &g.Forms},
	} {
		v, err := parseAccess(rf.raw)
		if err != nil {
			return g, fmt.Errorf("%s: %w", rf.field, err)
		}
		*rf.dst = v
	}

	g.AllowedDepartments = []string{}
	for _, d := range e.Departments {
		if d = strings.TrimSpace(d); d != "" {
			g.AllowedDepartments = append(g.AllowedDepartments, d)
		}
	}
	return g, nil
}

func parseAccess(raw string) (auth.ResourceAccess, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return auth.ResourceNone, nil
	}
	v := auth.ParseResourceAccess(raw)
	if v == auth.ResourceNone && !strings.EqualFold(raw, string(auth.ResourceNone)) {
		return v, fmt.Errorf("unknown access %q", raw)
	}
	return v, nil
}

// Apply upserts grants in file order and returns how many were written.
func Apply(ctx context.Context, w Writer, grants []auth.Grant) (int, error) {
	for i, g := range grants {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		if err := w.UpsertGrant(ctx, g); err != nil {
			return i, fmt.Errorf("upsert %q: %w", g.Name, err)
		}
	}
	return len(grants), nil
}
