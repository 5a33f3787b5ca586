package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"
)

const defaultMigrationsTable = "schema_migrations"

// ErrNothingApplied is returned by Down when no migration is recorded.
var ErrNothingApplied = errors.New("migrate: no migrations applied")

// Manager applies ordered *.up.sql files from an fs.FS and rolls them back
// with the matching *.down.sql.
type Manager struct {
	db    *sql.DB
	files fs.FS
	dir   string
	table string
	now   func() time.Time
}

// Option configures Manager.
type Option func(*Manager)

// WithMigrationsTable overrides the bookkeeping table.
func WithMigrationsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.table = name
		}
	}
}

// NewManager reads migrations from dir inside files.
func NewManager(db *sql.DB, files fs.FS, dir string, opts ...Option) *Manager {
	m := &Manager{
		db:    db,
		files: files,
		dir:   dir,
		table: defaultMigrationsTable,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Up applies all pending migrations and returns their names.
func (m *Manager) Up(ctx context.Context) ([]string, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}
	executed, err := m.listExecuted(ctx)
	if err != nil {
		return nil, err
	}
	names, err := m.collect(".up.sql")
	if err != nil {
		return nil, err
	}
	var applied []string
	for _, name := range names {
		if executed[name] {
			continue
		}
		if err := m.apply(ctx, name, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, fmt.Sprintf(`insert into %s(name, applied_at) values ($1, $2)`, m.table), name, m.now().UTC())
			return err
		}); err != nil {
			return applied, fmt.Errorf("apply migration %s: %w", name, err)
		}
		applied = append(applied, name)
	}
	return applied, nil
}

// Down rolls back the most recently applied migration and returns its name.
func (m *Manager) Down(ctx context.Context) (string, error) {
	if err := m.ensureTable(ctx); err != nil {
		return "", err
	}
	history, err := m.history(ctx)
	if err != nil {
		return "", err
	}
	if len(history) == 0 {
		return "", ErrNothingApplied
	}
	last := history[len(history)-1]
	down := strings.TrimSuffix(last, ".up.sql") + ".down.sql"
	if _, err := fs.Stat(m.files, path.Join(m.dir, down)); err != nil {
		return "", fmt.Errorf("missing down migration for %s", last)
	}
	if err := m.apply(ctx, down, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`delete from %s where name = $1`, m.table), last)
		return err
	}); err != nil {
		return "", fmt.Errorf("rollback migration %s: %w", last, err)
	}
	return last, nil
}

// Status returns applied migrations in order.
func (m *Manager) Status(ctx context.Context) ([]string, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}
	return m.history(ctx)
}

func (m *Manager) ensureTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, fmt.Sprintf(`
		create table if not exists %s (
			name text primary key,
			applied_at timestamptz not null default now()
		)`, m.table))
	return err
}

// apply runs the statements of name and the bookkeeping step in one transaction.
func (m *Manager) apply(ctx context.Context, name string, record func(*sql.Tx) error) error {
	body, err := fs.ReadFile(m.files, path.Join(m.dir, name))
	if err != nil {
		return err
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range splitStatements(string(body)) {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if err := record(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (m *Manager) listExecuted(ctx context.Context) (map[string]bool, error) {
	names, err := m.history(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(names))
	for _, n := range names {
		out[n] = true
	}
	return out, nil
}

func (m *Manager) history(ctx context.Context) ([]string, error) {
	rows, err := m.db.QueryContext(ctx, fmt.Sprintf(`select name from %s order by applied_at asc, name asc`, m.table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		res = append(res, name)
	}
	return res, rows.Err()
}

func (m *Manager) collect(suffix string) ([]string, error) {
	entries, err := fs.ReadDir(m.files, m.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), suffix) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// splitStatements splits on semicolons outside single-quoted strings.
func splitStatements(sql string) []string {
	var stmts []string
	var current strings.Builder
	inString := false
	for _, r := range sql {
		current.WriteRune(r)
		switch r {
		case '\'':
			inString = !inString
		case ';':
			if !inString {
				stmts = append(stmts, current.String())
				current.Reset()
			}
		}
	}
	if strings.TrimSpace(current.String()) != "" {
		stmts = append(stmts, current.String())
	}
	return stmts
}
