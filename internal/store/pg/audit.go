package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"ocsportal.org/internal/audit"
)

var (
	_ audit.Sink   = (*Store)(nil)
	_ audit.Reader = (*Store)(nil)
)

// Append inserts one audit_log row.
func (s *Store) Append(ctx context.Context, e audit.Entry) error {
	details := e.Details
	if details == nil {
		details = map[string]any{}
	}
	body, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("encode audit details: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		insert into audit_log(user_id, action, resource_type, resource_id, details, ip_address, user_agent, timestamp)
		values ($1,$2,$3,$4,$5,$6,$7,$8)
	`, e.ActorID, e.Action, e.ResourceType, nullIfEmpty(e.ResourceID), body,
		nullIfEmpty(e.ClientIP), nullIfEmpty(e.UserAgent), e.OccurredAt.UTC())
	return err
}

// Query returns matching entries newest first.
func (s *Store) Query(ctx context.Context, f audit.Filter) ([]audit.Entry, error) {
	f = f.Normalize()

	var (
		clauses []string
		args    []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if f.ActorID != "" {
		add("user_id = $%d", f.ActorID)
	}
	if f.Action != "" {
		add("action = $%d", f.Action)
	}
	if f.ResourceType != "" {
		add("resource_type = $%d", f.ResourceType)
	}
	if !f.Since.IsZero() {
		add("timestamp >= $%d", f.Since.UTC())
	}
	if !f.Until.IsZero() {
		add("timestamp < $%d", f.Until.UTC())
	}

	query := `select id, user_id, action, resource_type, resource_id, details, ip_address, user_agent, timestamp from audit_log`
	if len(clauses) > 0 {
		query += " where " + strings.Join(clauses, " and ")
	}
	args = append(args, f.Limit, f.Offset)
	query += fmt.Sprintf(" order by timestamp desc, id desc limit $%d offset $%d", len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []audit.Entry{}
	for rows.Next() {
		var (
			e                     audit.Entry
			resourceID, ip, agent sql.NullString
			details               []byte
		)
		if err := rows.Scan(&e.ID, &e.ActorID, &e.Action, &e.ResourceType, &resourceID, &details, &ip, &agent, &e.OccurredAt); err != nil {
			return nil, err
		}
		e.ResourceID = resourceID.String
		e.ClientIP = ip.String
		e.UserAgent = agent.String
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, fmt.Errorf("audit %d: decode details: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
