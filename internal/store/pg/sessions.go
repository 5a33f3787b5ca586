package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ocsportal.org/internal/auth"
	"ocsportal.org/internal/session"
)

var _ session.Repository = (*Store)(nil)

const sessionColumns = `id, token_hash, identity_id, email, display_name, access_level, permissions,
	ip_address, user_agent, created_at, last_activity, expires_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (session.Record, error) {
	var (
		rec       session.Record
		level     string
		perms     []byte
		ip, agent sql.NullString
	)
	if err := row.Scan(&rec.ID, &rec.TokenHash, &rec.IdentityID, &rec.Email, &rec.DisplayName, &level, &perms,
		&ip, &agent, &rec.CreatedAt, &rec.LastActivity, &rec.ExpiresAt); err != nil {
		return session.Record{}, err
	}
	rec.AccessLevel = auth.ParseAccessLevel(level)
	rec.ClientIP = ip.String
	rec.UserAgent = agent.String
	if err := json.Unmarshal(perms, &rec.Permissions); err != nil {
		return session.Record{}, fmt.Errorf("session %s: decode permissions: %w", rec.ID, err)
	}
	return rec, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func listSessions(ctx context.Context, q querier, identityID string, now time.Time) ([]session.Record, error) {
	rows, err := q.QueryContext(ctx, `select `+sessionColumns+`
		from user_sessions
		where identity_id = $1 and expires_at > $2
		order by created_at asc, id asc`, identityID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []session.Record
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// WithIdentity runs fn in a transaction holding an advisory lock on the
// identity, so concurrent logins of one user are serialized.
func (s *Store) WithIdentity(ctx context.Context, identityID string, fn func(session.IdentityTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `select pg_advisory_xact_lock(hashtext($1))`, identityID); err != nil {
		return fmt.Errorf("lock identity: %w", err)
	}
	if err := fn(&identityTx{tx: tx, identityID: identityID}); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) FindByTokenHash(ctx context.Context, tokenHash string) (session.Record, error) {
	row := s.db.QueryRowContext(ctx, `select `+sessionColumns+` from user_sessions where token_hash = $1`, tokenHash)
	rec, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Record{}, auth.ErrSessionNotFound
	}
	return rec, err
}

func (s *Store) Touch(ctx context.Context, tokenHash string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		update user_sessions set last_activity = greatest(last_activity, $2)
		where token_hash = $1
	`, tokenHash, at)
	return err
}

func (s *Store) DeleteByTokenHash(ctx context.Context, tokenHash string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `delete from user_sessions where token_hash = $1`, tokenHash)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) DeleteByIdentity(ctx context.Context, identityID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `delete from user_sessions where identity_id = $1`, identityID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) ListByIdentity(ctx context.Context, identityID string, now time.Time) ([]session.Record, error) {
	return listSessions(ctx, s.db, identityID, now)
}

func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `delete from user_sessions where expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type identityTx struct {
	tx         *sql.Tx
	identityID string
}

func (t *identityTx) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := t.tx.ExecContext(ctx, `delete from user_sessions where identity_id = $1 and expires_at <= $2`, t.identityID, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (t *identityTx) ListLive(ctx context.Context, now time.Time) ([]session.Record, error) {
	return listSessions(ctx, t.tx, t.identityID, now)
}

func (t *identityTx) Delete(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if _, err := t.tx.ExecContext(ctx, `delete from user_sessions where id = $1 and identity_id = $2`, id, t.identityID); err != nil {
			return err
		}
	}
	return nil
}

func (t *identityTx) Insert(ctx context.Context, rec session.Record) error {
	if rec.IdentityID != t.identityID {
		return fmt.Errorf("%w: session belongs to another identity", auth.ErrInvalidInput)
	}
	perms, err := json.Marshal(rec.Permissions)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		insert into user_sessions(`+sessionColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, rec.ID, rec.TokenHash, rec.IdentityID, rec.Email, rec.DisplayName, string(rec.AccessLevel), perms,
		nullIfEmpty(rec.ClientIP), nullIfEmpty(rec.UserAgent), rec.CreatedAt, rec.LastActivity, rec.ExpiresAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return fmt.Errorf("%w: duplicate session token", auth.ErrInvalidInput)
		}
		return err
	}
	return nil
}
