package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"reflect"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"ocsportal.org/internal/audit"
	"ocsportal.org/internal/auth"
	"ocsportal.org/internal/session"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

var sessionCols = []string{"id", "token_hash", "identity_id", "email", "display_name", "access_level", "permissions",
	"ip_address", "user_agent", "created_at", "last_activity", "expires_at"}

func permsJSON(t *testing.T, p auth.EffectivePermissions) []byte {
	t.Helper()
	b, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestListGrants(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{"id", "name", "group_id", "group_name", "attribute_name", "attribute_value",
		"access_level", "tickets_access", "inventory_access", "purchasing_access", "forms_access",
		"allowed_departments", "created_at", "updated_at"}).
		AddRow(1, "Technology Department", nil, "Technology Department", nil, nil,
			"super_admin", "admin", "admin", "admin", "admin", []byte(`["technology"]`), now, now).
		AddRow(2, "Director of Schools", nil, nil, "extensionAttribute10", "Director of Schools",
			"admin", "admin", "read", "admin", "admin", []byte(`[]`), now, now)
	mock.ExpectQuery("from group_roles").WillReturnRows(rows)

	grants, err := s.ListGrants(context.Background())
	if err != nil {
		t.Fatalf("ListGrants: %v", err)
	}
	if len(grants) != 2 {
		t.Fatalf("expected 2 grants, got %d", len(grants))
	}
	if grants[0].GroupName != "Technology Department" || grants[0].AccessLevel != auth.AccessSuperAdmin {
		t.Fatalf("unexpected first grant: %+v", grants[0])
	}
	if !reflect.DeepEqual(grants[0].AllowedDepartments, []string{"technology"}) {
		t.Fatalf("departments not decoded: %v", grants[0].AllowedDepartments)
	}
	if grants[1].AttributeName != "extensionAttribute10" || grants[1].GroupName != "" {
		t.Fatalf("unexpected attribute grant: %+v", grants[1])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpsertGrantMapsCheckViolation(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("insert into group_roles").WillReturnError(&pgconn.PgError{Code: pgErrCheckViolation})

	err := s.UpsertGrant(context.Background(), auth.Grant{Name: "Orphan"})
	if !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestFindByTokenHash(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now().UTC()
	perms := auth.NoPermissions()
	perms.AccessLevel = auth.AccessStaff

	mock.ExpectQuery(regexp.QuoteMeta("from user_sessions where token_hash = $1")).WithArgs("h1").
		WillReturnRows(sqlmock.NewRows(sessionCols).AddRow("s1", "h1", "u1", "u1@ocs.example", "U One", "staff",
			permsJSON(t, perms), "10.0.0.1", nil, now, now, now.Add(time.Hour)))
	mock.ExpectQuery(regexp.QuoteMeta("from user_sessions where token_hash = $1")).WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	rec, err := s.FindByTokenHash(context.Background(), "h1")
	if err != nil {
		t.Fatalf("FindByTokenHash: %v", err)
	}
	if rec.IdentityID != "u1" || rec.AccessLevel != auth.AccessStaff || rec.ClientIP != "10.0.0.1" || rec.UserAgent != "" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if !reflect.DeepEqual(rec.Permissions, perms) {
		t.Fatalf("permissions not decoded: %+v", rec.Permissions)
	}

	if _, err := s.FindByTokenHash(context.Background(), "missing"); !errors.Is(err, auth.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestWithIdentityEvictsInsideLockedTransaction(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now().UTC()
	perms := permsJSON(t, auth.NoPermissions())

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("select pg_advisory_xact_lock(hashtext($1))")).WithArgs("u1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("delete from user_sessions where identity_id = \\$1 and expires_at <= \\$2").WithArgs("u1", now).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("where identity_id = \\$1 and expires_at > \\$2").WithArgs("u1", now).
		WillReturnRows(sqlmock.NewRows(sessionCols).
			AddRow("s1", "h1", "u1", "", "", "staff", perms, nil, nil, now.Add(-3*time.Minute), now, now.Add(time.Hour)).
			AddRow("s2", "h2", "u1", "", "", "staff", perms, nil, nil, now.Add(-2*time.Minute), now, now.Add(time.Hour)).
			AddRow("s3", "h3", "u1", "", "", "staff", perms, nil, nil, now.Add(-time.Minute), now, now.Add(time.Hour)))
	mock.ExpectExec("delete from user_sessions where id = \\$1").WithArgs("s1", "u1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into user_sessions").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.WithIdentity(context.Background(), "u1", func(tx session.IdentityTx) error {
		if _, err := tx.DeleteExpired(context.Background(), now); err != nil {
			return err
		}
		live, err := tx.ListLive(context.Background(), now)
		if err != nil {
			return err
		}
		if len(live) != 3 || live[0].ID != "s1" {
			t.Fatalf("unexpected live sessions: %+v", live)
		}
		if err := tx.Delete(context.Background(), []string{live[0].ID}); err != nil {
			return err
		}
		return tx.Insert(context.Background(), session.Record{
			ID: "s4", TokenHash: "h4", IdentityID: "u1", Permissions: auth.NoPermissions(),
			CreatedAt: now, LastActivity: now, ExpiresAt: now.Add(time.Hour),
		})
	})
	if err != nil {
		t.Fatalf("WithIdentity: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestWithIdentityRollsBackOnError(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	boom := errors.New("boom")
	if err := s.WithIdentity(context.Background(), "u1", func(session.IdentityTx) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSessionMaintenance(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now().UTC()

	mock.ExpectExec(regexp.QuoteMeta("set last_activity = greatest(last_activity, $2)")).WithArgs("h1", now).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("delete from user_sessions where token_hash = $1")).WithArgs("h1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("delete from user_sessions where token_hash = $1")).WithArgs("h1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("delete from user_sessions where expires_at <= $1")).WithArgs(now).WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectExec(regexp.QuoteMeta("delete from user_sessions where identity_id = $1")).WithArgs("u1").WillReturnResult(sqlmock.NewResult(0, 2))

	ctx := context.Background()
	if err := s.Touch(ctx, "h1", now); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	if found, err := s.DeleteByTokenHash(ctx, "h1"); err != nil || !found {
		t.Fatalf("DeleteByTokenHash: %v %v", found, err)
	}
	if found, err := s.DeleteByTokenHash(ctx, "h1"); err != nil || found {
		t.Fatalf("second delete should find nothing: %v %v", found, err)
	}
	if n, err := s.DeleteExpired(ctx, now); err != nil || n != 4 {
		t.Fatalf("DeleteExpired: %d %v", n, err)
	}
	if n, err := s.DeleteByIdentity(ctx, "u1"); err != nil || n != 2 {
		t.Fatalf("DeleteByIdentity: %d %v", n, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAuditAppendAndQuery(t *testing.T) {
	s, mock := newMock(t)
	at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	mock.ExpectExec("insert into audit_log").
		WithArgs("u1", audit.ActionLogin, audit.ResourceSession, sqlmock.AnyArg(), []byte(`{"access_level":"staff"}`), sqlmock.AnyArg(), sqlmock.AnyArg(), at).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := s.Append(context.Background(), audit.Entry{
		ActorID: "u1", Action: audit.ActionLogin, ResourceType: audit.ResourceSession,
		Details: map[string]any{"access_level": "staff"}, OccurredAt: at,
	}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	mock.ExpectQuery(regexp.QuoteMeta("from audit_log where user_id = $1 and action = $2 order by timestamp desc, id desc limit $3 offset $4")).
		WithArgs("u1", audit.ActionLogin, 10, 0).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "action", "resource_type", "resource_id", "details", "ip_address", "user_agent", "timestamp"}).
			AddRow(7, "u1", audit.ActionLogin, audit.ResourceSession, "s1", []byte(`{"access_level":"staff"}`), "10.0.0.1", nil, at))

	got, err := s.Query(context.Background(), audit.Filter{ActorID: "u1", Action: audit.ActionLogin, Limit: 10})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 1 || got[0].ID != 7 || got[0].Details["access_level"] != "staff" || got[0].ResourceID != "s1" {
		t.Fatalf("unexpected entries: %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
