package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"ocsportal.org/internal/auth"
)

// Record is one persisted session. The raw token is never stored.
type Record struct {
	ID           string
	TokenHash    string
	IdentityID   string
	Email        string
	DisplayName  string
	AccessLevel  auth.AccessLevel
	Permissions  auth.EffectivePermissions
	ClientIP     string
	UserAgent    string
	CreatedAt    time.Time
	LastActivity time.Time
	ExpiresAt    time.Time
}

// Live reports whether the record is unexpired at now.
func (r Record) Live(now time.Time) bool {
	return now.Before(r.ExpiresAt)
}

// Repository persists sessions.
type Repository interface {
	// WithIdentity runs fn as one atomic unit serialized against every other
	// unit for the same identity.
	WithIdentity(ctx context.Context, identityID string, fn func(IdentityTx) error) error
	// FindByTokenHash returns auth.ErrSessionNotFound when no row exists.
	FindByTokenHash(ctx context.Context, tokenHash string) (Record, error)
	// Touch moves last_activity forward to at. It never moves it back.
	Touch(ctx context.Context, tokenHash string, at time.Time) error
	DeleteByTokenHash(ctx context.Context, tokenHash string) (bool, error)
	DeleteByIdentity(ctx context.Context, identityID string) (int64, error)
	ListByIdentity(ctx context.Context, identityID string, now time.Time) ([]Record, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// IdentityTx is the view of one identity's sessions inside WithIdentity.
type IdentityTx interface {
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
	// ListLive returns unexpired sessions oldest first.
	ListLive(ctx context.Context, now time.Time) ([]Record, error)
	Delete(ctx context.Context, ids []string) error
	Insert(ctx context.Context, rec Record) error
}

// HashToken returns the hex SHA-256 digest under which a token is stored.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
