package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"ocsportal.org/internal/audit"
	"ocsportal.org/internal/auth"
	"ocsportal.org/internal/ids"
	"ocsportal.org/internal/obs"
)

const (
	defaultLifetime    = 8 * time.Hour
	defaultMaxSessions = 3

	unknownActor = "unknown"
)

// Auditor receives session lifecycle entries.
type Auditor interface {
	Record(ctx context.Context, e audit.Entry)
}

// ClientMeta describes the client a session was opened or closed from.
type ClientMeta struct {
	IP        string
	UserAgent string
}

// Service issues, validates and revokes session tokens.
type Service struct {
	repo        Repository
	codec       *auth.TokenCodec
	auditor     Auditor
	logger      *zap.Logger
	now         func() time.Time
	lifetime    time.Duration
	idleTimeout time.Duration
	maxSessions int
}

// Option configures a Service.
type Option func(*Service) error

// WithLifetime sets how long a token and its row stay valid.
func WithLifetime(d time.Duration) Option {
	return func(s *Service) error {
		if d <= 0 {
			return errors.New("session: lifetime must be positive")
		}
		s.lifetime = d
		return nil
	}
}

// WithIdleTimeout expires sessions with no activity for d. Zero disables it.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Service) error {
		if d < 0 {
			return errors.New("session: idle timeout must not be negative")
		}
		s.idleTimeout = d
		return nil
	}
}

// WithMaxSessions caps concurrent sessions per identity.
func WithMaxSessions(n int) Option {
	return func(s *Service) error {
		if n < 1 {
			return errors.New("session: max sessions must be at least 1")
		}
		s.maxSessions = n
		return nil
	}
}

func WithAuditor(a Auditor) Option {
	return func(s *Service) error {
		s.auditor = a
		return nil
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) error {
		if l != nil {
			s.logger = l
		}
		return nil
	}
}

// WithClock overrides time.Now. The codec should share the same clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) error {
		if now != nil {
			s.now = now
		}
		return nil
	}
}

// NewService wires a repository and token codec.
func NewService(repo Repository, codec *auth.TokenCodec, opts ...Option) (*Service, error) {
	if repo == nil || codec == nil {
		return nil, errors.New("session: repository and codec are required")
	}
	s := &Service{
		repo:        repo,
		codec:       codec,
		logger:      obs.Logger(),
		now:         time.Now,
		lifetime:    defaultLifetime,
		maxSessions: defaultMaxSessions,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Create mints a token for identity and persists its session. Expired rows
// for the identity are purged and the oldest live ones evicted so that at
// most maxSessions remain, all inside one per-identity unit of work.
func (s *Service) Create(ctx context.Context, identity auth.Identity, perms auth.EffectivePermissions, meta ClientMeta) (string, error) {
	identity.ID = strings.TrimSpace(identity.ID)
	if identity.ID == "" {
		return "", fmt.Errorf("%w: identity id is required", auth.ErrInvalidInput)
	}

	now := s.now().UTC()
	expiresAt := now.Add(s.lifetime)
	token, err := s.codec.Mint(auth.NewClaims(identity, perms, now, expiresAt, ids.NewAt(now)))
	if err != nil {
		return "", err
	}

	rec := Record{
		ID:           ids.NewAt(now),
		TokenHash:    HashToken(token),
		IdentityID:   identity.ID,
		Email:        identity.Email,
		DisplayName:  identity.DisplayName,
		AccessLevel:  perms.AccessLevel,
		Permissions:  perms,
		ClientIP:     meta.IP,
		UserAgent:    meta.UserAgent,
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    expiresAt,
	}

	var evicted int
	err = s.repo.WithIdentity(ctx, identity.ID, func(tx IdentityTx) error {
		if _, err := tx.DeleteExpired(ctx, now); err != nil {
			return fmt.Errorf("purge expired sessions: %w", err)
		}
		live, err := tx.ListLive(ctx, now)
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}
		if surplus := len(live) - (s.maxSessions - 1); surplus > 0 {
			victims := make([]string, 0, surplus)
			for _, r := range live[:surplus] {
				victims = append(victims, r.ID)
			}
			if err := tx.Delete(ctx, victims); err != nil {
				return fmt.Errorf("evict sessions: %w", err)
			}
			evicted = surplus
		}
		if err := tx.Insert(ctx, rec); err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if evicted > 0 {
		obs.SessionsEvictedTotal.Add(float64(evicted))
	}

	s.record(ctx, audit.Entry{
		ActorID:      identity.ID,
		Action:       audit.ActionLogin,
		ResourceType: audit.ResourceSession,
		ResourceID:   rec.ID,
		Details: map[string]any{
			"login_method":   "azure_ad",
			"access_level":   string(perms.AccessLevel),
			"matched_groups": perms.MatchedGrants,
			"evicted":        evicted,
		},
		ClientIP:  meta.IP,
		UserAgent: meta.UserAgent,
	})
	return token, nil
}

// Validate verifies token and its session row and returns the principal
// embedded in the token. Verification failures wrap auth.ErrTokenInvalid;
// missing, expired or idle sessions return auth.ErrSessionNotFound.
func (s *Service) Validate(ctx context.Context, token string) (auth.Principal, error) {
	claims, err := s.codec.Verify(token)
	if err != nil {
		obs.SessionValidationsTotal.WithLabelValues("invalid_token").Inc()
		return auth.Principal{}, err
	}

	hash := HashToken(token)
	rec, err := s.repo.FindByTokenHash(ctx, hash)
	if err != nil {
		if errors.Is(err, auth.ErrSessionNotFound) {
			obs.SessionValidationsTotal.WithLabelValues("not_found").Inc()
			return auth.Principal{}, auth.ErrSessionNotFound
		}
		obs.SessionValidationsTotal.WithLabelValues("error").Inc()
		return auth.Principal{}, fmt.Errorf("load session: %w", err)
	}

	now := s.now().UTC()
	if !rec.Live(now) {
		obs.SessionValidationsTotal.WithLabelValues("expired").Inc()
		return auth.Principal{}, auth.ErrSessionNotFound
	}
	if s.idleTimeout > 0 && now.Sub(rec.LastActivity) > s.idleTimeout {
		obs.SessionValidationsTotal.WithLabelValues("idle").Inc()
		return auth.Principal{}, auth.ErrSessionNotFound
	}

	if err := s.repo.Touch(ctx, hash, now); err != nil {
		s.logger.Warn("session activity update failed", zap.Error(err), zap.String("session_id", rec.ID))
	}
	obs.SessionValidationsTotal.WithLabelValues("ok").Inc()
	return auth.Principal{Identity: claims.Identity(), Permissions: claims.Permissions}, nil
}

// Invalidate deletes the session for token and always audits the logout.
// Unverifiable tokens are attributed to "unknown".
func (s *Service) Invalidate(ctx context.Context, token string, meta ClientMeta) error {
	actor := unknownActor
	if token != "" {
		if claims, err := s.codec.Inspect(token); err == nil {
			actor = claims.Subject
		}
	}

	var (
		found bool
		err   error
	)
	if token != "" {
		found, err = s.repo.DeleteByTokenHash(ctx, HashToken(token))
	}

	s.record(ctx, audit.Entry{
		ActorID:      actor,
		Action:       audit.ActionLogout,
		ResourceType: audit.ResourceSession,
		Details:      map[string]any{"session_found": found},
		ClientIP:     meta.IP,
		UserAgent:    meta.UserAgent,
	})
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// InvalidateAll revokes every session of identityID on behalf of actorID.
func (s *Service) InvalidateAll(ctx context.Context, identityID, actorID string, meta ClientMeta) (int64, error) {
	identityID = strings.TrimSpace(identityID)
	if identityID == "" {
		return 0, fmt.Errorf("%w: identity id is required", auth.ErrInvalidInput)
	}
	n, err := s.repo.DeleteByIdentity(ctx, identityID)
	if err != nil {
		return 0, fmt.Errorf("revoke sessions: %w", err)
	}
	s.record(ctx, audit.Entry{
		ActorID:      actorID,
		Action:       audit.ActionLogoutAll,
		ResourceType: audit.ResourceSession,
		ResourceID:   identityID,
		Details:      map[string]any{"revoked": n},
		ClientIP:     meta.IP,
		UserAgent:    meta.UserAgent,
	})
	return n, nil
}

// List returns the live sessions of identityID oldest first.
func (s *Service) List(ctx context.Context, identityID string) ([]Record, error) {
	return s.repo.ListByIdentity(ctx, identityID, s.now().UTC())
}

// Sweep removes every expired session.
func (s *Service) Sweep(ctx context.Context) (int64, error) {
	n, err := s.repo.DeleteExpired(ctx, s.now().UTC())
	if err != nil {
		return 0, err
	}
	obs.SessionsSweptTotal.Add(float64(n))
	return n, nil
}

func (s *Service) record(ctx context.Context, e audit.Entry) {
	if s.auditor == nil {
		return
	}
	s.auditor.Record(ctx, e)
}
