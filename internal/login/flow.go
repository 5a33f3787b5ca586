// Package login runs the OAuth2 authorization-code login against the
// directory and turns a successful callback into a portal session.
package login

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"ocsportal.org/internal/auth"
	"ocsportal.org/internal/directory"
	"ocsportal.org/internal/obs"
	"ocsportal.org/internal/session"
)

// StateTTL bounds how long a login may take between redirect and callback.
const StateTTL = 10 * time.Minute

var (
	// ErrCallbackRejected is wrapped by every callback the client caused to fail.
	ErrCallbackRejected = errors.New("login: callback rejected")
	ErrIdPError         = fmt.Errorf("%w: identity provider returned an error", ErrCallbackRejected)
	ErrStateMismatch    = fmt.Errorf("%w: state mismatch", ErrCallbackRejected)
	ErrMissingCode      = fmt.Errorf("%w: missing authorization code", ErrCallbackRejected)
)

// Directory is the subset of the directory client the flow needs.
type Directory interface {
	AuthCodeURL(state, verifier string) string
	ExchangeCode(ctx context.Context, code, verifier string) (directory.AccessToken, error)
	FetchProfile(ctx context.Context, tok directory.AccessToken) (directory.Profile, error)
	FetchGroups(ctx context.Context, tok directory.AccessToken) ([]auth.GroupMembership, error)
}

type PermissionResolver interface {
	ResolveFor(ctx context.Context, memberships []auth.GroupMembership, attr auth.SpecialAttribute) (auth.EffectivePermissions, error)
}

type SessionCreator interface {
	Create(ctx context.Context, identity auth.Identity, perms auth.EffectivePermissions, meta session.ClientMeta) (string, error)
}

// State is kept in the oauth_state cookie between Begin and Complete.
type State struct {
	Value     string `json:"state"`
	Verifier  string `json:"code_verifier"`
	Next      string `json:"next"`
	ExpiresAt int64  `json:"expires_at"`
}

// Encode returns the cookie value.
func (s State) Encode() (string, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// DecodeState parses a cookie value produced by Encode.
func DecodeState(encoded string) (State, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return State{}, err
	}
	var out State
	if err := json.Unmarshal(raw, &out); err != nil {
		return State{}, err
	}
	if out.Value == "" || out.Verifier == "" {
		return State{}, errors.New("incomplete state payload")
	}
	return out, nil
}

// Callback carries the IdP query parameters.
type Callback struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// Result is a completed login.
type Result struct {
	Token     string
	Principal auth.Principal
	Next      string
}

// Flow is safe for concurrent use.
type Flow struct {
	dir      Directory
	resolver PermissionResolver
	sessions SessionCreator
	logger   *zap.Logger
	now      func() time.Time
}

type Option func(*Flow)

func WithLogger(l *zap.Logger) Option {
	return func(f *Flow) {
		if l != nil {
			f.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(f *Flow) {
		if now != nil {
			f.now = now
		}
	}
}

func NewFlow(dir Directory, resolver PermissionResolver, sessions SessionCreator, opts ...Option) *Flow {
	f := &Flow{
		dir:      dir,
		resolver: resolver,
		sessions: sessions,
		logger:   obs.Logger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.Named("login")
	return f
}

// Begin creates the anti-forgery state and returns the IdP redirect URL.
func (f *Flow) Begin(next string) (string, State, error) {
	value, err := uuid.NewRandom()
	if err != nil {
		return "", State{}, fmt.Errorf("generate state: %w", err)
	}
	st := State{
		Value:     value.String(),
		Verifier:  oauth2.GenerateVerifier(),
		Next:      SanitizeNext(next),
		ExpiresAt: f.now().Add(StateTTL).Unix(),
	}
	return f.dir.AuthCodeURL(st.Value, st.Verifier), st, nil
}

// Complete validates the callback against stored state, exchanges the code,
// reads the directory profile and groups concurrently, resolves permissions
// and opens a session. No session is created on any directory failure.
func (f *Flow) Complete(ctx context.Context, stored State, cb Callback, meta session.ClientMeta) (Result, error) {
	if cb.Error != "" {
		f.logger.Info("identity provider error", zap.String("error", cb.Error), zap.String("description", cb.ErrorDescription))
		obs.LoginsTotal.WithLabelValues("idp_error").Inc()
		return Result{}, fmt.Errorf("%w: %s", ErrIdPError, cb.Error)
	}
	if stored.Value == "" || f.now().Unix() > stored.ExpiresAt ||
		subtle.ConstantTimeCompare([]byte(cb.State), []byte(stored.Value)) != 1 {
		obs.LoginsTotal.WithLabelValues("state_mismatch").Inc()
		return Result{}, ErrStateMismatch
	}
	if strings.TrimSpace(cb.Code) == "" {
		obs.LoginsTotal.WithLabelValues("state_mismatch").Inc()
		return Result{}, ErrMissingCode
	}

	tok, err := f.dir.ExchangeCode(ctx, cb.Code, stored.Verifier)
	if err != nil {
		obs.LoginsTotal.WithLabelValues("exchange_failed").Inc()
		return Result{}, err
	}

	var (
		profile directory.Profile
		groups  []auth.GroupMembership
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		profile, err = f.dir.FetchProfile(gctx, tok)
		return err
	})
	g.Go(func() error {
		var err error
		groups, err = f.dir.FetchGroups(gctx, tok)
		return err
	})
	if err := g.Wait(); err != nil {
		obs.LoginsTotal.WithLabelValues("directory_failed").Inc()
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	perms, err := f.resolver.ResolveFor(ctx, groups, profile.Attribute)
	if err != nil {
		f.logger.Error("permission resolution failed, continuing with no access",
			zap.Error(err), zap.String("user_id", profile.Identity.ID))
	}

	token, err := f.sessions.Create(ctx, profile.Identity, perms, meta)
	if err != nil {
		obs.LoginsTotal.WithLabelValues("session_failed").Inc()
		return Result{}, fmt.Errorf("create session: %w", err)
	}
	obs.LoginsTotal.WithLabelValues("success").Inc()
	f.logger.Info("login succeeded",
		zap.String("user_id", profile.Identity.ID),
		zap.String("access_level", string(perms.AccessLevel)),
		zap.Strings("matched_groups", perms.MatchedGrants),
	)
	return Result{
		Token:     token,
		Principal: auth.Principal{Identity: profile.Identity, Permissions: perms},
		Next:      SanitizeNext(stored.Next),
	}, nil
}

// SanitizeNext keeps only local absolute paths so the post-login redirect
// cannot leave the portal.
func SanitizeNext(next string) string {
	next = strings.TrimSpace(next)
	if next == "" || !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") || strings.ContainsAny(next, "\\\r\n") {
		return "/"
	}
	u, err := url.Parse(next)
	if err != nil || u.IsAbs() || u.Host != "" {
		return "/"
	}
	return next
}
