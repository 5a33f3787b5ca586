package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"ocsportal.org/internal/audit"
	"ocsportal.org/internal/auth"
	"ocsportal.org/internal/login"
	"ocsportal.org/internal/obs"
	"ocsportal.org/internal/session"
)

const serviceName = "ocs-portal-auth"

// ReadyProbe pings the database for /readyz.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// SessionManager is the session store as seen by the HTTP layer.
type SessionManager interface {
	Validate(ctx context.Context, token string) (auth.Principal, error)
	Invalidate(ctx context.Context, token string, meta session.ClientMeta) error
	InvalidateAll(ctx context.Context, identityID, actorID string, meta session.ClientMeta) (int64, error)
	List(ctx context.Context, identityID string) ([]session.Record, error)
}

// LoginFlow runs the authorization-code login.
type LoginFlow interface {
	Begin(next string) (string, login.State, error)
	Complete(ctx context.Context, stored login.State, cb login.Callback, meta session.ClientMeta) (login.Result, error)
}

// Auditor records security events.
type Auditor interface {
	Record(ctx context.Context, e audit.Entry)
}

// Options wires the API. Nil collaborators disable the routes that need them.
type Options struct {
	Sessions SessionManager
	Login    LoginFlow
	Grants   auth.GrantCatalog
	AuditLog audit.Reader
	Auditor  Auditor
	Ready    ReadyProbe
	Logger   *zap.Logger
	Version  string

	SecureCookies bool

	// SessionTTL sets the session cookie Max-Age.
	SessionTTL time.Duration

	RateLimiting bool
	RateBurst    int
	RatePerSec   int

	// TrustedProxies are the peers allowed to set X-Forwarded-For.
	TrustedProxies []netip.Prefix
}

// API is the HTTP layer.
type API struct {
	mux      *http.ServeMux
	sessions SessionManager
	login    LoginFlow
	grants   auth.GrantCatalog
	auditLog audit.Reader
	auditor  Auditor
	ready    ReadyProbe
	logger   *zap.Logger
	version  string

	secureCookies  bool
	sessionTTL     time.Duration
	limiter        *ipLimiter
	trustedProxies []netip.Prefix
}

func New(opts Options) *API {
	logger := opts.Logger
	if logger == nil {
		logger = obs.Logger()
	}
	a := &API{
		mux:            http.NewServeMux(),
		sessions:       opts.Sessions,
		login:          opts.Login,
		grants:         opts.Grants,
		auditLog:       opts.AuditLog,
		auditor:        opts.Auditor,
		ready:          opts.Ready,
		logger:         logger.Named("http"),
		version:        opts.Version,
		secureCookies:  opts.SecureCookies,
		sessionTTL:     opts.SessionTTL,
		trustedProxies: opts.TrustedProxies,
	}
	if a.sessionTTL <= 0 {
		a.sessionTTL = 8 * time.Hour
	}
	if opts.RateLimiting {
		burst, perSec := opts.RateBurst, opts.RatePerSec
		if burst <= 0 {
			burst = 20
		}
		if perSec <= 0 {
			perSec = 5
		}
		a.limiter = newIPLimiter(burst, perSec)
	}

	// health/ready/metrics
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.Handle("/metrics", obs.Handler())

	// login flow and session introspection
	a.authRoute("/auth/login", http.HandlerFunc(a.handleLogin))
	a.authRoute("/auth/callback", http.HandlerFunc(a.handleCallback))
	a.authRoute("/auth/logout", http.HandlerFunc(a.handleLogout))
	a.authRoute("/auth/status", http.HandlerFunc(a.handleStatus))
	a.authRoute("/auth/user", http.HandlerFunc(a.handleUser))
	a.authRoute("/auth/sessions", http.HandlerFunc(a.handleSessions))

	// administration
	a.authRoute("/auth/sessions/revoke", a.RequireAccessLevel(auth.AccessSuperAdmin)(http.HandlerFunc(a.handleRevoke)))
	a.authRoute("/auth/audit", a.RequireAccessLevel(auth.AccessAdmin)(http.HandlerFunc(a.handleAudit)))
	a.authRoute("/auth/grants", a.RequireAccessLevel(auth.AccessAdmin)(http.HandlerFunc(a.handleGrants)))

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			writeError(w, r, http.StatusNotFound, "not found")
			return
		}
		a.Info(w, r)
	})
	return a
}

func (a *API) authRoute(pattern string, h http.Handler) {
	if a.limiter != nil {
		h = a.limiter.wrap(h)
	}
	a.mux.Handle(pattern, h)
}

// Handler returns the fully wrapped server handler.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, 1<<20)
	h = SecurityHeaders(h)
	h = LoggingJSON(h, a.logger)
	h = ClientAddr(h, a.trustedProxies)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.ready.Check(ctx); err != nil {
		a.logger.Warn("readiness check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func parseBoundedInt(name, raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New(name + " must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New(name + " must be between " + strconv.Itoa(min) + " and " + strconv.Itoa(max))
	}
	return val, nil
}

func parseTime(name, raw string) (time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, errors.New(name + " must be an RFC 3339 timestamp")
	}
	return t, nil
}
