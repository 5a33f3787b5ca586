package httpapi

import (
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"ocsportal.org/internal/audit"
	"ocsportal.org/internal/auth"
	"ocsportal.org/internal/session"
)

const (
	SessionCookie = "session_token"
	StateCookie   = "oauth_state"

	authHeader = "Authorization"
	bearer     = "Bearer "
	loginPath  = "/auth/login"
)

// publicPrefixes match the path itself or anything below it.
var publicPrefixes = []string{
	"/auth/login",
	"/auth/callback",
	"/auth/logout",
	"/auth/status",
	"/auth/user",
	"/static",
	"/healthz",
	"/readyz",
	"/metrics",
}

// withAuth validates the session token on every protected path and attaches
// the principal. On public paths a valid token is attached when present and
// failures are ignored.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		token := sessionToken(r)

		if isPublicPath(r.URL.Path) {
			if token != "" && a.sessions != nil {
				if p, err := a.sessions.Validate(r.Context(), token); err == nil {
					r = withPrincipal(r, p, token)
				}
			}
			next.ServeHTTP(w, r)
			return
		}

		if token == "" || a.sessions == nil {
			a.unauthenticated(w, r, false)
			return
		}
		p, err := a.sessions.Validate(r.Context(), token)
		if err != nil {
			if auth.IsSessionError(err) {
				a.unauthenticated(w, r, true)
				return
			}
			a.logger.Error("session validation failed", zap.Error(err),
				zap.String("request_id", RequestIDFromContext(r.Context())))
			writeError(w, r, http.StatusInternalServerError, "authentication error")
			return
		}
		next.ServeHTTP(w, withPrincipal(r, p, token))
	})
}

func withPrincipal(r *http.Request, p auth.Principal, token string) *http.Request {
	ctx := auth.ContextWithPrincipal(r.Context(), p)
	ctx = auth.ContextWithSessionToken(ctx, token)
	return r.WithContext(ctx)
}

// unauthenticated sends browsers to the login page and API clients a 401.
func (a *API) unauthenticated(w http.ResponseWriter, r *http.Request, clearCookie bool) {
	if clearCookie {
		a.clearCookie(w, SessionCookie, "/")
	}
	if wantsHTML(r) {
		http.Redirect(w, r, loginPath+"?next="+url.QueryEscape(r.URL.RequestURI()), http.StatusFound)
		return
	}
	w.Header().Set("WWW-Authenticate", `Bearer realm="ocs-portal"`)
	writeError(w, r, http.StatusUnauthorized, "authentication required")
}

// RequirePermission admits callers holding at least min on resource.
// Portal admins always pass.
func (a *API) RequirePermission(resource auth.Resource, min auth.ResourceAccess) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := auth.PrincipalFromContext(r.Context())
			if !ok {
				a.unauthenticated(w, r, false)
				return
			}
			if !p.Permissions.Allows(resource, min) {
				a.forbidden(w, r, p, map[string]any{"resource": string(resource), "required": string(min)})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireAccessLevel admits callers whose access level is at least min.
func (a *API) RequireAccessLevel(min auth.AccessLevel) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := auth.PrincipalFromContext(r.Context())
			if !ok {
				a.unauthenticated(w, r, false)
				return
			}
			if !p.Permissions.AccessLevel.AtLeast(min) {
				a.forbidden(w, r, p, map[string]any{"required_level": string(min)})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// forbidden audits the denial and answers with a body that does not reveal
// what was missing.
func (a *API) forbidden(w http.ResponseWriter, r *http.Request, p auth.Principal, details map[string]any) {
	details["method"] = r.Method
	details["access_level"] = string(p.Permissions.AccessLevel)
	a.record(r, audit.Entry{
		ActorID:      p.Identity.ID,
		Action:       audit.ActionPermissionDenied,
		ResourceType: "endpoint",
		ResourceID:   r.URL.Path,
		Details:      details,
	})
	writeError(w, r, http.StatusForbidden, "forbidden")
}

func (a *API) record(r *http.Request, e audit.Entry) {
	if a.auditor == nil {
		return
	}
	meta := clientMeta(r)
	e.ClientIP = meta.IP
	e.UserAgent = meta.UserAgent
	a.auditor.Record(r.Context(), e)
}

func clientMeta(r *http.Request) session.ClientMeta {
	return session.ClientMeta{IP: clientIP(r), UserAgent: r.UserAgent()}
}

// sessionToken reads the session cookie and falls back to a bearer header.
func sessionToken(r *http.Request) string {
	if c, err := r.Cookie(SessionCookie); err == nil {
		if v := strings.TrimSpace(c.Value); v != "" {
			return v
		}
	}
	return extractBearerToken(r.Header.Get(authHeader))
}

func extractBearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return ""
	}
	return strings.TrimSpace(header[len(bearer):])
}

func wantsHTML(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

func isPublicPath(path string) bool {
	if path == "/" {
		return true
	}
	for _, prefix := range publicPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return true
		}
	}
	return false
}
