package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"ocsportal.org/internal/auth"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func requestAs(perms *auth.EffectivePermissions) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/tickets/new", nil)
	if perms != nil {
		req = req.WithContext(auth.ContextWithPrincipal(req.Context(), auth.Principal{
			Identity:    auth.Identity{ID: "user-1"},
			Permissions: *perms,
		}))
	}
	return req
}

func TestRequirePermission(t *testing.T) {
	api := New(Options{Logger: zap.NewNop()})
	handler := api.RequirePermission(auth.ResourceTickets, auth.ResourceWrite)(okHandler())

	reader := auth.NoPermissions()
	reader.AccessLevel = auth.AccessStaff
	reader.Tickets = auth.ResourceRead

	writer := reader
	writer.Tickets = auth.ResourceWrite

	admin := auth.NoPermissions()
	admin.AccessLevel = auth.AccessAdmin

	cases := []struct {
		name  string
		perms *auth.EffectivePermissions
		want  int
	}{
		{"no principal", nil, http.StatusUnauthorized},
		{"read only", &reader, http.StatusForbidden},
		{"writer", &writer, http.StatusOK},
		{"admin override", &admin, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, requestAs(tc.perms))
			if rr.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rr.Code)
			}
		})
	}
}

func TestRequireAccessLevel(t *testing.T) {
	api := New(Options{Logger: zap.NewNop()})
	handler := api.RequireAccessLevel(auth.AccessAdmin)(okHandler())

	staff := auth.NoPermissions()
	staff.AccessLevel = auth.AccessStaff
	staff.Tickets = auth.ResourceAdmin
	super := auth.NoPermissions()
	super.AccessLevel = auth.AccessSuperAdmin

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, requestAs(&staff))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("staff: expected 403, got %d", rr.Code)
	}
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, requestAs(&super))
	if rr.Code != http.StatusOK {
		t.Fatalf("super_admin: expected 200, got %d", rr.Code)
	}
}

func TestIsPublicPath(t *testing.T) {
	cases := map[string]bool{
		"/":               true,
		"/auth/login":     true,
		"/auth/callback":  true,
		"/static/app.css": true,
		"/healthz":        true,
		"/metrics":        true,
		"/auth/sessions":  false,
		"/auth/audit":     false,
		"/auth/loginx":    false,
		"/tickets":        false,
		"/staticfiles":    false,
	}
	for path, want := range cases {
		if got := isPublicPath(path); got != want {
			t.Fatalf("isPublicPath(%q) = %v, want %v", path, got, want)
		}
	}
}

func TestSessionTokenSources(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if got := sessionToken(req); got != "" {
		t.Fatalf("expected no token, got %q", got)
	}
	req.Header.Set("Authorization", "Bearer from-header")
	if got := sessionToken(req); got != "from-header" {
		t.Fatalf("expected bearer token, got %q", got)
	}
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: "from-cookie"})
	if got := sessionToken(req); got != "from-cookie" {
		t.Fatalf("cookie takes precedence, got %q", got)
	}
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Basic Zm9vOmJhcg==")
	if got := sessionToken(req); got != "" {
		t.Fatalf("non-bearer scheme must be ignored, got %q", got)
	}
}
