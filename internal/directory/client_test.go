package directory

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"ocsportal.org/internal/auth"
)

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := New(Config{
		TenantID:         "tenant-1",
		ClientID:         "client-1",
		ClientSecret:     "secret-1",
		RedirectURL:      "http://localhost:8003/auth/callback",
		AuthorityURL:     srv.URL,
		GraphBaseURL:     srv.URL,
		SpecialAttribute: "extensionAttribute10",
		Timeout:          2 * time.Second,
		RetryInterval:    time.Millisecond,
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestAuthCodeURL(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	c := newTestClient(t, srv)

	raw := c.AuthCodeURL("state-123", "verifier-abcdefghijklmnopqrstuvwxyz0123456789")
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if u.Path != "/tenant-1/oauth2/v2.0/authorize" {
		t.Fatalf("unexpected authorize path %s", u.Path)
	}
	q := u.Query()
	if q.Get("state") != "state-123" || q.Get("client_id") != "client-1" || q.Get("response_type") != "code" {
		t.Fatalf("unexpected query %v", q)
	}
	if q.Get("code_challenge_method") != "S256" || q.Get("code_challenge") == "" {
		t.Fatalf("expected PKCE challenge, got %v", q)
	}
	if !strings.Contains(q.Get("scope"), "GroupMember.Read.All") {
		t.Fatalf("missing group scope: %s", q.Get("scope"))
	}
}

func TestExchangeCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tenant-1/oauth2/v2.0/token" {
			http.NotFound(w, r)
			return
		}
		_ = r.ParseForm()
		if r.Form.Get("code") != "good-code" || r.Form.Get("code_verifier") != "v1" || r.Form.Get("client_secret") != "secret-1" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"bad code"}`))
			return
		}
		writeJSON(w, map[string]any{"access_token": "graph-token", "token_type": "Bearer", "expires_in": 3600})
	}))
	defer srv.Close()
	c := newTestClient(t, srv)

	tok, err := c.ExchangeCode(context.Background(), "good-code", "v1")
	if err != nil {
		t.Fatalf("ExchangeCode: %v", err)
	}
	if tok != "graph-token" {
		t.Fatalf("unexpected token %q", tok)
	}

	_, err = c.ExchangeCode(context.Background(), "reused-code", "v1")
	if !errors.Is(err, auth.ErrOAuthExchange) || !strings.Contains(err.Error(), "invalid_grant") {
		t.Fatalf("expected oauth exchange error, got %v", err)
	}
	if _, err := c.ExchangeCode(context.Background(), "  ", "v1"); !errors.Is(err, auth.ErrOAuthExchange) {
		t.Fatalf("expected error for empty code, got %v", err)
	}
}

func TestFetchProfile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer graph-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if !strings.Contains(r.URL.Query().Get("$select"), "onPremisesExtensionAttributes") {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		writeJSON(w, map[string]any{
			"id":                "oid-1",
			"mail":              nil,
			"userPrincipalName": "dir@ocs.example",
			"displayName":       "Dr. Director",
			"onPremisesExtensionAttributes": map[string]any{
				"extensionAttribute1":  nil,
				"extensionAttribute10": "Director of Schools",
			},
		})
	}))
	defer srv.Close()
	c := newTestClient(t, srv)

	p, err := c.FetchProfile(context.Background(), "graph-token")
	if err != nil {
		t.Fatalf("FetchProfile: %v", err)
	}
	want := auth.Identity{ID: "oid-1", Email: "dir@ocs.example", DisplayName: "Dr. Director"}
	if p.Identity != want {
		t.Fatalf("unexpected identity %+v", p.Identity)
	}
	if p.Attribute != (auth.SpecialAttribute{Name: "extensionAttribute10", Value: "Director of Schools"}) {
		t.Fatalf("unexpected attribute %+v", p.Attribute)
	}

	if _, err := c.FetchProfile(context.Background(), "expired"); !errors.Is(err, auth.ErrDirectoryQuery) {
		t.Fatalf("expected directory error, got %v", err)
	}
}

func TestFetchGroupsFollowsPaging(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "2" {
			writeJSON(w, map[string]any{"value": []map[string]any{
				{"@odata.type": "#microsoft.graph.group", "id": "g2", "displayName": "Technology Department"},
			}})
			return
		}
		writeJSON(w, map[string]any{
			"value": []map[string]any{
				{"@odata.type": "#microsoft.graph.group", "id": "g1", "displayName": "All_Staff"},
				{"@odata.type": "#microsoft.graph.directoryRole", "id": "r1", "displayName": "Global Reader"},
			},
			"@odata.nextLink": srv.URL + "/v1.0/me/memberOf?page=2",
		})
	}))
	defer srv.Close()
	c := newTestClient(t, srv)

	groups, err := c.FetchGroups(context.Background(), "graph-token")
	if err != nil {
		t.Fatalf("FetchGroups: %v", err)
	}
	if len(groups) != 2 || groups[0].DisplayName != "All_Staff" || groups[1].ID != "g2" {
		t.Fatalf("unexpected groups %+v", groups)
	}
}

func TestFetchGroupsRejectsForeignNextLink(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"value": []any{}, "@odata.nextLink": "https://evil.example/v1.0/me/memberOf"})
	}))
	defer srv.Close()
	c := newTestClient(t, srv)

	if _, err := c.FetchGroups(context.Background(), "graph-token"); !errors.Is(err, auth.ErrDirectoryQuery) {
		t.Fatalf("expected directory error, got %v", err)
	}
}

func TestFetchGroupsFailsOnEndlessPaging(t *testing.T) {
	var (
		srv   *httptest.Server
		pages atomic.Int32
	)
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := pages.Add(1)
		writeJSON(w, map[string]any{
			"value":           []map[string]any{{"id": "g", "displayName": "All_Staff"}},
			"@odata.nextLink": srv.URL + "/v1.0/me/memberOf?page=" + url.QueryEscape(strconv.Itoa(int(n)+1)),
		})
	}))
	defer srv.Close()
	c := newTestClient(t, srv)

	groups, err := c.FetchGroups(context.Background(), "graph-token")
	if !errors.Is(err, auth.ErrDirectoryQuery) || groups != nil {
		t.Fatalf("expected directory error and no groups, got %v %v", groups, err)
	}
	if got := pages.Load(); got != maxGroupPages {
		t.Fatalf("expected %d pages fetched, got %d", maxGroupPages, got)
	}
}

func TestGraphRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, map[string]any{"value": []any{}})
	}))
	defer srv.Close()
	c := newTestClient(t, srv)

	if _, err := c.FetchGroups(context.Background(), "graph-token"); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 calls, got %d", calls.Load())
	}
}

func TestGraphDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()
	c := newTestClient(t, srv)

	if _, err := c.FetchGroups(context.Background(), "graph-token"); !errors.Is(err, auth.ErrDirectoryQuery) {
		t.Fatalf("expected directory error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single call, got %d", calls.Load())
	}
}

func TestConfigValidate(t *testing.T) {
	if _, err := New(Config{TenantID: "t"}, nil); err == nil {
		t.Fatalf("expected missing registration values to fail")
	}
}
