package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"ocsportal.org/internal/audit"
	"ocsportal.org/internal/auth"
	"ocsportal.org/internal/login"
	"ocsportal.org/internal/session"
)

type statusUser struct {
	Email       string           `json:"email"`
	DisplayName string           `json:"display_name"`
	AccessLevel auth.AccessLevel `json:"access_level"`
}

type statusResponse struct {
	Authenticated bool        `json:"authenticated"`
	User          *statusUser `json:"user,omitempty"`
}

type capability struct {
	CanWrite bool `json:"can_write"`
	IsAdmin  bool `json:"is_admin"`
}

type userResponse struct {
	auth.Identity
	Permissions  auth.EffectivePermissions `json:"permissions"`
	Services     []string                  `json:"services"`
	Capabilities map[string]capability     `json:"capabilities"`
}

type sessionView struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	ExpiresAt    time.Time `json:"expires_at"`
	IPAddress    string    `json:"ip_address,omitempty"`
	UserAgent    string    `json:"user_agent,omitempty"`
	Current      bool      `json:"current"`
}

type grantView struct {
	ID                 int64               `json:"id"`
	Name               string              `json:"name"`
	GroupID            string              `json:"group_id,omitempty"`
	GroupName          string              `json:"group_name,omitempty"`
	AttributeName      string              `json:"attribute_name,omitempty"`
	AttributeValue     string              `json:"attribute_value,omitempty"`
	AccessLevel        auth.AccessLevel    `json:"access_level"`
	Tickets            auth.ResourceAccess `json:"tickets_access"`
	Inventory          auth.ResourceAccess `json:"inventory_access"`
	Purchasing         auth.ResourceAccess `json:"purchasing_access"`
	Forms              auth.ResourceAccess `json:"forms_access"`
	AllowedDepartments []string            `json:"allowed_departments"`
	UpdatedAt          time.Time           `json:"updated_at"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if a.login == nil {
		writeError(w, r, http.StatusServiceUnavailable, "login unavailable")
		return
	}
	authURL, st, err := a.login.Begin(r.URL.Query().Get("next"))
	if err != nil {
		a.logger.Error("begin login", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	encoded, err := st.Encode()
	if err != nil {
		a.logger.Error("encode login state", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     StateCookie,
		Value:    encoded,
		Path:     "/auth",
		MaxAge:   int(login.StateTTL / time.Second),
		HttpOnly: true,
		Secure:   a.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, authURL, http.StatusFound)
}

func (a *API) handleCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if a.login == nil {
		writeError(w, r, http.StatusServiceUnavailable, "login unavailable")
		return
	}
	var stored login.State
	if c, err := r.Cookie(StateCookie); err == nil {
		if st, err := login.DecodeState(c.Value); err == nil {
			stored = st
		}
	}
	a.clearCookie(w, StateCookie, "/auth")

	q := r.URL.Query()
	res, err := a.login.Complete(r.Context(), stored, login.Callback{
		Code:             q.Get("code"),
		State:            q.Get("state"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	}, clientMeta(r))
	if err != nil {
		switch {
		case errors.Is(err, login.ErrCallbackRejected), errors.Is(err, auth.ErrOAuthExchange):
			a.logger.Info("login rejected", zap.Error(err))
			writeError(w, r, http.StatusBadRequest, "login failed")
		case errors.Is(err, auth.ErrDirectoryQuery):
			a.logger.Warn("directory unavailable during login", zap.Error(err))
			writeError(w, r, http.StatusBadGateway, "directory unavailable")
		default:
			a.logger.Error("login failed", zap.Error(err))
			writeError(w, r, http.StatusInternalServerError, "internal error")
		}
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    res.Token,
		Path:     "/",
		MaxAge:   int(a.sessionTTL / time.Second),
		HttpOnly: true,
		Secure:   a.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, res.Next, http.StatusFound)
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
		return
	}
	if a.sessions != nil {
		if err := a.sessions.Invalidate(r.Context(), sessionToken(r), clientMeta(r)); err != nil {
			a.logger.Error("logout", zap.Error(err))
		}
	}
	a.clearCookie(w, SessionCookie, "/")
	http.Redirect(w, r, loginPath, http.StatusFound)
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusOK, statusResponse{Authenticated: false})
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Authenticated: true,
		User: &statusUser{
			Email:       p.Identity.Email,
			DisplayName: p.Identity.DisplayName,
			AccessLevel: p.Permissions.AccessLevel,
		},
	})
}

func (a *API) handleUser(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "not authenticated")
		return
	}
	perms := p.Permissions
	resp := userResponse{
		Identity:     p.Identity,
		Permissions:  perms,
		Services:     []string{},
		Capabilities: make(map[string]capability, len(auth.Resources)),
	}
	for _, res := range perms.Services() {
		resp.Services = append(resp.Services, string(res))
	}
	if perms.AccessLevel.IsAdmin() {
		resp.Services = append(resp.Services, "admin")
	}
	for _, res := range auth.Resources {
		resp.Capabilities[string(res)] = capability{
			CanWrite: perms.CanWrite(res),
			IsAdmin:  perms.IsResourceAdmin(res),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		a.unauthenticated(w, r, false)
		return
	}
	records, err := a.sessions.List(r.Context(), p.Identity.ID)
	if err != nil {
		a.logger.Error("list sessions", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	token, _ := auth.SessionTokenFromContext(r.Context())
	current := session.HashToken(token)
	items := make([]sessionView, 0, len(records))
	for _, rec := range records {
		items = append(items, sessionView{
			ID:           rec.ID,
			CreatedAt:    rec.CreatedAt,
			LastActivity: rec.LastActivity,
			ExpiresAt:    rec.ExpiresAt,
			IPAddress:    rec.ClientIP,
			UserAgent:    rec.UserAgent,
			Current:      token != "" && rec.TokenHash == current,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	p, _ := auth.PrincipalFromContext(r.Context())
	target := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if target == "" {
		writeError(w, r, http.StatusBadRequest, "user_id is required")
		return
	}
	n, err := a.sessions.InvalidateAll(r.Context(), target, p.Identity.ID, clientMeta(r))
	if err != nil {
		if errors.Is(err, auth.ErrInvalidInput) {
			writeError(w, r, http.StatusBadRequest, "invalid user_id")
			return
		}
		a.logger.Error("revoke sessions", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": target, "revoked": n})
}

func (a *API) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if a.auditLog == nil {
		writeError(w, r, http.StatusServiceUnavailable, "audit log unavailable")
		return
	}
	q := r.URL.Query()
	f := audit.Filter{
		ActorID:      strings.TrimSpace(q.Get("user_id")),
		Action:       strings.TrimSpace(q.Get("action")),
		ResourceType: strings.TrimSpace(q.Get("resource_type")),
	}
	var err error
	if f.Limit, err = parseBoundedInt("limit", q.Get("limit"), 100, 1, 1000); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if f.Offset, err = parseBoundedInt("offset", q.Get("offset"), 0, 0, 1_000_000); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if f.Since, err = parseTime("since", q.Get("since")); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if f.Until, err = parseTime("until", q.Get("until")); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := a.auditLog.Query(r.Context(), f)
	if err != nil {
		a.logger.Error("query audit log", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": entries, "limit": f.Limit, "offset": f.Offset})
}

func (a *API) handleGrants(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if a.grants == nil {
		writeError(w, r, http.StatusServiceUnavailable, "grant catalog unavailable")
		return
	}
	grants, err := a.grants.ListGrants(r.Context())
	if err != nil {
		a.logger.Error("list grants", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	items := make([]grantView, 0, len(grants))
	for _, g := range grants {
		depts := g.AllowedDepartments
		if depts == nil {
			depts = []string{}
		}
		items = append(items, grantView{
			ID:                 g.ID,
			Name:               g.Name,
			GroupID:            g.GroupID,
			GroupName:          g.GroupName,
			AttributeName:      g.AttributeName,
			AttributeValue:     g.AttributeValue,
			AccessLevel:        g.AccessLevel,
			Tickets:            g.Tickets,
			Inventory:          g.Inventory,
			Purchasing:         g.Purchasing,
			Forms:              g.Forms,
			AllowedDepartments: depts,
			UpdatedAt:          g.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) clearCookie(w http.ResponseWriter, name, path string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     path,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}
