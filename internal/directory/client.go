// Package directory talks to Entra ID: the authorization-code exchange and
// the Microsoft Graph lookups for profile and group membership.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"ocsportal.org/internal/auth"
)

const (
	DefaultAuthorityURL = "https://login.microsoftonline.com"
	DefaultGraphBaseURL = "https://graph.microsoft.com"

	defaultTimeout       = 10 * time.Second
	defaultMaxRetries    = 2
	defaultRetryInterval = 200 * time.Millisecond
	maxGroupPages        = 20
	maxResponseBytes     = 4 << 20
)

// DefaultScopes are requested on every login.
var DefaultScopes = []string{"openid", "profile", "email", "User.Read", "GroupMember.Read.All"}

// Config describes the app registration and Graph endpoint.
type Config struct {
	TenantID         string
	ClientID         string
	ClientSecret     string
	RedirectURL      string
	AuthorityURL     string
	GraphBaseURL     string
	Scopes           []string
	SpecialAttribute string
	Timeout          time.Duration
	// MaxRetries bounds Graph retries. Zero means the default, negative none.
	MaxRetries    int
	RetryInterval time.Duration
}

func (c Config) normalize() Config {
	c.AuthorityURL = strings.TrimSuffix(strings.TrimSpace(c.AuthorityURL), "/")
	if c.AuthorityURL == "" {
		c.AuthorityURL = DefaultAuthorityURL
	}
	c.GraphBaseURL = strings.TrimSuffix(strings.TrimSpace(c.GraphBaseURL), "/")
	if c.GraphBaseURL == "" {
		c.GraphBaseURL = DefaultGraphBaseURL
	}
	if len(c.Scopes) == 0 {
		c.Scopes = append([]string{}, DefaultScopes...)
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = defaultRetryInterval
	}
	return c
}

// Validate reports missing registration values.
func (c Config) Validate() error {
	var missing []string
	if strings.TrimSpace(c.TenantID) == "" {
		missing = append(missing, "tenant id")
	}
	if strings.TrimSpace(c.ClientID) == "" {
		missing = append(missing, "client id")
	}
	if strings.TrimSpace(c.ClientSecret) == "" {
		missing = append(missing, "client secret")
	}
	if strings.TrimSpace(c.RedirectURL) == "" {
		missing = append(missing, "redirect url")
	}
	if len(missing) > 0 {
		return fmt.Errorf("directory: missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// AccessToken is a delegated Graph token for the signed-in user.
type AccessToken string

// Profile is the signed-in user's directory record.
type Profile struct {
	Identity  auth.Identity
	Attribute auth.SpecialAttribute
}

// Client is safe for concurrent use.
type Client struct {
	cfg    Config
	oauth  oauth2.Config
	http   *http.Client
	logger *zap.Logger
}

// New builds a client. A nil logger discards output.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	cfg = cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	tenantBase := cfg.AuthorityURL + "/" + url.PathEscape(cfg.TenantID) + "/oauth2/v2.0"
	return &Client{
		cfg: cfg,
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       append([]string{}, cfg.Scopes...),
			Endpoint: oauth2.Endpoint{
				AuthURL:   tenantBase + "/authorize",
				TokenURL:  tenantBase + "/token",
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger.Named("directory"),
	}, nil
}

// AuthCodeURL returns the IdP authorization URL for state with a PKCE
// challenge derived from verifier.
func (c *Client) AuthCodeURL(state, verifier string) string {
	var opts []oauth2.AuthCodeOption
	if verifier != "" {
		opts = append(opts, oauth2.S256ChallengeOption(verifier))
	}
	return c.oauth.AuthCodeURL(state, opts...)
}

// ExchangeCode redeems an authorization code. Codes are single use so the
// exchange is never retried.
func (c *Client) ExchangeCode(ctx context.Context, code, verifier string) (AccessToken, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return "", fmt.Errorf("%w: empty authorization code", auth.ErrOAuthExchange)
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.http)

	var opts []oauth2.AuthCodeOption
	if verifier != "" {
		opts = append(opts, oauth2.VerifierOption(verifier))
	}
	tok, err := c.oauth.Exchange(ctx, code, opts...)
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) {
			c.logger.Warn("code exchange rejected", zap.String("error_code", rerr.ErrorCode), zap.String("description", rerr.ErrorDescription))
			return "", fmt.Errorf("%w: %s", auth.ErrOAuthExchange, rerr.ErrorCode)
		}
		return "", fmt.Errorf("%w: %v", auth.ErrOAuthExchange, err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("%w: no access token returned", auth.ErrOAuthExchange)
	}
	return AccessToken(tok.AccessToken), nil
}

// FetchProfile reads id, mail, display name and the configured special
// attribute. Mail falls back to the user principal name.
func (c *Client) FetchProfile(ctx context.Context, tok AccessToken) (Profile, error) {
	attr := c.cfg.SpecialAttribute
	fields := []string{"id", "mail", "userPrincipalName", "displayName"}
	nested := isExtensionAttribute(attr)
	switch {
	case nested:
		fields = append(fields, "onPremisesExtensionAttributes")
	case attr != "":
		fields = append(fields, attr)
	}
	q := url.Values{"$select": {strings.Join(fields, ",")}}

	var raw map[string]json.RawMessage
	if err := c.get(ctx, tok, c.cfg.GraphBaseURL+"/v1.0/me?"+q.Encode(), &raw); err != nil {
		return Profile{}, err
	}

	var user struct {
		ID          string `json:"id"`
		Mail        string `json:"mail"`
		UPN         string `json:"userPrincipalName"`
		DisplayName string `json:"displayName"`
	}
	if err := remarshal(raw, &user); err != nil {
		return Profile{}, fmt.Errorf("%w: decode profile: %v", auth.ErrDirectoryQuery, err)
	}
	if user.ID == "" {
		return Profile{}, fmt.Errorf("%w: profile has no id", auth.ErrDirectoryQuery)
	}
	email := user.Mail
	if email == "" {
		email = user.UPN
	}

	p := Profile{
		Identity:  auth.Identity{ID: user.ID, Email: email, DisplayName: user.DisplayName},
		Attribute: auth.SpecialAttribute{Name: attr},
	}
	switch {
	case nested:
		var ext map[string]*string
		if body, ok := raw["onPremisesExtensionAttributes"]; ok {
			_ = json.Unmarshal(body, &ext)
		}
		if v := lookupFold(ext, attr); v != nil {
			p.Attribute.Value = *v
		}
	case attr != "":
		if body, ok := raw[attr]; ok {
			var v string
			if json.Unmarshal(body, &v) == nil {
				p.Attribute.Value = v
			}
		}
	}
	return p, nil
}

// FetchGroups lists the user's direct group memberships, following paging.
func (c *Client) FetchGroups(ctx context.Context, tok AccessToken) ([]auth.GroupMembership, error) {
	q := url.Values{"$select": {"id,displayName"}, "$top": {"999"}}
	next := c.cfg.GraphBaseURL + "/v1.0/me/memberOf?" + q.Encode()

	groups := []auth.GroupMembership{}
	for page := 0; next != ""; page++ {
		if page >= maxGroupPages {
			c.logger.Warn("group paging exceeded limit", zap.Int("pages", page))
			return nil, fmt.Errorf("%w: more than %d pages of group memberships", auth.ErrDirectoryQuery, maxGroupPages)
		}
		var body struct {
			Value []struct {
				Type        string `json:"@odata.type"`
				ID          string `json:"id"`
				DisplayName string `json:"displayName"`
			} `json:"value"`
			NextLink string `json:"@odata.nextLink"`
		}
		if err := c.get(ctx, tok, next, &body); err != nil {
			return nil, err
		}
		for _, v := range body.Value {
			if v.Type != "" && v.Type != "#microsoft.graph.group" {
				continue
			}
			groups = append(groups, auth.GroupMembership{ID: v.ID, DisplayName: v.DisplayName})
		}
		next = ""
		if body.NextLink != "" {
			if !strings.HasPrefix(body.NextLink, c.cfg.GraphBaseURL+"/") {
				return nil, fmt.Errorf("%w: unexpected paging host", auth.ErrDirectoryQuery)
			}
			next = body.NextLink
		}
	}
	return groups, nil
}

// get performs a Graph GET, retrying transport failures, 429 and 5xx.
func (c *Client) get(ctx context.Context, tok AccessToken, rawURL string, out any) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.cfg.RetryInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(c.cfg.MaxRetries)), ctx)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+string(tok))
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			c.logger.Debug("graph request failed", zap.Error(err), zap.Int("attempt", attempt))
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
			return fmt.Errorf("graph status %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("graph status %d", resp.StatusCode))
		}
		if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode graph response: %w", err))
		}
		return nil
	}, policy)
	if err != nil {
		return fmt.Errorf("%w: %v", auth.ErrDirectoryQuery, err)
	}
	return nil
}

func isExtensionAttribute(name string) bool {
	return strings.HasPrefix(strings.ToLower(name), "extensionattribute")
}

func lookupFold(m map[string]*string, key string) *string {
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return nil
}

func remarshal(in map[string]json.RawMessage, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}
