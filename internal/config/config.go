package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrConfig is wrapped by every configuration failure.
var ErrConfig = errors.New("config: invalid configuration")

// Error lists every missing or invalid setting found by Load.
type Error struct {
	Missing []string
	Invalid []string
}

func (e *Error) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing "+strings.Join(e.Missing, ", "))
	}
	if len(e.Invalid) > 0 {
		parts = append(parts, "invalid "+strings.Join(e.Invalid, ", "))
	}
	return "config: " + strings.Join(parts, "; ")
}

func (e *Error) Unwrap() error { return ErrConfig }

// Azure holds the Entra ID application registration.
type Azure struct {
	ClientID     string
	ClientSecret string
	TenantID     string
	RedirectURI  string
}

// Config is the process configuration read from the environment.
type Config struct {
	Azure Azure

	JWTSecret      string
	JWTAlgorithm   string
	JWTExpiration  time.Duration
	SessionTimeout time.Duration

	MaxConcurrentSessions int
	SecureCookies         bool
	EnableAuditLogging    bool
	EnableRateLimiting    bool

	DatabaseURL      string
	HTTPAddr         string
	SpecialAttribute string
	SweepSchedule    string
	DirectoryTimeout time.Duration
	GraphBaseURL     string
	LogLevel         string

	// TrustedProxies lists the peers whose X-Forwarded-For is honored.
	TrustedProxies []netip.Prefix
}

// FromEnv loads configuration from the process environment.
func FromEnv() (Config, error) {
	return Load(os.Getenv)
}

// Load reads configuration through getenv and validates it. All problems
// are reported at once in an *Error.
func Load(getenv func(string) string) (Config, error) {
	l := loader{getenv: getenv, err: &Error{}}

	cfg := Config{
		Azure: Azure{
			ClientID:     l.required("AZURE_CLIENT_ID"),
			ClientSecret: l.required("AZURE_CLIENT_SECRET"),
			TenantID:     l.required("AZURE_TENANT_ID"),
			RedirectURI:  l.str("AZURE_REDIRECT_URI", "http://localhost:8003/auth/callback"),
		},
		JWTSecret:             l.required("JWT_SECRET"),
		JWTAlgorithm:          l.str("JWT_ALGORITHM", "HS256"),
		JWTExpiration:         time.Duration(l.positiveInt("JWT_EXPIRATION_HOURS", 8)) * time.Hour,
		SessionTimeout:        time.Duration(l.intAtLeast("SESSION_TIMEOUT_MINUTES", 30, 0)) * time.Minute,
		MaxConcurrentSessions: l.positiveInt("MAX_CONCURRENT_SESSIONS", 3),
		SecureCookies:         l.boolean("SECURE_COOKIES", false),
		EnableAuditLogging:    l.boolean("ENABLE_AUDIT_LOGGING", true),
		EnableRateLimiting:    l.boolean("ENABLE_RATE_LIMITING", true),
		DatabaseURL:           l.required("DATABASE_URL"),
		HTTPAddr:              l.str("HTTP_ADDR", ":8003"),
		SpecialAttribute:      l.str("SPECIAL_ATTRIBUTE_NAME", "extensionAttribute10"),
		SweepSchedule:         l.str("SESSION_SWEEP_SCHEDULE", "@every 15m"),
		DirectoryTimeout:      time.Duration(l.positiveInt("DIRECTORY_TIMEOUT_SECONDS", 10)) * time.Second,
		GraphBaseURL:          strings.TrimSuffix(l.str("GRAPH_BASE_URL", "https://graph.microsoft.com"), "/"),
		LogLevel:              l.str("LOG_LEVEL", "info"),
		TrustedProxies:        l.prefixes("TRUSTED_PROXIES"),
	}

	if cfg.JWTAlgorithm != "HS256" {
		l.invalid("JWT_ALGORITHM")
	}
	if cfg.JWTSecret != "" && len(cfg.JWTSecret) < 32 {
		l.invalid("JWT_SECRET")
	}

	if len(l.err.Missing) > 0 || len(l.err.Invalid) > 0 {
		return Config{}, l.err
	}
	return cfg, nil
}

type loader struct {
	getenv func(string) string
	err    *Error
}

func (l *loader) lookup(key string) string {
	return strings.TrimSpace(l.getenv(key))
}

func (l *loader) invalid(key string) {
	l.err.Invalid = append(l.err.Invalid, key)
}

func (l *loader) required(key string) string {
	v := l.lookup(key)
	if v == "" {
		l.err.Missing = append(l.err.Missing, key)
	}
	return v
}

func (l *loader) str(key, def string) string {
	if v := l.lookup(key); v != "" {
		return v
	}
	return def
}

func (l *loader) positiveInt(key string, def int) int {
	return l.intAtLeast(key, def, 1)
}

func (l *loader) intAtLeast(key string, def, min int) int {
	v := l.lookup(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < min {
		l.invalid(key)
		return def
	}
	return n
}

// prefixes parses a comma separated list of CIDRs or bare addresses.
func (l *loader) prefixes(key string) []netip.Prefix {
	v := l.lookup(key)
	if v == "" {
		return nil
	}
	var out []netip.Prefix
	for _, raw := range strings.Split(v, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if p, err := netip.ParsePrefix(raw); err == nil {
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			l.invalid(key)
			return nil
		}
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out
}

func (l *loader) boolean(key string, def bool) bool {
	v := l.lookup(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		l.invalid(key)
		return def
	}
	return b
}

// String renders the configuration with secrets masked.
func (c Config) String() string {
	return fmt.Sprintf("addr=%s tenant=%s client=%s redirect=%s jwt_ttl=%s idle=%s max_sessions=%d secure_cookies=%t audit=%t rate_limit=%t trusted_proxies=%d",
		c.HTTPAddr, c.Azure.TenantID, c.Azure.ClientID, c.Azure.RedirectURI,
		c.JWTExpiration, c.SessionTimeout, c.MaxConcurrentSessions,
		c.SecureCookies, c.EnableAuditLogging, c.EnableRateLimiting, len(c.TrustedProxies))
}
