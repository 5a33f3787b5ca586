package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// Issuer is stamped into every session token.
	Issuer = "ocs-portal"

	minSecretLen = 32
)

// Claims is the session token payload.
type Claims struct {
	Email       string               `json:"email"`
	DisplayName string               `json:"display_name"`
	AccessLevel AccessLevel          `json:"access_level"`
	Permissions EffectivePermissions `json:"permissions"`
	jwt.RegisteredClaims
}

// NewClaims builds the claims for identity valid from issuedAt until expiresAt.
func NewClaims(identity Identity, perms EffectivePermissions, issuedAt, expiresAt time.Time, tokenID string) Claims {
	return Claims{
		Email:       identity.Email,
		DisplayName: identity.DisplayName,
		AccessLevel: perms.AccessLevel,
		Permissions: perms,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   identity.ID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        tokenID,
		},
	}
}

// Identity returns the identity carried by the claims.
func (c Claims) Identity() Identity {
	return Identity{ID: c.Subject, Email: c.Email, DisplayName: c.DisplayName}
}

// TokenCodec signs and verifies HS256 session tokens.
type TokenCodec struct {
	secret []byte
	now    func() time.Time
	leeway time.Duration
}

// CodecOption configures a TokenCodec.
type CodecOption func(*TokenCodec)

// WithCodecClock overrides the clock used for expiry checks.
func WithCodecClock(now func() time.Time) CodecOption {
	return func(c *TokenCodec) {
		if now != nil {
			c.now = now
		}
	}
}

// WithLeeway tolerates clock skew when checking exp and iat.
func WithLeeway(d time.Duration) CodecOption {
	return func(c *TokenCodec) {
		if d >= 0 {
			c.leeway = d
		}
	}
}

// NewTokenCodec returns a codec for the shared secret.
func NewTokenCodec(secret string, opts ...CodecOption) (*TokenCodec, error) {
	if len(secret) < minSecretLen {
		return nil, fmt.Errorf("%w: signing secret must be at least %d bytes", ErrInvalidInput, minSecretLen)
	}
	c := &TokenCodec{secret: []byte(secret), now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Mint signs claims. Subject and expiry are mandatory.
func (c *TokenCodec) Mint(claims Claims) (string, error) {
	if strings.TrimSpace(claims.Subject) == "" {
		return "", fmt.Errorf("%w: subject is required", ErrInvalidInput)
	}
	if claims.ExpiresAt == nil {
		return "", fmt.Errorf("%w: expiry is required", ErrInvalidInput)
	}
	if claims.Issuer == "" {
		claims.Issuer = Issuer
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify checks signature, algorithm, issuer and expiry.
// Failures wrap ErrTokenExpired or ErrTokenMalformed.
func (c *TokenCodec) Verify(token string) (*Claims, error) {
	return c.parse(token,
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(c.leeway),
	)
}

// Inspect checks the signature but ignores expiry. Used to attribute logouts
// of already expired tokens.
func (c *TokenCodec) Inspect(token string) (*Claims, error) {
	return c.parse(token, jwt.WithoutClaimsValidation())
}

func (c *TokenCodec) parse(token string, opts ...jwt.ParserOption) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("%w: empty token", ErrTokenMalformed)
	}
	opts = append(opts,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithTimeFunc(c.now),
	)
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return c.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", ErrTokenExpired, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	}
	if !parsed.Valid {
		return nil, ErrTokenMalformed
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, fmt.Errorf("%w: subject missing", ErrTokenMalformed)
	}
	return claims, nil
}
