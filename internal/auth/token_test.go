package auth

import (
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func fixedClock(t time.Time) func() time.Time { return func() time.Time { return t } }

func TestTokenRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	codec, err := NewTokenCodec(testSecret, WithCodecClock(fixedClock(now)))
	if err != nil {
		t.Fatalf("NewTokenCodec: %v", err)
	}

	id := Identity{ID: "oid-1", Email: "ana@ocs.example", DisplayName: "Ana"}
	perms := Resolve([]GroupMembership{{DisplayName: "All_Staff"}}, SpecialAttribute{}, []Grant{staffGrant()})

	token, err := codec.Mint(NewClaims(id, perms, now, now.Add(8*time.Hour), "jti-1"))
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	claims, err := codec.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Identity() != id {
		t.Fatalf("identity mismatch: %+v", claims.Identity())
	}
	if !reflect.DeepEqual(claims.Permissions, perms) {
		t.Fatalf("permissions mismatch:\n got %+v\nwant %+v", claims.Permissions, perms)
	}
	if claims.AccessLevel != AccessStaff || claims.ID != "jti-1" || claims.Issuer != Issuer {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestTokenExpired(t *testing.T) {
	now := time.Now().UTC()
	codec, _ := NewTokenCodec(testSecret, WithCodecClock(fixedClock(now)))
	token, err := codec.Mint(NewClaims(Identity{ID: "u"}, NoPermissions(), now.Add(-2*time.Hour), now.Add(-time.Hour), "j"))
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	_, err = codec.Verify(token)
	if !errors.Is(err, ErrTokenExpired) || !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected expired token error, got %v", err)
	}

	claims, err := codec.Inspect(token)
	if err != nil {
		t.Fatalf("Inspect should ignore expiry: %v", err)
	}
	if claims.Subject != "u" {
		t.Fatalf("unexpected subject %q", claims.Subject)
	}
}

func TestTokenTamperedAndMalformed(t *testing.T) {
	now := time.Now().UTC()
	codec, _ := NewTokenCodec(testSecret, WithCodecClock(fixedClock(now)))
	token, _ := codec.Mint(NewClaims(Identity{ID: "u"}, NoPermissions(), now, now.Add(time.Hour), "j"))

	parts := strings.Split(token, ".")
	sig := []byte(parts[2])
	if sig[0] == 'A' {
		sig[0] = 'B'
	} else {
		sig[0] = 'A'
	}
	tampered := parts[0] + "." + parts[1] + "." + string(sig)

	cases := map[string]string{
		"tampered": tampered,
		"garbage":  "not-a-token",
		"empty":    "",
	}
	for name, tok := range cases {
		_, err := codec.Verify(tok)
		if !errors.Is(err, ErrTokenMalformed) || !errors.Is(err, ErrTokenInvalid) {
			t.Fatalf("%s: expected malformed token error, got %v", name, err)
		}
	}

	other, _ := NewTokenCodec(strings.Repeat("z", 32), WithCodecClock(fixedClock(now)))
	if _, err := other.Verify(token); !errors.Is(err, ErrTokenMalformed) {
		t.Fatalf("expected signature failure with another secret, got %v", err)
	}
}

func TestTokenRejectsOtherAlgorithms(t *testing.T) {
	now := time.Now().UTC()
	codec, _ := NewTokenCodec(testSecret, WithCodecClock(fixedClock(now)))
	claims := NewClaims(Identity{ID: "u"}, NoPermissions(), now, now.Add(time.Hour), "j")

	hs512, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := codec.Verify(hs512); !errors.Is(err, ErrTokenMalformed) {
		t.Fatalf("expected HS512 token to be rejected, got %v", err)
	}

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	if _, err := codec.Verify(none); !errors.Is(err, ErrTokenMalformed) {
		t.Fatalf("expected alg=none token to be rejected, got %v", err)
	}
}

func TestMintRequiresSubjectAndExpiry(t *testing.T) {
	codec, _ := NewTokenCodec(testSecret)
	if _, err := codec.Mint(Claims{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	c := NewClaims(Identity{ID: "u"}, NoPermissions(), time.Now(), time.Now().Add(time.Hour), "j")
	c.ExpiresAt = nil
	if _, err := codec.Mint(c); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input without expiry, got %v", err)
	}
	if _, err := NewTokenCodec("short"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected short secret to be rejected, got %v", err)
	}
}
