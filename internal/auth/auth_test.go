package auth

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const secret = "0123456789abcdef0123"

func TestVerifier_RoundTrip(t *testing.T) {
	v := NewVerifier(secret, "rent")
	tok, err := v.Issue("u1", "landlord", time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	c, err := v.Verify(tok)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if c.UserID() != "u1" || c.Role != "landlord" {
		t.Fatalf("claims = %+v", c)
	}
}

func TestVerifier_Rejections(t *testing.T) {
	v := NewVerifier(secret, "rent")

	if _, err := v.Verify(""); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("empty token: %v", err)
	}
	if _, err := v.Verify("not.a.jwt"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("garbage: %v", err)
	}

	expired, _ := v.Issue("u1", "", -time.Minute)
	if _, err := v.Verify(expired); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expired: %v", err)
	}

	other, _ := NewVerifier("another-secret-value-xx", "rent").Issue("u1", "", time.Minute)
	if _, err := v.Verify(other); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("wrong secret: %v", err)
	}

	wrongIss, _ := NewVerifier(secret, "elsewhere").Issue("u1", "", time.Minute)
	if _, err := v.Verify(wrongIss); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("wrong issuer: %v", err)
	}

	noSub, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer: "rent", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}}).SignedString([]byte(secret))
	if _, err := v.Verify(noSub); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("missing subject: %v", err)
	}

	hs512, _ := jwt.NewWithClaims(jwt.SigningMethodHS512, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject: "u1", Issuer: "rent",
	}}).SignedString([]byte(secret))
	if _, err := v.Verify(hs512); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("unexpected algorithm accepted: %v", err)
	}
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?token=q", nil)
	if got := TokenFromRequest(r); got != "q" {
		t.Fatalf("query token = %q", got)
	}
	r.Header.Set("Authorization", "Bearer h")
	if got := TokenFromRequest(r); got != "h" {
		t.Fatalf("header should win, got %q", got)
	}
	r.Header.Set("Authorization", "Basic abc")
	if got := TokenFromRequest(r); got != "" {
		t.Fatalf("non-bearer scheme should yield empty, got %q", got)
	}
}
