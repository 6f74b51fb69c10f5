package api

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"taskhub/domain"
)

func localAuth(t *testing.T) *Auth {
	t.Helper()
	t.Setenv(envLocalAuthMode, "hs256")
	t.Setenv(envLocalAuthSecret, "test-secret")
	return NewAuth(nil, "", "")
}

func TestIssueAndVerifyRoundTrip(t *testing.T) {
	a := localAuth(t)
	token, err := a.Issue("u1", "Alice", time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	identity, err := a.VerifyToken(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if identity.ID != "u1" || identity.Label != "Alice" {
		t.Fatalf("unexpected identity %+v", identity)
	}
}

func TestIdentityFromAuthHeader(t *testing.T) {
	a := localAuth(t)
	token, err := a.Issue("u1", "Alice", time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	identity, err := a.IdentityFromAuthHeader("Bearer " + token)
	if err != nil {
		t.Fatalf("verify header: %v", err)
	}
	if identity.ID != "u1" {
		t.Fatalf("unexpected identity %+v", identity)
	}
}

func TestVerifyRejections(t *testing.T) {
	a := localAuth(t)
	cases := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"no bearer", "token-without-scheme"},
		{"not a jwt", "Bearer not.a"},
		{"garbage jwt", "Bearer aa.bb.cc"},
	}
	for _, tc := range cases {
		_, err := a.IdentityFromAuthHeader(tc.header)
		var authErr domain.AuthenticationError
		if !errors.As(err, &authErr) {
			t.Fatalf("%s: expected AuthenticationError, got %v", tc.name, err)
		}
	}
}

func TestVerifyExpiredToken(t *testing.T) {
	a := localAuth(t)
	claims := jwt.MapClaims{
		"sub": "u1",
		"iat": time.Now().Add(-2 * time.Hour).Unix(),
		"exp": time.Now().Add(-time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	_, err = a.VerifyToken(token)
	var authErr domain.AuthenticationError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthenticationError for expired token, got %v", err)
	}
}

func TestVerifyWrongSecret(t *testing.T) {
	a := localAuth(t)
	claims := jwt.MapClaims{
		"sub": "u1",
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("other-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := a.VerifyToken(token); err == nil {
		t.Fatal("expected rejection for wrong secret")
	}
}

func TestLabelFallsBackToSub(t *testing.T) {
	a := localAuth(t)
	token, err := a.Issue("u1", "", time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	identity, err := a.VerifyToken(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if identity.Label != "u1" {
		t.Fatalf("expected label fallback to sub, got %q", identity.Label)
	}
}
