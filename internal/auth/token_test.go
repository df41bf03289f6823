package auth

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func mintToken(t *testing.T, secret string, claims SessionClaims) string {
	t.Helper()
	token, err := Sign(secret, claims)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestParseClaimsWithoutSecret(t *testing.T) {
	issued := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	token := mintToken(t, "service-secret", SessionClaims{
		UserID:      7001,
		DisplayName: "Sgt. Pepper",
		IssuedAt:    issued,
		ExpiresAt:   issued.Add(24 * time.Hour),
		Audience:    "session",
	})

	claims, err := ParseClaims(token)
	if err != nil {
		t.Fatalf("parse claims: %v", err)
	}
	if claims.UserID != 7001 {
		t.Fatalf("unexpected user id: %d", claims.UserID)
	}
	if claims.DisplayName != "Sgt. Pepper" {
		t.Fatalf("unexpected display name: %q", claims.DisplayName)
	}
	if !claims.ExpiresAt.Equal(issued.Add(24 * time.Hour)) {
		t.Fatalf("unexpected expiry: %v", claims.ExpiresAt)
	}
}

func TestParseClaimsRejectsMalformedTokens(t *testing.T) {
	cases := []string{
		"",
		"only-one-segment",
		"a.b",
		"a.!!!.c",
	}
	for _, token := range cases {
		if _, err := ParseClaims(token); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("token %q: expected ErrInvalidToken, got %v", token, err)
		}
	}
}

func TestParseClaimsRejectsNonNumericSubject(t *testing.T) {
	token := mintToken(t, "secret", SessionClaims{UserID: 42, ExpiresAt: time.Now().Add(time.Hour)})
	//1.- Rebuild the payload with a textual subject to hit the strict user-id parse.
	parts := strings.Split(token, ".")
	parts[1] = encodeSegment([]byte(`{"sub":"player-one","exp":4102444800}`))
	if _, err := ParseClaims(strings.Join(parts, ".")); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestVerifyRoundTrip(t *testing.T) {
	now := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	token := mintToken(t, "dev-secret", SessionClaims{
		UserID:    7001,
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Hour),
	})

	verifier, err := NewHMACTokenVerifier("dev-secret", 0)
	if err != nil {
		t.Fatalf("create verifier: %v", err)
	}
	verifier.WithClock(func() time.Time { return now })

	claims, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.UserID != 7001 {
		t.Fatalf("unexpected user id: %d", claims.UserID)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	token := mintToken(t, "dev-secret", SessionClaims{UserID: 7001, ExpiresAt: time.Now().Add(time.Hour)})
	verifier, err := NewHMACTokenVerifier("other-secret", 0)
	if err != nil {
		t.Fatalf("create verifier: %v", err)
	}
	if _, err := verifier.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	now := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	token := mintToken(t, "dev-secret", SessionClaims{UserID: 7001, IssuedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour)})

	verifier, err := NewHMACTokenVerifier("dev-secret", time.Minute)
	if err != nil {
		t.Fatalf("create verifier: %v", err)
	}
	verifier.WithClock(func() time.Time { return now })
	if _, err := verifier.Verify(token); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestExpiresWithin(t *testing.T) {
	now := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	claims := &SessionClaims{UserID: 1, ExpiresAt: now.Add(30 * time.Minute)}
	if claims.ExpiresWithin(now, 10*time.Minute) {
		t.Fatalf("claims should not expire within 10 minutes")
	}
	if !claims.ExpiresWithin(now, time.Hour) {
		t.Fatalf("claims should expire within an hour")
	}
	var nilClaims *SessionClaims
	if !nilClaims.ExpiresWithin(now, 0) {
		t.Fatalf("nil claims must read as expired")
	}
}
