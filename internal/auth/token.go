package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrInvalidToken indicates the token failed structural or signature checks.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken signals that the token's expiry is in the past.
	ErrExpiredToken = errors.New("token expired")
)

// SessionClaims is the payload of the compact JWT-style token the launcher
// hands the client. The subject carries the coordination-service user id.
type SessionClaims struct {
	UserID      int64
	DisplayName string
	ExpiresAt   time.Time
	IssuedAt    time.Time
	Audience    string
}

// ParseClaims decodes the token payload without verifying the signature. The
// client does not hold the service secret; it only needs its own user id and
// expiry out of a token the service will verify on every call anyway.
func ParseClaims(token string) (*SessionClaims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, ErrInvalidToken
	}
	payloadBytes, err := decodeSegment(parts[1])
	if err != nil {
		return nil, ErrInvalidToken
	}
	return claimsFromPayload(payloadBytes)
}

// ExpiresWithin reports whether the claims lapse before the given horizon.
func (c *SessionClaims) ExpiresWithin(now time.Time, horizon time.Duration) bool {
	if c == nil {
		return true
	}
	return c.ExpiresAt.Before(now.Add(horizon))
}

// HMACTokenVerifier validates compact HS256 tokens. The client only uses it
// against the local development coordinator, where the shared secret is known.
type HMACTokenVerifier struct {
	secret []byte
	now    func() time.Time
	leeway time.Duration
}

// NewHMACTokenVerifier constructs a verifier for the supplied shared secret and clock skew allowance.
func NewHMACTokenVerifier(secret string, leeway time.Duration) (*HMACTokenVerifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("hmac secret must not be empty")
	}
	if leeway < 0 {
		leeway = 0
	}
	return &HMACTokenVerifier{secret: []byte(secret), now: time.Now, leeway: leeway}, nil
}

// Verify parses the token, validates signature and expiry, and returns the claims.
func (v *HMACTokenVerifier) Verify(token string) (*SessionClaims, error) {
	if v == nil || len(v.secret) == 0 {
		return nil, errors.New("verifier not initialised")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}

	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, ErrInvalidToken
	}
	headerPayload := strings.Join(parts[:2], ".")

	headerBytes, err := decodeSegment(parts[0])
	if err != nil {
		return nil, ErrInvalidToken
	}
	var header struct {
		Algorithm string `json:"alg"`
		Type      string `json:"typ"`
	}
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, ErrInvalidToken
	}
	if header.Algorithm != "HS256" {
		return nil, fmt.Errorf("%w: unexpected algorithm %q", ErrInvalidToken, header.Algorithm)
	}

	expectedSig := signHS256(v.secret, []byte(headerPayload))
	signatureBytes, err := decodeSegment(parts[2])
	if err != nil {
		return nil, ErrInvalidToken
	}
	if !hmac.Equal(signatureBytes, expectedSig) {
		return nil, ErrInvalidToken
	}

	payloadBytes, err := decodeSegment(parts[1])
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, err := claimsFromPayload(payloadBytes)
	if err != nil {
		return nil, err
	}
	if claims.ExpiresAt.Add(v.leeway).Before(v.now()) {
		return nil, ErrExpiredToken
	}
	return claims, nil
}

// Sign mints an HS256 token for the given claims. Used by the development
// coordinator stub and by tests; production tokens come from the launcher.
func Sign(secret string, claims SessionClaims) (string, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return "", errors.New("hmac secret must not be empty")
	}
	header := map[string]string{"alg": "HS256", "typ": "JWT"}
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return "", err
	}
	payload := map[string]any{
		"sub": strconv.FormatInt(claims.UserID, 10),
		"exp": claims.ExpiresAt.Unix(),
		"iat": claims.IssuedAt.Unix(),
	}
	if claims.DisplayName != "" {
		payload["name"] = claims.DisplayName
	}
	if claims.Audience != "" {
		payload["aud"] = claims.Audience
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	headerPayload := encodeSegment(headerBytes) + "." + encodeSegment(payloadBytes)
	signature := signHS256([]byte(secret), []byte(headerPayload))
	return headerPayload + "." + encodeSegment(signature), nil
}

// WithClock overrides the verifier clock, enabling deterministic unit tests.
func (v *HMACTokenVerifier) WithClock(clock func() time.Time) {
	if clock == nil {
		return
	}
	v.now = clock
}

func claimsFromPayload(payloadBytes []byte) (*SessionClaims, error) {
	var payload struct {
		Subject  string `json:"sub"`
		Name     string `json:"name"`
		Expires  int64  `json:"exp"`
		Issued   int64  `json:"iat"`
		Audience string `json:"aud"`
	}
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return nil, ErrInvalidToken
	}
	userID, err := strconv.ParseInt(strings.TrimSpace(payload.Subject), 10, 64)
	if err != nil || userID <= 0 {
		return nil, fmt.Errorf("%w: subject is not a user id", ErrInvalidToken)
	}
	if payload.Expires <= 0 {
		return nil, ErrInvalidToken
	}
	return &SessionClaims{
		UserID:      userID,
		DisplayName: payload.Name,
		ExpiresAt:   time.Unix(payload.Expires, 0),
		IssuedAt:    time.Unix(payload.Issued, 0),
		Audience:    payload.Audience,
	}, nil
}

func signHS256(secret, payload []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return mac.Sum(nil)
}

func encodeSegment(segment []byte) string {
	return base64.RawURLEncoding.EncodeToString(segment)
}

func decodeSegment(segment string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(segment)
}
