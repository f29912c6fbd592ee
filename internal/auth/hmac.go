package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrInvalidToken indicates the token failed signature checks or had malformed structure.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken signals that the token's expiry is in the past.
	ErrExpiredToken = errors.New("token expired")
	// ErrMissingToken is returned when a request carries no bearer token at all.
	ErrMissingToken = errors.New("missing token")
)

// Claims is the payload a player token carries. Level optionally pins the
// preset the player's session is opened on.
type Claims struct {
	Subject   string
	Level     string
	ExpiresAt time.Time
	IssuedAt  time.Time
}

type wireHeader struct {
	Algorithm string `json:"alg"`
	Type      string `json:"typ"`
}

type wireClaims struct {
	Subject string `json:"sub"`
	Level   string `json:"lvl,omitempty"`
	Expires int64  `json:"exp"`
	Issued  int64  `json:"iat"`
}

// HMACTokens signs and verifies compact HS256 tokens with one shared secret.
type HMACTokens struct {
	secret []byte
	now    func() time.Time
	leeway time.Duration
}

// NewHMACTokens constructs a signer/verifier for the shared secret and clock skew allowance.
func NewHMACTokens(secret string, leeway time.Duration) (*HMACTokens, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("hmac secret must not be empty")
	}
	if leeway < 0 {
		leeway = 0
	}
	return &HMACTokens{secret: []byte(secret), now: time.Now, leeway: leeway}, nil
}

// WithClock overrides the clock, enabling deterministic unit tests.
func (h *HMACTokens) WithClock(clock func() time.Time) {
	if h == nil || clock == nil {
		return
	}
	h.now = clock
}

// Issue mints a token for subject valid for ttl.
func (h *HMACTokens) Issue(subject, level string, ttl time.Duration) (string, error) {
	if h == nil {
		return "", errors.New("token signer not initialised")
	}
	if strings.TrimSpace(subject) == "" {
		return "", errors.New("token subject must not be empty")
	}
	if ttl <= 0 {
		return "", errors.New("token ttl must be positive")
	}
	now := h.now()
	header, err := json.Marshal(wireHeader{Algorithm: "HS256", Type: "JWT"})
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(wireClaims{Subject: subject, Level: level, Expires: now.Add(ttl).Unix(), Issued: now.Unix()})
	if err != nil {
		return "", err
	}
	signingInput := encodeSegment(header) + "." + encodeSegment(payload)
	return signingInput + "." + encodeSegment(h.sign([]byte(signingInput))), nil
}

// Verify parses the token, validates the signature and expiry and returns the claims.
func (h *HMACTokens) Verify(token string) (*Claims, error) {
	if h == nil || len(h.secret) == 0 {
		return nil, errors.New("verifier not initialised")
	}
	parts := strings.Split(strings.TrimSpace(token), ".")
	if len(parts) != 3 {
		return nil, ErrInvalidToken
	}

	//1.- Reject anything not signed with HS256 before spending time on the MAC.
	var header wireHeader
	if err := decodeJSONSegment(parts[0], &header); err != nil {
		return nil, ErrInvalidToken
	}
	if header.Algorithm != "HS256" {
		return nil, fmt.Errorf("%w: unexpected algorithm %q", ErrInvalidToken, header.Algorithm)
	}

	//2.- Compare signatures in constant time.
	signature, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil || !hmac.Equal(signature, h.sign([]byte(parts[0]+"."+parts[1]))) {
		return nil, ErrInvalidToken
	}

	var payload wireClaims
	if err := decodeJSONSegment(parts[1], &payload); err != nil {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(payload.Subject) == "" || payload.Expires <= 0 {
		return nil, ErrInvalidToken
	}
	expiresAt := time.Unix(payload.Expires, 0)
	if expiresAt.Add(h.leeway).Before(h.now()) {
		return nil, ErrExpiredToken
	}
	return &Claims{
		Subject:   payload.Subject,
		Level:     payload.Level,
		ExpiresAt: expiresAt,
		IssuedAt:  time.Unix(payload.Issued, 0),
	}, nil
}

// VerifyRequest extracts the bearer token from the Authorization header or the
// token query parameter, which browsers need because websocket upgrades cannot
// carry custom headers.
func (h *HMACTokens) VerifyRequest(r *http.Request) (*Claims, error) {
	token := BearerToken(r)
	if token == "" {
		return nil, ErrMissingToken
	}
	return h.Verify(token)
}

// BearerToken returns the request's token or an empty string.
func BearerToken(r *http.Request) string {
	if r == nil {
		return ""
	}
	if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
		if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
			return strings.TrimSpace(header[7:])
		}
		return ""
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func (h *HMACTokens) sign(input []byte) []byte {
	mac := hmac.New(sha256.New, h.secret)
	mac.Write(input)
	return mac.Sum(nil)
}

func encodeSegment(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}

func decodeJSONSegment(segment string, target any) error {
	raw, err := base64.RawURLEncoding.DecodeString(segment)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, target)
}
