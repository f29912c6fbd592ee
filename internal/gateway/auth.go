package gateway

import (
	"errors"
	"net/http"

	"snowbiome/server/internal/auth"
)

// Identity is what an authenticator learns about a connecting player.
type Identity struct {
	Subject string
	Level   string
}

// Authenticator decides whether an upgrade request may open a session.
type Authenticator interface {
	Authenticate(r *http.Request) (Identity, error)
}

// AllowAll accepts every request anonymously.
type AllowAll struct{}

// Authenticate implements Authenticator.
func (AllowAll) Authenticate(*http.Request) (Identity, error) {
	return Identity{}, nil
}

type tokenAuthenticator struct {
	tokens *auth.HMACTokens
}

// NewTokenAuthenticator verifies HS256 player tokens carried in the
// Authorization header or the token query parameter.
func NewTokenAuthenticator(tokens *auth.HMACTokens) Authenticator {
	return &tokenAuthenticator{tokens: tokens}
}

// Authenticate validates the incoming token and returns the player's identity.
func (a *tokenAuthenticator) Authenticate(r *http.Request) (Identity, error) {
	if a == nil || a.tokens == nil {
		return Identity{}, errors.New("verifier not configured")
	}
	claims, err := a.tokens.VerifyRequest(r)
	if err != nil {
		return Identity{}, err
	}
	return Identity{Subject: claims.Subject, Level: claims.Level}, nil
}
