// Package pkce implements the Proof Key for Code Exchange handshake
// (RFC 7636) used when linking a Fitbit account: a random code verifier,
// its S256 challenge, and an anti-CSRF state token round-tripped through
// the provider's authorization redirect.
package pkce

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// verifierBytes is the raw entropy behind the code verifier. 64 bytes
// base64url-encode to 86 characters, inside RFC 7636's 43-128 range.
const verifierBytes = 64

// ErrMissingClientID is returned when an authorization URL is requested
// without a configured OAuth client id.
var ErrMissingClientID = errors.New("fitbit client id is not configured")

// Handshake is a single-use verifier/challenge/state triple. It is
// persisted before the redirect and consumed by the callback handler.
type Handshake struct {
	Verifier  string
	Challenge string
	State     string
}

// NewHandshake generates a fresh handshake from cryptographic randomness.
func NewHandshake() (Handshake, error) {
	buf := make([]byte, verifierBytes)
	if _, err := rand.Read(buf); err != nil {
		return Handshake{}, fmt.Errorf("generate code verifier: %w", err)
	}
	verifier := base64.RawURLEncoding.EncodeToString(buf)
	return Handshake{
		Verifier:  verifier,
		Challenge: Challenge(verifier),
		State:     uuid.NewString(),
	}, nil
}

// Challenge derives the S256 code challenge for a verifier.
func Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// AuthorizationRequest carries the static configuration needed to build
// the provider's authorization URL.
type AuthorizationRequest struct {
	AuthURL     string
	ClientID    string
	RedirectURI string
	Scopes      []string
}

// URL builds the authorization redirect target for a handshake. Pure
// construction; the only failure mode is missing configuration.
func (r AuthorizationRequest) URL(h Handshake) (string, error) {
	if r.ClientID == "" {
		return "", ErrMissingClientID
	}
	cfg := oauth2.Config{
		ClientID:    r.ClientID,
		RedirectURL: r.RedirectURI,
		Scopes:      r.Scopes,
		Endpoint:    oauth2.Endpoint{AuthURL: r.AuthURL},
	}
	return cfg.AuthCodeURL(h.State,
		oauth2.SetAuthURLParam("code_challenge", h.Challenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	), nil
}
