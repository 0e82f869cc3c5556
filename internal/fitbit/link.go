// Package fitbit owns the wearable link lifecycle: starting the PKCE
// authorization redirect, handling the provider's callback, and
// unlinking. Link state lives entirely in the injected store so it
// survives restarts and can be revoked from anywhere.
package fitbit

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"

	"fitchat/internal/backend"
	"fitchat/internal/pkce"
	"fitchat/internal/store"
)

// User-visible messages, kept verbatim from the deployed frontend.
const (
	msgFetching    = "Fetching your Fitbit data..."
	msgWelcome     = "This application is now integrated with your Fitbit account. You can now ask recovery-based queries regarding the same."
	msgLinkFailed  = "Couldn't link Fitbit. Falling back to manual recovery logs."
	msgStartFailed = "Failed to start Fitbit link. You can proceed with manual logs."
	msgUnlinked    = "Fitbit unlinked. Recovery queries will now use manual inputs unless you link again."
)

var (
	// ErrCsrfMismatch marks a callback whose state token does not match
	// the one this client issued. Logged, never surfaced in chat.
	ErrCsrfMismatch = errors.New("oauth state mismatch")
	// ErrPkceMissing marks a callback with no handshake in progress.
	ErrPkceMissing = errors.New("no pkce handshake in progress")
	// ErrExchangeFailed covers every way the code-for-token exchange can
	// fail: network error, non-2xx, or an incomplete token payload.
	ErrExchangeFailed = errors.New("fitbit token exchange failed")
)

// Transcript is where the link flow appends its user-visible messages.
type Transcript interface {
	AppendSystem(text string)
}

// Config is the static OAuth configuration for the Fitbit provider.
type Config struct {
	AuthURL     string
	ClientID    string
	RedirectURI string
	Scopes      []string
}

// Manager drives link, callback and unlink against the store.
type Manager struct {
	store      store.Store
	exchanger  backend.Exchanger
	transcript Transcript
	cfg        Config
	logger     *log.Logger
}

// NewManager wires a link manager.
func NewManager(st store.Store, exchanger backend.Exchanger, transcript Transcript, cfg Config, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{
		store:      st,
		exchanger:  exchanger,
		transcript: transcript,
		cfg:        cfg,
		logger:     logger,
	}
}

// Linked reports whether a usable wearable credential is present. A
// linked flag without a token is treated as unlinked.
func (m *Manager) Linked() bool {
	return store.GetBool(m.store, store.KeyFitbitLinked) && m.store.Get(store.KeyFitbitToken) != ""
}

// AccessToken returns the wearable access credential, or "" when the
// account is not (consistently) linked.
func (m *Manager) AccessToken() string {
	if !m.Linked() {
		return ""
	}
	return m.store.Get(store.KeyFitbitToken)
}

// StartLink generates a fresh handshake, persists it (overwriting any
// prior unconsumed one), and returns the authorization URL the user
// must visit. Only one handshake is ever in flight.
func (m *Manager) StartLink() (string, error) {
	handshake, err := pkce.NewHandshake()
	if err != nil {
		m.transcript.AppendSystem(msgStartFailed)
		return "", fmt.Errorf("start link: %w", err)
	}
	authReq := pkce.AuthorizationRequest{
		AuthURL:     m.cfg.AuthURL,
		ClientID:    m.cfg.ClientID,
		RedirectURI: m.cfg.RedirectURI,
		Scopes:      m.cfg.Scopes,
	}
	authURL, err := authReq.URL(handshake)
	if err != nil {
		m.transcript.AppendSystem(msgStartFailed)
		return "", fmt.Errorf("start link: %w", err)
	}
	if err := m.store.Set(store.KeyCodeVerifier, handshake.Verifier); err != nil {
		return "", fmt.Errorf("persist verifier: %w", err)
	}
	if err := m.store.Set(store.KeyOAuthState, handshake.State); err != nil {
		return "", fmt.Errorf("persist state: %w", err)
	}
	m.logger.Printf("[fitbit] link started (state %s...)", handshake.State[:8])
	return authURL, nil
}

// HandleAuthorizationResponse processes the provider's redirect back.
// It runs at most one terminal pass per handshake: the stored verifier
// and state are consumed before the exchange is attempted, so replaying
// the same redirect URL cannot trigger a second exchange.
//
// Returns handled=false when the URL carries no authorization code.
func (m *Manager) HandleAuthorizationResponse(ctx context.Context, rawURL string) (handled bool, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false, fmt.Errorf("parse callback url: %w", err)
	}
	query := u.Query()
	code := query.Get("code")
	if code == "" {
		return false, nil
	}

	returnedState := query.Get("state")
	storedState := m.store.Get(store.KeyOAuthState)
	if storedState != "" && returnedState != "" && returnedState != storedState {
		m.logger.Printf("[fitbit] oauth state mismatch; ignoring callback")
		return true, ErrCsrfMismatch
	}

	verifier := m.store.Get(store.KeyCodeVerifier)
	if verifier == "" {
		m.logger.Printf("[fitbit] no code verifier found; ignoring callback")
		return true, ErrPkceMissing
	}

	// Consume the handshake before calling out. This is the URL-scrub
	// equivalent: a second callback with the same state finds no
	// verifier and is rejected above.
	_ = m.store.Delete(store.KeyCodeVerifier)
	_ = m.store.Delete(store.KeyOAuthState)

	m.transcript.AppendSystem(msgFetching)

	jwt := m.store.Get(store.KeySessionToken)
	tokens, err := m.exchanger.ExchangeFitbitCode(ctx, backend.ExchangeRequest{
		FitbitCode:   code,
		CodeVerifier: verifier,
		RedirectURI:  m.cfg.RedirectURI,
		UserJWT:      jwt,
	})
	if err != nil {
		m.logger.Printf("[fitbit] token exchange failed: %v", err)
		_ = m.store.Delete(store.KeyFitbitToken)
		_ = m.store.Delete(store.KeyFitbitTokens)
		_ = store.SetBool(m.store, store.KeyFitbitLinked, false)
		m.transcript.AppendSystem(msgLinkFailed)
		return true, fmt.Errorf("%w: %v", ErrExchangeFailed, err)
	}

	if err := m.store.Set(store.KeyFitbitToken, tokens.AccessToken); err != nil {
		return true, fmt.Errorf("persist access token: %w", err)
	}
	if len(tokens.Raw) > 0 {
		if err := m.store.Set(store.KeyFitbitTokens, string(tokens.Raw)); err != nil {
			return true, fmt.Errorf("persist token payload: %w", err)
		}
	}
	if err := store.SetBool(m.store, store.KeyFitbitLinked, true); err != nil {
		return true, fmt.Errorf("persist link flag: %w", err)
	}

	if !store.GetBool(m.store, store.KeyWelcomeShown) {
		m.transcript.AppendSystem(msgWelcome)
		_ = store.SetBool(m.store, store.KeyWelcomeShown, true)
	}

	// Best-effort validation ping; a failure must not undo the link.
	if notifyErr := m.exchanger.NotifyRecoveryInit(ctx, jwt, tokens.AccessToken); notifyErr != nil {
		m.logger.Printf("[fitbit] recovery init notification failed: %v", notifyErr)
	}

	m.logger.Printf("[fitbit] account linked")
	return true, nil
}

// Unlink drops every wearable credential in one batch and tells the
// user. The welcome flag is deliberately kept.
func (m *Manager) Unlink() error {
	if err := m.store.ClearBatch(store.WearableKeys()...); err != nil {
		return fmt.Errorf("unlink: %w", err)
	}
	m.transcript.AppendSystem(msgUnlinked)
	m.logger.Printf("[fitbit] account unlinked")
	return nil
}
