// Package store holds the client's durable key/value state: the session
// credential, consent flag, Fitbit link state, PKCE handshake and the
// chat transcript. Every component takes a Store as a dependency so
// tests can substitute the in-memory implementation.
package store

// Persisted keys. The names match the backend's expectations and the
// original deployment's storage schema, so a migrated value keeps working.
const (
	KeySessionToken = "descope_jwt"
	KeyConsent      = "agent_consent_granted"
	KeyFitbitToken  = "fitbit_token"
	KeyFitbitTokens = "fitbit_tokens"
	KeyFitbitLinked = "fitbit_authenticated"
	KeyOAuthState   = "fitbit_oauth_state"
	KeyCodeVerifier = "fitbit_code_verifier"
	KeyWelcomeShown = "fitbit_welcome_shown"
	KeyTranscript   = "chat_messages"
)

// Store is a flat key/value persistence layer. Absent keys read as "".
// ClearBatch removes every listed key in a single synchronous batch so
// callers never observe a partial clear across restarts.
type Store interface {
	Get(key string) string
	Set(key, value string) error
	Delete(key string) error
	ClearBatch(keys ...string) error
	Close() error
}

// AllKeys lists every key wiped by a logout.
func AllKeys() []string {
	return []string{
		KeySessionToken,
		KeyConsent,
		KeyFitbitToken,
		KeyFitbitTokens,
		KeyFitbitLinked,
		KeyOAuthState,
		KeyCodeVerifier,
		KeyWelcomeShown,
		KeyTranscript,
	}
}

// WearableKeys lists the keys wiped by an unlink. The welcome flag
// survives so the integration announcement fires once per account,
// not once per link.
func WearableKeys() []string {
	return []string{
		KeyFitbitToken,
		KeyFitbitTokens,
		KeyFitbitLinked,
		KeyOAuthState,
		KeyCodeVerifier,
	}
}

// GetBool interprets a stored flag; only the literal "true" counts.
func GetBool(s Store, key string) bool {
	return s.Get(key) == "true"
}

// SetBool stores a flag as "true"/"false".
func SetBool(s Store, key string, v bool) error {
	if v {
		return s.Set(key, "true")
	}
	return s.Set(key, "false")
}
