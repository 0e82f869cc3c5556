package backend

import (
	"context"
	"encoding/json"
)

// QueryRequest is the body POSTed to /agent_query.
type QueryRequest struct {
	Context        string          `json:"context"`
	ConsentGranted bool            `json:"consent_granted"`
	FitbitToken    *string         `json:"fitbit_token"`
	FitbitData     json.RawMessage `json:"fitbit_data,omitempty"`
	ManualData     *ManualData     `json:"manual_data"`
}

// ManualData carries user-entered recovery inputs. Nil fields are sent
// as JSON null, matching what the orchestrator expects for "not given".
type ManualData struct {
	SleepHours   *float64 `json:"sleep_hours"`
	ProteinGrams *float64 `json:"protein_grams"`
}

// QueryResponse is the orchestrator's reply to an agent query.
type QueryResponse struct {
	Message         string `json:"message"`
	ConsentRequired bool   `json:"consent_required,omitempty"`
	Intent          string `json:"intent,omitempty"`
}

// ExchangeRequest is the body POSTed to the backend's Fitbit token
// exchange endpoint after the authorization redirect returns.
type ExchangeRequest struct {
	FitbitCode   string `json:"fitbit_code"`
	CodeVerifier string `json:"code_verifier"`
	RedirectURI  string `json:"redirect_uri"`
	UserJWT      string `json:"user_jwt"`
}

// Tokens is the provider token payload returned by a successful
// exchange. Raw preserves the full payload for persistence; the typed
// fields cover what the client reads directly.
type Tokens struct {
	AccessToken  string          `json:"access_token"`
	RefreshToken string          `json:"refresh_token,omitempty"`
	ExpiresIn    int             `json:"expires_in,omitempty"`
	Raw          json.RawMessage `json:"-"`
}

// Dispatcher is the slice of the backend surface the conversation state
// machine depends on. *Client satisfies it; tests use mockbackend.
type Dispatcher interface {
	QueryAgent(ctx context.Context, jwt string, req QueryRequest) (QueryResponse, error)
	FetchFitbitData(ctx context.Context, jwt string) (json.RawMessage, error)
	ClearChat(ctx context.Context, jwt string) error
}

// Exchanger is the slice used by the Fitbit link manager.
type Exchanger interface {
	ExchangeFitbitCode(ctx context.Context, req ExchangeRequest) (Tokens, error)
	NotifyRecoveryInit(ctx context.Context, jwt, fitbitToken string) error
}
