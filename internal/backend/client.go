// Package backend wraps the fitness-agent orchestrator's HTTP API. All
// methods are stateless request/response calls; retry policy belongs to
// the user, never to this client.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"fitchat/internal/logging"
)

// Client talks to the fitness-agent backend.
type Client struct {
	httpClient *http.Client
	baseURL    string
	logger     *logging.StructuredLogger
}

// NewClient configures a backend client. The base URL must come from
// config; there is no hardcoded default deployment.
func NewClient(baseURL string, timeout time.Duration, logger *log.Logger) *Client {
	trimmed := strings.TrimRight(baseURL, "/")
	if trimmed == "" {
		panic("backend base URL must be provided from config")
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    trimmed,
		logger:     logging.NewStructuredLogger(logger, "backend", logging.JSONMode),
	}
}

// QueryAgent POSTs a composed user query to /agent_query.
func (c *Client) QueryAgent(ctx context.Context, jwt string, reqPayload QueryRequest) (QueryResponse, error) {
	var respPayload QueryResponse

	body, err := c.postJSON(ctx, "/agent_query", jwt, reqPayload)
	if err != nil {
		return respPayload, err
	}
	if err := json.Unmarshal(body, &respPayload); err != nil {
		return respPayload, fmt.Errorf("parse agent response: %w", err)
	}
	c.logger.Debug("agent reply", map[string]any{
		"chars":            len(respPayload.Message),
		"consent_required": respPayload.ConsentRequired,
	})
	return respPayload, nil
}

// ExchangeFitbitCode trades an authorization code plus PKCE verifier for
// provider tokens via /api/auth/verify/fitbit/callback. A 2xx response
// without an access token is reported as ErrExchangeIncomplete.
func (c *Client) ExchangeFitbitCode(ctx context.Context, reqPayload ExchangeRequest) (Tokens, error) {
	var out Tokens

	body, err := c.postJSON(ctx, "/api/auth/verify/fitbit/callback", "", reqPayload)
	if err != nil {
		return out, err
	}

	var envelope struct {
		Tokens json.RawMessage `json:"tokens"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return out, fmt.Errorf("parse exchange response: %w", err)
	}
	if len(envelope.Tokens) == 0 {
		return out, ErrExchangeIncomplete
	}
	if err := json.Unmarshal(envelope.Tokens, &out); err != nil {
		return out, fmt.Errorf("parse token payload: %w", err)
	}
	if out.AccessToken == "" {
		return Tokens{}, ErrExchangeIncomplete
	}
	out.Raw = envelope.Tokens
	return out, nil
}

// FetchFitbitData reads the current wearable payload from /fitbit/data.
// An empty JSON object is returned as nil so callers can distinguish
// "linked but no data" from a real payload.
func (c *Client) FetchFitbitData(ctx context.Context, jwt string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/fitbit/data", nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+jwt)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, &APIError{Endpoint: "/fitbit/data", Status: resp.StatusCode, Body: snippet(body)}
	}
	if emptyPayload(body) {
		return nil, nil
	}
	return json.RawMessage(body), nil
}

// NotifyRecoveryInit tells the backend a Fitbit link just completed so
// the recovery agent can validate the token. Best-effort: callers are
// expected to log and ignore the error.
func (c *Client) NotifyRecoveryInit(ctx context.Context, jwt, fitbitToken string) error {
	payload := map[string]string{
		"fitbit_token": fitbitToken,
		"note":         "initial_validation_from_client",
	}
	_, err := c.postJSON(ctx, "/api/agent/recovery/init", jwt, payload)
	return err
}

// ClearChat asks the backend to drop the server-side conversation.
func (c *Client) ClearChat(ctx context.Context, jwt string) error {
	body, err := c.postJSON(ctx, "/clear_chat", jwt, struct{}{})
	if err != nil {
		return err
	}
	var status struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &status); err != nil {
		return fmt.Errorf("parse clear response: %w", err)
	}
	if status.Status != "ok" {
		return fmt.Errorf("clear chat rejected: status %q", status.Status)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, path, jwt string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if jwt != "" {
		req.Header.Set("Authorization", "Bearer "+jwt)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	c.logger.Debug("request complete", map[string]any{
		"endpoint": path,
		"status":   resp.StatusCode,
		"size":     len(respBody),
	})

	if resp.StatusCode >= 300 {
		return nil, &APIError{Endpoint: path, Status: resp.StatusCode, Body: snippet(respBody)}
	}
	return respBody, nil
}

func snippet(body []byte) string {
	const max = 512
	s := strings.TrimSpace(string(body))
	if len(s) > max {
		return s[:max]
	}
	return s
}

func emptyPayload(body []byte) bool {
	trimmed := strings.TrimSpace(string(body))
	return trimmed == "" || trimmed == "{}" || trimmed == "null"
}
