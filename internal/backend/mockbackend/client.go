package mockbackend

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"fitchat/internal/backend"
)

// Client is a deterministic backend.Dispatcher and backend.Exchanger
// used for tests and offline demo runs.
type Client struct {
	prefix string

	// FitbitPayload is returned by FetchFitbitData; leave nil to
	// simulate a linked account with no data yet.
	FitbitPayload json.RawMessage

	// Queries records every QueryAgent request for assertions.
	Queries []backend.QueryRequest

	// Exchanges counts ExchangeFitbitCode calls.
	Exchanges int

	// FailQueries makes QueryAgent return an error.
	FailQueries bool

	// FailExchange makes ExchangeFitbitCode return an error.
	FailExchange bool
}

// New returns a mock client that echoes the submitted query.
func New() *Client {
	return &Client{prefix: "MOCK"}
}

// QueryAgent satisfies backend.Dispatcher.
func (c *Client) QueryAgent(_ context.Context, _ string, req backend.QueryRequest) (backend.QueryResponse, error) {
	c.Queries = append(c.Queries, req)
	if c.FailQueries {
		return backend.QueryResponse{}, fmt.Errorf("mock backend unavailable")
	}
	text := strings.TrimSpace(req.Context)
	if text == "" {
		return backend.QueryResponse{Message: fmt.Sprintf("%s RESPONSE", c.prefix)}, nil
	}
	return backend.QueryResponse{Message: fmt.Sprintf("%s RESPONSE: %s", c.prefix, text)}, nil
}

// FetchFitbitData satisfies backend.Dispatcher.
func (c *Client) FetchFitbitData(context.Context, string) (json.RawMessage, error) {
	return c.FitbitPayload, nil
}

// ClearChat satisfies backend.Dispatcher.
func (c *Client) ClearChat(context.Context, string) error {
	return nil
}

// ExchangeFitbitCode satisfies backend.Exchanger.
func (c *Client) ExchangeFitbitCode(_ context.Context, req backend.ExchangeRequest) (backend.Tokens, error) {
	c.Exchanges++
	if c.FailExchange {
		return backend.Tokens{}, backend.ErrExchangeIncomplete
	}
	raw := json.RawMessage(`{"access_token":"mock-access-token","refresh_token":"mock-refresh-token"}`)
	return backend.Tokens{
		AccessToken:  "mock-access-token",
		RefreshToken: "mock-refresh-token",
		Raw:          raw,
	}, nil
}

// NotifyRecoveryInit satisfies backend.Exchanger.
func (c *Client) NotifyRecoveryInit(context.Context, string, string) error {
	return nil
}
