package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, 5*time.Second, nil)
}

func TestQueryAgent(t *testing.T) {
	var gotAuth string
	var gotBody QueryRequest
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/agent_query" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &gotBody); err != nil {
			t.Errorf("unmarshal request body: %v", err)
		}
		io.WriteString(w, `{"message":"Try three sets of rows.","intent":"trainer"}`)
	})

	token := "fb-access"
	resp, err := client.QueryAgent(context.Background(), "jwt-1", QueryRequest{
		Context:        "Suggest some back workouts",
		ConsentGranted: true,
		FitbitToken:    &token,
	})
	if err != nil {
		t.Fatalf("QueryAgent: %v", err)
	}
	if resp.Message != "Try three sets of rows." {
		t.Errorf("message = %q", resp.Message)
	}
	if resp.Intent != "trainer" {
		t.Errorf("intent = %q", resp.Intent)
	}
	if gotAuth != "Bearer jwt-1" {
		t.Errorf("auth header = %q", gotAuth)
	}
	if gotBody.Context != "Suggest some back workouts" || !gotBody.ConsentGranted {
		t.Errorf("request body = %+v", gotBody)
	}
	if gotBody.FitbitToken == nil || *gotBody.FitbitToken != "fb-access" {
		t.Errorf("fitbit_token = %v", gotBody.FitbitToken)
	}
}

func TestQueryAgentServerError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	_, err := client.QueryAgent(context.Background(), "jwt-1", QueryRequest{Context: "hi"})
	ae, ok := IsAPIError(err)
	if !ok {
		t.Fatalf("QueryAgent error = %v, want APIError", err)
	}
	if ae.Status != http.StatusInternalServerError || ae.Endpoint != "/agent_query" {
		t.Errorf("APIError = %+v", ae)
	}
}

func TestExchangeFitbitCode(t *testing.T) {
	var gotBody ExchangeRequest
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/auth/verify/fitbit/callback" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &gotBody); err != nil {
			t.Errorf("unmarshal request body: %v", err)
		}
		io.WriteString(w, `{"tokens":{"access_token":"a1","refresh_token":"r1","expires_in":28800}}`)
	})

	tokens, err := client.ExchangeFitbitCode(context.Background(), ExchangeRequest{
		FitbitCode:   "code-1",
		CodeVerifier: "verifier-1",
		RedirectURI:  "http://127.0.0.1:8417/callback",
		UserJWT:      "jwt-1",
	})
	if err != nil {
		t.Fatalf("ExchangeFitbitCode: %v", err)
	}
	if tokens.AccessToken != "a1" || tokens.RefreshToken != "r1" || tokens.ExpiresIn != 28800 {
		t.Errorf("tokens = %+v", tokens)
	}
	if len(tokens.Raw) == 0 {
		t.Error("raw payload not preserved")
	}
	if gotBody.FitbitCode != "code-1" || gotBody.CodeVerifier != "verifier-1" {
		t.Errorf("request body = %+v", gotBody)
	}
}

func TestExchangeFitbitCodeIncomplete(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"no tokens field", `{}`},
		{"empty access token", `{"tokens":{"access_token":""}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				io.WriteString(w, tc.body)
			})
			_, err := client.ExchangeFitbitCode(context.Background(), ExchangeRequest{FitbitCode: "c"})
			if !errors.Is(err, ErrExchangeIncomplete) {
				t.Errorf("error = %v, want ErrExchangeIncomplete", err)
			}
		})
	}
}

func TestFetchFitbitData(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/fitbit/data" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer jwt-1" {
			t.Errorf("auth header = %q", got)
		}
		io.WriteString(w, `{"sleep":{"hours":7.5}}`)
	})

	data, err := client.FetchFitbitData(context.Background(), "jwt-1")
	if err != nil {
		t.Fatalf("FetchFitbitData: %v", err)
	}
	if string(data) != `{"sleep":{"hours":7.5}}` {
		t.Errorf("data = %s", data)
	}
}

func TestFetchFitbitDataEmpty(t *testing.T) {
	for _, body := range []string{"", "{}", "null", "  {}  "} {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, body)
		})
		data, err := client.FetchFitbitData(context.Background(), "jwt-1")
		if err != nil {
			t.Fatalf("FetchFitbitData(%q): %v", body, err)
		}
		if data != nil {
			t.Errorf("FetchFitbitData(%q) = %s, want nil", body, data)
		}
	}
}

func TestClearChat(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/clear_chat" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		io.WriteString(w, `{"status":"ok"}`)
	})
	if err := client.ClearChat(context.Background(), "jwt-1"); err != nil {
		t.Fatalf("ClearChat: %v", err)
	}
}

func TestClearChatRejected(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"status":"error"}`)
	})
	if err := client.ClearChat(context.Background(), "jwt-1"); err == nil {
		t.Fatal("ClearChat accepted a non-ok status")
	}
}

func TestNotifyRecoveryInit(t *testing.T) {
	var gotBody map[string]string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/agent/recovery/init" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &gotBody); err != nil {
			t.Errorf("unmarshal request body: %v", err)
		}
		io.WriteString(w, `{}`)
	})

	if err := client.NotifyRecoveryInit(context.Background(), "jwt-1", "fb-access"); err != nil {
		t.Fatalf("NotifyRecoveryInit: %v", err)
	}
	if gotBody["fitbit_token"] != "fb-access" {
		t.Errorf("fitbit_token = %q", gotBody["fitbit_token"])
	}
	if gotBody["note"] != "initial_validation_from_client" {
		t.Errorf("note = %q", gotBody["note"])
	}
}

func TestNewClientPanicsWithoutBaseURL(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for empty base URL")
		}
	}()
	NewClient("", time.Second, nil)
}
