package fitbit

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"testing"

	"fitchat/internal/backend/mockbackend"
	"fitchat/internal/store"
)

type transcriptRecorder struct {
	entries []string
}

func (r *transcriptRecorder) AppendSystem(text string) {
	r.entries = append(r.entries, text)
}

func (r *transcriptRecorder) count(text string) int {
	n := 0
	for _, e := range r.entries {
		if e == text {
			n++
		}
	}
	return n
}

func newTestManager(t *testing.T) (*Manager, *store.Memory, *mockbackend.Client, *transcriptRecorder) {
	t.Helper()
	st := store.NewMemory()
	mock := mockbackend.New()
	rec := &transcriptRecorder{}
	mgr := NewManager(st, mock, rec, Config{
		AuthURL:     "https://www.fitbit.com/oauth2/authorize",
		ClientID:    "23ABCD",
		RedirectURI: "http://127.0.0.1:8417/callback",
		Scopes:      []string{"activity", "heartrate", "sleep", "profile"},
	}, nil)
	if err := st.Set(store.KeySessionToken, "jwt-1"); err != nil {
		t.Fatalf("seed session: %v", err)
	}
	return mgr, st, mock, rec
}

func callbackURL(t *testing.T, st *store.Memory, code string) string {
	t.Helper()
	return fmt.Sprintf("http://127.0.0.1:8417/callback?code=%s&state=%s",
		url.QueryEscape(code), url.QueryEscape(st.Get(store.KeyOAuthState)))
}

func TestStartLinkPersistsHandshake(t *testing.T) {
	mgr, st, _, _ := newTestManager(t)

	authURL, err := mgr.StartLink()
	if err != nil {
		t.Fatalf("StartLink: %v", err)
	}
	verifier := st.Get(store.KeyCodeVerifier)
	state := st.Get(store.KeyOAuthState)
	if verifier == "" || state == "" {
		t.Fatal("handshake not persisted")
	}

	u, err := url.Parse(authURL)
	if err != nil {
		t.Fatalf("parse auth url: %v", err)
	}
	q := u.Query()
	if q.Get("state") != state {
		t.Errorf("url state %q != stored state %q", q.Get("state"), state)
	}
	if q.Get("code_challenge") == "" || q.Get("code_challenge_method") != "S256" {
		t.Errorf("pkce params missing: %v", q)
	}

	// A second start overwrites, leaving exactly one live handshake.
	if _, err := mgr.StartLink(); err != nil {
		t.Fatalf("second StartLink: %v", err)
	}
	if st.Get(store.KeyCodeVerifier) == verifier {
		t.Error("second start reused the old verifier")
	}
}

func TestStartLinkWithoutClientID(t *testing.T) {
	st := store.NewMemory()
	rec := &transcriptRecorder{}
	mgr := NewManager(st, mockbackend.New(), rec, Config{
		AuthURL:     "https://www.fitbit.com/oauth2/authorize",
		RedirectURI: "http://127.0.0.1:8417/callback",
	}, nil)

	if _, err := mgr.StartLink(); err == nil {
		t.Fatal("StartLink succeeded without a client id")
	}
	if rec.count(msgStartFailed) != 1 {
		t.Errorf("start failure message count = %d, want 1", rec.count(msgStartFailed))
	}
	if st.Get(store.KeyCodeVerifier) != "" {
		t.Error("verifier persisted despite failure")
	}
}

func TestCallbackWithoutCode(t *testing.T) {
	mgr, _, mock, _ := newTestManager(t)
	if _, err := mgr.StartLink(); err != nil {
		t.Fatalf("StartLink: %v", err)
	}

	handled, err := mgr.HandleAuthorizationResponse(context.Background(), "http://127.0.0.1:8417/callback?error=access_denied")
	if handled || err != nil {
		t.Errorf("handled=%v err=%v, want false,nil", handled, err)
	}
	if mock.Exchanges != 0 {
		t.Errorf("exchange attempted %d times", mock.Exchanges)
	}
}

func TestCallbackStateMismatch(t *testing.T) {
	mgr, st, mock, _ := newTestManager(t)
	if _, err := mgr.StartLink(); err != nil {
		t.Fatalf("StartLink: %v", err)
	}
	verifier := st.Get(store.KeyCodeVerifier)

	handled, err := mgr.HandleAuthorizationResponse(context.Background(),
		"http://127.0.0.1:8417/callback?code=c1&state=forged-state")
	if !handled || !errors.Is(err, ErrCsrfMismatch) {
		t.Errorf("handled=%v err=%v, want true,ErrCsrfMismatch", handled, err)
	}
	if mock.Exchanges != 0 {
		t.Errorf("exchange attempted despite state mismatch")
	}
	// The live handshake survives; the real redirect can still land.
	if st.Get(store.KeyCodeVerifier) != verifier {
		t.Error("handshake consumed by a forged callback")
	}
}

func TestCallbackWithoutHandshake(t *testing.T) {
	mgr, _, mock, _ := newTestManager(t)

	handled, err := mgr.HandleAuthorizationResponse(context.Background(),
		"http://127.0.0.1:8417/callback?code=c1&state=s1")
	if !handled || !errors.Is(err, ErrPkceMissing) {
		t.Errorf("handled=%v err=%v, want true,ErrPkceMissing", handled, err)
	}
	if mock.Exchanges != 0 {
		t.Errorf("exchange attempted without a verifier")
	}
}

func TestCallbackSuccess(t *testing.T) {
	mgr, st, mock, rec := newTestManager(t)
	if _, err := mgr.StartLink(); err != nil {
		t.Fatalf("StartLink: %v", err)
	}

	handled, err := mgr.HandleAuthorizationResponse(context.Background(), callbackURL(t, st, "c1"))
	if !handled || err != nil {
		t.Fatalf("handled=%v err=%v, want true,nil", handled, err)
	}
	if mock.Exchanges != 1 {
		t.Errorf("exchanges = %d, want 1", mock.Exchanges)
	}
	if !mgr.Linked() {
		t.Error("not linked after successful exchange")
	}
	if got := mgr.AccessToken(); got != "mock-access-token" {
		t.Errorf("access token = %q", got)
	}
	if st.Get(store.KeyFitbitTokens) == "" {
		t.Error("full token payload not persisted")
	}
	if st.Get(store.KeyCodeVerifier) != "" || st.Get(store.KeyOAuthState) != "" {
		t.Error("handshake not consumed")
	}
	if rec.count(msgWelcome) != 1 {
		t.Errorf("welcome message count = %d, want 1", rec.count(msgWelcome))
	}
}

func TestCallbackReplayRejected(t *testing.T) {
	mgr, st, mock, _ := newTestManager(t)
	if _, err := mgr.StartLink(); err != nil {
		t.Fatalf("StartLink: %v", err)
	}
	redirect := callbackURL(t, st, "c1")

	if _, err := mgr.HandleAuthorizationResponse(context.Background(), redirect); err != nil {
		t.Fatalf("first callback: %v", err)
	}
	handled, err := mgr.HandleAuthorizationResponse(context.Background(), redirect)
	if !handled || !errors.Is(err, ErrPkceMissing) {
		t.Errorf("replay: handled=%v err=%v, want true,ErrPkceMissing", handled, err)
	}
	if mock.Exchanges != 1 {
		t.Errorf("replay triggered a second exchange (%d total)", mock.Exchanges)
	}
}

func TestWelcomeShownOncePerAccount(t *testing.T) {
	mgr, st, _, rec := newTestManager(t)

	for i := 0; i < 2; i++ {
		if _, err := mgr.StartLink(); err != nil {
			t.Fatalf("StartLink %d: %v", i, err)
		}
		if _, err := mgr.HandleAuthorizationResponse(context.Background(), callbackURL(t, st, "c1")); err != nil {
			t.Fatalf("callback %d: %v", i, err)
		}
		if i == 0 {
			if err := mgr.Unlink(); err != nil {
				t.Fatalf("Unlink: %v", err)
			}
		}
	}
	if rec.count(msgWelcome) != 1 {
		t.Errorf("welcome message count = %d, want 1 across relinks", rec.count(msgWelcome))
	}
}

func TestCallbackExchangeFailure(t *testing.T) {
	mgr, st, mock, rec := newTestManager(t)
	mock.FailExchange = true
	if _, err := mgr.StartLink(); err != nil {
		t.Fatalf("StartLink: %v", err)
	}

	handled, err := mgr.HandleAuthorizationResponse(context.Background(), callbackURL(t, st, "c1"))
	if !handled || !errors.Is(err, ErrExchangeFailed) {
		t.Errorf("handled=%v err=%v, want true,ErrExchangeFailed", handled, err)
	}
	if mgr.Linked() {
		t.Error("linked despite failed exchange")
	}
	if st.Get(store.KeyFitbitToken) != "" || st.Get(store.KeyFitbitTokens) != "" {
		t.Error("partial credentials left behind")
	}
	if rec.count(msgLinkFailed) != 1 {
		t.Errorf("link failure message count = %d, want 1", rec.count(msgLinkFailed))
	}
}

func TestUnlink(t *testing.T) {
	mgr, st, _, rec := newTestManager(t)
	if _, err := mgr.StartLink(); err != nil {
		t.Fatalf("StartLink: %v", err)
	}
	if _, err := mgr.HandleAuthorizationResponse(context.Background(), callbackURL(t, st, "c1")); err != nil {
		t.Fatalf("callback: %v", err)
	}

	if err := mgr.Unlink(); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	if mgr.Linked() {
		t.Error("still linked after unlink")
	}
	for _, k := range store.WearableKeys() {
		if st.Get(k) != "" {
			t.Errorf("key %s survived unlink", k)
		}
	}
	if !store.GetBool(st, store.KeyWelcomeShown) {
		t.Error("welcome flag lost on unlink")
	}
	if rec.count(msgUnlinked) != 1 {
		t.Errorf("unlink message count = %d, want 1", rec.count(msgUnlinked))
	}
}

func TestLinkedRequiresToken(t *testing.T) {
	mgr, st, _, _ := newTestManager(t)
	if err := store.SetBool(st, store.KeyFitbitLinked, true); err != nil {
		t.Fatalf("SetBool: %v", err)
	}
	if mgr.Linked() {
		t.Error("linked flag without a token reads as linked")
	}
	if mgr.AccessToken() != "" {
		t.Error("access token returned for inconsistent state")
	}
}
