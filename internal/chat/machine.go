// Package chat owns the conversation: the transcript, the per-message
// decision whether a recovery data source must be chosen first, and the
// dispatch to the backend agent. One dispatch may be in flight at a
// time; everything else is rejected until it resolves.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strconv"
	"strings"
	"sync"

	"fitchat/internal/backend"
	"fitchat/internal/store"
)

// Phase is the state machine's current position.
type Phase int

const (
	// PhaseIdle accepts new submissions.
	PhaseIdle Phase = iota
	// PhaseAwaitingDataSource blocks on a recovery data-source choice.
	PhaseAwaitingDataSource
	// PhaseDispatching has a backend call in flight.
	PhaseDispatching
)

var (
	// ErrAuthMissing means no session credential is stored; the caller
	// must route the user to login.
	ErrAuthMissing = errors.New("no session credential")
	// ErrConsentRequired means the consent gate has not been accepted.
	ErrConsentRequired = errors.New("consent not granted")
	// ErrBusy rejects a submit while a dispatch is in flight.
	ErrBusy = errors.New("a request is already in flight")
	// ErrDecisionPending rejects a submit while a recovery data-source
	// decision is open.
	ErrDecisionPending = errors.New("recovery data-source decision pending")
)

// User-visible strings. The agent-side ones are verbatim from the
// deployed frontend; the link instruction is adapted to this client's
// commands.
const (
	replyFallback     = "Sorry, I couldn't understand that."
	msgServerError    = "Error contacting server."
	msgLinkFirst      = "If you want Fitbit-based suggestions, please link your Fitbit account with the :link command first. You can also choose manual entry."
	msgNoWearableData = "No Fitbit data is available yet. You can provide manual recovery inputs instead."
	msgConsentGranted = "Consent granted. You can unlink Fitbit anytime with the :unlink command."
)

// PendingRecovery holds the message waiting on a data-source decision.
type PendingRecovery struct {
	OriginalText string
}

// WearableLink is the slice of the Fitbit link manager the machine
// reads. It never starts an authorization redirect itself.
type WearableLink interface {
	Linked() bool
	AccessToken() string
}

// Options tune a Machine beyond its required dependencies.
type Options struct {
	// Recovery overrides the recovery-query predicate.
	Recovery func(string) bool
	// OnAppend observes every appended transcript entry (sentinel
	// included). Called synchronously; must not call back into the
	// Machine.
	OnAppend func(Message)
}

// Machine is the conversation state machine.
type Machine struct {
	mu         sync.Mutex
	store      store.Store
	dispatcher backend.Dispatcher
	wearable   WearableLink
	recovery   func(string) bool
	onAppend   func(Message)
	logger     *log.Logger

	phase    Phase
	messages []Message
	pending  *PendingRecovery
}

// New builds a Machine and loads the persisted transcript. The wearable
// link is attached separately because the link manager itself appends
// to this machine's transcript.
func New(st store.Store, dispatcher backend.Dispatcher, logger *log.Logger, opts Options) (*Machine, error) {
	if logger == nil {
		logger = log.Default()
	}
	recovery := opts.Recovery
	if recovery == nil {
		recovery = LooksLikeRecoveryQuery
	}
	msgs, err := loadTranscript(st)
	if err != nil {
		// A corrupt transcript should not brick the client.
		logger.Printf("[chat] transcript load failed, starting empty: %v", err)
		msgs = nil
	}
	return &Machine{
		store:      st,
		dispatcher: dispatcher,
		recovery:   recovery,
		onAppend:   opts.OnAppend,
		logger:     logger,
		messages:   msgs,
	}, nil
}

// SetWearable attaches the link state reader.
func (m *Machine) SetWearable(w WearableLink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wearable = w
}

// Phase returns the current state.
func (m *Machine) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Messages returns a copy of the transcript.
func (m *Machine) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.messages))
	copy(out, m.messages)
	return out
}

// Pending returns the open recovery request, if any.
func (m *Machine) Pending() *PendingRecovery {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending == nil {
		return nil
	}
	p := *m.pending
	return &p
}

// ConsentGranted reports the consent gate.
func (m *Machine) ConsentGranted() bool {
	return store.GetBool(m.store, store.KeyConsent)
}

// GrantConsent accepts the consent gate and announces it in chat.
func (m *Machine) GrantConsent() error {
	if err := store.SetBool(m.store, store.KeyConsent, true); err != nil {
		return err
	}
	m.AppendSystem(msgConsentGranted)
	return nil
}

// SessionToken returns the stored session credential ("" when absent).
func (m *Machine) SessionToken() string {
	return m.store.Get(store.KeySessionToken)
}

// Login stores a fresh session credential.
func (m *Machine) Login(jwt string) error {
	jwt = strings.TrimSpace(jwt)
	if jwt == "" {
		return ErrAuthMissing
	}
	return m.store.Set(store.KeySessionToken, jwt)
}

// AppendSystem adds an agent-side message to the transcript. Used by
// the machine itself and by the Fitbit link flow.
func (m *Machine) AppendSystem(text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendLocked(Message{Text: text})
}

// Submit is the single entry point for user messages. It appends the
// user bubble, then either pauses for a recovery data-source decision
// or dispatches straight to the backend.
func (m *Machine) Submit(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	m.mu.Lock()
	if m.SessionToken() == "" {
		m.mu.Unlock()
		return ErrAuthMissing
	}
	if !m.ConsentGranted() {
		m.mu.Unlock()
		return ErrConsentRequired
	}
	switch m.phase {
	case PhaseDispatching:
		m.mu.Unlock()
		return ErrBusy
	case PhaseAwaitingDataSource:
		m.mu.Unlock()
		return ErrDecisionPending
	}

	m.appendLocked(Message{Text: text, IsUser: true})

	if m.recovery(text) {
		m.pending = &PendingRecovery{OriginalText: text}
		m.phase = PhaseAwaitingDataSource
		m.mu.Unlock()
		return nil
	}

	// Non-recovery messages carry the wearable credential when linked,
	// so the backend can enrich any answer it likes.
	var token *string
	if m.wearable != nil && m.wearable.Linked() {
		t := m.wearable.AccessToken()
		token = &t
	}
	return m.dispatchLocked(ctx, text, token, nil, nil)
}

// ChooseFitbit resolves the open data-source decision with the wearable
// path: re-fetch current data, then dispatch. An unlinked account or an
// empty fetch resolves to an explanatory message without dispatching.
func (m *Machine) ChooseFitbit(ctx context.Context) error {
	m.mu.Lock()
	if m.phase != PhaseAwaitingDataSource || m.pending == nil {
		m.mu.Unlock()
		return nil
	}
	pending := m.pending.OriginalText
	m.pending = nil
	m.phase = PhaseIdle

	if m.wearable == nil || !m.wearable.Linked() {
		m.appendLocked(Message{Text: msgLinkFirst})
		m.mu.Unlock()
		return nil
	}
	accessToken := m.wearable.AccessToken()
	jwt := m.SessionToken()
	m.mu.Unlock()

	data, err := m.dispatcher.FetchFitbitData(ctx, jwt)
	if err != nil || len(data) == 0 {
		if err != nil {
			m.logger.Printf("[chat] fitbit data fetch failed: %v", err)
		}
		m.AppendSystem(msgNoWearableData)
		return nil
	}

	m.mu.Lock()
	return m.dispatchLocked(ctx, pending, &accessToken, data, nil)
}

// ChooseManual resolves the open decision with user-entered values. The
// submitted values are echoed as a user-visible message, then the
// original query dispatches with the manual payload and no wearable
// credential.
func (m *Machine) ChooseManual(ctx context.Context, sleepHours, proteinGrams *float64) error {
	m.mu.Lock()
	if m.phase != PhaseAwaitingDataSource || m.pending == nil {
		m.mu.Unlock()
		return nil
	}
	pending := m.pending.OriginalText
	m.pending = nil
	m.phase = PhaseIdle

	m.appendLocked(Message{Text: manualEcho(sleepHours, proteinGrams), IsUser: true})

	manual := &backend.ManualData{SleepHours: sleepHours, ProteinGrams: proteinGrams}
	return m.dispatchLocked(ctx, pending, nil, nil, manual)
}

// CancelDataSource discards the open decision without dispatching.
func (m *Machine) CancelDataSource() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase == PhaseAwaitingDataSource {
		m.pending = nil
		m.phase = PhaseIdle
	}
}

// Clear wipes the server-side conversation, then the local transcript.
// On backend failure the transcript is preserved.
func (m *Machine) Clear(ctx context.Context) error {
	jwt := m.SessionToken()
	if jwt == "" {
		return ErrAuthMissing
	}
	if err := m.dispatcher.ClearChat(ctx, jwt); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = nil
	return saveTranscript(m.store, nil)
}

// Logout clears every persisted key in one batch and resets the
// machine. The caller is responsible for routing to login.
func (m *Machine) Logout() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.ClearBatch(store.AllKeys()...); err != nil {
		return err
	}
	m.messages = nil
	m.pending = nil
	m.phase = PhaseIdle
	return nil
}

// dispatchLocked POSTs the query with the thinking sentinel shown. The
// lock is released for the duration of the network call and re-taken to
// apply the outcome. Caller must hold m.mu; it is released on return.
func (m *Machine) dispatchLocked(ctx context.Context, text string, fitbitToken *string, fitbitData json.RawMessage, manual *backend.ManualData) error {
	jwt := m.SessionToken()
	m.phase = PhaseDispatching
	m.appendLocked(Message{Text: ThinkingText})
	req := backend.QueryRequest{
		Context:        text,
		ConsentGranted: m.ConsentGranted(),
		FitbitToken:    fitbitToken,
		FitbitData:     fitbitData,
		ManualData:     manual,
	}
	m.mu.Unlock()

	resp, err := m.dispatcher.QueryAgent(ctx, jwt, req)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeThinkingLocked()
	m.phase = PhaseIdle

	// A response that lands after logout (or re-login) is stale and
	// must not touch the transcript.
	if current := m.SessionToken(); current == "" || current != jwt {
		m.logger.Printf("[chat] discarding stale response (session changed)")
		return nil
	}

	if err != nil {
		m.logger.Printf("[chat] query failed: %v", err)
		m.appendLocked(Message{Text: msgServerError})
		return nil
	}

	if resp.ConsentRequired {
		// The backend refused without consent; re-arm the local gate so
		// the consent prompt shows before the next attempt.
		_ = store.SetBool(m.store, store.KeyConsent, false)
	}

	reply := strings.TrimSpace(resp.Message)
	if reply == "" {
		reply = replyFallback
	}
	m.appendLocked(Message{Text: reply})
	return nil
}

// appendLocked adds a message, persists the transcript and notifies the
// observer. Caller must hold m.mu.
func (m *Machine) appendLocked(msg Message) {
	m.messages = append(m.messages, msg)
	if !msg.IsThinking() {
		if err := saveTranscript(m.store, m.messages); err != nil {
			m.logger.Printf("[chat] transcript save failed: %v", err)
		}
	}
	if m.onAppend != nil {
		m.onAppend(msg)
	}
}

func (m *Machine) removeThinkingLocked() {
	kept := m.messages[:0]
	for _, msg := range m.messages {
		if msg.IsThinking() {
			continue
		}
		kept = append(kept, msg)
	}
	m.messages = kept
}

func manualEcho(sleepHours, proteinGrams *float64) string {
	format := func(v *float64) string {
		if v == nil {
			return "?"
		}
		return strconv.FormatFloat(*v, 'f', -1, 64)
	}
	return "Manual data submitted:\n- Sleep: " + format(sleepHours) + " hours\n- Protein: " + format(proteinGrams) + " g"
}
