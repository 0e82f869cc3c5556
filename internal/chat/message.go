package chat

import (
	"encoding/json"
	"fmt"

	"fitchat/internal/store"
)

// ThinkingText is the sentinel transcript entry shown while a backend
// call is in flight. It is removed (not hidden) when the call resolves
// and is never persisted.
const ThinkingText = "thinking"

// Message is one transcript entry. The JSON shape matches the stored
// transcript of the original deployment so existing histories load.
type Message struct {
	Text   string `json:"text"`
	IsUser bool   `json:"user,omitempty"`
}

// IsThinking reports whether this entry is the in-flight sentinel.
func (m Message) IsThinking() bool {
	return !m.IsUser && m.Text == ThinkingText
}

// loadTranscript reads the persisted transcript, dropping any sentinel
// that leaked into storage from an older client.
func loadTranscript(st store.Store) ([]Message, error) {
	raw := st.Get(store.KeyTranscript)
	if raw == "" {
		return nil, nil
	}
	var msgs []Message
	if err := json.Unmarshal([]byte(raw), &msgs); err != nil {
		return nil, fmt.Errorf("parse transcript: %w", err)
	}
	out := msgs[:0]
	for _, m := range msgs {
		if m.IsThinking() {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// saveTranscript persists the transcript minus any sentinel entry.
func saveTranscript(st store.Store, msgs []Message) error {
	persisted := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if m.IsThinking() {
			continue
		}
		persisted = append(persisted, m)
	}
	data, err := json.Marshal(persisted)
	if err != nil {
		return fmt.Errorf("marshal transcript: %w", err)
	}
	return st.Set(store.KeyTranscript, string(data))
}
