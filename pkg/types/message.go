package types

import "encoding/json"

// MessageState is the state of a watched message.
type MessageState string

const (
	StateSend    MessageState = "send"
	StatePending MessageState = "pending"
	StateSuccess MessageState = "success"
	StateError   MessageState = "error"
)

// Terminal reports whether the state ends the message lifecycle.
func (s MessageState) Terminal() bool {
	return s == StateSuccess || s == StateError
}

// Valid reports whether s is one of the known states.
func (s MessageState) Valid() bool {
	switch s {
	case StateSend, StatePending, StateSuccess, StateError:
		return true
	}
	return false
}

// WatchedMessage is a persisted application message whose server driven
// outcome is replayed into UI side effects, also after a restart.
type WatchedMessage struct {
	ID           string          `json:"id"`
	URL          string          `json:"url"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	State        MessageState    `json:"state"`
	Timestamp    int64           `json:"timestamp"`
	ToastPending string          `json:"toastPending,omitempty"`
}

// TrackedMessage is what a caller sends through the watched-message path.
// It goes on the wire as {"id": ID, "data": Data}.
type TrackedMessage struct {
	ID           string
	Data         any
	ToastPending string
}

// Envelope returns the wire form of m.
func (m TrackedMessage) Envelope() map[string]any {
	return map[string]any{"id": m.ID, "data": m.Data}
}

// Endpoint is the persisted identity of a connection, used to rebuild
// sessions after a restart.
type Endpoint struct {
	URL               string   `json:"url"`
	AuthToken         string   `json:"authToken,omitempty"`
	Protocols         []string `json:"protocols,omitempty"`
	AppendAuthToQuery *bool    `json:"appendAuthToQuery,omitempty"`
}

// AppendAuth resolves the append-auth flag, which defaults to true.
func (e Endpoint) AppendAuth() bool {
	return e.AppendAuthToQuery == nil || *e.AppendAuthToQuery
}
