// Package types defines the domain model shared by the realtime client:
// wire frames, endpoint identities, job records and watched messages.
package types

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
)

// Frame types used by the correlation and job protocols.
const (
	TypeAck          = "ack"
	TypeJobUpdate    = "job.update"
	TypeJobDone      = "job.done"
	TypeJobError     = "job.error"
	TypeJobSubscribe = "job.subscribe"
	TypePing         = "ping"
)

// ErrNotObject is returned by DecodeFrame for JSON that is not an object.
var ErrNotObject = errors.New("frame is not a JSON object")

// Frame is one decoded inbound text frame. Only the fields the client
// acts on are typed; Raw keeps the complete body.
type Frame struct {
	Type          string          `json:"type,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	JobID         string          `json:"jobId,omitempty"`
	JobType       string          `json:"jobType,omitempty"`
	DownloadURL   string          `json:"downloadUrl,omitempty"`
	Error         json.RawMessage `json:"error,omitempty"`
	Progress      json.RawMessage `json:"progress,omitempty"`

	// Watched-message protocol: {id, state, toast?, data?}
	ID    string          `json:"id,omitempty"`
	State MessageState    `json:"state,omitempty"`
	Toast string          `json:"toast,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// DecodeFrame parses a text frame. Anything that is not a JSON object is
// rejected.
func DecodeFrame(data []byte) (*Frame, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, ErrNotObject
	}
	var f Frame
	if err := json.Unmarshal(trimmed, &f); err != nil {
		return nil, err
	}
	f.Raw = append(json.RawMessage(nil), trimmed...)
	return &f, nil
}

// MarshalJSON re-emits the original body when the frame was decoded from
// the wire.
func (f Frame) MarshalJSON() ([]byte, error) {
	if len(f.Raw) > 0 {
		return f.Raw, nil
	}
	type plain Frame
	return json.Marshal(plain(f))
}

// Fields returns the whole frame body as a generic map.
func (f *Frame) Fields() map[string]any {
	if f == nil || len(f.Raw) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(f.Raw, &m); err != nil {
		return nil
	}
	return m
}

// ErrorText returns the server supplied error as text. String values are
// unquoted, anything else is returned as its JSON encoding.
func (f *Frame) ErrorText() string {
	if f == nil || len(f.Error) == 0 || string(f.Error) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(f.Error, &s); err == nil {
		return s
	}
	return string(f.Error)
}

// Kind strips an optional "<jobType>." prefix from the frame type, so
// "printTag.job.done" and "job.done" both yield "job.done".
func (f *Frame) Kind() string {
	if f == nil {
		return ""
	}
	return KindOf(f.Type)
}

// KindOf is Frame.Kind for a bare type string.
func KindOf(t string) string {
	for _, k := range []string{TypeJobDone, TypeJobError, TypeJobUpdate, TypeAck} {
		if t == k || strings.HasSuffix(t, "."+k) {
			return k
		}
	}
	return t
}

// TypePrefix returns the portion of a dotted type before the first dot,
// or the whole type when it has none.
func TypePrefix(t string) string {
	if i := strings.Index(t, "."); i > 0 {
		return t[:i]
	}
	return t
}

// Payload is an outgoing JSON object.
type Payload map[string]any

// Clone returns a shallow copy so envelope fields never leak into the
// caller's map.
func (p Payload) Clone() Payload {
	out := make(Payload, len(p)+2)
	for k, v := range p {
		out[k] = v
	}
	return out
}
