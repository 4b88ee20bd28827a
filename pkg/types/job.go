package types

import "encoding/json"

// JobStatus is the lifecycle state of a tracked job.
type JobStatus string

const (
	JobPending JobStatus = "pending" // acknowledged by the server, no outcome yet
	JobDone    JobStatus = "done"    // terminal success
	JobError   JobStatus = "error"   // terminal failure
)

// JobRecord is the durable record of a job that received a server
// acknowledgment. Timestamps are Unix milliseconds.
type JobRecord struct {
	JobID         string      `json:"jobId"`
	Status        JobStatus   `json:"status"`
	CorrelationID string      `json:"correlationId,omitempty"`
	// Endpoint is the normalised identity of the session that started
	// the job. Only that session resubscribes it.
	Endpoint      string      `json:"endpoint,omitempty"`
	Type          string      `json:"type,omitempty"`
	StartedAt     int64       `json:"startedAt"`
	UpdatedAt     int64       `json:"updatedAt"`
	DownloadURL   string      `json:"downloadUrl,omitempty"`
	Error         string      `json:"error,omitempty"`
	ToastID       string      `json:"toastId,omitempty"`
	ToastTexts    *ToastTexts `json:"toastTexts,omitempty"`
}

// ToastTexts groups the optional toast texts of one request.
type ToastTexts struct {
	Pending ToastText `json:"toastPendingText,omitzero"`
	Success ToastText `json:"toastSuccessText,omitzero"`
	Error   ToastText `json:"toastErrorText,omitzero"`
}

// Empty reports whether no text is configured at all.
func (t *ToastTexts) Empty() bool {
	return t == nil || (t.Pending.IsZero() && t.Success.IsZero() && t.Error.IsZero())
}

// ToastText is either a literal string or a template evaluated against
// the outcome frame at dispatch time. Only literals survive persistence.
type ToastText struct {
	literal string
	render  func(*Frame) string
}

// Literal returns a fixed toast text.
func Literal(s string) ToastText { return ToastText{literal: s} }

// Templated returns a toast text computed from the outcome frame.
func Templated(fn func(*Frame) string) ToastText { return ToastText{render: fn} }

// IsZero reports whether neither a literal nor a template is set.
func (t ToastText) IsZero() bool { return t.literal == "" && t.render == nil }

// Resolve evaluates the text for f, falling back when it yields nothing.
func (t ToastText) Resolve(f *Frame, fallback string) string {
	if t.render != nil {
		if s := t.render(f); s != "" {
			return s
		}
		return fallback
	}
	if t.literal != "" {
		return t.literal
	}
	return fallback
}

// MarshalJSON persists the literal; templates marshal as an empty string.
func (t ToastText) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.literal)
}

// UnmarshalJSON restores a literal text.
func (t *ToastText) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	t.literal = s
	t.render = nil
	return nil
}

// OutcomeKind is the kind of a terminal job outcome.
type OutcomeKind string

const (
	OutcomeSuccess OutcomeKind = "success"
	OutcomeError   OutcomeKind = "error"
)

// OutcomeRecord coalesces consecutive outcomes of the same kind.
type OutcomeRecord struct {
	Type  OutcomeKind `json:"type"`
	Count int         `json:"count"`
	At    int64       `json:"at"`
}

// OutcomeCache is the per job type cache of the autopilot policy.
type OutcomeCache struct {
	PendingJobs    []string        `json:"pendingJobs,omitempty"`
	LastOutcome    *OutcomeRecord  `json:"lastOutcome,omitempty"`
	LastOutcomeMsg json.RawMessage `json:"lastOutcomeMsg,omitempty"`
}
