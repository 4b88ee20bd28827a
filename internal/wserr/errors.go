package wserr

// ============================================================================
// Error taxonomy
// Purpose: errors shared by session, correlator, watcher and storage
//
// Propagation:
//   - transport errors are retried internally and only surface through
//     Session.Ready
//   - malformed frames and storage failures are logged and swallowed
//   - timeouts and job failures reject the caller's request
// ============================================================================

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotInitialized is returned when the API is used before setup.
	ErrNotInitialized = errors.New("realtime: not initialized")

	// ErrNotOpen is returned by Send while the socket is not open.
	ErrNotOpen = errors.New("realtime: websocket is not open")

	// ErrClosed is returned once a session was closed by its owner.
	ErrClosed = errors.New("realtime: session closed")
)

// TimeoutError reports a request without terminal response in time.
type TimeoutError struct {
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("realtime: request timeout after %dms", e.Elapsed.Milliseconds())
}

// Timeout marks the error for net.Error style checks.
func (e *TimeoutError) Timeout() bool { return true }

// TransportError wraps socket construction, dial and close failures.
type TransportError struct {
	Op    string // "dial", "open", "close", "write"
	URL   string
	Cause error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("realtime: %s %s: %v", e.Op, e.URL, e.Cause)
}

func (e *TransportError) Unwrap() error { return e.Cause }

// DefaultJobError is used when the server omits an error text.
const DefaultJobError = "Unknown error"

// JobError is a server reported job failure.
type JobError struct {
	JobID   string
	Message string
}

func (e *JobError) Error() string {
	if e.Message == "" {
		return DefaultJobError
	}
	return e.Message
}

// MalformedFrameError describes an inbound frame that could not be parsed.
// It is only ever logged.
type MalformedFrameError struct {
	Size  int
	Cause error
}

func (e *MalformedFrameError) Error() string {
	return fmt.Sprintf("realtime: malformed frame (%d bytes): %v", e.Size, e.Cause)
}

func (e *MalformedFrameError) Unwrap() error { return e.Cause }

// StorageError describes a persistence failure. Accessors log it and fall
// back to empty state.
type StorageError struct {
	Op    string // "read", "decode", "write", "delete"
	Key   string
	Cause error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("realtime: storage %s %q: %v", e.Op, e.Key, e.Cause)
}

func (e *StorageError) Unwrap() error { return e.Cause }
