// Package realtime is the importable surface of the client. It re-exports
// the controller and the types callers need to request sessions, send
// correlated requests and plug in UI collaborators.
//
//	ctrl := realtime.New(realtime.Config{}, realtime.Deps{DurableStore: store})
//	if _, err := ctrl.Start(ctx); err != nil { ... }
//	sess, _ := ctrl.Client(ctx, realtime.SessionOptions{URL: "wss://host/ws"})
//	corr, _ := ctrl.Correlator(sess)
//	frame, err := corr.Request(ctx, realtime.Payload{"report": 7}, realtime.RequestOptions{
//		Type:     "export.start",
//		TrackJob: true,
//	})
package realtime

import (
	"github.com/electronicpartnerio/realtime-communication/internal/autopilot"
	"github.com/electronicpartnerio/realtime-communication/internal/controller"
	"github.com/electronicpartnerio/realtime-communication/internal/correlator"
	"github.com/electronicpartnerio/realtime-communication/internal/session"
	"github.com/electronicpartnerio/realtime-communication/internal/storage"
	"github.com/electronicpartnerio/realtime-communication/internal/storage/file"
	"github.com/electronicpartnerio/realtime-communication/internal/storage/memory"
	"github.com/electronicpartnerio/realtime-communication/internal/storage/sqlite"
	"github.com/electronicpartnerio/realtime-communication/internal/watcher/effects"
	"github.com/electronicpartnerio/realtime-communication/internal/wserr"
	"github.com/electronicpartnerio/realtime-communication/pkg/types"
)

type (
	Controller = controller.Controller
	Config     = controller.Config
	Deps       = controller.Deps

	Session        = session.Session
	SessionOptions = session.Options
	SendOptions    = session.SendOptions
	Event          = session.Event
	EventKind      = session.EventKind

	Correlator     = correlator.Correlator
	RequestOptions = correlator.RequestOptions

	Autopilot        = autopilot.Autopilot
	AutopilotOptions = autopilot.Options
	RegisterOptions  = autopilot.RegisterOptions
	Feature          = autopilot.Feature

	Store      = storage.Store
	Dispatcher = effects.Dispatcher
	Toaster    = effects.Toaster
	Translator = effects.Translator
	Dialogs    = effects.Dialogs
	Reloader   = effects.Reloader
	Saver      = effects.Saver

	Payload        = types.Payload
	Frame          = types.Frame
	ToastText      = types.ToastText
	TrackedMessage = types.TrackedMessage
	JobRecord      = types.JobRecord

	TimeoutError   = wserr.TimeoutError
	TransportError = wserr.TransportError
	JobError       = wserr.JobError
)

const (
	EventOpen    = session.EventOpen
	EventMessage = session.EventMessage
	EventClose   = session.EventClose
	EventError   = session.EventError
)

var (
	ErrNotInitialized = wserr.ErrNotInitialized
	ErrNotOpen        = wserr.ErrNotOpen
	ErrClosed         = wserr.ErrClosed
)

// New builds a controller. Call Start before requesting sessions.
func New(cfg Config, deps Deps) *Controller {
	return controller.New(cfg, deps)
}

// NewMemoryStore returns a store that lives as long as the process.
func NewMemoryStore() Store { return memory.New() }

// NewSQLiteStore opens a durable store at path.
func NewSQLiteStore(path string) (Store, error) { return sqlite.New(path) }

// NewFileStore opens a durable store with one file per key below dir.
func NewFileStore(dir string) (Store, error) { return file.New(dir) }

// Literal is a fixed toast text.
func Literal(s string) ToastText { return types.Literal(s) }

// Templated is a toast text rendered from the outcome frame.
func Templated(fn func(*Frame) string) ToastText { return types.Templated(fn) }
