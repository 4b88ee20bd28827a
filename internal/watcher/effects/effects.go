// Package effects defines the UI collaborators the client drives (toasts,
// translation, dialogs, reload, downloads) and the dispatcher that turns
// message states into calls on them.
package effects

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/electronicpartnerio/realtime-communication/internal/metrics"
)

// ToastIDPrefix prefixes the toast ids of watched messages.
const ToastIDPrefix = "toast-"

// Toaster shows notifications.
type Toaster interface {
	ShowPending(id, text string)
	ShowSuccess(id, text string)
	ShowError(id, text string)
}

// Hider is implemented by toasters that can remove a toast.
type Hider interface {
	Hide(id string)
}

// Updater is implemented by toasters that can change a toast's text.
type Updater interface {
	Update(id, text string)
}

// Translator resolves translation keys.
type Translator interface {
	Translate(ctx context.Context, key string, params map[string]any) (string, error)
}

// Dialogs shows blocking dialogs.
type Dialogs interface {
	Alert(ctx context.Context, text string) error
	Confirm(ctx context.Context, text string) (bool, error)
}

// Reloader restarts the application view.
type Reloader interface {
	Reload(ctx context.Context) error
}

// Saver delivers downloads to the user.
type Saver interface {
	// SaveURL hands a direct link to the user agent.
	SaveURL(ctx context.Context, rawURL, filename string) error
	// SaveBytes stores fetched or inline content.
	SaveBytes(ctx context.Context, data []byte, mime, filename string) error
}

// Success payload actions.
const (
	ActionDownload    = "download"
	ActionAlert       = "alert"
	ActionForceReload = "forceReload"
)

// Dispatcher runs side effects against the configured collaborators. Any
// collaborator may be nil; its effects are then skipped.
type Dispatcher struct {
	Toaster    Toaster
	Translator Translator
	Dialogs    Dialogs
	Reloader   Reloader
	Saver      Saver
	HTTPClient *http.Client
	Now        func() time.Time
	Logger     *slog.Logger
	Metrics    *metrics.Collector
}

func (d *Dispatcher) log() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

func (d *Dispatcher) now() time.Time {
	if d.Now == nil {
		return time.Now()
	}
	return d.Now()
}

// Hide removes the toast of a watched message when the toaster supports
// it.
func (d *Dispatcher) Hide(id string) {
	if h, ok := d.Toaster.(Hider); ok {
		h.Hide(ToastIDPrefix + id)
	}
}

// Pending hides any previous toast for id and shows the pending text.
func (d *Dispatcher) Pending(ctx context.Context, id, text string) {
	d.Hide(id)
	d.toast(ctx, "pending", id, text)
}

// Failure hides any previous toast for id and shows the error text.
func (d *Dispatcher) Failure(ctx context.Context, id, text string) {
	d.Hide(id)
	d.toast(ctx, "error", id, text)
}

// successData is the optional action carried by a success frame.
type successData struct {
	Type string `json:"type"`
	Msg  string `json:"msg"`
}

// Success hides any previous toast for id, shows the success text and
// runs the action named by data.type, if any.
func (d *Dispatcher) Success(ctx context.Context, id, text string, data json.RawMessage) error {
	d.Hide(id)
	d.toast(ctx, "success", id, text)

	if len(data) == 0 {
		return nil
	}
	var sd successData
	if err := json.Unmarshal(data, &sd); err != nil {
		// Data that is not an object carries no action.
		return nil
	}

	message := sd.Msg
	if message == "" {
		message = text
	}

	switch sd.Type {
	case ActionDownload:
		var p DownloadPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		return d.Download(ctx, p)
	case ActionAlert:
		return d.Alert(ctx, message)
	case ActionForceReload:
		return d.ForceReload(ctx, message)
	}
	return nil
}

// Alert shows a blocking dialog with the translated message.
func (d *Dispatcher) Alert(ctx context.Context, message string) error {
	if d.Dialogs == nil {
		return nil
	}
	d.Metrics.RecordEffect("alert")
	return d.Dialogs.Alert(ctx, TranslateSafe(ctx, d.Translator, d.log(), message))
}

// ForceReload asks for confirmation and reloads only when confirmed.
func (d *Dispatcher) ForceReload(ctx context.Context, message string) error {
	if d.Dialogs == nil {
		return nil
	}
	ok, err := d.Dialogs.Confirm(ctx, TranslateSafe(ctx, d.Translator, d.log(), message))
	if err != nil || !ok {
		return err
	}
	if d.Reloader == nil {
		return nil
	}
	d.Metrics.RecordEffect("reload")
	return d.Reloader.Reload(ctx)
}

func (d *Dispatcher) toast(ctx context.Context, kind, id, text string) {
	if d.Toaster == nil || text == "" {
		return
	}
	text = TranslateSafe(ctx, d.Translator, d.log(), text)
	tid := ToastIDPrefix + id
	switch kind {
	case "pending":
		d.Toaster.ShowPending(tid, text)
	case "success":
		d.Toaster.ShowSuccess(tid, text)
	default:
		d.Toaster.ShowError(tid, text)
	}
	d.Metrics.RecordEffect("toast")
}
