package effects

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
)

// LogToaster writes toasts to a logger. It also records the last text per
// toast id so callers can inspect what a user would see.
type LogToaster struct {
	Logger *slog.Logger

	mu   sync.Mutex
	last map[string]string
}

var (
	_ Toaster = (*LogToaster)(nil)
	_ Hider   = (*LogToaster)(nil)
	_ Updater = (*LogToaster)(nil)
)

func (t *LogToaster) show(kind, id, text string) {
	t.mu.Lock()
	if t.last == nil {
		t.last = make(map[string]string)
	}
	t.last[id] = text
	t.mu.Unlock()

	log := t.Logger
	if log == nil {
		log = slog.Default()
	}
	log.Info("toast", slog.String("kind", kind), slog.String("id", id), slog.String("text", text))
}

func (t *LogToaster) ShowPending(id, text string) { t.show("pending", id, text) }
func (t *LogToaster) ShowSuccess(id, text string) { t.show("success", id, text) }
func (t *LogToaster) ShowError(id, text string)   { t.show("error", id, text) }
func (t *LogToaster) Update(id, text string)      { t.show("update", id, text) }

func (t *LogToaster) Hide(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.last, id)
}

// Visible returns the text currently shown for id.
func (t *LogToaster) Visible(id string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.last[id]
	return s, ok
}

// IdentityTranslator returns every key unchanged.
type IdentityTranslator struct{}

func (IdentityTranslator) Translate(_ context.Context, key string, _ map[string]any) (string, error) {
	return key, nil
}

// MapTranslator looks keys up in a fixed table and falls back to the key.
type MapTranslator map[string]string

func (m MapTranslator) Translate(_ context.Context, key string, _ map[string]any) (string, error) {
	if s, ok := m[key]; ok {
		return s, nil
	}
	return key, nil
}

// LogDialogs logs dialogs and answers confirmations with AutoConfirm.
type LogDialogs struct {
	Logger      *slog.Logger
	AutoConfirm bool
}

func (d LogDialogs) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

func (d LogDialogs) Alert(_ context.Context, text string) error {
	d.logger().Info("alert", slog.String("text", text))
	return nil
}

func (d LogDialogs) Confirm(_ context.Context, text string) (bool, error) {
	d.logger().Info("confirm", slog.String("text", text), slog.Bool("answer", d.AutoConfirm))
	return d.AutoConfirm, nil
}

// NopReloader only logs reload requests.
type NopReloader struct {
	Logger *slog.Logger
}

func (r NopReloader) Reload(context.Context) error {
	if r.Logger != nil {
		r.Logger.Info("reload requested")
	}
	return nil
}

// DirSaver writes downloads into Dir. Direct links are fetched with
// Client.
type DirSaver struct {
	Dir    string
	Client *http.Client
}

func (s DirSaver) SaveURL(ctx context.Context, rawURL, filename string) error {
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("download %s: %w", rawURL, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("download %s: unexpected status %s", rawURL, resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("download %s: %w", rawURL, err)
	}
	return s.SaveBytes(ctx, data, resp.Header.Get("Content-Type"), filename)
}

// SaveBytes writes data to Dir/filename via a temp file and rename.
func (s DirSaver) SaveBytes(_ context.Context, data []byte, _ string, filename string) error {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create download dir: %w", err)
	}
	target := filepath.Join(s.Dir, filepath.Base(filename))
	tmpPath := target + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename download: %w", err)
	}
	return nil
}
