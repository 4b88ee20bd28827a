// ============================================================================
// Message watcher
// ============================================================================
//
// Package: internal/watcher
// Purpose: persist tracked messages and replay their server driven states
// into side effects exactly once, also after a restart
//
// Message states:
//   send ──> pending ──> success | error
//     └──────────────────> success | error
//
//   pending may repeat (progress); each pending frame re-shows the toast.
//   success and error are terminal: the record is marked terminal when the
//   frame arrives, its effect is queued, and the record is removed once the
//   effect was attempted. Frames for unknown or terminal ids are dropped.
//
// Effects:
//   Every effect runs on a single worker pool, so effects run in frame
//   order and the socket read goroutine never waits on a download.
//
// Storage:
//   One JSON object {id: message} under the watcher key.
//
// Maintenance (boot):
//   older than Lifetime (exclusive) or terminal ─> dropped
//   pending                                   ─> pending effect again
// ============================================================================

package watcher

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/electronicpartnerio/realtime-communication/internal/metrics"
	"github.com/electronicpartnerio/realtime-communication/internal/session"
	"github.com/electronicpartnerio/realtime-communication/internal/storage"
	"github.com/electronicpartnerio/realtime-communication/internal/watcher/effects"
	"github.com/electronicpartnerio/realtime-communication/internal/worker"
	"github.com/electronicpartnerio/realtime-communication/internal/wserr"
	"github.com/electronicpartnerio/realtime-communication/pkg/types"
)

const (
	// DefaultKey is the store key of the watched message map.
	DefaultKey = "ep:ws:registry:watcher"
	// DefaultLifetime is how long a watched message survives maintenance.
	DefaultLifetime = 20 * time.Minute
	// EffectTimeout bounds a single side effect.
	EffectTimeout = 2 * time.Minute
)

// ErrUnknownMessage is returned for ids the watcher does not track.
var ErrUnknownMessage = errors.New("watched message not found")

// Options configures a Watcher.
type Options struct {
	Key      string
	Lifetime time.Duration
	Now      func() time.Time
	Logger   *slog.Logger
	Metrics  *metrics.Collector
}

// Watcher tracks watched messages of every attached session.
type Watcher struct {
	mu       sync.Mutex
	store    storage.Store
	cache    map[string]types.WatchedMessage
	effects  *effects.Dispatcher
	pool     *worker.Pool
	key      string
	lifetime time.Duration
	now      func() time.Time
	log      *slog.Logger
	metrics  *metrics.Collector
}

var _ session.TrackedSink = (*Watcher)(nil)

// New creates a watcher over store and starts its effect worker. Call Load
// to read the persisted messages and Stop to end the worker.
func New(store storage.Store, d *effects.Dispatcher, opts Options) *Watcher {
	if opts.Key == "" {
		opts.Key = DefaultKey
	}
	if opts.Lifetime <= 0 {
		opts.Lifetime = DefaultLifetime
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if d == nil {
		d = &effects.Dispatcher{Logger: opts.Logger, Metrics: opts.Metrics}
	}

	w := &Watcher{
		store:    store,
		cache:    make(map[string]types.WatchedMessage),
		effects:  d,
		pool:     worker.NewPool(64),
		key:      opts.Key,
		lifetime: opts.Lifetime,
		now:      opts.Now,
		log:      opts.Logger.With(slog.String("component", "watcher")),
		metrics:  opts.Metrics,
	}
	w.pool.OnResult = w.effectDone
	// Start only fails when called twice.
	_ = w.pool.Start(1)
	return w
}

// Key returns the store key of the watcher.
func (w *Watcher) Key() string { return w.key }

// Load replaces the in-memory view with the persisted messages. Entries
// without an id are skipped.
func (w *Watcher) Load(ctx context.Context) int {
	var stored map[string]types.WatchedMessage
	storage.ReadJSON(ctx, w.log, w.store, w.key, &stored)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.cache = make(map[string]types.WatchedMessage, len(stored))
	for _, m := range stored {
		if m.ID == "" {
			continue
		}
		w.cache[m.ID] = m
	}
	w.metrics.SetWatchedMessages(len(w.cache))
	return len(w.cache)
}

// Register records a message sent to url in the send state and returns
// its id. An empty id gets a random one.
func (w *Watcher) Register(url string, msg types.TrackedMessage) string {
	id := msg.ID
	if id == "" {
		id = uuid.NewString()
	}
	var payload json.RawMessage
	if msg.Data != nil {
		b, err := json.Marshal(msg.Data)
		if err != nil {
			w.log.Warn("watched payload not encodable", slog.String("id", id), slog.Any("error", err))
		} else {
			payload = b
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.cache[id] = types.WatchedMessage{
		ID:           id,
		URL:          url,
		Payload:      payload,
		State:        types.StateSend,
		Timestamp:    w.now().UnixMilli(),
		ToastPending: msg.ToastPending,
	}
	w.writeLocked(context.Background())
	return id
}

// Update applies fn to the message with id and persists the result. The
// id itself cannot be changed.
func (w *Watcher) Update(ctx context.Context, id string, fn func(*types.WatchedMessage)) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	m, ok := w.cache[id]
	if !ok {
		return ErrUnknownMessage
	}
	fn(&m)
	m.ID = id
	w.cache[id] = m
	w.writeLocked(ctx)
	return nil
}

// SetState changes the state of a message without running side effects.
func (w *Watcher) SetState(ctx context.Context, id string, state types.MessageState) error {
	return w.Update(ctx, id, func(m *types.WatchedMessage) { m.State = state })
}

// Get returns the message with id.
func (w *Watcher) Get(id string) (types.WatchedMessage, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	m, ok := w.cache[id]
	return m, ok
}

// List returns all messages, oldest first.
func (w *Watcher) List() []types.WatchedMessage {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]types.WatchedMessage, 0, len(w.cache))
	for _, m := range w.cache {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Remove forgets the message with id.
func (w *Watcher) Remove(ctx context.Context, id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.cache[id]; !ok {
		return
	}
	delete(w.cache, id)
	w.writeLocked(ctx)
}

// Clear forgets every message and deletes the stored document.
func (w *Watcher) Clear(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cache = make(map[string]types.WatchedMessage)
	storage.Remove(ctx, w.log, w.store, w.key)
	w.metrics.SetWatchedMessages(0)
}

// Busy reports whether a message sent to url still waits for its outcome.
// Messages older than the lifetime no longer count.
func (w *Watcher) Busy(url string) bool {
	now := w.now().UnixMilli()
	limit := w.lifetime.Milliseconds()

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, m := range w.cache {
		if m.URL == url && !m.State.Terminal() && now-m.Timestamp <= limit {
			return true
		}
	}
	return false
}

// Attach feeds the message frames of sess into the watcher. While a message
// sent through sess is outstanding the session is kept from idling out.
func (w *Watcher) Attach(sess *session.Session) *session.Subscription {
	url := sess.URL()
	sess.AddIdleGuard(func() bool { return w.Busy(url) })
	return sess.Observe(session.EventMessage, func(ev session.Event) {
		w.HandleFrame(context.Background(), ev.Data)
	})
}

// HandleFrame applies one inbound frame {id, state, toast?, data?}. Frames
// that are not watched-message frames are ignored; malformed frames and
// frames for unknown ids are dropped. It reports whether an effect was
// queued.
func (w *Watcher) HandleFrame(ctx context.Context, data []byte) bool {
	f, err := types.DecodeFrame(data)
	if err != nil {
		w.log.Debug("frame dropped", slog.Any("error", &wserr.MalformedFrameError{Size: len(data), Cause: err}))
		return false
	}
	if f.ID == "" || f.State == "" {
		return false
	}
	if !f.State.Valid() {
		w.drop(f.ID, "invalid_state")
		return false
	}

	w.mu.Lock()
	m, ok := w.cache[f.ID]
	if !ok {
		w.mu.Unlock()
		w.drop(f.ID, "unknown_id")
		return false
	}
	if m.State.Terminal() {
		w.mu.Unlock()
		w.drop(f.ID, "terminal")
		return false
	}
	m.State = f.State
	w.cache[f.ID] = m
	w.writeLocked(ctx)
	w.mu.Unlock()

	switch f.State {
	case types.StatePending:
		text := f.Toast
		if text == "" {
			text = m.ToastPending
		}
		return w.submit(m.ID, "pending", func(ctx context.Context) error {
			w.effects.Pending(ctx, m.ID, text)
			return nil
		})
	case types.StateSuccess:
		return w.submit(m.ID, "success", func(ctx context.Context) error {
			defer w.Remove(context.WithoutCancel(ctx), m.ID)
			return w.effects.Success(ctx, m.ID, f.Toast, f.Data)
		})
	case types.StateError:
		return w.submit(m.ID, "error", func(ctx context.Context) error {
			defer w.Remove(context.WithoutCancel(ctx), m.ID)
			w.effects.Failure(ctx, m.ID, f.Toast)
			return nil
		})
	}
	return false
}

// Maintain drops messages older than the lifetime or already terminal and
// re-shows the pending toast of every message still pending. It returns
// the number of dropped and replayed messages.
func (w *Watcher) Maintain(ctx context.Context) (dropped, replayed int) {
	now := w.now().UnixMilli()
	limit := w.lifetime.Milliseconds()

	w.mu.Lock()
	var pending []types.WatchedMessage
	for id, m := range w.cache {
		if now-m.Timestamp > limit || m.State.Terminal() {
			delete(w.cache, id)
			dropped++
			continue
		}
		if m.State == types.StatePending {
			pending = append(pending, m)
		}
	}
	if dropped > 0 {
		w.writeLocked(ctx)
	}
	w.mu.Unlock()

	sort.Slice(pending, func(i, j int) bool { return pending[i].Timestamp < pending[j].Timestamp })
	for _, m := range pending {
		if w.submit(m.ID, "pending", func(ctx context.Context) error {
			w.effects.Pending(ctx, m.ID, m.ToastPending)
			return nil
		}) {
			replayed++
		}
	}
	w.log.Info("watcher maintained", slog.Int("dropped", dropped), slog.Int("replayed", replayed))
	return dropped, replayed
}

// Drain waits until every queued effect ran.
func (w *Watcher) Drain() { w.pool.Drain() }

// Stop runs the queued effects and stops the effect worker.
func (w *Watcher) Stop() { w.pool.Stop() }

func (w *Watcher) submit(id, kind string, run func(context.Context) error) bool {
	err := w.pool.Submit(worker.Task{ID: id, Kind: kind, Run: run, Timeout: EffectTimeout})
	if err != nil {
		w.log.Warn("effect not queued", slog.String("id", id), slog.String("kind", kind), slog.Any("error", err))
		return false
	}
	return true
}

func (w *Watcher) effectDone(r worker.Result) {
	if r.Error != nil {
		w.log.Warn("side effect failed",
			slog.String("id", r.ID),
			slog.String("kind", r.Kind),
			slog.Any("error", r.Error))
		return
	}
	w.log.Debug("side effect done", slog.String("id", r.ID), slog.String("kind", r.Kind), slog.Duration("took", r.Duration))
}

func (w *Watcher) drop(id, reason string) {
	w.metrics.RecordFrameDropped(reason)
	w.log.Debug("watched frame dropped", slog.String("id", id), slog.String("reason", reason))
}

func (w *Watcher) writeLocked(ctx context.Context) {
	storage.WriteJSON(ctx, w.log, w.store, w.key, w.cache)
	w.metrics.SetWatchedMessages(len(w.cache))
}
