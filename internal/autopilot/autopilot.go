// Package autopilot is the job-type registration policy on top of the
// correlator: features register a job type with toast presets and send
// "<type>.start" requests; the autopilot keeps a per type cache of pending
// jobs and the last outcome and replays one toast per boot from it.
//
// Cache document, durable key "<base>:<type>":
//
//	{"pendingJobs": [...], "lastOutcome": {"type", "count", "at"}, "lastOutcomeMsg": {...}}
//
// Consecutive outcomes of the same kind increment lastOutcome.count.
package autopilot

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/electronicpartnerio/realtime-communication/internal/correlator"
	"github.com/electronicpartnerio/realtime-communication/internal/session"
	"github.com/electronicpartnerio/realtime-communication/internal/storage"
	"github.com/electronicpartnerio/realtime-communication/internal/watcher/effects"
	"github.com/electronicpartnerio/realtime-communication/pkg/types"
)

// DefaultCacheKeyBase prefixes the cache keys.
const DefaultCacheKeyBase = "rc"

// Variant selects how a preset toast is shown.
type Variant string

const (
	VariantInfo    Variant = "info"
	VariantSuccess Variant = "success"
	VariantWarning Variant = "warning"
	VariantError   Variant = "error"
)

// Preset is a translation key plus the toast variant to show it with.
type Preset struct {
	Key     string
	Variant Variant
}

// Toasts holds the optional presets of a feature.
type Toasts struct {
	Pending *Preset
	Success *Preset
	Error   *Preset
}

// RegisterOptions describes one feature.
type RegisterOptions struct {
	Type  string
	Toast Toasts
}

// Options configures an Autopilot.
type Options struct {
	CacheKeyBase string
	Translator   effects.Translator
	Toaster      effects.Toaster
	// EagerConnect wakes the session on the first Register so pending
	// jobs are resumed without waiting for a request.
	EagerConnect bool
	Logger       *slog.Logger
	Now          func() time.Time
}

// Autopilot routes job frames to the registered features.
type Autopilot struct {
	corr   *correlator.Correlator
	store  storage.Store
	opts   Options
	log    *slog.Logger
	attach sync.Once
	sub    *session.Subscription

	mu         sync.Mutex
	registered map[string]RegisterOptions
}

// New creates an autopilot for the session of corr. The outcome cache
// lives in store.
func New(corr *correlator.Correlator, store storage.Store, opts Options) *Autopilot {
	if opts.CacheKeyBase == "" {
		opts.CacheKeyBase = DefaultCacheKeyBase
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Autopilot{
		corr:       corr,
		store:      store,
		opts:       opts,
		log:        opts.Logger.With(slog.String("component", "autopilot")),
		registered: make(map[string]RegisterOptions),
	}
}

// Feature sends requests of one registered job type.
type Feature struct {
	a   *Autopilot
	typ string
}

// Type returns the job type of the feature.
func (f *Feature) Type() string { return f.typ }

// Send starts a job: {type: "<type>.start", payload}. It returns the
// job.done frame, or the job error.
func (f *Feature) Send(ctx context.Context, payload any) (*types.Frame, error) {
	return f.a.corr.Request(ctx, types.Payload{"type": f.typ + ".start", "payload": payload}, correlator.RequestOptions{TrackJob: true})
}

// Register adds a feature and shows its boot toasts: the pending toast if
// jobs of the type are outstanding, and the last unseen outcome once.
func (a *Autopilot) Register(ctx context.Context, ro RegisterOptions) *Feature {
	a.mu.Lock()
	a.registered[ro.Type] = ro
	a.mu.Unlock()

	a.attach.Do(func() {
		sess := a.corr.Session()
		a.sub = sess.Observe(session.EventMessage, func(ev session.Event) {
			a.handle(context.Background(), ev.Data)
		})
		if a.opts.EagerConnect {
			go func() {
				if err := sess.Ready(context.Background()); err != nil {
					a.log.Warn("eager connect failed", slog.Any("error", err))
				}
			}()
		}
	})

	a.bootToasts(ctx, ro.Type)
	return &Feature{a: a, typ: ro.Type}
}

// Close stops routing frames.
func (a *Autopilot) Close() {
	if a.sub != nil {
		a.sub.Off()
	}
}

// Cache returns the stored cache of jobType.
func (a *Autopilot) Cache(ctx context.Context, jobType string) types.OutcomeCache {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.readLocked(ctx, jobType)
}

func (a *Autopilot) handle(ctx context.Context, data []byte) {
	f, err := types.DecodeFrame(data)
	if err != nil || f.JobID == "" {
		return
	}
	jobType := a.jobType(ctx, f)
	if jobType == "" {
		return
	}

	switch f.Kind() {
	case types.TypeAck:
		a.update(ctx, jobType, func(c *types.OutcomeCache) {
			if !slices.Contains(c.PendingJobs, f.JobID) {
				c.PendingJobs = append(c.PendingJobs, f.JobID)
			}
		})
		a.show(ctx, jobType, "pending", nil)
	case types.TypeJobDone:
		a.finish(ctx, jobType, types.OutcomeSuccess, f)
	case types.TypeJobError:
		a.finish(ctx, jobType, types.OutcomeError, f)
	}
}

func (a *Autopilot) finish(ctx context.Context, jobType string, kind types.OutcomeKind, f *types.Frame) {
	now := a.opts.Now().UnixMilli()
	a.update(ctx, jobType, func(c *types.OutcomeCache) {
		c.PendingJobs = slices.DeleteFunc(c.PendingJobs, func(id string) bool { return id == f.JobID })
		if c.LastOutcome != nil && c.LastOutcome.Type == kind {
			c.LastOutcome = &types.OutcomeRecord{Type: kind, Count: c.LastOutcome.Count + 1, At: now}
		} else {
			c.LastOutcome = &types.OutcomeRecord{Type: kind, Count: 1, At: now}
		}
		c.LastOutcomeMsg = f.Raw
	})
	a.show(ctx, jobType, string(kind), f.Fields())
}

// jobType resolves the registered type of a frame: the dotted prefix of
// its type, else its jobType field, else the type of the request that
// started the job.
func (a *Autopilot) jobType(ctx context.Context, f *types.Frame) string {
	candidates := []string{types.TypePrefix(f.Type), f.JobType}
	if rec, ok := a.corr.Jobs().Get(ctx, f.JobID); ok {
		candidates = append(candidates, types.TypePrefix(rec.Type))
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, t := range candidates {
		if _, ok := a.registered[t]; ok && t != "" {
			return t
		}
	}
	return ""
}

func (a *Autopilot) bootToasts(ctx context.Context, jobType string) {
	c := a.Cache(ctx, jobType)
	if len(c.PendingJobs) > 0 {
		a.show(ctx, jobType, "pending", nil)
	}
	if c.LastOutcome == nil {
		return
	}

	var params map[string]any
	if len(c.LastOutcomeMsg) > 0 {
		if err := json.Unmarshal(c.LastOutcomeMsg, &params); err != nil {
			a.log.Debug("cached outcome message unreadable", slog.String("type", jobType), slog.Any("error", err))
		}
	}
	a.show(ctx, jobType, string(c.LastOutcome.Type), params)
	a.update(ctx, jobType, func(c *types.OutcomeCache) {
		c.LastOutcome = nil
		c.LastOutcomeMsg = nil
	})
}

// show replaces the toast of jobType and kind with the preset text.
func (a *Autopilot) show(ctx context.Context, jobType, kind string, params map[string]any) {
	if a.opts.Toaster == nil {
		return
	}
	a.mu.Lock()
	ro, ok := a.registered[jobType]
	a.mu.Unlock()
	if !ok {
		return
	}

	var preset *Preset
	switch kind {
	case "pending":
		preset = ro.Toast.Pending
	case string(types.OutcomeSuccess):
		preset = ro.Toast.Success
	default:
		preset = ro.Toast.Error
	}
	if preset == nil {
		return
	}

	text := a.translate(ctx, preset.Key, params)
	uid := ToastUID(jobType, kind)
	if h, ok := a.opts.Toaster.(effects.Hider); ok {
		h.Hide(uid)
	}
	switch preset.Variant {
	case VariantSuccess:
		a.opts.Toaster.ShowSuccess(uid, text)
	case VariantWarning, VariantError:
		a.opts.Toaster.ShowError(uid, text)
	default:
		a.opts.Toaster.ShowPending(uid, text)
	}
}

// ToastUID is the toast id shared by every toast of one type and kind.
func ToastUID(jobType, kind string) string {
	return "rc:" + jobType + ":" + kind
}

func (a *Autopilot) translate(ctx context.Context, key string, params map[string]any) string {
	if a.opts.Translator == nil {
		return key
	}
	text, err := a.opts.Translator.Translate(ctx, key, params)
	if err != nil || text == "" {
		return key
	}
	return text
}

func (a *Autopilot) cacheKey(jobType string) string {
	return a.opts.CacheKeyBase + ":" + jobType
}

func (a *Autopilot) update(ctx context.Context, jobType string, fn func(*types.OutcomeCache)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c := a.readLocked(ctx, jobType)
	fn(&c)
	storage.WriteJSON(ctx, a.log, a.store, a.cacheKey(jobType), c)
}

func (a *Autopilot) readLocked(ctx context.Context, jobType string) types.OutcomeCache {
	var c types.OutcomeCache
	if !storage.ReadJSON(ctx, a.log, a.store, a.cacheKey(jobType), &c) {
		return types.OutcomeCache{}
	}
	return c
}
