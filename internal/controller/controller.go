// ============================================================================
// Controller - composition root of the realtime client
// ============================================================================
//
// Package: internal/controller
// File: controller.go
// Function: wires registry, sessions, correlators, watcher and autopilots
// and restores the previous process' connections on start
//
// Components:
//   - Registry: one session per endpoint identity, persisted identities
//   - Watcher: watched messages and their side effects
//   - Tracker: durable job records
//   - Correlator: one per session, created when the session is built
//   - Autopilot: one per session, created on demand
//
// Restoration (Start):
//   1. watcher.Load()       - read the watched messages
//   2. registry.Restore()   - one session per persisted identity, no
//                             request is replayed
//   3. attach               - every session gets the watcher and a
//                             correlator before it opens, so pending jobs
//                             are re-subscribed on the first open
//   4. watcher.Maintain()   - drop expired/terminal messages, re-show
//                             pending toasts
//
// Shutdown (Stop):
//   sockets are closed but identities stay persisted, so the next Start
//   restores them. Queued side effects run before the effect worker stops.
// ============================================================================

package controller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/electronicpartnerio/realtime-communication/internal/autopilot"
	"github.com/electronicpartnerio/realtime-communication/internal/correlator"
	"github.com/electronicpartnerio/realtime-communication/internal/jobtracker"
	"github.com/electronicpartnerio/realtime-communication/internal/metrics"
	"github.com/electronicpartnerio/realtime-communication/internal/registry"
	"github.com/electronicpartnerio/realtime-communication/internal/session"
	"github.com/electronicpartnerio/realtime-communication/internal/storage"
	"github.com/electronicpartnerio/realtime-communication/internal/storage/memory"
	"github.com/electronicpartnerio/realtime-communication/internal/watcher"
	"github.com/electronicpartnerio/realtime-communication/internal/watcher/effects"
	"github.com/electronicpartnerio/realtime-communication/internal/wserr"
)

// Config holds keys and timings. Zero values use the package defaults of
// the component.
type Config struct {
	// Session is the template for restored and requested sessions.
	Session         session.Options
	RegistryKey     string
	WatcherKey      string
	JobsKey         string
	CacheKeyBase    string
	WatcherLifetime time.Duration
	ReadyTimeout    time.Duration
	EagerConnect    bool
}

// Deps are the collaborators owned by the caller. SessionStore holds the
// endpoint identities and watched messages; DurableStore holds job
// records and autopilot caches. Both may be the same store.
type Deps struct {
	SessionStore storage.Store
	DurableStore storage.Store
	Effects      *effects.Dispatcher
	Logger       *slog.Logger
	Metrics      *metrics.Collector
	Tracer       trace.Tracer
}

// Controller owns every component of one client instance.
type Controller struct {
	cfg  Config
	deps Deps
	log  *slog.Logger

	registry *registry.Registry
	watcher  *watcher.Watcher
	jobs     *jobtracker.Tracker

	mu          sync.Mutex
	started     bool
	stopped     bool
	startTime   time.Time
	correlators map[*session.Session]*correlator.Correlator
	autopilots  map[*session.Session]*autopilot.Autopilot
}

// New builds a controller. Nothing is read or opened before Start.
func New(cfg Config, deps Deps) *Controller {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.SessionStore == nil {
		deps.SessionStore = memory.New()
	}
	if deps.DurableStore == nil {
		deps.DurableStore = deps.SessionStore
	}
	if deps.Effects == nil {
		deps.Effects = &effects.Dispatcher{
			Toaster:    &effects.LogToaster{Logger: deps.Logger},
			Translator: effects.IdentityTranslator{},
			Dialogs:    effects.LogDialogs{Logger: deps.Logger},
			Reloader:   effects.NopReloader{Logger: deps.Logger},
			Logger:     deps.Logger,
			Metrics:    deps.Metrics,
		}
	}
	if cfg.Session.Logger == nil {
		cfg.Session.Logger = deps.Logger
	}
	if cfg.Session.Metrics == nil {
		cfg.Session.Metrics = deps.Metrics
	}

	c := &Controller{
		cfg:         cfg,
		deps:        deps,
		log:         deps.Logger.With(slog.String("component", "controller")),
		jobs:        jobtracker.New(deps.DurableStore, cfg.JobsKey, deps.Logger),
		correlators: make(map[*session.Session]*correlator.Correlator),
		autopilots:  make(map[*session.Session]*autopilot.Autopilot),
	}
	c.watcher = watcher.New(deps.SessionStore, deps.Effects, watcher.Options{
		Key:      cfg.WatcherKey,
		Lifetime: cfg.WatcherLifetime,
		Logger:   deps.Logger,
		Metrics:  deps.Metrics,
	})
	c.registry = registry.New(deps.SessionStore, registry.Options{
		Key:      cfg.RegistryKey,
		Logger:   deps.Logger,
		Factory:  c.build,
		OnRemove: c.discard,
	})
	return c
}

// Start restores the persisted state and returns the restored sessions.
func (c *Controller) Start(ctx context.Context) ([]*session.Session, error) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return c.registry.Sessions(), nil
	}
	if c.stopped {
		c.mu.Unlock()
		return nil, wserr.ErrClosed
	}
	c.started = true
	c.startTime = time.Now()
	c.mu.Unlock()

	c.log.Info("Starting recovery...")

	loaded := c.watcher.Load(ctx)
	restored := c.registry.Restore(c.base(session.Options{}))
	dropped, replayed := c.watcher.Maintain(ctx)

	c.log.Info("Recovery completed",
		slog.Duration("duration", time.Since(c.startTime)),
		slog.Int("sessions", len(restored)),
		slog.Int("watched", loaded),
		slog.Int("watched_dropped", dropped),
		slog.Int("watched_replayed", replayed),
		slog.Int("pending_jobs", len(c.jobs.Pending(ctx))))
	return restored, nil
}

// build is the registry factory: the session gets the watcher and its
// correlator before it opens.
func (c *Controller) build(opts session.Options) (*session.Session, error) {
	sess, err := session.New(opts)
	if err != nil {
		return nil, err
	}
	c.watcher.Attach(sess)
	corr := correlator.New(sess, c.jobs, correlator.Options{
		Toaster:      c.deps.Effects.Toaster,
		Effects:      c.deps.Effects,
		ReadyTimeout: c.cfg.ReadyTimeout,
		Logger:       c.deps.Logger,
		Metrics:      c.deps.Metrics,
		Tracer:       c.deps.Tracer,
	})

	c.mu.Lock()
	c.correlators[sess] = corr
	c.mu.Unlock()
	return sess, nil
}

// discard drops the correlator and autopilot of a session the registry
// no longer holds.
func (c *Controller) discard(sess *session.Session) {
	c.mu.Lock()
	corr := c.correlators[sess]
	a := c.autopilots[sess]
	delete(c.correlators, sess)
	delete(c.autopilots, sess)
	c.mu.Unlock()

	if a != nil {
		a.Close()
	}
	if corr != nil {
		corr.Close()
	}
}

// base fills the unset fields of opts from the configured template.
func (c *Controller) base(opts session.Options) session.Options {
	t := c.cfg.Session
	if opts.URL == "" {
		opts.URL = t.URL
	}
	if opts.AuthToken == "" {
		opts.AuthToken = t.AuthToken
	}
	if opts.Protocols == nil {
		opts.Protocols = t.Protocols
	}
	if opts.AppendAuthToQuery == nil {
		opts.AppendAuthToQuery = t.AppendAuthToQuery
	}
	if opts.GetAuthToken == nil {
		opts.GetAuthToken = t.GetAuthToken
	}
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = t.HeartbeatInterval
	}
	if opts.IdleClose == 0 {
		opts.IdleClose = t.IdleClose
	}
	if opts.Dialer == nil {
		opts.Dialer = t.Dialer
	}
	if opts.Header == nil {
		opts.Header = t.Header
	}
	if opts.Logger == nil {
		opts.Logger = t.Logger
	}
	if opts.Metrics == nil {
		opts.Metrics = t.Metrics
	}
	if opts.Tracked == nil {
		opts.Tracked = c.watcher
	}
	return opts
}

func (c *Controller) ready() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return wserr.ErrClosed
	}
	if !c.started {
		return wserr.ErrNotInitialized
	}
	return nil
}

// Client returns the session for opts, creating it on first use. Unset
// fields come from the configured session template.
func (c *Controller) Client(ctx context.Context, opts session.Options) (*session.Session, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	return c.registry.Acquire(c.base(opts))
}

// Correlator returns the correlator of sess.
func (c *Controller) Correlator(sess *session.Session) (*correlator.Correlator, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	corr, ok := c.correlators[sess]
	if !ok {
		return nil, wserr.ErrClosed
	}
	return corr, nil
}

// Autopilot returns the autopilot of sess, creating it on first use.
func (c *Controller) Autopilot(sess *session.Session, opts autopilot.Options) (*autopilot.Autopilot, error) {
	corr, err := c.Correlator(sess)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if a, ok := c.autopilots[sess]; ok {
		return a, nil
	}
	if opts.CacheKeyBase == "" {
		opts.CacheKeyBase = c.cfg.CacheKeyBase
	}
	if opts.Toaster == nil {
		opts.Toaster = c.deps.Effects.Toaster
	}
	if opts.Translator == nil {
		opts.Translator = c.deps.Effects.Translator
	}
	if opts.Logger == nil {
		opts.Logger = c.deps.Logger
	}
	opts.EagerConnect = opts.EagerConnect || c.cfg.EagerConnect
	a := autopilot.New(corr, c.deps.DurableStore, opts)
	c.autopilots[sess] = a
	return a, nil
}

func (c *Controller) Registry() *registry.Registry { return c.registry }

func (c *Controller) Watcher() *watcher.Watcher { return c.watcher }

func (c *Controller) Jobs() *jobtracker.Tracker { return c.jobs }

// GetStatus summarizes the controller for inspection.
func (c *Controller) GetStatus(ctx context.Context) map[string]interface{} {
	c.mu.Lock()
	started, stopped, since := c.started, c.stopped, c.startTime
	c.mu.Unlock()

	uptime := ""
	if started {
		uptime = time.Since(since).String()
	}
	return map[string]interface{}{
		"started":      started,
		"stopped":      stopped,
		"uptime":       uptime,
		"sessions":     c.registry.Len(),
		"pending_jobs": len(c.jobs.Pending(ctx)),
		"watched":      len(c.watcher.List()),
	}
}

// Stop closes every socket, keeping the persisted identities, runs the
// queued side effects and closes the stores.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		c.log.Info("Controller already stopped")
		return
	}
	c.stopped = true
	autopilots := c.autopilots
	correlators := c.correlators
	c.autopilots = make(map[*session.Session]*autopilot.Autopilot)
	c.correlators = make(map[*session.Session]*correlator.Correlator)
	c.mu.Unlock()

	c.log.Info("Stopping controller...")

	for _, a := range autopilots {
		a.Close()
	}
	c.registry.CloseAll()
	for _, corr := range correlators {
		corr.Close()
	}
	c.watcher.Stop()

	if err := c.deps.SessionStore.Close(); err != nil {
		c.log.Error("Failed to close session store", slog.Any("error", err))
	}
	if c.deps.DurableStore != c.deps.SessionStore {
		if err := c.deps.DurableStore.Close(); err != nil {
			c.log.Error("Failed to close durable store", slog.Any("error", err))
		}
	}
	c.log.Info("Controller stopped")
}
