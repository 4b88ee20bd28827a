// ============================================================================
// Request/response correlator
// ============================================================================
//
// Package: internal/correlator
// Purpose: map outgoing requests to their eventual result, for direct
// replies and for long running server jobs
//
// Direct reply:
//   Request ──{...payload, correlationId}──> server
//   first frame with the same correlationId and a non-ack type ─> result
//
// Job:
//   Request ──> server
//   ack {correlationId, jobId}      ─> durable job record (pending)
//   job.update                      ─> ignored
//   job.done {jobId, downloadUrl?}  ─> record done, success toast,
//                                      download, result
//   job.error {jobId, error}        ─> record error, error toast,
//                                      *wserr.JobError
//
//   Outcomes for known job ids are applied even when no request waits
//   for them (the request came from an earlier process).
//
// Resume:
//   on every open each pending record is re-subscribed with
//   {type: "job.subscribe", jobId} and its pending toast is shown again.
//
// Settlement:
//   A pending request is settled exactly once, by its result, its
//   timeout or the caller's context, and removed when settled.
// ============================================================================

package correlator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/electronicpartnerio/realtime-communication/internal/jobtracker"
	"github.com/electronicpartnerio/realtime-communication/internal/metrics"
	"github.com/electronicpartnerio/realtime-communication/internal/session"
	"github.com/electronicpartnerio/realtime-communication/internal/watcher/effects"
	"github.com/electronicpartnerio/realtime-communication/internal/wserr"
	"github.com/electronicpartnerio/realtime-communication/pkg/types"
)

const (
	// DefaultReadyTimeout bounds the wait for an open socket.
	DefaultReadyTimeout = 8 * time.Second

	// DefaultSuccessText and DefaultErrorText are used when a request
	// configured no text for the outcome.
	DefaultSuccessText = "Done."
	DefaultErrorText   = "Failed."

	// ToastIDPrefix prefixes the correlation id to form the toast id.
	ToastIDPrefix = "toast_"

	tracerName    = "github.com/electronicpartnerio/realtime-communication/internal/correlator"
	readyRetry    = 100 * time.Millisecond
	downloadLimit = 2 * time.Minute
)

// Options configures a Correlator.
type Options struct {
	// Toaster shows request toasts. Without it no toast is shown.
	Toaster effects.Toaster
	// Effects receives job download URLs.
	Effects      *effects.Dispatcher
	ReadyTimeout time.Duration
	Logger       *slog.Logger
	Metrics      *metrics.Collector
	Tracer       trace.Tracer
}

// RequestOptions controls a single request.
type RequestOptions struct {
	// Type is set as the envelope type when not empty.
	Type string
	// Toast texts. A toast is only shown when Pending is set.
	Pending types.ToastText
	Success types.ToastText
	Error   types.ToastText
	// TrackJob waits for the job outcome instead of the first reply.
	TrackJob bool
	// Timeout rejects the request with *wserr.TimeoutError. Zero waits
	// until ctx ends.
	Timeout time.Duration
}

type result struct {
	frame *types.Frame
	err   error
}

type request struct {
	cid      string
	typ      string
	trackJob bool
	toastID  string
	texts    types.ToastTexts
	done     chan result
}

// Correlator sends requests over one session and routes the replies.
type Correlator struct {
	sess    *session.Session
	jobs    *jobtracker.Tracker
	toaster effects.Toaster
	effects *effects.Dispatcher
	ready   time.Duration
	log     *slog.Logger
	metrics *metrics.Collector
	tracer  trace.Tracer

	mu      sync.Mutex
	pending map[string]*request
	// templated texts survive only in memory
	texts map[string]types.ToastTexts

	downloads sync.WaitGroup
	subs      []*session.Subscription
}

// New attaches a correlator to sess. Job records are kept in jobs.
func New(sess *session.Session, jobs *jobtracker.Tracker, opts Options) *Correlator {
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = DefaultReadyTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(tracerName)
	}

	c := &Correlator{
		sess:    sess,
		jobs:    jobs,
		toaster: opts.Toaster,
		effects: opts.Effects,
		ready:   opts.ReadyTimeout,
		log:     opts.Logger.With(slog.String("component", "correlator"), slog.String("url", sess.URL())),
		metrics: opts.Metrics,
		tracer:  opts.Tracer,
		pending: make(map[string]*request),
		texts:   make(map[string]types.ToastTexts),
	}

	c.subs = append(c.subs,
		sess.Observe(session.EventMessage, func(ev session.Event) { c.handle(ev.Data) }),
		sess.Observe(session.EventOpen, func(session.Event) { c.resumeOnOpen() }),
	)
	sess.AddIdleGuard(c.busy)
	return c
}

// Session returns the session the correlator is attached to.
func (c *Correlator) Session() *session.Session { return c.sess }

// Jobs returns the job tracker.
func (c *Correlator) Jobs() *jobtracker.Tracker { return c.jobs }

// Close detaches from the session and waits for running downloads.
// Waiting requests are left to their timeout or context.
func (c *Correlator) Close() {
	for _, s := range c.subs {
		s.Off()
	}
	c.downloads.Wait()
}

// PendingCount returns the number of requests waiting for a result.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Request sends payload with a fresh correlation id and waits for its
// result. Job failures are returned as *wserr.JobError, timeouts as
// *wserr.TimeoutError.
func (c *Correlator) Request(ctx context.Context, payload types.Payload, opts RequestOptions) (*types.Frame, error) {
	if err := c.awaitReady(ctx); err != nil {
		c.metrics.RecordRequest(metrics.OutcomeCanceled, 0)
		return nil, err
	}

	cid := uuid.NewString()
	envelope := payload.Clone()
	envelope["correlationId"] = cid
	if opts.Type != "" {
		envelope["type"] = opts.Type
	}
	typ, _ := envelope["type"].(string)

	ctx, span := c.tracer.Start(ctx, "ws.request", trace.WithAttributes(
		attribute.String("ws.correlation_id", cid),
		attribute.String("ws.type", typ),
		attribute.Bool("ws.track_job", opts.TrackJob),
	))
	defer span.End()

	req := &request{
		cid:      cid,
		typ:      typ,
		trackJob: opts.TrackJob,
		texts:    types.ToastTexts{Pending: opts.Pending, Success: opts.Success, Error: opts.Error},
		done:     make(chan result, 1),
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("encode request: %w", err)
	}

	if !opts.Pending.IsZero() && c.toaster != nil {
		req.toastID = ToastIDPrefix + cid
		c.toaster.ShowPending(req.toastID, opts.Pending.Resolve(&types.Frame{}, ""))
	}

	c.mu.Lock()
	c.pending[cid] = req
	c.mu.Unlock()

	// Tracked jobs persist the endpoint identity for restoration.
	start := time.Now()
	if err := c.sess.Send(ctx, data, session.SendOptions{Persist: opts.TrackJob}); err != nil {
		c.settle(cid)
		if req.toastID != "" {
			c.toaster.ShowError(req.toastID, req.texts.Error.Resolve(&types.Frame{}, DefaultErrorText))
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "send failed")
		return nil, err
	}

	var timeout <-chan time.Time
	if opts.Timeout > 0 {
		t := time.NewTimer(opts.Timeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case res := <-req.done:
		c.finishSpan(span, res)
		if res.err != nil {
			c.metrics.RecordRequest(metrics.OutcomeJobError, time.Since(start))
			return nil, res.err
		}
		c.metrics.RecordRequest(metrics.OutcomeOK, time.Since(start))
		return res.frame, nil

	case <-timeout:
		if c.settle(cid) == nil {
			// settled concurrently; the result is already buffered
			res := <-req.done
			c.finishSpan(span, res)
			return res.frame, res.err
		}
		err := &wserr.TimeoutError{Elapsed: time.Since(start)}
		c.metrics.RecordRequest(metrics.OutcomeTimeout, time.Since(start))
		span.RecordError(err)
		span.SetStatus(codes.Error, "timeout")
		return nil, err

	case <-ctx.Done():
		if c.settle(cid) == nil {
			res := <-req.done
			c.finishSpan(span, res)
			return res.frame, res.err
		}
		c.metrics.RecordRequest(metrics.OutcomeCanceled, time.Since(start))
		span.SetStatus(codes.Error, "canceled")
		return nil, ctx.Err()
	}
}

// SendRaw sends v as is, after waiting for an open socket.
func (c *Correlator) SendRaw(ctx context.Context, v any) error {
	if err := c.awaitReady(ctx); err != nil {
		return err
	}
	return c.sess.SendJSON(ctx, v)
}

// ResumePendingJobs re-subscribes every pending job of this session's
// endpoint in record order and shows its pending toast again. It returns
// the number of subscriptions sent.
func (c *Correlator) ResumePendingJobs(ctx context.Context) (int, error) {
	if err := c.awaitReady(ctx); err != nil {
		return 0, err
	}
	return c.resume(ctx)
}

func (c *Correlator) resume(ctx context.Context) (int, error) {
	c.metrics.SetJobsPending(len(c.jobs.Pending(ctx)))
	pending := c.jobs.PendingFor(ctx, c.sess.Key())

	sent := 0
	for _, rec := range pending {
		err := c.sess.SendJSON(ctx, map[string]any{"type": types.TypeJobSubscribe, "jobId": rec.JobID})
		if err != nil {
			return sent, fmt.Errorf("resubscribe job %s: %w", rec.JobID, err)
		}
		sent++

		texts := c.textsFor(rec)
		if rec.ToastID != "" && !texts.Pending.IsZero() && c.toaster != nil {
			c.toaster.ShowPending(rec.ToastID, texts.Pending.Resolve(&types.Frame{}, ""))
		}
	}
	if sent > 0 {
		c.log.Info("pending jobs resumed", slog.Int("count", sent))
	}
	return sent, nil
}

func (c *Correlator) resumeOnOpen() {
	ctx, cancel := context.WithTimeout(context.Background(), c.ready)
	defer cancel()
	if _, err := c.resume(ctx); err != nil {
		c.log.Warn("resume after open failed", slog.Any("error", err))
	}
}

// awaitReady waits for an open socket for at most the ready timeout,
// retrying failed attempts while the session keeps reconnecting.
func (c *Correlator) awaitReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.ready)
	defer cancel()
	for {
		err := c.sess.Ready(ctx)
		if err == nil || errors.Is(err, wserr.ErrClosed) || ctx.Err() != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(readyRetry):
		}
	}
}

func (c *Correlator) busy() bool {
	if c.PendingCount() > 0 {
		return true
	}
	return len(c.jobs.PendingFor(context.Background(), c.sess.Key())) > 0
}

// settle removes the request with cid and returns it, or nil when it was
// settled already.
func (c *Correlator) settle(cid string) *request {
	c.mu.Lock()
	defer c.mu.Unlock()
	req, ok := c.pending[cid]
	if !ok {
		return nil
	}
	delete(c.pending, cid)
	return req
}

func (c *Correlator) lookup(cid string) *request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending[cid]
}

func (c *Correlator) textsFor(rec types.JobRecord) types.ToastTexts {
	c.mu.Lock()
	t, ok := c.texts[rec.JobID]
	c.mu.Unlock()
	if ok {
		return t
	}
	if rec.ToastTexts != nil {
		return *rec.ToastTexts
	}
	return types.ToastTexts{}
}

func (c *Correlator) finishSpan(span trace.Span, res result) {
	if res.frame != nil && res.frame.JobID != "" {
		span.SetAttributes(attribute.String("ws.job_id", res.frame.JobID))
	}
	if res.err != nil {
		span.RecordError(res.err)
		span.SetStatus(codes.Error, res.err.Error())
	}
}
