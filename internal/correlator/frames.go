package correlator

import (
	"context"
	"log/slog"
	"time"

	"github.com/electronicpartnerio/realtime-communication/internal/metrics"
	"github.com/electronicpartnerio/realtime-communication/internal/watcher/effects"
	"github.com/electronicpartnerio/realtime-communication/internal/wserr"
	"github.com/electronicpartnerio/realtime-communication/pkg/types"
)

// handle routes one inbound frame. It runs on the session read goroutine.
func (c *Correlator) handle(data []byte) {
	f, err := types.DecodeFrame(data)
	if err != nil {
		c.log.Debug("frame dropped", slog.Any("error", &wserr.MalformedFrameError{Size: len(data), Cause: err}))
		return
	}
	if f.CorrelationID == "" && f.JobID == "" {
		return
	}
	ctx := context.Background()

	switch f.Kind() {
	case types.TypeAck:
		c.ack(ctx, f)
	case types.TypeJobUpdate:
		c.log.Debug("job progress", slog.String("jobId", f.JobID), slog.String("progress", string(f.Progress)))
	case types.TypeJobDone, types.TypeJobError:
		if f.JobID != "" && c.outcome(ctx, f) {
			return
		}
		c.reply(f)
	default:
		c.reply(f)
	}
}

// ack turns the acknowledgment of a job request into a pending record.
func (c *Correlator) ack(ctx context.Context, f *types.Frame) {
	if f.JobID == "" {
		return
	}
	req := c.lookup(f.CorrelationID)
	if req == nil || !req.trackJob {
		return
	}

	now := time.Now().UnixMilli()
	texts := req.texts
	c.jobs.Upsert(ctx, types.JobRecord{
		JobID:         f.JobID,
		Status:        types.JobPending,
		CorrelationID: req.cid,
		Endpoint:      c.sess.Key(),
		Type:          req.typ,
		StartedAt:     now,
		UpdatedAt:     now,
		ToastID:       req.toastID,
		ToastTexts:    &texts,
	})

	c.mu.Lock()
	c.texts[f.JobID] = req.texts
	c.mu.Unlock()

	c.metrics.SetJobsPending(len(c.jobs.Pending(ctx)))
	c.log.Info("job acknowledged", slog.String("jobId", f.JobID), slog.String("correlationId", req.cid))
}

// reply settles a direct (non-job) request.
func (c *Correlator) reply(f *types.Frame) {
	if f.CorrelationID == "" || f.Type == "" {
		return
	}
	req := c.lookup(f.CorrelationID)
	if req == nil || req.trackJob {
		return
	}
	if c.settle(f.CorrelationID) == nil {
		return
	}
	if req.toastID != "" && c.toaster != nil {
		c.toaster.ShowSuccess(req.toastID, req.texts.Success.Resolve(f, DefaultSuccessText))
	}
	req.done <- result{frame: f}
}

// outcome applies a terminal job frame. It reports whether the job is
// known to the tracker.
func (c *Correlator) outcome(ctx context.Context, f *types.Frame) bool {
	rec, ok := c.jobs.Get(ctx, f.JobID)
	if !ok {
		return false
	}
	if rec.Status != types.JobPending {
		c.log.Debug("duplicate job outcome ignored", slog.String("jobId", f.JobID))
		return true
	}
	texts := c.textsFor(rec)

	var res result
	if f.Kind() == types.TypeJobDone {
		if _, err := c.jobs.MarkDone(ctx, f.JobID, f.DownloadURL); err != nil {
			c.log.Warn("job record update failed", slog.String("jobId", f.JobID), slog.Any("error", err))
		}
		if rec.ToastID != "" && c.toaster != nil {
			c.toaster.ShowSuccess(rec.ToastID, texts.Success.Resolve(f, DefaultSuccessText))
		}
		c.download(f.DownloadURL)
		c.metrics.RecordJobOutcome(rec.Type, metrics.OutcomeOK)
		res = result{frame: f}
	} else {
		msg := f.ErrorText()
		if msg == "" {
			msg = wserr.DefaultJobError
		}
		if _, err := c.jobs.MarkError(ctx, f.JobID, msg); err != nil {
			c.log.Warn("job record update failed", slog.String("jobId", f.JobID), slog.Any("error", err))
		}
		if rec.ToastID != "" && c.toaster != nil {
			c.toaster.ShowError(rec.ToastID, texts.Error.Resolve(f, DefaultErrorText))
		}
		c.metrics.RecordJobOutcome(rec.Type, metrics.OutcomeJobError)
		res = result{err: &wserr.JobError{JobID: f.JobID, Message: msg}}
	}

	c.mu.Lock()
	delete(c.texts, f.JobID)
	c.mu.Unlock()
	c.metrics.SetJobsPending(len(c.jobs.Pending(ctx)))

	if rec.CorrelationID != "" {
		if req := c.settle(rec.CorrelationID); req != nil {
			req.done <- res
		}
	}
	c.log.Info("job finished", slog.String("jobId", f.JobID), slog.String("type", f.Type))
	return true
}

func (c *Correlator) download(rawURL string) {
	if rawURL == "" || c.effects == nil {
		return
	}
	c.downloads.Add(1)
	go func() {
		defer c.downloads.Done()
		ctx, cancel := context.WithTimeout(context.Background(), downloadLimit)
		defer cancel()
		if err := c.effects.Download(ctx, effects.URLDownload(rawURL)); err != nil {
			c.log.Warn("job download failed", slog.String("url", rawURL), slog.Any("error", err))
		}
	}()
}
