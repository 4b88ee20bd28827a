// ============================================================================
// Job tracker
// ============================================================================
//
// Package: internal/jobtracker
// Purpose: durable CRUD over job records for one store key
//
// Job states:
//   pending (ack received)
//      | MarkDone() / MarkError()
//   done | error (terminal, kept but excluded from Pending())
//
// Storage:
//   One JSON array under the tracker key. Order is insertion order;
//   Upsert of a known id replaces the record in place.
//
// Corruption:
//   A missing, unreadable or malformed document reads as an empty list.
//   Storage failures are logged and never returned.
//
// Concurrency:
//   Every read-modify-write cycle runs under the tracker mutex.
// ============================================================================

package jobtracker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/electronicpartnerio/realtime-communication/internal/storage"
	"github.com/electronicpartnerio/realtime-communication/internal/wserr"
	"github.com/electronicpartnerio/realtime-communication/pkg/types"
)

// DefaultKey is the store key of the job list.
const DefaultKey = "ws.jobs"

// ErrJobNotFound is returned when a transition targets an unknown job.
var ErrJobNotFound = errors.New("job not found")

// Tracker keeps job records in a store.
type Tracker struct {
	mu    sync.Mutex
	store storage.Store
	key   string
	log   *slog.Logger
	now   func() time.Time
}

// New creates a tracker for key in store. An empty key uses DefaultKey.
func New(store storage.Store, key string, log *slog.Logger) *Tracker {
	if key == "" {
		key = DefaultKey
	}
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{store: store, key: key, log: log, now: time.Now}
}

// Key returns the store key of the tracker.
func (t *Tracker) Key() string { return t.key }

// List returns all records in insertion order.
func (t *Tracker) List(ctx context.Context) []types.JobRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.readLocked(ctx)
}

// SaveAll replaces the stored list.
func (t *Tracker) SaveAll(ctx context.Context, records []types.JobRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writeLocked(ctx, records)
}

// Upsert inserts rec or replaces the record with the same job id in
// place.
func (t *Tracker) Upsert(ctx context.Context, rec types.JobRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()

	records := t.readLocked(ctx)
	for i := range records {
		if records[i].JobID == rec.JobID {
			records[i] = rec
			t.writeLocked(ctx, records)
			return
		}
	}
	t.writeLocked(ctx, append(records, rec))
}

// Get looks up one record.
func (t *Tracker) Get(ctx context.Context, jobID string) (types.JobRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, r := range t.readLocked(ctx) {
		if r.JobID == jobID {
			return r, true
		}
	}
	return types.JobRecord{}, false
}

// Remove deletes one record. Unknown ids are ignored.
func (t *Tracker) Remove(ctx context.Context, jobID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	records := t.readLocked(ctx)
	kept := records[:0]
	for _, r := range records {
		if r.JobID != jobID {
			kept = append(kept, r)
		}
	}
	if len(kept) != len(records) {
		t.writeLocked(ctx, kept)
	}
}

// Pending returns the records still pending, in stored order.
func (t *Tracker) Pending(ctx context.Context) []types.JobRecord {
	var out []types.JobRecord
	for _, r := range t.List(ctx) {
		if r.Status == types.JobPending {
			out = append(out, r)
		}
	}
	return out
}

// PendingFor returns the pending records started on the endpoint with
// the given identity.
func (t *Tracker) PendingFor(ctx context.Context, endpoint string) []types.JobRecord {
	var out []types.JobRecord
	for _, r := range t.Pending(ctx) {
		if r.Endpoint == endpoint {
			out = append(out, r)
		}
	}
	return out
}

// MarkDone moves a job to done and returns the updated record.
func (t *Tracker) MarkDone(ctx context.Context, jobID, downloadURL string) (types.JobRecord, error) {
	return t.transition(ctx, jobID, func(r *types.JobRecord) {
		r.Status = types.JobDone
		r.DownloadURL = downloadURL
	})
}

// MarkError moves a job to error. An empty message is stored as the
// default job error text.
func (t *Tracker) MarkError(ctx context.Context, jobID, message string) (types.JobRecord, error) {
	if message == "" {
		message = wserr.DefaultJobError
	}
	return t.transition(ctx, jobID, func(r *types.JobRecord) {
		r.Status = types.JobError
		r.Error = message
	})
}

func (t *Tracker) transition(ctx context.Context, jobID string, apply func(*types.JobRecord)) (types.JobRecord, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	records := t.readLocked(ctx)
	for i := range records {
		if records[i].JobID != jobID {
			continue
		}
		apply(&records[i])
		records[i].UpdatedAt = t.now().UnixMilli()
		t.writeLocked(ctx, records)
		return records[i], nil
	}
	return types.JobRecord{}, ErrJobNotFound
}

func (t *Tracker) readLocked(ctx context.Context) []types.JobRecord {
	var records []types.JobRecord
	if !storage.ReadJSON(ctx, t.log, t.store, t.key, &records) {
		return nil
	}
	return records
}

func (t *Tracker) writeLocked(ctx context.Context, records []types.JobRecord) {
	if records == nil {
		records = []types.JobRecord{}
	}
	storage.WriteJSON(ctx, t.log, t.store, t.key, records)
}
