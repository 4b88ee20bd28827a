package controller

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/electronicpartnerio/realtime-communication/internal/autopilot"
	"github.com/electronicpartnerio/realtime-communication/internal/session"
	"github.com/electronicpartnerio/realtime-communication/internal/storage"
	"github.com/electronicpartnerio/realtime-communication/internal/storage/file"
	"github.com/electronicpartnerio/realtime-communication/internal/storage/memory"
	"github.com/electronicpartnerio/realtime-communication/internal/watcher/effects"
	"github.com/electronicpartnerio/realtime-communication/internal/wserr"
	"github.com/electronicpartnerio/realtime-communication/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

type wsServer struct {
	*httptest.Server
	mu       sync.Mutex
	frames   []map[string]any
	accepted int
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		s.mu.Lock()
		s.accepted++
		s.mu.Unlock()
		for {
			var f map[string]any
			if err := c.ReadJSON(&f); err != nil {
				return
			}
			s.mu.Lock()
			s.frames = append(s.frames, f)
			s.mu.Unlock()
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *wsServer) url() string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/ws"
}

func (s *wsServer) connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

func (s *wsServer) sawFrame(match func(map[string]any) bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.frames {
		if match(f) {
			return true
		}
	}
	return false
}

// createTestController creates a controller over stores rooted in dir.
func createTestController(t *testing.T, dir string, toaster effects.Toaster) *Controller {
	t.Helper()
	sessionStore, err := file.New(dir + "/session")
	require.NoError(t, err)
	durableStore, err := file.New(dir + "/durable")
	require.NoError(t, err)

	c := New(Config{
		Session: session.Options{HeartbeatInterval: time.Hour},
	}, Deps{
		SessionStore: sessionStore,
		DurableStore: durableStore,
		Effects:      &effects.Dispatcher{Toaster: toaster},
	})
	t.Cleanup(c.Stop)
	return c
}

func ctxTimeout(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

func TestMethodsBeforeStart(t *testing.T) {
	c := New(Config{}, Deps{})
	defer c.Stop()

	_, err := c.Client(context.Background(), session.Options{URL: "ws://127.0.0.1:1/ws"})
	assert.ErrorIs(t, err, wserr.ErrNotInitialized)

	_, err = c.Correlator(nil)
	assert.ErrorIs(t, err, wserr.ErrNotInitialized)

	_, err = c.Autopilot(nil, autopilot.Options{})
	assert.ErrorIs(t, err, wserr.ErrNotInitialized)
}

func TestStartWithEmptyState(t *testing.T) {
	c := createTestController(t, t.TempDir(), nil)
	restored, err := c.Start(ctxTimeout(t))
	require.NoError(t, err)
	assert.Empty(t, restored)

	status := c.GetStatus(context.Background())
	assert.Equal(t, true, status["started"])
	assert.Equal(t, 0, status["sessions"])
}

func TestClientSharesSessionAndCorrelator(t *testing.T) {
	srv := newWSServer(t)
	c := createTestController(t, t.TempDir(), nil)
	_, err := c.Start(ctxTimeout(t))
	require.NoError(t, err)

	a, err := c.Client(ctxTimeout(t), session.Options{URL: srv.url()})
	require.NoError(t, err)
	b, err := c.Client(ctxTimeout(t), session.Options{URL: srv.url()})
	require.NoError(t, err)
	assert.Same(t, a, b)

	ca, err := c.Correlator(a)
	require.NoError(t, err)
	cb, err := c.Correlator(b)
	require.NoError(t, err)
	assert.Same(t, ca, cb)

	pa, err := c.Autopilot(a, autopilot.Options{})
	require.NoError(t, err)
	pb, err := c.Autopilot(a, autopilot.Options{})
	require.NoError(t, err)
	assert.Same(t, pa, pb)

	require.NoError(t, a.Ready(ctxTimeout(t)))
	assert.Equal(t, 1, srv.connections())
}

// ============================================================================
// Restoration Tests
// ============================================================================

func TestRestoreAfterRestart(t *testing.T) {
	srv := newWSServer(t)
	dir := t.TempDir()

	first := createTestController(t, dir, nil)
	_, err := first.Start(ctxTimeout(t))
	require.NoError(t, err)

	sess, err := first.Client(ctxTimeout(t), session.Options{URL: srv.url(), AuthToken: "secret"})
	require.NoError(t, err)
	require.NoError(t, sess.Ready(ctxTimeout(t)))

	_, err = sess.SendTracked(ctxTimeout(t), types.TrackedMessage{ID: "export-1", Data: map[string]any{"kind": "csv"}, ToastPending: "Exporting"})
	require.NoError(t, err)
	require.NoError(t, first.Watcher().SetState(ctxTimeout(t), "export-1", types.StatePending))

	first.Jobs().Upsert(ctxTimeout(t), types.JobRecord{JobID: "J-7", Status: types.JobPending, Endpoint: sess.Key()})
	first.Stop()

	toasts := &effects.LogToaster{}
	second := createTestController(t, dir, toasts)
	restored, err := second.Start(ctxTimeout(t))
	require.NoError(t, err)
	require.Len(t, restored, 1)
	assert.Equal(t, srv.url(), restored[0].URL())
	assert.Equal(t, "secret", restored[0].Endpoint().AuthToken)

	// The restored session reconnects and re-subscribes the pending job
	// without replaying the tracked message.
	require.Eventually(t, func() bool {
		return srv.sawFrame(func(f map[string]any) bool {
			return f["type"] == types.TypeJobSubscribe && f["jobId"] == "J-7"
		})
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, srv.connections())

	second.Watcher().Drain()
	text, ok := toasts.Visible(effects.ToastIDPrefix + "export-1")
	require.True(t, ok, "pending toast is shown again after restart")
	assert.Equal(t, "Exporting", text)
}

// Each endpoint resubscribes only the jobs it started.
func TestResumeStaysOnOwnEndpoint(t *testing.T) {
	srvA := newWSServer(t)
	srvB := newWSServer(t)
	c := createTestController(t, t.TempDir(), nil)
	_, err := c.Start(ctxTimeout(t))
	require.NoError(t, err)

	keyA, err := session.Options{URL: srvA.url()}.Key()
	require.NoError(t, err)
	c.Jobs().Upsert(ctxTimeout(t), types.JobRecord{JobID: "JOB-A", Status: types.JobPending, Endpoint: keyA})

	b, err := c.Client(ctxTimeout(t), session.Options{URL: srvB.url()})
	require.NoError(t, err)
	require.NoError(t, b.Ready(ctxTimeout(t)))

	a, err := c.Client(ctxTimeout(t), session.Options{URL: srvA.url()})
	require.NoError(t, err)
	require.NoError(t, a.Ready(ctxTimeout(t)))

	isJobA := func(f map[string]any) bool {
		return f["type"] == types.TypeJobSubscribe && f["jobId"] == "JOB-A"
	}
	require.Eventually(t, func() bool { return srvA.sawFrame(isJobA) }, 5*time.Second, 10*time.Millisecond)
	assert.False(t, srvB.sawFrame(isJobA), "endpoint B must not resubscribe a job of A")
}

func TestClosedSessionDropsCorrelator(t *testing.T) {
	srv := newWSServer(t)
	c := createTestController(t, t.TempDir(), nil)
	_, err := c.Start(ctxTimeout(t))
	require.NoError(t, err)

	soft, err := c.Client(ctxTimeout(t), session.Options{URL: srv.url()})
	require.NoError(t, err)
	_, err = c.Autopilot(soft, autopilot.Options{})
	require.NoError(t, err)
	hard, err := c.Client(ctxTimeout(t), session.Options{URL: srv.url(), AuthToken: "other"})
	require.NoError(t, err)

	soft.Close(true, 0, "")
	hard.Close(false, 0, "")

	_, err = c.Correlator(soft)
	assert.ErrorIs(t, err, wserr.ErrClosed)
	_, err = c.Autopilot(soft, autopilot.Options{})
	assert.ErrorIs(t, err, wserr.ErrClosed)
	_, err = c.Correlator(hard)
	assert.ErrorIs(t, err, wserr.ErrClosed)

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Empty(t, c.correlators)
	assert.Empty(t, c.autopilots)
}

func TestStopKeepsIdentities(t *testing.T) {
	srv := newWSServer(t)
	store := memory.New()
	c := New(Config{Session: session.Options{HeartbeatInterval: time.Hour}}, Deps{SessionStore: storeNoClose{store}})
	_, err := c.Start(ctxTimeout(t))
	require.NoError(t, err)

	sess, err := c.Client(ctxTimeout(t), session.Options{URL: srv.url()})
	require.NoError(t, err)
	require.NoError(t, sess.Ready(ctxTimeout(t)))
	require.NoError(t, sess.Send(ctxTimeout(t), []byte(`{"type":"hello"}`), session.SendOptions{Persist: true}))

	c.Stop()
	c.Stop()

	assert.Equal(t, session.StateClosed, sess.State())
	assert.Len(t, c.Registry().Stored(), 1)

	_, err = c.Client(context.Background(), session.Options{URL: srv.url()})
	assert.ErrorIs(t, err, wserr.ErrClosed)
}

// storeNoClose keeps the memory store readable after the controller
// closed it.
type storeNoClose struct{ storage.Store }

func (storeNoClose) Close() error { return nil }
