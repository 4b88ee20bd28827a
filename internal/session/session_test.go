package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/electronicpartnerio/realtime-communication/internal/wserr"
	"github.com/electronicpartnerio/realtime-communication/pkg/types"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// testServer is a WebSocket server that records every inbound frame and
// lets the test push frames to the latest connection.
type testServer struct {
	*httptest.Server

	accepted  atomic.Int32
	received  chan []byte
	onMessage func(c *websocket.Conn, data []byte)

	mu      sync.Mutex
	conns   []*websocket.Conn
	queries []string
}

func newTestServer(t *testing.T, onMessage func(c *websocket.Conn, data []byte)) *testServer {
	t.Helper()
	ts := &testServer{received: make(chan []byte, 256), onMessage: onMessage}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ts.mu.Lock()
		ts.conns = append(ts.conns, conn)
		ts.queries = append(ts.queries, r.URL.RawQuery)
		ts.mu.Unlock()
		ts.accepted.Add(1)

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			ts.received <- data
			if ts.onMessage != nil {
				ts.onMessage(conn, data)
			}
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func (ts *testServer) last() *websocket.Conn {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.conns[len(ts.conns)-1]
}

// next returns the next inbound frame that is not a heartbeat.
func (ts *testServer) next(t *testing.T) []byte {
	t.Helper()
	for {
		select {
		case data := <-ts.received:
			if strings.Contains(string(data), `"type":"ping"`) {
				continue
			}
			return data
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for frame")
			return nil
		}
	}
}

func fastOptions(url string) Options {
	return Options{
		URL:               url,
		HeartbeatInterval: time.Hour,
		IdleClose:         time.Hour,
		IdleCheckInterval: time.Hour,
		BackoffBase:       10 * time.Millisecond,
		BackoffMax:        40 * time.Millisecond,
		DelayCap:          20 * time.Millisecond,
		Jitter:            time.Millisecond,
		Logger:            quiet,
	}
}

func openSession(t *testing.T, opts Options) *Session {
	t.Helper()
	s, err := New(opts)
	require.NoError(t, err)
	s.Open()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Ready(ctx))
	t.Cleanup(s.Shutdown)
	return s
}

type fakeOwner struct {
	mu        sync.Mutex
	refs      int
	removed   []string
	forgotten []string
	persisted map[string]types.Endpoint
}

func (o *fakeOwner) Release(key string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.refs--
	return o.refs <= 0
}

func (o *fakeOwner) Remove(key string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.removed = append(o.removed, key)
}

func (o *fakeOwner) Persist(key string, ep types.Endpoint) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.persisted == nil {
		o.persisted = make(map[string]types.Endpoint)
	}
	o.persisted[key] = ep
}

func (o *fakeOwner) Forget(key string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.forgotten = append(o.forgotten, key)
}

type sinkFunc func(url string, msg types.TrackedMessage) string

func (f sinkFunc) Register(url string, msg types.TrackedMessage) string { return f(url, msg) }

func (sinkFunc) Remove(context.Context, string) {}

// memorySink keeps registered messages until they are removed.
type memorySink struct {
	mu   sync.Mutex
	msgs map[string]types.TrackedMessage
}

func (m *memorySink) Register(_ string, msg types.TrackedMessage) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.msgs == nil {
		m.msgs = make(map[string]types.TrackedMessage)
	}
	m.msgs[msg.ID] = msg
	return msg.ID
}

func (m *memorySink) Remove(_ context.Context, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.msgs, id)
}

func (m *memorySink) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.msgs)
}

func TestNew_InvalidURL(t *testing.T) {
	for _, u := range []string{"", "not a url", "http://host/ws"} {
		_, err := New(Options{URL: u})
		var terr *wserr.TransportError
		assert.True(t, errors.As(err, &terr), "url %q: %v", u, err)
	}
}

func TestSession_SendBeforeOpen(t *testing.T) {
	s, err := New(fastOptions("ws://127.0.0.1:1/ws"))
	require.NoError(t, err)

	assert.ErrorIs(t, s.Send(context.Background(), []byte(`{}`), SendOptions{}), wserr.ErrNotOpen)
	_, err = s.SendTracked(context.Background(), types.TrackedMessage{ID: "x"})
	assert.ErrorIs(t, err, wserr.ErrNotOpen)
	assert.Equal(t, StateClosed, s.State())
}

func TestSession_EchoRoundTrip(t *testing.T) {
	ts := newTestServer(t, func(c *websocket.Conn, data []byte) {
		_ = c.WriteMessage(websocket.TextMessage, data)
	})
	s := openSession(t, fastOptions(ts.wsURL()))

	got := make(chan []byte, 1)
	s.On(EventMessage, func(ev Event) { got <- ev.Data })

	require.NoError(t, s.Send(context.Background(), []byte(`{"type":"echo"}`), SendOptions{}))

	select {
	case data := <-got:
		assert.JSONEq(t, `{"type":"echo"}`, string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("no echo received")
	}
}

func TestSession_ReadyIsIdempotent(t *testing.T) {
	ts := newTestServer(t, nil)
	s := openSession(t, fastOptions(ts.wsURL()))

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		assert.NoError(t, s.Ready(ctx))
	}
	assert.Equal(t, int32(1), ts.accepted.Load())
}

func TestSession_ReadyWakesUnstarted(t *testing.T) {
	ts := newTestServer(t, nil)
	s, err := New(fastOptions(ts.wsURL()))
	require.NoError(t, err)
	defer s.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Ready(ctx))
	assert.True(t, s.IsOpen())
}

func TestSession_ReadyFailsWhenUnreachable(t *testing.T) {
	ts := newTestServer(t, nil)
	url := ts.wsURL()
	ts.Close()

	s, err := New(fastOptions(url))
	require.NoError(t, err)
	defer s.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err = s.Ready(ctx)
	require.Error(t, err)
	var terr *wserr.TransportError
	assert.True(t, errors.As(err, &terr) || errors.Is(err, context.DeadlineExceeded), err)
}

func TestSession_ReadyAfterClose(t *testing.T) {
	ts := newTestServer(t, nil)
	s := openSession(t, fastOptions(ts.wsURL()))

	s.Close(false, 0, "")
	assert.ErrorIs(t, s.Ready(context.Background()), wserr.ErrClosed)
}

func TestSession_OpenListenersRunBeforeReady(t *testing.T) {
	ts := newTestServer(t, nil)
	s, err := New(fastOptions(ts.wsURL()))
	require.NoError(t, err)
	defer s.Shutdown()

	var announced atomic.Bool
	s.Observe(EventOpen, func(Event) {
		time.Sleep(50 * time.Millisecond)
		assert.NoError(t, s.Send(context.Background(), []byte(`{"type":"hello"}`), SendOptions{}))
		announced.Store(true)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Ready(ctx))
	assert.True(t, announced.Load(), "Ready returned before the open listeners ran")
	assert.JSONEq(t, `{"type":"hello"}`, string(ts.next(t)))
}

func TestSession_LateListenerMissesOpen(t *testing.T) {
	ts := newTestServer(t, nil)
	var opens atomic.Int32
	for i := 0; i < 20; i++ {
		s := openSession(t, fastOptions(ts.wsURL()))
		s.On(EventOpen, func(Event) { opens.Add(1) })
	}
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), opens.Load())
}

func TestSession_ReconnectsAfterServerClose(t *testing.T) {
	ts := newTestServer(t, nil)
	s := openSession(t, fastOptions(ts.wsURL()))

	var opens atomic.Int32
	var closes atomic.Int32
	s.On(EventOpen, func(Event) { opens.Add(1) })
	s.On(EventClose, func(Event) { closes.Add(1) })

	_ = ts.last().WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "restart"))
	ts.last().Close()

	require.Eventually(t, func() bool { return ts.accepted.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, s.IsOpen, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), closes.Load())
	assert.Eventually(t, func() bool { return opens.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestSession_Heartbeat(t *testing.T) {
	ts := newTestServer(t, nil)
	opts := fastOptions(ts.wsURL())
	opts.HeartbeatInterval = 20 * time.Millisecond
	openSession(t, opts)

	select {
	case data := <-ts.received:
		var p struct {
			Type string `json:"type"`
			TS   int64  `json:"ts"`
		}
		require.NoError(t, json.Unmarshal(data, &p))
		assert.Equal(t, "ping", p.Type)
		assert.NotZero(t, p.TS)
	case <-time.After(2 * time.Second):
		t.Fatal("no heartbeat")
	}
}

func TestSession_IdleCloseGoesDormant(t *testing.T) {
	ts := newTestServer(t, nil)
	opts := fastOptions(ts.wsURL())
	opts.IdleClose = 30 * time.Millisecond
	opts.IdleCheckInterval = 10 * time.Millisecond
	s := openSession(t, opts)

	require.Eventually(t, func() bool { return s.State() == StateClosed }, 2*time.Second, 5*time.Millisecond)

	// No automatic reconnect while dormant.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), ts.accepted.Load())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Ready(ctx))
	assert.Equal(t, int32(2), ts.accepted.Load())
}

func TestSession_IdleKeptOpenByListenersAndGuards(t *testing.T) {
	ts := newTestServer(t, nil)

	opts := fastOptions(ts.wsURL())
	opts.IdleClose = 20 * time.Millisecond
	opts.IdleCheckInterval = 5 * time.Millisecond

	withListener := openSession(t, opts)
	withListener.On(EventMessage, func(Event) {})

	opts.URL = ts.wsURL() + "?guarded=1"
	var busy atomic.Bool
	busy.Store(true)
	guarded := openSession(t, opts)
	guarded.AddIdleGuard(busy.Load)

	time.Sleep(100 * time.Millisecond)
	assert.True(t, withListener.IsOpen())
	assert.True(t, guarded.IsOpen())

	busy.Store(false)
	assert.Eventually(t, func() bool { return !guarded.IsOpen() }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, withListener.IsOpen())
}

func TestSession_ListenerPanicDoesNotBreakFanout(t *testing.T) {
	ts := newTestServer(t, nil)
	s := openSession(t, fastOptions(ts.wsURL()))

	var order []string
	var mu sync.Mutex
	done := make(chan struct{})
	s.On(EventMessage, func(Event) {
		mu.Lock()
		order = append(order, "first")
		mu.Unlock()
		panic("boom")
	})
	s.On(EventMessage, func(Event) {
		mu.Lock()
		order = append(order, "second")
		mu.Unlock()
		close(done)
	})

	require.NoError(t, ts.last().WriteMessage(websocket.TextMessage, []byte(`{"type":"x"}`)))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("second listener not called")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestSession_Off(t *testing.T) {
	ts := newTestServer(t, nil)
	s := openSession(t, fastOptions(ts.wsURL()))

	var removed, kept atomic.Int32
	sub := s.On(EventMessage, func(Event) { removed.Add(1) })
	s.On(EventMessage, func(Event) { kept.Add(1) })
	sub.Off()
	sub.Off()

	require.NoError(t, ts.last().WriteMessage(websocket.TextMessage, []byte(`{}`)))
	require.Eventually(t, func() bool { return kept.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, removed.Load())
	assert.Equal(t, 1, s.listeners.active())
}

func TestSession_SendPersistsIdentity(t *testing.T) {
	ts := newTestServer(t, nil)
	owner := &fakeOwner{refs: 1}
	opts := fastOptions(ts.wsURL())
	opts.AuthToken = "secret"
	opts.Owner = owner
	s := openSession(t, opts)

	require.NoError(t, s.Send(context.Background(), []byte(`{"a":1}`), SendOptions{Persist: true}))
	ts.next(t)

	owner.mu.Lock()
	defer owner.mu.Unlock()
	ep, ok := owner.persisted[s.Key()]
	require.True(t, ok)
	assert.Equal(t, ts.wsURL(), ep.URL)
	assert.Equal(t, "secret", ep.AuthToken)
	assert.True(t, ep.AppendAuth())

	ts.mu.Lock()
	assert.Equal(t, "token=secret", ts.queries[0])
	ts.mu.Unlock()
}

func TestSession_SendTracked(t *testing.T) {
	ts := newTestServer(t, nil)
	owner := &fakeOwner{refs: 1}

	var registered []types.TrackedMessage
	opts := fastOptions(ts.wsURL())
	opts.Owner = owner
	opts.Tracked = sinkFunc(func(url string, msg types.TrackedMessage) string {
		assert.Equal(t, ts.wsURL(), url)
		registered = append(registered, msg)
		return msg.ID
	})
	s := openSession(t, opts)

	id, err := s.SendTracked(context.Background(), types.TrackedMessage{
		ID:           "export-1",
		Data:         map[string]any{"kind": "csv"},
		ToastPending: "Exporting",
	})
	require.NoError(t, err)
	assert.Equal(t, "export-1", id)

	assert.JSONEq(t, `{"id":"export-1","data":{"kind":"csv"}}`, string(ts.next(t)))
	require.Len(t, registered, 1)
	assert.Equal(t, "Exporting", registered[0].ToastPending)

	generated, err := s.SendTracked(context.Background(), types.TrackedMessage{Data: 1})
	require.NoError(t, err)
	assert.NotEmpty(t, generated)
}

func TestSession_SendTrackedWriteFailureForgetsMessage(t *testing.T) {
	ts := newTestServer(t, nil)
	sink := &memorySink{}
	opts := fastOptions(ts.wsURL())
	opts.Tracked = sink
	s := openSession(t, opts)

	// A deadline in the past fails the write.
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	_, err := s.SendTracked(ctx, types.TrackedMessage{ID: "lost", Data: 1})
	require.Error(t, err)
	assert.Equal(t, 0, sink.len(), "no record is left for a message that was never sent")
}

func TestSession_GetAuthToken(t *testing.T) {
	ts := newTestServer(t, nil)
	opts := fastOptions(ts.wsURL())
	opts.GetAuthToken = func(context.Context) (string, error) { return "fresh", nil }
	openSession(t, opts)

	ts.mu.Lock()
	defer ts.mu.Unlock()
	assert.Equal(t, "token=fresh", ts.queries[0])
}

func TestSession_SoftCloseReleases(t *testing.T) {
	ts := newTestServer(t, nil)
	owner := &fakeOwner{refs: 2}
	opts := fastOptions(ts.wsURL())
	opts.Owner = owner
	s := openSession(t, opts)

	s.Close(true, 0, "")
	assert.True(t, s.IsOpen(), "first release keeps the socket")

	s.Close(true, 0, "")
	assert.Equal(t, StateClosed, s.State())

	owner.mu.Lock()
	defer owner.mu.Unlock()
	assert.Empty(t, owner.forgotten, "soft close keeps the persisted identity")
}

func TestSession_HardClose(t *testing.T) {
	ts := newTestServer(t, nil)
	owner := &fakeOwner{refs: 3}
	opts := fastOptions(ts.wsURL())
	opts.Owner = owner
	s := openSession(t, opts)
	s.On(EventMessage, func(Event) {})

	s.Close(false, websocket.CloseNormalClosure, "bye")

	assert.Equal(t, StateClosed, s.State())
	assert.Zero(t, s.listeners.active())
	owner.mu.Lock()
	assert.Equal(t, []string{s.Key()}, owner.removed)
	assert.Equal(t, []string{s.Key()}, owner.forgotten)
	owner.mu.Unlock()

	// No reconnect after a user close.
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, int32(1), ts.accepted.Load())
}

func TestNextBackoff(t *testing.T) {
	base := 500 * time.Millisecond
	backoff := base
	var delays []time.Duration
	for i := 0; i < 8; i++ {
		var d time.Duration
		d, backoff = nextBackoff(backoff, 10*time.Second, 30*time.Second, 0)
		delays = append(delays, d)
	}

	want := []time.Duration{
		500 * time.Millisecond, time.Second, 2 * time.Second, 4 * time.Second,
		8 * time.Second, 10 * time.Second, 10 * time.Second, 10 * time.Second,
	}
	assert.Equal(t, want, delays)
	assert.Equal(t, 30*time.Second, backoff)
}

func TestNextBackoff_Jitter(t *testing.T) {
	for i := 0; i < 100; i++ {
		d, next := nextBackoff(time.Second, 10*time.Second, 30*time.Second, 250*time.Millisecond)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.Less(t, d, time.Second+250*time.Millisecond)
		assert.Equal(t, 2*time.Second, next)
	}
}
