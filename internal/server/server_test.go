package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/electronicpartnerio/realtime-communication/internal/controller"
	"github.com/electronicpartnerio/realtime-communication/internal/metrics"
	"github.com/electronicpartnerio/realtime-communication/internal/session"
	"github.com/electronicpartnerio/realtime-communication/pkg/types"
)

func newController(t *testing.T) *controller.Controller {
	t.Helper()
	c := controller.New(controller.Config{}, controller.Deps{})
	t.Cleanup(c.Stop)
	return c
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	c := newController(t)
	s := New(c, nil, nil)

	rec := get(t, s, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	_, err := c.Start(context.Background())
	require.NoError(t, err)

	rec = get(t, s, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["started"])
	assert.EqualValues(t, 0, body["sessions"])
}

func TestJobs(t *testing.T) {
	c := newController(t)
	_, err := c.Start(context.Background())
	require.NoError(t, err)

	ctx := context.Background()
	c.Jobs().Upsert(ctx, types.JobRecord{JobID: "J-1", Status: types.JobPending, Type: "export"})
	c.Jobs().Upsert(ctx, types.JobRecord{JobID: "J-2", Status: types.JobDone, Type: "export"})

	s := New(c, nil, nil)

	var all []types.JobRecord
	rec := get(t, s, "/jobs")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	assert.Len(t, all, 2)

	var pending []types.JobRecord
	rec = get(t, s, "/jobs?status=pending")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pending))
	require.Len(t, pending, 1)
	assert.Equal(t, "J-1", pending[0].JobID)

	rec = get(t, s, "/jobs?status=bogus")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWatchedEmptyIsArray(t *testing.T) {
	c := newController(t)
	_, err := c.Start(context.Background())
	require.NoError(t, err)

	rec := get(t, New(c, nil, nil), "/watched")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))

	c.Watcher().Register("ws://h/ws", types.TrackedMessage{ID: "m1", Data: map[string]any{"a": 1}})
	rec = get(t, New(c, nil, nil), "/watched")

	var msgs []types.WatchedMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msgs))
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, types.StateSend, msgs[0].State)
}

func TestSessionsRedactsToken(t *testing.T) {
	upgrader := websocket.Upgrader{}
	ws := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(ws.Close)

	c := newController(t)
	_, err := c.Start(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(ws.URL, "http") + "/ws"
	sess, err := c.Client(ctx, session.Options{URL: url, AuthToken: "secret"})
	require.NoError(t, err)
	require.NoError(t, sess.Ready(ctx))

	rec := get(t, New(c, nil, nil), "/sessions")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "secret")

	var infos []SessionInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &infos))
	require.Len(t, infos, 1)
	assert.Equal(t, url, infos[0].URL)
	assert.Equal(t, "open", infos[0].State)
	assert.Equal(t, 1, infos[0].Refs)
	assert.Contains(t, infos[0].Endpoint, "token=xxx")
}

func TestMetrics(t *testing.T) {
	m := metrics.NewCollector(nil)
	m.RecordConnectionOpened()

	rec := get(t, New(newController(t), m, nil), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "realtime_connections_opened_total 1")
}

func TestListenAndServeStopsOnCancel(t *testing.T) {
	s := New(newController(t), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.ListenAndServe(ctx, "127.0.0.1:0") }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
