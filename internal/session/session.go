package session

// ============================================================================
// Connection session
// Purpose: own one logical WebSocket per endpoint identity and hide
// reconnects from the callers holding the handle
//
// State machine:
//   connecting -> open -> closed -> connecting ...
//
//   open:   reset backoff, start heartbeat and idle check, emit "open"
//   closed: unless closed by the owner or for idleness, reconnect after
//           min(backoff, DelayCap) + rand(Jitter); backoff doubles up to
//           BackoffMax
//   idle:   with no listeners and no busy guard for IdleClose the socket is
//           closed and the session goes dormant until Ready wakes it
//
// Goroutines per live socket: read loop (dispatches every event in order),
// heartbeat, idle check.
// ============================================================================

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/electronicpartnerio/realtime-communication/internal/endpoint"
	"github.com/electronicpartnerio/realtime-communication/internal/metrics"
	"github.com/electronicpartnerio/realtime-communication/internal/wserr"
	"github.com/electronicpartnerio/realtime-communication/pkg/types"
)

// State is the connection state of a session.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Owner is the registry side of a session: reference counting and the
// persisted endpoint identities.
type Owner interface {
	// Release drops one reference and reports whether it was the last.
	Release(key string) bool
	Remove(key string)
	Persist(key string, ep types.Endpoint)
	Forget(key string)
}

// TrackedSink receives watched messages sent through SendTracked.
type TrackedSink interface {
	Register(url string, msg types.TrackedMessage) string
	// Remove forgets a message whose envelope never reached the wire.
	Remove(ctx context.Context, id string)
}

// Options configures a session. Zero durations take the defaults below.
type Options struct {
	URL               string
	Protocols         []string
	AuthToken         string
	GetAuthToken      func(ctx context.Context) (string, error)
	AppendAuthToQuery *bool

	HeartbeatInterval time.Duration
	IdleClose         time.Duration
	IdleCheckInterval time.Duration
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	DelayCap          time.Duration
	Jitter            time.Duration
	DialTimeout       time.Duration
	WriteTimeout      time.Duration

	Dialer  *websocket.Dialer
	Header  http.Header
	Logger  *slog.Logger
	Metrics *metrics.Collector

	Owner   Owner
	Tracked TrackedSink
}

const (
	DefaultHeartbeatInterval = 25 * time.Second
	DefaultIdleClose         = 60 * time.Second
	DefaultIdleCheckInterval = 5 * time.Second
	DefaultBackoffBase       = 500 * time.Millisecond
	DefaultBackoffMax        = 30 * time.Second
	DefaultDelayCap          = 10 * time.Second
	DefaultJitter            = 250 * time.Millisecond
	DefaultDialTimeout       = 10 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
)

func (o Options) withDefaults() Options {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.IdleClose <= 0 {
		o.IdleClose = DefaultIdleClose
	}
	if o.IdleCheckInterval <= 0 {
		o.IdleCheckInterval = DefaultIdleCheckInterval
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = DefaultBackoffBase
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = DefaultBackoffMax
	}
	if o.DelayCap <= 0 {
		o.DelayCap = DefaultDelayCap
	}
	if o.Jitter == 0 {
		o.Jitter = DefaultJitter
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Endpoint returns the persistable identity described by o.
func (o Options) Endpoint() types.Endpoint {
	appendAuth := o.AppendAuthToQuery == nil || *o.AppendAuthToQuery
	return types.Endpoint{
		URL:               o.URL,
		AuthToken:         o.AuthToken,
		Protocols:         o.Protocols,
		AppendAuthToQuery: &appendAuth,
	}
}

// Key returns the normalised identity for o.
func (o Options) Key() (string, error) {
	return endpoint.Key(o.Endpoint())
}

// SendOptions modifies Send.
type SendOptions struct {
	// Persist records the endpoint identity so the session is restored
	// after a restart.
	Persist bool
}

// waiter is settled once per connection attempt.
type waiter struct {
	done chan struct{}
	err  error
}

// Session is one logical connection. All methods are safe for concurrent
// use.
type Session struct {
	key       string
	opts      Options
	log       *slog.Logger
	listeners *fanout

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	conn         *websocket.Conn
	state        State
	backoff      time.Duration
	started      bool
	userClosed   bool
	dormant      bool
	localClose   *Event
	lastActivity time.Time
	waiter       *waiter
	// announcing is set while the open event of a new connection is
	// dispatched; Ready keeps waiting until it is cleared.
	announcing   bool
	timer        *time.Timer
	connCancel   context.CancelFunc
	guards       []func() bool

	writeMu sync.Mutex
}

// New validates the options and builds a closed session. Call Open to
// start connecting.
func New(opts Options) (*Session, error) {
	opts = opts.withDefaults()

	key, err := opts.Key()
	if err != nil {
		return nil, &wserr.TransportError{Op: "open", URL: opts.URL, Cause: err}
	}
	u, _ := url.Parse(key)
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, &wserr.TransportError{Op: "open", URL: opts.URL,
			Cause: fmt.Errorf("unsupported scheme %q", u.Scheme)}
	}

	ctx, cancel := context.WithCancel(context.Background())
	log := opts.Logger.With(slog.String("endpoint", endpoint.Redact(key)))
	return &Session{
		key:          key,
		opts:         opts,
		log:          log,
		listeners:    newFanout(log),
		ctx:          ctx,
		cancel:       cancel,
		state:        StateClosed,
		backoff:      opts.BackoffBase,
		lastActivity: time.Now(),
	}, nil
}

// Open starts connecting in the background. It is a no-op once started.
func (s *Session) Open() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started || s.userClosed {
		return
	}
	s.started = true
	s.dialLocked()
}

// Key returns the normalised endpoint identity.
func (s *Session) Key() string { return s.key }

// URL returns the URL the session was created with.
func (s *Session) URL() string { return s.opts.URL }

// Endpoint returns the persistable identity of the session.
func (s *Session) Endpoint() types.Endpoint { return s.opts.Endpoint() }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) IsOpen() bool { return s.State() == StateOpen }

// Ready blocks until the socket is open. It fails when the attempt it
// waits for fails, the session was closed by its owner or ctx ends. A
// dormant or never opened session starts connecting. Open listeners have
// run when Ready returns, so they must not wait for Ready themselves.
func (s *Session) Ready(ctx context.Context) error {
	s.mu.Lock()
	if s.userClosed {
		s.mu.Unlock()
		return wserr.ErrClosed
	}
	if s.state == StateOpen && !s.announcing {
		s.mu.Unlock()
		return nil
	}
	w := s.waiterLocked()
	s.lastActivity = time.Now()
	if s.state == StateClosed && s.timer == nil {
		s.started = true
		s.dormant = false
		s.dialLocked()
	}
	s.mu.Unlock()

	select {
	case <-w.done:
		return w.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// On registers fn for kind. Registered listeners keep the session from
// closing for idleness.
func (s *Session) On(kind EventKind, fn Listener) *Subscription {
	s.touch()
	return s.listeners.add(kind, fn, true)
}

// Observe registers fn for kind without counting it as activity. It is
// meant for components that only react to traffic.
func (s *Session) Observe(kind EventKind, fn Listener) *Subscription {
	return s.listeners.add(kind, fn, false)
}

// AddIdleGuard registers a check that keeps the session open while it
// reports true.
func (s *Session) AddIdleGuard(busy func() bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.guards = append(s.guards, busy)
}

// Send writes one text frame. It fails with wserr.ErrNotOpen unless the
// socket is open.
func (s *Session) Send(ctx context.Context, data []byte, opts SendOptions) error {
	if !s.IsOpen() {
		return wserr.ErrNotOpen
	}
	if opts.Persist {
		s.persist()
	}
	return s.write(ctx, data, true)
}

// SendJSON encodes v and sends it.
func (s *Session) SendJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	return s.Send(ctx, data, SendOptions{})
}

// SendTracked sends msg as a watched message envelope {id, data}. The
// endpoint identity is persisted and the message is registered with the
// tracked sink before it goes on the wire; a failed write removes it
// again. An empty ID gets a random one.
func (s *Session) SendTracked(ctx context.Context, msg types.TrackedMessage) (string, error) {
	if !s.IsOpen() {
		return "", wserr.ErrNotOpen
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	data, err := json.Marshal(msg.Envelope())
	if err != nil {
		return "", fmt.Errorf("encode tracked message: %w", err)
	}

	s.persist()
	if s.opts.Tracked != nil {
		s.opts.Tracked.Register(s.opts.URL, msg)
	}
	if err := s.write(ctx, data, true); err != nil {
		if s.opts.Tracked != nil {
			s.opts.Tracked.Remove(context.WithoutCancel(ctx), msg.ID)
		}
		return msg.ID, err
	}
	return msg.ID, nil
}

// Close ends the caller's use of the session. A soft close releases one
// registry reference and tears the socket down only when it was the last.
// A hard close always tears down, removes the registry entry and forgets
// the persisted identity.
func (s *Session) Close(soft bool, code int, reason string) {
	owner := s.opts.Owner
	if soft {
		if owner == nil || owner.Release(s.key) {
			s.teardown(code, reason)
		}
		return
	}

	s.teardown(code, reason)
	if owner != nil {
		owner.Remove(s.key)
		owner.Forget(s.key)
	}
}

// Shutdown tears the socket down without touching the registry or the
// persisted identity.
func (s *Session) Shutdown() {
	s.teardown(websocket.CloseGoingAway, "shutdown")
}

func (s *Session) teardown(code int, reason string) {
	if code == 0 {
		code = websocket.CloseNormalClosure
	}

	s.mu.Lock()
	if s.userClosed {
		s.mu.Unlock()
		return
	}
	s.userClosed = true
	s.state = StateClosed
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.connCancel != nil {
		s.connCancel()
		s.connCancel = nil
	}
	conn := s.conn
	s.conn = nil
	s.settleLocked(wserr.ErrClosed)
	s.mu.Unlock()

	s.cancel()
	s.listeners.clear()
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
		conn.Close()
	}
	s.log.Info("websocket closed", slog.Int("code", code), slog.String("reason", reason))
}

func (s *Session) persist() {
	if s.opts.Owner != nil {
		s.opts.Owner.Persist(s.key, s.Endpoint())
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) waiterLocked() *waiter {
	if s.waiter == nil {
		s.waiter = &waiter{done: make(chan struct{})}
	}
	return s.waiter
}

func (s *Session) settleLocked(err error) {
	if s.waiter == nil {
		return
	}
	s.waiter.err = err
	close(s.waiter.done)
	s.waiter = nil
}

// ----------------------------------------------------------------------------
// connect / reconnect
// ----------------------------------------------------------------------------

func (s *Session) dialLocked() {
	if s.state == StateConnecting || s.state == StateOpen {
		return
	}
	s.state = StateConnecting
	go s.dial()
}

func (s *Session) dial() {
	ctx, cancel := context.WithTimeout(s.ctx, s.opts.DialTimeout)
	defer cancel()

	target, err := s.dialURL(ctx)
	var conn *websocket.Conn
	if err == nil {
		d := *s.opts.Dialer
		d.Subprotocols = s.opts.Protocols
		conn, _, err = d.DialContext(ctx, target, s.opts.Header)
	}
	if err != nil {
		s.dialFailed(err)
		return
	}
	s.opened(conn)
}

// dialURL applies a token from GetAuthToken when one is configured.
func (s *Session) dialURL(ctx context.Context) (string, error) {
	if s.opts.GetAuthToken == nil {
		return s.key, nil
	}
	token, err := s.opts.GetAuthToken(ctx)
	if err != nil {
		return "", fmt.Errorf("get auth token: %w", err)
	}
	return endpoint.Normalize(s.key, token, true)
}

func (s *Session) dialFailed(err error) {
	terr := &wserr.TransportError{Op: "dial", URL: endpoint.Redact(s.key), Cause: err}

	s.mu.Lock()
	if s.userClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	s.settleLocked(terr)
	s.scheduleReconnectLocked()
	s.mu.Unlock()

	s.log.Warn("websocket dial failed", slog.Any("error", err))
	s.listeners.emit(Event{Kind: EventError, Err: terr})
}

func (s *Session) opened(conn *websocket.Conn) {
	s.mu.Lock()
	if s.userClosed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conn = conn
	s.state = StateOpen
	s.backoff = s.opts.BackoffBase
	s.lastActivity = time.Now()
	connCtx, connCancel := context.WithCancel(s.ctx)
	s.connCancel = connCancel
	s.announcing = true
	s.mu.Unlock()

	s.opts.Metrics.RecordConnectionOpened()
	s.log.Info("websocket open")

	go s.heartbeat(connCtx, conn)
	go s.idleCheck(connCtx, conn)

	// Open listeners run before Ready returns and before the first frame
	// is read.
	s.listeners.emit(Event{Kind: EventOpen})

	s.mu.Lock()
	s.announcing = false
	current := s.conn == conn
	if current {
		s.settleLocked(nil)
	}
	s.mu.Unlock()

	if current {
		go s.readLoop(conn)
	}
}

func (s *Session) readLoop(conn *websocket.Conn) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			s.closed(conn, err)
			return
		}
		if mt != websocket.TextMessage {
			s.log.Debug("ignoring non-text frame", slog.Int("type", mt))
			continue
		}
		s.touch()
		s.opts.Metrics.RecordFrameReceived()
		s.listeners.emit(Event{Kind: EventMessage, Data: data})
	}
}

func (s *Session) closed(conn *websocket.Conn, err error) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.state = StateClosed
	if s.connCancel != nil {
		s.connCancel()
		s.connCancel = nil
	}
	ev := Event{Kind: EventClose, Code: websocket.CloseAbnormalClosure, Err: err}
	var ce *websocket.CloseError
	local := s.localClose
	s.localClose = nil
	switch {
	case local != nil:
		ev.Code, ev.Reason, ev.Err = local.Code, local.Reason, nil
	case errors.As(err, &ce):
		ev.Code, ev.Reason, ev.Err = ce.Code, ce.Text, nil
	}
	if !s.userClosed && !s.dormant {
		s.scheduleReconnectLocked()
	}
	s.mu.Unlock()

	conn.Close()
	if ev.Err != nil {
		s.listeners.emit(Event{Kind: EventError, Err: &wserr.TransportError{Op: "read", URL: endpoint.Redact(s.key), Cause: err}})
	}
	s.log.Info("websocket connection closed", slog.Int("code", ev.Code), slog.String("reason", ev.Reason))
	s.listeners.emit(ev)
}

func (s *Session) scheduleReconnectLocked() {
	var delay time.Duration
	delay, s.backoff = nextBackoff(s.backoff, s.opts.DelayCap, s.opts.BackoffMax, s.opts.Jitter)
	s.timer = time.AfterFunc(delay, s.reconnect)
	s.opts.Metrics.RecordReconnect(delay)
	s.log.Info("websocket reconnect scheduled", slog.Duration("delay", delay))
}

func (s *Session) reconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.timer = nil
	if s.userClosed || s.dormant {
		return
	}
	s.dialLocked()
}

// nextBackoff returns the delay before the next attempt,
// min(backoff, delayCap) plus up to jitter, and the grown backoff.
func nextBackoff(backoff, delayCap, maxBackoff, jitter time.Duration) (time.Duration, time.Duration) {
	delay := min(backoff, delayCap)
	if jitter > 0 {
		delay += rand.N(jitter)
	}
	return delay, min(backoff*2, maxBackoff)
}

// ----------------------------------------------------------------------------
// heartbeat / idle
// ----------------------------------------------------------------------------

type ping struct {
	Type string `json:"type"`
	TS   int64  `json:"ts"`
}

func (s *Session) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			data, _ := json.Marshal(ping{Type: types.TypePing, TS: time.Now().UnixMilli()})
			if err := s.writeConn(ctx, conn, data); err != nil {
				s.log.Debug("heartbeat failed", slog.Any("error", err))
			}
		}
	}
}

func (s *Session) idleCheck(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.opts.IdleCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.idle() {
				s.closeIdle(conn)
				return
			}
		}
	}
}

// idle reports whether the session has been quiet for longer than
// IdleClose with nothing depending on it.
func (s *Session) idle() bool {
	s.mu.Lock()
	quiet := time.Since(s.lastActivity) > s.opts.IdleClose
	guards := append([]func() bool(nil), s.guards...)
	s.mu.Unlock()

	if !quiet || s.listeners.active() > 0 {
		return false
	}
	for _, busy := range guards {
		if busy() {
			return false
		}
	}
	return true
}

func (s *Session) closeIdle(conn *websocket.Conn) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.dormant = true
	s.localClose = &Event{Code: websocket.CloseNormalClosure, Reason: "idle"}
	s.mu.Unlock()

	s.log.Info("closing idle websocket")
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "idle"), time.Now().Add(time.Second))
	conn.Close()
}

// ----------------------------------------------------------------------------
// writes
// ----------------------------------------------------------------------------

func (s *Session) write(ctx context.Context, data []byte, activity bool) error {
	s.mu.Lock()
	conn := s.conn
	if conn == nil || s.state != StateOpen {
		s.mu.Unlock()
		return wserr.ErrNotOpen
	}
	if activity {
		s.lastActivity = time.Now()
	}
	s.mu.Unlock()

	return s.writeConn(ctx, conn, data)
}

func (s *Session) writeConn(ctx context.Context, conn *websocket.Conn, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	deadline := time.Now().Add(s.opts.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return &wserr.TransportError{Op: "write", URL: endpoint.Redact(s.key), Cause: err}
	}
	return nil
}
