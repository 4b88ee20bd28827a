package session

import (
	"container/list"
	"fmt"
	"log/slog"
	"sync"
)

// EventKind names a session event.
type EventKind string

const (
	EventOpen    EventKind = "open"
	EventMessage EventKind = "message"
	EventClose   EventKind = "close"
	EventError   EventKind = "error"
)

// Event is delivered to listeners. Data is set for messages; Code and
// Reason for closes; Err for errors and abnormal closes.
type Event struct {
	Kind   EventKind
	Data   []byte
	Code   int
	Reason string
	Err    error
}

// Listener receives session events on the session's read goroutine.
type Listener func(Event)

type listenerEntry struct {
	fn      Listener
	counted bool
}

// fanout keeps one ordered list of listeners per event kind.
type fanout struct {
	mu      sync.Mutex
	lists   map[EventKind]*list.List
	counted int
	log     *slog.Logger
}

func newFanout(log *slog.Logger) *fanout {
	return &fanout{lists: make(map[EventKind]*list.List), log: log}
}

// Subscription is the handle returned by On and Observe.
type Subscription struct {
	f    *fanout
	kind EventKind
	l    *list.List
	el   *list.Element
	once sync.Once
}

// Off removes the listener. It is safe to call more than once.
func (s *Subscription) Off() {
	if s == nil || s.f == nil {
		return
	}
	s.once.Do(func() { s.f.remove(s.kind, s.l, s.el) })
}

func (f *fanout) add(kind EventKind, fn Listener, counted bool) *Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()

	l, ok := f.lists[kind]
	if !ok {
		l = list.New()
		f.lists[kind] = l
	}
	el := l.PushBack(&listenerEntry{fn: fn, counted: counted})
	if counted {
		f.counted++
	}
	return &Subscription{f: f, kind: kind, l: l, el: el}
}

func (f *fanout) remove(kind EventKind, l *list.List, el *list.Element) {
	f.mu.Lock()
	defer f.mu.Unlock()

	// A cleared fanout has dropped l already.
	if f.lists[kind] != l {
		return
	}
	if e := l.Remove(el).(*listenerEntry); e.counted {
		f.counted--
	}
}

// active reports how many caller registered listeners exist.
func (f *fanout) active() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counted
}

func (f *fanout) clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists = make(map[EventKind]*list.List)
	f.counted = 0
}

// emit calls the listeners of ev.Kind in registration order. A panicking
// listener is logged and the remaining listeners still run.
func (f *fanout) emit(ev Event) {
	f.mu.Lock()
	l := f.lists[ev.Kind]
	var fns []Listener
	if l != nil {
		fns = make([]Listener, 0, l.Len())
		for e := l.Front(); e != nil; e = e.Next() {
			fns = append(fns, e.Value.(*listenerEntry).fn)
		}
	}
	f.mu.Unlock()

	for _, fn := range fns {
		f.call(ev, fn)
	}
}

func (f *fanout) call(ev Event, fn Listener) {
	defer func() {
		if r := recover(); r != nil {
			f.log.Error("websocket listener failed",
				slog.String("event", string(ev.Kind)),
				slog.String("panic", fmt.Sprint(r)))
		}
	}()
	fn(ev)
}
