// Package registry maps normalised endpoint identities to live sessions
// and keeps the persisted identities used to restore them after a
// restart.
package registry

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/electronicpartnerio/realtime-communication/internal/session"
	"github.com/electronicpartnerio/realtime-communication/internal/storage"
	"github.com/electronicpartnerio/realtime-communication/pkg/types"
)

// DefaultKey is the store key of the persisted endpoint identities.
const DefaultKey = "ep:ws:registry"

// Factory builds a session for the given options.
type Factory func(opts session.Options) (*session.Session, error)

// Options configures a Registry.
type Options struct {
	Key      string
	Logger   *slog.Logger
	Factory  Factory
	// OnRemove is called, outside the registry lock, for every session
	// whose entry is dropped by Release or Remove.
	OnRemove func(*session.Session)
}

type entry struct {
	sess *session.Session
	ref  int
}

// Registry enforces at most one live session per identity. It implements
// session.Owner.
type Registry struct {
	store    storage.Store
	key      string
	log      *slog.Logger
	factory  Factory
	onRemove func(*session.Session)

	mu      sync.Mutex
	entries map[string]*entry

	// storeMu serialises read-modify-write cycles on the persisted map.
	storeMu sync.Mutex
}

var _ session.Owner = (*Registry)(nil)

// New creates a registry that persists identities in store.
func New(store storage.Store, opts Options) *Registry {
	if opts.Key == "" {
		opts.Key = DefaultKey
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Factory == nil {
		opts.Factory = session.New
	}
	return &Registry{
		store:    store,
		key:      opts.Key,
		log:      opts.Logger,
		factory:  opts.Factory,
		onRemove: opts.OnRemove,
		entries:  make(map[string]*entry),
	}
}

// Acquire returns the session for the identity of opts. An existing
// session gains a reference; otherwise a new one is created with one
// reference and starts connecting.
func (r *Registry) Acquire(opts session.Options) (*session.Session, error) {
	key, err := opts.Key()
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if e, ok := r.entries[key]; ok {
		e.ref++
		r.mu.Unlock()
		return e.sess, nil
	}

	opts.Owner = r
	sess, err := r.factory(opts)
	if err != nil {
		r.mu.Unlock()
		r.log.Error("websocket session failed to initialize", slog.Any("error", err))
		return nil, err
	}
	r.entries[key] = &entry{sess: sess, ref: 1}
	r.mu.Unlock()

	sess.Open()
	return sess, nil
}

// Release drops one reference. It reports true, and removes the entry,
// when no reference is left.
func (r *Registry) Release(key string) bool {
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok {
		r.mu.Unlock()
		return true
	}
	e.ref--
	if e.ref > 0 {
		r.mu.Unlock()
		return false
	}
	delete(r.entries, key)
	r.mu.Unlock()

	r.removed(e.sess)
	return true
}

// Remove drops the entry regardless of its references.
func (r *Registry) Remove(key string) {
	r.mu.Lock()
	e, ok := r.entries[key]
	delete(r.entries, key)
	r.mu.Unlock()

	if ok {
		r.removed(e.sess)
	}
}

func (r *Registry) removed(sess *session.Session) {
	if r.onRemove != nil {
		r.onRemove(sess)
	}
}

func (r *Registry) Get(key string) (*session.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		return nil, false
	}
	return e.sess, true
}

// Refs returns the reference count of key, zero when absent.
func (r *Registry) Refs(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok {
		return e.ref
	}
	return 0
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Keys lists the live identities in ascending order.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Sessions returns the live sessions ordered by identity.
func (r *Registry) Sessions() []*session.Session {
	keys := r.Keys()
	out := make([]*session.Session, 0, len(keys))
	for _, k := range keys {
		if s, ok := r.Get(k); ok {
			out = append(out, s)
		}
	}
	return out
}

// CloseAll shuts every live session down and empties the registry. The
// persisted identities are kept.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*entry)
	r.mu.Unlock()

	for _, e := range entries {
		e.sess.Shutdown()
	}
}

// ----------------------------------------------------------------------------
// persisted identities
// ----------------------------------------------------------------------------

// Persist records ep under key.
func (r *Registry) Persist(key string, ep types.Endpoint) {
	r.storeMu.Lock()
	defer r.storeMu.Unlock()

	ctx := context.Background()
	stored := r.readLocked(ctx)
	stored[key] = ep
	storage.WriteJSON(ctx, r.log, r.store, r.key, stored)
}

// Forget erases the persisted identity of key.
func (r *Registry) Forget(key string) {
	r.storeMu.Lock()
	defer r.storeMu.Unlock()

	ctx := context.Background()
	stored := r.readLocked(ctx)
	if _, ok := stored[key]; !ok {
		return
	}
	delete(stored, key)
	if len(stored) == 0 {
		storage.Remove(ctx, r.log, r.store, r.key)
		return
	}
	storage.WriteJSON(ctx, r.log, r.store, r.key, stored)
}

// Stored returns the persisted identities. Corrupted content yields an
// empty map.
func (r *Registry) Stored() map[string]types.Endpoint {
	r.storeMu.Lock()
	defer r.storeMu.Unlock()
	return r.readLocked(context.Background())
}

func (r *Registry) readLocked(ctx context.Context) map[string]types.Endpoint {
	stored := make(map[string]types.Endpoint)
	if !storage.ReadJSON(ctx, r.log, r.store, r.key, &stored) || stored == nil {
		return make(map[string]types.Endpoint)
	}
	return stored
}

// Restore acquires a session for every persisted identity, using base
// for everything but the identity fields. No application request is
// replayed. Identities that no longer build a session are forgotten.
func (r *Registry) Restore(base session.Options) []*session.Session {
	stored := r.Stored()
	keys := make([]string, 0, len(stored))
	for k := range stored {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var restored []*session.Session
	for _, k := range keys {
		ep := stored[k]
		opts := base
		opts.URL = ep.URL
		opts.AuthToken = ep.AuthToken
		opts.Protocols = ep.Protocols
		opts.AppendAuthToQuery = ep.AppendAuthToQuery

		sess, err := r.Acquire(opts)
		if err != nil {
			r.log.Warn("dropping unrestorable endpoint", slog.String("key", k), slog.Any("error", err))
			r.Forget(k)
			continue
		}
		restored = append(restored, sess)
	}
	return restored
}
