// Package registry implements the process-wide media-source index (C7):
// synchronous find, asynchronous find_async with a bounded wait and
// reactor-affine callback delivery, idempotent creation, and teardown
// with an optional linger window. Grounded on the teacher's
// internal/rtmp/server/registry.go Registry{mu sync.RWMutex; streams
// map[string]*Stream} with its double-checked-locking CreateStream,
// generalized to async find and a Conflict error on duplicate
// publisher registration (teacher's ErrPublisherExists, renamed to the
// shared errors.ConflictError).
package registry

import (
	"sync"
	"time"

	srterrors "github.com/alxayo/go-srt-live/internal/errors"
	"github.com/alxayo/go-srt-live/internal/media"
	"github.com/alxayo/go-srt-live/internal/media/source"
	"github.com/alxayo/go-srt-live/internal/reactor"
)

// defaultFindWait bounds how long find_async waits for a publisher to
// appear before invoking the callback with (nil, false).
const defaultFindWait = 3 * time.Second

// defaultLinger is how long a source survives after becoming idle
// (no publisher, no readers) before the registry removes it, to
// tolerate brief reconnects.
const defaultLinger = 2 * time.Second

// Registry is the process-wide name -> *source.Source index.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]*source.Source
	waiters map[string][]waiter
	nextID  uint64

	findWait time.Duration
	linger   time.Duration
}

type waiter struct {
	id       uint64
	reactor  *reactor.Reactor
	callback func(*source.Source)
}

// Option configures a Registry at construction.
type Option func(*Registry)

// WithFindWait overrides the default find_async bounded wait.
func WithFindWait(d time.Duration) Option {
	return func(r *Registry) { r.findWait = d }
}

// WithLinger overrides the default teardown grace period.
func WithLinger(d time.Duration) Option {
	return func(r *Registry) { r.linger = d }
}

// New builds an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		sources:  make(map[string]*source.Source),
		waiters:  make(map[string][]waiter),
		findWait: defaultFindWait,
		linger:   defaultLinger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Find performs a synchronous lookup.
func (r *Registry) Find(info media.Info) (*source.Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sources[info.Key()]
	return s, ok
}

// FindAsync waits up to the registry's bounded window for a source to
// register under info, delivering the result on requester's reactor.
// If the source already exists, callback fires immediately (still
// posted through requester, to preserve the reactor-affinity rule).
func (r *Registry) FindAsync(info media.Info, requester *reactor.Reactor, callback func(*source.Source)) {
	key := info.Key()

	r.mu.Lock()
	if s, ok := r.sources[key]; ok {
		r.mu.Unlock()
		requester.Post(func() { callback(s) })
		return
	}
	r.nextID++
	id := r.nextID
	r.waiters[key] = append(r.waiters[key], waiter{id: id, reactor: requester, callback: callback})
	r.mu.Unlock()

	time.AfterFunc(r.findWait, func() {
		r.expireWaiter(key, id)
	})
}

// expireWaiter removes a specific waiter entry if it is still pending
// and delivers a not-found result. No-op if it already fired because
// the source appeared in the meantime.
func (r *Registry) expireWaiter(key string, id uint64) {
	r.mu.Lock()
	list := r.waiters[key]
	idx := -1
	for i, w := range list {
		if w.id == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		r.mu.Unlock()
		return
	}
	w := list[idx]
	r.waiters[key] = append(list[:idx], list[idx+1:]...)
	if len(r.waiters[key]) == 0 {
		delete(r.waiters, key)
	}
	r.mu.Unlock()

	w.reactor.Post(func() { w.callback(nil) })
}

// CreateOrGet idempotently creates a source for info (publish path),
// claiming it for the calling publisher. Returns Conflict if another
// publisher already claimed this identity -- the claim happens here, at
// authorization time, not lazily once the first packet arrives (see
// source.Source.ClaimWriter), so a second publisher racing in before
// any TS data has been demuxed is still rejected.
func (r *Registry) CreateOrGet(info media.Info, ringCapacity int, onReaderCount func(int)) (*source.Source, error) {
	key := info.Key()

	r.mu.RLock()
	if s, ok := r.sources[key]; ok {
		r.mu.RUnlock()
		if !s.ClaimWriter() {
			return nil, srterrors.NewConflict(key)
		}
		return s, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	if s, ok := r.sources[key]; ok {
		r.mu.Unlock()
		if !s.ClaimWriter() {
			return nil, srterrors.NewConflict(key)
		}
		return s, nil
	}
	s := source.New(info, ringCapacity, onReaderCount)
	s.ClaimWriter()
	r.sources[key] = s
	waiting := r.waiters[key]
	delete(r.waiters, key)
	r.mu.Unlock()

	for _, w := range waiting {
		w := w
		w.reactor.Post(func() { w.callback(s) })
	}
	return s, nil
}

// MaybeRemove schedules removal of the source under key after the
// linger window if it is still idle when the timer fires.
func (r *Registry) MaybeRemove(info media.Info) {
	key := info.Key()
	time.AfterFunc(r.linger, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		s, ok := r.sources[key]
		if !ok || !s.Idle() {
			return
		}
		delete(r.sources, key)
	})
}

// Count returns the number of currently registered sources (observability).
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sources)
}
