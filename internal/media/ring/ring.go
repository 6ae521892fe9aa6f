// Package ring implements the bounded multi-reader fan-out queue of GOP
// batches described for the TS media source. One writer (the publisher's
// reactor) and R readers share a Ring; each reader has its own bounded
// queue so a slow reader can never stall the writer. Grounded on the
// teacher's Stream.BroadcastMessage (internal/rtmp/server/registry.go):
// snapshot subscribers under a read lock, release the lock, then fan out
// -- generalized here to GOP batches plus a cached-tail replay for new
// readers and a bounded per-reader queue instead of an always-blocking
// send.
package ring

import (
	"sync"

	"github.com/alxayo/go-srt-live/internal/media"
)

// DefaultCapacity is the ring's default batch history depth.
const DefaultCapacity = 512

// Ring is a fixed-capacity, keyframe-aligned fan-out queue.
type Ring struct {
	capacity int

	mu            sync.RWMutex
	readers       map[*Reader]struct{}
	onReaderCount func(n int)

	// cache is the replay seed for new readers: every batch written
	// since (and including) the most recent key_pos=true batch. A new
	// key_pos write rotates the cache to start over from that batch,
	// so a fresh reader always starts at the latest keyframe rather
	// than replaying stale GOPs.
	cacheMu sync.Mutex
	cache   []media.Batch
}

// New builds a Ring. capacity <= 0 uses DefaultCapacity. onReaderCount,
// if non-nil, is invoked (on whichever goroutine calls Attach or the
// Reader's Detach) after every reader-count change, per the ring
// contract.
func New(capacity int, onReaderCount func(n int)) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{
		capacity:      capacity,
		readers:       make(map[*Reader]struct{}),
		onReaderCount: onReaderCount,
	}
}

// Write appends batch, seeding every reader's queue and rotating the
// cached-GOP tail whenever keyPos is true, readers or not. The
// writer is never blocked by a reader: a full reader queue drops its
// oldest entries to make room.
func (r *Ring) Write(batch media.Batch, keyPos bool) {
	r.cacheMu.Lock()
	if keyPos {
		r.cache = r.cache[:0]
	}
	r.cache = append(r.cache, batch)
	if over := len(r.cache) - r.capacity; over > 0 {
		r.cache = r.cache[over:]
	}
	r.cacheMu.Unlock()

	r.mu.RLock()
	for rd := range r.readers {
		rd.push(batch)
	}
	r.mu.RUnlock()
}

// Attach registers a new reader, seeding it with the currently cached
// GOP (if any) before it starts receiving live writes. queueCap bounds
// the reader's own backlog; 0 uses the ring's capacity.
func (r *Ring) Attach(queueCap int) *Reader {
	if queueCap <= 0 {
		queueCap = r.capacity
	}
	rd := &Reader{ring: r, queueCap: queueCap}

	r.cacheMu.Lock()
	seed := make([]media.Batch, len(r.cache))
	copy(seed, r.cache)
	r.cacheMu.Unlock()
	rd.queue = append(rd.queue, seed...)
	if len(seed) > 0 {
		rd.signal()
	}

	r.mu.Lock()
	r.readers[rd] = struct{}{}
	count := len(r.readers)
	r.mu.Unlock()

	r.notifyReaderCount(count)
	return rd
}

// ClearCache empties the cached-GOP tail without closing readers.
func (r *Ring) ClearCache() {
	r.cacheMu.Lock()
	r.cache = nil
	r.cacheMu.Unlock()
}

// ReaderCount returns the number of currently attached readers.
func (r *Ring) ReaderCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.readers)
}

// ReaderInfo is the observability snapshot returned by GetInfoList.
type ReaderInfo struct {
	Pending int
}

// GetInfoList returns a transform(info) slice for each attached reader,
// used for process observability (spec's get_info_list).
func GetInfoList[T any](r *Ring, transform func(ReaderInfo) T) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]T, 0, len(r.readers))
	for rd := range r.readers {
		rd.mu.Lock()
		info := ReaderInfo{Pending: len(rd.queue)}
		rd.mu.Unlock()
		out = append(out, transform(info))
	}
	return out
}

func (r *Ring) detach(rd *Reader) {
	r.mu.Lock()
	if _, ok := r.readers[rd]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.readers, rd)
	count := len(r.readers)
	r.mu.Unlock()

	r.notifyReaderCount(count)
}

func (r *Ring) notifyReaderCount(n int) {
	if r.onReaderCount != nil {
		r.onReaderCount(n)
	}
}

// Reader is one attached subscriber's view of the ring: an ordered,
// bounded queue fed by Write and drained by Pop. Oldest entries are
// dropped on overflow -- ordering is preserved, nothing is ever
// reordered or duplicated.
type Reader struct {
	ring     *Ring
	queueCap int

	mu      sync.Mutex
	queue   []media.Batch
	nonEmpty chan struct{}
	once    sync.Once
	dropped int
}

// push appends a batch to the reader's own queue, dropping the oldest
// entries if it would exceed queueCap.
func (rd *Reader) push(batch media.Batch) {
	rd.mu.Lock()
	rd.queue = append(rd.queue, batch)
	if over := len(rd.queue) - rd.queueCap; over > 0 {
		rd.queue = rd.queue[over:]
		rd.dropped += over
	}
	rd.mu.Unlock()
	rd.signal()
}

func (rd *Reader) signal() {
	rd.once.Do(func() { rd.nonEmpty = make(chan struct{}, 1) })
	select {
	case rd.nonEmpty <- struct{}{}:
	default:
	}
}

// Pop removes and returns the oldest queued batch, or ok=false if empty.
func (rd *Reader) Pop() (media.Batch, bool) {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	if len(rd.queue) == 0 {
		return media.Batch{}, false
	}
	b := rd.queue[0]
	rd.queue = rd.queue[1:]
	return b, true
}

// Ready returns a channel that receives a value whenever new data may be
// available to Pop. Used by session on_read loops to avoid busy-polling.
func (rd *Reader) Ready() <-chan struct{} {
	rd.once.Do(func() { rd.nonEmpty = make(chan struct{}, 1) })
	return rd.nonEmpty
}

// Dropped returns the cumulative count of batches dropped for this
// reader due to backlog overflow.
func (rd *Reader) Dropped() int {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	return rd.dropped
}

// Detach removes the reader from the ring and triggers the reader-count
// callback. Idempotent.
func (rd *Reader) Detach() {
	rd.ring.detach(rd)
}
