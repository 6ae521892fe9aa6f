// Package tscache accumulates incoming TS packets into GOP-aligned
// batches, flushing on a byte threshold, a new keyframe, an explicit
// clear, or source teardown. Adapted from the teacher's codec/relay
// accumulation pattern (internal/rtmp/media): there, a buffered tag
// queue is flushed to subscribers on frame boundaries; here the
// boundary is a GOP rather than an RTMP message.
package tscache

import "github.com/alxayo/go-srt-live/internal/media"

// defaultFlushBytes is the merge-write size threshold: once the
// in-flight accumulator reaches this many payload bytes, it flushes
// even without a new keyframe, bounding per-batch memory and latency.
const defaultFlushBytes = 64 * 1024

// Sink receives a completed batch. Implemented by the ring.
type Sink interface {
	Write(batch media.Batch)
}

// Grouper accumulates TS packets into Batch values and hands completed
// batches to a Sink. Not safe for concurrent use; callers run it on a
// single reactor (the publisher's).
type Grouper struct {
	sink       Sink
	flushBytes int

	// sawVideoKeyframe flips true the first time a genuine video
	// keyframe (Video && Key) is observed and never resets. Until then
	// the stream is treated as audio-only, or not yet proven otherwise.
	sawVideoKeyframe bool

	buf      []media.Packet
	bufBytes int
	pendingKey bool // true if buf's first packet started a new GOP
}

// Option configures a Grouper at construction.
type Option func(*Grouper)

// WithFlushBytes overrides the default merge-write byte threshold.
func WithFlushBytes(n int) Option {
	return func(g *Grouper) {
		if n > 0 {
			g.flushBytes = n
		}
	}
}

// New builds a Grouper flushing completed batches to sink.
func New(sink Sink, opts ...Option) *Grouper {
	g := &Grouper{sink: sink, flushBytes: defaultFlushBytes}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Input appends one packet to the accumulator, flushing as needed per
// the flush triggers: byte threshold, or new keyframe over a non-empty
// buffer. Until a video keyframe has ever been observed, every packet
// flushes immediately as its own key_pos=true batch, since there is no
// GOP to align on yet and a late joiner must not wait for one.
func (g *Grouper) Input(pkt media.Packet) {
	if pkt.Video && pkt.Key {
		g.sawVideoKeyframe = true
	}

	if !g.sawVideoKeyframe {
		g.sink.Write(media.Batch{Packets: []media.Packet{pkt}, KeyPos: true})
		return
	}

	if pkt.Key && len(g.buf) > 0 {
		g.flushLocked(g.pendingKey)
	}
	if len(g.buf) == 0 {
		g.pendingKey = pkt.Key
	}
	g.buf = append(g.buf, pkt)
	g.bufBytes += pkt.Size()

	if g.bufBytes >= g.flushBytes {
		g.flushLocked(g.pendingKey)
	}
}

// flush discards the buffered accumulator without emitting a batch.
func (g *Grouper) flush() {
	g.buf = g.buf[:0]
	g.bufBytes = 0
	g.pendingKey = false
}

// flushLocked hands the current buffer to the sink as a Batch tagged
// keyPos, then resets the accumulator.
func (g *Grouper) flushLocked(keyPos bool) {
	if len(g.buf) == 0 {
		return
	}
	packets := make([]media.Packet, len(g.buf))
	copy(packets, g.buf)
	g.sink.Write(media.Batch{Packets: packets, KeyPos: keyPos})
	g.flush()
}

// ClearCache discards the in-flight accumulator without flushing a
// batch to the sink -- used when an upstream reset invalidates whatever
// has been buffered so far.
func (g *Grouper) ClearCache() {
	g.flush()
}

// Close flushes any remaining buffered packets, used on source teardown
// so the last partial GOP is not silently lost.
func (g *Grouper) Close() {
	if len(g.buf) > 0 {
		g.flushLocked(g.pendingKey)
	}
}
