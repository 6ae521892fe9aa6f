// Package source models the TS media source (C6): a named entity
// binding one Ring to one media.Info identity, created by the registry
// when a publisher is authorized, before any TS data arrives. Grounded on the teacher's server.Stream -- which
// bundles a registry entry's mutable state (publisher, codecs, cached
// sequence headers) behind its own mutex -- generalized here to own a
// ring plus a grouper instead of a subscriber slice.
package source

import (
	"sync"

	"github.com/alxayo/go-srt-live/internal/media"
	"github.com/alxayo/go-srt-live/internal/media/ring"
	"github.com/alxayo/go-srt-live/internal/media/tscache"
)

// Muxer is the external collaborator boundary (spec.md §4.7): it accepts
// decoded frames and emits one or more container formats. The source
// does not implement this; it is supplied by the publishing session.
type Muxer interface {
	AddTrack(track any)
	AddTrackCompleted()
	InputFrame(frame any) bool
	SetMediaListener(listener any)
	TotalReaderCount() int
}

// Source owns exactly one Ring and is registered under exactly one
// media.Info identity. Codec fields are set at most once each (one-shot
// detection, mirroring the teacher's CodecStore contract).
type Source struct {
	Info media.Info
	Ring *ring.Ring

	mu         sync.RWMutex
	grouper    *tscache.Grouper
	videoCodec string
	audioCodec string
	hasWriter  bool
}

// New builds a Source bound to info with a fresh ring. The grouper
// derives its own audio-only key_pos rule dynamically from whether a
// video keyframe has ever been observed (tscache.Grouper.Input), so no
// video-track hint is needed at construction time.
func New(info media.Info, ringCapacity int, onReaderCount func(int)) *Source {
	s := &Source{Info: info}
	s.Ring = ring.New(ringCapacity, onReaderCount)
	s.grouper = tscache.New(ringSink{s.Ring})
	return s
}

// ringSink adapts *ring.Ring to tscache.Sink, translating the grouper's
// flush into a ring write that also seeds key_pos from the batch itself.
type ringSink struct{ r *ring.Ring }

func (rs ringSink) Write(b media.Batch) { rs.r.Write(b, b.KeyPos) }

// OnWrite feeds one packet from the publisher's demuxer output into the
// grouper. The source is claimed for its publisher separately, by
// ClaimWriter at authorization time, not here.
func (s *Source) OnWrite(pkt media.Packet) {
	s.grouper.Input(pkt)
}

// SetVideoCodec / SetAudioCodec / GetVideoCodec / GetAudioCodec satisfy
// the codec-detector's CodecStore-style contract (kept from the
// teacher's media.CodecDetector, spec.md §7 "codec detection").
func (s *Source) SetVideoCodec(codec string) {
	s.mu.Lock()
	if s.videoCodec == "" {
		s.videoCodec = codec
	}
	s.mu.Unlock()
}

func (s *Source) SetAudioCodec(codec string) {
	s.mu.Lock()
	if s.audioCodec == "" {
		s.audioCodec = codec
	}
	s.mu.Unlock()
}

func (s *Source) GetVideoCodec() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.videoCodec
}

func (s *Source) GetAudioCodec() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.audioCodec
}

func (s *Source) StreamKey() string { return s.Info.Key() }

// ClosePublisher flushes any partial GOP still buffered and marks the
// source as having no active writer, part of the teardown condition
// (publisher detached + no readers -> eligible for registry removal).
func (s *Source) ClosePublisher() {
	s.grouper.Close()
	s.mu.Lock()
	s.hasWriter = false
	s.mu.Unlock()
}

// HasWriter reports whether a publisher is currently attached.
func (s *Source) HasWriter() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hasWriter
}

// ClaimWriter marks the source as claimed by an active publisher,
// returning false if another publisher already holds the claim. The
// registry calls this at publish-authorization time (CreateOrGet), not
// lazily on first packet, so a second publisher racing in before any TS
// data has been demuxed is still rejected with Conflict.
func (s *Source) ClaimWriter() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hasWriter {
		return false
	}
	s.hasWriter = true
	return true
}

// Idle reports whether the source has neither a publisher nor any
// attached reader -- the registry's teardown condition (spec.md §4.5).
func (s *Source) Idle() bool {
	return !s.HasWriter() && s.Ring.ReaderCount() == 0
}
