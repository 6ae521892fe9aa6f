// Package session implements the SRT session state machine (C8):
// handshake -> role dispatch -> authorization -> steady-state
// forwarding -> teardown. Grounded on the teacher's tagged
// internal/rtmp/conn.SessionState enum (single-goroutine ownership, no
// locks, whole-value state transitions) and its publish/play handlers'
// single-publisher enforcement and cached sequence-header replay,
// generalized here to a tagged variant over role-specific payloads
// (spec.md §3's "state machine, not inheritance" design note) pinned to
// one reactor per spec.md §5.
package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	srterrors "github.com/alxayo/go-srt-live/internal/errors"
	"github.com/alxayo/go-srt-live/internal/eventbus"
	"github.com/alxayo/go-srt-live/internal/logger"
	"github.com/alxayo/go-srt-live/internal/media"
	"github.com/alxayo/go-srt-live/internal/media/registry"
	"github.com/alxayo/go-srt-live/internal/media/ring"
	"github.com/alxayo/go-srt-live/internal/media/source"
	"github.com/alxayo/go-srt-live/internal/reactor"
)

// State is the session's tagged lifecycle state. Role-specific fields
// live in the Session struct behind the active State, not in subtype
// instances, matching spec.md's "whole-value replace" transition model.
type State uint8

const (
	Handshaking State = iota
	AwaitingStreamID
	AuthorizingPublish
	AuthorizingPlay
	Publishing
	Playing
	ShuttingDown
	Closed
)

func (s State) String() string {
	switch s {
	case Handshaking:
		return "handshaking"
	case AwaitingStreamID:
		return "awaiting_stream_id"
	case AuthorizingPublish:
		return "authorizing_publish"
	case AuthorizingPlay:
		return "authorizing_play"
	case Publishing:
		return "publishing"
	case Playing:
		return "playing"
	case ShuttingDown:
		return "shutting_down"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// pendingFrameCap bounds the publisher's cached-call queue for frames
// arriving before a muxer exists (spec.md §9's cached-call queue).
const pendingFrameCap = 200

// Sender is the outbound data path the session writes batches/packets
// to; implemented by the SRT transport connection.
type Sender interface {
	SendBatch(b media.Batch) error
}

// Muxer is an alias of media/source.Muxer, so callers of this package
// can name the boundary type without importing source themselves.
type Muxer = source.Muxer

// Deps bundles the collaborators a Session needs; constructed once by
// the server and shared across sessions.
type Deps struct {
	Pool     *reactor.Pool
	Registry *registry.Registry
	Bus      *eventbus.Bus
	Log      *slog.Logger

	RingCapacity     int
	FlowThresholdKB  uint32
}

// Session is one SRT connection's state machine. All mutation happens
// on the reactor returned by reactor.Pool.Assign at construction --
// callers from other goroutines must use Close, which posts rather than
// mutates directly.
type Session struct {
	id       string
	deps     Deps
	reactor  *reactor.Reactor
	sender   Sender
	peerAddr string
	start    time.Time
	log      *slog.Logger

	mu    sync.Mutex // guards only cross-goroutine-visible fields below
	state State
	info  media.Info
	role  string // "publisher" | "player"

	bytesIn  uint64
	bytesOut uint64

	// Publisher-side fields.
	muxer         Muxer
	pendingFrames []any
	src           *source.Source

	// Player-side fields.
	reader *ring.Reader

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New constructs a Session pinned to a reactor from deps.Pool.
func New(deps Deps, sender Sender, peerAddr string) *Session {
	id := uuid.NewString()
	return &Session{
		id:       id,
		deps:     deps,
		reactor:  deps.Pool.Assign(),
		sender:   sender,
		peerAddr: peerAddr,
		start:    time.Now(),
		log:      logger.WithSession(deps.Log, id, ""),
		state:    Handshaking,
		stopCh:   make(chan struct{}),
	}
}

// ID returns the session's identity, stable for its lifetime.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state (safe from any goroutine;
// reads s.state under mu since Close can observe it off-reactor).
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// OnHandshakeFinished is invoked by the transport layer once the SRT
// handshake completes, carrying the negotiated stream_id. Runs on the
// session's reactor.
func (s *Session) OnHandshakeFinished(streamID string) {
	s.reactor.Post(func() { s.handleHandshakeFinished(streamID) })
}

func (s *Session) handleHandshakeFinished(streamID string) {
	s.setState(AwaitingStreamID)

	info, err := media.ParseStreamID(streamID)
	if err != nil {
		s.shutdown(err)
		return
	}
	s.mu.Lock()
	s.info = info
	s.role = roleFor(info)
	s.mu.Unlock()
	s.log = logger.WithSource(logger.WithSession(s.deps.Log, s.id, s.role), info)

	if info.IsPublish() {
		s.beginPublishAuth(info)
	} else {
		s.beginPlayAuth(info)
	}
}

func roleFor(info media.Info) string {
	if info.IsPublish() {
		return "publisher"
	}
	return "player"
}

func (s *Session) beginPublishAuth(info media.Info) {
	s.setState(AuthorizingPublish)
	s.deps.Bus.PublishAuth(eventbus.PublishEvent{
		OriginType: "srt",
		VHost:      info.Vhost,
		App:        info.App,
		StreamID:   info.StreamID,
		Params:     info.Params,
		SockAddr:   s.peerAddr,
	}, func(allowed bool, reason string) {
		s.reactor.Post(func() { s.onPublishAuthDecision(info, allowed, reason) })
	})
}

func (s *Session) onPublishAuthDecision(info media.Info, allowed bool, reason string) {
	if s.State() >= ShuttingDown {
		return
	}
	if !allowed {
		s.shutdown(srterrors.NewRefused(reason, nil))
		return
	}

	src, err := s.deps.Registry.CreateOrGet(info, s.deps.RingCapacity, func(n int) {
		s.log.Debug("reader count changed", "count", n)
	})
	if err != nil {
		s.shutdown(err)
		return
	}
	s.mu.Lock()
	s.src = src
	s.mu.Unlock()
	s.setState(Publishing)
	s.log.Info("publish authorized")

	// The publisher session constructs its own Muxer bound to the
	// identity once authorized (spec.md §4.6 item 4); this system has
	// no alternate container target, so the muxer is the pass-through
	// bridge back into the source's GOP grouper.
	s.AttachMuxer(source.NewPassthroughMuxer(src))
}

// AttachMuxer binds a muxer once the publisher has one ready, draining
// any frames cached during the authorization window in order (spec.md
// §9 cached-call queue).
func (s *Session) AttachMuxer(m Muxer) {
	s.reactor.Post(func() {
		s.mu.Lock()
		s.muxer = m
		pending := s.pendingFrames
		s.pendingFrames = nil
		s.mu.Unlock()

		for _, f := range pending {
			m.InputFrame(f)
		}
	})
}

// InputFrame feeds one demuxed frame into the publisher steady state:
// forwarded immediately if the muxer exists, else queued up to
// pendingFrameCap with a drop-and-warn on overflow.
func (s *Session) InputFrame(frame any) {
	s.reactor.Post(func() {
		s.mu.Lock()
		m := s.muxer
		if m == nil {
			if len(s.pendingFrames) >= pendingFrameCap {
				s.mu.Unlock()
				s.log.Warn("pending frame queue full, dropping frame")
				return
			}
			s.pendingFrames = append(s.pendingFrames, frame)
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		m.InputFrame(frame)
	})
}

// OnPacketWritten records inbound byte accounting for flow reporting,
// called by the publisher's TS write path.
func (s *Session) OnPacketWritten(n int) {
	s.mu.Lock()
	s.bytesIn += uint64(n)
	s.mu.Unlock()
}

func (s *Session) beginPlayAuth(info media.Info) {
	s.setState(AuthorizingPlay)
	s.deps.Bus.PlayAuth(eventbus.PlayEvent{
		VHost:    info.Vhost,
		App:      info.App,
		StreamID: info.StreamID,
		Params:   info.Params,
		SockAddr: s.peerAddr,
	}, func(allowed bool, reason string) {
		s.reactor.Post(func() { s.onPlayAuthDecision(info, allowed, reason) })
	})
}

func (s *Session) onPlayAuthDecision(info media.Info, allowed bool, reason string) {
	if s.State() >= ShuttingDown {
		return
	}
	if !allowed {
		s.shutdown(srterrors.NewRefused(reason, nil))
		return
	}

	s.deps.Registry.FindAsync(info, s.reactor, func(src *source.Source) {
		s.onSourceFound(src)
	})
}

func (s *Session) onSourceFound(src *source.Source) {
	if s.State() >= ShuttingDown {
		return
	}
	if src == nil {
		s.shutdown(srterrors.NewRefused("source_not_found", nil))
		return
	}

	rd := src.Ring.Attach(s.deps.RingCapacity)
	s.mu.Lock()
	s.reader = rd
	s.src = src
	s.mu.Unlock()
	s.setState(Playing)
	s.log.Info("play started")
	go s.readLoop(rd)
}

// readLoop drains the reader's queue and forwards batches to the
// sender, posting each delivery back onto the session's reactor so the
// byte-accounting and shutdown checks stay single-threaded.
func (s *Session) readLoop(rd *ring.Reader) {
	for {
		select {
		case <-rd.Ready():
		case <-s.stopCh:
			return
		}
		for {
			b, ok := rd.Pop()
			if !ok {
				break
			}
			done := make(chan struct{})
			s.reactor.Post(func() {
				defer close(done)
				if s.State() >= ShuttingDown {
					return
				}
				if err := s.sender.SendBatch(b); err != nil {
					s.shutdown(srterrors.NewTransport("srt.send", err))
					return
				}
				s.mu.Lock()
				s.bytesOut += uint64(b.Size())
				s.mu.Unlock()
			})
			select {
			case <-done:
			case <-s.stopCh:
				return
			}
			if s.State() >= ShuttingDown {
				return
			}
		}
	}
}

// Close is the admin close-path boundary (spec.md §4.6 close(sender,
// force)). If !force and readers are still attached to this session's
// muxer, it refuses. Otherwise it posts a shutdown work item and
// returns true. Safe to call from any goroutine.
func (s *Session) Close(force bool) bool {
	s.mu.Lock()
	muxer := s.muxer
	s.mu.Unlock()

	if !force && muxer != nil && muxer.TotalReaderCount() > 0 {
		return false
	}
	s.reactor.Post(func() { s.shutdown(srterrors.NewShutdown("admin_close")) })
	return true
}

// shutdown transitions to ShuttingDown then Closed, detaching the
// reader or closing the source's publisher side, emitting a flow report if the session
// moved enough bytes, then finalizing. Idempotent.
func (s *Session) shutdown(cause error) {
	if s.State() >= ShuttingDown {
		return
	}
	s.setState(ShuttingDown)
	s.stopOnce.Do(func() { close(s.stopCh) })

	s.mu.Lock()
	reader := s.reader
	src := s.src
	role := s.role
	totalBytes := s.bytesIn + s.bytesOut
	info := s.info
	s.mu.Unlock()

	if reader != nil {
		reader.Detach()
	}
	if src != nil && role == "publisher" {
		src.ClosePublisher()
	}

	if uint32(totalBytes/1024) >= s.deps.FlowThresholdKB && s.deps.FlowThresholdKB > 0 {
		s.deps.Bus.Publish(eventbus.TopicFlowReport, eventbus.FlowReportEvent{
			VHost:    info.Vhost,
			App:      info.App,
			StreamID: info.StreamID,
			Bytes:    totalBytes,
			Duration: time.Since(s.start),
			IsPlayer: role == "player",
			SockAddr: s.peerAddr,
		})
	}

	if src != nil {
		s.deps.Registry.MaybeRemove(info)
	}

	s.setState(Closed)
	if cause != nil {
		s.log.Info("session closed", "cause", cause.Error())
	} else {
		s.log.Info("session closed")
	}
}
