// Package server is the SRT listener + session manager: the top-level
// component wiring internal/srt/transport, internal/srt/session,
// internal/media/registry, internal/eventbus, and internal/reactor
// together. Grounded on the teacher's internal/rtmp/server/server.go
// accept loop -- Start/Stop lifecycle, a tracked-connections map guarded
// by a RWMutex, graceful shutdown closing the listener then every
// active connection and waiting for the accept goroutine to exit --
// generalized from a single-goroutine-per-TCP-conn accept loop into one
// that hands each accepted SRT connection request to a Session pinned
// to a pool reactor instead of spawning a dedicated goroutine per
// connection.
package server

import (
	"context"
	"log/slog"
	"net"
	"sync"

	srterrors "github.com/alxayo/go-srt-live/internal/errors"
	"github.com/alxayo/go-srt-live/internal/eventbus"
	"github.com/alxayo/go-srt-live/internal/logger"
	"github.com/alxayo/go-srt-live/internal/media/registry"
	"github.com/alxayo/go-srt-live/internal/reactor"
	"github.com/alxayo/go-srt-live/internal/srt/session"
	"github.com/alxayo/go-srt-live/internal/srt/transport"
)

// Config holds the knobs spec.md §6 names as external interfaces.
type Config struct {
	ListenAddr        string
	LatencyMultiplier int
	Passphrase        string
	ReactorCount      int
	RingCapacity      int
	FlowThresholdKB   uint32
	FindWaitMillis    int
	LingerMillis      int
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":9000"
	}
	if c.LatencyMultiplier <= 0 {
		c.LatencyMultiplier = 1
	}
	if c.ReactorCount <= 0 {
		c.ReactorCount = 4
	}
	if c.RingCapacity <= 0 {
		c.RingCapacity = 64
	}
}

// Server owns the SRT listener, the process-wide media registry, and
// the event bus every session authorizes through.
type Server struct {
	cfg Config
	log *slog.Logger

	pool     *reactor.Pool
	registry *registry.Registry
	bus      *eventbus.Bus

	mu       sync.RWMutex
	listener *transport.Listener
	sessions map[string]*session.Session
	cancel   context.CancelFunc
	closing  bool
	wg       sync.WaitGroup
}

// New constructs an unstarted Server.
func New(cfg Config) *Server {
	cfg.applyDefaults()
	return &Server{
		cfg:      cfg,
		log:      logger.Logger().With("component", "srt_server"),
		pool:     reactor.NewPool(cfg.ReactorCount),
		registry: registry.New(),
		bus:      eventbus.New(),
		sessions: map[string]*session.Session{},
	}
}

// Bus returns the event bus callers subscribe authorization/flow-report
// handlers to before Start.
func (s *Server) Bus() *eventbus.Bus { return s.bus }

// Registry returns the process-wide media registry, exposed for the
// admin surface (session listing, force-close by identity).
func (s *Server) Registry() *registry.Registry { return s.registry }

// Start opens the SRT listener and launches the accept loop. Safe to
// call only once.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.listener != nil {
		s.mu.Unlock()
		return srterrors.NewProtocol("server.already_started", nil)
	}
	ln, err := transport.Listen(transport.Config{
		Addr:              s.cfg.ListenAddr,
		LatencyMultiplier: s.cfg.LatencyMultiplier,
		Passphrase:        s.cfg.Passphrase,
	})
	if err != nil {
		s.mu.Unlock()
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.listener = ln
	s.cancel = cancel
	s.mu.Unlock()

	s.log.Info("srt server listening", "addr", s.cfg.ListenAddr)
	s.wg.Add(1)
	go s.acceptLoop(ctx)
	return nil
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		req, err := s.listener.Accept2(ctx)
		if err != nil {
			s.mu.RLock()
			closing := s.closing
			s.mu.RUnlock()
			if closing {
				return
			}
			s.log.Warn("accept error", "error", err)
			return
		}
		s.handleConnRequest(req)
	}
}

func (s *Server) handleConnRequest(req transport.ConnRequest) {
	streamID := req.StreamId()
	remote := req.RemoteAddr()

	sender, err := newSRTSender(req)
	if err != nil {
		s.log.Warn("accept failed", "stream_id", streamID, "error", err)
		return
	}

	sess := session.New(session.Deps{
		Pool:            s.pool,
		Registry:        s.registry,
		Bus:             s.bus,
		Log:             s.log,
		RingCapacity:    s.cfg.RingCapacity,
		FlowThresholdKB: s.cfg.FlowThresholdKB,
	}, sender, remoteString(remote))

	s.mu.Lock()
	s.sessions[sess.ID()] = sess
	s.mu.Unlock()

	// Any inbound bytes (a publisher's TS payload) are demuxed and fed to
	// the session's steady-state InputFrame path; a player connection
	// sends nothing upstream, so this loop just blocks until EOF/close.
	go publisherReadLoop(sender.conn, sess, func(err error) {
		s.log.Warn("connection read error", "session_id", sess.ID(), "error", err)
		sess.Close(true)
	})

	sess.OnHandshakeFinished(streamID)
	s.log.Info("session accepted", "session_id", sess.ID(), "stream_id", streamID, "remote", remoteString(remote))
}

func remoteString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}

// CloseSession force- or gracefully-closes one tracked session by id,
// matching spec.md §4.6's admin close(sender, force) surface.
func (s *Server) CloseSession(id string, force bool) bool {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	return sess.Close(force)
}

// SessionCount returns the number of tracked sessions (closed sessions
// are not actively pruned here; callers poll session.State() to find
// stale entries, matching the teacher's conns map which also relies on
// explicit removal rather than a background sweep).
func (s *Server) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Stop closes the listener, force-closes every tracked session, and
// waits for the accept loop to exit.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.listener == nil {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	ln := s.listener
	cancel := s.cancel
	s.listener = nil
	s.mu.Unlock()

	cancel()
	_ = ln.Close()

	s.mu.RLock()
	sessions := make([]*session.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.RUnlock()
	for _, sess := range sessions {
		sess.Close(true)
	}

	s.wg.Wait()
	s.pool.Close()
	s.log.Info("srt server stopped")
	return nil
}
