// Package transport is a thin adapter around github.com/datarhei/gosrt,
// isolating the session state machine (internal/srt/session) from the
// concrete SRT library so the stream_id / passphrase / latency-budget
// knobs named in spec.md §6 have one place to live. Grounded on
// bluenviron-mediamtx's go.mod, which depends on datarhei/gosrt for
// exactly this SRT-ingest role; the teacher has no transport analogue
// since RTMP runs over plain TCP.
package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/datarhei/gosrt"

	srterrors "github.com/alxayo/go-srt-live/internal/errors"
)

// Config mirrors the subset of gosrt.Config the spec's external
// interfaces name: srt.latency_multiplier (spec.md §6) scales the SRT
// peer latency budget; the exact effect is deferred to gosrt itself
// per spec.md's Open Question.
type Config struct {
	Addr              string
	LatencyMultiplier int
	Passphrase        string
}

// baseLatency is the nominal per-hop latency budget before the
// configured multiplier is applied.
const baseLatency = 120 * time.Millisecond

func (c Config) srtConfig() srt.Config {
	cfg := srt.DefaultConfig()
	mult := c.LatencyMultiplier
	if mult <= 0 {
		mult = 1
	}
	cfg.PeerLatency = baseLatency * time.Duration(mult)
	cfg.Passphrase = c.Passphrase
	return cfg
}

// ConnRequest is the subset of gosrt.ConnRequest the session state
// machine consumes: the negotiated stream_id, and the explicit
// accept/reject decision gosrt's two-phase handshake requires before
// the connection is usable.
type ConnRequest interface {
	StreamId() string
	RemoteAddr() net.Addr
	SetPassphrase(passphrase string) error
	Accept() (srt.Conn, error)
	Reject(reason srt.RejectionReason) error
}

// Conn is the subset of gosrt.Conn used by a session once accepted.
type Conn interface {
	net.Conn
}

// Listener wraps gosrt.Listener, exposing Accept2 (request + explicit
// accept/reject) instead of a plain Accept so the session's
// AwaitingStreamId/Role-dispatch steps can inspect stream_id before
// committing to a connection.
type Listener struct {
	inner srt.Listener
}

// Listen starts an SRT listener bound to cfg.Addr.
func Listen(cfg Config) (*Listener, error) {
	_, port, err := net.SplitHostPort(cfg.Addr)
	if err != nil {
		return nil, srterrors.NewTransport("srt.listen", err)
	}
	ln, err := srt.Listen("srt", cfg.Addr, cfg.srtConfig())
	if err != nil {
		return nil, srterrors.NewTransport("srt.listen", fmt.Errorf("port %s: %w", port, err))
	}
	return &Listener{inner: ln}, nil
}

// Accept2 blocks until a new connection request arrives, returning the
// request for stream_id inspection; the caller accepts or rejects it
// through the request's own methods. Grounded on gosrt's own Accept2 two-phase handshake surface.
func (l *Listener) Accept2(ctx context.Context) (ConnRequest, error) {
	type result struct {
		req ConnRequest
		err error
	}
	ch := make(chan result, 1)
	go func() {
		req, err := l.inner.Accept2()
		if err != nil {
			ch <- result{err: srterrors.NewTransport("srt.accept", err)}
			return
		}
		ch <- result{req: req}
	}()
	select {
	case r := <-ch:
		return r.req, r.err
	case <-ctx.Done():
		return nil, srterrors.NewShutdown("listener closed")
	}
}

// Close stops accepting new connections.
func (l *Listener) Close() error {
	return l.inner.Close()
}

// Dial opens an outbound SRT connection carrying streamID, used by the
// relay package's push sessions.
func Dial(ctx context.Context, cfg Config, streamID string) (Conn, error) {
	srtCfg := cfg.srtConfig()
	srtCfg.StreamId = streamID
	conn, err := srt.Dial("srt", cfg.Addr, srtCfg)
	if err != nil {
		return nil, srterrors.NewTransport("srt.dial", err)
	}
	return conn, nil
}
