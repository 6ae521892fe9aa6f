package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/alxayo/go-srt-live/internal/media/ring"
)

// Manager owns a set of relay Destinations and the read loops feeding
// them from one ring, generalizing the teacher's DestinationManager
// from a per-message broadcast (RelayMessage) to a per-reader read loop
// per destination, since the ring's own fan-out already replaces the
// teacher's "send to all destinations in parallel then wait" step --
// here each destination gets its own ring.Reader and drains it
// independently, so one slow/errored destination cannot stall another.
type Manager struct {
	mu           sync.RWMutex
	destinations map[string]*Destination
	stopFns      map[string]func()
	log          *slog.Logger
	factory      PushClientFactory
}

// NewManager constructs an empty relay Manager. destinationURLs are
// dialed immediately against ring; a destination that fails to connect
// is kept (status Error) rather than dropped, so the admin surface can
// observe and retry it.
func NewManager(ctx context.Context, destinationURLs []string, ring_ *ring.Ring, log *slog.Logger, factory PushClientFactory) *Manager {
	if factory == nil {
		factory = DialSRT
	}
	m := &Manager{
		destinations: map[string]*Destination{},
		stopFns:      map[string]func(){},
		log:          log.With("component", "relay_manager"),
		factory:      factory,
	}
	for _, url := range destinationURLs {
		if err := m.AddDestination(ctx, url, ring_); err != nil {
			m.log.Warn("failed to add relay destination", "url", url, "error", err)
		}
	}
	return m
}

// AddDestination dials url, attaches a ring reader, and starts its read
// loop. Returns an error if url is malformed or already present.
func (m *Manager) AddDestination(ctx context.Context, rawURL string, r *ring.Ring) error {
	m.mu.Lock()
	if _, exists := m.destinations[rawURL]; exists {
		m.mu.Unlock()
		return fmt.Errorf("destination already exists: %s", rawURL)
	}
	m.mu.Unlock()

	dest, err := NewDestination(rawURL, m.log, m.factory)
	if err != nil {
		return fmt.Errorf("create destination: %w", err)
	}
	if err := dest.Connect(ctx); err != nil {
		m.log.Warn("failed to connect relay destination", "url", rawURL, "error", err)
	}

	rd := r.Attach(ring.DefaultCapacity)
	stop := make(chan struct{})
	go ringReadLoop(dest, rd, stop)

	m.mu.Lock()
	m.destinations[rawURL] = dest
	m.stopFns[rawURL] = func() {
		close(stop)
		rd.Detach()
	}
	m.mu.Unlock()

	m.log.Info("added relay destination", "url", rawURL, "total", m.Count())
	return nil
}

// Count returns the number of tracked destinations.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.destinations)
}

// Status returns each destination's current connection state.
func (m *Manager) Status() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Status, len(m.destinations))
	for url, d := range m.destinations {
		out[url] = d.GetStatus()
	}
	return out
}

// Metrics returns each destination's delivery counters.
func (m *Manager) Metrics() map[string]Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Metrics, len(m.destinations))
	for url, d := range m.destinations {
		out[url] = d.GetMetrics()
	}
	return out
}

// Close stops every read loop and disconnects every destination. Each
// destination's Close (a network teardown) runs concurrently via
// errgroup rather than one at a time, since a slow or hung destination
// must not delay tearing down the others.
func (m *Manager) Close() error {
	m.mu.Lock()
	destinations := m.destinations
	stopFns := m.stopFns
	m.destinations = map[string]*Destination{}
	m.stopFns = map[string]func(){}
	m.mu.Unlock()

	var g errgroup.Group
	for url, stop := range stopFns {
		url, stop := url, stop
		g.Go(func() error {
			stop()
			return destinations[url].Close()
		})
	}
	return g.Wait()
}
