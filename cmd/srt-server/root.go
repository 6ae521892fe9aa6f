package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/alxayo/go-srt-live/internal/eventbus"
	"github.com/alxayo/go-srt-live/internal/logger"
	"github.com/alxayo/go-srt-live/internal/media"
	"github.com/alxayo/go-srt-live/internal/media/ring"
	"github.com/alxayo/go-srt-live/internal/relay"
	srv "github.com/alxayo/go-srt-live/internal/srt/server"
)

// version is injected at build time with -ldflags "-X main.version=...".
var version = "dev"

type cliFlags struct {
	listenAddr        string
	logLevel          string
	latencyMultiplier int
	passphrase        string
	reactorCount      int
	ringCapacity      int
	flowThresholdKB   uint32
	relayDestinations []string
	showVersion       bool
}

func newRootCmd() *cobra.Command {
	var f cliFlags

	cmd := &cobra.Command{
		Use:   "srt-server",
		Short: "SRT ingest and TS fan-out media server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.showVersion {
				fmt.Println(version)
				return nil
			}
			return run(f)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&f.listenAddr, "listen", ":9000", "SRT listen address (e.g. :9000)")
	flags.StringVar(&f.logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	flags.IntVar(&f.latencyMultiplier, "srt-latency-multiplier", 1, "SRT peer latency budget multiplier")
	flags.StringVar(&f.passphrase, "srt-passphrase", "", "SRT connection passphrase (empty disables encryption)")
	flags.IntVar(&f.reactorCount, "reactors", 4, "Number of reactor goroutines in the session pool")
	flags.IntVar(&f.ringCapacity, "ring-capacity", 64, "Per-source ring buffer batch history depth")
	flags.Uint32Var(&f.flowThresholdKB, "flow-threshold-kb", 0, "Bytes (KB) moved before a flow_report event fires (0 disables)")
	flags.StringSliceVar(&f.relayDestinations, "relay-to", nil, "SRT relay destination URL (srt://host:port?streamid=..., repeatable)")
	flags.BoolVar(&f.showVersion, "version", false, "Print version and exit")

	return cmd
}

func run(f cliFlags) error {
	logger.Init()
	if err := logger.SetLevel(f.logLevel); err != nil {
		fmt.Printf("warning: invalid log level %q, using default\n", f.logLevel)
	}
	log := logger.Logger().With("component", "cli")

	server := srv.New(srv.Config{
		ListenAddr:        f.listenAddr,
		LatencyMultiplier: f.latencyMultiplier,
		Passphrase:        f.passphrase,
		ReactorCount:      f.reactorCount,
		RingCapacity:      f.ringCapacity,
		FlowThresholdKB:   f.flowThresholdKB,
	})

	if len(f.relayDestinations) > 0 {
		newRelayBinder(server, f.relayDestinations, log).attach()
	}

	if err := server.Start(); err != nil {
		log.Error("failed to start server", "error", err)
		return err
	}
	log.Info("server started", "addr", f.listenAddr, "version", version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		if err := server.Stop(); err != nil {
			log.Error("server stop error", "error", err)
		}
		close(done)
	}()

	select {
	case <-done:
		log.Info("server stopped cleanly")
	case <-shutdownCtx.Done():
		log.Error("forced exit after shutdown timeout")
	}
	return nil
}

// relayBinder attaches a relay.Manager to every publisher's ring,
// fanning each stream out to the same fixed set of destinations. Its
// subscription stops the bus from applying default-allow, so when it is
// the only TopicMediaPublish subscriber it allows the publish itself;
// otherwise it leaves the decision to the other subscribers. It then
// waits for the source to land in the registry before relaying it.
type relayBinder struct {
	server       *srv.Server
	destinations []string
	log          *slog.Logger

	mu       sync.Mutex
	managers map[string]*relay.Manager
}

func newRelayBinder(server *srv.Server, destinations []string, log *slog.Logger) *relayBinder {
	return &relayBinder{
		server:       server,
		destinations: destinations,
		log:          log.With("component", "relay_binder"),
		managers:     map[string]*relay.Manager{},
	}
}

func (b *relayBinder) attach() {
	b.server.Bus().Subscribe(eventbus.TopicMediaPublish, func(payload any) {
		ev, ok := payload.(eventbus.PublishEvent)
		if !ok {
			return
		}
		if ev.Invoker != nil && b.server.Bus().SubscriberCount(eventbus.TopicMediaPublish) == 1 {
			ev.Invoker.Allow()
		}
		go b.bindOnceRegistered(media.Info{Schema: "ts", Vhost: ev.VHost, App: ev.App, StreamID: ev.StreamID})
	})
}

// bindOnceRegistered polls the registry for info's source for a short
// window; CreateOrGet runs on the session's reactor after authorization
// returns, so the source may not exist the instant this event fires.
func (b *relayBinder) bindOnceRegistered(info media.Info) {
	deadline := time.Now().Add(3 * time.Second)
	for {
		if src, ok := b.server.Registry().Find(info); ok {
			b.bind(info.Key(), src.Ring)
			return
		}
		if time.Now().After(deadline) {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func (b *relayBinder) bind(key string, r *ring.Ring) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if old, exists := b.managers[key]; exists {
		old.Close()
	}
	b.managers[key] = relay.NewManager(context.Background(), b.destinations, r, b.log, nil)
	b.log.Info("relay bound to stream", "stream", key, "destinations", len(b.destinations))
}
