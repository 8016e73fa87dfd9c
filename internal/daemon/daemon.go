// Package daemon assembles the relay node and runs it until a signal
// or a fatal component error.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/synapse-mesh/synapse-relay/internal/buffer"
	"github.com/synapse-mesh/synapse-relay/internal/bus"
	"github.com/synapse-mesh/synapse-relay/internal/config"
	"github.com/synapse-mesh/synapse-relay/internal/engine"
	"github.com/synapse-mesh/synapse-relay/internal/logger"
	"github.com/synapse-mesh/synapse-relay/internal/node"
	"github.com/synapse-mesh/synapse-relay/internal/protocol"
	"github.com/synapse-mesh/synapse-relay/internal/rules"
	"github.com/synapse-mesh/synapse-relay/internal/stats"
	"github.com/synapse-mesh/synapse-relay/internal/store"
	"github.com/synapse-mesh/synapse-relay/internal/transport"
	"github.com/synapse-mesh/synapse-relay/internal/web"
)

// retentionTick is how often old history is swept, independent of the
// retention horizon itself.
const retentionTick = time.Hour

// Run starts every component and blocks until SIGINT/SIGTERM or the
// first fatal error. configPath may be empty (defaults, no watching).
func Run(cfg *config.Config, configPath string) error {
	if err := logger.Init(cfg.Logging.Level, cfg.Logging.File); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	s, err := store.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer s.Close()

	b := bus.New(64)
	peers := engine.NewPeerMap(cfg.PeerPorts)
	ruleEng := rules.New(s)
	eng := engine.New(s, ruleEng, b, peers, nil)

	buf := buffer.New(s, b, buffer.Options{
		MaxSize:     cfg.Buffer.MaxSize,
		TTLHours:    cfg.Buffer.TTLHours,
		IntervalsMs: cfg.Buffer.RetryIntervalsMs,
		MaxRetries:  cfg.Buffer.MaxRetries,
	})
	buf.InstallDeliveryCallback(func(sig *store.BufferedSignal) error {
		return eng.SendTo(sig.TargetServer, sig.SignalType, sig.Payload)
	})
	eng.Buffer = buf

	agg := stats.New(s, b)
	handlers := node.NewHandlers(eng, agg)

	tum := protocol.NewTumbler(cfg.Signals.Incoming, cfg.Peers)
	n, err := node.Listen(cfg.Port, tum, handlers, node.Options{})
	if err != nil {
		return err
	}

	opSrv := transport.NewServer(eng, ruleEng, agg, buf, cfg.SocketPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return n.Run(ctx) })
	g.Go(func() error { return buf.Run(ctx, time.Duration(cfg.Buffer.TickMs)*time.Millisecond) })
	g.Go(func() error { return agg.Run(ctx, time.Duration(cfg.Stats.IntervalMs)*time.Millisecond) })
	g.Go(func() error {
		return node.RunHeartbeat(ctx, eng, time.Duration(cfg.HeartbeatIntervalMs)*time.Millisecond)
	})
	g.Go(func() error { return opSrv.ListenAndServe(ctx) })
	if cfg.WebAddr != "0" {
		webSrv := web.NewServer(cfg.WebAddr, eng, ruleEng, agg, buf, b, handlers)
		g.Go(func() error { return webSrv.ListenAndServe(ctx) })
	}
	g.Go(func() error { return runRetention(ctx, s, cfg.RetentionHours) })
	g.Go(func() error {
		return config.Watch(ctx, configPath, func(next *config.Config) {
			peers.Replace(next.PeerPorts)
		})
	})

	logger.Info("synapse-relay started", "port", cfg.Port, "peers", len(cfg.PeerPorts), "db", cfg.Database.Path)

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("daemon error: %w", err)
	}
	logger.Info("synapse-relay stopped")
	return nil
}

// runRetention sweeps relay history, stats buckets, and terminal
// buffer rows older than the horizon.
func runRetention(ctx context.Context, s *store.Store, horizonHours int) error {
	ticker := time.NewTicker(retentionTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			cutoff := time.Now().Add(-time.Duration(horizonHours) * time.Hour).UnixMilli()
			relays, err := s.DeleteRelaysBefore(cutoff)
			if err != nil {
				logger.Error("retention: relays", "error", err)
			}
			buckets, err := s.DeleteStatsBefore(cutoff)
			if err != nil {
				logger.Error("retention: stats", "error", err)
			}
			buffered, err := s.DeleteTerminalBefore(cutoff)
			if err != nil {
				logger.Error("retention: buffer", "error", err)
			}
			if relays+buckets+buffered > 0 {
				logger.Info("retention sweep", "relays", relays, "stats", buckets, "buffered", buffered)
			}
		}
	}
}
