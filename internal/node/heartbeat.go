package node

import (
	"context"
	"time"

	"github.com/synapse-mesh/synapse-relay/internal/engine"
	"github.com/synapse-mesh/synapse-relay/internal/logger"
	"github.com/synapse-mesh/synapse-relay/internal/protocol"
)

// RunHeartbeat emits a HEARTBEAT to every known peer on each tick.
// Fire-and-forget: send errors are logged at debug and never retried.
func RunHeartbeat(ctx context.Context, e *engine.Engine, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			payload := map[string]any{"status": "operational"}
			for _, name := range e.Peers.Names() {
				if err := e.SendTo(name, protocol.SignalHeartbeat, payload); err != nil {
					logger.Debug("heartbeat not delivered", "peer", name, "error", err)
				}
			}
		}
	}
}
