// Package node is the UDP front: socket read loop, inbound dispatch,
// and the peer heartbeat ticker.
package node

import (
	"fmt"
	"sync"
	"time"

	"github.com/synapse-mesh/synapse-relay/internal/engine"
	"github.com/synapse-mesh/synapse-relay/internal/logger"
	"github.com/synapse-mesh/synapse-relay/internal/protocol"
	"github.com/synapse-mesh/synapse-relay/internal/stats"
)

// Handlers dispatches validated inbound messages. Replies go out
// through the engine's sender so peers resolve by name.
type Handlers struct {
	Engine *engine.Engine
	Stats  *stats.Aggregator
	now    func() time.Time

	mu       sync.Mutex
	lastSeen map[string]int64 // peer name -> epoch ms of last heartbeat
}

func NewHandlers(e *engine.Engine, a *stats.Aggregator) *Handlers {
	return &Handlers{
		Engine:   e,
		Stats:    a,
		now:      time.Now,
		lastSeen: make(map[string]int64),
	}
}

// Handle routes one validated message by signal type. Unhandled types
// are logged and dropped.
func (h *Handlers) Handle(m *protocol.Message) {
	switch m.SignalType {
	case protocol.SignalPing:
		h.handlePing(m)
	case protocol.SignalRelayRequest:
		h.handleRelayRequest(m)
	case protocol.SignalHeartbeat:
		h.handleHeartbeat(m)
	default:
		logger.Debug("unhandled signal dropped", "signal_type", fmt.Sprintf("0x%02X", m.SignalType), "sender", m.Sender())
	}
}

// handlePing replies with a PONG carrying the original payload and the
// past hour's relay stats.
func (h *Handlers) handlePing(m *protocol.Message) {
	sender := m.Sender()
	if sender == "" {
		logger.Warn("ping without sender, dropping")
		return
	}

	reply := map[string]any{
		"echo":   m.Payload,
		"status": "operational",
	}
	// Rollup buckets are hour-aligned and written an hour behind, so
	// the freshest bucket's period_start can sit nearly two hours back.
	since := h.now().Add(-2 * time.Hour).UnixMilli()
	if sum, err := h.Stats.Query(since, 0, ""); err == nil {
		reply["total_relayed"] = sum.TotalRelayed
		reply["success_rate"] = sum.SuccessRate
	} else {
		logger.Error("ping stats lookup failed", "error", err)
		reply["total_relayed"] = 0
		reply["success_rate"] = 0.0
	}

	if err := h.Engine.SendTo(sender, protocol.SignalPong, reply); err != nil {
		logger.Warn("pong send failed", "sender", sender, "error", err)
	}
}

// handleRelayRequest unpacks the relay arguments from the payload and
// replies with RELAY_RESPONSE or RELAY_FAILED.
func (h *Handlers) handleRelayRequest(m *protocol.Message) {
	sender := m.Sender()

	req, err := parseRelayRequest(m.Payload)
	if err != nil {
		logger.Warn("malformed relay request", "sender", sender, "error", err)
		h.replyFailed(sender, err)
		return
	}
	if req.SourceServer == "" {
		req.SourceServer = sender
	}

	res, err := h.Engine.RelaySignal(*req)
	if err != nil {
		logger.Error("relay request failed", "sender", sender, "error", err)
		h.replyFailed(sender, err)
		return
	}

	if sender == "" {
		return
	}
	reply := map[string]any{
		"relay_id":         res.RelayID,
		"relayed":          res.Relayed,
		"targets_reached":  res.TargetsReached,
		"targets_failed":   res.TargetsFailed,
		"targets_buffered": res.TargetsBuffered,
		"latency_ms":       res.LatencyMs,
	}
	if err := h.Engine.SendTo(sender, protocol.SignalRelayResponse, reply); err != nil {
		logger.Warn("relay response send failed", "sender", sender, "error", err)
	}
}

func (h *Handlers) replyFailed(sender string, cause error) {
	if sender == "" {
		return
	}
	payload := map[string]any{"error": cause.Error()}
	if err := h.Engine.SendTo(sender, protocol.SignalRelayFailed, payload); err != nil {
		logger.Warn("relay failure reply not sent", "sender", sender, "error", err)
	}
}

// handleHeartbeat records arrival only. No reply.
func (h *Handlers) handleHeartbeat(m *protocol.Message) {
	sender := m.Sender()
	if sender == "" {
		return
	}
	h.mu.Lock()
	h.lastSeen[sender] = h.now().UnixMilli()
	h.mu.Unlock()
	logger.Debug("heartbeat", "sender", sender)
}

// LastHeartbeats returns a copy of the per-peer last-seen table.
func (h *Handlers) LastHeartbeats() map[string]int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]int64, len(h.lastSeen))
	for k, v := range h.lastSeen {
		out[k] = v
	}
	return out
}

func parseRelayRequest(payload map[string]any) (*engine.Request, error) {
	sigType, err := signalCodeField(payload["signal_type"])
	if err != nil {
		return nil, err
	}

	rawTargets, ok := payload["target_servers"].([]any)
	if !ok || len(rawTargets) == 0 {
		return nil, fmt.Errorf("target_servers must be a non-empty list")
	}
	targets := make([]string, 0, len(rawTargets))
	for _, t := range rawTargets {
		name, ok := t.(string)
		if !ok || name == "" {
			return nil, fmt.Errorf("target_servers entries must be non-empty strings")
		}
		targets = append(targets, name)
	}

	req := &engine.Request{
		SignalType:      sigType,
		TargetServers:   targets,
		BufferIfOffline: true,
		RetryOnFail:     true,
	}
	if p, ok := payload["payload"].(map[string]any); ok {
		req.Payload = p
	}
	if pri, ok := payload["priority"].(string); ok {
		req.Priority = pri
	}
	if src, ok := payload["source_server"].(string); ok {
		req.SourceServer = src
	}
	if b, ok := payload["buffer_if_offline"].(bool); ok {
		req.BufferIfOffline = b
	}
	if r, ok := payload["retry_on_fail"].(bool); ok {
		req.RetryOnFail = r
	}
	return req, nil
}

func signalCodeField(v any) (uint16, error) {
	switch t := v.(type) {
	case float64:
		if t <= 0 || t > 0xFFFF {
			return 0, fmt.Errorf("signal_type %v out of range", t)
		}
		return uint16(t), nil
	case string:
		n, err := protocol.ParseSignalCode(t)
		if err != nil {
			return 0, err
		}
		if n == 0 {
			return 0, fmt.Errorf("signal_type must be non-zero")
		}
		return n, nil
	default:
		return 0, fmt.Errorf("missing or invalid signal_type")
	}
}
