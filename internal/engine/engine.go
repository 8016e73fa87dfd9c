// Package engine is the delivery core: rule resolution, concurrent
// per-target fan-out, latency accounting, and relay history.
package engine

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/synapse-mesh/synapse-relay/internal/bus"
	"github.com/synapse-mesh/synapse-relay/internal/logger"
	"github.com/synapse-mesh/synapse-relay/internal/metrics"
	"github.com/synapse-mesh/synapse-relay/internal/protocol"
	"github.com/synapse-mesh/synapse-relay/internal/rules"
	"github.com/synapse-mesh/synapse-relay/internal/store"
)

// SenderName is the sender identity injected into outgoing payloads.
const SenderName = "synapse-relay"

// Bufferer enqueues a signal for an offline target. Implemented by the
// buffer manager; the engine never drives retries itself.
type Bufferer interface {
	Enqueue(signalType uint16, source, target string, payload map[string]any, priority string) (string, error)
}

// Request is one relay call.
type Request struct {
	SignalType      uint16
	SourceServer    string
	TargetServers   []string
	Payload         map[string]any
	Priority        string
	BufferIfOffline bool
	// RetryOnFail is accepted for wire compatibility but is advisory:
	// retry behavior is governed entirely by BufferIfOffline and the
	// buffer manager's schedule.
	RetryOnFail bool
}

// Result is the outcome of one relay call.
type Result struct {
	RelayID         string   `json:"relay_id"`
	Relayed         bool     `json:"relayed"`
	TargetsReached  []string `json:"targets_reached"`
	TargetsFailed   []string `json:"targets_failed"`
	TargetsBuffered []string `json:"targets_buffered"`
	LatencyMs       int64    `json:"latency_ms"`
}

// Engine owns the peer map, the sender, and relay record construction.
type Engine struct {
	Store  *store.Store
	Rules  *rules.Engine
	Bus    *bus.Bus
	Peers  *PeerMap
	Sender Sender
	Buffer Bufferer
}

func New(s *store.Store, r *rules.Engine, b *bus.Bus, peers *PeerMap, sender Sender) *Engine {
	if sender == nil {
		sender = UDPSender{}
	}
	return &Engine{Store: s, Rules: r, Bus: b, Peers: peers, Sender: sender}
}

// RelaySignal fans the signal out to every target concurrently,
// buffers unreachable targets when asked to, records one immutable
// history row, and returns the per-target classification.
func (e *Engine) RelaySignal(req Request) (*Result, error) {
	start := time.Now()
	relayID := uuid.NewString()
	if req.Priority == "" {
		req.Priority = "normal"
	}
	if req.SourceServer == "" {
		req.SourceServer = SenderName
	}

	matched, err := e.Rules.Match(req.SignalType, req.SourceServer)
	if err != nil {
		return nil, fmt.Errorf("match rules: %w", err)
	}
	payload := rules.ApplyAll(req.Payload, matched)

	// Matched rules fan the signal out to their relay_to targets on
	// top of the caller's own list.
	targets := append([]string(nil), req.TargetServers...)
	known := make(map[string]bool, len(targets))
	for _, t := range targets {
		known[t] = true
	}
	for _, t := range rules.TargetUnion(matched) {
		if !known[t] {
			known[t] = true
			targets = append(targets, t)
		}
	}

	data, err := protocol.Encode(req.SignalType, SenderName, payload)
	if err != nil {
		return nil, fmt.Errorf("encode signal: %w", err)
	}

	type outcome struct {
		target string
		err    error
	}
	results := make([]outcome, len(targets))
	var wg sync.WaitGroup
	for i, target := range targets {
		wg.Add(1)
		go func(i int, target string) {
			defer wg.Done()
			results[i] = outcome{target: target, err: e.sendTo(target, data)}
		}(i, target)
	}
	wg.Wait()

	var reached, failed, buffered []string
	var errMsgs []string
	for _, r := range results {
		if r.err == nil {
			reached = append(reached, r.target)
			metrics.RelayTargets.WithLabelValues("reached").Inc()
			continue
		}
		failed = append(failed, r.target)
		errMsgs = append(errMsgs, r.target+": "+r.err.Error())
		metrics.RelayTargets.WithLabelValues("failed").Inc()
		logger.Warn("relay target failed", "relay_id", relayID, "target", r.target, "error", r.err)

		if req.BufferIfOffline && e.Buffer != nil {
			if _, err := e.Buffer.Enqueue(req.SignalType, req.SourceServer, r.target, payload, req.Priority); err != nil {
				logger.Error("buffer enqueue failed", "target", r.target, "error", err)
				continue
			}
			buffered = append(buffered, r.target)
			metrics.RelayTargets.WithLabelValues("buffered").Inc()
		}
	}

	latency := time.Since(start).Milliseconds()
	metrics.RelayLatency.Observe(float64(latency))

	record := &store.RelayRecord{
		ID:             relayID,
		SignalType:     req.SignalType,
		SourceServer:   req.SourceServer,
		TargetServers:  targets,
		Payload:        payload,
		Priority:       req.Priority,
		RelayedAt:      start.UnixMilli(),
		Success:        len(reached) > 0,
		TargetsReached: reached,
		TargetsFailed:  failed,
		LatencyMs:      latency,
	}
	if len(errMsgs) > 0 {
		msg := strings.Join(errMsgs, "; ")
		record.ErrorMessage = &msg
	}
	if err := e.Store.InsertRelay(record); err != nil {
		// Store errors propagate; the relay event is not emitted.
		return nil, fmt.Errorf("record relay: %w", err)
	}

	result := &Result{
		RelayID:         relayID,
		Relayed:         len(reached) > 0,
		TargetsReached:  reached,
		TargetsFailed:   failed,
		TargetsBuffered: buffered,
		LatencyMs:       latency,
	}
	e.publish(result, req)
	return result, nil
}

// Multicast relays to every known peer except the excluded ones.
func (e *Engine) Multicast(signalType uint16, source string, payload map[string]any, priority string, exclude []string) (*Result, error) {
	skip := make(map[string]bool, len(exclude)+1)
	for _, name := range exclude {
		skip[name] = true
	}
	var targets []string
	for _, name := range e.Peers.Names() {
		if !skip[name] {
			targets = append(targets, name)
		}
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("multicast: no targets after exclusions")
	}
	return e.RelaySignal(Request{
		SignalType:      signalType,
		SourceServer:    source,
		TargetServers:   targets,
		Payload:         payload,
		Priority:        priority,
		BufferIfOffline: true,
	})
}

// SendTo encodes and sends one signal to a named peer. Used by the
// protocol handlers, the heartbeat ticker, and the buffer manager's
// delivery callback.
func (e *Engine) SendTo(target string, signalType uint16, payload map[string]any) error {
	data, err := protocol.Encode(signalType, SenderName, payload)
	if err != nil {
		return err
	}
	return e.sendTo(target, data)
}

func (e *Engine) sendTo(target string, data []byte) error {
	addr, ok := e.Peers.Resolve(target)
	if !ok {
		// Unknown targets are failures but remain bufferable: the
		// port mapping may appear in a later config reload.
		return fmt.Errorf("unknown target %q: no port mapping", target)
	}
	return e.Sender.Send(addr, data)
}

func (e *Engine) publish(res *Result, req Request) {
	if e.Bus == nil {
		return
	}
	if res.Relayed {
		e.Bus.Publish(bus.TopicRelaySent, res)
	}
	if len(res.TargetsFailed) > 0 {
		e.Bus.Publish(bus.TopicRelayFailed, map[string]any{
			"relay_id":       res.RelayID,
			"signal_type":    req.SignalType,
			"targets_failed": res.TargetsFailed,
		})
	}
	for _, target := range res.TargetsBuffered {
		e.Bus.Publish(bus.TopicRelayBuffered, map[string]any{
			"relay_id":    res.RelayID,
			"signal_type": req.SignalType,
			"target":      target,
		})
	}
}
