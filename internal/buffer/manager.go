// Package buffer owns the durable offline queue: enqueue for
// unreachable targets, retry with backoff, expire by TTL.
package buffer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/synapse-mesh/synapse-relay/internal/bus"
	"github.com/synapse-mesh/synapse-relay/internal/logger"
	"github.com/synapse-mesh/synapse-relay/internal/metrics"
	"github.com/synapse-mesh/synapse-relay/internal/store"
)

// DeliveryFunc attempts delivery of one buffered signal. Installed
// once at startup by the host and invoked only from this package.
type DeliveryFunc func(sig *store.BufferedSignal) error

// Options configure the retry schedule.
type Options struct {
	MaxSize     int
	TTLHours    float64
	IntervalsMs []int64
	MaxRetries  int
}

func defaultOptions() Options {
	return Options{
		MaxSize:     1000,
		TTLHours:    24,
		IntervalsMs: []int64{1000, 5000, 15000},
		MaxRetries:  3,
	}
}

// Manager drives the BufferedSignal lifecycle. At most one retry pass
// runs at a time; per-row transitions are atomic in the store, so a
// terminal row is never re-scheduled.
type Manager struct {
	store *store.Store
	bus   *bus.Bus
	opts  Options
	now   func() time.Time

	passMu sync.Mutex // serializes ProcessBuffer / Flush / Retry passes

	cbMu    sync.RWMutex
	deliver DeliveryFunc
}

func New(s *store.Store, b *bus.Bus, opts Options) *Manager {
	def := defaultOptions()
	if opts.MaxSize <= 0 {
		opts.MaxSize = def.MaxSize
	}
	if opts.TTLHours < 0 {
		opts.TTLHours = def.TTLHours
	}
	if len(opts.IntervalsMs) == 0 {
		opts.IntervalsMs = def.IntervalsMs
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = def.MaxRetries
	}
	return &Manager{store: s, bus: b, opts: opts, now: time.Now}
}

// InstallDeliveryCallback sets the delivery function. Write-once; a
// second install is ignored with a warning.
func (m *Manager) InstallDeliveryCallback(fn DeliveryFunc) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	if m.deliver != nil {
		logger.Warn("buffer: delivery callback already installed, ignoring")
		return
	}
	m.deliver = fn
}

func (m *Manager) callback() DeliveryFunc {
	m.cbMu.RLock()
	defer m.cbMu.RUnlock()
	return m.deliver
}

// Enqueue writes one pending row for a (signal, target) pair.
// Implements the delivery engine's Bufferer.
func (m *Manager) Enqueue(signalType uint16, source, target string, payload map[string]any, priority string) (string, error) {
	counts, err := m.store.CountByStatus()
	if err != nil {
		return "", fmt.Errorf("buffer enqueue: %w", err)
	}
	if counts[store.BufferPending] >= m.opts.MaxSize {
		return "", fmt.Errorf("buffer enqueue: buffer full (%d pending)", counts[store.BufferPending])
	}

	now := m.now().UnixMilli()
	sig := &store.BufferedSignal{
		ID:           uuid.NewString(),
		SignalType:   signalType,
		SourceServer: source,
		TargetServer: target,
		Payload:      payload,
		Priority:     priority,
		BufferedAt:   now,
		MaxRetries:   m.opts.MaxRetries,
	}
	if m.opts.TTLHours > 0 {
		exp := now + int64(m.opts.TTLHours*3600_000)
		sig.ExpiresAt = &exp
	} else {
		// ttl_hours = 0 expires on the next sweep
		exp := now
		sig.ExpiresAt = &exp
	}
	if err := m.store.InsertBuffered(sig); err != nil {
		return "", err
	}
	logger.Info("signal buffered", "buffer_id", sig.ID, "target", target, "signal_type", signalType)
	return sig.ID, nil
}

// ProcessResult summarizes one ProcessBuffer pass.
type ProcessResult struct {
	Expired   int `json:"expired"`
	Attempted int `json:"attempted"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}

// ProcessBuffer is the periodic driver: expire sweep first, then one
// delivery attempt for every row whose backoff interval has elapsed.
func (m *Manager) ProcessBuffer() (*ProcessResult, error) {
	m.passMu.Lock()
	defer m.passMu.Unlock()

	res := &ProcessResult{}
	now := m.now().UnixMilli()

	expired, err := m.store.ExpirePending(now)
	if err != nil {
		return nil, fmt.Errorf("expire sweep: %w", err)
	}
	res.Expired = len(expired)
	for _, id := range expired {
		metrics.BufferTransitions.WithLabelValues(store.BufferExpired).Inc()
		if m.bus != nil {
			m.bus.Publish(bus.TopicBufferExpired, map[string]any{"buffer_id": id})
		}
	}

	rows, err := m.store.ListRetryable(now)
	if err != nil {
		return nil, fmt.Errorf("select retryable: %w", err)
	}
	for _, sig := range rows {
		if !m.due(sig, now) {
			continue
		}
		res.Attempted++
		if m.attempt(sig) {
			res.Delivered++
		} else {
			res.Failed++
		}
	}
	return res, nil
}

// due applies the backoff schedule: the wait grows per retry with the
// last interval clamped.
func (m *Manager) due(sig *store.BufferedSignal, nowMs int64) bool {
	last := sig.BufferedAt
	if sig.LastRetryAt != nil {
		last = *sig.LastRetryAt
	}
	idx := sig.RetryCount
	if idx >= len(m.opts.IntervalsMs) {
		idx = len(m.opts.IntervalsMs) - 1
	}
	return nowMs-last >= m.opts.IntervalsMs[idx]
}

// attempt runs the delivery callback for one row and applies the
// resulting transition. Returns true on delivery.
func (m *Manager) attempt(sig *store.BufferedSignal) bool {
	deliver := m.callback()
	if deliver == nil {
		logger.Warn("buffer: no delivery callback installed, skipping retry")
		return false
	}

	if m.bus != nil {
		m.bus.Publish(bus.TopicBufferRetry, map[string]any{
			"buffer_id":   sig.ID,
			"target":      sig.TargetServer,
			"retry_count": sig.RetryCount,
		})
	}

	if err := deliver(sig); err == nil {
		ok, serr := m.store.MarkDelivered(sig.ID)
		if serr != nil {
			logger.Error("buffer: mark delivered failed", "buffer_id", sig.ID, "error", serr)
			return false
		}
		if ok {
			metrics.BufferTransitions.WithLabelValues(store.BufferDelivered).Inc()
			if m.bus != nil {
				m.bus.Publish(bus.TopicRelaySent, map[string]any{
					"buffer_id": sig.ID,
					"target":    sig.TargetServer,
					"buffered":  true,
				})
			}
			logger.Info("buffered signal delivered", "buffer_id", sig.ID, "target", sig.TargetServer)
		}
		return ok
	} else {
		status, serr := m.store.RecordRetryFailure(sig.ID, m.now().UnixMilli())
		if serr != nil {
			logger.Error("buffer: record retry failure", "buffer_id", sig.ID, "error", serr)
			return false
		}
		if status == store.BufferFailed {
			// Budget exhausted: terminal, no further events for this row.
			metrics.BufferTransitions.WithLabelValues(store.BufferFailed).Inc()
			logger.Warn("buffered signal exhausted retries", "buffer_id", sig.ID, "target", sig.TargetServer, "error", err)
		}
		return false
	}
}

// Retry attempts the listed pending rows exactly once each, bypassing
// the backoff check.
func (m *Manager) Retry(ids []string) (delivered, failed int, err error) {
	m.passMu.Lock()
	defer m.passMu.Unlock()

	for _, id := range ids {
		sig, gerr := m.store.GetBuffered(id)
		if gerr != nil {
			return delivered, failed, gerr
		}
		if sig == nil || sig.Status != store.BufferPending {
			continue
		}
		if m.attempt(sig) {
			delivered++
		} else {
			failed++
		}
	}
	return delivered, failed, nil
}

// Flush drains every pending row (optionally one target): each row is
// delivered or marked failed on this pass, never left for later.
func (m *Manager) Flush(target string) (delivered, failed int, err error) {
	m.passMu.Lock()
	defer m.passMu.Unlock()

	rows, err := m.store.ListBuffered(store.BufferFilter{Status: store.BufferPending, Target: target})
	if err != nil {
		return 0, 0, err
	}
	deliver := m.callback()
	for _, sig := range rows {
		if deliver != nil {
			if derr := deliver(sig); derr == nil {
				if ok, _ := m.store.MarkDelivered(sig.ID); ok {
					metrics.BufferTransitions.WithLabelValues(store.BufferDelivered).Inc()
					if m.bus != nil {
						m.bus.Publish(bus.TopicRelaySent, map[string]any{"buffer_id": sig.ID, "target": sig.TargetServer, "buffered": true})
					}
					delivered++
				}
				continue
			}
		}
		if ok, _ := m.store.MarkFailed(sig.ID); ok {
			metrics.BufferTransitions.WithLabelValues(store.BufferFailed).Inc()
			failed++
		}
	}
	return delivered, failed, nil
}

// Clear deletes matching rows outright.
func (m *Manager) Clear(f store.ClearFilter) (int64, error) {
	if f.NowMs == 0 {
		f.NowMs = m.now().UnixMilli()
	}
	return m.store.ClearBuffered(f)
}

// List exposes buffered rows for the operator surface.
func (m *Manager) List(f store.BufferFilter) ([]*store.BufferedSignal, error) {
	return m.store.ListBuffered(f)
}

// Counts returns live totals for all four states.
func (m *Manager) Counts() (map[string]int, error) {
	return m.store.CountByStatus()
}

// Run drives ProcessBuffer on a fixed tick until ctx is done.
func (m *Manager) Run(ctx context.Context, tick time.Duration) error {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := m.ProcessBuffer(); err != nil {
				logger.Error("buffer pass failed", "error", err)
			}
		}
	}
}
