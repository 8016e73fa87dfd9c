// Package web is the HTTP façade: health, stats, buffer and rule
// inspection, relay and multicast endpoints, the event websocket, and
// Prometheus metrics.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/synapse-mesh/synapse-relay/internal/buffer"
	"github.com/synapse-mesh/synapse-relay/internal/bus"
	"github.com/synapse-mesh/synapse-relay/internal/engine"
	"github.com/synapse-mesh/synapse-relay/internal/logger"
	"github.com/synapse-mesh/synapse-relay/internal/protocol"
	"github.com/synapse-mesh/synapse-relay/internal/rules"
	"github.com/synapse-mesh/synapse-relay/internal/stats"
	"github.com/synapse-mesh/synapse-relay/internal/store"
)

// Heartbeats exposes the per-peer last-seen table for /health.
type Heartbeats interface {
	LastHeartbeats() map[string]int64
}

type Server struct {
	addr    string
	engine  *engine.Engine
	rules   *rules.Engine
	stats   *stats.Aggregator
	buffer  *buffer.Manager
	bus     *bus.Bus
	beats   Heartbeats
	started time.Time
}

func NewServer(addr string, e *engine.Engine, r *rules.Engine, a *stats.Aggregator, buf *buffer.Manager, b *bus.Bus, beats Heartbeats) *Server {
	return &Server{
		addr:    addr,
		engine:  e,
		rules:   r,
		stats:   a,
		buffer:  buf,
		bus:     b,
		beats:   beats,
		started: time.Now(),
	}
}

// Handler builds the route table. Split out so tests can mount it on
// an httptest server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /buffer", s.handleBuffer)
	mux.HandleFunc("GET /rules", s.handleRules)
	mux.HandleFunc("POST /relay", s.handleRelay)
	mux.HandleFunc("POST /multicast", s.handleMulticast)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.Handler()}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	logger.Info("web listening", "addr", s.addr)

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":   "ok",
		"uptime_s": int64(time.Since(s.started).Seconds()),
		"peers":    s.engine.Peers.Names(),
	}
	if s.beats != nil {
		resp["last_heartbeats"] = s.beats.LastHeartbeats()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	since := time.Now().Add(-24 * time.Hour).UnixMilli()
	if v := q.Get("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since")
			return
		}
		since = n
	}
	var until int64
	if v := q.Get("until"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid until")
			return
		}
		until = n
	}

	sum, err := s.stats.Query(since, until, q.Get("group_by"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, roundSummary(sum))
}

func (s *Server) handleBuffer(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 100
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	items, err := s.buffer.List(store.BufferFilter{
		Status: q.Get("status"),
		Target: q.Get("target"),
		Limit:  limit,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	counts, err := s.buffer.Counts()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"counts": counts,
		"items":  bufferItems(items),
	})
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	list, err := s.rules.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]map[string]any, 0, len(list))
	for _, rule := range list {
		out = append(out, map[string]any{
			"id":             rule.ID,
			"signal_pattern": fmt.Sprintf("0x%02X", rule.SignalPattern),
			"source_filter":  rule.SourceFilter,
			"relay_to":       rule.RelayTo,
			"transform":      rule.Transform,
			"priority":       rule.Priority,
			"enabled":        rule.Enabled,
			"match_count":    rule.MatchCount,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type relayBody struct {
	SignalType      any            `json:"signal_type"`
	TargetServers   []string       `json:"target_servers"`
	Payload         map[string]any `json:"payload"`
	Priority        string         `json:"priority"`
	BufferIfOffline *bool          `json:"buffer_if_offline"`
}

func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request) {
	var body relayBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	sigType, err := signalCode(body.SignalType)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(body.TargetServers) == 0 {
		writeError(w, http.StatusBadRequest, "target_servers must not be empty")
		return
	}
	req := engine.Request{
		SignalType:      sigType,
		TargetServers:   body.TargetServers,
		Payload:         body.Payload,
		Priority:        body.Priority,
		BufferIfOffline: true,
	}
	if body.BufferIfOffline != nil {
		req.BufferIfOffline = *body.BufferIfOffline
	}
	res, err := s.engine.RelaySignal(req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type multicastBody struct {
	SignalType any            `json:"signal_type"`
	Payload    map[string]any `json:"payload"`
	Priority   string         `json:"priority"`
	Exclude    []string       `json:"exclude"`
}

func (s *Server) handleMulticast(w http.ResponseWriter, r *http.Request) {
	var body multicastBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	sigType, err := signalCode(body.SignalType)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.engine.Multicast(sigType, engine.SenderName, body.Payload, body.Priority, body.Exclude)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleWS streams bus events matching the topics pattern ("*" by
// default) until the client goes away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("topics")
	if pattern == "" {
		pattern = "*"
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	events, cancel := s.bus.Subscribe(pattern)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		}
	}
}

// Helpers

func signalCode(v any) (uint16, error) {
	switch t := v.(type) {
	case float64:
		if t <= 0 || t > 0xFFFF {
			return 0, fmt.Errorf("signal type %v out of range", t)
		}
		return uint16(t), nil
	case string:
		n, err := protocol.ParseSignalCode(t)
		if err != nil {
			return 0, err
		}
		if n == 0 {
			return 0, fmt.Errorf("signal type must be non-zero")
		}
		return n, nil
	default:
		return 0, fmt.Errorf("missing or invalid signal type")
	}
}

func bufferItems(list []*store.BufferedSignal) []map[string]any {
	out := make([]map[string]any, 0, len(list))
	for _, b := range list {
		item := map[string]any{
			"id":            b.ID,
			"signal_type":   fmt.Sprintf("0x%02X", b.SignalType),
			"source_server": b.SourceServer,
			"target_server": b.TargetServer,
			"priority":      b.Priority,
			"buffered_at":   time.UnixMilli(b.BufferedAt).UTC().Format(time.RFC3339),
			"retry_count":   b.RetryCount,
			"max_retries":   b.MaxRetries,
			"status":        b.Status,
		}
		if b.ExpiresAt != nil {
			item["expires_at"] = time.UnixMilli(*b.ExpiresAt).UTC().Format(time.RFC3339)
		}
		out = append(out, item)
	}
	return out
}

func roundSummary(sum *stats.Summary) map[string]any {
	out := map[string]any{
		"total_relayed": sum.TotalRelayed,
		"success_rate":  round2(sum.SuccessRate),
		"buffer_stats":  sum.BufferStats,
	}
	if sum.AvgLatencyMs != nil {
		out["avg_latency_ms"] = round2(*sum.AvgLatencyMs)
	}
	if sum.ByGroup != nil {
		groups := make(map[string]map[string]any, len(sum.ByGroup))
		for key, g := range sum.ByGroup {
			entry := map[string]any{
				"count":        g.Count,
				"success_rate": round2(g.SuccessRate),
			}
			if g.AvgLatency != nil {
				entry["avg_latency"] = round2(*g.AvgLatency)
			}
			groups[key] = entry
		}
		out["by_group"] = groups
	}
	return out
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
