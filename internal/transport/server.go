// Package transport is the operator surface: the relay, rule, stats,
// and buffer operations served over HTTP on a local unix socket.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/synapse-mesh/synapse-relay/internal/buffer"
	"github.com/synapse-mesh/synapse-relay/internal/engine"
	"github.com/synapse-mesh/synapse-relay/internal/protocol"
	"github.com/synapse-mesh/synapse-relay/internal/rules"
	"github.com/synapse-mesh/synapse-relay/internal/stats"
	"github.com/synapse-mesh/synapse-relay/internal/store"
)

type Server struct {
	engine     *engine.Engine
	rules      *rules.Engine
	stats      *stats.Aggregator
	buffer     *buffer.Manager
	socketPath string
}

func NewServer(e *engine.Engine, r *rules.Engine, a *stats.Aggregator, b *buffer.Manager, socketPath string) *Server {
	return &Server{engine: e, rules: r, stats: a, buffer: b, socketPath: socketPath}
}

func (s *Server) ListenAndServe(ctx context.Context) error {
	// Clean up stale socket.
	os.Remove(s.socketPath)

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen unix %s: %w", s.socketPath, err)
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	srv := &http.Server{Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
		os.Remove(s.socketPath)
		return nil
	case err := <-errCh:
		os.Remove(s.socketPath)
		return err
	}
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /relay", s.handleRelay)
	mux.HandleFunc("POST /rules", s.handleConfigureRelay)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("POST /buffer", s.handleBuffer)
}

// Request/response types

type relayRequest struct {
	SignalType      any            `json:"signal_type"`
	TargetServers   []string       `json:"target_servers"`
	Payload         map[string]any `json:"payload"`
	Priority        string         `json:"priority"`
	RetryOnFail     *bool          `json:"retry_on_fail"`
	BufferIfOffline *bool          `json:"buffer_if_offline"`
}

type configureRequest struct {
	Action        string         `json:"action"`
	RuleID        *int64         `json:"rule_id"`
	SignalPattern any            `json:"signal_pattern"`
	SourceFilter  *string        `json:"source_filter"`
	RelayTo       []string       `json:"relay_to"`
	Transform     map[string]any `json:"transform"`
	Priority      *int           `json:"priority"`
	Enabled       *bool          `json:"enabled"`
}

type RuleResponse struct {
	ID            int64          `json:"id"`
	SignalPattern string         `json:"signal_pattern"`
	SourceFilter  *string        `json:"source_filter,omitempty"`
	RelayTo       []string       `json:"relay_to"`
	Transform     map[string]any `json:"transform,omitempty"`
	Priority      int            `json:"priority"`
	Enabled       bool           `json:"enabled"`
	CreatedAt     string         `json:"created_at"`
	MatchCount    int64          `json:"match_count"`
}

type configureResponse struct {
	RuleID  int64          `json:"rule_id,omitempty"`
	Action  string         `json:"action"`
	Success bool           `json:"success"`
	Rules   []RuleResponse `json:"rules,omitempty"`
}

type bufferRequest struct {
	Action       string   `json:"action"`
	BufferIDs    []string `json:"buffer_ids"`
	TargetServer string   `json:"target_server"`
	SignalType   any      `json:"signal_type"`
	MaxAgeHours  *float64 `json:"max_age_hours"`
	Status       string   `json:"status"`
	Limit        int      `json:"limit"`
}

type BufferItem struct {
	ID           string         `json:"id"`
	SignalType   string         `json:"signal_type"`
	SourceServer string         `json:"source_server"`
	TargetServer string         `json:"target_server"`
	Payload      map[string]any `json:"payload,omitempty"`
	Priority     string         `json:"priority"`
	BufferedAt   string         `json:"buffered_at"`
	ExpiresAt    *string        `json:"expires_at,omitempty"`
	RetryCount   int            `json:"retry_count"`
	MaxRetries   int            `json:"max_retries"`
	Status       string         `json:"status"`
}

type BufferResponse struct {
	Action        string       `json:"action"`
	AffectedCount int64        `json:"affected_count"`
	BufferItems   []BufferItem `json:"buffer_items,omitempty"`
}

func ruleToResponse(r *store.RelayRule) RuleResponse {
	return RuleResponse{
		ID:            r.ID,
		SignalPattern: fmt.Sprintf("0x%02X", r.SignalPattern),
		SourceFilter:  r.SourceFilter,
		RelayTo:       r.RelayTo,
		Transform:     r.Transform,
		Priority:      r.Priority,
		Enabled:       r.Enabled,
		CreatedAt:     time.UnixMilli(r.CreatedAt).UTC().Format(time.RFC3339),
		MatchCount:    r.MatchCount,
	}
}

func bufferToItem(b *store.BufferedSignal) BufferItem {
	item := BufferItem{
		ID:           b.ID,
		SignalType:   fmt.Sprintf("0x%02X", b.SignalType),
		SourceServer: b.SourceServer,
		TargetServer: b.TargetServer,
		Payload:      b.Payload,
		Priority:     b.Priority,
		BufferedAt:   time.UnixMilli(b.BufferedAt).UTC().Format(time.RFC3339),
		RetryCount:   b.RetryCount,
		MaxRetries:   b.MaxRetries,
		Status:       b.Status,
	}
	if b.ExpiresAt != nil {
		s := time.UnixMilli(*b.ExpiresAt).UTC().Format(time.RFC3339)
		item.ExpiresAt = &s
	}
	return item
}

// Handlers

func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request) {
	var req relayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	sigType, err := parseSignalField(req.SignalType)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.TargetServers) == 0 {
		writeError(w, http.StatusBadRequest, "target_servers must not be empty")
		return
	}
	if req.Priority == "" {
		req.Priority = "normal"
	}
	if !validPriority(req.Priority) {
		writeError(w, http.StatusBadRequest, "priority must be one of low, normal, high, urgent")
		return
	}

	eng := engine.Request{
		SignalType:      sigType,
		TargetServers:   req.TargetServers,
		Payload:         req.Payload,
		Priority:        req.Priority,
		BufferIfOffline: true,
		RetryOnFail:     true,
	}
	if req.BufferIfOffline != nil {
		eng.BufferIfOffline = *req.BufferIfOffline
	}
	if req.RetryOnFail != nil {
		eng.RetryOnFail = *req.RetryOnFail
	}

	res, err := s.engine.RelaySignal(eng)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleConfigureRelay(w http.ResponseWriter, r *http.Request) {
	var req configureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	switch req.Action {
	case "add":
		sigPattern, err := parseSignalField(req.SignalPattern)
		if err != nil {
			writeError(w, http.StatusBadRequest, "signal_pattern: "+err.Error())
			return
		}
		if len(req.RelayTo) == 0 {
			writeError(w, http.StatusBadRequest, "relay_to must not be empty")
			return
		}
		rule := &store.RelayRule{
			SignalPattern: sigPattern,
			SourceFilter:  req.SourceFilter,
			RelayTo:       req.RelayTo,
			Transform:     req.Transform,
			Enabled:       true,
		}
		if req.Priority != nil {
			rule.Priority = *req.Priority
		}
		if req.Enabled != nil {
			rule.Enabled = *req.Enabled
		}
		id, err := s.rules.Add(rule)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, configureResponse{RuleID: id, Action: "add", Success: true})

	case "update":
		if req.RuleID == nil {
			writeError(w, http.StatusBadRequest, "rule_id is required for update")
			return
		}
		u := store.RuleUpdate{
			SourceFilter: req.SourceFilter,
			RelayTo:      req.RelayTo,
			Transform:    req.Transform,
			Priority:     req.Priority,
			Enabled:      req.Enabled,
		}
		if req.SignalPattern != nil {
			sigPattern, err := parseSignalField(req.SignalPattern)
			if err != nil {
				writeError(w, http.StatusBadRequest, "signal_pattern: "+err.Error())
				return
			}
			u.SignalPattern = &sigPattern
		}
		ok, err := s.rules.Update(*req.RuleID, u)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Sprintf("rule %d not found", *req.RuleID))
			return
		}
		writeJSON(w, http.StatusOK, configureResponse{RuleID: *req.RuleID, Action: "update", Success: true})

	case "remove":
		if req.RuleID == nil {
			writeError(w, http.StatusBadRequest, "rule_id is required for remove")
			return
		}
		ok, err := s.rules.Remove(*req.RuleID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Sprintf("rule %d not found", *req.RuleID))
			return
		}
		writeJSON(w, http.StatusOK, configureResponse{RuleID: *req.RuleID, Action: "remove", Success: true})

	case "list":
		list, err := s.rules.List()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		out := make([]RuleResponse, 0, len(list))
		for _, rule := range list {
			out = append(out, ruleToResponse(rule))
		}
		writeJSON(w, http.StatusOK, configureResponse{Action: "list", Success: true, Rules: out})

	default:
		writeError(w, http.StatusBadRequest, "action must be one of add, update, remove, list")
	}
}

type StatsResponse struct {
	TotalRelayed int64                    `json:"total_relayed"`
	SuccessRate  float64                  `json:"success_rate"`
	AvgLatencyMs *float64                 `json:"avg_latency_ms,omitempty"`
	ByGroup      map[string]GroupStatResponse `json:"by_group,omitempty"`
	BufferStats  map[string]int           `json:"buffer_stats"`
}

type GroupStatResponse struct {
	Count       int64    `json:"count"`
	SuccessRate float64  `json:"success_rate"`
	AvgLatency  *float64 `json:"avg_latency,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	since := time.Now().Add(-24 * time.Hour).UnixMilli()
	if v := q.Get("since"); v != "" {
		n, err := parseEpochMs(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since: "+err.Error())
			return
		}
		since = n
	}
	var until int64
	if v := q.Get("until"); v != "" {
		n, err := parseEpochMs(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid until: "+err.Error())
			return
		}
		until = n
	}
	groupBy := q.Get("group_by")

	sum, err := s.stats.Query(since, until, groupBy)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp := StatsResponse{
		TotalRelayed: sum.TotalRelayed,
		SuccessRate:  round2(sum.SuccessRate),
		BufferStats:  sum.BufferStats,
	}
	if sum.AvgLatencyMs != nil {
		v := round2(*sum.AvgLatencyMs)
		resp.AvgLatencyMs = &v
	}
	if sum.ByGroup != nil {
		resp.ByGroup = make(map[string]GroupStatResponse, len(sum.ByGroup))
		for key, g := range sum.ByGroup {
			gr := GroupStatResponse{Count: g.Count, SuccessRate: round2(g.SuccessRate)}
			if g.AvgLatency != nil {
				v := round2(*g.AvgLatency)
				gr.AvgLatency = &v
			}
			resp.ByGroup[key] = gr
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleBuffer(w http.ResponseWriter, r *http.Request) {
	var req bufferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	switch req.Action {
	case "list":
		list, err := s.buffer.List(store.BufferFilter{
			Status: req.Status,
			Target: req.TargetServer,
			Limit:  req.Limit,
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		items := make([]BufferItem, 0, len(list))
		for _, b := range list {
			items = append(items, bufferToItem(b))
		}
		writeJSON(w, http.StatusOK, BufferResponse{Action: "list", AffectedCount: int64(len(items)), BufferItems: items})

	case "retry":
		if len(req.BufferIDs) == 0 {
			writeError(w, http.StatusBadRequest, "buffer_ids is required for retry")
			return
		}
		delivered, failed, err := s.buffer.Retry(req.BufferIDs)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, BufferResponse{Action: "retry", AffectedCount: int64(delivered + failed)})

	case "clear":
		f := store.ClearFilter{
			IDs:         req.BufferIDs,
			Target:      req.TargetServer,
			MaxAgeHours: req.MaxAgeHours,
		}
		if req.SignalType != nil {
			sigType, err := parseSignalField(req.SignalType)
			if err != nil {
				writeError(w, http.StatusBadRequest, "signal_type: "+err.Error())
				return
			}
			f.SignalType = &sigType
		}
		n, err := s.buffer.Clear(f)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, BufferResponse{Action: "clear", AffectedCount: n})

	case "flush":
		delivered, failed, err := s.buffer.Flush(req.TargetServer)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, BufferResponse{Action: "flush", AffectedCount: int64(delivered + failed)})

	default:
		writeError(w, http.StatusBadRequest, "action must be one of list, retry, clear, flush")
	}
}

// Helpers

func parseSignalField(v any) (uint16, error) {
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

func parseEpochMs(s string) (int64, error) {
	var n int64
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, err
	}
	return n, nil
}

func validPriority(p string) bool {
	switch p {
	case "low", "normal", "high", "urgent":
		return true
	}
	return false
}

// round2 rounds to 2 decimals at the API boundary.
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
