package transport

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/synapse-mesh/synapse-relay/internal/buffer"
	"github.com/synapse-mesh/synapse-relay/internal/bus"
	"github.com/synapse-mesh/synapse-relay/internal/engine"
	"github.com/synapse-mesh/synapse-relay/internal/rules"
	"github.com/synapse-mesh/synapse-relay/internal/stats"
	"github.com/synapse-mesh/synapse-relay/internal/store"
)

type fakeSender struct {
	mu   sync.Mutex
	sent map[string]int
	fail map[string]bool
}

func newFakeSender() *fakeSender {
	return &fakeSender{sent: make(map[string]int), fail: make(map[string]bool)}
}

func (f *fakeSender) Send(addr string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[addr] {
		return fmt.Errorf("connection refused")
	}
	f.sent[addr]++
	return nil
}

func setup(t *testing.T) (*Client, *fakeSender, *store.Store, context.CancelFunc) {
	t.Helper()

	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	sender := newFakeSender()
	b := bus.New(16)
	peers := engine.NewPeerMap(map[string]int{"node-a": 4001, "node-b": 4002})
	ruleEng := rules.New(s)
	eng := engine.New(s, ruleEng, b, peers, sender)
	buf := buffer.New(s, b, buffer.Options{})
	buf.InstallDeliveryCallback(func(sig *store.BufferedSignal) error {
		return eng.SendTo(sig.TargetServer, sig.SignalType, sig.Payload)
	})
	eng.Buffer = buf

	sock := filepath.Join(t.TempDir(), "synapse.sock")
	srv := NewServer(eng, ruleEng, stats.New(s, b), buf, sock)

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	go func() {
		go func() {
			for {
				if _, err := os.Stat(sock); err == nil {
					close(ready)
					return
				}
				time.Sleep(5 * time.Millisecond)
			}
		}()
		srv.ListenAndServe(ctx)
	}()

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		cancel()
		t.Fatal("server did not start in time")
	}

	client := NewClient(sock)
	return client, sender, s, func() {
		cancel()
		s.Close()
	}
}

func TestRelaySignalOverSocket(t *testing.T) {
	client, sender, s, cleanup := setup(t)
	defer cleanup()

	res, err := client.RelaySignal(RelayRequest{
		SignalType:    "0x50",
		TargetServers: []string{"node-a", "node-b"},
		Payload:       map[string]any{"k": "v"},
		Priority:      "high",
	})
	if err != nil {
		t.Fatalf("relay: %v", err)
	}
	if !res.Relayed || len(res.TargetsReached) != 2 {
		t.Errorf("result = %+v", res)
	}
	sender.mu.Lock()
	sent := sender.sent["127.0.0.1:4001"]
	sender.mu.Unlock()
	if sent != 1 {
		t.Errorf("node-a sends = %d", sent)
	}
	rec, err := s.GetRelay(res.RelayID)
	if err != nil || rec == nil {
		t.Fatalf("record missing: %v", err)
	}
	if rec.Priority != "high" {
		t.Errorf("priority = %q", rec.Priority)
	}
}

func TestRelayValidation(t *testing.T) {
	client, _, _, cleanup := setup(t)
	defer cleanup()

	if _, err := client.RelaySignal(RelayRequest{SignalType: "0x50"}); err == nil {
		t.Error("expected error for empty target_servers")
	}
	if _, err := client.RelaySignal(RelayRequest{
		SignalType:    "0x50",
		TargetServers: []string{"node-a"},
		Priority:      "asap",
	}); err == nil {
		t.Error("expected error for invalid priority")
	}
	if _, err := client.RelaySignal(RelayRequest{
		SignalType:    "bogus",
		TargetServers: []string{"node-a"},
	}); err == nil {
		t.Error("expected error for bad signal_type")
	}
}

func TestConfigureRelayLifecycle(t *testing.T) {
	client, _, _, cleanup := setup(t)
	defer cleanup()

	added, err := client.ConfigureRelay(ConfigureRequest{
		Action:        "add",
		SignalPattern: "0x50",
		RelayTo:       []string{"node-b"},
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if !added.Success || added.RuleID == 0 {
		t.Fatalf("add response = %+v", added)
	}

	pri := 5
	updated, err := client.ConfigureRelay(ConfigureRequest{
		Action:   "update",
		RuleID:   &added.RuleID,
		Priority: &pri,
	})
	if err != nil || !updated.Success {
		t.Fatalf("update: %v %+v", err, updated)
	}

	listed, err := client.ConfigureRelay(ConfigureRequest{Action: "list"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed.Rules) != 1 || listed.Rules[0].Priority != 5 {
		t.Errorf("rules = %+v", listed.Rules)
	}
	if listed.Rules[0].SignalPattern != "0x50" {
		t.Errorf("signal_pattern = %q", listed.Rules[0].SignalPattern)
	}

	removed, err := client.ConfigureRelay(ConfigureRequest{Action: "remove", RuleID: &added.RuleID})
	if err != nil || !removed.Success {
		t.Fatalf("remove: %v %+v", err, removed)
	}

	listed, _ = client.ConfigureRelay(ConfigureRequest{Action: "list"})
	if len(listed.Rules) != 0 {
		t.Errorf("rules after remove = %+v", listed.Rules)
	}
}

func TestConfigureRelayValidation(t *testing.T) {
	client, _, _, cleanup := setup(t)
	defer cleanup()

	if _, err := client.ConfigureRelay(ConfigureRequest{Action: "add", SignalPattern: "0x50"}); err == nil {
		t.Error("expected error for empty relay_to")
	}
	if _, err := client.ConfigureRelay(ConfigureRequest{Action: "update"}); err == nil {
		t.Error("expected error for missing rule_id")
	}
	missing := int64(9999)
	if _, err := client.ConfigureRelay(ConfigureRequest{Action: "remove", RuleID: &missing}); err == nil {
		t.Error("expected error for unknown rule_id")
	}
	if _, err := client.ConfigureRelay(ConfigureRequest{Action: "explode"}); err == nil {
		t.Error("expected error for unknown action")
	}
}

func TestGetRelayStatsRounding(t *testing.T) {
	client, _, s, cleanup := setup(t)
	defer cleanup()

	// two of three succeed: success_rate is 66.666..., rounded to 66.67
	periodStart := time.Now().Add(-time.Hour).UnixMilli() / 3_600_000 * 3_600_000
	sig := uint16(0x50)
	src, tgt := "X", "A"
	lat := 10.555
	maxLat := int64(12)
	if err := s.ReplaceStatsForPeriod(periodStart, []*store.StatsBucket{
		{PeriodStart: periodStart, SignalType: &sig, SourceServer: &src, TargetServer: &tgt,
			TotalRelayed: 3, SuccessCount: 2, FailureCount: 1, AvgLatencyMs: &lat, MaxLatencyMs: &maxLat},
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	out, err := client.GetRelayStats(1, 0, "source")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if out.TotalRelayed != 3 {
		t.Errorf("total = %d", out.TotalRelayed)
	}
	if out.SuccessRate != 66.67 {
		t.Errorf("success_rate = %v, want 66.67", out.SuccessRate)
	}
	if out.AvgLatencyMs == nil || *out.AvgLatencyMs != 10.56 {
		t.Errorf("avg_latency_ms = %v, want 10.56", out.AvgLatencyMs)
	}
	g, ok := out.ByGroup["X"]
	if !ok || g.Count != 3 || g.SuccessRate != 66.67 {
		t.Errorf("group X = %+v", out.ByGroup)
	}
	if out.BufferStats == nil {
		t.Error("buffer_stats missing")
	}
}

func TestBufferOperations(t *testing.T) {
	client, sender, s, cleanup := setup(t)
	defer cleanup()

	// a relay to an offline target populates the buffer
	sender.fail["127.0.0.1:4002"] = true
	res, err := client.RelaySignal(RelayRequest{
		SignalType:    "0x50",
		TargetServers: []string{"node-b"},
		Payload:       map[string]any{"k": "v"},
	})
	if err != nil {
		t.Fatalf("relay: %v", err)
	}
	if len(res.TargetsBuffered) != 1 {
		t.Fatalf("nothing buffered: %+v", res)
	}

	listed, err := client.BufferSignals(BufferRequest{Action: "list", Status: store.BufferPending})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed.BufferItems) != 1 {
		t.Fatalf("buffer items = %+v", listed.BufferItems)
	}
	id := listed.BufferItems[0].ID

	// target back online: manual retry delivers
	sender.mu.Lock()
	sender.fail["127.0.0.1:4002"] = false
	sender.mu.Unlock()

	retried, err := client.BufferSignals(BufferRequest{Action: "retry", BufferIDs: []string{id}})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retried.AffectedCount != 1 {
		t.Errorf("affected = %d", retried.AffectedCount)
	}
	got, _ := s.GetBuffered(id)
	if got.Status != store.BufferDelivered {
		t.Errorf("status = %q", got.Status)
	}

	// clear requires a filter
	if _, err := client.BufferSignals(BufferRequest{Action: "clear"}); err == nil {
		t.Error("expected error for clear without filters")
	}
	cleared, err := client.BufferSignals(BufferRequest{Action: "clear", BufferIDs: []string{id}})
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if cleared.AffectedCount != 1 {
		t.Errorf("cleared = %d", cleared.AffectedCount)
	}
}

func TestBufferRetryRequiresIDs(t *testing.T) {
	client, _, _, cleanup := setup(t)
	defer cleanup()
	if _, err := client.BufferSignals(BufferRequest{Action: "retry"}); err == nil {
		t.Error("expected error for retry without buffer_ids")
	}
}
