package engine

import (
	"fmt"
	"reflect"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/synapse-mesh/synapse-relay/internal/bus"
	"github.com/synapse-mesh/synapse-relay/internal/protocol"
	"github.com/synapse-mesh/synapse-relay/internal/rules"
	"github.com/synapse-mesh/synapse-relay/internal/store"
)

// fakeSender records datagrams and fails for configured addresses.
type fakeSender struct {
	mu    sync.Mutex
	sent  map[string][][]byte
	fail  map[string]bool
	delay time.Duration
}

func newFakeSender() *fakeSender {
	return &fakeSender{sent: make(map[string][][]byte), fail: make(map[string]bool)}
}

func (f *fakeSender) Send(addr string, data []byte) error {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[addr] {
		return fmt.Errorf("connection refused")
	}
	f.sent[addr] = append(f.sent[addr], data)
	return nil
}

func (f *fakeSender) sentTo(addr string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[addr]
}

type fakeBufferer struct {
	mu      sync.Mutex
	entries []string // target names
}

func (f *fakeBufferer) Enqueue(signalType uint16, source, target string, payload map[string]any, priority string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, target)
	return fmt.Sprintf("buf-%d", len(f.entries)), nil
}

func testEngine(t *testing.T) (*Engine, *fakeSender, *fakeBufferer, *store.Store) {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	sender := newFakeSender()
	buf := &fakeBufferer{}
	peers := NewPeerMap(map[string]int{"node-a": 4001, "node-b": 4002, "node-c": 4003})
	e := New(s, rules.New(s), bus.New(16), peers, sender)
	e.Buffer = buf
	return e, sender, buf, s
}

func TestRelayAllReach(t *testing.T) {
	e, sender, _, s := testEngine(t)

	res, err := e.RelaySignal(Request{
		SignalType:      0x50,
		TargetServers:   []string{"node-a", "node-b"},
		Payload:         map[string]any{"x": float64(1)},
		BufferIfOffline: true,
	})
	if err != nil {
		t.Fatalf("relay: %v", err)
	}
	if !res.Relayed {
		t.Error("relayed should be true")
	}
	if len(res.TargetsReached) != 2 || len(res.TargetsFailed) != 0 || len(res.TargetsBuffered) != 0 {
		t.Errorf("classification = %+v", res)
	}
	if res.LatencyMs < 0 {
		t.Errorf("latency = %d", res.LatencyMs)
	}

	// datagram actually went out in the binary format
	frames := sender.sentTo("127.0.0.1:4001")
	if len(frames) != 1 {
		t.Fatalf("node-a got %d frames, want 1", len(frames))
	}
	m := protocol.Decode(frames[0])
	if m == nil || m.SignalType != 0x50 {
		t.Fatalf("decoded frame = %+v", m)
	}
	if m.Sender() != SenderName {
		t.Errorf("sender = %q, want %q", m.Sender(), SenderName)
	}

	rec, err := s.GetRelay(res.RelayID)
	if err != nil || rec == nil {
		t.Fatalf("relay record not persisted: %v", err)
	}
	if !rec.Success {
		t.Error("record success should be true")
	}
}

func TestRelayPartialFailureBuffers(t *testing.T) {
	e, sender, buf, s := testEngine(t)
	sender.fail["127.0.0.1:4002"] = true

	res, err := e.RelaySignal(Request{
		SignalType:      0x50,
		TargetServers:   []string{"node-a", "node-b"},
		Payload:         map[string]any{"x": float64(1)},
		BufferIfOffline: true,
	})
	if err != nil {
		t.Fatalf("relay: %v", err)
	}
	if !res.Relayed {
		t.Error("one reached target means relayed=true")
	}
	if len(res.TargetsReached) != 1 || res.TargetsReached[0] != "node-a" {
		t.Errorf("reached = %v", res.TargetsReached)
	}
	if len(res.TargetsFailed) != 1 || res.TargetsFailed[0] != "node-b" {
		t.Errorf("failed = %v", res.TargetsFailed)
	}
	if len(res.TargetsBuffered) != 1 || res.TargetsBuffered[0] != "node-b" {
		t.Errorf("buffered = %v", res.TargetsBuffered)
	}
	if len(buf.entries) != 1 {
		t.Errorf("bufferer entries = %v", buf.entries)
	}

	rec, _ := s.GetRelay(res.RelayID)
	if rec.ErrorMessage == nil {
		t.Error("record should carry the failure message")
	}
	// invariant: reached and failed partition a subset of targets
	seen := map[string]int{}
	for _, x := range rec.TargetsReached {
		seen[x]++
	}
	for _, x := range rec.TargetsFailed {
		seen[x]++
	}
	for name, n := range seen {
		if n != 1 {
			t.Errorf("target %s classified %d times", name, n)
		}
	}
}

func TestRelayNoBufferWhenDisabled(t *testing.T) {
	e, sender, buf, _ := testEngine(t)
	sender.fail["127.0.0.1:4001"] = true

	res, err := e.RelaySignal(Request{
		SignalType:    0x50,
		TargetServers: []string{"node-a"},
		Payload:       map[string]any{},
	})
	if err != nil {
		t.Fatalf("relay: %v", err)
	}
	if res.Relayed {
		t.Error("nothing reached, relayed should be false")
	}
	if len(res.TargetsBuffered) != 0 || len(buf.entries) != 0 {
		t.Error("buffering should be off by default")
	}
}

func TestRelayUnknownTargetStillBuffered(t *testing.T) {
	e, _, buf, _ := testEngine(t)

	res, err := e.RelaySignal(Request{
		SignalType:      0x50,
		TargetServers:   []string{"ghost"},
		Payload:         map[string]any{},
		BufferIfOffline: true,
	})
	if err != nil {
		t.Fatalf("relay: %v", err)
	}
	if len(res.TargetsFailed) != 1 {
		t.Errorf("unknown target should be classified failed: %+v", res)
	}
	// ghost may get a port mapping later, so it still buffers
	if len(buf.entries) != 1 || buf.entries[0] != "ghost" {
		t.Errorf("buffered = %v", buf.entries)
	}
}

func TestRelayAppliesRuleTransform(t *testing.T) {
	e, sender, _, s := testEngine(t)
	id, _ := s.AddRule(&store.RelayRule{
		SignalPattern: 0x50,
		RelayTo:       []string{"node-c"},
		Transform: map[string]any{
			"ts":  float64(123),
			"old": nil,
			"new": map[string]any{"rename": "old"},
		},
		Enabled: true,
	})

	_, err := e.RelaySignal(Request{
		SignalType:    0x50,
		TargetServers: []string{"node-c"},
		Payload:       map[string]any{"old": "v", "keep": true},
	})
	if err != nil {
		t.Fatalf("relay: %v", err)
	}

	frames := sender.sentTo("127.0.0.1:4003")
	if len(frames) != 1 {
		t.Fatalf("node-c got %d frames", len(frames))
	}
	m := protocol.Decode(frames[0])
	if m.Payload["keep"] != true || m.Payload["new"] != "v" || m.Payload["ts"] != float64(123) {
		t.Errorf("transformed payload = %v", m.Payload)
	}
	if _, ok := m.Payload["old"]; ok {
		t.Error("old key should be removed")
	}

	rule, _ := s.GetRule(id)
	if rule.MatchCount != 1 {
		t.Errorf("match_count = %d, want 1", rule.MatchCount)
	}
}

func TestRelayRuleFansOut(t *testing.T) {
	e, sender, _, s := testEngine(t)
	s.AddRule(&store.RelayRule{
		SignalPattern: 0x50,
		RelayTo:       []string{"node-b", "node-c"},
		Enabled:       true,
	})

	res, err := e.RelaySignal(Request{
		SignalType:    0x50,
		TargetServers: []string{"node-a", "node-b"},
		Payload:       map[string]any{"x": float64(1)},
	})
	if err != nil {
		t.Fatalf("relay: %v", err)
	}

	got := append([]string{}, res.TargetsReached...)
	sort.Strings(got)
	if !reflect.DeepEqual(got, []string{"node-a", "node-b", "node-c"}) {
		t.Fatalf("reached = %v, want caller targets plus rule targets", got)
	}

	// node-c came from the rule alone
	if frames := sender.sentTo("127.0.0.1:4003"); len(frames) != 1 {
		t.Errorf("node-c got %d frames, want 1", len(frames))
	}
	// node-b named by both caller and rule gets exactly one frame
	if frames := sender.sentTo("127.0.0.1:4002"); len(frames) != 1 {
		t.Errorf("node-b got %d frames, want 1", len(frames))
	}

	rec, _ := s.GetRelay(res.RelayID)
	sort.Strings(rec.TargetServers)
	if !reflect.DeepEqual(rec.TargetServers, []string{"node-a", "node-b", "node-c"}) {
		t.Errorf("record targets = %v", rec.TargetServers)
	}
}

func TestRelaySendsConcurrently(t *testing.T) {
	e, sender, _, _ := testEngine(t)
	sender.delay = 50 * time.Millisecond

	start := time.Now()
	_, err := e.RelaySignal(Request{
		SignalType:    0x50,
		TargetServers: []string{"node-a", "node-b", "node-c"},
		Payload:       map[string]any{},
	})
	if err != nil {
		t.Fatalf("relay: %v", err)
	}
	// bounded by the slowest target, not the sum
	if elapsed := time.Since(start); elapsed > 140*time.Millisecond {
		t.Errorf("sends were serialized: took %v", elapsed)
	}
}

func TestMulticastExcludes(t *testing.T) {
	e, sender, _, _ := testEngine(t)

	res, err := e.Multicast(0x04, "node-x", map[string]any{}, "normal", []string{"node-b"})
	if err != nil {
		t.Fatalf("multicast: %v", err)
	}
	got := append([]string{}, res.TargetsReached...)
	sort.Strings(got)
	if len(got) != 2 || got[0] != "node-a" || got[1] != "node-c" {
		t.Errorf("reached = %v, want [node-a node-c]", got)
	}
	if frames := sender.sentTo("127.0.0.1:4002"); len(frames) != 0 {
		t.Error("excluded peer should receive nothing")
	}
}

func TestMulticastAllExcludedErrors(t *testing.T) {
	e, _, _, _ := testEngine(t)
	if _, err := e.Multicast(0x04, "x", nil, "", []string{"node-a", "node-b", "node-c"}); err == nil {
		t.Error("expected error when every peer is excluded")
	}
}

func TestRelayEvents(t *testing.T) {
	e, sender, _, _ := testEngine(t)
	sender.fail["127.0.0.1:4002"] = true

	ch, cancel := e.Bus.Subscribe("relay:*")
	defer cancel()

	e.RelaySignal(Request{
		SignalType:      0x50,
		TargetServers:   []string{"node-a", "node-b"},
		Payload:         map[string]any{},
		BufferIfOffline: true,
	})

	types := map[string]bool{}
	for i := 0; i < 3; i++ {
		select {
		case ev := <-ch:
			types[ev.Type] = true
		case <-time.After(time.Second):
			t.Fatalf("only got %v", types)
		}
	}
	for _, want := range []string{"relay:sent", "relay:failed", "relay:buffered"} {
		if !types[want] {
			t.Errorf("missing event %s (got %v)", want, types)
		}
	}
}
