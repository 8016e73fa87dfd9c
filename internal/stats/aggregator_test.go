package stats

import (
	"math"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/synapse-mesh/synapse-relay/internal/bus"
	"github.com/synapse-mesh/synapse-relay/internal/store"
)

func testAggregator(t *testing.T) (*Aggregator, *store.Store, *bus.Bus) {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	b := bus.New(16)
	a := New(s, b)
	return a, s, b
}

func insertRelay(t *testing.T, s *store.Store, atMs int64, sigType uint16, source string, targets, reached, failed []string, latency int64) {
	t.Helper()
	err := s.InsertRelay(&store.RelayRecord{
		ID:             uuid.NewString(),
		SignalType:     sigType,
		SourceServer:   source,
		TargetServers:  targets,
		RelayedAt:      atMs,
		Success:        len(reached) > 0,
		TargetsReached: reached,
		TargetsFailed:  failed,
		LatencyMs:      latency,
	})
	if err != nil {
		t.Fatalf("insert relay: %v", err)
	}
}

func TestRollupCountsBufferedRows(t *testing.T) {
	a, s, _ := testAggregator(t)
	nowMs := int64(1_700_000_000_000)
	a.now = func() time.Time { return time.UnixMilli(nowMs) }
	periodStart := (nowMs - hourMs) / hourMs * hourMs
	at := periodStart + 60_000

	insertRelay(t, s, at, 0x50, "X", []string{"A"}, nil, []string{"A"}, 10)
	err := s.InsertBuffered(&store.BufferedSignal{
		ID:           "buf-1",
		SignalType:   0x50,
		SourceServer: "X",
		TargetServer: "A",
		BufferedAt:   at,
	})
	if err != nil {
		t.Fatalf("insert buffered: %v", err)
	}

	if _, err := a.Rollup(); err != nil {
		t.Fatalf("rollup: %v", err)
	}
	buckets, _ := s.ListStatsBetween(periodStart, 0)
	if len(buckets) != 1 {
		t.Fatalf("buckets = %d, want 1", len(buckets))
	}
	if buckets[0].BufferedCount != 1 {
		t.Errorf("buffered_count = %d, want 1", buckets[0].BufferedCount)
	}
	if buckets[0].FailureCount != 1 {
		t.Errorf("failure_count = %d, want 1", buckets[0].FailureCount)
	}
}

func TestRollupBucketsPerTargetKey(t *testing.T) {
	a, s, _ := testAggregator(t)
	nowMs := int64(1_700_000_000_000)
	a.now = func() time.Time { return time.UnixMilli(nowMs) }
	periodStart := (nowMs - hourMs) / hourMs * hourMs
	at := periodStart + 60_000

	// two relays from X, one multi-target: expansion yields 3 keys
	insertRelay(t, s, at, 0x50, "X", []string{"A", "B"}, []string{"A"}, []string{"B"}, 10)
	insertRelay(t, s, at+1000, 0x50, "X", []string{"A"}, []string{"A"}, nil, 30)
	insertRelay(t, s, at+2000, 0x04, "Y", []string{"C"}, []string{"C"}, nil, 5)

	n, err := a.Rollup()
	if err != nil {
		t.Fatalf("rollup: %v", err)
	}
	if n != 3 {
		t.Fatalf("buckets = %d, want 3", n)
	}

	buckets, _ := s.ListStatsBetween(periodStart, 0)
	byTarget := map[string]*store.StatsBucket{}
	for _, b := range buckets {
		if b.PeriodStart != periodStart {
			t.Errorf("bucket period = %d, want %d", b.PeriodStart, periodStart)
		}
		byTarget[*b.TargetServer] = b
	}

	xa := byTarget["A"]
	if xa.TotalRelayed != 2 || xa.SuccessCount != 2 || xa.FailureCount != 0 {
		t.Errorf("bucket A: %+v", xa)
	}
	if xa.AvgLatencyMs == nil || math.Abs(*xa.AvgLatencyMs-20) > 1e-9 {
		t.Errorf("bucket A avg latency = %v, want 20", xa.AvgLatencyMs)
	}
	if xa.MaxLatencyMs == nil || *xa.MaxLatencyMs != 30 {
		t.Errorf("bucket A max latency = %v", xa.MaxLatencyMs)
	}

	xb := byTarget["B"]
	if xb.TotalRelayed != 1 || xb.SuccessCount != 0 || xb.FailureCount != 1 {
		t.Errorf("bucket B: %+v", xb)
	}
}

func TestRollupIsIdempotent(t *testing.T) {
	a, s, _ := testAggregator(t)
	nowMs := int64(1_700_000_000_000)
	a.now = func() time.Time { return time.UnixMilli(nowMs) }
	periodStart := (nowMs - hourMs) / hourMs * hourMs

	insertRelay(t, s, periodStart+1000, 0x50, "X", []string{"A"}, []string{"A"}, nil, 10)

	if _, err := a.Rollup(); err != nil {
		t.Fatalf("first rollup: %v", err)
	}
	if _, err := a.Rollup(); err != nil {
		t.Fatalf("second rollup: %v", err)
	}

	buckets, _ := s.ListStatsBetween(0, 0)
	if len(buckets) != 1 {
		t.Fatalf("re-running the rollup duplicated buckets: %d", len(buckets))
	}
	if buckets[0].TotalRelayed != 1 {
		t.Errorf("total = %d, want 1", buckets[0].TotalRelayed)
	}
}

func TestRollupPublishesUpdate(t *testing.T) {
	a, s, b := testAggregator(t)
	nowMs := int64(1_700_000_000_000)
	a.now = func() time.Time { return time.UnixMilli(nowMs) }
	insertRelay(t, s, nowMs-hourMs, 0x50, "X", []string{"A"}, []string{"A"}, nil, 1)

	ch, cancel := b.Subscribe(bus.TopicStatsUpdate)
	defer cancel()

	if _, err := a.Rollup(); err != nil {
		t.Fatalf("rollup: %v", err)
	}
	select {
	case ev := <-ch:
		if ev.Type != bus.TopicStatsUpdate {
			t.Errorf("event type = %q", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("no stats:update event")
	}
}

func TestQueryGroupBySource(t *testing.T) {
	a, s, _ := testAggregator(t)
	nowMs := int64(1_700_000_000_000)
	a.now = func() time.Time { return time.UnixMilli(nowMs) }
	periodStart := (nowMs - hourMs) / hourMs * hourMs

	// three relays of 0x50 from X to A: two reach, one fails
	insertRelay(t, s, periodStart+1000, 0x50, "X", []string{"A"}, []string{"A"}, nil, 10)
	insertRelay(t, s, periodStart+2000, 0x50, "X", []string{"A"}, []string{"A"}, nil, 20)
	insertRelay(t, s, periodStart+3000, 0x50, "X", []string{"A"}, nil, []string{"A"}, 30)

	if _, err := a.Rollup(); err != nil {
		t.Fatalf("rollup: %v", err)
	}

	sum, err := a.Query(0, 0, "source")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if sum.TotalRelayed != 3 {
		t.Errorf("total = %d, want 3", sum.TotalRelayed)
	}
	g, ok := sum.ByGroup["X"]
	if !ok {
		t.Fatalf("missing group X: %v", sum.ByGroup)
	}
	if g.Count != 3 {
		t.Errorf("group count = %d, want 3", g.Count)
	}
	if math.Abs(g.SuccessRate-100.0*2/3) > 0.01 {
		t.Errorf("group success_rate = %v, want ~66.67", g.SuccessRate)
	}
	if g.AvgLatency == nil || *g.AvgLatency < 0 {
		t.Errorf("group avg_latency = %v", g.AvgLatency)
	}
	if sum.BufferStats == nil {
		t.Error("buffer_stats missing")
	} else if _, ok := sum.BufferStats[store.BufferPending]; !ok {
		t.Error("buffer_stats should carry all four states")
	}
}

func TestQueryWeightedLatency(t *testing.T) {
	a, s, _ := testAggregator(t)
	nowMs := int64(1_700_000_000_000)
	periodStart := (nowMs - hourMs) / hourMs * hourMs

	ten, hundred := 10.0, 100.0
	sig := uint16(0x50)
	src, t1, t2 := "X", "A", "B"
	max1, max2 := int64(10), int64(100)
	err := s.ReplaceStatsForPeriod(periodStart, []*store.StatsBucket{
		{PeriodStart: periodStart, SignalType: &sig, SourceServer: &src, TargetServer: &t1,
			TotalRelayed: 3, SuccessCount: 3, AvgLatencyMs: &ten, MaxLatencyMs: &max1},
		{PeriodStart: periodStart, SignalType: &sig, SourceServer: &src, TargetServer: &t2,
			TotalRelayed: 1, SuccessCount: 1, AvgLatencyMs: &hundred, MaxLatencyMs: &max2},
	})
	if err != nil {
		t.Fatalf("seed buckets: %v", err)
	}

	sum, err := a.Query(0, 0, "")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	// (10*3 + 100*1) / 4 = 32.5
	if sum.AvgLatencyMs == nil || math.Abs(*sum.AvgLatencyMs-32.5) > 1e-9 {
		t.Errorf("avg latency = %v, want 32.5", sum.AvgLatencyMs)
	}
	if sum.SuccessRate != 100 {
		t.Errorf("success_rate = %v", sum.SuccessRate)
	}
}

func TestQueryGroupByHourAndDay(t *testing.T) {
	a, s, _ := testAggregator(t)
	// 2023-11-14T22:00:00Z
	periodStart := int64(1_700_000_000_000) / hourMs * hourMs

	sig := uint16(0x50)
	src, tgt := "X", "A"
	if err := s.ReplaceStatsForPeriod(periodStart, []*store.StatsBucket{
		{PeriodStart: periodStart, SignalType: &sig, SourceServer: &src, TargetServer: &tgt,
			TotalRelayed: 1, SuccessCount: 1},
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	wantHour := time.UnixMilli(periodStart).UTC().Format("2006-01-02T15")
	sum, err := a.Query(0, 0, "hour")
	if err != nil {
		t.Fatalf("query hour: %v", err)
	}
	if _, ok := sum.ByGroup[wantHour]; !ok {
		t.Errorf("hour groups = %v, want key %q", sum.ByGroup, wantHour)
	}

	wantDay := time.UnixMilli(periodStart).UTC().Format("2006-01-02")
	sum, err = a.Query(0, 0, "day")
	if err != nil {
		t.Fatalf("query day: %v", err)
	}
	if _, ok := sum.ByGroup[wantDay]; !ok {
		t.Errorf("day groups = %v, want key %q", sum.ByGroup, wantDay)
	}
}

func TestQueryEmptyWindow(t *testing.T) {
	a, _, _ := testAggregator(t)
	sum, err := a.Query(0, 0, "")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if sum.TotalRelayed != 0 || sum.SuccessRate != 0 || sum.AvgLatencyMs != nil {
		t.Errorf("empty summary = %+v", sum)
	}
}

func TestQueryRejectsUnknownGroup(t *testing.T) {
	a, s, _ := testAggregator(t)
	sig := uint16(1)
	src, tgt := "X", "A"
	s.ReplaceStatsForPeriod(0, []*store.StatsBucket{
		{SignalType: &sig, SourceServer: &src, TargetServer: &tgt, TotalRelayed: 1},
	})
	if _, err := a.Query(0, 0, "priority"); err == nil {
		t.Error("expected error for unknown group_by")
	}
}
