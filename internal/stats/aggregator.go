// Package stats rolls raw relay history into hourly buckets and
// answers the grouped stats query.
package stats

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/synapse-mesh/synapse-relay/internal/bus"
	"github.com/synapse-mesh/synapse-relay/internal/logger"
	"github.com/synapse-mesh/synapse-relay/internal/store"
)

const (
	hourMs = int64(time.Hour / time.Millisecond)

	// rollupRowCap bounds a single rollup pass; anything past the cap
	// is picked up by the next pass over the same period.
	rollupRowCap = 10_000
)

// Aggregator reads relay history and writes hourly rollup buckets.
type Aggregator struct {
	store *store.Store
	bus   *bus.Bus
	now   func() time.Time

	mu sync.Mutex // one rollup in flight at a time
}

func New(s *store.Store, b *bus.Bus) *Aggregator {
	return &Aggregator{store: s, bus: b, now: time.Now}
}

type bucketKey struct {
	signalType uint16
	source     string
	target     string
}

// Rollup aggregates the previous hour's relays into per-(signal,
// source, target) buckets, replacing any buckets already written for
// that period. Returns the number of buckets written.
func (a *Aggregator) Rollup() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	nowMs := a.now().UnixMilli()
	periodStart := (nowMs - hourMs) / hourMs * hourMs

	records, err := a.store.ListRelaysSince(periodStart, rollupRowCap)
	if err != nil {
		return 0, fmt.Errorf("rollup read: %w", err)
	}

	type acc struct {
		total, success, failure, buffered int64
		latencySum                        float64
		latencyMax                        int64
		samples                           int64
	}
	byKey := make(map[bucketKey]*acc)

	for _, rec := range records {
		reached := toSet(rec.TargetsReached)
		failed := toSet(rec.TargetsFailed)
		for _, target := range rec.TargetServers {
			key := bucketKey{rec.SignalType, rec.SourceServer, target}
			b := byKey[key]
			if b == nil {
				b = &acc{}
				byKey[key] = b
			}
			b.total++
			if reached[target] {
				b.success++
			}
			if failed[target] {
				b.failure++
			}
			b.latencySum += float64(rec.LatencyMs)
			if rec.LatencyMs > b.latencyMax {
				b.latencyMax = rec.LatencyMs
			}
			b.samples++
		}
	}

	bufCounts, err := a.store.CountBufferedSince(periodStart)
	if err != nil {
		return 0, fmt.Errorf("rollup buffered read: %w", err)
	}
	for _, c := range bufCounts {
		key := bucketKey{c.SignalType, c.SourceServer, c.TargetServer}
		b := byKey[key]
		if b == nil {
			b = &acc{}
			byKey[key] = b
		}
		b.buffered = c.Count
	}

	keys := make([]bucketKey, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		x, y := keys[i], keys[j]
		if x.signalType != y.signalType {
			return x.signalType < y.signalType
		}
		if x.source != y.source {
			return x.source < y.source
		}
		return x.target < y.target
	})

	buckets := make([]*store.StatsBucket, 0, len(keys))
	for _, k := range keys {
		acc := byKey[k]
		sig, src, tgt := k.signalType, k.source, k.target
		b := &store.StatsBucket{
			PeriodStart:   periodStart,
			SignalType:    &sig,
			SourceServer:  &src,
			TargetServer:  &tgt,
			TotalRelayed:  acc.total,
			SuccessCount:  acc.success,
			FailureCount:  acc.failure,
			BufferedCount: acc.buffered,
		}
		if acc.samples > 0 {
			avg := acc.latencySum / float64(acc.samples)
			max := acc.latencyMax
			b.AvgLatencyMs = &avg
			b.MaxLatencyMs = &max
		}
		buckets = append(buckets, b)
	}

	if err := a.store.ReplaceStatsForPeriod(periodStart, buckets); err != nil {
		return 0, fmt.Errorf("rollup write: %w", err)
	}
	if a.bus != nil {
		a.bus.Publish(bus.TopicStatsUpdate, map[string]any{
			"period_start": periodStart,
			"buckets":      len(buckets),
		})
	}
	logger.Debug("stats rollup complete", "period_start", periodStart, "buckets", len(buckets), "records", len(records))
	return len(buckets), nil
}

func toSet(names []string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}

// GroupStat is one entry of the grouped breakdown.
type GroupStat struct {
	Count       int64    `json:"count"`
	SuccessRate float64  `json:"success_rate"`
	AvgLatency  *float64 `json:"avg_latency"`
}

// Summary is the stats query result.
type Summary struct {
	TotalRelayed int64                `json:"total_relayed"`
	SuccessRate  float64              `json:"success_rate"`
	AvgLatencyMs *float64             `json:"avg_latency_ms"`
	ByGroup      map[string]GroupStat `json:"by_group,omitempty"`
	BufferStats  map[string]int       `json:"buffer_stats"`
}

// Query summarizes buckets with period_start in [since, until).
// until <= 0 means no upper bound. groupBy is one of signal_type,
// source, target, hour, day, or empty for no breakdown. Latency is a
// sample-weighted mean of bucket means.
func (a *Aggregator) Query(sinceMs, untilMs int64, groupBy string) (*Summary, error) {
	buckets, err := a.store.ListStatsBetween(sinceMs, untilMs)
	if err != nil {
		return nil, fmt.Errorf("stats query: %w", err)
	}

	sum := &Summary{}
	var latencyWeighted float64
	var latencyWeight int64

	type groupAcc struct {
		total, success  int64
		latencyWeighted float64
		latencyWeight   int64
	}
	var groups map[string]*groupAcc
	if groupBy != "" {
		groups = make(map[string]*groupAcc)
	}

	var totalSuccess int64
	for _, b := range buckets {
		sum.TotalRelayed += b.TotalRelayed
		totalSuccess += b.SuccessCount
		if b.AvgLatencyMs != nil {
			latencyWeighted += *b.AvgLatencyMs * float64(b.TotalRelayed)
			latencyWeight += b.TotalRelayed
		}
		if groups == nil {
			continue
		}
		key, err := groupKey(groupBy, b)
		if err != nil {
			return nil, err
		}
		g := groups[key]
		if g == nil {
			g = &groupAcc{}
			groups[key] = g
		}
		g.total += b.TotalRelayed
		g.success += b.SuccessCount
		if b.AvgLatencyMs != nil {
			g.latencyWeighted += *b.AvgLatencyMs * float64(b.TotalRelayed)
			g.latencyWeight += b.TotalRelayed
		}
	}

	if sum.TotalRelayed > 0 {
		sum.SuccessRate = float64(totalSuccess) / float64(sum.TotalRelayed) * 100
	}
	if latencyWeight > 0 {
		avg := latencyWeighted / float64(latencyWeight)
		sum.AvgLatencyMs = &avg
	}
	if groups != nil {
		sum.ByGroup = make(map[string]GroupStat, len(groups))
		for key, g := range groups {
			gs := GroupStat{Count: g.total}
			if g.total > 0 {
				gs.SuccessRate = float64(g.success) / float64(g.total) * 100
			}
			if g.latencyWeight > 0 {
				avg := g.latencyWeighted / float64(g.latencyWeight)
				gs.AvgLatency = &avg
			}
			sum.ByGroup[key] = gs
		}
	}

	counts, err := a.store.CountByStatus()
	if err != nil {
		return nil, fmt.Errorf("stats query: %w", err)
	}
	sum.BufferStats = counts
	return sum, nil
}

// Run drives Rollup on a fixed tick until ctx is done.
func (a *Aggregator) Run(ctx context.Context, tick time.Duration) error {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := a.Rollup(); err != nil {
				logger.Error("stats rollup failed", "error", err)
			}
		}
	}
}

func groupKey(groupBy string, b *store.StatsBucket) (string, error) {
	switch groupBy {
	case "signal_type":
		if b.SignalType == nil {
			return "signal_unknown", nil
		}
		return fmt.Sprintf("signal_%d", *b.SignalType), nil
	case "source":
		if b.SourceServer == nil {
			return "unknown", nil
		}
		return *b.SourceServer, nil
	case "target":
		if b.TargetServer == nil {
			return "unknown", nil
		}
		return *b.TargetServer, nil
	case "hour":
		return time.UnixMilli(b.PeriodStart).UTC().Format("2006-01-02T15"), nil
	case "day":
		return time.UnixMilli(b.PeriodStart).UTC().Format("2006-01-02"), nil
	default:
		return "", fmt.Errorf("unknown group_by %q", groupBy)
	}
}
