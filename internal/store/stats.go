package store

import (
	"database/sql"
	"fmt"
)

// StatsBucket is one aggregated row. The dimensional fields
// (signal_type, source_server, target_server) form the aggregation
// key within a period; nil means "not part of this bucket's key".
type StatsBucket struct {
	ID            int64
	PeriodStart   int64 // epoch ms, hour-aligned
	SignalType    *uint16
	SourceServer  *string
	TargetServer  *string
	TotalRelayed  int64
	SuccessCount  int64
	FailureCount  int64
	AvgLatencyMs  *float64
	MaxLatencyMs  *int64
	BufferedCount int64
}

// ReplaceStatsForPeriod deletes any buckets already written for the
// period and inserts the new set in one transaction, so a re-run of
// the rollup is idempotent.
func (s *Store) ReplaceStatsForPeriod(periodStart int64, buckets []*StatsBucket) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("replace stats: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM relay_stats WHERE period_start = ?", periodStart); err != nil {
		tx.Rollback()
		return fmt.Errorf("clear stats period: %w", err)
	}
	for _, b := range buckets {
		if _, err := tx.Exec(`INSERT INTO relay_stats
			(period_start, signal_type, source_server, target_server, total_relayed, success_count, failure_count, avg_latency_ms, max_latency_ms, buffered_count)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			b.PeriodStart, b.SignalType, b.SourceServer, b.TargetServer,
			b.TotalRelayed, b.SuccessCount, b.FailureCount, b.AvgLatencyMs, b.MaxLatencyMs, b.BufferedCount); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert stats bucket: %w", err)
		}
	}
	return tx.Commit()
}

// ListStatsBetween returns buckets with period_start in [since, until).
// until <= 0 means no upper bound.
func (s *Store) ListStatsBetween(sinceMs, untilMs int64) ([]*StatsBucket, error) {
	q := statsColumns + " FROM relay_stats WHERE period_start >= ?"
	args := []any{sinceMs}
	if untilMs > 0 {
		q += " AND period_start < ?"
		args = append(args, untilMs)
	}
	q += " ORDER BY period_start"
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("list stats: %w", err)
	}
	defer rows.Close()
	return scanStats(rows)
}

func (s *Store) DeleteStatsBefore(cutoffMs int64) (int64, error) {
	res, err := s.db.Exec("DELETE FROM relay_stats WHERE period_start < ?", cutoffMs)
	if err != nil {
		return 0, fmt.Errorf("delete stats: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

const statsColumns = `SELECT id, period_start, signal_type, source_server, target_server, total_relayed, success_count, failure_count, avg_latency_ms, max_latency_ms, buffered_count`

func scanStats(rows *sql.Rows) ([]*StatsBucket, error) {
	var out []*StatsBucket
	for rows.Next() {
		b := &StatsBucket{}
		if err := rows.Scan(&b.ID, &b.PeriodStart, &b.SignalType, &b.SourceServer, &b.TargetServer,
			&b.TotalRelayed, &b.SuccessCount, &b.FailureCount, &b.AvgLatencyMs, &b.MaxLatencyMs, &b.BufferedCount); err != nil {
			return nil, fmt.Errorf("scan stats bucket: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
