package store

import (
	"database/sql"
	"fmt"
	"strings"
)

// BufferedSignal statuses. pending is the only non-terminal state; a
// row that reaches delivered, expired, or failed never moves again.
const (
	BufferPending   = "pending"
	BufferDelivered = "delivered"
	BufferExpired   = "expired"
	BufferFailed    = "failed"
)

// BufferedSignal is one (signal, target) pair awaiting delivery.
type BufferedSignal struct {
	ID           string
	SignalType   uint16
	SourceServer string
	TargetServer string
	Payload      map[string]any
	Priority     string
	BufferedAt   int64 // epoch ms
	RetryCount   int
	LastRetryAt  *int64
	MaxRetries   int
	ExpiresAt    *int64
	Status       string
}

func (s *Store) InsertBuffered(b *BufferedSignal) error {
	if b.Priority == "" {
		b.Priority = "normal"
	}
	if b.Status == "" {
		b.Status = BufferPending
	}
	if b.MaxRetries == 0 {
		b.MaxRetries = 3
	}
	_, err := s.db.Exec(`INSERT INTO signal_buffer
		(id, signal_type, source_server, target_server, payload, priority, buffered_at, retry_count, last_retry_at, max_retries, expires_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.SignalType, b.SourceServer, b.TargetServer, marshalMap(b.Payload), b.Priority,
		b.BufferedAt, b.RetryCount, b.LastRetryAt, b.MaxRetries, b.ExpiresAt, b.Status)
	if err != nil {
		return fmt.Errorf("insert buffered: %w", err)
	}
	return nil
}

func (s *Store) GetBuffered(id string) (*BufferedSignal, error) {
	rows, err := s.db.Query(bufferColumns+" FROM signal_buffer WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("get buffered: %w", err)
	}
	defer rows.Close()
	list, err := scanBuffered(rows)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

// BufferFilter narrows ListBuffered. Zero values mean "no filter".
type BufferFilter struct {
	Status string
	Target string
	Limit  int
}

// ListBuffered returns rows ordered by priority descending then age
// ascending, the same order the retry scheduler uses.
func (s *Store) ListBuffered(f BufferFilter) ([]*BufferedSignal, error) {
	q := bufferColumns + " FROM signal_buffer"
	var conds []string
	var args []any
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}
	if f.Target != "" {
		conds = append(conds, "target_server = ?")
		args = append(args, f.Target)
	}
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY " + priorityRank + " DESC, buffered_at ASC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("list buffered: %w", err)
	}
	defer rows.Close()
	return scanBuffered(rows)
}

// ListRetryable selects pending rows still inside their retry budget
// and not yet expired. The backoff interval check happens in the
// buffer manager; ordering matches the retry schedule.
func (s *Store) ListRetryable(nowMs int64) ([]*BufferedSignal, error) {
	rows, err := s.db.Query(bufferColumns+` FROM signal_buffer
		WHERE status = 'pending' AND retry_count < max_retries
		AND (expires_at IS NULL OR expires_at >= ?)
		ORDER BY `+priorityRank+` DESC, buffered_at ASC`, nowMs)
	if err != nil {
		return nil, fmt.Errorf("list retryable: %w", err)
	}
	defer rows.Close()
	return scanBuffered(rows)
}

// ExpirePending flips every overdue pending row to expired in one
// statement and returns the ids it touched.
func (s *Store) ExpirePending(nowMs int64) ([]string, error) {
	rows, err := s.db.Query(`SELECT id FROM signal_buffer
		WHERE status = 'pending' AND expires_at IS NOT NULL AND expires_at < ?`, nowMs)
	if err != nil {
		return nil, fmt.Errorf("select expirable: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan expirable: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	_, err = s.db.Exec(`UPDATE signal_buffer SET status = 'expired'
		WHERE status = 'pending' AND expires_at IS NOT NULL AND expires_at < ?`, nowMs)
	if err != nil {
		return nil, fmt.Errorf("expire pending: %w", err)
	}
	return ids, nil
}

// MarkDelivered transitions a pending row to delivered. Returns false
// if the row was already terminal (or gone), so a concurrent expiry
// sweep can never be undone.
func (s *Store) MarkDelivered(id string) (bool, error) {
	res, err := s.db.Exec("UPDATE signal_buffer SET status = 'delivered' WHERE id = ? AND status = 'pending'", id)
	if err != nil {
		return false, fmt.Errorf("mark delivered: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkFailed forces a pending row terminal, used by flush.
func (s *Store) MarkFailed(id string) (bool, error) {
	res, err := s.db.Exec("UPDATE signal_buffer SET status = 'failed' WHERE id = ? AND status = 'pending'", id)
	if err != nil {
		return false, fmt.Errorf("mark failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RecordRetryFailure increments retry_count, stamps last_retry_at, and
// transitions to failed when the budget is exhausted, all in one
// statement so a row can never exceed max_retries. The resulting
// status is returned ("" if the row was not pending).
func (s *Store) RecordRetryFailure(id string, nowMs int64) (string, error) {
	res, err := s.db.Exec(`UPDATE signal_buffer SET
		retry_count = retry_count + 1,
		last_retry_at = ?,
		status = CASE WHEN retry_count + 1 >= max_retries THEN 'failed' ELSE 'pending' END
		WHERE id = ? AND status = 'pending' AND retry_count < max_retries`, nowMs, id)
	if err != nil {
		return "", fmt.Errorf("record retry failure: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", nil
	}
	var status string
	if err := s.db.QueryRow("SELECT status FROM signal_buffer WHERE id = ?", id).Scan(&status); err != nil {
		return "", fmt.Errorf("read status after retry: %w", err)
	}
	return status, nil
}

// BufferedKeyCount is a per-(signal, source, target) count of buffer
// rows created in a window, consumed by the stats rollup.
type BufferedKeyCount struct {
	SignalType   uint16
	SourceServer string
	TargetServer string
	Count        int64
}

// CountBufferedSince groups rows buffered at or after sinceMs by
// aggregation key, regardless of their current status.
func (s *Store) CountBufferedSince(sinceMs int64) ([]BufferedKeyCount, error) {
	rows, err := s.db.Query(`SELECT signal_type, source_server, target_server, COUNT(*)
		FROM signal_buffer WHERE buffered_at >= ?
		GROUP BY signal_type, source_server, target_server`, sinceMs)
	if err != nil {
		return nil, fmt.Errorf("count buffered since: %w", err)
	}
	defer rows.Close()
	var out []BufferedKeyCount
	for rows.Next() {
		var c BufferedKeyCount
		if err := rows.Scan(&c.SignalType, &c.SourceServer, &c.TargetServer, &c.Count); err != nil {
			return nil, fmt.Errorf("scan buffered count: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CountByStatus returns live counts for all four states.
func (s *Store) CountByStatus() (map[string]int, error) {
	rows, err := s.db.Query("SELECT status, COUNT(*) FROM signal_buffer GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count buffer: %w", err)
	}
	defer rows.Close()
	counts := map[string]int{
		BufferPending:   0,
		BufferDelivered: 0,
		BufferExpired:   0,
		BufferFailed:    0,
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// ClearFilter selects rows for deletion. IDs win over the other
// filters when both are given; at least one field must be set.
type ClearFilter struct {
	IDs         []string
	Target      string
	SignalType  *uint16
	MaxAgeHours *float64
	NowMs       int64
}

func (f ClearFilter) empty() bool {
	return len(f.IDs) == 0 && f.Target == "" && f.SignalType == nil && f.MaxAgeHours == nil
}

func (s *Store) ClearBuffered(f ClearFilter) (int64, error) {
	if f.empty() {
		return 0, fmt.Errorf("clear buffered: at least one filter is required")
	}
	if len(f.IDs) > 0 {
		placeholders := strings.Repeat("?,", len(f.IDs))
		placeholders = placeholders[:len(placeholders)-1]
		args := make([]any, len(f.IDs))
		for i, id := range f.IDs {
			args[i] = id
		}
		res, err := s.db.Exec("DELETE FROM signal_buffer WHERE id IN ("+placeholders+")", args...)
		if err != nil {
			return 0, fmt.Errorf("clear buffered by id: %w", err)
		}
		n, _ := res.RowsAffected()
		return n, nil
	}

	var conds []string
	var args []any
	if f.Target != "" {
		conds = append(conds, "target_server = ?")
		args = append(args, f.Target)
	}
	if f.SignalType != nil {
		conds = append(conds, "signal_type = ?")
		args = append(args, *f.SignalType)
	}
	if f.MaxAgeHours != nil {
		cutoff := f.NowMs - int64(*f.MaxAgeHours*3600_000)
		conds = append(conds, "buffered_at < ?")
		args = append(args, cutoff)
	}
	res, err := s.db.Exec("DELETE FROM signal_buffer WHERE "+strings.Join(conds, " AND "), args...)
	if err != nil {
		return 0, fmt.Errorf("clear buffered: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DeleteTerminalBefore removes non-pending rows older than the cutoff,
// the buffer half of retention cleanup.
func (s *Store) DeleteTerminalBefore(cutoffMs int64) (int64, error) {
	res, err := s.db.Exec("DELETE FROM signal_buffer WHERE status != 'pending' AND buffered_at < ?", cutoffMs)
	if err != nil {
		return 0, fmt.Errorf("delete terminal buffered: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

const bufferColumns = `SELECT id, signal_type, source_server, target_server, payload, priority, buffered_at, retry_count, last_retry_at, max_retries, expires_at, status`

func scanBuffered(rows *sql.Rows) ([]*BufferedSignal, error) {
	var out []*BufferedSignal
	for rows.Next() {
		b := &BufferedSignal{}
		var payload *string
		if err := rows.Scan(&b.ID, &b.SignalType, &b.SourceServer, &b.TargetServer, &payload, &b.Priority,
			&b.BufferedAt, &b.RetryCount, &b.LastRetryAt, &b.MaxRetries, &b.ExpiresAt, &b.Status); err != nil {
			return nil, fmt.Errorf("scan buffered: %w", err)
		}
		b.Payload = unmarshalMap(payload)
		out = append(out, b)
	}
	return out, rows.Err()
}
