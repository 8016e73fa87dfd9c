package store

import (
	"database/sql"
	"fmt"
)

// RelayRecord is one fan-out attempt, immutable once inserted.
type RelayRecord struct {
	ID             string
	SignalType     uint16
	SourceServer   string
	TargetServers  []string
	Payload        map[string]any
	Priority       string
	RelayedAt      int64 // epoch ms
	Success        bool
	TargetsReached []string
	TargetsFailed  []string
	LatencyMs      int64
	ErrorMessage   *string
}

func (s *Store) InsertRelay(r *RelayRecord) error {
	if r.Priority == "" {
		r.Priority = "normal"
	}
	_, err := s.db.Exec(`INSERT INTO signal_relays
		(id, signal_type, source_server, target_servers, payload, priority, relayed_at, success, targets_reached, targets_failed, latency_ms, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.SignalType, r.SourceServer, marshalStrings(r.TargetServers), marshalMap(r.Payload),
		r.Priority, r.RelayedAt, r.Success, marshalStrings(r.TargetsReached), marshalStrings(r.TargetsFailed),
		r.LatencyMs, r.ErrorMessage)
	if err != nil {
		return fmt.Errorf("insert relay: %w", err)
	}
	return nil
}

func (s *Store) GetRelay(id string) (*RelayRecord, error) {
	row := s.db.QueryRow(`SELECT id, signal_type, source_server, target_servers, payload, priority,
		relayed_at, success, targets_reached, targets_failed, latency_ms, error_message
		FROM signal_relays WHERE id = ?`, id)
	r, err := scanRelay(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get relay: %w", err)
	}
	return r, nil
}

// ListRelaysSince returns relays with relayed_at >= since, oldest
// first, capped at limit (0 means no cap).
func (s *Store) ListRelaysSince(sinceMs int64, limit int) ([]*RelayRecord, error) {
	q := `SELECT id, signal_type, source_server, target_servers, payload, priority,
		relayed_at, success, targets_reached, targets_failed, latency_ms, error_message
		FROM signal_relays WHERE relayed_at >= ? ORDER BY relayed_at`
	args := []any{sinceMs}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("list relays: %w", err)
	}
	defer rows.Close()

	var out []*RelayRecord
	for rows.Next() {
		r, err := scanRelay(rows)
		if err != nil {
			return nil, fmt.Errorf("scan relay: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteRelaysBefore removes history older than the cutoff and returns
// the number of rows deleted.
func (s *Store) DeleteRelaysBefore(cutoffMs int64) (int64, error) {
	res, err := s.db.Exec("DELETE FROM signal_relays WHERE relayed_at < ?", cutoffMs)
	if err != nil {
		return 0, fmt.Errorf("delete relays: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRelay(row rowScanner) (*RelayRecord, error) {
	r := &RelayRecord{}
	var targets, payload, reached, failed *string
	err := row.Scan(&r.ID, &r.SignalType, &r.SourceServer, &targets, &payload, &r.Priority,
		&r.RelayedAt, &r.Success, &reached, &failed, &r.LatencyMs, &r.ErrorMessage)
	if err != nil {
		return nil, err
	}
	r.TargetServers = unmarshalStrings(targets)
	r.Payload = unmarshalMap(payload)
	r.TargetsReached = unmarshalStrings(reached)
	r.TargetsFailed = unmarshalStrings(failed)
	return r, nil
}
