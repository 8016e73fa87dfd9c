package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// RelayRule is an operator-configured routing rule.
type RelayRule struct {
	ID            int64
	SignalPattern uint16
	SourceFilter  *string
	RelayTo       []string
	Transform     map[string]any
	Priority      int
	Enabled       bool
	CreatedAt     int64 // epoch ms
	UpdatedAt     *int64
	MatchCount    int64
}

// RuleUpdate carries the fields of an update; nil pointers leave the
// column untouched. RelayTo and Transform replace wholesale when set.
type RuleUpdate struct {
	SignalPattern *uint16
	SourceFilter  *string
	RelayTo       []string
	Transform     map[string]any
	Priority      *int
	Enabled       *bool
}

func (s *Store) AddRule(r *RelayRule) (int64, error) {
	if len(r.RelayTo) == 0 {
		return 0, fmt.Errorf("add rule: relay_to must not be empty")
	}
	if r.CreatedAt == 0 {
		r.CreatedAt = time.Now().UnixMilli()
	}
	var transform any
	if r.Transform != nil {
		transform = marshalMap(r.Transform)
	}
	res, err := s.db.Exec(`INSERT INTO relay_rules
		(signal_pattern, source_filter, relay_to, transform, priority, enabled, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.SignalPattern, r.SourceFilter, marshalStrings(r.RelayTo), transform, r.Priority, r.Enabled, r.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("add rule: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("add rule id: %w", err)
	}
	r.ID = id
	return id, nil
}

// UpdateRule applies the non-nil fields of u and reports whether a row
// was affected.
func (s *Store) UpdateRule(id int64, u RuleUpdate) (bool, error) {
	var sets []string
	var args []any
	if u.SignalPattern != nil {
		sets = append(sets, "signal_pattern = ?")
		args = append(args, *u.SignalPattern)
	}
	if u.SourceFilter != nil {
		sets = append(sets, "source_filter = ?")
		args = append(args, *u.SourceFilter)
	}
	if u.RelayTo != nil {
		if len(u.RelayTo) == 0 {
			return false, fmt.Errorf("update rule: relay_to must not be empty")
		}
		sets = append(sets, "relay_to = ?")
		args = append(args, marshalStrings(u.RelayTo))
	}
	if u.Transform != nil {
		sets = append(sets, "transform = ?")
		args = append(args, marshalMap(u.Transform))
	}
	if u.Priority != nil {
		sets = append(sets, "priority = ?")
		args = append(args, *u.Priority)
	}
	if u.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, *u.Enabled)
	}
	if len(sets) == 0 {
		return false, nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UnixMilli(), id)

	res, err := s.db.Exec("UPDATE relay_rules SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return false, fmt.Errorf("update rule: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) RemoveRule(id int64) (bool, error) {
	res, err := s.db.Exec("DELETE FROM relay_rules WHERE id = ?", id)
	if err != nil {
		return false, fmt.Errorf("remove rule: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListRules returns every rule, enabled or not, priority descending.
func (s *Store) ListRules() ([]*RelayRule, error) {
	rows, err := s.db.Query(ruleColumns + " FROM relay_rules ORDER BY priority DESC, id")
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()
	return scanRules(rows)
}

func (s *Store) GetRule(id int64) (*RelayRule, error) {
	rows, err := s.db.Query(ruleColumns+" FROM relay_rules WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("get rule: %w", err)
	}
	defer rows.Close()
	rules, err := scanRules(rows)
	if err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		return nil, nil
	}
	return rules[0], nil
}

// ListEnabledByPattern returns enabled rules for one signal type,
// priority descending. Regex filtering against the source happens in
// the rule engine; this is the indexable part of the match.
func (s *Store) ListEnabledByPattern(signalType uint16) ([]*RelayRule, error) {
	rows, err := s.db.Query(ruleColumns+
		" FROM relay_rules WHERE signal_pattern = ? AND enabled = 1 ORDER BY priority DESC, id", signalType)
	if err != nil {
		return nil, fmt.Errorf("match rules: %w", err)
	}
	defer rows.Close()
	return scanRules(rows)
}

// IncrementMatchCounts bumps match_count for the rules that actually
// matched, in a single transaction.
func (s *Store) IncrementMatchCounts(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("increment match counts: %w", err)
	}
	for _, id := range ids {
		if _, err := tx.Exec("UPDATE relay_rules SET match_count = match_count + 1 WHERE id = ?", id); err != nil {
			tx.Rollback()
			return fmt.Errorf("increment match count %d: %w", id, err)
		}
	}
	return tx.Commit()
}

const ruleColumns = `SELECT id, signal_pattern, source_filter, relay_to, transform, priority, enabled, created_at, updated_at, match_count`

func scanRules(rows *sql.Rows) ([]*RelayRule, error) {
	var out []*RelayRule
	for rows.Next() {
		r := &RelayRule{}
		var relayTo, transform *string
		if err := rows.Scan(&r.ID, &r.SignalPattern, &r.SourceFilter, &relayTo, &transform,
			&r.Priority, &r.Enabled, &r.CreatedAt, &r.UpdatedAt, &r.MatchCount); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		r.RelayTo = unmarshalStrings(relayTo)
		r.Transform = unmarshalMap(transform)
		out = append(out, r)
	}
	return out, rows.Err()
}
