// Package rules matches incoming signals against operator-configured
// relay rules and applies their payload transforms.
package rules

import (
	"regexp"
	"sort"
	"sync"

	"github.com/synapse-mesh/synapse-relay/internal/logger"
	"github.com/synapse-mesh/synapse-relay/internal/store"
)

// Engine evaluates relay rules. Compiled source filters are cached;
// a filter that fails to compile is remembered as "no filter" so a
// malformed regex can never poison the matcher.
type Engine struct {
	store *store.Store

	mu    sync.Mutex
	cache map[string]*regexp.Regexp // nil entry = known-bad pattern
}

func New(s *store.Store) *Engine {
	return &Engine{store: s, cache: make(map[string]*regexp.Regexp)}
}

// Match returns all enabled rules for the signal type whose source
// filter (if any) matches, priority descending. Each matched rule's
// match_count is incremented with the query.
func (e *Engine) Match(signalType uint16, source string) ([]*store.RelayRule, error) {
	candidates, err := e.store.ListEnabledByPattern(signalType)
	if err != nil {
		return nil, err
	}

	var matched []*store.RelayRule
	var ids []int64
	for _, r := range candidates {
		if !e.sourceMatches(r, source) {
			continue
		}
		matched = append(matched, r)
		ids = append(ids, r.ID)
	}
	if err := e.store.IncrementMatchCounts(ids); err != nil {
		return nil, err
	}
	for _, r := range matched {
		r.MatchCount++
	}
	return matched, nil
}

// TargetUnion returns the deduplicated union of relay_to across the
// given rules, in rule order. The delivery engine adds these targets
// to a relay's own list so matched signals fan out automatically.
func TargetUnion(matched []*store.RelayRule) []string {
	seen := make(map[string]bool)
	var targets []string
	for _, r := range matched {
		for _, t := range r.RelayTo {
			if !seen[t] {
				seen[t] = true
				targets = append(targets, t)
			}
		}
	}
	return targets
}

// sourceMatches applies the rule's regex filter. A filter that does
// not compile counts as no filter at all.
func (e *Engine) sourceMatches(r *store.RelayRule, source string) bool {
	if r.SourceFilter == nil || *r.SourceFilter == "" {
		return true
	}
	re, ok := e.compiled(*r.SourceFilter)
	if !ok {
		return true
	}
	return re.MatchString(source)
}

func (e *Engine) compiled(pattern string) (*regexp.Regexp, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if re, seen := e.cache[pattern]; seen {
		return re, re != nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		logger.Warn("rules: invalid source filter, treating as no filter", "pattern", pattern, "error", err)
		e.cache[pattern] = nil
		return nil, false
	}
	e.cache[pattern] = re
	return re, true
}

// ApplyTransform produces a new payload from spec. Spec entries mean:
// nil deletes the key, {"rename": "src"} moves the value of src under
// the entry's key, anything else sets the key to that literal.
// Renames resolve before deletes so a spec can both lift a field to a
// new name and drop the old one; literal sets land last.
func ApplyTransform(payload map[string]any, spec map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	if len(spec) == 0 {
		return out
	}

	var renames, deletes, sets []string
	for k, v := range spec {
		switch {
		case v == nil:
			deletes = append(deletes, k)
		case renameSource(v) != "":
			renames = append(renames, k)
		default:
			sets = append(sets, k)
		}
	}
	sort.Strings(renames)
	sort.Strings(deletes)
	sort.Strings(sets)

	for _, k := range renames {
		src := renameSource(spec[k])
		if val, present := out[src]; present {
			out[k] = val
			delete(out, src)
		} else {
			// rename of a missing field degrades to a literal set
			out[k] = spec[k]
		}
	}
	for _, k := range deletes {
		delete(out, k)
	}
	for _, k := range sets {
		out[k] = spec[k]
	}
	return out
}

// ApplyAll composes the transforms of the matched rules in the order
// given (priority descending from Match).
func ApplyAll(payload map[string]any, matched []*store.RelayRule) map[string]any {
	out := payload
	for _, r := range matched {
		if len(r.Transform) == 0 {
			continue
		}
		out = ApplyTransform(out, r.Transform)
	}
	return out
}

func renameSource(v any) string {
	obj, ok := v.(map[string]any)
	if !ok || len(obj) != 1 {
		return ""
	}
	src, ok := obj["rename"].(string)
	if !ok {
		return ""
	}
	return src
}

// CRUD passthroughs. Validation of relay_to lives in the store.

func (e *Engine) Add(r *store.RelayRule) (int64, error)  { return e.store.AddRule(r) }
func (e *Engine) Remove(id int64) (bool, error)          { return e.store.RemoveRule(id) }
func (e *Engine) List() ([]*store.RelayRule, error)      { return e.store.ListRules() }
func (e *Engine) Get(id int64) (*store.RelayRule, error) { return e.store.GetRule(id) }

func (e *Engine) Update(id int64, u store.RuleUpdate) (bool, error) {
	return e.store.UpdateRule(id, u)
}
