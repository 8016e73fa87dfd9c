package rules

import (
	"reflect"
	"sort"
	"testing"

	"github.com/synapse-mesh/synapse-relay/internal/store"
)

func testEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s), s
}

func strPtr(s string) *string { return &s }

// --- Matching ---

func TestMatchBySignalType(t *testing.T) {
	e, s := testEngine(t)
	s.AddRule(&store.RelayRule{SignalPattern: 0x50, RelayTo: []string{"a"}, Enabled: true})
	s.AddRule(&store.RelayRule{SignalPattern: 0x04, RelayTo: []string{"b"}, Enabled: true})

	matched, err := e.Match(0x50, "any-source")
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if len(matched) != 1 || matched[0].RelayTo[0] != "a" {
		t.Fatalf("matched = %+v", matched)
	}
	if matched[0].MatchCount != 1 {
		t.Errorf("match_count = %d, want 1", matched[0].MatchCount)
	}
}

func TestMatchSourceFilter(t *testing.T) {
	e, s := testEngine(t)
	s.AddRule(&store.RelayRule{SignalPattern: 0x50, SourceFilter: strPtr("^node-[ab]$"), RelayTo: []string{"x"}, Enabled: true})

	if m, _ := e.Match(0x50, "node-a"); len(m) != 1 {
		t.Error("node-a should match ^node-[ab]$")
	}
	if m, _ := e.Match(0x50, "node-z"); len(m) != 0 {
		t.Error("node-z should not match")
	}
}

func TestInvalidRegexTreatedAsNoFilter(t *testing.T) {
	e, s := testEngine(t)
	s.AddRule(&store.RelayRule{SignalPattern: 0x50, SourceFilter: strPtr("([unclosed"), RelayTo: []string{"x"}, Enabled: true})

	// matched on the signal-type criterion alone, twice to exercise the cache
	for i := 0; i < 2; i++ {
		m, err := e.Match(0x50, "whatever")
		if err != nil {
			t.Fatalf("match: %v", err)
		}
		if len(m) != 1 {
			t.Fatalf("pass %d: invalid regex should not drop the rule", i)
		}
	}
}

func TestMatchSkipsDisabled(t *testing.T) {
	e, s := testEngine(t)
	s.AddRule(&store.RelayRule{SignalPattern: 0x50, RelayTo: []string{"x"}, Enabled: false})
	if m, _ := e.Match(0x50, "src"); len(m) != 0 {
		t.Error("disabled rule should not match")
	}
}

func TestMatchCountPersisted(t *testing.T) {
	e, s := testEngine(t)
	id, _ := s.AddRule(&store.RelayRule{SignalPattern: 0x50, RelayTo: []string{"x"}, Enabled: true})

	e.Match(0x50, "src")
	e.Match(0x50, "src")

	got, _ := s.GetRule(id)
	if got.MatchCount != 2 {
		t.Errorf("match_count = %d, want 2", got.MatchCount)
	}
}

func TestTargetUnionDeduplicates(t *testing.T) {
	e, s := testEngine(t)
	s.AddRule(&store.RelayRule{SignalPattern: 0x50, RelayTo: []string{"a", "b"}, Priority: 2, Enabled: true})
	s.AddRule(&store.RelayRule{SignalPattern: 0x50, RelayTo: []string{"b", "c"}, Priority: 1, Enabled: true})

	matched, err := e.Match(0x50, "src")
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	targets := TargetUnion(matched)
	sort.Strings(targets)
	if !reflect.DeepEqual(targets, []string{"a", "b", "c"}) {
		t.Errorf("targets = %v, want deduplicated union", targets)
	}
}

// --- Transforms ---

func TestTransformIdentity(t *testing.T) {
	p := map[string]any{"a": 1, "b": "two"}
	got := ApplyTransform(p, nil)
	if !reflect.DeepEqual(got, p) {
		t.Errorf("identity transform changed payload: %v", got)
	}
	got["c"] = 3
	if _, ok := p["c"]; ok {
		t.Error("transform must not mutate the input payload")
	}
}

func TestTransformSetDeleteRename(t *testing.T) {
	p := map[string]any{"old": "v", "keep": true}
	spec := map[string]any{
		"ts":  float64(123),
		"old": nil,
		"new": map[string]any{"rename": "old"},
	}
	got := ApplyTransform(p, spec)
	want := map[string]any{"keep": true, "new": "v", "ts": float64(123)}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestTransformSetOverwrites(t *testing.T) {
	got := ApplyTransform(map[string]any{"k": "before"}, map[string]any{"k": "after"})
	if got["k"] != "after" {
		t.Errorf("k = %v, want after", got["k"])
	}
	if len(got) != 1 {
		t.Errorf("exactly one key expected, got %v", got)
	}
}

func TestTransformDeleteMissingKey(t *testing.T) {
	got := ApplyTransform(map[string]any{"a": 1}, map[string]any{"b": nil})
	if !reflect.DeepEqual(got, map[string]any{"a": 1}) {
		t.Errorf("got %v", got)
	}
}

func TestTransformIdempotentWithoutRenames(t *testing.T) {
	p := map[string]any{"a": 1, "b": 2, "c": 3}
	spec := map[string]any{"a": "x", "b": nil, "d": true}
	once := ApplyTransform(p, spec)
	twice := ApplyTransform(once, spec)
	if !reflect.DeepEqual(once, twice) {
		t.Errorf("not idempotent: %v vs %v", once, twice)
	}
}

func TestApplyAllComposesInOrder(t *testing.T) {
	rules := []*store.RelayRule{
		{Transform: map[string]any{"k": "high"}},
		{Transform: map[string]any{"k": "low", "extra": float64(1)}},
	}
	got := ApplyAll(map[string]any{}, rules)
	// later (lower priority) rule wins on conflicting keys
	if got["k"] != "low" {
		t.Errorf("k = %v, want low", got["k"])
	}
	if got["extra"] != float64(1) {
		t.Errorf("extra = %v", got["extra"])
	}
}
