package memory

import (
	"fmt"
	"testing"

	"brain/internal/document"
)

func TestBuildMatch(t *testing.T) {
	cases := []struct {
		query string
		want  string
	}{
		{"hello", `"hello"*`},
		{"hello world", `"hello"* OR "world"*`},
		{`with "quotes"`, `"with"* OR """quotes"""*`},
		{"   ", ""},
	}
	for _, tc := range cases {
		if got := buildMatch(tc.query); got != tc.want {
			t.Errorf("buildMatch(%q) = %q, want %q", tc.query, got, tc.want)
		}
	}
}

func TestSearchFindsByContent(t *testing.T) {
	m := testManager(t)
	if err := m.Set("note-go", document.String("golang concurrency patterns"), SetOptions{}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := m.Set("note-py", document.String("python asyncio basics"), SetOptions{}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	results, err := m.Search("concurrency", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].Key != "note-go" {
		t.Fatalf("results = %+v, want single note-go", results)
	}

	// Prefix matching: partial terms hit too.
	results, err = m.Search("async", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].Key != "note-py" {
		t.Errorf("prefix results = %+v, want single note-py", results)
	}
}

func TestSearchExcludesColdAndPrivate(t *testing.T) {
	m := testManager(t)
	for _, key := range []string{"visible", "frozen", "secret"} {
		if err := m.Set(key, document.String("shared searchable topic"), SetOptions{Private: key == "secret"}); err != nil {
			t.Fatalf("Set %s: %v", key, err)
		}
	}
	if _, err := m.store.DB().Exec(
		"UPDATE memories SET storage_tier = 'cold' WHERE key = 'frozen'"); err != nil {
		t.Fatalf("freeze: %v", err)
	}

	results, err := m.Search("searchable", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].Key != "visible" {
		t.Errorf("results = %+v, want only visible", results)
	}
}

func TestSearchRankWeighting(t *testing.T) {
	m := testManager(t)
	// Same text, different memory scores: the higher score must rank first.
	for _, key := range []string{"low", "high"} {
		if err := m.Set(key, document.String("identical ranking text"), SetOptions{}); err != nil {
			t.Fatalf("Set %s: %v", key, err)
		}
	}
	if _, err := m.store.DB().Exec(
		"UPDATE memories SET memory_score = CASE key WHEN 'high' THEN 0.9 ELSE 0.1 END"); err != nil {
		t.Fatalf("score: %v", err)
	}

	results, err := m.Search("ranking", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 || results[0].Key != "high" {
		t.Errorf("order = %+v, want high first", results)
	}
}

func TestSearchEmptyQuery(t *testing.T) {
	m := testManager(t)
	results, err := m.Search("   ", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if results != nil {
		t.Errorf("results = %+v, want nil", results)
	}
}

func TestTopForInitOrderingAndBounds(t *testing.T) {
	m := testManager(t)

	if err := m.Set("user_preferences", document.String("prefs"), SetOptions{Type: TypeUserPreferences}); err != nil {
		t.Fatalf("Set prefs: %v", err)
	}
	if err := m.Set("proj", document.String("the project"), SetOptions{Type: TypeActiveProject}); err != nil {
		t.Fatalf("Set project: %v", err)
	}
	for i := 0; i < 10; i++ {
		if err := m.Set(fmt.Sprintf("fact-%d", i), document.String("x"), SetOptions{}); err != nil {
			t.Fatalf("Set fact: %v", err)
		}
	}
	if err := m.Set("iceberg", document.String("x"), SetOptions{}); err != nil {
		t.Fatalf("Set iceberg: %v", err)
	}
	if _, err := m.store.DB().Exec(
		"UPDATE memories SET storage_tier = 'cold' WHERE key = 'iceberg'"); err != nil {
		t.Fatalf("freeze: %v", err)
	}

	entries, err := m.TopForInit(5)
	if err != nil {
		t.Fatalf("TopForInit: %v", err)
	}
	if len(entries) > 5 {
		t.Fatalf("len = %d, exceeds cap 5", len(entries))
	}
	if entries[0].Key != "user_preferences" {
		t.Errorf("first entry = %q, want user_preferences", entries[0].Key)
	}
	if entries[1].Key != "proj" {
		t.Errorf("second entry = %q, want proj", entries[1].Key)
	}
	for _, e := range entries {
		if e.Key == "iceberg" {
			t.Error("cold row leaked into init set")
		}
		if e.Tier == TierCold {
			t.Errorf("cold tier entry %q in init set", e.Key)
		}
	}

	// No duplicates across the priority prefixes.
	seen := map[string]bool{}
	for _, e := range entries {
		if seen[e.Key] {
			t.Errorf("duplicate key %q", e.Key)
		}
		seen[e.Key] = true
	}
}

func TestTopForInitEmptyStore(t *testing.T) {
	m := testManager(t)
	entries, err := m.TopForInit(300)
	if err != nil {
		t.Fatalf("TopForInit: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("len = %d, want 0", len(entries))
	}
}

func TestGetStats(t *testing.T) {
	m := testManager(t)
	if err := m.Set("a", document.String("x"), SetOptions{}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := m.Set("b", document.String("y"), SetOptions{Type: TypeSystemCritical}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	stats, err := m.GetStats()
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.Total != 2 {
		t.Errorf("total = %d, want 2", stats.Total)
	}
	if stats.ByTier[TierHot] != 1 || stats.ByTier[TierWarm] != 1 {
		t.Errorf("tiers = %+v", stats.ByTier)
	}
	if stats.TotalBytes <= 0 {
		t.Errorf("bytes = %d, want > 0", stats.TotalBytes)
	}
}
