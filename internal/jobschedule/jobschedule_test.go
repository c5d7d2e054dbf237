package jobschedule

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
)

func TestAddEntryFiresExecutor(t *testing.T) {
	var mu sync.Mutex
	var fired []string

	r := NewRunner(func(ctx context.Context, e Entry) error {
		mu.Lock()
		fired = append(fired, e.ID)
		mu.Unlock()
		return nil
	}, nil)

	if err := r.AddEntry(Entry{ID: "every-second", Expr: "* * * * * *", Skill: "summary_health_mock"}); err == nil {
		t.Fatalf("expected standard 5-field parser to reject a 6-field expression")
	}
	if err := r.AddEntry(Entry{ID: "every-minute", Expr: "* * * * *", Skill: "summary_health_mock"}); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	r.Start()
	defer r.Stop()

	// Not asserting a firing here (cron's minimum granularity is a
	// minute); this exercises registration/removal plumbing only.
	r.RemoveEntry("every-minute")
}

func TestLoadEntriesSkipsInvalidExpressions(t *testing.T) {
	r := NewRunner(func(ctx context.Context, e Entry) error { return nil }, nil)
	cfg := &Config{Entries: []Entry{
		{ID: "bad", Expr: "not a cron expr", Enabled: true},
		{ID: "good", Expr: "0 */6 * * *", Enabled: true},
		{ID: "disabled", Expr: "0 0 * * *", Enabled: false},
	}}
	r.LoadEntries(cfg)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entryID["bad"]; ok {
		t.Error("expected invalid expression to be skipped")
	}
	if _, ok := r.entryID["good"]; !ok {
		t.Error("expected valid expression to be registered")
	}
	if _, ok := r.entryID["disabled"]; ok {
		t.Error("expected disabled entry to be skipped")
	}
}

func TestSaveAndLoadConfigRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schedule.json")
	cfg := &Config{Entries: []Entry{
		{ID: "nightly", Expr: "0 2 * * *", CWD: "/work", Query: "top", Skill: "summary_health_mock", Enabled: true},
	}}
	if err := SaveConfig(path, cfg); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}
	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if len(loaded.Entries) != 1 || loaded.Entries[0].ID != "nightly" {
		t.Errorf("unexpected round-trip: %+v", loaded.Entries)
	}
}

func TestLoadConfigToleratesMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if len(cfg.Entries) != 0 {
		t.Errorf("expected empty config, got %+v", cfg)
	}
}
