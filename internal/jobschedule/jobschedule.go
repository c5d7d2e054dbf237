// Package jobschedule runs a periodic re-run scheduler on top of
// robfig/cron: each firing of a scheduled entry kicks off an independent
// new job through the caller-supplied Executor, rather than resuming or
// mutating any prior run.
package jobschedule

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/robfig/cron/v3"
)

// Entry is one configured periodic re-run.
type Entry struct {
	ID      string `json:"id"`
	Expr    string `json:"expr"` // standard 5-field cron expression
	CWD     string `json:"cwd"`
	Query   string `json:"query"`
	Skill   string `json:"skill"`
	Enabled bool   `json:"enabled"`
}

// Config is the on-disk shape of the schedule file.
type Config struct {
	Entries []Entry `json:"entries"`
}

// LoadConfig reads a schedule file, returning an empty Config if it does
// not exist yet.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("jobschedule: read %s: %w", path, err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("jobschedule: parse %s: %w", path, err)
	}
	return &cfg, nil
}

// SaveConfig writes cfg to path as indented JSON.
func SaveConfig(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("jobschedule: marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return fmt.Errorf("jobschedule: write %s: %w", path, err)
	}
	return nil
}

// Executor runs one scheduled entry to completion, independent of any
// other job. Errors are logged, never surfaced to the cron scheduler
// itself (a single bad firing must not stop future firings).
type Executor func(ctx context.Context, e Entry) error

// Runner drives Config entries against a cron.Cron scheduler.
type Runner struct {
	cron     *cron.Cron
	executor Executor
	logger   *slog.Logger

	mu      sync.Mutex
	entryID map[string]cron.EntryID
}

// NewRunner builds a Runner. A nil logger falls back to slog.Default().
func NewRunner(executor Executor, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		cron:     cron.New(),
		executor: executor,
		logger:   logger.With("component", "jobschedule"),
		entryID:  make(map[string]cron.EntryID),
	}
}

// LoadEntries registers every enabled entry in cfg. Invalid cron
// expressions are logged and skipped rather than aborting the load.
func (r *Runner) LoadEntries(cfg *Config) {
	for _, e := range cfg.Entries {
		if !e.Enabled {
			continue
		}
		if err := r.AddEntry(e); err != nil {
			r.logger.Warn("skipping invalid schedule entry", "id", e.ID, "error", err)
		}
	}
}

// AddEntry registers a new entry, replacing any prior registration under
// the same ID.
func (r *Runner) AddEntry(e Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.entryID[e.ID]; ok {
		r.cron.Remove(prev)
		delete(r.entryID, e.ID)
	}

	id, err := r.cron.AddFunc(e.Expr, func() {
		r.logger.Info("scheduled job firing", "id", e.ID, "skill", e.Skill, "query", e.Query)
		if err := r.executor(context.Background(), e); err != nil {
			r.logger.Error("scheduled job failed", "id", e.ID, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("jobschedule: add entry %s: %w", e.ID, err)
	}
	r.entryID[e.ID] = id
	return nil
}

// RemoveEntry unregisters an entry by ID.
func (r *Runner) RemoveEntry(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entryID, ok := r.entryID[id]; ok {
		r.cron.Remove(entryID)
		delete(r.entryID, id)
	}
}

// Start begins firing registered entries in the background.
func (r *Runner) Start() {
	r.cron.Start()
}

// Stop halts the scheduler and waits for any in-flight firing to return.
func (r *Runner) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
}
