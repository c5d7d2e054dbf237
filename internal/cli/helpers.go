// Package cli implements skillpilot's subcommands: run, resume, list,
// history, and schedule. Each XxxCommand takes the subcommand's own
// argument slice plus a resolved config path and returns a process exit
// code, the same shape the surrounding main() dispatches on.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/skillpilot/skillpilot/internal/config"
	"github.com/skillpilot/skillpilot/internal/contract"
	"github.com/skillpilot/skillpilot/internal/jobindex"
	"github.com/skillpilot/skillpilot/internal/protocol"
	"github.com/skillpilot/skillpilot/internal/rundir"
	"github.com/skillpilot/skillpilot/internal/supervisor"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

func loadConfig(configPath string) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", configPath, err)
	}
	return cfg, nil
}

// buildLaunchers registers the "local" launcher unconditionally and the
// "batch" launcher only when a batch profiles file is configured.
func buildLaunchers(cfg *config.Config) (*supervisor.Registry, error) {
	reg := supervisor.NewRegistry()
	reg.Register("local", supervisor.NewLocalLauncher(""))

	if cfg.Launchers.Batch.ProfilesPath != "" {
		profiles, err := supervisor.LoadBatchProfiles(cfg.Launchers.Batch.ProfilesPath)
		if err != nil {
			return nil, fmt.Errorf("load batch profiles: %w", err)
		}
		batch, err := supervisor.NewBatchLauncher(profiles, cfg.Launchers.Batch.Profile)
		if err != nil {
			return nil, fmt.Errorf("configure batch launcher: %w", err)
		}
		reg.Register("batch", batch)
	}
	return reg, nil
}

func buildSkills(cfg *config.Config) (*contract.Registry, error) {
	reg, err := contract.NewRegistry(cfg.SkillRoot)
	if err != nil {
		return nil, fmt.Errorf("load skill registry from %s: %w", cfg.SkillRoot, err)
	}
	return reg, nil
}

func fail(format string, args ...interface{}) int {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	return 1
}

// recordIfEnabled upserts a terminal job's manifest into the local index,
// when indexing is configured. Indexing is a convenience cache; a failure
// here is logged, never fatal to the command that just finished.
func recordIfEnabled(cfg *config.Config, runDir string) {
	if !cfg.Index.Enabled || runDir == "" {
		return
	}
	path := cfg.Index.Path
	if path == "" {
		path = "./skillpilot_index.db"
	}

	manifest := &protocol.Manifest{}
	if err := protocol.ReadJSON(rundir.ManifestPath(runDir), manifest); err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not read manifest for indexing: %v\n", err)
		return
	}

	idx, err := jobindex.Open(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not open job index: %v\n", err)
		return
	}
	defer idx.Close()

	if err := idx.Record(context.Background(), manifest); err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not record job index entry: %v\n", err)
	}
}
