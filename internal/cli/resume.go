package cli

import (
	"context"
	"flag"

	"github.com/skillpilot/skillpilot/internal/orchestrator"
)

// ResumeCommand handles `skillpilot resume --run-dir <dir> --index <n>`.
func ResumeCommand(args []string, configPath string) int {
	fs := flag.NewFlagSet("resume", flag.ContinueOnError)
	runDir := fs.String("run-dir", "", "run directory of the paused job")
	index := fs.Int("index", -1, "chosen candidate index from the prior locate_db pause")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *runDir == "" || *index < 0 {
		return fail("resume requires --run-dir and a non-negative --index")
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return fail("%v", err)
	}
	launchers, err := buildLaunchers(cfg)
	if err != nil {
		return fail("%v", err)
	}
	skills, err := buildSkills(cfg)
	if err != nil {
		return fail("%v", err)
	}

	job, req, candidates, err := orchestrator.LoadPaused(cfg, launchers, skills, *runDir)
	if err != nil {
		return fail("load paused job: %v", err)
	}

	logger := newLogger()
	logger.Info("resuming job", "run_dir", *runDir, "index", *index)

	result, err := job.Resume(context.Background(), candidates, *index, req)
	if err != nil {
		return fail("resume job: %v", err)
	}
	if result.Terminal != nil {
		recordIfEnabled(cfg, result.Terminal.RunDir)
	}
	return printStepResult(job, result)
}
