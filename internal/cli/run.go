package cli

import (
	"context"
	"flag"
	"fmt"
	"path/filepath"

	"github.com/skillpilot/skillpilot/internal/orchestrator"
	"github.com/skillpilot/skillpilot/internal/protocol"
)

// RunCommand handles `skillpilot run --query <q> --skill <name> [--cwd <dir>]`.
func RunCommand(args []string, configPath string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	cwdFlag := fs.String("cwd", ".", "directory to search for the design database")
	query := fs.String("query", "", "design name or explicit path to locate")
	skillName := fs.String("skill", "", "name of the installed Skill to run")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *query == "" || *skillName == "" {
		return fail("run requires --query and --skill")
	}

	cwd, err := filepath.Abs(*cwdFlag)
	if err != nil {
		return fail("resolve cwd: %v", err)
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

	logger := newLogger()
	logger.Info("starting job", "cwd", cwd, "query", *query, "skill", *skillName)

	job := orchestrator.New(cfg, cwd, launchers, skills)
	result, err := job.Run(context.Background(), orchestrator.SkillRequest{Query: *query, SkillName: *skillName})
	if err != nil {
		return fail("run job: %v", err)
	}
	if result.Terminal != nil {
		recordIfEnabled(cfg, result.Terminal.RunDir)
	}

	return printStepResult(job, result)
}

func printStepResult(job *orchestrator.Job, result orchestrator.StepResult) int {
	if result.AwaitingSelection != nil {
		fmt.Printf("job %s is awaiting selection (%d candidates found for query):\n", result.AwaitingSelection.JobID, len(result.AwaitingSelection.Candidates))
		for i, c := range result.AwaitingSelection.Candidates {
			fmt.Printf("  [%d] %s\n", i, c.EncPath)
		}
		fmt.Printf("\nResume with: skillpilot resume --run-dir %s --index <N>\n", job.RunDir())
		return 0
	}

	t := result.Terminal
	fmt.Printf("job %s: status=%s error_type=%s run_dir=%s\n", job.JobID(), t.Status, t.ErrorType, t.RunDir)
	if t.Status != protocol.StatusPass {
		fmt.Printf("see %s for diagnostics\n", filepath.Join(t.RunDir, "debug_bundle", "index.json"))
		return 1
	}
	return 0
}
