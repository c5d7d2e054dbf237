package cli

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/skillpilot/skillpilot/internal/jobschedule"
	"github.com/skillpilot/skillpilot/internal/orchestrator"
)

// ScheduleCommand handles `skillpilot schedule <add|list|remove> [options]`.
func ScheduleCommand(args []string, configPath string) int {
	if len(args) == 0 {
		printScheduleHelp()
		return 1
	}
	switch args[0] {
	case "add":
		return scheduleAdd(args[1:], configPath)
	case "list":
		return scheduleList(args[1:], configPath)
	case "remove":
		return scheduleRemove(args[1:], configPath)
	case "help", "--help", "-h":
		printScheduleHelp()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown schedule subcommand: %s\n", args[0])
		printScheduleHelp()
		return 1
	}
}

func printScheduleHelp() {
	fmt.Println(`Usage: skillpilot schedule <subcommand> [options]

Manage periodic Skill re-runs.

Subcommands:
  add --id <id> --expr <cron-expr> --cwd <dir> --query <q> --skill <name>
  list
  remove --id <id>`)
}

func scheduleAdd(args []string, configPath string) int {
	fs := flag.NewFlagSet("schedule add", flag.ContinueOnError)
	id := fs.String("id", "", "unique schedule entry id")
	expr := fs.String("expr", "", "standard 5-field cron expression")
	cwd := fs.String("cwd", ".", "directory to search for the design database")
	query := fs.String("query", "", "design name or explicit path to locate")
	skillName := fs.String("skill", "", "name of the installed Skill to run")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *id == "" || *expr == "" || *query == "" || *skillName == "" {
		return fail("schedule add requires --id, --expr, --query, and --skill")
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return fail("%v", err)
	}
	schedulePath := cfg.Schedule.Path
	if schedulePath == "" {
		schedulePath = "./skillpilot_schedule.json"
	}

	sched, err := jobschedule.LoadConfig(schedulePath)
	if err != nil {
		return fail("load schedule: %v", err)
	}
	sched.Entries = append(sched.Entries, jobschedule.Entry{
		ID: *id, Expr: *expr, CWD: *cwd, Query: *query, Skill: *skillName, Enabled: true,
	})
	if err := jobschedule.SaveConfig(schedulePath, sched); err != nil {
		return fail("save schedule: %v", err)
	}

	fmt.Printf("added schedule entry %q (%s)\n", *id, *expr)
	return 0
}

func scheduleList(args []string, configPath string) int {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fail("%v", err)
	}
	schedulePath := cfg.Schedule.Path
	if schedulePath == "" {
		schedulePath = "./skillpilot_schedule.json"
	}
	sched, err := jobschedule.LoadConfig(schedulePath)
	if err != nil {
		return fail("load schedule: %v", err)
	}
	fmt.Printf("%-16s %-14s %-24s %s\n", "ID", "EXPR", "SKILL", "QUERY")
	for _, e := range sched.Entries {
		fmt.Printf("%-16s %-14s %-24s %s\n", e.ID, e.Expr, e.Skill, e.Query)
	}
	return 0
}

func scheduleRemove(args []string, configPath string) int {
	fs := flag.NewFlagSet("schedule remove", flag.ContinueOnError)
	id := fs.String("id", "", "schedule entry id to remove")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *id == "" {
		return fail("schedule remove requires --id")
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return fail("%v", err)
	}
	schedulePath := cfg.Schedule.Path
	if schedulePath == "" {
		schedulePath = "./skillpilot_schedule.json"
	}
	sched, err := jobschedule.LoadConfig(schedulePath)
	if err != nil {
		return fail("load schedule: %v", err)
	}

	kept := sched.Entries[:0]
	found := false
	for _, e := range sched.Entries {
		if e.ID == *id {
			found = true
			continue
		}
		kept = append(kept, e)
	}
	if !found {
		return fail("no schedule entry with id %q", *id)
	}
	sched.Entries = kept
	if err := jobschedule.SaveConfig(schedulePath, sched); err != nil {
		return fail("save schedule: %v", err)
	}
	fmt.Printf("removed schedule entry %q\n", *id)
	return 0
}

// ScheduleDaemonCommand runs the scheduler loop in the foreground,
// firing each configured entry as an independent new job until
// interrupted. Unlike the add/list/remove subcommands (which only edit
// the schedule file), this is a long-running process.
func ScheduleDaemonCommand(args []string, configPath string) int {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fail("%v", err)
	}
	if !cfg.Schedule.Enabled {
		return fail("scheduling is disabled in config (set schedule.enabled=true)")
	}
	schedulePath := cfg.Schedule.Path
	if schedulePath == "" {
		schedulePath = "./skillpilot_schedule.json"
	}
	sched, err := jobschedule.LoadConfig(schedulePath)
	if err != nil {
		return fail("load schedule: %v", err)
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

	runner := jobschedule.NewRunner(func(ctx context.Context, e jobschedule.Entry) error {
		job := orchestrator.New(cfg, e.CWD, launchers, skills)
		result, err := job.Run(ctx, orchestrator.SkillRequest{Query: e.Query, SkillName: e.Skill})
		if err != nil {
			return err
		}
		if result.Terminal != nil {
			recordIfEnabled(cfg, result.Terminal.RunDir)
		}
		return nil
	}, logger)
	runner.LoadEntries(sched)
	runner.Start()
	defer runner.Stop()

	logger.Info("schedule daemon running", "entries", len(sched.Entries))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()

	logger.Info("schedule daemon shutting down")
	return 0
}
