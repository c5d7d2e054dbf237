package main

import (
	"fmt"
	"os"

	"github.com/skillpilot/skillpilot/internal/cli"
)

var version = "0.1.0"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := "skillpilot.json"
	var subCmd string
	var subCmdIdx int

	skipNext := false
	for i := 1; i < len(os.Args); i++ {
		if skipNext {
			skipNext = false
			continue
		}
		arg := os.Args[i]
		if arg == "--config" || arg == "-config" {
			if i+1 < len(os.Args) {
				configPath = os.Args[i+1]
				skipNext = true
			}
			continue
		}
		if arg == "--version" || arg == "-version" {
			continue
		}
		if len(arg) > 0 && arg[0] != '-' {
			subCmd = arg
			subCmdIdx = i
			break
		}
	}

	if subCmd == "" {
		if hasVersionFlag() {
			fmt.Printf("skillpilot v%s\n", version)
			return 0
		}
		printHelp()
		return 1
	}

	rest := os.Args[subCmdIdx+1:]
	switch subCmd {
	case "run":
		return cli.RunCommand(rest, configPath)
	case "resume":
		return cli.ResumeCommand(rest, configPath)
	case "list":
		return cli.ListCommand(rest, configPath)
	case "history":
		return cli.HistoryCommand(rest, configPath)
	case "schedule":
		return cli.ScheduleCommand(rest, configPath)
	case "schedule-daemon":
		return cli.ScheduleDaemonCommand(rest, configPath)
	case "help", "--help", "-h":
		printHelp()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", subCmd)
		printHelp()
		return 1
	}
}

func hasVersionFlag() bool {
	for _, a := range os.Args[1:] {
		if a == "--version" || a == "-version" {
			return true
		}
	}
	return false
}

func printHelp() {
	fmt.Println(`Usage: skillpilot <command> [options]

Commands:
  run              Locate a design database and run a Skill against it
  resume           Resume a job paused on an ambiguous locate_db selection
  list             List recorded jobs from the local job index
  history          Show a Skill's run history from the local job index
  schedule         Manage periodic Skill re-runs (add, list, remove)
  schedule-daemon  Run the periodic re-run scheduler in the foreground

Global options:
  --config <path>  Path to skillpilot.json (default "skillpilot.json")
  --version        Show version`)
}
