package cli

import (
	"context"
	"flag"
	"fmt"

	"github.com/skillpilot/skillpilot/internal/jobindex"
	"github.com/skillpilot/skillpilot/internal/protocol"
)

// ListCommand handles `skillpilot list [--status PASS|FAIL] [--skill name]`.
// It reads from the local job index and requires index.enabled in config.
func ListCommand(args []string, configPath string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	status := fs.String("status", "", "filter by terminal status (PASS or FAIL)")
	skillName := fs.String("skill", "", "filter by Skill name")
	limit := fs.Int("limit", 50, "maximum rows to show")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return fail("%v", err)
	}
	if !cfg.Index.Enabled {
		return fail("job index is disabled in config (set index.enabled=true)")
	}
	path := cfg.Index.Path
	if path == "" {
		path = "./skillpilot_index.db"
	}

	idx, err := jobindex.Open(path)
	if err != nil {
		return fail("open job index: %v", err)
	}
	defer idx.Close()

	entries, err := idx.List(context.Background(), jobindex.ListFilter{
		Status: protocol.JobStatus(*status),
		Skill:  *skillName,
		Limit:  *limit,
	})
	if err != nil {
		return fail("list jobs: %v", err)
	}

	printEntries(entries)
	return 0
}

func printEntries(entries []jobindex.Entry) {
	fmt.Printf("%-28s %-24s %-8s %-18s %s\n", "JOB_ID", "SKILL", "STATUS", "ERROR_TYPE", "QUERY")
	for _, e := range entries {
		fmt.Printf("%-28s %-24s %-8s %-18s %s\n", e.JobID, e.Skill, e.Status, e.ErrorType, e.Query)
	}
}
