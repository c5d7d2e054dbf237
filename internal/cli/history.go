package cli

import (
	"context"
	"flag"
	"fmt"

	"github.com/skillpilot/skillpilot/internal/jobindex"
)

// HistoryCommand handles `skillpilot history --skill <name>`, showing every
// past run of one Skill in most-recent-first order — the same index List
// query as ListCommand, narrowed to a single Skill and unbounded by
// terminal status.
func HistoryCommand(args []string, configPath string) int {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	skillName := fs.String("skill", "", "Skill name to show history for")
	limit := fs.Int("limit", 100, "maximum rows to show")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *skillName == "" {
		return fail("history requires --skill")
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

	entries, err := idx.List(context.Background(), jobindex.ListFilter{Skill: *skillName, Limit: *limit})
	if err != nil {
		return fail("list history: %v", err)
	}
	if len(entries) == 0 {
		fmt.Printf("no runs recorded for skill %q\n", *skillName)
		return 0
	}
	printEntries(entries)
	return 0
}
