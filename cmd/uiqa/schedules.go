package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hochfrequenz/uiqa-orchestrator/internal/batch"
	"github.com/hochfrequenz/uiqa-orchestrator/internal/config"
)

func init() {
	schedulesCmd := &cobra.Command{
		Use:   "schedules",
		Short: "List scheduled runs and when they fire next",
		RunE:  runSchedules,
	}
	rootCmd.AddCommand(schedulesCmd)
}

func runSchedules(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Schedules.File == "" {
		fmt.Println("No schedule file configured ([schedules] file)")
		return nil
	}

	f, err := batch.LoadScheduleFile(config.ExpandPath(cfg.Schedules.File))
	if err != nil {
		return err
	}
	sched, err := batch.NewScheduler(f.Schedules, nil, zap.NewNop())
	if err != nil {
		return err
	}

	entries := sched.Entries()
	if len(entries) == 0 {
		fmt.Println("No schedules defined")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tCRON\tREPO\tSUITE\tNEXT")
	for _, e := range entries {
		s := e.Schedule
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", s.Name, s.Cron, s.RepoURL, s.Params().Suite, humanize.Time(e.Next))
	}
	return w.Flush()
}
