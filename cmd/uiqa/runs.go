package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/uiqa-orchestrator/internal/domain"
	"github.com/hochfrequenz/uiqa-orchestrator/internal/eventlog"
)

var (
	succeededStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	failedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	runningStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	queuedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	labelStyle     = lipgloss.NewStyle().Bold(true)
)

var (
	listLimit    int
	submitParams domain.RunParams
	submitSuite  string
	submitID     string
	showEvents   bool
)

func init() {
	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect and submit runs",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		RunE:  runRunsList,
	}
	listCmd.Flags().IntVar(&listLimit, "limit", 20, "number of runs to show")
	runsCmd.AddCommand(listCmd)

	submitCmd := &cobra.Command{
		Use:   "submit REPO_URL",
		Short: "Queue a run",
		Args:  cobra.ExactArgs(1),
		RunE:  runRunsSubmit,
	}
	submitCmd.Flags().StringVar(&submitParams.Branch, "branch", "main", "branch to test")
	submitCmd.Flags().StringVar(&submitParams.AppDir, "app-dir", ".", "application directory")
	submitCmd.Flags().StringVar(&submitParams.UIDir, "ui-dir", ".", "UI directory containing package.json")
	submitCmd.Flags().StringVar(&submitSuite, "suite", string(domain.SuiteBoth), "smoke, regression or both")
	submitCmd.Flags().BoolVar(&submitParams.CreateGitHubIssues, "issues", false, "file GitHub issues for confident bugs")
	submitCmd.Flags().BoolVar(&submitParams.CommitResults, "commit", false, "commit generated tests back to the branch")
	submitCmd.Flags().StringVar(&submitID, "id", "", "run id (generated when empty)")
	runsCmd.AddCommand(submitCmd)

	showCmd := &cobra.Command{
		Use:   "show RUN_ID",
		Short: "Show a run with its bugs",
		Args:  cobra.ExactArgs(1),
		RunE:  runRunsShow,
	}
	showCmd.Flags().BoolVar(&showEvents, "events", false, "include the event log")
	runsCmd.AddCommand(showCmd)

	rootCmd.AddCommand(runsCmd)
}

func styleStatus(s domain.RunStatus) string {
	switch s {
	case domain.RunSucceeded:
		return succeededStyle.Render(string(s))
	case domain.RunFailed:
		return failedStyle.Render(string(s))
	case domain.RunQueued:
		return queuedStyle.Render(string(s))
	default:
		return runningStyle.Render(string(s))
	}
}

func ago(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}

func runRunsList(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	runs, err := a.store.ListRuns(listLimit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs yet")
		return nil
	}

	// status goes last so its color codes do not skew the columns
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tREPO\tBRANCH\tSUITE\tCREATED\tSTATUS")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.RepoURL, r.Branch, r.Suite, ago(r.CreatedAt), styleStatus(r.Status))
	}
	return w.Flush()
}

func runRunsSubmit(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	params := submitParams
	params.RepoURL = args[0]
	params.Suite = domain.Suite(submitSuite)

	q := newQueue(a)
	var run *domain.Run
	if submitID != "" {
		run, err = q.SubmitWithID(submitID, params)
	} else {
		run, err = q.Submit(params)
	}
	if err != nil {
		return err
	}

	fmt.Printf("Queued run %s (%s, %s)\n", run.ID, run.RepoURL, run.Suite)
	return nil
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	run, err := a.store.GetRun(args[0])
	if err != nil {
		return err
	}

	field := func(label, value string) {
		fmt.Printf("%s %s\n", labelStyle.Render(fmt.Sprintf("%-10s", label+":")), value)
	}
	field("Run", run.ID)
	field("Status", styleStatus(run.Status))
	field("Repo", fmt.Sprintf("%s@%s", run.RepoURL, run.Branch))
	if run.CommitSHA != "" {
		field("Commit", run.CommitSHA)
	}
	field("Suite", string(run.Suite))
	field("Created", ago(run.CreatedAt))
	if run.StartedAt != nil && run.FinishedAt != nil {
		field("Took", run.FinishedAt.Sub(*run.StartedAt).Round(time.Second).String())
	}
	if run.ErrorMessage != "" {
		field("Error", failedStyle.Render(run.ErrorMessage))
	}
	if s := run.Summary; s != nil {
		for _, suite := range s.Suites {
			field("Suite "+string(suite.Suite), fmt.Sprintf("passed %d, failed %d (exit %d)", suite.Passed, suite.Failed, suite.ExitCode))
		}
		field("Issues", humanize.Comma(int64(s.IssuesCreated)))
	}

	bugs, err := a.store.ListBugs(run.ID)
	if err != nil {
		return err
	}
	if len(bugs) > 0 {
		fmt.Println()
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SEVERITY\tCONF\tWORKFLOW\tTITLE\tISSUE")
		for _, b := range bugs {
			issue := b.IssueURL
			if issue == "" {
				issue = "-"
			}
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n", b.Severity, b.Confidence, b.Workflow, b.Title, issue)
		}
		w.Flush()
	}

	if showEvents {
		events, err := eventlog.New(a.store).Tail(run.ID, 0)
		if err != nil {
			return err
		}
		fmt.Println()
		for _, ev := range events {
			fmt.Printf("%4d %s %-16s %s\n", ev.Seq, ev.Timestamp.Local().Format("15:04:05"), ev.Type, compactJSON(ev.Payload))
		}
	}
	return nil
}

func compactJSON(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, _ := json.Marshal(v)
	return string(out)
}
