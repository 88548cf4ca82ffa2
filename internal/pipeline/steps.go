package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/hochfrequenz/uiqa-orchestrator/internal/domain"
	"github.com/hochfrequenz/uiqa-orchestrator/internal/triage"
)

// ErrNoTriageOutput fails a run whose failing suites produced nothing to triage
var ErrNoTriageOutput = errors.New("no triage output could be produced for failing suites")

func (e *Executor) clone(ctx context.Context, rs *runState) error {
	ctx, cancel := e.stepContext(ctx)
	defer cancel()

	co, err := e.collab.Repo.Clone(ctx, rs.run.RepoURL, rs.run.Branch, filepath.Join(rs.workDir, "repo"))
	if err != nil {
		return fmt.Errorf("clone %s@%s: %w", rs.run.RepoURL, rs.run.Branch, err)
	}
	rs.checkout = co
	if co.Commit != "" {
		if err := e.store.SetRunCommit(rs.run.ID, co.Commit); err != nil {
			return err
		}
		rs.run.CommitSHA = co.Commit
	}
	_, err = e.events.Append(rs.run.ID, domain.ClonePayload{Branch: rs.run.Branch, Commit: co.Commit})
	return err
}

func (e *Executor) analyze(ctx context.Context, rs *runState) error {
	ctx, cancel := e.stepContext(ctx)
	defer cancel()

	a, err := e.collab.Comprehension.Analyze(ctx, AnalyzeRequest{
		RepoDir: rs.checkout.Dir,
		AppDir:  rs.run.AppDir,
		UIDir:   rs.run.UIDir,
	})
	if err != nil {
		return fmt.Errorf("analyze: %w", err)
	}
	rs.analysis = a

	names := make([]string, 0, len(a.Workflows))
	for _, w := range a.Workflows {
		names = append(names, w.Name)
	}
	_, err = e.events.Append(rs.run.ID, domain.AnalysisPayload{
		Workflows:    names,
		StartCommand: a.Start.Command,
		BaseURL:      a.Start.BaseURL,
	})
	return err
}

func (e *Executor) generate(ctx context.Context, rs *runState) error {
	ctx, cancel := e.stepContext(ctx)
	defer cancel()

	g, err := e.collab.Comprehension.Generate(ctx, GenerateRequest{
		RepoDir:  rs.checkout.Dir,
		UIDir:    rs.run.UIDir,
		Analysis: rs.analysis,
	})
	if err != nil {
		return fmt.Errorf("generate: %w", err)
	}
	rs.generation = g
	_, err = e.events.Append(rs.run.ID, domain.GenerationPayload{TestsDir: g.TestsDir, Files: g.Files})
	return err
}

// test runs the selected suites in order. A suite with failing tests is a
// result, not an error; only a suite that could not be executed fails the run.
func (e *Executor) test(ctx context.Context, rs *runState) error {
	for _, suite := range rs.run.Suite.Expand() {
		if err := e.logf(rs, "running %s suite", suite); err != nil {
			return err
		}
		res, err := e.runSuite(ctx, rs, suite)
		if err != nil {
			return fmt.Errorf("%s suite: %w", suite, err)
		}
		rs.suites = append(rs.suites, res)
		sum := domain.SuiteSummary{
			Suite:    suite,
			OK:       res.OK(),
			ExitCode: res.ExitCode,
			Passed:   res.Passed,
			Failed:   res.Failed,
		}
		rs.summary.Suites = append(rs.summary.Suites, sum)
		if _, err := e.events.Append(rs.run.ID, domain.SuitePayload{SuiteSummary: sum, ReportPath: res.ReportPath}); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) runSuite(ctx context.Context, rs *runState, suite domain.Suite) (*SuiteResult, error) {
	ctx, cancel := e.stepContext(ctx)
	defer cancel()

	var start StartSpec
	if rs.analysis != nil {
		start = rs.analysis.Start
	}
	res, err := e.collab.Tests.RunSuite(ctx, SuiteRequest{
		RunID:        rs.run.ID,
		RepoDir:      rs.checkout.Dir,
		AppDir:       rs.run.AppDir,
		UIDir:        rs.run.UIDir,
		TestsDir:     rs.generation.TestsDir,
		Suite:        suite,
		Start:        start,
		ArtifactsDir: filepath.Join(rs.artifacts, string(suite)),
	})
	if err != nil {
		return nil, err
	}
	res.Suite = suite
	return res, nil
}

// triage turns suite failures into bugs. Comprehension failures degrade to
// findings extracted from the suite report; the run fails only when failing
// suites yielded no usable output and no bugs at all.
func (e *Executor) triage(ctx context.Context, rs *runState) error {
	var findings []triage.Finding
	failing, usable, fallback := 0, 0, false

	for _, res := range rs.suites {
		if res.OK() {
			continue
		}
		failing++

		got, err := e.triageSuite(ctx, rs, res)
		if err == nil && len(got) > 0 {
			usable++
			findings = append(findings, tagSuite(got, res.Suite)...)
			continue
		}
		if err == nil {
			err = errors.New("comprehension returned no findings")
		}
		if perr := e.partial(rs, res.Suite, err); perr != nil {
			return perr
		}

		got, err = e.reportFindings(res)
		if err != nil {
			if perr := e.partial(rs, res.Suite, fmt.Errorf("report fallback: %w", err)); perr != nil {
				return perr
			}
			continue
		}
		usable++
		fallback = true
		findings = append(findings, tagSuite(got, res.Suite)...)
	}

	result := triage.Triage(rs.run.ID, rs.run.Suite, findings)
	if result.Unclassified > 0 {
		err := fmt.Errorf("%d findings could not be classified", result.Unclassified)
		if perr := e.partial(rs, "", err); perr != nil {
			return perr
		}
	}
	for i := range result.Bugs {
		if err := e.store.UpsertBug(&result.Bugs[i]); err != nil {
			return fmt.Errorf("storing bug: %w", err)
		}
	}

	bugs, err := e.store.ListBugs(rs.run.ID)
	if err != nil {
		return err
	}
	if failing > 0 && usable == 0 && len(bugs) == 0 {
		return ErrNoTriageOutput
	}
	rs.summary.Bugs = len(bugs)

	csvPath := filepath.Join(rs.artifacts, "bugs.csv")
	if err := triage.WriteCSVFile(csvPath, bugs); err != nil {
		e.logger.Warn("writing bugs csv", zap.String("run_id", rs.run.ID), zap.Error(err))
	} else {
		rs.summary.CSVPath = csvPath
	}

	_, err = e.events.Append(rs.run.ID, domain.TriagePayload{
		Bugs:     len(bugs),
		Merged:   result.Merged,
		Fallback: fallback,
	})
	return err
}

func (e *Executor) triageSuite(ctx context.Context, rs *runState, res *SuiteResult) ([]triage.Finding, error) {
	ctx, cancel := e.stepContext(ctx)
	defer cancel()
	return e.collab.Comprehension.Triage(ctx, TriageRequest{
		RepoDir:    rs.checkout.Dir,
		Suite:      res.Suite,
		ReportPath: res.ReportPath,
	})
}

func (e *Executor) reportFindings(res *SuiteResult) ([]triage.Finding, error) {
	if res.ReportPath == "" {
		return nil, errors.New("suite produced no report")
	}
	data, err := os.ReadFile(res.ReportPath)
	if err != nil {
		return nil, err
	}
	findings, _, err := triage.ParseReport(data, res.Suite)
	return findings, err
}

func (e *Executor) partial(rs *runState, suite domain.Suite, err error) error {
	e.logger.Warn("partial triage failure",
		zap.String("run_id", rs.run.ID),
		zap.String("suite", string(suite)),
		zap.Error(err))
	_, aerr := e.events.Append(rs.run.ID, domain.PartialFailurePayload{
		Step:  domain.RunTriaging,
		Suite: suite,
		Error: err.Error(),
	})
	return aerr
}

func tagSuite(findings []triage.Finding, suite domain.Suite) []triage.Finding {
	for i := range findings {
		if findings[i].Suite == "" {
			findings[i].Suite = string(suite)
		}
	}
	return findings
}

// fileIssues files one issue per bug above the confidence threshold, then
// commits results back when requested.
func (e *Executor) fileIssues(ctx context.Context, rs *runState) error {
	payload := domain.IssuesPayload{}

	switch eligible, err := e.eligibleBugs(rs); {
	case err != nil:
		return err
	case !rs.run.CreateGitHubIssues:
		payload.Skipped = true
		payload.Reason = "issue creation not requested"
	case len(eligible) == 0:
		payload.Skipped = true
		payload.Reason = fmt.Sprintf("no bugs above confidence threshold %d", e.cfg.IssueThreshold)
	default:
		for _, bug := range eligible {
			url, err := e.fileIssue(ctx, rs, bug)
			if err != nil {
				return fmt.Errorf("filing issue for bug %s: %w", bug.ID, err)
			}
			if err := e.store.RecordIssue(rs.run.ID, bug.ID, url); err != nil {
				return err
			}
			payload.Created++
		}
	}
	rs.summary.IssuesCreated = payload.Created

	if rs.run.CommitResults {
		if err := e.commit(ctx, rs); err != nil {
			return fmt.Errorf("committing results: %w", err)
		}
		payload.Committed = true
		rs.summary.Committed = true
	}

	_, err := e.events.Append(rs.run.ID, payload)
	return err
}

func (e *Executor) eligibleBugs(rs *runState) ([]*domain.Bug, error) {
	bugs, err := e.store.ListBugs(rs.run.ID)
	if err != nil {
		return nil, err
	}
	var out []*domain.Bug
	for _, b := range bugs {
		if b.Confidence > e.cfg.IssueThreshold && b.IssueURL == "" {
			out = append(out, b)
		}
	}
	return out, nil
}

func (e *Executor) fileIssue(ctx context.Context, rs *runState, bug *domain.Bug) (string, error) {
	ctx, cancel := e.stepContext(ctx)
	defer cancel()
	return e.collab.Issues.FileIssue(ctx, rs.run.RepoURL, bug)
}

func (e *Executor) commit(ctx context.Context, rs *runState) error {
	ctx, cancel := e.stepContext(ctx)
	defer cancel()
	return e.collab.Repo.CommitResults(ctx, rs.checkout, fmt.Sprintf("uiqa: add generated UI tests (run %s)", rs.run.ID))
}
