package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidParams is returned when run parameters fail validation
var ErrInvalidParams = errors.New("invalid run parameters")

// RunStatus represents the pipeline state of a run
type RunStatus string

const (
	RunQueued       RunStatus = "queued"
	RunCloning      RunStatus = "cloning"
	RunAnalyzing    RunStatus = "analyzing"
	RunGenerating   RunStatus = "generating"
	RunTesting      RunStatus = "testing"
	RunTriaging     RunStatus = "triaging"
	RunFilingIssues RunStatus = "filing_issues"
	RunSucceeded    RunStatus = "succeeded"
	RunFailed       RunStatus = "failed"
)

// pipelineOrder is the forward path through the state machine.
// RunFailed sits outside it and is reachable from any non-terminal state.
var pipelineOrder = []RunStatus{
	RunQueued,
	RunCloning,
	RunAnalyzing,
	RunGenerating,
	RunTesting,
	RunTriaging,
	RunFilingIssues,
	RunSucceeded,
}

// IsTerminal reports whether no further transitions are possible
func (s RunStatus) IsTerminal() bool {
	return s == RunSucceeded || s == RunFailed
}

// Valid reports whether s is a known status
func (s RunStatus) Valid() bool {
	return s == RunFailed || s.index() >= 0
}

func (s RunStatus) index() int {
	for i, st := range pipelineOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// Next returns the state that follows s on the success path
func (s RunStatus) Next() (RunStatus, bool) {
	i := s.index()
	if i < 0 || i == len(pipelineOrder)-1 {
		return "", false
	}
	return pipelineOrder[i+1], true
}

// CanTransition reports whether a run may move from one status to another.
// Transitions only go one step forward, or to failed from a non-terminal state.
func CanTransition(from, to RunStatus) bool {
	if from.IsTerminal() {
		return false
	}
	if to == RunFailed {
		return from.Valid()
	}
	next, ok := from.Next()
	return ok && next == to
}

// Suite selects which test suites a run executes
type Suite string

const (
	SuiteSmoke      Suite = "smoke"
	SuiteRegression Suite = "regression"
	SuiteBoth       Suite = "both"
)

// Expand returns the concrete suites to execute, in order
func (s Suite) Expand() []Suite {
	switch s {
	case SuiteSmoke:
		return []Suite{SuiteSmoke}
	case SuiteRegression:
		return []Suite{SuiteRegression}
	case SuiteBoth:
		return []Suite{SuiteSmoke, SuiteRegression}
	}
	return nil
}

// RunParams are the caller-supplied inputs of a run
type RunParams struct {
	RepoURL            string `json:"repo_url"`
	Branch             string `json:"branch"`
	AppDir             string `json:"app_dir"`
	UIDir              string `json:"ui_dir"`
	Suite              Suite  `json:"suite"`
	CreateGitHubIssues bool   `json:"create_github_issues"`
	CommitResults      bool   `json:"commit_results"`
}

// Normalize fills in defaults for optional fields
func (p *RunParams) Normalize() {
	p.RepoURL = strings.TrimSpace(p.RepoURL)
	if p.Branch == "" {
		p.Branch = "main"
	}
	if p.AppDir == "" {
		p.AppDir = "."
	}
	if p.UIDir == "" {
		p.UIDir = "."
	}
	if p.Suite == "" {
		p.Suite = SuiteBoth
	}
}

// Validate checks the parameters without modifying them
func (p RunParams) Validate() error {
	if strings.TrimSpace(p.RepoURL) == "" {
		return fmt.Errorf("%w: repo_url is required", ErrInvalidParams)
	}
	if p.Suite.Expand() == nil {
		return fmt.Errorf("%w: suite must be one of smoke, regression, both (got %q)", ErrInvalidParams, p.Suite)
	}
	return nil
}

// Run is one end-to-end execution of the QA pipeline
type Run struct {
	ID string `json:"id"`
	RunParams
	Status       RunStatus   `json:"status"`
	CommitSHA    string      `json:"commit_sha,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	StartedAt    *time.Time  `json:"started_at,omitempty"`
	FinishedAt   *time.Time  `json:"finished_at,omitempty"`
	HeartbeatAt  *time.Time  `json:"heartbeat_at,omitempty"`
	ClaimedBy    string      `json:"claimed_by,omitempty"`
	Summary      *RunSummary `json:"summary,omitempty"`
	ErrorMessage string      `json:"error_message,omitempty"`
}

// RunSummary is the structured pipeline result stored on terminal runs
type RunSummary struct {
	Suites        []SuiteSummary `json:"suites"`
	Bugs          int            `json:"bugs"`
	IssuesCreated int            `json:"issues_created"`
	Committed     bool           `json:"committed"`
	CSVPath       string         `json:"csv_path,omitempty"`
}

// SuiteSummary condenses one suite execution
type SuiteSummary struct {
	Suite    Suite `json:"suite"`
	OK       bool  `json:"ok"`
	ExitCode int   `json:"exit_code"`
	Passed   int   `json:"passed"`
	Failed   int   `json:"failed"`
}
