package pipeline

import (
	"context"

	"github.com/hochfrequenz/uiqa-orchestrator/internal/domain"
	"github.com/hochfrequenz/uiqa-orchestrator/internal/triage"
)

// Checkout is a cloned working copy
type Checkout struct {
	Dir    string
	Branch string
	Commit string
}

// RepoAccess clones repositories and optionally commits results back
type RepoAccess interface {
	Clone(ctx context.Context, repoURL, branch, dest string) (*Checkout, error)
	CommitResults(ctx context.Context, co *Checkout, message string) error
}

// StartSpec describes how to start the application under test
type StartSpec struct {
	Cwd     string `json:"cwd"`
	Command string `json:"command"`
	BaseURL string `json:"baseUrl"`
}

// Workflow is a user journey worth testing
type Workflow struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Steps       []string `json:"steps"`
}

// Analysis is the comprehension of the target repository
type Analysis struct {
	Start     StartSpec  `json:"start"`
	Workflows []Workflow `json:"workflows"`
	Detected  struct {
		HasPlaywright bool   `json:"hasPlaywright"`
		HasCypress    bool   `json:"hasCypress"`
		Notes         string `json:"notes"`
	} `json:"detected"`
	Selectors struct {
		Strategy string `json:"strategy"`
		Notes    string `json:"notes"`
	} `json:"selectors"`
}

// AnalyzeRequest asks for an analysis of a checkout
type AnalyzeRequest struct {
	RepoDir string
	AppDir  string
	UIDir   string
}

// Generation lists generated test artifacts
type Generation struct {
	TestsDir string   `json:"testsDir"`
	Files    []string `json:"files"`
}

// GenerateRequest asks for tests and docs to be generated
type GenerateRequest struct {
	RepoDir  string
	UIDir    string
	Analysis *Analysis
}

// TriageRequest asks for the failures of one suite to be turned into findings
type TriageRequest struct {
	RepoDir    string
	Suite      domain.Suite
	ReportPath string
}

// Comprehension understands the target code base: it analyzes, generates
// tests and triages failures.
type Comprehension interface {
	Analyze(ctx context.Context, req AnalyzeRequest) (*Analysis, error)
	Generate(ctx context.Context, req GenerateRequest) (*Generation, error)
	Triage(ctx context.Context, req TriageRequest) ([]triage.Finding, error)
}

// SuiteRequest asks for one test suite to be executed
type SuiteRequest struct {
	RunID        string
	RepoDir      string
	AppDir       string
	UIDir        string
	TestsDir     string
	Suite        domain.Suite
	Start        StartSpec
	ArtifactsDir string
}

// SuiteResult is the outcome of a suite. Failing tests are not an error.
type SuiteResult struct {
	Suite      domain.Suite
	ExitCode   int
	Passed     int
	Failed     int
	ReportPath string
}

// OK reports whether the suite passed
func (r *SuiteResult) OK() bool {
	return r.ExitCode == 0 && r.Failed == 0
}

// TestRunner executes generated tests
type TestRunner interface {
	RunSuite(ctx context.Context, req SuiteRequest) (*SuiteResult, error)
}

// IssueTracker files tracking issues for bugs
type IssueTracker interface {
	FileIssue(ctx context.Context, repoURL string, bug *domain.Bug) (string, error)
}
