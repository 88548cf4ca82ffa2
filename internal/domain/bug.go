package domain

import (
	"strings"
	"time"
)

// Severity is the ordinal classification of a bug
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityMajor    Severity = "major"
	SeverityMinor    Severity = "minor"
	SeverityInfo     Severity = "info"
)

// Rank orders severities; higher is more severe. Unknown values rank below info.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityMajor:
		return 2
	case SeverityMinor:
		return 1
	case SeverityInfo:
		return 0
	}
	return -1
}

// Valid reports whether s is one of the defined severities
func (s Severity) Valid() bool {
	return s.Rank() >= 0
}

// ParseSeverity maps free-form labels onto the ordinal set.
// Unrecognized labels default to major.
func ParseSeverity(label string) Severity {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "blocker", "critical", "p0":
		return SeverityCritical
	case "high", "major", "p1":
		return SeverityMajor
	case "medium", "moderate", "minor", "p2":
		return SeverityMinor
	case "low", "info", "trivial", "p3":
		return SeverityInfo
	}
	return SeverityMajor
}

// Bug is a triaged finding. ID is derived from the finding's content and
// is stable across triage passes.
type Bug struct {
	RunID              string    `json:"run_id"`
	ID                 string    `json:"bug_id"`
	TestType           string    `json:"test_type"`
	Workflow           string    `json:"workflow"`
	Severity           Severity  `json:"severity"`
	Title              string    `json:"title"`
	Expected           string    `json:"expected"`
	Actual             string    `json:"actual"`
	ReproSteps         []string  `json:"repro_steps"`
	PageURL            string    `json:"page_url,omitempty"`
	ConsoleErrors      []string  `json:"console_errors,omitempty"`
	NetworkFailures    []string  `json:"network_failures,omitempty"`
	TracePath          string    `json:"trace_path,omitempty"`
	ScreenshotPath     string    `json:"screenshot_path,omitempty"`
	VideoPath          string    `json:"video_path,omitempty"`
	SuspectedRootCause string    `json:"suspected_root_cause,omitempty"`
	CodeLocationGuess  string    `json:"code_location_guess,omitempty"`
	Confidence         int       `json:"confidence"`
	IssueURL           string    `json:"github_issue_url,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// IssueLink pairs a bug with the tracking issue filed for it
type IssueLink struct {
	RunID     string    `json:"run_id"`
	BugID     string    `json:"bug_id"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"created_at"`
}
