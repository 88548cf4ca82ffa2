package triage

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hochfrequenz/uiqa-orchestrator/internal/domain"
)

// playwrightReport is the subset of Playwright's JSON reporter output we read
type playwrightReport struct {
	Suites []reportSuite `json:"suites"`
}

type reportSuite struct {
	Title  string        `json:"title"`
	File   string        `json:"file"`
	Specs  []reportSpec  `json:"specs"`
	Suites []reportSuite `json:"suites"`
}

type reportSpec struct {
	Title string       `json:"title"`
	File  string       `json:"file"`
	Line  int          `json:"line"`
	Tests []reportTest `json:"tests"`
}

type reportTest struct {
	ProjectName string         `json:"projectName"`
	Results     []reportResult `json:"results"`
}

type reportResult struct {
	Status      string             `json:"status"`
	Error       *reportError       `json:"error"`
	Errors      []reportError      `json:"errors"`
	Attachments []reportAttachment `json:"attachments"`
}

type reportError struct {
	Message string `json:"message"`
}

type reportAttachment struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	ContentType string `json:"contentType"`
}

// Counts tallies test outcomes in a report
type Counts struct {
	Passed int
	Failed int
}

// ParseReport extracts one finding per failed test from a Playwright JSON
// report. Only the last attempt of a retried test counts.
func ParseReport(data []byte, suite domain.Suite) ([]Finding, Counts, error) {
	var report playwrightReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, Counts{}, fmt.Errorf("parsing playwright report: %w", err)
	}

	var findings []Finding
	var counts Counts
	var walk func(s reportSuite, path []string)
	walk = func(s reportSuite, path []string) {
		if s.Title != "" && s.Title != s.File {
			path = append(path, s.Title)
		}
		for _, spec := range s.Specs {
			for _, test := range spec.Tests {
				if len(test.Results) == 0 {
					continue
				}
				last := test.Results[len(test.Results)-1]
				if !failedStatus(last.Status) {
					if last.Status == "passed" {
						counts.Passed++
					}
					continue
				}
				counts.Failed++
				findings = append(findings, findingFromResult(suite, path, spec, last))
			}
		}
		for _, child := range s.Suites {
			walk(child, path)
		}
	}
	for _, s := range report.Suites {
		walk(s, nil)
	}
	return findings, counts, nil
}

func failedStatus(status string) bool {
	return status == "failed" || status == "timedOut" || status == "interrupted"
}

func findingFromResult(suite domain.Suite, path []string, spec reportSpec, res reportResult) Finding {
	msg := ""
	if res.Error != nil && res.Error.Message != "" {
		msg = res.Error.Message
	} else if len(res.Errors) > 0 {
		msg = res.Errors[0].Message
	}
	if msg == "" {
		msg = "Test " + res.Status
	}

	title := spec.Title
	workflow := ""
	if len(path) > 0 {
		workflow = path[0]
		title = strings.Join(append(append([]string{}, path...), spec.Title), " › ")
	}

	var evidence []string
	for _, a := range res.Attachments {
		if a.Path != "" {
			evidence = append(evidence, a.Path)
		}
	}

	location := spec.File
	if location != "" && spec.Line > 0 {
		location = fmt.Sprintf("%s:%d", spec.File, spec.Line)
	}

	return Finding{
		Title:          title,
		Severity:       string(domain.SeverityMajor),
		Suite:          string(suite),
		Workflow:       workflow,
		ReproSteps:     StringList{"Run test: " + title},
		Expected:       "Test should pass",
		Actual:         firstLines(stripANSI(msg), 8),
		EvidencePaths:  evidence,
		SuggestedFix:   "Review the test failure and fix the underlying issue",
		ComponentGuess: location,
		Confidence:     DefaultConfidence,
	}
}

func firstLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[:n]
	}
	return strings.Join(lines, "\n")
}
