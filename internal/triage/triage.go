// Package triage turns raw test findings into deduplicated bug records.
package triage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/hochfrequenz/uiqa-orchestrator/internal/domain"
)

// bugNamespace scopes derived bug identities
var bugNamespace = uuid.MustParse("5b0f6a3e-8c1d-4e55-9a57-2f1c0d7e4b11")

// DefaultConfidence is assigned to findings that carry no confidence score
const DefaultConfidence = 70

// Finding is one raw defect report, as produced by the comprehension
// collaborator or extracted from a test report.
type Finding struct {
	Title           string     `json:"title"`
	Severity        string     `json:"severity"`
	Suite           string     `json:"suite"`
	Workflow        string     `json:"workflow"`
	ReproSteps      StringList `json:"repro_steps"`
	Expected        string     `json:"expected"`
	Actual          string     `json:"actual"`
	PageURL         string     `json:"page_url"`
	ConsoleErrors   StringList `json:"console_errors"`
	NetworkFailures StringList `json:"network_failures"`
	EvidencePaths   StringList `json:"evidence_paths"`
	SuggestedFix    string     `json:"suggested_fix"`
	ComponentGuess  string     `json:"component_guess"`
	Confidence      Confidence `json:"confidence"`
}

// StringList accepts either a JSON array of strings or a single string
type StringList []string

// UnmarshalJSON implements json.Unmarshaler
func (l *StringList) UnmarshalJSON(data []byte) error {
	var many []string
	if err := json.Unmarshal(data, &many); err == nil {
		*l = many
		return nil
	}
	var one string
	if err := json.Unmarshal(data, &one); err != nil {
		return err
	}
	if one == "" {
		*l = nil
		return nil
	}
	*l = strings.Split(one, "\n")
	return nil
}

// Confidence is a 0-100 score. Fractions in [0,1] are scaled up.
type Confidence int

// UnmarshalJSON implements json.Unmarshaler
func (c *Confidence) UnmarshalJSON(data []byte) error {
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		var s string
		if json.Unmarshal(data, &s) != nil {
			return err
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "%")
		if s == "" {
			*c = 0
			return nil
		}
		if f, err = strconv.ParseFloat(s, 64); err != nil {
			return fmt.Errorf("invalid confidence %q", s)
		}
	}
	if f > 0 && f <= 1 {
		f *= 100
	}
	*c = Confidence(clamp(int(f+0.5), 0, 100))
	return nil
}

// Result is the outcome of a triage pass
type Result struct {
	Bugs         []domain.Bug
	Merged       int
	Unclassified int
}

// Triage classifies findings for a run, merging duplicates within the pass.
// defaultSuite is used when a finding does not name one.
func Triage(runID string, defaultSuite domain.Suite, findings []Finding) Result {
	var res Result
	var bugs []domain.Bug
	for _, f := range findings {
		bug, ok := Classify(runID, defaultSuite, f)
		if !ok {
			res.Unclassified++
			continue
		}
		bugs = append(bugs, bug)
	}
	res.Bugs, res.Merged = Merge(bugs)
	return res
}

// Classify converts a finding into a bug with a derived identity. It reports
// false when the finding has nothing to identify it by.
func Classify(runID string, defaultSuite domain.Suite, f Finding) (domain.Bug, bool) {
	title := strings.TrimSpace(stripANSI(f.Title))
	if title == "" {
		return domain.Bug{}, false
	}

	testType := strings.ToLower(strings.TrimSpace(f.Suite))
	if testType == "" {
		testType = string(defaultSuite)
	}
	workflow := strings.TrimSpace(f.Workflow)

	confidence := int(f.Confidence)
	if confidence == 0 {
		confidence = DefaultConfidence
	}

	bug := domain.Bug{
		RunID:              runID,
		TestType:           testType,
		Workflow:           workflow,
		Severity:           domain.ParseSeverity(f.Severity),
		Title:              truncate(title, 200),
		Expected:           strings.TrimSpace(f.Expected),
		Actual:             truncate(strings.TrimSpace(stripANSI(f.Actual)), 2000),
		ReproSteps:         f.ReproSteps,
		PageURL:            f.PageURL,
		ConsoleErrors:      f.ConsoleErrors,
		NetworkFailures:    f.NetworkFailures,
		SuspectedRootCause: f.SuggestedFix,
		CodeLocationGuess:  f.ComponentGuess,
		Confidence:         confidence,
	}
	for _, p := range f.EvidencePaths {
		attachEvidence(&bug, p)
	}
	bug.ID = Identity(workflow, testType, bug.Title, bug.Expected, bug.Actual)
	return bug, true
}

// Identity derives the stable id of a finding. Inputs are normalized so
// cosmetic differences between triage passes map to the same id.
func Identity(workflow, testType, title, expected, actual string) string {
	key := strings.Join([]string{
		normalize(workflow),
		normalize(testType),
		normalize(title),
		normalize(expected),
		normalize(actual),
	}, "\x1f")
	return uuid.NewSHA1(bugNamespace, []byte(key)).String()
}

// Merge collapses bugs sharing an id, keeping first-seen order. The surviving
// record is the more severe one, then the more confident one.
func Merge(bugs []domain.Bug) ([]domain.Bug, int) {
	index := make(map[string]int, len(bugs))
	var out []domain.Bug
	merged := 0
	for _, b := range bugs {
		i, seen := index[b.ID]
		if !seen {
			index[b.ID] = len(out)
			out = append(out, b)
			continue
		}
		merged++
		if better(b, out[i]) {
			out[i] = b
		}
	}
	return out, merged
}

func better(a, b domain.Bug) bool {
	if a.Severity.Rank() != b.Severity.Rank() {
		return a.Severity.Rank() > b.Severity.Rank()
	}
	return a.Confidence > b.Confidence
}

func attachEvidence(bug *domain.Bug, path string) {
	if path == "" {
		return
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".zip":
		if bug.TracePath == "" {
			bug.TracePath = path
		}
	case ".png", ".jpg", ".jpeg":
		if bug.ScreenshotPath == "" {
			bug.ScreenshotPath = path
		}
	case ".webm", ".mp4":
		if bug.VideoPath == "" {
			bug.VideoPath = path
		}
	}
}

var (
	ansiPattern  = regexp.MustCompile(`\x1b\[[0-9;]*[A-Za-z]`)
	spacePattern = regexp.MustCompile(`\s+`)
)

func stripANSI(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}

func normalize(s string) string {
	s = stripANSI(s)
	s = strings.ToLower(s)
	return strings.TrimSpace(spacePattern.ReplaceAllString(s, " "))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
