package triage

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/hochfrequenz/uiqa-orchestrator/internal/domain"
)

func TestIdentity_StableAcrossCosmeticChanges(t *testing.T) {
	a := Identity("checkout", "smoke", "Pay button  disabled", "enabled", "\x1b[31mdisabled\x1b[0m")
	b := Identity("Checkout", "SMOKE", " pay button disabled ", "Enabled", "disabled")
	if a != b {
		t.Errorf("identities differ: %s vs %s", a, b)
	}

	c := Identity("checkout", "regression", "Pay button disabled", "enabled", "disabled")
	if a == c {
		t.Error("different test type should give a different identity")
	}
}

func TestClassify(t *testing.T) {
	f := Finding{
		Title:          "Login fails",
		Severity:       "blocker",
		Workflow:       "auth",
		Expected:       "dashboard",
		Actual:         "500",
		EvidencePaths:  StringList{"trace.zip", "shot.png", "video.webm"},
		SuggestedFix:   "check session cookie",
		ComponentGuess: "src/auth.ts",
	}

	bug, ok := Classify("r1", domain.SuiteSmoke, f)
	if !ok {
		t.Fatal("Classify rejected a valid finding")
	}
	if bug.Severity != domain.SeverityCritical {
		t.Errorf("Severity = %s, want critical", bug.Severity)
	}
	if bug.TestType != "smoke" {
		t.Errorf("TestType = %q, want smoke", bug.TestType)
	}
	if bug.Confidence != DefaultConfidence {
		t.Errorf("Confidence = %d, want %d", bug.Confidence, DefaultConfidence)
	}
	if bug.TracePath != "trace.zip" || bug.ScreenshotPath != "shot.png" || bug.VideoPath != "video.webm" {
		t.Errorf("evidence not attached: %+v", bug)
	}
	if bug.SuspectedRootCause != "check session cookie" || bug.CodeLocationGuess != "src/auth.ts" {
		t.Errorf("narrative not mapped: %+v", bug)
	}
	if bug.ID == "" || bug.RunID != "r1" {
		t.Errorf("identity not set: %+v", bug)
	}

	if _, ok := Classify("r1", domain.SuiteSmoke, Finding{Title: "  "}); ok {
		t.Error("finding without title should be unclassified")
	}
}

func TestTriage_DedupWithinPass(t *testing.T) {
	findings := []Finding{
		{Title: "Cart empty", Severity: "minor", Workflow: "cart", Confidence: 40},
		{Title: "cart  EMPTY", Severity: "major", Workflow: "cart", Confidence: 30},
		{Title: "Cart empty", Severity: "major", Workflow: "cart", Confidence: 90},
		{Title: "Search broken", Severity: "info", Workflow: "search"},
		{Title: ""},
	}

	res := Triage("r1", domain.SuiteRegression, findings)
	if len(res.Bugs) != 2 {
		t.Fatalf("bugs = %d, want 2", len(res.Bugs))
	}
	if res.Merged != 2 {
		t.Errorf("Merged = %d, want 2", res.Merged)
	}
	if res.Unclassified != 1 {
		t.Errorf("Unclassified = %d, want 1", res.Unclassified)
	}
	cart := res.Bugs[0]
	if cart.Severity != domain.SeverityMajor || cart.Confidence != 90 {
		t.Errorf("merge kept %s/%d, want major/90", cart.Severity, cart.Confidence)
	}
}

func TestTriage_RepeatedPassSameIDs(t *testing.T) {
	findings := []Finding{{Title: "Broken link", Workflow: "nav"}, {Title: "Slow page", Workflow: "home"}}
	first := Triage("r1", domain.SuiteSmoke, findings)
	second := Triage("r1", domain.SuiteSmoke, findings)

	for i := range first.Bugs {
		if first.Bugs[i].ID != second.Bugs[i].ID {
			t.Errorf("bug %d id changed between passes", i)
		}
	}
}

func TestConfidence_Unmarshal(t *testing.T) {
	tests := []struct {
		in   string
		want Confidence
	}{
		{`85`, 85},
		{`0.85`, 85},
		{`"72"`, 72},
		{`"60%"`, 60},
		{`150`, 100},
		{`""`, 0},
	}
	for _, tt := range tests {
		var c Confidence
		if err := json.Unmarshal([]byte(tt.in), &c); err != nil {
			t.Errorf("Unmarshal(%s) error: %v", tt.in, err)
			continue
		}
		if c != tt.want {
			t.Errorf("Unmarshal(%s) = %d, want %d", tt.in, c, tt.want)
		}
	}
}

func TestStringList_Unmarshal(t *testing.T) {
	var f Finding
	if err := json.Unmarshal([]byte(`{"title":"x","repro_steps":"open\nclick","console_errors":["a"]}`), &f); err != nil {
		t.Fatal(err)
	}
	if len(f.ReproSteps) != 2 || f.ReproSteps[1] != "click" {
		t.Errorf("ReproSteps = %v", f.ReproSteps)
	}
	if len(f.ConsoleErrors) != 1 {
		t.Errorf("ConsoleErrors = %v", f.ConsoleErrors)
	}
}

func TestParseReport(t *testing.T) {
	data, err := os.ReadFile(filepath.Join("testdata", "results.json"))
	if err != nil {
		t.Fatal(err)
	}

	findings, counts, err := ParseReport(data, domain.SuiteSmoke)
	if err != nil {
		t.Fatal(err)
	}
	if counts.Passed != 2 || counts.Failed != 2 {
		t.Errorf("counts = %+v, want 2 passed 2 failed", counts)
	}
	if len(findings) != 2 {
		t.Fatalf("findings = %d, want 2", len(findings))
	}

	f := findings[0]
	if f.Title != "Checkout › pays with card" {
		t.Errorf("Title = %q", f.Title)
	}
	if f.Workflow != "Checkout" {
		t.Errorf("Workflow = %q", f.Workflow)
	}
	if f.Actual != "expected button to be enabled" {
		t.Errorf("Actual = %q", f.Actual)
	}
	if f.ComponentGuess != "checkout.spec.ts:12" {
		t.Errorf("ComponentGuess = %q", f.ComponentGuess)
	}
	if len(f.EvidencePaths) != 1 {
		t.Errorf("EvidencePaths = %v", f.EvidencePaths)
	}
	if findings[1].Actual != "Test timedOut" {
		t.Errorf("timed out Actual = %q", findings[1].Actual)
	}
}

func TestParseReport_Invalid(t *testing.T) {
	if _, _, err := ParseReport([]byte("not json"), domain.SuiteSmoke); err == nil {
		t.Error("expected error")
	}
}

func TestWriteCSV(t *testing.T) {
	bugs := []*domain.Bug{
		{Severity: domain.SeverityCritical, Title: "Crash, on load", TestType: "smoke", Workflow: "home", Confidence: 90, IssueURL: "https://x/1"},
		{Severity: domain.SeverityMinor, Title: "Typo", TestType: "regression", Workflow: "about", Confidence: 30},
		{Severity: domain.SeverityInfo, Title: "Slow", TestType: "smoke", Workflow: "home", Confidence: 50},
	}

	var buf bytes.Buffer
	if err := WriteCSV(&buf, bugs); err != nil {
		t.Fatal(err)
	}

	records, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 4 {
		t.Fatalf("rows = %d, want header + 3", len(records))
	}
	for i, col := range CSVHeader {
		if records[0][i] != col {
			t.Errorf("header[%d] = %q, want %q", i, records[0][i], col)
		}
	}
	if records[1][1] != "Crash, on load" || records[1][5] != "https://x/1" {
		t.Errorf("row 1 = %v", records[1])
	}
	for _, row := range records[1:] {
		if !domain.Severity(row[0]).Valid() {
			t.Errorf("severity %q outside the ordinal set", row[0])
		}
	}
}

func TestWriteCSVFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "bugs.csv")
	if err := WriteCSVFile(path, nil); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "severity,title,test_type,workflow,confidence,github_issue_url\n" {
		t.Errorf("content = %q", data)
	}
}
