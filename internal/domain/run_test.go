package domain

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to RunStatus
		want     bool
	}{
		{RunQueued, RunCloning, true},
		{RunCloning, RunAnalyzing, true},
		{RunTriaging, RunFilingIssues, true},
		{RunFilingIssues, RunSucceeded, true},
		{RunQueued, RunAnalyzing, false},
		{RunTesting, RunGenerating, false},
		{RunTesting, RunFailed, true},
		{RunQueued, RunFailed, true},
		{RunSucceeded, RunFailed, false},
		{RunFailed, RunQueued, false},
		{RunStatus("bogus"), RunFailed, false},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestRunStatus_NextWalksPipeline(t *testing.T) {
	var path []RunStatus
	for s := RunQueued; ; {
		path = append(path, s)
		next, ok := s.Next()
		if !ok {
			break
		}
		s = next
	}
	if len(path) != 8 || path[len(path)-1] != RunSucceeded {
		t.Errorf("path = %v, want 8 states ending in succeeded", path)
	}
	if _, ok := RunFailed.Next(); ok {
		t.Error("failed should have no next state")
	}
}

func TestRunParams_Validate(t *testing.T) {
	tests := []struct {
		name    string
		params  RunParams
		wantErr bool
	}{
		{"valid", RunParams{RepoURL: "https://github.com/o/r", Suite: SuiteSmoke}, false},
		{"missing url", RunParams{Suite: SuiteBoth}, true},
		{"blank url", RunParams{RepoURL: "   ", Suite: SuiteBoth}, true},
		{"bad suite", RunParams{RepoURL: "https://github.com/o/r", Suite: "nightly"}, true},
		{"empty suite", RunParams{RepoURL: "https://github.com/o/r"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.params.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidParams) {
				t.Errorf("error %v does not wrap ErrInvalidParams", err)
			}
		})
	}
}

func TestRunParams_Normalize(t *testing.T) {
	p := RunParams{RepoURL: " https://github.com/o/r "}
	p.Normalize()

	if p.RepoURL != "https://github.com/o/r" {
		t.Errorf("RepoURL = %q", p.RepoURL)
	}
	if p.Branch != "main" || p.Suite != SuiteBoth || p.AppDir != "." || p.UIDir != "." {
		t.Errorf("defaults not applied: %+v", p)
	}
}

func TestSuite_Expand(t *testing.T) {
	got := SuiteBoth.Expand()
	if len(got) != 2 || got[0] != SuiteSmoke || got[1] != SuiteRegression {
		t.Errorf("SuiteBoth.Expand() = %v, want [smoke regression]", got)
	}
	if Suite("x").Expand() != nil {
		t.Error("unknown suite should expand to nil")
	}
}

func TestParseSeverity(t *testing.T) {
	tests := []struct {
		in   string
		want Severity
	}{
		{"Blocker", SeverityCritical},
		{"critical", SeverityCritical},
		{"HIGH", SeverityMajor},
		{"medium", SeverityMinor},
		{"low", SeverityInfo},
		{"info", SeverityInfo},
		{"", SeverityMajor},
		{"weird", SeverityMajor},
	}
	for _, tt := range tests {
		if got := ParseSeverity(tt.in); got != tt.want {
			t.Errorf("ParseSeverity(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
	if SeverityCritical.Rank() <= SeverityMajor.Rank() || SeverityMinor.Rank() <= SeverityInfo.Rank() {
		t.Error("severity ranks out of order")
	}
}

func TestEvent_DecodePayload(t *testing.T) {
	raw, _ := json.Marshal(DonePayload{Status: RunSucceeded})
	ev := Event{RunID: "r1", Seq: 3, Type: EventDone, Payload: raw}

	p, err := ev.DecodePayload()
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	done, ok := p.(*DonePayload)
	if !ok {
		t.Fatalf("payload type = %T, want *DonePayload", p)
	}
	if done.Status != RunSucceeded {
		t.Errorf("Status = %s, want succeeded", done.Status)
	}

	if _, err := (Event{Type: "mystery"}).DecodePayload(); err == nil {
		t.Error("expected error for unknown type")
	}
}
