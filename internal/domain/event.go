package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType discriminates the payload variant carried by an Event
type EventType string

const (
	EventStep           EventType = "step"
	EventLog            EventType = "log"
	EventClone          EventType = "clone"
	EventAnalysis       EventType = "analysis"
	EventGeneration     EventType = "generation"
	EventSuite          EventType = "suite"
	EventTriage         EventType = "triage"
	EventPartialFailure EventType = "partial_failure"
	EventIssues         EventType = "issues"
	EventFailed         EventType = "failed"
	EventDone           EventType = "done"
)

// Event is an immutable progress record. Seq starts at 1 and is gapless per run.
type Event struct {
	RunID     string          `json:"run_id"`
	Seq       int64           `json:"seq"`
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"ts"`
	Payload   json.RawMessage `json:"payload"`
}

// Payload is implemented by every event payload variant
type Payload interface {
	EventType() EventType
}

// Step status values used in StepPayload
const (
	StepStarted  = "started"
	StepFinished = "finished"
	StepSkipped  = "skipped"
)

// StepPayload marks a pipeline step boundary
type StepPayload struct {
	Step    RunStatus `json:"step"`
	Status  string    `json:"status"`
	Message string    `json:"message,omitempty"`
}

// LogPayload is a free-text progress line
type LogPayload struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// ClonePayload reports the checked out revision
type ClonePayload struct {
	Branch string `json:"branch"`
	Commit string `json:"commit"`
}

// AnalysisPayload summarizes repository analysis
type AnalysisPayload struct {
	Workflows    []string `json:"workflows"`
	StartCommand string   `json:"start_command,omitempty"`
	BaseURL      string   `json:"base_url,omitempty"`
}

// GenerationPayload lists generated artifacts
type GenerationPayload struct {
	TestsDir string   `json:"tests_dir"`
	Files    []string `json:"files"`
}

// SuitePayload reports one suite execution
type SuitePayload struct {
	SuiteSummary
	ReportPath string `json:"report_path,omitempty"`
}

// TriagePayload reports the outcome of triage
type TriagePayload struct {
	Bugs     int  `json:"bugs"`
	Merged   int  `json:"merged"`
	Fallback bool `json:"fallback"`
}

// PartialFailurePayload records a non-fatal problem
type PartialFailurePayload struct {
	Step  RunStatus `json:"step"`
	Suite Suite     `json:"suite,omitempty"`
	Error string    `json:"error"`
}

// IssuesPayload reports issue filing
type IssuesPayload struct {
	Created   int    `json:"created"`
	Skipped   bool   `json:"skipped"`
	Reason    string `json:"reason,omitempty"`
	Committed bool   `json:"committed"`
}

// FailedPayload carries the error that ended a run
type FailedPayload struct {
	Step  RunStatus `json:"step"`
	Error string    `json:"error"`
}

// DonePayload is always the last event of a run
type DonePayload struct {
	Status RunStatus `json:"status"`
}

func (StepPayload) EventType() EventType           { return EventStep }
func (LogPayload) EventType() EventType            { return EventLog }
func (ClonePayload) EventType() EventType          { return EventClone }
func (AnalysisPayload) EventType() EventType       { return EventAnalysis }
func (GenerationPayload) EventType() EventType     { return EventGeneration }
func (SuitePayload) EventType() EventType          { return EventSuite }
func (TriagePayload) EventType() EventType         { return EventTriage }
func (PartialFailurePayload) EventType() EventType { return EventPartialFailure }
func (IssuesPayload) EventType() EventType         { return EventIssues }
func (FailedPayload) EventType() EventType         { return EventFailed }
func (DonePayload) EventType() EventType           { return EventDone }

// DecodePayload unmarshals the event payload into its typed variant
func (e Event) DecodePayload() (Payload, error) {
	var p Payload
	switch e.Type {
	case EventStep:
		p = &StepPayload{}
	case EventLog:
		p = &LogPayload{}
	case EventClone:
		p = &ClonePayload{}
	case EventAnalysis:
		p = &AnalysisPayload{}
	case EventGeneration:
		p = &GenerationPayload{}
	case EventSuite:
		p = &SuitePayload{}
	case EventTriage:
		p = &TriagePayload{}
	case EventPartialFailure:
		p = &PartialFailurePayload{}
	case EventIssues:
		p = &IssuesPayload{}
	case EventFailed:
		p = &FailedPayload{}
	case EventDone:
		p = &DonePayload{}
	default:
		return nil, fmt.Errorf("unknown event type %q", e.Type)
	}
	if len(e.Payload) > 0 {
		if err := json.Unmarshal(e.Payload, p); err != nil {
			return nil, fmt.Errorf("decoding %s payload: %w", e.Type, err)
		}
	}
	return p, nil
}
