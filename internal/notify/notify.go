// Package notify announces finished runs.
package notify

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/hochfrequenz/uiqa-orchestrator/internal/domain"
)

// Level is the severity of a notification
type Level int

const (
	LevelInfo Level = iota
	LevelSuccess
	LevelWarning
	LevelError
)

// Field is a short labelled value shown alongside the message
type Field struct {
	Label string
	Value string
}

// Notification is one message to send
type Notification struct {
	Level   Level
	Title   string
	Message string
	RunID   string
	Fields  []Field
}

// Notifier is the interface for sending notifications
type Notifier interface {
	Send(n Notification) error
}

// RunFinished builds the notification for a run reaching a terminal state
func RunFinished(run *domain.Run, summary *domain.RunSummary) Notification {
	var bugs, issues int
	if summary != nil {
		bugs, issues = summary.Bugs, summary.IssuesCreated
	}

	n := Notification{
		RunID: run.ID,
		Fields: []Field{
			{"Branch", run.Branch},
			{"Suite", string(run.Suite)},
			{"Status", string(run.Status)},
			{"Bugs", strconv.Itoa(bugs)},
		},
	}
	if issues > 0 {
		n.Fields = append(n.Fields, Field{"Issues", strconv.Itoa(issues)})
	}

	switch {
	case run.Status == domain.RunFailed:
		n.Level = LevelError
		n.Title = "UI QA run failed: " + run.RepoURL
		n.Message = run.ErrorMessage
	case bugs > 0:
		n.Level = LevelWarning
		n.Title = fmt.Sprintf("UI QA run found %d bug(s): %s", bugs, run.RepoURL)
	default:
		n.Level = LevelSuccess
		n.Title = "UI QA run passed: " + run.RepoURL
	}
	return n
}

// MultiNotifier fans out to several notifiers
type MultiNotifier []Notifier

// NewMultiNotifier creates a notifier that sends to all provided notifiers
func NewMultiNotifier(notifiers ...Notifier) MultiNotifier {
	return MultiNotifier(notifiers)
}

// Send delivers to every notifier and joins their errors
func (m MultiNotifier) Send(n Notification) error {
	var errs []error
	for _, notifier := range m {
		if err := notifier.Send(n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NoopNotifier discards notifications
type NoopNotifier struct{}

func (NoopNotifier) Send(Notification) error { return nil }
