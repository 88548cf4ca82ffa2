package triage

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/hochfrequenz/uiqa-orchestrator/internal/domain"
)

// CSVHeader is the fixed column order of the bug export
var CSVHeader = []string{"severity", "title", "test_type", "workflow", "confidence", "github_issue_url"}

// WriteCSV writes bugs as CSV with a header row
func WriteCSV(w io.Writer, bugs []*domain.Bug) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader); err != nil {
		return err
	}
	for _, b := range bugs {
		if err := cw.Write([]string{
			string(b.Severity),
			b.Title,
			b.TestType,
			b.Workflow,
			strconv.Itoa(b.Confidence),
			b.IssueURL,
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteCSVFile writes the export to path, creating parent directories
func WriteCSVFile(path string, bugs []*domain.Bug) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteCSV(f, bugs); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
