package runstore

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hochfrequenz/uiqa-orchestrator/internal/domain"
)

const bugColumns = `run_id, bug_id, test_type, workflow, severity, title, expected, actual, repro_steps,
	page_url, console_errors, network_failures, trace_path, screenshot_path, video_path,
	suspected_root_cause, code_location_guess, confidence, issue_url, created_at, updated_at`

// UpsertBug inserts a bug or refreshes the existing row with the same
// (run, bug id). The issue URL and creation time of an existing row are kept.
func (s *Store) UpsertBug(bug *domain.Bug) error {
	now := time.Now().UTC()
	if bug.CreatedAt.IsZero() {
		bug.CreatedAt = now
	}
	bug.UpdatedAt = now

	repro, err := marshalList(bug.ReproSteps)
	if err != nil {
		return err
	}
	consoleErrs, err := marshalList(bug.ConsoleErrors)
	if err != nil {
		return err
	}
	netFailures, err := marshalList(bug.NetworkFailures)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO bugs (`+bugColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?)
		ON CONFLICT(run_id, bug_id) DO UPDATE SET
			severity = excluded.severity,
			title = excluded.title,
			expected = excluded.expected,
			actual = excluded.actual,
			repro_steps = excluded.repro_steps,
			page_url = excluded.page_url,
			console_errors = excluded.console_errors,
			network_failures = excluded.network_failures,
			trace_path = excluded.trace_path,
			screenshot_path = excluded.screenshot_path,
			video_path = excluded.video_path,
			suspected_root_cause = excluded.suspected_root_cause,
			code_location_guess = excluded.code_location_guess,
			confidence = excluded.confidence,
			updated_at = excluded.updated_at
	`,
		bug.RunID,
		bug.ID,
		bug.TestType,
		bug.Workflow,
		string(bug.Severity),
		bug.Title,
		bug.Expected,
		bug.Actual,
		repro,
		bug.PageURL,
		consoleErrs,
		netFailures,
		bug.TracePath,
		bug.ScreenshotPath,
		bug.VideoPath,
		bug.SuspectedRootCause,
		bug.CodeLocationGuess,
		bug.Confidence,
		toMillis(bug.CreatedAt),
		toMillis(bug.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting bug %s: %w", bug.ID, err)
	}
	return nil
}

// GetBug retrieves one bug of a run
func (s *Store) GetBug(runID, bugID string) (*domain.Bug, error) {
	row := s.db.QueryRow(`SELECT `+bugColumns+` FROM bugs WHERE run_id = ? AND bug_id = ?`, runID, bugID)
	bug, err := scanBug(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("bug %s: %w", bugID, ErrNotFound)
	}
	return bug, err
}

// ListBugs returns a run's bugs, most severe and most confident first
func (s *Store) ListBugs(runID string) ([]*domain.Bug, error) {
	rows, err := s.db.Query(`SELECT `+bugColumns+` FROM bugs WHERE run_id = ?
		ORDER BY CASE severity
			WHEN 'critical' THEN 0
			WHEN 'major' THEN 1
			WHEN 'minor' THEN 2
			ELSE 3 END,
		confidence DESC, created_at ASC, bug_id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bugs []*domain.Bug
	for rows.Next() {
		bug, err := scanBug(rows)
		if err != nil {
			return nil, err
		}
		bugs = append(bugs, bug)
	}
	return bugs, rows.Err()
}

// RecordIssue stores the issue link for a bug and copies the URL onto the bug row.
// A bug keeps its first issue link.
func (s *Store) RecordIssue(runID, bugID, url string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := toMillis(time.Now())
	if _, err := tx.Exec(`
		INSERT INTO issues (run_id, bug_id, url, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id, bug_id) DO NOTHING
	`, runID, bugID, url, now); err != nil {
		return fmt.Errorf("inserting issue link: %w", err)
	}

	res, err := tx.Exec(`UPDATE bugs SET issue_url = ?, updated_at = ? WHERE run_id = ? AND bug_id = ? AND issue_url IS NULL`,
		url, now, runID, bugID)
	if err != nil {
		return fmt.Errorf("updating bug issue url: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		err := tx.QueryRow(`SELECT 1 FROM bugs WHERE run_id = ? AND bug_id = ?`, runID, bugID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("bug %s: %w", bugID, ErrNotFound)
		}
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// ListIssues returns the issue links filed for a run in filing order
func (s *Store) ListIssues(runID string) ([]domain.IssueLink, error) {
	rows, err := s.db.Query(`SELECT run_id, bug_id, url, created_at FROM issues WHERE run_id = ? ORDER BY id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var links []domain.IssueLink
	for rows.Next() {
		var link domain.IssueLink
		var createdAt int64
		if err := rows.Scan(&link.RunID, &link.BugID, &link.URL, &createdAt); err != nil {
			return nil, err
		}
		link.CreatedAt = fromMillis(createdAt)
		links = append(links, link)
	}
	return links, rows.Err()
}

func scanBug(row scanner) (*domain.Bug, error) {
	var bug domain.Bug
	var severity string
	var expected, actual, repro, pageURL, consoleErrs, netFailures sql.NullString
	var tracePath, screenshotPath, videoPath, rootCause, codeLoc, issueURL sql.NullString
	var createdAt, updatedAt int64

	err := row.Scan(&bug.RunID, &bug.ID, &bug.TestType, &bug.Workflow, &severity, &bug.Title,
		&expected, &actual, &repro, &pageURL, &consoleErrs, &netFailures,
		&tracePath, &screenshotPath, &videoPath, &rootCause, &codeLoc,
		&bug.Confidence, &issueURL, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	bug.Severity = domain.Severity(severity)
	bug.Expected = expected.String
	bug.Actual = actual.String
	bug.PageURL = pageURL.String
	bug.TracePath = tracePath.String
	bug.ScreenshotPath = screenshotPath.String
	bug.VideoPath = videoPath.String
	bug.SuspectedRootCause = rootCause.String
	bug.CodeLocationGuess = codeLoc.String
	bug.IssueURL = issueURL.String
	bug.CreatedAt = fromMillis(createdAt)
	bug.UpdatedAt = fromMillis(updatedAt)

	if bug.ReproSteps, err = unmarshalList(repro); err != nil {
		return nil, err
	}
	if bug.ConsoleErrors, err = unmarshalList(consoleErrs); err != nil {
		return nil, err
	}
	if bug.NetworkFailures, err = unmarshalList(netFailures); err != nil {
		return nil, err
	}

	return &bug, nil
}
