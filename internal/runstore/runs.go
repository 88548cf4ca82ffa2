package runstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hochfrequenz/uiqa-orchestrator/internal/domain"
)

const runColumns = `id, repo_url, branch, app_dir, ui_dir, suite, create_github_issues, commit_results,
	status, commit_sha, claimed_by, created_at, started_at, finished_at, heartbeat_at, summary, error_message`

// CreateRun inserts a new queued run. A reused id yields ErrDuplicateRun.
func (s *Store) CreateRun(run *domain.Run) error {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	if run.Status == "" {
		run.Status = domain.RunQueued
	}

	res, err := s.db.Exec(`
		INSERT INTO runs (id, repo_url, branch, app_dir, ui_dir, suite, create_github_issues, commit_results, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		run.ID,
		run.RepoURL,
		run.Branch,
		run.AppDir,
		run.UIDir,
		string(run.Suite),
		run.CreateGitHubIssues,
		run.CommitResults,
		string(run.Status),
		toMillis(run.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateRun, run.ID)
	}
	return nil
}

// GetRun retrieves a run by ID
func (s *Store) GetRun(id string) (*domain.Run, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return run, err
}

// ListRuns returns the newest runs first
func (s *Store) ListRuns(limit int) ([]*domain.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.queryRuns(`SELECT `+runColumns+` FROM runs ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
}

// ListQueuedRuns returns unclaimed queued runs in submission order
func (s *Store) ListQueuedRuns(limit int) ([]*domain.Run, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryRuns(`SELECT `+runColumns+` FROM runs
		WHERE status = ? AND claimed_by IS NULL
		ORDER BY rowid ASC LIMIT ?`, string(domain.RunQueued), limit)
}

// ListStaleRuns returns claimed, non-terminal runs whose last heartbeat is older than cutoff
func (s *Store) ListStaleRuns(cutoff time.Time) ([]*domain.Run, error) {
	return s.queryRuns(`SELECT `+runColumns+` FROM runs
		WHERE status NOT IN (?, ?) AND claimed_by IS NOT NULL
		AND COALESCE(heartbeat_at, created_at) < ?
		ORDER BY rowid ASC`,
		string(domain.RunSucceeded), string(domain.RunFailed), toMillis(cutoff))
}

func (s *Store) queryRuns(query string, args ...any) ([]*domain.Run, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ClaimRun marks a queued run as owned by owner. It reports false when
// another owner got there first.
func (s *Store) ClaimRun(id, owner string) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE runs SET claimed_by = ?, heartbeat_at = ?
		WHERE id = ? AND claimed_by IS NULL AND status = ?
	`, owner, toMillis(time.Now()), id, string(domain.RunQueued))
	if err != nil {
		return false, fmt.Errorf("claiming run %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// TouchRun refreshes a run's heartbeat
func (s *Store) TouchRun(id string) error {
	_, err := s.db.Exec(`UPDATE runs SET heartbeat_at = ? WHERE id = ?`, toMillis(time.Now()), id)
	return err
}

// SetRunCommit records the checked out commit
func (s *Store) SetRunCommit(id, sha string) error {
	_, err := s.db.Exec(`UPDATE runs SET commit_sha = ? WHERE id = ?`, sha, id)
	return err
}

// UpdateRunStatus advances a non-terminal run along the state machine.
// started_at is set when the run leaves queued; it is never rewritten.
func (s *Store) UpdateRunStatus(id string, to domain.RunStatus) error {
	if to.IsTerminal() {
		return fmt.Errorf("%w: use FinishRun for %s", ErrInvalidTransition, to)
	}
	return s.transition(id, to, func(from domain.RunStatus) (string, []any) {
		return `started_at = COALESCE(started_at, ?)`, []any{toMillis(time.Now())}
	})
}

// FinishRun moves a run to a terminal status, storing its summary and error.
func (s *Store) FinishRun(id string, status domain.RunStatus, summary *domain.RunSummary, errMsg string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("%w: %s is not terminal", ErrInvalidTransition, status)
	}
	var summaryJSON sql.NullString
	if summary != nil {
		data, err := json.Marshal(summary)
		if err != nil {
			return err
		}
		summaryJSON = sql.NullString{String: string(data), Valid: true}
	}
	var errCol sql.NullString
	if errMsg != "" {
		errCol = sql.NullString{String: errMsg, Valid: true}
	}
	return s.transition(id, status, func(from domain.RunStatus) (string, []any) {
		now := toMillis(time.Now())
		return `started_at = COALESCE(started_at, ?), finished_at = COALESCE(finished_at, ?), summary = ?, error_message = ?`,
			[]any{now, now, summaryJSON, errCol}
	})
}

// transition applies a checked status change. The UPDATE is conditioned on the
// status read, so a concurrent change makes it fail rather than skip a state.
func (s *Store) transition(id string, to domain.RunStatus, extra func(from domain.RunStatus) (string, []any)) error {
	var current string
	err := s.db.QueryRow(`SELECT status FROM runs WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return err
	}

	from := domain.RunStatus(current)
	if !domain.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	set, args := extra(from)
	query := `UPDATE runs SET status = ?, ` + set + ` WHERE id = ? AND status = ?`
	args = append([]any{string(to)}, args...)
	args = append(args, id, current)

	res, err := s.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("updating run %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s changed concurrently", ErrInvalidTransition, id)
	}
	return nil
}

func scanRun(row scanner) (*domain.Run, error) {
	var run domain.Run
	var suite, status string
	var commitSHA, claimedBy, summary, errMsg sql.NullString
	var createdAt int64
	var startedAt, finishedAt, heartbeatAt sql.NullInt64

	err := row.Scan(&run.ID, &run.RepoURL, &run.Branch, &run.AppDir, &run.UIDir, &suite,
		&run.CreateGitHubIssues, &run.CommitResults, &status, &commitSHA, &claimedBy,
		&createdAt, &startedAt, &finishedAt, &heartbeatAt, &summary, &errMsg)
	if err != nil {
		return nil, err
	}

	run.Suite = domain.Suite(suite)
	run.Status = domain.RunStatus(status)
	run.CommitSHA = commitSHA.String
	run.ClaimedBy = claimedBy.String
	run.ErrorMessage = errMsg.String
	run.CreatedAt = fromMillis(createdAt)
	run.StartedAt = timePtr(startedAt)
	run.FinishedAt = timePtr(finishedAt)
	run.HeartbeatAt = timePtr(heartbeatAt)

	if summary.Valid && summary.String != "" {
		var sum domain.RunSummary
		if err := json.Unmarshal([]byte(summary.String), &sum); err != nil {
			return nil, fmt.Errorf("decoding summary of run %s: %w", run.ID, err)
		}
		run.Summary = &sum
	}

	return &run, nil
}
