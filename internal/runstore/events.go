package runstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hochfrequenz/uiqa-orchestrator/internal/domain"
)

// AppendEvent durably appends an event and returns it with its sequence number.
// The sequence is computed inside the INSERT so concurrent appends for the same
// run cannot collide, and nothing is accepted after the run's done event.
func (s *Store) AppendEvent(runID string, typ domain.EventType, payload json.RawMessage) (domain.Event, error) {
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	ts := time.Now().UTC()

	var seq int64
	err := s.db.QueryRow(`
		INSERT INTO events (run_id, seq, type, ts, payload)
		SELECT ?, next_seq, ?, ?, ?
		FROM (SELECT COALESCE(MAX(seq), 0) + 1 AS next_seq FROM events WHERE run_id = ?)
		WHERE NOT EXISTS (SELECT 1 FROM events WHERE run_id = ? AND type = ?)
		RETURNING seq
	`, runID, string(typ), toMillis(ts), string(payload), runID, runID, string(domain.EventDone)).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Event{}, fmt.Errorf("%w: %s", ErrRunClosed, runID)
	}
	if err != nil {
		return domain.Event{}, fmt.Errorf("appending %s event to run %s: %w", typ, runID, err)
	}

	return domain.Event{
		RunID:     runID,
		Seq:       seq,
		Type:      typ,
		Timestamp: fromMillis(toMillis(ts)),
		Payload:   payload,
	}, nil
}

// EventsSince returns events with seq >= fromSeq in order. limit <= 0 means no limit.
func (s *Store) EventsSince(runID string, fromSeq int64, limit int) ([]domain.Event, error) {
	query := `SELECT run_id, seq, type, ts, payload FROM events WHERE run_id = ? AND seq >= ? ORDER BY seq ASC`
	args := []any{runID, fromSeq}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var ev domain.Event
		var typ, payload string
		var ts int64
		if err := rows.Scan(&ev.RunID, &ev.Seq, &typ, &ts, &payload); err != nil {
			return nil, err
		}
		ev.Type = domain.EventType(typ)
		ev.Timestamp = fromMillis(ts)
		ev.Payload = json.RawMessage(payload)
		events = append(events, ev)
	}
	return events, rows.Err()
}
