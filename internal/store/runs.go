package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Run is the persisted record of one swarm execution. Agents and
// Settings hold the submitted roster verbatim; Result is filled once
// the run reaches a terminal status.
type Run struct {
	ID          string          `json:"id"`
	Task        string          `json:"task"`
	Status      string          `json:"status"`
	Agents      json.RawMessage `json:"agents"`
	Settings    json.RawMessage `json:"settings,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

const runColumns = `id, task, status, agents, settings, result, started_at, completed_at`

func scanRun(sc scanner) (*Run, error) {
	r := &Run{}
	var settings, result *string
	err := sc.Scan(&r.ID, &r.Task, &r.Status, &r.Agents, &settings, &result, &r.StartedAt, &r.CompletedAt)
	if err != nil {
		return nil, err
	}
	if settings != nil {
		r.Settings = json.RawMessage(*settings)
	}
	if result != nil {
		r.Result = json.RawMessage(*result)
	}
	return r, nil
}

func (s *Store) SaveRun(r *Run) error {
	_, err := s.db.Exec(`
		INSERT INTO runs (id, task, status, agents, settings, result)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			result = excluded.result,
			completed_at = CASE WHEN excluded.status != 'running' THEN CURRENT_TIMESTAMP ELSE completed_at END`,
		r.ID, r.Task, r.Status, r.Agents, r.Settings, r.Result)
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

func (s *Store) GetRun(id string) (*Run, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

func (s *Store) ListRuns(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// FinishRun records the terminal status and result payload and stamps
// the completion time.
func (s *Store) FinishRun(id string, status string, result json.RawMessage) error {
	_, err := s.db.Exec(`
		UPDATE runs
		SET status = ?, result = ?, completed_at = CURRENT_TIMESTAMP
		WHERE id = ?`, status, result, id)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// DeleteRun removes a run and its event history.
func (s *Store) DeleteRun(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM run_events WHERE run_id = ?`, id); err != nil {
		return fmt.Errorf("delete run events: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM runs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	return tx.Commit()
}

// RunEvent is one persisted stream event. Seq is assigned by the runs
// manager and is strictly increasing per run; replaying events ordered
// by seq reproduces the stream a live subscriber saw.
type RunEvent struct {
	RunID     string          `json:"run_id"`
	Seq       int64           `json:"seq"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

func (s *Store) AppendRunEvent(ev *RunEvent) error {
	_, err := s.db.Exec(`
		INSERT INTO run_events (run_id, seq, type, payload)
		VALUES (?, ?, ?, ?)`,
		ev.RunID, ev.Seq, ev.Type, string(ev.Payload))
	if err != nil {
		return fmt.Errorf("append run event: %w", err)
	}
	return nil
}

func (s *Store) ListRunEvents(runID string) ([]RunEvent, error) {
	return s.RunEventsAfter(runID, 0)
}

// RunEventsAfter returns events with seq greater than after, in seq
// order. Used by stream attach to replay history before going live.
func (s *Store) RunEventsAfter(runID string, after int64) ([]RunEvent, error) {
	rows, err := s.db.Query(`
		SELECT run_id, seq, type, payload, created_at
		FROM run_events
		WHERE run_id = ? AND seq > ?
		ORDER BY seq`, runID, after)
	if err != nil {
		return nil, fmt.Errorf("list run events: %w", err)
	}
	defer rows.Close()

	var events []RunEvent
	for rows.Next() {
		var ev RunEvent
		var payload string
		if err := rows.Scan(&ev.RunID, &ev.Seq, &ev.Type, &payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan run event: %w", err)
		}
		ev.Payload = json.RawMessage(payload)
		events = append(events, ev)
	}
	return events, rows.Err()
}
