package run

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/HyphaGroup/edward/internal/stream"
)

// Store persists Run headers and their RunEvents, following the same
// WAL-mode busy-timeout idiom as the teacher's schedule store.
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if needed) runs.db under dataDir.
func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("run: create data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, "runs.db")
	db, err := sql.Open("sqlite", dbPath+"?_busy_timeout=5000&_journal_mode=WAL&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("run: open database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		chat_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		user_message_id TEXT NOT NULL,
		assistant_message_id TEXT,
		status TEXT NOT NULL,
		state TEXT NOT NULL,
		current_turn INTEGER NOT NULL DEFAULT 0,
		termination_reason TEXT,
		loop_stop_reason TEXT,
		error_message TEXT,
		metadata_json TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_runs_chat ON runs(chat_id);
	CREATE INDEX IF NOT EXISTS idx_runs_user ON runs(user_id);

	CREATE TABLE IF NOT EXISTS run_events (
		run_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		event_json TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		PRIMARY KEY (run_id, seq),
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// SaveRun upserts a run header.
func (s *Store) SaveRun(ctx context.Context, r *Run) error {
	metaJSON, err := json.Marshal(r.Metadata)
	if err != nil {
		return fmt.Errorf("run: marshal metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, chat_id, user_id, user_message_id, assistant_message_id, status, state, current_turn, termination_reason, loop_stop_reason, error_message, metadata_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			assistant_message_id=excluded.assistant_message_id,
			status=excluded.status,
			state=excluded.state,
			current_turn=excluded.current_turn,
			termination_reason=excluded.termination_reason,
			loop_stop_reason=excluded.loop_stop_reason,
			error_message=excluded.error_message,
			metadata_json=excluded.metadata_json,
			updated_at=excluded.updated_at`,
		r.ID, r.ChatID, r.UserID, r.UserMessageID, r.AssistantMessageID, r.Status, r.State, r.CurrentTurn,
		string(r.TerminationReason), string(r.LoopStopReason), r.ErrorMessage, string(metaJSON), r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("run: upsert run: %w", err)
	}
	return nil
}

// GetRun retrieves a Run header by id.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	var r Run
	var assistantMsgID, terminationReason, loopStopReason, errMsg sql.NullString
	var metaJSON string

	err := s.db.QueryRowContext(ctx, `
		SELECT id, chat_id, user_id, user_message_id, assistant_message_id, status, state, current_turn, termination_reason, loop_stop_reason, error_message, metadata_json, created_at, updated_at
		FROM runs WHERE id = ?`, id,
	).Scan(&r.ID, &r.ChatID, &r.UserID, &r.UserMessageID, &assistantMsgID, &r.Status, &r.State, &r.CurrentTurn,
		&terminationReason, &loopStopReason, &errMsg, &metaJSON, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("run: query: %w", err)
	}
	r.AssistantMessageID = assistantMsgID.String
	r.TerminationReason = stream.TerminationReason(terminationReason.String)
	r.LoopStopReason = stream.LoopStopReason(loopStopReason.String)
	r.ErrorMessage = errMsg.String
	if err := json.Unmarshal([]byte(metaJSON), &r.Metadata); err != nil {
		return nil, fmt.Errorf("run: unmarshal metadata: %w", err)
	}
	return &r, nil
}

// AppendEvent assigns the next dense seq for runID and persists ev,
// inside a transaction so seq assignment and insert are atomic under
// concurrent appenders for the same run.
func (s *Store) AppendEvent(ctx context.Context, runID string, ev stream.Event) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("run: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var maxSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(seq) FROM run_events WHERE run_id = ?`, runID).Scan(&maxSeq); err != nil {
		return 0, fmt.Errorf("run: query max seq: %w", err)
	}
	seq := 0
	if maxSeq.Valid {
		seq = int(maxSeq.Int64) + 1
	}

	eventJSON, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("run: marshal event: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO run_events (run_id, seq, event_type, event_json, created_at) VALUES (?, ?, ?, ?, ?)`,
		runID, seq, string(ev.Type), string(eventJSON), time.Now(),
	)
	if err != nil {
		return 0, fmt.Errorf("run: insert event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("run: commit: %w", err)
	}
	return seq, nil
}

// EventsAfter returns every event for runID with seq > afterSeq, in
// seq order, for durable (database-backed) resume — distinct from the
// in-memory Buffer, which serves the common case without a query.
func (s *Store) EventsAfter(ctx context.Context, runID string, afterSeq int) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, seq, event_type, event_json, created_at FROM run_events
		WHERE run_id = ? AND seq > ? ORDER BY seq ASC`, runID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("run: query events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var eventType, eventJSON string
		if err := rows.Scan(&e.RunID, &e.Seq, &eventType, &eventJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("run: scan event: %w", err)
		}
		e.EventType = stream.EventType(eventType)
		if err := json.Unmarshal([]byte(eventJSON), &e.Event); err != nil {
			return nil, fmt.Errorf("run: unmarshal event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteRun removes a run and (via ON DELETE CASCADE) its events.
func (s *Store) DeleteRun(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	return err
}

// DeleteRunsOlderThan removes every terminal run (completed, failed or
// cancelled) last updated before cutoff, along with its events, and
// reports how many were removed. Runs still in progress are never
// touched regardless of age.
func (s *Store) DeleteRunsOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM runs
		WHERE updated_at < ?
		AND status IN ('completed', 'failed', 'cancelled')`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("run: delete runs older than cutoff: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("run: rows affected: %w", err)
	}
	return int(n), nil
}
