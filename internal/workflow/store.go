package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store persists Workflow records in SQLite, following the same
// WAL-mode, busy-timeout, transactional-CRUD idiom the teacher uses
// for its own schedule store.
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if needed) workflows.db under dataDir.
func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("workflow: create data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, "workflows.db")
	db, err := sql.Open("sqlite", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("workflow: open database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("workflow: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS workflows (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		chat_id TEXT NOT NULL,
		status TEXT NOT NULL,
		current_step TEXT NOT NULL,
		sandbox_id TEXT,
		context_json TEXT NOT NULL,
		history_json TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_workflows_chat ON workflows(chat_id);
	CREATE INDEX IF NOT EXISTS idx_workflows_status ON workflows(status);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Save upserts wf in a single transaction.
func (s *Store) Save(ctx context.Context, wf *Workflow) error {
	ctxJSON, err := json.Marshal(wf.Context)
	if err != nil {
		return fmt.Errorf("workflow: marshal context: %w", err)
	}
	histJSON, err := json.Marshal(wf.History)
	if err != nil {
		return fmt.Errorf("workflow: marshal history: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("workflow: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflows (id, user_id, chat_id, status, current_step, sandbox_id, context_json, history_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status=excluded.status,
			current_step=excluded.current_step,
			sandbox_id=excluded.sandbox_id,
			context_json=excluded.context_json,
			history_json=excluded.history_json,
			updated_at=excluded.updated_at`,
		wf.ID, wf.UserID, wf.ChatID, wf.Status, wf.CurrentStep, wf.SandboxID, string(ctxJSON), string(histJSON), wf.CreatedAt, wf.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("workflow: upsert: %w", err)
	}
	return tx.Commit()
}

// Get retrieves a Workflow by id.
func (s *Store) Get(ctx context.Context, id string) (*Workflow, error) {
	var wf Workflow
	var sandboxID sql.NullString
	var ctxJSON, histJSON string

	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, chat_id, status, current_step, sandbox_id, context_json, history_json, created_at, updated_at
		FROM workflows WHERE id = ?`, id,
	).Scan(&wf.ID, &wf.UserID, &wf.ChatID, &wf.Status, &wf.CurrentStep, &sandboxID, &ctxJSON, &histJSON, &wf.CreatedAt, &wf.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("workflow: query: %w", err)
	}
	if sandboxID.Valid {
		wf.SandboxID = sandboxID.String
	}
	if err := json.Unmarshal([]byte(ctxJSON), &wf.Context); err != nil {
		return nil, fmt.Errorf("workflow: unmarshal context: %w", err)
	}
	if err := json.Unmarshal([]byte(histJSON), &wf.History); err != nil {
		return nil, fmt.Errorf("workflow: unmarshal history: %w", err)
	}
	return &wf, nil
}

// GetActiveByChat returns the non-terminal workflow for chatID, if any.
func (s *Store) GetActiveByChat(ctx context.Context, chatID string) (*Workflow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id FROM workflows
		WHERE chat_id = ? AND status NOT IN ('completed', 'failed', 'cancelled')
		ORDER BY created_at DESC LIMIT 1`, chatID)
	var id string
	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("workflow: query active by chat: %w", err)
	}
	return s.Get(ctx, id)
}

// Delete removes a workflow record (explicit cancel).
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	return err
}

// ExpireStale marks any running/pending workflow older than ttl as
// cancelled, so an abandoned run does not linger forever.
func (s *Store) ExpireStale(ctx context.Context, ttl time.Duration) (int64, error) {
	cutoff := time.Now().Add(-ttl)
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflows SET status = 'cancelled', updated_at = ?
		WHERE status IN ('pending', 'running') AND updated_at < ?`,
		time.Now(), cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("workflow: expire stale: %w", err)
	}
	return res.RowsAffected()
}
