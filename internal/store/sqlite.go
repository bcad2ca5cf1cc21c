// ABOUTME: SQLite implementation of task persistence using modernc.org/sqlite
// ABOUTME: Write-through task records plus an aggregate state snapshot table

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/2389/coven-orchestrator/internal/task"
)

// stateKey is the orchestrator_state row holding the aggregate snapshot.
const stateKey = "tasks"

// SQLiteStore persists tasks durably. Repeated saves of the same task id
// upsert, so retried writes are idempotent.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a SQLite-backed task store at the given path.
// The schema is created automatically; parent directories are created if
// needed. Pass ":memory:" for an ephemeral store.
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// A single connection serializes writers and keeps :memory: databases
	// from fragmenting across pooled connections.
	db.SetMaxOpenConns(1)

	// WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS tasks (
			id          TEXT PRIMARY KEY,
			description TEXT NOT NULL DEFAULT '',
			agent_tool  TEXT NOT NULL DEFAULT '',
			status      TEXT NOT NULL,
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL,
			logs_json   TEXT NOT NULL DEFAULT '[]',
			result_json TEXT,
			error       TEXT NOT NULL DEFAULT '',
			assigned_to TEXT NOT NULL DEFAULT '',

			CHECK (status IN ('pending', 'in_progress', 'completed', 'failed', 'cancelled'))
		);

		CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
		CREATE INDEX IF NOT EXISTS idx_tasks_assigned ON tasks(assigned_to);
		CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks(created_at DESC);

		CREATE TABLE IF NOT EXISTS orchestrator_state (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// SaveTask writes the full task record, inserting or replacing by id.
func (s *SQLiteStore) SaveTask(ctx context.Context, t *task.Task) error {
	logs, err := json.Marshal(t.Logs)
	if err != nil {
		return fmt.Errorf("encoding task logs: %w", err)
	}

	var result sql.NullString
	if len(t.Result) > 0 {
		result = sql.NullString{String: string(t.Result), Valid: true}
	}

	query := `
		INSERT INTO tasks (id, description, agent_tool, status, created_at, updated_at,
			logs_json, result_json, error, assigned_to)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			description = excluded.description,
			agent_tool  = excluded.agent_tool,
			status      = excluded.status,
			updated_at  = excluded.updated_at,
			logs_json   = excluded.logs_json,
			result_json = excluded.result_json,
			error       = excluded.error,
			assigned_to = excluded.assigned_to
	`
	_, err = s.db.ExecContext(ctx, query,
		t.ID,
		t.Description,
		t.AgentTool,
		string(t.Status),
		t.CreatedAt.UTC().Format(time.RFC3339Nano),
		t.UpdatedAt.UTC().Format(time.RFC3339Nano),
		string(logs),
		result,
		t.Error,
		t.AssignedTo,
	)
	if err != nil {
		return fmt.Errorf("saving task %s: %w", t.ID, err)
	}

	s.logger.Debug("task persisted", "task_id", t.ID, "status", t.Status)
	return nil
}

// SaveState stores the aggregate orchestrator state snapshot.
func (s *SQLiteStore) SaveState(ctx context.Context, state []byte) error {
	query := `
		INSERT INTO orchestrator_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value      = excluded.value,
			updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		stateKey,
		string(state),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("saving state: %w", err)
	}
	return nil
}

// LoadState returns the most recent aggregate state snapshot, or nil if
// none has been written.
func (s *SQLiteStore) LoadState(ctx context.Context) ([]byte, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM orchestrator_state WHERE key = ?", stateKey,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}
	return []byte(value), nil
}

// LoadTasks returns every persisted task.
func (s *SQLiteStore) LoadTasks(ctx context.Context) ([]*task.Task, error) {
	query := `
		SELECT id, description, agent_tool, status, created_at, updated_at,
			logs_json, result_json, error, assigned_to
		FROM tasks
		ORDER BY created_at DESC
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tasks: %w", err)
	}
	return tasks, nil
}

// DeleteTask removes a task row. Deleting a missing row is not an error.
func (s *SQLiteStore) DeleteTask(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM tasks WHERE id = ?", id); err != nil {
		return fmt.Errorf("deleting task %s: %w", id, err)
	}
	return nil
}

// Ping verifies the database handle is still usable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func scanTask(rows *sql.Rows) (*task.Task, error) {
	var (
		t          task.Task
		status     string
		createdAt  string
		updatedAt  string
		logsJSON   string
		resultJSON sql.NullString
	)
	err := rows.Scan(
		&t.ID,
		&t.Description,
		&t.AgentTool,
		&status,
		&createdAt,
		&updatedAt,
		&logsJSON,
		&resultJSON,
		&t.Error,
		&t.AssignedTo,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning task row: %w", err)
	}

	t.Status = task.Status(status)
	if t.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at for task %s: %w", t.ID, err)
	}
	if t.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at for task %s: %w", t.ID, err)
	}
	if err := json.Unmarshal([]byte(logsJSON), &t.Logs); err != nil {
		return nil, fmt.Errorf("decoding logs for task %s: %w", t.ID, err)
	}
	if resultJSON.Valid {
		t.Result = json.RawMessage(resultJSON.String)
	}
	return &t, nil
}
