package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fyrsmithlabs/orbit/internal/task"
)

const schema = `
CREATE TABLE IF NOT EXISTS checkpoints (
    task_id     TEXT NOT NULL,
    generation  INTEGER NOT NULL,
    user_id     TEXT NOT NULL,
    phase       TEXT NOT NULL,
    goal        TEXT NOT NULL DEFAULT '',
    awaiting    INTEGER NOT NULL DEFAULT 0,
    data        BLOB NOT NULL,
    updated_at  INTEGER NOT NULL,
    PRIMARY KEY (task_id, generation)
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_user ON checkpoints(user_id);
`

// SQLiteStore persists checkpoints in a single SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint db: %w", err)
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create checkpoint schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Save implements Store. A row for the same (task, generation) is
// replaced in one statement.
func (s *SQLiteStore) Save(ctx context.Context, snap Snapshot) error {
	data, err := Encode(snap)
	if err != nil {
		return err
	}
	t := snap.Task
	awaiting := 0
	if summarize(t).AwaitingConfirmation {
		awaiting = 1
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO checkpoints (task_id, generation, user_id, phase, goal, awaiting, data, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(task_id, generation) DO UPDATE SET
    user_id = excluded.user_id,
    phase = excluded.phase,
    goal = excluded.goal,
    awaiting = excluded.awaiting,
    data = excluded.data,
    updated_at = excluded.updated_at`,
		t.ID, t.Generation, t.UserID, string(t.Phase), t.Goal, awaiting, data, t.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", t.ID, err)
	}
	return nil
}

// Load implements Store.
func (s *SQLiteStore) Load(ctx context.Context, taskID string) (Snapshot, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM checkpoints WHERE task_id = ? ORDER BY generation DESC LIMIT 1`,
		taskID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("load checkpoint %s: %w", taskID, err)
	}
	return Decode(data)
}

// List implements Store using the indexed columns; payloads are not decoded.
func (s *SQLiteStore) List(ctx context.Context, userID string) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT c.task_id, c.generation, c.user_id, c.phase, c.goal, c.awaiting, c.updated_at
FROM checkpoints c
JOIN (
    SELECT task_id, MAX(generation) AS generation
    FROM checkpoints
    WHERE user_id = ?
    GROUP BY task_id
) latest ON latest.task_id = c.task_id AND latest.generation = c.generation
ORDER BY c.updated_at DESC, c.task_id ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var (
			sum      Summary
			phase    string
			awaiting int
			updated  int64
		)
		if err := rows.Scan(&sum.TaskID, &sum.Generation, &sum.UserID, &phase, &sum.Goal, &awaiting, &updated); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		sum.Phase = task.Phase(phase)
		sum.AwaitingConfirmation = awaiting == 1
		sum.UpdatedAt = time.Unix(0, updated).UTC()
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
