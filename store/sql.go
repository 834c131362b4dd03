package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/martinemde/patchpilot/workspace"
)

const schema = `
CREATE TABLE IF NOT EXISTS executions (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	request TEXT NOT NULL,
	mode TEXT NOT NULL,
	status TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
	execution_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (execution_id, seq)
);
CREATE TABLE IF NOT EXISTS reviews (
	execution_id TEXT NOT NULL,
	approved INTEGER NOT NULL,
	summary TEXT NOT NULL,
	concerns TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS changes (
	execution_id TEXT PRIMARY KEY,
	data BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS checkpoints (
	execution_id TEXT PRIMARY KEY,
	data BLOB NOT NULL,
	saved_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS files (
	execution_id TEXT NOT NULL,
	file_id TEXT NOT NULL,
	content TEXT NOT NULL,
	PRIMARY KEY (execution_id, file_id)
);
`

// SQLStore persists to SQLite through modernc.org/sqlite.
type SQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQL opens (creating if needed) the database at dsn, for example
// "file:patchpilot.db" or ":memory:".
func OpenSQL(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection keeps :memory: databases shared and serializes
	// writers.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return &SQLStore{db: db, now: time.Now}, nil
}

func (s *SQLStore) CreateExecution(ctx context.Context, rec ExecutionRecord) error {
	now := s.now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (id, project_id, user_id, request, mode, status, detail, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ProjectID, rec.UserID, rec.Request, rec.Mode, rec.Status, rec.Detail,
		rec.CreatedAt.UnixNano(), now.UnixNano())
	if err != nil {
		return fmt.Errorf("create execution %s: %w", rec.ID, err)
	}
	return nil
}

func (s *SQLStore) GetExecution(ctx context.Context, id string) (ExecutionRecord, error) {
	var rec ExecutionRecord
	var created, updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, user_id, request, mode, status, detail, created_at, updated_at
		 FROM executions WHERE id = ?`, id).
		Scan(&rec.ID, &rec.ProjectID, &rec.UserID, &rec.Request, &rec.Mode, &rec.Status, &rec.Detail, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return ExecutionRecord{}, fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return ExecutionRecord{}, fmt.Errorf("get execution %s: %w", id, err)
	}
	rec.CreatedAt = time.Unix(0, created).UTC()
	rec.UpdatedAt = time.Unix(0, updated).UTC()
	return rec, nil
}

func (s *SQLStore) UpdateStatus(ctx context.Context, id, status, detail string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET status = ?, detail = ?, updated_at = ? WHERE id = ?`,
		status, detail, s.now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("update execution %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLStore) AppendMessage(ctx context.Context, msg MessageRecord) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (execution_id, seq, role, content, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (execution_id, seq) DO NOTHING`,
		msg.ExecutionID, msg.Seq, msg.Role, msg.Content, msg.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("append message %d of %s: %w", msg.Seq, msg.ExecutionID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %d of %s", ErrDuplicateMessage, msg.Seq, msg.ExecutionID)
	}
	return nil
}

func (s *SQLStore) Messages(ctx context.Context, executionID string) ([]MessageRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, role, content, created_at FROM messages WHERE execution_id = ? ORDER BY seq`, executionID)
	if err != nil {
		return nil, fmt.Errorf("list messages of %s: %w", executionID, err)
	}
	defer rows.Close()
	var out []MessageRecord
	for rows.Next() {
		m := MessageRecord{ExecutionID: executionID}
		var created int64
		if err := rows.Scan(&m.Seq, &m.Role, &m.Content, &created); err != nil {
			return nil, err
		}
		m.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLStore) StoreReviewResult(ctx context.Context, review ReviewRecord) error {
	if review.CreatedAt.IsZero() {
		review.CreatedAt = s.now()
	}
	concerns, err := json.Marshal(review.Concerns)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO reviews (execution_id, approved, summary, concerns, created_at) VALUES (?, ?, ?, ?, ?)`,
		review.ExecutionID, review.Approved, review.Summary, string(concerns), review.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("store review of %s: %w", review.ExecutionID, err)
	}
	return nil
}

func (s *SQLStore) StoreChanges(ctx context.Context, executionID string, changes []workspace.CodeChange) error {
	data, err := json.Marshal(changes)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO changes (execution_id, data) VALUES (?, ?)
		 ON CONFLICT (execution_id) DO UPDATE SET data = excluded.data`,
		executionID, data)
	if err != nil {
		return fmt.Errorf("store changes of %s: %w", executionID, err)
	}
	return nil
}

func (s *SQLStore) Changes(ctx context.Context, executionID string) ([]workspace.CodeChange, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM changes WHERE execution_id = ?`, executionID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load changes of %s: %w", executionID, err)
	}
	var changes []workspace.CodeChange
	if err := json.Unmarshal(data, &changes); err != nil {
		return nil, fmt.Errorf("decode changes of %s: %w", executionID, err)
	}
	return changes, nil
}

func (s *SQLStore) SaveCheckpoint(ctx context.Context, executionID string, data []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (execution_id, data, saved_at) VALUES (?, ?, ?)
		 ON CONFLICT (execution_id) DO UPDATE SET data = excluded.data, saved_at = excluded.saved_at`,
		executionID, data, s.now().UnixNano())
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", executionID, err)
	}
	return nil
}

func (s *SQLStore) GetCheckpoint(ctx context.Context, executionID string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM checkpoints WHERE execution_id = ?`, executionID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("checkpoint %s: %w", executionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint %s: %w", executionID, err)
	}
	return data, nil
}

func (s *SQLStore) ClearCheckpoint(ctx context.Context, executionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE execution_id = ?`, executionID); err != nil {
		return fmt.Errorf("clear checkpoint %s: %w", executionID, err)
	}
	return nil
}

func (s *SQLStore) PutFile(ctx context.Context, executionID, fileID, content string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO files (execution_id, file_id, content) VALUES (?, ?, ?)
		 ON CONFLICT (execution_id, file_id) DO UPDATE SET content = excluded.content`,
		executionID, fileID, content)
	if err != nil {
		return fmt.Errorf("put file %s of %s: %w", fileID, executionID, err)
	}
	return nil
}

func (s *SQLStore) GetFile(ctx context.Context, executionID, fileID string) (string, error) {
	var content string
	err := s.db.QueryRowContext(ctx,
		`SELECT content FROM files WHERE execution_id = ? AND file_id = ?`, executionID, fileID).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("file %s of execution %s: %w", fileID, executionID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("get file %s of %s: %w", fileID, executionID, err)
	}
	return content, nil
}

func (s *SQLStore) Close() error { return s.db.Close() }
