package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"audiobook-queue/internal/domain"
	"audiobook-queue/internal/repository"
)

const (
	createTasksTable = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	book_id TEXT NOT NULL,
	source_uri TEXT NOT NULL,
	save_path TEXT NOT NULL,
	status TEXT NOT NULL,
	downloaded_bytes INTEGER NOT NULL DEFAULT 0,
	total_bytes INTEGER NOT NULL DEFAULT 0,
	error_message TEXT NOT NULL DEFAULT '',
	metadata TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	completed_at INTEGER NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_book_id ON tasks(book_id);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
`

	taskColumns = `id, book_id, source_uri, save_path, status, downloaded_bytes, total_bytes, error_message, metadata, created_at, updated_at, completed_at`
)

type TaskRepository struct {
	db *sql.DB
}

func NewTaskRepository(db *sql.DB) repository.TaskRepository {
	return &TaskRepository{db: db}
}

func (r *TaskRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createTasksTable); err != nil {
		return fmt.Errorf("create tasks table: %w", err)
	}
	return r.ensureTaskColumns(ctx)
}

// ensureTaskColumns upgrades databases created before a column existed.
func (r *TaskRepository) ensureTaskColumns(ctx context.Context) error {
	rows, err := r.db.QueryContext(ctx, `PRAGMA table_info(tasks)`)
	if err != nil {
		return fmt.Errorf("describe tasks table: %w", err)
	}
	defer rows.Close()

	columns := map[string]struct{}{}
	for rows.Next() {
		var (
			cid       int
			name      string
			ctype     string
			notnull   int
			dfltValue any
			pk        int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return fmt.Errorf("scan pragma table info: %w", err)
		}
		columns[name] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate pragma table info: %w", err)
	}

	migrations := []struct{ name, statement string }{
		{"metadata", `ALTER TABLE tasks ADD COLUMN metadata TEXT NOT NULL DEFAULT ''`},
		{"error_message", `ALTER TABLE tasks ADD COLUMN error_message TEXT NOT NULL DEFAULT ''`},
		{"completed_at", `ALTER TABLE tasks ADD COLUMN completed_at INTEGER NULL`},
	}
	for _, m := range migrations {
		if _, exists := columns[m.name]; exists {
			continue
		}
		if _, err := r.db.ExecContext(ctx, m.statement); err != nil {
			return fmt.Errorf("add column %s: %w", m.name, err)
		}
	}
	return nil
}

// Upsert writes the whole record in one statement. CreatedAt and UpdatedAt
// are filled in when the caller left them zero.
func (r *TaskRepository) Upsert(ctx context.Context, task *domain.Task) error {
	if task.ID == "" {
		return errors.New("task id is required")
	}
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = now
	}

	metadata, err := encodeMetadata(task.Metadata)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
INSERT INTO tasks (`+taskColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	book_id=excluded.book_id,
	source_uri=excluded.source_uri,
	save_path=excluded.save_path,
	status=excluded.status,
	downloaded_bytes=excluded.downloaded_bytes,
	total_bytes=excluded.total_bytes,
	error_message=excluded.error_message,
	metadata=excluded.metadata,
	created_at=excluded.created_at,
	updated_at=excluded.updated_at,
	completed_at=excluded.completed_at`,
		task.ID,
		task.BookID,
		task.SourceURI,
		task.SavePath,
		string(task.Status),
		task.DownloadedBytes,
		task.TotalBytes,
		task.ErrorMessage,
		metadata,
		task.CreatedAt.UnixNano(),
		task.UpdatedAt.UnixNano(),
		nullTime(task.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert task: %w", err)
	}
	return nil
}

func (r *TaskRepository) Get(ctx context.Context, id string) (*domain.Task, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT `+taskColumns+`
FROM tasks
WHERE id=?`,
		id,
	)
	return scanOptionalTask(row)
}

// FindByBookID prefers the book's non-terminal task and otherwise falls back
// to its most recent one.
func (r *TaskRepository) FindByBookID(ctx context.Context, bookID string) (*domain.Task, error) {
	placeholders, args := statusArgs(domain.NonTerminalStatuses)
	args = append([]any{bookID}, args...)
	row := r.db.QueryRowContext(ctx, fmt.Sprintf(`
SELECT `+taskColumns+`
FROM tasks
WHERE book_id=?
ORDER BY (status IN (%s)) DESC, created_at DESC, rowid DESC
LIMIT 1`, placeholders),
		args...,
	)
	return scanOptionalTask(row)
}

func (r *TaskRepository) ListNonTerminal(ctx context.Context) ([]domain.Task, error) {
	placeholders, args := statusArgs(domain.NonTerminalStatuses)
	return r.query(ctx, fmt.Sprintf(`
SELECT `+taskColumns+`
FROM tasks
WHERE status IN (%s)
ORDER BY created_at DESC, rowid DESC`, placeholders), args...)
}

func (r *TaskRepository) List(ctx context.Context) ([]domain.Task, error) {
	return r.query(ctx, `
SELECT `+taskColumns+`
FROM tasks
ORDER BY created_at DESC, rowid DESC`)
}

func (r *TaskRepository) Delete(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM task_files WHERE task_id=?`, id); err != nil {
		return fmt.Errorf("delete task files: %w", err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("task delete rows affected: %w", err)
	}
	if aff == 0 {
		return domain.ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit task delete: %w", err)
	}
	return nil
}

func (r *TaskRepository) query(ctx context.Context, query string, args ...any) ([]domain.Task, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}

	return tasks, rows.Err()
}

func statusArgs(statuses []domain.TaskStatus) (string, []any) {
	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, status := range statuses {
		placeholders[i] = "?"
		args[i] = string(status)
	}
	return strings.Join(placeholders, ","), args
}

func scanOptionalTask(row *sql.Row) (*domain.Task, error) {
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return task, err
}

func scanTask(scanner interface {
	Scan(dest ...any) error
}) (*domain.Task, error) {
	var (
		task        domain.Task
		status      string
		metadata    string
		createdAt   int64
		updatedAt   int64
		completedAt sql.NullInt64
	)

	if err := scanner.Scan(
		&task.ID,
		&task.BookID,
		&task.SourceURI,
		&task.SavePath,
		&status,
		&task.DownloadedBytes,
		&task.TotalBytes,
		&task.ErrorMessage,
		&metadata,
		&createdAt,
		&updatedAt,
		&completedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}

	task.Status = domain.TaskStatus(status)
	task.CreatedAt = time.Unix(0, createdAt).UTC()
	task.UpdatedAt = time.Unix(0, updatedAt).UTC()
	if completedAt.Valid {
		t := time.Unix(0, completedAt.Int64).UTC()
		task.CompletedAt = &t
	}
	md, err := decodeMetadata(metadata)
	if err != nil {
		return nil, err
	}
	task.Metadata = md

	return &task, nil
}

// encodeMetadata stores nil as an empty column and an empty map as "{}", so
// both read back unchanged.
func encodeMetadata(md map[string]string) (string, error) {
	if md == nil {
		return "", nil
	}
	raw, err := json.Marshal(md)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(raw), nil
}

func decodeMetadata(raw string) (map[string]string, error) {
	if raw == "" {
		return nil, nil
	}
	var md map[string]string
	if err := json.Unmarshal([]byte(raw), &md); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return md, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}
