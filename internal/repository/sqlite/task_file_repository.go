package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"audiobook-queue/internal/domain"
	"audiobook-queue/internal/repository"
)

// A book's files are keyed by their path inside the torrent, so a payload
// reported twice collapses to one row per chapter.
const createTaskFilesTable = `
CREATE TABLE IF NOT EXISTS task_files (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL,
	name TEXT NOT NULL,
	size INTEGER NOT NULL,
	path TEXT NOT NULL,
	FOREIGN KEY(task_id) REFERENCES tasks(id) ON DELETE CASCADE
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_task_files_task_path ON task_files(task_id, path);
`

const upsertTaskFile = `
INSERT INTO task_files (task_id, name, size, path) VALUES (?, ?, ?, ?)
ON CONFLICT(task_id, path) DO UPDATE SET name=excluded.name, size=excluded.size`

type TaskFileRepository struct {
	db *sql.DB
}

func NewTaskFileRepository(db *sql.DB) repository.TaskFileRepository {
	return &TaskFileRepository{db: db}
}

// Init creates the files table. It expects the tasks table to exist.
func (r *TaskFileRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createTaskFilesTable); err != nil {
		return fmt.Errorf("create task_files table: %w", err)
	}
	return nil
}

// ReplaceForTask swaps the stored file list of a task in one transaction.
func (r *TaskFileRepository) ReplaceForTask(ctx context.Context, taskID string, files []domain.TaskFile) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM task_files WHERE task_id=?`, taskID); err != nil {
		return fmt.Errorf("clear files of %s: %w", taskID, err)
	}

	stmt, err := tx.PrepareContext(ctx, upsertTaskFile)
	if err != nil {
		return fmt.Errorf("prepare file insert: %w", err)
	}
	defer stmt.Close()

	for _, file := range files {
		if file.Path == "" {
			continue
		}
		if _, err := stmt.ExecContext(ctx, taskID, file.Name, file.Size, file.Path); err != nil {
			return fmt.Errorf("store file %s: %w", file.Path, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit files of %s: %w", taskID, err)
	}
	return nil
}

// ListByTask returns a task's files in path order, which for audiobooks is
// chapter order.
func (r *TaskFileRepository) ListByTask(ctx context.Context, taskID string) ([]domain.TaskFile, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, task_id, name, size, path
FROM task_files
WHERE task_id=?
ORDER BY path ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query files of %s: %w", taskID, err)
	}
	defer rows.Close()

	files := make([]domain.TaskFile, 0)
	for rows.Next() {
		var file domain.TaskFile
		if err := rows.Scan(&file.ID, &file.TaskID, &file.Name, &file.Size, &file.Path); err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		files = append(files, file)
	}
	return files, rows.Err()
}
