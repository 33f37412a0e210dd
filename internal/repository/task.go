package repository

import (
	"context"

	"audiobook-queue/internal/domain"
)

// TaskRepository is the durable store of Task records.
//
// Writes must be flushed before returning so that a crash right after Upsert
// still leaves the record visible on the next start. Get and FindByBookID
// return (nil, nil) when nothing matches.
type TaskRepository interface {
	Init(ctx context.Context) error
	Upsert(ctx context.Context, task *domain.Task) error
	Get(ctx context.Context, id string) (*domain.Task, error)
	FindByBookID(ctx context.Context, bookID string) (*domain.Task, error)
	ListNonTerminal(ctx context.Context) ([]domain.Task, error)
	List(ctx context.Context) ([]domain.Task, error)
	Delete(ctx context.Context, id string) error
}

// TaskFileRepository manages torrent file metadata.
type TaskFileRepository interface {
	Init(ctx context.Context) error
	ReplaceForTask(ctx context.Context, taskID string, files []domain.TaskFile) error
	ListByTask(ctx context.Context, taskID string) ([]domain.TaskFile, error)
}
