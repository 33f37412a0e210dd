package service

import (
	"context"
	"path/filepath"
	"strings"

	"audiobook-queue/internal/domain"
	"audiobook-queue/internal/downloader"
	"audiobook-queue/internal/queue"
)

// CreateTaskRequest is a download request for one book.
type CreateTaskRequest struct {
	BookID    string
	SourceURI string
	// SavePath defaults to <data root>/<book id>.
	SavePath string
	Metadata map[string]string
}

// TaskService validates requests from the outer surfaces and hands them to
// the queue manager.
type TaskService interface {
	CreateTask(ctx context.Context, req CreateTaskRequest) (*domain.Task, error)
	GetTask(ctx context.Context, id string) (*domain.Task, error)
	ListTasks(ctx context.Context, activeOnly bool) ([]domain.Task, error)
	PauseTask(ctx context.Context, id string) error
	ResumeTask(ctx context.Context, id string) error
	// CancelTask applies the configured default when deleteFiles is nil.
	CancelTask(ctx context.Context, id string, deleteFiles *bool) error
	DeleteTask(ctx context.Context, id string, deleteFiles bool) error
	SubscribeProgress(ctx context.Context, id string) (<-chan domain.Progress, error)
}

type Options struct {
	DataRoot       string
	DeleteOnCancel bool
}

type taskService struct {
	opts  Options
	queue queue.Manager
}

func NewTaskService(opts Options, q queue.Manager) TaskService {
	return &taskService{opts: opts, queue: q}
}

func (s *taskService) CreateTask(ctx context.Context, req CreateTaskRequest) (*domain.Task, error) {
	bookID := strings.TrimSpace(req.BookID)
	if bookID == "" {
		return nil, domain.InvalidArgument("book_id is required")
	}
	sourceURI := strings.TrimSpace(req.SourceURI)
	if sourceURI == "" {
		return nil, domain.InvalidArgument("source_uri is required")
	}
	if _, err := downloader.HandleFromURI(sourceURI); err != nil {
		return nil, domain.InvalidArgument("source_uri: %v", err)
	}
	savePath, err := s.resolveSavePath(bookID, req.SavePath)
	if err != nil {
		return nil, err
	}
	for k := range req.Metadata {
		if strings.TrimSpace(k) == "" {
			return nil, domain.InvalidArgument("metadata keys must not be empty")
		}
	}

	id, err := s.queue.Enqueue(ctx, bookID, sourceURI, savePath, req.Metadata)
	if err != nil {
		if id == "" {
			return nil, err
		}
		task, getErr := s.queue.GetTask(ctx, id)
		if getErr != nil {
			return nil, err
		}
		return task, err
	}
	return s.queue.GetTask(ctx, id)
}

func (s *taskService) resolveSavePath(bookID, savePath string) (string, error) {
	savePath = strings.TrimSpace(savePath)
	if savePath != "" {
		return filepath.Clean(savePath), nil
	}
	if strings.ContainsAny(bookID, `/\`) || bookID == "." || bookID == ".." {
		return "", domain.InvalidArgument("book_id %q cannot name a directory, pass save_path", bookID)
	}
	return filepath.Join(s.opts.DataRoot, bookID), nil
}

func (s *taskService) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	return s.queue.GetTask(ctx, id)
}

func (s *taskService) ListTasks(ctx context.Context, activeOnly bool) ([]domain.Task, error) {
	if activeOnly {
		return s.queue.GetActiveTasks(ctx)
	}
	return s.queue.ListTasks(ctx)
}

func (s *taskService) PauseTask(ctx context.Context, id string) error {
	return s.queue.Pause(ctx, id)
}

func (s *taskService) ResumeTask(ctx context.Context, id string) error {
	return s.queue.Resume(ctx, id)
}

func (s *taskService) CancelTask(ctx context.Context, id string, deleteFiles *bool) error {
	del := s.opts.DeleteOnCancel
	if deleteFiles != nil {
		del = *deleteFiles
	}
	return s.queue.Cancel(ctx, id, del)
}

func (s *taskService) DeleteTask(ctx context.Context, id string, deleteFiles bool) error {
	return s.queue.DeleteTask(ctx, id, deleteFiles)
}

func (s *taskService) SubscribeProgress(ctx context.Context, id string) (<-chan domain.Progress, error) {
	return s.queue.SubscribeProgress(ctx, id)
}
