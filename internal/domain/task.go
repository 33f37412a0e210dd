package domain

import "time"

type TaskStatus string

const (
	TaskStatusQueued      TaskStatus = "queued"
	TaskStatusDownloading TaskStatus = "downloading"
	TaskStatusPaused      TaskStatus = "paused"
	TaskStatusCompleted   TaskStatus = "completed"
	TaskStatusFailed      TaskStatus = "failed"
	TaskStatusCancelled   TaskStatus = "cancelled"
)

// NonTerminalStatuses lists the statuses a task can still leave.
var NonTerminalStatuses = []TaskStatus{
	TaskStatusQueued,
	TaskStatusDownloading,
	TaskStatusPaused,
}

// Terminal reports whether no further transitions are possible from s.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is one of the known statuses.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusQueued, TaskStatusDownloading, TaskStatusPaused,
		TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// Task represents one download attempt for a book.
type Task struct {
	ID              string
	BookID          string
	SourceURI       string
	SavePath        string
	Status          TaskStatus
	DownloadedBytes int64
	TotalBytes      int64
	ErrorMessage    string
	Metadata        map[string]string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CompletedAt     *time.Time
	Files           []TaskFile
}

// Active is the inverse of Terminal for the task's current status.
func (t Task) Active() bool {
	return !t.Status.Terminal()
}

// Progress derives the progress value stored on the task itself. Used to
// seed late subscribers before live updates arrive.
func (t Task) Progress() Progress {
	return Progress{
		TaskID:          t.ID,
		Status:          t.Status,
		Percentage:      Percentage(t.DownloadedBytes, t.TotalBytes),
		DownloadedBytes: t.DownloadedBytes,
		TotalBytes:      t.TotalBytes,
		Error:           t.ErrorMessage,
		UpdatedAt:       t.UpdatedAt,
	}
}

// TaskFile captures an individual file discovered within a torrent.
type TaskFile struct {
	ID     int64
	TaskID string
	Name   string
	Size   int64
	Path   string
}
