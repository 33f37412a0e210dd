package downloader

import (
	"context"
	"errors"

	"audiobook-queue/internal/domain"
)

// SessionHandle identifies a live engine session. For torrents it is the
// lower-case hex infohash.
type SessionHandle string

type TerminalState string

const (
	TerminalNone   TerminalState = ""
	TerminalDone   TerminalState = "done"
	TerminalFailed TerminalState = "failed"
)

// ErrSessionNotFound is returned for handles the engine does not know.
var ErrSessionNotFound = errors.New("session not found")

// Update is one telemetry report for a session.
type Update struct {
	Handle          SessionHandle
	DownloadedBytes int64
	TotalBytes      int64
	DownloadRateBps int64
	UploadRateBps   int64
	Peers           int
	Seeds           int
	// Name and Files are set once metadata has resolved.
	Name     string
	Files    []domain.TaskFile
	Terminal TerminalState
	Err      string
}

// Engine is the narrow surface the queue drives. Only the queue manager may
// call the mutating methods.
type Engine interface {
	StartSession(ctx context.Context, sourceURI, savePath string) (SessionHandle, error)
	PauseSession(ctx context.Context, h SessionHandle) error
	ResumeSession(ctx context.Context, h SessionHandle) error
	StopSession(ctx context.Context, h SessionHandle, deleteFiles bool) error
	// FindSession reports whether a live session already exists for sourceURI.
	FindSession(ctx context.Context, sourceURI string) (SessionHandle, bool, error)
	Updates() <-chan Update
	Close() error
}
