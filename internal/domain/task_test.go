package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestTaskStatusTerminal(t *testing.T) {
	tests := []struct {
		status   TaskStatus
		terminal bool
	}{
		{TaskStatusQueued, false},
		{TaskStatusDownloading, false},
		{TaskStatusPaused, false},
		{TaskStatusCompleted, true},
		{TaskStatusFailed, true},
		{TaskStatusCancelled, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.Terminal(); got != tt.terminal {
				t.Fatalf("Terminal() = %v, want %v", got, tt.terminal)
			}
			if !tt.status.Valid() {
				t.Fatalf("status %q should be valid", tt.status)
			}
		})
	}
	if TaskStatus("bogus").Valid() {
		t.Fatalf("unknown status reported valid")
	}
}

func TestPercentage(t *testing.T) {
	tests := []struct {
		name       string
		downloaded int64
		total      int64
		want       float64
	}{
		{"unknown_total", 500, 0, 0},
		{"negative_total", 500, -1, 0},
		{"empty", 0, 1000, 0},
		{"half", 512, 1024, 50},
		{"complete", 104857600, 104857600, 100},
		{"overshoot", 2000, 1000, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Percentage(tt.downloaded, tt.total); got != tt.want {
				t.Fatalf("Percentage(%d, %d) = %v, want %v", tt.downloaded, tt.total, got, tt.want)
			}
		})
	}
}

func TestTaskProgressSnapshot(t *testing.T) {
	task := Task{ID: "t1", Status: TaskStatusPaused, DownloadedBytes: 25, TotalBytes: 100, ErrorMessage: ""}
	p := task.Progress()
	if p.TaskID != "t1" || p.Status != TaskStatusPaused || p.Percentage != 25 {
		t.Fatalf("unexpected snapshot: %+v", p)
	}
}

func TestTransitionErrorMatchesSentinel(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", &TransitionError{TaskID: "t1", From: TaskStatusCompleted, Op: "pause"})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if errors.Is(err, ErrNotFound) {
		t.Fatalf("transition error must not match ErrNotFound")
	}
}

func TestWrapHelpers(t *testing.T) {
	if WrapStorage(nil) != nil || WrapEngineStart(nil) != nil {
		t.Fatalf("wrapping nil must stay nil")
	}
	if !errors.Is(WrapStorage(errors.New("disk full")), ErrStorage) {
		t.Fatalf("expected ErrStorage")
	}
	if !errors.Is(WrapEngineStart(errors.New("bad magnet")), ErrEngineStart) {
		t.Fatalf("expected ErrEngineStart")
	}
}

func TestInvalidArgument(t *testing.T) {
	err := InvalidArgument("book id %q is not usable", "../x")
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument")
	}
	if err.Error() != `invalid argument: book id "../x" is not usable` {
		t.Fatalf("unexpected message: %s", err)
	}
}
