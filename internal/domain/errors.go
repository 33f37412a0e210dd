package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an operation references an unknown task.
	ErrNotFound = errors.New("task not found")
	// ErrInvalidTransition is returned when an operation is illegal for the task's status.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrStorage wraps task store I/O failures.
	ErrStorage = errors.New("storage error")
	// ErrEngineStart wraps failures of the torrent engine to start a session.
	ErrEngineStart = errors.New("engine start error")
	// ErrInvalidArgument marks malformed requests.
	ErrInvalidArgument = errors.New("invalid argument")
)

// TransitionError describes a rejected state change.
type TransitionError struct {
	TaskID string
	From   TaskStatus
	Op     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s task %s: %v from %s", e.Op, e.TaskID, ErrInvalidTransition, e.From)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// WrapStorage tags err as a task store failure.
func WrapStorage(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrStorage, err)
}

// WrapEngineStart tags err as an engine start failure.
func WrapEngineStart(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrEngineStart, err)
}

// InvalidArgument returns an ErrInvalidArgument carrying msg.
func InvalidArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}
