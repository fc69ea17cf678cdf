package task

import (
	"errors"
	"fmt"
)

// NotFoundError is returned for an unknown task id.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("task %s not found", e.ID)
}

var (
	// ErrQueueFull rejects a submission when the run queue has no room.
	ErrQueueFull = errors.New("task queue is full")
	// ErrAlreadyRunning rejects a second concurrent Run of the same task.
	ErrAlreadyRunning = errors.New("task is already running")
	// ErrNoSource rejects a submission with neither a path nor a URL.
	ErrNoSource = errors.New("task source needs a path or a URL")
)

// IsNotFound reports whether err is, or wraps, a *NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
