package pipeline

import (
	"errors"
	"fmt"
)

// ErrNoTaskAvailable ends the queue loop: stage 1 found nothing to do. It is
// the only non-error way a task cycle stops.
var ErrNoTaskAvailable = errors.New("no task available")

// TaskFailedError aborts the current task. The queue loop stops on it rather
// than moving on to the next task.
type TaskFailedError struct {
	Message string
	Err     error
}

func (e *TaskFailedError) Error() string {
	return e.Message
}

func (e *TaskFailedError) Unwrap() error {
	return e.Err
}

func taskFailed(format string, args ...any) *TaskFailedError {
	return &TaskFailedError{Message: fmt.Sprintf(format, args...)}
}

// wrapFailure turns a persistence error into a task failure.
func wrapFailure(err error, format string, args ...any) *TaskFailedError {
	msg := fmt.Sprintf(format, args...)
	return &TaskFailedError{Message: msg + ": " + err.Error(), Err: err}
}
