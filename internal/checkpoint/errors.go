package checkpoint

import "errors"

var (
	// ErrTaskNotFound is returned when an operation names a task with no
	// active checkpoint. It is never a silent no-op: a swallowed miss here
	// is how resumed workflows end up loading empty state.
	ErrTaskNotFound = errors.New("no active checkpoint for task")
)
