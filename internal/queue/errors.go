package queue

import "errors"

var (
	// ErrTaskNotFound is returned when a task id is not in the queue
	ErrTaskNotFound = errors.New("task not found")

	// ErrInvalidCategory is returned when a task names a category outside
	// the configured set
	ErrInvalidCategory = errors.New("invalid category")

	// ErrInvalidTransition is returned when a status transition is not
	// allowed from the task's current status. State is left unchanged.
	ErrInvalidTransition = errors.New("invalid status transition")
)
