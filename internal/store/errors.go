package store

import "errors"

var (
	// ErrLockTimeout is returned when a document lock cannot be acquired in
	// time. Callers should back off and retry the operation.
	ErrLockTimeout = errors.New("timed out acquiring document lock")
)
