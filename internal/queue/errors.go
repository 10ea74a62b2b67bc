package queue

import "errors"

var (
	// ErrStaleUpdate marks an update for a task the store does not hold. It is
	// logged, never returned.
	ErrStaleUpdate = errors.New("stale update")
	// ErrCorruptSnapshot marks a durable snapshot that could not be decoded.
	// Load recovers by starting from an empty queue.
	ErrCorruptSnapshot = errors.New("corrupt queue snapshot")
	// ErrInvalidTask is returned by Insert for a task without an id.
	ErrInvalidTask = errors.New("invalid task")
	// ErrDuplicateTask is returned by Insert when the id is already tracked.
	ErrDuplicateTask = errors.New("task already queued")
)
