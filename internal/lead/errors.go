package lead

import "errors"

// Sentinel errors shared across the storage and scoring layers. Callers
// match them with errors.Is after any amount of wrapping.
var (
	// ErrNotFound means a referenced entity does not exist. It is fatal
	// to the single call that raised it and is never retried internally.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate means an insert collided with the username uniqueness
	// invariant.
	ErrDuplicate = errors.New("already exists")

	// ErrModelUnavailable means a persisted scorer model is missing or
	// corrupt. Constructors recover by falling back to a blank model.
	ErrModelUnavailable = errors.New("model unavailable")

	// ErrQueueClosed means the job queue was shut down.
	ErrQueueClosed = errors.New("queue closed")

	// ErrNotProfessional means the upstream API refused business discovery
	// because the target is not a professional account.
	ErrNotProfessional = errors.New("not a professional account")
)
