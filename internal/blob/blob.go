// Package blob abstracts artifact storage for persisted scorer models.
package blob

import "context"

// Store reads and writes named artifacts. Put must be atomic: a concurrent
// Get never observes a partially written artifact.
type Store interface {
	// Get returns the artifact bytes, or lead.ErrNotFound when the key
	// does not exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put writes the artifact, replacing any previous version atomically.
	Put(ctx context.Context, key string, data []byte) error
}
