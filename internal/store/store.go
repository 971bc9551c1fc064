// Package store defines the key/value persistence interface used to keep
// scenario snapshots. Implementations include in-memory (testing), a URL
// fragment (shareable links), SQLite and PostgreSQL (durable), Redis, and a
// Redis read-through cache in front of a durable store.
//
// Values are opaque text tokens; the store never interprets them.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when no entry exists for a key.
var ErrNotFound = errors.New("store: key not found")

// Store is the key/value persistence interface.
type Store interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key, value string) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}
