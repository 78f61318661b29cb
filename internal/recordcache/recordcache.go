// Package recordcache is a byte cache for Odoo introspection results (model
// lists, model metadata, field schemas). Values are opaque JSON blobs with a
// per-entry TTL; Purge drops everything at once, which the server does when
// credentials rotate so a new identity never sees the old identity's view.
package recordcache

import (
	"context"
	"time"
)

// Store is a flat key-value cache with per-entry expiry.
type Store interface {
	// Get returns the cached value for key. The second result is false on a
	// miss (absent or expired); errors are reserved for backend failures.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value under key. A zero ttl stores without expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Purge removes every entry owned by this store.
	Purge(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
