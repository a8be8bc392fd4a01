// Package storage defines the screenshot object-store contract.
package storage

import "context"

// ObjectStore persists screenshot bytes under a key and serves them back
// at a public URL.
type ObjectStore interface {
	// Put uploads data and returns the public URL it is reachable at.
	Put(ctx context.Context, key string, contentType string, data []byte) (string, error)
	// Delete removes a previously stored object. Deleting a missing
	// object is not an error.
	Delete(ctx context.Context, key string) error
}
