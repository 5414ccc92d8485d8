package storage

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned by Open when no object exists under the key.
var ErrNotFound = errors.New("storage: object not found")

// ErrInvalidKey is returned for keys that would escape the storage root.
var ErrInvalidKey = errors.New("storage: invalid key")

// FileStorage is an interface for storing uploaded document content.
// Keys are slash-separated relative paths chosen by the caller.
type FileStorage interface {
	// Save writes r under key and returns the number of bytes written.
	Save(ctx context.Context, key string, r io.Reader) (int64, error)
	// Open returns a reader for the object stored under key.
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete removes the object. Deleting a missing object is not an error.
	Delete(ctx context.Context, key string) error
}
