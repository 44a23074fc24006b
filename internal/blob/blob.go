// Package blob defines the read-only view of a snapshot repository's blob
// layer. Recovery only ever reads from a repository; creating and deleting
// snapshots is the snapshot lifecycle's business.
package blob

import (
	"context"
	"io"
)

// FileInfo describes a blob in the store.
type FileInfo struct {
	Name string
	Size int64
}

// Store provides access to the blobs of one repository.
//
// Operations that return an error will be retried when the Store is wrapped
// in a retry.Store. To prevent that, implementations should return an error
// recognized by IsPermanentError, or wrap it in
// github.com/cenkalti/backoff/v4.PermanentError.
type Store interface {
	// Open runs fn with a reader that yields the contents of the named
	// blob. fn may be called multiple times during the same Open invocation
	// and therefore must be idempotent.
	Open(ctx context.Context, name string, fn func(rd io.Reader) error) error

	// Stat returns information about the named blob.
	Stat(ctx context.Context, name string) (FileInfo, error)

	// List runs fn for each blob in the store. When an error occurs (or fn
	// returns an error), List stops and returns it.
	List(ctx context.Context, fn func(FileInfo) error) error

	// IsNotExist returns true if the error was caused by a non-existing
	// blob. The argument may be a wrapped error.
	IsNotExist(err error) bool

	// IsPermanentError returns true if the error can very likely not be
	// resolved by retrying the operation, for example a missing blob or a
	// failed authorization.
	IsPermanentError(err error) bool

	// Close the store.
	Close() error
}

// DefaultOpen implements Store.Open using a lower-level openReader func.
func DefaultOpen(ctx context.Context, name string,
	openReader func(ctx context.Context, name string) (io.ReadCloser, error),
	fn func(rd io.Reader) error) error {

	rd, err := openReader(ctx, name)
	if err != nil {
		return err
	}

	err = fn(rd)
	if err != nil {
		_ = rd.Close() // ignore secondary errors closing the reader
		return err
	}
	return rd.Close()
}
