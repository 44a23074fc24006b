// Package retry wraps a blob store with bounded, backoff-driven retries for
// transient errors. Permanent errors (missing blobs, authorization failures)
// are passed through immediately so the caller can demote the affected file
// instead of hammering the repository.
package retry

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/lodestone-search/lodestone/internal/blob"
	"github.com/lodestone-search/lodestone/internal/debug"
	"github.com/lodestone-search/lodestone/internal/errors"
)

// Store retries operations on the wrapped store in case of an error with an
// exponential backoff.
type Store struct {
	blob.Store
	MaxRetries   uint64
	InitialDelay time.Duration
	MaxElapsed   time.Duration
	Report       func(msg string, err error, d time.Duration)
	OnSuccess    func(msg string, retries int)
	fastRetries  bool
}

// make sure Store implements blob.Store
var _ blob.Store = &Store{}

// New wraps be with a store that retries operations after a backoff.
// Report is called with a description and the error before each retry, if one
// occurred. OnSuccess is called with the number of retries before a successful
// operation (it is not called if it succeeded on the first try).
func New(be blob.Store, maxRetries uint64, initialDelay, maxElapsed time.Duration,
	report func(string, error, time.Duration), onSuccess func(string, int)) *Store {
	return &Store{
		Store:        be,
		MaxRetries:   maxRetries,
		InitialDelay: initialDelay,
		MaxElapsed:   maxElapsed,
		Report:       report,
		OnSuccess:    onSuccess,
	}
}

// TestFastRetries reduces retry delays for tests.
func TestFastRetries(s *Store) {
	s.fastRetries = true
}

func (be *Store) retry(ctx context.Context, msg string, f func() error) error {
	// Using an already cancelled context would skip all retries anyway, so
	// be consistent and abort immediately.
	if ctx.Err() != nil {
		return ctx.Err()
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = be.InitialDelay
	bo.Multiplier = 2
	bo.MaxElapsedTime = be.MaxElapsed
	if be.fastRetries {
		bo.InitialInterval = time.Millisecond
		bo.MaxElapsedTime = 100 * time.Millisecond
	}

	retries := 0
	err := backoff.RetryNotify(
		func() error {
			err := f()
			if err == nil {
				if retries > 0 && be.OnSuccess != nil {
					be.OnSuccess(msg, retries)
				}
				return nil
			}
			// permanent errors very likely cannot be fixed by retrying
			if be.Store.IsPermanentError(err) && !errors.Is(err, &backoff.PermanentError{}) {
				return backoff.Permanent(err)
			}
			retries++
			return err
		},
		backoff.WithContext(backoff.WithMaxRetries(bo, be.MaxRetries), ctx),
		func(err error, d time.Duration) {
			debug.Log("%v failed: %v, retrying in %v", msg, err, d)
			if be.Report != nil {
				be.Report(msg, err, d)
			}
		},
	)
	return err
}

// Open runs fn with a reader for the named blob, retrying transient errors.
func (be *Store) Open(ctx context.Context, name string, fn func(rd io.Reader) error) error {
	return be.retry(ctx, fmt.Sprintf("Open(%v)", name), func() error {
		return be.Store.Open(ctx, name, fn)
	})
}

// Stat returns information about the named blob, retrying transient errors.
func (be *Store) Stat(ctx context.Context, name string) (fi blob.FileInfo, err error) {
	err = be.retry(ctx, fmt.Sprintf("Stat(%v)", name), func() error {
		var innerErr error
		fi, innerErr = be.Store.Stat(ctx, name)

		if be.Store.IsNotExist(innerErr) {
			// Stat is mostly used to check for existence, do not retry
			return backoff.Permanent(innerErr)
		}
		return innerErr
	})
	return fi, err
}

// List runs fn for each blob. When the underlying store fails, the listing is
// retried; blobs already reported are not reported again.
func (be *Store) List(ctx context.Context, fn func(blob.FileInfo) error) error {
	listCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	listed := make(map[string]struct{})
	var innerErr error // remember when fn returned an error, it takes precedence

	err := be.retry(listCtx, "List()", func() error {
		return be.Store.List(ctx, func(fi blob.FileInfo) error {
			if _, ok := listed[fi.Name]; ok {
				return nil
			}
			listed[fi.Name] = struct{}{}

			innerErr = fn(fi)
			if innerErr != nil {
				cancel()
			}
			return innerErr
		})
	})

	if innerErr != nil {
		return innerErr
	}
	return err
}

func (be *Store) Unwrap() blob.Store {
	return be.Store
}
