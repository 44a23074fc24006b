// Package local implements a blob store reading from a repository laid out in
// a local directory. Blob names may contain slashes, which map to
// subdirectories.
package local

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/lodestone-search/lodestone/internal/blob"
	"github.com/lodestone-search/lodestone/internal/debug"
	"github.com/lodestone-search/lodestone/internal/errors"
)

// Local is a blob store in a local directory.
type Local struct {
	dir string
}

// make sure Local implements blob.Store
var _ blob.Store = &Local{}

// Open opens the repository directory at dir.
func Open(dir string) (*Local, error) {
	fi, err := os.Stat(dir)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if !fi.IsDir() {
		return nil, errors.Errorf("repository path %v is not a directory", dir)
	}

	debug.Log("open local blob store at %v", dir)
	return &Local{dir: dir}, nil
}

func (b *Local) filename(name string) (string, error) {
	clean := path.Clean(name)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") || path.IsAbs(clean) {
		return "", errors.Errorf("invalid blob name %q", name)
	}
	return filepath.Join(b.dir, filepath.FromSlash(clean)), nil
}

// Open runs fn with a reader for the named blob.
func (b *Local) Open(ctx context.Context, name string, fn func(rd io.Reader) error) error {
	return blob.DefaultOpen(ctx, name, b.openReader, fn)
}

func (b *Local) openReader(_ context.Context, name string) (io.ReadCloser, error) {
	debug.Log("Open %v", name)
	fname, err := b.filename(name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(fname)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Stat returns information about the named blob.
func (b *Local) Stat(ctx context.Context, name string) (blob.FileInfo, error) {
	debug.Log("Stat %v", name)
	fname, err := b.filename(name)
	if err != nil {
		return blob.FileInfo{}, err
	}
	fi, err := os.Stat(fname)
	if err != nil {
		return blob.FileInfo{}, err
	}
	return blob.FileInfo{Name: name, Size: fi.Size()}, nil
}

// List runs fn for each blob in the repository.
func (b *Local) List(ctx context.Context, fn func(blob.FileInfo) error) error {
	return filepath.WalkDir(b.dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(b.dir, p)
		if err != nil {
			return err
		}
		return fn(blob.FileInfo{Name: filepath.ToSlash(rel), Size: fi.Size()})
	})
}

// IsNotExist returns true if the error is caused by a non existing blob.
func (b *Local) IsNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}

func (b *Local) IsPermanentError(err error) bool {
	return b.IsNotExist(err) || errors.Is(err, os.ErrPermission)
}

// Close closes the store.
func (b *Local) Close() error {
	// nothing to do, all open files are closed within the same call
	return nil
}
