// Package store implements the shard-local segment store that recovery writes
// into. All writes go to temporary names and become visible only through
// atomic promotion after the content has been verified.
package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/cespare/xxhash/v2"
	"github.com/dustin/go-humanize"

	"github.com/lodestone-search/lodestone/internal/debug"
	"github.com/lodestone-search/lodestone/internal/errors"
)

// tempPrefix marks in-flight recovery files. Inventory scans skip them and
// DiscardTemps removes them, so a crashed attempt never leaves anything that
// looks committed.
const tempPrefix = "recovery-"

// ErrVerification is wrapped by errors returned when a written file does not
// match the expected length or checksum.
var ErrVerification = errors.New("content verification failed")

// NoSpaceError reports that the store's filesystem cannot hold the bytes a
// recovery still needs to write.
type NoSpaceError struct {
	Free     int64
	Required int64
	Err      error
}

func (e *NoSpaceError) Error() string {
	return fmt.Sprintf("not enough space in store: %s free, %s required",
		humanize.IBytes(uint64(max(e.Free, 0))), humanize.IBytes(uint64(max(e.Required, 0))))
}

func (e *NoSpaceError) Unwrap() error { return e.Err }

// Store is one shard copy's segment directory. It is exclusively owned by the
// single active recovery attempt for that shard copy.
type Store struct {
	dir string
}

// Open opens the segment directory at dir, creating it if necessary.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errors.WithStack(err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the store's directory.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name)
}

// isTemp reports whether name is an in-flight recovery temp file.
func isTemp(name string) bool {
	return strings.HasPrefix(name, tempPrefix)
}

// Inventory scans the store and returns the committed files with computed
// checksums. Temp files from this or earlier attempts are skipped.
func (s *Store) Inventory(ctx context.Context) (FileInventory, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return FileInventory{}, errors.WithStack(err)
	}

	var files []FileMetadata
	for _, e := range entries {
		if ctx.Err() != nil {
			return FileInventory{}, ctx.Err()
		}
		if !e.Type().IsRegular() || isTemp(e.Name()) {
			continue
		}

		meta, err := s.describe(e.Name())
		if err != nil {
			return FileInventory{}, err
		}
		files = append(files, meta)
	}

	debug.Log("scanned %v: %d files", s.dir, len(files))
	return NewFileInventory(files), nil
}

// describe computes the metadata of a committed file.
func (s *Store) describe(name string) (FileMetadata, error) {
	f, err := os.Open(s.path(name))
	if err != nil {
		return FileMetadata{}, errors.WithStack(err)
	}
	defer func() {
		_ = f.Close()
	}()

	h := xxhash.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return FileMetadata{}, errors.WithStack(err)
	}

	return FileMetadata{
		Name:     name,
		Length:   n,
		Checksum: checksumString(h.Sum64()),
	}, nil
}

// checksumString formats a xxhash64 sum the way it is recorded in manifests.
func checksumString(sum uint64) string {
	var b [8]byte
	for i := 7; i >= 0; i-- {
		b[i] = byte(sum)
		sum >>= 8
	}
	return hex.EncodeToString(b[:])
}

// NewChecksum returns the running checksum used for all file verification.
func NewChecksum() *xxhash.Digest {
	return xxhash.New()
}

// ChecksumString converts a finished running checksum to its string form.
func ChecksumString(h *xxhash.Digest) string {
	return checksumString(h.Sum64())
}

// OpenFile opens a committed file for reading.
func (s *Store) OpenFile(name string) (*os.File, error) {
	if isTemp(name) {
		return nil, errors.Errorf("refusing to open temp file %v", name)
	}
	f, err := os.Open(s.path(name))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return f, nil
}

// Remove deletes a committed file, used for orphan cleanup after planning.
func (s *Store) Remove(name string) error {
	debug.Log("remove %v", name)
	if isTemp(name) {
		return errors.Errorf("refusing to remove temp file %v via Remove", name)
	}
	return errors.WithStack(os.Remove(s.path(name)))
}

// DiscardTemps removes all in-flight recovery temp files, both from the
// current attempt and from attempts that crashed before cleanup.
func (s *Store) DiscardTemps() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return errors.WithStack(err)
	}

	for _, e := range entries {
		if !isTemp(e.Name()) {
			continue
		}
		debug.Log("discard temp %v", e.Name())
		if err := os.Remove(s.path(e.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
			return errors.WithStack(err)
		}
	}
	return nil
}

// TempFile is a file being restored under a temporary name. Bytes written are
// fed through a running checksum; Promote verifies length and checksum against
// the expected metadata before the atomic rename that makes the file visible.
type TempFile struct {
	store   *Store
	f       *os.File
	hash    *xxhash.Digest
	written int64
	final   string
	closed  bool
}

// NewTempFile creates a temp file that will be promoted to name.
func (s *Store) NewTempFile(name string) (*TempFile, error) {
	var rnd [4]byte
	if _, err := rand.Read(rnd[:]); err != nil {
		return nil, errors.WithStack(err)
	}

	tmpname := tempPrefix + hex.EncodeToString(rnd[:]) + "." + name
	f, err := os.OpenFile(s.path(tmpname), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return nil, s.wrapWriteError(err, 0)
	}

	return &TempFile{
		store: s,
		f:     f,
		hash:  xxhash.New(),
		final: name,
	}, nil
}

func (t *TempFile) Write(p []byte) (int, error) {
	n, err := t.f.Write(p)
	if n > 0 {
		_, _ = t.hash.Write(p[:n])
		t.written += int64(n)
	}
	if err != nil {
		return n, t.store.wrapWriteError(err, int64(len(p)))
	}
	return n, nil
}

// Written returns the number of bytes written so far.
func (t *TempFile) Written() int64 {
	return t.written
}

// Promote verifies the written content against want and atomically renames the
// temp file into its final name. On verification failure the temp file is
// removed and an error wrapping ErrVerification is returned.
//
// A committed file already holding the final name is moved aside to a temp
// backup name before the rename; the returned backup name is empty when no
// such file existed. The caller either restores the backup (UndoPromote) or
// lets DiscardTemps collect it.
func (t *TempFile) Promote(want FileMetadata) (string, error) {
	if t.closed {
		return "", errors.New("temp file already closed")
	}

	if t.written != want.Length {
		_ = t.Discard()
		return "", errors.Wrapf(ErrVerification, "file %v: wrote %d bytes, expected %d", want.Name, t.written, want.Length)
	}
	if sum := checksumString(t.hash.Sum64()); sum != want.Checksum {
		_ = t.Discard()
		return "", errors.Wrapf(ErrVerification, "file %v: checksum %v, expected %v", want.Name, sum, want.Checksum)
	}

	// sync, close, then rename; the reverse close/rename order breaks on
	// some platforms
	if err := t.f.Sync(); err != nil {
		_ = t.Discard()
		return "", t.store.wrapWriteError(err, 0)
	}
	tmpname := t.f.Name()
	if err := t.f.Close(); err != nil {
		t.closed = true
		_ = os.Remove(tmpname)
		return "", errors.WithStack(err)
	}
	t.closed = true

	backup, err := t.store.moveAside(t.final)
	if err != nil {
		_ = os.Remove(tmpname)
		return "", err
	}

	if err := os.Rename(tmpname, t.store.path(t.final)); err != nil {
		_ = os.Remove(tmpname)
		if backup != "" {
			if rerr := os.Rename(t.store.path(backup), t.store.path(t.final)); rerr != nil {
				debug.Log("restoring %v from backup %v failed: %v", t.final, backup, rerr)
			}
		}
		return "", errors.WithStack(err)
	}

	// the file is visible now, a failed directory sync must not make the
	// caller believe otherwise
	if err := fsyncDir(t.store.dir); err != nil {
		debug.Log("dir sync after promoting %v failed: %v", t.final, err)
	}

	debug.Log("promoted %v (backup %q)", t.final, backup)
	return backup, nil
}

// moveAside renames a committed file to a temp backup name so the name
// becomes free. Returns the backup name, or "" if the file does not exist.
func (s *Store) moveAside(name string) (string, error) {
	if _, err := os.Stat(s.path(name)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", errors.WithStack(err)
	}

	var rnd [4]byte
	if _, err := rand.Read(rnd[:]); err != nil {
		return "", errors.WithStack(err)
	}

	backup := tempPrefix + hex.EncodeToString(rnd[:]) + ".old." + name
	if err := os.Rename(s.path(name), s.path(backup)); err != nil {
		return "", errors.WithStack(err)
	}
	return backup, nil
}

// UndoPromote removes a promoted file and, when the promotion replaced an
// earlier file, moves that file's backup into place again.
func (s *Store) UndoPromote(name, backup string) error {
	debug.Log("undo promote of %v (backup %q)", name, backup)
	if isTemp(name) {
		return errors.Errorf("refusing to undo temp file %v", name)
	}
	if err := os.Remove(s.path(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return errors.WithStack(err)
	}
	if backup == "" {
		return nil
	}
	if !isTemp(backup) {
		return errors.Errorf("invalid backup name %v", backup)
	}
	return errors.WithStack(os.Rename(s.path(backup), s.path(name)))
}

// Discard removes the temp file without promoting it.
func (t *TempFile) Discard() error {
	if t.closed {
		return nil
	}
	t.closed = true
	name := t.f.Name()
	_ = t.f.Close()
	err := os.Remove(name)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return errors.WithStack(err)
	}
	return nil
}

// wrapWriteError converts ENOSPC into a NoSpaceError carrying the free and
// required byte counts so the caller can decide whether to relocate the
// target.
func (s *Store) wrapWriteError(err error, required int64) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, syscall.ENOSPC) {
		free, ferr := freeSpace(s.dir)
		if ferr != nil {
			free = -1
		}
		return &NoSpaceError{Free: free, Required: required, Err: err}
	}
	return errors.WithStack(err)
}

func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return errors.WithStack(err)
	}
	err = d.Sync()
	if err != nil && (errors.Is(err, syscall.ENOTSUP) || errors.Is(err, syscall.EINVAL)) {
		// filesystem does not support fsync on directories
		err = nil
	}
	if cerr := d.Close(); err == nil {
		err = cerr
	}
	return errors.WithStack(err)
}
