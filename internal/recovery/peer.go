package recovery

import (
	"context"
	"io"
	"time"

	"github.com/lodestone-search/lodestone/internal/debug"
	"github.com/lodestone-search/lodestone/internal/errors"
	"github.com/lodestone-search/lodestone/internal/store"
)

// SourcePeer is the narrow view of the live source shard copy. The transport
// beneath it provides reliable, ordered byte delivery; this interface only
// deals in files and chunks.
type SourcePeer interface {
	// Inventory returns the source's authoritative file list.
	Inventory(ctx context.Context) (store.FileInventory, error)

	// ReadChunk reads up to len(p) bytes of the named file starting at
	// offset. It returns the number of bytes read; a short read that is
	// not the end of the file is an error.
	ReadChunk(ctx context.Context, name string, offset int64, p []byte) (int, error)
}

// peerChannel streams single files from the source shard copy in fixed-size
// chunks. Chunks are requested and applied strictly in order so the temp
// file's running checksum covers the whole stream.
type peerChannel struct {
	peer              SourcePeer
	chunkSize         int
	inactivityTimeout time.Duration
}

// Fetch transfers one file into a temp file and promotes it after the
// running checksum and length verified. A verification failure surfaces as an
// error wrapping store.ErrVerification; everything else is a transport-level
// failure the caller may retry. Returns the backup name of a replaced file,
// as reported by TempFile.Promote.
func (c *peerChannel) Fetch(ctx context.Context, st *store.Store, meta store.FileMetadata) (string, error) {
	debug.Log("peer fetch %v (%d bytes)", meta.Name, meta.Length)

	tmp, err := st.NewTempFile(meta.Name)
	if err != nil {
		return "", err
	}

	buf := make([]byte, c.chunkSize)
	var offset int64
	for offset < meta.Length {
		want := int64(len(buf))
		if remaining := meta.Length - offset; remaining < want {
			want = remaining
		}

		n, err := c.readChunk(ctx, meta.Name, offset, buf[:want])
		if err != nil {
			_ = tmp.Discard()
			return "", errors.Wrapf(err, "peer transfer of %v at offset %d", meta.Name, offset)
		}

		if _, err := tmp.Write(buf[:n]); err != nil {
			_ = tmp.Discard()
			return "", err
		}
		offset += int64(n)
	}

	return tmp.Promote(meta)
}

// readChunk wraps one chunk request in the inactivity timeout. A chunk that
// produces no bytes within the timeout fails like any other transport error.
func (c *peerChannel) readChunk(ctx context.Context, name string, offset int64, p []byte) (int, error) {
	if c.inactivityTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.inactivityTimeout)
		defer cancel()
	}

	n, err := c.peer.ReadChunk(ctx, name, offset, p)
	if err != nil {
		return n, err
	}
	if n == 0 {
		return 0, errors.Errorf("empty chunk for %v at offset %d", name, offset)
	}
	return n, nil
}

// LocalPeer serves a source shard copy directly from its store. It is the
// in-process transport used by the CLI and tests; a networked deployment
// implements SourcePeer on top of its transport instead.
type LocalPeer struct {
	Store *store.Store
}

// make sure LocalPeer implements SourcePeer
var _ SourcePeer = &LocalPeer{}

func (p *LocalPeer) Inventory(ctx context.Context) (store.FileInventory, error) {
	return p.Store.Inventory(ctx)
}

func (p *LocalPeer) ReadChunk(ctx context.Context, name string, offset int64, buf []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	f, err := p.Store.OpenFile(name)
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = f.Close()
	}()

	n, err := f.ReadAt(buf, offset)
	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, err
}
