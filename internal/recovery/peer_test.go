package recovery

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lodestone-search/lodestone/internal/store"
	rtest "github.com/lodestone-search/lodestone/internal/test"
)

func testStores(t *testing.T) (src, tgt *store.Store) {
	var err error
	src, err = store.Open(rtest.TempDir(t))
	rtest.OK(t, err)
	tgt, err = store.Open(rtest.TempDir(t))
	rtest.OK(t, err)
	return src, tgt
}

func TestPeerChannelFetch(t *testing.T) {
	src, tgt := testStores(t)

	// file length deliberately not a multiple of the chunk size
	data := rtest.Random(23, 1000)
	rtest.OK(t, os.WriteFile(filepath.Join(src.Dir(), "_3.cfs"), data, 0600))

	inv, err := src.Inventory(context.TODO())
	rtest.OK(t, err)
	meta, ok := inv.Get("_3.cfs")
	rtest.Assert(t, ok, "source file not scanned")

	c := &peerChannel{
		peer:              &LocalPeer{Store: src},
		chunkSize:         64,
		inactivityTimeout: time.Second,
	}
	backup, err := c.Fetch(context.Background(), tgt, meta)
	rtest.OK(t, err)
	rtest.Equals(t, "", backup)

	got, err := os.ReadFile(filepath.Join(tgt.Dir(), "_3.cfs"))
	rtest.OK(t, err)
	rtest.Assert(t, bytes.Equal(data, got), "restored content differs")
}

// emptyChunkPeer answers every read with zero bytes and no error.
type emptyChunkPeer struct{}

func (emptyChunkPeer) Inventory(_ context.Context) (store.FileInventory, error) {
	return store.FileInventory{}, nil
}

func (emptyChunkPeer) ReadChunk(_ context.Context, _ string, _ int64, _ []byte) (int, error) {
	return 0, nil
}

func TestPeerChannelRejectsEmptyChunks(t *testing.T) {
	_, tgt := testStores(t)

	c := &peerChannel{peer: emptyChunkPeer{}, chunkSize: 64, inactivityTimeout: time.Second}
	_, err := c.Fetch(context.Background(), tgt, store.FileMetadata{Name: "_0.cfs", Length: 10, Checksum: "00"})
	rtest.Assert(t, err != nil, "a peer that yields no bytes must fail the transfer")

	// the failed transfer leaves no temp file behind
	rtest.OK(t, tgt.DiscardTemps())
	entries, rerr := os.ReadDir(tgt.Dir())
	rtest.OK(t, rerr)
	rtest.Equals(t, 0, len(entries))
}

func TestLocalPeerReadChunkAtEOF(t *testing.T) {
	src, _ := testStores(t)
	rtest.OK(t, os.WriteFile(filepath.Join(src.Dir(), "_0.cfs"), []byte("abcdef"), 0600))

	p := &LocalPeer{Store: src}
	buf := make([]byte, 4)

	n, err := p.ReadChunk(context.Background(), "_0.cfs", 4, buf)
	rtest.OK(t, err)
	rtest.Equals(t, 2, n)
	rtest.Equals(t, "ef", string(buf[:n]))
}
