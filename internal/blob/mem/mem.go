// Package mem implements an in-memory blob store used by tests. It supports
// injecting per-blob faults to exercise the retry and demotion paths.
package mem

import (
	"bytes"
	"context"
	"io"
	"sort"
	"sync"

	"github.com/lodestone-search/lodestone/internal/blob"
	"github.com/lodestone-search/lodestone/internal/errors"
)

var errNotFound = errors.New("blob not found")

// Store is a blob store backed by a map. This should only be used for tests.
type Store struct {
	m     sync.Mutex
	data  map[string][]byte
	fails map[string]*fault
}

type fault struct {
	remaining int
	err       error
}

// make sure Store implements blob.Store
var _ blob.Store = &Store{}

// New returns a new in-memory blob store.
func New() *Store {
	return &Store{
		data:  make(map[string][]byte),
		fails: make(map[string]*fault),
	}
}

// Put stores data under name, replacing any previous content.
func (be *Store) Put(name string, data []byte) {
	be.m.Lock()
	defer be.m.Unlock()
	be.data[name] = append([]byte(nil), data...)
}

// Delete removes the named blob.
func (be *Store) Delete(name string) {
	be.m.Lock()
	defer be.m.Unlock()
	delete(be.data, name)
}

// Corrupt flips a byte in the middle of the stored blob.
func (be *Store) Corrupt(name string) {
	be.m.Lock()
	defer be.m.Unlock()
	d, ok := be.data[name]
	if !ok || len(d) == 0 {
		panic("no such blob: " + name)
	}
	d[len(d)/2] ^= 0xff
}

// FailOpen makes the next count Open calls for name return err.
func (be *Store) FailOpen(name string, count int, err error) {
	be.m.Lock()
	defer be.m.Unlock()
	be.fails[name] = &fault{remaining: count, err: err}
}

func (be *Store) takeFault(name string) error {
	f, ok := be.fails[name]
	if !ok || f.remaining == 0 {
		return nil
	}
	f.remaining--
	return f.err
}

func (be *Store) Open(ctx context.Context, name string, fn func(rd io.Reader) error) error {
	be.m.Lock()
	if err := be.takeFault(name); err != nil {
		be.m.Unlock()
		return err
	}
	d, ok := be.data[name]
	if !ok {
		be.m.Unlock()
		return errors.Wrapf(errNotFound, "blob %v", name)
	}
	buf := append([]byte(nil), d...)
	be.m.Unlock()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fn(bytes.NewReader(buf))
}

func (be *Store) Stat(ctx context.Context, name string) (blob.FileInfo, error) {
	be.m.Lock()
	defer be.m.Unlock()

	d, ok := be.data[name]
	if !ok {
		return blob.FileInfo{}, errors.Wrapf(errNotFound, "blob %v", name)
	}
	return blob.FileInfo{Name: name, Size: int64(len(d))}, nil
}

func (be *Store) List(ctx context.Context, fn func(blob.FileInfo) error) error {
	be.m.Lock()
	infos := make([]blob.FileInfo, 0, len(be.data))
	for name, d := range be.data {
		infos = append(infos, blob.FileInfo{Name: name, Size: int64(len(d))})
	}
	be.m.Unlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })

	for _, fi := range infos {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := fn(fi); err != nil {
			return err
		}
	}
	return nil
}

func (be *Store) IsNotExist(err error) bool {
	return errors.Is(err, errNotFound)
}

func (be *Store) IsPermanentError(err error) bool {
	return be.IsNotExist(err)
}

func (be *Store) Close() error {
	return nil
}
