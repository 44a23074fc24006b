package snapshot

import (
	"context"
	"io"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/lodestone-search/lodestone/internal/blob"
	"github.com/lodestone-search/lodestone/internal/debug"
	"github.com/lodestone-search/lodestone/internal/errors"
)

// manifestCacheSize bounds the number of decoded manifests kept around.
// Manifests are immutable, so cached entries never go stale.
const manifestCacheSize = 32

// Repository resolves snapshot references against one repository's blob
// store. It is read-only and safe for concurrent use across recovering
// shards.
type Repository struct {
	id    string
	store blob.Store
	cache *lru.Cache[string, *Manifest]
}

// NewRepository creates a repository view on top of be. id must match the
// RepositoryID of the references that will be resolved against it.
func NewRepository(id string, be blob.Store) (*Repository, error) {
	cache, err := lru.New[string, *Manifest](manifestCacheSize)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	return &Repository{id: id, store: be, cache: cache}, nil
}

// ID returns the repository's identifier.
func (r *Repository) ID() string {
	return r.id
}

func manifestBlobName(ref Reference) string {
	return "snap-" + ref.SnapshotID + ".manifest"
}

// Manifest fetches the file manifest for ref, using the cache when possible.
func (r *Repository) Manifest(ctx context.Context, ref Reference) (*Manifest, error) {
	if ref.RepositoryID != r.id {
		return nil, errors.Errorf("reference %v does not belong to repository %v", ref, r.id)
	}

	if m, ok := r.cache.Get(ref.SnapshotID); ok {
		debug.Log("manifest cache hit for %v", ref.SnapshotID)
		return m, nil
	}

	var m *Manifest
	err := r.store.Open(ctx, manifestBlobName(ref), func(rd io.Reader) error {
		var derr error
		m, derr = DecodeManifest(rd)
		return derr
	})
	if err != nil {
		return nil, errors.Wrapf(err, "loading manifest for snapshot %v", ref.SnapshotID)
	}

	r.cache.Add(ref.SnapshotID, m)
	return m, nil
}

// OpenFile runs fn with a reader for the blob holding the manifest file f.
func (r *Repository) OpenFile(ctx context.Context, f File, fn func(rd io.Reader) error) error {
	return r.store.Open(ctx, f.BlobKey, fn)
}

// IsNotExist reports whether err means a missing blob in the repository.
func (r *Repository) IsNotExist(err error) bool {
	return r.store.IsNotExist(err)
}

// IsPermanentError reports whether retrying could not fix err.
func (r *Repository) IsPermanentError(err error) bool {
	return r.store.IsPermanentError(err)
}

// Close closes the underlying blob store.
func (r *Repository) Close() error {
	return r.store.Close()
}
