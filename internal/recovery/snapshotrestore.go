package recovery

import (
	"context"
	"io"

	"github.com/cenkalti/backoff/v4"

	"github.com/lodestone-search/lodestone/internal/debug"
	"github.com/lodestone-search/lodestone/internal/errors"
	"github.com/lodestone-search/lodestone/internal/snapshot"
	"github.com/lodestone-search/lodestone/internal/store"
)

// snapshotRestorer fetches single files from a snapshot repository into the
// target store. Transient repository errors are retried by the blob layer's
// retry wrapper; whatever error still comes out of it ends the snapshot
// attempt for that file and the caller demotes it to the peer path.
type snapshotRestorer struct {
	repo *snapshot.Repository
	st   *store.Store
}

// Fetch restores one FromSnapshot plan entry. The blob is written to a temp
// name and promoted only after length and checksum match entry.Meta; a
// mismatch surfaces as an error wrapping store.ErrVerification. Returns the
// backup name of a replaced file, as reported by TempFile.Promote.
func (r *snapshotRestorer) Fetch(ctx context.Context, entry PlanEntry) (string, error) {
	debug.Log("snapshot fetch %v from blob %v", entry.Meta.Name, entry.SnapshotFile.BlobKey)

	var tmp *store.TempFile
	err := r.repo.OpenFile(ctx, entry.SnapshotFile, func(rd io.Reader) error {
		// the reader callback may run again after a retried transient
		// error, start over with a fresh temp file
		if tmp != nil {
			_ = tmp.Discard()
		}

		var err error
		tmp, err = r.st.NewTempFile(entry.Meta.Name)
		if err != nil {
			return permanentIfNoSpace(err)
		}

		_, err = io.Copy(tmp, rd)
		return permanentIfNoSpace(err)
	})

	if err != nil {
		if tmp != nil {
			_ = tmp.Discard()
		}
		return "", err
	}

	return tmp.Promote(entry.Meta)
}

// permanentIfNoSpace keeps the blob retry layer from retrying a full disk.
func permanentIfNoSpace(err error) error {
	var nospace *store.NoSpaceError
	if errors.As(err, &nospace) {
		return backoff.Permanent(err)
	}
	return err
}
