// Package snapshot provides the read-only view of a snapshot repository that
// recovery needs: resolving a snapshot reference to its file manifest and
// opening the blobs the manifest points at.
package snapshot

import "fmt"

// Reference is an opaque, already-validated pointer to a completed snapshot,
// supplied by the snapshot lifecycle. Immutable.
type Reference struct {
	RepositoryID          string
	SnapshotID            string
	IndexCommitGeneration int64
}

// Valid reports whether the reference names a repository and a snapshot.
func (r Reference) Valid() bool {
	return r.RepositoryID != "" && r.SnapshotID != ""
}

func (r Reference) String() string {
	return fmt.Sprintf("%s:%s/gen-%d", r.RepositoryID, r.SnapshotID, r.IndexCommitGeneration)
}
