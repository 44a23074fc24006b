package recovery

import (
	"github.com/lodestone-search/lodestone/internal/snapshot"
	"github.com/lodestone-search/lodestone/internal/store"
)

// FileSource is the chosen origin for one file of a restore plan.
type FileSource uint8

const (
	// AlreadyLocal means an identical file exists in the target store and
	// nothing is transferred.
	AlreadyLocal FileSource = iota

	// FromSnapshot means the file is fetched from the snapshot
	// repository's blob layer.
	FromSnapshot

	// FromPeer means the file is streamed from the source shard copy.
	FromPeer
)

func (s FileSource) String() string {
	switch s {
	case AlreadyLocal:
		return "already-local"
	case FromSnapshot:
		return "snapshot"
	case FromPeer:
		return "peer"
	default:
		return "unknown"
	}
}

// PlanEntry assigns a source to one file of the source inventory. Meta is the
// source's authoritative metadata; SnapshotFile is only set for FromSnapshot
// entries and names the repository blob to fetch.
type PlanEntry struct {
	Meta         store.FileMetadata
	Source       FileSource
	SnapshotFile snapshot.File
}

// Plan is the per-attempt restore plan. It covers every file of the source
// inventory exactly once, plus the local files scheduled for deletion because
// the source no longer has them. A plan is built once per attempt and
// consumed read-only; a retried attempt gets a fresh plan.
type Plan struct {
	Entries   []PlanEntry
	Deletions []string
}

// Counts returns the number of entries per source.
func (p *Plan) Counts() (local, snap, peer int) {
	for _, e := range p.Entries {
		switch e.Source {
		case AlreadyLocal:
			local++
		case FromSnapshot:
			snap++
		case FromPeer:
			peer++
		}
	}
	return local, snap, peer
}

// TransferBytes returns the total length of all entries that require a
// transfer, the expected byte count at finalize.
func (p *Plan) TransferBytes() int64 {
	var sum int64
	for _, e := range p.Entries {
		if e.Source != AlreadyLocal {
			sum += e.Meta.Length
		}
	}
	return sum
}

// Entry returns the plan entry for name.
func (p *Plan) Entry(name string) (PlanEntry, bool) {
	for _, e := range p.Entries {
		if e.Meta.Name == name {
			return e, true
		}
	}
	return PlanEntry{}, false
}
