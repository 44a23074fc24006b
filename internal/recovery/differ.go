package recovery

import (
	"github.com/lodestone-search/lodestone/internal/debug"
	"github.com/lodestone-search/lodestone/internal/snapshot"
	"github.com/lodestone-search/lodestone/internal/store"
)

// BuildPlan compares the target's local inventory against the source's
// authoritative inventory and an optional snapshot manifest, and assigns a
// source to every file the source has.
//
// A file is AlreadyLocal only when a local file matches the source file's
// full identity (name, length, checksum). Otherwise it comes FromSnapshot if
// the manifest records a file with identical identity, and FromPeer if not.
// manifest may be nil, which forces every non-local entry to FromPeer,
// identical to classic peer recovery.
//
// Local files whose names the source inventory does not contain are scheduled
// for deletion; they are store cleanup, not part of the transfer plan.
func BuildPlan(local, source store.FileInventory, manifest *snapshot.Manifest) *Plan {
	plan := &Plan{
		Entries: make([]PlanEntry, 0, source.Len()),
	}

	for _, want := range source.Files() {
		entry := PlanEntry{Meta: want, Source: FromPeer}

		if have, ok := local.Get(want.Name); ok && have.SameIdentity(want) {
			entry.Source = AlreadyLocal
		} else if manifest != nil {
			if sf, ok := manifest.File(want.Name); ok && sf.SameIdentity(want) {
				entry.Source = FromSnapshot
				entry.SnapshotFile = sf
			}
		}

		plan.Entries = append(plan.Entries, entry)
	}

	for _, have := range local.Files() {
		if _, ok := source.Get(have.Name); !ok {
			plan.Deletions = append(plan.Deletions, have.Name)
		}
	}

	l, s, p := plan.Counts()
	debug.Log("plan: %d local, %d snapshot, %d peer, %d deletions", l, s, p, len(plan.Deletions))

	return plan
}
