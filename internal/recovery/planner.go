package recovery

import (
	"context"

	"github.com/lodestone-search/lodestone/internal/debug"
	"github.com/lodestone-search/lodestone/internal/snapshot"
	"github.com/lodestone-search/lodestone/internal/store"
)

// planAttempt gates snapshot eligibility and builds the per-file plan for one
// attempt. Ineligibility or an unusable manifest yields an all-peer plan;
// planning itself cannot fail.
func (s *Service) planAttempt(ctx context.Context, req Request, local, source store.FileInventory) *Plan {
	return BuildPlan(local, source, s.loadManifest(ctx, req))
}

// loadManifest decides snapshot eligibility and fetches the manifest. Any
// problem with the snapshot path at this stage falls back to an all-peer
// plan instead of failing the attempt.
func (s *Service) loadManifest(ctx context.Context, req Request) *snapshot.Manifest {
	if !s.cfg.UseSnapshots {
		return nil
	}
	if req.Snapshot == nil || !req.Snapshot.Valid() || req.Repository == nil {
		return nil
	}

	m, err := req.Repository.Manifest(ctx, *req.Snapshot)
	if err != nil {
		debug.Log("manifest for %v unavailable, falling back to peer recovery: %v", req.Snapshot, err)
		return nil
	}
	if m.SnapshotID != req.Snapshot.SnapshotID {
		debug.Log("manifest names snapshot %v, expected %v, ignoring it", m.SnapshotID, req.Snapshot.SnapshotID)
		return nil
	}
	return m
}
