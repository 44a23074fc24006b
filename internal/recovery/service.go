package recovery

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"

	"github.com/lodestone-search/lodestone/internal/debug"
	"github.com/lodestone-search/lodestone/internal/errors"
	"github.com/lodestone-search/lodestone/internal/snapshot"
	"github.com/lodestone-search/lodestone/internal/store"
)

// TranslogReplayer is the write-ahead-log collaborator. ReplayFrom blocks
// until the target caught up to the source's current position and returns the
// new position.
type TranslogReplayer interface {
	ReplayFrom(ctx context.Context, position int64) (int64, error)
}

// NoopTranslog is a TranslogReplayer for targets that have nothing to replay.
type NoopTranslog struct{}

func (NoopTranslog) ReplayFrom(_ context.Context, position int64) (int64, error) {
	return position, nil
}

// Request describes one recovery to run. The store is exclusively owned by
// the recovery for the attempt's lifetime; Source and Repository are
// read-only and may be shared between concurrently recovering shards.
type Request struct {
	ShardID    string
	TargetNode string
	SourceNode string

	Store    *store.Store
	Source   SourcePeer
	Translog TranslogReplayer

	// Snapshot and Repository enable the snapshot-assisted path. Either
	// may be nil, which falls back to classic peer recovery.
	Snapshot   *snapshot.Reference
	Repository *snapshot.Repository
}

func (req *Request) validate() error {
	if req.ShardID == "" {
		return errors.New("recovery request without shard id")
	}
	if req.Store == nil {
		return errors.New("recovery request without target store")
	}
	if req.Source == nil {
		return errors.New("recovery request without source peer")
	}
	if req.Translog == nil {
		return errors.New("recovery request without translog replayer")
	}
	return nil
}

// Service runs recovery attempts. It enforces a single active attempt per
// shard; retrying a failed attempt is the allocation collaborator's decision
// and always starts a brand-new attempt.
type Service struct {
	cfg      Config
	attempts *xsync.MapOf[string, *Attempt]
}

// NewService creates a recovery service with the given tuning.
func NewService(cfg Config) *Service {
	return &Service{
		cfg:      cfg,
		attempts: xsync.NewMapOf[string, *Attempt](),
	}
}

// Attempt returns the active attempt for a shard, if any.
func (s *Service) Attempt(shardID string) (*Attempt, bool) {
	return s.attempts.Load(shardID)
}

// StartRecovery begins recovering the shard described by req and returns the
// attempt handle. The terminal outcome is delivered exactly once via the
// handle's Done channel.
func (s *Service) StartRecovery(ctx context.Context, req Request) (*Attempt, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	a := newAttempt(req.ShardID, req.TargetNode, req.SourceNode, req.Snapshot, cancel)

	if prev, loaded := s.attempts.LoadOrStore(req.ShardID, a); loaded {
		cancel()
		return nil, errors.Errorf("shard %v already has an active recovery in phase %v", req.ShardID, prev.Phase())
	}

	debug.Log("start recovery of shard %v from %v to %v (snapshot: %v)",
		req.ShardID, req.SourceNode, req.TargetNode, req.Snapshot)

	go s.run(ctx, req, a)
	return a, nil
}

// CancelRecovery stops an attempt. In-flight transfers are interrupted and
// the target store is left without any trace of the attempt.
func (s *Service) CancelRecovery(a *Attempt) {
	debug.Log("cancel recovery of shard %v", a.ShardID)
	a.cancel()
}

func (s *Service) run(ctx context.Context, req Request, a *Attempt) {
	err := s.recover(ctx, req, a)
	if err != nil {
		debug.Log("recovery of shard %v failed: %v", a.ShardID, err)
		if ctx.Err() != nil {
			// a cancelled attempt must leave the store exactly as it
			// found it, files promoted so far go away again and
			// replaced files come back from their backups
			for _, p := range a.takePromoted() {
				if rerr := req.Store.UndoPromote(p.name, p.backup); rerr != nil {
					debug.Log("undoing promoted file %v failed: %v", p.name, rerr)
				}
			}
		}
	}

	// drops in-flight temp files and, on success or non-cancel failure, the
	// backups of replaced files
	if derr := req.Store.DiscardTemps(); derr != nil {
		debug.Log("discarding temp files of shard %v failed: %v", a.ShardID, derr)
	}

	s.attempts.Delete(a.ShardID)
	a.cancel()
	a.finish(err)
}

// recover drives a single attempt through its phases. Any error is terminal
// for the attempt; the caller notifies the allocation collaborator, which may
// schedule a brand-new attempt with a fresh plan.
func (s *Service) recover(ctx context.Context, req Request, a *Attempt) error {
	a.setPhase(PhasePlanning)

	// temp files of a crashed earlier attempt are not trusted
	if err := req.Store.DiscardTemps(); err != nil {
		return errors.Wrap(err, "cleaning up stale temp files")
	}

	local, err := req.Store.Inventory(ctx)
	if err != nil {
		return errors.Wrap(err, "scanning local store")
	}

	source, err := req.Source.Inventory(ctx)
	if err != nil {
		// no usable source inventory, nothing may execute
		return errors.Wrap(err, "fetching source inventory")
	}

	plan := s.planAttempt(ctx, req, local, source)
	a.setPlan(plan)

	a.setPhase(PhaseRestoringFiles)
	if err := s.executePlan(ctx, req, a, plan); err != nil {
		return err
	}

	// store cleanup: drop local files the source no longer has
	for _, name := range plan.Deletions {
		if err := req.Store.Remove(name); err != nil {
			return errors.Wrapf(err, "deleting orphaned file %v", name)
		}
		a.stats.FilesDeleted.Inc()
	}

	a.setPhase(PhaseReplayingTranslog)
	pos := maxWriterGeneration(source)
	newPos, err := req.Translog.ReplayFrom(ctx, pos)
	if err != nil {
		return errors.Wrap(err, "replaying translog")
	}
	debug.Log("shard %v translog caught up from %d to %d", a.ShardID, pos, newPos)

	a.setPhase(PhaseFinalizing)
	// the allocation collaborator marks the shard started once it receives
	// the outcome
	return ctx.Err()
}

// executePlan runs all transfer entries on a bounded worker pool. The fan-in
// of the pool gates the phase transition: the function only returns once
// every entry resolved, and a single unrecoverable entry fails them all.
func (s *Service) executePlan(ctx context.Context, req Request, a *Attempt, plan *Plan) error {
	restorer := &snapshotRestorer{repo: req.Repository, st: req.Store}
	peer := &peerChannel{
		peer:              req.Source,
		chunkSize:         int(s.cfg.ChunkSize),
		inactivityTimeout: s.cfg.InactivityTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(int(s.cfg.Concurrency))

	for _, entry := range plan.Entries {
		if entry.Source == AlreadyLocal {
			a.stats.FilesAlreadyLocal.Inc()
			continue
		}

		g.Go(func() error {
			return s.restoreFile(gctx, req, a, restorer, peer, entry)
		})
	}

	return g.Wait()
}

// restoreFile resolves one plan entry. A failed snapshot fetch demotes the
// file to the peer path; a failed peer fetch fails the attempt.
func (s *Service) restoreFile(ctx context.Context, req Request, a *Attempt, restorer *snapshotRestorer, peer *peerChannel, entry PlanEntry) error {
	if entry.Source == FromSnapshot {
		var backup string
		err := s.retryFile(ctx, a, "snapshot fetch of "+entry.Meta.Name, s.snapshotPermanent(req), func() error {
			var ferr error
			backup, ferr = restorer.Fetch(ctx, entry)
			return ferr
		})
		if err == nil {
			a.recordPromoted(entry.Meta.Name, backup)
			a.stats.FilesFromSnapshot.Inc()
			a.stats.BytesFromSnapshot.Add(entry.Meta.Length)
			return nil
		}

		if ctx.Err() != nil {
			return err
		}
		var nospace *store.NoSpaceError
		if errors.As(err, &nospace) {
			return err
		}

		// a corrupt or missing blob only sinks this one file's snapshot
		// path, not the whole attempt
		debug.Log("demoting %v to peer recovery: %v", entry.Meta.Name, err)
		a.stats.Demotions.Inc()
	}

	var backup string
	err := s.retryFile(ctx, a, "peer fetch of "+entry.Meta.Name, peerPermanent, func() error {
		var ferr error
		backup, ferr = peer.Fetch(ctx, req.Store, entry.Meta)
		return ferr
	})
	if err != nil {
		return errors.Wrapf(err, "recovering %v from peer", entry.Meta.Name)
	}

	a.recordPromoted(entry.Meta.Name, backup)
	a.stats.FilesFromPeer.Inc()
	a.stats.BytesFromPeer.Add(entry.Meta.Length)
	return nil
}

// snapshotPermanent classifies errors of the snapshot path that retrying
// cannot fix: integrity failures, missing blobs, full disk.
func (s *Service) snapshotPermanent(req Request) func(error) bool {
	return func(err error) bool {
		var nospace *store.NoSpaceError
		return errors.Is(err, store.ErrVerification) ||
			errors.As(err, &nospace) ||
			req.Repository.IsPermanentError(err)
	}
}

// peerPermanent classifies errors of the peer path that retrying cannot fix.
// An integrity failure against the live source means the file cannot be
// recovered at all.
func peerPermanent(err error) bool {
	var nospace *store.NoSpaceError
	return errors.Is(err, store.ErrVerification) || errors.As(err, &nospace)
}

// retryFile retries f for transient errors with exponential backoff, bounded
// by the configured retry budget. Retries are counted on the attempt.
func (s *Service) retryFile(ctx context.Context, a *Attempt, msg string, permanent func(error) bool, f func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.RetryInitialDelay
	bo.Multiplier = 2
	bo.MaxElapsedTime = s.cfg.RetryMaxElapsed

	return backoff.RetryNotify(
		func() error {
			err := f()
			var perm *backoff.PermanentError
			if err != nil && permanent(err) && !errors.As(err, &perm) {
				return backoff.Permanent(err)
			}
			return err
		},
		backoff.WithContext(backoff.WithMaxRetries(bo, uint64(s.cfg.MaxFileRetries)), ctx),
		func(err error, d time.Duration) {
			a.stats.Retries.Inc()
			debug.Log("%v failed: %v, retrying in %v", msg, err, d)
		},
	)
}

// maxWriterGeneration returns the translog position the restored files
// represent, everything after it is replayed.
func maxWriterGeneration(inv store.FileInventory) int64 {
	var max int64
	for _, f := range inv.Files() {
		if f.WriterGeneration > max {
			max = f.WriterGeneration
		}
	}
	return max
}
