package recovery_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lodestone-search/lodestone/internal/blob/mem"
	"github.com/lodestone-search/lodestone/internal/errors"
	"github.com/lodestone-search/lodestone/internal/recovery"
	"github.com/lodestone-search/lodestone/internal/snapshot"
	"github.com/lodestone-search/lodestone/internal/store"
	rtest "github.com/lodestone-search/lodestone/internal/test"
)

func fastConfig() recovery.Config {
	cfg := recovery.DefaultConfig()
	cfg.MaxFileRetries = 2
	cfg.RetryInitialDelay = time.Millisecond
	cfg.RetryMaxElapsed = 500 * time.Millisecond
	cfg.ChunkSize = 64 // force multiple chunks per file
	cfg.InactivityTimeout = time.Second
	return cfg
}

// env wires a source store, a target store and an in-memory snapshot
// repository together for one recovery.
type env struct {
	sourceStore *store.Store
	targetStore *store.Store
	targetDir   string
	blobs       *mem.Store
	repo        *snapshot.Repository
	ref         snapshot.Reference
}

func newEnv(t *testing.T) *env {
	sourceDir, targetDir := rtest.TempDir(t), rtest.TempDir(t)

	src, err := store.Open(sourceDir)
	rtest.OK(t, err)
	tgt, err := store.Open(targetDir)
	rtest.OK(t, err)

	return &env{
		sourceStore: src,
		targetStore: tgt,
		targetDir:   targetDir,
		blobs:       mem.New(),
		ref:         snapshot.Reference{RepositoryID: "backups", SnapshotID: "snap-1", IndexCommitGeneration: 1},
	}
}

func (e *env) addSourceFile(t *testing.T, name string, seed, size int) {
	t.Helper()
	rtest.OK(t, os.WriteFile(filepath.Join(e.sourceStore.Dir(), name), rtest.Random(seed, size), 0600))
}

// snapshotFiles records the named source files in the repository: blob plus
// manifest entry, exactly as the snapshot lifecycle would have.
func (e *env) snapshotFiles(t *testing.T, names ...string) {
	t.Helper()

	inv, err := e.sourceStore.Inventory(context.TODO())
	rtest.OK(t, err)

	m := &snapshot.Manifest{SnapshotID: e.ref.SnapshotID, IndexCommitGeneration: e.ref.IndexCommitGeneration}
	for _, name := range names {
		fm, ok := inv.Get(name)
		rtest.Assert(t, ok, "source file %v not found", name)

		data, err := os.ReadFile(filepath.Join(e.sourceStore.Dir(), name))
		rtest.OK(t, err)

		key := e.ref.SnapshotID + "/" + name
		e.blobs.Put(key, data)
		m.Files = append(m.Files, snapshot.File{FileMetadata: fm, BlobKey: key})
	}

	buf, err := snapshot.EncodeManifest(m)
	rtest.OK(t, err)
	e.blobs.Put("snap-"+e.ref.SnapshotID+".manifest", buf)

	e.repo, err = snapshot.NewRepository("backups", e.blobs)
	rtest.OK(t, err)
}

func (e *env) request() recovery.Request {
	req := recovery.Request{
		ShardID:    "index-1[0]",
		TargetNode: "node-b",
		SourceNode: "node-a",
		Store:      e.targetStore,
		Source:     &recovery.LocalPeer{Store: e.sourceStore},
		Translog:   recovery.NoopTranslog{},
	}
	if e.repo != nil {
		req.Snapshot = &e.ref
		req.Repository = e.repo
	}
	return req
}

func runRecovery(t *testing.T, cfg recovery.Config, req recovery.Request) (*recovery.Attempt, recovery.Outcome) {
	t.Helper()

	svc := recovery.NewService(cfg)
	a, err := svc.StartRecovery(context.Background(), req)
	rtest.OK(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	outcome, err := a.Wait(ctx)
	rtest.OK(t, err)
	return a, outcome
}

// matchesSource asserts the target store now holds exactly the source's
// files with matching identities.
func (e *env) matchesSource(t *testing.T) {
	t.Helper()

	src, err := e.sourceStore.Inventory(context.TODO())
	rtest.OK(t, err)
	tgt, err := e.targetStore.Inventory(context.TODO())
	rtest.OK(t, err)

	rtest.Equals(t, src.Len(), tgt.Len())
	for _, want := range src.Files() {
		got, ok := tgt.Get(want.Name)
		rtest.Assert(t, ok, "file %v missing in target", want.Name)
		rtest.Assert(t, want.SameIdentity(got), "file %v identity mismatch: want %+v, got %+v", want.Name, want, got)
	}
}

func TestRecoverySnapshotAndPeerMix(t *testing.T) {
	e := newEnv(t)
	e.addSourceFile(t, "_0.cfs", 1, 1000)
	e.addSourceFile(t, "_0.si", 2, 300)
	e.addSourceFile(t, "_1.cfs", 3, 500)
	e.snapshotFiles(t, "_0.cfs", "_0.si") // _1.cfs only on the peer

	a, outcome := runRecovery(t, fastConfig(), e.request())
	rtest.OK(t, outcome.Err)
	rtest.Equals(t, recovery.PhaseDone, a.Phase())

	e.matchesSource(t)

	plan := a.Plan()
	for name, want := range map[string]recovery.FileSource{
		"_0.cfs": recovery.FromSnapshot,
		"_0.si":  recovery.FromSnapshot,
		"_1.cfs": recovery.FromPeer,
	} {
		entry, ok := plan.Entry(name)
		rtest.Assert(t, ok, "missing plan entry %v", name)
		rtest.Equals(t, want, entry.Source)
	}

	stats := a.Stats()
	rtest.Equals(t, int64(2), stats.FilesFromSnapshot.Value())
	rtest.Equals(t, int64(1), stats.FilesFromPeer.Value())
	rtest.Equals(t, int64(1300), stats.BytesFromSnapshot.Value())
	rtest.Equals(t, int64(500), stats.BytesFromPeer.Value())
	rtest.Equals(t, plan.TransferBytes(), stats.BytesRestored())
}

func TestRecoveryAlreadyLocalTransfersNothing(t *testing.T) {
	e := newEnv(t)
	e.addSourceFile(t, "_0.cfs", 1, 1000)
	e.addSourceFile(t, "_0.si", 2, 300)
	e.snapshotFiles(t, "_0.cfs", "_0.si")

	// the target already holds an identical copy of _0.cfs
	rtest.OK(t, os.WriteFile(filepath.Join(e.targetDir, "_0.cfs"), rtest.Random(1, 1000), 0600))

	a, outcome := runRecovery(t, fastConfig(), e.request())
	rtest.OK(t, outcome.Err)

	e.matchesSource(t)

	stats := a.Stats()
	rtest.Equals(t, int64(1), stats.FilesAlreadyLocal.Value())
	rtest.Equals(t, int64(1), stats.FilesFromSnapshot.Value())
	rtest.Equals(t, int64(300), stats.BytesRestored())
}

func TestRecoveryCorruptSnapshotBlobDemotesToPeer(t *testing.T) {
	e := newEnv(t)
	e.addSourceFile(t, "_0.cfs", 1, 1000)
	e.addSourceFile(t, "_0.si", 2, 300)
	e.snapshotFiles(t, "_0.cfs", "_0.si")
	e.blobs.Corrupt("snap-1/_0.si")

	a, outcome := runRecovery(t, fastConfig(), e.request())
	rtest.OK(t, outcome.Err)
	rtest.Equals(t, recovery.PhaseDone, a.Phase())

	e.matchesSource(t)

	stats := a.Stats()
	rtest.Equals(t, int64(1), stats.Demotions.Value())
	rtest.Equals(t, int64(1), stats.FilesFromSnapshot.Value())
	rtest.Equals(t, int64(1), stats.FilesFromPeer.Value())
}

func TestRecoverySurvivesUnavailableRepository(t *testing.T) {
	e := newEnv(t)
	e.addSourceFile(t, "_0.cfs", 1, 1000)
	e.addSourceFile(t, "_0.si", 2, 300)
	e.snapshotFiles(t, "_0.cfs", "_0.si")

	// keep the manifest but lose every file blob
	e.blobs.Delete("snap-1/_0.cfs")
	e.blobs.Delete("snap-1/_0.si")

	a, outcome := runRecovery(t, fastConfig(), e.request())
	rtest.OK(t, outcome.Err)
	rtest.Equals(t, recovery.PhaseDone, a.Phase())

	e.matchesSource(t)

	stats := a.Stats()
	rtest.Equals(t, int64(2), stats.Demotions.Value())
	rtest.Equals(t, int64(0), stats.FilesFromSnapshot.Value())
	rtest.Equals(t, int64(2), stats.FilesFromPeer.Value())
}

func TestRecoverySnapshotFlagOff(t *testing.T) {
	e := newEnv(t)
	e.addSourceFile(t, "_0.cfs", 1, 500)
	e.snapshotFiles(t, "_0.cfs")

	cfg := fastConfig()
	cfg.UseSnapshots = false

	a, outcome := runRecovery(t, cfg, e.request())
	rtest.OK(t, outcome.Err)

	entry, ok := a.Plan().Entry("_0.cfs")
	rtest.Assert(t, ok, "missing plan entry")
	rtest.Equals(t, recovery.FromPeer, entry.Source)
	rtest.Equals(t, int64(0), a.Stats().FilesFromSnapshot.Value())
}

func TestRecoveryDeletesOrphans(t *testing.T) {
	e := newEnv(t)
	e.addSourceFile(t, "_0.cfs", 1, 100)
	rtest.OK(t, os.WriteFile(filepath.Join(e.targetDir, "_stale.cfs"), rtest.Random(9, 80), 0600))

	a, outcome := runRecovery(t, fastConfig(), e.request())
	rtest.OK(t, outcome.Err)

	_, err := os.Stat(filepath.Join(e.targetDir, "_stale.cfs"))
	rtest.Assert(t, errors.Is(err, os.ErrNotExist), "orphan file must be deleted")
	rtest.Equals(t, int64(1), a.Stats().FilesDeleted.Value())
	e.matchesSource(t)
}

func TestRecoverySingleActiveAttemptPerShard(t *testing.T) {
	e := newEnv(t)
	e.addSourceFile(t, "_0.cfs", 1, 100000)

	cfg := fastConfig()
	svc := recovery.NewService(cfg)

	blocking := &blockingPeer{inner: &recovery.LocalPeer{Store: e.sourceStore}, started: make(chan struct{})}
	req := e.request()
	req.Source = blocking

	a, err := svc.StartRecovery(context.Background(), req)
	rtest.OK(t, err)
	<-blocking.started

	_, err = svc.StartRecovery(context.Background(), req)
	rtest.Assert(t, err != nil, "second recovery for the same shard must be rejected")

	svc.CancelRecovery(a)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = a.Wait(ctx)
	rtest.OK(t, err)
}

// blockingPeer blocks every chunk read until the context is cancelled.
type blockingPeer struct {
	inner   recovery.SourcePeer
	started chan struct{}
	once    sync.Once
}

func (p *blockingPeer) Inventory(ctx context.Context) (store.FileInventory, error) {
	return p.inner.Inventory(ctx)
}

func (p *blockingPeer) ReadChunk(ctx context.Context, name string, offset int64, buf []byte) (int, error) {
	p.once.Do(func() { close(p.started) })
	<-ctx.Done()
	return 0, ctx.Err()
}

func TestRecoveryCancellationLeavesStoreUntouched(t *testing.T) {
	e := newEnv(t)
	e.addSourceFile(t, "_0.cfs", 1, 100000)
	e.addSourceFile(t, "_1.cfs", 2, 100000)

	// pre-existing target content must survive the cancelled attempt
	rtest.OK(t, os.WriteFile(filepath.Join(e.targetDir, "_old.cfs"), rtest.Random(7, 128), 0600))

	cfg := fastConfig()
	cfg.InactivityTimeout = time.Minute
	cfg.MaxFileRetries = 100

	svc := recovery.NewService(cfg)
	blocking := &blockingPeer{inner: &recovery.LocalPeer{Store: e.sourceStore}, started: make(chan struct{})}
	req := e.request()
	req.Source = blocking

	a, err := svc.StartRecovery(context.Background(), req)
	rtest.OK(t, err)

	<-blocking.started
	rtest.Equals(t, recovery.PhaseRestoringFiles, a.Phase())
	svc.CancelRecovery(a)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	outcome, err := a.Wait(ctx)
	rtest.OK(t, err)
	rtest.Assert(t, !outcome.Success(), "cancelled attempt must not succeed")
	rtest.Equals(t, recovery.PhaseFailed, a.Phase())

	entries, err := os.ReadDir(e.targetDir)
	rtest.OK(t, err)
	rtest.Equals(t, 1, len(entries))
	rtest.Equals(t, "_old.cfs", entries[0].Name())
}

// selectivePeer serves chunks normally except for one named file, whose reads
// block until the context is cancelled.
type selectivePeer struct {
	inner   recovery.SourcePeer
	block   string
	blocked chan struct{}
	once    sync.Once
}

func (p *selectivePeer) Inventory(ctx context.Context) (store.FileInventory, error) {
	return p.inner.Inventory(ctx)
}

func (p *selectivePeer) ReadChunk(ctx context.Context, name string, offset int64, buf []byte) (int, error) {
	if name == p.block {
		p.once.Do(func() { close(p.blocked) })
		<-ctx.Done()
		return 0, ctx.Err()
	}
	return p.inner.ReadChunk(ctx, name, offset, buf)
}

func TestRecoveryCancellationRestoresReplacedFiles(t *testing.T) {
	e := newEnv(t)
	e.addSourceFile(t, "_0.cfs", 1, 1000)
	e.addSourceFile(t, "_1.cfs", 2, 1000)

	// the target holds an older _0.cfs with a different identity; the
	// attempt replaces it, so cancellation must bring it back
	old := rtest.Random(99, 500)
	rtest.OK(t, os.WriteFile(filepath.Join(e.targetDir, "_0.cfs"), old, 0600))

	cfg := fastConfig()
	cfg.InactivityTimeout = time.Minute
	cfg.MaxFileRetries = 100

	svc := recovery.NewService(cfg)
	peer := &selectivePeer{
		inner:   &recovery.LocalPeer{Store: e.sourceStore},
		block:   "_1.cfs",
		blocked: make(chan struct{}),
	}
	req := e.request()
	req.Source = peer

	a, err := svc.StartRecovery(context.Background(), req)
	rtest.OK(t, err)
	<-peer.blocked

	// wait until the new _0.cfs has been promoted over the old one
	deadline := time.Now().Add(10 * time.Second)
	for {
		fi, err := os.Stat(filepath.Join(e.targetDir, "_0.cfs"))
		if err == nil && fi.Size() == 1000 {
			break
		}
		rtest.Assert(t, time.Now().Before(deadline), "new _0.cfs was never promoted")
		time.Sleep(time.Millisecond)
	}

	svc.CancelRecovery(a)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	outcome, err := a.Wait(ctx)
	rtest.OK(t, err)
	rtest.Assert(t, !outcome.Success(), "cancelled attempt must not succeed")

	// only the original _0.cfs remains, content intact, no temp files
	entries, err := os.ReadDir(e.targetDir)
	rtest.OK(t, err)
	rtest.Equals(t, 1, len(entries))
	rtest.Equals(t, "_0.cfs", entries[0].Name())

	got, err := os.ReadFile(filepath.Join(e.targetDir, "_0.cfs"))
	rtest.OK(t, err)
	rtest.Equals(t, old, got)
}

// corruptingPeer serves chunks with a flipped byte, simulating a source that
// delivers damaged data.
type corruptingPeer struct {
	inner recovery.SourcePeer
}

func (p *corruptingPeer) Inventory(ctx context.Context) (store.FileInventory, error) {
	return p.inner.Inventory(ctx)
}

func (p *corruptingPeer) ReadChunk(ctx context.Context, name string, offset int64, buf []byte) (int, error) {
	n, err := p.inner.ReadChunk(ctx, name, offset, buf)
	if n > 0 {
		buf[0] ^= 0xff
	}
	return n, err
}

func TestRecoveryPeerIntegrityFailureIsFatal(t *testing.T) {
	e := newEnv(t)
	e.addSourceFile(t, "_0.cfs", 1, 1000)

	req := e.request()
	req.Source = &corruptingPeer{inner: &recovery.LocalPeer{Store: e.sourceStore}}

	a, outcome := runRecovery(t, fastConfig(), req)
	rtest.Assert(t, !outcome.Success(), "corrupted peer data must fail the attempt")
	rtest.Assert(t, errors.Is(outcome.Err, store.ErrVerification),
		"expected verification error, got %v", outcome.Err)
	rtest.Equals(t, recovery.PhaseFailed, a.Phase())

	// no partial files may remain
	entries, err := os.ReadDir(e.targetDir)
	rtest.OK(t, err)
	rtest.Equals(t, 0, len(entries))
}

// sleepyPeer delays each chunk until past the inactivity timeout.
type sleepyPeer struct {
	inner recovery.SourcePeer
	delay time.Duration
}

func (p *sleepyPeer) Inventory(ctx context.Context) (store.FileInventory, error) {
	return p.inner.Inventory(ctx)
}

func (p *sleepyPeer) ReadChunk(ctx context.Context, name string, offset int64, buf []byte) (int, error) {
	select {
	case <-time.After(p.delay):
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	return p.inner.ReadChunk(ctx, name, offset, buf)
}

func TestRecoveryInactivityTimeout(t *testing.T) {
	e := newEnv(t)
	e.addSourceFile(t, "_0.cfs", 1, 1000)

	cfg := fastConfig()
	cfg.InactivityTimeout = 10 * time.Millisecond
	cfg.MaxFileRetries = 1

	req := e.request()
	req.Source = &sleepyPeer{inner: &recovery.LocalPeer{Store: e.sourceStore}, delay: 200 * time.Millisecond}

	a, outcome := runRecovery(t, cfg, req)
	rtest.Assert(t, !outcome.Success(), "a peer that never delivers must fail the attempt")
	rtest.Assert(t, a.Stats().Retries.Value() > 0, "expected retries to be consumed")
}

func TestRecoveryFailsWithoutSourceInventory(t *testing.T) {
	e := newEnv(t)

	req := e.request()
	req.Source = &failingPeer{}

	a, outcome := runRecovery(t, fastConfig(), req)
	rtest.Assert(t, !outcome.Success(), "missing source inventory must fail planning")
	rtest.Equals(t, recovery.PhaseFailed, a.Phase())
	rtest.Assert(t, a.Plan() == nil, "no plan may exist after a planning failure")
}

type failingPeer struct{}

func (failingPeer) Inventory(ctx context.Context) (store.FileInventory, error) {
	return store.FileInventory{}, errors.New("source shard copy closed")
}

func (failingPeer) ReadChunk(ctx context.Context, name string, offset int64, buf []byte) (int, error) {
	return 0, errors.New("source shard copy closed")
}

func TestRecoveryReplaysTranslog(t *testing.T) {
	e := newEnv(t)
	e.addSourceFile(t, "_0.cfs", 1, 100)

	replayer := &recordingTranslog{}
	req := e.request()
	req.Translog = replayer

	_, outcome := runRecovery(t, fastConfig(), req)
	rtest.OK(t, outcome.Err)
	rtest.Equals(t, 1, replayer.calls)
}

type recordingTranslog struct {
	calls    int
	position int64
}

func (r *recordingTranslog) ReplayFrom(_ context.Context, position int64) (int64, error) {
	r.calls++
	r.position = position
	return position, nil
}

func TestRecoveryFailingTranslogFailsAttempt(t *testing.T) {
	e := newEnv(t)
	e.addSourceFile(t, "_0.cfs", 1, 100)

	req := e.request()
	req.Translog = failingTranslog{}

	a, outcome := runRecovery(t, fastConfig(), req)
	rtest.Assert(t, !outcome.Success(), "translog failure must fail the attempt")
	rtest.Equals(t, recovery.PhaseFailed, a.Phase())
}

type failingTranslog struct{}

func (failingTranslog) ReplayFrom(_ context.Context, _ int64) (int64, error) {
	return 0, errors.New("translog stream broken")
}
