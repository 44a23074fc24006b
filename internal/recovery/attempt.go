package recovery

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/lodestone-search/lodestone/internal/snapshot"
)

// Phase is the state of a recovery attempt.
type Phase uint32

const (
	PhaseInit Phase = iota
	PhasePlanning
	PhaseRestoringFiles
	PhaseReplayingTranslog
	PhaseFinalizing
	PhaseDone
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case PhasePlanning:
		return "planning"
	case PhaseRestoringFiles:
		return "restoring-files"
	case PhaseReplayingTranslog:
		return "replaying-translog"
	case PhaseFinalizing:
		return "finalizing"
	case PhaseDone:
		return "done"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether p is a terminal phase.
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseFailed
}

// Stats are the per-attempt observability counters. They are updated
// concurrently by the transfer workers; retry counters belong to the attempt,
// never to process-wide state, so concurrent attempts for different shards
// cannot interfere.
type Stats struct {
	FilesAlreadyLocal *xsync.Counter
	FilesFromSnapshot *xsync.Counter
	FilesFromPeer     *xsync.Counter
	BytesFromSnapshot *xsync.Counter
	BytesFromPeer     *xsync.Counter
	FilesDeleted      *xsync.Counter
	Retries           *xsync.Counter
	Demotions         *xsync.Counter
}

func newStats() *Stats {
	return &Stats{
		FilesAlreadyLocal: xsync.NewCounter(),
		FilesFromSnapshot: xsync.NewCounter(),
		FilesFromPeer:     xsync.NewCounter(),
		BytesFromSnapshot: xsync.NewCounter(),
		BytesFromPeer:     xsync.NewCounter(),
		FilesDeleted:      xsync.NewCounter(),
		Retries:           xsync.NewCounter(),
		Demotions:         xsync.NewCounter(),
	}
}

// BytesRestored returns the total bytes actually transferred.
func (s *Stats) BytesRestored() int64 {
	return s.BytesFromSnapshot.Value() + s.BytesFromPeer.Value()
}

// FilesRestored returns the number of files actually transferred.
func (s *Stats) FilesRestored() int64 {
	return s.FilesFromSnapshot.Value() + s.FilesFromPeer.Value()
}

// Outcome is the terminal result of an attempt. Err is nil exactly when the
// recovery succeeded.
type Outcome struct {
	Err error
}

// Success reports whether the attempt reached DONE.
func (o Outcome) Success() bool {
	return o.Err == nil
}

// Attempt is the handle for one recovery of one shard copy. It is created by
// Service.StartRecovery and lives until a terminal phase; a failed attempt is
// never resumed, a new attempt re-plans from scratch.
type Attempt struct {
	ShardID    string
	TargetNode string
	SourceNode string
	Snapshot   *snapshot.Reference // nil when no snapshot is available

	started time.Time
	phase   atomic.Uint32
	stats   *Stats

	cancel context.CancelFunc

	// plan is set once planning finished, for introspection only
	planMu sync.Mutex
	plan   *Plan

	// promoted are the files this attempt made visible, undone again if
	// the attempt is cancelled
	promotedMu sync.Mutex
	promoted   []promotedFile

	finishOnce sync.Once
	done       chan struct{}
	outcome    Outcome
}

func newAttempt(shardID, targetNode, sourceNode string, ref *snapshot.Reference, cancel context.CancelFunc) *Attempt {
	return &Attempt{
		ShardID:    shardID,
		TargetNode: targetNode,
		SourceNode: sourceNode,
		Snapshot:   ref,
		started:    time.Now(),
		stats:      newStats(),
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Phase returns the attempt's current phase.
func (a *Attempt) Phase() Phase {
	return Phase(a.phase.Load())
}

func (a *Attempt) setPhase(p Phase) {
	a.phase.Store(uint32(p))
}

// Stats returns the attempt's counters.
func (a *Attempt) Stats() *Stats {
	return a.stats
}

// Started returns the attempt's start time.
func (a *Attempt) Started() time.Time {
	return a.started
}

// Plan returns the restore plan once planning has completed, nil before.
func (a *Attempt) Plan() *Plan {
	a.planMu.Lock()
	defer a.planMu.Unlock()
	return a.plan
}

func (a *Attempt) setPlan(p *Plan) {
	a.planMu.Lock()
	a.plan = p
	a.planMu.Unlock()
}

// promotedFile records one file made visible by the attempt, together with
// the backup name of a file the promotion replaced (empty if none).
type promotedFile struct {
	name   string
	backup string
}

func (a *Attempt) recordPromoted(name, backup string) {
	a.promotedMu.Lock()
	a.promoted = append(a.promoted, promotedFile{name: name, backup: backup})
	a.promotedMu.Unlock()
}

func (a *Attempt) takePromoted() []promotedFile {
	a.promotedMu.Lock()
	defer a.promotedMu.Unlock()
	p := a.promoted
	a.promoted = nil
	return p
}

// Done returns a channel that is closed when the attempt reached a terminal
// phase.
func (a *Attempt) Done() <-chan struct{} {
	return a.done
}

// Outcome returns the terminal outcome. It must only be called after Done()
// is closed.
func (a *Attempt) Outcome() Outcome {
	return a.outcome
}

// Wait blocks until the attempt finishes or ctx is cancelled.
func (a *Attempt) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	case <-a.done:
		return a.outcome, nil
	}
}

// finish records the terminal outcome. The outcome is delivered exactly once;
// later calls are ignored.
func (a *Attempt) finish(err error) {
	a.finishOnce.Do(func() {
		a.outcome = Outcome{Err: err}
		if err != nil {
			a.setPhase(PhaseFailed)
		} else {
			a.setPhase(PhaseDone)
		}
		close(a.done)
	})
}
