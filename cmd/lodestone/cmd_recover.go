package main

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/lodestone-search/lodestone/internal/errors"
	"github.com/lodestone-search/lodestone/internal/recovery"
	"github.com/lodestone-search/lodestone/internal/snapshot"
	"github.com/lodestone-search/lodestone/internal/store"
)

var cmdRecover = &cobra.Command{
	Use:   "recover --source dir --target dir [flags]",
	Short: "Recover a shard copy from a source store into a target store",
	Long: `
The "recover" command rebuilds the shard copy in the target directory from the
one in the source directory. When a repository and snapshot are given, files
already held by a snapshot are restored from the repository instead of being
copied from the source.
`,
	DisableAutoGenTag: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRecover(cmd.Context(), recoverOptions, globalOptions, args)
	},
}

// RecoverOptions collect all options for the recover command.
type RecoverOptions struct {
	Shard      string
	SourceDir  string
	TargetDir  string
	SnapshotID string
	Generation int64
}

var recoverOptions RecoverOptions

func init() {
	cmdRoot.AddCommand(cmdRecover)

	f := cmdRecover.Flags()
	f.StringVar(&recoverOptions.Shard, "shard", "", "shard `id` being recovered")
	f.StringVar(&recoverOptions.SourceDir, "source", "", "`directory` of the source shard copy")
	f.StringVar(&recoverOptions.TargetDir, "target", "", "`directory` of the target shard copy")
	f.StringVar(&recoverOptions.SnapshotID, "snapshot", "", "`id` of the snapshot to restore files from")
	f.Int64Var(&recoverOptions.Generation, "generation", 0, "index commit `generation` the snapshot was taken at")
}

func runRecover(ctx context.Context, opts RecoverOptions, gopts GlobalOptions, args []string) error {
	if len(args) > 0 {
		return errors.Fatal("the recover command has no arguments")
	}
	if opts.SourceDir == "" || opts.TargetDir == "" {
		return errors.Fatal("--source and --target must be given")
	}
	if opts.Shard == "" {
		opts.Shard = opts.TargetDir
	}

	cfg, err := recoveryConfig(gopts)
	if err != nil {
		return err
	}

	source, err := store.Open(opts.SourceDir)
	if err != nil {
		return err
	}
	target, err := store.Open(opts.TargetDir)
	if err != nil {
		return err
	}

	req := recovery.Request{
		ShardID:  opts.Shard,
		Store:    target,
		Source:   &recovery.LocalPeer{Store: source},
		Translog: recovery.NoopTranslog{},
	}

	if opts.SnapshotID != "" {
		repo, err := openRepository(ctx, gopts)
		if err != nil {
			return err
		}
		defer func() {
			_ = repo.Close()
		}()

		req.Snapshot = &snapshot.Reference{
			RepositoryID:          gopts.RepositoryID,
			SnapshotID:            opts.SnapshotID,
			IndexCommitGeneration: opts.Generation,
		}
		req.Repository = repo
	}

	svc := recovery.NewService(cfg)
	start := time.Now()

	a, err := svc.StartRecovery(ctx, req)
	if err != nil {
		return err
	}

	outcome, err := a.Wait(ctx)
	if err != nil {
		svc.CancelRecovery(a)
		<-a.Done()
		return err
	}
	if outcome.Err != nil {
		return errors.Wrapf(outcome.Err, "recovering shard %v", opts.Shard)
	}

	stats := a.Stats()
	Verbosef("recovered shard %v in %v\n", opts.Shard, time.Since(start).Round(time.Millisecond))
	Verbosef("  already local:  %d files\n", stats.FilesAlreadyLocal.Value())
	Verbosef("  from snapshot:  %d files, %s\n",
		stats.FilesFromSnapshot.Value(), formatBytes(stats.BytesFromSnapshot.Value()))
	Verbosef("  from peer:      %d files, %s\n",
		stats.FilesFromPeer.Value(), formatBytes(stats.BytesFromPeer.Value()))
	if n := stats.Demotions.Value(); n > 0 {
		Verbosef("  demoted to peer: %d files\n", n)
	}
	if n := stats.Retries.Value(); n > 0 {
		Verbosef("  retries:        %d\n", n)
	}
	if n := stats.FilesDeleted.Value(); n > 0 {
		Verbosef("  deleted:        %d orphaned files\n", n)
	}

	return nil
}

func formatBytes(n int64) string {
	return humanize.IBytes(uint64(max(n, 0)))
}
