package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/lodestone-search/lodestone/internal/errors"
	"github.com/lodestone-search/lodestone/internal/recovery"
	"github.com/lodestone-search/lodestone/internal/snapshot"
	"github.com/lodestone-search/lodestone/internal/store"
)

var cmdPlan = &cobra.Command{
	Use:   "plan --source dir --target dir [flags]",
	Short: "Show the recovery plan without transferring anything",
	Long: `
The "plan" command compares the source and target shard copies and prints
where each file would be restored from. Nothing is transferred or deleted.
`,
	DisableAutoGenTag: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPlan(cmd.Context(), planOptions, globalOptions, args)
	},
}

// PlanOptions collect all options for the plan command.
type PlanOptions struct {
	SourceDir  string
	TargetDir  string
	SnapshotID string
	Generation int64
}

var planOptions PlanOptions

func init() {
	cmdRoot.AddCommand(cmdPlan)

	f := cmdPlan.Flags()
	f.StringVar(&planOptions.SourceDir, "source", "", "`directory` of the source shard copy")
	f.StringVar(&planOptions.TargetDir, "target", "", "`directory` of the target shard copy")
	f.StringVar(&planOptions.SnapshotID, "snapshot", "", "`id` of the snapshot to restore files from")
	f.Int64Var(&planOptions.Generation, "generation", 0, "index commit `generation` the snapshot was taken at")
}

func runPlan(ctx context.Context, opts PlanOptions, gopts GlobalOptions, args []string) error {
	if len(args) > 0 {
		return errors.Fatal("the plan command has no arguments")
	}
	if opts.SourceDir == "" || opts.TargetDir == "" {
		return errors.Fatal("--source and --target must be given")
	}

	source, err := store.Open(opts.SourceDir)
	if err != nil {
		return err
	}
	target, err := store.Open(opts.TargetDir)
	if err != nil {
		return err
	}

	local, err := target.Inventory(ctx)
	if err != nil {
		return err
	}
	remote, err := source.Inventory(ctx)
	if err != nil {
		return err
	}

	var manifest *snapshot.Manifest
	if opts.SnapshotID != "" {
		repo, err := openRepository(ctx, gopts)
		if err != nil {
			return err
		}
		defer func() {
			_ = repo.Close()
		}()

		ref := snapshot.Reference{
			RepositoryID:          gopts.RepositoryID,
			SnapshotID:            opts.SnapshotID,
			IndexCommitGeneration: opts.Generation,
		}
		manifest, err = repo.Manifest(ctx, ref)
		if err != nil {
			Warnf("snapshot %v unavailable, planning peer-only recovery: %v\n", ref, err)
		}
	}

	plan := recovery.BuildPlan(local, remote, manifest)

	for _, entry := range plan.Entries {
		Printf("%-13v %10s  %v\n", entry.Source, formatBytes(entry.Meta.Length), entry.Meta.Name)
	}
	for _, name := range plan.Deletions {
		Printf("%-13v %10s  %v\n", "delete", "", name)
	}

	nlocal, nsnap, npeer := plan.Counts()
	Verbosef("\n%d files already local, %d from snapshot, %d from peer, %d to delete\n",
		nlocal, nsnap, npeer, len(plan.Deletions))
	Verbosef("%s to transfer\n", formatBytes(plan.TransferBytes()))

	return nil
}
