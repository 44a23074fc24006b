package main

import (
	"context"
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/lodestone-search/lodestone/internal/errors"
	"github.com/lodestone-search/lodestone/internal/snapshot"
)

var cmdManifest = &cobra.Command{
	Use:   "manifest snapshot-id",
	Short: "Print the file manifest of a snapshot",
	Long: `
The "manifest" command fetches the manifest of the given snapshot from the
repository and lists the files it covers.
`,
	DisableAutoGenTag: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runManifest(cmd.Context(), manifestOptions, globalOptions, args)
	},
}

// ManifestOptions collect all options for the manifest command.
type ManifestOptions struct {
	Generation int64
	JSON       bool
}

var manifestOptions ManifestOptions

func init() {
	cmdRoot.AddCommand(cmdManifest)

	f := cmdManifest.Flags()
	f.Int64Var(&manifestOptions.Generation, "generation", 0, "index commit `generation` the snapshot was taken at")
	f.BoolVar(&manifestOptions.JSON, "json", false, "print the manifest as JSON")
}

func runManifest(ctx context.Context, opts ManifestOptions, gopts GlobalOptions, args []string) error {
	if len(args) != 1 {
		return errors.Fatal("pass exactly one snapshot id")
	}

	repo, err := openRepository(ctx, gopts)
	if err != nil {
		return err
	}
	defer func() {
		_ = repo.Close()
	}()

	ref := snapshot.Reference{
		RepositoryID:          gopts.RepositoryID,
		SnapshotID:            args[0],
		IndexCommitGeneration: opts.Generation,
	}

	m, err := repo.Manifest(ctx, ref)
	if err != nil {
		return err
	}

	if opts.JSON {
		enc := json.NewEncoder(globalOptions.stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(m)
	}

	var total int64
	for _, f := range m.Files {
		Printf("%10s  %-18s  gen %3d  %v\n",
			formatBytes(f.Length), f.Checksum, f.WriterGeneration, f.Name)
		total += f.Length
	}
	Verbosef("\nsnapshot %v at generation %d covers %d files, %s\n",
		m.SnapshotID, m.IndexCommitGeneration, len(m.Files), formatBytes(total))

	return nil
}
