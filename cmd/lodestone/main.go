package main

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/lodestone-search/lodestone/internal/debug"
	"github.com/lodestone-search/lodestone/internal/errors"
)

func init() {
	// don't import `go.uber.org/automaxprocs` to disable the log output
	_, _ = maxprocs.Set()
}

var cmdRoot = &cobra.Command{
	Use:   "lodestone",
	Short: "Recover shard copies from peers and snapshot repositories",
	Long: `
lodestone rebuilds shard copies on a target node, reusing snapshot repository
blobs where possible so the source node only streams what the repository does
not already hold.
`,
	SilenceErrors:     true,
	SilenceUsage:      true,
	DisableAutoGenTag: true,

	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		return globalOptions.PreRun()
	},
}

func main() {
	debug.Log("main %#v", os.Args)
	debug.Log("lodestone %s compiled with %v on %v/%v",
		version, runtime.Version(), runtime.GOOS, runtime.GOARCH)

	ctx := createGlobalContext()
	err := cmdRoot.ExecuteContext(ctx)
	if err == nil {
		err = ctx.Err()
	}

	switch {
	case err == nil:
		Exit(0)
	case errors.IsFatal(err):
		fmt.Fprintf(os.Stderr, "%v\n", err)
		Exit(1)
	case errors.Is(err, context.Canceled):
		fmt.Fprintln(os.Stderr, "recovery interrupted")
		Exit(130)
	default:
		fmt.Fprintf(os.Stderr, "%+v\n", err)
		Exit(1)
	}
}
