package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/lodestone-search/lodestone/internal/blob"
	"github.com/lodestone-search/lodestone/internal/blob/local"
	"github.com/lodestone-search/lodestone/internal/blob/retry"
	"github.com/lodestone-search/lodestone/internal/blob/s3"
	"github.com/lodestone-search/lodestone/internal/debug"
	"github.com/lodestone-search/lodestone/internal/errors"
	"github.com/lodestone-search/lodestone/internal/options"
	"github.com/lodestone-search/lodestone/internal/recovery"
	"github.com/lodestone-search/lodestone/internal/snapshot"
)

var version = "0.1.0-dev (compiled manually)"

// GlobalOptions hold all global options for lodestone.
type GlobalOptions struct {
	Repo         string
	RepositoryID string
	Quiet        bool
	Options      []string

	stdout io.Writer
	stderr io.Writer

	extended options.Options
}

var globalOptions = GlobalOptions{
	stdout: os.Stdout,
	stderr: os.Stderr,
}

func init() {
	globalOptions.AddFlags(cmdRoot.PersistentFlags())
}

func (opts *GlobalOptions) AddFlags(f *pflag.FlagSet) {
	f.StringVarP(&opts.Repo, "repo", "r", "", "snapshot `repository` location (default: $LODESTONE_REPOSITORY)")
	f.StringVar(&opts.RepositoryID, "repository-id", "default", "logical `id` recorded for the snapshot repository")
	f.BoolVarP(&opts.Quiet, "quiet", "q", false, "do not output comprehensive progress report")
	f.StringSliceVarP(&opts.Options, "option", "o", []string{}, "set extended option (`key=value`, can be specified multiple times)")

	opts.Repo = os.Getenv("LODESTONE_REPOSITORY")
}

func (opts *GlobalOptions) PreRun() error {
	extendedOpts, err := options.Parse(opts.Options)
	if err != nil {
		return err
	}
	opts.extended = extendedOpts
	return nil
}

// Printf writes the message to the configured stdout stream.
func Printf(format string, args ...interface{}) {
	_, err := fmt.Fprintf(globalOptions.stdout, format, args...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "unable to write to stdout: %v\n", err)
		Exit(100)
	}
}

// Verbosef calls Printf to write the message unless quiet was requested.
func Verbosef(format string, args ...interface{}) {
	if globalOptions.Quiet {
		return
	}

	Printf(format, args...)
}

// Warnf writes the message to the configured stderr stream.
func Warnf(format string, args ...interface{}) {
	_, err := fmt.Fprintf(globalOptions.stderr, format, args...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "unable to write to stderr: %v\n", err)
		Exit(100)
	}
}

// openBlobStore opens the blob store at location. A location of the form
// "s3:host/bucket/prefix" opens an S3 store, everything else is treated as a
// local directory.
func openBlobStore(ctx context.Context, location string) (blob.Store, error) {
	debug.Log("open blob store at %v", location)

	if rest, ok := strings.CutPrefix(location, "s3:"); ok {
		parts := strings.SplitN(rest, "/", 3)
		if len(parts) < 2 {
			return nil, errors.Fatalf("invalid s3 location %q, expected s3:host/bucket[/prefix]", location)
		}
		cfg := s3.Config{
			Endpoint: parts[0],
			Bucket:   parts[1],
			Region:   os.Getenv("AWS_DEFAULT_REGION"),
			KeyID:    os.Getenv("AWS_ACCESS_KEY_ID"),
			Secret:   os.Getenv("AWS_SECRET_ACCESS_KEY"),
		}
		if len(parts) == 3 {
			cfg.Prefix = parts[2]
		}
		return s3.Open(ctx, cfg)
	}

	return local.Open(location)
}

// openRepository opens the snapshot repository configured via --repo, with
// retries for transient blob store errors.
func openRepository(ctx context.Context, gopts GlobalOptions) (*snapshot.Repository, error) {
	if gopts.Repo == "" {
		return nil, errors.Fatal("Please specify a repository location (-r or $LODESTONE_REPOSITORY)")
	}

	be, err := openBlobStore(ctx, gopts.Repo)
	if err != nil {
		return nil, err
	}

	report := func(msg string, err error, d time.Duration) {
		Warnf("%v returned error, retrying after %v: %v\n", msg, d, err)
	}
	success := func(msg string, retries int) {
		Warnf("%v operation successful after %d retries\n", msg, retries)
	}
	be = retry.New(be, 10, 500*time.Millisecond, 5*time.Minute, report, success)

	return snapshot.NewRepository(gopts.RepositoryID, be)
}

// recoveryConfig builds the recovery tuning from defaults plus any -o
// recovery.* extended options.
func recoveryConfig(gopts GlobalOptions) (recovery.Config, error) {
	cfg := recovery.DefaultConfig()
	if err := recovery.ApplyOptions(&cfg, gopts.extended); err != nil {
		return cfg, err
	}
	return cfg, nil
}
