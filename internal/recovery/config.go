package recovery

import (
	"time"

	"github.com/lodestone-search/lodestone/internal/options"
)

// Config carries the tuning knobs for recovery. Retry counts and backoff are
// policy, not structure, so they are configuration rather than constants.
type Config struct {
	// UseSnapshots enables the snapshot-assisted path. With the flag off a
	// recovery behaves exactly like classic peer recovery.
	UseSnapshots bool `option:"use_snapshots" help:"restore files from a snapshot repository instead of the source peer where possible (default: true)"`

	// MaxFileRetries bounds the retries for transient per-file errors, on
	// both the snapshot and the peer path.
	MaxFileRetries uint `option:"max_file_retries" help:"maximum retries for transient per-file errors (default: 5)"`

	// RetryInitialDelay is the first backoff delay; subsequent delays grow
	// exponentially.
	RetryInitialDelay time.Duration `option:"retry_initial_delay" help:"initial delay between per-file retries (default: 500ms)"`

	// RetryMaxElapsed caps the total time spent retrying one operation.
	// Zero means no cap beyond the retry count.
	RetryMaxElapsed time.Duration `option:"retry_max_elapsed" help:"maximum total time spent retrying one file operation (default: 5m)"`

	// Concurrency is the number of file transfers running in parallel
	// during the restore phase.
	Concurrency uint `option:"concurrency" help:"number of concurrent file transfers (default: 4)"`

	// ChunkSize is the size of a single peer transfer chunk.
	ChunkSize uint `option:"chunk_size" help:"peer transfer chunk size in bytes (default: 524288)"`

	// InactivityTimeout fails a transfer when no bytes arrive for this
	// long. It feeds the same per-file retry/demotion path as a hard error.
	InactivityTimeout time.Duration `option:"inactivity_timeout" help:"per-chunk inactivity timeout (default: 30s)"`
}

// DefaultConfig returns the default recovery tuning.
func DefaultConfig() Config {
	return Config{
		UseSnapshots:      true,
		MaxFileRetries:    5,
		RetryInitialDelay: 500 * time.Millisecond,
		RetryMaxElapsed:   5 * time.Minute,
		Concurrency:       4,
		ChunkSize:         512 * 1024,
		InactivityTimeout: 30 * time.Second,
	}
}

func init() {
	options.Register("recovery", Config{})
}

// ApplyOptions overrides cfg with parsed key=value options.
func ApplyOptions(cfg *Config, opts options.Options) error {
	return opts.Apply("recovery", cfg)
}
