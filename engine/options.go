package engine

import (
	"runtime"
	"time"
)

const (
	// MaxPoolSize is the hard ceiling for simultaneously active workers.
	MaxPoolSize = 64

	DefaultRetries      = 5
	DefaultBackoff      = 500 * time.Millisecond
	DefaultMaxBackoff   = 10 * time.Second
	DefaultRelayBuffers = 8
)

// ConcurrencyPolicy picks a worker-pool size for a number of files when
// parallelism is not configured explicitly.
type ConcurrencyPolicy func(files int) int

// DefaultConcurrency uses one worker per file up to a ceiling derived from
// the CPU count, so a handful of big files does not oversubscribe the link.
func DefaultConcurrency(files int) int {
	ceiling := min(32, 2*runtime.NumCPU())
	ceiling = max(2, ceiling)
	return min(files, ceiling)
}

// Options is the immutable configuration carried by a TransferJob.
type Options struct {
	// Parallel is the explicit pool size; 0 selects Concurrency.
	Parallel    int
	Concurrency ConcurrencyPolicy

	Retry RetryPolicy

	Verify        bool
	Compress      bool
	CompressLevel int
	PreserveMtime bool

	// ChunkSize bounds each read and write on the stream path.
	ChunkSize int
	// RelayBuffers is the depth of the relay pipe, in chunks.
	RelayBuffers int
	// LimitRate caps the combined throughput of all workers in bytes per
	// second. Zero disables the cap.
	LimitRate int64
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		Concurrency: DefaultConcurrency,
		Retry: RetryPolicy{
			MaxAttempts:    DefaultRetries,
			InitialBackoff: DefaultBackoff,
			MaxBackoff:     DefaultMaxBackoff,
		},
		Verify:        true,
		CompressLevel: 3,
		PreserveMtime: true,
		ChunkSize:     DefaultBufferSize,
		RelayBuffers:  DefaultRelayBuffers,
	}
}

// PoolSize returns the number of workers for a run over files pairs,
// clamped to [1, MaxPoolSize].
func PoolSize(opts Options, files int) int {
	n := opts.Parallel
	if n <= 0 {
		policy := opts.Concurrency
		if policy == nil {
			policy = DefaultConcurrency
		}
		n = policy(files)
	}
	return clampPool(n)
}

func clampPool(n int) int {
	return max(1, min(n, MaxPoolSize))
}
