package engine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/dustin/go-humanize"
)

// Orchestrator runs TransferJobs: it resolves their arguments, admits the
// resulting pairs through a bounded WorkerPool and aggregates a Report.
// One Orchestrator may execute many jobs, one at a time or concurrently;
// digest caches and per-host strategy memory are shared between them.
type Orchestrator struct {
	sink     ProgressSink
	tracker  *JobTracker
	log      *slog.Logger
	resolver *Resolver
	verifier *Verifier

	mu    sync.Mutex
	pools map[*WorkerPool]struct{}
}

// NewOrchestrator returns an orchestrator reporting to sink and journaling
// to tracker. Both may be nil.
func NewOrchestrator(sink ProgressSink, tracker *JobTracker, logger *slog.Logger) *Orchestrator {
	if sink == nil {
		sink = NopSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		sink:     sink,
		tracker:  tracker,
		log:      logger,
		resolver: NewResolver(logger),
		verifier: NewVerifier(NewBufferPool(DefaultBufferSize), logger),
		pools:    make(map[*WorkerPool]struct{}),
	}
}

// Resolve expands job into PathPairs without transferring anything.
func (o *Orchestrator) Resolve(ctx context.Context, job TransferJob) ([]PathPair, error) {
	return o.resolver.Resolve(ctx, job)
}

// Execute resolves job and runs the resulting pairs. Resolution errors,
// such as ErrNoMatchingFiles or ErrRelayArgs, are returned before any
// transfer starts.
func (o *Orchestrator) Execute(ctx context.Context, job TransferJob) (*Report, error) {
	pairs, err := o.resolver.Resolve(ctx, job)
	if err != nil {
		return nil, err
	}
	return o.Run(ctx, job, pairs), nil
}

// Run transfers pairs under job's options and returns once every pair has a
// terminal outcome. Cancelling ctx stops admission; pairs never admitted
// are reported as cancelled.
func (o *Orchestrator) Run(ctx context.Context, job TransferJob, pairs []PathPair) *Report {
	report := NewReport()
	defer report.finish()
	if len(pairs) == 0 {
		return report
	}

	opts := job.Options
	if opts.Compress {
		o.log.Warn("compression is not implemented, transferring uncompressed", "level", opts.CompressLevel)
	}

	w := &worker{
		job:      job,
		opts:     opts,
		verifier: o.verifier,
		throttle: NewThrottle(opts.LimitRate),
		bufs:     NewBufferPool(opts.ChunkSize),
		sink:     o.sink,
		tracker:  o.tracker,
		log:      o.log.With("mode", job.Mode),
	}

	var total int64
	for _, p := range pairs {
		total += p.Size
	}
	size := PoolSize(opts, len(pairs))
	o.tracker.StartRun(job)
	o.log.Info("starting transfer",
		"mode", job.Mode, "files", len(pairs), "size", humanize.Bytes(uint64(total)), "workers", size)

	pairChan := make(PairChannel)
	pool := NewWorkerPool(ctx, pairChan, func(ctx context.Context, pair PathPair) {
		report.Add(w.transfer(ctx, pair))
	})
	o.track(pool)
	defer o.untrack(pool)
	pool.SetWorkerCount(size)

	next := 0
feed:
	for next < len(pairs) {
		select {
		case pairChan <- pairs[next]:
			next++
		case <-ctx.Done():
			break feed
		}
	}
	close(pairChan)
	pool.Wait()

	for _, pair := range pairs[next:] {
		res := FileResult{Pair: pair, Outcome: OutcomeCancelled, Err: ctx.Err()}
		report.Add(res)
		o.sink.OnProgress(ProgressEvent{Kind: ProgressDone, Pair: pair, State: StatePending, Result: &res})
	}
	return report
}

// Resize changes the worker count of every running pool by delta, within
// [1, MaxPoolSize], and returns the new count of the last pool adjusted.
func (o *Orchestrator) Resize(delta int) int {
	o.mu.Lock()
	defer o.mu.Unlock()

	n := 0
	for pool := range o.pools {
		n = clampPool(pool.WorkerCount() + delta)
		pool.SetWorkerCount(n)
		o.log.Info("worker pool resized", "workers", n)
	}
	return n
}

// Workers returns the worker count of the running pools.
func (o *Orchestrator) Workers() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for pool := range o.pools {
		n += pool.WorkerCount()
	}
	return n
}

func (o *Orchestrator) track(p *WorkerPool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pools[p] = struct{}{}
}

func (o *Orchestrator) untrack(p *WorkerPool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.pools, p)
}
