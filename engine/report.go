package engine

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// Outcome is the terminal result of one file.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	// OutcomeSkipped: the destination already held the source content.
	OutcomeSkipped   Outcome = "skipped"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// Process exit codes.
const (
	ExitOK        = 0
	ExitFailure   = 1
	ExitConfig    = 2
	ExitCancelled = 130
)

// FileResult is the aggregated outcome of one PathPair.
type FileResult struct {
	Pair     PathPair
	Outcome  Outcome
	Attempts int
	// Bytes counts bytes streamed for this file, resumed bytes excluded.
	Bytes    int64
	Err      error
	Warning  string
	Duration time.Duration
}

// Report aggregates FileResults keyed by destination, so completion order
// never matters.
type Report struct {
	mu       sync.Mutex
	results  map[string]FileResult
	started  time.Time
	finished time.Time
}

// NewReport returns an empty report whose clock starts now.
func NewReport() *Report {
	return &Report{results: make(map[string]FileResult), started: time.Now()}
}

// Add records res, replacing any earlier result for the same destination.
func (r *Report) Add(res FileResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[res.Pair.Key()] = res
}

// Merge adds every result of other.
func (r *Report) Merge(other *Report) {
	for _, res := range other.Results() {
		r.Add(res)
	}
}

func (r *Report) finish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = time.Now()
}

// Get returns the result recorded for a destination.
func (r *Report) Get(destination string) (FileResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.results[destination]
	return res, ok
}

// Results returns all results sorted by destination.
func (r *Report) Results() []FileResult {
	r.mu.Lock()
	out := make([]FileResult, 0, len(r.results))
	for _, res := range r.results {
		out = append(out, res)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Pair.Destination < out[j].Pair.Destination
	})
	return out
}

// Counts tallies results per outcome.
func (r *Report) Counts() map[Outcome]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[Outcome]int, 4)
	for _, res := range r.results {
		counts[res.Outcome]++
	}
	return counts
}

// Errors returns the failed results sorted by destination.
func (r *Report) Errors() []FileResult {
	var out []FileResult
	for _, res := range r.Results() {
		if res.Outcome == OutcomeFailed {
			out = append(out, res)
		}
	}
	return out
}

// Resumable counts files left incomplete by cancellation.
func (r *Report) Resumable() int {
	return r.Counts()[OutcomeCancelled]
}

// BytesSent sums the bytes streamed across all files.
func (r *Report) BytesSent() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, res := range r.results {
		n += res.Bytes
	}
	return n
}

// Retries sums attempts beyond the first.
func (r *Report) Retries() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, res := range r.results {
		if res.Attempts > 1 {
			n += res.Attempts - 1
		}
	}
	return n
}

// Duration is the wall time of the run so far.
func (r *Report) Duration() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	end := r.finished
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(r.started)
}

// ExitCode is 0 when every file succeeded or was skipped, 130 when the run
// was cancelled and 1 otherwise.
func (r *Report) ExitCode() int {
	counts := r.Counts()
	switch {
	case counts[OutcomeCancelled] > 0:
		return ExitCancelled
	case counts[OutcomeFailed] > 0:
		return ExitFailure
	}
	return ExitOK
}

// Summary renders the one-line run statistics.
func (r *Report) Summary() string {
	counts := r.Counts()
	files := counts[OutcomeSucceeded] + counts[OutcomeSkipped]
	d := r.Duration()
	sent := r.BytesSent()

	rate := 0.0
	if secs := d.Seconds(); secs > 0 {
		rate = float64(sent) / secs
	}
	return fmt.Sprintf("Transferred %d files, %s in %.1fs [%s/s], retries=%d",
		files, humanize.Bytes(uint64(sent)), d.Seconds(), humanize.Bytes(uint64(rate)), r.Retries())
}
