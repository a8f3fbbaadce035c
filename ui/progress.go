package ui

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/franksops/sfast/engine"
)

// UIState is a point-in-time view of a run, as rendered by the TUI.
type UIState struct {
	TotalFiles     int
	TotalBytes     int64
	CompletedFiles int
	// CompletedBytes counts bytes present at destinations, resumed and
	// in-flight bytes included.
	CompletedBytes int64
	SentBytes      int64
	Failed         int
	Skipped        int
	Cancelled      int
	Retries        int

	ActiveStreams []ActiveStream
	Workers       int
	BytesPerSec   float64
	Elapsed       time.Duration
	Done          bool
}

// ActiveStream is one file currently held by a worker.
type ActiveStream struct {
	Path     string
	State    engine.State
	Attempt  int
	Progress float64 // 0.0 to 1.0
	BytesSec float64
}

type stream struct {
	path    string
	state   engine.State
	attempt int
	offset  int64
	total   int64
	sent    int64
	started time.Time
}

// Progress folds engine progress events into UIState snapshots. It is an
// engine.ProgressSink and safe for concurrent use by every worker.
type Progress struct {
	workers func() int
	now     func() time.Time

	mu        sync.Mutex
	start     time.Time
	state     UIState
	streams   map[string]*stream
	finalized int64
}

var _ engine.ProgressSink = (*Progress)(nil)

// NewProgress returns an empty collector. workers reports the live pool
// size and may be nil.
func NewProgress(workers func() int) *Progress {
	return &Progress{
		workers: workers,
		now:     time.Now,
		streams: make(map[string]*stream),
	}
}

// Begin adds pairs to the totals. Watch mode calls it once per re-send.
func (p *Progress) Begin(pairs []engine.PathPair) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.start.IsZero() {
		p.start = p.now()
	}
	p.state.Done = false
	p.state.TotalFiles += len(pairs)
	for _, pair := range pairs {
		p.state.TotalBytes += pair.Size
	}
}

// Finish marks the run done.
func (p *Progress) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state.Done = true
}

// OnProgress implements engine.ProgressSink.
func (p *Progress) OnProgress(ev engine.ProgressEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := ev.Pair.Key()
	switch ev.Kind {
	case engine.ProgressState:
		s, ok := p.streams[key]
		if !ok {
			s = &stream{path: ev.Pair.Destination, started: p.now()}
			p.streams[key] = s
		}
		s.state = ev.State
		s.attempt = ev.Attempt
		s.offset = ev.Offset
		s.total = ev.Total

	case engine.ProgressChunk:
		s, ok := p.streams[key]
		if !ok {
			return
		}
		s.offset = ev.Offset
		s.sent += ev.Delta
		p.state.SentBytes += ev.Delta

	case engine.ProgressDone:
		delete(p.streams, key)
		if ev.Result == nil {
			return
		}
		p.state.Retries += max(0, ev.Result.Attempts-1)
		switch ev.Result.Outcome {
		case engine.OutcomeSucceeded:
			p.state.CompletedFiles++
			p.finalized += ev.Pair.Size
		case engine.OutcomeSkipped:
			p.state.Skipped++
			p.finalized += ev.Pair.Size
		case engine.OutcomeFailed:
			p.state.Failed++
		case engine.OutcomeCancelled:
			p.state.Cancelled++
		}
	}
}

// Snapshot returns a copy of the current state.
func (p *Progress) Snapshot() UIState {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	st := p.state
	st.CompletedBytes = p.finalized
	st.ActiveStreams = make([]ActiveStream, 0, len(p.streams))
	for _, s := range p.streams {
		st.CompletedBytes += s.offset
		as := ActiveStream{Path: s.path, State: s.state, Attempt: s.attempt}
		if s.total > 0 {
			as.Progress = min(1, float64(s.offset)/float64(s.total))
		}
		if d := now.Sub(s.started).Seconds(); d > 0 {
			as.BytesSec = float64(s.sent) / d
		}
		st.ActiveStreams = append(st.ActiveStreams, as)
	}
	slices.SortFunc(st.ActiveStreams, func(a, b ActiveStream) int {
		return strings.Compare(a.Path, b.Path)
	})

	if !p.start.IsZero() {
		st.Elapsed = now.Sub(p.start)
		if s := st.Elapsed.Seconds(); s > 0 {
			st.BytesPerSec = float64(st.SentBytes) / s
		}
	}
	if p.workers != nil {
		st.Workers = p.workers()
	}
	return st
}
