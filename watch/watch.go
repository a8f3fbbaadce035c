// Package watch re-submits locally changed files for transfer.
package watch

import (
	"context"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"golang.org/x/sync/errgroup"

	"github.com/franksops/sfast/endpoint"
)

// DefaultDebounce is the coalescing window for successive events on one path.
const DefaultDebounce = 500 * time.Millisecond

// ChangeKind is the type of a filesystem change.
type ChangeKind int

const (
	ChangeCreate ChangeKind = iota
	ChangeModify
	ChangeDelete
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeCreate:
		return "create"
	case ChangeModify:
		return "modify"
	case ChangeDelete:
		return "delete"
	}
	return "unknown"
}

// Change is one observed filesystem event.
type Change struct {
	Path string
	Kind ChangeKind
	At   time.Time
}

// SubmitFunc transfers one changed file.
type SubmitFunc func(ctx context.Context, path string) error

// Trigger coalesces change events per path and submits each settled path
// once. Submissions run one at a time in the order paths settle, on a
// goroutine of their own so events keep draining while a re-send runs.
type Trigger struct {
	debounce time.Duration
	submit   SubmitFunc
	log      *slog.Logger

	mu      sync.Mutex
	gen     uint64
	pending map[string]uint64
	timers  map[string]*time.Timer
	queue   []string
	queued  mapset.Set[string]
	wake    chan struct{}
}

// NewTrigger returns a trigger calling submit for every settled change.
func NewTrigger(debounce time.Duration, submit SubmitFunc, logger *slog.Logger) *Trigger {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Trigger{
		debounce: debounce,
		submit:   submit,
		log:      logger,
		pending:  make(map[string]uint64),
		timers:   make(map[string]*time.Timer),
		queued:   mapset.NewThreadUnsafeSet[string](),
		wake:     make(chan struct{}, 1),
	}
}

// Run consumes events until ctx is done or events is closed, and may be
// called once. Paths still waiting out their window when events closes are
// submitted before Run returns. Submission errors are logged and never stop
// the loop.
func (t *Trigger) Run(ctx context.Context, events <-chan Change) error {
	t.log.Info("watching for changes", "debounce", t.debounce)

	closed := make(chan struct{})
	var g errgroup.Group
	g.Go(func() error {
		t.submitLoop(ctx, closed)
		return nil
	})
	g.Go(func() error {
		defer close(closed)
		defer t.stopTimers()
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev, ok := <-events:
				if !ok {
					t.flush()
					return nil
				}
				t.observe(ev)
			}
		}
	})
	return g.Wait()
}

// submitLoop submits queued paths until ctx is done, or until closed is
// closed and the queue is empty.
func (t *Trigger) submitLoop(ctx context.Context, closed <-chan struct{}) {
	for {
		for p, ok := t.next(); ok; p, ok = t.next() {
			if ctx.Err() != nil {
				return
			}
			t.run(ctx, p)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.wake:
		case <-closed:
			for p, ok := t.next(); ok && ctx.Err() == nil; p, ok = t.next() {
				t.run(ctx, p)
			}
			return
		}
	}
}

func (t *Trigger) observe(ev Change) {
	if strings.HasSuffix(ev.Path, endpoint.TempSuffix) {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if timer, ok := t.timers[ev.Path]; ok {
		timer.Stop()
		delete(t.timers, ev.Path)
	}
	if ev.Kind == ChangeDelete {
		delete(t.pending, ev.Path)
		t.log.Info("file removed, not propagated", "path", ev.Path)
		return
	}

	t.gen++
	gen := t.gen
	t.pending[ev.Path] = gen
	t.timers[ev.Path] = time.AfterFunc(t.debounce, func() { t.settle(ev.Path, gen) })
}

// settle queues path unless a newer event superseded it.
func (t *Trigger) settle(path string, gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending[path] != gen {
		return
	}
	delete(t.pending, path)
	delete(t.timers, path)
	t.enqueueLocked(path)
}

// flush queues every pending path, sorted, without waiting out its window.
func (t *Trigger) flush() {
	t.mu.Lock()
	defer t.mu.Unlock()

	paths := make([]string, 0, len(t.pending))
	for p := range t.pending {
		paths = append(paths, p)
		if timer, ok := t.timers[p]; ok {
			timer.Stop()
		}
	}
	clear(t.pending)
	clear(t.timers)

	slices.Sort(paths)
	for _, p := range paths {
		t.enqueueLocked(p)
	}
}

// enqueueLocked appends path unless it is already waiting to be submitted.
func (t *Trigger) enqueueLocked(path string) {
	if !t.queued.Add(path) {
		return
	}
	t.queue = append(t.queue, path)
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (t *Trigger) next() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.queue) == 0 {
		return "", false
	}
	p := t.queue[0]
	t.queue = t.queue[1:]
	t.queued.Remove(p)
	return p, true
}

func (t *Trigger) stopTimers() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, timer := range t.timers {
		timer.Stop()
	}
}

func (t *Trigger) run(ctx context.Context, path string) {
	if ctx.Err() != nil {
		return
	}
	t.log.Info("change settled, re-sending", "path", path)
	if err := t.submit(ctx, path); err != nil {
		t.log.Error("re-send failed", "path", path, "err", err)
	}
}

// DestDir returns the directory below the destination root that receives p
// when p changes under one of roots, the path arguments of the original
// send. Files under a directory root keep their relative layout below the
// root's base name; a file root maps to the destination root itself. The
// result uses forward slashes.
func DestDir(roots []string, p string) (string, bool) {
	p = filepath.Clean(p)
	for _, root := range roots {
		root = filepath.Clean(root)
		if p == root {
			return "", true
		}
		rel, err := filepath.Rel(root, p)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		dir := filepath.Join(filepath.Base(root), filepath.Dir(rel))
		return filepath.ToSlash(dir), true
	}
	return "", false
}
