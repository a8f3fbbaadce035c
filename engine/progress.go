package engine

// EventKind distinguishes progress notifications.
type EventKind int

const (
	// ProgressState reports a lifecycle transition.
	ProgressState EventKind = iota
	// ProgressChunk reports bytes landed in the temp file.
	ProgressChunk
	// ProgressDone carries the terminal FileResult.
	ProgressDone
)

// ProgressEvent is a fire-and-forget notification about one file.
type ProgressEvent struct {
	Kind    EventKind
	Pair    PathPair
	State   State
	Attempt int

	Offset int64
	Total  int64
	// Delta is the number of bytes written by a chunk event.
	Delta int64

	Result *FileResult
}

// ProgressSink receives progress events. Implementations must not block;
// workers call OnProgress inline on the stream path.
type ProgressSink interface {
	OnProgress(ev ProgressEvent)
}

// SinkFunc adapts a function to ProgressSink.
type SinkFunc func(ProgressEvent)

func (f SinkFunc) OnProgress(ev ProgressEvent) { f(ev) }

// NopSink discards every event.
type NopSink struct{}

func (NopSink) OnProgress(ProgressEvent) {}
