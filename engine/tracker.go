package engine

import (
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/franksops/sfast/store"
)

// CheckpointConfig defines when an in-flight offset is written to the journal.
type CheckpointConfig struct {
	// BytesInterval is the number of bytes between journal offset writes.
	BytesInterval int64
	// TimeInterval bounds how stale the journaled offset may get.
	TimeInterval time.Duration
}

// DefaultCheckpointConfig journals every 10 MB or 5 s, whichever comes first.
var DefaultCheckpointConfig = CheckpointConfig{
	BytesInterval: 10 * 1024 * 1024, // 10 MB
	TimeInterval:  5 * time.Second,
}

// JobTracker journals every state transition of a run. The journal is
// informational: resume offsets always come from the temp file. A nil
// *JobTracker records nothing.
type JobTracker struct {
	store  store.Store
	config CheckpointConfig
	runID  string
	log    *slog.Logger
}

// NewJobTracker creates a tracker for one run. Run IDs are UUIDv7 so the
// journal orders runs by start time.
func NewJobTracker(st store.Store, config CheckpointConfig, logger *slog.Logger) *JobTracker {
	if logger == nil {
		logger = slog.Default()
	}
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return &JobTracker{
		store:  st,
		config: config,
		runID:  id.String(),
		log:    logger,
	}
}

// RunID returns the identifier of the tracked run.
func (jt *JobTracker) RunID() string {
	if jt == nil {
		return ""
	}
	return jt.runID
}

// StartRun records the run header for job.
func (jt *JobTracker) StartRun(job TransferJob) {
	if jt == nil {
		return
	}
	run := &store.RunRecord{
		ID:        jt.runID,
		Mode:      string(job.Mode),
		Args:      job.Args,
		StartedAt: time.Now(),
	}
	if job.Source != nil {
		run.Source = job.Source.Name()
	}
	if job.Destination != nil {
		run.Dest = job.Destination.Name()
	}
	if err := jt.store.SaveRun(run); err != nil {
		jt.log.Warn("journal write failed", "run", jt.runID, "err", err)
	}
}

// Record saves the current state of a file.
func (jt *JobTracker) Record(job TransferJob, st *TransferState) {
	if jt == nil {
		return
	}
	rec := &store.TransferRecord{
		ID:          store.RecordID(jt.runID, st.Pair.Destination),
		RunID:       jt.runID,
		Mode:        string(job.Mode),
		Source:      st.Pair.Source,
		Destination: st.Pair.Destination,
		State:       st.State.String(),
		Offset:      st.Offset,
		Total:       st.Total,
		Attempts:    st.Attempt,
		Warning:     st.Warning,
		UpdatedAt:   time.Now(),
	}
	if st.LastErr != nil {
		rec.Error = st.LastErr.Error()
	}
	if err := jt.store.SaveRecord(rec); err != nil {
		// journal failures never fail a transfer
		jt.log.Warn("journal write failed", "dst", st.Pair.Destination, "err", err)
	}
}

// TrackedWriter wraps a temp-file writer. Every write advances the
// TransferState offset, emits a chunk event and periodically checkpoints
// the offset to the journal.
type TrackedWriter struct {
	io.Writer
	tracker *JobTracker
	job     TransferJob
	st      *TransferState
	sink    ProgressSink

	lastCheckpoint  int64
	lastCheckpointT time.Time
}

// NewTrackedWriter creates a new TrackedWriter for st, whose Offset must
// already hold the resume offset.
func (jt *JobTracker) NewTrackedWriter(w io.Writer, job TransferJob, st *TransferState, sink ProgressSink) *TrackedWriter {
	return &TrackedWriter{
		Writer:          w,
		tracker:         jt,
		job:             job,
		st:              st,
		sink:            sink,
		lastCheckpoint:  st.Offset,
		lastCheckpointT: time.Now(),
	}
}

// Write passes p through and journals the new offset when an interval is due.
func (tw *TrackedWriter) Write(p []byte) (int, error) {
	n, err := tw.Writer.Write(p)
	if n > 0 {
		tw.st.Offset += int64(n)
		tw.st.Sent += int64(n)
		tw.sink.OnProgress(ProgressEvent{
			Kind:    ProgressChunk,
			Pair:    tw.st.Pair,
			State:   tw.st.State,
			Attempt: tw.st.Attempt,
			Offset:  tw.st.Offset,
			Total:   tw.st.Total,
			Delta:   int64(n),
		})
		tw.maybeCheckpoint()
	}
	return n, err
}

func (tw *TrackedWriter) maybeCheckpoint() {
	if tw.tracker == nil {
		return
	}
	cfg := tw.tracker.config
	if tw.st.Offset-tw.lastCheckpoint < cfg.BytesInterval && time.Since(tw.lastCheckpointT) < cfg.TimeInterval {
		return
	}
	tw.tracker.Record(tw.job, tw.st)
	tw.lastCheckpoint = tw.st.Offset
	tw.lastCheckpointT = time.Now()
}

// BytesWritten returns the resume offset plus everything written since.
func (tw *TrackedWriter) BytesWritten() int64 {
	return tw.st.Offset
}
