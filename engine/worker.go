package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/franksops/sfast/endpoint"
)

// worker runs PathPairs of one job through the state machine. It is shared
// by all pool goroutines of a run and holds no per-file state.
type worker struct {
	job      TransferJob
	opts     Options
	verifier *Verifier
	throttle *Throttle
	bufs     *BufferPool
	sink     ProgressSink
	tracker  *JobTracker
	log      *slog.Logger
}

// fileTransfer is the per-file context of one worker invocation.
type fileTransfer struct {
	*worker
	st  *TransferState
	log *slog.Logger

	// sessions held by the current attempt
	src endpoint.Session
	dst endpoint.Session
}

// transfer drives pair to a terminal state and returns its result.
func (w *worker) transfer(ctx context.Context, pair PathPair) FileResult {
	ft := &fileTransfer{
		worker: w,
		st: &TransferState{
			Pair:    pair,
			State:   StatePending,
			Total:   pair.Size,
			Started: time.Now(),
		},
		log: w.log.With("src", pair.Source, "dst", pair.Destination),
	}
	defer ft.release()

	st := ft.st
	ft.enter()
	ev := EventStart
	for {
		next, act, err := Next(st.State, ev, w.opts.Verify)
		if err != nil {
			st.LastErr = err
			st.State = StateFailed
			ft.enter()
			break
		}
		if next == StateResolvingOffset {
			st.Attempt++
		}
		changed := next != st.State
		st.State = next
		if changed {
			ft.enter()
		}
		if next.Terminal() {
			break
		}
		ev = ft.perform(ctx, act)
	}

	ft.release()
	res := ft.result()
	w.sink.OnProgress(ProgressEvent{
		Kind:    ProgressDone,
		Pair:    pair,
		State:   st.State,
		Attempt: st.Attempt,
		Offset:  st.Offset,
		Total:   st.Total,
		Result:  &res,
	})
	return res
}

func (ft *fileTransfer) enter() {
	st := ft.st
	ft.log.Debug("state", "state", st.State, "attempt", st.Attempt, "offset", st.Offset)
	ft.tracker.Record(ft.job, st)
	ft.sink.OnProgress(ProgressEvent{
		Kind:    ProgressState,
		Pair:    st.Pair,
		State:   st.State,
		Attempt: st.Attempt,
		Offset:  st.Offset,
		Total:   st.Total,
	})
}

func (ft *fileTransfer) result() FileResult {
	st := ft.st
	res := FileResult{
		Pair:     st.Pair,
		Attempts: st.Attempt,
		Bytes:    st.Sent,
		Err:      st.LastErr,
		Warning:  st.Warning,
		Duration: time.Since(st.Started),
	}
	switch {
	case st.State == StateComplete && st.Skipped:
		res.Outcome = OutcomeSkipped
		res.Err = nil
	case st.State == StateComplete:
		res.Outcome = OutcomeSucceeded
		res.Err = nil
	case Classify(st.LastErr) == ClassCancelled:
		res.Outcome = OutcomeCancelled
	default:
		res.Outcome = OutcomeFailed
	}
	return res
}

// perform executes act and returns the event describing its outcome.
func (ft *fileTransfer) perform(ctx context.Context, act Action) Event {
	var err error
	switch act {
	case ActionResolveOffset:
		var ev Event
		if ev, err = ft.resolveOffset(ctx); err == nil {
			return ev
		}
	case ActionStream:
		if err = ft.stream(ctx); err == nil {
			return EventStreamDone
		}
	case ActionVerify:
		if err = ft.verify(ctx); err == nil {
			return EventVerified
		}
	case ActionCommit:
		if err = ft.commit(ctx); err == nil {
			return EventCommitted
		}
	case ActionBackoff, ActionDiscard:
		return ft.backoff(ctx, act == ActionDiscard)
	default:
		err = fmt.Errorf("%w: no handler for %s", ErrInvalidTransition, act)
	}
	return ft.failure(ctx, err)
}

// failure turns a step error into the next event, consulting the retry policy.
func (ft *fileTransfer) failure(ctx context.Context, err error) Event {
	st := ft.st
	if ctxErr := ctx.Err(); ctxErr != nil {
		st.LastErr = ctxErr
		ft.log.Info("transfer cancelled", "offset", st.Offset)
		return EventCancel
	}

	st.LastErr = err
	class := Classify(err)
	if class == ClassMismatch {
		st.Mismatches++
	}

	if !ft.opts.Retry.Decide(class, st.Attempt, st.Mismatches) {
		ft.log.Error("transfer failed", "attempts", st.Attempt, "class", class, "err", err)
		return EventFail
	}

	ft.log.Warn("attempt failed, retrying",
		"attempt", st.Attempt, "class", class, "delay", ft.opts.Retry.Delay(st.Attempt), "err", err)
	if class == ClassMismatch {
		return EventMismatch
	}
	return EventRetry
}

func (ft *fileTransfer) acquire(ctx context.Context) error {
	if ft.src == nil {
		s, err := ft.job.Source.Acquire(ctx)
		if err != nil {
			return fmt.Errorf("acquire source session: %w", err)
		}
		ft.src = s
	}
	if ft.dst == nil {
		s, err := ft.job.Destination.Acquire(ctx)
		if err != nil {
			return fmt.Errorf("acquire destination session: %w", err)
		}
		ft.dst = s
	}
	return nil
}

func (ft *fileTransfer) release() {
	if ft.src != nil {
		ft.src.Release()
		ft.src = nil
	}
	if ft.dst != nil {
		ft.dst.Release()
		ft.dst = nil
	}
}

// resolveOffset re-derives the resume offset from the temp file. Bytes
// below its size were flushed before the last close, so they are trusted.
func (ft *fileTransfer) resolveOffset(ctx context.Context) (Event, error) {
	if err := ft.acquire(ctx); err != nil {
		return 0, err
	}
	st, pair := ft.st, ft.st.Pair

	info, err := ft.src.Stat(ctx, pair.Source)
	if err != nil {
		return 0, fmt.Errorf("stat source: %w", err)
	}
	if info.IsDir() {
		return 0, Fatal(fmt.Errorf("source %s is a directory", pair.Source))
	}
	st.SourceInfo = info
	st.Total = info.Size()

	tmp, err := ft.dst.Stat(ctx, pair.Temp())
	switch {
	case errors.Is(err, os.ErrNotExist):
		st.Offset = 0
		done, err := ft.alreadyComplete(ctx)
		if err != nil {
			return 0, err
		}
		if done {
			st.Skipped = true
			ft.log.Info("already complete", "size", humanize.Bytes(uint64(st.Total)))
			return EventAlreadyComplete, nil
		}
		return EventOffsetResolved, nil
	case err != nil:
		return 0, fmt.Errorf("stat temp file: %w", err)
	case tmp.Size() > st.Total:
		ft.log.Warn("temp file larger than source, restarting", "temp", tmp.Size(), "source", st.Total)
		st.Offset = 0
		return EventOffsetResolved, nil
	}

	st.Offset = tmp.Size()
	if st.Offset > 0 {
		ft.log.Info("resuming", "offset", humanize.Bytes(uint64(st.Offset)), "total", humanize.Bytes(uint64(st.Total)))
	}
	if st.Offset == st.Total {
		return EventTempComplete, nil
	}
	return EventOffsetResolved, nil
}

// alreadyComplete reports whether the final destination already holds the
// source content. Only stats and digests are read.
func (ft *fileTransfer) alreadyComplete(ctx context.Context) (bool, error) {
	st, pair := ft.st, ft.st.Pair

	final, err := ft.dst.Stat(ctx, pair.Destination)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat destination: %w", err)
	}
	if final.IsDir() {
		return false, Fatal(fmt.Errorf("destination %s is a directory", pair.Destination))
	}
	if final.Size() != st.Total {
		return false, nil
	}

	if ft.opts.Verify {
		res, err := ft.verifier.Verify(ctx,
			Side{Endpoint: ft.job.Source, Session: ft.src, Path: pair.Source, Info: st.SourceInfo},
			Side{Endpoint: ft.job.Destination, Session: ft.dst, Path: pair.Destination},
		)
		if err != nil {
			return false, fmt.Errorf("verify existing destination: %w", err)
		}
		switch res {
		case VerifyMatch:
			return true, nil
		case VerifyMismatch:
			return false, nil
		}
	}

	if !ft.opts.PreserveMtime {
		return true, nil
	}
	return final.ModTime().Truncate(time.Second).Equal(st.SourceInfo.ModTime().Truncate(time.Second)), nil
}

// stream copies source bytes from the resolved offset into the temp file.
// The temp file is flushed and closed on every exit path and is never
// removed here, so a cancelled attempt stays resumable.
func (ft *fileTransfer) stream(ctx context.Context) error {
	st, pair := ft.st, ft.st.Pair

	if st.Offset == 0 {
		if err := ft.dst.MkdirAll(ctx, ft.job.Destination.Dir(pair.Destination)); err != nil {
			return fmt.Errorf("create destination dir: %w", err)
		}
	}

	r, err := ft.src.OpenRead(ctx, pair.Source, st.Offset)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer r.Close()
	stop := context.AfterFunc(ctx, func() { r.Close() })
	defer stop()

	wf, err := ft.dst.OpenWrite(ctx, pair.Temp(), st.Offset)
	if err != nil {
		return fmt.Errorf("open temp file: %w", err)
	}

	tw := ft.tracker.NewTrackedWriter(wf, ft.job, st, ft.sink)
	src := ft.throttle.Reader(ctx, io.LimitReader(r, st.Total-st.Offset))

	var copyErr error
	if ft.job.Mode == ModeRelay {
		copyErr = relayCopy(ctx, src, tw, ft.bufs, ft.opts.RelayBuffers)
	} else {
		buf := ft.bufs.Get()
		_, copyErr = io.CopyBuffer(tw, src, *buf)
		ft.bufs.Put(buf)
	}

	syncErr := wf.Sync()
	closeErr := wf.Close()
	ft.tracker.Record(ft.job, st)

	switch {
	case copyErr != nil:
		return fmt.Errorf("stream at offset %d: %w", st.Offset, copyErr)
	case syncErr != nil:
		return fmt.Errorf("sync temp file: %w", syncErr)
	case closeErr != nil:
		return fmt.Errorf("close temp file: %w", closeErr)
	case tw.BytesWritten() != st.Total:
		return fmt.Errorf("source ended at %d of %d bytes: %w", tw.BytesWritten(), st.Total, io.ErrUnexpectedEOF)
	}
	return nil
}

func (ft *fileTransfer) verify(ctx context.Context) error {
	st, pair := ft.st, ft.st.Pair
	res, err := ft.verifier.Verify(ctx,
		Side{Endpoint: ft.job.Source, Session: ft.src, Path: pair.Source, Info: st.SourceInfo},
		Side{Endpoint: ft.job.Destination, Session: ft.dst, Path: pair.Temp()},
	)
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}

	switch res {
	case VerifyMismatch:
		return fmt.Errorf("%s: %w", pair.Destination, ErrHashMismatch)
	case VerifyUnavailable:
		st.Warning = "verification unavailable: no digest strategy succeeded"
		ft.log.Warn("accepting file without verification", "reason", st.Warning)
	}
	return nil
}

// commit renames the verified temp file over the final name.
func (ft *fileTransfer) commit(ctx context.Context) error {
	st, pair := ft.st, ft.st.Pair
	if err := ft.dst.Rename(ctx, pair.Temp(), pair.Destination); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	if ft.opts.PreserveMtime && st.SourceInfo != nil {
		if err := ft.dst.Chtimes(ctx, pair.Destination, st.SourceInfo.ModTime()); err != nil {
			ft.log.Warn("failed to preserve mtime", "err", err)
		}
	}
	ft.log.Info("transfer complete",
		"size", humanize.Bytes(uint64(st.Total)), "attempts", st.Attempt, "took", time.Since(st.Started).Round(time.Millisecond))
	return nil
}

// backoff releases the attempt's sessions and waits out the retry delay.
// discard removes the temp file first, forcing a full re-send.
func (ft *fileTransfer) backoff(ctx context.Context, discard bool) Event {
	st := ft.st
	if discard && ft.dst != nil {
		if err := ft.dst.Remove(ctx, st.Pair.Temp()); err != nil && !errors.Is(err, os.ErrNotExist) {
			ft.log.Warn("failed to discard temp file", "err", err)
		}
		st.Offset = 0
	}
	ft.release()

	if err := sleepCtx(ctx, ft.opts.Retry.Delay(st.Attempt)); err != nil {
		st.LastErr = err
		return EventCancel
	}
	return EventBackoffElapsed
}
