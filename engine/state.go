package engine

import (
	"fmt"
	"time"

	"github.com/franksops/sfast/endpoint"
)

// State is the lifecycle position of one file transfer.
type State int

const (
	StatePending State = iota
	StateResolvingOffset
	StateTransferring
	StateVerifying
	StateRetryWait
	StateComplete
	StateFailed
)

var stateNames = [...]string{
	StatePending:         "pending",
	StateResolvingOffset: "resolving_offset",
	StateTransferring:    "transferring",
	StateVerifying:       "verifying",
	StateRetryWait:       "retry_wait",
	StateComplete:        "complete",
	StateFailed:          "failed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed
}

// Event is an observation fed into the state machine by the worker.
type Event int

const (
	EventStart Event = iota
	// EventOffsetResolved: the temp file was stat-ed and bytes remain.
	EventOffsetResolved
	// EventTempComplete: the temp file already holds every source byte.
	EventTempComplete
	// EventAlreadyComplete: the final destination matches the source.
	EventAlreadyComplete
	EventStreamDone
	EventVerified
	EventCommitted
	EventRetry
	EventMismatch
	EventBackoffElapsed
	EventFail
	EventCancel
)

var eventNames = [...]string{
	EventStart:           "start",
	EventOffsetResolved:  "offset_resolved",
	EventTempComplete:    "temp_complete",
	EventAlreadyComplete: "already_complete",
	EventStreamDone:      "stream_done",
	EventVerified:        "verified",
	EventCommitted:       "committed",
	EventRetry:           "retry",
	EventMismatch:        "mismatch",
	EventBackoffElapsed:  "backoff_elapsed",
	EventFail:            "fail",
	EventCancel:          "cancel",
}

func (e Event) String() string {
	if int(e) < len(eventNames) {
		return eventNames[e]
	}
	return fmt.Sprintf("event(%d)", int(e))
}

// Action is the side effect the worker performs after a transition.
type Action int

const (
	ActionNone Action = iota
	ActionResolveOffset
	ActionStream
	ActionVerify
	ActionCommit
	ActionBackoff
	// ActionDiscard removes the temp file, then backs off.
	ActionDiscard
)

var actionNames = [...]string{
	ActionNone:          "none",
	ActionResolveOffset: "resolve_offset",
	ActionStream:        "stream",
	ActionVerify:        "verify",
	ActionCommit:        "commit",
	ActionBackoff:       "backoff",
	ActionDiscard:       "discard",
}

func (a Action) String() string {
	if int(a) < len(actionNames) {
		return actionNames[a]
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// Next is the transition function of the per-file state machine. With
// verify disabled the VERIFYING state only performs the commit rename.
func Next(s State, ev Event, verify bool) (State, Action, error) {
	if s.Terminal() {
		return s, ActionNone, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, ev, s)
	}

	switch ev {
	case EventFail, EventCancel:
		return StateFailed, ActionNone, nil
	}

	completeAction := ActionCommit
	if verify {
		completeAction = ActionVerify
	}

	switch s {
	case StatePending:
		if ev == EventStart {
			return StateResolvingOffset, ActionResolveOffset, nil
		}
	case StateResolvingOffset:
		switch ev {
		case EventOffsetResolved:
			return StateTransferring, ActionStream, nil
		case EventTempComplete:
			return StateVerifying, completeAction, nil
		case EventAlreadyComplete:
			return StateComplete, ActionNone, nil
		case EventRetry:
			return StateRetryWait, ActionBackoff, nil
		}
	case StateTransferring:
		switch ev {
		case EventStreamDone:
			return StateVerifying, completeAction, nil
		case EventRetry:
			return StateRetryWait, ActionBackoff, nil
		}
	case StateVerifying:
		switch ev {
		case EventVerified:
			return StateVerifying, ActionCommit, nil
		case EventCommitted:
			return StateComplete, ActionNone, nil
		case EventRetry:
			return StateRetryWait, ActionBackoff, nil
		case EventMismatch:
			return StateRetryWait, ActionDiscard, nil
		}
	case StateRetryWait:
		if ev == EventBackoffElapsed {
			return StateResolvingOffset, ActionResolveOffset, nil
		}
	}

	return s, ActionNone, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, ev, s)
}

// TransferState is the mutable record of one file, owned by its worker.
type TransferState struct {
	Pair  PathPair
	State State

	// Offset counts bytes durably present in the temp file. It is
	// re-derived from the destination at the start of every attempt.
	Offset int64
	Total  int64

	Attempt    int
	Mismatches int
	LastErr    error
	Warning    string

	// Sent counts bytes streamed by this process across all attempts.
	Sent int64

	// SourceInfo is the latest source stat.
	SourceInfo endpoint.FileInfo
	Skipped    bool
	Started    time.Time
}
