package engine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/franksops/sfast/engine"
)

func TestNext_Transitions(t *testing.T) {
	tests := []struct {
		name       string
		from       engine.State
		ev         engine.Event
		verify     bool
		wantState  engine.State
		wantAction engine.Action
	}{
		{"start", engine.StatePending, engine.EventStart, true, engine.StateResolvingOffset, engine.ActionResolveOffset},
		{"offset found", engine.StateResolvingOffset, engine.EventOffsetResolved, true, engine.StateTransferring, engine.ActionStream},
		{"temp complete verifies", engine.StateResolvingOffset, engine.EventTempComplete, true, engine.StateVerifying, engine.ActionVerify},
		{"temp complete no verify commits", engine.StateResolvingOffset, engine.EventTempComplete, false, engine.StateVerifying, engine.ActionCommit},
		{"already complete", engine.StateResolvingOffset, engine.EventAlreadyComplete, true, engine.StateComplete, engine.ActionNone},
		{"resolve retry", engine.StateResolvingOffset, engine.EventRetry, true, engine.StateRetryWait, engine.ActionBackoff},
		{"stream done verifies", engine.StateTransferring, engine.EventStreamDone, true, engine.StateVerifying, engine.ActionVerify},
		{"stream done no verify commits", engine.StateTransferring, engine.EventStreamDone, false, engine.StateVerifying, engine.ActionCommit},
		{"stream retry", engine.StateTransferring, engine.EventRetry, true, engine.StateRetryWait, engine.ActionBackoff},
		{"verified commits", engine.StateVerifying, engine.EventVerified, true, engine.StateVerifying, engine.ActionCommit},
		{"committed", engine.StateVerifying, engine.EventCommitted, true, engine.StateComplete, engine.ActionNone},
		{"mismatch discards", engine.StateVerifying, engine.EventMismatch, true, engine.StateRetryWait, engine.ActionDiscard},
		{"verify retry", engine.StateVerifying, engine.EventRetry, true, engine.StateRetryWait, engine.ActionBackoff},
		{"backoff elapsed", engine.StateRetryWait, engine.EventBackoffElapsed, true, engine.StateResolvingOffset, engine.ActionResolveOffset},
		{"fail while streaming", engine.StateTransferring, engine.EventFail, true, engine.StateFailed, engine.ActionNone},
		{"cancel while waiting", engine.StateRetryWait, engine.EventCancel, true, engine.StateFailed, engine.ActionNone},
		{"cancel pending", engine.StatePending, engine.EventCancel, true, engine.StateFailed, engine.ActionNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state, action, err := engine.Next(tt.from, tt.ev, tt.verify)
			require.NoError(t, err)
			assert.Equal(t, tt.wantState, state)
			assert.Equal(t, tt.wantAction, action)
		})
	}
}

func TestNext_Rejects(t *testing.T) {
	tests := []struct {
		from engine.State
		ev   engine.Event
	}{
		{engine.StateComplete, engine.EventStart},
		{engine.StateComplete, engine.EventFail},
		{engine.StateFailed, engine.EventBackoffElapsed},
		{engine.StatePending, engine.EventStreamDone},
		{engine.StateTransferring, engine.EventMismatch},
		{engine.StateRetryWait, engine.EventStreamDone},
		{engine.StateResolvingOffset, engine.EventCommitted},
	}

	for _, tt := range tests {
		t.Run(tt.from.String()+"/"+tt.ev.String(), func(t *testing.T) {
			state, action, err := engine.Next(tt.from, tt.ev, true)
			assert.ErrorIs(t, err, engine.ErrInvalidTransition)
			assert.Equal(t, tt.from, state)
			assert.Equal(t, engine.ActionNone, action)
		})
	}
}

func TestState_Terminal(t *testing.T) {
	assert.True(t, engine.StateComplete.Terminal())
	assert.True(t, engine.StateFailed.Terminal())
	for _, s := range []engine.State{engine.StatePending, engine.StateResolvingOffset, engine.StateTransferring, engine.StateVerifying, engine.StateRetryWait} {
		assert.False(t, s.Terminal(), s.String())
	}
	assert.Equal(t, "retry_wait", engine.StateRetryWait.String())
}

// A synthetic run through the machine: resume, mismatch, retry, commit.
func TestNext_SyntheticLifecycle(t *testing.T) {
	events := []engine.Event{
		engine.EventStart,
		engine.EventOffsetResolved,
		engine.EventStreamDone,
		engine.EventMismatch,
		engine.EventBackoffElapsed,
		engine.EventOffsetResolved,
		engine.EventStreamDone,
		engine.EventVerified,
		engine.EventCommitted,
	}
	wantActions := []engine.Action{
		engine.ActionResolveOffset,
		engine.ActionStream,
		engine.ActionVerify,
		engine.ActionDiscard,
		engine.ActionResolveOffset,
		engine.ActionStream,
		engine.ActionVerify,
		engine.ActionCommit,
		engine.ActionNone,
	}

	state := engine.StatePending
	for i, ev := range events {
		var action engine.Action
		var err error
		state, action, err = engine.Next(state, ev, true)
		require.NoError(t, err, "step %d", i)
		assert.Equal(t, wantActions[i], action, "step %d", i)
	}
	assert.Equal(t, engine.StateComplete, state)
}
