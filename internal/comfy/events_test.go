package comfy

import (
	"errors"
	"testing"

	"github.com/kiranshivaraju/comfyrun/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, frame string) Event {
	t.Helper()
	ev, err := DecodeEvent([]byte(frame))
	require.NoError(t, err)
	return ev
}

func TestDecodeEvent(t *testing.T) {
	ev := decode(t, `{"type": "status", "data": {"status": {"exec_info": {"queue_remaining": 0}}, "sid": "abc"}}`)
	assert.Equal(t, EventStatus, ev.Type)
	require.NotNil(t, ev.QueueRemaining)
	assert.Equal(t, int64(0), *ev.QueueRemaining)

	ev = decode(t, `{"type": "executing", "data": {"node": null, "prompt_id": "p1"}}`)
	assert.Nil(t, ev.Node)
	assert.Equal(t, "p1", ev.PromptID)

	ev = decode(t, `{"type": "executing", "data": {"node": "3", "prompt_id": "p1"}}`)
	require.NotNil(t, ev.Node)
	assert.Equal(t, "3", *ev.Node)

	ev = decode(t, `{"type": "progress", "data": {"value": 4, "max": 20, "prompt_id": "p1"}}`)
	assert.Equal(t, int64(4), ev.Value)
	assert.Equal(t, int64(20), ev.Max)
	assert.Nil(t, ev.QueueRemaining)
}

func TestDecodeEvent_Invalid(t *testing.T) {
	for _, frame := range []string{`not json`, `{"data": {}}`, `{"type": 3}`} {
		_, err := DecodeEvent([]byte(frame))
		assert.ErrorIs(t, err, errs.ErrValidation, frame)
	}
}

func TestTracker_Transitions(t *testing.T) {
	tests := []struct {
		name         string
		frames       []string
		wantState    State
		wantDone     bool
		inconclusive bool
		message      string
	}{
		{
			name:      "executing with null node",
			frames:    []string{`{"type": "executing", "data": {"node": "3", "prompt_id": "p1"}}`, `{"type": "executing", "data": {"node": null, "prompt_id": "p1"}}`},
			wantState: StateCompleted,
			wantDone:  true,
		},
		{
			name:      "execution_complete",
			frames:    []string{`{"type": "execution_complete", "data": {"prompt_id": "p1"}}`},
			wantState: StateCompleted,
			wantDone:  true,
		},
		{
			name:      "execution_success alias",
			frames:    []string{`{"type": "execution_success", "data": {"prompt_id": "p1", "timestamp": 1}}`},
			wantState: StateCompleted,
			wantDone:  true,
		},
		{
			name:      "execution_error carries message",
			frames:    []string{`{"type": "execution_error", "data": {"prompt_id": "p1", "node_id": "3", "exception_message": "CUDA out of memory"}}`},
			wantState: StateFailed,
			wantDone:  true,
			message:   "CUDA out of memory",
		},
		{
			name:      "execution_error without message",
			frames:    []string{`{"type": "execution_error", "data": {"prompt_id": "p1"}}`},
			wantState: StateFailed,
			wantDone:  true,
			message:   "Unknown error",
		},
		{
			name:         "queue empty is inconclusive",
			frames:       []string{`{"type": "status", "data": {"status": {"exec_info": {"queue_remaining": 0}}}}`},
			wantState:    StateTracking,
			wantDone:     true,
			inconclusive: true,
		},
		{
			name:      "queue not empty",
			frames:    []string{`{"type": "status", "data": {"status": {"exec_info": {"queue_remaining": 2}}}}`},
			wantState: StateTracking,
		},
		{
			name: "other prompt ignored",
			frames: []string{
				`{"type": "executing", "data": {"node": null, "prompt_id": "other"}}`,
				`{"type": "execution_error", "data": {"prompt_id": "other", "exception_message": "boom"}}`,
				`{"type": "execution_complete", "data": {"prompt_id": "other"}}`,
			},
			wantState: StateTracking,
		},
		{
			name:      "progress is observational",
			frames:    []string{`{"type": "progress", "data": {"value": 5, "max": 20, "prompt_id": "p1"}}`},
			wantState: StateTracking,
		},
		{
			name:      "unknown event ignored",
			frames:    []string{`{"type": "executed", "data": {"node": "9", "prompt_id": "p1"}}`, `{"type": "crystools.monitor", "data": {}}`},
			wantState: StateTracking,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewTracker("s", "p1", discardLogger())
			assert.Equal(t, StateSubmitted, tr.Handle().State)

			var done bool
			for _, f := range tt.frames {
				done = tr.Advance(decode(t, f))
			}

			h := tr.Handle()
			assert.Equal(t, tt.wantDone, done)
			assert.Equal(t, tt.wantState, h.State)
			assert.Equal(t, tt.inconclusive, h.Inconclusive)
			assert.Equal(t, tt.message, h.Message)
			assert.Equal(t, "s", h.SessionID)
			assert.Equal(t, "p1", h.PromptID)
		})
	}
}

func TestTracker_TerminalStateIsFinal(t *testing.T) {
	tr := NewTracker("s", "p1", discardLogger())
	require.True(t, tr.Advance(decode(t, `{"type": "execution_error", "data": {"prompt_id": "p1", "exception_message": "boom"}}`)))

	assert.True(t, tr.Advance(decode(t, `{"type": "execution_complete", "data": {"prompt_id": "p1"}}`)))
	tr.Expire()
	tr.Fail(errors.New("late"))

	h := tr.Handle()
	assert.Equal(t, StateFailed, h.State)
	assert.Equal(t, "boom", h.Message)
	assert.NoError(t, h.Err)
}

func TestTracker_FailAndExpire(t *testing.T) {
	tr := NewTracker("s", "p1", discardLogger())
	tr.Fail(errors.New("connection reset by peer"))
	h := tr.Handle()
	assert.Equal(t, StateFailed, h.State)
	assert.ErrorIs(t, h.Err, errs.ErrConnection)
	assert.Contains(t, h.Err.Error(), "connection reset by peer")

	tr = NewTracker("s", "p1", discardLogger())
	tr.Start()
	tr.Expire()
	assert.Equal(t, StateTimedOut, tr.Handle().State)
	assert.True(t, tr.Done())
}

func TestState(t *testing.T) {
	assert.False(t, StateSubmitted.Terminal())
	assert.False(t, StateTracking.Terminal())
	assert.True(t, StateCompleted.Terminal())
	assert.True(t, StateFailed.Terminal())
	assert.True(t, StateTimedOut.Terminal())
	assert.Equal(t, "timed_out", StateTimedOut.String())
}
