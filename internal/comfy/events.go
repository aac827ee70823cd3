package comfy

import (
	"fmt"
	"log/slog"

	"github.com/kiranshivaraju/comfyrun/internal/errs"
	"github.com/tidwall/gjson"
)

// Event types sent on the engine's event stream.
const (
	EventStatus            = "status"
	EventProgress          = "progress"
	EventExecuting         = "executing"
	EventExecutionError    = "execution_error"
	EventExecutionComplete = "execution_complete"
	// EventExecutionSuccess is what current engine builds send instead of
	// execution_complete.
	EventExecutionSuccess = "execution_success"
)

// Event is one decoded event-stream frame. Only the fields the tracker
// reads are kept.
type Event struct {
	Type     string
	PromptID string

	// Node is the node now executing; nil on the "executing" event that
	// marks the end of a prompt.
	Node *string

	// QueueRemaining is set on status events.
	QueueRemaining *int64

	Value int64
	Max   int64

	ExceptionMessage string
}

// DecodeEvent parses a text frame of the form {"type": ..., "data": {...}}.
func DecodeEvent(frame []byte) (Event, error) {
	if !gjson.ValidBytes(frame) {
		return Event{}, fmt.Errorf("%w: invalid event frame", errs.ErrValidation)
	}
	root := gjson.ParseBytes(frame)
	typ := root.Get("type")
	if typ.Type != gjson.String {
		return Event{}, fmt.Errorf("%w: event frame without type", errs.ErrValidation)
	}

	data := root.Get("data")
	ev := Event{
		Type:             typ.String(),
		PromptID:         data.Get("prompt_id").String(),
		Value:            data.Get("value").Int(),
		Max:              data.Get("max").Int(),
		ExceptionMessage: data.Get("exception_message").String(),
	}
	if n := data.Get("node"); n.Exists() && n.Type != gjson.Null {
		s := n.String()
		ev.Node = &s
	}
	if q := data.Get("status.exec_info.queue_remaining"); q.Exists() {
		v := q.Int()
		ev.QueueRemaining = &v
	}
	return ev, nil
}

// State is a job handle's position in its lifecycle.
type State int

const (
	StateSubmitted State = iota
	StateTracking
	StateCompleted
	StateFailed
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StateSubmitted:
		return "submitted"
	case StateTracking:
		return "tracking"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateTimedOut:
		return "timed_out"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transitions can occur.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateTimedOut
}

// JobHandle is the tracker's view of one submitted prompt.
type JobHandle struct {
	SessionID string
	PromptID  string
	State     State

	// Inconclusive is set when tracking stopped on a queue-empty status.
	// The state stays Tracking and only history can decide the outcome.
	Inconclusive bool

	// Message is the engine's exception message on an execution error.
	Message string

	// Err is the transport error that failed the handle, if any.
	Err error
}

// Tracker is the completion state machine for one prompt. It is fed events
// in arrival order by a single consumer and is not safe for concurrent use.
type Tracker struct {
	handle JobHandle
	done   bool
	logger *slog.Logger
}

// NewTracker returns a tracker in the Submitted state.
func NewTracker(sessionID, promptID string, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		handle: JobHandle{SessionID: sessionID, PromptID: promptID, State: StateSubmitted},
		logger: logger.With("prompt_id", promptID),
	}
}

// Handle returns a snapshot of the job handle.
func (t *Tracker) Handle() JobHandle { return t.handle }

// Done reports whether tracking has stopped, either on a terminal state or
// an inconclusive signal.
func (t *Tracker) Done() bool { return t.done }

// Start moves a submitted handle to Tracking.
func (t *Tracker) Start() {
	if t.handle.State == StateSubmitted {
		t.handle.State = StateTracking
	}
}

// Advance applies ev and reports whether tracking should stop.
func (t *Tracker) Advance(ev Event) bool {
	if t.done {
		return true
	}
	t.Start()

	switch ev.Type {
	case EventStatus:
		if ev.QueueRemaining != nil && *ev.QueueRemaining == 0 {
			t.logger.Info("no remaining prompts in queue, stopping event tracking")
			t.handle.Inconclusive = true
			t.done = true
		}
	case EventProgress:
		if ev.PromptID == t.handle.PromptID && ev.Max > 0 {
			t.logger.Info("progress", "value", ev.Value, "max", ev.Max)
		}
	case EventExecuting:
		if ev.Node == nil && ev.PromptID == t.handle.PromptID {
			t.logger.Info("execution finished signal received")
			t.finish(StateCompleted)
		}
	case EventExecutionError:
		if ev.PromptID == t.handle.PromptID {
			msg := ev.ExceptionMessage
			if msg == "" {
				msg = "Unknown error"
			}
			t.logger.Error("execution error", "message", msg)
			t.handle.Message = msg
			t.finish(StateFailed)
		}
	case EventExecutionComplete, EventExecutionSuccess:
		if ev.PromptID == t.handle.PromptID {
			t.logger.Info("execution complete signal received")
			t.finish(StateCompleted)
		}
	}
	return t.done
}

// Fail moves the handle to Failed because the event transport broke.
func (t *Tracker) Fail(err error) {
	if t.done {
		return
	}
	t.Start()
	t.handle.Err = fmt.Errorf("%w: event stream: %v", errs.ErrConnection, err)
	t.finish(StateFailed)
}

// Expire moves the handle to TimedOut.
func (t *Tracker) Expire() {
	if t.done {
		return
	}
	t.Start()
	t.finish(StateTimedOut)
}

func (t *Tracker) finish(s State) {
	t.handle.State = s
	t.done = true
}
