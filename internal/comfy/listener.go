package comfy

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kiranshivaraju/comfyrun/internal/errs"
)

// Conn is the read side of an event-stream connection. Message types are
// the websocket.TextMessage / websocket.BinaryMessage constants.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// Dialer opens event-stream connections.
type Dialer interface {
	Dial(ctx context.Context, rawURL string) (Conn, error)
}

// WSDialer dials the event stream with gorilla/websocket.
type WSDialer struct {
	Dialer *websocket.Dialer
}

func (d WSDialer) Dial(ctx context.Context, rawURL string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, rawURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Listener waits for prompts to finish by following the engine event stream.
type Listener struct {
	wsURL  string
	dialer Dialer
	logger *slog.Logger
}

// NewListener derives the event-stream endpoint from the engine base URL:
// http becomes ws, https becomes wss, and /ws is appended to the path.
func NewListener(baseURL string, dialer Dialer, logger *slog.Logger) (*Listener, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing engine URL: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("%w: unsupported engine URL scheme %q", errs.ErrValidation, u.Scheme)
	}
	u.Path += "/ws"
	u.RawQuery = ""

	if dialer == nil {
		dialer = WSDialer{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{wsURL: u.String(), dialer: dialer, logger: logger}, nil
}

// StreamURL returns the event-stream URL for sessionID.
func (l *Listener) StreamURL(sessionID string) string {
	return l.wsURL + "?" + url.Values{"clientId": {sessionID}}.Encode()
}

type frame struct {
	typ  int
	data []byte
	err  error
}

// AwaitCompletion follows the session's event stream until promptID reaches
// a terminal state, the queue reports empty, or timeout elapses.
//
// The returned error is non-nil only when the stream transport failed (the
// handle is then Failed and the error wraps errs.ErrConnection) or when ctx
// was cancelled by the caller. A clean close before any terminal event keeps
// the wait running until timeout.
func (l *Listener) AwaitCompletion(ctx context.Context, sessionID, promptID string, timeout time.Duration) (JobHandle, error) {
	tracker := NewTracker(sessionID, promptID, l.logger)
	tracker.Start()

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	streamURL := l.StreamURL(sessionID)
	l.logger.Info("connecting to event stream", "url", streamURL, "prompt_id", promptID)

	conn, err := l.dialer.Dial(waitCtx, streamURL)
	if err != nil {
		if ctx.Err() != nil {
			return tracker.Handle(), ctx.Err()
		}
		if waitCtx.Err() != nil {
			tracker.Expire()
			return tracker.Handle(), nil
		}
		tracker.Fail(err)
		h := tracker.Handle()
		return h, h.Err
	}

	done := make(chan struct{})
	defer close(done)
	defer conn.Close()

	frames := make(chan frame)
	go func() {
		defer close(frames)
		for {
			typ, data, err := conn.ReadMessage()
			select {
			case frames <- frame{typ: typ, data: data, err: err}:
			case <-done:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return tracker.Handle(), ctx.Err()
			}
			l.logger.Warn("no terminal event before deadline", "prompt_id", promptID, "timeout", timeout)
			tracker.Expire()
			return tracker.Handle(), nil

		case f, ok := <-frames:
			if !ok {
				frames = nil
				continue
			}
			if f.err != nil {
				if isCleanClose(f.err) {
					l.logger.Info("event stream closed before a terminal event, waiting for deadline", "prompt_id", promptID)
					frames = nil
					continue
				}
				l.logger.Error("event stream error", "prompt_id", promptID, "error", f.err)
				tracker.Fail(f.err)
				h := tracker.Handle()
				return h, h.Err
			}
			if f.typ != websocket.TextMessage {
				continue
			}
			ev, err := DecodeEvent(f.data)
			if err != nil {
				l.logger.Debug("ignoring undecodable event frame", "error", err)
				continue
			}
			if tracker.Advance(ev) {
				h := tracker.Handle()
				l.logger.Info("event tracking finished", "prompt_id", promptID, "state", h.State.String(), "inconclusive", h.Inconclusive)
				return h, nil
			}
		}
	}
}

func isCleanClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
