package comfy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kiranshivaraju/comfyrun/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- scripted transport ---

type scriptedConn struct {
	mu     sync.Mutex
	frames []frame
	// end is returned once frames run out; nil blocks until Close.
	end    error
	closed chan struct{}
	once   sync.Once
}

func newScriptedConn(end error, frames ...frame) *scriptedConn {
	return &scriptedConn{frames: frames, end: end, closed: make(chan struct{})}
}

func text(s string) frame { return frame{typ: websocket.TextMessage, data: []byte(s)} }

func (c *scriptedConn) ReadMessage() (int, []byte, error) {
	c.mu.Lock()
	if len(c.frames) > 0 {
		f := c.frames[0]
		c.frames = c.frames[1:]
		c.mu.Unlock()
		return f.typ, f.data, f.err
	}
	c.mu.Unlock()
	if c.end != nil {
		return 0, nil, c.end
	}
	<-c.closed
	return 0, nil, errors.New("use of closed connection")
}

func (c *scriptedConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type scriptedDialer struct {
	conn    Conn
	err     error
	gotURL  string
	dialled int
}

func (d *scriptedDialer) Dial(ctx context.Context, rawURL string) (Conn, error) {
	d.gotURL = rawURL
	d.dialled++
	if d.err != nil {
		return nil, d.err
	}
	return d.conn, nil
}

// blockingDialer holds the dial open until its context ends.
type blockingDialer struct{}

func (blockingDialer) Dial(ctx context.Context, _ string) (Conn, error) {
	<-ctx.Done()
	return nil, fmt.Errorf("dial: %w", ctx.Err())
}

func newTestListener(t *testing.T, d Dialer) *Listener {
	t.Helper()
	l, err := NewListener("http://127.0.0.1:8188", d, discardLogger())
	require.NoError(t, err)
	return l
}

// --- URL handling ---

func TestNewListener_StreamURL(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"http://127.0.0.1:8188", "ws://127.0.0.1:8188/ws?clientId=s-1"},
		{"https://engine.example.com/", "wss://engine.example.com/ws?clientId=s-1"},
		{"https://gw.example.com/comfy", "wss://gw.example.com/comfy/ws?clientId=s-1"},
	}
	for _, tt := range tests {
		t.Run(tt.base, func(t *testing.T) {
			l, err := NewListener(tt.base, nil, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, l.StreamURL("s-1"))
		})
	}

	_, err := NewListener("ftp://engine", nil, nil)
	assert.ErrorIs(t, err, errs.ErrValidation)
}

// --- AwaitCompletion with scripted events ---

func TestAwaitCompletion_ExecutionError(t *testing.T) {
	d := &scriptedDialer{conn: newScriptedConn(nil,
		text(`{"type": "execution_start", "data": {"prompt_id": "p1"}}`),
		text(`{"type": "execution_error", "data": {"prompt_id": "p1", "exception_message": "Model not found"}}`),
	)}

	h, err := newTestListener(t, d).AwaitCompletion(context.Background(), "s-1", "p1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, h.State)
	assert.Equal(t, "Model not found", h.Message)
	assert.Equal(t, "ws://127.0.0.1:8188/ws?clientId=s-1", d.gotURL)
}

func TestAwaitCompletion_UnrelatedEventThenCloseTimesOut(t *testing.T) {
	d := &scriptedDialer{conn: newScriptedConn(
		&websocket.CloseError{Code: websocket.CloseNormalClosure},
		text(`{"type": "executing", "data": {"node": null, "prompt_id": "someone-else"}}`),
	)}

	timeout := 80 * time.Millisecond
	start := time.Now()
	h, err := newTestListener(t, d).AwaitCompletion(context.Background(), "s-1", "p1", timeout)
	require.NoError(t, err)
	assert.Equal(t, StateTimedOut, h.State)
	assert.GreaterOrEqual(t, time.Since(start), timeout)
}

func TestAwaitCompletion_IgnoresBinaryAndGarbage(t *testing.T) {
	d := &scriptedDialer{conn: newScriptedConn(nil,
		frame{typ: websocket.BinaryMessage, data: []byte{0, 0, 0, 1, 0xff}},
		text(`not json at all`),
		text(`{"type": "progress", "data": {"value": 10, "max": 20, "prompt_id": "p1"}}`),
		text(`{"type": "execution_success", "data": {"prompt_id": "p1"}}`),
	)}

	h, err := newTestListener(t, d).AwaitCompletion(context.Background(), "s-1", "p1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, h.State)
}

func TestAwaitCompletion_QueueEmptyIsInconclusive(t *testing.T) {
	d := &scriptedDialer{conn: newScriptedConn(nil,
		text(`{"type": "status", "data": {"status": {"exec_info": {"queue_remaining": 0}}}}`),
	)}

	h, err := newTestListener(t, d).AwaitCompletion(context.Background(), "s-1", "p1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, StateTracking, h.State)
	assert.True(t, h.Inconclusive)
}

func TestAwaitCompletion_TransportError(t *testing.T) {
	d := &scriptedDialer{conn: newScriptedConn(
		&websocket.CloseError{Code: websocket.CloseAbnormalClosure, Text: "unexpected EOF"},
	)}

	h, err := newTestListener(t, d).AwaitCompletion(context.Background(), "s-1", "p1", time.Second)
	require.ErrorIs(t, err, errs.ErrConnection)
	assert.Equal(t, StateFailed, h.State)
	assert.ErrorIs(t, h.Err, errs.ErrConnection)
}

func TestAwaitCompletion_DialError(t *testing.T) {
	d := &scriptedDialer{err: errors.New("dial tcp 127.0.0.1:8188: connect: connection refused")}

	h, err := newTestListener(t, d).AwaitCompletion(context.Background(), "s-1", "p1", time.Second)
	require.ErrorIs(t, err, errs.ErrConnection)
	assert.Equal(t, StateFailed, h.State)
	assert.Equal(t, 1, d.dialled)
}

func TestAwaitCompletion_SilentStreamTimesOut(t *testing.T) {
	conn := newScriptedConn(nil)
	d := &scriptedDialer{conn: conn}

	h, err := newTestListener(t, d).AwaitCompletion(context.Background(), "s-1", "p1", 30*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, StateTimedOut, h.State)

	select {
	case <-conn.closed:
	default:
		t.Fatal("connection was not closed on timeout")
	}
}

func TestAwaitCompletion_CallerCancel(t *testing.T) {
	d := &scriptedDialer{conn: newScriptedConn(nil)}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	h, err := newTestListener(t, d).AwaitCompletion(ctx, "s-1", "p1", time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, h.State.Terminal())
}

func TestAwaitCompletion_CallerCancelWhileDialling(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	h, err := newTestListener(t, blockingDialer{}).AwaitCompletion(ctx, "s-1", "p1", time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, errs.ErrConnection)
	assert.Equal(t, StateTracking, h.State)
}

func TestAwaitCompletion_DialOutlastsTimeout(t *testing.T) {
	h, err := newTestListener(t, blockingDialer{}).AwaitCompletion(context.Background(), "s-1", "p1", 30*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, StateTimedOut, h.State)
}

// --- AwaitCompletion against a real websocket server ---

func wsServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		handler(conn, r)
	}))
}

func TestAwaitCompletion_Websocket(t *testing.T) {
	ts := wsServer(t, func(conn *websocket.Conn, r *http.Request) {
		assert.Equal(t, "s-42", r.URL.Query().Get("clientId"))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type": "status", "data": {"status": {"exec_info": {"queue_remaining": 1}}, "sid": "s-42"}}`))
		conn.WriteMessage(websocket.BinaryMessage, []byte{0, 0, 0, 1})
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type": "executing", "data": {"node": "3", "prompt_id": "p1"}}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type": "executing", "data": {"node": null, "prompt_id": "p1"}}`))
		// Hold the connection open until the client hangs up.
		conn.ReadMessage()
	})
	defer ts.Close()

	l, err := NewListener(ts.URL, WSDialer{}, discardLogger())
	require.NoError(t, err)

	h, err := l.AwaitCompletion(context.Background(), "s-42", "p1", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, h.State)
}

func TestAwaitCompletion_WebsocketCleanClose(t *testing.T) {
	ts := wsServer(t, func(conn *websocket.Conn, r *http.Request) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type": "executing", "data": {"node": null, "prompt_id": "other"}}`))
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.ReadMessage()
	})
	defer ts.Close()

	l, err := NewListener(ts.URL, WSDialer{}, discardLogger())
	require.NoError(t, err)

	h, err := l.AwaitCompletion(context.Background(), "s-1", "p1", 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, StateTimedOut, h.State)
}

func TestAwaitCompletion_WebsocketRefused(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer ts.Close()

	l, err := NewListener(ts.URL, WSDialer{}, discardLogger())
	require.NoError(t, err)

	h, err := l.AwaitCompletion(context.Background(), "s-1", "p1", time.Second)
	require.ErrorIs(t, err, errs.ErrConnection)
	assert.Equal(t, StateFailed, h.State)
}
