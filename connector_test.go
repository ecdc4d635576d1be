package fjage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn is an in-memory Conn. Tests push chunks into in and read the
// lines the client wrote from out.
type fakeConn struct {
	in     chan []byte
	out    chan string
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 256),
		out:    make(chan string, 1024),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, io.EOF
	case b := <-c.in:
		return b, nil
	}
}

func (c *fakeConn) Write(ctx context.Context, data []byte) error {
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}
	select {
	case c.out <- string(data):
		return nil
	case <-c.closed:
		return net.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) pushLine(s string) {
	c.in <- []byte(s)
}

func (c *fakeConn) push(t *testing.T, env *JSONMessage) {
	t.Helper()
	data, err := json.Marshal(env)
	require.NoError(t, err)
	c.in <- append(data, '\n')
}

// nextLine returns the next line written by the client, without its
// terminator.
func (c *fakeConn) nextLine(t *testing.T) string {
	t.Helper()
	select {
	case line := <-c.out:
		return strings.TrimSuffix(line, "\n")
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for client write")
		return ""
	}
}

// recv returns the next envelope the client wrote, skipping alive lines. It
// does not fail the test, so it is usable from helper goroutines.
func (c *fakeConn) recv(timeout time.Duration) (*JSONMessage, bool) {
	deadline := time.After(timeout)
	for {
		select {
		case line := <-c.out:
			line = strings.TrimSuffix(line, "\n")
			if line == aliveLine || line == deadLine {
				continue
			}
			var env JSONMessage
			if err := json.Unmarshal([]byte(line), &env); err != nil {
				return nil, false
			}
			return &env, true
		case <-c.closed:
			return nil, false
		case <-deadline:
			return nil, false
		}
	}
}

// nextAction returns the next envelope with the given action, skipping
// everything else.
func (c *fakeConn) nextAction(t *testing.T, action Action) *JSONMessage {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		env, ok := c.recv(time.Until(deadline))
		if !ok {
			break
		}
		if env.Action == action {
			return env
		}
	}
	t.Fatalf("timeout waiting for %s", action)
	return nil
}

// fakeDialer hands out a fresh fakeConn per dial, after failing the first
// failures attempts.
type fakeDialer struct {
	conns    chan *fakeConn
	failures atomic.Int32
	dials    atomic.Int32
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(chan *fakeConn, 16)}
}

func (d *fakeDialer) dial(ctx context.Context) (Conn, error) {
	d.dials.Add(1)
	if d.failures.Load() > 0 {
		d.failures.Add(-1)
		return nil, errors.New("connection refused")
	}
	c := newFakeConn()
	d.conns <- c
	return c, nil
}

func (d *fakeDialer) next(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-d.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for dial")
		return nil
	}
}

func newTestConnector(d *fakeDialer, keepAlive bool) (*Connector, chan string, chan bool) {
	lines := make(chan string, 64)
	events := make(chan bool, 16)
	c := NewConnector(d.dial, ConnectorConfig{
		URL:            "fake",
		KeepAlive:      keepAlive,
		ReconnectDelay: 10 * time.Millisecond,
	}, func(line string) { lines <- line })
	c.OnConnectionChange(func(open bool) { events <- open })
	return c, lines, events
}

func nextEvent(t *testing.T, events chan bool) bool {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for connection event")
		return false
	}
}

func TestConnector_FlushesPendingAfterAlive(t *testing.T) {
	d := newFakeDialer()
	c, _, events := newTestConnector(d, true)
	defer c.Close()

	assert.Equal(t, StateConnecting, c.State())
	assert.True(t, c.Write("first"))
	assert.True(t, c.Write("second"))

	c.Connect()
	conn := d.next(t)
	assert.True(t, nextEvent(t, events))

	assert.Equal(t, aliveLine, conn.nextLine(t))
	assert.Equal(t, "first", conn.nextLine(t))
	assert.Equal(t, "second", conn.nextLine(t))

	assert.Equal(t, StateOpen, c.State())
	assert.True(t, c.Write("third"))
	assert.Equal(t, "third", conn.nextLine(t))
}

func TestConnector_ReassemblesLines(t *testing.T) {
	d := newFakeDialer()
	c, lines, events := newTestConnector(d, true)
	defer c.Close()

	c.Connect()
	conn := d.next(t)
	nextEvent(t, events)

	conn.pushLine(`{"a":1}` + "\n" + `{"b"`)
	conn.pushLine(`:2}` + "\r\n\n")
	conn.pushLine(`{"c":3}`)
	conn.pushLine("\n")

	var got []string
	for range 3 {
		select {
		case line := <-lines:
			got = append(got, line)
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout, got %v", got)
		}
	}
	assert.Equal(t, []string{`{"a":1}`, `{"b":2}`, `{"c":3}`}, got)
}

func TestConnector_Reconnect(t *testing.T) {
	d := newFakeDialer()
	c, _, events := newTestConnector(d, true)
	defer c.Close()

	c.Connect()
	first := d.next(t)
	require.True(t, nextEvent(t, events))

	first.Close()
	assert.False(t, nextEvent(t, events))

	second := d.next(t)
	assert.True(t, nextEvent(t, events))
	assert.Equal(t, aliveLine, second.nextLine(t))
	assert.Equal(t, StateOpen, c.State())
	assert.EqualValues(t, 2, d.dials.Load())
}

func TestConnector_FirstFailureIsSilent(t *testing.T) {
	d := newFakeDialer()
	d.failures.Store(2)
	c, _, events := newTestConnector(d, true)
	defer c.Close()

	c.Connect()
	d.next(t)

	// The first event after two failed dials is the successful open.
	assert.True(t, nextEvent(t, events))
	assert.EqualValues(t, 3, d.dials.Load())
}

func TestConnector_FailureAfterConnectNotifies(t *testing.T) {
	d := newFakeDialer()
	c, _, events := newTestConnector(d, true)
	defer c.Close()

	c.Connect()
	conn := d.next(t)
	require.True(t, nextEvent(t, events))

	d.failures.Store(1)
	conn.Close()

	assert.False(t, nextEvent(t, events)) // connection lost
	assert.False(t, nextEvent(t, events)) // redial failed
	d.next(t)
	assert.True(t, nextEvent(t, events))
}

func TestConnector_NoKeepAlive(t *testing.T) {
	d := newFakeDialer()
	c, _, events := newTestConnector(d, false)
	defer c.Close()

	c.Connect()
	conn := d.next(t)
	require.True(t, nextEvent(t, events))

	conn.Close()
	assert.False(t, nextEvent(t, events))

	require.Eventually(t, func() bool { return c.State() == StateClosed }, time.Second, 5*time.Millisecond)
	assert.False(t, c.Write("late"))
	assert.EqualValues(t, 1, d.dials.Load())
}

func TestConnector_CloseSendsDeadLine(t *testing.T) {
	d := newFakeDialer()
	c, _, events := newTestConnector(d, true)

	c.Connect()
	conn := d.next(t)
	require.True(t, nextEvent(t, events))
	assert.Equal(t, aliveLine, conn.nextLine(t))

	require.NoError(t, c.Close())
	assert.Equal(t, deadLine, conn.nextLine(t))
	assert.Equal(t, StateClosed, c.State())
	assert.False(t, c.Write("after close"))

	// No disconnect event for an explicit close.
	select {
	case ev := <-events:
		t.Fatalf("unexpected event %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
	require.NoError(t, c.Close())
}

func TestConnector_CloseBeforeConnect(t *testing.T) {
	d := newFakeDialer()
	c, _, _ := newTestConnector(d, true)

	require.NoError(t, c.Close())
	c.Connect()
	assert.Equal(t, StateClosed, c.State())
	assert.EqualValues(t, 0, d.dials.Load())
}

func TestConnector_CloseWhileDialing(t *testing.T) {
	dialing := make(chan struct{})
	release := make(chan struct{})
	conn := newFakeConn()
	dial := func(ctx context.Context) (Conn, error) {
		close(dialing)
		<-release // a dialer that ignores cancellation
		return conn, nil
	}
	c := NewConnector(dial, ConnectorConfig{KeepAlive: true, ReconnectDelay: 10 * time.Millisecond}, func(string) {})
	assert.True(t, c.Write("queued"))

	c.Connect()
	<-dialing

	closed := make(chan error, 1)
	go func() { closed <- c.Close() }()
	require.Eventually(t, func() bool { return c.State() == StateClosed }, time.Second, 5*time.Millisecond)
	close(release)

	assert.Equal(t, deadLine, conn.nextLine(t))
	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}
	assert.Empty(t, conn.out)
	select {
	case <-conn.closed:
	default:
		t.Fatal("connection left open")
	}
}

func TestConnector_CloseFromCallback(t *testing.T) {
	t.Run("line", func(t *testing.T) {
		d := newFakeDialer()
		var c *Connector
		closed := make(chan error, 1)
		c = NewConnector(d.dial, ConnectorConfig{KeepAlive: true, ReconnectDelay: 10 * time.Millisecond}, func(string) {
			closed <- c.Close()
		})
		c.Connect()
		conn := d.next(t)
		assert.Equal(t, aliveLine, conn.nextLine(t))

		conn.pushLine("bye\n")
		select {
		case err := <-closed:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("Close from onLine hung")
		}
		assert.Equal(t, StateClosed, c.State())
		select {
		case <-c.done:
		case <-time.After(2 * time.Second):
			t.Fatal("run goroutine did not exit")
		}
	})

	t.Run("disconnect listener", func(t *testing.T) {
		d := newFakeDialer()
		c := NewConnector(d.dial, ConnectorConfig{KeepAlive: true, ReconnectDelay: 10 * time.Millisecond}, func(string) {})
		closed := make(chan error, 1)
		c.OnConnectionChange(func(open bool) {
			if !open {
				closed <- c.Close()
			}
		})
		c.Connect()
		conn := d.next(t)
		assert.Equal(t, aliveLine, conn.nextLine(t))

		conn.Close()
		select {
		case err := <-closed:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("Close from connection listener hung")
		}
		select {
		case <-c.done:
		case <-time.After(2 * time.Second):
			t.Fatal("run goroutine did not exit")
		}
		assert.EqualValues(t, 1, d.dials.Load())
	})
}

func TestConnector_ListenerPanicIsContained(t *testing.T) {
	d := newFakeDialer()
	c, _, events := newTestConnector(d, true)
	defer c.Close()

	// Registered after the recording listener, so it must not stop it.
	c.OnConnectionChange(func(bool) { panic("boom") })

	c.Connect()
	d.next(t)
	assert.True(t, nextEvent(t, events))
}

func TestLineBuffer(t *testing.T) {
	var b lineBuffer
	assert.Empty(t, b.feed([]byte("par")))
	assert.Empty(t, b.feed([]byte("tial")))
	assert.Equal(t, []string{"partial", "next"}, b.feed([]byte("\nnext\r\n\n\nrest")))
	assert.Equal(t, []string{"rest"}, b.feed([]byte("\n")))
	assert.Empty(t, b.feed(nil))
}

func TestConnState_String(t *testing.T) {
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "unknown", ConnState(9).String())
}

func TestConnector_TCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	received := make(chan string, 4)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		for range 2 {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			received <- strings.TrimSuffix(line, "\n")
		}
		// Split one line across two writes.
		conn.Write([]byte(`{"id":`))
		time.Sleep(10 * time.Millisecond)
		conn.Write([]byte(`"x"}` + "\n"))
		time.Sleep(100 * time.Millisecond)
	}()

	lines := make(chan string, 4)
	c := NewConnector(DialTCP(ln.Addr().String()), ConnectorConfig{URL: ln.Addr().String()}, func(line string) {
		lines <- line
	})
	defer c.Close()

	c.Write("hello")
	c.Connect()

	assert.Equal(t, aliveLine, waitString(t, received))
	assert.Equal(t, "hello", waitString(t, received))
	assert.Equal(t, `{"id":"x"}`, waitString(t, lines))
}

func TestConnector_WebSocket(t *testing.T) {
	received := make(chan string, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()

		ctx := r.Context()
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		received <- string(data)

		// Frames need not carry the terminator.
		conn.Write(ctx, websocket.MessageText, []byte(`{"action":"agents","id":"q1"}`))
		_, data, err = conn.Read(ctx)
		if err != nil {
			return
		}
		received <- string(data)
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/"
	lines := make(chan string, 4)
	c := NewConnector(DialWebSocket(url, nil), ConnectorConfig{URL: url}, func(line string) {
		lines <- line
	})
	defer c.Close()
	c.Connect()

	assert.Equal(t, aliveLine+"\n", waitString(t, received))
	assert.Equal(t, `{"action":"agents","id":"q1"}`, waitString(t, lines))

	require.True(t, c.Write("reply"))
	assert.Equal(t, "reply\n", waitString(t, received))
}

func waitString(t *testing.T, ch chan string) string {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timeout")
		return ""
	}
}
