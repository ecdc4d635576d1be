package fjage

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Conn is one physical connection to a container. Read returns the next
// chunk of received text, which may hold several lines or part of one.
// Implementations must allow Write and Close concurrently with Read.
type Conn interface {
	Write(ctx context.Context, data []byte) error
	Read(ctx context.Context) ([]byte, error)
	Close() error
}

// DialFunc opens a new connection. The Connector calls it once per
// connection attempt.
type DialFunc func(ctx context.Context) (Conn, error)

// DialOptions configures the WebSocket connection.
type DialOptions struct {
	// HTTPHeader specifies additional HTTP headers to send during handshake.
	HTTPHeader http.Header

	// HTTPClient is the HTTP client used for the handshake.
	// If nil, http.DefaultClient is used.
	HTTPClient *http.Client
}

// DialWebSocket returns a DialFunc connecting to a container's WebSocket
// endpoint, e.g. ws://localhost:8080/ws/.
func DialWebSocket(url string, opts *DialOptions) DialFunc {
	return func(ctx context.Context) (Conn, error) {
		dialOpts := &websocket.DialOptions{}
		if opts != nil {
			if opts.HTTPHeader != nil {
				dialOpts.HTTPHeader = opts.HTTPHeader.Clone()
			}
			dialOpts.HTTPClient = opts.HTTPClient
		}

		conn, _, err := websocket.Dial(ctx, url, dialOpts)
		if err != nil {
			return nil, &ConnectionError{Op: "dial", URL: url, Err: err}
		}

		// Set a large read limit for bulk array payloads
		conn.SetReadLimit(32 * 1024 * 1024) // 32MB

		return &wsConn{conn: conn}, nil
	}
}

// wsConn implements Conn over WebSocket. Each text frame carries whole
// lines; a frame without a trailing newline is terminated here so that the
// line splitter treats it as complete.
type wsConn struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	closed bool
}

func (c *wsConn) Write(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrNotConnected
	}
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return &ConnectionError{Op: "write", Err: err}
	}
	return nil
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return nil, &ConnectionError{Op: "read", Err: err}
	}
	if !bytes.HasSuffix(data, []byte{'\n'}) {
		data = append(data, '\n')
	}
	return data, nil
}

func (c *wsConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close(websocket.StatusNormalClosure, "")
}

// DialTCP returns a DialFunc connecting to a container's raw TCP port.
func DialTCP(addr string) DialFunc {
	return func(ctx context.Context) (Conn, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, &ConnectionError{Op: "dial", URL: addr, Err: err}
		}
		return &tcpConn{conn: conn, buf: make([]byte, 64*1024)}, nil
	}
}

// tcpConn implements Conn over a TCP socket.
type tcpConn struct {
	conn    net.Conn
	buf     []byte
	writeMu sync.Mutex
}

func (c *tcpConn) Write(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	_ = c.conn.SetWriteDeadline(deadline)
	if _, err := c.conn.Write(data); err != nil {
		return &ConnectionError{Op: "write", Err: err}
	}
	return nil
}

// Read blocks until data arrives. Cancellation is by Close, which the
// Connector calls when its context ends.
func (c *tcpConn) Read(ctx context.Context) ([]byte, error) {
	n, err := c.conn.Read(c.buf)
	if n > 0 {
		return bytes.Clone(c.buf[:n]), nil
	}
	if err != nil {
		return nil, &ConnectionError{Op: "read", Err: err}
	}
	return nil, nil
}

func (c *tcpConn) Close() error {
	return c.conn.Close()
}
