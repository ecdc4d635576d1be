package fjage

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultReconnectDelay is the fixed wait between reconnection attempts.
const DefaultReconnectDelay = 5 * time.Second

// ConnState is the state of a Connector.
type ConnState int

const (
	StateConnecting ConnState = iota
	StateOpen
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// ConnectorConfig configures a Connector.
type ConnectorConfig struct {
	// URL identifies the container in logs.
	URL string

	// KeepAlive enables reconnection after a failed or lost connection.
	KeepAlive bool

	// ReconnectDelay is the wait before each reconnection attempt.
	ReconnectDelay time.Duration

	Logger *slog.Logger
}

// Connector owns the physical connection to a container. It writes
// newline-terminated lines, splits received data back into lines, and
// reconnects after a fixed delay while KeepAlive is set. It is safe for
// concurrent use.
type Connector struct {
	dial   DialFunc
	cfg    ConnectorConfig
	onLine func(line string)
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	start  sync.Once

	// inCallback is set while the run goroutine is inside onLine or a
	// connection listener. Close called from there cannot wait for done.
	inCallback atomic.Bool

	mu        sync.Mutex
	state     ConnState
	conn      Conn
	pending   []string
	listeners []func(open bool)
	connected bool // at least one connection has succeeded
	started   bool

	// writeMu orders writes on the open connection, including the flush of
	// pending lines when a connection opens.
	writeMu sync.Mutex
}

// NewConnector creates a connector that delivers every received line to
// onLine. No connection is made until Connect is called.
func NewConnector(dial DialFunc, cfg ConnectorConfig, onLine func(line string)) *Connector {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Connector{
		dial:   dial,
		cfg:    cfg,
		onLine: onLine,
		logger: cfg.Logger,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		state:  StateConnecting,
	}
}

// Connect starts connecting in the background. Lines written before the
// connection opens are queued and flushed once it does.
func (c *Connector) Connect() {
	c.start.Do(func() {
		c.mu.Lock()
		if c.state == StateClosed {
			c.mu.Unlock()
			return
		}
		c.started = true
		c.mu.Unlock()
		go c.run()
	})
}

// State returns the current connection state.
func (c *Connector) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnConnectionChange registers fn to be called with true when a connection
// opens and false when it fails or is lost. Panics in fn are logged and
// otherwise ignored.
func (c *Connector) OnConnectionChange(fn func(open bool)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// Write sends line followed by a newline. While connecting the line is
// queued and Write reports success; once closed Write reports failure.
func (c *Connector) Write(line string) bool {
	c.mu.Lock()
	switch c.state {
	case StateConnecting:
		c.pending = append(c.pending, line)
		c.mu.Unlock()
		return true
	case StateClosed:
		c.mu.Unlock()
		return false
	}
	conn := c.conn
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeLine(conn, line) == nil
}

// Close announces the end of the session, stops reconnection and tears down
// the connection. No disconnect event is published for an explicit close.
// Called from onLine or a connection listener, Close does not wait for the
// read goroutine, which exits once the callback returns.
func (c *Connector) Close() error {
	c.mu.Lock()
	if c.state == StateClosed && !c.started {
		c.mu.Unlock()
		return nil
	}
	state := c.state
	conn := c.conn
	started := c.started
	c.state = StateClosed
	c.started = false
	c.pending = nil
	if state == StateConnecting {
		// A dial still in flight announces the close if it succeeds.
		c.pending = []string{deadLine}
	}
	c.mu.Unlock()

	if state == StateOpen && conn != nil {
		c.writeMu.Lock()
		_ = c.writeLine(conn, deadLine)
		c.writeMu.Unlock()
	}

	c.cancel()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	if started && !c.inCallback.Load() {
		<-c.done
	}
	return err
}

func (c *Connector) run() {
	defer close(c.done)

	for {
		conn, err := c.dial(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.logger.Warn("connection failed", slog.String("url", c.cfg.URL), slog.Any("error", err))
			if c.everConnected() {
				c.notify(false)
			}
			if !c.retry() {
				return
			}
			continue
		}

		if !c.open(conn) {
			conn.Close()
			return
		}
		c.logger.Info("connected", slog.String("url", c.cfg.URL))

		c.readLoop(conn)
		if c.ctx.Err() != nil {
			return
		}

		c.logger.Info("disconnected", slog.String("url", c.cfg.URL))
		c.markDown()
		c.notify(false)
		if !c.retry() {
			return
		}
	}
}

// open installs conn, announces the session and flushes queued lines.
func (c *Connector) open(conn Conn) bool {
	c.writeMu.Lock()
	c.mu.Lock()
	if c.state == StateClosed {
		pending := c.pending
		c.pending = nil
		c.mu.Unlock()
		c.sayGoodbye(conn, pending)
		c.writeMu.Unlock()
		return false
	}
	c.conn = conn
	c.state = StateOpen
	c.connected = true
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	_ = c.writeLine(conn, aliveLine)
	for _, line := range pending {
		if err := c.writeLine(conn, line); err != nil {
			break
		}
	}
	c.writeMu.Unlock()

	c.notify(true)
	return true
}

func (c *Connector) readLoop(conn Conn) {
	var lines lineBuffer
	for {
		chunk, err := conn.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() == nil {
				c.logger.Debug("read failed", slog.String("url", c.cfg.URL), slog.Any("error", err))
			}
			break
		}
		for _, line := range lines.feed(chunk) {
			c.inCallback.Store(true)
			c.onLine(line)
			c.inCallback.Store(false)
		}
	}
	conn.Close()
}

// markDown leaves the open state after the connection is lost.
func (c *Connector) markDown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return
	}
	c.conn = nil
	if c.cfg.KeepAlive {
		c.state = StateConnecting
	} else {
		c.state = StateClosed
	}
}

// retry waits out the reconnect delay. It returns false when the connector
// should stop.
func (c *Connector) retry() bool {
	c.mu.Lock()
	if !c.cfg.KeepAlive || c.state == StateClosed {
		c.state = StateClosed
		c.pending = nil
		c.mu.Unlock()
		return false
	}
	c.state = StateConnecting
	c.mu.Unlock()

	t := time.NewTimer(c.cfg.ReconnectDelay)
	defer t.Stop()
	select {
	case <-c.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *Connector) everConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Connector) notify(open bool) {
	c.mu.Lock()
	listeners := slices.Clone(c.listeners)
	c.mu.Unlock()

	c.inCallback.Store(true)
	defer c.inCallback.Store(false)
	for _, fn := range listeners {
		c.callListener(fn, open)
	}
}

func (c *Connector) callListener(fn func(bool), open bool) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("connection listener panicked", slog.Any("panic", r))
		}
	}()
	fn(open)
}

// sayGoodbye writes the lines queued by a Close that happened while conn was
// being dialed. The connector context is already cancelled by then.
func (c *Connector) sayGoodbye(conn Conn, lines []string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for _, line := range lines {
		if err := conn.Write(ctx, []byte(line+"\n")); err != nil {
			c.logger.Debug("write failed", slog.String("url", c.cfg.URL), slog.Any("error", err))
			return
		}
	}
}

// writeLine writes one terminated line. The caller holds writeMu.
func (c *Connector) writeLine(conn Conn, line string) error {
	if err := conn.Write(c.ctx, []byte(line+"\n")); err != nil {
		c.logger.Debug("write failed", slog.String("url", c.cfg.URL), slog.Any("error", err))
		return err
	}
	return nil
}

// lineBuffer reassembles newline-delimited lines from arbitrary chunks,
// holding a partial trailing line until the chunk completing it arrives.
type lineBuffer struct {
	partial []byte
}

func (b *lineBuffer) feed(chunk []byte) []string {
	var lines []string
	for {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			break
		}
		b.partial = append(b.partial, chunk[:i]...)
		line := strings.TrimSuffix(string(b.partial), "\r")
		b.partial = b.partial[:0]
		if line != "" {
			lines = append(lines, line)
		}
		chunk = chunk[i+1:]
	}
	b.partial = append(b.partial, chunk...)
	return lines
}
