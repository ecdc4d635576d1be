package fjage

import (
	"log/slog"
	"time"
)

// --- Gateway Options ---

// Option configures a Gateway.
type Option func(*gatewayConfig)

type gatewayConfig struct {
	Config
	logger    *slog.Logger
	dial      DialFunc
	onSend    func(*JSONMessage)
	onReceive func(*JSONMessage)
}

func newGatewayConfig(opts []Option) gatewayConfig {
	cfg := gatewayConfig{Config: DefaultConfig()}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithConfig replaces all settings with cfg. Options after it still apply.
func WithConfig(cfg Config) Option {
	return func(c *gatewayConfig) {
		c.Config = cfg
	}
}

// WithHostname sets the container host.
func WithHostname(host string) Option {
	return func(c *gatewayConfig) {
		c.Hostname = host
	}
}

// WithPort sets the container port.
func WithPort(port int) Option {
	return func(c *gatewayConfig) {
		c.Port = port
	}
}

// WithPathname sets the WebSocket path.
func WithPathname(path string) Option {
	return func(c *gatewayConfig) {
		c.Pathname = path
	}
}

// WithTCP connects over a raw TCP socket instead of WebSocket.
func WithTCP() Option {
	return func(c *gatewayConfig) {
		c.Transport = TransportTCP
	}
}

// WithKeepAlive enables or disables reconnection.
func WithKeepAlive(on bool) Option {
	return func(c *gatewayConfig) {
		c.KeepAlive = on
	}
}

// WithQueueSize bounds the queue of unclaimed messages.
func WithQueueSize(n int) Option {
	return func(c *gatewayConfig) {
		c.QueueSize = n
	}
}

// WithTimeout sets the base timeout for control requests.
func WithTimeout(d time.Duration) Option {
	return func(c *gatewayConfig) {
		c.Timeout = d
	}
}

// WithReconnectDelay sets the wait between reconnection attempts.
func WithReconnectDelay(d time.Duration) Option {
	return func(c *gatewayConfig) {
		c.ReconnectDelay = d
	}
}

// WithReturnNullOnFailedResponse chooses between nil results (true) and
// errors (false) when an agent lookup or parameter access fails.
func WithReturnNullOnFailedResponse(on bool) Option {
	return func(c *gatewayConfig) {
		c.ReturnNullOnFailedResponse = on
	}
}

// WithCancelPendingOnDisconnect fails outstanding waits when the connection
// is lost.
func WithCancelPendingOnDisconnect(on bool) Option {
	return func(c *gatewayConfig) {
		c.CancelPendingOnDisconnect = on
	}
}

// WithLogger sets a structured logger for the gateway.
func WithLogger(logger *slog.Logger) Option {
	return func(c *gatewayConfig) {
		c.logger = logger
	}
}

// WithDialer replaces the transport dialer. Hostname, port and transport
// settings are then only used to identify the gateway.
func WithDialer(dial DialFunc) Option {
	return func(c *gatewayConfig) {
		c.dial = dial
	}
}

// WithOnSend sets a callback invoked before each envelope is sent.
func WithOnSend(fn func(*JSONMessage)) Option {
	return func(c *gatewayConfig) {
		c.onSend = fn
	}
}

// WithOnReceive sets a callback invoked after each envelope is decoded.
func WithOnReceive(fn func(*JSONMessage)) Option {
	return func(c *gatewayConfig) {
		c.onReceive = fn
	}
}

// --- Parameter Options ---

// ParamOption configures a parameter get or set.
type ParamOption func(*paramConfig)

type paramConfig struct {
	index   int
	timeout time.Duration
}

func newParamConfig(opts []ParamOption) paramConfig {
	cfg := paramConfig{index: -1, timeout: DefaultParamTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// AtIndex addresses element i of an indexed parameter.
func AtIndex(i int) ParamOption {
	return func(c *paramConfig) {
		c.index = i
	}
}

// WithParamTimeout bounds how long to wait for the agent's response.
func WithParamTimeout(d time.Duration) ParamOption {
	return func(c *paramConfig) {
		c.timeout = d
	}
}
