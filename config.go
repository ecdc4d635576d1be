package fjage

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Transport names accepted in Config.Transport.
const (
	TransportWebSocket = "ws"
	TransportTCP       = "tcp"
)

// Config holds the connection and behaviour settings of a Gateway. It can be
// built with DefaultConfig and options, or loaded from a YAML or TOML file.
type Config struct {
	Hostname  string `yaml:"hostname" toml:"hostname"`
	Port      int    `yaml:"port" toml:"port"`
	Pathname  string `yaml:"pathname" toml:"pathname"`
	Transport string `yaml:"transport" toml:"transport"`

	// KeepAlive reconnects after the connection fails or drops.
	KeepAlive bool `yaml:"keep_alive" toml:"keep_alive"`

	// QueueSize bounds the queue of received messages nobody has claimed.
	QueueSize int `yaml:"queue_size" toml:"queue_size"`

	// Timeout is the base timeout for control requests to the container.
	Timeout time.Duration `yaml:"-" toml:"-"`

	ReconnectDelay time.Duration `yaml:"-" toml:"-"`

	// ReturnNullOnFailedResponse makes agent lookups and parameter access
	// report failures as nil results instead of errors.
	ReturnNullOnFailedResponse bool `yaml:"return_null_on_failed_response" toml:"return_null_on_failed_response"`

	// CancelPendingOnDisconnect fails outstanding requests and receives and
	// drops queued messages when the connection is lost.
	CancelPendingOnDisconnect bool `yaml:"cancel_pending_on_disconnect" toml:"cancel_pending_on_disconnect"`

	// Durations as written in config files ("1s", "500ms").
	TimeoutRaw        string `yaml:"timeout,omitempty" toml:"timeout,omitempty"`
	ReconnectDelayRaw string `yaml:"reconnect_delay,omitempty" toml:"reconnect_delay,omitempty"`
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Hostname:                   "localhost",
		Port:                       1100,
		Pathname:                   "/ws/",
		Transport:                  TransportWebSocket,
		KeepAlive:                  true,
		QueueSize:                  DefaultQueueSize,
		Timeout:                    time.Second,
		ReconnectDelay:             DefaultReconnectDelay,
		ReturnNullOnFailedResponse: true,
	}
}

// LoadConfig reads a config file on top of DefaultConfig. Files ending in
// .toml are parsed as TOML, anything else as YAML. ${VAR} references are
// replaced with environment values before parsing.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config file: %w", err)
	}
	expanded := expandEnvVars(string(data))

	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config: %w", err)
		}
	}

	if err := cfg.parseDurations(); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} with environment variable values.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(match[2 : len(match)-1])
	})
}

func (c *Config) parseDurations() error {
	if c.TimeoutRaw != "" {
		d, err := time.ParseDuration(c.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("timeout: %w", err)
		}
		c.Timeout = d
	}
	if c.ReconnectDelayRaw != "" {
		d, err := time.ParseDuration(c.ReconnectDelayRaw)
		if err != nil {
			return fmt.Errorf("reconnect_delay: %w", err)
		}
		c.ReconnectDelay = d
	}
	return nil
}

// Validate checks that the settings describe a usable connection.
func (c *Config) Validate() error {
	if c.Hostname == "" {
		return fmt.Errorf("hostname is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	switch c.Transport {
	case TransportWebSocket, TransportTCP:
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("queue_size must be positive")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("reconnect_delay must be positive")
	}
	return nil
}

// Target returns the identity of the container the config points at.
func (c *Config) Target() Target {
	t := Target{Hostname: c.Hostname, Port: c.Port}
	if c.Transport != TransportTCP {
		t.Pathname = c.Pathname
	}
	return t
}

// URL returns the address the connector dials: a ws:// URL for WebSocket
// and host:port for TCP.
func (c *Config) URL() string {
	addr := net.JoinHostPort(c.Hostname, strconv.Itoa(c.Port))
	if c.Transport == TransportTCP {
		return addr
	}
	path := c.Pathname
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return "ws://" + addr + path
}
