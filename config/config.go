package config

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/streamnet/channel"
	"github.com/c360/streamnet/errors"
	"github.com/c360/streamnet/pkg/queue"
)

// Duration is a time.Duration written as a string ("500ms") in config files.
// Plain numbers are read as nanoseconds.
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	return d.set(v)
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var v any
	if err := node.Decode(&v); err != nil {
		return err
	}
	return d.set(v)
}

func (d *Duration) set(v any) error {
	switch val := v.(type) {
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", val, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(val)
	case int:
		*d = Duration(val)
	case nil:
		*d = 0
	default:
		return fmt.Errorf("invalid duration %v (%T)", v, v)
	}
	return nil
}

// Config is the complete configuration of one streamnet node.
type Config struct {
	Node     NodeConfig    `json:"node" yaml:"node"`
	Network  NetworkConfig `json:"network" yaml:"network"`
	Writer   WriterConfig  `json:"writer" yaml:"writer"`
	Reader   ReaderConfig  `json:"reader" yaml:"reader"`
	Relay    RelayConfig   `json:"relay" yaml:"relay"`
	Loop     LoopConfig    `json:"loop" yaml:"loop"`
	Metrics  MetricsConfig `json:"metrics" yaml:"metrics"`
	NATS     NATSConfig    `json:"nats" yaml:"nats"`
	Channels ChannelConfig `json:"channels" yaml:"channels"`
}

// NodeConfig identifies this host within a job.
type NodeConfig struct {
	Job     string `json:"job" yaml:"job"`
	ID      string `json:"id" yaml:"id"`
	IP      string `json:"ip,omitempty" yaml:"ip,omitempty"`
	IPCRoot string `json:"ipc_root" yaml:"ipc_root"`
}

// NetworkConfig tunes sockets.
type NetworkConfig struct {
	SendHWM        int        `json:"send_hwm" yaml:"send_hwm"`
	RecvHWM        int        `json:"recv_hwm" yaml:"recv_hwm"`
	MaxFrameSize   int        `json:"max_frame_size" yaml:"max_frame_size"`
	RemoteScheme   string     `json:"remote_scheme" yaml:"remote_scheme"`
	ConnectTimeout Duration   `json:"connect_timeout" yaml:"connect_timeout"`
	Dial           DialConfig `json:"dial" yaml:"dial"`
}

// DialConfig is the redial policy of connect-mode sockets. A negative
// MaxRetries redials until the socket is closed.
type DialConfig struct {
	MaxRetries    int      `json:"max_retries" yaml:"max_retries"`
	InitialDelay  Duration `json:"initial_delay" yaml:"initial_delay"`
	MaxDelay      Duration `json:"max_delay" yaml:"max_delay"`
	BackoffFactor float64  `json:"backoff_factor" yaml:"backoff_factor"`
}

// WriterConfig tunes data writers. A zero resend timeout disables resend.
type WriterConfig struct {
	BufferSize           int      `json:"buffer_size" yaml:"buffer_size"`
	MaxBuffersPerChannel int      `json:"max_buffers_per_channel" yaml:"max_buffers_per_channel"`
	InFlightLimit        int      `json:"in_flight_limit" yaml:"in_flight_limit"`
	ResendTimeout        Duration `json:"resend_timeout" yaml:"resend_timeout"`
}

// ReaderConfig tunes data readers.
type ReaderConfig struct {
	OutputQueueSize int `json:"output_queue_size" yaml:"output_queue_size"`
	AckBatchSize    int `json:"ack_batch_size" yaml:"ack_batch_size"`
}

// RelayConfig tunes transfer relays. Overflow is "block" or "drop".
type RelayConfig struct {
	QueueCapacity int    `json:"queue_capacity" yaml:"queue_capacity"`
	Overflow      string `json:"overflow" yaml:"overflow"`
}

// LoopConfig tunes the IO loop.
type LoopConfig struct {
	Workers      int      `json:"workers" yaml:"workers"`
	PollInterval Duration `json:"poll_interval" yaml:"poll_interval"`
}

// MetricsConfig controls the metrics and health endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Port    int    `json:"port" yaml:"port"`
	Path    string `json:"path" yaml:"path"`
}

// NATSConfig is used when channels come from a KV bucket or when a
// transport uses nats:// addresses.
type NATSConfig struct {
	URLs           []string `json:"urls,omitempty" yaml:"urls,omitempty"`
	Name           string   `json:"name,omitempty" yaml:"name,omitempty"`
	MaxReconnects  int      `json:"max_reconnects" yaml:"max_reconnects"`
	ReconnectWait  Duration `json:"reconnect_wait" yaml:"reconnect_wait"`
	Username       string   `json:"username,omitempty" yaml:"username,omitempty"`
	Password       string   `json:"password,omitempty" yaml:"password,omitempty"`
	Token          string   `json:"token,omitempty" yaml:"token,omitempty"`
	ChannelsBucket string   `json:"channels_bucket,omitempty" yaml:"channels_bucket,omitempty"`
}

// ChannelConfig names where the channel set comes from. Exactly one of the
// inline lists, File or the NATS bucket is used, in that order.
type ChannelConfig struct {
	File   string           `json:"file,omitempty" yaml:"file,omitempty"`
	Local  []channel.Local  `json:"local,omitempty" yaml:"local,omitempty"`
	Remote []channel.Remote `json:"remote,omitempty" yaml:"remote,omitempty"`
}

// Inline returns the inline channel set, or nil when none is given.
func (c ChannelConfig) Inline() *channel.Set {
	if len(c.Local) == 0 && len(c.Remote) == 0 {
		return nil
	}
	return &channel.Set{Local: c.Local, Remote: c.Remote}
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			Job:     "default",
			IPCRoot: "/tmp/streamnet",
		},
		Network: NetworkConfig{
			SendHWM:        1000,
			RecvHWM:        1000,
			MaxFrameSize:   64 << 20,
			RemoteScheme:   string(channel.SchemeTCP),
			ConnectTimeout: Duration(30 * time.Second),
			Dial: DialConfig{
				MaxRetries:    -1,
				InitialDelay:  Duration(20 * time.Millisecond),
				MaxDelay:      Duration(2 * time.Second),
				BackoffFactor: 2.0,
			},
		},
		Writer: WriterConfig{
			BufferSize:           32 << 10,
			MaxBuffersPerChannel: 10,
			InFlightLimit:        1000,
			ResendTimeout:        Duration(500 * time.Millisecond),
		},
		Reader: ReaderConfig{
			OutputQueueSize: 1000,
			AckBatchSize:    1,
		},
		Relay: RelayConfig{
			QueueCapacity: 1024,
			Overflow:      "block",
		},
		Loop: LoopConfig{
			Workers:      4,
			PollInterval: Duration(10 * time.Millisecond),
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		NATS: NATSConfig{
			MaxReconnects: -1,
			ReconnectWait: Duration(2 * time.Second),
		},
	}
}

// Validate checks every section. Errors are classified invalid.
func (c *Config) Validate() error {
	fail := func(format string, args ...any) error {
		return errors.WrapInvalid(fmt.Errorf("%w: "+format, append([]any{errors.ErrInvalidConfig}, args...)...),
			"Config", "Validate", "validate config")
	}

	if c.Node.ID == "" {
		return fail("node.id is required")
	}
	if c.Node.Job == "" {
		return fail("node.job is required")
	}
	if c.Node.IPCRoot == "" {
		return fail("node.ipc_root is required")
	}

	if c.Network.SendHWM <= 0 || c.Network.RecvHWM <= 0 {
		return fail("network.send_hwm and network.recv_hwm must be positive")
	}
	if c.Network.MaxFrameSize < c.Writer.BufferSize {
		return fail("network.max_frame_size %d is smaller than writer.buffer_size %d",
			c.Network.MaxFrameSize, c.Writer.BufferSize)
	}
	switch channel.Scheme(c.Network.RemoteScheme) {
	case channel.SchemeTCP, channel.SchemeWebSocket:
	case channel.SchemeNATS:
		if len(c.NATS.URLs) == 0 {
			return fail("network.remote_scheme nats requires nats.urls")
		}
	default:
		return fail("network.remote_scheme %q is not tcp, ws or nats", c.Network.RemoteScheme)
	}
	if c.Network.Dial.BackoffFactor < 1 {
		return fail("network.dial.backoff_factor must be at least 1")
	}

	if c.Writer.BufferSize <= 0 || c.Writer.MaxBuffersPerChannel <= 0 || c.Writer.InFlightLimit <= 0 {
		return fail("writer sizes must be positive")
	}
	if c.Writer.ResendTimeout < 0 {
		return fail("writer.resend_timeout must not be negative")
	}
	if c.Reader.OutputQueueSize <= 0 || c.Reader.AckBatchSize <= 0 {
		return fail("reader sizes must be positive")
	}
	if c.Relay.QueueCapacity <= 0 {
		return fail("relay.queue_capacity must be positive")
	}
	if _, err := queue.ParsePolicy(c.Relay.Overflow); err != nil {
		return fail("relay.overflow %q is not block or drop", c.Relay.Overflow)
	}
	if c.Loop.Workers <= 0 {
		return fail("loop.workers must be positive")
	}
	if c.Loop.PollInterval <= 0 {
		return fail("loop.poll_interval must be positive")
	}
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return fail("metrics.port %d out of range", c.Metrics.Port)
	}
	if c.NATS.ChannelsBucket != "" && len(c.NATS.URLs) == 0 {
		return fail("nats.channels_bucket requires nats.urls")
	}

	if set := c.Channels.Inline(); set != nil {
		if err := set.Validate(); err != nil {
			return errors.Wrap(err, "Config", "Validate", "validate inline channels")
		}
	}
	return nil
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	if c == nil {
		return Default()
	}
	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}
	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	return &clone
}

// String renders the config as indented JSON with secrets masked.
func (c *Config) String() string {
	masked := c.Clone()
	if masked.NATS.Password != "" {
		masked.NATS.Password = "****"
	}
	if masked.NATS.Token != "" {
		masked.NATS.Token = "****"
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

// SaveToFile writes the config as JSON.
func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return writeLayer(path, data)
}

// SafeConfig provides concurrent access to a Config.
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig wraps cfg. A nil cfg is replaced by the defaults.
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = Default()
	}
	return &SafeConfig{config: cfg}
}

// Get returns a deep copy of the current configuration.
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update replaces the configuration after validating it.
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return errors.WrapInvalid(fmt.Errorf("%w: nil config", errors.ErrInvalidConfig),
			"SafeConfig", "Update", "update config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg
	return nil
}
