// File: internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// EnvPrefix namespaces the environment variables that override config keys.
// logger.level is read from H2REACTOR_LOGGER_LEVEL, and so on.
const EnvPrefix = "H2REACTOR"

// HTTP/2 protocol bounds the client section is checked against.
const (
	maxWindowSize   = math.MaxInt32
	minMaxFrameSize = 1 << 14
	maxMaxFrameSize = 1<<24 - 1
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Client() ClientConfig
	Fetch() FetchConfig

	// Client Setters
	SetClientInsecureSkipVerify(bool)
	SetClientRequestTimeout(d time.Duration)
	SetClientEnablePush(bool)

	// Fetch Setters
	SetFetchConcurrency(int)
	SetFetchDecompress(bool)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg LoggerConfig `mapstructure:"logger" yaml:"logger"`
	ClientCfg ClientConfig `mapstructure:"client" yaml:"client"`
	FetchCfg  FetchConfig  `mapstructure:"fetch" yaml:"fetch"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig { return c.LoggerCfg }
func (c *Config) Client() ClientConfig { return c.ClientCfg }
func (c *Config) Fetch() FetchConfig   { return c.FetchCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetClientInsecureSkipVerify(b bool)      { c.ClientCfg.InsecureSkipVerify = b }
func (c *Config) SetClientRequestTimeout(d time.Duration) { c.ClientCfg.RequestTimeout = d }
func (c *Config) SetClientEnablePush(b bool)              { c.ClientCfg.H2.EnablePush = b }

func (c *Config) SetFetchConcurrency(n int) { c.FetchCfg.Concurrency = n }
func (c *Config) SetFetchDecompress(b bool) { c.FetchCfg.Decompress = b }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// ClientConfig is the file form of the HTTP/2 client settings.
type ClientConfig struct {
	RequestTimeout       time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	ConnectTimeout       time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	IdleConnTimeout      time.Duration `mapstructure:"idle_conn_timeout" yaml:"idle_conn_timeout"`
	NoDeadline           time.Duration `mapstructure:"no_deadline" yaml:"no_deadline"`
	InsecureSkipVerify   bool          `mapstructure:"insecure_skip_verify" yaml:"insecure_skip_verify"`
	MaxResponseBodyBytes int64         `mapstructure:"max_response_body_bytes" yaml:"max_response_body_bytes"`
	Dialer               DialerConfig  `mapstructure:"dialer" yaml:"dialer"`
	H2                   H2Config      `mapstructure:"h2" yaml:"h2"`
}

// DialerConfig tunes the TCP side of new connections.
type DialerConfig struct {
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout"`
	KeepAlive time.Duration `mapstructure:"keep_alive" yaml:"keep_alive"`
	NoDelay   bool          `mapstructure:"no_delay" yaml:"no_delay"`
}

// H2Config holds the HTTP/2 connection parameters.
type H2Config struct {
	InitialWindowSize    uint32        `mapstructure:"initial_window_size" yaml:"initial_window_size"`
	ConnectionWindowSize uint32        `mapstructure:"connection_window_size" yaml:"connection_window_size"`
	MaxFrameSize         uint32        `mapstructure:"max_frame_size" yaml:"max_frame_size"`
	EnablePush           bool          `mapstructure:"enable_push" yaml:"enable_push"`
	MaxConcurrentStreams uint32        `mapstructure:"max_concurrent_streams" yaml:"max_concurrent_streams"`
	PingInterval         time.Duration `mapstructure:"ping_interval" yaml:"ping_interval"`
	PingTimeout          time.Duration `mapstructure:"ping_timeout" yaml:"ping_timeout"`
	ControlFrameRate     float64       `mapstructure:"control_frame_rate" yaml:"control_frame_rate"`
	ControlFrameBurst    int           `mapstructure:"control_frame_burst" yaml:"control_frame_burst"`
}

// FetchConfig drives the fetch command.
type FetchConfig struct {
	Concurrency int    `mapstructure:"concurrency" yaml:"concurrency"`
	Decompress  bool   `mapstructure:"decompress" yaml:"decompress"`
	Output      string `mapstructure:"output" yaml:"output"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "h2reactor")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Client --
	v.SetDefault("client.request_timeout", "30s")
	v.SetDefault("client.connect_timeout", "10s")
	v.SetDefault("client.idle_conn_timeout", "90s")
	v.SetDefault("client.no_deadline", "3s")
	v.SetDefault("client.insecure_skip_verify", false)
	v.SetDefault("client.max_response_body_bytes", 32*1024*1024)
	v.SetDefault("client.dialer.timeout", "10s")
	v.SetDefault("client.dialer.keep_alive", "30s")
	v.SetDefault("client.dialer.no_delay", true)

	// -- Client HTTP/2 --
	v.SetDefault("client.h2.initial_window_size", 4*1024*1024)
	v.SetDefault("client.h2.connection_window_size", 8*1024*1024)
	v.SetDefault("client.h2.max_frame_size", minMaxFrameSize)
	v.SetDefault("client.h2.enable_push", false)
	v.SetDefault("client.h2.max_concurrent_streams", 100)
	v.SetDefault("client.h2.ping_interval", "30s")
	v.SetDefault("client.h2.ping_timeout", "5s")
	v.SetDefault("client.h2.control_frame_rate", 100.0)
	v.SetDefault("client.h2.control_frame_burst", 200)

	// -- Fetch --
	v.SetDefault("fetch.concurrency", 4)
	v.SetDefault("fetch.decompress", true)
	v.SetDefault("fetch.output", "text")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if _, err := zapcore.ParseLevel(c.LoggerCfg.Level); err != nil {
		return fmt.Errorf("logger.level: %w", err)
	}
	switch c.LoggerCfg.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logger.format must be console or json, got %q", c.LoggerCfg.Format)
	}
	if err := c.ClientCfg.Validate(); err != nil {
		return fmt.Errorf("client configuration invalid: %w", err)
	}
	if c.FetchCfg.Concurrency <= 0 {
		return errors.New("fetch.concurrency must be a positive integer")
	}
	switch c.FetchCfg.Output {
	case "text", "json":
	default:
		return fmt.Errorf("fetch.output must be text or json, got %q", c.FetchCfg.Output)
	}
	return nil
}

// Validate checks the client section against HTTP/2 limits.
func (c *ClientConfig) Validate() error {
	if c.RequestTimeout < 0 || c.ConnectTimeout < 0 || c.IdleConnTimeout < 0 {
		return errors.New("timeouts must not be negative")
	}
	if c.NoDeadline != 0 && (c.NoDeadline < time.Second || c.NoDeadline > 20*time.Minute) {
		return errors.New("no_deadline must be between 1s and 20m")
	}
	if c.MaxResponseBodyBytes < 0 {
		return errors.New("max_response_body_bytes must not be negative")
	}
	return c.H2.Validate()
}

// Validate checks the HTTP/2 parameters.
func (h *H2Config) Validate() error {
	if h.InitialWindowSize > maxWindowSize {
		return fmt.Errorf("h2.initial_window_size must not exceed %d", maxWindowSize)
	}
	if h.ConnectionWindowSize > maxWindowSize {
		return fmt.Errorf("h2.connection_window_size must not exceed %d", maxWindowSize)
	}
	if h.MaxFrameSize != 0 && (h.MaxFrameSize < minMaxFrameSize || h.MaxFrameSize > maxMaxFrameSize) {
		return fmt.Errorf("h2.max_frame_size must be between %d and %d", minMaxFrameSize, maxMaxFrameSize)
	}
	if h.PingInterval > 0 && h.PingTimeout <= 0 {
		return errors.New("h2.ping_timeout must be a positive duration when pings are enabled")
	}
	if h.ControlFrameRate < 0 || h.ControlFrameBurst < 0 {
		return errors.New("h2.control_frame_rate and h2.control_frame_burst must not be negative")
	}
	return nil
}
