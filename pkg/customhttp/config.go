package customhttp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/net/http2"

	"github.com/xkilldash9x/h2reactor/pkg/flow"
	"github.com/xkilldash9x/h2reactor/pkg/network"
)

const (
	// MaxResponseBodyBytes is the default cap for buffering body handlers.
	MaxResponseBodyBytes = 32 * 1024 * 1024 // 32 MB

	// RFC 9113 defaults.
	DefaultH2InitialWindowSize = 65535
	DefaultH2MaxFrameSize      = 16384
	maxH2FrameSize             = 1<<24 - 1

	// Receive windows advertised to the peer.
	TargetH2ConnWindowSize   = 8 * 1024 * 1024 // 8 MB
	TargetH2StreamWindowSize = 4 * 1024 * 1024 // 4 MB
)

// H2Settings holds the HTTP/2 parameters of the client side of a connection.
type H2Settings struct {
	// Per-stream receive window advertised in SETTINGS_INITIAL_WINDOW_SIZE.
	InitialWindowSize uint32
	// Connection-level receive window, announced with a WINDOW_UPDATE.
	ConnectionWindowSize uint32
	// Largest frame payload this client accepts.
	MaxFrameSize uint32
	// Whether server push is enabled. Pushes are refused unless a
	// PushPromiseHandler is configured.
	EnablePush bool
	// Concurrent streams opened per connection before another is dialed.
	// The peer's SETTINGS_MAX_CONCURRENT_STREAMS lowers it further.
	MaxConcurrentStreams uint32
	// Interval between keepalive PINGs; zero disables them.
	PingInterval time.Duration
	// How long to wait for a PING acknowledgement before closing.
	PingTimeout time.Duration
	// Sustained rate and burst of inbound RST_STREAM and PING frames
	// tolerated before the connection is closed with ENHANCE_YOUR_CALM.
	ControlFrameRate  float64
	ControlFrameBurst int
}

// DefaultH2Settings returns the settings used when none are configured.
func DefaultH2Settings() H2Settings {
	return H2Settings{
		InitialWindowSize:    TargetH2StreamWindowSize,
		ConnectionWindowSize: TargetH2ConnWindowSize,
		MaxFrameSize:         DefaultH2MaxFrameSize,
		EnablePush:           false,
		MaxConcurrentStreams: 100,
		PingInterval:         30 * time.Second,
		PingTimeout:          5 * time.Second,
		ControlFrameRate:     100,
		ControlFrameBurst:    200,
	}
}

// ClientConfig configures a Client.
type ClientConfig struct {
	// Low-level configuration for establishing TCP and TLS connections.
	DialerConfig *network.DialerConfig

	// Optional custom dialer. When set it replaces DialerConfig entirely and
	// must return a connection that already speaks HTTP/2.
	DialContext func(ctx context.Context, network, addr string) (net.Conn, error)

	// Default timeout for a request when Request.Timeout is zero.
	RequestTimeout time.Duration

	// Bound on dial, TLS handshake and the SETTINGS exchange.
	ConnectTimeout time.Duration

	// How long a connection with no active streams stays pooled.
	IdleConnTimeout time.Duration

	// Upper bound on how long the reactor loop sleeps when nothing is
	// scheduled.
	NoDeadline time.Duration

	// Skips TLS certificate verification.
	InsecureSkipVerify bool

	// Cap applied by buffering body handlers.
	MaxResponseBodyBytes int64

	// HTTP/2 connection parameters.
	H2Config H2Settings

	// Push acceptance policy.
	PushPromiseHandler PushPromiseHandler
}

// NewDefaultClientConfig returns a configuration with sensible defaults.
func NewDefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		DialerConfig:         network.NewDialerConfig(),
		RequestTimeout:       30 * time.Second,
		ConnectTimeout:       10 * time.Second,
		IdleConnTimeout:      90 * time.Second,
		NoDeadline:           3 * time.Second,
		MaxResponseBodyBytes: MaxResponseBodyBytes,
		H2Config:             DefaultH2Settings(),
	}
}

// Validate checks the HTTP/2 parameters against protocol limits.
func (c *ClientConfig) Validate() error {
	h2 := c.H2Config
	if h2.InitialWindowSize > flow.MaxWindowSize {
		return fmt.Errorf("initial window size %d exceeds %d", h2.InitialWindowSize, flow.MaxWindowSize)
	}
	if h2.ConnectionWindowSize > flow.MaxWindowSize {
		return fmt.Errorf("connection window size %d exceeds %d", h2.ConnectionWindowSize, flow.MaxWindowSize)
	}
	if h2.MaxFrameSize != 0 && (h2.MaxFrameSize < DefaultH2MaxFrameSize || h2.MaxFrameSize > maxH2FrameSize) {
		return fmt.Errorf("max frame size %d outside [%d, %d]", h2.MaxFrameSize, DefaultH2MaxFrameSize, maxH2FrameSize)
	}
	if h2.PingInterval > 0 && h2.PingTimeout <= 0 {
		return errors.New("ping timeout must be positive when pings are enabled")
	}
	if c.MaxResponseBodyBytes < 0 {
		return errors.New("max response body bytes must not be negative")
	}
	return nil
}

// withDefaults fills zero values so the rest of the package never has to.
func (c *ClientConfig) withDefaults() *ClientConfig {
	out := *c
	def := DefaultH2Settings()
	if out.DialerConfig == nil {
		out.DialerConfig = network.NewDialerConfig()
	}
	if out.ConnectTimeout <= 0 {
		out.ConnectTimeout = 10 * time.Second
	}
	if out.MaxResponseBodyBytes == 0 {
		out.MaxResponseBodyBytes = MaxResponseBodyBytes
	}
	if out.H2Config.InitialWindowSize == 0 {
		out.H2Config.InitialWindowSize = def.InitialWindowSize
	}
	if out.H2Config.ConnectionWindowSize < DefaultH2InitialWindowSize {
		out.H2Config.ConnectionWindowSize = DefaultH2InitialWindowSize
	}
	if out.H2Config.MaxFrameSize == 0 {
		out.H2Config.MaxFrameSize = DefaultH2MaxFrameSize
	}
	if out.H2Config.MaxConcurrentStreams == 0 {
		out.H2Config.MaxConcurrentStreams = def.MaxConcurrentStreams
	}
	if out.H2Config.ControlFrameRate <= 0 {
		out.H2Config.ControlFrameRate = def.ControlFrameRate
	}
	if out.H2Config.ControlFrameBurst <= 0 {
		out.H2Config.ControlFrameBurst = def.ControlFrameBurst
	}
	return &out
}

// pushEnabled reports whether SETTINGS_ENABLE_PUSH is advertised as 1.
func (c *ClientConfig) pushEnabled() bool {
	return c.H2Config.EnablePush && c.PushPromiseHandler != nil
}

func (c *ClientConfig) initialSettings() []http2.Setting {
	push := uint32(0)
	if c.pushEnabled() {
		push = 1
	}
	return []http2.Setting{
		{ID: http2.SettingEnablePush, Val: push},
		{ID: http2.SettingInitialWindowSize, Val: c.H2Config.InitialWindowSize},
		{ID: http2.SettingMaxFrameSize, Val: c.H2Config.MaxFrameSize},
	}
}
