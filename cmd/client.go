package cmd

import (
	"github.com/xkilldash9x/h2reactor/internal/config"
	"github.com/xkilldash9x/h2reactor/pkg/customhttp"
)

// newClientConfig translates the file form of the client settings into the
// library configuration.
func newClientConfig(c config.ClientConfig) *customhttp.ClientConfig {
	cc := customhttp.NewDefaultClientConfig()
	cc.RequestTimeout = c.RequestTimeout
	cc.ConnectTimeout = c.ConnectTimeout
	cc.IdleConnTimeout = c.IdleConnTimeout
	cc.NoDeadline = c.NoDeadline
	cc.InsecureSkipVerify = c.InsecureSkipVerify
	cc.MaxResponseBodyBytes = c.MaxResponseBodyBytes

	cc.DialerConfig.Timeout = c.Dialer.Timeout
	cc.DialerConfig.KeepAlive = c.Dialer.KeepAlive
	cc.DialerConfig.NoDelay = c.Dialer.NoDelay

	cc.H2Config = customhttp.H2Settings{
		InitialWindowSize:    c.H2.InitialWindowSize,
		ConnectionWindowSize: c.H2.ConnectionWindowSize,
		MaxFrameSize:         c.H2.MaxFrameSize,
		EnablePush:           c.H2.EnablePush,
		MaxConcurrentStreams: c.H2.MaxConcurrentStreams,
		PingInterval:         c.H2.PingInterval,
		PingTimeout:          c.H2.PingTimeout,
		ControlFrameRate:     c.H2.ControlFrameRate,
		ControlFrameBurst:    c.H2.ControlFrameBurst,
	}
	return cc
}
