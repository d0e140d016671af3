// pkg/network/dialer.go
package network

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"
)

// ProtoH2 is the ALPN identifier for HTTP/2 over TLS.
const ProtoH2 = "h2"

// ErrALPNMismatch is returned when the server does not select HTTP/2 during
// the TLS handshake.
var ErrALPNMismatch = errors.New("server did not negotiate h2")

// DialerConfig holds configuration for the low-level dialer.
type DialerConfig struct {
	Timeout   time.Duration
	KeepAlive time.Duration
	TLSConfig *tls.Config
	NoDelay   bool
}

// NewDialerConfig creates a default configuration for dialing HTTP/2 origins.
func NewDialerConfig() *DialerConfig {
	return &DialerConfig{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
		TLSConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
			CurvePreferences: []tls.CurveID{
				tls.X25519,
				tls.CurveP256,
			},
			// RFC 9113 9.2.2 forbids the TLS 1.2 suites outside this set.
			CipherSuites: []uint16{
				tls.TLS_AES_256_GCM_SHA384,
				tls.TLS_CHACHA20_POLY1305_SHA256,
				tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
				tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
				tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
				tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
			},
			NextProtos: []string{ProtoH2},
		},
		NoDelay: true,
	}
}

// Clone returns a deep copy of the configuration.
func (c *DialerConfig) Clone() *DialerConfig {
	if c == nil {
		return nil
	}
	clone := *c
	if c.TLSConfig != nil {
		clone.TLSConfig = c.TLSConfig.Clone()
	}
	return &clone
}

// DialContext opens a TCP connection and, when config carries a TLS
// configuration, performs the client handshake.
func DialContext(ctx context.Context, network, address string, config *DialerConfig) (net.Conn, error) {
	if config == nil {
		config = NewDialerConfig()
	}

	dialer := &net.Dialer{
		Timeout:   config.Timeout,
		KeepAlive: config.KeepAlive,
		// Happy Eyeballs (RFC 8305).
		FallbackDelay: 300 * time.Millisecond,
	}

	rawConn, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("tcp dial failed: %w", err)
	}

	if tcpConn, ok := rawConn.(*net.TCPConn); ok {
		if err := configureTCP(tcpConn, config); err != nil {
			tcpConn.Close()
			return nil, err
		}
	}

	if config.TLSConfig != nil {
		return wrapTLS(ctx, rawConn, address, config)
	}
	return rawConn, nil
}

// DialH2 dials address and verifies that the peer selected h2 via ALPN. When
// config has no TLS configuration the connection is returned as is, for
// cleartext prior-knowledge HTTP/2.
func DialH2(ctx context.Context, address string, config *DialerConfig) (net.Conn, error) {
	config = config.Clone()
	if config == nil {
		config = NewDialerConfig()
	}
	if config.TLSConfig != nil {
		config.TLSConfig.NextProtos = []string{ProtoH2}
	}

	conn, err := DialContext(ctx, "tcp", address, config)
	if err != nil {
		return nil, err
	}

	if tlsConn, ok := conn.(*tls.Conn); ok {
		if proto := tlsConn.ConnectionState().NegotiatedProtocol; proto != ProtoH2 {
			conn.Close()
			return nil, fmt.Errorf("%w (ALPN: %q)", ErrALPNMismatch, proto)
		}
	}
	return conn, nil
}

func configureTCP(conn *net.TCPConn, config *DialerConfig) error {
	if err := conn.SetKeepAlive(true); err != nil {
		return fmt.Errorf("failed to enable TCP keep-alive: %w", err)
	}
	if config.KeepAlive > 0 {
		if err := conn.SetKeepAlivePeriod(config.KeepAlive); err != nil {
			return fmt.Errorf("failed to set keep-alive period: %w", err)
		}
	}
	if config.NoDelay {
		if err := conn.SetNoDelay(true); err != nil {
			return fmt.Errorf("failed to set TCP NoDelay: %w", err)
		}
	}
	return nil
}

func wrapTLS(ctx context.Context, conn net.Conn, address string, config *DialerConfig) (net.Conn, error) {
	tlsConfig := config.TLSConfig.Clone()

	// SNI
	if tlsConfig.ServerName == "" {
		host, _, err := net.SplitHostPort(address)
		if err != nil {
			host = address
		}
		tlsConfig.ServerName = host
	}

	tlsConn := tls.Client(conn, tlsConfig)

	handshakeCtx := ctx
	if config.Timeout > 0 {
		var cancel context.CancelFunc
		handshakeCtx, cancel = context.WithTimeout(ctx, config.Timeout)
		defer cancel()
	}

	if err := tlsConn.HandshakeContext(handshakeCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("tls handshake failed: %w", err)
	}
	return tlsConn, nil
}
