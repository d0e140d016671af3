package customhttp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/sync/singleflight"

	"github.com/xkilldash9x/h2reactor/pkg/network"
)

const maxAcquireAttempts = 3

// connectionPool shares connections per scheme and authority. Concurrent
// requests for an authority with no spare capacity wait on a single dial.
type connectionPool struct {
	client *Client
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelCauseFunc

	mu     sync.Mutex
	conns  map[string][]*Connection
	closed bool

	dials singleflight.Group
}

func newConnectionPool(c *Client) *connectionPool {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &connectionPool{
		client: c,
		logger: c.logger.Named("pool"),
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[string][]*Connection),
	}
}

// acquireStream returns a new stream for req on a pooled connection, dialing
// one if needed. ctx bounds only this caller's wait; a shared dial keeps
// going for the other waiters.
func (p *connectionPool) acquireStream(ctx context.Context, req *Request) (*Stream, error) {
	authority := authorityOf(req.URL)
	key := req.URL.Scheme + "://" + authority

	for attempt := 0; attempt < maxAcquireAttempts; attempt++ {
		if s, err := p.pick(key, req); s != nil || err != nil {
			return s, err
		}

		ch := p.dials.DoChan(key, func() (interface{}, error) {
			return p.dial(req.URL.Scheme, authority, key)
		})
		select {
		case res := <-ch:
			if res.Err != nil {
				return nil, res.Err
			}
			if s := res.Val.(*Connection).tryNewStream(req); s != nil {
				return s, nil
			}
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		}
	}
	return nil, &ConnectError{Authority: authority, Err: errors.New("no stream capacity available")}
}

func (p *connectionPool) pick(key string, req *Request) (*Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	for _, c := range p.conns[key] {
		if s := c.tryNewStream(req); s != nil {
			return s, nil
		}
	}
	return nil, nil
}

func (p *connectionPool) dial(scheme, authority, key string) (*Connection, error) {
	ctx, cancel := context.WithTimeout(p.ctx, p.client.cfg.ConnectTimeout)
	defer cancel()

	nc, err := p.dialRaw(ctx, scheme, authority)
	if err != nil {
		if cause := context.Cause(p.ctx); cause != nil {
			return nil, cause
		}
		return nil, &ConnectError{Authority: authority, Err: err}
	}

	conn := newConnection(p.client, nc, key)
	p.client.connectionOpened()
	if err := conn.start(ctx); err != nil {
		if cause := context.Cause(p.ctx); cause != nil {
			return nil, cause
		}
		return nil, &ConnectError{Authority: authority, Err: err}
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		conn.close(http2.ErrCodeNo, ErrClosed)
		return nil, ErrClosed
	}
	p.conns[key] = append(p.conns[key], conn)
	p.mu.Unlock()

	p.logger.Debug("Connection established", zap.String("authority", key), zap.String("conn", conn.id))
	return conn, nil
}

func (p *connectionPool) dialRaw(ctx context.Context, scheme, authority string) (net.Conn, error) {
	cfg := p.client.cfg
	if cfg.DialContext != nil {
		return cfg.DialContext(ctx, "tcp", authority)
	}
	dialerConfig := cfg.DialerConfig.Clone()
	if scheme == "http" {
		// Cleartext HTTP/2 with prior knowledge.
		dialerConfig.TLSConfig = nil
	} else {
		host, _, err := net.SplitHostPort(authority)
		if err != nil {
			return nil, fmt.Errorf("invalid authority %q: %w", authority, err)
		}
		if dialerConfig.TLSConfig == nil {
			dialerConfig.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		dialerConfig.TLSConfig.ServerName = host
		dialerConfig.TLSConfig.InsecureSkipVerify = cfg.InsecureSkipVerify
	}
	return network.DialH2(ctx, authority, dialerConfig)
}

// remove drops c from the pool; it is not closed.
func (p *connectionPool) remove(c *Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	list := p.conns[c.key]
	for i, other := range list {
		if other == c {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(p.conns, c.key)
	} else {
		p.conns[c.key] = list
	}
}

// PurgeExpiredConnectionsAndReturnNextDeadline closes connections idle for
// longer than IdleConnTimeout and returns the wait until the next one
// expires, or zero.
func (p *connectionPool) PurgeExpiredConnectionsAndReturnNextDeadline() time.Duration {
	timeout := p.client.cfg.IdleConnTimeout
	if timeout <= 0 {
		return 0
	}
	now := time.Now()
	var expired []*Connection
	var next time.Duration

	p.mu.Lock()
	for _, list := range p.conns {
		for _, c := range list {
			since, idle := c.idleSince()
			if !idle {
				continue
			}
			left := since.Add(timeout).Sub(now)
			if left <= 0 {
				expired = append(expired, c)
				continue
			}
			if next == 0 || left < next {
				next = left
			}
		}
	}
	p.mu.Unlock()

	for _, c := range expired {
		p.logger.Debug("Closing idle connection", zap.String("conn", c.id))
		c.close(http2.ErrCodeNo, errIdleTimeout)
	}
	return next
}

// closeAll closes every connection and waits briefly for their I/O
// goroutines.
func (p *connectionPool) closeAll(cause error) {
	p.mu.Lock()
	p.closed = true
	var all []*Connection
	for _, list := range p.conns {
		all = append(all, list...)
	}
	p.conns = make(map[string][]*Connection)
	p.mu.Unlock()

	p.cancel(cause)
	for _, c := range all {
		c.close(http2.ErrCodeNo, cause)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*closeGrace)
	defer cancel()
	for _, c := range all {
		c.wait(ctx)
	}
}

func (p *connectionPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, list := range p.conns {
		n += len(list)
	}
	return n
}

// authorityOf returns host:port, filling in the scheme's default port.
func authorityOf(u *url.URL) string {
	host, port := u.Hostname(), u.Port()
	if port == "" {
		port = "443"
		if u.Scheme == "http" {
			port = "80"
		}
	}
	return net.JoinHostPort(host, port)
}
