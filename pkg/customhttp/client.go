package customhttp

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/h2reactor/internal/observability"
	"github.com/xkilldash9x/h2reactor/pkg/reactor"
)

// Client is an HTTP/2 client session. All connections, streams and timeouts
// of the session are driven by one reactor loop, which exits once the client
// has been shut down or released and no operation remains in flight.
type Client struct {
	cfg    *ClientConfig
	logger *zap.Logger

	loop     *reactor.Loop
	pool     *connectionPool
	pending  *pendingRegistry
	timeouts *timeoutRegistry

	// ops counts everything that keeps the loop alive; each category below
	// is also included in ops.
	ops         atomic.Int64
	exchanges   atomic.Int64
	streams     atomic.Int64
	subscribers atomic.Int64
	openConns   atomic.Int64

	shutdownRequested atomic.Bool
	released          atomic.Bool
	exchangeIDs       atomic.Int64

	stopOnce sync.Once
}

// Stats is a snapshot of the session's reference counters.
type Stats struct {
	Operations      int64
	Exchanges       int64
	Streams         int64
	Subscribers     int64
	OpenConnections int64
	PendingRequests int
	Timeouts        int
}

// NewClient creates a client and starts its reactor loop.
func NewClient(cfg *ClientConfig, logger *zap.Logger) (*Client, error) {
	if cfg == nil {
		cfg = NewDefaultClientConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid client configuration: %w", err)
	}
	if logger == nil {
		logger = observability.GetLogger()
	}

	c := &Client{
		cfg:      cfg.withDefaults(),
		logger:   logger.Named("h2client"),
		pending:  newPendingRegistry(),
		timeouts: newTimeoutRegistry(),
	}
	c.pool = newConnectionPool(c)

	opts := []reactor.Option{reactor.WithExpiryPurger(c.pool)}
	if c.cfg.NoDeadline > 0 {
		opts = append(opts, reactor.WithNoDeadline(c.cfg.NoDeadline))
	}
	c.loop = reactor.NewLoop(c, c.logger, opts...)
	c.loop.Start()
	return c, nil
}

// Do sends req and buffers the response body, bounded by
// MaxResponseBodyBytes.
func (c *Client) Do(ctx context.Context, req *Request) (*Response[[]byte], error) {
	return Send(ctx, c, req, BodyHandlers.OfBytesLimited(c.cfg.MaxResponseBodyBytes))
}

// Send sends req and waits for the response. Cancelling ctx cancels the
// request.
func Send[T any](ctx context.Context, c *Client, req *Request, handler BodyHandler[T]) (*Response[T], error) {
	f := SendAsync(ctx, c, req, handler)
	select {
	case <-f.Done():
		return f.Get(context.Background())
	case <-ctx.Done():
		f.Cancel()
		<-f.Done()
		return f.Get(context.Background())
	}
}

// SendAsync starts req and returns its future. Cancelling ctx cancels the
// request, as does a timeout from Request.Timeout or RequestTimeout.
func SendAsync[T any](ctx context.Context, c *Client, req *Request, handler BodyHandler[T]) *ResponseFuture[T] {
	ex := newExchange(c, req, handler)
	f := &ResponseFuture[T]{ex: ex}
	if err := req.validate(); err != nil {
		ex.result.Fail(err)
		return f
	}
	if handler == nil {
		ex.result.Fail(fmt.Errorf("nil body handler"))
		return f
	}

	c.reference()
	if c.shutdownRequested.Load() || c.loop.IsClosed() {
		c.unreference()
		ex.result.Fail(c.closedError())
		return f
	}

	dialCtx, cancelDial := context.WithCancelCause(context.Background())
	ex.cancelDial = cancelDial
	if d := ex.timeoutFor(); d > 0 {
		ex.timeout = c.loop.NewTimeout(d, func() {
			ex.cancel(&TimeoutError{After: d})
		})
		c.registerTimeout(ex.timeout)
	}
	if ctx != nil && ctx.Done() != nil {
		ex.stopCtx = context.AfterFunc(ctx, func() {
			ex.cancel(fmt.Errorf("%w: %w", ErrCancelled, context.Cause(ctx)))
		})
	}

	c.pending.add(&pendingRequest{id: ex.id, req: req, op: ex})
	ex.result.Then(func(*Response[T], error) { ex.finish() })
	go ex.run(dialCtx)
	return f
}

// Shutdown stops accepting new requests. In-flight requests complete; the
// loop exits once nothing remains.
func (c *Client) Shutdown() {
	if c.shutdownRequested.CompareAndSwap(false, true) {
		c.logger.Debug("Client shutdown requested")
		c.loop.Wakeup()
	}
}

// ShutdownNow fails every in-flight request and closes all connections.
func (c *Client) ShutdownNow() {
	c.shutdownRequested.Store(true)
	c.loop.Abort(ErrShutdownNow)
}

// Release marks the client as no longer referenced by its owner, which lets
// the loop exit once idle, like Shutdown but without rejecting new requests
// that are already racing it.
func (c *Client) Release() {
	if c.released.CompareAndSwap(false, true) {
		c.loop.Wakeup()
	}
}

// Close shuts the client down and waits for it to terminate.
func (c *Client) Close() error {
	c.Shutdown()
	<-c.loop.Done()
	return nil
}

// AwaitTermination blocks until the loop has exited or ctx is done.
func (c *Client) AwaitTermination(ctx context.Context) error {
	select {
	case <-c.loop.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsTerminated reports whether the loop has exited.
func (c *Client) IsTerminated() bool {
	select {
	case <-c.loop.Done():
		return true
	default:
		return false
	}
}

// Stats returns a snapshot of the session counters.
func (c *Client) Stats() Stats {
	return Stats{
		Operations:      c.ops.Load(),
		Exchanges:       c.exchanges.Load(),
		Streams:         c.streams.Load(),
		Subscribers:     c.subscribers.Load(),
		OpenConnections: c.openConns.Load(),
		PendingRequests: c.pending.size(),
		Timeouts:        c.timeouts.size(),
	}
}

// -- reactor.Owner --

// Finished reports whether the loop may exit: nothing is in flight and the
// client was shut down or released.
func (c *Client) Finished() bool {
	return c.ops.Load() == 0 && (c.shutdownRequested.Load() || c.released.Load())
}

// Stop closes every connection. The loop calls it once, after exiting.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		c.shutdownRequested.Store(true)
		c.pool.closeAll(c.closedError())
		c.timeouts.clear()
		c.logger.Debug("Client terminated")
	})
}

// PurgeTimeoutsAndReturnNextDeadline fires due timeouts.
func (c *Client) PurgeTimeoutsAndReturnNextDeadline() time.Duration {
	return c.timeouts.purge(time.Now())
}

// AbortPending fails every in-flight request with err.
func (c *Client) AbortPending(err error) {
	c.pending.abortAll(err)
}

// -- reference counting --

func (c *Client) reference() {
	c.exchanges.Add(1)
	c.ops.Add(1)
}

func (c *Client) unreference() {
	c.exchanges.Add(-1)
	c.opDone()
}

func (c *Client) streamReference() {
	c.streams.Add(1)
	c.ops.Add(1)
}

func (c *Client) streamUnreference() {
	c.streams.Add(-1)
	c.opDone()
}

func (c *Client) subscriberReference() {
	c.subscribers.Add(1)
	c.ops.Add(1)
}

func (c *Client) subscriberUnreference() {
	c.subscribers.Add(-1)
	c.opDone()
}

func (c *Client) connectionOpened() {
	c.openConns.Add(1)
}

func (c *Client) connectionClosed() {
	c.openConns.Add(-1)
}

func (c *Client) opDone() {
	if c.ops.Add(-1) == 0 && (c.shutdownRequested.Load() || c.released.Load()) {
		c.loop.Wakeup()
	}
}

func (c *Client) registerTimeout(te *reactor.TimeoutEvent) {
	c.timeouts.add(te)
	c.loop.Wakeup()
}

func (c *Client) nextExchangeID() int64 {
	return c.exchangeIDs.Add(1)
}

func (c *Client) closedError() error {
	return &reactor.ClosedError{Cause: c.loop.Err()}
}
