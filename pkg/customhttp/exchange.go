package customhttp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/h2reactor/pkg/promise"
	"github.com/xkilldash9x/h2reactor/pkg/reactor"
)

// exchange drives one request from connection acquisition to the converted
// response body. It runs on its own goroutine; every wait also watches the
// result future so an abort releases it immediately.
type exchange[T any] struct {
	client  *Client
	req     *Request
	handler BodyHandler[T]
	id      int64
	logger  *zap.Logger
	result  *promise.Future[*Response[T]]

	mu         sync.Mutex
	stream     *Stream
	timeout    *reactor.TimeoutEvent
	stopCtx    func() bool
	cancelDial context.CancelCauseFunc
}

func newExchange[T any](c *Client, req *Request, handler BodyHandler[T]) *exchange[T] {
	id := c.nextExchangeID()
	return &exchange[T]{
		client:  c,
		req:     req,
		handler: handler,
		id:      id,
		logger:  c.logger.With(zap.Int64("exchange", id)),
		result:  promise.New[*Response[T]](),
	}
}

func (ex *exchange[T]) abort(err error) {
	ex.cancel(err)
}

// cancel fails the exchange with err and tears down whatever it holds. It
// reports whether this call decided the outcome.
func (ex *exchange[T]) cancel(err error) bool {
	if !ex.result.Fail(err) {
		return false
	}
	ex.mu.Lock()
	st, cancelDial := ex.stream, ex.cancelDial
	ex.mu.Unlock()
	if cancelDial != nil {
		cancelDial(err)
	}
	if st != nil {
		st.cancelImpl(err)
	}
	return true
}

// attach records the stream carrying the request. It fails if the exchange
// was already cancelled, in which case the caller must cancel st.
func (ex *exchange[T]) attach(st *Stream) error {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	if err := ex.result.Err(); err != nil {
		return err
	}
	ex.stream = st
	return nil
}

// finish releases the exchange's session resources. It runs exactly once,
// when the result resolves.
func (ex *exchange[T]) finish() {
	ex.mu.Lock()
	te, stop, cancelDial := ex.timeout, ex.stopCtx, ex.cancelDial
	ex.mu.Unlock()
	ex.client.pending.remove(ex.id)
	ex.client.timeouts.remove(te)
	if stop != nil {
		stop()
	}
	if cancelDial != nil {
		cancelDial(context.Canceled)
	}
	ex.client.unreference()
}

func (ex *exchange[T]) run(ctx context.Context) {
	for attempt := 0; ; attempt++ {
		st, err := ex.client.pool.acquireStream(ctx, ex.req)
		if err != nil {
			ex.cancel(err)
			return
		}
		if err := ex.attach(st); err != nil {
			st.cancelImpl(err)
			return
		}
		err = st.sendRequest()
		if err == nil {
			ex.receive(st)
			return
		}
		st.cancelImpl(err)

		// A GOAWAY that raced the HEADERS means the request never left; try
		// once more on a fresh connection.
		var goAway *GoAwayError
		if attempt == 0 && errors.As(err, &goAway) && st.ID() == 0 {
			ex.logger.Debug("Retrying request after GOAWAY", zap.Error(err))
			continue
		}
		ex.cancel(err)
		return
	}
}

func (ex *exchange[T]) receive(st *Stream) {
	var info ResponseInfo
	for {
		f := st.ResponseAsync()
		select {
		case <-f.Done():
		case <-ex.result.Done():
			return
		}
		var err error
		info, _, err = f.Now()
		if err != nil {
			ex.cancel(err)
			return
		}
		if !info.IsInformational() {
			break
		}
		if ex.req.OnInformational != nil {
			ex.req.OnInformational(info)
		}
	}

	sub := ex.handler(info)
	if sub == nil {
		ex.cancel(fmt.Errorf("body handler returned no subscriber for status %d", info.StatusCode))
		return
	}
	st.setResponseSubscriber(sub)
	if ig, ok := sub.(bodyIgnorer); ok && ig.ignoresBody() {
		st.ignoreBody()
	}

	body := sub.Body()
	select {
	case <-body.Done():
	case <-ex.result.Done():
		return
	}
	v, _, err := body.Now()
	if err != nil {
		ex.cancel(err)
		return
	}
	ex.result.Complete(&Response[T]{
		ResponseInfo: info,
		Body:         v,
		Request:      ex.req,
		trailers:     st.trailers,
	})
}

// timeoutFor returns the effective request timeout, or zero for none.
func (ex *exchange[T]) timeoutFor() time.Duration {
	if ex.req.Timeout > 0 {
		return ex.req.Timeout
	}
	return ex.client.cfg.RequestTimeout
}
