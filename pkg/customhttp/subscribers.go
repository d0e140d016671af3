package customhttp

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"

	"github.com/xkilldash9x/h2reactor/pkg/network"
	"github.com/xkilldash9x/h2reactor/pkg/promise"
)

// demand is an outstanding request count that saturates at math.MaxInt64.
type demand struct {
	n atomic.Int64
}

func (d *demand) increase(n int64) {
	for {
		cur := d.n.Load()
		next := cur + n
		if next < cur {
			next = math.MaxInt64
		}
		if d.n.CompareAndSwap(cur, next) {
			return
		}
	}
}

func (d *demand) tryDecrement() bool {
	for {
		cur := d.n.Load()
		if cur <= 0 {
			return false
		}
		if d.n.CompareAndSwap(cur, cur-1) {
			return true
		}
	}
}

// subscriberWrapper forwards stream signals to a response body subscriber
// and guarantees a single terminal signal. It holds a subscriber reference
// on the client until that signal is delivered.
type subscriberWrapper struct {
	client   *Client
	sub      Subscriber
	terminal atomic.Bool
}

func newSubscriberWrapper(c *Client, sub Subscriber) *subscriberWrapper {
	c.subscriberReference()
	return &subscriberWrapper{client: c, sub: sub}
}

func (w *subscriberWrapper) OnSubscribe(s Subscription) { w.sub.OnSubscribe(s) }

func (w *subscriberWrapper) OnNext(chunk []byte) {
	if !w.terminal.Load() {
		w.sub.OnNext(chunk)
	}
}

func (w *subscriberWrapper) OnError(err error) {
	if w.terminal.CompareAndSwap(false, true) {
		w.sub.OnError(err)
		w.client.subscriberUnreference()
	}
}

func (w *subscriberWrapper) OnComplete() {
	if w.terminal.CompareAndSwap(false, true) {
		w.sub.OnComplete()
		w.client.subscriberUnreference()
	}
}

func (w *subscriberWrapper) onTrailers(h http.Header) {
	if tr, ok := w.sub.(TrailerReceiver); ok && !w.terminal.Load() {
		tr.OnTrailers(h)
	}
}

// bodyIgnorer is implemented by subscribers that never read the body; the
// stream is reset as soon as one is attached.
type bodyIgnorer interface {
	ignoresBody() bool
}

// -- Body handlers --

type bodyHandlers struct{}

// BodyHandlers builds the standard response body handlers.
var BodyHandlers bodyHandlers

// OfBytes buffers the body, failing once it exceeds MaxResponseBodyBytes.
func (h bodyHandlers) OfBytes() BodyHandler[[]byte] {
	return h.OfBytesLimited(MaxResponseBodyBytes)
}

// OfBytesLimited buffers the body, failing once it exceeds limit bytes. A
// limit of zero or less disables the check.
func (bodyHandlers) OfBytesLimited(limit int64) BodyHandler[[]byte] {
	return func(ResponseInfo) BodySubscriber[[]byte] {
		return newBufferingSubscriber(limit, func(b []byte) ([]byte, error) {
			out := make([]byte, len(b))
			copy(out, b)
			return out, nil
		})
	}
}

// OfString buffers the body as a string.
func (bodyHandlers) OfString() BodyHandler[string] {
	return func(ResponseInfo) BodySubscriber[string] {
		return newBufferingSubscriber(MaxResponseBodyBytes, func(b []byte) (string, error) {
			return string(b), nil
		})
	}
}

// OfDecompressedBytes buffers the body and removes its Content-Encoding
// layers.
func (bodyHandlers) OfDecompressedBytes() BodyHandler[[]byte] {
	return func(info ResponseInfo) BodySubscriber[[]byte] {
		return newBufferingSubscriber(MaxResponseBodyBytes, func(b []byte) ([]byte, error) {
			return network.DecompressBytes(info.Header, b)
		})
	}
}

// Discarding reads and drops the body.
func (bodyHandlers) Discarding() BodyHandler[struct{}] {
	return func(ResponseInfo) BodySubscriber[struct{}] {
		return &discardingSubscriber{result: promise.New[struct{}]()}
	}
}

// Ignoring completes as soon as the headers arrive and resets the stream
// instead of reading the body.
func (bodyHandlers) Ignoring() BodyHandler[struct{}] {
	return func(ResponseInfo) BodySubscriber[struct{}] {
		return &ignoringSubscriber{result: promise.New[struct{}]()}
	}
}

// OfReader exposes the body as a stream. The response completes once the
// headers arrive; the reader must be closed.
func (bodyHandlers) OfReader() BodyHandler[io.ReadCloser] {
	return func(ResponseInfo) BodySubscriber[io.ReadCloser] {
		r := &readerSubscriber{
			chunks: queue.New(),
			result: promise.New[io.ReadCloser](),
		}
		r.cond = sync.NewCond(&r.mu)
		return r
	}
}

type bufferingSubscriber[T any] struct {
	limit  int64
	finish func([]byte) (T, error)
	buf    bytes.Buffer
	sub    Subscription
	result *promise.Future[T]
}

func newBufferingSubscriber[T any](limit int64, finish func([]byte) (T, error)) *bufferingSubscriber[T] {
	return &bufferingSubscriber[T]{limit: limit, finish: finish, result: promise.New[T]()}
}

func (b *bufferingSubscriber[T]) OnSubscribe(s Subscription) {
	b.sub = s
	s.Request(math.MaxInt64)
}

func (b *bufferingSubscriber[T]) OnNext(chunk []byte) {
	if b.result.IsDone() {
		return
	}
	if b.limit > 0 && int64(b.buf.Len()+len(chunk)) > b.limit {
		b.result.Fail(fmt.Errorf("response body exceeded limit of %d bytes", b.limit))
		b.sub.Cancel()
		return
	}
	b.buf.Write(chunk)
}

func (b *bufferingSubscriber[T]) OnError(err error) { b.result.Fail(err) }

func (b *bufferingSubscriber[T]) OnComplete() {
	v, err := b.finish(b.buf.Bytes())
	if err != nil {
		b.result.Fail(err)
		return
	}
	b.result.Complete(v)
}

func (b *bufferingSubscriber[T]) Body() *promise.Future[T] { return b.result }

type discardingSubscriber struct {
	result *promise.Future[struct{}]
}

func (d *discardingSubscriber) OnSubscribe(s Subscription) { s.Request(math.MaxInt64) }
func (d *discardingSubscriber) OnNext([]byte)              {}
func (d *discardingSubscriber) OnError(err error)          { d.result.Fail(err) }
func (d *discardingSubscriber) OnComplete()                { d.result.Complete(struct{}{}) }

func (d *discardingSubscriber) Body() *promise.Future[struct{}] { return d.result }

type ignoringSubscriber struct {
	result *promise.Future[struct{}]
}

func (i *ignoringSubscriber) OnSubscribe(Subscription) { i.result.Complete(struct{}{}) }
func (i *ignoringSubscriber) OnNext([]byte)            {}
func (i *ignoringSubscriber) OnError(err error)        { i.result.Fail(err) }
func (i *ignoringSubscriber) OnComplete()              { i.result.Complete(struct{}{}) }
func (i *ignoringSubscriber) ignoresBody() bool        { return true }

func (i *ignoringSubscriber) Body() *promise.Future[struct{}] { return i.result }

// readerSubscriber buffers one requested chunk at a time and hands it to
// Read. OnNext never blocks.
type readerSubscriber struct {
	mu     sync.Mutex
	cond   *sync.Cond
	chunks *queue.Queue
	cur    []byte
	err    error
	done   bool
	closed bool

	sub    Subscription
	result *promise.Future[io.ReadCloser]
}

func (r *readerSubscriber) OnSubscribe(s Subscription) {
	r.mu.Lock()
	r.sub = s
	r.mu.Unlock()
	r.result.Complete(r)
	s.Request(1)
}

func (r *readerSubscriber) OnNext(chunk []byte) {
	r.mu.Lock()
	r.chunks.Add(chunk)
	r.mu.Unlock()
	r.cond.Broadcast()
}

func (r *readerSubscriber) OnError(err error) {
	r.mu.Lock()
	r.done = true
	r.err = err
	r.mu.Unlock()
	r.cond.Broadcast()
	r.result.Fail(err)
}

func (r *readerSubscriber) OnComplete() {
	r.mu.Lock()
	r.done = true
	r.mu.Unlock()
	r.cond.Broadcast()
}

func (r *readerSubscriber) Body() *promise.Future[io.ReadCloser] { return r.result }

func (r *readerSubscriber) Read(p []byte) (int, error) {
	r.mu.Lock()
	for {
		if r.closed {
			r.mu.Unlock()
			return 0, io.ErrClosedPipe
		}
		if len(r.cur) > 0 {
			n := copy(p, r.cur)
			r.cur = r.cur[n:]
			more := len(r.cur) == 0
			sub := r.sub
			r.mu.Unlock()
			if more {
				sub.Request(1)
			}
			return n, nil
		}
		if r.chunks.Length() > 0 {
			r.cur = r.chunks.Remove().([]byte)
			if len(r.cur) == 0 {
				sub := r.sub
				r.mu.Unlock()
				sub.Request(1)
				r.mu.Lock()
			}
			continue
		}
		if r.done {
			err := r.err
			r.mu.Unlock()
			if err == nil {
				err = io.EOF
			}
			return 0, err
		}
		r.cond.Wait()
	}
}

func (r *readerSubscriber) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	done := r.done
	sub := r.sub
	r.mu.Unlock()
	r.cond.Broadcast()
	if !done && sub != nil {
		sub.Cancel()
	}
	return nil
}
