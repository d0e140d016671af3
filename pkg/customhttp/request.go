package customhttp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/xkilldash9x/h2reactor/pkg/promise"
)

// Subscription is the demand channel between a producer and a Subscriber.
type Subscription interface {
	// Request asks for up to n more OnNext signals.
	Request(n int64)
	// Cancel stops the flow. Signals already in flight may still arrive.
	Cancel()
}

// Subscriber consumes a flow of byte chunks. Signals are delivered serially:
// OnSubscribe first, then OnNext at most as often as requested, then at most
// one of OnError or OnComplete.
type Subscriber interface {
	OnSubscribe(s Subscription)
	OnNext(chunk []byte)
	OnError(err error)
	OnComplete()
}

// BodySubscriber is a Subscriber that converts the response body into a T.
type BodySubscriber[T any] interface {
	Subscriber
	Body() *promise.Future[T]
}

// TrailerReceiver is implemented by subscribers that want the trailer section.
// OnTrailers is called before OnComplete.
type TrailerReceiver interface {
	OnTrailers(trailers http.Header)
}

// BodyHandler picks the BodySubscriber for a response once its headers are
// known.
type BodyHandler[T any] func(info ResponseInfo) BodySubscriber[T]

// BodyPublisher produces a request body.
type BodyPublisher interface {
	// ContentLength returns the body size, or -1 when unknown.
	ContentLength() int64
	Subscribe(s Subscriber)
}

// Request is an HTTP/2 request.
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
	// Body is nil for requests without a body.
	Body BodyPublisher
	// Timeout overrides ClientConfig.RequestTimeout when positive.
	Timeout time.Duration
	// OnInformational receives each 1xx response, in order.
	OnInformational func(info ResponseInfo)
}

// NewRequest builds a request for rawURL.
func NewRequest(method, rawURL string, body BodyPublisher) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid request URL: %w", err)
	}
	req := &Request{
		Method: strings.ToUpper(method),
		URL:    u,
		Header: make(http.Header),
		Body:   body,
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	return req, nil
}

func (r *Request) validate() error {
	if r == nil {
		return errors.New("nil request")
	}
	if r.Method == "" {
		return errors.New("request method is empty")
	}
	if r.URL == nil || r.URL.Host == "" {
		return errors.New("request URL must be absolute")
	}
	if r.URL.Scheme != "https" && r.URL.Scheme != "http" {
		return fmt.Errorf("unsupported scheme %q", r.URL.Scheme)
	}
	if r.Header == nil {
		r.Header = make(http.Header)
	}
	return nil
}

// contentLength returns 0 for no body and -1 for a body of unknown size.
func (r *Request) contentLength() int64 {
	if r.Body == nil {
		return 0
	}
	return r.Body.ContentLength()
}

// Response is a completed response with a body converted to T.
type Response[T any] struct {
	ResponseInfo
	Body    T
	Request *Request

	trailers *promise.Future[http.Header]
}

// Trailers resolves once the stream ends, with the trailer section or nil
// when the peer sent none. It is nil for responses delivered by
// AcceptAllPushes.
func (r *Response[T]) Trailers() *promise.Future[http.Header] {
	return r.trailers
}

// ResponseFuture is the pending result of SendAsync.
type ResponseFuture[T any] struct {
	ex *exchange[T]
}

// Get waits for the response. Cancelling ctx stops the wait only; use Cancel
// to abandon the request.
func (f *ResponseFuture[T]) Get(ctx context.Context) (*Response[T], error) {
	return f.ex.result.Get(ctx)
}

// Done is closed once the response or its failure is available.
func (f *ResponseFuture[T]) Done() <-chan struct{} {
	return f.ex.result.Done()
}

// Cancel abandons the request. The stream is reset if its headers were
// already sent. It reports whether the cancellation took effect.
func (f *ResponseFuture[T]) Cancel() bool {
	return f.ex.cancel(fmt.Errorf("%w by caller", ErrCancelled))
}
