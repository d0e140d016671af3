package customhttp

import (
	"net/http"
	"net/url"

	"github.com/xkilldash9x/h2reactor/pkg/promise"
)

// PushPromise is a request the server promised to answer on its own.
type PushPromise struct {
	Method string
	URL    string
	Header http.Header
	// Initiating is the client request the promise arrived on.
	Initiating *Request

	response *promise.Future[ResponseInfo]
}

// Response resolves with the pushed response headers, or fails if the push
// is rejected or reset.
func (p *PushPromise) Response() *promise.Future[ResponseInfo] {
	return p.response
}

// PushPromiseHandler decides whether to accept a push. It runs on the
// reactor loop and must not block. When accepting, consumer is called with
// the pushed response headers and returns the subscriber for its body; a nil
// consumer discards the body.
type PushPromiseHandler func(initiating *Request, push *PushPromise) (consumer func(ResponseInfo) Subscriber, accept bool)

// PushedResponse is delivered by AcceptAllPushes once a pushed body has been
// read.
type PushedResponse struct {
	Promise  *PushPromise
	Response *Response[[]byte]
	Err      error
}

// AcceptAllPushes accepts every push, buffers its body and hands the result
// to sink. sink is called from library goroutines and must not block.
func AcceptAllPushes(sink func(PushedResponse)) PushPromiseHandler {
	return func(_ *Request, push *PushPromise) (func(ResponseInfo) Subscriber, bool) {
		return func(info ResponseInfo) Subscriber {
			sub := BodyHandlers.OfBytes()(info)
			sub.Body().Then(func(body []byte, err error) {
				pr := PushedResponse{Promise: push, Err: err}
				if err == nil {
					pr.Response = &Response[[]byte]{ResponseInfo: info, Body: body, Request: pushRequest(push)}
				}
				sink(pr)
			})
			return sub
		}, true
	}
}

// pushRequest describes the promised request as a Request.
func pushRequest(push *PushPromise) *Request {
	u, err := url.Parse(push.URL)
	if err != nil {
		u = &url.URL{Path: push.URL}
	}
	return &Request{Method: push.Method, URL: u, Header: push.Header}
}

// newPushedStream opens the receive-only stream for an accepted push.
func newPushedStream(c *Connection, id uint32, pp *PushPromise, consumer func(ResponseInfo) Subscriber) (*Stream, error) {
	s := newStream(c, pushRequest(pp))
	s.pushed = &pushState{promise: pp, consumer: consumer}
	if err := c.attachPushed(s, id); err != nil {
		return nil, err
	}
	s.register(id)
	// The request half is closed by the promise itself.
	s.requestBodyFinished()
	return s, nil
}

type pushState struct {
	promise  *PushPromise
	consumer func(ResponseInfo) Subscriber
}

// onResponse attaches the consumer's subscriber once the pushed response
// headers arrive.
func (p *pushState) onResponse(s *Stream, info ResponseInfo) {
	p.promise.response.Complete(info)
	var sub Subscriber
	if p.consumer != nil {
		sub = p.consumer(info)
	}
	if sub == nil {
		sub = BodyHandlers.Discarding()(info)
	}
	s.setResponseSubscriber(sub)
}

func (p *pushState) fail(err error) {
	p.promise.response.Fail(err)
}
