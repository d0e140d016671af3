package customhttp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/xkilldash9x/h2reactor/pkg/flow"
	"github.com/xkilldash9x/h2reactor/pkg/promise"
	"github.com/xkilldash9x/h2reactor/pkg/reactor"
	"github.com/xkilldash9x/h2reactor/pkg/sched"
)

// bodyComplete marks the end of the request body in the outgoing queue.
type bodyComplete struct{}

// Stream is one request/response exchange on a Connection.
//
// Inbound frames are queued by the reactor loop and delivered to the response
// subscriber by a sequential scheduler as demand allows. The request body is
// pulled from its publisher one chunk at a time and written as flow-control
// credit permits. Once both halves are done the stream detaches from its
// connection.
type Stream struct {
	conn    *Connection
	client  *Client
	logger  *zap.Logger
	request *Request
	pushed  *pushState

	id          atomic.Uint32
	registered  atomic.Bool
	countedDown atomic.Bool
	detached    atomic.Bool

	errMu sync.Mutex
	cause error

	stateMu sync.Mutex
	closed  bool

	// sendLock guards the outbound frame state of the stream.
	sendLock      sync.Mutex
	resetSent     bool
	endStreamSent bool

	// Receive side.
	inMu                  sync.Mutex
	inputQ                *queue.Queue
	sched                 *sched.SequentialScheduler
	subMu                 sync.Mutex
	subscriber            *subscriberWrapper
	demand                demand
	endStreamSeen         atomic.Bool
	endStreamReceived     atomic.Bool
	finalResponseReceived atomic.Bool
	trailerHeader         http.Header
	recvWindow            *flow.ReceiveWindow

	respMu    sync.Mutex
	responses []*promise.Future[ResponseInfo]

	requestBodySent  *promise.Future[struct{}]
	responseBodyDone *promise.Future[struct{}]
	trailers         *promise.Future[http.Header]
	requestSent      atomic.Bool
	responseReceived atomic.Bool

	// Send side. sendHead and remaining belong to the send scheduler.
	contentLength int64
	outMu         sync.Mutex
	outgoing      *queue.Queue
	sendSched     *sched.SequentialScheduler
	upMu          sync.Mutex
	upstream      Subscription
	upCancelled   bool
	sendHead      []byte
	remaining     int64
}

func newStream(c *Connection, req *Request) *Stream {
	s := &Stream{
		conn:             c,
		client:           c.client,
		logger:           c.logger,
		request:          req,
		inputQ:           queue.New(),
		outgoing:         queue.New(),
		requestBodySent:  promise.New[struct{}](),
		responseBodyDone: promise.New[struct{}](),
		trailers:         promise.New[http.Header](),
		contentLength:    req.contentLength(),
	}
	s.remaining = s.contentLength
	s.sched = sched.NewSequentialScheduler(s.schedule)
	s.sendSched = sched.NewSequentialScheduler(s.trySend)
	return s
}

// ID returns the stream id, or 0 before the HEADERS frame was queued.
func (s *Stream) ID() uint32 { return s.id.Load() }

func (s *Stream) register(id uint32) {
	s.recvWindow = flow.NewReceiveWindow(id, int64(s.conn.cfg.H2Config.InitialWindowSize), s.conn.sendWindowUpdate)
	s.id.Store(id)
	s.registered.Store(true)
	s.client.streamReference()
}

func (s *Stream) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.cause == nil {
		s.cause = err
	}
}

func (s *Stream) err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.cause
}

func (s *Stream) isClosed() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.closed
}

// -- Request --

// sendRequest queues the request headers and subscribes to the body.
func (s *Stream) sendRequest() error {
	hasBody := s.contentLength != 0
	var done func(error)
	if !hasBody {
		done = s.endStreamWritten
	}
	if err := s.conn.sendHeaders(s, !hasBody, done); err != nil {
		return err
	}
	if hasBody {
		s.request.Body.Subscribe(&requestSubscriber{s: s})
	}
	return nil
}

// endStreamWritten is the write callback of the frame carrying END_STREAM.
func (s *Stream) endStreamWritten(err error) {
	if err != nil {
		s.cancelImpl(fmt.Errorf("%w: %w", ErrConnectionClosed, err))
		return
	}
	s.requestBodyFinished()
}

type requestSubscriber struct {
	s *Stream
}

func (r *requestSubscriber) OnSubscribe(sub Subscription) {
	s := r.s
	s.upMu.Lock()
	s.upstream = sub
	cancelled := s.upCancelled
	s.upMu.Unlock()
	if cancelled {
		sub.Cancel()
		return
	}
	sub.Request(1)
}

func (r *requestSubscriber) OnNext(chunk []byte) {
	r.s.outMu.Lock()
	r.s.outgoing.Add(chunk)
	r.s.outMu.Unlock()
	r.s.sendSched.RunOrSchedule()
}

func (r *requestSubscriber) OnError(err error) {
	r.s.setErr(fmt.Errorf("request body: %w", err))
	r.s.sendSched.RunOrSchedule()
}

func (r *requestSubscriber) OnComplete() {
	r.s.outMu.Lock()
	r.s.outgoing.Add(bodyComplete{})
	r.s.outMu.Unlock()
	r.s.sendSched.RunOrSchedule()
}

// SignalWindowUpdate resumes sending once credit is granted.
func (s *Stream) SignalWindowUpdate() {
	s.sendSched.RunOrSchedule()
}

// trySend moves queued body chunks into DATA frames while credit lasts.
func (s *Stream) trySend() {
	if err := s.err(); err != nil {
		s.cancelUpstream()
		s.drainOutgoing()
		s.requestBodySent.Fail(err)
		s.cancelImpl(err)
		return
	}
	if s.requestBodySent.IsDone() {
		s.cancelUpstream()
		s.drainOutgoing()
		return
	}

	for {
		if s.sendHead == nil {
			item, ok := s.popOutgoing()
			if !ok {
				return
			}
			if _, end := item.(bodyComplete); end {
				s.finishRequestBody()
				return
			}
			chunk := item.([]byte)
			if s.remaining >= 0 {
				if int64(len(chunk)) > s.remaining {
					s.contentLengthMismatch(fmt.Sprintf("request body exceeds declared content-length %d", s.contentLength))
					return
				}
				s.remaining -= int64(len(chunk))
			}
			if len(chunk) == 0 {
				s.requestUpstream()
				continue
			}
			s.sendHead = chunk
		}

		maxFrame := int(s.conn.maxFrameSize.Load())
		n := s.conn.sendWindow.TryAcquire(min(len(s.sendHead), maxFrame), s.ID(), s)
		if n == 0 {
			return
		}
		data := s.sendHead[:n]
		s.sendHead = s.sendHead[n:]
		if len(s.sendHead) == 0 {
			s.sendHead = nil
		}
		last := s.sendHead == nil && s.remaining == 0

		sent, err := s.sendDataFrame(data, last)
		if err != nil {
			s.cancelImpl(fmt.Errorf("%w: %w", ErrConnectionClosed, err))
			return
		}
		if !sent {
			return
		}
		if s.sendHead == nil {
			s.requestUpstream()
		}
	}
}

func (s *Stream) finishRequestBody() {
	if s.remaining > 0 {
		s.contentLengthMismatch(fmt.Sprintf("request body ended %d bytes short of declared content-length %d", s.remaining, s.contentLength))
		return
	}
	s.sendLock.Lock()
	ended := s.endStreamSent
	s.sendLock.Unlock()
	if ended {
		return
	}
	if _, err := s.sendDataFrame(nil, true); err != nil {
		s.cancelImpl(fmt.Errorf("%w: %w", ErrConnectionClosed, err))
	}
}

func (s *Stream) contentLengthMismatch(msg string) {
	s.cancelUpstream()
	s.cancelImpl(&ProtocolError{StreamID: s.ID(), Code: http2.ErrCodeProtocol, Msg: msg})
}

// sendDataFrame queues a DATA frame unless the stream was reset or already
// ended. It reports whether the frame was queued.
func (s *Stream) sendDataFrame(data []byte, endStream bool) (bool, error) {
	s.sendLock.Lock()
	defer s.sendLock.Unlock()
	if s.resetSent || s.endStreamSent {
		return false, nil
	}
	w := &writeData{streamID: s.ID(), data: data, endStream: endStream}
	if endStream {
		s.endStreamSent = true
		w.done = s.endStreamWritten
	}
	if err := s.conn.writer.enqueue(w); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Stream) sendReset(code http2.ErrCode) {
	s.sendLock.Lock()
	if s.resetSent {
		s.sendLock.Unlock()
		return
	}
	s.resetSent = true
	s.sendLock.Unlock()
	s.conn.resetStream(s.ID(), code)
}

func (s *Stream) popOutgoing() (interface{}, bool) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	if s.outgoing.Length() == 0 {
		return nil, false
	}
	return s.outgoing.Remove(), true
}

func (s *Stream) drainOutgoing() {
	s.outMu.Lock()
	for s.outgoing.Length() > 0 {
		s.outgoing.Remove()
	}
	s.outMu.Unlock()
	s.sendHead = nil
}

func (s *Stream) cancelUpstream() {
	s.upMu.Lock()
	if s.upCancelled {
		s.upMu.Unlock()
		return
	}
	s.upCancelled = true
	sub := s.upstream
	s.upMu.Unlock()
	if sub != nil {
		sub.Cancel()
	}
}

func (s *Stream) requestUpstream() {
	s.upMu.Lock()
	sub, cancelled := s.upstream, s.upCancelled
	s.upMu.Unlock()
	if sub != nil && !cancelled {
		sub.Request(1)
	}
}

// requestBodyFinished records that the request half is done.
func (s *Stream) requestBodyFinished() {
	s.requestBodySent.Complete(struct{}{})
	if s.requestSent.CompareAndSwap(false, true) && s.responseReceived.Load() {
		s.close()
	}
}

// peerStoppedSending handles RST_STREAM(NO_ERROR) while the request body is
// still going out: the peer has its answer and wants no more data.
func (s *Stream) peerStoppedSending() {
	s.sendLock.Lock()
	s.resetSent = true
	s.sendLock.Unlock()
	s.requestBodyFinished()
	s.sendSched.RunOrSchedule()
}

// -- Response --

// ResponseAsync returns the future for the next response header section.
// Informational responses resolve their own futures ahead of the final one.
func (s *Stream) ResponseAsync() *promise.Future[ResponseInfo] {
	s.respMu.Lock()
	defer s.respMu.Unlock()
	if len(s.responses) > 0 {
		f := s.responses[0]
		if f.IsDone() {
			s.responses = s.responses[1:]
		}
		return f
	}
	if err := s.err(); err != nil {
		return promise.Failed[ResponseInfo](err)
	}
	f := promise.New[ResponseInfo]()
	s.responses = append(s.responses, f)
	return f
}

func (s *Stream) completeResponse(info ResponseInfo) {
	s.respMu.Lock()
	defer s.respMu.Unlock()
	for i, f := range s.responses {
		if !f.IsDone() {
			s.responses = append(s.responses[:i], s.responses[i+1:]...)
			f.Complete(info)
			return
		}
	}
	s.responses = append(s.responses, promise.Completed(info))
}

func (s *Stream) completeResponseExceptionally(err error) {
	s.respMu.Lock()
	defer s.respMu.Unlock()
	for i, f := range s.responses {
		if !f.IsDone() {
			s.responses = append(s.responses[:i], s.responses[i+1:]...)
			f.Fail(err)
			return
		}
	}
	s.responses = append(s.responses, promise.Failed[ResponseInfo](err))
}

func (s *Stream) failCompletions(err error) {
	s.completeResponseExceptionally(err)
	s.requestBodySent.Fail(err)
	s.responseBodyDone.Fail(err)
	s.trailers.Fail(err)
	if s.pushed != nil {
		s.pushed.fail(err)
	}
}

// setResponseSubscriber attaches the body subscriber. A stream accepts a
// single subscriber.
func (s *Stream) setResponseSubscriber(sub Subscriber) {
	w := newSubscriberWrapper(s.client, sub)
	s.subMu.Lock()
	if s.subscriber != nil {
		s.subMu.Unlock()
		w.OnSubscribe(noopSubscription{})
		w.OnError(errors.New("response body already has a subscriber"))
		return
	}
	s.subscriber = w
	s.subMu.Unlock()

	w.OnSubscribe(&streamSubscription{s: s})
	s.scheduleReceive(context.Background())
}

func (s *Stream) currentSubscriber() *subscriberWrapper {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	return s.subscriber
}

// ignoreBody resets a stream whose body the caller does not want.
func (s *Stream) ignoreBody() {
	if !s.endStreamSeen.Load() {
		s.cancelImpl(errBodyIgnored)
	}
}

type streamSubscription struct {
	s *Stream
}

func (u *streamSubscription) Request(n int64) {
	if n <= 0 {
		u.s.cancelImpl(fmt.Errorf("non-positive subscription request: %d", n))
		return
	}
	u.s.demand.increase(n)
	u.s.scheduleReceive(context.Background())
}

func (u *streamSubscription) Cancel() {
	u.s.cancelImpl(fmt.Errorf("%w: response body subscription cancelled", ErrCancelled))
}

// -- Inbound frames, called on the reactor loop --

func (s *Stream) incoming(ctx context.Context, frame inboundFrame) {
	switch f := frame.(type) {
	case *headersFrame:
		s.incomingHeaders(ctx, f)
	case *dataFrame:
		s.incomingData(ctx, f)
	case *resetFrame:
		s.incomingReset(ctx, f.code)
	case *windowUpdateFrame:
		if f.increment == 0 {
			s.cancelImpl(&ProtocolError{StreamID: f.id, Code: http2.ErrCodeProtocol, Msg: "zero window increment"})
			return
		}
		if s.pushed != nil {
			return
		}
		if err := s.conn.sendWindow.IncreaseStreamWindow(int(f.increment), f.id); err != nil {
			s.cancelImpl(&ProtocolError{StreamID: f.id, Code: http2.ErrCodeFlowControl, Msg: err.Error()})
		}
	case *priorityFrame:
	}
}

func (s *Stream) incomingHeaders(ctx context.Context, f *headersFrame) {
	if s.err() != nil || s.isClosed() {
		return
	}
	if s.endStreamSeen.Load() {
		s.cancelImpl(&ProtocolError{StreamID: f.id, Code: http2.ErrCodeStreamClosed, Msg: "HEADERS after END_STREAM"})
		return
	}

	if !s.finalResponseReceived.Load() {
		info, err := decodeResponseHeaders(f.id, f.fields)
		if err != nil {
			s.cancelImpl(err)
			return
		}
		if info.IsInformational() {
			if f.endStream || info.StatusCode == http.StatusSwitchingProtocols {
				s.cancelImpl(&ProtocolError{StreamID: f.id, Code: http2.ErrCodeProtocol, Msg: fmt.Sprintf("invalid informational response %d", info.StatusCode)})
				return
			}
			s.completeResponse(info)
			return
		}
		s.finalResponseReceived.Store(true)
		if s.pushed != nil {
			s.pushed.onResponse(s, info)
		} else {
			s.completeResponse(info)
		}
	} else {
		if !f.endStream {
			s.cancelImpl(&ProtocolError{StreamID: f.id, Code: http2.ErrCodeProtocol, Msg: "trailers without END_STREAM"})
			return
		}
		trailers, err := decodeTrailers(f.id, f.fields)
		if err != nil {
			s.cancelImpl(err)
			return
		}
		s.trailerHeader = trailers
	}

	if f.endStream {
		s.endStreamSeen.Store(true)
		s.enqueueInput(ctx, &dataFrame{id: f.id, endStream: true})
	}
}

func (s *Stream) incomingData(ctx context.Context, f *dataFrame) {
	if s.err() != nil || s.isClosed() {
		s.conn.recvWindow.Release(f.flowLen)
		return
	}
	if !s.finalResponseReceived.Load() {
		s.conn.recvWindow.Release(f.flowLen)
		s.cancelImpl(&ProtocolError{StreamID: f.id, Code: http2.ErrCodeProtocol, Msg: "DATA before response headers"})
		return
	}
	if s.endStreamSeen.Load() {
		s.conn.recvWindow.Release(f.flowLen)
		s.cancelImpl(&ProtocolError{StreamID: f.id, Code: http2.ErrCodeStreamClosed, Msg: "DATA after END_STREAM"})
		return
	}
	if f.endStream {
		s.endStreamSeen.Store(true)
	}
	s.enqueueInput(ctx, f)
}

// incomingReset handles RST_STREAM from the peer. A reset that arrives behind
// queued data is delivered in order, after that data.
func (s *Stream) incomingReset(ctx context.Context, code http2.ErrCode) {
	if s.endStreamReceived.Load() && s.requestBodySent.IsDone() {
		return
	}
	if s.isClosed() {
		return
	}
	if !s.requestBodySent.IsDone() {
		if code == http2.ErrCodeNo {
			s.peerStoppedSending()
		} else {
			s.requestBodySent.Fail(&StreamResetError{StreamID: s.ID(), Code: code})
		}
	}
	if s.endStreamReceived.Load() {
		if code != http2.ErrCodeNo {
			s.handleReset(code)
		}
		return
	}
	if (!s.finalResponseReceived.Load() || s.currentSubscriber() == nil) && !s.endStreamSeen.Load() {
		s.handleReset(code)
		return
	}
	s.enqueueInput(ctx, &resetFrame{id: s.ID(), code: code})
}

// handleReset closes the stream after a peer reset. No RST_STREAM is sent.
func (s *Stream) handleReset(code http2.ErrCode) {
	s.stateMu.Lock()
	if s.closed {
		s.stateMu.Unlock()
		return
	}
	s.closed = true
	s.stateMu.Unlock()

	s.setErr(&StreamResetError{StreamID: s.ID(), Code: code})
	s.sendLock.Lock()
	s.resetSent = true
	s.sendLock.Unlock()

	s.failCompletions(s.err())
	s.sched.RunOrSchedule()
	s.sendSched.RunOrSchedule()
	s.closeStream()
}

func (s *Stream) enqueueInput(ctx context.Context, f inboundFrame) {
	s.inMu.Lock()
	s.inputQ.Add(f)
	s.inMu.Unlock()
	s.scheduleReceive(ctx)
}

// scheduleReceive runs the receive pass inline when ctx belongs to the loop
// goroutine and hands it to the loop otherwise. A closed loop runs it inline.
func (s *Stream) scheduleReceive(ctx context.Context) {
	s.sched.RunOrScheduleOn(func(run func()) {
		s.client.loop.UpdateInterest(ctx, reactor.Trigger(
			func(context.Context) { run() },
			func(error) { run() },
		))
	})
}

func (s *Stream) peekInput() (inboundFrame, bool) {
	s.inMu.Lock()
	defer s.inMu.Unlock()
	if s.inputQ.Length() == 0 {
		return nil, false
	}
	return s.inputQ.Peek().(inboundFrame), true
}

func (s *Stream) popInput() {
	s.inMu.Lock()
	s.inputQ.Remove()
	s.inMu.Unlock()
}

// drainInput discards queued frames, returning their connection credit.
func (s *Stream) drainInput() {
	s.inMu.Lock()
	var credit int
	for s.inputQ.Length() > 0 {
		if df, ok := s.inputQ.Remove().(*dataFrame); ok {
			credit += df.flowLen
		}
	}
	s.inMu.Unlock()
	s.conn.recvWindow.Release(credit)
}

// schedule delivers queued frames to the subscriber. It runs under the
// stream's sequential scheduler.
func (s *Stream) schedule() {
	sub := s.currentSubscriber()
	if sub == nil {
		if s.err() != nil {
			s.drainInput()
		}
		return
	}

	for s.err() == nil {
		frame, ok := s.peekInput()
		if !ok {
			return
		}
		switch f := frame.(type) {
		case *resetFrame:
			s.popInput()
			if s.endStreamReceived.Load() && f.code == http2.ErrCodeNo {
				s.peerStoppedSending()
				continue
			}
			s.handleReset(f.code)
		case *dataFrame:
			if f.endStream && len(f.data) == 0 {
				s.popInput()
				s.conn.recvWindow.Release(f.flowLen)
				s.endOfBody(sub)
				continue
			}
			if !s.demand.tryDecrement() {
				return
			}
			s.popInput()
			sub.OnNext(f.data)
			s.conn.recvWindow.Release(f.flowLen)
			if f.endStream {
				s.endOfBody(sub)
				continue
			}
			s.recvWindow.Release(f.flowLen)
		}
	}

	err := s.err()
	s.sched.Stop()
	sub.OnError(err)
	s.cancelImpl(err)
	s.drainInput()
}

func (s *Stream) endOfBody(sub *subscriberWrapper) {
	s.decrementStreamsCount()
	if s.trailerHeader != nil {
		sub.onTrailers(s.trailerHeader)
	}
	sub.OnComplete()
	s.endStreamReceived.Store(true)
	s.responseBodyDone.Complete(struct{}{})
	s.trailers.Complete(s.trailerHeader)
	if s.responseReceived.CompareAndSwap(false, true) && s.requestSent.Load() {
		s.close()
	}
}

// -- Closing --

// cancelImpl fails the stream with cause. A RST_STREAM is sent unless the
// stream never went out or the peer already considers it closed.
func (s *Stream) cancelImpl(cause error) {
	s.stateMu.Lock()
	if s.closed {
		s.stateMu.Unlock()
		return
	}
	s.closed = true
	s.setErr(cause)
	s.stateMu.Unlock()

	err := s.err()
	s.failCompletions(err)
	s.sched.RunOrSchedule()
	s.sendSched.RunOrSchedule()

	// Taking sendLock orders this read after any in-flight id assignment.
	s.conn.sendLock.Lock()
	id := s.ID()
	s.conn.sendLock.Unlock()
	if id != 0 && !peerClosed(err) {
		s.logger.Debug("Resetting stream", zap.Uint32("stream_id", id), zap.Error(err))
		s.sendReset(errorCode(err))
	}
	s.closeStream()
}

// close is the normal end of a stream, after both halves completed.
func (s *Stream) close() {
	s.stateMu.Lock()
	if s.closed {
		s.stateMu.Unlock()
		return
	}
	s.closed = true
	s.stateMu.Unlock()
	s.closeStream()
}

func (s *Stream) decrementStreamsCount() {
	if s.registered.Load() && s.countedDown.CompareAndSwap(false, true) {
		s.client.streamUnreference()
	}
}

func (s *Stream) closeStream() {
	s.decrementStreamsCount()
	if s.detached.CompareAndSwap(false, true) {
		s.conn.streamDetached(s)
	}
}
