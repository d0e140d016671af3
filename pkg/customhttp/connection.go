package customhttp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/h2reactor/pkg/flow"
	"github.com/xkilldash9x/h2reactor/pkg/promise"
	"github.com/xkilldash9x/h2reactor/pkg/reactor"
)

const (
	defaultDynamicTableSize = 4096
	// closeGrace bounds how long queued frames (GOAWAY, RST_STREAM) may take
	// to drain once a connection is shutting down.
	closeGrace = 250 * time.Millisecond
)

var errIdleTimeout = errors.New("connection idle timeout")

// Connection is one multiplexed HTTP/2 connection. A reader goroutine decodes
// frames and hands them to the reactor loop, which owns all inbound frame
// processing; a writer goroutine serializes outbound frames.
type Connection struct {
	client *Client
	cfg    *ClientConfig
	logger *zap.Logger

	id   string
	key  string
	conn net.Conn

	framer *http2.Framer
	writer *frameWriter
	// hdec is used by the reader goroutine only.
	hdec *hpack.Decoder

	channel *reactor.Channel
	inMu    sync.Mutex
	inbound *queue.Queue

	// sendLock orders stream id assignment with HEADERS emission and guards
	// the HPACK encoder.
	sendLock     sync.Mutex
	henc         *hpack.Encoder
	hbuf         bytes.Buffer
	nextStreamID uint32

	sendWindow   *flow.WindowController
	recvWindow   *flow.ReceiveWindow
	maxFrameSize atomic.Uint32

	mu                sync.Mutex
	streams           map[uint32]*Stream
	attached          map[*Stream]struct{}
	clientActive      int
	peerMaxConcurrent uint32
	lastPeerStreamID  uint32
	lastUsed          time.Time
	closed            bool
	closeErr          error
	goAway            *GoAwayError
	pingSeq           uint64
	pingTimer         *reactor.TimeoutEvent
	pingsOutstanding  map[uint64]*reactor.TimeoutEvent

	settingsReceived *promise.Future[struct{}]
	controlLimiter   *rate.Limiter

	closeOnce  sync.Once
	readerDone chan struct{}
}

func newConnection(client *Client, nc net.Conn, key string) *Connection {
	cfg := client.cfg
	tag := uuid.NewString()[:8]

	bw := bufio.NewWriterSize(nc, 32*1024)
	framer := http2.NewFramer(bw, nc)
	hdec := hpack.NewDecoder(defaultDynamicTableSize, nil)
	framer.ReadMetaHeaders = hdec
	framer.SetMaxReadFrameSize(cfg.H2Config.MaxFrameSize)

	c := &Connection{
		client:            client,
		cfg:               cfg,
		logger:            client.logger.Named("h2conn").With(zap.String("conn", tag), zap.String("authority", key)),
		id:                tag,
		key:               key,
		conn:              nc,
		framer:            framer,
		hdec:              hdec,
		inbound:           queue.New(),
		nextStreamID:      1,
		sendWindow:        flow.NewWindowController(DefaultH2InitialWindowSize, DefaultH2InitialWindowSize),
		streams:           make(map[uint32]*Stream),
		attached:          make(map[*Stream]struct{}),
		peerMaxConcurrent: cfg.H2Config.MaxConcurrentStreams,
		lastUsed:          time.Now(),
		pingsOutstanding:  make(map[uint64]*reactor.TimeoutEvent),
		settingsReceived:  promise.New[struct{}](),
		controlLimiter:    rate.NewLimiter(rate.Limit(cfg.H2Config.ControlFrameRate), cfg.H2Config.ControlFrameBurst),
		readerDone:        make(chan struct{}),
	}
	c.henc = hpack.NewEncoder(&c.hbuf)
	c.maxFrameSize.Store(DefaultH2MaxFrameSize)
	c.recvWindow = flow.NewReceiveWindow(0, int64(cfg.H2Config.ConnectionWindowSize), c.sendWindowUpdate)
	c.writer = newFrameWriter(nc, framer, bw, c.logger)
	c.channel = client.loop.NewChannel("h2:" + key + "#" + tag)
	return c
}

// start sends the connection preface and waits for the peer's first
// SETTINGS frame.
func (c *Connection) start(ctx context.Context) error {
	go c.writer.run(c.onWriteError)
	go c.readLoop()

	reqs := []h2WriteRequest{
		&writePreface{},
		&writeSettings{settings: c.cfg.initialSettings()},
	}
	if extra := c.cfg.H2Config.ConnectionWindowSize - DefaultH2InitialWindowSize; extra > 0 {
		reqs = append(reqs, &writeWindowUpdate{streamID: 0, increment: extra})
	}
	if err := c.writer.enqueue(reqs...); err != nil {
		c.shutdown(err)
		return err
	}

	c.client.loop.Register(&reactor.FuncEvent{
		Chan:    c.channel,
		Ops:     reactor.OpRead,
		Repeat:  true,
		OnReady: c.onReadable,
		OnAbort: c.loopClosed,
	})

	if _, err := c.settingsReceived.Get(ctx); err != nil {
		if cause := context.Cause(ctx); cause != nil {
			err = cause
		}
		c.shutdown(fmt.Errorf("waiting for server SETTINGS: %w", err))
		return err
	}

	c.schedulePing()
	c.logger.Debug("H2 connection established and initialized")
	return nil
}

// -- Reader goroutine --

func (c *Connection) readLoop() {
	defer close(c.readerDone)

	var push *pushPromiseFrame
	for {
		frame, err := c.framer.ReadFrame()
		if err != nil {
			var se http2.StreamError
			if errors.As(err, &se) {
				c.deliver(&streamErrorFrame{id: se.StreamID, code: se.Code, cause: err})
				continue
			}
			c.deliver(&readErrorFrame{err: err})
			return
		}

		in, err := c.convert(frame, &push)
		if err != nil {
			c.deliver(&readErrorFrame{err: err})
			return
		}
		if in != nil {
			c.deliver(in)
		}
	}
}

// convert copies frame into an owned inboundFrame. PUSH_PROMISE header
// blocks are decoded here since the framer only assembles HEADERS.
func (c *Connection) convert(frame http2.Frame, push **pushPromiseFrame) (inboundFrame, error) {
	if *push != nil {
		cf, ok := frame.(*http2.ContinuationFrame)
		if !ok || cf.StreamID != (*push).id {
			return nil, http2.ConnectionError(http2.ErrCodeProtocol)
		}
		return c.decodePushFragment(push, cf.HeaderBlockFragment(), cf.HeadersEnded())
	}

	switch f := frame.(type) {
	case *http2.MetaHeadersFrame:
		return &headersFrame{id: f.StreamID, fields: f.Fields, endStream: f.StreamEnded()}, nil
	case *http2.DataFrame:
		data := make([]byte, len(f.Data()))
		copy(data, f.Data())
		return &dataFrame{id: f.StreamID, data: data, endStream: f.StreamEnded(), flowLen: int(f.Length)}, nil
	case *http2.RSTStreamFrame:
		return &resetFrame{id: f.StreamID, code: f.ErrCode}, nil
	case *http2.WindowUpdateFrame:
		return &windowUpdateFrame{id: f.StreamID, increment: f.Increment}, nil
	case *http2.PriorityFrame:
		return &priorityFrame{id: f.StreamID}, nil
	case *http2.SettingsFrame:
		sf := &settingsFrame{ack: f.IsAck()}
		_ = f.ForeachSetting(func(s http2.Setting) error {
			sf.settings = append(sf.settings, s)
			return nil
		})
		return sf, nil
	case *http2.PingFrame:
		return &pingFrame{ack: f.IsAck(), data: f.Data}, nil
	case *http2.GoAwayFrame:
		return &goAwayFrame{lastStreamID: f.LastStreamID, code: f.ErrCode, debugData: string(f.DebugData())}, nil
	case *http2.PushPromiseFrame:
		*push = &pushPromiseFrame{id: f.StreamID, promisedID: f.PromiseID}
		return c.decodePushFragment(push, f.HeaderBlockFragment(), f.HeadersEnded())
	case *http2.ContinuationFrame:
		return nil, http2.ConnectionError(http2.ErrCodeProtocol)
	default:
		// Unknown frame types are ignored (RFC 9113 5.5).
		return nil, nil
	}
}

func (c *Connection) decodePushFragment(push **pushPromiseFrame, fragment []byte, ended bool) (inboundFrame, error) {
	pp := *push
	c.hdec.SetEmitFunc(func(hf hpack.HeaderField) {
		pp.fields = append(pp.fields, hf)
	})
	if _, err := c.hdec.Write(fragment); err != nil {
		return nil, http2.ConnectionError(http2.ErrCodeCompression)
	}
	if !ended {
		return nil, nil
	}
	*push = nil
	if err := c.hdec.Close(); err != nil {
		return nil, http2.ConnectionError(http2.ErrCodeCompression)
	}
	return pp, nil
}

func (c *Connection) deliver(f inboundFrame) {
	c.inMu.Lock()
	c.inbound.Add(f)
	c.inMu.Unlock()
	c.channel.SetReady(reactor.OpRead)
}

// -- Loop side --

func (c *Connection) onReadable(ctx context.Context) {
	for {
		c.inMu.Lock()
		if c.inbound.Length() == 0 {
			c.inMu.Unlock()
			return
		}
		f := c.inbound.Remove().(inboundFrame)
		c.inMu.Unlock()

		if err := c.processFrame(ctx, f); err != nil {
			c.fatal(err)
			return
		}
	}
}

func (c *Connection) processFrame(ctx context.Context, frame inboundFrame) error {
	switch f := frame.(type) {
	case *readErrorFrame:
		return c.readError(f.err)
	case *settingsFrame:
		return c.processSettings(f)
	case *pingFrame:
		return c.processPing(f)
	case *goAwayFrame:
		c.processGoAway(f)
		return nil
	case *dataFrame:
		return c.processData(ctx, f)
	case *pushPromiseFrame:
		return c.processPushPromise(f)
	case *streamErrorFrame:
		if s := c.stream(f.id); s != nil {
			s.cancelImpl(&ProtocolError{StreamID: f.id, Code: f.code, Msg: f.cause.Error()})
		} else {
			c.resetStream(f.id, f.code)
		}
		return nil
	case *resetFrame:
		if f.id == 0 {
			return &ConnectionError{Code: http2.ErrCodeProtocol, Msg: "RST_STREAM on stream 0"}
		}
		if !c.controlLimiter.Allow() {
			return &ConnectionError{Code: http2.ErrCodeEnhanceYourCalm, Msg: "RST_STREAM flood"}
		}
	case *windowUpdateFrame:
		if f.id == 0 {
			if f.increment == 0 {
				return &ConnectionError{Code: http2.ErrCodeProtocol, Msg: "zero connection window increment"}
			}
			if err := c.sendWindow.IncreaseConnectionWindow(int(f.increment)); err != nil {
				return &ConnectionError{Code: http2.ErrCodeFlowControl, Msg: err.Error()}
			}
			return nil
		}
	case *headersFrame, *priorityFrame:
	}

	id := frame.streamID()
	if id == 0 {
		return &ConnectionError{Code: http2.ErrCodeProtocol, Msg: fmt.Sprintf("%T on stream 0", frame)}
	}
	s := c.stream(id)
	if s == nil {
		// Frames racing a local reset or stream completion are dropped.
		return nil
	}
	s.incoming(ctx, frame)
	return nil
}

func (c *Connection) processData(ctx context.Context, f *dataFrame) error {
	if err := c.recvWindow.Consume(f.flowLen); err != nil {
		return &ConnectionError{Code: http2.ErrCodeFlowControl, Msg: err.Error()}
	}
	s := c.stream(f.id)
	if s == nil {
		c.recvWindow.Release(f.flowLen)
		return nil
	}
	if err := s.recvWindow.Consume(f.flowLen); err != nil {
		c.recvWindow.Release(f.flowLen)
		s.cancelImpl(&ProtocolError{StreamID: f.id, Code: http2.ErrCodeFlowControl, Msg: err.Error()})
		return nil
	}
	if pad := f.flowLen - len(f.data); pad > 0 {
		c.recvWindow.Release(pad)
		s.recvWindow.Release(pad)
		f.flowLen = len(f.data)
	}
	s.incoming(ctx, f)
	return nil
}

func (c *Connection) processSettings(f *settingsFrame) error {
	if f.ack {
		return nil
	}
	for _, s := range f.settings {
		switch s.ID {
		case http2.SettingInitialWindowSize:
			if s.Val > flow.MaxWindowSize {
				return &ConnectionError{Code: http2.ErrCodeFlowControl, Msg: "initial window size too large"}
			}
			if err := c.sendWindow.UpdateInitialStreamWindow(int64(s.Val)); err != nil {
				return &ConnectionError{Code: http2.ErrCodeFlowControl, Msg: err.Error()}
			}
		case http2.SettingMaxFrameSize:
			if s.Val < DefaultH2MaxFrameSize || s.Val > maxH2FrameSize {
				return &ConnectionError{Code: http2.ErrCodeProtocol, Msg: fmt.Sprintf("invalid max frame size %d", s.Val)}
			}
			c.maxFrameSize.Store(s.Val)
		case http2.SettingHeaderTableSize:
			c.sendLock.Lock()
			c.henc.SetMaxDynamicTableSize(s.Val)
			c.sendLock.Unlock()
		case http2.SettingMaxConcurrentStreams:
			c.mu.Lock()
			c.peerMaxConcurrent = s.Val
			c.mu.Unlock()
		case http2.SettingEnablePush:
			if s.Val > 1 {
				return &ConnectionError{Code: http2.ErrCodeProtocol, Msg: "invalid ENABLE_PUSH value"}
			}
		}
	}
	if err := c.writer.enqueue(&writeSettings{isAck: true}); err != nil {
		return err
	}
	c.settingsReceived.Complete(struct{}{})
	return nil
}

func (c *Connection) processPing(f *pingFrame) error {
	if f.ack {
		seq := binary.BigEndian.Uint64(f.data[:])
		c.mu.Lock()
		te, ok := c.pingsOutstanding[seq]
		delete(c.pingsOutstanding, seq)
		c.mu.Unlock()
		if ok {
			c.client.timeouts.remove(te)
			c.schedulePing()
		}
		return nil
	}
	if !c.controlLimiter.Allow() {
		return &ConnectionError{Code: http2.ErrCodeEnhanceYourCalm, Msg: "PING flood"}
	}
	return c.writer.enqueue(&writePing{data: f.data, ack: true})
}

// processGoAway fails the streams the peer will not process and closes the
// connection once the remaining ones finish.
func (c *Connection) processGoAway(f *goAwayFrame) {
	ga := &GoAwayError{LastStreamID: f.lastStreamID, Code: f.code, DebugData: f.debugData}
	c.logger.Info("Received GOAWAY from server",
		zap.Uint32("last_stream_id", f.lastStreamID),
		zap.Stringer("code", f.code))

	c.mu.Lock()
	c.goAway = ga
	var refused []*Stream
	for id, s := range c.streams {
		if id%2 == 1 && id > f.lastStreamID {
			refused = append(refused, s)
		}
	}
	idle := len(c.attached) == 0
	c.mu.Unlock()

	c.client.pool.remove(c)
	for _, s := range refused {
		s.cancelImpl(ga)
	}
	if idle {
		c.shutdown(ga)
	}
}

func (c *Connection) processPushPromise(f *pushPromiseFrame) error {
	if !c.cfg.pushEnabled() {
		return &ConnectionError{Code: http2.ErrCodeProtocol, Msg: "PUSH_PROMISE with push disabled"}
	}
	c.mu.Lock()
	if f.promisedID%2 != 0 || f.promisedID <= c.lastPeerStreamID {
		c.mu.Unlock()
		return &ConnectionError{Code: http2.ErrCodeProtocol, Msg: fmt.Sprintf("invalid promised stream id %d", f.promisedID)}
	}
	c.lastPeerStreamID = f.promisedID
	c.mu.Unlock()

	pp, err := decodePushRequest(f.promisedID, f.fields)
	if err != nil {
		c.logger.Debug("Refusing malformed push promise", zap.Error(err))
		c.resetStream(f.promisedID, http2.ErrCodeProtocol)
		return nil
	}
	parent := c.stream(f.id)
	if parent == nil || parent.pushed != nil {
		c.resetStream(f.promisedID, http2.ErrCodeRefusedStream)
		return nil
	}
	pp.Initiating = parent.request
	pp.response = promise.New[ResponseInfo]()

	consumer, accept := c.cfg.PushPromiseHandler(parent.request, pp)
	if !accept {
		pp.response.Fail(fmt.Errorf("%w: push promise rejected", ErrCancelled))
		c.resetStream(f.promisedID, http2.ErrCodeCancel)
		return nil
	}
	if _, err := newPushedStream(c, f.promisedID, pp, consumer); err != nil {
		pp.response.Fail(err)
		c.resetStream(f.promisedID, http2.ErrCodeRefusedStream)
	}
	return nil
}

func (c *Connection) readError(err error) error {
	var ce http2.ConnectionError
	switch {
	case errors.Is(err, io.EOF):
		c.shutdown(fmt.Errorf("%w: %w", ErrConnectionClosed, io.EOF))
		return nil
	case errors.As(err, &ce):
		return &ConnectionError{Code: http2.ErrCode(ce), Msg: err.Error()}
	default:
		c.shutdown(fmt.Errorf("%w: frame read error: %w", ErrConnectionClosed, err))
		return nil
	}
}

// fatal closes the connection after a connection-level error, telling the
// peer why.
func (c *Connection) fatal(err error) {
	c.logger.Error("Error processing frame, closing connection", zap.Error(err))
	c.mu.Lock()
	last := c.lastPeerStreamID
	c.mu.Unlock()
	_ = c.writer.enqueue(&writeGoAway{maxStreamID: last, code: errorCode(err), debugData: []byte(err.Error())})
	c.shutdown(err)
}

func (c *Connection) onWriteError(err error) {
	c.shutdown(fmt.Errorf("%w: frame write error: %w", ErrConnectionClosed, err))
}

// -- Keepalive --

func (c *Connection) schedulePing() {
	interval := c.cfg.H2Config.PingInterval
	if interval <= 0 {
		return
	}
	te := c.client.loop.NewTimeout(interval, c.sendKeepalive)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.pingTimer = te
	c.mu.Unlock()
	c.client.registerTimeout(te)
}

func (c *Connection) sendKeepalive() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.pingSeq++
	seq := c.pingSeq
	timeout := c.cfg.H2Config.PingTimeout
	te := c.client.loop.NewTimeout(timeout, func() {
		c.logger.Warn("PING acknowledgement timed out, closing connection")
		c.shutdown(fmt.Errorf("%w: no PING acknowledgement within %s", ErrConnectionClosed, timeout))
	})
	c.pingsOutstanding[seq] = te
	c.pingTimer = nil
	c.mu.Unlock()

	var data [8]byte
	binary.BigEndian.PutUint64(data[:], seq)
	c.client.registerTimeout(te)
	if err := c.writer.enqueue(&writePing{data: data}); err != nil {
		c.shutdown(err)
	}
}

// -- Streams --

func (c *Connection) stream(id uint32) *Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streams[id]
}

// tryNewStream attaches a new client stream for req if the connection has
// spare capacity.
func (c *Connection) tryNewStream(req *Request) *Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.goAway != nil {
		return nil
	}
	limit := min(c.cfg.H2Config.MaxConcurrentStreams, c.peerMaxConcurrent)
	if uint32(c.clientActive) >= limit {
		return nil
	}
	s := newStream(c, req)
	c.attached[s] = struct{}{}
	c.clientActive++
	c.lastUsed = time.Now()
	return s
}

// attachPushed registers a peer-initiated stream.
func (c *Connection) attachPushed(s *Stream, id uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return c.closedErrLocked()
	}
	c.attached[s] = struct{}{}
	c.streams[id] = s
	return nil
}

// sendHeaders assigns the stream its id and queues its HEADERS. Ids are
// handed out under sendLock so HEADERS leave in increasing id order.
func (c *Connection) sendHeaders(s *Stream, endStream bool, done func(error)) error {
	c.sendLock.Lock()
	defer c.sendLock.Unlock()

	if err := s.err(); err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		err := c.closedErrLocked()
		c.mu.Unlock()
		return err
	}
	if c.goAway != nil {
		ga := *c.goAway
		c.mu.Unlock()
		return &ga
	}
	if c.nextStreamID > 1<<31-1 {
		c.mu.Unlock()
		return &GoAwayError{LastStreamID: c.nextStreamID - 2, Code: http2.ErrCodeNo, DebugData: "stream ids exhausted"}
	}
	id := c.nextStreamID
	c.nextStreamID += 2
	c.mu.Unlock()

	s.register(id)
	c.sendWindow.RegisterStream(id)
	c.mu.Lock()
	c.streams[id] = s
	c.mu.Unlock()

	block := encodeRequestHeaders(c.henc, &c.hbuf, s.request, s.contentLength)
	return c.writer.enqueue(&writeHeaders{
		baseWriteRequest: baseWriteRequest{done: done},
		streamID:         id,
		headerBlock:      block,
		endStream:        endStream,
		maxFrameSize:     c.maxFrameSize.Load(),
	})
}

func (c *Connection) resetStream(id uint32, code http2.ErrCode) {
	_ = c.writer.enqueue(&writeRSTStream{streamID: id, errCode: code})
}

func (c *Connection) sendWindowUpdate(id uint32, increment uint32) {
	_ = c.writer.enqueue(&writeWindowUpdate{streamID: id, increment: increment})
}

// streamDetached forgets a finished stream.
func (c *Connection) streamDetached(s *Stream) {
	id := s.ID()
	c.mu.Lock()
	if _, ok := c.attached[s]; !ok {
		c.mu.Unlock()
		return
	}
	delete(c.attached, s)
	if id != 0 && c.streams[id] == s {
		delete(c.streams, id)
	}
	if s.pushed == nil {
		c.clientActive--
	}
	c.lastUsed = time.Now()
	drained := c.goAway != nil && len(c.attached) == 0
	ga := c.goAway
	c.mu.Unlock()

	if id != 0 {
		c.sendWindow.RemoveStream(id)
	}
	if drained {
		c.shutdown(ga)
	}
}

// idleSince reports when the connection last had a stream, if it has none now.
func (c *Connection) idleSince() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || len(c.attached) > 0 {
		return time.Time{}, false
	}
	return c.lastUsed, true
}

func (c *Connection) closedErrLocked() error {
	if c.closeErr != nil {
		return fmt.Errorf("%w: %w", ErrConnectionClosed, c.closeErr)
	}
	return ErrConnectionClosed
}

// -- Shutdown --

// close sends GOAWAY with code and shuts the connection down.
func (c *Connection) close(code http2.ErrCode, err error) {
	c.mu.Lock()
	last := c.lastPeerStreamID
	c.mu.Unlock()
	_ = c.writer.enqueue(&writeGoAway{maxStreamID: last, code: code})
	c.shutdown(err)
}

// loopClosed handles the read event being aborted. A closed loop still owes
// the peer a GOAWAY.
func (c *Connection) loopClosed(err error) {
	var closed *reactor.ClosedError
	if errors.As(err, &closed) {
		c.close(http2.ErrCodeNo, err)
		return
	}
	c.shutdown(err)
}

// shutdown tears the connection down once. Every stream still attached fails
// with a cause that marks the connection as gone, so no RST_STREAM is sent.
func (c *Connection) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.closeErr = err
		streams := make([]*Stream, 0, len(c.attached))
		for s := range c.attached {
			streams = append(streams, s)
		}
		timers := make([]*reactor.TimeoutEvent, 0, len(c.pingsOutstanding)+1)
		for _, te := range c.pingsOutstanding {
			timers = append(timers, te)
		}
		if c.pingTimer != nil {
			timers = append(timers, c.pingTimer)
		}
		c.mu.Unlock()

		c.logger.Debug("Closing H2 connection", zap.Error(err), zap.Int("streams", len(streams)))
		c.settingsReceived.Fail(err)
		for _, te := range timers {
			c.client.timeouts.remove(te)
		}
		c.writer.close(err, closeGrace)
		c.channel.Close()

		cause := err
		if !peerClosed(err) {
			cause = fmt.Errorf("%w: %w", ErrConnectionClosed, err)
		}
		for _, s := range streams {
			s.cancelImpl(cause)
		}
		c.client.pool.remove(c)
		c.client.connectionClosed()
	})
}

// wait blocks until both I/O goroutines have exited or ctx is done.
func (c *Connection) wait(ctx context.Context) {
	select {
	case <-c.readerDone:
	case <-ctx.Done():
		return
	}
	select {
	case <-c.writer.stopped:
	case <-ctx.Done():
	}
}

// isClosed reports whether shutdown has run.
func (c *Connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
