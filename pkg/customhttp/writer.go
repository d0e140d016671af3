package customhttp

import (
	"bufio"
	"net"
	"sync"
	"time"

	"github.com/eapache/queue"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
)

const writeTimeout = 15 * time.Second

// h2WriteRequest is an item for the connection's write loop. done, when set,
// is called once with the outcome of the write.
type h2WriteRequest interface {
	writeFrame(w *frameWriter) error
	handleError(err error)
}

type baseWriteRequest struct {
	done func(error)
}

func (b *baseWriteRequest) handleError(err error) {
	if b.done != nil {
		b.done(err)
		b.done = nil
	}
}

// frameWriter serializes all writes on one connection. Requests are queued
// without bound; each stream's flow-control credit and the connection's
// receive windows keep the queue short in practice.
type frameWriter struct {
	conn   net.Conn
	bw     *bufio.Writer
	framer *http2.Framer
	logger *zap.Logger

	mu      sync.Mutex
	q       *queue.Queue
	closed  bool
	err     error
	signal  chan struct{}
	stopped chan struct{}
}

func newFrameWriter(conn net.Conn, framer *http2.Framer, bw *bufio.Writer, logger *zap.Logger) *frameWriter {
	return &frameWriter{
		conn:    conn,
		bw:      bw,
		framer:  framer,
		logger:  logger,
		q:       queue.New(),
		signal:  make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
}

// enqueue adds reqs in order. If the writer is closed nothing is queued, the
// close cause is returned and no done callback runs.
func (w *frameWriter) enqueue(reqs ...h2WriteRequest) error {
	w.mu.Lock()
	if w.closed {
		err := w.err
		w.mu.Unlock()
		return err
	}
	for _, r := range reqs {
		w.q.Add(r)
	}
	w.mu.Unlock()

	select {
	case w.signal <- struct{}{}:
	default:
	}
	return nil
}

// close stops accepting requests. Already queued requests are still written,
// bounded by grace.
func (w *frameWriter) close(err error, grace time.Duration) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.err = err
	w.mu.Unlock()

	_ = w.conn.SetWriteDeadline(time.Now().Add(grace))
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

func (w *frameWriter) next() (h2WriteRequest, bool, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.q.Length() == 0 {
		return nil, false, w.closed
	}
	return w.q.Remove().(h2WriteRequest), true, w.closed
}

// run is the write loop. onError is called when a write fails; the socket
// is closed when the loop exits.
func (w *frameWriter) run(onError func(error)) {
	defer close(w.stopped)
	defer w.conn.Close()

	for range w.signal {
		for {
			req, ok, closed := w.next()
			if !ok {
				if err := w.bw.Flush(); err != nil {
					w.fail(err, onError)
					return
				}
				if closed {
					return
				}
				break
			}

			if !closed {
				_ = w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			}
			err := req.writeFrame(w)
			if err == nil && !w.pending() {
				err = w.bw.Flush()
			}
			if err != nil {
				req.handleError(err)
				w.fail(err, onError)
				return
			}
			req.handleError(nil)
		}
	}
}

func (w *frameWriter) pending() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.q.Length() > 0
}

func (w *frameWriter) fail(err error, onError func(error)) {
	w.logger.Debug("Error writing frame, closing connection", zap.Error(err))
	w.mu.Lock()
	w.closed = true
	if w.err == nil {
		w.err = err
	}
	var rest []h2WriteRequest
	for w.q.Length() > 0 {
		rest = append(rest, w.q.Remove().(h2WriteRequest))
	}
	w.mu.Unlock()

	for _, r := range rest {
		r.handleError(err)
	}
	if onError != nil {
		onError(err)
	}
}

// -- Write request implementations --

type writePreface struct {
	baseWriteRequest
}

func (p *writePreface) writeFrame(w *frameWriter) error {
	_, err := w.bw.WriteString(http2.ClientPreface)
	return err
}

type writeSettings struct {
	baseWriteRequest
	settings []http2.Setting
	isAck    bool
}

func (s *writeSettings) writeFrame(w *frameWriter) error {
	if s.isAck {
		return w.framer.WriteSettingsAck()
	}
	return w.framer.WriteSettings(s.settings...)
}

type writeWindowUpdate struct {
	baseWriteRequest
	streamID  uint32
	increment uint32
}

func (u *writeWindowUpdate) writeFrame(w *frameWriter) error {
	return w.framer.WriteWindowUpdate(u.streamID, u.increment)
}

type writePing struct {
	baseWriteRequest
	data [8]byte
	ack  bool
}

func (p *writePing) writeFrame(w *frameWriter) error {
	return w.framer.WritePing(p.ack, p.data)
}

type writeRSTStream struct {
	baseWriteRequest
	streamID uint32
	errCode  http2.ErrCode
}

func (r *writeRSTStream) writeFrame(w *frameWriter) error {
	return w.framer.WriteRSTStream(r.streamID, r.errCode)
}

type writeGoAway struct {
	baseWriteRequest
	maxStreamID uint32
	code        http2.ErrCode
	debugData   []byte
}

func (g *writeGoAway) writeFrame(w *frameWriter) error {
	return w.framer.WriteGoAway(g.maxStreamID, g.code, g.debugData)
}

type writeHeaders struct {
	baseWriteRequest
	streamID     uint32
	headerBlock  []byte
	endStream    bool
	maxFrameSize uint32
}

// writeFrame emits HEADERS followed by CONTINUATION frames when the block is
// larger than the peer's maximum frame size.
func (h *writeHeaders) writeFrame(w *frameWriter) error {
	block := h.headerBlock
	max := h.maxFrameSize
	if max == 0 {
		max = DefaultH2MaxFrameSize
	}

	first := block
	if uint32(len(first)) > max {
		first = block[:max]
	}
	block = block[len(first):]

	if err := w.framer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      h.streamID,
		BlockFragment: first,
		EndStream:     h.endStream,
		EndHeaders:    len(block) == 0,
	}); err != nil {
		return err
	}

	for len(block) > 0 {
		chunk := block
		if uint32(len(chunk)) > max {
			chunk = block[:max]
		}
		block = block[len(chunk):]
		if err := w.framer.WriteContinuation(h.streamID, len(block) == 0, chunk); err != nil {
			return err
		}
	}
	return nil
}

type writeData struct {
	baseWriteRequest
	streamID  uint32
	data      []byte
	endStream bool
}

func (d *writeData) writeFrame(w *frameWriter) error {
	return w.framer.WriteData(d.streamID, d.endStream, d.data)
}
