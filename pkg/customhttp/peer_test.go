package customhttp

import (
	"bytes"
	"context"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

const frameWait = 5 * time.Second

// peerFrame is an owned copy of a frame read by the test peer.
type peerFrame struct {
	Type         http2.FrameType
	StreamID     uint32
	EndStream    bool
	Data         []byte
	Fields       []hpack.HeaderField
	Code         http2.ErrCode
	Increment    uint32
	LastStreamID uint32
	Settings     []http2.Setting
}

func (f peerFrame) field(name string) string {
	for _, hf := range f.Fields {
		if hf.Name == name {
			return hf.Value
		}
	}
	return ""
}

// testPeer is a scripted HTTP/2 server on one end of a net.Pipe. It answers
// SETTINGS and (optionally) PING on its own; everything else is scripted by
// the test.
type testPeer struct {
	t        *testing.T
	conn     net.Conn
	framer   *http2.Framer
	settings []http2.Setting
	ackPings bool

	wmu  sync.Mutex
	hbuf bytes.Buffer
	henc *hpack.Encoder

	frames chan peerFrame
	done   chan struct{}
}

func newTestPeer(t *testing.T, conn net.Conn, settings []http2.Setting, ackPings bool) *testPeer {
	p := &testPeer{
		t:        t,
		conn:     conn,
		framer:   http2.NewFramer(conn, conn),
		settings: settings,
		ackPings: ackPings,
		frames:   make(chan peerFrame, 1024),
		done:     make(chan struct{}),
	}
	p.framer.ReadMetaHeaders = hpack.NewDecoder(4096, nil)
	p.henc = hpack.NewEncoder(&p.hbuf)
	return p
}

func (p *testPeer) serve() {
	defer close(p.done)
	defer close(p.frames)

	preface := make([]byte, len(http2.ClientPreface))
	if _, err := io.ReadFull(p.conn, preface); err != nil || string(preface) != http2.ClientPreface {
		return
	}
	p.write(func(fr *http2.Framer) error { return fr.WriteSettings(p.settings...) })

	for {
		frame, err := p.framer.ReadFrame()
		if err != nil {
			return
		}
		pf := peerFrame{Type: frame.Header().Type, StreamID: frame.Header().StreamID}
		switch f := frame.(type) {
		case *http2.SettingsFrame:
			if f.IsAck() {
				continue
			}
			_ = f.ForeachSetting(func(s http2.Setting) error {
				pf.Settings = append(pf.Settings, s)
				return nil
			})
			p.write(func(fr *http2.Framer) error { return fr.WriteSettingsAck() })
		case *http2.PingFrame:
			if f.IsAck() {
				continue
			}
			if p.ackPings {
				data := f.Data
				p.write(func(fr *http2.Framer) error { return fr.WritePing(true, data) })
			}
		case *http2.MetaHeadersFrame:
			pf.Fields = f.Fields
			pf.EndStream = f.StreamEnded()
		case *http2.DataFrame:
			pf.Data = append([]byte(nil), f.Data()...)
			pf.EndStream = f.StreamEnded()
		case *http2.RSTStreamFrame:
			pf.Code = f.ErrCode
		case *http2.WindowUpdateFrame:
			pf.Increment = f.Increment
		case *http2.GoAwayFrame:
			pf.Code = f.ErrCode
			pf.LastStreamID = f.LastStreamID
		}
		p.frames <- pf
	}
}

func (p *testPeer) write(fn func(fr *http2.Framer) error) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	return fn(p.framer)
}

func (p *testPeer) mustWrite(fn func(fr *http2.Framer) error) {
	p.t.Helper()
	require.NoError(p.t, p.write(fn))
}

// expect returns the next frame of type typ. SETTINGS, PING and WINDOW_UPDATE
// frames are skipped unless asked for; any other frame fails the test.
func (p *testPeer) expect(typ http2.FrameType) peerFrame {
	p.t.Helper()
	timeout := time.After(frameWait)
	for {
		select {
		case f, ok := <-p.frames:
			require.True(p.t, ok, "connection closed while waiting for %v", typ)
			if f.Type == typ {
				return f
			}
			switch f.Type {
			case http2.FrameSettings, http2.FramePing, http2.FrameWindowUpdate:
				continue
			}
			require.FailNowf(p.t, "unexpected frame", "want %v, got %v on stream %d", typ, f.Type, f.StreamID)
		case <-timeout:
			require.FailNowf(p.t, "timed out", "no %v frame within %s", typ, frameWait)
		}
	}
}

// expectNone fails if a frame of type typ arrives within d.
func (p *testPeer) expectNone(typ http2.FrameType, d time.Duration) {
	p.t.Helper()
	timeout := time.After(d)
	for {
		select {
		case f, ok := <-p.frames:
			if !ok {
				return
			}
			require.NotEqual(p.t, typ, f.Type, "unexpected %v frame on stream %d", f.Type, f.StreamID)
		case <-timeout:
			return
		}
	}
}

func (p *testPeer) headers(id uint32, endStream bool, kv ...string) {
	p.t.Helper()
	p.mustWrite(func(fr *http2.Framer) error {
		return fr.WriteHeaders(http2.HeadersFrameParam{
			StreamID:      id,
			BlockFragment: p.encode(kv...),
			EndStream:     endStream,
			EndHeaders:    true,
		})
	})
}

func (p *testPeer) respond(id uint32, status int, endStream bool, kv ...string) {
	p.t.Helper()
	p.headers(id, endStream, append([]string{":status", strconv.Itoa(status)}, kv...)...)
}

func (p *testPeer) data(id uint32, endStream bool, body string) {
	p.t.Helper()
	p.mustWrite(func(fr *http2.Framer) error { return fr.WriteData(id, endStream, []byte(body)) })
}

func (p *testPeer) reset(id uint32, code http2.ErrCode) {
	p.t.Helper()
	p.mustWrite(func(fr *http2.Framer) error { return fr.WriteRSTStream(id, code) })
}

func (p *testPeer) windowUpdate(id, increment uint32) {
	p.t.Helper()
	p.mustWrite(func(fr *http2.Framer) error { return fr.WriteWindowUpdate(id, increment) })
}

func (p *testPeer) goAway(last uint32, code http2.ErrCode) {
	p.t.Helper()
	p.mustWrite(func(fr *http2.Framer) error { return fr.WriteGoAway(last, code, nil) })
}

func (p *testPeer) pushPromise(id, promised uint32, kv ...string) {
	p.t.Helper()
	p.mustWrite(func(fr *http2.Framer) error {
		return fr.WritePushPromise(http2.PushPromiseParam{
			StreamID:      id,
			PromiseID:     promised,
			BlockFragment: p.encode(kv...),
			EndHeaders:    true,
		})
	})
}

// encode must be called with wmu held.
func (p *testPeer) encode(kv ...string) []byte {
	p.hbuf.Reset()
	for i := 0; i+1 < len(kv); i += 2 {
		_ = p.henc.WriteField(hpack.HeaderField{Name: kv[i], Value: kv[i+1]})
	}
	return append([]byte(nil), p.hbuf.Bytes()...)
}

// -- Harness --

type testHarness struct {
	t      *testing.T
	client *Client
	peers  chan *testPeer

	peerSettings []http2.Setting
	ackPings     bool
	dialHook     func(ctx context.Context, addr string) error

	mu  sync.Mutex
	all []*testPeer
}

type harnessOption func(h *testHarness, cfg *ClientConfig)

func withConfig(fn func(cfg *ClientConfig)) harnessOption {
	return func(_ *testHarness, cfg *ClientConfig) { fn(cfg) }
}

func withPeerSettings(settings ...http2.Setting) harnessOption {
	return func(h *testHarness, _ *ClientConfig) { h.peerSettings = settings }
}

func withDialHook(hook func(ctx context.Context, addr string) error) harnessOption {
	return func(h *testHarness, _ *ClientConfig) { h.dialHook = hook }
}

func withoutPingAcks() harnessOption {
	return func(h *testHarness, _ *ClientConfig) { h.ackPings = false }
}

// newHarness starts a client whose every dial is answered by a fresh
// testPeer. Cleanup terminates the client before closing the peers.
func newHarness(t *testing.T, opts ...harnessOption) *testHarness {
	t.Helper()
	h := &testHarness{t: t, peers: make(chan *testPeer, 16), ackPings: true}

	cfg := NewDefaultClientConfig()
	cfg.RequestTimeout = 10 * time.Second
	cfg.ConnectTimeout = 5 * time.Second
	cfg.H2Config.PingInterval = 0
	cfg.DialContext = h.dial
	for _, opt := range opts {
		opt(h, cfg)
	}

	client, err := NewClient(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	h.client = client

	t.Cleanup(func() {
		client.ShutdownNow()
		ctx, cancel := context.WithTimeout(context.Background(), frameWait)
		defer cancel()
		require.NoError(t, client.AwaitTermination(ctx))

		h.mu.Lock()
		peers := h.all
		h.mu.Unlock()
		for _, p := range peers {
			_ = p.conn.Close()
			<-p.done
		}
	})
	return h
}

func (h *testHarness) dial(ctx context.Context, _ string, addr string) (net.Conn, error) {
	if h.dialHook != nil {
		if err := h.dialHook(ctx, addr); err != nil {
			return nil, err
		}
	}
	cc, sc := net.Pipe()
	p := newTestPeer(h.t, sc, h.peerSettings, h.ackPings)
	h.mu.Lock()
	h.all = append(h.all, p)
	h.mu.Unlock()
	go p.serve()
	h.peers <- p
	return cc, nil
}

// peer returns the next dialed connection's peer.
func (h *testHarness) peer() *testPeer {
	h.t.Helper()
	select {
	case p := <-h.peers:
		return p
	case <-time.After(frameWait):
		require.FailNow(h.t, "no connection was dialed")
		return nil
	}
}

func (h *testHarness) request(method, rawURL string, body BodyPublisher) *Request {
	h.t.Helper()
	req, err := NewRequest(method, rawURL, body)
	require.NoError(h.t, err)
	return req
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func streamOf[T any](f *ResponseFuture[T]) *Stream {
	f.ex.mu.Lock()
	defer f.ex.mu.Unlock()
	return f.ex.stream
}
