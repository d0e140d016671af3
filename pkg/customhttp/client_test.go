package customhttp

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/net/http2"

	"github.com/xkilldash9x/h2reactor/pkg/promise"
	"github.com/xkilldash9x/h2reactor/pkg/reactor"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestClient_Send_Get(t *testing.T) {
	h := newHarness(t)
	ctx := testContext(t)

	rf := SendAsync(ctx, h.client, h.request("GET", "https://example.com/index.html?q=1", nil), BodyHandlers.OfString())

	p := h.peer()
	hf := p.expect(http2.FrameHeaders)
	assert.Equal(t, uint32(1), hf.StreamID)
	assert.True(t, hf.EndStream, "a request without a body ends the stream with its headers")
	assert.Equal(t, "GET", hf.field(":method"))
	assert.Equal(t, "https", hf.field(":scheme"))
	assert.Equal(t, "example.com", hf.field(":authority"))
	assert.Equal(t, "/index.html?q=1", hf.field(":path"))

	p.respond(hf.StreamID, http.StatusOK, false, "content-type", "text/plain")
	p.data(hf.StreamID, true, "hello h2")

	resp, err := rf.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "HTTP/2.0", resp.Proto)
	assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
	assert.Equal(t, "hello h2", resp.Body)
}

func TestClient_RequestBodyRespectsStreamWindow(t *testing.T) {
	h := newHarness(t, withPeerSettings(http2.Setting{ID: http2.SettingInitialWindowSize, Val: 40}))
	ctx := testContext(t)

	body := bytes.Repeat([]byte("x"), 100)
	req := h.request("POST", "https://example.com/upload", BodyPublishers.OfBytes(body))
	rf := SendAsync(ctx, h.client, req, BodyHandlers.OfString())

	p := h.peer()
	hf := p.expect(http2.FrameHeaders)
	assert.False(t, hf.EndStream)
	assert.Equal(t, "100", hf.field("content-length"))

	d1 := p.expect(http2.FrameData)
	assert.Len(t, d1.Data, 40)
	assert.False(t, d1.EndStream)
	st := streamOf(rf)
	require.NotNil(t, st)
	assert.False(t, st.requestBodySent.IsDone(), "body must not be reported sent while credit is exhausted")

	p.windowUpdate(hf.StreamID, 40)
	d2 := p.expect(http2.FrameData)
	assert.Len(t, d2.Data, 40)
	assert.False(t, d2.EndStream)
	assert.False(t, st.requestBodySent.IsDone())

	p.windowUpdate(hf.StreamID, 40)
	d3 := p.expect(http2.FrameData)
	assert.Len(t, d3.Data, 20)
	assert.True(t, d3.EndStream)
	require.Eventually(t, st.requestBodySent.IsDone, frameWait, 5*time.Millisecond)

	p.respond(hf.StreamID, http.StatusCreated, false)
	p.data(hf.StreamID, true, "stored")

	resp, err := rf.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "stored", resp.Body)
}

func TestClient_EndStreamOnHeadersGivesEmptyBody(t *testing.T) {
	h := newHarness(t)
	ctx := testContext(t)

	rf := SendAsync(ctx, h.client, h.request("HEAD", "https://example.com/", nil), BodyHandlers.OfBytes())
	p := h.peer()
	hf := p.expect(http2.FrameHeaders)
	p.respond(hf.StreamID, http.StatusOK, true, "content-length", "512")

	resp, err := rf.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, resp.Body)

	trailers, err := resp.Trailers().Get(ctx)
	require.NoError(t, err)
	assert.Nil(t, trailers)
}

func TestClient_CancelAfterNormalCloseKeepsSuccess(t *testing.T) {
	h := newHarness(t)
	ctx := testContext(t)

	rf := SendAsync(ctx, h.client, h.request("GET", "https://example.com/", nil), BodyHandlers.OfString())
	p := h.peer()
	hf := p.expect(http2.FrameHeaders)
	p.respond(hf.StreamID, http.StatusOK, false)
	p.data(hf.StreamID, true, "done")

	resp, err := rf.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "done", resp.Body)

	rf.ex.mu.Lock()
	st := rf.ex.stream
	rf.ex.mu.Unlock()
	require.NotNil(t, st)
	require.Eventually(t, st.isClosed, time.Second, 5*time.Millisecond)

	st.cancelImpl(errors.New("late cancel"))
	assert.NoError(t, st.err(), "a closed stream keeps its successful outcome")
}

// manualSubscriber requests nothing on its own; the test drives demand.
type manualSubscriber struct {
	subscribed chan Subscription
	chunks     chan string
	result     *promise.Future[struct{}]
}

func newManualSubscriber() *manualSubscriber {
	return &manualSubscriber{
		subscribed: make(chan Subscription, 1),
		chunks:     make(chan string, 8),
		result:     promise.New[struct{}](),
	}
}

func (m *manualSubscriber) OnSubscribe(s Subscription) {
	m.subscribed <- s
	m.result.Complete(struct{}{})
}
func (m *manualSubscriber) OnNext(chunk []byte) { m.chunks <- string(chunk) }
func (m *manualSubscriber) OnError(err error) { m.result.Fail(err) }
func (m *manualSubscriber) OnComplete() {}
func (m *manualSubscriber) Body() *promise.Future[struct{}] { return m.result }

func TestClient_DemandFromCallerIsServedOnLoop(t *testing.T) {
	h := newHarness(t)
	ctx := testContext(t)

	m := newManualSubscriber()
	rf := SendAsync(ctx, h.client, h.request("GET", "https://example.com/", nil),
		func(ResponseInfo) BodySubscriber[struct{}] { return m })
	p := h.peer()
	hf := p.expect(http2.FrameHeaders)
	p.respond(hf.StreamID, http.StatusOK, false)
	p.data(hf.StreamID, false, "chunk")

	_, err := rf.Get(ctx)
	require.NoError(t, err)
	sub := <-m.subscribed

	rf.ex.mu.Lock()
	st := rf.ex.stream
	rf.ex.mu.Unlock()
	require.Eventually(t, func() bool {
		st.inMu.Lock()
		defer st.inMu.Unlock()
		return st.inputQ.Length() == 1
	}, time.Second, 5*time.Millisecond, "DATA frame queued on the stream")

	blocked, release := make(chan struct{}), make(chan struct{})
	var releaseOnce sync.Once
	unblock := func() { releaseOnce.Do(func() { close(release) }) }
	t.Cleanup(unblock)
	h.client.loop.Register(reactor.Trigger(func(context.Context) {
		close(blocked)
		<-release
	}, nil))
	<-blocked

	sub.Request(1)
	select {
	case c := <-m.chunks:
		t.Fatalf("chunk %q delivered on the requesting goroutine", c)
	case <-time.After(50 * time.Millisecond):
	}

	unblock()
	select {
	case c := <-m.chunks:
		assert.Equal(t, "chunk", c)
	case <-time.After(frameWait):
		t.Fatal("chunk was not delivered once the loop resumed")
	}
}

func TestClient_NoErrorResetAfterCompletion(t *testing.T) {
	h := newHarness(t)
	ctx := testContext(t)

	rf := SendAsync(ctx, h.client, h.request("GET", "https://example.com/a", nil), BodyHandlers.OfString())
	p := h.peer()
	hf := p.expect(http2.FrameHeaders)
	p.respond(hf.StreamID, http.StatusOK, false)
	p.data(hf.StreamID, true, "ok")
	p.reset(hf.StreamID, http2.ErrCodeNo)

	resp, err := rf.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Body)

	// The connection is still usable and is reused.
	rf2 := SendAsync(ctx, h.client, h.request("GET", "https://example.com/b", nil), BodyHandlers.OfString())
	hf2 := p.expect(http2.FrameHeaders)
	assert.Equal(t, uint32(3), hf2.StreamID)
	p.respond(hf2.StreamID, http.StatusOK, false)
	p.data(hf2.StreamID, true, "again")

	resp2, err := rf2.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "again", resp2.Body)
	assert.Equal(t, 1, h.client.pool.size())
}

func TestClient_NoErrorResetStopsRequestBody(t *testing.T) {
	h := newHarness(t, withPeerSettings(http2.Setting{ID: http2.SettingInitialWindowSize, Val: 10}))
	ctx := testContext(t)

	req := h.request("PUT", "https://example.com/big", BodyPublishers.OfString(strings.Repeat("y", 50)))
	rf := SendAsync(ctx, h.client, req, BodyHandlers.OfString())

	p := h.peer()
	hf := p.expect(http2.FrameHeaders)
	p.expect(http2.FrameData)

	// Answer early and tell the client to stop uploading.
	p.respond(hf.StreamID, http.StatusRequestEntityTooLarge, false)
	p.data(hf.StreamID, true, "too big")
	p.reset(hf.StreamID, http2.ErrCodeNo)

	resp, err := rf.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Equal(t, "too big", resp.Body)

	p.windowUpdate(hf.StreamID, 100)
	p.expectNone(http2.FrameData, 100*time.Millisecond)
}

func TestClient_LoopAbortFailsEveryPendingRequest(t *testing.T) {
	entered := make(chan struct{}, 1)
	h := newHarness(t, withDialHook(func(ctx context.Context, addr string) error {
		if addr != "blocked.example:443" {
			return nil
		}
		entered <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	}))
	ctx := testContext(t)

	rf1 := SendAsync(ctx, h.client, h.request("GET", "https://example.com/1", nil), BodyHandlers.OfString())
	rf2 := SendAsync(ctx, h.client, h.request("GET", "https://example.com/2", nil), BodyHandlers.OfString())
	p := h.peer()
	p.expect(http2.FrameHeaders)
	p.expect(http2.FrameHeaders)

	rf3 := SendAsync(ctx, h.client, h.request("GET", "https://blocked.example/3", nil), BodyHandlers.OfString())
	select {
	case <-entered:
	case <-time.After(frameWait):
		require.FailNow(t, "dial was not attempted")
	}
	require.Equal(t, 3, h.client.Stats().PendingRequests)

	cause := errors.New("selector failure")
	h.client.loop.Abort(cause)

	for i, rf := range []*ResponseFuture[string]{rf1, rf2, rf3} {
		_, err := rf.Get(ctx)
		require.Error(t, err, "request %d", i+1)
		assert.ErrorIs(t, err, cause, "request %d", i+1)
		assert.ErrorIs(t, err, ErrClosed, "request %d", i+1)
	}
	assert.Zero(t, h.client.pending.size())

	require.NoError(t, h.client.AwaitTermination(ctx))
	assert.True(t, h.client.IsTerminated())
	assert.Zero(t, h.client.Stats().Exchanges)

	_, err := Send(ctx, h.client, h.request("GET", "https://example.com/late", nil), BodyHandlers.OfString())
	assert.ErrorIs(t, err, cause)
}

func TestClient_CancelBeforeHeadersSendsNothing(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, withDialHook(func(ctx context.Context, _ string) error {
		select {
		case <-gate:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}))
	ctx := testContext(t)

	rf := SendAsync(ctx, h.client, h.request("GET", "https://example.com/", nil), BodyHandlers.OfString())
	require.True(t, rf.Cancel())
	assert.False(t, rf.Cancel(), "a second cancel has no effect")

	_, err := rf.Get(ctx)
	assert.ErrorIs(t, err, ErrCancelled)

	close(gate)
	p := h.peer()
	p.expectNone(http2.FrameHeaders, 200*time.Millisecond)
	p.expectNone(http2.FrameRSTStream, 50*time.Millisecond)
}

func TestClient_PreCancelledRequestsLeaveNoPendingEntries(t *testing.T) {
	h := newHarness(t, withDialHook(func(ctx context.Context, _ string) error {
		<-ctx.Done()
		return ctx.Err()
	}))
	ctx, cancel := context.WithCancel(testContext(t))
	cancel()

	for i := 0; i < 200; i++ {
		_, err := Send(ctx, h.client, h.request("GET", "https://example.com/", nil), BodyHandlers.Discarding())
		require.ErrorIs(t, err, ErrCancelled)
	}
	require.Eventually(t, func() bool {
		return h.client.pending.size() == 0 && h.client.Stats().Operations == 0
	}, time.Second, 5*time.Millisecond)
}

func TestClient_CancelAfterHeadersResetsStream(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(testContext(t))

	rf := SendAsync(ctx, h.client, h.request("GET", "https://example.com/slow", nil), BodyHandlers.OfString())
	p := h.peer()
	hf := p.expect(http2.FrameHeaders)

	cancel()
	_, err := rf.Get(testContext(t))
	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)

	rst := p.expect(http2.FrameRSTStream)
	assert.Equal(t, hf.StreamID, rst.StreamID)
	assert.Equal(t, http2.ErrCodeCancel, rst.Code)
}

func TestClient_RequestBodyContentLengthMismatch(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		declared int64
		wantData bool
	}{
		{name: "short", body: "abc", declared: 10, wantData: true},
		{name: "long", body: "abcdefghij", declared: 4, wantData: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := testContext(t)

			body := BodyPublishers.OfReader(strings.NewReader(tt.body), tt.declared, 0)
			rf := SendAsync(ctx, h.client, h.request("POST", "https://example.com/", body), BodyHandlers.OfString())

			p := h.peer()
			hf := p.expect(http2.FrameHeaders)
			if tt.wantData {
				d := p.expect(http2.FrameData)
				assert.Equal(t, tt.body, string(d.Data))
				assert.False(t, d.EndStream)
			}
			rst := p.expect(http2.FrameRSTStream)
			assert.Equal(t, hf.StreamID, rst.StreamID)
			assert.Equal(t, http2.ErrCodeProtocol, rst.Code)

			_, err := rf.Get(ctx)
			var pe *ProtocolError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, http2.ErrCodeProtocol, pe.Code)
		})
	}
}

func TestClient_Trailers(t *testing.T) {
	h := newHarness(t)
	ctx := testContext(t)

	rf := SendAsync(ctx, h.client, h.request("GET", "https://example.com/t", nil), BodyHandlers.OfString())
	p := h.peer()
	hf := p.expect(http2.FrameHeaders)
	p.respond(hf.StreamID, http.StatusOK, false, "trailer", "x-checksum")
	p.data(hf.StreamID, false, "body")
	p.headers(hf.StreamID, true, "x-checksum", "abc123")

	resp, err := rf.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "body", resp.Body)

	trailers, err := resp.Trailers().Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "abc123", trailers.Get("X-Checksum"))
}

func TestClient_TrailersWithoutEndStreamAreRejected(t *testing.T) {
	h := newHarness(t)
	ctx := testContext(t)

	rf := SendAsync(ctx, h.client, h.request("GET", "https://example.com/t", nil), BodyHandlers.OfString())
	p := h.peer()
	hf := p.expect(http2.FrameHeaders)
	p.respond(hf.StreamID, http.StatusOK, false)
	p.headers(hf.StreamID, false, "x-late", "1")

	_, err := rf.Get(ctx)
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)

	rst := p.expect(http2.FrameRSTStream)
	assert.Equal(t, http2.ErrCodeProtocol, rst.Code)
}

func TestClient_InformationalResponses(t *testing.T) {
	h := newHarness(t)
	ctx := testContext(t)

	var mu sync.Mutex
	var seen []int
	req := h.request("GET", "https://example.com/page", nil)
	req.OnInformational = func(info ResponseInfo) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, info.StatusCode)
	}

	rf := SendAsync(ctx, h.client, req, BodyHandlers.OfString())
	p := h.peer()
	hf := p.expect(http2.FrameHeaders)
	p.respond(hf.StreamID, http.StatusContinue, false)
	p.respond(hf.StreamID, http.StatusEarlyHints, false, "link", "</style.css>; rel=preload")
	p.respond(hf.StreamID, http.StatusOK, false)
	p.data(hf.StreamID, true, "page")

	resp, err := rf.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "page", resp.Body)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{http.StatusContinue, http.StatusEarlyHints}, seen)
}

func TestClient_InformationalWithEndStreamIsProtocolError(t *testing.T) {
	h := newHarness(t)
	ctx := testContext(t)

	rf := SendAsync(ctx, h.client, h.request("GET", "https://example.com/", nil), BodyHandlers.OfString())
	p := h.peer()
	hf := p.expect(http2.FrameHeaders)
	p.respond(hf.StreamID, http.StatusEarlyHints, true)

	_, err := rf.Get(ctx)
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	rst := p.expect(http2.FrameRSTStream)
	assert.Equal(t, http2.ErrCodeProtocol, rst.Code)
}

func TestClient_PeerResetFailsResponseBody(t *testing.T) {
	h := newHarness(t)
	ctx := testContext(t)

	rf := SendAsync(ctx, h.client, h.request("GET", "https://example.com/", nil), BodyHandlers.OfString())
	p := h.peer()
	hf := p.expect(http2.FrameHeaders)
	p.respond(hf.StreamID, http.StatusOK, false)
	p.data(hf.StreamID, false, "partial")
	p.reset(hf.StreamID, http2.ErrCodeInternal)

	_, err := rf.Get(ctx)
	var se *StreamResetError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http2.ErrCodeInternal, se.Code)

	// No RST_STREAM is sent back for a stream the peer reset.
	p.expectNone(http2.FrameRSTStream, 100*time.Millisecond)
}

func TestClient_GoAwayRefusesLaterStreams(t *testing.T) {
	h := newHarness(t)
	ctx := testContext(t)

	rf1 := SendAsync(ctx, h.client, h.request("GET", "https://example.com/1", nil), BodyHandlers.OfString())
	p := h.peer()
	hf1 := p.expect(http2.FrameHeaders)
	rf2 := SendAsync(ctx, h.client, h.request("GET", "https://example.com/2", nil), BodyHandlers.OfString())
	hf2 := p.expect(http2.FrameHeaders)
	require.Equal(t, uint32(3), hf2.StreamID)

	p.goAway(hf1.StreamID, http2.ErrCodeNo)

	_, err := rf2.Get(ctx)
	var ga *GoAwayError
	require.ErrorAs(t, err, &ga)
	assert.Equal(t, hf1.StreamID, ga.LastStreamID)
	assert.True(t, ga.Retryable())

	// Streams at or below the last id still complete.
	p.respond(hf1.StreamID, http.StatusOK, false)
	p.data(hf1.StreamID, true, "first")
	resp, err := rf1.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "first", resp.Body)

	// New requests go to a new connection.
	rf3 := SendAsync(ctx, h.client, h.request("GET", "https://example.com/3", nil), BodyHandlers.OfString())
	p2 := h.peer()
	hf3 := p2.expect(http2.FrameHeaders)
	assert.Equal(t, uint32(1), hf3.StreamID)
	p2.respond(hf3.StreamID, http.StatusOK, false)
	p2.data(hf3.StreamID, true, "third")
	resp3, err := rf3.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "third", resp3.Body)
}

func TestClient_ConcurrencyLimitOpensNewConnection(t *testing.T) {
	h := newHarness(t, withPeerSettings(http2.Setting{ID: http2.SettingMaxConcurrentStreams, Val: 1}))
	ctx := testContext(t)

	rf1 := SendAsync(ctx, h.client, h.request("GET", "https://example.com/1", nil), BodyHandlers.OfString())
	p1 := h.peer()
	hf1 := p1.expect(http2.FrameHeaders)

	rf2 := SendAsync(ctx, h.client, h.request("GET", "https://example.com/2", nil), BodyHandlers.OfString())
	p2 := h.peer()
	hf2 := p2.expect(http2.FrameHeaders)

	p1.respond(hf1.StreamID, http.StatusOK, true)
	p2.respond(hf2.StreamID, http.StatusOK, true)
	for _, rf := range []*ResponseFuture[string]{rf1, rf2} {
		_, err := rf.Get(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, h.client.pool.size())
}

func TestClient_PushPromiseAccepted(t *testing.T) {
	pushed := make(chan PushedResponse, 1)
	h := newHarness(t, withConfig(func(cfg *ClientConfig) {
		cfg.H2Config.EnablePush = true
		cfg.PushPromiseHandler = AcceptAllPushes(func(pr PushedResponse) { pushed <- pr })
	}))
	ctx := testContext(t)

	rf := SendAsync(ctx, h.client, h.request("GET", "https://example.com/", nil), BodyHandlers.OfString())
	p := h.peer()
	hf := p.expect(http2.FrameHeaders)

	p.pushPromise(hf.StreamID, 2, ":method", "GET", ":scheme", "https", ":authority", "example.com", ":path", "/style.css")
	p.respond(hf.StreamID, http.StatusOK, false)
	p.data(hf.StreamID, true, "<html>")
	p.respond(2, http.StatusOK, false, "content-type", "text/css")
	p.data(2, true, "body{}")

	resp, err := rf.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "<html>", resp.Body)

	select {
	case pr := <-pushed:
		require.NoError(t, pr.Err)
		assert.Equal(t, "https://example.com/style.css", pr.Promise.URL)
		assert.Equal(t, "GET", pr.Promise.Method)
		assert.Same(t, resp.Request, pr.Promise.Initiating)
		assert.Equal(t, "body{}", string(pr.Response.Body))
		assert.Equal(t, "text/css", pr.Response.Header.Get("Content-Type"))
	case <-time.After(frameWait):
		require.FailNow(t, "pushed response was not delivered")
	}
}

func TestClient_PushPromiseRejected(t *testing.T) {
	var offered *PushPromise
	h := newHarness(t, withConfig(func(cfg *ClientConfig) {
		cfg.H2Config.EnablePush = true
		cfg.PushPromiseHandler = func(_ *Request, pp *PushPromise) (func(ResponseInfo) Subscriber, bool) {
			offered = pp
			return nil, false
		}
	}))
	ctx := testContext(t)

	rf := SendAsync(ctx, h.client, h.request("GET", "https://example.com/", nil), BodyHandlers.OfString())
	p := h.peer()
	hf := p.expect(http2.FrameHeaders)
	p.pushPromise(hf.StreamID, 2, ":method", "GET", ":scheme", "https", ":authority", "example.com", ":path", "/app.js")

	rst := p.expect(http2.FrameRSTStream)
	assert.Equal(t, uint32(2), rst.StreamID)
	assert.Equal(t, http2.ErrCodeCancel, rst.Code)

	p.respond(hf.StreamID, http.StatusOK, true)
	_, err := rf.Get(ctx)
	require.NoError(t, err)

	_, err = offered.Response().Get(ctx)
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestClient_PushPromiseWhenDisabledClosesConnection(t *testing.T) {
	h := newHarness(t)
	ctx := testContext(t)

	rf := SendAsync(ctx, h.client, h.request("GET", "https://example.com/", nil), BodyHandlers.OfString())
	p := h.peer()
	hf := p.expect(http2.FrameHeaders)
	p.pushPromise(hf.StreamID, 2, ":method", "GET", ":scheme", "https", ":authority", "example.com", ":path", "/x")

	ga := p.expect(http2.FrameGoAway)
	assert.Equal(t, http2.ErrCodeProtocol, ga.Code)

	_, err := rf.Get(ctx)
	assert.ErrorIs(t, err, ErrConnectionClosed)
	var ce *ConnectionError
	assert.ErrorAs(t, err, &ce)
}

func TestClient_RequestTimeout(t *testing.T) {
	h := newHarness(t)
	ctx := testContext(t)

	req := h.request("GET", "https://example.com/never", nil)
	req.Timeout = 100 * time.Millisecond
	rf := SendAsync(ctx, h.client, req, BodyHandlers.OfString())

	p := h.peer()
	hf := p.expect(http2.FrameHeaders)

	_, err := rf.Get(ctx)
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 100*time.Millisecond, te.After)

	rst := p.expect(http2.FrameRSTStream)
	assert.Equal(t, hf.StreamID, rst.StreamID)
	assert.Equal(t, http2.ErrCodeCancel, rst.Code)
	assert.Zero(t, h.client.Stats().Timeouts)
}

func TestClient_IgnoringHandlerResetsStream(t *testing.T) {
	h := newHarness(t)
	ctx := testContext(t)

	rf := SendAsync(ctx, h.client, h.request("GET", "https://example.com/", nil), BodyHandlers.Ignoring())
	p := h.peer()
	hf := p.expect(http2.FrameHeaders)
	p.respond(hf.StreamID, http.StatusNoContent, false)

	resp, err := rf.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	rst := p.expect(http2.FrameRSTStream)
	assert.Equal(t, http2.ErrCodeStreamClosed, rst.Code)
}

func TestClient_OfReaderStreamsBody(t *testing.T) {
	h := newHarness(t)
	ctx := testContext(t)

	rf := SendAsync(ctx, h.client, h.request("GET", "https://example.com/stream", nil), BodyHandlers.OfReader())
	p := h.peer()
	hf := p.expect(http2.FrameHeaders)
	p.respond(hf.StreamID, http.StatusOK, false)

	resp, err := rf.Get(ctx)
	require.NoError(t, err)

	p.data(hf.StreamID, false, "hello ")
	p.data(hf.StreamID, true, "world")

	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(got))
	require.NoError(t, resp.Body.Close())
}

func TestClient_BodyLimitCancelsStream(t *testing.T) {
	h := newHarness(t, withConfig(func(cfg *ClientConfig) { cfg.MaxResponseBodyBytes = 4 }))
	ctx := testContext(t)

	done := make(chan error, 1)
	go func() {
		_, err := h.client.Do(ctx, h.request("GET", "https://example.com/", nil))
		done <- err
	}()

	p := h.peer()
	hf := p.expect(http2.FrameHeaders)
	p.respond(hf.StreamID, http.StatusOK, false)
	p.data(hf.StreamID, false, "0123456789")

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "exceeded limit of 4 bytes")
	case <-time.After(frameWait):
		require.FailNow(t, "request did not fail")
	}
	rst := p.expect(http2.FrameRSTStream)
	assert.Equal(t, http2.ErrCodeCancel, rst.Code)
}

func TestClient_GracefulShutdown(t *testing.T) {
	h := newHarness(t)
	ctx := testContext(t)

	rf := SendAsync(ctx, h.client, h.request("GET", "https://example.com/", nil), BodyHandlers.OfString())
	p := h.peer()
	hf := p.expect(http2.FrameHeaders)

	h.client.Shutdown()
	_, err := Send(ctx, h.client, h.request("GET", "https://example.com/late", nil), BodyHandlers.OfString())
	assert.ErrorIs(t, err, ErrClosed)
	assert.False(t, h.client.IsTerminated(), "in-flight requests keep the client alive")

	p.respond(hf.StreamID, http.StatusOK, false)
	p.data(hf.StreamID, true, "last")
	resp, err := rf.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "last", resp.Body)

	require.NoError(t, h.client.AwaitTermination(ctx))
	stats := h.client.Stats()
	assert.Zero(t, stats.Operations)
	assert.Zero(t, stats.OpenConnections)

	ga := p.expect(http2.FrameGoAway)
	assert.Equal(t, http2.ErrCodeNo, ga.Code)
}

func TestClient_ShutdownNowFailsInFlight(t *testing.T) {
	h := newHarness(t)
	ctx := testContext(t)

	rf := SendAsync(ctx, h.client, h.request("GET", "https://example.com/", nil), BodyHandlers.OfString())
	h.peer().expect(http2.FrameHeaders)

	h.client.ShutdownNow()
	_, err := rf.Get(ctx)
	assert.ErrorIs(t, err, ErrShutdownNow)
	assert.ErrorIs(t, err, ErrClosed)
	require.NoError(t, h.client.AwaitTermination(ctx))
}

func TestClient_MissedPingClosesConnection(t *testing.T) {
	h := newHarness(t, withoutPingAcks(), withConfig(func(cfg *ClientConfig) {
		cfg.H2Config.PingInterval = 50 * time.Millisecond
		cfg.H2Config.PingTimeout = 50 * time.Millisecond
	}))
	ctx := testContext(t)

	rf := SendAsync(ctx, h.client, h.request("GET", "https://example.com/", nil), BodyHandlers.OfString())
	h.peer().expect(http2.FrameHeaders)

	_, err := rf.Get(ctx)
	assert.ErrorIs(t, err, ErrConnectionClosed)
	require.Eventually(t, func() bool { return h.client.pool.size() == 0 }, frameWait, 5*time.Millisecond)
}

func TestClient_PingAcknowledgedKeepsConnection(t *testing.T) {
	h := newHarness(t, withConfig(func(cfg *ClientConfig) {
		cfg.H2Config.PingInterval = 20 * time.Millisecond
		cfg.H2Config.PingTimeout = time.Second
	}))
	ctx := testContext(t)

	rf := SendAsync(ctx, h.client, h.request("GET", "https://example.com/", nil), BodyHandlers.OfString())
	p := h.peer()
	hf := p.expect(http2.FrameHeaders)
	p.expect(http2.FramePing)
	p.expect(http2.FramePing)

	p.respond(hf.StreamID, http.StatusOK, false)
	p.data(hf.StreamID, true, "alive")
	resp, err := rf.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "alive", resp.Body)
}

func TestClient_DialFailure(t *testing.T) {
	dialErr := errors.New("connection refused")
	h := newHarness(t, withDialHook(func(context.Context, string) error { return dialErr }))

	_, err := Send(testContext(t), h.client, h.request("GET", "https://example.com/", nil), BodyHandlers.OfString())
	var ce *ConnectError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "example.com:443", ce.Authority)
	assert.ErrorIs(t, err, dialErr)
}

func TestClient_InvalidRequests(t *testing.T) {
	h := newHarness(t)
	ctx := testContext(t)

	_, err := Send(ctx, h.client, &Request{Method: "GET"}, BodyHandlers.OfString())
	assert.Error(t, err)

	_, err = Send[string](ctx, h.client, h.request("GET", "https://example.com/", nil), nil)
	assert.Error(t, err)

	_, err = NewRequest("GET", "ftp://example.com/", nil)
	assert.Error(t, err)
	assert.Zero(t, h.client.Stats().Exchanges)
}
