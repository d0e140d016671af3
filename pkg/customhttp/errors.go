package customhttp

import (
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/net/http2"

	"github.com/xkilldash9x/h2reactor/pkg/reactor"
)

var (
	// ErrClosed is matched by every failure caused by client or connection
	// shutdown. It is the reactor's closed sentinel, so errors.Is works across
	// both packages.
	ErrClosed = reactor.ErrClosed

	// ErrCancelled marks a user-initiated cancellation.
	ErrCancelled = errors.New("request cancelled")

	// ErrConnectionClosed is the cause given to streams on a connection that
	// went away underneath them.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrShutdownNow is the abort cause used by Client.ShutdownNow.
	ErrShutdownNow = errors.New("client shut down")

	errBodyIgnored = errors.New("response body ignored")
)

// ConnectError reports a failure to establish or handshake a connection.
type ConnectError struct {
	Authority string
	Err       error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to %s failed: %v", e.Authority, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// TimeoutError reports that a request did not complete within its timeout.
type TimeoutError struct {
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request timed out after %s", e.After)
}

// Timeout lets callers treat the error like a net.Error timeout.
func (e *TimeoutError) Timeout() bool { return true }

// ProtocolError is a stream-level HTTP/2 protocol violation detected locally.
// The stream is reset with Code.
type ProtocolError struct {
	StreamID uint32
	Code     http2.ErrCode
	Msg      string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error on stream %d (%v): %s", e.StreamID, e.Code, e.Msg)
}

// ConnectionError is a connection-level violation; the connection is closed
// with a GOAWAY carrying Code.
type ConnectionError struct {
	Code http2.ErrCode
	Msg  string
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error (%v): %s", e.Code, e.Msg)
}

// StreamResetError reports a RST_STREAM received from the peer.
type StreamResetError struct {
	StreamID uint32
	Code     http2.ErrCode
}

func (e *StreamResetError) Error() string {
	return fmt.Sprintf("stream %d reset by peer (Error Code: %v)", e.StreamID, e.Code)
}

// GoAwayError is delivered to streams the peer did not process before
// sending GOAWAY. Such requests are safe to retry.
type GoAwayError struct {
	LastStreamID uint32
	Code         http2.ErrCode
	DebugData    string
}

func (e *GoAwayError) Error() string {
	if e.DebugData != "" {
		return fmt.Sprintf("received GOAWAY (last stream %d, Error Code: %v): %s", e.LastStreamID, e.Code, e.DebugData)
	}
	return fmt.Sprintf("received GOAWAY (last stream %d, Error Code: %v)", e.LastStreamID, e.Code)
}

// Retryable reports whether the request never reached the application layer
// of the peer.
func (e *GoAwayError) Retryable() bool { return true }

// peerClosed reports whether err means the peer already knows the stream is
// gone, in which case no RST_STREAM is sent.
func peerClosed(err error) bool {
	var goAway *GoAwayError
	var reset *StreamResetError
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, ErrConnectionClosed) ||
		errors.As(err, &goAway) ||
		errors.As(err, &reset)
}

// errorCode picks the RST_STREAM or GOAWAY code for a local failure.
func errorCode(err error) http2.ErrCode {
	var pe *ProtocolError
	var ce *ConnectionError
	switch {
	case errors.As(err, &pe):
		return pe.Code
	case errors.As(err, &ce):
		return ce.Code
	case errors.Is(err, errBodyIgnored):
		return http2.ErrCodeStreamClosed
	default:
		return http2.ErrCodeCancel
	}
}
