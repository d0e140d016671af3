package customhttp

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// inboundFrame is a decoded frame handed from a connection's reader goroutine
// to the reactor loop. Payloads are owned copies, so frames stay valid after
// the framer moves on.
type inboundFrame interface {
	streamID() uint32
}

type headersFrame struct {
	id        uint32
	fields    []hpack.HeaderField
	endStream bool
}

type dataFrame struct {
	id        uint32
	data      []byte
	endStream bool
	// flowLen is the flow-controlled length including padding.
	flowLen int
}

type resetFrame struct {
	id   uint32
	code http2.ErrCode
}

type windowUpdateFrame struct {
	id        uint32
	increment uint32
}

type priorityFrame struct {
	id uint32
}

type pushPromiseFrame struct {
	id         uint32
	promisedID uint32
	fields     []hpack.HeaderField
}

type settingsFrame struct {
	ack      bool
	settings []http2.Setting
}

type pingFrame struct {
	ack  bool
	data [8]byte
}

type goAwayFrame struct {
	lastStreamID uint32
	code         http2.ErrCode
	debugData    string
}

// streamErrorFrame reports a malformed frame that only invalidates its
// stream, such as a bad header block.
type streamErrorFrame struct {
	id    uint32
	code  http2.ErrCode
	cause error
}

// readErrorFrame carries the reader goroutine's terminal error.
type readErrorFrame struct {
	err error
}

func (f *headersFrame) streamID() uint32      { return f.id }
func (f *dataFrame) streamID() uint32         { return f.id }
func (f *resetFrame) streamID() uint32        { return f.id }
func (f *windowUpdateFrame) streamID() uint32 { return f.id }
func (f *priorityFrame) streamID() uint32     { return f.id }
func (f *pushPromiseFrame) streamID() uint32  { return f.id }
func (f *settingsFrame) streamID() uint32     { return 0 }
func (f *pingFrame) streamID() uint32         { return 0 }
func (f *goAwayFrame) streamID() uint32       { return 0 }
func (f *readErrorFrame) streamID() uint32    { return 0 }
func (f *streamErrorFrame) streamID() uint32  { return f.id }

// ResponseInfo is the status line and header section of a response.
type ResponseInfo struct {
	StatusCode int
	Header     http.Header
	Proto      string
}

// IsInformational reports whether the status is 1xx.
func (r ResponseInfo) IsInformational() bool {
	return r.StatusCode >= 100 && r.StatusCode < 200
}

// decodeResponseHeaders validates a response header section.
func decodeResponseHeaders(id uint32, fields []hpack.HeaderField) (ResponseInfo, error) {
	info := ResponseInfo{Header: make(http.Header), Proto: "HTTP/2.0"}
	status := ""
	regularSeen := false
	for _, hf := range fields {
		if strings.HasPrefix(hf.Name, ":") {
			if regularSeen {
				return info, &ProtocolError{StreamID: id, Code: http2.ErrCodeProtocol, Msg: "pseudo-header after regular header"}
			}
			if hf.Name != ":status" || status != "" {
				return info, &ProtocolError{StreamID: id, Code: http2.ErrCodeProtocol, Msg: fmt.Sprintf("unexpected pseudo-header %q", hf.Name)}
			}
			status = hf.Value
			continue
		}
		regularSeen = true
		info.Header.Add(http.CanonicalHeaderKey(hf.Name), hf.Value)
	}
	if status == "" {
		return info, &ProtocolError{StreamID: id, Code: http2.ErrCodeProtocol, Msg: "missing :status"}
	}
	code, err := strconv.Atoi(status)
	if err != nil || len(status) != 3 || code < 100 {
		return info, &ProtocolError{StreamID: id, Code: http2.ErrCodeProtocol, Msg: fmt.Sprintf("malformed :status %q", status)}
	}
	info.StatusCode = code
	return info, nil
}

// decodeTrailers validates a trailer section.
func decodeTrailers(id uint32, fields []hpack.HeaderField) (http.Header, error) {
	h := make(http.Header)
	for _, hf := range fields {
		if strings.HasPrefix(hf.Name, ":") {
			return nil, &ProtocolError{StreamID: id, Code: http2.ErrCodeProtocol, Msg: "pseudo-header in trailers"}
		}
		h.Add(http.CanonicalHeaderKey(hf.Name), hf.Value)
	}
	return h, nil
}

// decodePushRequest validates the request header section of a PUSH_PROMISE.
func decodePushRequest(id uint32, fields []hpack.HeaderField) (*PushPromise, error) {
	pp := &PushPromise{Header: make(http.Header)}
	var scheme, authority, path string
	for _, hf := range fields {
		switch hf.Name {
		case ":method":
			pp.Method = hf.Value
		case ":scheme":
			scheme = hf.Value
		case ":authority":
			authority = hf.Value
		case ":path":
			path = hf.Value
		default:
			if strings.HasPrefix(hf.Name, ":") {
				return nil, &ProtocolError{StreamID: id, Code: http2.ErrCodeProtocol, Msg: fmt.Sprintf("unexpected pseudo-header %q in push promise", hf.Name)}
			}
			pp.Header.Add(http.CanonicalHeaderKey(hf.Name), hf.Value)
		}
	}
	if pp.Method == "" || scheme == "" || path == "" {
		return nil, &ProtocolError{StreamID: id, Code: http2.ErrCodeProtocol, Msg: "incomplete push promise request"}
	}
	// RFC 9113 8.4: promised requests must be cacheable and safe.
	if pp.Method != http.MethodGet && pp.Method != http.MethodHead {
		return nil, &ProtocolError{StreamID: id, Code: http2.ErrCodeProtocol, Msg: "push promise for unsafe method " + pp.Method}
	}
	pp.URL = scheme + "://" + authority + path
	return pp, nil
}

// -- Header encoding --

var hopByHopHeaders = map[string]bool{
	"Host":              true,
	"Content-Length":    true,
	"Connection":        true,
	"Keep-Alive":        true,
	"Proxy-Connection":  true,
	"Transfer-Encoding": true,
	"Upgrade":           true,
}

// encodeRequestHeaders writes the request header block into buf. The caller
// owns enc and buf for the duration of the call.
func encodeRequestHeaders(enc *hpack.Encoder, buf *bytes.Buffer, req *Request, contentLength int64) []byte {
	buf.Reset()

	enc.WriteField(hpack.HeaderField{Name: ":method", Value: req.Method})
	enc.WriteField(hpack.HeaderField{Name: ":scheme", Value: req.URL.Scheme})

	authority := req.Header.Get("Host")
	if authority == "" {
		authority = req.URL.Host
	}
	enc.WriteField(hpack.HeaderField{Name: ":authority", Value: authority})

	path := req.URL.RequestURI()
	if path == "" {
		path = "/"
	}
	enc.WriteField(hpack.HeaderField{Name: ":path", Value: path})

	if contentLength > 0 {
		enc.WriteField(hpack.HeaderField{Name: "content-length", Value: strconv.FormatInt(contentLength, 10)})
	}

	for k, vv := range req.Header {
		if hopByHopHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		name := strings.ToLower(k)
		for _, v := range vv {
			// RFC 9113 8.2.3: cookies may be split for better compression.
			if name == "cookie" {
				for _, cookie := range strings.Split(v, "; ") {
					if cookie != "" {
						enc.WriteField(hpack.HeaderField{Name: name, Value: cookie})
					}
				}
				continue
			}
			enc.WriteField(hpack.HeaderField{Name: name, Value: v})
		}
	}

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out
}
