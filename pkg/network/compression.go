// pkg/network/compression.go
package network

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
)

// AcceptEncoding is the Accept-Encoding value advertised for the encodings
// this package can decode.
const AcceptEncoding = "br, gzip, deflate"

var (
	gzipReaderPool = sync.Pool{
		New: func() interface{} {
			return new(gzip.Reader)
		},
	}

	brotliReaderPool = sync.Pool{
		New: func() interface{} {
			return brotli.NewReader(nil)
		},
	}
)

var emptyReader = strings.NewReader("")

func getGzipReader(r io.Reader) (*gzip.Reader, error) {
	zr := gzipReaderPool.Get().(*gzip.Reader)
	if err := zr.Reset(r); err != nil {
		gzipReaderPool.Put(zr)
		return nil, err
	}
	return zr, nil
}

func putGzipReader(zr *gzip.Reader) {
	if zr == nil {
		return
	}
	_ = zr.Reset(emptyReader)
	gzipReaderPool.Put(zr)
}

func getBrotliReader(r io.Reader) (*brotli.Reader, error) {
	br := brotliReaderPool.Get().(*brotli.Reader)
	if err := br.Reset(r); err != nil {
		brotliReaderPool.Put(br)
		return nil, err
	}
	return br, nil
}

func putBrotliReader(br *brotli.Reader) {
	if br == nil {
		return
	}
	_ = br.Reset(emptyReader)
	brotliReaderPool.Put(br)
}

// closeWrapper closes the decoder and the underlying body, and returns pooled
// readers.
type closeWrapper struct {
	io.ReadCloser
	underlying   io.Closer
	poolCallback func()
}

func (w *closeWrapper) Close() error {
	if w.poolCallback != nil {
		w.poolCallback()
		w.poolCallback = nil
	}
	err1 := w.ReadCloser.Close()
	var err2 error
	if w.underlying != nil {
		err2 = w.underlying.Close()
	}
	return errors.Join(err1, err2)
}

// DecompressReader wraps body with decoders for the listed Content-Encoding
// values. Encodings are listed in the order they were applied and are decoded
// in reverse. Supported: gzip, deflate (zlib or raw), br, identity.
func DecompressReader(encodings []string, body io.Reader) (io.ReadCloser, error) {
	var current io.ReadCloser
	if rc, ok := body.(io.ReadCloser); ok {
		current = rc
	} else {
		current = io.NopCloser(body)
	}

	layers := make([]string, 0, len(encodings))
	for _, e := range encodings {
		layers = append(layers, splitEncodings(e)...)
	}

	for i := len(layers) - 1; i >= 0; i-- {
		var reader io.ReadCloser
		var poolCallback func()

		switch layers[i] {
		case "gzip", "x-gzip":
			zr, err := getGzipReader(current)
			if err != nil {
				return nil, fmt.Errorf("gzip initialization error: %w", err)
			}
			reader = zr
			poolCallback = func() { putGzipReader(zr) }

		case "deflate":
			dr, err := tryDeflate(current)
			if err != nil {
				return nil, fmt.Errorf("deflate initialization error: %w", err)
			}
			reader = dr

		case "br":
			br, err := getBrotliReader(current)
			if err != nil {
				return nil, fmt.Errorf("brotli initialization error: %w", err)
			}
			reader = io.NopCloser(br)
			poolCallback = func() { putBrotliReader(br) }

		case "identity", "":
			continue

		default:
			return nil, fmt.Errorf("unsupported Content-Encoding layer: %s", layers[i])
		}

		current = &closeWrapper{ReadCloser: reader, underlying: current, poolCallback: poolCallback}
	}
	return current, nil
}

// DecompressBytes decodes a fully buffered body according to header's
// Content-Encoding. It returns data unchanged when no encoding applies.
func DecompressBytes(header http.Header, data []byte) ([]byte, error) {
	encodings := header.Values("Content-Encoding")
	if len(encodings) == 0 {
		return data, nil
	}
	rc, err := DecompressReader(encodings, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	out, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to decode body: %w", err)
	}
	return out, nil
}

func splitEncodings(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.ToLower(strings.TrimSpace(p)))
	}
	return out
}

// resettableReader buffers the start of a stream so a second decoder can be
// tried from the beginning.
type resettableReader struct {
	r      io.Reader
	buf    *bytes.Buffer
	source io.Reader
}

func newResettableReader(r io.Reader) *resettableReader {
	buf := bytes.NewBuffer(make([]byte, 0, 128))
	return &resettableReader{
		r:      io.TeeReader(r, buf),
		buf:    buf,
		source: r,
	}
}

func (rr *resettableReader) Read(p []byte) (int, error) {
	return rr.r.Read(p)
}

func (rr *resettableReader) Reset() {
	rr.r = io.MultiReader(bytes.NewReader(rr.buf.Bytes()), rr.source)
}

// tryDeflate decodes zlib-wrapped deflate (RFC 1950), falling back to raw
// deflate (RFC 1951).
func tryDeflate(r io.Reader) (io.ReadCloser, error) {
	rr := newResettableReader(r)
	zlibReader, err := zlib.NewReader(rr)
	if err == nil {
		return zlibReader, nil
	}
	rr.Reset()
	return flate.NewReader(rr), nil
}
