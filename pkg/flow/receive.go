package flow

import (
	"fmt"
	"sync"
)

// UpdateFunc emits a WINDOW_UPDATE for streamID (0 for the connection).
type UpdateFunc func(streamID uint32, increment uint32)

// ReceiveWindow is the credit this endpoint advertised to the peer for a
// connection or a single stream. Arriving data consumes credit; bytes handed
// to the application are released and, once half of the window has been
// released, returned to the peer in one WINDOW_UPDATE.
type ReceiveWindow struct {
	mu sync.Mutex

	streamID  uint32
	size      int64
	available int64
	released  int64
	threshold int64
	send      UpdateFunc
}

// NewReceiveWindow creates a receive window of size bytes. If the peer
// starts from a smaller default, the caller is responsible for advertising
// the difference.
func NewReceiveWindow(streamID uint32, size int64, send UpdateFunc) *ReceiveWindow {
	threshold := size / 2
	if threshold < 1 {
		threshold = 1
	}
	return &ReceiveWindow{
		streamID:  streamID,
		size:      size,
		available: size,
		threshold: threshold,
		send:      send,
	}
}

// Consume accounts for n flow-controlled bytes received from the peer.
func (r *ReceiveWindow) Consume(n int) error {
	if n <= 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if int64(n) > r.available {
		return fmt.Errorf("stream %d received %d bytes with %d available: %w", r.streamID, n, r.available, ErrWindowExceeded)
	}
	r.available -= int64(n)
	return nil
}

// Release returns n bytes of credit. The WINDOW_UPDATE is batched until the
// released amount reaches the threshold.
func (r *ReceiveWindow) Release(n int) {
	if n <= 0 {
		return
	}
	r.mu.Lock()
	r.released += int64(n)
	if r.released < r.threshold {
		r.mu.Unlock()
		return
	}
	increment := r.released
	r.released = 0
	r.available += increment
	r.mu.Unlock()

	if r.send != nil {
		r.send(r.streamID, uint32(increment))
	}
}

// Available returns the credit the peer may still use.
func (r *ReceiveWindow) Available() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.available
}

// Size returns the advertised window size.
func (r *ReceiveWindow) Size() int64 {
	return r.size
}
