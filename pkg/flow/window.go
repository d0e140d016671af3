// Package flow tracks HTTP/2 flow-control credit: the send-side budget
// granted by the peer, and the receive-side budget this endpoint advertises.
package flow

import (
	"errors"
	"fmt"
	"math"
	"sync"
)

// MaxWindowSize is the largest flow-control window allowed (RFC 9113 6.9.1).
const MaxWindowSize = math.MaxInt32

var (
	// ErrWindowOverflow is returned when a credit grant would push a window
	// beyond MaxWindowSize.
	ErrWindowOverflow = errors.New("flow-control window overflow")
	// ErrWindowExceeded is returned when the peer sends more data than the
	// credit this endpoint advertised.
	ErrWindowExceeded = errors.New("flow-control window exceeded")
)

// Waiter is notified when send credit becomes available after a TryAcquire
// came back empty.
type Waiter interface {
	SignalWindowUpdate()
}

// WindowController holds the send credit of one connection and all of its
// streams. Every counter is guarded by a single lock shared by the streams
// multiplexed on the connection.
type WindowController struct {
	mu sync.Mutex

	connectionWindow    int64
	initialStreamWindow int64
	streams             map[uint32]int64
	// blocked holds streams whose last TryAcquire returned nothing.
	blocked map[uint32]Waiter
}

// NewWindowController creates a controller with the RFC defaults for both
// connection and stream windows.
func NewWindowController(connectionWindow, initialStreamWindow int64) *WindowController {
	return &WindowController{
		connectionWindow:    connectionWindow,
		initialStreamWindow: initialStreamWindow,
		streams:             make(map[uint32]int64),
		blocked:             make(map[uint32]Waiter),
	}
}

// RegisterStream opens a send window for streamID at the current initial size.
func (w *WindowController) RegisterStream(streamID uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.streams[streamID] = w.initialStreamWindow
}

// RemoveStream discards the stream's window and any pending waiter.
func (w *WindowController) RemoveStream(streamID uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.streams, streamID)
	delete(w.blocked, streamID)
}

// TryAcquire takes up to requested bytes of credit for streamID, bounded by
// both the connection and the stream window. It returns the amount granted,
// which may be zero; in that case waiter is remembered and signalled on the
// next credit grant that concerns it.
func (w *WindowController) TryAcquire(requested int, streamID uint32, waiter Waiter) int {
	if requested <= 0 {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	streamWindow, ok := w.streams[streamID]
	if !ok {
		return 0
	}
	n := min(int64(requested), w.connectionWindow, streamWindow)
	if n <= 0 {
		if waiter != nil {
			w.blocked[streamID] = waiter
		}
		return 0
	}
	w.connectionWindow -= n
	w.streams[streamID] = streamWindow - n
	delete(w.blocked, streamID)
	return int(n)
}

// IncreaseConnectionWindow applies a connection-level WINDOW_UPDATE and wakes
// every blocked stream.
func (w *WindowController) IncreaseConnectionWindow(amount int) error {
	w.mu.Lock()
	if w.connectionWindow+int64(amount) > MaxWindowSize {
		w.mu.Unlock()
		return fmt.Errorf("connection window %d + %d: %w", w.connectionWindow, amount, ErrWindowOverflow)
	}
	w.connectionWindow += int64(amount)
	waiters := w.drainBlocked(func(uint32) bool { return true })
	w.mu.Unlock()

	for _, wt := range waiters {
		wt.SignalWindowUpdate()
	}
	return nil
}

// IncreaseStreamWindow applies a stream-level WINDOW_UPDATE. Updates for
// unknown streams are ignored.
func (w *WindowController) IncreaseStreamWindow(amount int, streamID uint32) error {
	w.mu.Lock()
	cur, ok := w.streams[streamID]
	if !ok {
		w.mu.Unlock()
		return nil
	}
	if cur+int64(amount) > MaxWindowSize {
		w.mu.Unlock()
		return fmt.Errorf("stream %d window %d + %d: %w", streamID, cur, amount, ErrWindowOverflow)
	}
	w.streams[streamID] = cur + int64(amount)
	var waiter Waiter
	if w.connectionWindow > 0 {
		waiter = w.blocked[streamID]
		delete(w.blocked, streamID)
	}
	w.mu.Unlock()

	if waiter != nil {
		waiter.SignalWindowUpdate()
	}
	return nil
}

// UpdateInitialStreamWindow applies a new SETTINGS_INITIAL_WINDOW_SIZE. The
// delta is applied to every open stream, which may leave a window negative.
func (w *WindowController) UpdateInitialStreamWindow(newSize int64) error {
	if newSize > MaxWindowSize {
		return fmt.Errorf("initial window %d: %w", newSize, ErrWindowOverflow)
	}
	w.mu.Lock()
	delta := newSize - w.initialStreamWindow
	for id, cur := range w.streams {
		if cur+delta > MaxWindowSize {
			w.mu.Unlock()
			return fmt.Errorf("stream %d window %d + %d: %w", id, cur, delta, ErrWindowOverflow)
		}
	}
	w.initialStreamWindow = newSize
	for id := range w.streams {
		w.streams[id] += delta
	}
	var waiters []Waiter
	if delta > 0 && w.connectionWindow > 0 {
		waiters = w.drainBlocked(func(id uint32) bool { return w.streams[id] > 0 })
	}
	w.mu.Unlock()

	for _, wt := range waiters {
		wt.SignalWindowUpdate()
	}
	return nil
}

func (w *WindowController) drainBlocked(match func(uint32) bool) []Waiter {
	var out []Waiter
	for id, wt := range w.blocked {
		if match(id) {
			out = append(out, wt)
			delete(w.blocked, id)
		}
	}
	return out
}

// ConnectionWindow returns the current connection send credit.
func (w *WindowController) ConnectionWindow() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.connectionWindow
}

// StreamWindow returns the send credit of streamID.
func (w *WindowController) StreamWindow(streamID uint32) (int64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	v, ok := w.streams[streamID]
	return v, ok
}

// InitialStreamWindow returns the initial window applied to new streams.
func (w *WindowController) InitialStreamWindow() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.initialStreamWindow
}
