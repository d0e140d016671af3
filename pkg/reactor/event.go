package reactor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Interest is a set of readiness operations.
type Interest uint8

const (
	OpRead Interest = 1 << iota
	OpWrite
)

func (i Interest) String() string {
	switch i {
	case 0:
		return "none"
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpRead | OpWrite:
		return "read|write"
	default:
		return "invalid"
	}
}

// Event is a readiness subscription handed to the loop. Events with a nil
// Channel are triggers: the loop runs them inline on its next iteration.
// Handle runs on the loop goroutine; the context it receives identifies the
// loop (see InLoop). Abort is called instead of Handle when the event can no
// longer fire, with the reason.
type Event interface {
	Channel() *Channel
	Interest() Interest
	Repeating() bool
	Handle(ctx context.Context)
	Abort(err error)
}

// FuncEvent adapts functions to the Event interface.
type FuncEvent struct {
	Chan      *Channel
	Ops       Interest
	Repeat    bool
	OnReady   func(ctx context.Context)
	OnAbort   func(err error)
	abortOnce sync.Once
}

func (e *FuncEvent) Channel() *Channel  { return e.Chan }
func (e *FuncEvent) Interest() Interest { return e.Ops }
func (e *FuncEvent) Repeating() bool    { return e.Repeat }

func (e *FuncEvent) Handle(ctx context.Context) {
	if e.OnReady != nil {
		e.OnReady(ctx)
	}
}

func (e *FuncEvent) Abort(err error) {
	e.abortOnce.Do(func() {
		if e.OnAbort != nil {
			e.OnAbort(err)
		}
	})
}

// Trigger returns a one-shot event that runs fn inline on the loop.
func Trigger(fn func(ctx context.Context), onAbort func(err error)) Event {
	return &FuncEvent{OnReady: fn, OnAbort: onAbort}
}

// Channel is a readiness source owned by the loop, typically one per socket.
// I/O goroutines report readiness with SetReady; the loop delivers it to the
// events registered for the channel.
type Channel struct {
	id     uint64
	name   string
	loop   *Loop
	ready  atomic.Uint32
	closed atomic.Bool
}

// ID returns the channel's loop-unique identifier.
func (c *Channel) ID() uint64 { return c.id }

// Name returns the label given at creation.
func (c *Channel) Name() string { return c.name }

// SetReady records readiness and wakes the loop. Readiness persists until it
// is delivered to an event interested in it.
func (c *Channel) SetReady(ops Interest) {
	for {
		old := c.ready.Load()
		if c.ready.CompareAndSwap(old, old|uint32(ops)) {
			break
		}
	}
	c.loop.markReady(c)
}

// take clears and returns the ready bits that intersect mask.
func (c *Channel) take(mask Interest) Interest {
	for {
		old := c.ready.Load()
		hit := old & uint32(mask)
		if hit == 0 {
			return 0
		}
		if c.ready.CompareAndSwap(old, old&^hit) {
			return Interest(hit)
		}
	}
}

func (c *Channel) readyOps() Interest { return Interest(c.ready.Load()) }

// Close marks the channel closed. Pending events are aborted with
// ErrChannelClosed on the next loop iteration.
func (c *Channel) Close() {
	if c.closed.CompareAndSwap(false, true) {
		c.loop.markReady(c)
	}
}

// IsClosed reports whether Close has been called.
func (c *Channel) IsClosed() bool { return c.closed.Load() }

// TimeoutEvent is a deadline with a handler, fired by the loop once the
// deadline has passed.
type TimeoutEvent struct {
	ID       uint64
	Deadline time.Time
	Handler  func()
}

// CompareTimeouts orders timeout events by deadline, then by creation order.
func CompareTimeouts(a, b interface{}) int {
	ta, tb := a.(*TimeoutEvent), b.(*TimeoutEvent)
	switch {
	case ta.Deadline.Before(tb.Deadline):
		return -1
	case ta.Deadline.After(tb.Deadline):
		return 1
	case ta.ID < tb.ID:
		return -1
	case ta.ID > tb.ID:
		return 1
	default:
		return 0
	}
}
