package reactor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"go.uber.org/zap"
)

// DefaultNoDeadline bounds how long the loop sleeps when no timeout or
// connection expiry is pending.
const DefaultNoDeadline = 3 * time.Second

// Owner is the session a loop serves.
type Owner interface {
	// Finished reports whether the loop may exit.
	Finished() bool
	// Stop is called exactly once, after the loop has exited.
	Stop()
	// PurgeTimeoutsAndReturnNextDeadline fires due timeouts and returns the
	// wait until the next one; zero means none is pending.
	PurgeTimeoutsAndReturnNextDeadline() time.Duration
	// AbortPending fails every in-flight request with err.
	AbortPending(err error)
}

// ExpiryPurger evicts idle connections. The returned duration follows the
// same convention as Owner.PurgeTimeoutsAndReturnNextDeadline.
type ExpiryPurger interface {
	PurgeExpiredConnectionsAndReturnNextDeadline() time.Duration
}

type loopKey struct{}

// InLoop reports whether ctx was handed out by l, which is the case exactly
// when the caller runs on l's goroutine.
func InLoop(ctx context.Context, l *Loop) bool {
	if ctx == nil || l == nil {
		return false
	}
	v, _ := ctx.Value(loopKey{}).(*Loop)
	return v == l
}

// attachment holds the events registered for one channel. It is owned by the
// loop goroutine.
type attachment struct {
	ch       *Channel
	pending  []Event
	interest Interest
}

func (a *attachment) register(e Event) {
	a.pending = append(a.pending, e)
	a.interest |= e.Interest()
}

// fire removes and returns the events satisfied by occurred. Repeating
// events stay registered.
func (a *attachment) fire(occurred Interest) []Event {
	var fired []Event
	kept := a.pending[:0]
	a.interest = 0
	for _, e := range a.pending {
		if e.Interest()&occurred != 0 {
			fired = append(fired, e)
			if !e.Repeating() {
				continue
			}
		}
		kept = append(kept, e)
		a.interest |= e.Interest()
	}
	for i := len(kept); i < len(a.pending); i++ {
		a.pending[i] = nil
	}
	a.pending = kept
	return fired
}

// Loop is a single goroutine multiplexing readiness events, timeouts and
// connection expiry for one client session.
type Loop struct {
	logger     *zap.Logger
	owner      Owner
	pool       ExpiryPurger
	noDeadline time.Duration

	mu            sync.Mutex
	registrations *queue.Queue
	readySet      map[*Channel]struct{}
	closed        bool
	cause         error

	wake chan struct{}
	done chan struct{}

	// Loop goroutine only.
	ctx         context.Context
	attachments map[*Channel]*attachment
	localReady  []*Channel

	started    atomic.Bool
	stopOnce   sync.Once
	nextID     atomic.Uint64
	timeoutSeq atomic.Uint64
}

// Option configures a Loop.
type Option func(*Loop)

// WithExpiryPurger attaches the connection pool whose expiry drives the wait.
func WithExpiryPurger(p ExpiryPurger) Option {
	return func(l *Loop) { l.pool = p }
}

// WithNoDeadline sets the wait used when nothing is scheduled.
func WithNoDeadline(d time.Duration) Option {
	return func(l *Loop) {
		if d > 0 {
			l.noDeadline = d
		}
	}
}

// NewLoop creates a loop serving owner. Call Start to run it.
func NewLoop(owner Owner, logger *zap.Logger, opts ...Option) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Loop{
		logger:        logger.Named("reactor"),
		owner:         owner,
		noDeadline:    DefaultNoDeadline,
		registrations: queue.New(),
		readySet:      make(map[*Channel]struct{}),
		wake:          make(chan struct{}, 1),
		done:          make(chan struct{}),
		attachments:   make(map[*Channel]*attachment),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.ctx = context.WithValue(context.Background(), loopKey{}, l)
	return l
}

// Start launches the loop goroutine. It is a no-op after the first call.
func (l *Loop) Start() {
	if l.started.CompareAndSwap(false, true) {
		go l.run()
	}
}

// NewTimeout creates a timeout firing after d. Timeouts created by the same
// loop with equal deadlines fire in creation order.
func (l *Loop) NewTimeout(d time.Duration, handler func()) *TimeoutEvent {
	return &TimeoutEvent{
		ID:       l.timeoutSeq.Add(1),
		Deadline: time.Now().Add(d),
		Handler:  handler,
	}
}

// NewChannel creates a readiness source owned by l.
func (l *Loop) NewChannel(name string) *Channel {
	return &Channel{id: l.nextID.Add(1), name: name, loop: l}
}

// Register queues e for the loop. If the loop is closed, e is aborted
// immediately with a ClosedError.
func (l *Loop) Register(e Event) {
	l.mu.Lock()
	if l.closed {
		err := l.closedErrorLocked()
		l.mu.Unlock()
		e.Abort(err)
		return
	}
	l.registrations.Add(e)
	l.mu.Unlock()
	l.Wakeup()
}

// UpdateInterest attaches e directly when called from the loop goroutine and
// falls back to Register otherwise.
func (l *Loop) UpdateInterest(ctx context.Context, e Event) {
	if !InLoop(ctx, l) {
		l.Register(e)
		return
	}
	if l.IsClosed() {
		e.Abort(l.closedError())
		return
	}
	ch := e.Channel()
	if ch == nil {
		e.Handle(ctx)
		return
	}
	l.attach(ch, e)
}

// Wakeup interrupts the loop's wait.
func (l *Loop) Wakeup() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Abort closes the loop with cause. The first cause wins; pending requests,
// queued registrations and attached events are failed with it.
func (l *Loop) Abort(cause error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	if l.cause == nil {
		l.cause = cause
	}
	l.closed = true
	closedErr := l.closedErrorLocked()
	queued := l.drainRegistrationsLocked()
	l.mu.Unlock()

	l.logger.Debug("Reactor loop aborted.", zap.Error(cause))
	l.owner.AbortPending(closedErr)
	for _, e := range queued {
		e.Abort(closedErr)
	}
	l.Wakeup()
	if !l.started.Load() {
		l.shutdown()
	}
}

// IsClosed reports whether the loop has been aborted or has exited.
func (l *Loop) IsClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Err returns the abort cause, if any.
func (l *Loop) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cause
}

// Done is closed once the loop has exited and the owner has been stopped.
func (l *Loop) Done() <-chan struct{} { return l.done }

func (l *Loop) closedError() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closedErrorLocked()
}

func (l *Loop) closedErrorLocked() error {
	return &ClosedError{Cause: l.cause}
}

func (l *Loop) drainRegistrationsLocked() []Event {
	n := l.registrations.Length()
	if n == 0 {
		return nil
	}
	out := make([]Event, 0, n)
	for l.registrations.Length() > 0 {
		out = append(out, l.registrations.Remove().(Event))
	}
	return out
}

func (l *Loop) markReady(c *Channel) {
	l.mu.Lock()
	l.readySet[c] = struct{}{}
	l.mu.Unlock()
	l.Wakeup()
}

func (l *Loop) attach(ch *Channel, e Event) {
	if ch.IsClosed() {
		e.Abort(ErrChannelClosed)
		return
	}
	a := l.attachments[ch]
	if a == nil {
		a = &attachment{ch: ch}
		l.attachments[ch] = a
	}
	a.register(e)
	if ch.readyOps()&a.interest != 0 {
		l.localReady = append(l.localReady, ch)
	}
}

func (l *Loop) run() {
	defer func() {
		if r := recover(); r != nil {
			l.fail(fmt.Errorf("reactor loop panic: %v", r))
		}
		l.shutdown()
	}()

	timer := time.NewTimer(l.noDeadline)
	defer timer.Stop()

	for {
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			return
		}
		regs := l.drainRegistrationsLocked()
		l.mu.Unlock()

		var triggers []Event
		for _, e := range regs {
			if ch := e.Channel(); ch != nil {
				l.attach(ch, e)
			} else {
				triggers = append(triggers, e)
			}
		}
		for _, e := range triggers {
			e.Handle(l.ctx)
		}

		if l.owner.Finished() {
			l.logger.Debug("Reactor loop finished.")
			return
		}

		wait := l.nextWait()
		if !l.hasWork() {
			resetTimer(timer, wait)
			select {
			case <-l.wake:
			case <-timer.C:
			}
		}

		l.dispatch()
		l.owner.PurgeTimeoutsAndReturnNextDeadline()

		if l.owner.Finished() {
			l.logger.Debug("Reactor loop finished.")
			return
		}
	}
}

func (l *Loop) nextWait() time.Duration {
	wait := l.owner.PurgeTimeoutsAndReturnNextDeadline()
	if l.pool != nil {
		if expiry := l.pool.PurgeExpiredConnectionsAndReturnNextDeadline(); expiry > 0 && (wait <= 0 || expiry < wait) {
			wait = expiry
		}
	}
	if wait <= 0 || wait > l.noDeadline {
		wait = l.noDeadline
	}
	return wait
}

func (l *Loop) hasWork() bool {
	if len(l.localReady) > 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed || len(l.readySet) > 0 || l.registrations.Length() > 0
}

// dispatch delivers readiness to the attached events.
func (l *Loop) dispatch() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	ready := l.readySet
	l.readySet = make(map[*Channel]struct{})
	l.mu.Unlock()

	for _, ch := range l.localReady {
		ready[ch] = struct{}{}
	}
	l.localReady = l.localReady[:0]

	for ch := range ready {
		a := l.attachments[ch]
		if ch.IsClosed() {
			delete(l.attachments, ch)
			if a != nil {
				for _, e := range a.pending {
					e.Abort(ErrChannelClosed)
				}
			}
			continue
		}
		if a == nil {
			continue
		}
		occurred := ch.take(a.interest)
		if occurred == 0 {
			continue
		}
		fired := a.fire(occurred)
		if len(a.pending) == 0 {
			delete(l.attachments, ch)
		}
		for _, e := range fired {
			e.Handle(l.ctx)
		}
	}
}

// fail records an unrecoverable loop error as the abort cause.
func (l *Loop) fail(err error) {
	l.logger.Error("Reactor loop failed.", zap.Error(err))
	l.mu.Lock()
	if l.cause == nil {
		l.cause = err
	}
	wasClosed := l.closed
	l.closed = true
	closedErr := l.closedErrorLocked()
	l.mu.Unlock()
	if !wasClosed {
		l.owner.AbortPending(closedErr)
	}
}

func (l *Loop) shutdown() {
	l.stopOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		closedErr := l.closedErrorLocked()
		queued := l.drainRegistrationsLocked()
		l.mu.Unlock()

		for _, e := range queued {
			e.Abort(closedErr)
		}
		// The owner closes its channels while their events are still attached.
		l.owner.Stop()
		for ch, a := range l.attachments {
			delete(l.attachments, ch)
			for _, e := range a.pending {
				e.Abort(closedErr)
			}
		}
		close(l.done)
	})
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
