package customhttp

import (
	"sync"
	"time"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/emirpasic/gods/sets/treeset"
	"github.com/emirpasic/gods/utils"

	"github.com/xkilldash9x/h2reactor/pkg/reactor"
)

// abortable is an in-flight operation that can be failed from outside.
type abortable interface {
	abort(err error)
}

type pendingRequest struct {
	id  int64
	req *Request
	op  abortable
}

// pendingRegistry tracks in-flight requests in id order so that a loop abort
// can fail every one of them.
type pendingRegistry struct {
	mu sync.Mutex
	m  *treemap.Map
}

func newPendingRegistry() *pendingRegistry {
	return &pendingRegistry{m: treemap.NewWith(utils.Int64Comparator)}
}

func (p *pendingRegistry) add(pr *pendingRequest) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.m.Put(pr.id, pr)
}

func (p *pendingRegistry) remove(id int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.m.Remove(id)
}

func (p *pendingRegistry) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.m.Size()
}

// abortAll removes and aborts entries oldest first until the registry is
// empty. Entries added while it runs are aborted too.
func (p *pendingRegistry) abortAll(err error) {
	for {
		p.mu.Lock()
		k, v := p.m.Min()
		if k == nil {
			p.mu.Unlock()
			return
		}
		p.m.Remove(k)
		p.mu.Unlock()
		v.(*pendingRequest).op.abort(err)
	}
}

// timeoutRegistry holds the session's deadlines ordered by expiry.
type timeoutRegistry struct {
	mu  sync.Mutex
	set *treeset.Set
}

func newTimeoutRegistry() *timeoutRegistry {
	return &timeoutRegistry{set: treeset.NewWith(reactor.CompareTimeouts)}
}

func (t *timeoutRegistry) add(te *reactor.TimeoutEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.set.Add(te)
}

func (t *timeoutRegistry) remove(te *reactor.TimeoutEvent) {
	if te == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.set.Remove(te)
}

func (t *timeoutRegistry) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.set.Size()
}

func (t *timeoutRegistry) clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.set.Clear()
}

// purge runs the handlers of every expired timeout and returns the wait until
// the next deadline, or zero when none remains. Handlers run without the lock
// held and may add new timeouts.
func (t *timeoutRegistry) purge(now time.Time) time.Duration {
	var due []*reactor.TimeoutEvent
	t.mu.Lock()
	for {
		it := t.set.Iterator()
		if !it.First() {
			break
		}
		te := it.Value().(*reactor.TimeoutEvent)
		if te.Deadline.After(now) {
			break
		}
		t.set.Remove(te)
		due = append(due, te)
	}
	t.mu.Unlock()

	for _, te := range due {
		te.Handler()
	}
	return t.nextDeadline(now)
}

func (t *timeoutRegistry) nextDeadline(now time.Time) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	it := t.set.Iterator()
	if !it.First() {
		return 0
	}
	wait := it.Value().(*reactor.TimeoutEvent).Deadline.Sub(now)
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait
}
