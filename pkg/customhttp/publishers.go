package customhttp

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/xkilldash9x/h2reactor/pkg/sched"
)

const defaultChunkSize = 16 * 1024

type bodyPublishers struct{}

// BodyPublishers builds request bodies.
var BodyPublishers bodyPublishers

// NoBody is an empty body. A nil Request.Body means the same.
func (bodyPublishers) NoBody() BodyPublisher {
	return emptyPublisher{}
}

// OfBytes publishes b in chunks of at most 16 KiB. b must not be modified
// until the request completes.
func (bodyPublishers) OfBytes(b []byte) BodyPublisher {
	rest := b
	return &pullPublisher{
		length: int64(len(b)),
		next: func() ([]byte, error) {
			if len(rest) == 0 {
				return nil, io.EOF
			}
			n := min(len(rest), defaultChunkSize)
			chunk := rest[:n]
			rest = rest[n:]
			return chunk, nil
		},
	}
}

// OfString publishes s.
func (p bodyPublishers) OfString(s string) BodyPublisher {
	return p.OfBytes([]byte(s))
}

// OfReader publishes r in chunks of chunkSize bytes. length is the declared
// content length, or -1 when unknown. A declared length that does not match
// what r yields fails the request with a protocol error.
func (bodyPublishers) OfReader(r io.Reader, length int64, chunkSize int) BodyPublisher {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	return &pullPublisher{
		length: length,
		next: func() ([]byte, error) {
			for {
				buf := make([]byte, chunkSize)
				n, err := r.Read(buf)
				if n > 0 {
					return buf[:n], nil
				}
				if err != nil {
					return nil, err
				}
			}
		},
	}
}

type emptyPublisher struct{}

func (emptyPublisher) ContentLength() int64 { return 0 }

func (emptyPublisher) Subscribe(s Subscriber) {
	s.OnSubscribe(noopSubscription{})
	s.OnComplete()
}

type noopSubscription struct{}

func (noopSubscription) Request(int64) {}
func (noopSubscription) Cancel()       {}

// pullPublisher emits the chunks returned by next as demand allows. next
// returns io.EOF after the last chunk. A pullPublisher supports a single
// subscriber.
type pullPublisher struct {
	length     int64
	next       func() ([]byte, error)
	subscribed atomic.Bool
}

func (p *pullPublisher) ContentLength() int64 { return p.length }

func (p *pullPublisher) Subscribe(s Subscriber) {
	if !p.subscribed.CompareAndSwap(false, true) {
		s.OnSubscribe(noopSubscription{})
		s.OnError(errors.New("body publisher supports a single subscriber"))
		return
	}
	sub := &pullSubscription{next: p.next, subscriber: s}
	sub.sched = sched.NewSequentialScheduler(sub.drain)
	s.OnSubscribe(sub)
}

type pullSubscription struct {
	next       func() ([]byte, error)
	subscriber Subscriber
	demand     demand
	sched      *sched.SequentialScheduler
	cancelled  atomic.Bool
	// terminal is only touched inside the scheduler.
	terminal bool
	badDemand atomic.Bool
}

func (p *pullSubscription) Request(n int64) {
	if n <= 0 {
		p.badDemand.Store(true)
	} else {
		p.demand.increase(n)
	}
	p.sched.RunOrSchedule()
}

func (p *pullSubscription) Cancel() {
	p.cancelled.Store(true)
	p.sched.Stop()
}

func (p *pullSubscription) drain() {
	if p.terminal || p.cancelled.Load() {
		return
	}
	if p.badDemand.Load() {
		p.terminal = true
		p.subscriber.OnError(fmt.Errorf("non-positive subscription request"))
		return
	}
	for !p.cancelled.Load() && p.demand.tryDecrement() {
		chunk, err := p.next()
		if errors.Is(err, io.EOF) {
			p.terminal = true
			p.subscriber.OnComplete()
			return
		}
		if err != nil {
			p.terminal = true
			p.subscriber.OnError(err)
			return
		}
		p.subscriber.OnNext(chunk)
	}
}
