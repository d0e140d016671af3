// Package sched implements a run-or-reschedule gate that guarantees a task
// never executes concurrently with itself, without blocking callers.
package sched

import (
	"sync/atomic"
)

// Gate states.
const (
	idle int32 = iota
	running
	rerun
	stopped
)

// SequentialScheduler runs a task on behalf of any goroutine that asks, with
// at most one execution in flight. A request that arrives while the task is
// running is coalesced into exactly one follow-up run performed by the
// goroutine already inside the gate.
type SequentialScheduler struct {
	state atomic.Int32
	task  func()
}

// NewSequentialScheduler wraps task in a gate.
func NewSequentialScheduler(task func()) *SequentialScheduler {
	return &SequentialScheduler{task: task}
}

// RunOrSchedule runs the task inline if the gate is idle. If the task is
// already running, a re-run is recorded and the call returns immediately.
func (s *SequentialScheduler) RunOrSchedule() {
	for {
		switch s.state.Load() {
		case stopped, rerun:
			return
		case running:
			if s.state.CompareAndSwap(running, rerun) {
				return
			}
		case idle:
			if s.state.CompareAndSwap(idle, running) {
				s.loop()
				return
			}
		}
	}
}

// RunOrScheduleOn behaves like RunOrSchedule but hands the run to exec when
// the gate is acquired. exec must eventually invoke the function it is given.
func (s *SequentialScheduler) RunOrScheduleOn(exec func(func())) {
	if exec == nil {
		s.RunOrSchedule()
		return
	}
	for {
		switch s.state.Load() {
		case stopped, rerun:
			return
		case running:
			if s.state.CompareAndSwap(running, rerun) {
				return
			}
		case idle:
			if s.state.CompareAndSwap(idle, running) {
				exec(s.loop)
				return
			}
		}
	}
}

func (s *SequentialScheduler) loop() {
	for {
		s.task()
		if s.state.CompareAndSwap(running, idle) {
			return
		}
		// A rerun was requested while the task ran; claim it.
		if !s.state.CompareAndSwap(rerun, running) {
			// Stopped from inside the task.
			return
		}
	}
}

// Stop prevents any further runs. A run in progress completes normally.
func (s *SequentialScheduler) Stop() {
	s.state.Store(stopped)
}

// IsStopped reports whether Stop has been called.
func (s *SequentialScheduler) IsStopped() bool {
	return s.state.Load() == stopped
}
