package sched

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSequentialScheduler_RunsInline(t *testing.T) {
	var runs int
	s := NewSequentialScheduler(func() { runs++ })

	s.RunOrSchedule()
	s.RunOrSchedule()

	assert.Equal(t, 2, runs)
}

func TestSequentialScheduler_NeverOverlaps(t *testing.T) {
	var inside, maxInside, total atomic.Int32
	s := NewSequentialScheduler(func() {
		n := inside.Add(1)
		for {
			m := maxInside.Load()
			if n <= m || maxInside.CompareAndSwap(m, n) {
				break
			}
		}
		total.Add(1)
		time.Sleep(50 * time.Microsecond)
		inside.Add(-1)
	})

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				s.RunOrSchedule()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside.Load(), "task must never run concurrently with itself")
	assert.Positive(t, total.Load())
}

func TestSequentialScheduler_CoalescesReentrantRequests(t *testing.T) {
	var runs int
	var s *SequentialScheduler
	s = NewSequentialScheduler(func() {
		runs++
		if runs == 1 {
			// Several requests while running collapse into one follow-up run.
			s.RunOrSchedule()
			s.RunOrSchedule()
			s.RunOrSchedule()
		}
	})

	s.RunOrSchedule()
	assert.Equal(t, 2, runs)
}

func TestSequentialScheduler_RequestDuringRunIsNotLost(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var runs atomic.Int32
	s := NewSequentialScheduler(func() {
		if runs.Add(1) == 1 {
			close(started)
			<-release
		}
	})

	done := make(chan struct{})
	go func() {
		s.RunOrSchedule()
		close(done)
	}()
	<-started

	// Returns immediately; the running goroutine owes a re-run.
	s.RunOrSchedule()
	close(release)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not finish")
	}
	assert.Equal(t, int32(2), runs.Load())
}

func TestSequentialScheduler_Stop(t *testing.T) {
	var runs int
	var s *SequentialScheduler
	s = NewSequentialScheduler(func() {
		runs++
		s.Stop()
		s.RunOrSchedule()
	})

	s.RunOrSchedule()
	s.RunOrSchedule()

	assert.Equal(t, 1, runs)
	assert.True(t, s.IsStopped())
}

func TestSequentialScheduler_RunOrScheduleOn(t *testing.T) {
	var runs atomic.Int32
	s := NewSequentialScheduler(func() { runs.Add(1) })

	var wg sync.WaitGroup
	wg.Add(1)
	s.RunOrScheduleOn(func(run func()) {
		go func() {
			defer wg.Done()
			run()
		}()
	})
	wg.Wait()
	require.Equal(t, int32(1), runs.Load())

	s.RunOrScheduleOn(nil)
	assert.Equal(t, int32(2), runs.Load())
}
