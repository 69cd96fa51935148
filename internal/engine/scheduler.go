package engine

import (
	"context"
	"log/slog"
	"sync"
)

// Task is a unit of work run by the Scheduler.
type Task func(ctx context.Context) error

type job struct {
	name string
	run  Task
}

// Gate decides whether paused work may continue. Implemented by
// StateManager.
type Gate interface {
	ShouldResume(caller string) bool
}

// Scheduler is a FIFO task queue with a single Run loop. It is paused while
// a checkpoint runs and resumed only when its Gate allows it.
//
// The queue is unbounded. The signal channel (buffered, size 1) lets Run
// wait on new work and context cancellation in one select.
type Scheduler struct {
	mu     sync.Mutex
	jobs   []job
	closed bool
	paused bool
	signal chan struct{}

	gate Gate
}

// NewScheduler creates a running (unpaused) scheduler.
func NewScheduler(gate Gate) *Scheduler {
	return &Scheduler{
		jobs:   make([]job, 0, 64),
		signal: make(chan struct{}, 1),
		gate:   gate,
	}
}

// Enqueue adds a task to the back of the queue. Returns false once the
// scheduler is closed. Safe from any goroutine.
func (s *Scheduler) Enqueue(name string, t Task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.jobs = append(s.jobs, job{name: name, run: t})
	s.notify()
	return true
}

// notify wakes Run. Callers hold s.mu.
func (s *Scheduler) notify() {
	if s.closed {
		return
	}
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// Pause stops Run from starting new tasks. A task already running finishes.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
}

// Resume asks the gate whether work may continue and unpauses if so.
func (s *Scheduler) Resume(caller string) bool {
	if s.gate != nil && !s.gate.ShouldResume(caller) {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = false
	s.notify()
	return true
}

// Paused reports whether the scheduler is paused.
func (s *Scheduler) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Len returns the number of queued tasks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Close stops accepting tasks. Run finishes the queued tasks, unless
// paused, and returns.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.signal)
}

func (s *Scheduler) next() (job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused || len(s.jobs) == 0 {
		return job{}, false
	}
	j := s.jobs[0]
	s.jobs[0] = job{}
	if len(s.jobs) == 1 {
		s.jobs = s.jobs[:0]
	} else {
		s.jobs = s.jobs[1:]
	}
	return j, true
}

// Run executes tasks in order until ctx is done or the scheduler is
// closed. Task errors are logged and processing continues.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		if j, ok := s.next(); ok {
			if err := j.run(ctx); err != nil {
				slog.Warn("scheduled task failed", "task", j.name, "error", err)
			}
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-s.signal:
			if !ok {
				return nil
			}
		}
	}
}
