// Package schedule provides a small single-worker scheduler for the
// low-frequency maintenance loops. Each component receives its own
// Scheduler at construction and the component that created it closes it.
//
// All tasks of a Scheduler run on one goroutine, one at a time, so no two
// ticks of a loop can overlap. Repeating tasks are re-armed only after a run
// completes.
package schedule

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

const queueSize = 16

// Scheduler runs delayed and periodic tasks on a single worker goroutine.
type Scheduler struct {
	name  string
	clock clock.Clock

	jobs chan *Task
	done chan struct{}
	wg   sync.WaitGroup

	mu     sync.Mutex
	tasks  map[*Task]struct{}
	closed bool
}

// Task is a handle to a scheduled function.
type Task struct {
	s    *Scheduler
	fn   func()
	next func() time.Duration

	mu        sync.Mutex
	timer     *clock.Timer
	cancelled atomic.Bool
}

// New creates and starts a scheduler. A nil clock uses the wall clock.
func New(name string, clk clock.Clock) *Scheduler {
	if clk == nil {
		clk = clock.New()
	}
	s := &Scheduler{
		name:  name,
		clock: clk,
		jobs:  make(chan *Task, queueSize),
		done:  make(chan struct{}),
		tasks: make(map[*Task]struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// Clock returns the scheduler's clock.
func (s *Scheduler) Clock() clock.Clock {
	return s.clock
}

func (s *Scheduler) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case t := <-s.jobs:
			s.execute(t)
		}
	}
}

func (s *Scheduler) execute(t *Task) {
	if t.cancelled.Load() {
		return
	}
	func() {
		defer func() {
			if r := recover(); r != nil {
				logrus.WithFields(logrus.Fields{
					"function":  "Scheduler.execute",
					"scheduler": s.name,
					"panic":     r,
				}).Error("Scheduled task panicked")
			}
		}()
		t.fn()
	}()

	if t.next == nil || t.cancelled.Load() {
		s.forget(t)
		return
	}
	s.arm(t, t.next())
}

// Schedule runs fn once after delay.
func (s *Scheduler) Schedule(delay time.Duration, fn func()) *Task {
	return s.schedule(delay, nil, fn)
}

// Every runs fn after initialDelay and then period after each run
// completes.
func (s *Scheduler) Every(initialDelay, period time.Duration, fn func()) *Task {
	return s.schedule(initialDelay, func() time.Duration { return period }, fn)
}

// ScheduleFunc runs fn after initialDelay and then after whatever delay next
// returns once each run completes.
func (s *Scheduler) ScheduleFunc(initialDelay time.Duration, next func() time.Duration, fn func()) *Task {
	return s.schedule(initialDelay, next, fn)
}

func (s *Scheduler) schedule(delay time.Duration, next func() time.Duration, fn func()) *Task {
	t := &Task{s: s, fn: fn, next: next}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		t.cancelled.Store(true)
		return t
	}
	s.tasks[t] = struct{}{}
	s.mu.Unlock()

	s.arm(t, delay)
	return t
}

// arm queues t after delay. A task due now is queued without a timer, so it
// runs even when a mock clock never advances.
func (s *Scheduler) arm(t *Task, delay time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled.Load() {
		return
	}
	if delay <= 0 {
		t.timer = nil
		go s.enqueue(t)
		return
	}
	t.timer = s.clock.AfterFunc(delay, func() { s.enqueue(t) })
}

func (s *Scheduler) enqueue(t *Task) {
	select {
	case s.jobs <- t:
	case <-s.done:
	}
}

func (s *Scheduler) forget(t *Task) {
	s.mu.Lock()
	delete(s.tasks, t)
	s.mu.Unlock()
}

// Cancel stops the task. A run already in progress completes, but the task
// is not re-armed.
func (t *Task) Cancel() {
	if t == nil || t.cancelled.Swap(true) {
		return
	}
	t.mu.Lock()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.mu.Unlock()
	t.s.forget(t)
}

// IsCancelled reports whether Cancel was called or the scheduler closed.
func (t *Task) IsCancelled() bool {
	return t == nil || t.cancelled.Load()
}

// Pending returns the number of live tasks.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Close cancels all tasks and stops the worker. It must not be called from
// inside a task of the same scheduler.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	tasks := make([]*Task, 0, len(s.tasks))
	for t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	for _, t := range tasks {
		t.Cancel()
	}
	close(s.done)
	s.wg.Wait()
}
