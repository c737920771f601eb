// Package events delivers notifications off the goroutine that produced
// them. A Dispatcher owns a bounded queue and one worker goroutine; listeners
// run on that worker in registration order.
package events

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// DefaultQueueSize is the queue capacity used when none is given.
const DefaultQueueSize = 64

// Listener receives events of type E.
type Listener[E any] func(event E)

// Dispatcher fans events out to listeners on a dedicated goroutine.
type Dispatcher[E any] struct {
	name  string
	queue chan E
	done  chan struct{}

	mu        sync.RWMutex
	listeners []Listener[E]
	closed    bool
	closeOnce sync.Once
	exited    chan struct{}
}

// NewDispatcher creates a dispatcher and starts its worker. A non-positive
// size uses DefaultQueueSize.
func NewDispatcher[E any](name string, size int) *Dispatcher[E] {
	if size <= 0 {
		size = DefaultQueueSize
	}
	d := &Dispatcher[E]{
		name:   name,
		queue:  make(chan E, size),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go d.run()
	return d
}

// AddListener registers l. Listeners added after Close are ignored.
func (d *Dispatcher[E]) AddListener(l Listener[E]) {
	if l == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.listeners = append(d.listeners, l)
}

// Dispatch queues event for delivery and never blocks. It reports false
// when the dispatcher is closed or the queue is full, in which case the
// event is dropped.
func (d *Dispatcher[E]) Dispatch(event E) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	select {
	case d.queue <- event:
		return true
	default:
		logrus.WithFields(logrus.Fields{
			"function":   "Dispatcher.Dispatch",
			"dispatcher": d.name,
		}).Warn("Event queue full, dropping event")
		return false
	}
}

func (d *Dispatcher[E]) run() {
	defer close(d.exited)
	for {
		select {
		case <-d.done:
			return
		case event := <-d.queue:
			d.deliver(event)
		}
	}
}

func (d *Dispatcher[E]) deliver(event E) {
	d.mu.RLock()
	listeners := d.listeners
	d.mu.RUnlock()

	for _, l := range listeners {
		d.call(l, event)
	}
}

func (d *Dispatcher[E]) call(l Listener[E], event E) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "Dispatcher.deliver",
				"dispatcher": d.name,
				"panic":      r,
			}).Error("Event listener panicked")
		}
	}()
	l(event)
}

// Close stops delivery. Queued events that have not reached the worker are
// discarded. Close does not wait for a listener that is currently running,
// so it is safe to call from inside a listener.
func (d *Dispatcher[E]) Close() {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		d.listeners = nil
		d.mu.Unlock()
		close(d.done)
	})
}

// Done is closed once the worker goroutine has exited.
func (d *Dispatcher[E]) Done() <-chan struct{} {
	return d.exited
}
