package engine

import (
	"sync"
)

// MaxQueued is the number of undelivered events a subscription may hold.
// A subscriber falling further behind is cancelled.
const MaxQueued = 1 << 16

// Hub is a Sink forwarding every event to all subscribers. Emit never waits
// for a subscriber: every subscription queues events and a goroutine of its
// own delivers them in the order they were emitted.
type Hub struct {
	mx     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

// Subscription is a stream of events of a Hub
type Subscription struct {
	hub  *Hub
	ch   chan Event
	wake chan struct{}
	done chan struct{}
	once sync.Once

	mx       sync.Mutex
	queue    []Event
	draining bool
}

func NewHub() *Hub {
	return &Hub{subs: make(map[*Subscription]struct{})}
}

// Subscribe returns a subscription to all events emitted from now on. The
// channel of a subscription to a closed hub is closed.
func (h *Hub) Subscribe(buffer int) *Subscription {
	sub := &Subscription{
		hub:  h,
		ch:   make(chan Event, buffer),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}

	h.mx.Lock()
	defer h.mx.Unlock()
	if h.closed {
		sub.once.Do(func() { close(sub.done) })
		close(sub.ch)
		return sub
	}
	h.subs[sub] = struct{}{}
	go sub.forward()
	return sub
}

func (h *Hub) Emit(e Event) {
	h.mx.RLock()
	var slow []*Subscription
	for sub := range h.subs {
		if !sub.push(e) {
			slow = append(slow, sub)
		}
	}
	h.mx.RUnlock()
	for _, sub := range slow {
		sub.Cancel()
	}
}

// Close cancels all subscriptions, later events are dropped
func (h *Hub) Close() {
	h.mx.Lock()
	h.closed = true
	subs := make([]*Subscription, 0, len(h.subs))
	for sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mx.Unlock()
	for _, sub := range subs {
		sub.Cancel()
	}
}

// Len returns the number of active subscriptions
func (h *Hub) Len() int {
	h.mx.RLock()
	defer h.mx.RUnlock()
	return len(h.subs)
}

func (h *Hub) remove(sub *Subscription) {
	h.mx.Lock()
	defer h.mx.Unlock()
	delete(h.subs, sub)
}

// Events returns the channel of events. It is closed when the subscription
// ends.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Cancel ends the subscription at once, queued events are dropped. It is
// safe to call it more than once.
func (s *Subscription) Cancel() {
	s.hub.remove(s)
	s.once.Do(func() { close(s.done) })
}

// Drain stops receiving new events, delivers the queued ones and closes the
// channel. The caller must keep reading the channel until it is closed, or
// call Cancel.
func (s *Subscription) Drain() {
	s.hub.remove(s)
	s.mx.Lock()
	s.draining = true
	s.mx.Unlock()
	s.notify()
}

// push queues e, returns false when the queue is full
func (s *Subscription) push(e Event) bool {
	s.mx.Lock()
	if s.draining {
		s.mx.Unlock()
		return true
	}
	if len(s.queue) >= MaxQueued {
		s.mx.Unlock()
		return false
	}
	s.queue = append(s.queue, e)
	s.mx.Unlock()
	s.notify()
	return true
}

func (s *Subscription) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) next() (e Event, ok bool, draining bool) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if len(s.queue) == 0 {
		return Event{}, false, s.draining
	}
	e = s.queue[0]
	s.queue[0] = Event{}
	s.queue = s.queue[1:]
	return e, true, s.draining
}

func (s *Subscription) forward() {
	defer close(s.ch)
	for {
		e, ok, draining := s.next()
		if !ok {
			if draining {
				return
			}
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		select {
		case s.ch <- e:
		case <-s.done:
			return
		}
	}
}
