// Package bus implements an in-process broadcast bus. Every subscriber gets
// its own copy of each event in broadcast order; a subscriber that falls
// behind loses its oldest undelivered events instead of slowing the
// broadcaster down.
package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned by Receive once the subscription or its bus has
// been closed.
var ErrClosed = errors.New("subscription closed")

const DefaultBufferSize = 64

// Bus fans events of type T out to its subscribers.
type Bus[T any] struct {
	mu      sync.Mutex
	subs    map[uint64]*Subscription[T]
	nextID  uint64
	size    int
	closed  bool
	dropped atomic.Uint64
}

// New creates a bus whose subscribers buffer up to size undelivered events.
func New[T any](size int) *Bus[T] {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &Bus[T]{
		subs: make(map[uint64]*Subscription[T]),
		size: size,
	}
}

// Subscribe registers a new subscriber. It only observes events broadcast
// after Subscribe returns. Subscribing to a closed bus yields a closed
// subscription.
func (b *Bus[T]) Subscribe() *Subscription[T] {
	s := &Subscription[T]{
		size:   b.size,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.Close()
		return s
	}
	b.nextID++
	b.subs[b.nextID] = s
	return s
}

// Broadcast delivers ev to every live subscriber without blocking and
// prunes subscriptions that have been closed.
func (b *Bus[T]) Broadcast(ev T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for id, s := range b.subs {
		if s.isClosed() {
			delete(b.subs, id)
			continue
		}
		if s.push(ev) {
			b.dropped.Add(1)
		}
	}
}

// Len reports the number of registered subscriptions, including closed ones
// that have not been pruned yet.
func (b *Bus[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Dropped reports how many events have been discarded across all
// subscribers because their buffer was full.
func (b *Bus[T]) Dropped() uint64 { return b.dropped.Load() }

// Close closes every subscription. Later broadcasts are ignored.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[uint64]*Subscription[T])
	b.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
}

// Subscription is one subscriber's view of the bus. It is safe for one
// reader and any number of concurrent Close callers.
type Subscription[T any] struct {
	mu     sync.Mutex
	queue  []T
	size   int
	closed bool
	notify chan struct{}
	done   chan struct{}
}

// Receive blocks until an event is available, the subscription is closed or
// ctx is done.
func (s *Subscription[T]) Receive(ctx context.Context) (T, error) {
	var zero T
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return zero, ErrClosed
		}
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue[0] = zero
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return ev, nil
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-s.done:
		case <-s.notify:
		}
	}
}

// Done is closed when the subscription closes.
func (s *Subscription[T]) Done() <-chan struct{} { return s.done }

// Close ends the subscription. Buffered events are discarded.
func (s *Subscription[T]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.queue = nil
	close(s.done)
}

// push appends ev, evicting the oldest buffered event when full. It reports
// whether an event was evicted.
func (s *Subscription[T]) push(ev T) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	evicted := false
	if len(s.queue) >= s.size {
		var zero T
		s.queue[0] = zero
		s.queue = s.queue[1:]
		evicted = true
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return evicted
}

func (s *Subscription[T]) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
