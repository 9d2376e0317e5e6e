// Package fanout provides a best-effort broadcaster that delivers values to
// any number of subscribers without ever blocking the publisher.
package fanout

import "sync"

// DefaultBufferSize is the channel buffer for each subscriber.
// Values are dropped if a subscriber falls this far behind.
const DefaultBufferSize = 64

// Fanout delivers published values to every current subscriber.
// It is safe for concurrent use.
type Fanout[T any] struct {
	mu      sync.Mutex
	subs    map[int]chan T
	nextID  int
	buffer  int
	closed  bool
	dropped uint64
}

// New creates a fanout whose subscriber channels hold up to buffer values.
// A non-positive buffer selects DefaultBufferSize.
func New[T any](buffer int) *Fanout[T] {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	return &Fanout[T]{
		subs:   make(map[int]chan T),
		buffer: buffer,
	}
}

// Subscribe returns a channel that receives published values and an
// unsubscribe function. After Close the returned channel is already closed.
func (f *Fanout[T]) Subscribe() (<-chan T, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan T, f.buffer)
	if f.closed {
		close(ch)
		return ch, func() {}
	}

	id := f.nextID
	f.nextID++
	f.subs[id] = ch

	return ch, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if c, ok := f.subs[id]; ok {
			delete(f.subs, id)
			close(c)
		}
	}
}

// Publish sends v to all subscribers. Values are dropped for subscribers
// whose buffers are full.
func (f *Fanout[T]) Publish(v T) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}
	for _, ch := range f.subs {
		select {
		case ch <- v:
		default:
			f.dropped++
		}
	}
}

// Dropped returns how many deliveries were skipped for slow subscribers.
func (f *Fanout[T]) Dropped() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dropped
}

// Close closes every subscriber channel. Later Publish calls are no-ops.
func (f *Fanout[T]) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}
	f.closed = true
	for id, ch := range f.subs {
		close(ch)
		delete(f.subs, id)
	}
}
