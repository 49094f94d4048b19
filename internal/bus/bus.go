// Package bus provides a small typed publish/subscribe primitive. Every
// subscription returns an unsubscribe func that is safe to call more than
// once; teardown paths can therefore release handlers unconditionally.
package bus

import "sync"

// Bus fans one event type out to its subscribers. The zero value is not
// usable; construct with New.
type Bus[T any] struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]func(T)
	closed bool
}

// New returns an empty bus.
func New[T any]() *Bus[T] {
	return &Bus[T]{subs: make(map[int]func(T))}
}

// Subscribe registers fn and returns its unsubscribe handle. fn is invoked
// synchronously from Publish, in no guaranteed order relative to other
// subscribers.
func (b *Bus[T]) Subscribe(fn func(T)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Publish delivers v to every current subscriber.
func (b *Bus[T]) Publish(v T) {
	b.mu.Lock()
	fns := make([]func(T), 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.mu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}

// Len returns the number of active subscriptions.
func (b *Bus[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close drops all subscriptions; later Subscribe calls are no-ops.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[int]func(T))
}
