// Package notify implements the observer lists used across the module:
// position changes, task completion, registry availability and scan
// progress.
//
// A Topic delivers values synchronously on the publishing goroutine.
// Consumers owning their own goroutine (a UI loop, a CLI printer) should use
// Pipe, which turns a subscription into a channel so values cross goroutine
// boundaries by message passing instead of touching consumer state from the
// publisher.
package notify

import (
	"sync"
)

// Topic is a set of subscribers for values of type T. The zero value is
// ready to use. There is no ordering guarantee across subscribers.
type Topic[T any] struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]func(T)
}

// Subscribe registers fn and returns a function removing it. Calling the
// returned function more than once is harmless.
func (t *Topic[T]) Subscribe(fn func(T)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.subs == nil {
		t.subs = make(map[uint64]func(T))
	}
	t.nextID++
	id := t.nextID
	t.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, id)
			t.mu.Unlock()
		})
	}
}

// Publish calls every subscriber with v. The subscriber set is snapshotted
// first, so subscribers may (un)subscribe or publish from the callback.
func (t *Topic[T]) Publish(v T) {
	for _, fn := range t.snapshot() {
		fn(v)
	}
}

// PublishWhile is Publish checking ok before every subscriber call. It stops
// at the first false, so a subscriber can prevent the rest from seeing v.
func (t *Topic[T]) PublishWhile(v T, ok func() bool) {
	for _, fn := range t.snapshot() {
		if !ok() {
			return
		}
		fn(v)
	}
}

func (t *Topic[T]) snapshot() []func(T) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	fns := make([]func(T), 0, len(t.subs))
	for _, fn := range t.subs {
		fns = append(fns, fn)
	}
	return fns
}

// Len returns the number of subscribers.
func (t *Topic[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs)
}

// Pipe subscribes with subscribe, usually a Topic's Subscribe or an OnX
// method built on it, and forwards values to the returned channel. Sends
// never block the publisher: when the buffer is full the value is dropped.
// The returned stop function unsubscribes and closes the channel.
func Pipe[T any](subscribe func(func(T)) func(), buffer int) (<-chan T, func()) {
	ch := make(chan T, buffer)
	var mu sync.Mutex
	closed := false

	unsubscribe := subscribe(func(v T) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- v:
		default:
		}
	})

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			unsubscribe()
			mu.Lock()
			closed = true
			close(ch)
			mu.Unlock()
		})
	}
}
