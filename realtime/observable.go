/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package realtime

import "sync"

// Observable holds the latest value of T and hands it to subscribers.
// Each subscriber channel has room for one value; a newer value replaces an
// unread older one, so slow readers only ever see the most recent state.
type Observable[T any] struct {
	mu    sync.Mutex
	value T
	set   bool
	next  int
	subs  map[int]chan T
}

func NewObservable[T any]() *Observable[T] {
	return &Observable[T]{subs: make(map[int]chan T)}
}

// Get returns the latest value and whether one has been published.
func (o *Observable[T]) Get() (T, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.value, o.set
}

// Subscribe returns a channel that receives the current value, if any, and
// every later one. cancel closes the channel.
func (o *Observable[T]) Subscribe() (<-chan T, func()) {
	o.mu.Lock()
	defer o.mu.Unlock()

	ch := make(chan T, 1)
	if o.set {
		ch <- o.value
	}

	id := o.next
	o.next++
	o.subs[id] = ch

	var once sync.Once

	return ch, func() {
		once.Do(func() {
			o.mu.Lock()
			defer o.mu.Unlock()

			delete(o.subs, id)
			close(ch)
		})
	}
}

func (o *Observable[T]) publish(v T) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.publishLocked(v)
}

// update applies fn to the current value and publishes the result
// atomically.
func (o *Observable[T]) update(fn func(T) T) T {
	o.mu.Lock()
	defer o.mu.Unlock()

	v := fn(o.value)
	o.publishLocked(v)

	return v
}

func (o *Observable[T]) publishLocked(v T) {
	o.value = v
	o.set = true

	for _, ch := range o.subs {
		select {
		case ch <- v:
			continue
		default:
		}

		select {
		case <-ch:
		default:
		}

		select {
		case ch <- v:
		default:
		}
	}
}
