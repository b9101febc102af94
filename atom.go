package protoforge

import (
	"context"
	"iter"
	"sync"
)

// Atom holds a single value that can be read, written, and subscribed to.
// Updates are broadcast to all subscribers. Thread-safe for concurrent
// Get/Set operations.
//
// Unlike event streams, Atom represents current state - subscribers always
// receive the latest value, and intermediate updates may be skipped if a
// subscriber is slow.
//
//	status := protoforge.NewAtom(Status{State: "idle"})
//
//	// Read current value
//	current := status.Get()
//
//	// Update and broadcast to all subscribers
//	status.Set(Status{State: "running"})
//
//	// Register a server-streaming watch method
//	svc.Register("WatchStatus", status.StreamMethod())
type Atom[T any] struct {
	mu          sync.RWMutex
	value       T
	subscribers map[int64]chan T
	nextSubID   int64
}

// NewAtom creates a new Atom with the given initial value.
func NewAtom[T any](initial T) *Atom[T] {
	return &Atom[T]{
		value:       initial,
		subscribers: make(map[int64]chan T),
	}
}

// Get returns the current value.
func (a *Atom[T]) Get() T {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.value
}

// Set updates the value and broadcasts to all subscribers.
func (a *Atom[T]) Set(value T) {
	a.mu.Lock()
	a.value = value
	subs := make([]chan T, 0, len(a.subscribers))
	for _, ch := range a.subscribers {
		subs = append(subs, ch)
	}
	a.mu.Unlock()

	// Broadcast outside lock with non-blocking sends. A full channel is
	// drained first so slow subscribers observe the latest value.
	for _, ch := range subs {
		select {
		case ch <- value:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- value:
			default:
			}
		}
	}
}

// Update atomically applies fn to the current value.
// Useful for read-modify-write operations.
func (a *Atom[T]) Update(fn func(T) T) {
	a.mu.Lock()
	newValue := fn(a.value)
	a.mu.Unlock()
	a.Set(newValue)
}

// Subscribe returns an iterator that yields the current value and all
// future updates until ctx is canceled.
func (a *Atom[T]) Subscribe(ctx context.Context) iter.Seq[T] {
	return func(yield func(T) bool) {
		a.mu.RLock()
		current := a.value
		a.mu.RUnlock()

		if !yield(current) {
			return
		}

		ch := make(chan T, 1)
		subID := a.addSubscriber(ch)
		defer a.removeSubscriber(subID)

		for {
			select {
			case <-ctx.Done():
				return
			case val := <-ch:
				if !yield(val) {
					return
				}
			}
		}
	}
}

// StreamMethod returns a server-streaming method that sends the current
// value immediately, then streams updates until the client disconnects.
//
//	svc.Register("WatchStatus", statusAtom.StreamMethod())
func (a *Atom[T]) StreamMethod() *Method {
	return NewServerStream(func(ctx context.Context, _ Empty) iter.Seq2[T, error] {
		return func(yield func(T, error) bool) {
			for val := range a.Subscribe(ctx) {
				if !yield(val, nil) {
					return
				}
			}
		}
	})
}

// addSubscriber adds a channel to the subscriber list.
func (a *Atom[T]) addSubscriber(ch chan T) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	id := a.nextSubID
	a.nextSubID++
	a.subscribers[id] = ch
	return id
}

// removeSubscriber removes a channel from the subscriber list.
func (a *Atom[T]) removeSubscriber(id int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.subscribers, id)
}
