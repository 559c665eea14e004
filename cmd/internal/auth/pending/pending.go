// Package pending provides a settle-once, single-flight operation.
//
// At most one flight exists at a time. Callers arriving while a flight is
// in progress attach to it and receive its outcome. The record is dropped
// as soon as the flight settles, so the next call starts fresh.
package pending

import (
	"context"
	"fmt"
	"sync"
)

type flight[T any] struct {
	done    chan struct{}
	val     T
	err     error
	waiters int
}

// Operation is a single-flight slot for a value of type T. The zero value is
// ready to use. An Operation must not be copied after first use.
type Operation[T any] struct {
	mu  sync.Mutex
	cur *flight[T]
}

// Do runs fn unless a flight is already in progress, in which case the caller
// joins it. fn runs on its own goroutine with a context that is detached from
// the caller's cancellation, so one caller giving up never fails the others.
// shared is true when the caller joined an existing flight.
func (o *Operation[T]) Do(ctx context.Context, fn func(context.Context) (T, error)) (v T, shared bool, err error) {
	o.mu.Lock()
	f := o.cur
	if f != nil {
		f.waiters++
		shared = true
	} else {
		f = &flight[T]{done: make(chan struct{}), waiters: 1}
		o.cur = f
		go o.run(context.WithoutCancel(ctx), f, fn)
	}
	o.mu.Unlock()

	select {
	case <-f.done:
		return f.val, shared, f.err
	case <-ctx.Done():
		o.mu.Lock()
		f.waiters--
		o.mu.Unlock()
		var zero T
		return zero, shared, ctx.Err()
	}
}

func (o *Operation[T]) run(ctx context.Context, f *flight[T], fn func(context.Context) (T, error)) {
	defer func() {
		if r := recover(); r != nil {
			f.err = fmt.Errorf("pending: operation panicked: %v", r)
		}
		o.mu.Lock()
		if o.cur == f {
			o.cur = nil
		}
		o.mu.Unlock()
		close(f.done)
	}()

	f.val, f.err = fn(ctx)
}

// InFlight reports whether a flight is currently running.
func (o *Operation[T]) InFlight() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cur != nil
}

// Waiters returns how many callers are attached to the current flight,
// including the one that started it. Zero when idle.
func (o *Operation[T]) Waiters() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cur == nil {
		return 0
	}
	return o.cur.waiters
}
