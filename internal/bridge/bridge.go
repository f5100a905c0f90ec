// Package bridge runs a consumer callback on its own execution context and
// lets any goroutine hand it an argument and block until the callback has
// returned.
//
// A Bridge owns one consumer goroutine and a bounded request queue (one
// pending call by default). Each Invoke carries its own completion channel,
// so the caller is released only after the consumer has finished with the
// argument.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zjrosen/ptyhandoff/internal/log"
)

// DefaultQueueCapacity is the number of calls that may wait for the consumer.
const DefaultQueueCapacity = 1

var (
	// ErrReleased is returned by Invoke once Release has been called.
	ErrReleased = errors.New("callback bridge released")

	// ErrTimeout is the cause recorded when the configured timeout elapses.
	ErrTimeout = errors.New("callback bridge delivery timed out")
)

// InvokeError reports a delivery that did not complete normally.
// Started tells whether the consumer had begun running the callback.
type InvokeError struct {
	Started bool
	Err     error
}

func (e *InvokeError) Error() string {
	if e.Started {
		return fmt.Sprintf("callback did not complete: %v", e.Err)
	}
	return fmt.Sprintf("callback not delivered: %v", e.Err)
}

func (e *InvokeError) Unwrap() error {
	return e.Err
}

// PanicError wraps a value recovered from a panicking callback.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("callback panicked: %v", e.Value)
}

const (
	callPending int32 = iota
	callRunning
	callAbandoned
)

type call[T any] struct {
	arg   T
	state atomic.Int32
	done  chan error
}

// Option configures a Bridge.
type Option func(*options)

type options struct {
	name     string
	capacity int
	timeout  time.Duration
}

// WithName labels the bridge in logs.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithQueueCapacity sets how many calls may be queued for the consumer.
func WithQueueCapacity(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.capacity = n
		}
	}
}

// WithTimeout bounds how long Invoke waits. Zero waits forever.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// Bridge marshals calls onto a single consumer goroutine.
type Bridge[T any] struct {
	name    string
	fn      func(T)
	timeout time.Duration
	queue   chan *call[T]

	mu       sync.Mutex
	released bool
	inflight sync.WaitGroup

	stop    chan struct{}
	stopped chan struct{}
}

// New starts a bridge around fn. fn always runs on the bridge's consumer
// goroutine, one call at a time.
func New[T any](fn func(T), opts ...Option) *Bridge[T] {
	o := options{name: "bridge", capacity: DefaultQueueCapacity}
	for _, opt := range opts {
		opt(&o)
	}

	b := &Bridge[T]{
		name:    o.name,
		fn:      fn,
		timeout: o.timeout,
		queue:   make(chan *call[T], o.capacity),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go b.run()

	log.Debug(log.CatBridge, "Bridge started", "name", b.name, "capacity", o.capacity, "timeout", o.timeout)
	return b
}

func (b *Bridge[T]) run() {
	defer close(b.stopped)
	for {
		select {
		case c := <-b.queue:
			if !c.state.CompareAndSwap(callPending, callRunning) {
				// Caller gave up before we got to it.
				continue
			}
			c.done <- b.call(c.arg)
		case <-b.stop:
			return
		}
	}
}

func (b *Bridge[T]) call(arg T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
			log.Error(log.CatBridge, "Callback panicked", "name", b.name, "panic", r)
		}
	}()
	b.fn(arg)
	return nil
}

// Invoke queues arg for the consumer and blocks until the callback has
// returned, ctx is done, or the configured timeout elapses.
func (b *Bridge[T]) Invoke(ctx context.Context, arg T) error {
	b.mu.Lock()
	if b.released {
		b.mu.Unlock()
		return ErrReleased
	}
	b.inflight.Add(1)
	b.mu.Unlock()
	defer b.inflight.Done()

	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, b.timeout, ErrTimeout)
		defer cancel()
	}

	c := &call[T]{arg: arg, done: make(chan error, 1)}

	select {
	case b.queue <- c:
	case <-ctx.Done():
		return &InvokeError{Started: false, Err: context.Cause(ctx)}
	}

	select {
	case err := <-c.done:
		if err != nil {
			return &InvokeError{Started: true, Err: err}
		}
		return nil
	case <-ctx.Done():
		if c.state.CompareAndSwap(callPending, callAbandoned) {
			return &InvokeError{Started: false, Err: context.Cause(ctx)}
		}
		log.Warn(log.CatBridge, "Abandoned wait on running callback", "name", b.name, "cause", context.Cause(ctx))
		return &InvokeError{Started: true, Err: context.Cause(ctx)}
	}
}

// Release stops accepting calls, waits for in-flight Invoke calls to return
// and then stops the consumer goroutine. It is safe to call more than once.
// The consumer goroutine exits after any callback it is running returns.
func (b *Bridge[T]) Release() {
	b.mu.Lock()
	if b.released {
		b.mu.Unlock()
		return
	}
	b.released = true
	b.mu.Unlock()

	b.inflight.Wait()
	close(b.stop)

	log.Debug(log.CatBridge, "Bridge released", "name", b.name)
}
