package bridge

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBridge_InvokeWaitsForCallback(t *testing.T) {
	var finished atomic.Bool
	b := New(func(v int) {
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
	})
	defer b.Release()

	start := time.Now()
	require.NoError(t, b.Invoke(context.Background(), 1))

	require.True(t, finished.Load(), "callback must have finished before Invoke returns")
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestBridge_CallbacksNeverOverlap(t *testing.T) {
	var running, maxRunning atomic.Int32
	var total atomic.Int32
	b := New(func(int) {
		n := running.Add(1)
		for {
			m := maxRunning.Load()
			if n <= m || maxRunning.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		total.Add(1)
		running.Add(-1)
	})
	defer b.Release()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- b.Invoke(context.Background(), i)
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.Equal(t, int32(1), maxRunning.Load())
	require.Equal(t, int32(20), total.Load())
}

func TestBridge_ReleaseRejectsInvoke(t *testing.T) {
	b := New(func(string) {})
	b.Release()
	b.Release() // idempotent

	require.ErrorIs(t, b.Invoke(context.Background(), "x"), ErrReleased)

	select {
	case <-b.stopped:
	case <-time.After(time.Second):
		require.Fail(t, "consumer goroutine did not exit")
	}
}

func TestBridge_ReleaseWaitsForInflightInvoke(t *testing.T) {
	entered := make(chan struct{})
	unblock := make(chan struct{})
	b := New(func(int) {
		close(entered)
		<-unblock
	})

	invokeDone := make(chan error, 1)
	go func() { invokeDone <- b.Invoke(context.Background(), 1) }()
	<-entered

	releaseDone := make(chan struct{})
	go func() {
		b.Release()
		close(releaseDone)
	}()

	select {
	case <-releaseDone:
		require.Fail(t, "Release returned while a delivery was live")
	case <-time.After(30 * time.Millisecond):
	}

	close(unblock)
	require.NoError(t, <-invokeDone)

	select {
	case <-releaseDone:
	case <-time.After(time.Second):
		require.Fail(t, "Release did not return after delivery completed")
	}
}

func TestBridge_TimeoutWhileRunning(t *testing.T) {
	unblock := make(chan struct{})
	defer close(unblock)

	b := New(func(int) { <-unblock }, WithTimeout(20*time.Millisecond))

	err := b.Invoke(context.Background(), 1)
	require.ErrorIs(t, err, ErrTimeout)

	var invErr *InvokeError
	require.True(t, errors.As(err, &invErr))
	require.True(t, invErr.Started, "callback had already started")
}

func TestBridge_AbandonedCallIsSkipped(t *testing.T) {
	entered := make(chan struct{}, 1)
	unblock := make(chan struct{})
	var calls atomic.Int32
	b := New(func(int) {
		calls.Add(1)
		entered <- struct{}{}
		<-unblock
	})
	defer b.Release()

	first := make(chan error, 1)
	go func() { first <- b.Invoke(context.Background(), 1) }()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := b.Invoke(ctx, 2)

	var invErr *InvokeError
	require.True(t, errors.As(err, &invErr))
	require.False(t, invErr.Started)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(unblock)
	require.NoError(t, <-first)

	// A fresh call proves the consumer moved past the abandoned one.
	done := make(chan error, 1)
	go func() { done <- b.Invoke(context.Background(), 3) }()
	<-entered
	require.NoError(t, <-done)
	require.Equal(t, int32(2), calls.Load())
}

func TestBridge_PanicIsReported(t *testing.T) {
	b := New(func(v int) {
		if v == 0 {
			panic("boom")
		}
	})
	defer b.Release()

	err := b.Invoke(context.Background(), 0)
	var panicErr *PanicError
	require.True(t, errors.As(err, &panicErr))
	require.Equal(t, "boom", panicErr.Value)

	require.NoError(t, b.Invoke(context.Background(), 1), "bridge survives a panicking callback")
}
