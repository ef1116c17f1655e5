package listener

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListenerHandlesInput(t *testing.T) {
	in := make(chan int)
	var sum atomic.Int64
	var stopped atomic.Bool

	l := New(in, func(v int) error {
		sum.Add(int64(v))
		return nil
	}, WithStopHandler(func() { stopped.Store(true) }))
	l.Start(context.Background())

	for i := 1; i <= 10; i++ {
		in <- i
	}
	l.Stop()

	assert.Equal(t, int64(55), sum.Load())
	assert.True(t, stopped.Load())
}

func TestListenerReportsErrorsAndKeepsRunning(t *testing.T) {
	in := make(chan int)
	errs := make(chan error, 4)
	var handled atomic.Int64

	l := New(in, func(v int) error {
		handled.Add(1)
		if v%2 == 0 {
			return errors.New("even")
		}
		return nil
	}, WithErrorHandler(func(err error) { errs <- err }))
	l.Start(context.Background())
	defer l.Stop()

	for i := 1; i <= 4; i++ {
		in <- i
	}

	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			require.ErrorContains(t, err, "even")
		case <-time.After(time.Second):
			t.Fatal("error was not reported")
		}
	}
	assert.Equal(t, int64(4), handled.Load())
}

func TestListenerStopsOnParentCancel(t *testing.T) {
	in := make(chan int)
	ctx, cancel := context.WithCancel(context.Background())

	l := New(in, func(int) error { return nil })
	l.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		l.Stop()
		l.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stop did not return")
	}
}

func TestListenerStopsOnClosedInput(t *testing.T) {
	in := make(chan int)
	l := New(in, func(int) error { return nil })
	l.Start(context.Background())
	close(in)

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop did not exit on closed input")
	}
	l.Stop()
}
