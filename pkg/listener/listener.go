// Package listener runs a handler for every value received on a channel in
// a single goroutine until the listener is stopped.
package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var (
	errListenerStopped = errors.New("listener stopped")
)

type Job interface {
	Start(ctx context.Context)
	Stop()
}

type Option func(*options)

type options struct {
	name        string
	stopHandler func()
	errHandler  func(error)
}

// WithName sets the name used in log records.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithStopHandler registers fn to run once after the loop has exited.
func WithStopHandler(fn func()) Option {
	return func(o *options) { o.stopHandler = fn }
}

// WithErrorHandler replaces the default handler error logging.
func WithErrorHandler(fn func(error)) Option {
	return func(o *options) { o.errHandler = fn }
}

type Listener[T any] struct {
	handler func(input T) error
	opts    options

	in     <-chan T
	wg     sync.WaitGroup
	cancel func()
	once   sync.Once
}

var _ Job = (*Listener[struct{}])(nil)

func New[T any](in <-chan T, handler func(T) error, opts ...Option) *Listener[T] {
	o := options{
		name:        "listener",
		stopHandler: func() {},
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.errHandler == nil {
		name := o.name
		o.errHandler = func(err error) {
			slog.Warn("listener handler failed", "listener", name, "error", err)
		}
	}

	return &Listener[T]{
		in:      in,
		handler: handler,
		opts:    o,
		cancel:  func() {},
	}
}

func (l *Listener[T]) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)

	go func() {
		defer l.wg.Done()
		for {
			err := l.run(ctx)
			switch {
			case errors.Is(err, errListenerStopped):
				return
			case err != nil:
				l.opts.errHandler(err)
			}
		}
	}()
}

func (l *Listener[T]) run(ctx context.Context) error {
	// a pending stop wins over queued input
	if ctx.Err() != nil {
		return errListenerStopped
	}

	select {
	case inp, ok := <-l.in:
		if !ok {
			return errListenerStopped
		}
		err := l.handler(inp)
		if err != nil {
			return fmt.Errorf("failed to handle input: %w", err)
		}
	case <-ctx.Done():
		return errListenerStopped
	}

	return nil
}

// Stop cancels the loop, waits for the in-flight handler to return and
// then runs the stop handler. Calling Stop more than once is a no-op.
func (l *Listener[T]) Stop() {
	l.once.Do(func() {
		l.cancel()
		l.wg.Wait()
		l.opts.stopHandler()
	})
}
