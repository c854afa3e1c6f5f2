// Package bridge runs asynchronous MCP work on behalf of synchronous callers.
//
// A Bridge owns one dispatcher goroutine for its whole lifetime. Callers
// Submit a unit of Work and block on the returned Future; the dispatcher
// starts every unit on its own goroutine under the bridge's root context, so
// unrelated requests never wait on each other. A Future that times out
// releases its caller but, unless Options.CancelOnTimeout is set, leaves the
// work running to completion and discards its result.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrClosed is returned for work submitted after Close, work still queued
	// when Close ran, and work that failed only because shutdown tore its
	// connection down.
	ErrClosed = errors.New("bridge: closed")
	// ErrTimeout matches every *TimeoutError.
	ErrTimeout = errors.New("bridge: timed out")
)

// TimeoutError reports that a caller stopped waiting for a unit of work.
type TimeoutError struct {
	ID    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("bridge: work %s timed out after %s", e.ID, e.After)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// Work is one unit of asynchronous work. ctx derives from the bridge's root
// context, not from the caller's.
type Work func(ctx context.Context) (any, error)

// Options configures a Bridge.
type Options struct {
	// Logger receives diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
	// CancelOnTimeout cancels a unit of work when its caller stops waiting.
	// By default the work keeps running and its result is dropped.
	CancelOnTimeout bool
	// QueueSize bounds the submission queue. Defaults to 64.
	QueueSize int
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	return opts
}

// Bridge hands work from synchronous callers to a background dispatcher.
type Bridge struct {
	opts   Options
	logger *slog.Logger

	queue  chan *task
	root   context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	closed  bool
	closing atomic.Bool

	inflight       sync.WaitGroup
	dispatcherDone chan struct{}
	closeOnce      sync.Once
	closeErr       error
}

// New starts a bridge. Call Close to stop it.
func New(opts *Options) *Bridge {
	o := opts.withDefaults()
	root, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		opts:           o,
		logger:         o.Logger,
		queue:          make(chan *task, o.QueueSize),
		root:           root,
		cancel:         cancel,
		dispatcherDone: make(chan struct{}),
	}
	go b.dispatch()
	return b
}

type taskIDKey struct{}

// TaskID returns the id of the unit of work running under ctx.
func TaskID(ctx context.Context) string {
	id, _ := ctx.Value(taskIDKey{}).(string)
	return id
}

type task struct {
	id        string
	work      Work
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	abandoned atomic.Bool

	value any
	err   error
}

func (t *task) finish(value any, err error) {
	t.value, t.err = value, err
	t.cancel()
	close(t.done)
}

// Submit queues work and returns a Future for its result.
func (b *Bridge) Submit(work Work) (*Future, error) {
	if work == nil {
		return nil, errors.New("bridge: nil work")
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrClosed
	}
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.WithValue(b.root, taskIDKey{}, id))
	t := &task{id: id, work: work, ctx: ctx, cancel: cancel, done: make(chan struct{})}
	b.inflight.Add(1)
	b.queue <- t
	return &Future{t: t, b: b}, nil
}

// SubmitAndWait submits work and waits for it. See Future.Wait.
func (b *Bridge) SubmitAndWait(ctx context.Context, timeout time.Duration, work Work) (any, error) {
	f, err := b.Submit(work)
	if err != nil {
		return nil, err
	}
	return f.Wait(ctx, timeout)
}

// Do is SubmitAndWait with a typed result.
func Do[T any](ctx context.Context, b *Bridge, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	v, err := b.SubmitAndWait(ctx, timeout, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	out, _ := v.(T)
	return out, err
}

func (b *Bridge) dispatch() {
	defer close(b.dispatcherDone)
	for t := range b.queue {
		if b.closing.Load() {
			t.finish(nil, ErrClosed)
			b.inflight.Done()
			continue
		}
		go b.run(t)
	}
}

func (b *Bridge) run(t *task) {
	defer b.inflight.Done()
	value, err := b.execute(t)
	if err != nil && b.closing.Load() && isShutdownRace(err) {
		b.logger.Debug("bridge: suppressed shutdown race", "invocation_id", t.id, "error", err)
		value, err = nil, ErrClosed
	}
	if t.abandoned.Load() {
		b.logger.Debug("bridge: discarded result of abandoned work", "invocation_id", t.id, "error", err)
	}
	t.finish(value, err)
}

func (b *Bridge) execute(t *task) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("bridge: work panicked", "invocation_id", t.id, "panic", r)
			value, err = nil, fmt.Errorf("bridge: work %s panicked: %v", t.id, r)
		}
	}()
	return t.work(t.ctx)
}

// Close stops accepting work, fails work that has not started yet, waits for
// running work until ctx ends and then cancels the root context.
func (b *Bridge) Close(ctx context.Context) error {
	return b.Shutdown(ctx, nil)
}

// Shutdown is Close with a final unit of work. teardown runs on the bridge
// after it stopped accepting work and while earlier work may still be
// running; errors that work then sees from torn-down connections are
// reported as ErrClosed. Only the first Close or Shutdown has any effect.
func (b *Bridge) Shutdown(ctx context.Context, teardown Work) error {
	b.closeOnce.Do(func() {
		b.closing.Store(true)
		b.mu.Lock()
		b.closed = true
		close(b.queue)
		b.mu.Unlock()

		var teardownErr error
		if teardown != nil {
			b.inflight.Add(1)
			go func() {
				defer b.inflight.Done()
				id := uuid.NewString()
				tctx, cancel := context.WithCancel(context.WithValue(b.root, taskIDKey{}, id))
				defer cancel()
				_, teardownErr = b.execute(&task{id: id, work: teardown, ctx: tctx, cancel: cancel})
			}()
		}

		drained := make(chan struct{})
		go func() {
			<-b.dispatcherDone
			b.inflight.Wait()
			close(drained)
		}()
		select {
		case <-drained:
			b.closeErr = teardownErr
		case <-ctx.Done():
			b.closeErr = ctx.Err()
			b.logger.Warn("bridge: close deadline reached with work still running", "error", ctx.Err())
		}
		b.cancel()
	})
	return b.closeErr
}

// Closed reports whether Close has been called.
func (b *Bridge) Closed() bool { return b.closing.Load() }

// Future is the caller's handle on submitted work.
type Future struct {
	t *task
	b *Bridge
}

// ID returns the work's correlation id.
func (f *Future) ID() string { return f.t.id }

// Done is closed when the work has finished.
func (f *Future) Done() <-chan struct{} { return f.t.done }

// Wait blocks until the work finishes, ctx ends or timeout elapses. A
// timeout of zero or less waits without a deadline. On timeout the error is a
// *TimeoutError; on ctx cancellation it is ctx.Err().
func (f *Future) Wait(ctx context.Context, timeout time.Duration) (any, error) {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case <-f.t.done:
		return f.t.value, f.t.err
	case <-timer:
		f.abandon("timeout")
		return nil, &TimeoutError{ID: f.t.id, After: timeout}
	case <-ctx.Done():
		f.abandon("caller canceled")
		return nil, ctx.Err()
	}
}

func (f *Future) abandon(reason string) {
	f.t.abandoned.Store(true)
	if f.b.opts.CancelOnTimeout {
		f.t.cancel()
		f.b.logger.Debug("bridge: canceled abandoned work", "invocation_id", f.t.id, "reason", reason)
		return
	}
	f.b.logger.Debug("bridge: caller stopped waiting, work continues", "invocation_id", f.t.id, "reason", reason)
}

// isShutdownRace reports whether err is what in-flight work sees when its
// connection is torn down underneath it.
func isShutdownRace(err error) bool {
	if errors.Is(err, context.Canceled) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, ErrClosed) {
		return true
	}
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "connection closed") ||
		strings.Contains(lower, "client is closing") ||
		strings.Contains(lower, "use of closed")
}
