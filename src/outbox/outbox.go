// Package outbox runs non-critical side effects of a call (persistence
// writes, archival bookkeeping) on a single worker so callers never block on
// them and failures never reach the conversation.
package outbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/square-key-labs/strawgo-call/src/logger"
)

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("outbox closed")

// ErrFull is returned by Enqueue when the queue is at capacity.
var ErrFull = errors.New("outbox full")

// Task is one side effect. The context is cancelled when the outbox is
// abandoned or the task exceeds its timeout.
type Task func(ctx context.Context) error

type entry struct {
	name string
	fn   Task
}

// Outbox executes tasks one at a time in enqueue order.
type Outbox struct {
	queue       chan entry
	taskTimeout time.Duration
	log         *logger.Logger

	mu     sync.Mutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	onResult func(name string, err error)
}

// Option configures an Outbox.
type Option func(*Outbox)

// WithCapacity sets the queue size.
func WithCapacity(n int) Option {
	return func(o *Outbox) {
		if n > 0 {
			o.queue = make(chan entry, n)
		}
	}
}

// WithTaskTimeout bounds each task.
func WithTaskTimeout(d time.Duration) Option {
	return func(o *Outbox) {
		o.taskTimeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(o *Outbox) {
		if l != nil {
			o.log = l
		}
	}
}

// WithResultHook observes every task outcome.
func WithResultHook(fn func(name string, err error)) Option {
	return func(o *Outbox) {
		o.onResult = fn
	}
}

// New starts an outbox worker.
func New(opts ...Option) *Outbox {
	o := &Outbox{
		queue:       make(chan entry, 256),
		taskTimeout: 10 * time.Second,
		log:         logger.WithPrefix("Outbox"),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.ctx, o.cancel = context.WithCancel(context.Background())
	go o.run()
	return o
}

// Enqueue schedules fn. It never blocks: a full queue drops the task.
func (o *Outbox) Enqueue(name string, fn Task) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		o.log.Warn("Dropping %s: outbox closed", name)
		return ErrClosed
	}
	select {
	case o.queue <- entry{name: name, fn: fn}:
		return nil
	default:
		o.log.Warn("Dropping %s: outbox full", name)
		return ErrFull
	}
}

// Close stops accepting tasks and waits for queued ones until ctx is done.
// Tasks still running at that point are cancelled.
func (o *Outbox) Close(ctx context.Context) error {
	o.mu.Lock()
	if !o.closed {
		o.closed = true
		close(o.queue)
	}
	o.mu.Unlock()

	select {
	case <-o.done:
		return nil
	case <-ctx.Done():
		o.cancel()
		<-o.done
		return ctx.Err()
	}
}

func (o *Outbox) run() {
	defer close(o.done)
	defer o.cancel()
	for e := range o.queue {
		if o.ctx.Err() != nil {
			o.log.Warn("Abandoned %s", e.name)
			continue
		}
		o.execute(e)
	}
}

func (o *Outbox) execute(e entry) {
	ctx := o.ctx
	if o.taskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.taskTimeout)
		defer cancel()
	}

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = errors.New("task panicked")
				o.log.Error("%s panicked: %v", e.name, r)
			}
		}()
		return e.fn(ctx)
	}()

	if err != nil {
		o.log.Warn("%s failed: %v", e.name, err)
	} else {
		o.log.Debug("%s done", e.name)
	}
	if o.onResult != nil {
		o.onResult(e.name, err)
	}
}
