package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var (
	ErrQueueFull        = errors.New("notify: dispatch queue full")
	ErrDispatcherClosed = errors.New("notify: dispatcher closed")
)

const (
	DefaultQueueSize   = 1024
	DefaultSendTimeout = 5 * time.Second
)

// Dispatcher hands events to a Notifier on its own goroutine. Notify never
// waits on the wrapped notifier; when the queue is full the event is dropped
// and ErrQueueFull is returned. Each delivery gets its own timeout.
type Dispatcher struct {
	next    Notifier
	log     *slog.Logger
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan envelope
	done   chan struct{}
}

var _ Notifier = (*Dispatcher)(nil)

// envelope carries either an event or a flush barrier.
type envelope struct {
	ev      Event
	barrier chan struct{}
}

type DispatcherOption func(*Dispatcher)

func WithQueueSize(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queue = make(chan envelope, n)
		}
	}
}

func WithSendTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

func WithDispatchLogger(log *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if log != nil {
			d.log = log
		}
	}
}

// NewDispatcher starts the delivery goroutine. Call Close to drain and stop it.
func NewDispatcher(next Notifier, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		next:    next,
		log:     slog.Default(),
		timeout: DefaultSendTimeout,
		queue:   make(chan envelope, DefaultQueueSize),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	go d.run()
	return d
}

// Notify enqueues ev. The context is not used for delivery.
func (d *Dispatcher) Notify(_ context.Context, ev Event) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	select {
	case d.queue <- envelope{ev: ev}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Flush waits until every event enqueued before the call has been handed to
// the wrapped notifier.
func (d *Dispatcher) Flush(ctx context.Context) error {
	barrier := make(chan struct{})
	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		return ErrDispatcherClosed
	}
	select {
	case d.queue <- envelope{barrier: barrier}:
		d.mu.RUnlock()
	case <-ctx.Done():
		d.mu.RUnlock()
		return ctx.Err()
	}

	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting events and waits for the queue to drain or ctx to
// end, whichever comes first.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for env := range d.queue {
		if env.barrier != nil {
			close(env.barrier)
			continue
		}
		d.deliver(env.ev)
	}
}

func (d *Dispatcher) deliver(ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	start := time.Now()
	if err := d.next.Notify(ctx, ev); err != nil {
		d.log.Warn("event delivery failed",
			slog.String("event_id", ev.ID),
			slog.String("event_type", string(ev.Type)),
			slog.Duration("elapsed", time.Since(start)),
			slog.Any("err", err),
		)
	}
}
