// Package events hands fills from the matching critical section to slow side
// effects (history, notifications, streams) without reordering them.
package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/clobnode/pkg/app/core/orderbook"
)

var ErrClosed = errors.New("dispatcher closed")

// Handler consumes fills in sequence order. Errors are logged and counted;
// they do not stop delivery to other handlers or of later fills.
type Handler interface {
	HandleFill(ctx context.Context, f orderbook.Fill) error
}

type HandlerFunc func(ctx context.Context, f orderbook.Fill) error

func (fn HandlerFunc) HandleFill(ctx context.Context, f orderbook.Fill) error { return fn(ctx, f) }

// Observer receives delivery statistics.
type Observer interface {
	FillDispatched(lag time.Duration)
	HandlerFailed(handler string)
	QueueDepth(n int)
}

type nopObserver struct{}

func (nopObserver) FillDispatched(time.Duration) {}
func (nopObserver) HandlerFailed(string)         {}
func (nopObserver) QueueDepth(int)               {}

type namedHandler struct {
	name string
	h    Handler
}

type item struct {
	fill    orderbook.Fill
	barrier chan struct{}
}

// Dispatcher stamps every published fill with the next sequence number and
// delivers it from a single consumer goroutine.
//
// Publish never blocks: fills are appended to an unbounded backlog that the
// consumer swaps out in batches. A slow handler grows the backlog instead of
// holding up the caller, which is the book's critical section.
type Dispatcher struct {
	log      *zap.SugaredLogger
	observer Observer
	handlers []namedHandler
	warnAt   int

	mu      sync.Mutex // guards seq, closed and pending
	seq     uint64
	closed  bool
	pending []item
	warned  bool

	wake      chan struct{} // capacity 1, nudges the consumer
	delivered atomic.Uint64
	started   atomic.Bool
	done      chan struct{}
}

// NewDispatcher returns a dispatcher that logs a warning whenever the
// backlog grows past warnAt undelivered entries.
func NewDispatcher(log *zap.SugaredLogger, warnAt int) *Dispatcher {
	if warnAt <= 0 {
		warnAt = 1024
	}
	return &Dispatcher{
		log:      log,
		observer: nopObserver{},
		warnAt:   warnAt,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// SetObserver must be called before Start.
func (d *Dispatcher) SetObserver(o Observer) {
	if o != nil {
		d.observer = o
	}
}

// Register adds a handler. Handlers run in registration order. Must be called before Start.
func (d *Dispatcher) Register(name string, h Handler) {
	d.handlers = append(d.handlers, namedHandler{name: name, h: h})
}

// Start launches the consumer. ctx is passed to handlers; Close, not ctx,
// ends the consumer so queued fills are never dropped.
func (d *Dispatcher) Start(ctx context.Context) {
	if !d.started.CompareAndSwap(false, true) {
		return
	}
	go d.run(ctx)
}

// Publish implements orderbook.FillSink.
func (d *Dispatcher) Publish(fills []orderbook.Fill) {
	if len(fills) == 0 {
		return
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.log.Errorw("fills_published_after_close", "count", len(fills))
		return
	}
	for _, f := range fills {
		d.seq++
		f.Seq = d.seq
		d.pending = append(d.pending, item{fill: f})
	}
	depth := len(d.pending)
	warn := depth > d.warnAt && !d.warned
	if warn {
		d.warned = true
	}
	d.mu.Unlock()

	d.observer.QueueDepth(depth)
	if warn {
		d.log.Warnw("dispatch_backlog_growing", "pending", depth, "warn_at", d.warnAt)
	}
	d.signal()
}

// Flush blocks until every fill published before the call has been handled.
func (d *Dispatcher) Flush(ctx context.Context) error {
	barrier := make(chan struct{})
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	d.pending = append(d.pending, item{barrier: barrier})
	d.mu.Unlock()
	d.signal()

	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting fills and waits for the backlog to drain.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()
	d.signal()

	if d.started.Load() {
		<-d.done
	}
}

// Published is the sequence number of the last published fill.
func (d *Dispatcher) Published() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seq
}

// Delivered is the sequence number of the last fill handed to every handler.
func (d *Dispatcher) Delivered() uint64 { return d.delivered.Load() }

// Pending is the number of undelivered fills and barriers.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// take swaps out the backlog. ok is false once closed and drained.
func (d *Dispatcher) take() (batch []item, ok bool) {
	for {
		d.mu.Lock()
		if len(d.pending) > 0 {
			batch, d.pending = d.pending, nil
			d.warned = false
			d.mu.Unlock()
			return batch, true
		}
		closed := d.closed
		d.mu.Unlock()
		if closed {
			return nil, false
		}
		<-d.wake
	}
}

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.done)

	var last uint64
	for {
		batch, ok := d.take()
		if !ok {
			return
		}
		for _, it := range batch {
			if it.barrier != nil {
				close(it.barrier)
				continue
			}

			f := it.fill
			if f.Seq != last+1 {
				d.log.Errorw("fill_sequence_gap", "expected", last+1, "got", f.Seq)
			}
			last = f.Seq

			for _, nh := range d.handlers {
				if err := nh.h.HandleFill(ctx, f); err != nil {
					d.observer.HandlerFailed(nh.name)
					d.log.Warnw("fill_handler_failed", "handler", nh.name, "seq", f.Seq, "err", err)
				}
			}

			d.delivered.Store(f.Seq)
			d.observer.FillDispatched(time.Since(f.Time))
		}
	}
}
