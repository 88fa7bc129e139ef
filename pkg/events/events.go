// Package events publishes domain events after the state change they describe
// has been committed.
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jakechorley/blood-match/pkg/core/model"
	"github.com/jakechorley/blood-match/pkg/notify"
)

// Publisher accepts committed domain events
type Publisher interface {
	Publish(ctx context.Context, events ...model.Event) error
}

// Dispatcher defaults
const (
	DefaultDispatchWorkers = 4
	DefaultDispatchQueue   = 256
	DefaultDeliveryTimeout = 30 * time.Second
)

// ErrDispatcherClosed is returned by Publish after Close
var ErrDispatcherClosed = errors.New("dispatcher closed")

// DispatcherOptions sizes the delivery workers. Zero values use the defaults.
type DispatcherOptions struct {
	Workers         int
	QueueSize       int
	DeliveryTimeout time.Duration
}

type job struct {
	ctx    context.Context
	userID string
	event  model.Event
}

// Dispatcher hands every event to the notification sink once per recipient.
// Publish only queues the deliveries; a fixed pool of workers sends them, so
// a slow sink never holds up the operation that raised the event.
type Dispatcher struct {
	sink    notify.Sink
	logger  *zap.Logger
	timeout time.Duration

	queue chan job
	group errgroup.Group

	mu     sync.RWMutex
	closed bool
}

// NewDispatcher creates a Dispatcher delivering to sink and starts its workers.
// Close stops them once the queue has drained.
func NewDispatcher(sink notify.Sink, logger *zap.Logger, opts DispatcherOptions) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = DefaultDispatchWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultDispatchQueue
	}
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = DefaultDeliveryTimeout
	}

	d := &Dispatcher{
		sink:    sink,
		logger:  logger,
		timeout: opts.DeliveryTimeout,
		queue:   make(chan job, opts.QueueSize),
	}
	for i := 0; i < opts.Workers; i++ {
		d.group.Go(d.work)
	}
	return d
}

// Publish queues one delivery per recipient. Deliveries keep ctx's values but
// not its cancellation. When the queue is full the delivery is dropped and
// reported in the returned error.
func (d *Dispatcher) Publish(ctx context.Context, events ...model.Event) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}

	detached := context.WithoutCancel(ctx)
	dropped := 0
	for _, event := range events {
		for _, userID := range event.Recipients {
			select {
			case d.queue <- job{ctx: detached, userID: userID, event: event}:
			default:
				dropped++
				d.logger.Warn("Notification queue full, dropping delivery",
					zap.String("user_id", userID),
					zap.String("event", string(event.Type)))
			}
		}
	}
	if dropped > 0 {
		return fmt.Errorf("notification queue full: dropped %d deliveries", dropped)
	}
	return nil
}

func (d *Dispatcher) work() error {
	for j := range d.queue {
		ctx, cancel := context.WithTimeout(j.ctx, d.timeout)
		if err := d.sink.Notify(ctx, j.userID, j.event); err != nil {
			d.logger.Warn("Failed to deliver notification",
				zap.String("user_id", j.userID),
				zap.String("event", string(j.event.Type)),
				zap.Error(err))
		}
		cancel()
	}
	return nil
}

// Close stops accepting events and waits for queued deliveries to finish
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	return d.group.Wait()
}

// Multi fans events out to several publishers
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, events ...model.Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, events...); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps every published event in memory
type Recorder struct {
	mu     sync.Mutex
	events []model.Event
}

func (r *Recorder) Publish(ctx context.Context, events ...model.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
	return nil
}

// Events returns a copy of everything published so far
func (r *Recorder) Events() []model.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Event(nil), r.events...)
}

// OfType returns the published events of one type, in publish order
func (r *Recorder) OfType(t model.EventType) []model.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Discard drops every event
type Discard struct{}

func (Discard) Publish(ctx context.Context, events ...model.Event) error {
	return nil
}
