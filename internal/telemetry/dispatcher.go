package telemetry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultEmitTimeout bounds a single Sink.Emit call.
const DefaultEmitTimeout = 5 * time.Second

// Dispatcher drains a Queue and forwards events to a Sink. A single worker
// goroutine performs delivery so producers never block on the sink.
type Dispatcher struct {
	queue     *Queue
	sink      Sink
	logger    Logger
	missionID string
	tenantID  string
	timeout   time.Duration

	notify  chan struct{}
	flushMu sync.Mutex

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	closed bool

	delivered atomic.Int64
	failed    atomic.Int64
}

// DispatcherOption customizes a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithLogger routes delivery diagnostics to logger.
func WithLogger(logger Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithMission stamps every payload with the owning mission and tenant.
func WithMission(missionID, tenantID string) DispatcherOption {
	return func(d *Dispatcher) {
		d.missionID = missionID
		d.tenantID = tenantID
	}
}

// WithEmitTimeout overrides DefaultEmitTimeout.
func WithEmitTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// NewDispatcher wires a dispatcher to the queue it drains.
func NewDispatcher(queue *Queue, sink Sink, opts ...DispatcherOption) (*Dispatcher, error) {
	if queue == nil {
		return nil, fmt.Errorf("telemetry: dispatcher requires a queue")
	}
	if sink == nil {
		sink = Discard
	}
	d := &Dispatcher{
		queue:   queue,
		sink:    sink,
		logger:  nopLogger{},
		timeout: DefaultEmitTimeout,
		notify:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d, nil
}

// Start launches the worker goroutine.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("telemetry: dispatcher closed")
	}
	if d.cancel != nil {
		return fmt.Errorf("telemetry: dispatcher already started")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})
	go d.run(runCtx, d.done)
	return nil
}

func (d *Dispatcher) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	// Cancellation stops the loop, not an in-flight delivery.
	deliverCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.notify:
			d.Flush(deliverCtx)
		}
	}
}

// Notify asks the worker to drain the queue. Multiple notifications that
// arrive before the worker wakes collapse into one drain.
func (d *Dispatcher) Notify() {
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

// Flush drains the queue once and delivers every event synchronously. It
// returns the number of events taken from the queue.
func (d *Dispatcher) Flush(ctx context.Context) int {
	d.flushMu.Lock()
	defer d.flushMu.Unlock()
	events := d.queue.Drain()
	for _, event := range events {
		d.deliver(ctx, event)
	}
	return len(events)
}

func (d *Dispatcher) deliver(ctx context.Context, event Event) {
	name := event.Name()
	defer func() {
		if r := recover(); r != nil {
			d.failed.Add(1)
			d.logger.Printf("telemetry: sink panic on %s: %v", name, r)
		}
	}()
	emitCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	payload := Payload{
		MissionID: d.missionID,
		TenantID:  d.tenantID,
		EventData: event.Data(),
	}
	if err := d.sink.Emit(emitCtx, name, payload); err != nil {
		d.failed.Add(1)
		d.logger.Printf("telemetry: emit %s for mission %s failed: %v", name, d.missionID, err)
		return
	}
	d.delivered.Add(1)
}

// Close stops the worker and delivers whatever is still queued.
func (d *Dispatcher) Close(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	cancel, done := d.cancel, d.done
	d.cancel = nil
	d.mu.Unlock()
	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	d.Flush(ctx)
	return nil
}

// Stats reports delivery counters.
func (d *Dispatcher) Stats() (delivered, failed int64) {
	return d.delivered.Load(), d.failed.Load()
}
