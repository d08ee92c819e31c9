package lifecycle

import (
	"time"

	"github.com/kingrea/missionctl/internal/stage"
	"github.com/kingrea/missionctl/internal/telemetry"
)

// Engine applies stage transitions to a mission's Store. It performs no
// locking; callers must serialize access (see session.Session).
//
// Calls naming an unknown stage, or failing the ordering guard, are silent
// no-ops: the store is left as-is and no event is queued.
type Engine struct {
	store *Store
	queue *telemetry.Queue
	clock func() time.Time
}

// Option customizes the engine instance.
type Option func(*Engine)

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithQueue sets the queue that receives transition events.
func WithQueue(queue *telemetry.Queue) Option {
	return func(e *Engine) {
		if queue != nil {
			e.queue = queue
		}
	}
}

// WithStore starts the engine from an existing store instead of a fresh one.
func WithStore(store *Store) Option {
	return func(e *Engine) {
		if store != nil {
			e.store = store
		}
	}
}

// New returns an engine holding a fresh mission store.
func New(opts ...Option) *Engine {
	e := &Engine{clock: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	if e.queue == nil {
		e.queue = telemetry.NewQueue()
	}
	if e.store == nil {
		e.store = NewStore(e.now())
	}
	return e
}

// Store returns the current snapshot.
func (e *Engine) Store() *Store { return e.store }

// Queue returns the queue receiving transition events.
func (e *Engine) Queue() *telemetry.Queue { return e.queue }

// MarkStageStarted activates id when it is already active, is the first
// stage, or follows a completed stage. Terminal and locked stages are left
// alone. Restarting an active stage keeps its start time and merges meta.
func (e *Engine) MarkStageStarted(id stage.ID, meta stage.Metadata) {
	e.apply(start(e.store, id, meta, e.now()))
}

// MarkStageCompleted completes id whatever its prior state, unless it is
// failed or locked, and activates the following stage unless that stage has
// failed.
func (e *Engine) MarkStageCompleted(id stage.ID, meta stage.Metadata) {
	e.apply(complete(e.store, id, meta, e.now()))
}

// MarkStageFailed fails and locks id. It does not advance.
func (e *Engine) MarkStageFailed(id stage.ID, meta stage.Metadata) {
	e.apply(fail(e.store, id, meta, e.now()))
}

// HydrateStages overlays a persisted snapshot onto the store. No events are
// queued for hydrated changes.
func (e *Engine) HydrateStages(entries []Entry) Report {
	next, report := Hydrate(e.store, entries)
	e.store = next
	return report
}

// NextStage returns the stage after id in the fixed order.
func (e *Engine) NextStage(id stage.ID) (stage.ID, bool) {
	return stage.Next(id)
}

// StageDuration reports how long id has run. Active stages are measured
// against the engine clock on every call; stages that never started report
// false.
func (e *Engine) StageDuration(id stage.ID) (time.Duration, bool) {
	rec, _, ok := e.store.record(id)
	if !ok {
		return 0, false
	}
	return elapsed(rec, e.now())
}

func (e *Engine) apply(next *Store, events []telemetry.Event) {
	if next == e.store {
		return
	}
	e.store = next
	e.queue.Append(events...)
}

func (e *Engine) now() time.Time {
	return e.clock()
}
