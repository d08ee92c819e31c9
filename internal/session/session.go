// Package session owns one lifecycle engine per open mission. A Session is
// the explicit handle collaborators share: it serializes engine calls behind
// its mutex, wakes the telemetry dispatcher after each accepted transition and
// persists the store when a snapshot store is configured.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kingrea/missionctl/internal/lifecycle"
	"github.com/kingrea/missionctl/internal/logging"
	"github.com/kingrea/missionctl/internal/snapshot"
	"github.com/kingrea/missionctl/internal/stage"
	"github.com/kingrea/missionctl/internal/telemetry"
)

// ErrClosed is returned by calls made after Close.
var ErrClosed = errors.New("session: closed")

// Options configures a session.
type Options struct {
	MissionID string
	TenantID  string
	// Sink receives telemetry; nil discards events.
	Sink telemetry.Sink
	// Snapshots persists the store; nil disables persistence.
	Snapshots   snapshot.Store
	Logger      *logging.Logger
	Clock       func() time.Time
	EmitTimeout time.Duration
}

// Session is one mission's live stage lifecycle.
type Session struct {
	id        string
	missionID string
	tenantID  string

	mu         sync.Mutex
	engine     *lifecycle.Engine
	dispatcher *telemetry.Dispatcher
	snapshots  snapshot.Store
	logger     *logging.Logger
	clock      func() time.Time
	closed     bool
}

// Open creates the session, restores the persisted snapshot when one exists,
// and starts telemetry delivery.
func Open(ctx context.Context, opts Options) (*Session, error) {
	missionID := strings.TrimSpace(opts.MissionID)
	if missionID == "" {
		return nil, fmt.Errorf("session: mission id is required")
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	logger = logger.With("mission", missionID)

	queue := telemetry.NewQueue()
	engine := lifecycle.New(lifecycle.WithClock(clock), lifecycle.WithQueue(queue))
	dispatcher, err := telemetry.NewDispatcher(queue, opts.Sink,
		telemetry.WithLogger(logger),
		telemetry.WithMission(missionID, opts.TenantID),
		telemetry.WithEmitTimeout(opts.EmitTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	s := &Session{
		id:         uuid.NewString(),
		missionID:  missionID,
		tenantID:   opts.TenantID,
		engine:     engine,
		dispatcher: dispatcher,
		snapshots:  opts.Snapshots,
		logger:     logger,
		clock:      clock,
	}
	if err := s.restore(ctx); err != nil {
		return nil, err
	}
	if err := dispatcher.Start(ctx); err != nil {
		return nil, fmt.Errorf("session: start dispatcher: %w", err)
	}
	logger.Info().Str("session", s.id).Str("tenant", s.tenantID).Msg("session opened")
	return s, nil
}

func (s *Session) restore(ctx context.Context) error {
	if s.snapshots == nil {
		return nil
	}
	snap, err := s.snapshots.Load(ctx, s.missionID)
	if errors.Is(err, snapshot.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("session: load snapshot: %w", err)
	}
	report := s.engine.HydrateStages(lifecycle.EntriesFromStatuses(snap.Stages))
	s.logReport("snapshot restored", report)
	return nil
}

// ID is the unique id of this session instance.
func (s *Session) ID() string { return s.id }

// MissionID returns the mission this session tracks.
func (s *Session) MissionID() string { return s.missionID }

// TenantID returns the tenant stamped on telemetry.
func (s *Session) TenantID() string { return s.tenantID }

// MarkStageStarted forwards to the engine. Rejected calls are silent no-ops;
// the returned store shows the outcome.
func (s *Session) MarkStageStarted(ctx context.Context, id stage.ID, meta stage.Metadata) (*lifecycle.Store, error) {
	return s.mutate(ctx, "start", id, func(e *lifecycle.Engine) { e.MarkStageStarted(id, meta) })
}

// MarkStageCompleted forwards to the engine.
func (s *Session) MarkStageCompleted(ctx context.Context, id stage.ID, meta stage.Metadata) (*lifecycle.Store, error) {
	return s.mutate(ctx, "complete", id, func(e *lifecycle.Engine) { e.MarkStageCompleted(id, meta) })
}

// MarkStageFailed forwards to the engine.
func (s *Session) MarkStageFailed(ctx context.Context, id stage.ID, meta stage.Metadata) (*lifecycle.Store, error) {
	return s.mutate(ctx, "fail", id, func(e *lifecycle.Engine) { e.MarkStageFailed(id, meta) })
}

func (s *Session) mutate(ctx context.Context, action string, id stage.ID, apply func(*lifecycle.Engine)) (*lifecycle.Store, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	before := s.engine.Store()
	apply(s.engine)
	after := s.engine.Store()
	accepted := after != before
	if accepted {
		s.persist(ctx, after)
	}
	s.mu.Unlock()

	if accepted {
		s.logger.Debug().Str("action", action).Str("stage", string(id)).Msg("stage transition")
		s.dispatcher.Notify()
	} else {
		s.logger.Debug().Str("action", action).Str("stage", string(id)).Msg("stage transition ignored")
	}
	return after, nil
}

// HydrateStages overlays entries onto the store, bypassing ordering guards.
func (s *Session) HydrateStages(ctx context.Context, entries []lifecycle.Entry) (lifecycle.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return lifecycle.Report{}, ErrClosed
	}
	before := s.engine.Store()
	report := s.engine.HydrateStages(entries)
	if after := s.engine.Store(); after != before {
		s.persist(ctx, after)
	}
	s.logReport("stages hydrated", report)
	return report, nil
}

// NextStage returns the stage after id.
func (s *Session) NextStage(id stage.ID) (stage.ID, bool) {
	return stage.Next(id)
}

// StageDuration reports how long id has been (or was) running.
func (s *Session) StageDuration(id stage.ID) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.StageDuration(id)
}

// Snapshot returns the current store.
func (s *Session) Snapshot() *lifecycle.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.Store()
}

// Flush delivers any queued telemetry synchronously.
func (s *Session) Flush(ctx context.Context) int {
	return s.dispatcher.Flush(ctx)
}

// TelemetryStats reports delivered and failed sink calls.
func (s *Session) TelemetryStats() (delivered, failed int64) {
	return s.dispatcher.Stats()
}

// Close stops telemetry delivery after a final drain. Further calls fail
// with ErrClosed.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	err := s.dispatcher.Close(ctx)
	delivered, failed := s.dispatcher.Stats()
	s.logger.Info().Int64("delivered", delivered).Int64("failed", failed).Msg("session closed")
	if err != nil {
		return fmt.Errorf("session: close %s: %w", s.missionID, err)
	}
	return nil
}

// persist saves the store. Failures are logged; the transition stands.
func (s *Session) persist(ctx context.Context, store *lifecycle.Store) {
	if s.snapshots == nil {
		return
	}
	snap := snapshot.Snapshot{
		MissionID: s.missionID,
		TenantID:  s.tenantID,
		UpdatedAt: s.clock(),
		Stages:    store.Statuses(),
	}
	if err := s.snapshots.Save(ctx, snap); err != nil {
		s.logger.Error().Err(err).Msg("persist snapshot failed")
	}
}

func (s *Session) logReport(msg string, report lifecycle.Report) {
	for _, skipped := range report.Skipped {
		s.logger.Warn().Int("index", skipped.Index).Str("stage", skipped.Stage).Str("reason", skipped.Reason).Msg("hydration entry skipped")
	}
	evt := s.logger.Info().Int("changed", len(report.Changed))
	if len(report.Inconsistent) > 0 {
		evt = evt.Strs("inconsistent", report.Inconsistent)
	}
	evt.Msg(msg)
}
