package eventbridge

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kingrea/missionctl/internal/telemetry"
)

const (
	defaultSubscriberCapacity = 100
	defaultBacklogLimit       = 50
	defaultDedupeWindow       = 1024
)

// RouterOption customizes Router construction.
type RouterOption func(*Router)

// Router fans mission telemetry out to stream subscribers with buffering,
// deduplication, and bounded channel semantics. It is also a telemetry.Sink,
// so session dispatchers can publish into it directly.
type Router struct {
	mu           sync.RWMutex
	subscribers  map[string]map[*subscriber]struct{}
	backlog      map[string][]Event
	recentIDs    map[string]struct{}
	recentOrder  []string
	channelSize  int
	backlogLimit int
	dedupeWindow int
	logger       Logger
	clock        func() time.Time
	sequence     atomic.Int64
}

// Subscription represents an active mission subscription.
type Subscription struct {
	Events <-chan Event
	cancel func()
}

// Close terminates the subscription.
func (s Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// NewRouter constructs a router with sane defaults.
func NewRouter(opts ...RouterOption) *Router {
	r := &Router{
		subscribers:  map[string]map[*subscriber]struct{}{},
		backlog:      map[string][]Event{},
		recentIDs:    map[string]struct{}{},
		recentOrder:  make([]string, 0, defaultDedupeWindow),
		channelSize:  defaultSubscriberCapacity,
		backlogLimit: defaultBacklogLimit,
		dedupeWindow: defaultDedupeWindow,
		clock:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// RouterWithLogger injects a logger for drop/diagnostic messages.
func RouterWithLogger(logger Logger) RouterOption {
	return func(r *Router) {
		r.logger = logger
	}
}

// RouterWithSubscriberCapacity overrides the buffered channel size per subscriber.
func RouterWithSubscriberCapacity(cap int) RouterOption {
	return func(r *Router) {
		if cap > 0 {
			r.channelSize = cap
		}
	}
}

// RouterWithBacklogLimit overrides the backlog size for pre-subscription buffering.
func RouterWithBacklogLimit(limit int) RouterOption {
	return func(r *Router) {
		if limit > 0 {
			r.backlogLimit = limit
		}
	}
}

// RouterWithDedupeWindow controls how many recent event IDs are retained.
func RouterWithDedupeWindow(size int) RouterOption {
	return func(r *Router) {
		if size > 0 {
			r.dedupeWindow = size
		}
	}
}

// RouterWithClock stamps events with a deterministic clock.
func RouterWithClock(clock func() time.Time) RouterOption {
	return func(r *Router) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// Emit converts a telemetry payload into an Event and routes it.
func (r *Router) Emit(_ context.Context, name string, payload telemetry.Payload) error {
	evt := Event{
		EventID:   uuid.NewString(),
		Sequence:  r.sequence.Add(1),
		Name:      name,
		MissionID: payload.MissionID,
		TenantID:  payload.TenantID,
		Data:      payload.EventData,
	}
	evt.Normalize()
	evt.StampServerTime(r.clock())
	r.Route(evt)
	return nil
}

// Subscribe registers for events keyed by mission ID. Events routed before
// the first subscriber arrived are replayed from the backlog.
func (r *Router) Subscribe(missionID string) Subscription {
	mission := normalizeMission(missionID)
	sub := newSubscriber(r.channelSize, r.logger)
	var backlog []Event
	r.mu.Lock()
	if r.subscribers[mission] == nil {
		r.subscribers[mission] = map[*subscriber]struct{}{}
	}
	r.subscribers[mission][sub] = struct{}{}
	if existing := r.backlog[mission]; len(existing) > 0 {
		backlog = append(backlog, existing...)
		delete(r.backlog, mission)
	}
	r.mu.Unlock()
	for _, event := range backlog {
		sub.deliver(event)
	}
	return Subscription{
		Events: sub.channel(),
		cancel: func() {
			r.removeSubscriber(mission, sub)
		},
	}
}

// Route delivers the event to subscribers or buffers it when no subscriber
// exists. Events that fail Validate are logged and dropped.
func (r *Router) Route(event Event) {
	event.Normalize()
	if err := event.Validate(); err != nil {
		if r.logger != nil {
			r.logger.Printf("eventbridge: rejected %q for mission %q: %v", event.Name, event.MissionID, err)
		}
		return
	}
	if r.isDuplicate(event.EventID) {
		return
	}
	mission := normalizeMission(event.MissionID)
	r.mu.RLock()
	subs := r.snapshotSubscribers(mission)
	r.mu.RUnlock()
	if len(subs) == 0 {
		r.bufferEvent(mission, event)
		return
	}
	for _, sub := range subs {
		sub.deliver(event)
	}
}

// Forget drops the backlog and closes the subscribers of a mission.
func (r *Router) Forget(missionID string) {
	mission := normalizeMission(missionID)
	r.mu.Lock()
	subs := r.subscribers[mission]
	delete(r.subscribers, mission)
	delete(r.backlog, mission)
	r.mu.Unlock()
	for sub := range subs {
		sub.close()
	}
}

func (r *Router) snapshotSubscribers(mission string) []*subscriber {
	live := r.subscribers[mission]
	if len(live) == 0 {
		return nil
	}
	items := make([]*subscriber, 0, len(live))
	for sub := range live {
		items = append(items, sub)
	}
	return items
}

func (r *Router) removeSubscriber(mission string, sub *subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if subs := r.subscribers[mission]; subs != nil {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(r.subscribers, mission)
		}
	}
	sub.close()
}

// bufferEvent keeps at most backlogLimit events per mission. When full, the
// oldest non-failure event is evicted.
func (r *Router) bufferEvent(mission string, event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	queue := r.backlog[mission]
	if len(queue) >= r.backlogLimit {
		victim := 0
		for i, queued := range queue {
			if !queued.Failed() {
				victim = i
				break
			}
		}
		if r.logger != nil {
			r.logger.Printf("eventbridge: backlog drop %s for %s (limit %d)", queue[victim].Name, mission, r.backlogLimit)
		}
		queue = append(queue[:victim:victim], queue[victim+1:]...)
	}
	queue = append(queue, event)
	r.backlog[mission] = queue
}

func (r *Router) isDuplicate(eventID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.recentIDs[eventID]; ok {
		return true
	}
	r.recentIDs[eventID] = struct{}{}
	r.recentOrder = append(r.recentOrder, eventID)
	if len(r.recentOrder) > r.dedupeWindow {
		oldest := r.recentOrder[0]
		r.recentOrder = r.recentOrder[1:]
		delete(r.recentIDs, oldest)
	}
	return false
}

func normalizeMission(missionID string) string {
	return strings.TrimSpace(missionID)
}

type subscriber struct {
	ch      chan Event
	logger  Logger
	closed  bool
	closeMu sync.Mutex
}

func newSubscriber(capacity int, logger Logger) *subscriber {
	if capacity <= 0 {
		capacity = defaultSubscriberCapacity
	}
	return &subscriber{
		ch:     make(chan Event, capacity),
		logger: logger,
	}
}

func (s *subscriber) channel() <-chan Event {
	return s.ch
}

// deliver holds closeMu for the whole send so close cannot race it.
func (s *subscriber) deliver(event Event) {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- event:
		return
	default:
	}
	var oldest Event
	select {
	case oldest = <-s.ch:
	default:
		// A reader drained the channel in between.
		s.ch <- event
		return
	}
	if shouldDropOldest(oldest, event) {
		s.logDrop(oldest, "queue overflow")
		s.ch <- event
	} else {
		s.ch <- oldest
		s.logDrop(event, "queue overflow:incoming")
	}
}

func (s *subscriber) logDrop(event Event, reason string) {
	if s.logger == nil {
		return
	}
	s.logger.Printf("eventbridge: dropped %s (%s)", event.Name, reason)
}

func (s *subscriber) close() {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// shouldDropOldest keeps failure events over everything else, and prefers
// evicting started events when both candidates are non-failures.
func shouldDropOldest(oldest, incoming Event) bool {
	switch {
	case oldest.Failed() && !incoming.Failed():
		return false
	case !oldest.Failed() && incoming.Failed():
		return true
	}
	oldestPreferred := isPreferredDrop(oldest)
	incomingPreferred := isPreferredDrop(incoming)
	if !oldestPreferred && incomingPreferred {
		return false
	}
	return true
}

func isPreferredDrop(e Event) bool {
	return e.Kind == string(telemetry.KindStarted)
}
