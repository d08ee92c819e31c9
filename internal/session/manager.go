package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ErrNotOpen is returned when closing a mission that has no live session.
var ErrNotOpen = errors.New("session: mission not open")

// Manager keeps at most one open session per mission id.
type Manager struct {
	defaults Options

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewManager opens sessions with defaults; MissionID is supplied per call and
// TenantID falls back to defaults.TenantID.
func NewManager(defaults Options) *Manager {
	return &Manager{defaults: defaults, sessions: map[string]*Session{}}
}

// Get returns the open session for missionID, opening it when needed. The
// tenant only applies when the session is first opened.
func (m *Manager) Get(ctx context.Context, missionID, tenantID string) (*Session, error) {
	missionID = strings.TrimSpace(missionID)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if s, ok := m.sessions[missionID]; ok {
		return s, nil
	}
	opts := m.defaults
	opts.MissionID = missionID
	if tenant := strings.TrimSpace(tenantID); tenant != "" {
		opts.TenantID = tenant
	}
	s, err := Open(ctx, opts)
	if err != nil {
		return nil, err
	}
	m.sessions[missionID] = s
	return s, nil
}

// Missions lists open mission ids, sorted.
func (m *Manager) Missions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close tears down one mission's session. When purge is set the persisted
// snapshot is deleted as well.
func (m *Manager) Close(ctx context.Context, missionID string, purge bool) error {
	missionID = strings.TrimSpace(missionID)
	m.mu.Lock()
	s, ok := m.sessions[missionID]
	delete(m.sessions, missionID)
	m.mu.Unlock()
	if !ok {
		return ErrNotOpen
	}
	if err := s.Close(ctx); err != nil {
		return err
	}
	if purge && m.defaults.Snapshots != nil {
		if err := m.defaults.Snapshots.Delete(ctx, missionID); err != nil {
			return fmt.Errorf("session: purge %s: %w", missionID, err)
		}
	}
	return nil
}

// CloseAll closes every session concurrently and refuses new ones.
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	sessions := m.sessions
	m.sessions = map[string]*Session{}
	m.mu.Unlock()

	// One failing close must not cancel the others.
	var g errgroup.Group
	for _, s := range sessions {
		s := s
		g.Go(func() error { return s.Close(ctx) })
	}
	return g.Wait()
}
