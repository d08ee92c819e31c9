// Package snapshot persists mission stage records between sessions. A stored
// snapshot is fed back through lifecycle hydration when a session reopens.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kingrea/missionctl/internal/stage"
)

// ErrNotFound is returned when no snapshot exists for a mission yet.
var ErrNotFound = errors.New("snapshot: not found")

// Snapshot is the persisted form of one mission's stage store.
type Snapshot struct {
	MissionID string         `json:"missionId"`
	TenantID  string         `json:"tenantId"`
	UpdatedAt time.Time      `json:"updatedAt"`
	Stages    []stage.Status `json:"stages"`
}

// Store loads and saves snapshots keyed by mission id.
type Store interface {
	Load(ctx context.Context, missionID string) (Snapshot, error)
	Save(ctx context.Context, snap Snapshot) error
	Delete(ctx context.Context, missionID string) error
	List(ctx context.Context) ([]string, error)
	Close() error
}

// Open returns the store for driver ("file", "sqlite" or "none"). The none
// driver yields a nil Store and no error.
func Open(ctx context.Context, driver, path string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "none":
		return nil, nil
	case "file":
		store, err := NewFileStore(path)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "sqlite":
		store, err := OpenSQLite(ctx, path)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("snapshot: unknown driver %q", driver)
	}
}

func validateMission(missionID string) (string, error) {
	id := strings.TrimSpace(missionID)
	if id == "" {
		return "", fmt.Errorf("snapshot: mission id is required")
	}
	return id, nil
}
