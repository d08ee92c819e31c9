package snapshot

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/missionctl/internal/stage"
)

func storeFactories() map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"file": func(t *testing.T) Store {
			s, err := NewFileStore(filepath.Join(t.TempDir(), "state"))
			require.NoError(t, err)
			return s
		},
		"sqlite": func(t *testing.T) Store {
			s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state", "missions.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

func sampleSnapshot(missionID string) Snapshot {
	started := time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)
	completed := started.Add(15 * time.Minute)
	return Snapshot{
		MissionID: missionID,
		TenantID:  "acme",
		UpdatedAt: completed,
		Stages: []stage.Status{
			{Stage: stage.Intake, State: stage.StateCompleted, StartedAt: &started, CompletedAt: &completed,
				Metadata: stage.Metadata{"reason": stage.String("ok")}},
			{Stage: stage.Brief, State: stage.StateFailed, StartedAt: &completed, CompletedAt: &completed, Locked: true},
		},
	}
}

func TestStoresRoundTrip(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)

			_, err := s.Load(ctx, "missing")
			require.True(t, errors.Is(err, ErrNotFound), "expected ErrNotFound, got %v", err)

			want := sampleSnapshot("tenant/mission-1")
			require.NoError(t, s.Save(ctx, want))
			got, err := s.Load(ctx, "tenant/mission-1")
			require.NoError(t, err)
			assert.Equal(t, want.MissionID, got.MissionID)
			assert.Equal(t, want.TenantID, got.TenantID)
			assert.True(t, want.UpdatedAt.Equal(got.UpdatedAt))
			require.Len(t, got.Stages, 2)
			assert.Equal(t, stage.StateCompleted, got.Stages[0].State)
			assert.True(t, got.Stages[0].CompletedAt.Equal(*want.Stages[0].CompletedAt))
			reason, _ := got.Stages[0].Metadata["reason"].AsString()
			assert.Equal(t, "ok", reason)
			assert.True(t, got.Stages[1].Locked)

			want.Stages = want.Stages[:1]
			require.NoError(t, s.Save(ctx, want), "save overwrites")
			got, err = s.Load(ctx, want.MissionID)
			require.NoError(t, err)
			assert.Len(t, got.Stages, 1)

			require.NoError(t, s.Save(ctx, sampleSnapshot("mission-0")))
			ids, err := s.List(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"mission-0", "tenant/mission-1"}, ids)

			require.NoError(t, s.Delete(ctx, "mission-0"))
			require.NoError(t, s.Delete(ctx, "mission-0"), "delete is idempotent")
			_, err = s.Load(ctx, "mission-0")
			assert.ErrorIs(t, err, ErrNotFound)

			assert.Error(t, s.Save(ctx, Snapshot{}), "mission id is required")
		})
	}
}

func TestSQLiteConcurrentSaves(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "missions.db")
	first, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer first.Close()
	second, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer second.Close()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 10; i++ {
		for _, s := range []*SQLiteStore{first, second} {
			wg.Add(1)
			go func(s *SQLiteStore) {
				defer wg.Done()
				errs <- s.Save(ctx, sampleSnapshot("shared"))
			}(s)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	_, err = second.Load(ctx, "shared")
	require.NoError(t, err)
}

func TestOpenDrivers(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, "none", "")
	require.NoError(t, err)
	assert.Nil(t, s)

	s, err = Open(ctx, "FILE", t.TempDir())
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	_, err = Open(ctx, "postgres", "")
	assert.Error(t, err)
}

func TestIsBusy(t *testing.T) {
	assert.True(t, isBusy(errors.New("database is locked (5) (SQLITE_BUSY)")))
	assert.False(t, isBusy(errors.New("no such table")))
	assert.False(t, isBusy(nil))
}
