package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "modernc.org/sqlite"
)

const busyRetryMaxElapsed = 10 * time.Second

const schema = `CREATE TABLE IF NOT EXISTS mission_snapshots (
	mission_id TEXT PRIMARY KEY,
	tenant_id  TEXT NOT NULL DEFAULT '',
	updated_at TEXT NOT NULL,
	stages     TEXT NOT NULL
)`

// SQLiteStore keeps snapshots in a single SQLite table.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating when missing) the database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("snapshot: sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("snapshot: ensure db dir: %w", err)
	}
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("snapshot: open sqlite: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.withRetry(ctx, func() error {
		_, err := db.ExecContext(ctx, schema)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("snapshot: apply schema: %w", err)
	}
	return s, nil
}

func newBusyBackoff() backoff.BackOff {
	// BackOff implementations are stateful; always return a fresh instance.
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 25 * time.Millisecond
	bo.MaxElapsedTime = busyRetryMaxElapsed
	return bo
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "sqlite_busy") ||
		strings.Contains(msg, "database table is locked")
}

// withRetry retries op while SQLite reports lock contention.
func (s *SQLiteStore) withRetry(ctx context.Context, op func() error) error {
	return backoff.Retry(func() error {
		err := op()
		if err != nil && !isBusy(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(newBusyBackoff(), ctx))
}

// Load reads the snapshot for missionID.
func (s *SQLiteStore) Load(ctx context.Context, missionID string) (Snapshot, error) {
	id, err := validateMission(missionID)
	if err != nil {
		return Snapshot{}, err
	}
	var tenant, updated, stages string
	err = s.withRetry(ctx, func() error {
		return s.db.QueryRowContext(ctx,
			`SELECT tenant_id, updated_at, stages FROM mission_snapshots WHERE mission_id = ?`, id,
		).Scan(&tenant, &updated, &stages)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot: load %s: %w", id, err)
	}
	snap := Snapshot{MissionID: id, TenantID: tenant}
	if ts, err := time.Parse(time.RFC3339Nano, updated); err == nil {
		snap.UpdatedAt = ts
	}
	if err := json.Unmarshal([]byte(stages), &snap.Stages); err != nil {
		return Snapshot{}, fmt.Errorf("snapshot: decode %s: %w", id, err)
	}
	return snap, nil
}

// Save upserts the snapshot.
func (s *SQLiteStore) Save(ctx context.Context, snap Snapshot) error {
	id, err := validateMission(snap.MissionID)
	if err != nil {
		return err
	}
	stages, err := json.Marshal(snap.Stages)
	if err != nil {
		return fmt.Errorf("snapshot: encode %s: %w", id, err)
	}
	updated := snap.UpdatedAt.UTC().Format(time.RFC3339Nano)
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
INSERT INTO mission_snapshots (mission_id, tenant_id, updated_at, stages)
VALUES (?, ?, ?, ?)
ON CONFLICT(mission_id) DO UPDATE SET
	tenant_id = excluded.tenant_id,
	updated_at = excluded.updated_at,
	stages = excluded.stages`,
			id, snap.TenantID, updated, string(stages))
		return err
	})
}

// Delete removes a mission's snapshot.
func (s *SQLiteStore) Delete(ctx context.Context, missionID string) error {
	id, err := validateMission(missionID)
	if err != nil {
		return err
	}
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM mission_snapshots WHERE mission_id = ?`, id)
		return err
	})
}

// List returns stored mission ids, sorted.
func (s *SQLiteStore) List(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.withRetry(ctx, func() error {
		ids = ids[:0]
		rows, err := s.db.QueryContext(ctx, `SELECT mission_id FROM mission_snapshots ORDER BY mission_id`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot: list: %w", err)
	}
	return ids, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
