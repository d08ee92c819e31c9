package lifecycle

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/kingrea/missionctl/internal/stage"
)

// Store holds exactly one record per stage. A Store is never modified after
// it has been returned to a caller; transitions produce a new Store so
// pointer equality can be used to detect "nothing changed".
type Store struct {
	records [stage.Count]stage.Status
}

// NewStore returns the initial store of a mission: intake active since now,
// every other stage pending.
func NewStore(now time.Time) *Store {
	s := &Store{}
	for i, id := range stage.Order() {
		s.records[i] = stage.Status{Stage: id, State: stage.StatePending}
	}
	started := now
	s.records[0].State = stage.StateActive
	s.records[0].StartedAt = &started
	return s
}

// Status returns a copy of the record for id.
func (s *Store) Status(id stage.ID) (stage.Status, bool) {
	idx := stage.Index(id)
	if s == nil || idx < 0 {
		return stage.Status{}, false
	}
	return s.records[idx].Clone(), true
}

// Statuses returns copies of every record in stage order.
func (s *Store) Statuses() []stage.Status {
	if s == nil {
		return nil
	}
	out := make([]stage.Status, 0, stage.Count)
	for _, rec := range s.records {
		out = append(out, rec.Clone())
	}
	return out
}

// Active returns the first stage currently in the active state.
func (s *Store) Active() (stage.ID, bool) {
	if s == nil {
		return "", false
	}
	for _, rec := range s.records {
		if rec.State == stage.StateActive {
			return rec.Stage, true
		}
	}
	return "", false
}

// Summary condenses a store for status lines and progress bars.
type Summary struct {
	Completed int      `json:"completed"`
	Total     int      `json:"total"`
	Active    stage.ID `json:"active,omitempty"`
	Failed    stage.ID `json:"failed,omitempty"`
	Done      bool     `json:"done"`
}

// Summary reports how far the mission has progressed.
func (s *Store) Summary() Summary {
	sum := Summary{Total: stage.Count}
	if s == nil {
		return sum
	}
	for _, rec := range s.records {
		switch rec.State {
		case stage.StateCompleted:
			sum.Completed++
		case stage.StateActive:
			if sum.Active == "" {
				sum.Active = rec.Stage
			}
		case stage.StateFailed:
			if sum.Failed == "" {
				sum.Failed = rec.Stage
			}
		}
	}
	sum.Done = s.records[stage.Count-1].State == stage.StateCompleted
	return sum
}

// Inconsistencies lists violations of the in-order progression rules. Stores
// restored through hydration may legitimately carry them; they are reported,
// never repaired.
func (s *Store) Inconsistencies() []string {
	if s == nil {
		return nil
	}
	var issues []string
	active := 0
	for i, rec := range s.records {
		if rec.State == stage.StateActive {
			active++
		}
		if rec.State == stage.StateFailed && !rec.Locked {
			issues = append(issues, fmt.Sprintf("%s failed but not locked", rec.Stage))
		}
		if i == 0 {
			continue
		}
		prev := s.records[i-1]
		switch rec.State {
		case stage.StateCompleted, stage.StateActive:
			if prev.State != stage.StateCompleted {
				issues = append(issues, fmt.Sprintf("%s is %s while %s is %s", rec.Stage, rec.State, prev.Stage, prev.State))
			}
		}
	}
	if active > 1 {
		issues = append(issues, fmt.Sprintf("%d stages active", active))
	}
	return issues
}

// MarshalJSON renders the store as the ordered list of records.
func (s *Store) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Statuses())
}

func (s *Store) record(id stage.ID) (stage.Status, int, bool) {
	idx := stage.Index(id)
	if idx < 0 {
		return stage.Status{}, -1, false
	}
	return s.records[idx], idx, true
}

// with returns a copy of s where each given record replaces the one for its
// stage.
func (s *Store) with(recs ...stage.Status) *Store {
	next := &Store{records: s.records}
	for _, rec := range recs {
		if idx := stage.Index(rec.Stage); idx >= 0 {
			next.records[idx] = rec
		}
	}
	return next
}
