package stage

import (
	"strings"
	"time"
)

// ID identifies one step of the mission pipeline.
type ID string

const (
	Intake   ID = "intake"
	Brief    ID = "brief"
	Toolkits ID = "toolkits"
	Inspect  ID = "inspect"
	Plan     ID = "plan"
	DryRun   ID = "dry_run"
	Evidence ID = "evidence"
	Feedback ID = "feedback"
)

// Count is the number of stages in the pipeline. It never changes at runtime.
const Count = 8

var order = [Count]ID{Intake, Brief, Toolkits, Inspect, Plan, DryRun, Evidence, Feedback}

// Order returns the pipeline in execution order. Callers receive a fresh slice.
func Order() []ID {
	out := make([]ID, Count)
	copy(out, order[:])
	return out
}

// Index reports the position of id in the pipeline, or -1 when id is unknown.
func Index(id ID) int {
	for i, candidate := range order {
		if candidate == id {
			return i
		}
	}
	return -1
}

// IsKnown reports whether id belongs to the fixed stage set.
func IsKnown(id ID) bool {
	return Index(id) >= 0
}

// Next returns the stage that follows id. The second result is false for the
// final stage and for unknown identifiers.
func Next(id ID) (ID, bool) {
	idx := Index(id)
	if idx < 0 || idx+1 >= Count {
		return "", false
	}
	return order[idx+1], true
}

// Prev returns the stage that precedes id. The second result is false for the
// first stage and for unknown identifiers.
func Prev(id ID) (ID, bool) {
	idx := Index(id)
	if idx <= 0 {
		return "", false
	}
	return order[idx-1], true
}

// Parse converts an externally supplied identifier into an ID. Only exact
// (case-insensitive, space-trimmed) members of the stage set are accepted.
func Parse(raw string) (ID, bool) {
	id := ID(strings.ToLower(strings.TrimSpace(raw)))
	if !IsKnown(id) {
		return "", false
	}
	return id, true
}

// State enumerates the lifecycle states of a single stage.
type State string

const (
	StatePending   State = "pending"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Valid reports whether s is one of the four lifecycle states.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateActive, StateCompleted, StateFailed:
		return true
	}
	return false
}

// Terminal reports whether s ends the stage run.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// ParseState converts raw input into a State.
func ParseState(raw string) (State, bool) {
	s := State(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", false
	}
	return s, true
}

// Status is the progress record kept for every stage. Records are treated as
// values: the lifecycle package never mutates a Status that has been published
// in a store, it replaces it.
type Status struct {
	Stage       ID         `json:"stage"`
	State       State      `json:"state"`
	StartedAt   *time.Time `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt"`
	Locked      bool       `json:"locked"`
	Metadata    Metadata   `json:"metadata,omitempty"`
}

// Clone returns a deep copy of the record.
func (s Status) Clone() Status {
	out := s
	out.StartedAt = cloneTime(s.StartedAt)
	out.CompletedAt = cloneTime(s.CompletedAt)
	out.Metadata = s.Metadata.Clone()
	return out
}

// Started reports whether the stage has a recorded start time.
func (s Status) Started() bool {
	return s.StartedAt != nil
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
