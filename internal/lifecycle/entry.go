package lifecycle

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cast"

	"github.com/kingrea/missionctl/internal/stage"
)

// Entry is one partial record of a persisted snapshot. Only the fields that
// are present overwrite the current record during hydration.
type Entry struct {
	// Stage and State are kept raw so unknown values can be reported.
	Stage       string
	State       string
	StartedAt   TimeField
	CompletedAt TimeField
	// Metadata replaces the record's metadata when non-nil.
	Metadata stage.Metadata
	Locked   *bool
}

// TimeField is an optional timestamp in any of the accepted encodings:
// time.Time, a date/time string, or epoch milliseconds. A present field whose
// value cannot be parsed clears the timestamp.
type TimeField struct {
	Present bool
	Raw     any
}

// At sets the field to t.
func At(t time.Time) TimeField { return TimeField{Present: true, Raw: t} }

// RawTime sets the field to an unparsed value.
func RawTime(v any) TimeField { return TimeField{Present: true, Raw: v} }

// Cleared sets the field to null.
func Cleared() TimeField { return TimeField{Present: true} }

// Time resolves the field. Unparsable values resolve to nil.
func (f TimeField) Time() *time.Time {
	if !f.Present {
		return nil
	}
	return coerceTime(f.Raw)
}

const minEpochDigits = 10

func coerceTime(raw any) *time.Time {
	var t time.Time
	switch v := raw.(type) {
	case nil, bool:
		return nil
	case time.Time:
		t = v
	case *time.Time:
		if v == nil {
			return nil
		}
		t = *v
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return nil
		}
		// Shorter digit runs are years, not epochs.
		if len(s) >= minEpochDigits {
			if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
				t = time.UnixMilli(ms)
				break
			}
		}
		parsed, err := cast.ToTimeInDefaultLocationE(s, time.UTC)
		if err != nil {
			if parsed, err = time.Parse("2006", s); err != nil {
				return nil
			}
		}
		t = parsed
	case json.Number:
		ms, err := v.Int64()
		if err != nil {
			f, ferr := v.Float64()
			if ferr != nil {
				return nil
			}
			ms = int64(f)
		}
		t = time.UnixMilli(ms)
	default:
		ms, err := cast.ToInt64E(v)
		if err != nil {
			return nil
		}
		t = time.UnixMilli(ms)
	}
	if t.IsZero() {
		return nil
	}
	t = t.UTC()
	return &t
}

type entryJSON struct {
	Stage       string          `json:"stage"`
	State       string          `json:"state,omitempty"`
	StartedAt   json.RawMessage `json:"startedAt,omitempty"`
	CompletedAt json.RawMessage `json:"completedAt,omitempty"`
	Metadata    *stage.Metadata `json:"metadata,omitempty"`
	Locked      *bool           `json:"locked,omitempty"`
}

// UnmarshalJSON distinguishes an omitted timestamp from an explicit null.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var raw entryJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("lifecycle: decode entry: %w", err)
	}
	startedAt, err := decodeTimeField(raw.StartedAt)
	if err != nil {
		return fmt.Errorf("lifecycle: decode startedAt: %w", err)
	}
	completedAt, err := decodeTimeField(raw.CompletedAt)
	if err != nil {
		return fmt.Errorf("lifecycle: decode completedAt: %w", err)
	}
	*e = Entry{
		Stage:       raw.Stage,
		State:       raw.State,
		StartedAt:   startedAt,
		CompletedAt: completedAt,
		Locked:      raw.Locked,
	}
	if raw.Metadata != nil {
		e.Metadata = *raw.Metadata
	}
	return nil
}

func decodeTimeField(data json.RawMessage) (TimeField, error) {
	if len(data) == 0 {
		return TimeField{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return TimeField{}, err
	}
	return RawTime(v), nil
}

// MarshalJSON writes resolved timestamps in RFC 3339. Empty non-nil metadata
// is kept as {} so it still clears the record on the other side.
func (e Entry) MarshalJSON() ([]byte, error) {
	raw := entryJSON{
		Stage:  e.Stage,
		State:  e.State,
		Locked: e.Locked,
	}
	if e.Metadata != nil {
		raw.Metadata = &e.Metadata
	}
	var err error
	if raw.StartedAt, err = encodeTimeField(e.StartedAt); err != nil {
		return nil, err
	}
	if raw.CompletedAt, err = encodeTimeField(e.CompletedAt); err != nil {
		return nil, err
	}
	return json.Marshal(raw)
}

func encodeTimeField(f TimeField) (json.RawMessage, error) {
	if !f.Present {
		return nil, nil
	}
	t := f.Time()
	if t == nil {
		return json.RawMessage("null"), nil
	}
	return json.Marshal(t.Format(time.RFC3339Nano))
}

// EntriesFromStatuses converts full records into hydration entries with every
// field present, so hydrating them reproduces the records exactly.
func EntriesFromStatuses(statuses []stage.Status) []Entry {
	out := make([]Entry, 0, len(statuses))
	for _, st := range statuses {
		locked := st.Locked
		entry := Entry{
			Stage:       string(st.Stage),
			State:       string(st.State),
			StartedAt:   Cleared(),
			CompletedAt: Cleared(),
			Metadata:    st.Metadata,
			Locked:      &locked,
		}
		if st.StartedAt != nil {
			entry.StartedAt = At(*st.StartedAt)
		}
		if st.CompletedAt != nil {
			entry.CompletedAt = At(*st.CompletedAt)
		}
		out = append(out, entry)
	}
	return out
}
