package eventbridge

import (
	"errors"
	"strings"
	"time"

	"github.com/kingrea/missionctl/internal/lifecycle"
	"github.com/kingrea/missionctl/internal/stage"
	"github.com/kingrea/missionctl/internal/telemetry"
)

const (
	// ProtocolVersion identifies the bridge contract version exposed via /health.
	ProtocolVersion = "1.0.0"
	// EventSchemaVersion is the version stamped on streamed events.
	EventSchemaVersion = 1
	// TenantHeader carries the tenant for mission requests.
	TenantHeader = "X-Tenant-ID"
)

// Event is one telemetry record streamed to mission subscribers.
type Event struct {
	Version    int            `json:"version"`
	EventID    string         `json:"event_id"`
	Sequence   int64          `json:"sequence"`
	Name       string         `json:"name"`
	Kind       string         `json:"kind"`
	Stage      string         `json:"stage"`
	MissionID  string         `json:"mission_id"`
	TenantID   string         `json:"tenant_id"`
	ServerTime time.Time      `json:"server_time"`
	Data       map[string]any `json:"data,omitempty"`
}

// Normalize applies defaults and canonical formatting before validation.
func (e *Event) Normalize() {
	if e == nil {
		return
	}
	if e.Version == 0 {
		e.Version = EventSchemaVersion
	}
	e.EventID = strings.TrimSpace(e.EventID)
	e.Name = strings.TrimSpace(e.Name)
	e.MissionID = strings.TrimSpace(e.MissionID)
	e.TenantID = strings.TrimSpace(e.TenantID)
	if e.Kind == "" || e.Stage == "" {
		e.Stage, e.Kind = splitEventName(e.Name)
	}
}

// StampServerTime overwrites ServerTime with the supplied clock reading (UTC).
func (e *Event) StampServerTime(now time.Time) {
	if e == nil {
		return
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	e.ServerTime = now.UTC()
}

// Validate enforces baseline requirements for routed events.
func (e Event) Validate() error {
	if e.Version != EventSchemaVersion {
		return errors.New("unsupported event version")
	}
	if e.EventID == "" {
		return errors.New("event_id is required")
	}
	if e.Name == "" {
		return errors.New("name is required")
	}
	if e.MissionID == "" {
		return errors.New("mission_id is required")
	}
	return nil
}

// Failed reports whether the event records a stage failure.
func (e Event) Failed() bool {
	return e.Kind == string(telemetry.KindFailed)
}

// splitEventName turns stage_dry_run_completed into ("dry_run", "completed").
func splitEventName(name string) (string, string) {
	trimmed := strings.TrimPrefix(name, "stage_")
	idx := strings.LastIndex(trimmed, "_")
	if trimmed == name || idx <= 0 {
		return "", ""
	}
	return trimmed[:idx], trimmed[idx+1:]
}

// Logger records bridge status information. It matches logging.Logger's signature.
type Logger interface {
	Printf(format string, args ...any)
}

type healthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	RouterReady   bool   `json:"router_ready"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Missions      int    `json:"missions"`
}

// StagesResponse is returned by the mission listing and transition endpoints.
type StagesResponse struct {
	MissionID string            `json:"mission_id"`
	TenantID  string            `json:"tenant_id"`
	SessionID string            `json:"session_id"`
	Summary   lifecycle.Summary `json:"summary"`
	Stages    []stage.Status    `json:"stages"`
}

// StageResponse describes a single stage.
type StageResponse struct {
	MissionID  string       `json:"mission_id"`
	Status     stage.Status `json:"status"`
	Next       string       `json:"next,omitempty"`
	DurationMs *int64       `json:"duration_ms,omitempty"`
}

// HydrateResponse reports a hydration call.
type HydrateResponse struct {
	StagesResponse
	Report lifecycle.Report `json:"report"`
}

type transitionRequest struct {
	Metadata stage.Metadata `json:"metadata,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}
