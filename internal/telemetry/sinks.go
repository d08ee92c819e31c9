package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kingrea/missionctl/internal/logbook"
)

// LogSink writes every event as a structured log line.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink wraps a zerolog logger.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "telemetry").Logger()}
}

// Emit logs the event at info level.
func (s *LogSink) Emit(_ context.Context, name string, payload Payload) error {
	s.logger.Info().
		Str("event", name).
		Str("mission", payload.MissionID).
		Str("tenant", payload.TenantID).
		Fields(payload.EventData).
		Msg("stage transition")
	return nil
}

// LogbookSink appends a human readable line per event to the mission's
// logbook, one file per mission under dir.
type LogbookSink struct {
	dir   string
	mu    sync.Mutex
	books map[string]*logbook.Logbook
}

// NewLogbookSink stores logbooks beneath dir.
func NewLogbookSink(dir string) *LogbookSink {
	return &LogbookSink{dir: dir, books: map[string]*logbook.Logbook{}}
}

// Emit appends the event to the mission logbook.
func (s *LogbookSink) Emit(_ context.Context, name string, payload Payload) error {
	book, err := s.book(payload.MissionID)
	if err != nil {
		return err
	}
	level := logbook.LevelInfo
	if strings.HasSuffix(name, "_"+string(KindFailed)) {
		level = logbook.LevelError
	}
	book.Append(level, formatLogbookLine(name, payload.EventData))
	return nil
}

func (s *LogbookSink) book(missionID string) (*logbook.Logbook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if book, ok := s.books[missionID]; ok {
		return book, nil
	}
	book, err := logbook.ForMission(s.dir, missionID)
	if err != nil {
		return nil, fmt.Errorf("telemetry: open logbook: %w", err)
	}
	s.books[missionID] = book
	return book, nil
}

func formatLogbookLine(name string, data map[string]any) string {
	var b strings.Builder
	b.WriteString(name)
	if d, ok := data["duration"]; ok {
		fmt.Fprintf(&b, " duration=%vms", d)
	}
	keys := make([]string, 0, len(data))
	for key := range data {
		switch key {
		case "stage", "timestamp", "duration":
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Fprintf(&b, " %s=%v", key, data[key])
	}
	return b.String()
}

// HTTPSink posts events as JSON to an external collector.
type HTTPSink struct {
	endpoint string
	client   *http.Client
}

// NewHTTPSink targets endpoint. A nil client gets a 10s timeout default.
func NewHTTPSink(endpoint string, client *http.Client) (*HTTPSink, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("telemetry: http sink endpoint is required")
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPSink{endpoint: endpoint, client: client}, nil
}

type httpEnvelope struct {
	Event string `json:"event"`
	Payload
}

// Emit posts a single event. Non-2xx responses are reported as errors.
func (s *HTTPSink) Emit(ctx context.Context, name string, payload Payload) error {
	body, err := json.Marshal(httpEnvelope{Event: name, Payload: payload})
	if err != nil {
		return fmt.Errorf("telemetry: encode %s: %w", name, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telemetry: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("telemetry: post %s: %w", name, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telemetry: post %s: unexpected status %d", name, resp.StatusCode)
	}
	return nil
}
