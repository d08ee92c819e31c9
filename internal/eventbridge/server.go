package eventbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/kingrea/missionctl/internal/lifecycle"
	"github.com/kingrea/missionctl/internal/session"
	"github.com/kingrea/missionctl/internal/stage"
)

// ServerStatus reports runtime lifecycle states for the HTTP server.
type ServerStatus string

const (
	StatusStarting ServerStatus = "starting"
	StatusReady    ServerStatus = "ready"
	StatusDraining ServerStatus = "draining"
)

var errServerDisabled = errors.New("eventbridge: server disabled")

// Server exposes mission sessions over HTTP and streams their telemetry.
type Server struct {
	settings Settings
	sessions *session.Manager
	router   *Router
	logger   Logger
	clock    func() time.Time

	mu        sync.RWMutex
	server    *http.Server
	listener  net.Listener
	status    ServerStatus
	startTime time.Time
}

// Option customizes server construction.
type Option func(*Server)

// WithSessions backs the mission endpoints with a session manager.
func WithSessions(m *session.Manager) Option {
	return func(s *Server) {
		if m != nil {
			s.sessions = m
		}
	}
}

// WithRouter enables the event stream endpoint.
func WithRouter(r *Router) Option {
	return func(s *Server) {
		if r != nil {
			s.router = r
		}
	}
}

// WithLogger overrides the default no-op logger.
func WithLogger(l Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock allows tests to control timestamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Server) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewServer prepares a bridge server using the provided settings.
func NewServer(settings Settings, opts ...Option) *Server {
	s := &Server{
		settings: settings,
		logger:   nopLogger{},
		clock:    func() time.Time { return time.Now().UTC() },
		status:   StatusStarting,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler returns the request multiplexer.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("GET /missions/{mission}/stages", s.handleStages)
	mux.HandleFunc("GET /missions/{mission}/stages/{stage}", s.handleStage)
	mux.HandleFunc("POST /missions/{mission}/stages/{stage}/{action}", s.handleTransition)
	mux.HandleFunc("POST /missions/{mission}/hydrate", s.handleHydrate)
	mux.HandleFunc("DELETE /missions/{mission}", s.handleClose)
	mux.HandleFunc("GET /missions/{mission}/events", s.handleStream)
	return mux
}

// Start binds the TCP listener and begins serving HTTP traffic.
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("eventbridge: server is nil")
	}
	if !s.settings.Enabled {
		return errServerDisabled
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return fmt.Errorf("eventbridge: server already started")
	}
	addr := s.settings.Address()
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("eventbridge: listen %s: %w", addr, err)
	}
	s.listener = listener
	s.startTime = s.clock()
	server := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.settings.ReadTimeout,
		WriteTimeout: s.settings.WriteTimeout,
		IdleTimeout:  s.settings.IdleTimeout,
	}
	if ctx != nil {
		server.BaseContext = func(net.Listener) context.Context { return ctx }
	}
	s.server = server
	s.status = StatusReady
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("eventbridge: serve error: %v", err)
		}
	}()
	s.logger.Printf("eventbridge: listening on %s", listener.Addr().String())
	return nil
}

// Shutdown stops accepting new connections and waits for in-flight requests to exit.
func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil || s.server == nil {
		return nil
	}
	s.status = StatusDraining
	deadline := ctx
	if deadline == nil {
		var cancel context.CancelFunc
		deadline, cancel = context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
	}
	if err := s.server.Shutdown(deadline); err != nil {
		return err
	}
	s.listener = nil
	s.server = nil
	return nil
}

// Addr returns the bound TCP address once the server has started.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// BaseURL returns the HTTP base URL (scheme + host:port) for the running server.
func (s *Server) BaseURL() string {
	addr := s.Addr()
	if addr == "" {
		return s.settings.URL()
	}
	return "http://" + addr
}

// Status reports the server's lifecycle state.
func (s *Server) Status() ServerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Server) uptimeSeconds() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.startTime.IsZero() {
		return 0
	}
	return int64(s.clock().Sub(s.startTime).Seconds())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", fmt.Sprintf("%s, %s", http.MethodGet, http.MethodHead))
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	resp := healthResponse{
		Status:        string(s.Status()),
		Version:       ProtocolVersion,
		RouterReady:   s.router != nil,
		UptimeSeconds: s.uptimeSeconds(),
	}
	if s.sessions != nil {
		resp.Missions = len(s.sessions.Missions())
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStages(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.openSession(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, stagesResponse(sess, sess.Snapshot()))
}

func (s *Server) handleStage(w http.ResponseWriter, r *http.Request) {
	id, ok := stageParam(w, r)
	if !ok {
		return
	}
	sess, ok := s.openSession(w, r)
	if !ok {
		return
	}
	status, _ := sess.Snapshot().Status(id)
	resp := StageResponse{MissionID: sess.MissionID(), Status: status}
	if next, ok := sess.NextStage(id); ok {
		resp.Next = string(next)
	}
	if d, ok := sess.StageDuration(id); ok {
		ms := d.Milliseconds()
		resp.DurationMs = &ms
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	id, ok := stageParam(w, r)
	if !ok {
		return
	}
	var apply func(*session.Session, context.Context, stage.ID, stage.Metadata) (*lifecycle.Store, error)
	switch strings.ToLower(r.PathValue("action")) {
	case "start":
		apply = (*session.Session).MarkStageStarted
	case "complete":
		apply = (*session.Session).MarkStageCompleted
	case "fail":
		apply = (*session.Session).MarkStageFailed
	default:
		writeError(w, http.StatusNotFound, "unknown action")
		return
	}
	var req transitionRequest
	if !s.decodeBody(w, r, &req, true) {
		return
	}
	sess, ok := s.openSession(w, r)
	if !ok {
		return
	}
	store, err := apply(sess, r.Context(), id, req.Metadata)
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stagesResponse(sess, store))
}

func (s *Server) handleHydrate(w http.ResponseWriter, r *http.Request) {
	var entries []lifecycle.Entry
	if !s.decodeBody(w, r, &entries, false) {
		return
	}
	sess, ok := s.openSession(w, r)
	if !ok {
		return
	}
	report, err := sess.HydrateStages(r.Context(), entries)
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, HydrateResponse{
		StagesResponse: stagesResponse(sess, sess.Snapshot()),
		Report:         report,
	})
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "sessions unavailable")
		return
	}
	mission := r.PathValue("mission")
	purge := r.URL.Query().Get("purge") == "true"
	err := s.sessions.Close(r.Context(), mission, purge)
	if errors.Is(err, session.ErrNotOpen) {
		writeError(w, http.StatusNotFound, "mission not open")
		return
	}
	if err != nil {
		s.logger.Printf("eventbridge: close %s: %v", mission, err)
		writeError(w, http.StatusInternalServerError, "close failed")
		return
	}
	if s.router != nil {
		s.router.Forget(mission)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.router == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	// Streams outlive the server write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.router.Subscribe(r.PathValue("mission"))
	defer sub.Close()
	ticker := time.NewTicker(s.settings.keepAlive())
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case evt, ok := <-sub.Events:
			if !ok {
				return
			}
			if err := writeSSE(w, evt); err != nil {
				s.logger.Printf("eventbridge: stream write: %v", err)
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) openSession(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	if s.sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "sessions unavailable")
		return nil, false
	}
	tenant := strings.TrimSpace(r.Header.Get(TenantHeader))
	if tenant == "" {
		tenant = s.settings.Tenant
	}
	sess, err := s.sessions.Get(r.Context(), r.PathValue("mission"), tenant)
	if err != nil {
		s.writeSessionError(w, err)
		return nil, false
	}
	return sess, true
}

func (s *Server) writeSessionError(w http.ResponseWriter, err error) {
	if errors.Is(err, session.ErrClosed) {
		writeError(w, http.StatusServiceUnavailable, "session closed")
		return
	}
	s.logger.Printf("eventbridge: session error: %v", err)
	writeError(w, http.StatusInternalServerError, "session unavailable")
}

// decodeBody reads a JSON body bounded by MaxBodyBytes. With optional set, an
// empty body leaves dst untouched.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst any, optional bool) bool {
	if r.Body == nil {
		if optional {
			return true
		}
		writeError(w, http.StatusBadRequest, "empty body")
		return false
	}
	reader := http.MaxBytesReader(w, r.Body, s.settings.MaxBodyBytes)
	defer reader.Close()
	body, err := io.ReadAll(reader)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload exceeds limit")
			return false
		}
		writeError(w, http.StatusBadRequest, "unable to read body")
		return false
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		if optional {
			return true
		}
		writeError(w, http.StatusBadRequest, "empty body")
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	return true
}

func stageParam(w http.ResponseWriter, r *http.Request) (stage.ID, bool) {
	id, ok := stage.Parse(r.PathValue("stage"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown stage")
		return "", false
	}
	return id, true
}

func stagesResponse(sess *session.Session, store *lifecycle.Store) StagesResponse {
	return StagesResponse{
		MissionID: sess.MissionID(),
		TenantID:  sess.TenantID(),
		SessionID: sess.ID(),
		Summary:   store.Summary(),
		Stages:    store.Statuses(),
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}
