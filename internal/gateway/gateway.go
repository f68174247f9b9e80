// Package gateway exposes the engine over HTTP: agent card discovery,
// synchronous and streaming message submission, task inspection and
// cancellation, a WebSocket channel, and health.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/caminholabs/orienta/internal/bus"
	"github.com/caminholabs/orienta/internal/engine"
	"github.com/caminholabs/orienta/internal/otel"
	"github.com/caminholabs/orienta/internal/persistence"
	"github.com/caminholabs/orienta/internal/skills"
)

// Executor runs normalized envelopes and cancellations. *engine.Engine
// satisfies it; tests substitute a stub.
type Executor interface {
	Execute(ctx context.Context, env *engine.Envelope, q *engine.Queue) error
	Cancel(ctx context.Context, taskID string, q *engine.Queue) (persistence.TaskState, error)
}

// Config holds the gateway dependencies.
type Config struct {
	Store    *persistence.Store
	Engine   Executor
	Registry *skills.Registry
	Bus      *bus.Bus

	// AuthToken, when set, is required as a bearer token on every endpoint
	// except the agent card and health check.
	AuthToken string

	// BaseURL is the externally visible URL advertised on the agent card.
	BaseURL string

	// ConfigFingerprint is the hash of active config exposed on /healthz.
	ConfigFingerprint string

	// Metrics, when set, records per-route request durations.
	Metrics *otel.Metrics

	Logger *slog.Logger
}

// Server serves the HTTP API.
type Server struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a gateway server.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: logger}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/agent.json", s.timed("agent_card", s.handleAgentCard))
	mux.HandleFunc("/healthz", s.timed("healthz", s.handleHealthz))
	mux.HandleFunc("/api/v1/message/send", s.timed("message_send", s.handleMessageSend))
	mux.HandleFunc("/api/v1/message/stream", s.timed("message_stream", s.handleMessageStream))
	mux.HandleFunc("/api/v1/task", s.timed("task_get", s.handleTaskGet))
	mux.HandleFunc("/api/v1/task/cancel", s.timed("task_cancel", s.handleTaskCancel))
	mux.HandleFunc("/api/v1/ws", s.handleWS)
	return mux
}

// timed records the handler's wall time on the request-duration histogram.
// The ResponseWriter is passed through untouched so streaming handlers keep
// their Flusher. The WebSocket route is not timed: its duration is the
// connection lifetime, not a request.
func (s *Server) timed(route string, h http.HandlerFunc) http.HandlerFunc {
	if s.cfg.Metrics == nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		h(w, r)
		s.cfg.Metrics.RequestDuration.Record(r.Context(), time.Since(start).Seconds(),
			metric.WithAttributes(attribute.String("route", route)))
	}
}

// authorize checks the bearer token. An empty configured token disables auth.
func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(extractToken(r)), []byte(s.cfg.AuthToken)) == 1
}

// extractToken reads the bearer token from the Authorization header, falling
// back to the token query param for SSE clients that cannot set headers.
func extractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	dbOK := s.cfg.Store != nil && s.cfg.Store.Ping(ctx) == nil

	payload := map[string]any{
		"healthy":            dbOK,
		"db_ok":              dbOK,
		"config_fingerprint": s.cfg.ConfigFingerprint,
	}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// handleMessageSend implements POST /api/v1/message/send: the envelope is
// executed to completion and the full ordered event stream is returned in
// one response.
func (s *Server) handleMessageSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	env, err := decodeEnvelope(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	q := engine.NewQueue()
	s.run(r.Context(), env, q)
	events := q.Drain()

	resp := sendResponse{Events: events}
	for _, ev := range events {
		if ev.Kind == engine.EventTask {
			resp.TaskID = ev.ID
			resp.ContextID = ev.ContextID
		}
		if ev.TaskID != "" {
			resp.TaskID = ev.TaskID
		}
		if ev.Final && ev.Status != nil {
			resp.State = string(ev.Status.State)
			if ev.ContextID != "" {
				resp.ContextID = ev.ContextID
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type sendResponse struct {
	TaskID    string         `json:"taskId"`
	ContextID string         `json:"contextId,omitempty"`
	State     string         `json:"state"`
	Events    []engine.Event `json:"events"`
}

// run executes the envelope in the background. If the engine ever returns
// without closing the stream, a terminal event is synthesized so no consumer
// blocks forever.
func (s *Server) run(ctx context.Context, env *engine.Envelope, q *engine.Queue) {
	go func() {
		if err := s.cfg.Engine.Execute(ctx, env, q); err != nil {
			s.logger.Error("execute failed", "error", err)
		}
		if !q.Closed() {
			_ = q.Publish(engine.Event{
				Kind:   engine.EventStatusUpdate,
				TaskID: env.ID,
				Final:  true,
				Status: &engine.Status{
					State:    persistence.StateFailed,
					Metadata: map[string]any{"error_kind": "Internal"},
				},
			})
		}
	}()
}

// handleTaskGet implements GET /api/v1/task?task_id=XXX.
func (s *Server) handleTaskGet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	taskID := r.URL.Query().Get("task_id")
	if taskID == "" {
		writeError(w, http.StatusBadRequest, "task_id query parameter is required")
		return
	}

	task, err := s.cfg.Store.GetTask(r.Context(), taskID)
	if errors.Is(err, persistence.ErrTaskNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.logger.Error("load task failed", "task_id", taskID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, newTaskView(task))
}

// handleTaskCancel implements POST /api/v1/task/cancel.
func (s *Server) handleTaskCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var body struct {
		TaskID string `json:"taskId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.TaskID == "" {
		writeError(w, http.StatusBadRequest, "taskId is required")
		return
	}

	q := engine.NewQueue()
	state, err := s.cfg.Engine.Cancel(r.Context(), body.TaskID, q)
	if errors.Is(err, persistence.ErrTaskNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.logger.Error("cancel failed", "task_id", body.TaskID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	// An already-terminal task emits nothing; only a real cancellation
	// closes the stream with events to report.
	var events []engine.Event
	if q.Closed() {
		events = q.Drain()
	}
	writeJSON(w, http.StatusOK, cancelResponse{TaskID: body.TaskID, State: string(state), Events: events})
}

type cancelResponse struct {
	TaskID string         `json:"taskId"`
	State  string         `json:"state"`
	Events []engine.Event `json:"events,omitempty"`
}

// taskView is the read model returned by GET /api/v1/task.
type taskView struct {
	TaskID    string                 `json:"taskId"`
	ContextID string                 `json:"contextId"`
	State     string                 `json:"state"`
	CallerID  string                 `json:"callerId,omitempty"`
	Metadata  map[string]any         `json:"metadata,omitempty"`
	Result    json.RawMessage        `json:"result,omitempty"`
	Error     *persistence.TaskError `json:"error,omitempty"`
	CreatedAt time.Time              `json:"createdAt"`
	UpdatedAt time.Time              `json:"updatedAt"`
}

func newTaskView(t *persistence.Task) taskView {
	return taskView{
		TaskID:    t.ID,
		ContextID: t.ContextID,
		State:     string(t.State),
		CallerID:  t.CallerID,
		Metadata:  t.Metadata,
		Result:    t.Result,
		Error:     t.Error,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
