// Package engine implements the task execution and skill-routing core:
// request normalization, explicit-metadata routing between native skill
// handlers and the conversational fallback, the durable task lifecycle,
// per-task event streams, and failure classification.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/caminholabs/orienta/internal/persistence"
)

// Handler is a native skill implementation.
type Handler interface {
	Execute(ctx context.Context, callerID string, params map[string]any) (any, error)
}

// DisplayFormatter is optionally implemented by handlers that render their
// result as user-facing text. Handlers without it have their result shown
// as-is when it is a string.
type DisplayFormatter interface {
	FormatForDisplay(result any) string
}

// Registry resolves skill identifiers to native handlers.
type Registry interface {
	Lookup(skillID string) (Handler, bool)
}

// Fallback is the generic conversational agent invoked when no native
// handler matches. It streams text chunks through onChunk and returns once
// its stream ends. A non-nil error from onChunk aborts the run.
type Fallback interface {
	Run(ctx context.Context, content, callerID, sessionID string, onChunk func(string) error) error
}

// Sessions is the idempotent conversation-session provider consulted before
// every fallback invocation. *persistence.Store satisfies it.
type Sessions interface {
	GetOrCreateSession(ctx context.Context, appID, callerID, sessionID string) (*persistence.Session, error)
}

const (
	msgCanceled       = "A tarefa foi cancelada com sucesso."
	msgAlreadyDone    = "Esta tarefa já foi finalizada."
	msgAlreadyRunning = "Esta tarefa já está em andamento."
)

// Config holds the dependencies injected into the Engine.
type Config struct {
	Store     *persistence.Store
	Lifecycle *Lifecycle
	Registry  Registry
	Fallback  Fallback
	Sessions  Sessions
	Logger    *slog.Logger
	Tracer    trace.Tracer
	AppID     string
}

// Engine is the dispatcher. It is safe for concurrent use: per-request
// state lives on the stack, and the registry is immutable after startup.
type Engine struct {
	store     *persistence.Store
	lifecycle *Lifecycle
	registry  Registry
	fallback  Fallback
	sessions  Sessions
	logger    *slog.Logger
	tracer    trace.Tracer
	appID     string
}

// New constructs an Engine from explicitly injected collaborators.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer("orienta")
	}
	appID := cfg.AppID
	if appID == "" {
		appID = "orienta"
	}
	return &Engine{
		store:     cfg.Store,
		lifecycle: cfg.Lifecycle,
		registry:  cfg.Registry,
		fallback:  cfg.Fallback,
		sessions:  cfg.Sessions,
		logger:    logger,
		tracer:    tracer,
		appID:     appID,
	}
}

// Close releases engine-held resources. The store is owned by the caller
// that opened it; only the fallback agent is closed here, when it supports
// closing.
func (e *Engine) Close() error {
	if c, ok := e.fallback.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Execute runs one inbound envelope to completion, publishing the ordered
// event stream onto q. Every failure is classified; the stream always ends
// with exactly one final event.
func (e *Engine) Execute(ctx context.Context, env *Envelope, q *Queue) error {
	req := Normalize(env)

	ctx, span := e.tracer.Start(ctx, "engine.execute", trace.WithAttributes(
		attribute.String("task.id", req.TaskID),
		attribute.String("skill.id", req.SkillID),
	))
	defer span.End()

	task, err := e.openTask(ctx, req, q)
	if err != nil {
		// No task row could be written; report without persistence.
		c := Classify(err)
		e.logger.Error("task open failed", "task_id", req.TaskID, "error", err)
		e.publishMessage(q, req.TaskID, c.Message)
		e.publishFinalStatus(q, req.TaskID, req.ContextID, c.State, map[string]any{
			"error_kind": string(c.Kind),
		})
		return nil
	}
	if task == nil {
		// Resubmission to an in-flight or terminal task; openTask already
		// answered on the queue.
		return nil
	}

	if err := q.Publish(Event{
		Kind:      EventTask,
		ID:        task.ID,
		ContextID: task.ContextID,
		Status: &Status{
			State:    persistence.StateWorking,
			Metadata: task.Metadata,
		},
	}); err != nil {
		return fmt.Errorf("publish task event: %w", err)
	}

	if req.SkillID != "" {
		return e.runNative(ctx, req, task, q)
	}
	return e.runFallback(ctx, req, task, q)
}

// openTask loads or creates the task row for the request. A nil task with
// nil error means the request was a resubmission the engine answered
// directly on the queue: terminal tasks never transition again, and a
// working task accepts no second submission. Only input_required tasks
// resume.
func (e *Engine) openTask(ctx context.Context, req *Request, q *Queue) (*persistence.Task, error) {
	existing, err := e.store.GetTask(ctx, req.TaskID)
	if errors.Is(err, persistence.ErrTaskNotFound) {
		return e.lifecycle.Create(ctx, req)
	}
	if err != nil {
		return nil, &PersistenceError{Operation: "load task", Err: err}
	}

	switch {
	case existing.State == persistence.StateInputRequired:
		if err := e.lifecycle.Resume(ctx, existing); err != nil {
			return nil, err
		}
		return existing, nil
	case existing.State.Terminal():
		e.publishMessage(q, existing.ID, msgAlreadyDone)
		e.publishFinalStatus(q, existing.ID, existing.ContextID, existing.State, nil)
		return nil, nil
	default:
		e.publishMessage(q, existing.ID, msgAlreadyRunning)
		e.publishFinalStatus(q, existing.ID, existing.ContextID, existing.State, nil)
		return nil, nil
	}
}

// runNative dispatches to the registered handler for the request's skill.
// A skill id with no registered handler routes to the fallback agent, same
// as a request without one: declared-only skills on the agent card have no
// native handler. Partial native output is never followed by fallback
// output: once the native path starts, its failure is terminal for the task.
func (e *Engine) runNative(ctx context.Context, req *Request, task *persistence.Task, q *Queue) error {
	handler, ok := e.registry.Lookup(req.SkillID)
	if !ok {
		e.logger.Info("skill has no native handler, routing to fallback",
			"task_id", task.ID, "skill_id", req.SkillID)
		return e.runFallback(ctx, req, task, q)
	}

	params := make(map[string]any, len(req.Params)+1)
	for k, v := range req.Params {
		params[k] = v
	}
	params["message_text"] = req.Text

	result, err := handler.Execute(ctx, req.CallerID, params)
	if err != nil {
		return e.finishError(ctx, task, q, err)
	}

	// Persist the completion before emitting anything: if the task was
	// canceled while the handler ran, the late result is discarded whole.
	if err := e.lifecycle.Complete(ctx, task, result, map[string]any{
		"skill":  req.SkillID,
		"native": true,
	}); err != nil {
		return e.finishError(ctx, task, q, err)
	}

	e.publishMessage(q, task.ID, renderResult(handler, result))
	e.publishFinalStatus(q, task.ID, task.ContextID, persistence.StateCompleted, map[string]any{
		"skill":  req.SkillID,
		"native": true,
	})
	return nil
}

// runFallback streams the generic agent's response. Each chunk becomes a
// message event; the task completes when the stream ends.
func (e *Engine) runFallback(ctx context.Context, req *Request, task *persistence.Task, q *Queue) error {
	if e.fallback == nil {
		return e.finishError(ctx, task, q, &SkillNotFoundError{SkillID: req.SkillID})
	}

	sessionID := req.CallerID
	if _, err := e.sessions.GetOrCreateSession(ctx, e.appID, req.CallerID, sessionID); err != nil {
		return e.finishError(ctx, task, q, &PersistenceError{Operation: "get or create session", Err: err})
	}

	var (
		chunks int
		total  strings.Builder
	)
	err := e.fallback.Run(ctx, req.Text, req.CallerID, sessionID, func(chunk string) error {
		if chunk == "" {
			return nil
		}
		chunks++
		total.WriteString(chunk)
		return q.Publish(Event{
			Kind:   EventMessage,
			TaskID: task.ID,
			Parts:  []Part{{Text: chunk}},
		})
	})
	if err != nil {
		return e.finishError(ctx, task, q, err)
	}
	if strings.TrimSpace(total.String()) == "" {
		return e.finishError(ctx, task, q, fmt.Errorf("fallback agent produced an empty response"))
	}

	result := map[string]any{"text": total.String()}
	if err := e.lifecycle.Complete(ctx, task, result, map[string]any{
		"native":      false,
		"chunk_count": chunks,
	}); err != nil {
		return e.finishError(ctx, task, q, err)
	}

	e.publishFinalStatus(q, task.ID, task.ContextID, persistence.StateCompleted, map[string]any{
		"native":      false,
		"chunk_count": chunks,
	})
	return nil
}

// Cancel flips a non-terminal task to canceled and emits the final event.
// It is idempotent: a task already terminal produces no events and no
// transition. Returns the task's state after the call.
func (e *Engine) Cancel(ctx context.Context, taskID string, q *Queue) (persistence.TaskState, error) {
	ctx, span := e.tracer.Start(ctx, "engine.cancel", trace.WithAttributes(
		attribute.String("task.id", taskID),
	))
	defer span.End()

	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, persistence.ErrTaskNotFound) {
			return "", err
		}
		return "", &PersistenceError{Operation: "load task", Err: err}
	}

	changed, err := e.lifecycle.Cancel(ctx, task)
	if err != nil && !errors.Is(err, ErrInvalidTransition) {
		return task.State, err
	}
	if !changed {
		// Already terminal; the terminal event was emitted exactly once,
		// when the task first finished.
		return task.State, nil
	}

	e.publishMessage(q, task.ID, msgCanceled)
	e.publishFinalStatus(q, task.ID, task.ContextID, persistence.StateCanceled, nil)
	return persistence.StateCanceled, nil
}

// finishError is the single recovery point: classify, persist the terminal
// state, then emit one human-readable message and one final status update.
func (e *Engine) finishError(ctx context.Context, task *persistence.Task, q *Queue, cause error) error {
	c := Classify(cause)

	e.logger.Error("task failed",
		"task_id", task.ID,
		"caller_id", task.CallerID,
		"error_kind", string(c.Kind),
		"retryable", c.Retryable,
		"error", cause,
	)

	if err := e.lifecycle.Fail(ctx, task, c, cause); err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			// The task reached a terminal state underneath us (typically a
			// concurrent cancel). Discard the late result: reflect the
			// persisted truth and stop.
			current, gerr := e.store.GetTask(ctx, task.ID)
			if gerr == nil {
				e.publishFinalStatus(q, task.ID, task.ContextID, current.State, nil)
			}
			return nil
		}
		// Persisting the failure itself failed. The live stream still gets
		// a terminal view; the store will be reconciled by startup recovery.
		e.logger.Error("persist terminal state failed", "task_id", task.ID, "error", err)
	}

	e.publishMessage(q, task.ID, c.Message)
	e.publishFinalStatus(q, task.ID, task.ContextID, c.State, map[string]any{
		"error_kind": string(c.Kind),
		"retryable":  c.Retryable,
	})
	return nil
}

func (e *Engine) publishMessage(q *Queue, taskID, text string) {
	if q == nil || text == "" {
		return
	}
	if err := q.Publish(Event{
		Kind:   EventMessage,
		TaskID: taskID,
		Parts:  []Part{{Text: text}},
	}); err != nil {
		e.logger.Warn("message event dropped", "task_id", taskID, "error", err)
	}
}

func (e *Engine) publishFinalStatus(q *Queue, taskID, contextID string, state persistence.TaskState, meta map[string]any) {
	if q == nil {
		return
	}
	if err := q.Publish(Event{
		Kind:      EventStatusUpdate,
		TaskID:    taskID,
		ContextID: contextID,
		Final:     true,
		Status:    &Status{State: state, Metadata: meta},
	}); err != nil {
		e.logger.Warn("final status event dropped", "task_id", taskID, "error", err)
	}
}

// renderResult produces the user-facing text for a native handler result.
func renderResult(h Handler, result any) string {
	if f, ok := h.(DisplayFormatter); ok {
		return f.FormatForDisplay(result)
	}
	if s, ok := result.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", result)
}
