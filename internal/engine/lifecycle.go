package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/caminholabs/orienta/internal/bus"
	"github.com/caminholabs/orienta/internal/persistence"
)

// ErrInvalidTransition is returned when a requested state change is not a
// legal edge of the task state machine.
var ErrInvalidTransition = errors.New("invalid task state transition")

// allowedTransitions encodes the task state machine. Terminal states have
// no outgoing edges.
var allowedTransitions = map[persistence.TaskState]map[persistence.TaskState]struct{}{
	persistence.StateWorking: {
		persistence.StateCompleted:     {},
		persistence.StateFailed:        {},
		persistence.StateInputRequired: {},
		persistence.StateCanceled:      {},
	},
	persistence.StateInputRequired: {
		persistence.StateWorking:  {},
		persistence.StateCanceled: {},
	},
}

func transitionAllowed(from, to persistence.TaskState) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Lifecycle owns every write to the task store. All transitions are
// persisted before the corresponding stream event is published, so the
// store never lags behind what a reconnecting caller could observe.
type Lifecycle struct {
	store  *persistence.Store
	bus    *bus.Bus
	logger *slog.Logger
}

// NewLifecycle creates a lifecycle manager over the given store.
func NewLifecycle(store *persistence.Store, b *bus.Bus, logger *slog.Logger) *Lifecycle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lifecycle{store: store, bus: b, logger: logger}
}

// Create persists a new task in working state and announces it on the bus.
func (l *Lifecycle) Create(ctx context.Context, req *Request) (*persistence.Task, error) {
	task := &persistence.Task{
		ID:        req.TaskID,
		ContextID: req.ContextID,
		State:     persistence.StateWorking,
		CallerID:  req.CallerID,
		Request:   req.Raw,
		Metadata: map[string]any{
			"user_id":    req.CallerID,
			"started_at": time.Now().UTC().Format(time.RFC3339),
		},
	}
	if req.SkillID != "" {
		task.Metadata["skill"] = req.SkillID
	}
	if err := l.store.SaveTask(ctx, task); err != nil {
		return nil, &PersistenceError{Operation: "create task", Err: err}
	}

	if l.bus != nil {
		l.bus.Publish(bus.TopicTaskCreated, bus.TaskCreatedEvent{
			TaskID:    task.ID,
			ContextID: task.ContextID,
			CallerID:  task.CallerID,
			SkillID:   req.SkillID,
		})
	}
	return task, nil
}

// Resume moves an input_required task back to working for a resubmission
// carrying the same task id.
func (l *Lifecycle) Resume(ctx context.Context, task *persistence.Task) error {
	return l.transition(ctx, task, persistence.StateWorking, nil)
}

// Complete marks the task completed with the given result payload.
func (l *Lifecycle) Complete(ctx context.Context, task *persistence.Task, result any, meta map[string]any) error {
	var raw json.RawMessage
	if result != nil {
		encoded, err := json.Marshal(result)
		if err != nil {
			return &PersistenceError{Operation: "encode result", Err: err}
		}
		raw = encoded
	}
	return l.transition(ctx, task, persistence.StateCompleted, func(t *persistence.Task) {
		t.Result = raw
		mergeMetadata(t, meta)
		t.Metadata["completed_at"] = time.Now().UTC().Format(time.RFC3339)
	})
}

// Fail marks the task terminal with the classified error. The terminal
// state comes from the classification: failed, or input_required when the
// caller can supply what is missing.
func (l *Lifecycle) Fail(ctx context.Context, task *persistence.Task, c Classification, cause error) error {
	rec := &persistence.TaskError{
		Kind:    string(c.Kind),
		Message: c.Message,
	}
	if cause != nil {
		rec.Details = map[string]string{"cause": cause.Error()}
	}
	return l.transition(ctx, task, c.State, func(t *persistence.Task) {
		t.Error = rec
		mergeMetadata(t, map[string]any{
			"error_kind": string(c.Kind),
			"retryable":  c.Retryable,
			"failed_at":  time.Now().UTC().Format(time.RFC3339),
		})
	})
}

// Cancel transitions a non-terminal task to canceled. It is idempotent:
// canceling an already canceled task reports no change, and canceling a
// task in another terminal state is refused.
func (l *Lifecycle) Cancel(ctx context.Context, task *persistence.Task) (changed bool, err error) {
	if task.State == persistence.StateCanceled {
		return false, nil
	}
	if task.State.Terminal() {
		return false, ErrInvalidTransition
	}
	err = l.transition(ctx, task, persistence.StateCanceled, func(t *persistence.Task) {
		mergeMetadata(t, map[string]any{
			"canceled_at": time.Now().UTC().Format(time.RFC3339),
		})
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// transition validates the edge, persists the new state with an optimistic
// guard on the prior state, then publishes the change on the bus.
// Persist-before-publish is the ordering contract.
func (l *Lifecycle) transition(ctx context.Context, task *persistence.Task, to persistence.TaskState, mutate func(*persistence.Task)) error {
	from := task.State
	if !transitionAllowed(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	task.State = to
	if mutate != nil {
		mutate(task)
	}
	if err := l.store.UpdateTaskState(ctx, task, from); err != nil {
		task.State = from
		if errors.Is(err, persistence.ErrStaleState) {
			// Another writer (typically cancel) got there first.
			return fmt.Errorf("%w: %s -> %s: %v", ErrInvalidTransition, from, to, err)
		}
		return &PersistenceError{Operation: fmt.Sprintf("transition %s -> %s", from, to), Err: err}
	}

	l.logger.Debug("task state transition", "task_id", task.ID, "from", from, "to", to)

	if l.bus != nil {
		l.bus.Publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
			TaskID:   task.ID,
			OldState: string(from),
			NewState: string(to),
		})
		if topic := terminalTopic(to); topic != "" {
			skill, _ := task.Metadata["skill"].(string)
			native, _ := task.Metadata["native"].(bool)
			fin := bus.TaskFinishedEvent{
				TaskID:  task.ID,
				State:   string(to),
				SkillID: skill,
				Native:  native,
			}
			switch n := task.Metadata["chunk_count"].(type) {
			case int:
				fin.ChunkCount = n
			case float64:
				fin.ChunkCount = int(n)
			}
			if task.Error != nil {
				fin.ErrorKind = task.Error.Kind
			}
			l.bus.Publish(topic, fin)
		}
	}
	return nil
}

func terminalTopic(state persistence.TaskState) string {
	switch state {
	case persistence.StateCompleted:
		return bus.TopicTaskCompleted
	case persistence.StateFailed:
		return bus.TopicTaskFailed
	case persistence.StateCanceled:
		return bus.TopicTaskCanceled
	}
	return ""
}

func mergeMetadata(t *persistence.Task, meta map[string]any) {
	if t.Metadata == nil {
		t.Metadata = map[string]any{}
	}
	for k, v := range meta {
		t.Metadata[k] = v
	}
}
