package engine

import (
	"errors"
	"sync"

	"github.com/caminholabs/orienta/internal/persistence"
)

// EventKind identifies the envelope type on the outbound stream.
type EventKind string

const (
	EventTask           EventKind = "task"
	EventStatusUpdate   EventKind = "status_update"
	EventMessage        EventKind = "message"
	EventArtifactUpdate EventKind = "artifact_update"
)

// Part is one content element of a message: text, structured data, or both.
type Part struct {
	Text        string         `json:"text,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	ContentType string         `json:"contentType,omitempty"`
}

// Status carries a task state plus open metadata on task and status events.
type Status struct {
	State    persistence.TaskState `json:"state"`
	Metadata map[string]any        `json:"metadata,omitempty"`
}

// Event is one envelope on a task's ordered output stream.
type Event struct {
	Kind      EventKind `json:"kind"`
	ID        string    `json:"id,omitempty"` // set on kind=task
	TaskID    string    `json:"taskId,omitempty"`
	ContextID string    `json:"contextId,omitempty"`
	Final     bool      `json:"final,omitempty"`
	Status    *Status   `json:"status,omitempty"`
	Parts     []Part    `json:"parts,omitempty"`
}

// ErrStreamClosed is returned by Publish once a final event has been sent.
var ErrStreamClosed = errors.New("event stream closed: final event already published")

const queueBuffer = 64

// Queue is the ordered, single-task output conduit drained by the transport
// layer. Exactly one event may carry Final=true; it closes the stream, and
// any later Publish is rejected so a late handler result cannot corrupt an
// already-terminal stream.
type Queue struct {
	mu        sync.Mutex
	ch        chan Event
	finalSent bool
}

// NewQueue creates an event queue for one task.
func NewQueue() *Queue {
	return &Queue{ch: make(chan Event, queueBuffer)}
}

// Publish appends an event in FIFO order. Publishing after the final event
// returns ErrStreamClosed. A final event closes the channel so consumers
// observe end-of-stream.
func (q *Queue) Publish(ev Event) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.finalSent {
		return ErrStreamClosed
	}
	q.ch <- ev
	if ev.Final {
		q.finalSent = true
		close(q.ch)
	}
	return nil
}

// Events returns the consumer side of the queue. The channel is closed after
// the final event.
func (q *Queue) Events() <-chan Event {
	return q.ch
}

// Closed reports whether the final event has been published.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.finalSent
}

// Drain collects all remaining events until the stream closes.
func (q *Queue) Drain() []Event {
	var events []Event
	for ev := range q.ch {
		events = append(events, ev)
	}
	return events
}
