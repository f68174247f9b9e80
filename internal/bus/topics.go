package bus

// Task lifecycle topics.
const (
	TopicTaskCreated      = "task.created"
	TopicTaskStateChanged = "task.state_changed"
	TopicTaskCompleted    = "task.completed"
	TopicTaskFailed       = "task.failed"
	TopicTaskCanceled     = "task.canceled"
)

// Maintenance topics.
const (
	TopicRetentionCompleted = "retention.completed"
)

// TaskCreatedEvent is published when the dispatcher accepts a new task.
type TaskCreatedEvent struct {
	TaskID    string
	ContextID string
	CallerID  string
	SkillID   string // empty when routed to the fallback handler
}

// TaskStateChangedEvent is published on every task state transition.
type TaskStateChangedEvent struct {
	TaskID   string
	OldState string
	NewState string
}

// TaskFinishedEvent is published on task.completed, task.failed and
// task.canceled with the terminal details.
type TaskFinishedEvent struct {
	TaskID     string
	State      string
	SkillID    string
	ErrorKind  string // empty on completed/canceled
	Native     bool
	ChunkCount int // fallback chunks streamed; zero on the native path
}

// RetentionCompletedEvent is published after a retention sweep.
type RetentionCompletedEvent struct {
	Removed int64
}
