package bus

import "time"

// Task event topics.
const (
	TopicTaskStateChanged = "task.state_changed"
	TopicTaskCompleted    = "task.completed"
	TopicTaskFailed       = "task.failed"
	TopicTaskRetrying     = "task.retrying"
	TopicTaskStopped      = "task.stopped"
)

// TaskStateChangedEvent is published whenever a task's persisted status
// changes, including transitions driven by stop and retry.
type TaskStateChangedEvent struct {
	TaskID    string
	OldStatus string
	NewStatus string
}

// TaskTerminalEvent is published on task.completed, task.failed, and
// task.retrying.
type TaskTerminalEvent struct {
	TaskID     string
	Status     string // COMPLETED or FAILED
	Error      string // failure message, empty on success
	RetryCount int    // attempts consumed so far
}

// Step event topics.
const (
	TopicStepStarted   = "task.step.started"
	TopicStepCompleted = "task.step.completed"
	TopicStepFailed    = "task.step.failed"
)

// Monitoring event topics.
const (
	TopicSurfaceChanged = "surface.changed"
	TopicStallRecovered = "monitor.stall_recovered"
)

// StepEvent is published when a step starts, completes, or fails.
type StepEvent struct {
	TaskID string // Owning task ID
	Index  int    // Step index within the task
	Error  string // failure message (task.step.failed only)
}

// SurfaceChangedEvent is published when the observed region of a remote
// surface mutates. The inference monitor consumes these to drive its
// debounce window; any source may publish them (push transports, file
// watchers, polls).
type SurfaceChangedEvent struct {
	TaskID string    // Task whose submission observed the change
	At     time.Time // When the mutation was observed
}

// StallRecoveredEvent is published when the monitor watchdog restarts a
// silent poll loop. It is informational, never a failure.
type StallRecoveredEvent struct {
	TaskID  string        // Task being monitored
	Index   int           // Step index being monitored
	Silence time.Duration // How long the poll loop had been silent
}
