package events

import (
	"time"
)

// Event is the base interface for all scheduler events.
type Event interface {
	EventType() string
	// TaskName is the task the event concerns, or "" for chain-wide events.
	TaskName() string
}

// Topic constants
const (
	TopicTask   = "task"   // lifecycle transitions of single tasks
	TopicOutput = "output" // streamed tool output, high volume
	TopicQueue  = "queue"  // run queue and chain progress
	TopicPrompt = "prompt" // follow-on confirmation requests
)

// Event type constants
const (
	EventTypeTaskStarted       = "task.started"
	EventTypeTaskOutput        = "task.output"
	EventTypeTaskCompleted     = "task.completed"
	EventTypeTaskFailed        = "task.failed"
	EventTypeTaskReset         = "task.reset"
	EventTypeQueueAdvanced     = "queue.advanced"
	EventTypeChainFinished     = "chain.finished"
	EventTypeProgress          = "chain.progress"
	EventTypeFollowOnRequested = "prompt.follow_on"
)

// TaskStartedEvent is published when a task begins execution.
type TaskStartedEvent struct {
	Name      string    `json:"name"`
	ChainID   string    `json:"chain_id"`
	Timestamp time.Time `json:"timestamp"`
}

func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }
func (e TaskStartedEvent) TaskName() string  { return e.Name }

// TaskOutputEvent carries one line of a task's output. Tag differs from Name
// when a task runs several labelled processes, such as regression tests.
type TaskOutputEvent struct {
	Name      string    `json:"name"`
	Tag       string    `json:"tag"`
	Line      string    `json:"line"`
	Timestamp time.Time `json:"timestamp"`
}

func (e TaskOutputEvent) EventType() string { return EventTypeTaskOutput }
func (e TaskOutputEvent) TaskName() string  { return e.Name }

// TaskCompletedEvent is published when a task passes.
type TaskCompletedEvent struct {
	Name      string        `json:"name"`
	ChainID   string        `json:"chain_id"`
	Message   string        `json:"message"`
	FollowOns []string      `json:"follow_ons,omitempty"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) TaskName() string  { return e.Name }

// TaskFailedEvent is published when a task fails or is killed.
type TaskFailedEvent struct {
	Name      string        `json:"name"`
	ChainID   string        `json:"chain_id"`
	ExitCode  int           `json:"exit_code"`
	Killed    bool          `json:"killed"`
	Message   string        `json:"message"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) TaskName() string  { return e.Name }

// TaskResetEvent is published when a task is cleared back to not started.
type TaskResetEvent struct {
	Name      string    `json:"name"`
	Timestamp time.Time `json:"timestamp"`
}

func (e TaskResetEvent) EventType() string { return EventTypeTaskReset }
func (e TaskResetEvent) TaskName() string  { return e.Name }

// QueueAdvancedEvent is published whenever the run queue or the active task
// changes, so displays can refresh.
type QueueAdvancedEvent struct {
	ChainID   string    `json:"chain_id"`
	Active    string    `json:"active"`
	Queued    []string  `json:"queued"`
	Timestamp time.Time `json:"timestamp"`
}

func (e QueueAdvancedEvent) EventType() string { return EventTypeQueueAdvanced }
func (e QueueAdvancedEvent) TaskName() string  { return e.Active }

// ChainFinishedEvent is published when a chain drains or halts.
type ChainFinishedEvent struct {
	ChainID   string    `json:"chain_id"`
	Task      string    `json:"task"` // last task that ran
	Success   bool      `json:"success"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func (e ChainFinishedEvent) EventType() string { return EventTypeChainFinished }
func (e ChainFinishedEvent) TaskName() string  { return e.Task }

// ProgressEvent summarizes the status of every registered task.
type ProgressEvent struct {
	Total      int       `json:"total"`
	Passed     int       `json:"passed"`
	Running    int       `json:"running"`
	Failed     int       `json:"failed"`
	Killed     int       `json:"killed"`
	NotStarted int       `json:"not_started"`
	Timestamp  time.Time `json:"timestamp"`
}

func (e ProgressEvent) EventType() string { return EventTypeProgress }
func (e ProgressEvent) TaskName() string  { return "" }

// FollowOnRequestedEvent is published when a passed task suggests follow-ons
// and the scheduler is waiting for an answer.
type FollowOnRequestedEvent struct {
	Name       string    `json:"name"`
	Message    string    `json:"message"`
	Candidates []string  `json:"candidates"`
	Timestamp  time.Time `json:"timestamp"`
}

func (e FollowOnRequestedEvent) EventType() string { return EventTypeFollowOnRequested }
func (e FollowOnRequestedEvent) TaskName() string  { return e.Name }
