package events

import (
	"strconv"
	"time"
)

// Event is implemented by everything published on the bus.
type Event interface {
	EventType() string
	Topic() string
	TaskID() string
}

// Topics.
const (
	TopicStage = "stage"
	TopicTask  = "task"
	TopicRun   = "run"
)

// Event types.
const (
	EventTypeStageStarted  = "stage.started"
	EventTypeStageFinished = "stage.finished"
	EventTypeTaskState     = "task.state"
	EventTypeEvaluated     = "task.evaluated"
	EventTypeRunFinished   = "run.finished"
)

// Task lifecycle states carried by TaskStateEvent.
const (
	StateSelecting   = "selecting"
	StateResearched  = "researched"
	StateDesigned    = "designed"
	StateStructured  = "structured"
	StatePlanned     = "planned"
	StateImplemented = "implemented"
	StateRetrying    = "retrying"
	StateCompleted   = "completed"
	StateSkipped     = "skipped"
	StateFailed      = "failed"
)

func formatTask(id *int) string {
	if id == nil {
		return "none"
	}
	return strconv.Itoa(*id)
}

// StageStartedEvent is published before a stage is invoked.
type StageStartedEvent struct {
	Task      *int
	Stage     int
	Name      string
	Model     string
	Timestamp time.Time
}

func (e StageStartedEvent) EventType() string { return EventTypeStageStarted }
func (e StageStartedEvent) Topic() string     { return TopicStage }
func (e StageStartedEvent) TaskID() string    { return formatTask(e.Task) }

// StageFinishedEvent is published once a stage result has been parsed.
type StageFinishedEvent struct {
	Task      *int
	Stage     int
	Name      string
	Success   bool
	Error     string
	Duration  time.Duration
	CostUSD   *float64
	Timestamp time.Time
}

func (e StageFinishedEvent) EventType() string { return EventTypeStageFinished }
func (e StageFinishedEvent) Topic() string     { return TopicStage }
func (e StageFinishedEvent) TaskID() string    { return formatTask(e.Task) }

// TaskStateEvent is published on every task state transition.
type TaskStateEvent struct {
	Task      *int
	From      string
	To        string
	Reason    string
	Timestamp time.Time
}

func (e TaskStateEvent) EventType() string { return EventTypeTaskState }
func (e TaskStateEvent) Topic() string     { return TopicTask }
func (e TaskStateEvent) TaskID() string    { return formatTask(e.Task) }

// EvaluatedEvent is published after each scored attempt.
type EvaluatedEvent struct {
	Task             int
	Attempt          int
	Score            int
	PassedSoftGate   bool
	CriticalFailures []string
	Timestamp        time.Time
}

func (e EvaluatedEvent) EventType() string { return EventTypeEvaluated }
func (e EvaluatedEvent) Topic() string     { return TopicTask }
func (e EvaluatedEvent) TaskID() string    { return strconv.Itoa(e.Task) }

// RunFinishedEvent is published when a run ends, successfully or not.
type RunFinishedEvent struct {
	RunID     string
	Completed int
	ExitCode  int
	Duration  time.Duration
	Timestamp time.Time
}

func (e RunFinishedEvent) EventType() string { return EventTypeRunFinished }
func (e RunFinishedEvent) Topic() string     { return TopicRun }
func (e RunFinishedEvent) TaskID() string    { return "" }
