package models

import "time"

// TaskState is the lifecycle state of a task. The set is closed; transitions
// between states live in internal/state.
type TaskState string

const (
	TaskStateIdle          TaskState = "idle"
	TaskStateCommanded     TaskState = "commanded"
	TaskStateProcessing    TaskState = "processing"
	TaskStateAwaitingInput TaskState = "awaiting_input"
	TaskStateComplete      TaskState = "complete"
)

// AllTaskStates lists every state in declaration order.
var AllTaskStates = []TaskState{
	TaskStateIdle,
	TaskStateCommanded,
	TaskStateProcessing,
	TaskStateAwaitingInput,
	TaskStateComplete,
}

// Terminal reports whether no transitions leave this state.
func (s TaskState) Terminal() bool {
	return s == TaskStateComplete
}

// Valid reports whether s is one of the declared states.
func (s TaskState) Valid() bool {
	for _, st := range AllTaskStates {
		if s == st {
			return true
		}
	}
	return false
}

// Task is one unit of work performed by an agent.
type Task struct {
	ID                string
	AgentID           string
	State             TaskState
	Instruction       string
	CompletionSummary string
	StartedAt         time.Time
	CompletedAt       *time.Time
}

// Open reports whether the task can still transition.
func (t *Task) Open() bool {
	return !t.State.Terminal()
}
