package models

import "time"

// Actor identifies who produced a turn.
type Actor string

const (
	ActorUser  Actor = "user"
	ActorAgent Actor = "agent"
)

// Valid reports whether a is a known actor.
func (a Actor) Valid() bool {
	return a == ActorUser || a == ActorAgent
}

// Intent is the classified purpose of a turn's text.
type Intent string

const (
	IntentCommand    Intent = "command"
	IntentAnswer     Intent = "answer"
	IntentQuestion   Intent = "question"
	IntentProgress   Intent = "progress"
	IntentCompletion Intent = "completion"
	IntentEndOfTask  Intent = "end_of_task"
)

// AllIntents lists every intent.
var AllIntents = []Intent{
	IntentCommand,
	IntentAnswer,
	IntentQuestion,
	IntentProgress,
	IntentCompletion,
	IntentEndOfTask,
}

// TimestampSource is the provenance of a turn's timestamp.
type TimestampSource string

const (
	TimestampServer     TimestampSource = "server"
	TimestampTranscript TimestampSource = "transcript"
)

// Turn is one observed message within a task.
type Turn struct {
	ID              string
	TaskID          string
	Actor           Actor
	Intent          Intent
	Text            string
	Confidence      float64
	Timestamp       time.Time
	TimestampSource TimestampSource
	ContentHash     string
	LegacyHash      string
	CreatedAt       time.Time
}
