package models

import "time"

// Audit event types written by the event writer.
const (
	EventAgentCreated       = "agent_created"
	EventAgentEnded         = "agent_ended"
	EventTaskCreated        = "task_created"
	EventTaskCompleted      = "task_completed"
	EventTurnRecorded       = "turn_recorded"
	EventStateTransition    = "state_transition"
	EventInvalidTransition  = "invalid_transition"
	EventTimestampCorrected = "timestamp_corrected"
	EventTurnRecovered      = "turn_recovered"
)

// Event is an append-only audit record. The foreign keys are optional and are
// not constrained so the audit trail outlives the rows it refers to.
type Event struct {
	ID        string
	EventType string
	Payload   string
	ProjectID string
	AgentID   string
	TaskID    string
	TurnID    string
	CreatedAt time.Time
}
