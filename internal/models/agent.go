package models

import "time"

// EndReason records why an agent's lifecycle was closed.
type EndReason string

const (
	EndReasonPaneNotFound      EndReason = "pane_not_found"
	EndReasonClaudeExited      EndReason = "claude_exited"
	EndReasonInactivityTimeout EndReason = "inactivity_timeout"
	EndReasonStalePane         EndReason = "stale_pane"
	EndReasonSessionEnd        EndReason = "session_end"
)

// Agent is one tracked coding-session process.
//
// SessionUUID is durable across server and process restarts. ClaudeSessionID
// is the per-process id reported by hooks; an empty value means the agent has
// not been claimed by a session yet.
type Agent struct {
	ID               string
	SessionUUID      string
	ClaudeSessionID  string
	ProjectID        string
	WorkingDirectory string
	TranscriptPath   string
	TranscriptOffset int64
	TmuxPane         string
	WindowPane       string
	StartedAt        time.Time
	LastSeenAt       time.Time
	EndedAt          *time.Time
	EndReason        EndReason
}

// Active reports whether the agent has not been ended.
func (a *Agent) Active() bool {
	return a.EndedAt == nil
}
