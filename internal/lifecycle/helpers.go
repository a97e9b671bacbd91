package lifecycle

import (
	"fmt"

	"github.com/samotage/headspace/internal/events"
	"github.com/samotage/headspace/internal/models"
	"github.com/samotage/headspace/internal/notify"
)

func refsFor(agent *models.Agent, task *models.Task, turnID string) events.Refs {
	r := events.Refs{ProjectID: agent.ProjectID, AgentID: agent.ID, TurnID: turnID}
	if task != nil {
		r.TaskID = task.ID
	}
	return r
}

func notifyEnded(agent *models.Agent, reason models.EndReason) notify.Notification {
	return notify.Notification{
		Kind:    notify.KindAgentEnded,
		AgentID: agent.ID,
		Title:   "Agent ended",
		Message: fmt.Sprintf("%s (%s)", agent.WorkingDirectory, reason),
	}
}
