package state

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samotage/headspace/internal/models"
)

func TestLookup_Totality(t *testing.T) {
	actors := []models.Actor{models.ActorUser, models.ActorAgent}

	valid := 0
	for _, from := range models.AllTaskStates {
		for _, actor := range actors {
			for _, intent := range models.AllIntents {
				tr, err := Lookup(from, actor, intent)
				if err != nil {
					var ite *InvalidTransitionError
					require.True(t, errors.As(err, &ite), "%s/%s/%s", from, actor, intent)
					assert.ErrorIs(t, err, ErrInvalidTransition)
					assert.Equal(t, from, ite.From)
					assert.Equal(t, actor, ite.Actor)
					assert.Equal(t, intent, ite.Intent)
					continue
				}
				valid++
				assert.Equal(t, from, tr.From)
				assert.True(t, tr.To.Valid(), "target %q", tr.To)
			}
		}
	}
	assert.Equal(t, len(Table()), valid, "every valid tuple is exactly one table row")
}

func TestLookup_CompleteIsTerminal(t *testing.T) {
	for _, actor := range []models.Actor{models.ActorUser, models.ActorAgent} {
		for _, intent := range models.AllIntents {
			_, err := Lookup(models.TaskStateComplete, actor, intent)
			assert.ErrorIs(t, err, ErrInvalidTransition, "%s/%s", actor, intent)
		}
	}
}

func TestLookup_Rows(t *testing.T) {
	tests := []struct {
		name   string
		from   models.TaskState
		actor  models.Actor
		intent models.Intent
		to     models.TaskState
		create bool
	}{
		{"command opens task", models.TaskStateIdle, models.ActorUser, models.IntentCommand, models.TaskStateCommanded, true},
		{"progress starts processing", models.TaskStateCommanded, models.ActorAgent, models.IntentProgress, models.TaskStateProcessing, false},
		{"question awaits input", models.TaskStateProcessing, models.ActorAgent, models.IntentQuestion, models.TaskStateAwaitingInput, false},
		{"answer resumes", models.TaskStateAwaitingInput, models.ActorUser, models.IntentAnswer, models.TaskStateProcessing, false},
		{"confirmation keeps processing", models.TaskStateProcessing, models.ActorUser, models.IntentAnswer, models.TaskStateProcessing, false},
		{"completion from processing", models.TaskStateProcessing, models.ActorAgent, models.IntentCompletion, models.TaskStateComplete, false},
		{"end of task from commanded", models.TaskStateCommanded, models.ActorAgent, models.IntentEndOfTask, models.TaskStateComplete, false},
		{"continuation while processing", models.TaskStateProcessing, models.ActorUser, models.IntentCommand, models.TaskStateProcessing, false},
		{"continuation while commanded", models.TaskStateCommanded, models.ActorUser, models.IntentCommand, models.TaskStateCommanded, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, err := Lookup(tt.from, tt.actor, tt.intent)
			require.NoError(t, err)
			assert.Equal(t, tt.to, tr.To)
			assert.Equal(t, tt.create, tr.CreatesTask)
		})
	}
}

func TestLookup_Invalid(t *testing.T) {
	tests := []struct {
		from   models.TaskState
		actor  models.Actor
		intent models.Intent
	}{
		{models.TaskStateIdle, models.ActorAgent, models.IntentProgress},
		{models.TaskStateIdle, models.ActorUser, models.IntentAnswer},
		{models.TaskStateIdle, models.ActorAgent, models.IntentCompletion},
		{models.TaskStateCommanded, models.ActorUser, models.IntentAnswer},
		{models.TaskStateProcessing, models.ActorAgent, models.IntentCommand},
	}
	for _, tt := range tests {
		_, err := Lookup(tt.from, tt.actor, tt.intent)
		assert.ErrorIs(t, err, ErrInvalidTransition)
		assert.Contains(t, err.Error(), string(tt.from))
	}
}

func TestTable_OnlyIdleCreates(t *testing.T) {
	creators := 0
	for _, tr := range Table() {
		if tr.CreatesTask {
			creators++
			assert.Equal(t, models.TaskStateIdle, tr.From)
		}
		assert.NotEqual(t, models.TaskStateComplete, tr.From)
	}
	assert.Equal(t, 1, creators)
}
