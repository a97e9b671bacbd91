// Package state holds the task lifecycle transition table.
//
// A transition is keyed by (from state, actor, intent). Tuples absent from
// the table are invalid and are reported, never coerced into a nearby row.
package state

import (
	"errors"
	"fmt"

	"github.com/samotage/headspace/internal/models"
)

// ErrInvalidTransition is wrapped by every InvalidTransitionError.
var ErrInvalidTransition = errors.New("invalid transition")

// InvalidTransitionError reports a (from, actor, intent) tuple with no row.
type InvalidTransitionError struct {
	From   models.TaskState
	Actor  models.Actor
	Intent models.Intent
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s %s from %s", e.Actor, e.Intent, e.From)
}

func (e *InvalidTransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// Transition is one row of the table.
type Transition struct {
	From   models.TaskState
	Actor  models.Actor
	Intent models.Intent
	To     models.TaskState

	// CreatesTask is set on the single row that opens a new task.
	CreatesTask bool
}

// Changed reports whether the transition moves the task to a new state.
func (t Transition) Changed() bool {
	return t.From != t.To
}

type key struct {
	from   models.TaskState
	actor  models.Actor
	intent models.Intent
}

var (
	open = []models.TaskState{
		models.TaskStateCommanded,
		models.TaskStateProcessing,
		models.TaskStateAwaitingInput,
	}
	finishing = []models.Intent{models.IntentCompletion, models.IntentEndOfTask}
)

var rows = buildRows()

func buildRows() []Transition {
	r := []Transition{
		{From: models.TaskStateIdle, Actor: models.ActorUser, Intent: models.IntentCommand, To: models.TaskStateCommanded, CreatesTask: true},

		// Continuation: a new command while a task is open keeps that task.
		{From: models.TaskStateCommanded, Actor: models.ActorUser, Intent: models.IntentCommand, To: models.TaskStateCommanded},
		{From: models.TaskStateProcessing, Actor: models.ActorUser, Intent: models.IntentCommand, To: models.TaskStateProcessing},
		{From: models.TaskStateAwaitingInput, Actor: models.ActorUser, Intent: models.IntentCommand, To: models.TaskStateProcessing},

		{From: models.TaskStateProcessing, Actor: models.ActorUser, Intent: models.IntentAnswer, To: models.TaskStateProcessing},
		{From: models.TaskStateAwaitingInput, Actor: models.ActorUser, Intent: models.IntentAnswer, To: models.TaskStateProcessing},

		{From: models.TaskStateCommanded, Actor: models.ActorAgent, Intent: models.IntentProgress, To: models.TaskStateProcessing},
		{From: models.TaskStateProcessing, Actor: models.ActorAgent, Intent: models.IntentProgress, To: models.TaskStateProcessing},
		{From: models.TaskStateAwaitingInput, Actor: models.ActorAgent, Intent: models.IntentProgress, To: models.TaskStateProcessing},

		{From: models.TaskStateCommanded, Actor: models.ActorAgent, Intent: models.IntentQuestion, To: models.TaskStateAwaitingInput},
		{From: models.TaskStateProcessing, Actor: models.ActorAgent, Intent: models.IntentQuestion, To: models.TaskStateAwaitingInput},
		{From: models.TaskStateAwaitingInput, Actor: models.ActorAgent, Intent: models.IntentQuestion, To: models.TaskStateAwaitingInput},
	}
	for _, from := range open {
		for _, intent := range finishing {
			r = append(r, Transition{From: from, Actor: models.ActorAgent, Intent: intent, To: models.TaskStateComplete})
		}
	}
	return r
}

var table = func() map[key]Transition {
	m := make(map[key]Transition, len(rows))
	for _, t := range rows {
		k := key{t.From, t.Actor, t.Intent}
		if _, dup := m[k]; dup {
			panic(fmt.Sprintf("state: duplicate transition %v", k))
		}
		m[k] = t
	}
	return m
}()

// Lookup returns the transition for the tuple, or an *InvalidTransitionError.
func Lookup(from models.TaskState, actor models.Actor, intent models.Intent) (Transition, error) {
	t, ok := table[key{from, actor, intent}]
	if !ok {
		return Transition{}, &InvalidTransitionError{From: from, Actor: actor, Intent: intent}
	}
	return t, nil
}

// Table returns a copy of every row.
func Table() []Transition {
	out := make([]Transition, len(rows))
	copy(out, rows)
	return out
}
