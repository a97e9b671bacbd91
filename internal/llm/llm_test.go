package llm

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samotage/headspace/internal/models"
)

type fakeMessages struct {
	reply string
	err   error
	got   anthropic.MessageNewParams
}

func (f *fakeMessages) New(_ context.Context, body anthropic.MessageNewParams, _ ...option.RequestOption) (*anthropic.Message, error) {
	f.got = body
	if f.err != nil {
		return nil, f.err
	}
	return &anthropic.Message{Content: []anthropic.ContentBlockUnion{{Type: "text", Text: f.reply}}}, nil
}

func TestBuildPrompt(t *testing.T) {
	system, user := buildPrompt(models.ActorAgent, "Refactored the handler.", models.TaskStateProcessing)

	assert.Contains(t, system, "JSON object")
	assert.Contains(t, system, `"question"`)
	assert.Contains(t, system, `"completion"`)
	assert.Contains(t, system, `"end_of_task"`)
	assert.Contains(t, system, `"progress"`)

	assert.Contains(t, user, "Speaker: agent")
	assert.Contains(t, user, "Task state: processing")
	assert.Contains(t, user, "Refactored the handler.")
}

func TestBuildPrompt_KeepsTail(t *testing.T) {
	long := strings.Repeat("x", maxPromptRunes) + "THE END"
	_, user := buildPrompt(models.ActorAgent, long, models.TaskStateProcessing)
	assert.Contains(t, user, "THE END")
	assert.Less(t, len(user), maxPromptRunes+200)
}

func TestParseResponse(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		want     models.Intent
		wantConf float64
		wantErr  bool
	}{
		{"plain", `{"intent":"question","confidence":0.9}`, models.IntentQuestion, 0.9, false},
		{"fenced", "```json\n{\"intent\":\"completion\",\"confidence\":0.7}\n```", models.IntentCompletion, 0.7, false},
		{"case and space", `{"intent":" Progress ","confidence":2}`, models.IntentProgress, 1, false},
		{"user intent rejected", `{"intent":"command","confidence":0.9}`, "", 0, true},
		{"not json", `I think it is a question`, "", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, conf, err := parseResponse(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.InDelta(t, tt.wantConf, conf, 1e-9)
		})
	}
}

func TestInferIntent(t *testing.T) {
	fake := &fakeMessages{reply: `{"intent":"end_of_task","confidence":0.8}`}
	c := &Client{api: fake, model: "claude-haiku-4-5-20251001"}

	got, conf, err := c.InferIntent(context.Background(), models.ActorAgent, "All wrapped up here.", models.TaskStateProcessing)
	require.NoError(t, err)
	assert.Equal(t, models.IntentEndOfTask, got)
	assert.InDelta(t, 0.8, conf, 1e-9)
	assert.Equal(t, anthropic.Model("claude-haiku-4-5-20251001"), fake.got.Model)
	require.Len(t, fake.got.System, 1)
	assert.Contains(t, fake.got.System[0].Text, "coding-agent session")
}

func TestInferIntent_Errors(t *testing.T) {
	c := &Client{api: &fakeMessages{err: errors.New("rate limited")}}
	_, _, err := c.InferIntent(context.Background(), models.ActorAgent, "x", models.TaskStateProcessing)
	assert.ErrorContains(t, err, "rate limited")

	c = &Client{api: &fakeMessages{reply: ""}}
	_, _, err = c.InferIntent(context.Background(), models.ActorAgent, "x", models.TaskStateProcessing)
	assert.ErrorContains(t, err, "no text content")
}
