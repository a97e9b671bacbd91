// Package llm asks an Anthropic model to classify agent text the pattern
// classifier could not place.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/samotage/headspace/internal/models"
)

// maxPromptRunes keeps only the tail of long agent output, where the intent
// usually shows.
const maxPromptRunes = 4000

// messagesAPI is the part of the Anthropic client the classifier uses.
type messagesAPI interface {
	New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// Client wraps the Anthropic API for intent inference.
type Client struct {
	api   messagesAPI
	model anthropic.Model
}

// NewClient creates an LLM client with the given API key and model.
func NewClient(apiKey, model string) *Client {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	client := anthropic.NewClient(opts...)
	return &Client{
		api:   &client.Messages,
		model: anthropic.Model(model),
	}
}

// inference is the JSON object the model returns.
type inference struct {
	Intent     string  `json:"intent"`
	Confidence float64 `json:"confidence"`
}

// buildPrompt constructs the system and user prompts for intent inference.
func buildPrompt(actor models.Actor, text string, current models.TaskState) (system string, user string) {
	system = `You classify one message from a coding-agent session. Return ONLY a JSON object with these fields:
- "intent": one of "question", "completion", "end_of_task", "progress"
- "confidence": a number between 0 and 1

Meanings:
- "question": the agent is blocked and waiting for the user to answer or decide something
- "completion": the agent reports that the requested work is done
- "end_of_task": the agent hands the task back with a final summary and nothing further to do
- "progress": anything else, including status updates and plans

Rules:
- A question the agent answers itself in the same message is "progress"
- Default to "progress" when unsure
- Return valid JSON only, no markdown fencing or explanation`

	var sb strings.Builder
	sb.WriteString("Speaker: ")
	sb.WriteString(string(actor))
	sb.WriteString("\nTask state: ")
	sb.WriteString(string(current))
	sb.WriteString("\n\nMessage:\n")
	sb.WriteString(tail(text, maxPromptRunes))
	user = sb.String()
	return
}

func tail(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[len(r)-n:])
}

// InferIntent sends text to the model and returns its intent and confidence.
func (c *Client) InferIntent(ctx context.Context, actor models.Actor, text string, current models.TaskState) (models.Intent, float64, error) {
	systemPrompt, userPrompt := buildPrompt(actor, text, current)

	msg, err := c.api.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 128,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		return "", 0, fmt.Errorf("anthropic API call: %w", err)
	}

	var out string
	for _, block := range msg.Content {
		if block.Type == "text" {
			out = block.Text
			break
		}
	}
	if out == "" {
		return "", 0, fmt.Errorf("no text content in API response")
	}
	return parseResponse(out)
}

// parseResponse decodes the model's JSON, tolerating markdown fencing.
func parseResponse(text string) (models.Intent, float64, error) {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		lines := strings.SplitN(text, "\n", 2)
		if len(lines) > 1 {
			text = lines[1]
		}
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}

	var inf inference
	if err := json.Unmarshal([]byte(text), &inf); err != nil {
		return "", 0, fmt.Errorf("parse LLM response as JSON: %w\nraw response: %s", err, text)
	}

	intent := models.Intent(strings.ToLower(strings.TrimSpace(inf.Intent)))
	switch intent {
	case models.IntentQuestion, models.IntentCompletion, models.IntentEndOfTask, models.IntentProgress:
	default:
		return "", 0, fmt.Errorf("unknown intent %q", inf.Intent)
	}
	conf := inf.Confidence
	if conf < 0 {
		conf = 0
	}
	if conf > 1 {
		conf = 1
	}
	return intent, conf, nil
}
