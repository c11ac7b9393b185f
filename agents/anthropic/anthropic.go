// Package anthropic adapts the Anthropic Messages API to the agentwire
// Agent interface. The adapter streams model output and translates each
// SDK stream event into the coordinator's event union as it arrives.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/agentwire/agentwire/events"
)

// DefaultModel is used when Config.Model is empty.
const DefaultModel = "claude-sonnet-4-5-20250929"

// DefaultMaxTokens is used when Config.MaxTokens is zero.
const DefaultMaxTokens = 4096

// Config configures an Agent.
type Config struct {
	// Client is the Anthropic API client (required).
	Client *anthropic.Client

	// Model is the model ID to use. Defaults to DefaultModel.
	Model string

	// SystemPrompt is prepended to every request when non-empty.
	SystemPrompt string

	// MaxTokens caps the response length. Defaults to DefaultMaxTokens.
	MaxTokens int64

	// Temperature, TopK, and TopP are passed through when non-nil.
	Temperature *float64
	TopK        *int64
	TopP        *float64
}

// Agent streams Claude responses for a run's input transcript.
type Agent struct {
	config Config
}

// New creates an Agent from config.
func New(config Config) (*Agent, error) {
	if config.Client == nil {
		return nil, fmt.Errorf("anthropic: client is required")
	}
	if config.Model == "" {
		config.Model = DefaultModel
	}
	if config.MaxTokens == 0 {
		config.MaxTokens = DefaultMaxTokens
	}
	return &Agent{config: config}, nil
}

// RunAgent sends the run input to the model and emits the streamed
// response. Tool calls are emitted as events for the caller to execute;
// their results arrive as tool messages on a later run.
func (a *Agent) RunAgent(ctx context.Context, input *events.RunInput, emit func(events.Event)) error {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.config.Model),
		MaxTokens: a.config.MaxTokens,
		Messages:  buildMessages(input),
	}
	if a.config.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: a.config.SystemPrompt}}
	}
	if a.config.Temperature != nil {
		params.Temperature = anthropic.Float(*a.config.Temperature)
	}
	if a.config.TopK != nil {
		params.TopK = anthropic.Int(*a.config.TopK)
	}
	if a.config.TopP != nil {
		params.TopP = anthropic.Float(*a.config.TopP)
	}

	stream := a.config.Client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	tr := newTranslator(emit)
	for stream.Next() {
		tr.process(stream.Current())
	}
	if err := stream.Err(); err != nil {
		return fmt.Errorf("streaming request failed: %w", err)
	}

	tr.finish()
	return nil
}

// buildMessages converts the run input transcript into API message params.
// System and developer messages are folded into user turns so the
// transcript stays strictly user/assistant alternating in role terms.
func buildMessages(input *events.RunInput) []anthropic.MessageParam {
	if input == nil {
		return nil
	}

	messages := make([]anthropic.MessageParam, 0, len(input.Messages))
	for _, msg := range input.Messages {
		role := anthropic.MessageParamRoleUser
		if msg.Role == events.RoleAssistant {
			role = anthropic.MessageParamRoleAssistant
		}

		var content []anthropic.ContentBlockParamUnion
		switch {
		case msg.Role == events.RoleTool:
			content = append(content, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false))
		default:
			if msg.Content != "" {
				content = append(content, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				var toolInput any
				if err := json.Unmarshal([]byte(tc.Function.Arguments), &toolInput); err != nil {
					toolInput = map[string]any{}
				}
				content = append(content, anthropic.NewToolUseBlock(tc.ID, toolInput, tc.Function.Name))
			}
		}
		if len(content) == 0 {
			continue
		}

		messages = append(messages, anthropic.MessageParam{
			Role:    role,
			Content: content,
		})
	}
	return messages
}
