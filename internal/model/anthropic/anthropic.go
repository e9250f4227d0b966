// Package anthropic adapts the Anthropic Messages API to the engine's
// model interface.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"
	"github.com/mtzanidakis/sminos/internal/model"
)

type Options struct {
	Model       anthropic.Model
	Temperature float64
	MaxTokens   int64
	APIKey      string
}

type Model struct {
	client *anthropic.Client
	opts   Options
}

func New(optFns ...func(o *Options)) *Model {
	opts := Options{
		Model:       anthropic.ModelClaude3_5Sonnet20241022,
		Temperature: 0.7,
		MaxTokens:   4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := anthropic.NewClient(clientOpts...)

	return &Model{client: &client, opts: opts}
}

func (m *Model) Name() string {
	return "anthropic/" + string(m.opts.Model)
}

func (m *Model) Complete(ctx context.Context, req model.Request) (*model.Response, error) {
	params := anthropic.MessageNewParams{
		Model:       m.opts.Model,
		Messages:    buildMessages(req.Turns),
		MaxTokens:   m.opts.MaxTokens,
		Temperature: anthropic.Float(m.opts.Temperature),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = int64(req.MaxTokens)
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		params.Tools = buildTools(req.Tools)
	}

	resp, err := m.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic api: %w", err)
	}

	out := &model.Response{
		StopReason: string(resp.StopReason),
		Usage: model.Usage{
			InputTokens:  int(resp.Usage.InputTokens),
			OutputTokens: int(resp.Usage.OutputTokens),
		},
	}
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			out.Text += block.AsText().Text
		case "tool_use":
			toolBlock := block.AsToolUse()
			args := ""
			if toolBlock.Input != nil {
				if raw, err := json.Marshal(toolBlock.Input); err == nil {
					args = string(raw)
				}
			}
			out.ToolCalls = append(out.ToolCalls, model.ToolCall{
				ID:        toolBlock.ID,
				Name:      toolBlock.Name,
				Arguments: json.RawMessage(args),
			})
		}
	}
	return out, nil
}

func buildMessages(turns []model.Turn) []anthropic.MessageParam {
	// Index tool results by call id; they ride in a user message right
	// after the assistant turn that requested them.
	toolResults := make(map[string]string)
	for _, turn := range turns {
		if turn.Role == "tool" && turn.ToolID != "" {
			toolResults[turn.ToolID] = turn.Text
		}
	}

	var messages []anthropic.MessageParam
	for _, turn := range turns {
		switch turn.Role {
		case "tool":
			continue
		case "assistant":
			var content []anthropic.ContentBlockParamUnion
			if turn.Text != "" {
				content = append(content, anthropic.NewTextBlock(turn.Text))
			}
			for _, call := range turn.ToolCalls {
				var input any
				if len(call.Arguments) > 0 {
					if err := json.Unmarshal(call.Arguments, &input); err != nil {
						input = string(call.Arguments)
					}
				}
				content = append(content, anthropic.NewToolUseBlock(call.ID, input, call.Name))
			}
			if len(content) > 0 {
				messages = append(messages, anthropic.NewAssistantMessage(content...))
			}

			var results []anthropic.ContentBlockParamUnion
			for _, call := range turn.ToolCalls {
				if res, ok := toolResults[call.ID]; ok {
					results = append(results, anthropic.NewToolResultBlock(call.ID, res, false))
					delete(toolResults, call.ID)
				}
			}
			if len(results) > 0 {
				messages = append(messages, anthropic.NewUserMessage(results...))
			}
		default:
			if turn.Text != "" {
				messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(turn.Text)))
			}
		}
	}
	return messages
}

func buildTools(tools []model.Tool) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, len(tools))
	for i, tool := range tools {
		schema := anthropic.ToolInputSchemaParam{
			Type: constant.Object("object"),
		}
		if tool.Parameters != nil {
			if properties, ok := tool.Parameters["properties"]; ok {
				schema.Properties = properties
			}
			switch required := tool.Parameters["required"].(type) {
			case []string:
				schema.Required = required
			case []any:
				for _, r := range required {
					if s, ok := r.(string); ok {
						schema.Required = append(schema.Required, s)
					}
				}
			}
		}
		out[i] = anthropic.ToolUnionParamOfTool(schema, tool.Name)
	}
	return out
}
