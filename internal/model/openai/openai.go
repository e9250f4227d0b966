// Package openai adapts the OpenAI Chat Completions API to the engine's
// model interface.
package openai

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mtzanidakis/sminos/internal/model"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

type Options struct {
	Model               string
	Temperature         float64
	MaxCompletionTokens int64
	APIKey              string
}

type Model struct {
	client *openai.Client
	opts   Options
}

func New(optFns ...func(o *Options)) *Model {
	opts := Options{
		Model:               openai.ChatModelGPT4oMini,
		Temperature:         0.7,
		MaxCompletionTokens: 4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := openai.NewClient(clientOpts...)

	return &Model{client: &client, opts: opts}
}

func (m *Model) Name() string {
	return "openai/" + m.opts.Model
}

func (m *Model) Complete(ctx context.Context, req model.Request) (*model.Response, error) {
	params := openai.ChatCompletionNewParams{
		Messages:            buildMessages(req),
		Model:               m.opts.Model,
		Temperature:         openai.Float(m.opts.Temperature),
		MaxCompletionTokens: openai.Int(m.opts.MaxCompletionTokens),
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if len(req.Tools) > 0 {
		tools := make([]openai.ChatCompletionToolParam, len(req.Tools))
		for i, tool := range req.Tools {
			tools[i] = openai.ChatCompletionToolParam{
				Type: "function",
				Function: openai.FunctionDefinitionParam{
					Name:        tool.Name,
					Description: openai.String(tool.Description),
					Parameters:  tool.Parameters,
				},
			}
		}
		params.Tools = tools
	}

	resp, err := m.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai api: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai api: no choices returned")
	}

	choice := resp.Choices[0]
	out := &model.Response{
		Text:       choice.Message.Content,
		StopReason: choice.FinishReason,
		Usage: model.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}
	for _, call := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, model.ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: json.RawMessage(call.Function.Arguments),
		})
	}
	return out, nil
}

func buildMessages(req model.Request) []openai.ChatCompletionMessageParamUnion {
	var messages []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}

	toolResults := make(map[string]string)
	for _, turn := range req.Turns {
		if turn.Role == "tool" && turn.ToolID != "" {
			toolResults[turn.ToolID] = turn.Text
		}
	}

	for _, turn := range req.Turns {
		switch turn.Role {
		case "tool":
			continue
		case "assistant":
			if len(turn.ToolCalls) == 0 {
				messages = append(messages, openai.AssistantMessage(turn.Text))
				continue
			}
			toolCalls := make([]openai.ChatCompletionMessageToolCallParam, len(turn.ToolCalls))
			for i, call := range turn.ToolCalls {
				toolCalls[i] = openai.ChatCompletionMessageToolCallParam{
					ID:   call.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      call.Name,
						Arguments: string(call.Arguments),
					},
				}
			}
			messages = append(messages, openai.ChatCompletionMessageParamUnion{
				OfAssistant: &openai.ChatCompletionAssistantMessageParam{
					Role:      "assistant",
					ToolCalls: toolCalls,
				},
			})
			for _, call := range turn.ToolCalls {
				if res, ok := toolResults[call.ID]; ok {
					messages = append(messages, openai.ToolMessage(res, call.ID))
					delete(toolResults, call.ID)
				}
			}
		default:
			messages = append(messages, openai.UserMessage(turn.Text))
		}
	}
	return messages
}
