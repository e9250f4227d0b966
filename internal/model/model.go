// Package model defines the provider-neutral completion surface the run
// engine drives: one Complete call per agent activation, with optional
// tool definitions and normalized tool-call results.
package model

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Turn is one message in a conversation. Role is "user", "assistant" or
// "tool"; tool turns answer the call named by ToolID.
type Turn struct {
	Role      string     `json:"role"`
	Text      string     `json:"text,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	ToolID    string     `json:"tool_id,omitempty"`
}

// ToolCall is a function invocation requested by the model, unified
// across providers.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Tool declares a callable function. Parameters is a JSON Schema object.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type Request struct {
	System    string
	Turns     []Turn
	Tools     []Tool
	MaxTokens int
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type Response struct {
	Text       string
	ToolCalls  []ToolCall
	StopReason string
	Usage      Usage
}

type Model interface {
	Complete(ctx context.Context, req Request) (*Response, error)
	Name() string
}

// ScriptedModel replays canned responses in order. Used in tests and
// for offline dry runs; a call past the end of the script is an error
// so exhausted scripts surface instead of looping.
type ScriptedModel struct {
	name string

	mu        sync.Mutex
	responses []Response
	calls     int
}

func NewScripted(name string, responses ...Response) *ScriptedModel {
	return &ScriptedModel{name: name, responses: responses}
}

func (m *ScriptedModel) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if len(m.responses) == 0 {
		return nil, fmt.Errorf("scripted model %s: script exhausted after %d calls", m.name, m.calls-1)
	}
	resp := m.responses[0]
	m.responses = m.responses[1:]
	return &resp, nil
}

func (m *ScriptedModel) Name() string { return m.name }

// Calls reports how many completions were requested.
func (m *ScriptedModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
