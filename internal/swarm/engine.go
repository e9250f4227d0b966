package swarm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mtzanidakis/sminos/internal/model"
	"github.com/mtzanidakis/sminos/internal/trace"
)

// HandoffToolName is the tool every agent gets for passing the task on.
const HandoffToolName = "handoff_to_agent"

// Resolver maps roster model references to provider adapters.
type Resolver interface {
	Resolve(name string) (model.Model, error)
}

// Emitter receives progress events as the engine works through a run.
type Emitter func(ev trace.Event)

// Engine executes one run at a time: starting at the entry point agent,
// following handoff_to_agent calls from node to node until an agent
// answers without handing off or a bound is hit.
type Engine struct {
	models    Resolver
	maxTokens int
}

func NewEngine(models Resolver, maxTokens int) *Engine {
	return &Engine{models: models, maxTokens: maxTokens}
}

// Execute runs the swarm to a terminal status. The result is non-nil
// for every valid request; failures are encoded in Status, not the
// error return.
func (e *Engine) Execute(ctx context.Context, req *RunRequest, emit Emitter) (*RunResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if emit == nil {
		emit = func(trace.Event) {}
	}

	settings := req.Settings.Normalized()
	byName := make(map[string]AgentSpec, len(req.Agents))
	for _, a := range req.Agents {
		byName[a.Name] = a
	}

	execCtx, cancel := context.WithTimeout(ctx, settings.ExecutionTimeout())
	defer cancel()

	started := time.Now()
	slog.Info("starting run", "agents", len(req.Agents), "entry", settings.EntryPoint)
	emit(trace.Event{Type: trace.EventStart, Time: started.UTC(), Task: req.Task})

	res := &RunResult{Status: StatusCompleted}
	var (
		transcript   []AgentTurn
		history      []string
		handoffs     int
		iterations   int
		lastText     string
		handoffNote  string
		inputTokens  int
		outputTokens int
	)

	current := settings.EntryPoint
	for {
		if iterations >= settings.MaxIterations {
			res.Status = StatusMaxIterationsReached
			emit(logEvent("WARNING", fmt.Sprintf("max iterations (%d) reached", settings.MaxIterations)))
			break
		}
		iterations++
		history = append(history, current)

		if repetitiveHandoff(history, settings) {
			res.Status = StatusFailed
			window := history[len(history)-settings.RepetitiveHandoffWindow:]
			emit(errorEvent("repetitive handoff loop detected: " + strings.Join(window, " -> ")))
			break
		}

		spec := byName[current]
		m, err := e.models.Resolve(spec.Model)
		if err != nil {
			res.Status = StatusFailed
			emit(errorEvent(fmt.Sprintf("agent %s: %v", current, err)))
			break
		}

		emit(logEvent("INFO", fmt.Sprintf("agent %s working (%s)", current, m.Name())))

		nodeCtx, nodeCancel := context.WithTimeout(execCtx, settings.NodeTimeout())
		resp, err := m.Complete(nodeCtx, model.Request{
			System:    systemPrompt(spec, req.Agents),
			Turns:     buildTurns(req.Task, handoffNote),
			Tools:     []model.Tool{handoffTool(req.Agents, current)},
			MaxTokens: e.maxTokens,
		})
		nodeCancel()
		if err != nil {
			if execCtx.Err() == context.DeadlineExceeded {
				res.Status = StatusTimedOut
				emit(errorEvent(fmt.Sprintf("execution timeout after %s", settings.ExecutionTimeout())))
			} else {
				res.Status = StatusFailed
				emit(errorEvent(fmt.Sprintf("agent %s: %v", current, err)))
			}
			break
		}

		inputTokens += resp.Usage.InputTokens
		outputTokens += resp.Usage.OutputTokens
		turn := AgentTurn{
			Agent:      current,
			Role:       "assistant",
			Text:       resp.Text,
			StopReason: resp.StopReason,
		}
		if resp.Usage != (model.Usage{}) {
			turn.Usage = map[string]any{
				"input_tokens":  resp.Usage.InputTokens,
				"output_tokens": resp.Usage.OutputTokens,
			}
		}
		transcript = append(transcript, turn)
		if strings.TrimSpace(resp.Text) != "" {
			lastText = resp.Text
		}

		target, message, ok := handoffCall(resp.ToolCalls)
		if !ok {
			emit(logEvent("INFO", fmt.Sprintf("agent %s finished: %s", current, truncate(resp.Text, 200))))
			break
		}
		if _, known := byName[target]; !known {
			res.Status = StatusFailed
			emit(errorEvent(fmt.Sprintf("agent %s handed off to unknown agent %q", current, target)))
			break
		}
		if handoffs >= settings.MaxHandoffs {
			res.Status = StatusMaxHandoffsReached
			emit(logEvent("WARNING", fmt.Sprintf("max handoffs (%d) reached", settings.MaxHandoffs)))
			break
		}
		handoffs++
		emit(logEvent("INFO", fmt.Sprintf("handoff %s -> %s: %s", current, target, truncate(message, 200))))

		if message != "" {
			handoffNote = fmt.Sprintf("Handoff from %s: %s", current, message)
		} else {
			handoffNote = fmt.Sprintf("Handoff from %s.", current)
		}
		current = target
	}

	res.NodeHistory = history
	res.Transcript = transcript
	if lastText != "" {
		res.Output = lastText
	}
	res.Meta = map[string]any{
		"iterations":  iterations,
		"handoffs":    handoffs,
		"duration_ms": time.Since(started).Milliseconds(),
		"usage": map[string]any{
			"input_tokens":  inputTokens,
			"output_tokens": outputTokens,
		},
	}

	slog.Info("run finished", "status", res.Status, "iterations", iterations, "handoffs", handoffs)
	return res, nil
}

// repetitiveHandoff reports whether the last window of node activations
// cycled between too few distinct agents.
func repetitiveHandoff(history []string, settings Settings) bool {
	if len(history) < settings.RepetitiveHandoffWindow {
		return false
	}
	window := history[len(history)-settings.RepetitiveHandoffWindow:]
	unique := make(map[string]bool, len(window))
	for _, name := range window {
		unique[name] = true
	}
	return len(unique) < settings.RepetitiveHandoffMinUnique
}

func buildTurns(task, handoffNote string) []model.Turn {
	turns := []model.Turn{{Role: "user", Text: task}}
	if handoffNote != "" {
		turns = append(turns, model.Turn{Role: "user", Text: handoffNote})
	}
	return turns
}

func systemPrompt(spec AgentSpec, agents []AgentSpec) string {
	var sb strings.Builder
	sb.WriteString(spec.SystemPrompt)

	sb.WriteString("\n\n## Swarm\n\n")
	fmt.Fprintf(&sb, "You are agent %q in a swarm solving one task together.", spec.Name)
	if len(agents) > 1 {
		names := make([]string, 0, len(agents)-1)
		for _, a := range agents {
			if a.Name != spec.Name {
				names = append(names, a.Name)
			}
		}
		fmt.Fprintf(&sb, " Your teammates: %s.", strings.Join(names, ", "))
		sb.WriteString(" Use the handoff_to_agent tool to pass the task on when a teammate should take over, with a message summarizing what you found.")
	}
	sb.WriteString(" When the task is done, answer with the final result instead of handing off.")
	return sb.String()
}

func handoffTool(agents []AgentSpec, current string) model.Tool {
	names := make([]string, 0, len(agents))
	for _, a := range agents {
		if a.Name != current {
			names = append(names, a.Name)
		}
	}
	return model.Tool{
		Name:        HandoffToolName,
		Description: "Hand the task off to another agent. Available agents: " + strings.Join(names, ", "),
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"agent": map[string]any{
					"type":        "string",
					"description": "Name of the agent to hand off to",
				},
				"message": map[string]any{
					"type":        "string",
					"description": "Context for the receiving agent",
				},
			},
			"required": []string{"agent"},
		},
	}
}

// handoffCall returns the first well-formed handoff among the tool
// calls. Calls with unparseable arguments are ignored.
func handoffCall(calls []model.ToolCall) (target, message string, ok bool) {
	for _, call := range calls {
		if call.Name != HandoffToolName {
			continue
		}
		var args struct {
			Agent   string `json:"agent"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(call.Arguments, &args); err != nil || args.Agent == "" {
			continue
		}
		return args.Agent, args.Message, true
	}
	return "", "", false
}

func logEvent(level, message string) trace.Event {
	return trace.Event{Type: trace.EventLog, Time: time.Now().UTC(), Level: level, Message: message}
}

func errorEvent(message string) trace.Event {
	return trace.Event{Type: trace.EventServerError, Time: time.Now().UTC(), Message: message}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
