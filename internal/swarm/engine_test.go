package swarm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/mtzanidakis/sminos/internal/model"
	"github.com/mtzanidakis/sminos/internal/trace"
)

type mapResolver map[string]model.Model

func (r mapResolver) Resolve(name string) (model.Model, error) {
	if m, ok := r[name]; ok {
		return m, nil
	}
	return nil, fmt.Errorf("no model %q", name)
}

// blockingModel waits for cancellation; used to exercise timeouts.
type blockingModel struct{}

func (blockingModel) Complete(ctx context.Context, req model.Request) (*model.Response, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (blockingModel) Name() string { return "test/blocking" }

func handoffResponse(target, message string) model.Response {
	args, _ := json.Marshal(map[string]string{"agent": target, "message": message})
	return model.Response{
		ToolCalls:  []model.ToolCall{{ID: "t1", Name: HandoffToolName, Arguments: args}},
		StopReason: "tool_use",
	}
}

func textResponse(text string) model.Response {
	return model.Response{Text: text, StopReason: "end_turn", Usage: model.Usage{InputTokens: 10, OutputTokens: 5}}
}

func collectEmitted() (Emitter, *[]trace.Event) {
	var events []trace.Event
	return func(ev trace.Event) { events = append(events, ev) }, &events
}

func TestExecuteSingleAgent(t *testing.T) {
	resolver := mapResolver{
		"scripted/solo": model.NewScripted("scripted/solo", textResponse("the answer")),
	}
	eng := NewEngine(resolver, 0)
	emit, events := collectEmitted()

	req := &RunRequest{
		Task:     "answer the question",
		Agents:   []AgentSpec{{Name: "solo", SystemPrompt: "You answer.", Model: "scripted/solo"}},
		Settings: Settings{EntryPoint: "solo"},
	}
	res, err := eng.Execute(context.Background(), req, emit)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	if res.Status != StatusCompleted {
		t.Errorf("expected COMPLETED, got %s", res.Status)
	}
	if len(res.NodeHistory) != 1 || res.NodeHistory[0] != "solo" {
		t.Errorf("unexpected node history %v", res.NodeHistory)
	}
	if res.Output != "the answer" {
		t.Errorf("expected output 'the answer', got %v", res.Output)
	}
	if !res.HasOutput() {
		t.Error("expected HasOutput true")
	}
	if len(res.Transcript) != 1 || res.Transcript[0].Agent != "solo" {
		t.Errorf("unexpected transcript %+v", res.Transcript)
	}
	if res.Meta["iterations"] != 1 || res.Meta["handoffs"] != 0 {
		t.Errorf("unexpected meta %v", res.Meta)
	}

	if len(*events) == 0 || (*events)[0].Type != trace.EventStart {
		t.Errorf("expected start event first, got %+v", *events)
	}
}

func TestExecuteHandoffChain(t *testing.T) {
	resolver := mapResolver{
		"scripted/researcher": model.NewScripted("scripted/researcher",
			handoffResponse("architect", "findings: X is feasible")),
		"scripted/architect": model.NewScripted("scripted/architect",
			textResponse("summary of X")),
	}
	eng := NewEngine(resolver, 0)
	emit, events := collectEmitted()

	req := &RunRequest{
		Task: "Summarize X",
		Agents: []AgentSpec{
			{Name: "researcher", SystemPrompt: "You research.", Model: "scripted/researcher"},
			{Name: "architect", SystemPrompt: "You design.", Model: "scripted/architect"},
		},
		Settings: Settings{EntryPoint: "researcher"},
	}
	res, err := eng.Execute(context.Background(), req, emit)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	if res.Status != StatusCompleted {
		t.Errorf("expected COMPLETED, got %s", res.Status)
	}
	want := []string{"researcher", "architect"}
	if len(res.NodeHistory) != len(want) {
		t.Fatalf("expected history %v, got %v", want, res.NodeHistory)
	}
	for i := range want {
		if res.NodeHistory[i] != want[i] {
			t.Errorf("history[%d]: expected %s, got %s", i, want[i], res.NodeHistory[i])
		}
	}
	if res.Output != "summary of X" {
		t.Errorf("expected the closing agent's text, got %v", res.Output)
	}
	if len(res.Transcript) != 2 {
		t.Fatalf("expected 2 transcript turns, got %d", len(res.Transcript))
	}
	if res.Transcript[0].Agent != "researcher" || res.Transcript[1].Agent != "architect" {
		t.Errorf("transcript order wrong: %+v", res.Transcript)
	}
	if res.Meta["handoffs"] != 1 || res.Meta["iterations"] != 2 {
		t.Errorf("unexpected meta %v", res.Meta)
	}

	usage, ok := res.Meta["usage"].(map[string]any)
	if !ok || usage["output_tokens"] != 5 {
		t.Errorf("unexpected usage accounting %v", res.Meta["usage"])
	}

	var sawHandoffLog bool
	for _, ev := range *events {
		if ev.Type == trace.EventLog && strings.Contains(ev.Message, "handoff researcher -> architect") {
			sawHandoffLog = true
		}
	}
	if !sawHandoffLog {
		t.Error("expected a handoff log event")
	}
}

func TestExecuteMaxHandoffs(t *testing.T) {
	resolver := mapResolver{
		"scripted/a": model.NewScripted("scripted/a",
			handoffResponse("b", ""), handoffResponse("b", "")),
		"scripted/b": model.NewScripted("scripted/b",
			handoffResponse("a", "")),
	}
	eng := NewEngine(resolver, 0)

	req := &RunRequest{
		Task: "bounce",
		Agents: []AgentSpec{
			{Name: "a", SystemPrompt: "a", Model: "scripted/a"},
			{Name: "b", SystemPrompt: "b", Model: "scripted/b"},
		},
		Settings: Settings{EntryPoint: "a", MaxHandoffs: 2},
	}
	res, err := eng.Execute(context.Background(), req, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	if res.Status != StatusMaxHandoffsReached {
		t.Errorf("expected MAX_HANDOFFS_REACHED, got %s", res.Status)
	}
	if len(res.NodeHistory) != 3 {
		t.Errorf("expected 3 activations, got %v", res.NodeHistory)
	}
}

func TestExecuteMaxIterations(t *testing.T) {
	resolver := mapResolver{
		"scripted/a": model.NewScripted("scripted/a", handoffResponse("b", "")),
		"scripted/b": model.NewScripted("scripted/b", handoffResponse("a", "")),
	}
	eng := NewEngine(resolver, 0)

	req := &RunRequest{
		Task: "bounce",
		Agents: []AgentSpec{
			{Name: "a", SystemPrompt: "a", Model: "scripted/a"},
			{Name: "b", SystemPrompt: "b", Model: "scripted/b"},
		},
		Settings: Settings{EntryPoint: "a", MaxIterations: 2},
	}
	res, err := eng.Execute(context.Background(), req, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	if res.Status != StatusMaxIterationsReached {
		t.Errorf("expected MAX_ITERATIONS_REACHED, got %s", res.Status)
	}
	if len(res.NodeHistory) != 2 {
		t.Errorf("expected 2 activations, got %v", res.NodeHistory)
	}
}

func TestExecuteRepetitiveHandoffDetected(t *testing.T) {
	resolver := mapResolver{
		"scripted/a": model.NewScripted("scripted/a",
			handoffResponse("b", ""), handoffResponse("b", "")),
		"scripted/b": model.NewScripted("scripted/b",
			handoffResponse("a", "")),
	}
	eng := NewEngine(resolver, 0)
	emit, events := collectEmitted()

	req := &RunRequest{
		Task: "bounce",
		Agents: []AgentSpec{
			{Name: "a", SystemPrompt: "a", Model: "scripted/a"},
			{Name: "b", SystemPrompt: "b", Model: "scripted/b"},
		},
		Settings: Settings{
			EntryPoint:                 "a",
			RepetitiveHandoffWindow:    4,
			RepetitiveHandoffMinUnique: 3,
		},
	}
	res, err := eng.Execute(context.Background(), req, emit)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	if res.Status != StatusFailed {
		t.Errorf("expected FAILED, got %s", res.Status)
	}
	if len(res.NodeHistory) != 4 {
		t.Errorf("expected detection at the 4th activation, got %v", res.NodeHistory)
	}

	var sawLoopError bool
	for _, ev := range *events {
		if ev.Type == trace.EventServerError && strings.Contains(ev.Message, "repetitive handoff") {
			sawLoopError = true
		}
	}
	if !sawLoopError {
		t.Error("expected a repetitive handoff error event")
	}
}

func TestExecuteModelFailure(t *testing.T) {
	resolver := mapResolver{
		"scripted/solo": model.NewScripted("scripted/solo"), // empty script fails on call
	}
	eng := NewEngine(resolver, 0)
	emit, events := collectEmitted()

	req := &RunRequest{
		Task:     "t",
		Agents:   []AgentSpec{{Name: "solo", SystemPrompt: "s", Model: "scripted/solo"}},
		Settings: Settings{EntryPoint: "solo"},
	}
	res, err := eng.Execute(context.Background(), req, emit)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	if res.Status != StatusFailed {
		t.Errorf("expected FAILED, got %s", res.Status)
	}
	if res.HasOutput() {
		t.Error("failed run with no text must not report output")
	}

	var sawError bool
	for _, ev := range *events {
		if ev.Type == trace.EventServerError {
			sawError = true
		}
	}
	if !sawError {
		t.Error("expected an error event")
	}
}

func TestExecuteUnknownHandoffTarget(t *testing.T) {
	resolver := mapResolver{
		"scripted/solo": model.NewScripted("scripted/solo", handoffResponse("ghost", "")),
	}
	eng := NewEngine(resolver, 0)

	req := &RunRequest{
		Task:     "t",
		Agents:   []AgentSpec{{Name: "solo", SystemPrompt: "s", Model: "scripted/solo"}},
		Settings: Settings{EntryPoint: "solo"},
	}
	res, err := eng.Execute(context.Background(), req, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	if res.Status != StatusFailed {
		t.Errorf("expected FAILED, got %s", res.Status)
	}
}

func TestExecuteNodeTimeout(t *testing.T) {
	resolver := mapResolver{"test/blocking": blockingModel{}}
	eng := NewEngine(resolver, 0)

	req := &RunRequest{
		Task:   "t",
		Agents: []AgentSpec{{Name: "solo", SystemPrompt: "s", Model: "test/blocking"}},
		Settings: Settings{
			EntryPoint:           "solo",
			NodeTimeoutSecs:      0.05,
			ExecutionTimeoutSecs: 10,
		},
	}
	res, err := eng.Execute(context.Background(), req, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != StatusFailed {
		t.Errorf("node timeout should fail the run, got %s", res.Status)
	}
}

func TestExecuteExecutionTimeout(t *testing.T) {
	resolver := mapResolver{"test/blocking": blockingModel{}}
	eng := NewEngine(resolver, 0)

	req := &RunRequest{
		Task:   "t",
		Agents: []AgentSpec{{Name: "solo", SystemPrompt: "s", Model: "test/blocking"}},
		Settings: Settings{
			EntryPoint:           "solo",
			NodeTimeoutSecs:      10,
			ExecutionTimeoutSecs: 0.05,
		},
	}
	res, err := eng.Execute(context.Background(), req, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != StatusTimedOut {
		t.Errorf("expected TIMED_OUT, got %s", res.Status)
	}
}

func TestExecuteRejectsInvalidRequest(t *testing.T) {
	eng := NewEngine(mapResolver{}, 0)

	req := &RunRequest{
		Task:     "   ",
		Agents:   []AgentSpec{{Name: "solo", SystemPrompt: "s"}},
		Settings: Settings{EntryPoint: "solo"},
	}
	res, err := eng.Execute(context.Background(), req, nil)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if res != nil {
		t.Error("invalid request must not produce a result")
	}
}

func TestHandoffCallParsing(t *testing.T) {
	target, message, ok := handoffCall([]model.ToolCall{
		{Name: "other_tool", Arguments: json.RawMessage(`{}`)},
		{Name: HandoffToolName, Arguments: json.RawMessage(`not json`)},
		{Name: HandoffToolName, Arguments: json.RawMessage(`{"agent":"b","message":"ctx"}`)},
	})
	if !ok || target != "b" || message != "ctx" {
		t.Errorf("expected handoff to b, got %q %q %v", target, message, ok)
	}

	if _, _, ok := handoffCall(nil); ok {
		t.Error("expected no handoff for empty calls")
	}
}
