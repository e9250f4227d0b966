package swarm

import (
	"fmt"
	"strings"
	"time"
)

// Run outcome statuses as reported by the engine and on the wire.
const (
	StatusCompleted            = "COMPLETED"
	StatusFailed               = "FAILED"
	StatusTimedOut             = "TIMED_OUT"
	StatusMaxHandoffsReached   = "MAX_HANDOFFS_REACHED"
	StatusMaxIterationsReached = "MAX_ITERATIONS_REACHED"
)

// AgentSpec describes one agent in a run request. Name must be unique
// within the request; Model is optional and falls back to the gateway
// default when empty.
type AgentSpec struct {
	Name         string `json:"name"`
	SystemPrompt string `json:"system_prompt"`
	Model        string `json:"model,omitempty"`
}

// Settings bounds the execution of a single run. Zero fields take the
// service defaults, see Normalized.
type Settings struct {
	MaxHandoffs                int     `json:"max_handoffs"`
	MaxIterations              int     `json:"max_iterations"`
	ExecutionTimeoutSecs       float64 `json:"execution_timeout"`
	NodeTimeoutSecs            float64 `json:"node_timeout"`
	RepetitiveHandoffWindow    int     `json:"repetitive_handoff_detection_window"`
	RepetitiveHandoffMinUnique int     `json:"repetitive_handoff_min_unique_agents"`
	EntryPoint                 string  `json:"entry_point"`
}

// DefaultSettings returns the service defaults applied to omitted fields.
func DefaultSettings() Settings {
	return Settings{
		MaxHandoffs:                20,
		MaxIterations:              20,
		ExecutionTimeoutSecs:       900,
		NodeTimeoutSecs:            300,
		RepetitiveHandoffWindow:    8,
		RepetitiveHandoffMinUnique: 3,
	}
}

// Normalized fills zero-valued bounds with the service defaults.
// EntryPoint is left as given.
func (s Settings) Normalized() Settings {
	def := DefaultSettings()
	if s.MaxHandoffs <= 0 {
		s.MaxHandoffs = def.MaxHandoffs
	}
	if s.MaxIterations <= 0 {
		s.MaxIterations = def.MaxIterations
	}
	if s.ExecutionTimeoutSecs <= 0 {
		s.ExecutionTimeoutSecs = def.ExecutionTimeoutSecs
	}
	if s.NodeTimeoutSecs <= 0 {
		s.NodeTimeoutSecs = def.NodeTimeoutSecs
	}
	if s.RepetitiveHandoffWindow <= 0 {
		s.RepetitiveHandoffWindow = def.RepetitiveHandoffWindow
	}
	if s.RepetitiveHandoffMinUnique <= 0 {
		s.RepetitiveHandoffMinUnique = def.RepetitiveHandoffMinUnique
	}
	return s
}

func (s Settings) ExecutionTimeout() time.Duration {
	return time.Duration(s.ExecutionTimeoutSecs * float64(time.Second))
}

func (s Settings) NodeTimeout() time.Duration {
	return time.Duration(s.NodeTimeoutSecs * float64(time.Second))
}

// RunRequest is one run attempt. Constructed once per attempt and never
// mutated after submission.
type RunRequest struct {
	Task     string      `json:"task"`
	Agents   []AgentSpec `json:"agents"`
	Settings Settings    `json:"settings"`
}

// Validate performs the full server-side check: non-empty task, at least
// one agent, unique names, entry point present among the agents.
func (r *RunRequest) Validate() error {
	if strings.TrimSpace(r.Task) == "" {
		return fmt.Errorf("task must not be empty")
	}
	if len(r.Agents) == 0 {
		return fmt.Errorf("at least one agent is required")
	}
	seen := make(map[string]bool, len(r.Agents))
	for _, a := range r.Agents {
		if strings.TrimSpace(a.Name) == "" {
			return fmt.Errorf("agent name must not be empty")
		}
		if seen[a.Name] {
			return fmt.Errorf("duplicate agent name %q", a.Name)
		}
		seen[a.Name] = true
	}
	entry := r.Settings.EntryPoint
	if entry == "" {
		return fmt.Errorf("entry point must be set")
	}
	if !seen[entry] {
		return fmt.Errorf("entry point %q not found among agents", entry)
	}
	return nil
}

// RunHandle identifies one in-flight or completed run. The client treats
// RunID as an opaque correlation key.
type RunHandle struct {
	RunID string `json:"run_id"`
}

// AgentTurn is one transcript entry: a single agent's contribution during
// a run.
type AgentTurn struct {
	Agent      string         `json:"agent"`
	Role       string         `json:"role,omitempty"`
	Text       string         `json:"text"`
	StopReason string         `json:"stop_reason,omitempty"`
	Usage      map[string]any `json:"usage,omitempty"`
	Metrics    map[string]any `json:"metrics,omitempty"`
}

// RunResult is the authoritative final outcome of a run.
type RunResult struct {
	Status      string         `json:"status"`
	NodeHistory []string       `json:"node_history"`
	Output      any            `json:"output,omitempty"`
	Meta        map[string]any `json:"meta,omitempty"`
	Transcript  []AgentTurn    `json:"transcript,omitempty"`
}

// HasOutput reports whether the run produced a non-empty output value.
func (r *RunResult) HasOutput() bool {
	if r.Output == nil {
		return false
	}
	if s, ok := r.Output.(string); ok {
		return strings.TrimSpace(s) != ""
	}
	return true
}
