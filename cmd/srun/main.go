package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mtzanidakis/sminos/internal/client"
	"github.com/mtzanidakis/sminos/internal/orchestrator"
	"github.com/mtzanidakis/sminos/internal/swarm"
	"github.com/mtzanidakis/sminos/internal/trace"
)

// rosterFile is the on-disk roster format. YAML and JSON both parse.
type rosterFile struct {
	Agents   []rosterAgent  `yaml:"agents"`
	Settings rosterSettings `yaml:"settings"`
}

type rosterAgent struct {
	Name         string `yaml:"name"`
	SystemPrompt string `yaml:"system_prompt"`
	Model        string `yaml:"model"`
}

type rosterSettings struct {
	MaxHandoffs                int     `yaml:"max_handoffs"`
	MaxIterations              int     `yaml:"max_iterations"`
	ExecutionTimeoutSecs       float64 `yaml:"execution_timeout"`
	NodeTimeoutSecs            float64 `yaml:"node_timeout"`
	RepetitiveHandoffWindow    int     `yaml:"repetitive_handoff_detection_window"`
	RepetitiveHandoffMinUnique int     `yaml:"repetitive_handoff_min_unique_agents"`
	EntryPoint                 string  `yaml:"entry_point"`
}

type runSummary struct {
	ID        string    `json:"id"`
	Task      string    `json:"task"`
	Status    string    `json:"status"`
	StartedAt time.Time `json:"started_at"`
}

type scheduleSummary struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Schedule string `json:"schedule"`
	Status   string `json:"status"`
}

func loadRoster(path string) (*rosterFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read roster: %w", err)
	}
	var r rosterFile
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse roster: %w", err)
	}
	return &r, nil
}

func (r *rosterFile) agentSpecs() []swarm.AgentSpec {
	agents := make([]swarm.AgentSpec, 0, len(r.Agents))
	for _, a := range r.Agents {
		agents = append(agents, swarm.AgentSpec{
			Name:         a.Name,
			SystemPrompt: a.SystemPrompt,
			Model:        a.Model,
		})
	}
	return agents
}

func (r *rosterFile) settingsSpec() swarm.Settings {
	entry := r.Settings.EntryPoint
	if entry == "" && len(r.Agents) > 0 {
		// Entry point defaults to the first agent in the roster.
		entry = r.Agents[0].Name
	}
	return swarm.Settings{
		MaxHandoffs:                r.Settings.MaxHandoffs,
		MaxIterations:              r.Settings.MaxIterations,
		ExecutionTimeoutSecs:       r.Settings.ExecutionTimeoutSecs,
		NodeTimeoutSecs:            r.Settings.NodeTimeoutSecs,
		RepetitiveHandoffWindow:    r.Settings.RepetitiveHandoffWindow,
		RepetitiveHandoffMinUnique: r.Settings.RepetitiveHandoffMinUnique,
		EntryPoint:                 entry,
	}
}

func (r *rosterFile) toRequest(task string) *swarm.RunRequest {
	return &swarm.RunRequest{
		Task:     task,
		Agents:   r.agentSpecs(),
		Settings: r.settingsSpec(),
	}
}

// parseArgs splits --flag value pairs. Flags listed in boolFlags take no
// value and map to "true" when present.
func parseArgs(args []string, boolFlags ...string) map[string]string {
	bools := make(map[string]bool, len(boolFlags))
	for _, b := range boolFlags {
		bools[b] = true
	}
	result := make(map[string]string)
	for i := 0; i < len(args); i++ {
		if len(args[i]) <= 2 || args[i][:2] != "--" {
			continue
		}
		name := args[i][2:]
		if bools[name] {
			result[name] = "true"
			continue
		}
		if i+1 < len(args) {
			i++
			result[name] = args[i]
		}
	}
	return result
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, `  srun run --roster <file> --task "..." [--watch]`)
	fmt.Fprintln(os.Stderr, "  srun result --id <run-id> [--wait]")
	fmt.Fprintln(os.Stderr, "  srun list")
	fmt.Fprintln(os.Stderr, "  srun archive --id <run-id>")
	fmt.Fprintln(os.Stderr, `  srun schedule create --name "..." --schedule "..." --task "..." --roster <file> [--disabled]`)
	fmt.Fprintln(os.Stderr, "  srun schedule list")
	fmt.Fprintln(os.Stderr, "  srun schedule delete --id <schedule-id>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Environment:")
	fmt.Fprintln(os.Stderr, "  SMINOS_URL   Gateway address (default http://localhost:8080)")
	fmt.Fprintln(os.Stderr, "  SMINOS_AUTH  API password when the gateway has auth enabled")
	os.Exit(1)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func main() {
	baseURL := os.Getenv("SMINOS_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	auth := os.Getenv("SMINOS_AUTH")

	if len(os.Args) < 2 {
		usage()
	}

	command := os.Args[1]
	rest := os.Args[2:]

	switch command {
	case "run":
		cmdRun(baseURL, auth, rest)
	case "result":
		cmdResult(baseURL, auth, rest)
	case "list":
		cmdList(baseURL, auth)
	case "archive":
		cmdArchive(baseURL, auth, rest)
	case "schedule":
		cmdSchedule(baseURL, auth, rest)
	default:
		fatal("unknown command: %s", command)
	}
}

func cmdRun(baseURL, auth string, rest []string) {
	args := parseArgs(rest, "watch")
	if args["roster"] == "" || args["task"] == "" {
		fatal("--roster and --task are required")
	}

	roster, err := loadRoster(args["roster"])
	if err != nil {
		fatal("%v", err)
	}
	req := roster.toRequest(args["task"])

	c := client.New(baseURL, func(o *client.Options) {
		o.Password = auth
	})

	if args["watch"] == "" {
		h, err := c.StartRun(context.Background(), req)
		if err != nil {
			fatal("%v", err)
		}
		fmt.Printf("Run started: %s\n", h.RunID)
		return
	}

	watchRun(c, req)
}

// watchRun submits through the orchestrator and prints trace events as
// they arrive, then the final result.
func watchRun(c *client.Client, req *swarm.RunRequest) {
	orch := orchestrator.New(c)
	defer orch.Close()

	done := make(chan orchestrator.State, 1)
	var mu sync.Mutex
	printed := 0
	orch.OnUpdate(func(st orchestrator.State) {
		mu.Lock()
		for _, ev := range st.Trace[printed:] {
			printEvent(ev)
		}
		printed = len(st.Trace)
		mu.Unlock()

		if st.Phase == orchestrator.PhaseCompleted || st.Phase == orchestrator.PhaseFailed {
			select {
			case done <- st:
			default:
			}
		}
	})

	if err := orch.Start(context.Background(), req); err != nil {
		fatal("%v", err)
	}

	st := <-done
	if st.Err != nil {
		fatal("%v", st.Err)
	}
	printResult(st.Result)
	if st.Result.Status != swarm.StatusCompleted {
		os.Exit(1)
	}
}

func printEvent(ev trace.Event) {
	ts := ev.Time.Local().Format("15:04:05")
	switch ev.Type {
	case trace.EventReady:
		fmt.Printf("%s  ready\n", ts)
	case trace.EventStart:
		fmt.Printf("%s  start  %s\n", ts, ev.Task)
	case trace.EventLog:
		fmt.Printf("%s  %-5s  %s\n", ts, ev.Level, ev.Message)
	case trace.EventServerError:
		fmt.Printf("%s  error  %s\n", ts, ev.Message)
	case trace.EventTransportError:
		fmt.Printf("%s  stream lost: %s\n", ts, ev.Message)
	case trace.EventDone:
		fmt.Printf("%s  done   %s\n", ts, ev.Status)
	default:
		fmt.Printf("%s  %s\n", ts, ev.Type)
	}
}

func printResult(res *swarm.RunResult) {
	fmt.Printf("\nStatus: %s\n", res.Status)
	if len(res.NodeHistory) > 0 {
		fmt.Printf("Agents: %s\n", strings.Join(res.NodeHistory, " -> "))
	}
	if res.HasOutput() {
		if s, ok := res.Output.(string); ok {
			fmt.Printf("\n%s\n", s)
		} else {
			data, _ := json.MarshalIndent(res.Output, "", "  ")
			fmt.Printf("\n%s\n", data)
		}
	}
}

func cmdResult(baseURL, auth string, rest []string) {
	args := parseArgs(rest, "wait")
	if args["id"] == "" {
		fatal("--id is required")
	}

	// Without --wait a single poll attempt reports a running run
	// immediately instead of blocking.
	attempts := 1
	if args["wait"] != "" {
		attempts = 120
	}
	c := client.New(baseURL, func(o *client.Options) {
		o.Password = auth
		o.PollAttempts = attempts
	})

	res, err := c.FetchResult(context.Background(), swarm.RunHandle{RunID: args["id"]})
	if err != nil {
		var te *client.TimeoutError
		if errors.As(err, &te) {
			fatal("run is still executing, retry with --wait")
		}
		fatal("%v", err)
	}
	printResult(res)
}

func cmdList(baseURL, auth string) {
	var runs []runSummary
	if err := callAPI(baseURL, auth, http.MethodGet, "/api/runs?limit=20", nil, &runs); err != nil {
		fatal("%v", err)
	}
	if len(runs) == 0 {
		fmt.Println("No runs found.")
		return
	}
	for _, r := range runs {
		fmt.Printf("  %s  %-22s  %s  %s\n", r.ID, r.Status, r.StartedAt.Local().Format("Jan 2 15:04"), truncate(r.Task, 60))
	}
}

func cmdArchive(baseURL, auth string, rest []string) {
	args := parseArgs(rest)
	if args["id"] == "" {
		fatal("--id is required")
	}
	var out struct {
		Path string `json:"path"`
	}
	if err := callAPI(baseURL, auth, http.MethodPost, "/api/runs/"+args["id"]+"/archive", nil, &out); err != nil {
		fatal("%v", err)
	}
	fmt.Printf("Archived to %s\n", out.Path)
}

func cmdSchedule(baseURL, auth string, rest []string) {
	if len(rest) == 0 {
		usage()
	}

	switch rest[0] {
	case "create":
		args := parseArgs(rest[1:], "disabled")
		if args["name"] == "" || args["schedule"] == "" || args["task"] == "" || args["roster"] == "" {
			fatal("--name, --schedule, --task, and --roster are required")
		}
		roster, err := loadRoster(args["roster"])
		if err != nil {
			fatal("%v", err)
		}
		body := map[string]any{
			"name":     args["name"],
			"schedule": args["schedule"],
			"task":     args["task"],
			"roster": map[string]any{
				"agents":   roster.agentSpecs(),
				"settings": roster.settingsSpec(),
			},
			"enabled": args["disabled"] == "",
		}
		var out struct {
			ID string `json:"id"`
		}
		if err := callAPI(baseURL, auth, http.MethodPost, "/api/schedules", body, &out); err != nil {
			fatal("%v", err)
		}
		fmt.Printf("Schedule created: %s\n", out.ID)

	case "list":
		var schedules []scheduleSummary
		if err := callAPI(baseURL, auth, http.MethodGet, "/api/schedules", nil, &schedules); err != nil {
			fatal("%v", err)
		}
		if len(schedules) == 0 {
			fmt.Println("No schedules found.")
			return
		}
		for _, s := range schedules {
			fmt.Printf("  %s  %-9s  %s  [%s]\n", s.ID, s.Status, s.Name, s.Schedule)
		}

	case "delete":
		args := parseArgs(rest[1:])
		if args["id"] == "" {
			fatal("--id is required")
		}
		if err := callAPI(baseURL, auth, http.MethodDelete, "/api/schedules/"+args["id"], nil, nil); err != nil {
			fatal("%v", err)
		}
		fmt.Println("Schedule deleted.")

	default:
		fatal("unknown schedule command: %s", rest[0])
	}
}

// callAPI performs one authenticated JSON request against the gateway.
func callAPI(baseURL, auth, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, strings.TrimRight(baseURL, "/")+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth != "" {
		req.SetBasicAuth("sminos", auth)
	}

	resp, err := (&http.Client{Timeout: 30 * time.Second}).Do(req)
	if err != nil {
		return fmt.Errorf("api request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var e struct {
			Error  string `json:"error"`
			Detail string `json:"detail"`
		}
		if json.Unmarshal(data, &e) == nil {
			if e.Error != "" {
				return fmt.Errorf("%s", e.Error)
			}
			if e.Detail != "" {
				return fmt.Errorf("%s", e.Detail)
			}
		}
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
