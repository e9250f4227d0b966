// Package runs owns the lifecycle of swarm executions on the gateway:
// accepting requests, driving the engine in the background, persisting
// the event stream, and answering result polls.
package runs

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/sminos/internal/natsbus"
	"github.com/mtzanidakis/sminos/internal/store"
	"github.com/mtzanidakis/sminos/internal/swarm"
	"github.com/mtzanidakis/sminos/internal/trace"
)

var (
	// ErrNotFound means no run with that id was ever accepted.
	ErrNotFound = errors.New("run not found")
	// ErrNotReady means the run exists but has not reached a terminal
	// status yet. HTTP maps this to 202.
	ErrNotReady = errors.New("run result not ready")
)

const statusRunning = "running"

// DoneListener is invoked after a run reaches a terminal status and its
// result is persisted.
type DoneListener func(run *store.Run, res *swarm.RunResult)

// Manager starts runs and tracks them to completion. Every event the
// engine emits is appended to the store with a per-run sequence number
// and published on the bus, so stream consumers can replay history and
// follow live from the same record.
type Manager struct {
	store  *store.Store
	engine *swarm.Engine
	client *natsbus.Client

	rootCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.Mutex
	active map[string]struct{}

	listenerMu sync.RWMutex
	listeners  []DoneListener
}

func New(s *store.Store, engine *swarm.Engine, bus *natsbus.Bus) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		store:   s,
		engine:  engine,
		rootCtx: ctx,
		cancel:  cancel,
		active:  make(map[string]struct{}),
	}

	if bus != nil {
		client, err := natsbus.NewClient(bus)
		if err != nil {
			slog.Error("runs nats client failed", "error", err)
		} else {
			m.client = client
		}
	}

	return m
}

// OnDone registers a listener for terminal runs. Listeners run on the
// run's own goroutine, after the result is persisted.
func (m *Manager) OnDone(fn DoneListener) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Start validates and accepts a run, then executes it in the background.
// The returned handle is valid immediately: the stream and result
// endpoints recognize the id even before the first event lands.
func (m *Manager) Start(req *swarm.RunRequest) (swarm.RunHandle, error) {
	run, err := m.accept(req)
	if err != nil {
		return swarm.RunHandle{}, err
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.execute(m.rootCtx, run.ID, req)
	}()

	slog.Info("run accepted", "run", run.ID, "agents", len(req.Agents))
	return swarm.RunHandle{RunID: run.ID}, nil
}

// Run executes a request inline and returns the finished result. The
// run goes through the same pipeline as a background one: same id
// space, same persisted event stream, same terminal status in the
// store. Cancel ctx to abort it.
func (m *Manager) Run(ctx context.Context, req *swarm.RunRequest) (*swarm.RunResult, error) {
	run, err := m.accept(req)
	if err != nil {
		return nil, err
	}

	m.wg.Add(1)
	defer m.wg.Done()

	slog.Info("run accepted", "run", run.ID, "agents", len(req.Agents), "inline", true)
	return m.execute(ctx, run.ID, req), nil
}

// accept validates the request and persists the initial running record.
func (m *Manager) accept(req *swarm.RunRequest) (*store.Run, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	agents, _ := json.Marshal(req.Agents)
	settings, _ := json.Marshal(req.Settings)
	run := &store.Run{
		ID:       newRunID(),
		Task:     req.Task,
		Status:   statusRunning,
		Agents:   agents,
		Settings: settings,
	}
	if err := m.store.SaveRun(run); err != nil {
		return nil, fmt.Errorf("save run: %w", err)
	}

	m.mu.Lock()
	m.active[run.ID] = struct{}{}
	m.mu.Unlock()
	return run, nil
}

// Result returns the persisted result for a terminal run. ErrNotFound
// for unknown ids, ErrNotReady while the run is still executing.
func (m *Manager) Result(id string) (*swarm.RunResult, error) {
	run, err := m.store.GetRun(id)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, ErrNotFound
	}
	if run.Status == statusRunning || len(run.Result) == 0 {
		return nil, ErrNotReady
	}

	var res swarm.RunResult
	if err := json.Unmarshal(run.Result, &res); err != nil {
		return nil, fmt.Errorf("decode stored result: %w", err)
	}
	return &res, nil
}

// Active returns the ids of runs currently executing.
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	return ids
}

// Close stops accepting work, cancels in-flight runs and waits for them
// to record their terminal status.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
	if m.client != nil {
		m.client.Close()
	}
}

func (m *Manager) execute(ctx context.Context, id string, req *swarm.RunRequest) *swarm.RunResult {
	defer func() {
		m.mu.Lock()
		delete(m.active, id)
		m.mu.Unlock()
	}()

	var seq int64
	emit := func(ev trace.Event) {
		m.record(id, &seq, ev)
	}

	emit(trace.Event{Type: trace.EventReady, Time: time.Now().UTC()})

	res, err := m.engine.Execute(ctx, req, emit)
	if err != nil {
		// Validation already passed in Start; treat this as a failed run
		// so the stream still terminates cleanly.
		slog.Error("engine rejected run", "run", id, "error", err)
		emit(trace.Event{Type: trace.EventServerError, Time: time.Now().UTC(), Message: err.Error()})
		res = &swarm.RunResult{Status: swarm.StatusFailed}
	}

	emit(trace.Event{
		Type:        trace.EventDone,
		Time:        time.Now().UTC(),
		Status:      res.Status,
		NodeHistory: res.NodeHistory,
		HasOutput:   res.HasOutput(),
	})
	emit(summaryEvent(res))

	result, _ := json.Marshal(res)
	if err := m.store.FinishRun(id, strings.ToLower(res.Status), result); err != nil {
		slog.Error("finish run failed", "run", id, "error", err)
	}

	if m.client != nil {
		done := map[string]any{
			"run_id":     id,
			"status":     res.Status,
			"has_output": res.HasOutput(),
		}
		if err := m.client.PublishJSON(natsbus.TopicRunDone(id), done); err != nil {
			slog.Error("publish run done failed", "run", id, "error", err)
		}
	}

	run, err := m.store.GetRun(id)
	if err != nil || run == nil {
		slog.Error("reload finished run failed", "run", id, "error", err)
		return res
	}

	m.listenerMu.RLock()
	listeners := make([]DoneListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.listenerMu.RUnlock()
	for _, fn := range listeners {
		fn(run, res)
	}
	return res
}

// record persists one stream event under the next sequence number and
// publishes it for live subscribers. Persistence failures are logged,
// not fatal: the run itself keeps going.
func (m *Manager) record(id string, seq *int64, ev trace.Event) {
	*seq++
	rec := &store.RunEvent{
		RunID:   id,
		Seq:     *seq,
		Type:    string(ev.Type),
		Payload: wireBody(ev),
	}
	if err := m.store.AppendRunEvent(rec); err != nil {
		slog.Error("append run event failed", "run", id, "seq", rec.Seq, "error", err)
	}

	if m.client != nil {
		rec.CreatedAt = ev.Time
		if err := m.client.PublishJSON(natsbus.TopicRunEvents(id), rec); err != nil {
			slog.Error("publish run event failed", "run", id, "error", err)
		}
	}
}

// wireBody renders the payload frame for one event type. The event name
// travels separately, as the SSE event field and the run_events type
// column.
func wireBody(ev trace.Event) json.RawMessage {
	body := map[string]any{}
	switch ev.Type {
	case trace.EventStart:
		body["task"] = ev.Task
	case trace.EventLog:
		body["level"] = ev.Level
		body["message"] = ev.Message
	case trace.EventServerError:
		body["error"] = ev.Message
	case trace.EventDone:
		body["status"] = ev.Status
		body["node_history"] = ev.NodeHistory
		body["has_output"] = ev.HasOutput
	case trace.EventSummary:
		body["status"] = ev.Status
		body["has_output"] = ev.HasOutput
		body["output_preview"] = ev.OutputPreview
		body["transcript_preview"] = ev.TranscriptPreview
	}
	data, _ := json.Marshal(body)
	return data
}

func summaryEvent(res *swarm.RunResult) trace.Event {
	ev := trace.Event{
		Type:      trace.EventSummary,
		Time:      time.Now().UTC(),
		Status:    res.Status,
		HasOutput: res.HasOutput(),
	}
	if s, ok := res.Output.(string); ok {
		ev.OutputPreview = truncate(strings.TrimSpace(s), 500)
	}
	if n := len(res.Transcript); n > 0 {
		last := res.Transcript[n-1]
		ev.TranscriptPreview = truncate(fmt.Sprintf("%s: %s", last.Agent, last.Text), 500)
	}
	return ev
}

func newRunID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
