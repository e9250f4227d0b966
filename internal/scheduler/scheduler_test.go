package scheduler

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/mtzanidakis/sminos/internal/config"
	"github.com/mtzanidakis/sminos/internal/model"
	"github.com/mtzanidakis/sminos/internal/registry"
	"github.com/mtzanidakis/sminos/internal/runs"
	"github.com/mtzanidakis/sminos/internal/store"
	"github.com/mtzanidakis/sminos/internal/swarm"
)

func newTestScheduler(t *testing.T) (*Scheduler, *store.Store) {
	t.Helper()

	s, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	reg := registry.New(config.ModelsConfig{})
	reg.Register("scripted/solo", model.NewScripted("scripted/solo",
		model.Response{Text: "scheduled answer", StopReason: "end_turn"},
		model.Response{Text: "scheduled answer", StopReason: "end_turn"}))

	mgr := runs.New(s, swarm.NewEngine(reg, 0), nil)
	t.Cleanup(mgr.Close)

	return New(s, mgr, nil, config.SchedulerConfig{PollInterval: time.Minute}), s
}

func testRoster(t *testing.T) json.RawMessage {
	t.Helper()
	r := roster{
		Agents:   []swarm.AgentSpec{{Name: "solo", SystemPrompt: "You answer.", Model: "scripted/solo"}},
		Settings: swarm.Settings{EntryPoint: "solo"},
	}
	data, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("marshal roster: %v", err)
	}
	return data
}

func saveDueSchedule(t *testing.T, s *store.Store, id, spec string, roster json.RawMessage) {
	t.Helper()
	due := time.Now().Add(-time.Minute)
	sch := &store.Schedule{
		ID:        id,
		Name:      "nightly digest",
		Schedule:  spec,
		Task:      "summarize the day",
		Roster:    roster,
		Status:    "active",
		NextRunAt: &due,
	}
	if err := s.SaveSchedule(sch); err != nil {
		t.Fatalf("save schedule: %v", err)
	}
}

func TestPollTriggersDueSchedule(t *testing.T) {
	sched, s := newTestScheduler(t)
	saveDueSchedule(t, s, "s1", "@every 1h", testRoster(t))

	sched.poll()

	runsList, err := s.ListRuns(0)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runsList) != 1 {
		t.Fatalf("expected 1 triggered run, got %d", len(runsList))
	}
	if runsList[0].Task != "summarize the day" {
		t.Errorf("unexpected run task %q", runsList[0].Task)
	}

	got, err := s.GetSchedule("s1")
	if err != nil || got == nil {
		t.Fatalf("get schedule: %v", err)
	}
	if got.LastStatus != "success" {
		t.Errorf("expected last_status success, got %q (%s)", got.LastStatus, got.LastError)
	}
	if got.LastRunAt == nil {
		t.Error("expected last_run_at to be set")
	}
	if got.NextRunAt == nil || !got.NextRunAt.After(time.Now()) {
		t.Errorf("expected next_run_at in the future, got %v", got.NextRunAt)
	}
}

func TestPollSkipsPausedSchedule(t *testing.T) {
	sched, s := newTestScheduler(t)
	saveDueSchedule(t, s, "s1", "@every 1h", testRoster(t))
	if err := s.UpdateScheduleStatus("s1", "paused"); err != nil {
		t.Fatalf("pause schedule: %v", err)
	}

	sched.poll()

	runsList, err := s.ListRuns(0)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runsList) != 0 {
		t.Errorf("paused schedule must not trigger, got %d runs", len(runsList))
	}
}

func TestTriggerInvalidRoster(t *testing.T) {
	sched, s := newTestScheduler(t)
	saveDueSchedule(t, s, "s1", "@every 1h", json.RawMessage(`not json`))

	sched.poll()

	runsList, err := s.ListRuns(0)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runsList) != 0 {
		t.Errorf("invalid roster must not start a run, got %d", len(runsList))
	}

	got, err := s.GetSchedule("s1")
	if err != nil || got == nil {
		t.Fatalf("get schedule: %v", err)
	}
	if got.LastStatus != "error" {
		t.Errorf("expected last_status error, got %q", got.LastStatus)
	}
	if got.LastError == "" {
		t.Error("expected last_error to be recorded")
	}
	if got.NextRunAt == nil {
		t.Error("a broken roster must still reschedule")
	}
}

func TestTriggerRejectedRun(t *testing.T) {
	sched, s := newTestScheduler(t)
	empty, _ := json.Marshal(roster{Settings: swarm.Settings{EntryPoint: "solo"}})
	saveDueSchedule(t, s, "s1", "@every 1h", empty)

	sched.poll()

	got, err := s.GetSchedule("s1")
	if err != nil || got == nil {
		t.Fatalf("get schedule: %v", err)
	}
	if got.LastStatus != "error" {
		t.Errorf("expected last_status error, got %q", got.LastStatus)
	}
}

func TestOneShotCompletesAfterTrigger(t *testing.T) {
	sched, s := newTestScheduler(t)
	saveDueSchedule(t, s, "s1", "@at 2020-01-01T00:00:00Z", testRoster(t))

	sched.poll()

	runsList, err := s.ListRuns(0)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runsList) != 1 {
		t.Fatalf("expected the one-shot to trigger once, got %d runs", len(runsList))
	}

	got, err := s.GetSchedule("s1")
	if err != nil || got == nil {
		t.Fatalf("get schedule: %v", err)
	}
	if got.Status != "completed" {
		t.Errorf("expected completed status, got %q", got.Status)
	}
	if got.NextRunAt != nil {
		t.Errorf("expected no next run, got %v", got.NextRunAt)
	}
}
