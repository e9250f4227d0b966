// Package scheduler polls for due schedules and submits their runs.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mtzanidakis/sminos/internal/config"
	"github.com/mtzanidakis/sminos/internal/natsbus"
	"github.com/mtzanidakis/sminos/internal/runs"
	"github.com/mtzanidakis/sminos/internal/schedule"
	"github.com/mtzanidakis/sminos/internal/store"
	"github.com/mtzanidakis/sminos/internal/swarm"
)

type Scheduler struct {
	store        *store.Store
	runs         *runs.Manager
	client       *natsbus.Client
	pollInterval time.Duration
	reloadCh     chan struct{}
}

// roster is the persisted shape of a schedule's run definition.
type roster struct {
	Agents   []swarm.AgentSpec `json:"agents"`
	Settings swarm.Settings    `json:"settings"`
}

func New(s *store.Store, mgr *runs.Manager, bus *natsbus.Bus, cfg config.SchedulerConfig) *Scheduler {
	sched := &Scheduler{
		store:        s,
		runs:         mgr,
		pollInterval: cfg.PollInterval,
		reloadCh:     make(chan struct{}, 1),
	}

	if bus != nil {
		client, err := natsbus.NewClient(bus)
		if err != nil {
			slog.Error("scheduler nats client failed", "error", err)
		} else {
			sched.client = client
		}
	}

	return sched
}

// UpdateConfig replaces the poll interval and signals the run loop to
// reset its ticker.
func (s *Scheduler) UpdateConfig(pollInterval time.Duration) {
	s.pollInterval = pollInterval
	select {
	case s.reloadCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	if s.pollInterval == 0 {
		s.pollInterval = 30 * time.Second
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	slog.Info("scheduler started", "poll_interval", s.pollInterval)

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case <-s.reloadCh:
			ticker.Reset(s.pollInterval)
			slog.Info("scheduler config reloaded", "poll_interval", s.pollInterval)
		case <-ticker.C:
			s.poll()
		}
	}
}

func (s *Scheduler) poll() {
	due, err := s.store.GetDueSchedules(time.Now())
	if err != nil {
		slog.Error("failed to get due schedules", "error", err)
		return
	}

	for _, sched := range due {
		s.trigger(sched)
	}
}

// trigger submits one scheduled run and advances the schedule. The run
// itself executes in the background; last_status records only whether
// submission was accepted.
func (s *Scheduler) trigger(sched store.Schedule) {
	slog.Info("triggering scheduled run", "id", sched.ID, "name", sched.Name)

	lastStatus := "success"
	var lastError string

	var r roster
	if err := json.Unmarshal(sched.Roster, &r); err != nil {
		lastStatus = "error"
		lastError = fmt.Sprintf("decode roster: %v", err)
		slog.Error("schedule roster is invalid", "id", sched.ID, "error", err)
	} else {
		req := &swarm.RunRequest{Task: sched.Task, Agents: r.Agents, Settings: r.Settings}
		handle, err := s.runs.Start(req)
		if err != nil {
			lastStatus = "error"
			lastError = err.Error()
			slog.Error("scheduled run rejected", "id", sched.ID, "error", err)
		} else {
			s.publishTrigger(sched, handle.RunID)
		}
	}

	nextRun := schedule.Next(sched.Schedule, time.Now())
	if err := s.store.UpdateScheduleRun(sched.ID, lastStatus, lastError, nextRun); err != nil {
		slog.Error("failed to update schedule", "id", sched.ID, "error", err)
	}

	// One-shots with no next trigger are marked completed
	if nextRun == nil {
		slog.Info("no next run, completing schedule", "id", sched.ID, "name", sched.Name)
		if err := s.store.UpdateScheduleStatus(sched.ID, "completed"); err != nil {
			slog.Error("failed to complete schedule", "id", sched.ID, "error", err)
		}
	}
}

func (s *Scheduler) publishTrigger(sched store.Schedule, runID string) {
	if s.client == nil {
		return
	}

	event := map[string]any{
		"schedule_id": sched.ID,
		"name":        sched.Name,
		"run_id":      runID,
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	}
	if err := s.client.PublishJSON(natsbus.TopicScheduleTrigger(sched.ID), event); err != nil {
		slog.Error("publish schedule trigger failed", "id", sched.ID, "error", err)
	}
}
