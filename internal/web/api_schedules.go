package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/sminos/internal/schedule"
	"github.com/mtzanidakis/sminos/internal/store"
	"github.com/mtzanidakis/sminos/internal/swarm"
)

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListSchedules()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	out := make([]map[string]any, 0, len(list))
	for _, sch := range list {
		out = append(out, scheduleToAPI(sch))
	}
	jsonResponse(w, out)
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	sch, err := s.store.GetSchedule(r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if sch == nil {
		jsonError(w, "schedule not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, scheduleToAPI(*sch))
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name     string          `json:"name"`
		Schedule string          `json:"schedule"`
		Task     string          `json:"task"`
		Roster   json.RawMessage `json:"roster"`
		Enabled  *bool           `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Name == "" || body.Schedule == "" || body.Task == "" || len(body.Roster) == 0 {
		jsonError(w, "name, schedule, task, and roster are required", http.StatusBadRequest)
		return
	}

	spec, err := schedule.Parse(body.Schedule)
	if err != nil {
		jsonError(w, fmt.Sprintf("invalid schedule: %v", err), http.StatusBadRequest)
		return
	}
	if err := validateRoster(body.Task, body.Roster); err != nil {
		jsonError(w, fmt.Sprintf("invalid roster: %v", err), http.StatusBadRequest)
		return
	}

	status := "active"
	if body.Enabled != nil && !*body.Enabled {
		status = "paused"
	}

	sch := store.Schedule{
		ID:       uuid.New().String(),
		Name:     body.Name,
		Schedule: spec.String(),
		Task:     body.Task,
		Roster:   body.Roster,
		Status:   status,
	}
	if status == "active" {
		sch.NextRunAt = spec.Next(time.Now())
	}

	if err := s.store.SaveSchedule(&sch); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.scheduleChanged()
	jsonResponse(w, scheduleToAPI(sch))
}

func (s *Server) updateSchedule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	existing, err := s.store.GetSchedule(id)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if existing == nil {
		jsonError(w, "schedule not found", http.StatusNotFound)
		return
	}

	var body struct {
		Name     *string         `json:"name"`
		Schedule *string         `json:"schedule"`
		Task     *string         `json:"task"`
		Roster   json.RawMessage `json:"roster"`
		Enabled  *bool           `json:"enabled"`
		Status   *string         `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if body.Name != nil {
		existing.Name = *body.Name
	}
	if body.Task != nil {
		existing.Task = *body.Task
	}
	if len(body.Roster) > 0 {
		existing.Roster = body.Roster
	}

	// Handle enabled bool → status mapping
	if body.Enabled != nil {
		if *body.Enabled {
			existing.Status = "active"
		} else if existing.Status != "completed" {
			existing.Status = "paused"
		}
	} else if body.Status != nil {
		existing.Status = *body.Status
	}

	if body.Schedule != nil {
		spec, err := schedule.Parse(*body.Schedule)
		if err != nil {
			jsonError(w, fmt.Sprintf("invalid schedule: %v", err), http.StatusBadRequest)
			return
		}
		existing.Schedule = spec.String()
	}
	if err := validateRoster(existing.Task, existing.Roster); err != nil {
		jsonError(w, fmt.Sprintf("invalid roster: %v", err), http.StatusBadRequest)
		return
	}

	// Recalculate next_run_at
	if existing.Status == "active" {
		existing.NextRunAt = schedule.Next(existing.Schedule, time.Now())
	} else {
		existing.NextRunAt = nil
	}

	if err := s.store.SaveSchedule(existing); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.scheduleChanged()
	jsonResponse(w, scheduleToAPI(*existing))
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteSchedule(r.PathValue("id")); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "deleted"})
}

// scheduleChanged nudges dashboard clients to refetch; the scheduler
// itself notices on its next poll.
func (s *Server) scheduleChanged() {
	s.hub.Broadcast(Event{Type: "schedule.changed", Payload: json.RawMessage(`{}`)})
}

// validateRoster checks that the stored roster would produce a valid
// run request when the schedule fires.
func validateRoster(task string, roster json.RawMessage) error {
	var ro struct {
		Agents   []swarm.AgentSpec `json:"agents"`
		Settings swarm.Settings    `json:"settings"`
	}
	if err := json.Unmarshal(roster, &ro); err != nil {
		return err
	}
	req := swarm.RunRequest{Task: task, Agents: ro.Agents, Settings: ro.Settings}
	return req.Validate()
}

func scheduleToAPI(sch store.Schedule) map[string]any {
	m := map[string]any{
		"id":       sch.ID,
		"name":     sch.Name,
		"schedule": sch.Schedule,
		"task":     sch.Task,
		"roster":   sch.Roster,
		"enabled":  sch.Status == "active",
		"status":   sch.Status,
	}
	if spec, err := schedule.Parse(sch.Schedule); err == nil {
		m["schedule_display"] = spec.Describe()
	}
	if sch.LastStatus != "" {
		m["last_status"] = sch.LastStatus
	}
	if sch.LastError != "" {
		m["last_error"] = sch.LastError
	}
	if sch.LastRunAt != nil {
		m["last_run"] = formatEventTime(*sch.LastRunAt)
	}
	if sch.NextRunAt != nil {
		m["next_run"] = formatEventTime(*sch.NextRunAt)
	}
	return m
}
