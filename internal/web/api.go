package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/mtzanidakis/sminos/internal/natsbus"
	"github.com/mtzanidakis/sminos/internal/runs"
	"github.com/mtzanidakis/sminos/internal/swarm"
	"github.com/mtzanidakis/sminos/internal/trace"
	"github.com/nats-io/nats.go"
)

const statusRunning = "running"

func (s *Server) registerAPI(mux *http.ServeMux) {
	// Run lifecycle
	mux.HandleFunc("POST /api/run", s.runSync)
	mux.HandleFunc("POST /api/run/start", s.startRun)
	mux.HandleFunc("GET /api/stream/{id}", s.streamRun)
	mux.HandleFunc("GET /api/result/{id}", s.getResult)

	// Run records
	mux.HandleFunc("GET /api/runs", s.listRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.getRun)
	mux.HandleFunc("GET /api/runs/{id}/events", s.listRunEvents)
	mux.HandleFunc("POST /api/runs/{id}/archive", s.archiveRun)
	mux.HandleFunc("DELETE /api/runs/{id}", s.deleteRun)

	// Schedules
	mux.HandleFunc("GET /api/schedules", s.listSchedules)
	mux.HandleFunc("POST /api/schedules", s.createSchedule)
	mux.HandleFunc("GET /api/schedules/{id}", s.getSchedule)
	mux.HandleFunc("PUT /api/schedules/{id}", s.updateSchedule)
	mux.HandleFunc("DELETE /api/schedules/{id}", s.deleteSchedule)

	// Secrets
	mux.HandleFunc("GET /api/secrets", s.listSecrets)
	mux.HandleFunc("POST /api/secrets", s.createSecret)
	mux.HandleFunc("GET /api/secrets/{id}", s.getSecret)
	mux.HandleFunc("PUT /api/secrets/{id}", s.updateSecret)
	mux.HandleFunc("DELETE /api/secrets/{id}", s.deleteSecret)

	// System
	mux.HandleFunc("GET /api/status", s.getStatus)
}

func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	var req swarm.RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := req.Validate(); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	handle, err := s.runs.Start(&req)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, handle)
}

// runSync executes a run inline and answers with the full result in one
// response. Kept for callers that predate the start/stream/result
// split; the connection stays open for the whole run.
func (s *Server) runSync(w http.ResponseWriter, r *http.Request) {
	var req swarm.RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := req.Validate(); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := s.runs.Run(r.Context(), &req)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, res)
}

func (s *Server) getResult(w http.ResponseWriter, r *http.Request) {
	res, err := s.runs.Result(r.PathValue("id"))
	switch {
	case errors.Is(err, runs.ErrNotFound):
		jsonError(w, "run not found", http.StatusNotFound)
	case errors.Is(err, runs.ErrNotReady):
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"detail": "not ready"})
	case err != nil:
		jsonError(w, err.Error(), http.StatusInternalServerError)
	default:
		jsonResponse(w, res)
	}
}

// streamRun replays the stored event stream as SSE and follows new
// events until the summary frame lands. The store is the source of
// truth; NATS only shortens the poll latency, so streams work with the
// bus down.
func (s *Server) streamRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	run, err := s.store.GetRun(id)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if run == nil {
		jsonError(w, "run not found", http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		jsonError(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	wake := make(chan struct{}, 1)
	if s.nats != nil {
		sub, err := s.nats.Subscribe(natsbus.TopicRunEvents(id), func(*nats.Msg) {
			select {
			case wake <- struct{}{}:
			default:
			}
		})
		if err == nil {
			defer sub.Unsubscribe()
		}
	}

	var lastSeq int64
	flush := func() (finished bool, err error) {
		events, err := s.store.RunEventsAfter(id, lastSeq)
		if err != nil {
			return false, err
		}
		for _, ev := range events {
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, ev.Payload)
			lastSeq = ev.Seq
			if ev.Type == string(trace.EventSummary) {
				flusher.Flush()
				return true, nil
			}
		}
		if len(events) > 0 {
			flusher.Flush()
		}
		return false, nil
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		finished, err := flush()
		if err != nil || finished {
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-wake:
		case <-ticker.C:
			// A run that went terminal without a summary frame (daemon
			// crash mid-run) would otherwise hold the stream open forever.
			cur, err := s.store.GetRun(id)
			if err == nil && (cur == nil || cur.Status != statusRunning) {
				flush()
				return
			}
		}
	}
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}
	list, err := s.store.ListRuns(limit)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, list)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if run == nil {
		jsonError(w, "run not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, run)
}

func (s *Server) listRunEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	run, err := s.store.GetRun(id)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if run == nil {
		jsonError(w, "run not found", http.StatusNotFound)
		return
	}

	events, err := s.store.ListRunEvents(id)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, events)
}

func (s *Server) archiveRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	run, err := s.store.GetRun(id)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if run == nil {
		jsonError(w, "run not found", http.StatusNotFound)
		return
	}

	events, err := s.store.ListRunEvents(id)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	path, err := s.archiver.Export(run, events)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "archived", "path": path})
}

func (s *Server) deleteRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	for _, active := range s.runs.Active() {
		if active == id {
			jsonError(w, "run is still executing", http.StatusConflict)
			return
		}
	}
	if err := s.store.DeleteRun(id); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "deleted"})
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	recentRuns, _ := s.store.ListRuns(5)
	schedules, _ := s.store.ListSchedules()

	activeSchedules := 0
	for _, sch := range schedules {
		if sch.Status == "active" {
			activeSchedules++
		}
	}

	recent := make([]map[string]any, 0, len(recentRuns))
	for _, run := range recentRuns {
		recent = append(recent, map[string]any{
			"id":      run.ID,
			"task":    run.Task,
			"status":  run.Status,
			"started": formatEventTime(run.StartedAt),
		})
	}

	natsStatus := "ok"
	if s.nats == nil {
		natsStatus = "off"
	}

	status := map[string]any{
		"status":           "ok",
		"active_runs":      len(s.runs.Active()),
		"active_schedules": activeSchedules,
		"uptime":           formatUptime(time.Since(s.startedAt)),
		"recent_runs":      recent,
		"nats":             natsStatus,
		"timestamp":        time.Now().UTC(),
		"version":          s.version,
	}
	jsonResponse(w, status)
}

func formatEventTime(t time.Time) string {
	local := t.Local()
	now := time.Now()
	if local.Year() == now.Year() && local.YearDay() == now.YearDay() {
		return local.Format("15:04")
	}
	return local.Format("Jan 2 15:04")
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dm", mins)
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
