package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mtzanidakis/sminos/internal/archive"
	"github.com/mtzanidakis/sminos/internal/config"
	"github.com/mtzanidakis/sminos/internal/natsbus"
	"github.com/mtzanidakis/sminos/internal/runs"
	"github.com/mtzanidakis/sminos/internal/store"
	"github.com/mtzanidakis/sminos/internal/vault"
	"github.com/nats-io/nats.go"
)

// Server exposes the HTTP API: run submission, per-run SSE streams,
// result polling, schedules, secrets, and a WebSocket firehose for
// dashboards.
type Server struct {
	store     *store.Store
	bus       *natsbus.Bus
	nats      *natsbus.Client
	runs      *runs.Manager
	vault     *vault.Vault
	archiver  *archive.Archiver
	hub       *Hub
	cfg       config.WebConfig
	version   string
	startedAt time.Time

	authMu sync.RWMutex
	auth   string
}

// NewServer wires the API against its backends. vault may be nil, which
// disables the secrets endpoints.
func NewServer(s *store.Store, bus *natsbus.Bus, mgr *runs.Manager, v *vault.Vault, arch *archive.Archiver, cfg config.WebConfig, version string) *Server {
	return &Server{
		store:     s,
		bus:       bus,
		runs:      mgr,
		vault:     v,
		archiver:  arch,
		hub:       NewHub(),
		cfg:       cfg,
		version:   version,
		startedAt: time.Now(),
		auth:      cfg.Auth,
	}
}

// SetAuth swaps the API password, for config reloads. An empty value
// disables auth.
func (s *Server) SetAuth(password string) {
	s.authMu.Lock()
	s.auth = password
	s.authMu.Unlock()
}

func (s *Server) authPassword() string {
	s.authMu.RLock()
	defer s.authMu.RUnlock()
	return s.auth
}

func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)

	// Subscribe to NATS events and broadcast to WebSocket
	s.subscribeEvents()

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	server := &http.Server{Addr: addr, Handler: s.handler()}

	go func() {
		<-ctx.Done()
		server.Close()
	}()

	slog.Info("web server listening", "addr", addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) handler() http.Handler {
	mux := http.NewServeMux()
	s.registerAPI(mux)

	// WebSocket
	mux.HandleFunc("/api/ws", s.handleWebSocket)

	return s.withMiddleware(mux)
}

func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// CORS
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		if strings.HasPrefix(r.URL.Path, "/api/") && s.authPassword() != "" {
			if !s.checkAuth(w, r) {
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

// checkAuth validates Basic Auth. The username is ignored; only the
// password has to match.
func (s *Server) checkAuth(w http.ResponseWriter, r *http.Request) bool {
	if _, pass, ok := r.BasicAuth(); ok && pass == s.authPassword() {
		return true
	}
	w.Header().Set("WWW-Authenticate", `Basic realm="sminos"`)
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
	return false
}

func (s *Server) subscribeEvents() {
	if s.bus == nil {
		return
	}
	client, err := natsbus.NewClient(s.bus)
	if err != nil {
		slog.Error("web server nats client failed", "error", err)
		return
	}
	s.nats = client

	// Forward run and schedule topics to the hub as raw JSON
	for _, topic := range []string{natsbus.TopicRunsAll, natsbus.TopicSchedulesAll} {
		_, _ = client.Subscribe(topic, func(msg *nats.Msg) {
			s.hub.Broadcast(Event{Type: subjectKind(msg.Subject), Payload: json.RawMessage(msg.Data)})
		})
	}
}

// subjectKind collapses "run.<id>.events" to "run.events" so hub
// consumers can switch on a stable type.
func subjectKind(subject string) string {
	parts := strings.Split(subject, ".")
	if len(parts) < 3 {
		return subject
	}
	return parts[0] + "." + parts[len(parts)-1]
}
