package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/brigade/internal/config"
	"github.com/ent0n29/brigade/internal/journal"
	"github.com/ent0n29/brigade/internal/observability"
	"github.com/ent0n29/brigade/internal/protocol"
	"github.com/ent0n29/brigade/internal/registry"
	"github.com/ent0n29/brigade/internal/session"
)

const (
	envelopeTimeout    = 30 * time.Second
	defaultOrdersLimit = 50
	maxOrdersLimit     = 1000
)

// Dispatcher routes the envelope each connection opens with.
type Dispatcher interface {
	Route(ctx context.Context, sess session.Session, raw []byte) (protocol.Event, error)
	Disconnect(id string, sess session.Session)
}

// Roster lists the staff currently on duty.
type Roster interface {
	Snapshot() []registry.Entry
}

type Deps struct {
	Sessions   *session.Manager
	Dispatcher Dispatcher
	Roster     Roster
	Journal    journal.Store
	Metrics    *observability.Metrics
	Logger     *zap.Logger
}

type Server struct {
	cfg        config.Config
	sessions   *session.Manager
	dispatcher Dispatcher
	roster     Roster
	journal    journal.Store
	metrics    *observability.Metrics
	logger     *zap.Logger
	upgrader   websocket.Upgrader
}

func New(cfg config.Config, deps Deps) *Server {
	if deps.Sessions == nil {
		deps.Sessions = session.NewManager()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Server{
		cfg:        cfg,
		sessions:   deps.Sessions,
		dispatcher: deps.Dispatcher,
		roster:     deps.Roster,
		journal:    deps.Journal,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Default: only allow browser websocket connections from the same origin.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	if s.cfg.AllowAnyOrigin {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
		}))
	}

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/v1/ws", s.handleWS)
	r.Get("/v1/staff", s.handleListStaff)
	r.Get("/v1/orders", s.handleListOrders)
	r.Get("/v1/connections", s.handleListConnections)
	r.Get("/v1/perf/relays", s.handlePerfRelays)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"journal_mode": s.journalMode(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.dispatcher == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "dispatcher not configured")
		return
	}
	staff := 0
	if s.roster != nil {
		staff = len(s.roster.Snapshot())
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ready",
		"staff":        staff,
		"connections":  s.sessions.ActiveCount(),
		"journal_mode": s.journalMode(),
	})
}

// handleWS serves one participant. The first frame is the routing envelope;
// the connection then lives as long as its role needs it.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.dispatcher == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "dispatcher not configured")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ws := newWSSession(conn, s.metrics)
	s.sessions.Track(ws, r.RemoteAddr)
	defer s.sessions.Forget(ws.ID())
	defer ws.Close()
	log := s.logger.With(zap.String("session_id", ws.ID()))

	envCtx, cancel := context.WithTimeout(context.Background(), envelopeTimeout)
	raw, err := ws.Receive(envCtx)
	cancel()
	if err != nil {
		log.Debug("no routing envelope", zap.Error(err))
		return
	}

	ev, err := s.dispatcher.Route(context.Background(), ws, raw)
	if err != nil {
		// The error reply has already been written.
		return
	}

	switch e := ev.(type) {
	case protocol.StaffOnDuty:
		s.sessions.SetRole(ws.ID(), session.RoleStaff)
		<-ws.Done()
		s.dispatcher.Disconnect(e.ID, ws)
	case protocol.Order:
		s.sessions.SetRole(ws.ID(), session.RoleCustomer)
		<-ws.Done()
	}
}

func (s *Server) handleListStaff(w http.ResponseWriter, _ *http.Request) {
	entries := []registry.Entry{}
	if s.roster != nil {
		entries = s.roster.Snapshot()
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"count": len(entries),
		"staff": entries,
	})
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	limit := defaultOrdersLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = min(n, maxOrdersLimit)
	}
	if s.journal == nil {
		respondJSON(w, http.StatusOK, map[string]any{"orders": []journal.Record{}})
		return
	}
	records, err := s.journal.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Warn("journal read failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "journal_unavailable", err.Error())
		return
	}
	if records == nil {
		records = []journal.Record{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"orders": records})
}

func (s *Server) handleListConnections(w http.ResponseWriter, _ *http.Request) {
	conns := s.sessions.List()
	respondJSON(w, http.StatusOK, map[string]any{
		"count":       len(conns),
		"connections": conns,
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func (s *Server) journalMode() string {
	if s.journal == nil {
		return "disabled"
	}
	return s.journal.Mode()
}
