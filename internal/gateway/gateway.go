// Package gateway exposes the action engine over HTTP: submission and
// inspection endpoints plus a websocket event stream.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/actiond/internal/actions"
	"github.com/basket/actiond/internal/bus"
	actelemetry "github.com/basket/actiond/internal/otel"
	"github.com/basket/actiond/internal/persistence"
)

// Config holds the dependencies for the gateway server.
type Config struct {
	Store    *persistence.Store
	Registry *actions.Registry
	Bus      *bus.Bus
	Logger   *slog.Logger
	Metrics  *actelemetry.Metrics

	// AuthToken, when set, is required as a bearer token on every endpoint
	// except /healthz. Empty means no auth: the daemon binds loopback by
	// default and embedding deployments front it themselves.
	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser websocket
	// connections. Empty list means same-origin only.
	AllowOrigins []string

	// ConfigFingerprint is the hash of the active config exposed in /healthz.
	ConfigFingerprint string
}

// Server is the HTTP gateway.
type Server struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a gateway server.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: logger}
}

// Handler returns the route mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/events", s.handleEvents)
	mux.HandleFunc("/action", s.instrument("submit", s.handleSubmit))
	mux.HandleFunc("/action/", s.instrument("get", s.handleActionByID))
	mux.HandleFunc("/actions/queue", s.instrument("queue", s.handleQueue))
	mux.HandleFunc("/actions/finished", s.instrument("finished", s.handleFinished))
	mux.HandleFunc("/schedules", s.instrument("schedules", s.handleSchedules))
	mux.HandleFunc("/kinds", s.instrument("kinds", s.handleKinds))
	return mux
}

func (s *Server) instrument(name string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		h(w, r)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RequestDuration.Record(r.Context(), time.Since(start).Seconds(),
				metric.WithAttributes(actelemetry.AttrOutcome.String(name)))
		}
	}
}

// authorize checks the bearer token. Constant-time comparison so the token
// cannot be probed byte by byte.
func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) == 1
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	dbOK := true
	var backlog int64
	if count, err := s.cfg.Store.CountDue(ctx, time.Now()); err != nil {
		dbOK = false
	} else {
		backlog = count
	}

	payload := map[string]any{
		"healthy":            dbOK,
		"db_ok":              dbOK,
		"due_backlog":        backlog,
		"config_fingerprint": s.cfg.ConfigFingerprint,
	}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// submitRequest is the body of POST /action.
type submitRequest struct {
	ID            string          `json:"id,omitempty"`
	Kind          string          `json:"kind"`
	Args          json.RawMessage `json:"args,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	CreatedTime   *time.Time      `json:"created_time,omitempty"`
	ScheduledTime *time.Time      `json:"scheduled_time,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("decode request: %s", err))
		return
	}
	if req.Kind == "" {
		s.writeError(w, http.StatusBadRequest, "kind is required")
		return
	}
	if _, ok := s.cfg.Registry.Lookup(req.Kind); !ok {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown action kind %q", req.Kind))
		return
	}
	if err := s.cfg.Registry.ValidateArgs(req.Kind, req.Args); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	now := time.Now().UTC()
	created := now
	if req.CreatedTime != nil {
		// Client-supplied creation times must already be UTC; anything else
		// makes audit timelines ambiguous.
		if req.CreatedTime.Location() != time.UTC {
			s.writeError(w, http.StatusBadRequest, "created_time must be UTC")
			return
		}
		created = *req.CreatedTime
	}
	scheduled := now
	if req.ScheduledTime != nil {
		scheduled = req.ScheduledTime.UTC()
	}
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}

	record := persistence.NewActionRecord(id, req.Kind, req.Args, req.Metadata, created, scheduled)
	if err := s.cfg.Store.InsertAction(r.Context(), record); err != nil {
		if errors.Is(err, persistence.ErrDuplicateID) {
			s.writeError(w, http.StatusConflict, fmt.Sprintf("action %q already exists", id))
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ActionsSubmitted.Add(r.Context(), 1,
			metric.WithAttributes(actelemetry.AttrActionKind.String(req.Kind)))
	}
	s.logger.Info("action submitted", "action_id", id, "kind", req.Kind, "scheduled_time", scheduled)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(record)
}

func (s *Server) handleActionByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/action/")
	if id == "" || strings.Contains(id, "/") {
		s.writeError(w, http.StatusBadRequest, "action id required")
		return
	}

	record, err := s.cfg.Store.GetAction(r.Context(), id)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, fmt.Sprintf("action %q not found", id))
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(record)
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	s.handleListing(w, r, s.cfg.Store.ListQueue)
}

func (s *Server) handleFinished(w http.ResponseWriter, r *http.Request) {
	s.handleListing(w, r, s.cfg.Store.ListFinished)
}

func (s *Server) handleListing(w http.ResponseWriter, r *http.Request, list func(context.Context, int) ([]persistence.ActionSummary, error)) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	summaries, err := list(r.Context(), limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if summaries == nil {
		summaries = []persistence.ActionSummary{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"actions": summaries})
}

func (s *Server) handleSchedules(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	schedules, err := s.cfg.Store.ListSchedules(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if schedules == nil {
		schedules = []persistence.Schedule{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"schedules": schedules})
}

func (s *Server) handleKinds(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"kinds": s.cfg.Registry.Kinds()})
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
