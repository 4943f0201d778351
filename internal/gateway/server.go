// Package gateway is Kilo Guardian's single external HTTP entry point
// (spec §4.9). Every other component is an in-process Go value wired in
// at construction; the gateway is the only thing in the system that
// speaks HTTP to the outside world. It owns routing, admin-token auth,
// per-backend timeouts, and the error-kind-to-status-code mapping.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kiloguardian/kiloguardian/internal/adherence"
	"github.com/kiloguardian/kiloguardian/internal/admin"
	"github.com/kiloguardian/kiloguardian/internal/buildinfo"
	"github.com/kiloguardian/kiloguardian/internal/coaching"
	"github.com/kiloguardian/kiloguardian/internal/eventbus"
	"github.com/kiloguardian/kiloguardian/internal/habit"
	"github.com/kiloguardian/kiloguardian/internal/kgerrors"
	"github.com/kiloguardian/kiloguardian/internal/medication"
	"github.com/kiloguardian/kiloguardian/internal/reminder"
)

// writeJSON encodes v as JSON to w, logging any encode failure at debug
// level — typically a client that disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Config tunes the gateway's HTTP surface (spec §4.9, §6).
type Config struct {
	Address             string
	Port                int
	BackendTimeout      time.Duration // per-request default, wraps every backend call
	StatusFanoutTimeout time.Duration // per-backend budget for /admin/status
}

func (c Config) withDefaults() Config {
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.BackendTimeout <= 0 {
		c.BackendTimeout = 30 * time.Second
	}
	if c.StatusFanoutTimeout <= 0 {
		c.StatusFanoutTimeout = 2 * time.Second
	}
	return c
}

// Server is the gateway's HTTP server. Every field besides cfg/logger/
// server is an in-process collaborator reached by direct method call,
// never by a real network hop (spec §9, "Dynamic dispatch via HTTP in a
// single process" resolved in favor of in-process interfaces).
type Server struct {
	cfg Config

	meds       *medication.Registry
	extractor  *medication.Extractor
	reminders  *reminder.Store
	coordinator *adherence.Coordinator
	events     *adherence.EventStore
	habits     *habit.Store
	coach      *coaching.Engine
	tokens     *admin.Store
	bus        *eventbus.Bus

	logger *slog.Logger
	server *http.Server
}

// Deps bundles every in-process collaborator the gateway routes to.
type Deps struct {
	Medications *medication.Registry
	Extractor   *medication.Extractor
	Reminders   *reminder.Store
	Coordinator *adherence.Coordinator
	Events      *adherence.EventStore
	Habits      *habit.Store
	Coaching    *coaching.Engine
	Tokens      *admin.Store
	Bus         *eventbus.Bus
}

// NewServer constructs a gateway Server. Start it with Start once every
// dependency has been wired and, where relevant, already started.
func NewServer(cfg Config, deps Deps, logger *slog.Logger) *Server {
	return &Server{
		cfg:         cfg.withDefaults(),
		meds:        deps.Medications,
		extractor:   deps.Extractor,
		reminders:   deps.Reminders,
		coordinator: deps.Coordinator,
		events:      deps.Events,
		habits:      deps.Habits,
		coach:       deps.Coaching,
		tokens:      deps.Tokens,
		bus:         deps.Bus,
		logger:      logger,
	}
}

// Start builds the route table and begins serving HTTP requests. It
// blocks until the server stops (ListenAndServe's contract); call
// Shutdown from another goroutine to stop it gracefully.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	route(mux, "GET /health", s.handleHealth)
	route(mux, "GET /version", s.handleVersion)

	route(mux, "GET /meds", s.requireScope(admin.ScopeRead, s.handleListMeds))
	route(mux, "POST /meds", s.requireScope(admin.ScopeWrite, s.handleCreateMed))
	route(mux, "PUT /meds/{id}", s.requireScope(admin.ScopeWrite, s.handleUpdateMed))
	route(mux, "DELETE /meds/{id}", s.requireScope(admin.ScopeWrite, s.handleDeleteMed))
	route(mux, "POST /meds/{id}/take", s.requireScope(admin.ScopeWrite, s.handleTakeMed))
	route(mux, "POST /meds/extract", s.requireScope(admin.ScopeWrite, s.handleExtractMed))
	route(mux, "GET /meds/{id}/adherence", s.requireScope(admin.ScopeRead, s.handleMedAdherence))
	route(mux, "GET /meds/{id}/patterns", s.requireScope(admin.ScopeRead, s.handleMedPatterns))

	route(mux, "GET /reminders", s.requireScope(admin.ScopeRead, s.handleListReminders))
	route(mux, "POST /reminders", s.requireScope(admin.ScopeWrite, s.handleCreateReminder))
	route(mux, "DELETE /reminders/{id}", s.requireScope(admin.ScopeWrite, s.handleDeleteReminder))
	route(mux, "POST /reminders/{id}/confirm", s.requireScope(admin.ScopeWrite, s.handleConfirmReminder))
	route(mux, "POST /reminders/{id}/snooze", s.requireScope(admin.ScopeWrite, s.handleSnoozeReminder))

	route(mux, "GET /habits", s.requireScope(admin.ScopeRead, s.handleListHabits))
	route(mux, "POST /habits", s.requireScope(admin.ScopeWrite, s.handleCreateHabit))
	route(mux, "PUT /habits/{id}", s.requireScope(admin.ScopeWrite, s.handleUpdateHabit))
	route(mux, "DELETE /habits/{id}", s.requireScope(admin.ScopeWrite, s.handleDeleteHabit))
	route(mux, "POST /habits/complete/{id}", s.requireScope(admin.ScopeWrite, s.handleCompleteHabit))
	route(mux, "GET /habits/{id}/streak", s.requireScope(admin.ScopeRead, s.handleHabitStreak))

	route(mux, "GET /coaching/messages", s.requireScope(admin.ScopeRead, s.handleCoachingMessages))
	route(mux, "POST /coaching/feedback", s.requireScope(admin.ScopeWrite, s.handleCoachingFeedback))

	route(mux, "GET /admin/status", s.handleAdminStatus)
	route(mux, "POST /admin/tokens", s.requireScope(admin.ScopeWrite, s.handleIssueToken))
	route(mux, "GET /admin/tokens", s.requireScope(admin.ScopeRead, s.handleListTokens))
	route(mux, "POST /admin/tokens/{id}/revoke", s.requireScope(admin.ScopeWrite, s.handleRevokeToken))
	route(mux, "POST /admin/validate", s.handleValidateToken)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Address, s.cfg.Port),
		Handler:      s.withLogging(s.withTimeout(mux)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	addr := s.cfg.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting gateway", "address", addr, "port", s.cfg.Port)
	return s.server.ListenAndServe()
}

// route registers pattern (a Go 1.22 ServeMux "METHOD /path" pattern)
// both under the versioned /v1 prefix and, unprefixed, for backward
// compatibility (spec §6, "versioned at /v1; legacy unversioned paths
// accepted for compatibility").
func route(mux *http.ServeMux, pattern string, handler http.HandlerFunc) {
	method, path, ok := strings.Cut(pattern, " ")
	if !ok {
		mux.HandleFunc("/v1"+pattern, handler)
		mux.HandleFunc(pattern, handler)
		return
	}
	mux.HandleFunc(method+" /v1"+path, handler)
	mux.HandleFunc(pattern, handler)
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// withTimeout bounds every request's context at the configured backend
// timeout (spec §4.9, "a 30s default per-backend timeout"). A handler
// that observes context.DeadlineExceeded from a collaborator call
// should return kgerrors.Upstream so errorResponse maps it to 504 with
// a correlation id.
func (s *Server) withTimeout(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.BackendTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// handleHealth reports the gateway's own liveness. /admin/status is the
// richer, unauthenticated fan-out over every backend.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, buildinfo.RuntimeInfo(), s.logger)
}

// errorResponse maps err onto an HTTP status per the kgerrors taxonomy
// (spec §7) and writes a structured error body. A 504 gets a
// correlation id so the operator can find the matching log line.
func (s *Server) errorResponse(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validation  kgerrors.Validation
		notFound    kgerrors.NotFound
		conflict    kgerrors.Conflict
		upstream    kgerrors.Upstream
		persistence kgerrors.Persistence
	)

	status := http.StatusInternalServerError
	errType := "internal_error"
	correlationID := ""

	switch {
	case errors.As(err, &validation):
		status, errType = http.StatusBadRequest, "validation_error"
	case errors.As(err, &notFound):
		status, errType = http.StatusNotFound, "not_found"
	case errors.As(err, &conflict):
		status, errType = http.StatusConflict, "conflict"
	case errors.As(err, &upstream):
		errType = "upstream_error"
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(upstream.Cause, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
			correlationID = uuid.NewString()
		} else {
			status = http.StatusBadGateway
		}
	case errors.As(err, &persistence):
		status, errType = http.StatusInternalServerError, "persistence_error"
	case errors.Is(err, context.DeadlineExceeded):
		status, errType = http.StatusGatewayTimeout, "timeout"
		correlationID = uuid.NewString()
	case errors.Is(err, admin.ErrInvalidToken):
		status, errType = http.StatusUnauthorized, "unauthorized"
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err, "correlation_id", correlationID)
	} else {
		s.logger.Warn("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}

	body := map[string]any{
		"error": map[string]any{
			"message": err.Error(),
			"type":    errType,
			"code":    status,
		},
	}
	if correlationID != "" {
		body["error"].(map[string]any)["correlation_id"] = correlationID
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	writeJSON(w, body, s.logger)
}

func (s *Server) badRequest(w http.ResponseWriter, r *http.Request, field, reason string) {
	s.errorResponse(w, r, kgerrors.Validation{Field: field, Reason: reason})
}
