package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/joescharf/qadesk/internal/engine"
	"github.com/joescharf/qadesk/internal/models"
	"github.com/joescharf/qadesk/internal/store"
)

// PassRunner executes sync passes on demand.
type PassRunner interface {
	Run(ctx context.Context, pass models.Pass) (*models.Run, error)
	Enabled(pass models.Pass) bool
}

// Server provides the admin REST API handlers.
type Server struct {
	runs     store.RunLog
	helpdesk store.Helpdesk
	runner   PassRunner
	metrics  http.Handler
	log      zerolog.Logger
}

// NewServer creates a new API server. metrics may be nil.
func NewServer(runs store.RunLog, helpdesk store.Helpdesk, runner PassRunner, metrics http.Handler, log zerolog.Logger) *Server {
	return &Server{
		runs:     runs,
		helpdesk: helpdesk,
		runner:   runner,
		metrics:  metrics,
		log:      log.With().Str("component", "api").Logger(),
	}
}

// Router returns an http.Handler for the API routes.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.healthz)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	mux.HandleFunc("GET /api/v1/runs", s.listRuns)
	mux.HandleFunc("POST /api/v1/passes/{name}", s.runPass)
	mux.HandleFunc("GET /api/v1/tickets/{externalID}", s.getTicket)

	return s.logRequests(mux)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.log.Debug().Str("method", r.Method).Str("path", r.URL.Path).Msg("request")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Runs ---

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	pass := models.Pass(r.URL.Query().Get("pass"))
	if pass != "" && !slices.Contains(models.Passes, pass) {
		writeError(w, http.StatusBadRequest, "unknown pass: "+string(pass))
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	runs, err := s.runs.ListRuns(r.Context(), pass, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []*models.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// --- Passes ---

func (s *Server) runPass(w http.ResponseWriter, r *http.Request) {
	pass := models.Pass(r.PathValue("name"))
	if !slices.Contains(models.Passes, pass) {
		writeError(w, http.StatusNotFound, "unknown pass: "+string(pass))
		return
	}
	if !s.runner.Enabled(pass) {
		writeError(w, http.StatusConflict, string(pass)+" pass is not configured")
		return
	}

	// A disconnecting client must not abort a half-finished pass.
	run, err := s.runner.Run(context.WithoutCancel(r.Context()), pass)
	if err != nil {
		if errors.Is(err, engine.ErrDisabled) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		if run != nil {
			writeJSON(w, http.StatusInternalServerError, run)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// --- Tickets ---

func (s *Server) getTicket(w http.ResponseWriter, r *http.Request) {
	externalID := r.PathValue("externalID")
	t, err := s.helpdesk.FindTicketByExternalID(r.Context(), externalID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, t)
}
