package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"query-orchestrator/internal/models"
	"query-orchestrator/internal/service"
	"query-orchestrator/internal/telemetry"
)

// Limiter throttles create requests per principal.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// Server wires HTTP handlers for the orchestrator's collaborator operations.
type Server struct {
	svc     *service.Service
	limiter Limiter
	logger  *zap.Logger
}

// New constructs the API server. limiter may be nil.
func New(svc *service.Service, limiter Limiter, logger *zap.Logger) *Server {
	return &Server{svc: svc, limiter: limiter, logger: logger.Named("api")}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		r.Use(requirePrincipal)

		r.Put("/credentials", s.handleOnboard)
		r.Put("/warehouse", s.handleSetWarehouse)
		r.Get("/warehouse", s.handleGetWarehouse)
		r.Post("/warehouse/test", s.handleTestWarehouse)

		r.With(s.rateLimit).Post("/schedules", s.handleCreateSchedule)
		r.Get("/schedules", s.handleListSchedules)
		r.Get("/schedules/{id}", s.handleGetSchedule)
		r.Post("/schedules/{id}/pause", s.handlePauseSchedule)
		r.Post("/schedules/{id}/resume", s.handleResumeSchedule)

		r.With(s.rateLimit).Post("/executions", s.handleSubmitAdhoc)
		r.Get("/executions", s.handleListExecutions)
		r.Get("/executions/{id}", s.handleGetExecution)
		r.Post("/executions/{id}/cancel", s.handleCancelExecution)
		r.Get("/executions/{id}/sync", s.handleGetSync)
		r.Post("/executions/{id}/sync/retry", s.handleRetrySync)

		r.With(s.rateLimit).Post("/backfills", s.handleCreateBackfill)
		r.Get("/backfills", s.handleListBackfills)
		r.Get("/backfills/{id}", s.handleGetBackfill)
		r.Get("/backfills/{id}/segments", s.handleListSegments)
		r.Post("/backfills/{id}/pause", s.handlePauseBackfill)
		r.Post("/backfills/{id}/resume", s.handleResumeBackfill)
		r.Post("/backfills/{id}/retry", s.handleRetrySegments)
	})
	return r
}

type principalKey struct{}

func requirePrincipal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := r.Header.Get("X-Principal-ID")
		if p == "" {
			writeError(w, http.StatusBadRequest, "X-Principal-ID header is required")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
	})
}

func principal(r *http.Request) string {
	p, _ := r.Context().Value(principalKey{}).(string)
	return p
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil {
			allowed, _, err := s.limiter.Allow(r.Context(), principal(r))
			if err != nil {
				s.logger.Error("rate limiter", zap.Error(err))
				writeError(w, http.StatusInternalServerError, "rate limit error")
				return
			}
			if !allowed {
				telemetry.RateLimitRejects.Inc()
				writeError(w, http.StatusTooManyRequests, "rate limited")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// --- principals ---

type onboardRequest struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

func (s *Server) handleOnboard(w http.ResponseWriter, r *http.Request) {
	var req onboardRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.svc.OnboardPrincipal(r.Context(), principal(r), req.AccessToken, req.RefreshToken, req.ExpiresAt); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetWarehouse(w http.ResponseWriter, r *http.Request) {
	var cfg models.WarehouseConfig
	if !decode(w, r, &cfg) {
		return
	}
	cfg.PrincipalID = principal(r)
	out, err := s.svc.SetWarehouseConfig(r.Context(), cfg)
	s.respond(w, http.StatusOK, out, err)
}

func (s *Server) handleGetWarehouse(w http.ResponseWriter, r *http.Request) {
	out, err := s.svc.GetWarehouseConfig(r.Context(), principal(r))
	s.respond(w, http.StatusOK, out, err)
}

func (s *Server) handleTestWarehouse(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.TestWarehouseConnection(r.Context(), principal(r)); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// --- schedules ---

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req service.ScheduleRequest
	if !decode(w, r, &req) {
		return
	}
	job, err := s.svc.CreateScheduledJob(r.Context(), principal(r), req)
	s.respond(w, http.StatusCreated, job, err)
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.svc.ListScheduledJobs(r.Context(), principal(r))
	s.respond(w, http.StatusOK, map[string]any{"items": jobs}, err)
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.GetScheduledJob(r.Context(), principal(r), chi.URLParam(r, "id"))
	s.respond(w, http.StatusOK, job, err)
}

func (s *Server) handlePauseSchedule(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.PauseSchedule(r.Context(), principal(r), chi.URLParam(r, "id"))
	s.respond(w, http.StatusOK, job, err)
}

func (s *Server) handleResumeSchedule(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.ResumeSchedule(r.Context(), principal(r), chi.URLParam(r, "id"))
	s.respond(w, http.StatusOK, job, err)
}

// --- executions ---

func (s *Server) handleSubmitAdhoc(w http.ResponseWriter, r *http.Request) {
	var req service.AdhocRequest
	if !decode(w, r, &req) {
		return
	}
	e, err := s.svc.SubmitAdhoc(r.Context(), principal(r), req)
	s.respond(w, http.StatusAccepted, e, err)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := models.ExecutionFilter{
		ScheduledJobID: q.Get("schedule_id"),
		Status:         models.ExecutionStatus(q.Get("status")),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = n
	}
	if f.Status != "" && !f.Status.Valid() {
		writeError(w, http.StatusBadRequest, "invalid status")
		return
	}
	execs, err := s.svc.ListExecutions(r.Context(), principal(r), f)
	s.respond(w, http.StatusOK, map[string]any{"items": execs}, err)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	e, err := s.svc.GetExecution(r.Context(), principal(r), chi.URLParam(r, "id"))
	s.respond(w, http.StatusOK, e, err)
}

func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	e, err := s.svc.CancelExecution(r.Context(), principal(r), chi.URLParam(r, "id"))
	s.respond(w, http.StatusOK, e, err)
}

func (s *Server) handleGetSync(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.GetSyncState(r.Context(), principal(r), chi.URLParam(r, "id"))
	s.respond(w, http.StatusOK, st, err)
}

func (s *Server) handleRetrySync(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.RetrySync(r.Context(), principal(r), chi.URLParam(r, "id"))
	s.respond(w, http.StatusAccepted, st, err)
}

// --- backfills ---

func (s *Server) handleCreateBackfill(w http.ResponseWriter, r *http.Request) {
	var req service.BackfillRequest
	if !decode(w, r, &req) {
		return
	}
	run, err := s.svc.CreateBackfill(r.Context(), principal(r), req)
	s.respond(w, http.StatusCreated, run, err)
}

func (s *Server) handleListBackfills(w http.ResponseWriter, r *http.Request) {
	runs, err := s.svc.ListBackfills(r.Context(), principal(r))
	s.respond(w, http.StatusOK, map[string]any{"items": runs}, err)
}

func (s *Server) handleGetBackfill(w http.ResponseWriter, r *http.Request) {
	run, err := s.svc.GetBackfill(r.Context(), principal(r), chi.URLParam(r, "id"))
	s.respond(w, http.StatusOK, run, err)
}

func (s *Server) handleListSegments(w http.ResponseWriter, r *http.Request) {
	segs, err := s.svc.ListSegments(r.Context(), principal(r), chi.URLParam(r, "id"))
	s.respond(w, http.StatusOK, map[string]any{"items": segs}, err)
}

func (s *Server) handlePauseBackfill(w http.ResponseWriter, r *http.Request) {
	run, err := s.svc.PauseBackfill(r.Context(), principal(r), chi.URLParam(r, "id"))
	s.respond(w, http.StatusOK, run, err)
}

func (s *Server) handleResumeBackfill(w http.ResponseWriter, r *http.Request) {
	run, err := s.svc.ResumeBackfill(r.Context(), principal(r), chi.URLParam(r, "id"))
	s.respond(w, http.StatusOK, run, err)
}

func (s *Server) handleRetrySegments(w http.ResponseWriter, r *http.Request) {
	run, err := s.svc.RetryFailedSegments(r.Context(), principal(r), chi.URLParam(r, "id"))
	s.respond(w, http.StatusOK, run, err)
}

// --- helpers ---

func (s *Server) respond(w http.ResponseWriter, code int, payload any, err error) {
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, code, payload)
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}
	writeError(w, code, err.Error())
}

func statusFor(err error) int {
	switch {
	case models.IsNotFound(err):
		return http.StatusNotFound
	case models.IsValidation(err):
		return http.StatusBadRequest
	case models.IsConflict(err):
		return http.StatusConflict
	case models.IsPermanentCredential(err):
		return http.StatusUnauthorized
	case models.IsConfiguration(err):
		return http.StatusUnprocessableEntity
	case models.IsTransient(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var syntax *json.SyntaxError
		msg := "invalid json"
		if errors.As(err, &syntax) {
			msg = "invalid json at offset " + strconv.FormatInt(syntax.Offset, 10)
		}
		writeError(w, http.StatusBadRequest, msg)
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
