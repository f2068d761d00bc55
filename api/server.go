// Package api exposes the run coordinator over HTTP: trigger, cancel,
// retry and read-only run queries.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"focus-pipeline/internal/pipeline"
	"focus-pipeline/internal/storage"
	pkgapi "focus-pipeline/pkg/api"
	perrors "focus-pipeline/pkg/errors"
)

// Server routes HTTP requests onto the coordinator.
type Server struct {
	coordinator *pipeline.Coordinator
	providers   storage.ProviderStore
	log         zerolog.Logger
}

// NewServer builds the HTTP layer.
func NewServer(coordinator *pipeline.Coordinator, providers storage.ProviderStore, log zerolog.Logger) *Server {
	return &Server{
		coordinator: coordinator,
		providers:   providers,
		log:         log.With().Str("component", "api").Logger(),
	}
}

// Router assembles the chi routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/sync/trigger", s.handleTrigger)
		r.Post("/sync/runs/{runID}/cancel", s.handleCancel)
		r.Post("/sync/runs/{runID}/retry", s.handleRetry)
		r.Get("/sync/runs/{runID}", s.handleGetRun)
		r.Get("/sync/runs", s.handleListRuns)
		r.Get("/providers", s.handleListProviders)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "focus-pipeline",
	})
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var body pkgapi.TriggerSyncRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid_request", "malformed request body")
		return
	}

	req := pipeline.TriggerRequest{
		StartDate: body.StartDate,
		EndDate:   body.EndDate,
		DaysBack:  body.DaysBack,
	}
	if body.ProviderID != nil {
		id, err := uuid.Parse(*body.ProviderID)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid_request", "provider_id is not a valid UUID")
			return
		}
		req.ProviderID = &id
	}

	runs, err := s.coordinator.Trigger(r.Context(), req)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}

	resp := pkgapi.TriggerSyncResponse{Runs: make([]pkgapi.RunResponse, len(runs))}
	for i, run := range runs {
		resp.Runs[i] = runResponse(run)
	}
	s.respond(w, http.StatusAccepted, resp)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	runID, ok := s.runID(w, r)
	if !ok {
		return
	}
	run, err := s.coordinator.Cancel(r.Context(), runID)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.respond(w, http.StatusOK, runResponse(run))
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	runID, ok := s.runID(w, r)
	if !ok {
		return
	}
	run, err := s.coordinator.Retry(r.Context(), runID)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.respond(w, http.StatusAccepted, runResponse(run))
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := s.runID(w, r)
	if !ok {
		return
	}
	run, err := s.coordinator.GetStatus(r.Context(), runID)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.respond(w, http.StatusOK, runResponse(run))
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.RunFilter{
		Status: q.Get("status"),
		Limit:  intQuery(q.Get("limit"), 50),
		Offset: intQuery(q.Get("offset"), 0),
	}
	if v := q.Get("provider_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid_request", "provider_id is not a valid UUID")
			return
		}
		filter.ProviderID = &id
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid_request", "since must be RFC3339")
			return
		}
		filter.Since = &t
	}

	runs, total, err := s.coordinator.ListRuns(r.Context(), filter)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}

	resp := pkgapi.ListRunsResponse{
		Runs:   make([]pkgapi.RunResponse, len(runs)),
		Total:  total,
		Limit:  filter.Limit,
		Offset: filter.Offset,
	}
	for i, run := range runs {
		resp.Runs[i] = runResponse(run)
	}
	s.respond(w, http.StatusOK, resp)
}

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	providers, err := s.providers.ListActiveProviders(r.Context())
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	resp := make([]pkgapi.ProviderResponse, len(providers))
	for i, p := range providers {
		resp[i] = pkgapi.ProviderResponse{
			ID:             p.ID.String(),
			Name:           p.Name,
			ProviderType:   p.ProviderType,
			DisplayName:    p.DisplayName,
			IsActive:       p.IsActive,
			LastSyncAt:     p.LastSyncAt,
			LastSyncStatus: p.LastSyncStatus,
			LastSyncError:  p.LastSyncError,
		}
	}
	s.respond(w, http.StatusOK, resp)
}

func (s *Server) runID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "runID"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid_request", "run id is not a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

// respondDomainError maps the error taxonomy onto HTTP status codes:
// unknown entities are 404, illegal state transitions 409, bad windows
// 422, credential problems 502 (the upstream rejected us, not the caller).
func (s *Server) respondDomainError(w http.ResponseWriter, err error) {
	var perr *perrors.PipelineError
	if !errors.As(err, &perr) {
		s.log.Error().Err(err).Msg("unhandled internal error")
		s.respondError(w, http.StatusInternalServerError, "internal_error", "internal server error")
		return
	}

	status := http.StatusInternalServerError
	switch {
	case perrors.IsNotFound(err):
		status = http.StatusNotFound
	case perrors.IsInvalidState(err):
		status = http.StatusConflict
	case perrors.IsInvalidRange(err):
		status = http.StatusUnprocessableEntity
	case perrors.IsAuth(err):
		status = http.StatusBadGateway
	case perrors.IsTransient(err):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("internal error")
	}
	s.respondError(w, status, perr.Code, perr.Message)
}

func (s *Server) respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("failed to encode response")
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, code, message string) {
	s.respond(w, status, pkgapi.ErrorResponse{Error: code, Message: message})
}

func runResponse(run *storage.PipelineRun) pkgapi.RunResponse {
	return pkgapi.RunResponse{
		ID:                 run.ID.String(),
		ProviderID:         run.ProviderID.String(),
		PipelineName:       run.PipelineName,
		RunType:            run.RunType,
		Status:             run.Status,
		CurrentStage:       run.CurrentStage,
		RecordsExtracted:   run.RecordsExtracted,
		RecordsTransformed: run.RecordsTransformed,
		RecordsLoaded:      run.RecordsLoaded,
		RecordsFailed:      run.RecordsFailed,
		DateRangeStart:     run.DateRangeStart,
		DateRangeEnd:       run.DateRangeEnd,
		StartedAt:          run.StartedAt,
		CompletedAt:        run.CompletedAt,
		DurationSeconds:    run.DurationSeconds,
		ErrorMessage:       run.ErrorMessage,
		FailedRecords:      run.FailedRecords,
	}
}

func intQuery(v string, def int) int {
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
