// api/server.go
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"curve-dispatch/internal/config"
	"curve-dispatch/internal/domain"
	"curve-dispatch/internal/messaging"
	"curve-dispatch/internal/metrics"
	"curve-dispatch/internal/repository"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const (
	defaultListLimit = 50
	maxListLimit     = 100
	maxBodyBytes     = 1 << 20
)

type Server struct {
	router     *mux.Router
	store      repository.Store
	dispatcher messaging.Dispatcher
	config     *config.Config
	validator  *validator.Validate
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

func NewServer(store repository.Store, dispatcher messaging.Dispatcher, cfg *config.Config,
	m *metrics.Metrics, logger *zap.Logger) *Server {

	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		router:     mux.NewRouter(),
		store:      store,
		dispatcher: dispatcher,
		config:     cfg,
		validator:  newValidator(),
		metrics:    m,
		logger:     logger,
	}

	s.setupRoutes()
	s.setupMiddleware()

	return s
}

func newValidator() *validator.Validate {
	v := validator.New()
	// Registration only fails for an empty tag or a nil func.
	_ = v.RegisterValidation("yyyymm", func(fl validator.FieldLevel) bool {
		return domain.ValidMonth(fl.Field().String())
	})
	return v
}

// Handler exposes the router, used by tests and by callers that run their own http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	apiRouter := s.router.PathPrefix("/api/v1").Subrouter()
	apiRouter.Use(s.authMiddleware)

	s.handle(apiRouter, "/dispatch", "dispatch", s.dispatch, http.MethodPost)
	s.handle(apiRouter, "/jobs", "list_jobs", s.listJobs, http.MethodGet)
	s.handle(apiRouter, "/jobs/{id}", "get_job", s.getJob, http.MethodGet)
	s.handle(apiRouter, "/jobs/{id}/stages", "job_stages", s.jobStages, http.MethodGet)
	s.handle(apiRouter, "/jobs/{id}/result", "job_result", s.jobResult, http.MethodGet)
	s.handle(apiRouter, "/jobs/{id}/logs", "job_logs", s.jobLogs, http.MethodGet)
	s.handle(apiRouter, "/files", "register_file", s.registerFile, http.MethodPost)

	s.router.HandleFunc("/health", s.healthCheck).Methods(http.MethodGet)
	s.router.HandleFunc("/docs", s.apiDocs).Methods(http.MethodGet)

	s.router.NotFoundHandler = http.HandlerFunc(s.notFoundHandler)
}

func (s *Server) handle(router *mux.Router, path, route string, h http.HandlerFunc, method string) {
	router.Handle(path, s.metrics.WrapHandler(route, h)).Methods(method, http.MethodOptions)
}

func (s *Server) setupMiddleware() {
	s.router.Use(s.corsMiddleware)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.recoveryMiddleware)
}

// Middleware
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)

		if r.URL.Path != "/health" {
			s.logger.Debug("Request served",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("remote", r.RemoteAddr),
				zap.Duration("elapsed", time.Since(start)))
		}
	})
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("Panic recovered", zap.Any("panic", err), zap.String("path", r.URL.Path))
				s.respondWithError(w, http.StatusInternalServerError, "Internal server error")
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// authMiddleware requires the configured bearer token. With no token configured every caller
// is accepted.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		want := s.config.APIToken
		if want == "" || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(want)) != 1 {
			s.respondWithError(w, http.StatusUnauthorized, "Missing or invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Handlers

// dispatch creates one job per zone, hands each to the dispatcher and answers without waiting
// for any of them.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	var req domain.DispatchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.DispatchMonth = strings.TrimSpace(req.DispatchMonth)
	req.Zones = normalizeZones(req.Zones)

	if err := s.validator.Struct(req); err != nil {
		s.respondWithError(w, http.StatusBadRequest, validationMessage(err))
		return
	}
	historical, err := domain.HistoricalMonth(req.DispatchMonth)
	if err != nil {
		s.respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	jobIDs := make([]string, 0, len(req.Zones))
	for _, zone := range req.Zones {
		job := &domain.Job{
			ID:              uuid.NewString(),
			OwnerID:         s.config.OwnerID,
			ZoneCode:        zone,
			DispatchMonth:   req.DispatchMonth,
			HistoricalMonth: historical,
			Status:          domain.JobStatusProcessing,
			Warnings:        []string{},
			Errors:          []domain.JobError{},
		}
		if err := s.store.Jobs.CreateJob(ctx, job); err != nil {
			s.logger.Error("Failed to create job", zap.String("zone", zone), zap.Error(err))
			cause := fmt.Errorf("job for zone %s could not be created: %w", zone, err)
			for i, id := range jobIDs {
				s.markUndispatched(ctx, id, req.Zones[i], cause)
			}
			s.respondWithError(w, http.StatusInternalServerError, "Failed to create job")
			return
		}
		jobIDs = append(jobIDs, job.ID)
	}
	s.metrics.JobsDispatched(len(jobIDs))

	for i, id := range jobIDs {
		if err := s.dispatcher.Dispatch(ctx, id); err != nil {
			s.logger.Error("Failed to dispatch job", zap.String("job_id", id), zap.Error(err))
			s.markUndispatched(ctx, id, req.Zones[i], err)
		}
	}

	s.logger.Info("Jobs dispatched",
		zap.String("dispatch_month", req.DispatchMonth),
		zap.Strings("zones", req.Zones),
		zap.Strings("job_ids", jobIDs))

	s.respondWithJSON(w, http.StatusAccepted, domain.DispatchResponse{
		Success: true,
		JobIDs:  jobIDs,
		Zones:   req.Zones,
		Message: "Dispatch started for " + strconv.Itoa(len(jobIDs)) + " zone(s)",
	})
}

// markUndispatched fails a job nobody will ever run, so polling callers see the outcome.
func (s *Server) markUndispatched(ctx context.Context, jobID, zone string, cause error) {
	now := time.Now().UTC()
	err := s.store.Jobs.UpdateJob(context.WithoutCancel(ctx), jobID, map[string]any{
		"status":       domain.JobStatusFailed,
		"completed_at": &now,
		"errors": []domain.JobError{{
			Message:   "dispatch failed: " + cause.Error(),
			Zone:      zone,
			Timestamp: now,
		}},
	})
	if err != nil {
		s.logger.Error("Failed to mark undispatched job", zap.String("job_id", jobID), zap.Error(err))
	}
}

// normalizeZones trims zone codes and drops blanks and duplicates, keeping first-seen order.
func normalizeZones(zones []string) []string {
	seen := make(map[string]struct{}, len(zones))
	out := make([]string, 0, len(zones))
	for _, z := range zones {
		z = strings.TrimSpace(z)
		if z == "" {
			continue
		}
		if _, dup := seen[z]; dup {
			continue
		}
		seen[z] = struct{}{}
		out = append(out, z)
	}
	return out
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	switch {
	case fe.Field() == "Zones" && (fe.Tag() == "required" || fe.Tag() == "min"):
		return "zones must contain at least one zone code"
	case fe.Field() == "DispatchMonth":
		return "dispatch_month must be a YYYY-MM month"
	}
	return err.Error()
}

// loadJob fetches a job of the configured owner, answering 404 itself when there is none.
func (s *Server) loadJob(w http.ResponseWriter, r *http.Request) (*domain.Job, bool) {
	id := mux.Vars(r)["id"]
	job, err := s.store.Jobs.GetJob(r.Context(), id)
	if errors.Is(err, repository.ErrNotFound) || (err == nil && job.OwnerID != s.config.OwnerID) {
		s.respondWithError(w, http.StatusNotFound, "Job not found")
		return nil, false
	}
	if err != nil {
		s.logger.Error("Failed to get job", zap.String("job_id", id), zap.Error(err))
		s.respondWithError(w, http.StatusInternalServerError, "Failed to fetch job")
		return nil, false
	}
	return job, true
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	s.respondWithJSON(w, http.StatusOK, job)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, defaultListLimit)

	jobs, err := s.store.Jobs.ListJobs(r.Context(), s.config.OwnerID, limit)
	if err != nil {
		s.logger.Error("Failed to list jobs", zap.Error(err))
		s.respondWithError(w, http.StatusInternalServerError, "Failed to fetch jobs")
		return
	}

	s.respondWithJSON(w, http.StatusOK, map[string]any{
		"jobs":  jobs,
		"count": len(jobs),
		"limit": limit,
	})
}

func (s *Server) jobStages(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	states, err := s.store.Stages.ListStages(r.Context(), job.ID)
	if err != nil {
		s.logger.Error("Failed to list stages", zap.String("job_id", job.ID), zap.Error(err))
		s.respondWithError(w, http.StatusInternalServerError, "Failed to fetch stages")
		return
	}
	s.respondWithJSON(w, http.StatusOK, map[string]any{"job_id": job.ID, "stages": states})
}

func (s *Server) jobResult(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	res, err := s.store.Results.GetResultByJob(r.Context(), job.ID)
	if errors.Is(err, repository.ErrNotFound) {
		s.respondWithError(w, http.StatusNotFound, "Result not available, job is "+string(job.Status))
		return
	}
	if err != nil {
		s.logger.Error("Failed to get result", zap.String("job_id", job.ID), zap.Error(err))
		s.respondWithError(w, http.StatusInternalServerError, "Failed to fetch result")
		return
	}
	s.respondWithJSON(w, http.StatusOK, res)
}

func (s *Server) jobLogs(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	limit := parseLimit(r, 0)
	logs, err := s.store.Logs.ListLogs(r.Context(), job.ID, limit)
	if err != nil {
		s.logger.Error("Failed to list logs", zap.String("job_id", job.ID), zap.Error(err))
		s.respondWithError(w, http.StatusInternalServerError, "Failed to fetch logs")
		return
	}
	s.respondWithJSON(w, http.StatusOK, map[string]any{"job_id": job.ID, "logs": logs, "count": len(logs)})
}

func (s *Server) registerFile(w http.ResponseWriter, r *http.Request) {
	var req domain.RegisterFileRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.ZoneCode = strings.TrimSpace(req.ZoneCode)
	if err := s.validator.Struct(req); err != nil {
		s.respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	file := &domain.SourceFile{
		OwnerID:    s.config.OwnerID,
		Kind:       req.Kind,
		ZoneCode:   req.ZoneCode,
		Name:       req.Name,
		StorageRef: req.StorageRef,
		Status:     domain.SourceFileStatusUploaded,
	}
	if err := s.store.Files.CreateSourceFile(r.Context(), file); err != nil {
		s.logger.Error("Failed to register file", zap.String("name", req.Name), zap.Error(err))
		s.respondWithError(w, http.StatusInternalServerError, "Failed to register file")
		return
	}

	s.respondWithJSON(w, http.StatusCreated, file)
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	response := map[string]any{
		"status":    "healthy",
		"service":   "dispatch-api",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   "1.0.0",
	}

	s.respondWithJSON(w, http.StatusOK, response)
}

func (s *Server) apiDocs(w http.ResponseWriter, r *http.Request) {
	stages := make([]string, len(domain.Stages))
	for i, st := range domain.Stages {
		stages[i] = string(st)
	}
	docs := map[string]any{
		"title":       "Curve Dispatch API",
		"description": "Asynchronous per-zone reconciliation of quarter-hour dispatch curves",
		"version":     "1.0.0",
		"endpoints": map[string]any{
			"POST /api/v1/dispatch":        "Start one job per zone for a dispatch month",
			"GET /api/v1/jobs":             "List jobs",
			"GET /api/v1/jobs/{id}":        "Get job by ID",
			"GET /api/v1/jobs/{id}/stages": "Stage states of a job",
			"GET /api/v1/jobs/{id}/result": "Result of a completed job",
			"GET /api/v1/jobs/{id}/logs":   "Activity log of a job",
			"POST /api/v1/files":           "Register an uploaded source file",
		},
		"stages": stages,
		"status_codes": []string{
			string(domain.JobStatusProcessing),
			string(domain.JobStatusCompleted),
			string(domain.JobStatusFailed),
		},
	}

	s.respondWithJSON(w, http.StatusOK, docs)
}

func (s *Server) notFoundHandler(w http.ResponseWriter, r *http.Request) {
	s.respondWithError(w, http.StatusNotFound, "Endpoint not found")
}

// Helper functions
func (s *Server) respondWithJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) respondWithError(w http.ResponseWriter, status int, message string) {
	s.respondWithJSON(w, status, map[string]string{"error": message})
}

// parseLimit reads ?limit=, keeping fallback for missing or out-of-range values.
func parseLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > maxListLimit {
		return fallback
	}
	return n
}

// HTTPServer wraps the router in a server listening on the configured port.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:         s.config.ServerPort,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}
