package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"story-pipeline/internal/config"
	"story-pipeline/internal/logger"
	"story-pipeline/internal/models"
	"story-pipeline/internal/queue"
	"story-pipeline/internal/ratelimit"
	"story-pipeline/internal/store"
	"story-pipeline/internal/telemetry"
	"story-pipeline/internal/worker"
)

// BatchRunner runs one generation batch.
type BatchRunner interface {
	RunBatch(ctx context.Context, opts worker.RunOptions) (worker.RunResult, error)
}

// JobAdmin is the read/repair side of the job store.
type JobAdmin interface {
	Ping(ctx context.Context) error
	GetJob(ctx context.Context, id string) (models.GenerationJob, error)
	AuditTrail(ctx context.Context, jobID string) ([]models.AuditLog, error)
	ListJobs(ctx context.Context, limit, offset int) ([]models.JobRow, error)
	CountJobs(ctx context.Context) (int, error)
	JobStatusCounts(ctx context.Context) (map[string]int, error)
	ResetJob(ctx context.Context, id string) error
}

type DeadLetterRegistry interface {
	Peek(ctx context.Context, count int64) ([]queue.DeadLetter, error)
	Depth(ctx context.Context) (int64, error)
	Remove(ctx context.Context, jobID string) error
}

type Limiter interface {
	Allow(ctx context.Context, key string) (ratelimit.Decision, error)
}

const (
	triggerCron  = "cron"
	triggerAdmin = "manual"
)

// Server wires HTTP handlers for the batch triggers and job administration.
type Server struct {
	cfg         config.Config
	runner      BatchRunner
	jobs        JobAdmin
	deadLetters DeadLetterRegistry
	limiter     Limiter
	log         *logger.Logger
}

// New constructs the API server. deadLetters and limiter may be nil.
func New(cfg config.Config, runner BatchRunner, jobs JobAdmin, deadLetters DeadLetterRegistry, limiter Limiter, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Nop()
	}
	return &Server{
		cfg:         cfg,
		runner:      runner,
		jobs:        jobs,
		deadLetters: deadLetters,
		limiter:     limiter,
		log:         log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", s.handleReady)
	r.Mount("/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.requireSecret("CRON_SECRET", s.cfg.CronSecret))
		r.Get("/api/cron/generate", s.handleTrigger(triggerCron))
		r.Post("/api/cron/generate", s.handleTrigger(triggerCron))
	})

	r.Route("/api/admin", func(r chi.Router) {
		r.Use(s.requireSecret("ADMIN_SECRET", s.cfg.AdminSecret))
		r.Post("/generate", s.handleTrigger(triggerAdmin))
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/counts", s.handleJobCounts)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Post("/jobs/{id}/reset", s.handleResetJob)
		r.Get("/dead-letters", s.handleDeadLetters)
	})
	return r
}

// requireSecret checks "Authorization: Bearer <secret>". An unset secret
// answers 500 for every request.
func (s *Server) requireSecret(name, secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				s.log.Error("trigger secret not configured", "setting", name, "path", r.URL.Path)
				writeError(w, http.StatusInternalServerError, "Server misconfigured")
				return
			}
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
				writeError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type triggerRequest struct {
	Limit         *float64 `json:"limit"`
	DryRun        bool     `json:"dryRun"`
	GenerateAudio *bool    `json:"generateAudio"`
}

type triggerResponse struct {
	worker.RunResult
	Error string `json:"error,omitempty"`
}

func (s *Server) handleTrigger(trigger string) http.HandlerFunc {
	maxLimit := s.cfg.AdminMaxLimit
	if trigger == triggerCron {
		maxLimit = s.cfg.CronMaxLimit
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.allow(w, r, trigger) {
			return
		}

		var req triggerRequest
		if r.Body != nil && r.ContentLength != 0 {
			// The body is optional; an unreadable one means defaults.
			_ = json.NewDecoder(r.Body).Decode(&req)
		}
		opts := worker.RunOptions{
			Limit:         capLimit(req.Limit, maxLimit),
			DryRun:        req.DryRun,
			GenerateAudio: s.cfg.GenerateAudio,
			LockPrefix:    trigger,
		}
		if req.GenerateAudio != nil {
			opts.GenerateAudio = *req.GenerateAudio
		}

		s.log.Info("batch triggered", "trigger", trigger, "limit", opts.Limit, "dry_run", opts.DryRun, "with_audio", opts.GenerateAudio)
		res, err := s.runner.RunBatch(r.Context(), opts)
		if err != nil {
			s.log.Error("batch failed", "trigger", trigger, "error", err)
			writeJSON(w, http.StatusInternalServerError, triggerResponse{RunResult: res, Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, triggerResponse{RunResult: res})
	}
}

// capLimit floors a requested limit into [1, max]. A missing or
// non-positive request means one job.
func capLimit(requested *float64, max int) int {
	if max < 1 {
		max = 1
	}
	if requested == nil || math.IsNaN(*requested) || *requested < 1 {
		return 1
	}
	if *requested >= float64(max) {
		return max
	}
	return int(math.Floor(*requested))
}

func (s *Server) allow(w http.ResponseWriter, r *http.Request, trigger string) bool {
	if s.limiter == nil {
		return true
	}
	decision, err := s.limiter.Allow(r.Context(), "trigger:"+trigger)
	if err != nil {
		s.log.Error("rate limiter unavailable", "trigger", trigger, "error", err)
		writeError(w, http.StatusInternalServerError, "rate limit error")
		return false
	}
	if !decision.Allowed {
		telemetry.RateLimitRejects.WithLabelValues(trigger).Inc()
		if secs := int(math.Ceil(decision.RetryAfter.Seconds())); secs > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
		writeError(w, http.StatusTooManyRequests, "rate limited")
		return false
	}
	return true
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.jobs.Ping(r.Context()); err != nil {
		s.log.Warn("readiness check failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type jobsResponse struct {
	Jobs   []models.JobRow `json:"jobs"`
	Total  int             `json:"total"`
	Limit  int             `json:"limit"`
	Offset int             `json:"offset"`
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := intParam(r, "offset", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if offset < 0 {
		offset = 0
	}

	jobs, err := s.jobs.ListJobs(r.Context(), limit, offset)
	if err != nil {
		s.log.Error("list jobs", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	total, err := s.jobs.CountJobs(r.Context())
	if err != nil {
		s.log.Error("count jobs", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to count jobs")
		return
	}
	if jobs == nil {
		jobs = []models.JobRow{}
	}
	writeJSON(w, http.StatusOK, jobsResponse{Jobs: jobs, Total: total, Limit: limit, Offset: offset})
}

func (s *Server) handleJobCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := s.jobs.JobStatusCounts(r.Context())
	if err != nil {
		s.log.Error("job status counts", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to count jobs")
		return
	}
	telemetry.RecordStatusCounts(counts)
	writeJSON(w, http.StatusOK, map[string]any{"counts": counts})
}

type jobDetailResponse struct {
	Job   models.GenerationJob `json:"job"`
	Audit []models.AuditLog    `json:"audit"`
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.jobs.GetJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.log.Error("get job", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	audit, err := s.jobs.AuditTrail(r.Context(), id)
	if err != nil {
		s.log.Error("audit trail", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	if audit == nil {
		audit = []models.AuditLog{}
	}
	writeJSON(w, http.StatusOK, jobDetailResponse{Job: job, Audit: audit})
}

func (s *Server) handleResetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.jobs.ResetJob(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.log.Error("reset job", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to reset job")
		return
	}
	if s.deadLetters != nil {
		if err := s.deadLetters.Remove(r.Context(), id); err != nil {
			s.log.Warn("dead letter not cleared", "job_id", id, "error", err)
		}
	}
	s.log.Info("job reset", "job_id", id)
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": models.StatusQueued})
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	items := []queue.DeadLetter{}
	var depth int64
	if s.deadLetters != nil {
		peeked, err := s.deadLetters.Peek(r.Context(), 100)
		if err != nil {
			s.log.Error("read dead letters", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to read dead letters")
			return
		}
		if peeked != nil {
			items = peeked
		}
		if depth, err = s.deadLetters.Depth(r.Context()); err != nil {
			s.log.Error("dead letter depth", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to read dead letters")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "depth": depth})
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New(name + " must be an integer")
	}
	return v, nil
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
