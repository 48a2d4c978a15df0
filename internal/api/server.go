// Package api exposes the orchestrator over HTTP.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"backup-orchestrator/internal/auth"
	"backup-orchestrator/internal/config"
	"backup-orchestrator/internal/configbackup"
	"backup-orchestrator/internal/events"
	"backup-orchestrator/internal/executor"
	"backup-orchestrator/internal/models"
	"backup-orchestrator/internal/ratelimit"
	"backup-orchestrator/internal/runs"
	"backup-orchestrator/internal/scheduler"
	"backup-orchestrator/internal/telemetry"
)

const maxBodyBytes = 1 << 20

// Pinger reports store health for /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators the HTTP surface drives.
type Deps struct {
	Config    config.Config
	Executor  *executor.Executor
	Runs      *runs.Tracker
	Jobs      *scheduler.Manager
	Bus       *events.Bus
	Snapshots *configbackup.Service
	Limiter   ratelimit.Limiter
	Auth      *auth.Authenticator
	Store     Pinger
	Log       *zap.SugaredLogger
}

// Server wires HTTP handlers for the orchestrator API.
type Server struct {
	cfg       config.Config
	exec      *executor.Executor
	runs      *runs.Tracker
	jobs      *scheduler.Manager
	bus       *events.Bus
	snapshots *configbackup.Service
	limiter   ratelimit.Limiter
	auth      *auth.Authenticator
	store     Pinger
	log       *zap.SugaredLogger
}

// New constructs the API server.
func New(d Deps) *Server {
	if d.Log == nil {
		d.Log = zap.NewNop().Sugar()
	}
	if d.Auth == nil {
		d.Auth = auth.NewAuthenticator(d.Config.JWTSecret, 0)
	}
	return &Server{
		cfg:       d.Config,
		exec:      d.Executor,
		runs:      d.Runs,
		jobs:      d.Jobs,
		bus:       d.Bus,
		snapshots: d.Snapshots,
		limiter:   d.Limiter,
		auth:      d.Auth,
		store:     d.Store,
		log:       d.Log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "Cache-Control", "X-User-ID", "X-User-Role"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/api", func(r chi.Router) {
		if s.cfg.APIRequestsPerMin > 0 {
			r.Use(httprate.LimitByIP(s.cfg.APIRequestsPerMin, time.Minute))
		}
		r.Use(s.auth.Middleware)
		r.Use(s.requestLog)

		r.Get("/system/info", s.handleSystemInfo)

		r.Route("/backup", func(r chi.Router) {
			r.With(s.rateLimited).Post("/start", s.handleBackupStart)
			r.Get("/recent", s.handleBackupRecent)
			r.Get("/status/{id}", s.handleBackupStatus)
			r.Delete("/cancel/{id}", s.handleBackupCancel)
			r.Get("/logs/{id}", s.handleBackupLogs)
		})

		r.Route("/archives", func(r chi.Router) {
			r.Get("/list", s.handleArchiveList)
			r.Get("/{archive}/info", s.handleArchiveInfo)
			r.Get("/{archive}/contents", s.handleArchiveContents)
			r.With(auth.RequireAdmin).Delete("/{archive}", s.handleArchiveDelete)
			r.With(auth.RequireAdmin).Post("/prune", s.handleArchivePrune)
		})

		r.Route("/restore", func(r chi.Router) {
			r.Post("/preview", s.handleRestorePreview)
			r.Post("/start", s.handleRestoreStart)
		})

		r.Route("/repositories", func(r chi.Router) {
			r.Get("/status", s.handleRepositoryStatus)
			r.Post("/check", s.handleRepositoryCheck)
			r.With(auth.RequireAdmin).Post("/compact", s.handleRepositoryCompact)
		})

		r.Route("/schedule", func(r chi.Router) {
			r.Get("/", s.handleJobList)
			r.Get("/cron-presets", s.handleCronPresets)
			r.Get("/upcoming-jobs", s.handleUpcomingJobs)
			r.Post("/validate-cron", s.handleValidateCron)
			r.Get("/{id}", s.handleJobGet)
			r.Group(func(r chi.Router) {
				r.Use(auth.RequireAdmin)
				r.With(s.rateLimited).Post("/{id}/run-now", s.handleJobRunNow)
				r.Post("/", s.handleJobCreate)
				r.Put("/{id}", s.handleJobUpdate)
				r.Delete("/{id}", s.handleJobDelete)
				r.Post("/{id}/toggle", s.handleJobToggle)
			})
		})

		r.Route("/config", func(r chi.Router) {
			r.Get("/current", s.handleConfigCurrent)
			r.Post("/validate", s.handleConfigValidate)
			r.Get("/backups", s.handleConfigBackups)
			r.With(auth.RequireAdmin).Post("/backup", s.handleConfigBackup)
		})

		r.Route("/events", func(r chi.Router) {
			r.Get("/stream", s.handleEventStream)
			r.Get("/ws", s.handleEventSocket)
			r.Post("/backup-progress", s.handlePublishProgress)
			r.Group(func(r chi.Router) {
				r.Use(auth.RequireAdmin)
				r.Post("/system-status", s.handlePublishSystemStatus)
				r.Post("/log-update", s.handlePublishLogUpdate)
				r.Get("/connections", s.handleConnections)
			})
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.store != nil {
		if err := s.store.Ping(r.Context()); err != nil {
			s.log.Warnw("Health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSystemInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.exec.SystemInfo(r.Context()))
}

// rateLimited applies the per-identity trigger budget. A limiter error fails open.
func (s *Server) rateLimited(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		id := identity(r)
		allowed, _, err := s.limiter.Allow(r.Context(), id.ID)
		if err != nil {
			s.log.Errorw("Rate limiter unavailable", "user", id.ID, "error", err)
			next.ServeHTTP(w, r)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeDetail(w, http.StatusTooManyRequests, "Too many backup requests, try again later")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debugw("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"user", identity(r).ID,
			"request_id", chimiddleware.GetReqID(r.Context()),
		)
	})
}

func identity(r *http.Request) auth.Identity {
	id, _ := auth.FromContext(r.Context())
	return id
}

// writeError maps domain errors onto status codes. Unknown errors are logged and
// reported without detail.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound), errors.Is(err, executor.ErrConfigNotFound):
		writeDetail(w, http.StatusNotFound, err.Error())
	case errors.Is(err, scheduler.ErrInvalidCron),
		errors.Is(err, scheduler.ErrInvalidName),
		errors.Is(err, scheduler.ErrInvalidPath),
		errors.Is(err, scheduler.ErrNameTaken),
		errors.Is(err, runs.ErrInvalidPath),
		errors.Is(err, runs.ErrNotRunning):
		writeDetail(w, http.StatusBadRequest, err.Error())
	default:
		s.log.Errorw("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeDetail(w, http.StatusInternalServerError, "internal server error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func writeDetail(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"detail": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
