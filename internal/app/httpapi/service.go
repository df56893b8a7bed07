// Package httpapi is the REST façade over the backup orchestration engine:
// job submission/inspection, device history, diff retrieval, and a
// WebSocket progress feed (spec §6), plus the supplemented /system/status
// and /metrics operational endpoints.
package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meridianlabs/netvault/infrastructure/logging"
	slmiddleware "github.com/meridianlabs/netvault/infrastructure/middleware"
	"github.com/meridianlabs/netvault/infrastructure/metrics"
	"github.com/meridianlabs/netvault/internal/app/domain/backup"
	appbackup "github.com/meridianlabs/netvault/internal/app/services/backup"
)

// JobRunner starts a backup job asynchronously. The real implementation is
// *appbackup.Orchestrator.RunJob run in its own goroutine by Service.
type JobRunner interface {
	RunJob(ctx context.Context, jobID string, deviceIDs []string) error
}

// Inventory answers the façade's read-side queries. A superset of
// appbackup.DeviceLoader plus job/result history reads, implemented by
// internal/app/storage/postgres.Store.
type Inventory interface {
	appbackup.DeviceLoader
	LoadDevicesBySite(ctx context.Context, siteID string) ([]backup.Device, error)
	CreateJob(ctx context.Context, triggeredBy string, total int) (string, error)
	GetJob(ctx context.Context, jobID string) (backup.Job, error)
	ListJobs(ctx context.Context, limit int) ([]backup.Job, error)
	DeviceHistory(ctx context.Context, deviceID string, n int) ([]backup.Result, error)
	GetResult(ctx context.Context, resultID string) (backup.Result, backup.Device, backup.Site, error)
}

// RepoDiffer fetches a unified diff for a device's latest two commits.
type RepoDiffer interface {
	Diff(ctx context.Context, repo, path string) (string, error)
}

// JobGuard enforces the single-concurrent-job rule (spec §6). Implementations
// may back this with Redis (distributed) or an in-process mutex.
type JobGuard interface {
	TryAcquire(ctx context.Context) (release func(), ok bool, err error)
}

// Service wires the REST façade's HTTP handlers to their collaborators.
type Service struct {
	inventory      Inventory
	runner         JobRunner
	repo           RepoDiffer
	bus            *appbackup.ProgressBus
	guard          JobGuard
	log            *logging.Logger
	metrics        *metrics.Metrics
	startedAt      time.Time
	corsOrigins    []string
	requestTimeout time.Duration
}

// Config bundles Service's collaborators.
type Config struct {
	Inventory Inventory
	Runner    JobRunner
	Repo      RepoDiffer
	Bus       *appbackup.ProgressBus
	Guard     JobGuard
	Log       *logging.Logger
	Metrics   *metrics.Metrics

	// CORSAllowedOrigins is a comma-separated origin list; empty disables CORS.
	CORSAllowedOrigins string
	// RequestTimeout bounds every request; 0 applies the middleware's default.
	RequestTimeout time.Duration
}

// New constructs a Service.
func New(cfg Config) *Service {
	var origins []string
	for _, o := range strings.Split(cfg.CORSAllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return &Service{
		inventory:      cfg.Inventory,
		runner:         cfg.Runner,
		repo:           cfg.Repo,
		bus:            cfg.Bus,
		guard:          cfg.Guard,
		log:            cfg.Log,
		metrics:        cfg.Metrics,
		startedAt:      time.Now(),
		corsOrigins:    origins,
		requestTimeout: cfg.RequestTimeout,
	}
}

// Router builds the gorilla/mux router with all routes and standard
// middleware mounted, in the order the teacher's service runner applies
// them: logging, recovery, metrics, security headers, CORS, timeout, body
// limit.
func (s *Service) Router() *mux.Router {
	r := mux.NewRouter()

	r.Use(slmiddleware.LoggingMiddleware(s.log))
	r.Use(slmiddleware.NewRecoveryMiddleware(s.log).Handler)
	if s.metrics != nil {
		r.Use(slmiddleware.MetricsMiddleware("backupd", s.metrics))
		r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}
	r.Use(slmiddleware.NewSecurityHeadersMiddleware(nil).Handler)
	if len(s.corsOrigins) > 0 {
		r.Use(slmiddleware.NewCORSMiddleware(&slmiddleware.CORSConfig{AllowedOrigins: s.corsOrigins}).Handler)
	}
	r.Use(slmiddleware.NewBodyLimitMiddleware(1 << 20).Handler)

	// The timeout middleware wraps the response writer, which drops it out
	// of http.Hijacker — applied only to the plain REST surface, never to
	// /ws/job/{id} whose upgrade depends on hijacking the connection.
	api := r.PathPrefix("/api/backups").Subrouter()
	api.Use(slmiddleware.NewTimeoutMiddleware(s.requestTimeout).Handler)
	api.HandleFunc("/jobs", s.handleCreateJob).Methods(http.MethodPost)
	api.HandleFunc("/jobs", s.handleListJobs).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}", s.handleGetJob).Methods(http.MethodGet)
	api.HandleFunc("/device/{id}/history", s.handleDeviceHistory).Methods(http.MethodGet)
	api.HandleFunc("/diff/{id}", s.handleDiff).Methods(http.MethodGet)

	r.HandleFunc("/ws/job/{id}", s.handleJobWebsocket)
	r.HandleFunc("/system/status", s.handleSystemStatus).Methods(http.MethodGet)
	r.HandleFunc("/healthz", slmiddleware.LivenessHandler()).Methods(http.MethodGet)

	return r
}
