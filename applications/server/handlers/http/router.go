package http

import (
	"net/http"

	"github.com/go-kit/log"
	"github.com/gorilla/mux"

	"github.com/donmikel/photobatch/applications/server"
	"github.com/donmikel/photobatch/applications/server/adapters/inmemory"
	"github.com/donmikel/photobatch/applications/server/interfaces"
)

const defaultMaxRequestBytes = 5*1024*1024*1024 + 10*1024*1024

type routerConfig struct {
	limiter         interfaces.RateLimiter
	maxRequestBytes int64
	metricsPath     string
	metrics         http.Handler
}

type RouterOption func(*routerConfig)

func WithRateLimiter(l interfaces.RateLimiter) RouterOption {
	return func(c *routerConfig) {
		if l != nil {
			c.limiter = l
		}
	}
}

func WithMaxRequestBytes(n int64) RouterOption {
	return func(c *routerConfig) {
		if n > 0 {
			c.maxRequestBytes = n
		}
	}
}

func WithMetrics(path string, h http.Handler) RouterOption {
	return func(c *routerConfig) {
		c.metricsPath, c.metrics = path, h
	}
}

func NewRouter(svc server.UploadService, logger log.Logger, opts ...RouterOption) http.Handler {
	cfg := routerConfig{
		limiter:         inmemory.NewUnlimitedRateLimiter(),
		maxRequestBytes: defaultMaxRequestBytes,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	r := mux.NewRouter()
	r.Use(logRequests(logger))

	r.Handle("/api/v1/events/{eventID}/photos",
		rateLimit(cfg.limiter, logger, UploadPhotosHandler(svc, cfg.maxRequestBytes, logger)),
	).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/events/{eventID}/photos", ListPhotosHandler(svc, logger)).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/uploads/limits", LimitsHandler(svc)).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/uploads/status", StatusHandler(svc)).Methods(http.MethodGet)
	r.HandleFunc("/healthz", HealthHandler).Methods(http.MethodGet, http.MethodHead)

	if cfg.metrics != nil {
		r.Handle(cfg.metricsPath, cfg.metrics).Methods(http.MethodGet)
	}

	return r
}
