package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/donmikel/photobatch/applications/server"
	"github.com/donmikel/photobatch/applications/server/adapters/inmemory"
	"github.com/donmikel/photobatch/applications/server/adapters/minio"
	"github.com/donmikel/photobatch/applications/server/adapters/redis"
	"github.com/donmikel/photobatch/applications/server/adapters/s3"
	"github.com/donmikel/photobatch/applications/server/config"
	"github.com/donmikel/photobatch/applications/server/handlers/http"
	"github.com/donmikel/photobatch/applications/server/interfaces"
	"github.com/donmikel/photobatch/applications/server/memgate"
	"github.com/donmikel/photobatch/applications/server/metrics"
	"github.com/donmikel/photobatch/applications/server/services"
	"github.com/donmikel/photobatch/applications/server/validator"
)

// exitCode is a process termination code.
type exitCode int

// Possible process termination codes are listed below.
const (
	// exitSuccess is code for successful program termination.
	exitSuccess exitCode = 0
	// exitFailure is code for unsuccessful program termination.
	exitFailure exitCode = 1
)

// Load balancers may keep routing uploads to the instance for a few seconds
// after SIGTERM; see https://github.com/kubernetes-retired/contrib/issues/1140.
const preStopWait = 5 * time.Second

// Shutdown timeout for http servers.
const shutdownTimeout = 5 * time.Second

// Time given to running file operations once the server stopped accepting requests.
const drainTimeout = 30 * time.Second

var (
	// version is the service version from git tag.
	version = ""
)

func main() {
	os.Exit(int(gracefulMain()))
}

// gracefulMain releases resources gracefully upon termination.
// When we call os.Exit defer statements do not run resulting in unclean process shutdown.
// nolint
func gracefulMain() exitCode {
	var logger log.Logger
	{
		logger = log.NewJSONLogger(log.NewSyncWriter(os.Stderr))
		logger = log.With(logger, "ts", log.DefaultTimestampUTC)
		logger = log.With(logger, "caller", log.DefaultCaller)
	}
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	configPath := fs.String("config", "", "path to the config file")
	v := fs.Bool("v", false, "Show version")

	err := fs.Parse(os.Args[1:])
	if err == flag.ErrHelp {
		return exitSuccess
	}
	if err != nil {
		logger.Log("msg", "parsing cli flags failed", "err", err)
		return exitFailure
	}

	if *v {
		if version == "" {
			level.Error(logger).Log("msg", "version not set")
		} else {
			level.Info(logger).Log("version", version)
		}

		return exitSuccess
	}

	level.Info(logger).Log("msg", "loading config", "path", *configPath)

	cfg, err := config.Parse(*configPath)
	if err != nil {
		level.Error(logger).Log("msg", "can't load config", "path", *configPath, "err", err)
		return exitFailure
	}

	err = cfg.Validate()
	if err != nil {
		level.Error(logger).Log("msg", "invalid config", "err", err)
		return exitFailure
	}

	// Panics are logged once the logger exists.
	defer monitorPanic(logger)
	ctx := context.Background()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	var storage interfaces.ObjectStorage
	{
		storage, err = newStorage(ctx, cfg.Storage, logger)
		if err != nil {
			level.Error(logger).Log("msg", "can't create object storage", "driver", cfg.Storage.Driver, "err", err)
			return exitFailure
		}
	}

	var limiter interfaces.RateLimiter
	{
		var closeLimiter func() error
		limiter, closeLimiter, err = newRateLimiter(ctx, cfg.RateLimit)
		if err != nil {
			level.Error(logger).Log("msg", "can't create rate limiter", "driver", cfg.RateLimit.Driver, "err", err)
			return exitFailure
		}
		defer closeLimiter()
	}

	gate := memgate.New(cfg.Memory,
		memgate.WithObserver(m),
		memgate.WithLogger(log.With(logger, "component", "memgate")),
	)

	var uploadService server.UploadService
	{
		uploadService = services.NewService(
			validator.New(cfg.Upload, log.With(logger, "component", "validator"), validator.WithReadGate(gate)),
			gate,
			inmemory.NewImageProcessor(),
			storage,
			inmemory.NewPhotoRepository(),
			logger,
			services.WithObserver(m),
		)
	}

	routerOpts := []http.RouterOption{
		http.WithRateLimiter(limiter),
		http.WithMaxRequestBytes(cfg.API.MaxRequestBytes),
	}
	if cfg.Metrics.Enabled {
		routerOpts = append(routerOpts, http.WithMetrics(cfg.Metrics.Path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	}
	hServer := http.NewHTTPServer(cfg.API, http.NewRouter(uploadService, logger, routerOpts...))

	level.Info(logger).Log("msg", "starting server",
		"addr", cfg.API.HTTPAddr,
		"storage", cfg.Storage.Driver,
		"rate_limit", cfg.RateLimit.Driver,
	)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s := <-sig:
			level.Info(logger).Log("msg", fmt.Sprintf("signal received (waiting %v before terminating): %v", preStopWait, s))
			time.Sleep(preStopWait)
			level.Info(logger).Log("msg", "terminating...")

			return fmt.Errorf("signal received: %s", s)
		}
	})

	group.Go(func() error {
		if err := hServer.ListenAndServe(); err != nil {
			return fmt.Errorf("upload api stopped: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		<-ctx.Done()

		level.Info(logger).Log("msg", "shutting down upload api")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := hServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown error: %w", err)
		}

		if !gate.WaitForCompletion(drainTimeout) {
			level.Warn(logger).Log("msg", "file operations still running after drain timeout",
				"active", gate.Status().ActiveOperations,
			)
		}

		return ctx.Err()
	})

	if err = group.Wait(); err != nil {
		level.Error(logger).Log("msg", fmt.Sprintf("actors stopped with err: %v", err))
		return exitFailure
	}

	level.Info(logger).Log("msg", "actors stopped without errors")

	return exitSuccess
}

func newStorage(ctx context.Context, cfg config.Storage, logger log.Logger) (interfaces.ObjectStorage, error) {
	switch cfg.Driver {
	case config.StorageS3:
		return s3.NewStorage(s3.NewClient(cfg.S3), cfg.S3, logger), nil
	case config.StorageMinio:
		return minio.NewStorage(ctx, cfg.Minio, logger)
	default:
		return inmemory.NewStorage(cfg.PublicURL, cfg.MemoryCapacity, logger), nil
	}
}

func newRateLimiter(ctx context.Context, cfg config.RateLimit) (interfaces.RateLimiter, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Driver {
	case config.RateLimitRedis:
		client, err := redis.NewClient(ctx, cfg.Redis)
		if err != nil {
			return nil, nil, err
		}
		return redis.NewRateLimiter(client, cfg.Requests, cfg.Window), client.Close, nil
	case config.RateLimitMemory:
		return inmemory.NewRateLimiter(cfg.Requests, cfg.Window), noop, nil
	default:
		return inmemory.NewUnlimitedRateLimiter(), noop, nil
	}
}

// monitorPanic monitors panics and reports them somewhere (e.g. logs, ...).
func monitorPanic(logger log.Logger) {
	if rec := recover(); rec != nil {
		err := fmt.Sprintf("panic: %v \n stack trace: %s", rec, debug.Stack())
		level.Error(logger).Log("err", err)
		panic(err)
	}
}
