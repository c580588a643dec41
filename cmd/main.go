package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/offlinehub/edgeworker/internal/config"
	"github.com/offlinehub/edgeworker/internal/logging"
	"github.com/offlinehub/edgeworker/internal/metrics"
	"github.com/offlinehub/edgeworker/internal/push"
	"github.com/offlinehub/edgeworker/internal/server"
	"github.com/offlinehub/edgeworker/internal/templates"
	"github.com/offlinehub/edgeworker/internal/worker"
	"github.com/offlinehub/edgeworker/internal/worker/bucket"
	"github.com/offlinehub/edgeworker/internal/worker/syncq"
)

// runnableServer lets tests substitute the HTTP listener.
type runnableServer interface {
	Run(ctx context.Context) error
}

var (
	newConfigLoader = func(envPrefix string, files ...string) *config.Loader {
		return config.NewLoader(envPrefix, files...)
	}
	newHTTPServer = func(cfg config.Config, logger *slog.Logger, handler http.Handler) (runnableServer, error) {
		return server.New(cfg, logger, handler)
	}
)

func main() {
	var (
		configFile = flag.String("config", "", "path to server configuration file")
		envPrefix  = flag.String("env-prefix", "EDGEWORKER", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configFile, *envPrefix); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("edgeworker: %v", err)
	}
}

func run(ctx context.Context, configFile, envPrefix string) error {
	var files []string
	if strings.TrimSpace(configFile) != "" {
		files = append(files, configFile)
	}
	loader := newConfigLoader(envPrefix, files...)
	cfg, err := loader.Load(ctx)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		return fmt.Errorf("configure logger: %w", err)
	}

	origin, err := cfg.OriginURL()
	if err != nil {
		return err
	}

	promRegistry := prometheus.NewRegistry()
	metricsRecorder := metrics.NewRecorder(promRegistry)

	stores := buildStores(logger.With(slog.String("agent", "store_factory")), cfg.Server.Cache)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		stores.close(shutdownCtx, logger)
	}()

	originHTTP := &http.Client{Timeout: 30 * time.Second}

	fetchWorker := worker.NewWorker(stores.buckets, originHTTP, origin,
		cfg.Server.Origin.BypassPrefixes, cfg.Server.Precache.OfflinePath,
		logger, metricsRecorder)
	installer := worker.NewInstaller(stores.buckets, originHTTP, origin, logger, metricsRecorder)
	coordinator := worker.NewCoordinator(installer, fetchWorker, logger, cfg.Server.Precache.Version)

	if err := coordinator.InstallAndActivate(ctx, cfg.Manifest); err != nil {
		return fmt.Errorf("initial precache install: %w", err)
	}

	watcher, err := loader.WatchManifest(ctx, cfg, func(manifest config.Manifest) {
		if err := coordinator.InstallAndActivate(ctx, manifest); err != nil {
			logger.Error("manifest reinstall failed", slog.Any("error", err))
		}
	}, func(err error) {
		if err != nil {
			logger.Error("manifest watcher error", slog.Any("error", err))
		}
	})
	if err != nil {
		logger.Error("manifest watcher setup failed", slog.Any("error", err))
	} else {
		defer watcher.Stop()
	}

	replayTimeout := time.Duration(cfg.Server.Sync.ReplayTimeoutSeconds) * time.Second
	replayer := syncq.NewReplayer(stores.queue, originHTTP, logger, metricsRecorder,
		cfg.Server.Sync.Tag, replayTimeout)
	syncAPI := syncq.NewAPI(stores.queue, replayer, logger)

	messages, err := push.NewMessages(templates.NewRenderer(), push.Defaults{
		Title: cfg.Server.Push.DefaultTitle,
		Icon:  cfg.Server.Push.DefaultIcon,
		Badge: cfg.Server.Push.DefaultBadge,
	})
	if err != nil {
		return fmt.Errorf("compile notification templates: %w", err)
	}
	sender := push.NewSender(stores.subscriptions, logger, metricsRecorder, cfg.Server.Push)
	pushAPI := push.NewAPI(stores.subscriptions, sender, messages, logger,
		cfg.Server.Push.AdminToken, cfg.Server.Push.AdminUserIDs)

	handler := server.NewHandler(fetchWorkerHandler{fetchWorker, coordinator}, syncAPI, pushAPI, metricsRecorder.Handler())

	srv, err := newHTTPServer(cfg, logger, handler)
	if err != nil {
		return fmt.Errorf("construct server: %w", err)
	}

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("server terminated: %w", err)
	}
	logger.Info("server shutdown complete")
	return nil
}

// fetchWorkerHandler joins the fetch path with the coordinator's health view
// to satisfy the router's worker surface.
type fetchWorkerHandler struct {
	worker      *worker.Worker
	coordinator *worker.Coordinator
}

func (h fetchWorkerHandler) ServeFetch(w http.ResponseWriter, r *http.Request) {
	h.worker.ServeFetch(w, r)
}

func (h fetchWorkerHandler) ServeHealth(w http.ResponseWriter, r *http.Request) {
	h.coordinator.ServeHealth(w, r)
}

// gatewayStores bundles the three persistence surfaces so a redis deployment
// shares one client across all of them.
type gatewayStores struct {
	buckets       bucket.Store
	queue         syncq.Queue
	subscriptions push.Store
}

func (s gatewayStores) close(ctx context.Context, logger *slog.Logger) {
	// The bucket store owns the shared client, so it closes last.
	if err := s.subscriptions.Close(ctx); err != nil {
		logger.Error("subscription store shutdown failed", slog.Any("error", err))
	}
	if err := s.queue.Close(ctx); err != nil {
		logger.Error("sync queue shutdown failed", slog.Any("error", err))
	}
	if err := s.buckets.Close(ctx); err != nil {
		logger.Error("bucket store shutdown failed", slog.Any("error", err))
	}
}

func buildStores(logger *slog.Logger, cfg config.CacheConfig) gatewayStores {
	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	switch backend {
	case "", "memory":
		if logger != nil {
			logger.Info("using memory stores")
		}
		return memoryStores()
	case "redis":
		client, err := bucket.NewRedisClient(bucket.RedisConfig{
			Address:  cfg.Redis.Address,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TLS: bucket.RedisTLSConfig{
				Enabled: cfg.Redis.TLS.Enabled,
				CAFile:  cfg.Redis.TLS.CAFile,
			},
		})
		if err != nil {
			if logger != nil {
				logger.Error("redis initialization failed", slog.Any("error", err))
				logger.Info("falling back to memory stores")
			}
			return memoryStores()
		}
		if logger != nil {
			logger.Info("using redis stores", slog.String("address", cfg.Redis.Address))
		}
		return gatewayStores{
			buckets:       bucket.NewRedisWithClient(client),
			queue:         syncq.NewRedis(client, false),
			subscriptions: push.NewRedis(client, false),
		}
	default:
		if logger != nil {
			logger.Warn("unsupported store backend, defaulting to memory", slog.String("backend", cfg.Backend))
		}
		return memoryStores()
	}
}

func memoryStores() gatewayStores {
	return gatewayStores{
		buckets:       bucket.NewMemory(),
		queue:         syncq.NewMemory(),
		subscriptions: push.NewMemory(),
	}
}
