package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"ocrd/internal/config"
	"ocrd/internal/engine"
	"ocrd/internal/httpapi"
	"ocrd/internal/manager"
	"ocrd/internal/memprobe"
	"ocrd/internal/metrics"
	"ocrd/internal/pipeline"
	"ocrd/internal/publish"
	"ocrd/internal/queue"
	"ocrd/internal/ratelimit"
	"ocrd/internal/storage"
	"ocrd/internal/token"
	"ocrd/pkg/types"
)

func main() {
	// .env is a convenience for local runs; absence is not an error
	_ = godotenv.Load()

	defaultConfig := os.Getenv("OCRD_CONFIG")
	configPath := flag.String("config", defaultConfig, "Path to a yaml/json/toml config file")
	addr := flag.String("addr", "", "HTTP listen address, overrides config")
	logLevel := flag.String("log-level", "", "Log level: debug, info, warn, error")
	flag.Parse()

	cfg := config.Defaults()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			lg := zerolog.New(os.Stderr)
			lg.Fatal().Err(err).Str("path", *configPath).Msg("load config")
		}
		cfg = loaded
	}
	cfg = config.FromEnv(cfg)
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	cfg.ApplyDefaults()

	logger := newLogger(cfg.LogLevel)

	root, err := storage.Init(cfg.StorageRoot)
	if err != nil {
		logger.Fatal().Err(err).Msg("init job store")
	}

	probe := memprobe.System{}
	if cfg.MetricsEnabled {
		metrics.MustRegister(prometheus.DefaultRegisterer, probe, cfg.GPUIndex)
	}

	mgr := manager.New(manager.Config{
		MaxWorkers:       cfg.MaxWorkers,
		DynamicWorkers:   cfg.DynamicWorkers,
		MemPerJobGB:      cfg.MemPerJobGB,
		ReserveGPUMemGB:  cfg.ReserveGPUMemGB,
		MinSystemMemGB:   cfg.MinSystemMemGB,
		GPUIndex:         cfg.GPUIndex,
		ForceCPU:         cfg.ForceCPU,
		IdleUnload:       cfg.IdleUnload(),
		AssumeConcurrent: cfg.Backend == "sidecar",
		Probe:            probe,
		Primary:          primaryLoader(cfg, root),
		Secondary:        secondaryLoader(cfg, root),
		Logger:           logger,
	})

	pipe := pipeline.New(pipeline.Config{
		MaxUploadMB:     cfg.MaxUploadMB,
		MaxPages:        cfg.MaxPages,
		EnableAutoBatch: cfg.EnableAutoBatch,
		BatchPageSize:   cfg.BatchPageSize,
		AcquireTimeout:  cfg.AcquireTimeout(),
	}, mgr, logger)

	pub, err := newPublisher(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("init publisher")
	}
	var onSuccess func(*types.Job)
	if cfg.AutoPublish && pub.Backend() != "local" {
		onSuccess = func(job *types.Job) {
			if err := pub.PublishJob(job); err != nil {
				logger.Error().Str("task_id", job.TaskID).Err(err).Msg("publish failed")
			}
		}
	}

	q := queue.New(queue.Config{Capacity: cfg.MaxQueueSize, Workers: cfg.MaxWorkers}, pipe, onSuccess, logger)
	q.Start()

	tokens, err := token.NewStore(cfg.TokenStorePath, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("init token store")
	}

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.New(cfg.RateLimit.RPS, cfg.RateLimit.Burst,
			time.Duration(cfg.RateLimit.TTLSeconds)*time.Second)
	}

	stopSweep := startRetentionSweep(root, cfg.MaxJobRetention, logger)

	api := httpapi.New(cfg, root, q, mgr, tokens, limiter, pub, logger)
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().
			Str("addr", cfg.Addr).
			Str("backend", cfg.Backend).
			Str("storage_root", root).
			Msg("ocrd listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	// Graceful shutdown (Ctrl+C / SIGTERM)
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown")
	}
	q.Stop(30 * time.Second)
	mgr.Stop()
	if limiter != nil {
		limiter.Stop()
	}
	close(stopSweep)
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
}

// primaryLoader builds the configured backend; secondaryLoader supplies the
// subprocess fallback for sidecar setups.
func primaryLoader(cfg config.Config, root string) manager.Loader {
	if cfg.Backend == "subprocess" {
		return subprocessLoader(cfg, root)
	}
	connectTimeout := time.Duration(cfg.LoadTimeoutSeconds) * time.Second
	return func(device string) (engine.Engine, error) {
		return engine.NewSidecar(cfg.SidecarURL, device, connectTimeout)
	}
}

func secondaryLoader(cfg config.Config, root string) manager.Loader {
	if cfg.Backend == "subprocess" || cfg.ConverterBin == "" {
		return nil
	}
	return subprocessLoader(cfg, root)
}

func subprocessLoader(cfg config.Config, root string) manager.Loader {
	tmpDir := filepath.Join(root, "tmp")
	return func(device string) (engine.Engine, error) {
		return engine.NewSubprocess(cfg.ConverterBin, cfg.ConverterArgs, device, tmpDir)
	}
}

func newPublisher(cfg config.Config, logger zerolog.Logger) (publish.Publisher, error) {
	if cfg.PublishBackend == "oss" {
		return publish.NewOSS(cfg.OSS, logger)
	}
	return publish.Local{}, nil
}

// startRetentionSweep prunes old job directories in the background so the
// store cannot grow without bound.
func startRetentionSweep(root string, maxRetention int, logger zerolog.Logger) chan struct{} {
	stop := make(chan struct{})
	if maxRetention <= 0 {
		return stop
	}
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				removed, err := storage.CleanupOldJobs(root, maxRetention)
				if err != nil {
					logger.Error().Err(err).Msg("retention sweep")
					continue
				}
				if removed > 0 {
					logger.Info().Int("removed", removed).Msg("retention sweep pruned jobs")
				}
			}
		}
	}()
	return stop
}
