package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"app-monitor/internal/api"
	"app-monitor/internal/config"
	"app-monitor/internal/healthcheck"
	"app-monitor/internal/lock"
	"app-monitor/internal/monitor"
	"app-monitor/internal/monitoring"
	"app-monitor/internal/notify"
	"app-monitor/internal/process"
	"app-monitor/internal/results"
	"app-monitor/internal/runner"
	"app-monitor/internal/runtime"
	"app-monitor/internal/storage"
)

func main() {
	// Structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	cfg := loadConfig()
	if level, err := zerolog.ParseLevel(cfg.Log.Level); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := monitor.NewMetrics()
	var tracer *monitor.Tracer
	if cfg.Tracing.Enabled {
		tracer = monitor.NewTracer()
	}

	// Database (optional, the runner and probes work without it)
	var db *storage.DB
	if cfg.Database.DSN != "" {
		var err error
		db, err = storage.New(ctx, cfg.Database.DSN, storage.PoolOptions{
			MaxConns:        cfg.Database.MaxOpenConns,
			MinConns:        cfg.Database.MinConns,
			MaxConnLifetime: cfg.Database.ConnMaxLifetime,
		})
		if err != nil {
			log.Warn().Err(err).Msg("database unavailable, persistence disabled")
			db = nil
		} else {
			defer db.Close()
			if cfg.Database.Migrate {
				if err := db.Migrate(ctx); err != nil {
					log.Fatal().Err(err).Msg("failed to apply schema")
				}
			}
		}
	} else {
		log.Warn().Msg("database.dsn not set, projects and history are unavailable")
	}

	var resultWriter *storage.ResultWriter
	if db != nil {
		resultWriter = storage.NewResultWriter(db, 1000)
		resultWriter.Start()
		defer resultWriter.Flush(10 * time.Second)
	}

	locker := lock.New(newLockStore(ctx, cfg, db), cfg.Lock.Timeout, metrics, tracer)

	var sampler process.Sampler
	if s, err := process.NewProcfsSampler(); err != nil {
		log.Warn().Err(err).Msg("procfs unavailable, resource limits are not enforced")
	} else {
		sampler = s
	}
	registry := process.NewRegistry(sampler, cfg.Runner.KillGrace, metrics)

	rt, err := selectRuntime(cfg.Runner)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid runner runtime")
	}
	run, err := runner.New(runner.Config{
		Runtime:        rt,
		Shell:          cfg.Runner.Shell,
		WorkDir:        cfg.Runner.WorkDir,
		Env:            cfg.Runner.Env,
		DefaultTimeout: cfg.Runner.DefaultTimeout,
		MaxTimeout:     cfg.Runner.MaxTimeout,
		KillGrace:      cfg.Runner.KillGrace,
		Limits: runner.Limits{
			MaxMemoryMB:   cfg.Runner.Limits.MaxMemoryMB,
			MaxCPUPercent: cfg.Runner.Limits.MaxCPUPercent,
			CheckInterval: cfg.Runner.Limits.CheckInterval,
		},
	}, registry, results.NewMochaParser(), metrics, tracer)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to configure runner")
	}

	checker := healthcheck.New(healthcheck.Options{
		Timeout:   cfg.HealthCheck.Timeout,
		UserAgent: cfg.HealthCheck.UserAgent,
	}, metrics, tracer)

	tg := cfg.Notify.Telegram
	notifier := notify.NewNotifier(notify.TelegramOptions{
		BotToken: tg.BotToken,
		ChatID:   tg.ChatID,
		APIURL:   tg.APIURL,
		Timeout:  tg.Timeout,
	}, metrics)

	deps := monitoring.Deps{
		Prober:     checker,
		Runner:     run,
		Locker:     locker,
		Notifier:   notifier,
		Classifier: monitor.NewFailureClassifier(),
		Processes:  registry,
		Metrics:    metrics,
		PublicURL:  cfg.App.PublicURL,
	}
	apiDeps := api.Deps{
		Prober:    checker,
		Processes: registry,
		Runs:      run,
		Metrics:   metrics,
	}
	// Nil pointers must stay out of the interfaces.
	if db != nil {
		deps.Projects = db
		deps.Results = resultWriter
		apiDeps.Projects = db
		apiDeps.DB = db
	}
	svc := monitoring.NewService(deps)
	apiDeps.Monitor = svc

	var scheduler *monitoring.Scheduler
	if cfg.Scheduler.Enabled {
		scheduler = monitoring.NewScheduler(svc, monitoring.SchedulerConfig{
			HealthCheckInterval: cfg.Scheduler.HealthCheckInterval,
			E2EInterval:         cfg.Scheduler.E2EInterval,
			SweepInterval:       cfg.Lock.SweepInterval,
		})
		scheduler.Start(ctx)
	}

	server := api.NewServer(cfg, apiDeps)

	// Graceful shutdown
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		log.Info().Str("signal", sig.String()).Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}
		cancel()
		if scheduler != nil {
			scheduler.Stop()
		}
		if err := run.Close(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("runner close error")
		}
	}()

	log.Info().
		Str("addr", cfg.Address()).
		Bool("db_enabled", db != nil).
		Str("lock_backend", cfg.Lock.Backend).
		Str("runtime", rt.Name()).
		Bool("scheduler", cfg.Scheduler.Enabled).
		Msg("server starting")

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}

	<-stopped
	log.Info().Msg("server stopped")
}

func loadConfig() *config.Config {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	if _, statErr := os.Stat(configPath); statErr == nil {
		cfg, err := config.Load(configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
		}
		return cfg
	}

	log.Info().Msg("no config file found, using defaults")
	cfg := config.DefaultConfig()
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		log.Fatal().Err(err).Msg("invalid environment")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}
	return cfg
}

func newLockStore(ctx context.Context, cfg *config.Config, db *storage.DB) lock.Store {
	switch cfg.Lock.Backend {
	case config.LockPostgres:
		if db == nil {
			log.Fatal().Msg("lock backend postgres requires a reachable database")
		}
		return db.Locks()
	case config.LockRedis:
		client, err := lock.NewRedisClient(ctx, cfg.Redis.URL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		return lock.NewRedisStore(client)
	default:
		log.Warn().Msg("in-memory lock store, e2e runs are only serialised within this instance")
		return lock.NewMemoryStore()
	}
}

func selectRuntime(rc config.RunnerConfig) (runtime.Runtime, error) {
	runtimes := runtime.NewRegistry()
	runtimes.Register(runtime.NewCypressRuntime(rc.Browser))
	if len(rc.Command) > 0 {
		runtimes.Register(&runtime.CommandRuntime{Argv: rc.Command})
	}
	return runtimes.Get(rc.Runtime)
}
