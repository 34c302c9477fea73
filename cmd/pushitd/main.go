package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"pushit-backend/config"
	"pushit-backend/internal/api"
	"pushit-backend/internal/auth"
	"pushit-backend/internal/db"
	"pushit-backend/internal/dispatch"
	"pushit-backend/internal/logging"
	"pushit-backend/internal/metrics"
	"pushit-backend/internal/monitor"
	"pushit-backend/internal/mw"
	"pushit-backend/internal/queue"
	"pushit-backend/internal/store"
	"pushit-backend/internal/subscription"
	"pushit-backend/internal/topic"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("failed to load .env")
	}

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config/config.yaml" // Default path for local development
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", configPath).Msg("failed to load configuration")
	}
	logging.Setup(cfg.Log)
	log.Info().Str("path", configPath).Msg("configuration loaded")

	if cfg.Push.PublicKey == "" || cfg.Push.PrivateKey == "" || cfg.Push.Subject == "" {
		log.Warn().Msg("VAPID keys are not configured; run pushit-keygen and set push.vapid_* before dispatching")
	}

	// Initialize database
	gormDB, err := db.Init(&cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize database")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	appStore := store.NewGormStore(gormDB)
	m := metrics.NewMetrics("pushit")
	filter := topic.NewFilter(cfg.Topics.Privileged)
	authenticator := auth.NewAuthenticator(cfg.Auth)
	engine := dispatch.NewEngine(appStore, cfg.Push, filter, nil, m)

	errMon := monitor.NewErrorMonitor(cfg.Monitor, appStore, monitor.NewFileLogSource(cfg.Monitor.LogPath), engine, m)
	var updates *monitor.UpdateWatcher
	if cfg.Monitor.UpdateWatcherEnabled {
		updates = monitor.NewUpdateWatcher(cfg.Monitor, appStore, engine, m)
	}
	scheduler := monitor.NewScheduler(errMon, updates, cfg.Monitor.Interval)

	var wg sync.WaitGroup
	var inline mw.MonitorChecker
	if cfg.Monitor.Enabled {
		if cfg.Monitor.Mode == config.MonitorModeScheduled {
			wg.Add(1)
			go func() {
				defer wg.Done()
				scheduler.Run(ctx)
			}()
		} else {
			inline = errMon
		}
	}

	deps := api.Deps{
		Store:         appStore,
		Subscriptions: subscription.NewService(appStore, filter, authenticator, m),
		Engine:        engine,
		Auth:          authenticator,
		Monitor:       errMon,
		Scheduler:     scheduler,
		PublicKey:     cfg.Push.PublicKey,
	}

	if cfg.Queue.RedisURL != "" {
		client, err := queue.Connect(ctx, cfg.Queue.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize dispatch queue")
		}
		defer client.Close()

		q := queue.New(client, cfg.Queue.Key, m)
		deps.Queue = q
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Consume(ctx, engine)
		}()
	}

	// Initialize router
	router := api.NewRouter(deps, cfg.Server, m, inline)
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server ListenAndServe")
		}
	}()

	// Setup signal handling for graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	<-stop
	log.Info().Msg("shutdown signal received, stopping services")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server Shutdown")
	}
	cancel()
	wg.Wait()

	log.Info().Msg("server gracefully stopped")
}
