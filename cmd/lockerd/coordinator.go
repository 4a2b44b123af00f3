package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"locker-coordinator/config"
	"locker-coordinator/internal/api"
	"locker-coordinator/internal/db"
	"locker-coordinator/internal/events"
	"locker-coordinator/internal/liveness"
	"locker-coordinator/internal/locker"
	"locker-coordinator/internal/log"
	"locker-coordinator/internal/notification"
	"locker-coordinator/internal/queue"
)

const shutdownTimeout = 5 * time.Second

func newCoordinatorCommand(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "coordinator",
		Short: "Run the central coordinator: HTTP API, reservation sweeper and liveness monitor",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			defer log.Sync(logger)
			return runCoordinator(cmd.Context(), cfg, logger)
		},
	}
}

func runCoordinator(ctx context.Context, cfg *config.Config, logger log.Logger) error {
	gormDB, err := db.Init(&cfg.Database)
	if err != nil {
		return err
	}
	logger.Info("database initialized")

	g, ctx := errgroup.WithContext(ctx)

	audit := events.NewRecorder(gormDB, logger)
	closeMQTT, err := attachMQTT(cfg.MQTT, audit, logger)
	if err != nil {
		return err
	}
	defer closeMQTT()

	var webpushOptions *webpush.Options
	if cfg.Push.PublicKey != "" && cfg.Push.PrivateKey != "" {
		webpushOptions = &webpush.Options{
			VAPIDPublicKey:  cfg.Push.PublicKey,
			VAPIDPrivateKey: cfg.Push.PrivateKey,
			Subscriber:      cfg.Push.Subject,
			TTL:             cfg.Push.TTL,
		}
		pool := notification.NewWorkerPool(cfg.WorkerPool.Size, gormDB, webpushOptions, logger)
		pool.Start(ctx)
		audit.AddPublisher(pool)
	} else {
		logger.Warn("VAPID keys are not configured, operator alerts disabled")
	}

	audit.Start(ctx)

	lockers := locker.NewStore(gormDB, audit, logger)
	registry := liveness.NewRegistry(gormDB, audit, cfg.Coordinator.OfflineThreshold, logger)
	commands := queue.NewStore(gormDB, audit, logger)
	services := api.Services{
		DB:       gormDB,
		Lockers:  lockers,
		Queue:    commands,
		Registry: registry,
		Audit:    audit,
	}

	sweeper := locker.NewSweeper(lockers, cfg.Coordinator.ReservationTTL, cfg.Coordinator.SweepInterval, logger)
	monitor := liveness.NewMonitor(registry, cfg.Coordinator.MonitorInterval, logger)
	reaper := queue.NewReaper(commands, cfg.Coordinator.ExecutionTimeout, cfg.Coordinator.SweepInterval, logger)
	g.Go(func() error {
		sweeper.Run(ctx)
		return nil
	})
	g.Go(func() error {
		monitor.Run(ctx)
		return nil
	})
	g.Go(func() error {
		reaper.Run(ctx)
		return nil
	})

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: api.NewRouter(services, webpushOptions, logger),
	}
	serve(ctx, g, server, logger)

	return g.Wait()
}

// serve runs server in g and shuts it down gracefully when ctx ends.
func serve(ctx context.Context, g *errgroup.Group, server *http.Server, logger log.Logger) {
	g.Go(func() error {
		logger.Info("HTTP server starting", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server on %s: %w", server.Addr, err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTP server shutdown: %w", err)
		}
		logger.Info("HTTP server stopped", "addr", server.Addr)
		return nil
	})
}

// attachMQTT adds the MQTT publisher to audit when enabled. The returned
// func disconnects from the broker.
func attachMQTT(cfg config.MQTTConfig, audit *events.Recorder, logger log.Logger) (func(), error) {
	if !cfg.Enabled {
		return func() {}, nil
	}
	pub, err := events.NewMQTTPublisher(cfg, logger)
	if err != nil {
		return nil, err
	}
	audit.AddPublisher(pub)
	return pub.Close, nil
}
