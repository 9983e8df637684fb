package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	cli "github.com/urfave/cli/v3"

	"github.com/ignite/sequence-engine/internal/api"
	"github.com/ignite/sequence-engine/internal/app"
	"github.com/ignite/sequence-engine/internal/config"
	"github.com/ignite/sequence-engine/internal/pkg/logger"
	"github.com/ignite/sequence-engine/internal/tracking"
)

func main() {
	cmd := &cli.Command{
		Name:  "sequence-worker",
		Usage: "Run the step scheduler and the delivery event consumer",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the YAML config file",
				Value:   "config.yaml",
				Sources: cli.EnvVars("CONFIG_PATH"),
			},
			&cli.StringFlag{
				Name:    "store",
				Usage:   "Backing store (memory, postgres)",
				Value:   app.StorePostgres,
				Sources: cli.EnvVars("STORE"),
			},
			&cli.StringFlag{
				Name:    "health-addr",
				Usage:   "Address for the health endpoint; empty disables it",
				Value:   ":8081",
				Sources: cli.EnvVars("WORKER_HEALTH_ADDR"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "sweep",
				Usage: "Run one sweep and exit",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					a, err := setup(ctx, cmd)
					if err != nil {
						return err
					}
					defer a.Close()
					exec, err := a.Executor(ctx)
					if err != nil {
						return err
					}
					stats, err := exec.Sweep(ctx)
					if err != nil {
						return err
					}
					logger.Info("sweep done", "claimed", stats.Claimed, "errors", stats.Errors)
					return nil
				},
			},
		},
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		logger.Error("worker exited", "error", err)
		os.Exit(1)
	}
}

func setup(ctx context.Context, cmd *cli.Command) (*app.App, error) {
	path := cmd.String("config")
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		path = ""
	}
	cfg, err := config.LoadFromEnv(path)
	if err != nil {
		return nil, err
	}
	if lvl, err := logger.ParseLevel(cfg.Logging.Level); err == nil {
		logger.SetLevel(lvl)
	}
	return app.New(ctx, cfg, cmd.String("store"))
}

func run(ctx context.Context, cmd *cli.Command) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("close", "error", err)
		}
	}()

	exec, err := a.Executor(ctx)
	if err != nil {
		return err
	}
	if err := exec.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer exec.Stop()
	logger.Info("sequence scheduler started", "store", a.Store, "lock_backend", a.Locks().Backend())

	client, err := a.SQS(ctx)
	if err != nil {
		return err
	}
	if client != nil {
		consumer := tracking.NewConsumer(client, a.Config.Tracking.QueueURL, a.Deliveries)
		consumer.Start(ctx)
		defer consumer.Stop()
		logger.Info("delivery event consumer started", "queue_url", a.Config.Tracking.QueueURL)
	}

	if addr := cmd.String("health-addr"); addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/health", &api.HealthChecker{DB: a.DB, Redis: a.Redis, Executor: exec, Store: a.Store})
		srv := &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("health server", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down worker")
	return nil
}
