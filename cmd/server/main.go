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
)

func main() {
	cmd := &cli.Command{
		Name:  "sequence-server",
		Usage: "Serve the sequence API and consume contact events",
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
				Usage:   "Backing store (memory, postgres); defaults to postgres when a database URL is set",
				Sources: cli.EnvVars("STORE"),
			},
			&cli.BoolFlag{
				Name:    "with-scheduler",
				Usage:   "Run the step scheduler in this process (always on with the memory store)",
				Sources: cli.EnvVars("WITH_SCHEDULER"),
			},
		},
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd.String("config"))
	if err != nil {
		return err
	}
	if lvl, err := logger.ParseLevel(cfg.Logging.Level); err == nil {
		logger.SetLevel(lvl)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, cmd.String("store"))
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("close", "error", err)
		}
	}()

	bus, err := a.EventBus()
	if err != nil {
		return err
	}
	if err := bus.Subscribe(ctx, a.Listener); err != nil {
		return err
	}

	health := &api.HealthChecker{DB: a.DB, Redis: a.Redis, Store: a.Store}
	if a.Store == app.StoreMemory || cfg.Scheduler.Enabled || cmd.Bool("with-scheduler") {
		exec, err := a.Executor(ctx)
		if err != nil {
			return err
		}
		if err := exec.Start(); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		defer exec.Stop()
		health.Executor = exec
	}

	receive, err := a.DeliveryReceiver(ctx)
	if err != nil {
		return err
	}

	srv := api.NewServer(api.Deps{
		Sequences:   a.Sequences,
		Enrollments: a.Enrollments,
		Listener:    a.Listener,
		Delivery:    api.DeliveryReceiverFunc(receive),
		Events:      bus,
		Health:      health,
	}, api.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		WebhookToken:   cfg.Server.WebhookToken,
	})

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.Server.Addr(), "store", a.Store)
		errCh <- srv.ListenAndServe(cfg.Server.Addr())
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// loadConfig reads the config file when it exists and falls back to
// defaults plus environment otherwise.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		path = ""
	}
	return config.LoadFromEnv(path)
}
