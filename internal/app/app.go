// Package app assembles the engine's components from configuration. The
// server and worker commands share it so both processes see the same
// stores, services and gateways.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/sequence-engine/internal/automation"
	"github.com/ignite/sequence-engine/internal/config"
	"github.com/ignite/sequence-engine/internal/delivery"
	"github.com/ignite/sequence-engine/internal/domain"
	"github.com/ignite/sequence-engine/internal/mailing"
	"github.com/ignite/sequence-engine/internal/pkg/distlock"
	"github.com/ignite/sequence-engine/internal/pkg/logger"
	"github.com/ignite/sequence-engine/internal/repository/memory"
	"github.com/ignite/sequence-engine/internal/repository/postgres"
	"github.com/ignite/sequence-engine/internal/service/enrollment"
	"github.com/ignite/sequence-engine/internal/service/sending"
	"github.com/ignite/sequence-engine/internal/service/sequence"
	"github.com/ignite/sequence-engine/internal/tracking"
	"github.com/ignite/sequence-engine/internal/worker"
)

// Store names accepted by New.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Directory resolves contacts, workspaces and audiences.
type Directory interface {
	GetContact(ctx context.Context, id string) (*domain.Contact, error)
	GetWorkspace(ctx context.Context, id string) (*domain.Workspace, error)
	MatchAudience(ctx context.Context, q domain.AudienceQuery) ([]string, error)
}

// App holds the wired components of one process.
type App struct {
	Config *config.Config
	Store  string

	DB     *sql.DB
	Redis  *redis.Client
	Memory *memory.Store

	SequenceRepo   sequence.Repository
	EnrollmentRepo enrollment.Repository
	Directory      Directory

	Sequences   *sequence.Service
	Enrollments *enrollment.Service
	Listener    *automation.Listener
	Deliveries  *worker.DeliveryEventHandler
	Bus         *automation.EventBus

	// lockRedis is Redis when it answered the startup ping. Health checks
	// keep reporting a.Redis either way.
	lockRedis *redis.Client
	sqsClient *sqs.Client
	closers   []func() error
}

// New connects the configured store and builds the services. store is
// StoreMemory or StorePostgres; empty picks postgres when a database URL
// is configured.
func New(ctx context.Context, cfg *config.Config, store string) (*App, error) {
	if store == "" {
		store = StoreMemory
		if cfg.Database.URL != "" {
			store = StorePostgres
		}
	}
	a := &App{Config: cfg, Store: store}

	switch store {
	case StoreMemory:
		a.Memory = memory.New()
		a.SequenceRepo = a.Memory.Sequences()
		a.EnrollmentRepo = a.Memory.Enrollments()
		a.Directory = a.Memory
	case StorePostgres:
		if cfg.Database.URL == "" {
			return nil, errors.New("postgres store needs database.url or DATABASE_URL")
		}
		db, err := postgres.Open(ctx, cfg.Database.URL, postgres.PoolConfig{
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime(),
		})
		if err != nil {
			return nil, err
		}
		a.DB = db
		a.closers = append(a.closers, db.Close)
		a.SequenceRepo = postgres.NewSequenceRepo(db)
		a.EnrollmentRepo = postgres.NewEnrollmentRepo(db)
		a.Directory = postgres.NewDirectory(db)
		logger.Info("connected to postgres")
	default:
		return nil, fmt.Errorf("unknown store %q", store)
	}

	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		a.Redis = redis.NewClient(opts)
		a.closers = append(a.closers, a.Redis.Close)
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable, dispatch locks fall back", "backend", a.Locks().Backend(), "error", err)
		} else {
			a.lockRedis = a.Redis
		}
	}

	a.Sequences = sequence.NewService(a.SequenceRepo,
		sequence.WithEnrollmentStopper(a.EnrollmentRepo),
		sequence.WithWorkspaces(a.Directory))
	a.Enrollments = enrollment.NewService(a.EnrollmentRepo)
	a.Listener = automation.NewListener(a.SequenceRepo, a.EnrollmentRepo, a.Directory)
	a.Deliveries = worker.NewDeliveryEventHandler(a.EnrollmentRepo)
	return a, nil
}

// EventBus opens the configured contact event bus once.
func (a *App) EventBus() (*automation.EventBus, error) {
	if a.Bus != nil {
		return a.Bus, nil
	}
	var (
		bus *automation.EventBus
		err error
	)
	switch a.Config.Events.Driver {
	case "kafka":
		bus, err = automation.NewKafkaBus(a.Config.Events.Brokers, a.Config.Events.ConsumerGroup)
		if err != nil {
			return nil, err
		}
	case "", "gochannel":
		bus = automation.NewGoChannelBus(false)
	default:
		return nil, fmt.Errorf("unknown event driver %q", a.Config.Events.Driver)
	}
	a.Bus = bus
	a.closers = append(a.closers, bus.Close)
	return bus, nil
}

// Sender builds the channel router. Channels without a configured
// provider log instead of sending.
func (a *App) Sender(ctx context.Context) (sending.Sender, error) {
	router := sending.NewRouter()
	ses := a.Config.Delivery.SES
	if ses.Enabled {
		s, err := delivery.NewSESSender(ctx, delivery.SESConfig{
			Region:           ses.Region,
			AccessKey:        ses.AccessKey,
			SecretKey:        ses.SecretKey,
			ConfigurationSet: ses.ConfigurationSet,
			DefaultFromName:  ses.FromName,
			DefaultFromEmail: ses.FromEmail,
		})
		if err != nil {
			return nil, err
		}
		router.Register(domain.ChannelEmail, s)
	} else {
		router.Register(domain.ChannelEmail, sending.LogSender{})
	}

	sms := a.Config.Delivery.SMS
	if sms.Enabled && sms.Endpoint != "" {
		router.Register(domain.ChannelSMS, delivery.NewSMSSender(delivery.SMSConfig{
			Endpoint:   sms.Endpoint,
			APIKey:     sms.APIKey,
			From:       sms.From,
			MaxRetries: sms.MaxRetries,
			Timeout:    sms.Timeout(),
		}, nil))
	} else {
		router.Register(domain.ChannelSMS, sending.LogSender{})
	}
	return router, nil
}

// Locks returns the dispatch lock provider: Redis when configured and
// reachable at startup, otherwise PostgreSQL advisory locks, otherwise
// process-local locks.
func (a *App) Locks() *distlock.Provider {
	return distlock.NewProvider(a.lockRedis, a.DB)
}

// Executor builds the step scheduler.
func (a *App) Executor(ctx context.Context) (*worker.SequenceExecutor, error) {
	sender, err := a.Sender(ctx)
	if err != nil {
		return nil, err
	}
	s := a.Config.Scheduler
	return worker.NewSequenceExecutor(a.EnrollmentRepo, a.SequenceRepo, a.Directory,
		mailing.NewRenderer(), sender, a.Locks(), worker.ExecutorConfig{
			Schedule:    s.Cron,
			BatchSize:   s.BatchSize,
			Concurrency: s.Concurrency,
			Lease:       s.Lease(),
			LockTTL:     s.LockTTL(),
			SendTimeout: s.SendTimeout(),
		}), nil
}

// SQS returns a client for the delivery event queue, or nil when
// tracking is disabled.
func (a *App) SQS(ctx context.Context) (*sqs.Client, error) {
	if !a.Config.Tracking.Enabled || a.Config.Tracking.QueueURL == "" {
		return nil, nil
	}
	if a.sqsClient != nil {
		return a.sqsClient, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(a.Config.Tracking.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	a.sqsClient = sqs.NewFromConfig(awsCfg)
	return a.sqsClient, nil
}

// DeliveryReceiver is what the webhook hands reports to: the SQS queue
// when tracking is enabled, so the worker applies them, otherwise the
// handler inline.
func (a *App) DeliveryReceiver(ctx context.Context) (func(context.Context, domain.DeliveryEvent) error, error) {
	client, err := a.SQS(ctx)
	if err != nil {
		return nil, err
	}
	if client == nil {
		return a.Deliveries.Handle, nil
	}
	return tracking.NewPublisher(client, a.Config.Tracking.QueueURL).Enqueue, nil
}

// Close releases everything New and the builders opened, newest first.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
