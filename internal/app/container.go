// Package app wires configuration, storage and services into the API and
// worker processes.
package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	httptransport "github.com/spec-kit/helpdesk-engine/internal/api/http"
	"github.com/spec-kit/helpdesk-engine/internal/api/http/handlers"
	"github.com/spec-kit/helpdesk-engine/internal/auth"
	"github.com/spec-kit/helpdesk-engine/internal/clock"
	"github.com/spec-kit/helpdesk-engine/internal/config"
	"github.com/spec-kit/helpdesk-engine/internal/events"
	"github.com/spec-kit/helpdesk-engine/internal/notify"
	"github.com/spec-kit/helpdesk-engine/internal/observability"
	"github.com/spec-kit/helpdesk-engine/internal/outbox"
	"github.com/spec-kit/helpdesk-engine/internal/persistence"
	"github.com/spec-kit/helpdesk-engine/internal/repository"
	"github.com/spec-kit/helpdesk-engine/internal/service"
	"github.com/spec-kit/helpdesk-engine/internal/worker"
)

// Container holds the long-lived dependencies of a process.
type Container struct {
	Config   *config.Config
	Logger   *zap.Logger
	Metrics  *observability.Metrics
	Postgres *persistence.Postgres
	Redis    *persistence.Redis
	Tokens   *auth.TokenManager

	Tickets       *service.TicketService
	Transitions   *service.TransitionService
	Escalations   *service.EscalationService
	Notifications *service.NotificationService
	Queue         *outbox.Queue
	Dispatcher    *events.Dispatcher
}

// New connects to Postgres and Redis, runs migrations when enabled and
// builds every service.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Container, error) {
	pg, err := persistence.NewPostgres(ctx, cfg.Postgres, cfg.App.Name, logger)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if cfg.Postgres.RunMigrations {
		if err := persistence.RunMigrations(ctx, pg.PoolHandle(), cfg.Postgres.MigrationsDir, logger); err != nil {
			pg.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}
	redis := persistence.NewRedis(cfg.Redis, logger)

	resolver, err := newChainResolver(cfg.Escalation, pg.PoolHandle())
	if err != nil {
		pg.Close()
		redis.Close()
		return nil, err
	}

	pool := pg.PoolHandle()
	clk := clock.Real()
	metrics := observability.NewMetrics()
	tx := repository.NewTransactor(pool)
	committees := repository.NewCommitteeRepository(pool)

	c := &Container{
		Config:   cfg,
		Logger:   logger,
		Metrics:  metrics,
		Postgres: pg,
		Redis:    redis,
		Tokens:   auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTLMinutes),
	}
	c.Tickets = service.NewTicketService(service.TicketDependencies{
		Transactor: tx,
		Committees: committees,
		Clock:      clk,
		Logger:     logger.Named("tickets"),
	})
	c.Transitions = service.NewTransitionService(service.TransitionDependencies{
		Transactor: tx,
		Committees: committees,
		Groups:     repository.NewGroupRepository(pool),
		Catalog:    repository.NewStatusRepository(pool),
		Clock:      clk,
		Logger:     logger.Named("transitions"),
		Metrics:    metrics,
	})
	c.Escalations = service.NewEscalationService(service.EscalationDependencies{
		Transactor: tx,
		Resolver:   resolver,
		Policy: service.EscalationPolicy{
			InactivityDays: cfg.Escalation.InactivityDays,
			CooldownDays:   cfg.Escalation.CooldownDays,
			UrgentLevel:    cfg.Escalation.UrgentLevel,
		},
		Clock:   clk,
		Logger:  logger.Named("escalation"),
		Metrics: metrics,
	})

	c.Queue = outbox.NewQueue(tx, clk, outbox.Options{
		MaxRetryDelay: cfg.Outbox.MaxRetryDelay,
		ClaimLease:    cfg.Outbox.ClaimLease,
	}, logger.Named("outbox"))
	c.Dispatcher = events.NewDispatcher(c.Queue, cfg.Outbox.HandlerTimeout, logger.Named("dispatcher"), metrics)

	deps := service.NotificationDependencies{
		Transactor: tx,
		Users:      repository.NewUserRepository(pool),
		Ledger:     notify.NewRedisLedger(redis.Client, cfg.Notification.DeliveryLedgerTTL),
		Config:     cfg.Notification,
		Logger:     logger.Named("notify"),
	}
	// assign only when configured so a nil client stays a nil interface
	if chat := notify.NewChatClient(cfg.Notification); chat != nil {
		deps.Chat = chat
	}
	if email := notify.NewSMTPSender(cfg.Notification); email != nil {
		deps.Email = email
	}
	c.Notifications = service.NewNotificationService(deps)
	c.Notifications.RegisterHandlers(c.Dispatcher)

	return c, nil
}

func newChainResolver(cfg config.EscalationConfig, db repository.DBTX) (service.AssignmentResolver, error) {
	if cfg.ChainSource == "file" {
		entries, err := config.LoadEscalationChains(cfg.ChainFile)
		if err != nil {
			return nil, err
		}
		return service.NewStaticChainResolver(entries), nil
	}
	return repository.NewEscalationChainRepository(db), nil
}

// HTTPApp builds the fiber application with middlewares and routes.
func (c *Container) HTTPApp() *fiber.App {
	app := fiber.New(fiber.Config{AppName: c.Config.App.Name})
	httptransport.RegisterMiddlewares(app, c.Logger, c.Metrics, c.Config.App.RequestTimeout())
	httptransport.RegisterRoutes(app, httptransport.RouteConfig{
		Health: handlers.NewHealthHandler(c.Config.App.Name, c.Config.App.Version, map[string]handlers.Pinger{
			"postgres": c.Postgres,
			"redis":    c.Redis,
		}),
		Tickets:        handlers.NewTicketsHandler(c.Tickets, c.Transitions, clock.Real()),
		Ops:            handlers.NewOpsHandler(c.Escalations, c.Dispatcher, c.Queue, c.Config.Outbox.BatchSize, c.Config.Outbox.StuckAttempts),
		AuthMiddleware: auth.NewAuthMiddleware(c.Tokens),
		Metrics:        c.Metrics,
	})
	return app
}

// RunWorkers runs the escalation and dispatcher loops until ctx is done.
func (c *Container) RunWorkers(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		worker.RunEscalationLoop(ctx, worker.EscalationLoopConfig{
			Sweeper:  c.Escalations,
			Locker:   c.Redis,
			Interval: c.Config.Escalation.Interval,
			LockTTL:  c.Config.Escalation.LockTTL,
			Logger:   c.Logger.Named("escalation-worker"),
		})
	}()
	go func() {
		defer wg.Done()
		worker.RunDispatcherLoop(ctx, worker.DispatcherLoopConfig{
			Dispatcher:   c.Dispatcher,
			BatchSize:    c.Config.Outbox.BatchSize,
			PollInterval: c.Config.Outbox.PollInterval,
			Logger:       c.Logger.Named("dispatcher-worker"),
		})
	}()
	wg.Wait()
}

// Close releases connections.
func (c *Container) Close() {
	c.Redis.Close()
	c.Postgres.Close()
}
