package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/phrazzld/segqueue/internal/api"
	"github.com/phrazzld/segqueue/internal/config"
	"github.com/phrazzld/segqueue/internal/inference"
	"github.com/phrazzld/segqueue/internal/service/auth"
	"github.com/phrazzld/segqueue/internal/service/queue"
	"github.com/phrazzld/segqueue/internal/task"
)

// application holds all the dependencies of the server.
type application struct {
	config          *config.Config
	logger          *slog.Logger
	storage         *storage
	notify          *notification
	jwtService      auth.JWTService
	inferenceClient inference.Client
	queueService    *queue.Service
	workerPool      *task.WorkerPool

	// Background loops started by start and awaited by stop.
	cancelService context.CancelFunc
	cancelBridge  context.CancelFunc
	cancelRelay   context.CancelFunc
	serviceDone   sync.WaitGroup
	bridgeDone    sync.WaitGroup
	relayDone     sync.WaitGroup
}

type appOptions struct {
	inferenceClient inference.Client
}

// appOption customizes application construction, mainly for tests.
type appOption func(*appOptions)

// withInferenceClient replaces the configured inference backend.
func withInferenceClient(client inference.Client) appOption {
	return func(o *appOptions) { o.inferenceClient = client }
}

// newApplication wires every component described by cfg. Nothing runs
// until start is called.
func newApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...appOption) (*application, error) {
	var options appOptions
	for _, opt := range opts {
		opt(&options)
	}

	app := &application{config: cfg, logger: logger}

	st, err := setupStorage(ctx, cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to set up storage: %w", err)
	}
	app.storage = st

	jwtService, err := auth.NewJWTService(cfg.Auth)
	if err != nil {
		app.cleanup()
		return nil, fmt.Errorf("failed to create JWT service: %w", err)
	}
	app.jwtService = jwtService

	app.inferenceClient = options.inferenceClient
	if app.inferenceClient == nil {
		client, err := setupInference(ctx, cfg.Inference, logger)
		if err != nil {
			app.cleanup()
			return nil, err
		}
		app.inferenceClient = client
	}

	n, err := setupNotification(ctx, cfg.Notify, logger)
	if err != nil {
		app.cleanup()
		return nil, fmt.Errorf("failed to set up notifications: %w", err)
	}
	app.notify = n

	svc, err := queue.NewService(st.jobStore, n.bridge, queue.NewConfig(cfg.Queue), logger)
	if err != nil {
		app.cleanup()
		return nil, fmt.Errorf("failed to create queue service: %w", err)
	}
	app.queueService = svc

	app.workerPool = task.NewWorkerPool(svc, app.inferenceClient,
		task.NewWorkerPoolConfig(cfg.Queue, cfg.Inference), logger)

	return app, nil
}

// start launches the background loops in dependency order: notification
// delivery first, then the service's outcome loop, then the workers.
func (app *application) start() error {
	bridgeCtx, cancelBridge := context.WithCancel(context.Background())
	app.cancelBridge = cancelBridge
	app.bridgeDone.Add(1)
	go func() {
		defer app.bridgeDone.Done()
		app.notify.bridge.Run(bridgeCtx)
	}()

	if app.notify.relay != nil {
		relayCtx, cancelRelay := context.WithCancel(context.Background())
		app.cancelRelay = cancelRelay
		app.relayDone.Add(1)
		go func() {
			defer app.relayDone.Done()
			if err := app.notify.relay.Run(relayCtx); err != nil && !errors.Is(err, context.Canceled) {
				app.logger.Error("redis relay stopped", "error", err)
			}
		}()
	}

	serviceCtx, cancelService := context.WithCancel(context.Background())
	app.cancelService = cancelService
	app.serviceDone.Add(1)
	go func() {
		defer app.serviceDone.Done()
		app.queueService.Run(serviceCtx)
	}()

	if err := app.workerPool.Start(); err != nil {
		app.stop()
		return fmt.Errorf("failed to start worker pool: %w", err)
	}
	return nil
}

// stop shuts the background loops down in reverse order. Workers report
// their interrupted items before the service stops resolving outcomes,
// and the bridge drains before subscribers are disconnected.
func (app *application) stop() {
	if app.workerPool != nil {
		app.workerPool.Stop()
	}
	if app.cancelService != nil {
		app.cancelService()
		app.serviceDone.Wait()
	}
	if app.cancelBridge != nil {
		app.cancelBridge()
		app.bridgeDone.Wait()
	}
	if app.cancelRelay != nil {
		app.cancelRelay()
		app.relayDone.Wait()
	}
	app.cleanup()
}

// cleanup releases external resources. It is safe on a partially
// constructed application.
func (app *application) cleanup() {
	if app.notify != nil {
		app.notify.channel.Close()
		app.notify.closeRedis(app.logger)
	}
	if app.storage != nil {
		app.logger.Info("closing database connection")
		if err := app.storage.close(); err != nil {
			app.logger.Error("error closing database connection", "error", err)
		}
		app.storage = nil
	}
}

type pinger interface {
	Ping(ctx context.Context) error
}

// healthChecks lists the dependencies reported by /health.
func (app *application) healthChecks() map[string]api.HealthCheck {
	checks := make(map[string]api.HealthCheck)
	if app.storage != nil && app.storage.health != nil {
		checks["database"] = app.storage.health
	}
	if app.notify != nil && app.notify.redisClient != nil {
		checks["redis"] = app.notify.health
	}
	if p, ok := app.inferenceClient.(pinger); ok {
		checks["inference"] = p.Ping
	}
	return checks
}
