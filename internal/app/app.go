// Package app wires the shared dependencies of the API and worker binaries.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/therealutkarshpriyadarshi/vodpipeline/internal/cache"
	"github.com/therealutkarshpriyadarshi/vodpipeline/internal/config"
	"github.com/therealutkarshpriyadarshi/vodpipeline/internal/database"
	"github.com/therealutkarshpriyadarshi/vodpipeline/internal/logging"
	"github.com/therealutkarshpriyadarshi/vodpipeline/internal/notify"
	"github.com/therealutkarshpriyadarshi/vodpipeline/internal/pipeline"
	"github.com/therealutkarshpriyadarshi/vodpipeline/internal/queue"
	"github.com/therealutkarshpriyadarshi/vodpipeline/internal/storage"
	"github.com/therealutkarshpriyadarshi/vodpipeline/internal/transcoder"
	"github.com/therealutkarshpriyadarshi/vodpipeline/internal/worker"
	"github.com/therealutkarshpriyadarshi/vodpipeline/internal/workspace"
)

// App holds the connections and services built from the configuration
type App struct {
	Config    *config.Config
	Logger    *logging.Logger
	Redis     *redis.Client
	DB        *database.DB
	Repo      *database.Repository
	Storage   *storage.Storage
	Queue     *queue.Queue
	Publisher notify.Publisher
	Workspace *workspace.Workspace
	Service   *worker.Service
}

// NewLogger builds the process logger from the logging section
func NewLogger(cfg config.LoggingConfig) (*logging.Logger, error) {
	return logging.NewLogger(logging.Config{
		Level:  cfg.Level,
		Format: cfg.Format,
		Output: cfg.Output,
	})
}

// New connects to Redis, Postgres and the object store and builds the
// processing service. On error everything opened so far is closed.
func New(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	a.Redis = redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := a.Redis.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	db, err := database.New(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	a.DB = db
	if cfg.Database.Migrate {
		if err := db.Migrate(ctx); err != nil {
			return nil, err
		}
	}
	a.Repo = database.NewRepository(db, logger)

	a.Storage, err = storage.New(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, err
	}

	publisher, err := notify.New(cfg.Notify, a.Redis)
	if err != nil {
		return nil, fmt.Errorf("failed to create notifier: %w", err)
	}
	a.Publisher = notify.NewAsync(publisher, cfg.Notify.BufferSize, cfg.Notify.PublishTimeout, logger)

	a.Workspace, err = workspace.New(cfg.Transcoder.TempDir)
	if err != nil {
		return nil, err
	}

	var records pipeline.RecordStore = a.Repo
	if cfg.Redis.CacheTTL > 0 {
		records = cache.NewRecords(a.Repo, a.Redis, cfg.Redis.CacheTTL, logger)
	}

	a.Queue = queue.New(a.Redis, cfg.Queue)
	a.Service = worker.NewService(worker.Options{
		Queue:       a.Queue,
		Records:     records,
		Blobs:       a.Storage,
		Engine:      transcoder.NewEngine(cfg.Transcoder, cfg.Storage, a.Storage, logger),
		Publisher:   a.Publisher,
		Workspace:   a.Workspace,
		Worker:      cfg.Worker,
		Notify:      cfg.Notify,
		VideoBucket: cfg.Storage.VideoBucket,
		Logger:      logger,
	})

	ok = true
	return a, nil
}

// Close releases every connection that was opened
func (a *App) Close() error {
	var errs []error
	if a.Publisher != nil {
		errs = append(errs, a.Publisher.Close())
	}
	if a.DB != nil {
		a.DB.Close()
	}
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	return errors.Join(errs...)
}
