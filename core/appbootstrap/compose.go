package appbootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"setu/api"
	"setu/config"
	"setu/core/auth"
	"setu/core/chat"
	"setu/core/classify"
	"setu/core/ledger"
	"setu/core/lifecycle"
	"setu/core/live"
	"setu/core/media"
	"setu/core/metrics"
	"setu/core/reports"
	"setu/core/stats"
	"setu/core/store"
	"setu/core/utils"
)

// App is the composed runtime: stores, services, background workers and the
// HTTP server built on top of them.
type App struct {
	Config  *config.AppConfig
	DB      *store.DB
	Redis   *redis.Client
	Hub     *live.Hub
	Storage media.Storage
	Metrics *metrics.Metrics
	Engine  *lifecycle.Engine
	Ledger  *ledger.Ledger
	Auth    *auth.Service
	Reports *reports.Service
	Chat    *chat.Service
	Stats   *stats.Service
	Pool    *classify.Pool
	Sweeper *classify.Sweeper
	Server  *api.Server

	janitor *cron.Cron
	logger  *utils.Logger
}

// Options replace collaborators that tests need to control.
type Options struct {
	DB         *store.DB
	Redis      *redis.Client
	Classifier classify.Classifier
	BcryptCost int
}

// Compose opens the database, migrates it and wires every component.
// Nothing runs in the background until Start.
func Compose(ctx context.Context, cfg *config.AppConfig, logger *utils.Logger, opts Options) (*App, error) {
	a := &App{Config: cfg, logger: logger, Metrics: metrics.New()}
	ok := false
	defer func() {
		if !ok {
			a.closeResources()
		}
	}()

	a.DB = opts.DB
	if a.DB == nil {
		db, err := store.NewDB(cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		a.DB = db
		if err := store.ApplyMigrations(ctx, db, logger); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	users := store.NewUsersStore(a.DB)
	sessions := store.NewSessionsStore(a.DB)
	reportsStore := store.NewReportsStore(a.DB)
	points := store.NewPointsStore(a.DB)
	messages := store.NewChatStore(a.DB)

	a.Hub = live.NewHub(logger)
	a.Redis = opts.Redis
	if a.Redis == nil && cfg.Redis.Enabled() {
		a.Redis = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
	}
	if a.Redis != nil {
		if err := a.Hub.AttachRedis(ctx, a.Redis, cfg.Redis.Channel); err != nil {
			return nil, fmt.Errorf("live bridge: %w", err)
		}
	}

	storage, err := media.New(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("media storage: %w", err)
	}
	a.Storage = storage
	uploader := media.NewUploader(storage, cfg.Storage.MaxUploadBytes, logger)

	a.Ledger = ledger.New(users, points, a.Redis, cfg.Redis, logger)
	rules, err := lifecycle.NewRules()
	if err != nil {
		return nil, fmt.Errorf("lifecycle rules: %w", err)
	}
	a.Engine = lifecycle.NewEngine(reportsStore, rules, cfg.Points, lifecycle.Notifiers{a.Ledger, a.Hub}, logger).WithMetrics(a.Metrics)

	var submitter reports.Submitter
	if cfg.Classify.Enabled {
		classifier := opts.Classifier
		if classifier == nil {
			classifier = classify.NewClient(cfg.Classify)
		}
		verifier := classify.NewVerifier(classifier, reportsStore, a.Engine, a.Metrics, logger)
		a.Pool = classify.NewPool(verifier.VerifyReport, cfg.Classify.Workers, 0, logger)
		a.Sweeper = classify.NewSweeper(reportsStore, a.Pool, cfg.Classify.SweepSpec, cfg.Classify.MaxAttempts, logger)
		submitter = a.Pool
	}

	sessionManager := auth.NewSessionManager(sessions, cfg.SessionTTL, logger)
	a.Auth = auth.NewService(users, sessionManager, logger)
	if opts.BcryptCost > 0 {
		a.Auth.WithBcryptCost(opts.BcryptCost)
	}
	a.Reports = reports.NewService(reportsStore, uploader, a.Engine, a.Hub, submitter, cfg.Feeds, logger)
	a.Chat = chat.NewService(messages, uploader, a.Hub, cfg.Feeds.ChatWindow, logger)
	a.Stats = stats.NewService(reportsStore, users, logger)

	mediaDir := ""
	if local, isLocal := storage.(*media.Local); isLocal {
		mediaDir = local.Dir()
	}
	a.Server = api.NewServer(cfg, api.Deps{
		Auth:     a.Auth,
		Reports:  a.Reports,
		Chat:     a.Chat,
		Stats:    a.Stats,
		Ledger:   a.Ledger,
		Hub:      a.Hub,
		Metrics:  a.Metrics,
		Ready:    a.ready,
		MediaDir: mediaDir,
	}, logger)
	ok = true
	return a, nil
}

// Start launches the verification workers, the sweep schedule and the
// session janitor.
func (a *App) Start(ctx context.Context) error {
	if a.Pool != nil {
		a.Pool.StartWithContext(ctx)
	}
	if a.Sweeper != nil {
		if err := a.Sweeper.StartWithContext(ctx); err != nil {
			return fmt.Errorf("classify sweeper: %w", err)
		}
		// pick up reports left pending by a previous run
		go a.Sweeper.RunOnce(ctx)
	}
	if spec := a.Config.SessionPurgeSpec; spec != "" {
		a.janitor = cron.New()
		if _, err := a.janitor.AddFunc(spec, func() {
			if _, err := a.Auth.Sessions().Purge(ctx); err != nil {
				a.logger.Errorf("session purge: %v", err)
			}
		}); err != nil {
			return fmt.Errorf("session purge schedule: %w", err)
		}
		a.janitor.Start()
	}
	return nil
}

// Stop halts background work, then releases connections.
func (a *App) Stop(ctx context.Context) error {
	var errs []error
	if a.janitor != nil {
		stopped := a.janitor.Stop()
		select {
		case <-stopped.Done():
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
	}
	if a.Sweeper != nil {
		errs = append(errs, a.Sweeper.StopWithContext(ctx))
	}
	if a.Pool != nil {
		errs = append(errs, a.Pool.StopWithContext(ctx))
	}
	errs = append(errs, a.closeResources())
	return errors.Join(errs...)
}

func (a *App) closeResources() error {
	var errs []error
	if a.Hub != nil {
		a.Hub.Close()
	}
	if closer, ok := a.Storage.(io.Closer); ok {
		errs = append(errs, closer.Close())
	}
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	return errors.Join(errs...)
}

func (a *App) ready(ctx context.Context) error {
	if err := a.DB.PingContext(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if a.Redis != nil {
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}
