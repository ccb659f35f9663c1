// Package server provides the core application server and dependency injection.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlwatch/internal/alert"
	pgrecorder "github.com/JakeFAU/crawlwatch/internal/alertlog/postgres"
	"github.com/JakeFAU/crawlwatch/internal/api"
	gcsbackup "github.com/JakeFAU/crawlwatch/internal/backup/gcs"
	localbackup "github.com/JakeFAU/crawlwatch/internal/backup/local"
	"github.com/JakeFAU/crawlwatch/internal/clock/system"
	"github.com/JakeFAU/crawlwatch/internal/config"
	"github.com/JakeFAU/crawlwatch/internal/id/uuid"
	"github.com/JakeFAU/crawlwatch/internal/jobcontrol"
	"github.com/JakeFAU/crawlwatch/internal/jobstats"
	"github.com/JakeFAU/crawlwatch/internal/logging"
	"github.com/JakeFAU/crawlwatch/internal/logparse"
	"github.com/JakeFAU/crawlwatch/internal/metrics"
	"github.com/JakeFAU/crawlwatch/internal/monitor"
	"github.com/JakeFAU/crawlwatch/internal/notify"
	pubsubnotify "github.com/JakeFAU/crawlwatch/internal/notify/pubsub"
	redisnotify "github.com/JakeFAU/crawlwatch/internal/notify/redis"
	"github.com/JakeFAU/crawlwatch/internal/resolver"
	"github.com/JakeFAU/crawlwatch/internal/telemetry"
	collytransport "github.com/JakeFAU/crawlwatch/internal/transport/colly"
)

const userAgent = "crawlwatch"

// App contains the application's dependencies.
type App struct {
	cfg       *config.Config
	logger    *zap.Logger
	apiServer *api.Server
	monitor   *monitor.Service

	sender  *notify.AsyncSender
	control *jobcontrol.Async

	pubsubClient *pubsub.Client
	pubsubTopic  *pubsub.Topic
	redisClient  *goredis.Client
	storage      *storage.Client
	recorder     *pgrecorder.Recorder

	tracerShutdown func(context.Context) error

	workers   sync.WaitGroup
	closeOnce sync.Once
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	// Only non-sensitive fields are logged.
	type sanitizedConfig struct {
		ServerPort int    `json:"server_port"`
		Nodes      int    `json:"nodes"`
		Sender     string `json:"sender"`
		Alerting   bool   `json:"alerting"`
	}
	logger.Info("creating application", zap.Any("config", sanitizedConfig{
		ServerPort: cfg.Server.Port,
		Nodes:      len(cfg.Scrapyd.Servers),
		Sender:     cfg.Notify.Sender,
		Alerting:   cfg.Alert.Enabled,
	}))
	return &App{cfg: cfg, logger: logger}, nil
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Monitor returns the stats service.
func (a *App) Monitor() *monitor.Service {
	return a.monitor
}

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// StartWorkers starts the notification and job-control pools. They stop when
// ctx ends or Close drains them.
func (a *App) StartWorkers(ctx context.Context) {
	a.workers.Add(2)
	go func() {
		defer a.workers.Done()
		a.sender.Run(ctx)
	}()
	go func() {
		defer a.workers.Done()
		a.control.Run(ctx)
	}()
}

// Run starts the application and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Workers outlive ctx so queued notifications drain during shutdown.
	a.StartWorkers(context.WithoutCancel(ctx))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	return a.Close(shutdownCtx)
}

// Close drains the worker pools and releases clients. It is safe to call more than once.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		if a.sender != nil {
			a.sender.Close()
		}
		if a.control != nil {
			a.control.Close()
		}
		done := make(chan struct{})
		go func() {
			a.workers.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			a.logger.Warn("worker drain interrupted", zap.Error(ctx.Err()))
		}
		a.closeInfrastructure()
		a.closeObservability(ctx)
		a.logger.Info("shutdown complete")
	})
	return nil
}

func (a *App) closeInfrastructure() {
	if a.pubsubTopic != nil {
		a.pubsubTopic.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.recorder != nil {
		a.recorder.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(logging.Config{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app, err := NewApp(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("app init failed: %w", err)
	}

	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: userAgent,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerShutdown = tp.Shutdown

	if err := app.build(ctx); err != nil {
		_ = app.Close(ctx)
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	a.logger.Info("building application dependencies")
	transport := collytransport.New(collytransport.Config{
		UserAgent: userAgent,
		Timeout:   a.cfg.Timeout(),
		Username:  a.cfg.Scrapyd.Username,
		Password:  a.cfg.Scrapyd.Password,
	})

	backup, err := a.setupBackup(ctx)
	if err != nil {
		return err
	}

	res, err := resolver.New(resolver.Config{
		LogsDir:       a.cfg.Scrapyd.LogsDir,
		ParserVersion: a.cfg.LogParser.Version,
		LogExtensions: a.cfg.Scrapyd.LogExtensions,
		BackupEnabled: a.cfg.Stats.BackupEnabled,
	}, transport, logparse.New(a.cfg.LogParser.Version), backup, a.logger.Named("resolver"))
	if err != nil {
		return fmt.Errorf("resolver init failed: %w", err)
	}

	controller := jobcontrol.New(transport, a.logger.Named("jobcontrol"))
	a.control = jobcontrol.NewAsync(
		controller,
		a.cfg.Control.QueueDepth,
		a.cfg.Control.Workers,
		a.logger.Named("jobcontrol"),
	)

	sender, err := a.setupSender(ctx)
	if err != nil {
		return err
	}
	a.sender = notify.NewAsyncSender(sender, a.cfg.Notify.QueueDepth, a.cfg.Notify.Workers, a.logger.Named("notify"))

	finished := alert.NewFinishedRegistry(a.cfg.Alert.FinishedCapacity)
	engine, err := a.setupEngine(ctx, finished)
	if err != nil {
		return err
	}

	nodes := make([]resolver.Node, 0, len(a.cfg.Scrapyd.Servers))
	for _, s := range a.cfg.Scrapyd.Servers {
		nodes = append(nodes, resolver.Node{Address: s.Address, Local: s.Local})
	}
	var evaluator monitor.Evaluator
	if engine != nil {
		evaluator = engine
	}
	a.monitor, err = monitor.New(monitor.Config{
		Nodes:     nodes,
		PublicURL: a.cfg.Server.PublicURL,
	}, res, evaluator, finished, a.logger.Named("monitor"))
	if err != nil {
		return fmt.Errorf("monitor init failed: %w", err)
	}

	a.apiServer = api.NewServer(
		api.NewJobsHandler(a.monitor, controller, a.logger.Named("api")),
		api.Options{
			AuthEnabled:    a.cfg.Auth.Enabled,
			APIKey:         a.cfg.Auth.APIKey,
			RequestTimeout: a.cfg.Timeout() * 2,
			Ready:          a.readyChecks(),
		},
		a.logger.Named("api"),
	)
	return nil
}

func (a *App) setupBackup(ctx context.Context) (jobstats.BackupStore, error) {
	if !a.cfg.Stats.BackupEnabled {
		a.logger.Info("backup stats disabled")
		return nil, nil
	}
	switch a.cfg.Stats.Backend {
	case config.BackendGCS:
		a.logger.Info("using GCS backup backend", zap.String("bucket", a.cfg.Stats.GCSBucket))
		var err error
		a.storage, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		store, err := gcsbackup.New(a.storage, gcsbackup.Config{
			Bucket: a.cfg.Stats.GCSBucket,
			Prefix: a.cfg.Stats.GCSPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs backup store init failed: %w", err)
		}
		return store, nil
	default:
		a.logger.Info("using local backup backend", zap.String("path", a.cfg.Stats.Dir))
		store, err := localbackup.New(localbackup.Config{BaseDir: a.cfg.Stats.Dir})
		if err != nil {
			return nil, fmt.Errorf("local backup store init failed: %w", err)
		}
		return store, nil
	}
}

func (a *App) setupSender(ctx context.Context) (jobstats.Sender, error) {
	switch a.cfg.Notify.Sender {
	case config.SenderPubSub:
		var err error
		a.pubsubClient, err = pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.pubsubTopic = a.pubsubClient.Topic(a.cfg.PubSub.Topic)
		a.logger.Info("Pub/Sub sender initialized",
			zap.String("project", a.cfg.PubSub.ProjectID),
			zap.String("topic", a.cfg.PubSub.Topic),
		)
		return pubsubnotify.New(a.pubsubTopic), nil
	case config.SenderRedis:
		rcfg := redisnotify.Config{
			Addr:     a.cfg.Redis.Address,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
			Stream:   a.cfg.Redis.Stream,
			MaxLen:   a.cfg.Redis.MaxLen,
		}
		var err error
		a.redisClient, err = redisnotify.Connect(ctx, rcfg)
		if err != nil {
			return nil, fmt.Errorf("redis connect failed: %w", err)
		}
		sender, err := redisnotify.New(a.redisClient, rcfg)
		if err != nil {
			return nil, fmt.Errorf("redis sender init failed: %w", err)
		}
		a.logger.Info("redis sender initialized", zap.String("stream", a.cfg.Redis.Stream))
		return sender, nil
	default:
		a.logger.Info("using log sender")
		return notify.NewLogSender(a.logger.Named("notification")), nil
	}
}

func (a *App) setupEngine(ctx context.Context, finished *alert.FinishedRegistry) (*alert.Engine, error) {
	if !a.cfg.Alert.Enabled {
		a.logger.Info("alerting disabled")
		return nil, nil
	}
	hours, err := a.cfg.WorkingHours()
	if err != nil {
		return nil, err
	}

	deps := alert.Deps{
		States:     alert.NewStateTable(time.Now()),
		Finished:   finished,
		Notifier:   notify.NewDispatcher(a.sender, hours, a.logger.Named("notify")),
		Controller: a.control,
		Clock:      system.New(),
		Logger:     a.logger.Named("alert"),
	}
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("no DSN specified for database, skipping decision log")
	} else {
		a.recorder, err = pgrecorder.NewRecorder(ctx, pgrecorder.Config{
			DSN:      a.cfg.DB.DSN,
			Table:    a.cfg.DB.Table,
			MaxConns: a.cfg.DB.MaxConns,
		}, uuid.New())
		if err != nil {
			return nil, fmt.Errorf("decision log init failed: %w", err)
		}
		deps.Recorder = a.recorder
		a.logger.Info("decision log initialized", zap.String("table", a.cfg.DB.Table))
	}

	engine, err := alert.NewEngine(a.cfg.AlertEngine(), deps)
	if err != nil {
		return nil, fmt.Errorf("alert engine init failed: %w", err)
	}
	return engine, nil
}

func (a *App) readyChecks() map[string]api.ReadyFunc {
	checks := map[string]api.ReadyFunc{}
	if a.redisClient != nil {
		client := a.redisClient
		checks["redis"] = func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}
	}
	if a.pubsubTopic != nil {
		topic := a.pubsubTopic
		checks["pubsub"] = func(ctx context.Context) error {
			ok, err := topic.Exists(ctx)
			if err != nil {
				return fmt.Errorf("check topic: %w", err)
			}
			if !ok {
				return fmt.Errorf("topic %s does not exist", topic.ID())
			}
			return nil
		}
	}
	return checks
}
