package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/watzon/herald/internal/campaigns"
	"github.com/watzon/herald/internal/config"
	"github.com/watzon/herald/internal/connections"
	"github.com/watzon/herald/internal/content"
	"github.com/watzon/herald/internal/database"
	"github.com/watzon/herald/internal/enrich"
	"github.com/watzon/herald/internal/executions"
	"github.com/watzon/herald/internal/generation"
	"github.com/watzon/herald/internal/pipeline"
	"github.com/watzon/herald/internal/publish"
	"github.com/watzon/herald/internal/queue"
	"github.com/watzon/herald/internal/retrieval"
	"github.com/watzon/herald/internal/scheduler"
	"github.com/watzon/herald/internal/server"
	"github.com/watzon/herald/internal/storage"
	"github.com/watzon/herald/internal/worker"
)

// app holds the stores shared by every command. Components that need extra
// configuration (credentials, the generation API) are built on demand.
type app struct {
	cfg        *config.Config
	db         *database.DB
	records    *executions.Store
	queue      *queue.Queue
	schedules  *scheduler.Store
	content    *content.Store
	campaigns  *campaigns.Store
	documents  *retrieval.Store
	submitter  *worker.Submitter
	connStore  *connections.Store
	janitor    *executions.Janitor
	httpClient *http.Client
}

// openApp loads configuration and opens the database. Migrations run as part
// of opening.
func openApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return newApp(cfg)
}

func newApp(cfg *config.Config) (*app, error) {
	db, err := database.Open(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	records := executions.NewStore(db)
	q := queue.New(db, queue.Config{
		MaxAttempts:   cfg.Worker.MaxAttempts,
		BaseDelay:     cfg.Worker.BaseDelay,
		LeaseDuration: cfg.Worker.LeaseDuration,
	})

	return &app{
		cfg:        cfg,
		db:         db,
		records:    records,
		queue:      q,
		schedules:  scheduler.NewStore(db, cfg.Scheduler.FailureThreshold),
		content:    content.NewStore(db),
		campaigns:  campaigns.NewStore(db),
		documents:  retrieval.NewStore(db),
		submitter:  worker.NewSubmitter(db, records, q),
		httpClient: &http.Client{Timeout: cfg.Publishing.Timeout},
	}, nil
}

func (a *app) Close() error {
	if a.janitor != nil {
		a.janitor.Stop()
	}
	return a.db.Close()
}

// connections returns the credential store. It needs security.secret_key.
func (a *app) connections() (*connections.Store, error) {
	if a.connStore != nil {
		return a.connStore, nil
	}
	if err := config.ValidateSecretKey(a.cfg.Security.SecretKey); err != nil {
		return nil, err
	}
	sealer, err := connections.NewSealer(a.cfg.Security.SecretKey)
	if err != nil {
		return nil, fmt.Errorf("creating sealer: %w", err)
	}
	a.connStore = connections.NewStore(a.db, sealer)
	return a.connStore, nil
}

// server builds the HTTP API.
func (a *app) server() (*server.Server, error) {
	conns, err := a.connections()
	if err != nil {
		return nil, err
	}
	return server.New(a.cfg, server.Services{
		DB:          a.db,
		Executions:  a.records,
		Submitter:   a.submitter,
		Queue:       a.queue,
		Schedules:   a.schedules,
		Content:     a.content,
		Campaigns:   a.campaigns,
		Connections: conns,
		Documents:   a.documents,
	}, version), nil
}

// handlers builds one handler per supported request kind.
func (a *app) handlers(ctx context.Context) ([]worker.Handler, error) {
	conns, err := a.connections()
	if err != nil {
		return nil, err
	}

	gemini, err := generation.NewGemini(ctx, a.cfg.Generation)
	if err != nil {
		return nil, fmt.Errorf("creating generation client: %w", err)
	}

	backend, err := storage.NewBackend(ctx, a.cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("creating storage backend: %w", err)
	}
	media := storage.NewMediaStore(backend, a.cfg.Storage.Bucket, a.cfg.Storage.PublicBaseURL)

	registry := publish.NewRegistry(publish.NewPublishers(a.cfg.Publishing, a.httpClient)...)
	fanout := publish.NewFanout(registry, conns, a.content, a.cfg.Publishing)

	opts := pipeline.OptionsFromConfig(a.cfg)
	contentPipeline := pipeline.New(pipeline.Deps{
		Retriever: a.documents,
		Enricher:  enrich.NewExtractor(),
		Generator: gemini,
		Media:     media,
		Publisher: fanout,
	}, opts)

	log.Debug().
		Strs("channels", registry.Channels()).
		Str("storage", a.cfg.Storage.Type).
		Bool("dry_run", a.cfg.Publishing.DryRun).
		Msg("Content pipeline ready")

	return []worker.Handler{
		contentPipeline,
		campaigns.NewHandler(a.campaigns, a.documents, gemini, opts),
	}, nil
}

// pool builds the worker pool with schedule bookkeeping.
func (a *app) pool(ctx context.Context, concurrency int) (*worker.Pool, error) {
	handlers, err := a.handlers(ctx)
	if err != nil {
		return nil, err
	}
	if concurrency <= 0 {
		concurrency = a.cfg.Worker.Concurrency
	}

	poolCfg := worker.DefaultConfig()
	poolCfg.Concurrency = concurrency
	poolCfg.PollInterval = a.cfg.Worker.PollInterval
	poolCfg.TaskTimeout = a.cfg.Worker.TaskTimeout

	return worker.NewPool(a.records, a.queue, worker.NewRegistry(handlers...), a.schedules, poolCfg), nil
}

func (a *app) poller() (*scheduler.Poller, error) {
	return scheduler.NewPoller(a.db, a.schedules, a.records, a.queue, scheduler.PollerConfig{
		Spec:      a.cfg.Scheduler.PollSpec,
		BatchSize: a.cfg.Scheduler.BatchSize,
	})
}

// startJanitor starts execution cleanup when retention is enabled.
func (a *app) startJanitor(ctx context.Context) {
	if !a.cfg.Retention.Enabled {
		return
	}
	a.janitor = executions.NewJanitor(a.records, a.cfg.Retention.MaxAge, a.cfg.Retention.Interval)
	a.janitor.Start(ctx)
	log.Info().Dur("max_age", a.cfg.Retention.MaxAge).Msg("Execution retention enabled")
}

// waitForSignal blocks until SIGINT or SIGTERM, then cancels.
func waitForSignal(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	cancel()
}

// shutdownTimeout bounds how long in-flight work may take after a signal.
const shutdownTimeout = 30 * time.Second
