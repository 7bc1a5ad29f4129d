package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"aiknowledge/internal/adapter"
	"aiknowledge/internal/adapter/clouddrive"
	"aiknowledge/internal/adapter/fileupload"
	"aiknowledge/internal/adapter/webcrawl"
	"aiknowledge/internal/ai"
	"aiknowledge/internal/app"
	"aiknowledge/internal/cache"
	"aiknowledge/internal/config"
	"aiknowledge/internal/events"
	"aiknowledge/internal/indexer"
	"aiknowledge/internal/pkg/logger"
	"aiknowledge/internal/pkg/retry"
	"aiknowledge/internal/pkg/secretbox"
	"aiknowledge/internal/pkg/tokenizer"
	"aiknowledge/internal/platform/blob"
	"aiknowledge/internal/platform/database"
	rabbitmqClient "aiknowledge/internal/platform/rabbitmq"
	redisClient "aiknowledge/internal/platform/redis"
	"aiknowledge/internal/platform/vectorstore"
	"aiknowledge/internal/repository"
	"aiknowledge/internal/worker"
)

type App struct {
	Config *config.Config
	Logger *slog.Logger
	DB     *gorm.DB
	Redis  *redis.Client
	// MQConn is nil when events run on the in-process bus.
	MQConn *amqp.Connection

	Ingestion   *app.IngestionService
	DataSources *app.DataSourceService
	Context     *app.ContextService
	Scheduler   *worker.Scheduler

	consumer *worker.EventConsumer
	bus      *events.LocalBus

	StartedAt time.Time
}

func New(ctx context.Context) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}
	log := logger.New(os.Stdout, cfg.Log.Level, cfg.Log.Format).With("app", cfg.App.Name)

	a := &App{Config: cfg, Logger: log, StartedAt: time.Now()}
	if err := a.wire(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context) error {
	cfg := a.Config

	db, err := database.Open(ctx, cfg.Database.Driver, cfg.DatabaseDSN())
	if err != nil {
		return err
	}
	a.DB = db
	if err := database.Migrate(db); err != nil {
		return err
	}

	a.Redis, err = redisClient.New(ctx, redisClient.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	if err != nil {
		return err
	}

	blobs, err := newBlobStore(ctx, cfg.Blob)
	if err != nil {
		return err
	}
	vectors, err := vectorstore.NewChromem(cfg.Vector.Dir, cfg.Vector.Compress)
	if err != nil {
		return err
	}
	counter, err := tokenizer.New(cfg.Tokenizer.Encoding)
	if err != nil {
		return err
	}
	embedder, err := newEmbedder(cfg.Embedding, a.Logger)
	if err != nil {
		return err
	}

	ix := indexer.New(
		indexer.NewSplitter(counter, cfg.Tokenizer.ChunkSize, cfg.Tokenizer.ChunkOverlap),
		counter,
		embedder,
		vectors,
		indexer.WithBatchSize(cfg.Embedding.BatchSize),
		indexer.WithLogger(a.Logger),
	)
	sources := repository.NewDataSourceRepository(db)
	knowledge := repository.NewKnowledgeRepository(db)
	agents := repository.NewAgentDataSourceRepository(db)

	loader := adapter.NewLoader(ix, blobs, a.Logger, adapter.WithExistenceCheck(
		func(ctx context.Context, knowledgeID string) (bool, error) {
			k, err := knowledge.GetByID(ctx, knowledgeID)
			return k != nil, err
		}))

	box, err := secretbox.New(cfg.Drive.CredentialSecret)
	if err != nil {
		return err
	}
	crawlClient := webcrawl.NewClient(webcrawl.ClientConfig{
		BaseURL:       cfg.Crawler.BaseURL,
		Token:         cfg.Crawler.Token,
		ActorID:       cfg.Crawler.ActorID,
		WebhookURL:    cfg.Crawler.WebhookURL,
		WebhookSecret: cfg.Crawler.WebhookSecret,
		Timeout:       cfg.Crawler.Timeout,
	})
	registry := adapter.NewRegistry(
		fileupload.New(blobs, loader),
		clouddrive.New(clouddrive.NewGoogleClient, box, loader, a.Logger),
		webcrawl.New(crawlClient, loader, cfg.Crawler.MaxPages, a.Logger),
	)

	publisher, err := a.newPublisher(ctx)
	if err != nil {
		return err
	}

	a.Ingestion, err = app.NewIngestionService(sources, knowledge, registry, publisher, app.IngestionConfig{
		WorkerPoolSize: cfg.Ingest.WorkerPoolSize,
		MaxAttempts:    cfg.Ingest.MaxAttempts,
		RetryBaseDelay: cfg.Ingest.RetryBaseDelay,
		StaleAfter:     cfg.Sweep.StaleAfter,
	}, a.Logger)
	if err != nil {
		return err
	}
	a.DataSources = app.NewDataSourceService(sources, knowledge, agents, registry, blobs, publisher, a.Logger)
	a.Context = app.NewContextService(agents, knowledge, embedder, vectors, blobs, counter, app.ContextConfig{
		Budget: app.ContextBudget{
			ModelLimit:           cfg.Context.ModelLimit,
			ReservedAnswerTokens: cfg.Context.ReservedAnswerTokens,
		},
		CandidateTopK: cfg.Context.CandidateTopK,
	}, a.Logger)

	dispatcher := events.NewDispatcher(
		a.Ingestion,
		cache.NewEventMarker(a.Redis, cfg.Redis.EventProcessingTTL, cfg.Redis.EventDoneTTL),
		retry.Policy{
			MaxAttempts: cfg.Ingest.MaxAttempts,
			BaseDelay:   cfg.Ingest.RetryBaseDelay,
			Retryable:   app.RetryableEvent,
		},
		a.Logger,
	)
	if a.bus != nil {
		a.bus.Subscribe(dispatcher)
	} else {
		a.consumer = worker.NewEventConsumer(a.MQConn, dispatcher, publisher, worker.EventConsumerConfig{
			QueueName:       cfg.RabbitMQ.EventQueue,
			Concurrency:     cfg.RabbitMQ.Concurrency,
			MaxRedeliveries: cfg.RabbitMQ.MaxRedeliveries,
			Retryable:       app.RetryableEvent,
		}, a.Logger)
	}

	a.Scheduler = worker.NewScheduler(cache.NewLocker(a.Redis), a.Logger,
		worker.Job{
			Name:     "sweep",
			Interval: cfg.Sweep.Interval,
			Run: func(ctx context.Context) error {
				_, err := a.Ingestion.Sweep(ctx)
				return err
			},
		},
		worker.Job{
			Name:     "refresh-due",
			Interval: cfg.Sweep.RefreshInterval,
			Run: func(ctx context.Context) error {
				_, err := a.Ingestion.RefreshDue(ctx)
				return err
			},
		},
	)
	return nil
}

func (a *App) newPublisher(ctx context.Context) (events.Publisher, error) {
	if a.Config.Ingest.EventBus == config.EventBusLocal {
		a.bus = events.NewLocalBus(ctx, a.Logger)
		return a.bus, nil
	}
	conn, err := rabbitmqClient.New(ctx, a.Config.RabbitMQ.URL)
	if err != nil {
		return nil, err
	}
	a.MQConn = conn
	return rabbitmqClient.NewEventPublisher(conn, a.Config.RabbitMQ.EventQueue), nil
}

func newBlobStore(ctx context.Context, cfg config.BlobConfig) (blob.Store, error) {
	if cfg.Backend == config.BlobBackendMinIO {
		store, err := blob.NewMinIO(ctx, blob.MinIOConfig{
			Endpoint:  cfg.Endpoint,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			Bucket:    cfg.Bucket,
			UseSSL:    cfg.UseSSL,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	}
	store, err := blob.NewFS(cfg.Dir)
	if err != nil {
		return nil, err
	}
	return store, nil
}

func newEmbedder(cfg config.EmbeddingConfig, log *slog.Logger) (indexer.Embedder, error) {
	if cfg.Provider == config.EmbeddingProviderHash {
		return ai.HashEmbedder{Dims: cfg.Dims}, nil
	}
	embedder, err := ai.NewEmbedder(ai.EmbeddingConfig{
		BaseURL: cfg.BaseURL,
		APIKey:  cfg.APIKey,
		Model:   cfg.Model,
	}, log)
	if err != nil {
		return nil, err
	}
	return embedder, nil
}

// Start begins consuming events and running the periodic jobs.
func (a *App) Start(ctx context.Context) error {
	if a.consumer != nil {
		if err := a.consumer.Start(ctx); err != nil {
			return fmt.Errorf("start event consumer failed: %w", err)
		}
	}
	a.Scheduler.Start(ctx)
	return nil
}

// Drain waits for in-process events to settle. It returns at once when
// events go through RabbitMQ.
func (a *App) Drain() {
	if a.bus != nil {
		a.bus.Wait()
	}
}

func (a *App) Close() error {
	var errs []error
	if a.Scheduler != nil {
		a.Scheduler.Close()
	}
	if a.consumer != nil {
		a.consumer.Close()
	}
	a.Drain()
	if a.Ingestion != nil {
		a.Ingestion.Close()
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.MQConn != nil {
		if err := a.MQConn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.DB != nil {
		sqlDB, err := a.DB.DB()
		if err == nil {
			if err := sqlDB.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
