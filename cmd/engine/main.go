package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aiflow-go/internal/engine"
	"github.com/aiflow-go/internal/engine/archive"
	"github.com/aiflow-go/internal/engine/nodes"
	"github.com/aiflow-go/internal/engine/retry"
	"github.com/aiflow-go/internal/engine/runstore"
	"github.com/aiflow-go/internal/engine/scheduler"
	"github.com/aiflow-go/internal/engine/stream"
	"github.com/aiflow-go/internal/integrations/aiservice"
	"github.com/aiflow-go/internal/integrations/httpclient"
	"github.com/aiflow-go/internal/integrations/vectorstore"
	"github.com/aiflow-go/internal/sandbox"
	"github.com/aiflow-go/internal/server"
	"github.com/aiflow-go/pkg/cache"
	"github.com/aiflow-go/pkg/config"
	"github.com/aiflow-go/pkg/database"
	"github.com/aiflow-go/pkg/events"
	"github.com/aiflow-go/pkg/logger"
	"github.com/aiflow-go/pkg/ratelimit"
	"github.com/aiflow-go/pkg/telemetry"
)

func main() {
	cfg, err := config.Load("engine")
	if err != nil {
		logger.NewDefault().Fatal("Failed to load configuration", "error", err)
	}

	log := logger.New(cfg.Logger.ToLoggerConfig())

	app, err := build(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialise engine", "error", err)
	}

	go func() {
		if err := app.server.Start(); err != nil {
			log.Fatal("HTTP server stopped", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down engine service...")

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer cancel()
	app.shutdown(ctx)

	log.Info("Engine service exited")
}

type application struct {
	server  *server.Server
	engine  *engine.Engine
	closers []func() error
	stop    context.CancelFunc
	logger  logger.Logger
}

func build(cfg *config.Config, log logger.Logger) (*application, error) {
	app := &application{logger: log}
	bg, stop := context.WithCancel(context.Background())
	app.stop = stop

	tel, err := telemetry.New(cfg.Telemetry.ToTelemetryConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to initialise telemetry: %w", err)
	}
	app.closers = append(app.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return tel.Close(ctx)
	})

	var redisClient *redis.Client
	if cfg.RunStore.Backend == "redis" || cfg.Server.RateLimit.Backend == "redis" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err := redisClient.Ping(bg).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		app.closers = append(app.closers, redisClient.Close)
	}

	// Collaborators
	var ai aiservice.Client = aiservice.NewHTTPClient(aiConfig(cfg.AIService), log)
	if ttl := cfg.AIService.EmbeddingCacheTTL; ttl > 0 {
		var embeddings cache.Cache
		if redisClient != nil {
			embeddings = cache.NewRedisCache(redisClient, cache.Options{
				Namespace:            "aiflow:",
				DefaultTTL:           ttl,
				CompressionThreshold: 1024,
			})
		} else {
			embeddings = cache.NewMemoryCache(cache.Options{DefaultTTL: ttl})
		}
		ai = aiservice.NewEmbeddingCache(ai, embeddings, ttl, log)
	}

	var vectors vectorstore.Store
	switch cfg.VectorStore.Backend {
	case "elasticsearch":
		es, err := vectorstore.NewElasticsearchStore(vectorConfig(cfg.VectorStore), log)
		if err != nil {
			return nil, fmt.Errorf("failed to create vector store: %w", err)
		}
		vectors = es
	default:
		vectors = vectorstore.NewMemoryStore()
	}

	httpClient := httpclient.New(httpclient.Config{Timeout: cfg.Engine.HTTPTimeout}, log)
	sb := sandbox.New(sandboxConfig(cfg.Sandbox), log)

	registry := nodes.NewDefaultRegistry(nodes.Dependencies{
		AI:            ai,
		Vectors:       vectors,
		HTTP:          httpClient,
		Sandbox:       sb,
		MaxIterations: cfg.Engine.MaxIterations,
		Timeouts: nodes.Timeouts{
			Default:   cfg.Engine.DefaultNodeTimeout,
			LLM:       cfg.Engine.LLMTimeout,
			Retrieval: cfg.Engine.RetrievalTimeout,
			HTTP:      cfg.Engine.HTTPTimeout,
		},
		Logger: log,
	})

	// Run state
	probes := map[string]server.Probe{}
	var store runstore.Store
	if cfg.RunStore.Backend == "redis" {
		rs := runstore.NewRedisStore(redisClient, cfg.RunStore.KeyPrefix)
		probes["run_store"] = rs.Ping
		store = rs
	} else {
		store = runstore.NewMemoryStore()
	}

	var sink events.Publisher = events.NopPublisher{}
	if cfg.Kafka.Enabled {
		kp, err := events.NewKafkaPublisher(cfg.Kafka.ToKafkaConfig())
		if err != nil {
			return nil, fmt.Errorf("failed to create event publisher: %w", err)
		}
		sink = kp
	}
	hub := stream.NewHub(stream.HubConfig{BufferSize: cfg.Engine.EventBufferSize, Sink: sink}, log)

	var archiver engine.Archiver
	if cfg.Archive.Enabled {
		a, err := buildArchiver(cfg.Archive, log)
		if err != nil {
			return nil, err
		}
		probes["archive"] = a.Ping
		archiver = a
		app.closers = append(app.closers, a.Close)
		if cfg.Archive.Retention > 0 {
			go purgeLoop(bg, a, cfg.Archive.Retention, log)
		}
	}

	eng, err := engine.New(engine.Config{
		Scheduler: scheduler.Config{
			MaxParallelTasks:  cfg.Engine.MaxParallelTasks,
			MaxNodeExecutions: cfg.Engine.MaxNodeExecutions,
		},
		RunTimeout:   cfg.Engine.RunTimeout,
		RunRetention: cfg.Engine.RunRetention,
	}, engine.Options{
		Registry:  registry,
		Store:     store,
		Hub:       hub,
		Archiver:  archiver,
		Retry:     retry.NewHandler(log),
		Telemetry: tel,
		Logger:    log,
	})
	if err != nil {
		return nil, err
	}
	app.engine = eng
	app.closers = append(app.closers, store.Close)

	var limiter ratelimit.RateLimiter
	if rl := cfg.Server.RateLimit; rl.Enabled {
		if rl.Backend == "redis" {
			limit := int(rl.RequestsPerSecond * rl.Window.Seconds())
			limiter = ratelimit.NewSlidingWindowLimiter(redisClient, "aiflow:ratelimit:", limit, rl.Window)
		} else {
			limiter = ratelimit.NewTokenBucketLimiter(rl.RequestsPerSecond, rl.Burst)
		}
	}

	app.server = server.New(cfg.Server, eng, server.Options{
		Telemetry: tel,
		Limiter:   limiter,
		Probes:    probes,
		Logger:    log,
	})
	return app, nil
}

func aiConfig(c config.AIServiceConfig) aiservice.Config {
	return aiservice.Config{
		BaseURL:           c.BaseURL,
		APIKey:            c.APIKey,
		Model:             c.Model,
		EmbeddingModel:    c.EmbeddingModel,
		RequestsPerSecond: c.RequestsPerSecond,
		Burst:             c.Burst,
		Timeout:           c.Timeout,
	}
}

func vectorConfig(c config.VectorStoreConfig) vectorstore.ElasticsearchConfig {
	return vectorstore.ElasticsearchConfig{
		Addresses:   c.Addresses,
		Username:    c.Username,
		Password:    c.Password,
		Index:       c.Index,
		VectorField: c.Field,
	}
}

func sandboxConfig(c config.SandboxConfig) sandbox.Config {
	return sandbox.Config{
		Timeout:         c.Timeout,
		MaxConcurrent:   c.MaxConcurrent,
		RegistryMaxSize: c.RegistryMaxSize,
		CallStackSize:   c.CallStackSize,
		MaxStringBytes:  c.MaxStringBytes,
		MaxOutputBytes:  c.MaxOutputBytes,
		MaxMemoryBytes:  c.MaxMemoryBytes,
		AllowedHosts:    c.AllowedHosts,
	}
}

func buildArchiver(cfg config.ArchiveConfig, log logger.Logger) (*archive.Archiver, error) {
	db, err := database.New(database.Config{Driver: cfg.Driver, DSN: cfg.DSN}, log)
	if err != nil {
		return nil, err
	}

	var blobs archive.BlobStorage
	if cfg.S3Bucket != "" {
		s3, err := archive.NewS3StorageForRegion(cfg.S3Region, cfg.S3Bucket)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to create archive storage: %w", err)
		}
		blobs = s3
	}

	a, err := archive.NewArchiver(db, blobs, log)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return a, nil
}

func purgeLoop(ctx context.Context, a *archive.Archiver, retention time.Duration, log logger.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.Purge(ctx, time.Now().Add(-retention))
			if err != nil {
				log.Error("Failed to purge archived runs", "error", err)
				continue
			}
			if n > 0 {
				log.Info("Purged archived runs", "count", n)
			}
		}
	}
}

// shutdown stops intake first, then drains runs, then releases resources.
func (a *application) shutdown(ctx context.Context) {
	if err := a.server.Shutdown(ctx); err != nil {
		a.logger.Error("HTTP server forced to shutdown", "error", err)
	}
	if err := a.engine.Shutdown(ctx); err != nil {
		a.logger.Error("Engine forced to shutdown", "error", err)
	}
	a.stop()
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Error("Failed to release resource", "error", err)
		}
	}
}
