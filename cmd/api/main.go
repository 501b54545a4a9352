package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/abparts/troubleshoot/internal/api/handlers"
	"github.com/abparts/troubleshoot/internal/cache/factcache"
	"github.com/abparts/troubleshoot/internal/escalation"
	"github.com/abparts/troubleshoot/internal/intent"
	"github.com/abparts/troubleshoot/internal/kg/neo4j"
	"github.com/abparts/troubleshoot/internal/learning"
	"github.com/abparts/troubleshoot/internal/llm"
	"github.com/abparts/troubleshoot/internal/metrics"
	"github.com/abparts/troubleshoot/internal/middleware/ratelimit"
	"github.com/abparts/troubleshoot/internal/middleware/security"
	"github.com/abparts/troubleshoot/internal/middleware/validation"
	"github.com/abparts/troubleshoot/internal/notify/redis"
	"github.com/abparts/troubleshoot/internal/stepgen"
	"github.com/abparts/troubleshoot/internal/storage/sqlite"
	"github.com/abparts/troubleshoot/internal/vector/zilliz"
	"github.com/abparts/troubleshoot/internal/workflow"
	"github.com/abparts/troubleshoot/pkg/config"
	appLogger "github.com/abparts/troubleshoot/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting diagnostic workflow API server")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.Init()

	sqliteClient, err := sqlite.NewClient(cfg.SQLite.Path, sqlite.Options{
		BusyTimeoutMs: cfg.SQLite.BusyTimeoutMs,
		MaxOpenConns:  cfg.SQLite.MaxOpenConns,
	})
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer sqliteClient.Close()

	if err := sqliteClient.InitSchema(); err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	generationTimeout := time.Duration(cfg.Workflow.GenerationTimeoutSec) * time.Second

	llmClient := llm.NewClient(llm.Options{
		APIKey:         cfg.LLM.APIKey,
		BaseURL:        cfg.LLM.BaseURL,
		Model:          cfg.LLM.Model,
		EmbeddingModel: cfg.LLM.EmbeddingModel,
		Temperature:    cfg.LLM.Temperature,
		MaxTokens:      cfg.LLM.MaxTokens,
		MaxAttempts:    cfg.LLM.MaxAttempts,
		Timeout:        generationTimeout,
	})

	var (
		phraser   stepgen.Phraser
		extractor learning.FactExtractor
	)
	if llmClient.Enabled() {
		phraser = llmClient
		extractor = llmClient
	} else {
		appLogger.Warn("No LLM API key configured, steps and facts use templates")
	}

	factCache, err := factcache.New(sqliteClient, cfg.FactCache.Size)
	if err != nil {
		appLogger.Fatal("Failed to create fact cache", zap.Error(err))
	}

	var (
		factGraph learning.FactGraph
		related   handlers.RelatedFactFinder
	)
	if cfg.FactGraph.Enabled {
		neo4jClient, err := neo4j.NewClient(ctx,
			cfg.FactGraph.URI,
			cfg.FactGraph.Username,
			cfg.FactGraph.Password,
			cfg.FactGraph.Database,
		)
		if err != nil {
			appLogger.Fatal("Failed to create Neo4j client", zap.Error(err))
		}
		defer neo4jClient.Close(context.Background())
		factGraph = neo4jClient
		related = neo4jClient
	}

	var (
		similar         stepgen.SimilarFinder
		resolutionIndex learning.ResolutionIndex
	)
	if cfg.ResolutionIndex.Enabled {
		if !llmClient.Enabled() {
			appLogger.Fatal("Resolution index requires an LLM API key for embeddings")
		}
		zillizClient, err := zilliz.NewClient(ctx, zilliz.Options{
			Endpoint:       cfg.ResolutionIndex.Endpoint,
			APIKey:         cfg.ResolutionIndex.APIKey,
			CollectionName: cfg.ResolutionIndex.CollectionName,
			VectorDim:      cfg.LLM.EmbeddingDim,
			TopK:           cfg.ResolutionIndex.TopK,
		}, llmClient)
		if err != nil {
			appLogger.Fatal("Failed to create Zilliz client", zap.Error(err))
		}
		defer zillizClient.Close()

		if err := zillizClient.CreateCollection(ctx); err != nil {
			appLogger.Fatal("Failed to create collection", zap.Error(err))
		}
		similar = zillizClient
		resolutionIndex = zillizClient
	}

	var notifier escalation.Notifier
	var redisNotifier *redis.Notifier
	if cfg.Redis.Enabled {
		redisNotifier, err = redis.NewNotifier(ctx, redis.Options{
			Host:     cfg.Redis.Host,
			Port:     cfg.Redis.Port,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Channel:  cfg.Redis.Channel,
			List:     cfg.Redis.TicketList,
		})
		if err != nil {
			// Escalations still persist their tickets without a channel.
			appLogger.Error("Redis unavailable, tickets will not be delivered", zap.Error(err))
		} else {
			defer redisNotifier.Close()
			notifier = redisNotifier
		}
	}

	policy := stepgen.Policy{
		HalfLife:  time.Duration(cfg.Workflow.RecencyHalfLifeDays * float64(24*time.Hour)),
		MinWeight: cfg.Workflow.MinRecencyWeight,
	}

	detector := intent.NewDetector()
	generator := stepgen.NewGenerator(sqliteClient, factCache, phraser, stepgen.Options{
		Policy:  policy,
		Timeout: generationTimeout,
		Similar: similar,
	})
	learner := learning.NewEngine(sqliteClient, learning.Options{
		Extractor: extractor,
		Graph:     factGraph,
		Index:     resolutionIndex,
		Cache:     factCache,
		Timeout:   time.Duration(cfg.Workflow.LearningTimeoutSec) * time.Second,
	})
	escalator := escalation.NewService(sqliteClient, notifier, detector, 5*time.Second)
	engine := workflow.NewEngine(sqliteClient, detector, generator, escalator, learner, workflow.Config{
		MaxSteps:             cfg.Workflow.MaxSteps,
		MaxPriorUserMessages: cfg.Workflow.MaxPriorUserMessages,
	})
	retrier := learning.NewRetrier(learner, time.Duration(cfg.Workflow.LearningRetryIntervalSec)*time.Second, 50)

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	limiter := ratelimit.New(ratelimit.Config{
		MaxRequestsPerMinute: cfg.RateLimit.MaxRequestsPerMinute,
		Logger:               appLogger.GetLogger(),
	})
	defer limiter.Stop()

	origins := splitOrigins(cfg.Server.AllowedOrigins)

	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: cfg.Server.AllowedOrigins,
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-User-ID",
		AllowMethods: "GET, POST, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{
		AllowedOrigins: origins,
		IsDevelopment:  cfg.Server.Development,
	}))

	app.Get("/metrics", metrics.MetricsHandler())

	api := app.Group("/api/v1")

	api.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "healthy",
			"time":   time.Now().Unix(),
		})
	})

	api.Get("/ready", func(c *fiber.Ctx) error {
		checks := fiber.Map{"sqlite": "ok"}
		ready := true
		if err := sqliteClient.Ping(c.Context()); err != nil {
			checks["sqlite"] = err.Error()
			ready = false
		}
		if redisNotifier != nil {
			checks["redis"] = "ok"
			if err := redisNotifier.Ping(c.Context()); err != nil {
				checks["redis"] = err.Error()
			}
		}

		status := fiber.StatusOK
		state := "ready"
		if !ready {
			status = fiber.StatusServiceUnavailable
			state = "not_ready"
		}
		return c.Status(status).JSON(fiber.Map{
			"status": state,
			"checks": checks,
		})
	})

	diagnostics := api.Group("/diagnostics",
		limiter.Middleware(),
		validation.Middleware(validation.Config{Logger: appLogger.GetLogger()}),
	)
	handlers.NewDiagnosticsHandler(engine).Register(diagnostics)
	handlers.NewCatalogHandler(sqliteClient, factCache, related, policy).Register(diagnostics)

	wsHandler := handlers.NewWebSocketHandler(engine, generationTimeout*3)
	diagnostics.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	diagnostics.Get("/ws", websocket.New(wsHandler.HandleConnection))

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		appLogger.Info("Server starting", zap.String("address", addr))
		if err := app.Listen(addr); err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return retrier.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		appLogger.Info("Server shutting down gracefully...")
		return app.ShutdownWithTimeout(30 * time.Second)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		appLogger.Error("Server stopped with error", zap.Error(err))
	}

	learner.Wait()
	appLogger.Info("Server stopped")
}

func splitOrigins(raw string) []string {
	var out []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
