// Tutorflow - multi-responder voice tutor server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"google.golang.org/genai"

	"github.com/ashureev/tutorflow/internal/api"
	"github.com/ashureev/tutorflow/internal/assembly"
	"github.com/ashureev/tutorflow/internal/cache"
	"github.com/ashureev/tutorflow/internal/config"
	"github.com/ashureev/tutorflow/internal/convlog"
	"github.com/ashureev/tutorflow/internal/directive"
	"github.com/ashureev/tutorflow/internal/enrichment"
	"github.com/ashureev/tutorflow/internal/evidence"
	"github.com/ashureev/tutorflow/internal/identity"
	"github.com/ashureev/tutorflow/internal/learner"
	"github.com/ashureev/tutorflow/internal/llm"
	"github.com/ashureev/tutorflow/internal/mastery"
	"github.com/ashureev/tutorflow/internal/middleware"
	"github.com/ashureev/tutorflow/internal/pipeline"
	"github.com/ashureev/tutorflow/internal/responder"
	"github.com/ashureev/tutorflow/internal/router"
	"github.com/ashureev/tutorflow/internal/speech"
	"github.com/ashureev/tutorflow/internal/store"
	"github.com/ashureev/tutorflow/internal/tasks"
	"github.com/ashureev/tutorflow/internal/tutor"
)

const reapInterval = time.Minute

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(ctx); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	mux := &llm.Mux{}
	var geminiClient *genai.Client
	if cfg.Model.GoogleAPIKey != "" {
		geminiClient, err = llm.NewGeminiClient(ctx, cfg.Model.GoogleAPIKey)
		if err != nil {
			slog.Error("Failed to initialize Gemini client", "error", err)
			os.Exit(1)
		}
		mux.Gemini = llm.NewGeminiGenerator(geminiClient, logger)
	}
	if cfg.Model.OpenAIAPIKey != "" {
		mux.OpenAI = llm.NewOpenAIGenerator(cfg.Model.OpenAIAPIKey, cfg.Model.OpenAIBaseURL)
	}
	if mux.Gemini == nil && mux.OpenAI == nil {
		slog.Error("No model backend configured, set GOOGLE_API_KEY or OPENAI_API_KEY")
		os.Exit(1)
	}

	var entries cache.EntryStore = cache.NewMemoryStore()
	if cfg.CacheDir != "" {
		badgerStore, err := cache.NewBadgerStore(cache.BadgerOptions{Dir: cfg.CacheDir, Logger: logger})
		if err != nil {
			slog.Error("Failed to open context cache store", "error", err)
			os.Exit(1)
		}
		defer func() {
			if closeErr := badgerStore.Close(); closeErr != nil {
				slog.Error("Failed to close context cache store", "error", closeErr)
			}
		}()
		entries = badgerStore
	}

	// Contexts are only created at Gemini; other backends get the plain
	// instructions on every call.
	caches, err := cache.New(cache.Options{
		Backend: llm.NewGeminiCaches(geminiClient),
		Store:   entries,
		Logger:  logger,
		Models: map[responder.Tier]string{
			responder.TierRoutine:      cfg.Model.RoutineModel,
			responder.TierVerification: cfg.Model.VerificationModel,
		},
		Cacheable: func(model string) bool {
			return geminiClient != nil && llm.IsGeminiModel(model)
		},
		TTL:           cfg.ContextCache.TTL,
		RenewFraction: cfg.ContextCache.RenewFraction,
	})
	if err != nil {
		slog.Error("Failed to initialize context cache", "error", err)
		os.Exit(1)
	}
	defer caches.Close()

	synth, err := speech.NewGrpcClient(speech.GrpcClientConfig{
		Address:        cfg.Speech.Address,
		Format:         cfg.Speech.Format,
		ConnectTimeout: cfg.Speech.ConnectTimeout,
	}, logger)
	if err != nil {
		slog.Error("Failed to connect to speech service", "error", err)
		os.Exit(1)
	}
	defer synth.Close()

	profiles, err := learner.NewService(repo, cfg.ProfileCacheTTL, logger)
	if err != nil {
		slog.Error("Failed to initialize profile cache", "error", err)
		os.Exit(1)
	}
	defer profiles.Close()

	conversationLogger, err := convlog.New(convlog.Config{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize conversation logger", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := conversationLogger.Close(); closeErr != nil {
			slog.Error("Failed to close conversation logger", "error", closeErr)
		}
	}()

	runner := tasks.NewRunner(tasks.Config{
		Workers:     cfg.Background.Workers,
		QueueSize:   cfg.Background.QueueSize,
		TaskTimeout: cfg.Timeouts.Background,
	}, logger)
	defer func() {
		if closeErr := runner.Close(); closeErr != nil {
			slog.Error("Background tasks did not drain", "error", closeErr)
		}
	}()

	policy := cfg.Policy
	state := router.NewState()
	engine := mastery.NewEngine(repo, policy, cfg.Timeouts.Mastery, logger)

	tut, err := tutor.New(tutor.Deps{
		Store:       repo,
		Profiles:    profiles,
		Assembler:   assembly.New(profiles, repo, state, engine, cfg.HistoryLimit, logger),
		Directives:  directive.NewGenerator(policy.Directive),
		Router:      router.New(mux, caches, logger),
		State:       state,
		Pipeline:    pipeline.New(mux, caches, synth, logger),
		Speech:      synth,
		Mastery:     engine,
		Evidence:    evidence.NewExtractor(mux, cfg.Model.ClassifierModel, repo, policy.Evidence.ConfidenceThreshold, cfg.Timeouts.Classifier, logger),
		Enricher:    enrichment.New(repo, profiles, policy.Enrichment, logger),
		Tasks:       runner,
		ConvLog:     conversationLogger,
		Logger:      logger,
		TurnTimeout: cfg.Timeouts.Turn,
	})
	if err != nil {
		slog.Error("Failed to initialize tutor", "error", err)
		os.Exit(1)
	}

	// Idle sessions lose their active responder and any in-flight turn.
	state.StartReaper(ctx, reapInterval, cfg.SessionIdleTTL, tut.Forget)
	slog.Info("Session reaper started", "idle_ttl", cfg.SessionIdleTTL)

	go func() {
		for _, res := range caches.Warmup(ctx) {
			if res.Err != nil {
				slog.Warn("Context cache warmup failed", "model", res.Model, "error", res.Err)
				continue
			}
			slog.Info("Context cache warmed", "model", res.Model, "handle", res.Handle, "responders", len(res.Responders))
		}
	}()

	// Initialize handlers.
	healthHandler := api.NewHealthHandler(repo, map[string]api.Checker{
		"speech": api.CheckerFunc(synth.Health),
	}, 5*time.Second)
	tutorHandler := api.NewTutorHandler(tut, profiles, api.TutorHandlerConfig{
		Limiter:        api.NewRateLimiter(ctx, cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration),
		MaxBodySize:    cfg.MaxRequestBodySize,
		OriginPatterns: originPatterns(cfg.FrontendURL),
		Logger:         logger,
	})
	adminHandler := api.NewAdminHandler(caches, cfg.AdminToken, logger)
	if cfg.AdminToken == "" {
		slog.Warn("ADMIN_TOKEN not set, admin routes are disabled")
	}

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(middleware.Origins(cfg.FrontendURL)))

	// Public routes.
	healthHandler.RegisterHealth(r)

	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(profiles, cfg.IsDevelopment()))
		tutorHandler.RegisterRoutes(r)
	})
	adminHandler.RegisterRoutes(r)

	// WebSocket turns hold the connection open, so there is no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

// originPatterns converts the frontend URL into WebSocket origin host
// patterns. An empty or unparsable URL accepts any origin.
func originPatterns(frontendURL string) []string {
	if frontendURL == "" {
		return []string{"*"}
	}
	u, err := url.Parse(frontendURL)
	if err != nil || u.Host == "" {
		return []string{"*"}
	}
	return []string{u.Host}
}
