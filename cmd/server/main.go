package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/certlab/certlab-backend/internal/config"
	"github.com/certlab/certlab-backend/internal/database"
	"github.com/certlab/certlab-backend/internal/handler"
	"github.com/certlab/certlab-backend/internal/instancer"
	"github.com/certlab/certlab-backend/internal/logger"
	"github.com/certlab/certlab-backend/internal/repository"
	"github.com/certlab/certlab-backend/internal/router"
	"github.com/certlab/certlab-backend/internal/service"
	"github.com/certlab/certlab-backend/internal/validator"
	"github.com/certlab/certlab-backend/internal/worker"
	"github.com/rs/zerolog"
)

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Str("log_level", cfg.LogLevel).
		Msg("Starting CertLab Backend")

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ─── Connect to PostgreSQL ─────────────────────────────────────────
	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	// ─── Connect to Redis ──────────────────────────────────────────────
	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	// ─── Initialize Repositories ───────────────────────────────────────
	assessmentRepo := repository.NewAssessmentRepository(pool)
	questionRepo := repository.NewQuestionRepository(pool)
	attemptRepo := repository.NewAttemptRepository(pool)
	submissionRepo := repository.NewSubmissionRepository(pool)
	fallbackStore := repository.NewFallbackStore(rdb)
	instanceCache := repository.NewInstanceCache(rdb)

	// ─── Instance Backend Client ───────────────────────────────────────
	instanceBackend := instancer.NewHTTPClient(cfg.InstancerBaseURL, cfg.InstancerToken)

	// ─── Initialize Services ──────────────────────────────────────────
	authService := service.NewAuthService(cfg, rdb)
	assessmentService := service.NewAssessmentService(assessmentRepo, questionRepo, attemptRepo, rdb, log)
	scoringService := service.NewScoringService(attemptRepo, questionRepo, submissionRepo, fallbackStore, log)
	instanceService := service.NewInstanceService(questionRepo, attemptRepo, instanceBackend, instanceCache, cfg, log)
	attemptService := service.NewAttemptService(assessmentRepo, attemptRepo, scoringService, fallbackStore, instanceService, log)

	// ─── Start Background Workers ─────────────────────────────────────
	workerCtx, workerCancel := context.WithCancel(context.Background())

	expiryWorker := worker.NewExpiryWorker(attemptRepo, attemptService, log)
	attemptService.AttachTimer(expiryWorker)
	pollWorker := worker.NewInstancePollWorker(rdb, instanceService, log)
	reconcileWorker := worker.NewReconcileWorker(rdb, submissionRepo, attemptRepo, fallbackStore, log)

	go expiryWorker.Start(workerCtx)
	go pollWorker.Start(workerCtx)
	go reconcileWorker.Start(workerCtx)

	// ─── Initialize Handlers ──────────────────────────────────────────
	handlers := &router.Handlers{
		Assessment: handler.NewAssessmentHandler(assessmentService, attemptService, log),
		Attempt:    handler.NewAttemptHandler(attemptService, scoringService, log),
		Instance:   handler.NewInstanceHandler(instanceService, log),
		WS:         handler.NewWSHandler(rdb, attemptService, instanceService, log, cfg.AllowedOrigins),
	}

	// ─── Setup Router ──────────────────────────────────────────────────
	r := router.SetupRouter(authService, handlers, cfg)

	// ─── Create HTTP Server ────────────────────────────────────────────
	srv := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: r,
	}

	// ─── Start Server in Goroutine ─────────────────────────────────────
	go func() {
		log.Info().Str("addr", ":"+cfg.ServerPort).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")

	// 1. Stop accepting new HTTP requests (5s timeout).
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Stop background workers and wait for queues to drain. The
	// deadline registry is rebuilt from the primary store on next boot.
	workerCancel()
	time.Sleep(2 * time.Second) // Allow workers to drain.

	log.Info().Msg("Shutdown complete")
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
