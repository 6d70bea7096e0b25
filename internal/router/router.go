package router

import (
	"net/http"
	"time"

	"github.com/certlab/certlab-backend/internal/config"
	"github.com/certlab/certlab-backend/internal/handler"
	"github.com/certlab/certlab-backend/internal/middleware"
	"github.com/certlab/certlab-backend/internal/response"
	"github.com/certlab/certlab-backend/internal/service"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Assessment *handler.AssessmentHandler
	Attempt    *handler.AttemptHandler
	Instance   *handler.InstanceHandler
	WS         *handler.WSHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
func SetupRouter(
	authService *service.AuthService,
	handlers *Handlers,
	cfg *config.Config,
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.Default()

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	// Apply request ID middleware globally so every response includes metadata.
	router.Use(response.RequestIDMiddleware())

	// Health check.
	router.GET("/health", func(c *gin.Context) {
		response.Success(c, http.StatusOK, gin.H{"status": "ok"})
	})

	// Rate limiter for flag submissions (30 per minute per IP) so flag
	// values cannot be brute-forced at line speed.
	flagLimiter := middleware.NewRateLimiter(30, time.Minute)

	// ─── 1. Candidate Group (JWT + Single Device) ──────────────────────
	candidateAPI := router.Group("/api/v1/candidate")
	candidateAPI.Use(
		middleware.RequireCandidateJWT(authService),
		middleware.CheckSingleDeviceSession(authService),
	)
	{
		// Catalog and papers.
		candidateAPI.GET("/assessments", handlers.Assessment.ListCatalog)
		candidateAPI.GET("/assessments/:assessment_id/paper", handlers.Assessment.GetPaper)

		// Attempt lifecycle.
		candidateAPI.POST("/assessments/:assessment_id/attempt", handlers.Attempt.Start)
		candidateAPI.GET("/assessments/:assessment_id/attempt", handlers.Attempt.GetState)
		candidateAPI.POST("/assessments/:assessment_id/attempt/submit", handlers.Attempt.Submit)
		candidateAPI.POST("/assessments/:assessment_id/attempt/reset", handlers.Attempt.Reset)

		// Flag scoring.
		candidateAPI.POST("/assessments/:assessment_id/flags/submit",
			flagLimiter.Middleware(),
			handlers.Attempt.SubmitFlag,
		)

		// Instance orchestration.
		candidateAPI.GET("/questions/:question_id/instance", handlers.Instance.GetStatus)
		candidateAPI.POST("/questions/:question_id/instance/start", handlers.Instance.Start)
		candidateAPI.POST("/questions/:question_id/instance/stop", handlers.Instance.Stop)
		candidateAPI.POST("/questions/:question_id/instance/restart", handlers.Instance.Restart)
	}

	// ─── 2. WebSocket Group (Candidate WS Auth) ────────────────────────
	ws := router.Group("/ws/v1")
	ws.Use(middleware.RequireCandidateWSAuth(authService))
	{
		ws.GET("/candidate/assessments/:assessment_id/stream", handlers.WS.AttemptStream)
	}

	return router
}
