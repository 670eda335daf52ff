package server

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/veilhealth/veil-backend/internal/handlers"
	"github.com/veilhealth/veil-backend/internal/observability"
	"github.com/veilhealth/veil-backend/internal/platform/logger"
)

type RouterConfig struct {
	Log         *logger.Logger
	DeidHandler *handlers.DeidHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(cfg.Log))
	router.Use(otelgin.Middleware("veil-api"))

	// Cors
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{
			"http://localhost:80",
			"http://localhost:3000",
			"http://localhost:5174",
		},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
		AllowCredentials: true,
	}))

	router.GET("/healthz", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(observability.MetricsHandler()))

	api := router.Group("/api")
	{
		api.POST("/deidentify", cfg.DeidHandler.Create)
		api.GET("/jobs", cfg.DeidHandler.List)
		api.GET("/jobs/:id", cfg.DeidHandler.Get)
		api.GET("/jobs/:id/result", cfg.DeidHandler.GetResult)
		api.GET("/jobs/:id/entities", cfg.DeidHandler.GetEntities)
		api.POST("/jobs/:id/requeue", cfg.DeidHandler.Requeue)
	}

	return router
}

// requestLogger logs one line per request. Paths and query strings for
// this API never carry PHI (keys are uuids), so plain logging is safe.
func requestLogger(log *logger.Logger) gin.HandlerFunc {
	reqLog := log.With("component", "http")
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		reqLog.Info("Request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"took_ms", time.Since(started).Milliseconds(),
		)
	}
}
