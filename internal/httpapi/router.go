// Package httpapi exposes the orchestrator's operational HTTP surface:
// health/readiness probes, the Prometheus scrape endpoint, and the
// administrative config-reload trigger.
package httpapi

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/STSynthetic/GF-25-v3/internal/config"
	"github.com/STSynthetic/GF-25-v3/internal/observability"
	"github.com/STSynthetic/GF-25-v3/internal/platform/logger"
	"github.com/STSynthetic/GF-25-v3/internal/store"
)

// RouterConfig wires the dependencies the operational handlers need.
type RouterConfig struct {
	Log            *logger.Logger
	DB             *store.Database
	ConfigRegistry *config.Registry
	ServiceName    string
}

// NewRouter builds the gin engine serving /healthz, /readyz, /metrics, and
// POST /admin/reload.
func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	if observability.Current() != nil {
		router.Use(otelgin.Middleware(cfg.ServiceName))
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-API-Key"},
		AllowCredentials: false,
	}))

	router.GET("/healthz", handleHealthz)
	router.GET("/readyz", handleReadyz(cfg))
	router.GET("/metrics", handleMetrics)

	admin := router.Group("/admin")
	admin.POST("/reload", handleReload(cfg))

	return router
}

func handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleReadyz reports ready once the database connection answers a
// ping; it does not check the configuration registry.
func handleReadyz(cfg RouterConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		sqlDB, err := cfg.DB.DB().DB()
		if err != nil || sqlDB.PingContext(c.Request.Context()) != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "reason": "database unreachable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	}
}

func handleMetrics(c *gin.Context) {
	metrics := observability.Current()
	if metrics == nil {
		c.Status(http.StatusNoContent)
		return
	}
	metrics.WriteHTTP(c.Writer, c.Request)
}

// handleReload triggers an immediate Configuration Registry reload
// outside of the filesystem-watch debounce, for operators pushing a new
// profile set and wanting it picked up without waiting on fsnotify.
func handleReload(cfg RouterConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		report := cfg.ConfigRegistry.Reload()
		status := http.StatusOK
		if report.Failed {
			status = http.StatusUnprocessableEntity
		}
		c.JSON(status, gin.H{
			"changed": report.Changed,
			"failed":  report.Failed,
			"errors":  len(report.Errors),
		})
	}
}
