package handlers

import (
	"context"
	"crypto/subtle"
	"net/http"

	"ca-tracker/agent/internal/models"
	"ca-tracker/shared/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// TokenTracker is the engine surface exposed over HTTP.
type TokenTracker interface {
	RegisterToken(ctx context.Context, contractID string, groupID int64) (*models.TrackedToken, error)
	RemoveToken(ctx context.Context, contractID string, groupID int64) error
	ListTokens(ctx context.Context, groupID int64) ([]*models.TrackedToken, error)
	GetGroupStatistics(ctx context.Context, groupID int64) (*models.GroupStatistics, error)
	TrackedCount() int
}

const (
	requestIDKey    = "requestID"
	requestIDHeader = "X-Request-ID"
	apiSecretHeader = "X-API-Secret"
)

func RegisterRoutes(router *gin.Engine, appLogger *logger.Logger) {
	router.GET("/", func(c *gin.Context) {
		appLogger.Debug("Root endpoint accessed")
		c.JSON(http.StatusOK, gin.H{"message": "API is running. Tracker active!"})
	})
}

// RegisterAPIRoutes mounts the ops API under /api/v1 and Prometheus metrics under /metrics.
// Token endpoints require the X-API-Secret header when apiSecret is set.
func RegisterAPIRoutes(router *gin.Engine, appLogger *logger.Logger, tracker TokenTracker, gatherer prometheus.Gatherer, apiSecret string) {
	router.Use(requestIDMiddleware())

	if gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	apiGroup := router.Group("/api/v1")
	{
		apiGroup.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"status":  "ok",
				"message": "API Service is running",
				"tracked": tracker.TrackedCount(),
			})
		})

		h := &tokenHandlers{tracker: tracker, appLogger: appLogger}
		groups := apiGroup.Group("/groups/:id", apiSecretMiddleware(apiSecret, appLogger))
		groups.GET("/tokens", h.listTokens)
		groups.POST("/tokens", h.trackToken)
		groups.DELETE("/tokens/:contract", h.removeToken)
		groups.GET("/stats", h.groupStats)
	}
	appLogger.Info("API routes registered under /api/v1")
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func apiSecretMiddleware(secret string, appLogger *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.Next()
			return
		}
		received := c.GetHeader(apiSecretHeader)
		if received == "" {
			appLogger.Debug("API request missing secret header", zap.String(requestIDKey, c.GetString(requestIDKey)))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Missing " + apiSecretHeader + " header"})
			return
		}
		if subtle.ConstantTimeCompare([]byte(received), []byte(secret)) != 1 {
			appLogger.Warn("Unauthorized API request - secret mismatch.",
				zap.String(requestIDKey, c.GetString(requestIDKey)),
				zap.String("remoteAddr", c.ClientIP()))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		c.Next()
	}
}
