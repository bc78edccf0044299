package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// NewRouter builds the HTTP snapshot endpoint.
//
//	GET /      structured snapshot (same schema as --json)
//	GET /text  plain text rendering
func NewRouter(svc *Service, log *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(log))

	router.GET("/", func(c *gin.Context) {
		snap, err := svc.Snapshot(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.IndentedJSON(http.StatusOK, snap)
	})

	router.GET("/text", func(c *gin.Context) {
		snap, err := svc.Snapshot(c.Request.Context())
		if err != nil {
			c.String(http.StatusServiceUnavailable, "Error on querying NVIDIA devices: %s\n", err)
			return
		}
		lines := svc.Lines(snap)
		c.String(http.StatusOK, "%s\n", strings.Join(lines, "\n"))
	})

	return router
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}
