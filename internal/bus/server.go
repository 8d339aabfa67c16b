package bus

import (
	"net/http"
	"time"

	"github.com/danmuck/hermes/internal/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// NewRouter builds the hub's HTTP surface: /ws, /health and /metrics.
func NewRouter(hub *Hub, nodeID string, corsOrigins []string) *gin.Engine {
	observability.RegisterMetrics()
	started := time.Now()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger, nodeID))
	r.Use(observability.RequestMetricsMiddleware(nodeID))
	if len(corsOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins: corsOrigins,
			AllowMethods: []string{"GET"},
			AllowHeaders: []string{"Origin", "Authorization"},
			MaxAge:       12 * time.Hour,
		}))
	}

	r.GET("/ws", hub.ServeWS)
	r.GET("/health", func(c *gin.Context) {
		peers, rooms := hub.Stats()
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"uptime": time.Since(started).String(),
			"peers":  peers,
			"rooms":  rooms,
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}
