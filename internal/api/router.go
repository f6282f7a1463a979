package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sms-notification-service/internal/logging"
)

func NewRouter(basePath string, deps Deps, logger *logging.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLoggingMiddleware(logger))

	h := NewHandler(deps, logger)
	api := r.Group(basePath)
	{
		// Jobs
		api.GET("/jobs", h.ListJobs)
		api.GET("/jobs/:family/status", h.GetJobStatus)
		api.POST("/jobs/:family/trigger/:anchor_id", h.TriggerOne)
		api.POST("/jobs/:family/batch", h.TriggerBatch)
		api.POST("/jobs/:family/recover", h.RecoverMissed)
		api.GET("/jobs/:family/preview", h.Preview)

		// Items
		api.POST("/items/:id/retry", h.RetryItem)

		// Stats
		api.GET("/stats", h.GetStats)

		// Live run feed
		api.GET("/ws/runs", h.RunFeed)

		// SMS gateway callbacks
		api.POST("/webhooks/sms/status", h.DeliveryStatus)
		api.POST("/webhooks/sms/inbound", h.InboundReply)
	}

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	return r
}
