package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRoutes configures the courierd HTTP routes on a gin engine.
func SetupRoutes(router *gin.Engine, handler *Handler) {
	router.GET("/health", handler.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Force-process triggers for operators and webhooks.
	router.POST("/process-event", handler.ProcessEvent)
	router.POST("/process-batch", handler.ProcessBatch)
	router.POST("/process-task", handler.ProcessTask)

	// Provider webhooks.
	router.POST("/webhooks/sms", handler.SMSWebhook)

	apiV1 := router.Group("/api/v1")
	{
		apiV1.POST("/messages", handler.EnqueueMessage)
		apiV1.DELETE("/messages/:id", handler.CancelMessage)
	}
}
