package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// NewRouter mounts the control API. metrics may be nil.
func NewRouter(h *Handler, events *EventStream, metrics http.Handler, logger *zap.Logger) *gin.Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger))

	v1 := r.Group("/v1")
	v1.GET("/status", h.GetStatus)

	convs := v1.Group("/conversations")
	convs.GET("", h.ListConversations)
	convs.GET("/:id/messages", h.ListMessages)
	convs.POST("/:id/messages", h.SendMessage)

	v1.GET("/settings/notifications", h.GetNotificationSettings)
	v1.PUT("/settings/notifications", h.PutNotificationSettings)

	if events != nil {
		v1.GET("/events", events.Watch)
	}
	if metrics != nil {
		r.GET("/metrics", gin.WrapH(metrics))
	}
	return r
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)),
		)
	}
}
