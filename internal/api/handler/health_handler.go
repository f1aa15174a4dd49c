package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/d60-Lab/newsletter/pkg/logger"
)

// HealthCheck 存活与数据库连通性检查
// @Summary 健康检查
// @Tags 运维
// @Success 200
// @Failure 503
// @Router /health_check [get]
func (h *Handler) HealthCheck(c *gin.Context) {
	if h.ping != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.ping(ctx); err != nil {
			logger.Warn("health check failed", zap.Error(err))
			c.Status(http.StatusServiceUnavailable)
			return
		}
	}
	c.Status(http.StatusOK)
}
