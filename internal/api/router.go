// Package api wires the gin engine: middleware, routes and swagger.
package api

import (
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	_ "github.com/d60-Lab/newsletter/docs"
	"github.com/d60-Lab/newsletter/internal/api/handler"
	"github.com/d60-Lab/newsletter/internal/api/middleware"
)

type RouterOptions struct {
	Mode        string
	JWTSecret   string
	JWTIssuer   string
	ServiceName string
	Swagger     bool
}

// NewRouter 注册全部路由
func NewRouter(h *handler.Handler, opts RouterOptions) *gin.Engine {
	if opts.Mode != "" {
		gin.SetMode(opts.Mode)
	}
	r := gin.New()
	r.Use(middleware.Recovery(), middleware.Logger())
	if opts.ServiceName != "" {
		r.Use(otelgin.Middleware(opts.ServiceName))
	}
	r.Use(gzip.Gzip(gzip.DefaultCompression))

	r.GET("/health_check", h.HealthCheck)
	if opts.Swagger {
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	admin := r.Group("/admin", middleware.Auth(opts.JWTSecret, opts.JWTIssuer))
	{
		admin.POST("/newsletters", h.PublishNewsletter)
		admin.GET("/newsletters/:issue_id/deliveries", h.DeliveryStatus)
	}
	return r
}
