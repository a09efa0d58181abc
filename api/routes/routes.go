package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/feichai0017/compliance-processor/api/handlers"
	"github.com/feichai0017/compliance-processor/api/middleware"
)

type Options struct {
	CORSOrigins []string
	// RateLimit guards /api/v1 when set.
	RateLimit gin.HandlerFunc
}

// SetupRoutes 配置所有路由
func SetupRoutes(r *gin.Engine, h *handlers.Handlers, opts Options) {
	// 全局中间件
	r.Use(middleware.CORS(opts.CORSOrigins))

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// API 版本组
	v1 := r.Group("/api/v1")
	if opts.RateLimit != nil {
		v1.Use(opts.RateLimit)
	}

	v1.POST("/process", h.Process.Process)

	jobs := v1.Group("/jobs")
	{
		jobs.POST("", h.Job.Create)
		jobs.GET("", h.Job.List)
		jobs.GET("/:id", h.Job.Get)
		jobs.POST("/:id/cancel", h.Job.Cancel)
		jobs.DELETE("/:id", h.Job.Cancel)
	}

	// 文档处理路由组
	docs := v1.Group("/documents")
	{
		docs.POST("", h.Document.Upload)
		docs.GET("/:id", h.Document.Get)
		docs.GET("/:id/status", h.Document.GetStatus)
		docs.GET("/:id/result", h.Document.DownloadResult)
		docs.DELETE("/:id", h.Document.Delete)
	}
}
