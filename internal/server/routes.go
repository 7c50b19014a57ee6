package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	adminh "gembalance/internal/handlers/admin"
	oh "gembalance/internal/handlers/openai"
	mw "gembalance/internal/middleware"
	"gembalance/internal/monitoring"
)

// registerRoutes mounts the OpenAI-compatible surface, the admin surface,
// and the process-level probes.
func registerRoutes(engine *gin.Engine, deps Dependencies, oa *oh.Handler, admin *adminh.Handler) {
	engine.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, "gembalance: OpenAI-compatible proxy with credential pooling\n")
	})
	// Liveness reflects pool selectability, not process aliveness alone.
	engine.GET("/healthz", func(c *gin.Context) {
		if deps.Pool.GetActiveKeyCount() > 0 {
			c.String(http.StatusOK, "ok")
			return
		}
		c.String(http.StatusServiceUnavailable, "degraded")
	})

	v1 := engine.Group("/v1")
	v1.Use(mw.ClientAuth(func() (bool, []string) {
		p := deps.Config.Current().Policy.Proxy
		return p.RequireAuth, p.AccessTokens
	}))
	v1.POST("/chat/completions", oa.ChatCompletions)
	v1.GET("/models", oa.ListModels)
	v1.GET("/models/:id", oa.GetModel)
	v1.POST("/embeddings", oa.Embeddings)
	v1.POST("/images/generations", oa.ImageGenerations)

	adm := engine.Group("/admin")
	adm.Use(mw.AdminAuth(func() string {
		return deps.Config.Current().Policy.Proxy.AdminToken
	}))
	adm.GET("/health", admin.Health)
	adm.GET("/keys", admin.ListKeys)
	adm.POST("/keys/:id/enable", admin.EnableKey)
	adm.POST("/keys/:id/disable", admin.DisableKey)
	adm.GET("/metrics", monitoring.MetricsHandler)
	adm.POST("/config/reload", admin.ReloadConfig)
	adm.GET("/usage/daily", admin.DailyUsage)
	adm.GET("/usage/weekly", admin.WeeklyUsage)
}
