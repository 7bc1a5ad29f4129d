package http

import (
	"github.com/gin-gonic/gin"

	"aiknowledge/internal/bootstrap"
	"aiknowledge/internal/transport/http/handler"
	"aiknowledge/internal/transport/http/middleware"
)

type Handlers struct {
	Health      *handler.HealthHandler
	DataSources *handler.DataSourceHandler
	Agents      *handler.AgentHandler
	Webhooks    *handler.WebhookHandler
}

func NewRouter(app *bootstrap.App) *gin.Engine {
	gin.SetMode(app.Config.App.GinMode)
	return Register(gin.New(), app.Config.Auth.JWTSecret, Handlers{
		Health:      handler.NewHealthHandler(app),
		DataSources: handler.NewDataSourceHandler(app.DataSources, app.Logger),
		Agents:      handler.NewAgentHandler(app.DataSources, app.Context, app.Logger),
		Webhooks:    handler.NewWebhookHandler(app.DataSources, app.Config.Crawler.WebhookSecret, app.Logger),
	})
}

// Register mounts the API on router. A nil Health handler skips /healthz.
func Register(router *gin.Engine, jwtSecret string, h Handlers) *gin.Engine {
	router.Use(gin.Logger(), gin.Recovery())
	if h.Health != nil {
		router.GET("/healthz", h.Health.Check)
	}

	v1 := router.Group("/api/v1")
	v1.POST("/webhooks/crawl", h.Webhooks.Crawl)

	authed := v1.Group("")
	authed.Use(middleware.AuthJWT(jwtSecret))

	sources := authed.Group("/data-sources")
	sources.POST("", h.DataSources.Create)
	sources.POST("/upload", h.DataSources.Upload)
	sources.GET("", h.DataSources.List)
	sources.GET("/:id", h.DataSources.Get)
	sources.PUT("/:id/refresh", h.DataSources.Refresh)
	sources.DELETE("/:id", h.DataSources.Delete)

	authed.POST("/knowledge/:id/retry", h.DataSources.RetryKnowledge)

	agents := authed.Group("/agents/:agentId")
	agents.GET("/data-sources", h.Agents.ListDataSources)
	agents.PUT("/data-sources/:id", h.Agents.Attach)
	agents.DELETE("/data-sources/:id", h.Agents.Detach)
	agents.POST("/context", h.Agents.AssembleContext)

	return router
}
