package api

import (
	"github.com/gin-gonic/gin"

	"github.com/botdock/botdock/internal/bot/lifecycle"
	"github.com/botdock/botdock/internal/bot/router"
	"github.com/botdock/botdock/internal/common/logger"
)

// SetupRoutes configures the bot manager routes on the engine: the
// management API under /api/v1, the public webhook receiver, and health.
func SetupRoutes(engine *gin.Engine, mgr *lifecycle.Manager, rt *router.Router, log *logger.Logger) {
	handler := NewHandler(mgr, rt, log)

	engine.GET("/health", handler.Health)
	engine.POST("/webhook/:botId", handler.Webhook)

	v1 := engine.Group("/api/v1")
	tenants := v1.Group("/tenants/:tenantId")
	{
		tenants.POST("/bots", handler.CreateBot)
		tenants.GET("/bots", handler.ListBots)
		tenants.GET("/bots/:botId", handler.GetBot)
		tenants.POST("/bots/:botId/start", handler.StartBot)
		tenants.POST("/bots/:botId/stop", handler.StopBot)
		tenants.PUT("/bots/:botId/code", handler.UpdateCode)
		tenants.POST("/bots/:botId/webhook", handler.RegisterWebhook)
		tenants.DELETE("/bots/:botId/webhook", handler.UnregisterWebhook)
		tenants.GET("/bots/:botId/logs", handler.GetLogs)
		tenants.GET("/bots/:botId/files", handler.GetFiles)
	}
}
