package api

import (
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/botdock/botdock/internal/bot/lifecycle"
	"github.com/botdock/botdock/internal/bot/router"
	apperrors "github.com/botdock/botdock/internal/common/errors"
	"github.com/botdock/botdock/internal/common/logger"
	v1 "github.com/botdock/botdock/pkg/api/v1"
)

// maxUpdateBytes caps the webhook payload size.
const maxUpdateBytes = 1 << 20

// Handler contains HTTP handlers for the bot manager API
type Handler struct {
	manager *lifecycle.Manager
	router  *router.Router
	logger  *logger.Logger
}

// NewHandler creates a new API handler
func NewHandler(mgr *lifecycle.Manager, rt *router.Router, log *logger.Logger) *Handler {
	return &Handler{
		manager: mgr,
		router:  rt,
		logger:  log,
	}
}

// respondError converts an error into the API error envelope.
func respondError(c *gin.Context, err error) {
	c.JSON(apperrors.GetHTTPStatus(err), ErrorResponse{
		Success: false,
		Error:   err.Error(),
		Code:    apperrors.GetCode(err),
	})
}

// respondData wraps a success payload in the API envelope.
func respondData(c *gin.Context, status int, data any) {
	c.JSON(status, SuccessResponse{Success: true, Data: data})
}

// CreateBot stores a new bot
// POST /api/v1/tenants/:tenantId/bots
func (h *Handler) CreateBot(c *gin.Context) {
	tenantID := c.Param("tenantId")

	var req CreateBotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.BadRequest(err.Error()))
		return
	}

	bot, err := h.manager.Create(c.Request.Context(), lifecycle.CreateRequest{
		TenantID: tenantID,
		BotID:    req.BotID,
		Name:     req.Name,
		Source:   req.Source,
		Token:    req.Token,
	})
	if err != nil {
		h.logger.Error("failed to create bot",
			zap.String("tenant_id", tenantID),
			zap.Error(err))
		respondError(c, err)
		return
	}

	respondData(c, http.StatusCreated, bot)
}

// ListBots returns all of a tenant's bots
// GET /api/v1/tenants/:tenantId/bots
func (h *Handler) ListBots(c *gin.Context) {
	tenantID := c.Param("tenantId")

	bots, err := h.manager.List(c.Request.Context(), tenantID)
	if err != nil {
		respondError(c, err)
		return
	}

	respondData(c, http.StatusOK, gin.H{"bots": bots, "count": len(bots)})
}

// GetBot returns a bot's public view
// GET /api/v1/tenants/:tenantId/bots/:botId
func (h *Handler) GetBot(c *gin.Context) {
	bot, err := h.manager.Status(c.Request.Context(), c.Param("tenantId"), c.Param("botId"))
	if err != nil {
		respondError(c, err)
		return
	}

	respondData(c, http.StatusOK, bot)
}

// StartBot launches a bot instance
// POST /api/v1/tenants/:tenantId/bots/:botId/start
func (h *Handler) StartBot(c *gin.Context) {
	// An empty body means webhook mode.
	var req StartBotRequest
	if err := c.ShouldBindJSON(&req); err != nil && err != io.EOF {
		respondError(c, apperrors.BadRequest(err.Error()))
		return
	}
	if req.DeliveryMode == "" {
		req.DeliveryMode = v1.DeliveryWebhook
	}

	bot, err := h.manager.Start(c.Request.Context(), c.Param("tenantId"), c.Param("botId"), req.DeliveryMode)
	if err != nil {
		h.logger.Error("failed to start bot",
			zap.String("bot_id", c.Param("botId")),
			zap.Error(err))
		respondError(c, err)
		return
	}

	respondData(c, http.StatusOK, bot)
}

// StopBot stops a bot instance. Stopping a bot that is not running
// succeeds with stopped=false.
// POST /api/v1/tenants/:tenantId/bots/:botId/stop
func (h *Handler) StopBot(c *gin.Context) {
	stopped, bot, err := h.manager.Stop(c.Request.Context(), c.Param("tenantId"), c.Param("botId"))
	if err != nil {
		respondError(c, err)
		return
	}

	respondData(c, http.StatusOK, StopBotResponse{Stopped: stopped, Bot: *bot})
}

// UpdateCode replaces a bot's source
// PUT /api/v1/tenants/:tenantId/bots/:botId/code
func (h *Handler) UpdateCode(c *gin.Context) {
	var req UpdateCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.BadRequest(err.Error()))
		return
	}

	bot, err := h.manager.UpdateCode(c.Request.Context(), c.Param("tenantId"), c.Param("botId"), req.Source)
	if err != nil {
		h.logger.Error("failed to update bot code",
			zap.String("bot_id", c.Param("botId")),
			zap.Error(err))
		respondError(c, err)
		return
	}

	respondData(c, http.StatusOK, bot)
}

// RegisterWebhook registers the bot's webhook with the external bot API
// POST /api/v1/tenants/:tenantId/bots/:botId/webhook
func (h *Handler) RegisterWebhook(c *gin.Context) {
	bot, err := h.manager.RegisterWebhook(c.Request.Context(), c.Param("tenantId"), c.Param("botId"))
	if err != nil {
		respondError(c, err)
		return
	}

	respondData(c, http.StatusOK, bot)
}

// UnregisterWebhook removes the bot's webhook from the external bot API
// DELETE /api/v1/tenants/:tenantId/bots/:botId/webhook
func (h *Handler) UnregisterWebhook(c *gin.Context) {
	bot, err := h.manager.UnregisterWebhook(c.Request.Context(), c.Param("tenantId"), c.Param("botId"))
	if err != nil {
		respondError(c, err)
		return
	}

	respondData(c, http.StatusOK, bot)
}

// GetLogs returns a bot's recent log lines
// GET /api/v1/tenants/:tenantId/bots/:botId/logs?limit=100
func (h *Handler) GetLogs(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			respondError(c, apperrors.ValidationError("limit", "must be a positive integer"))
			return
		}
		limit = parsed
	}

	botID := c.Param("botId")
	lines, err := h.manager.Logs(c.Request.Context(), c.Param("tenantId"), botID, limit)
	if err != nil {
		respondError(c, err)
		return
	}

	respondData(c, http.StatusOK, LogsResponse{BotID: botID, Lines: lines})
}

// GetFiles returns a bot's stored source text
// GET /api/v1/tenants/:tenantId/bots/:botId/files
func (h *Handler) GetFiles(c *gin.Context) {
	botID := c.Param("botId")
	source, err := h.manager.Source(c.Request.Context(), c.Param("tenantId"), botID)
	if err != nil {
		respondError(c, err)
		return
	}

	respondData(c, http.StatusOK, FilesResponse{BotID: botID, Source: source})
}

// Webhook receives an update from the external bot API and forwards it to
// the owning bot. The response is always 200: the upstream retries on
// anything else, and a broken bot must not cause a retry storm.
// POST /webhook/:botId
func (h *Handler) Webhook(c *gin.Context) {
	botID := c.Param("botId")

	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxUpdateBytes))
	if err != nil {
		h.logger.Warn("failed to read update body",
			zap.String("bot_id", botID),
			zap.Error(err))
		respondData(c, http.StatusOK, gin.H{"forwarded": false})
		return
	}

	result := h.router.Route(c.Request.Context(), botID, payload)
	respondData(c, http.StatusOK, gin.H{"forwarded": result.Forwarded})
}

// Health reports liveness and the number of loaded bot instances
// GET /health
func (h *Handler) Health(c *gin.Context) {
	respondData(c, http.StatusOK, gin.H{"status": "ok", "loaded_bots": h.manager.Loaded()})
}
