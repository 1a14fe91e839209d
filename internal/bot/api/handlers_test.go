package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/botdock/botdock/internal/bot/lifecycle"
	"github.com/botdock/botdock/internal/bot/logbuf"
	"github.com/botdock/botdock/internal/bot/registry"
	"github.com/botdock/botdock/internal/bot/router"
	"github.com/botdock/botdock/internal/bot/runtime"
	"github.com/botdock/botdock/internal/bot/store"
	"github.com/botdock/botdock/internal/common/logger"
	v1 "github.com/botdock/botdock/pkg/api/v1"
)

// mockInstance records forwarded payloads
type mockInstance struct {
	payloads [][]byte
}

func (m *mockInstance) ProcessUpdate(ctx context.Context, payload []byte) error {
	m.payloads = append(m.payloads, payload)
	return nil
}

func (m *mockInstance) Shutdown(ctx context.Context) error { return nil }

// mockRuntime spawns mock instances
type mockRuntime struct {
	last *mockInstance
}

func (m *mockRuntime) Spawn(ctx context.Context, spec runtime.Spec) (runtime.Instance, error) {
	m.last = &mockInstance{}
	return m.last, nil
}

// mockWebhooks accepts everything
type mockWebhooks struct{}

func (mockWebhooks) SetWebhook(ctx context.Context, token, url string) error { return nil }
func (mockWebhooks) DeleteWebhook(ctx context.Context, token string) error   { return nil }

func setupTestHandler(t *testing.T) (*gin.Engine, *mockRuntime) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	rt := &mockRuntime{}
	mgr := lifecycle.NewManager(
		store.NewMemoryStore(),
		registry.NewRegistry(log),
		rt,
		mockWebhooks{},
		logbuf.NewAggregator(100),
		nil,
		"https://bots.example.com",
		log,
	)
	webhookRouter := router.NewRouter(mgr, time.Second, log)

	engine := gin.New()
	SetupRoutes(engine, mgr, webhookRouter, log)
	return engine, rt
}

func doJSON(t *testing.T, engine *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

// decodeData unmarshals the success envelope and its data payload.
func decodeData(t *testing.T, w *httptest.ResponseRecorder, target any) {
	t.Helper()

	var envelope struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode envelope: %v: %s", err, w.Body.String())
	}
	if !envelope.Success {
		t.Fatalf("success response must carry success=true: %s", w.Body.String())
	}
	if err := json.Unmarshal(envelope.Data, target); err != nil {
		t.Fatalf("decode data: %v: %s", err, w.Body.String())
	}
}

func createBot(t *testing.T, engine *gin.Engine, botID string) v1.Bot {
	t.Helper()

	w := doJSON(t, engine, http.MethodPost, "/api/v1/tenants/tenant-1/bots", CreateBotRequest{
		BotID:  botID,
		Name:   "test bot",
		Source: "print('hi')",
		Token:  "123456:secret",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create bot: expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var bot v1.Bot
	decodeData(t, w, &bot)
	return bot
}

func TestHandler_CreateBot(t *testing.T) {
	engine, _ := setupTestHandler(t)

	bot := createBot(t, engine, "bot-1")
	if bot.BotID != "bot-1" {
		t.Errorf("expected bot-1, got %s", bot.BotID)
	}
	if bot.Status != v1.BotStatusStored {
		t.Errorf("expected stored, got %s", bot.Status)
	}
	if bot.TenantID != "tenant-1" {
		t.Errorf("expected tenant-1, got %s", bot.TenantID)
	}
}

func TestHandler_SuccessResponsesCarryEnvelope(t *testing.T) {
	engine, _ := setupTestHandler(t)

	w := doJSON(t, engine, http.MethodPost, "/api/v1/tenants/tenant-1/bots", CreateBotRequest{
		BotID:  "bot-1",
		Source: "print('hi')",
		Token:  "123456:secret",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", w.Code)
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(w.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if string(envelope["success"]) != "true" {
		t.Errorf("expected success=true, got %s", envelope["success"])
	}
	if _, ok := envelope["data"]; !ok {
		t.Error("expected resource under data")
	}
}

func TestHandler_CreateBotRejectsMissingFields(t *testing.T) {
	engine, _ := setupTestHandler(t)

	w := doJSON(t, engine, http.MethodPost, "/api/v1/tenants/tenant-1/bots", map[string]string{
		"name": "no source or token",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}

	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	if resp.Success {
		t.Error("error envelope must have success=false")
	}
	if resp.Code == "" {
		t.Error("error envelope must carry a code")
	}
}

func TestHandler_CreateBotNeverEchoesToken(t *testing.T) {
	engine, _ := setupTestHandler(t)

	w := doJSON(t, engine, http.MethodPost, "/api/v1/tenants/tenant-1/bots", CreateBotRequest{
		BotID:  "bot-1",
		Source: "print('hi')",
		Token:  "123456:super-secret-token",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", w.Code)
	}
	if bytes.Contains(w.Body.Bytes(), []byte("super-secret-token")) {
		t.Error("response leaks the bot token")
	}
}

func TestHandler_StartStopBot(t *testing.T) {
	engine, _ := setupTestHandler(t)
	createBot(t, engine, "bot-1")

	w := doJSON(t, engine, http.MethodPost, "/api/v1/tenants/tenant-1/bots/bot-1/start", StartBotRequest{
		DeliveryMode: v1.DeliveryWebhook,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("start: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var bot v1.Bot
	decodeData(t, w, &bot)
	if bot.Status != v1.BotStatusRunning {
		t.Errorf("expected running, got %s", bot.Status)
	}
	if bot.WebhookURL == "" {
		t.Error("expected webhook URL on started bot")
	}

	w = doJSON(t, engine, http.MethodPost, "/api/v1/tenants/tenant-1/bots/bot-1/stop", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("stop: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var stopResp StopBotResponse
	decodeData(t, w, &stopResp)
	if !stopResp.Stopped {
		t.Error("expected stopped=true")
	}
	if stopResp.Bot.Status != v1.BotStatusStopped {
		t.Errorf("expected stopped status, got %s", stopResp.Bot.Status)
	}
}

func TestHandler_StopNotRunning(t *testing.T) {
	engine, _ := setupTestHandler(t)
	createBot(t, engine, "bot-1")

	w := doJSON(t, engine, http.MethodPost, "/api/v1/tenants/tenant-1/bots/bot-1/stop", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp StopBotResponse
	decodeData(t, w, &resp)
	if resp.Stopped {
		t.Error("expected stopped=false for never-started bot")
	}
}

func TestHandler_GetBotNotFound(t *testing.T) {
	engine, _ := setupTestHandler(t)

	w := doJSON(t, engine, http.MethodGet, "/api/v1/tenants/tenant-1/bots/nobody", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}

	var resp ErrorResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Code != "NOT_FOUND" {
		t.Errorf("expected NOT_FOUND code, got %s", resp.Code)
	}
}

func TestHandler_ListBots(t *testing.T) {
	engine, _ := setupTestHandler(t)
	createBot(t, engine, "bot-1")
	createBot(t, engine, "bot-2")

	w := doJSON(t, engine, http.MethodGet, "/api/v1/tenants/tenant-1/bots", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp struct {
		Bots  []v1.Bot `json:"bots"`
		Count int      `json:"count"`
	}
	decodeData(t, w, &resp)
	if resp.Count != 2 || len(resp.Bots) != 2 {
		t.Errorf("expected 2 bots, got count=%d len=%d", resp.Count, len(resp.Bots))
	}
}

func TestHandler_UpdateCode(t *testing.T) {
	engine, _ := setupTestHandler(t)
	createBot(t, engine, "bot-1")

	w := doJSON(t, engine, http.MethodPut, "/api/v1/tenants/tenant-1/bots/bot-1/code", UpdateCodeRequest{
		Source: "print('v2')",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandler_WebhookForwardsToBot(t *testing.T) {
	engine, rt := setupTestHandler(t)
	createBot(t, engine, "bot-1")
	doJSON(t, engine, http.MethodPost, "/api/v1/tenants/tenant-1/bots/bot-1/start", StartBotRequest{
		DeliveryMode: v1.DeliveryWebhook,
	})

	w := doJSON(t, engine, http.MethodPost, "/webhook/bot-1", map[string]any{"update_id": 7})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp struct {
		Forwarded bool `json:"forwarded"`
	}
	decodeData(t, w, &resp)
	if !resp.Forwarded {
		t.Errorf("expected forwarded ack, got %+v", resp)
	}
	if len(rt.last.payloads) != 1 {
		t.Fatalf("expected 1 forwarded payload, got %d", len(rt.last.payloads))
	}
}

func TestHandler_WebhookUnknownBotStillAcks(t *testing.T) {
	engine, _ := setupTestHandler(t)

	w := doJSON(t, engine, http.MethodPost, "/webhook/nobody", map[string]any{"update_id": 7})
	if w.Code != http.StatusOK {
		t.Fatalf("unknown bot must still be acked with 200, got %d", w.Code)
	}

	var resp struct {
		Forwarded bool `json:"forwarded"`
	}
	decodeData(t, w, &resp)
	if resp.Forwarded {
		t.Error("unknown bot must not report forwarded")
	}
}

func TestHandler_GetLogs(t *testing.T) {
	engine, _ := setupTestHandler(t)
	createBot(t, engine, "bot-1")

	w := doJSON(t, engine, http.MethodGet, "/api/v1/tenants/tenant-1/bots/bot-1/logs?limit=5", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp LogsResponse
	decodeData(t, w, &resp)
	if resp.BotID != "bot-1" {
		t.Errorf("expected bot-1, got %s", resp.BotID)
	}
}

func TestHandler_GetLogsRejectsBadLimit(t *testing.T) {
	engine, _ := setupTestHandler(t)
	createBot(t, engine, "bot-1")

	w := doJSON(t, engine, http.MethodGet, "/api/v1/tenants/tenant-1/bots/bot-1/logs?limit=banana", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestHandler_GetFiles(t *testing.T) {
	engine, _ := setupTestHandler(t)
	createBot(t, engine, "bot-1")

	w := doJSON(t, engine, http.MethodGet, "/api/v1/tenants/tenant-1/bots/bot-1/files", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp FilesResponse
	decodeData(t, w, &resp)
	if resp.Source != "print('hi')" {
		t.Errorf("expected stored source, got %q", resp.Source)
	}
}

func TestHandler_Health(t *testing.T) {
	engine, _ := setupTestHandler(t)

	w := doJSON(t, engine, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
}
