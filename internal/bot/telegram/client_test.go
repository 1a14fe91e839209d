package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	apperrors "github.com/botdock/botdock/internal/common/errors"
	"github.com/botdock/botdock/internal/common/logger"
)

func TestSetWebhook(t *testing.T) {
	var gotPath string
	var gotBody map[string]any

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok": true}`))
	}))
	defer server.Close()

	c := NewClient(Config{
		APIBaseURL:     server.URL,
		AllowedUpdates: []string{"message", "callback_query"},
	}, logger.Default())

	err := c.SetWebhook(context.Background(), "123456:secret", "https://example.com/webhook/bot-1")
	if err != nil {
		t.Fatalf("SetWebhook failed: %v", err)
	}

	if gotPath != "/bot123456:secret/setWebhook" {
		t.Errorf("unexpected path: %s", gotPath)
	}
	if gotBody["url"] != "https://example.com/webhook/bot-1" {
		t.Errorf("unexpected url in body: %v", gotBody["url"])
	}
	allowed, ok := gotBody["allowed_updates"].([]any)
	if !ok || len(allowed) != 2 {
		t.Errorf("expected allowed_updates forwarded, got %v", gotBody["allowed_updates"])
	}
}

func TestDeleteWebhook(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok": true}`))
	}))
	defer server.Close()

	c := NewClient(Config{APIBaseURL: server.URL}, logger.Default())

	if err := c.DeleteWebhook(context.Background(), "123456:secret"); err != nil {
		t.Fatalf("DeleteWebhook failed: %v", err)
	}
	if gotPath != "/bot123456:secret/deleteWebhook" {
		t.Errorf("unexpected path: %s", gotPath)
	}
}

func TestSetWebhookAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"ok": false, "error_code": 401, "description": "Unauthorized"}`))
	}))
	defer server.Close()

	c := NewClient(Config{APIBaseURL: server.URL}, logger.Default())

	err := c.SetWebhook(context.Background(), "bad:token", "https://example.com/webhook/x")
	if err == nil {
		t.Fatal("expected error for rejected call")
	}
	if !apperrors.IsUpstream(err) {
		t.Errorf("expected UPSTREAM_ERROR, got %v", err)
	}
	if !strings.Contains(err.Error(), "Unauthorized") {
		t.Errorf("expected description in error, got %v", err)
	}
}

func TestSetWebhookConnectionError(t *testing.T) {
	// Closed server: connection refused.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	c := NewClient(Config{APIBaseURL: server.URL}, logger.Default())

	err := c.SetWebhook(context.Background(), "123456:secret", "https://example.com/webhook/x")
	if !apperrors.IsUpstream(err) {
		t.Errorf("expected UPSTREAM_ERROR, got %v", err)
	}
}

func TestRedactToken(t *testing.T) {
	cases := map[string]string{
		"123456:AAExample-secret": "123456:***",
		"no-separator":            "***",
		"":                        "",
	}
	for in, want := range cases {
		if got := RedactToken(in); got != want {
			t.Errorf("RedactToken(%q) = %q, want %q", in, got, want)
		}
	}
}
