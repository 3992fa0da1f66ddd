package chatsync

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

const testSecret = "test-webhook-secret-key"

func makeTestSignature(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func makeTestRecord() map[string]any {
	return map[string]any{
		"id":              "msg-001",
		"conversation_id": "conv-001",
		"sender_actor_id": "actor-001",
		"body":            "Hello from test",
		"client_id":       "tmp_abc",
		"created_at":      "2026-01-01T00:00:00Z",
		"edited_at":       nil,
		"deleted_at":      nil,
	}
}

func makeTestPayload(kind string) map[string]any {
	p := map[string]any{
		"type":       kind,
		"table":      "messages",
		"schema":     "public",
		"record":     makeTestRecord(),
		"old_record": nil,
	}
	if kind == "DELETE" {
		p["record"] = nil
		p["old_record"] = map[string]any{"id": "msg-001"}
	}
	return p
}

func makeTestPayloadString(kind string) string {
	b, _ := json.Marshal(makeTestPayload(kind))
	return string(b)
}

// ============================================================================
// VerifyWebhookSignature
// ============================================================================

func TestVerifyWebhookSignature(t *testing.T) {
	t.Run("valid signature", func(t *testing.T) {
		body := makeTestPayloadString("INSERT")
		sig := makeTestSignature(body, testSecret)
		if !VerifyWebhookSignature(body, sig, testSecret) {
			t.Fatal("expected valid signature")
		}
	})

	t.Run("valid without prefix", func(t *testing.T) {
		body := makeTestPayloadString("INSERT")
		sig := strings.TrimPrefix(makeTestSignature(body, testSecret), "sha256=")
		if !VerifyWebhookSignature(body, sig, testSecret) {
			t.Fatal("expected valid signature without prefix")
		}
	})

	t.Run("wrong signature", func(t *testing.T) {
		body := makeTestPayloadString("INSERT")
		sig := "sha256=" + strings.Repeat("0", 64)
		if VerifyWebhookSignature(body, sig, testSecret) {
			t.Fatal("expected invalid signature")
		}
	})

	t.Run("wrong secret", func(t *testing.T) {
		body := makeTestPayloadString("INSERT")
		sig := makeTestSignature(body, "wrong-secret")
		if VerifyWebhookSignature(body, sig, testSecret) {
			t.Fatal("expected invalid signature with wrong secret")
		}
	})

	t.Run("tampered body", func(t *testing.T) {
		body := makeTestPayloadString("INSERT")
		sig := makeTestSignature(body, testSecret)
		if VerifyWebhookSignature(body+"tampered", sig, testSecret) {
			t.Fatal("expected invalid for tampered body")
		}
	})

	t.Run("empty inputs", func(t *testing.T) {
		if VerifyWebhookSignature("", "sha256=abc", testSecret) {
			t.Fatal("expected false for empty body")
		}
		if VerifyWebhookSignature("body", "", testSecret) {
			t.Fatal("expected false for empty signature")
		}
		if VerifyWebhookSignature("body", "sha256=abc", "") {
			t.Fatal("expected false for empty secret")
		}
		if VerifyWebhookSignature("body", "sha256=", testSecret) {
			t.Fatal("expected false for sha256= prefix only")
		}
	})
}

// ============================================================================
// ParseWebhookPayload
// ============================================================================

func TestParseWebhookPayload(t *testing.T) {
	t.Run("insert", func(t *testing.T) {
		payload, err := ParseWebhookPayload(makeTestPayloadString("INSERT"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		ch, err := payload.Change()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ch.Kind != ChangeInsert {
			t.Fatalf("expected insert, got %s", ch.Kind)
		}
		if ch.Row.ID != "msg-001" || ch.Row.Text() != "Hello from test" {
			t.Fatalf("unexpected row: %+v", ch.Row)
		}
		if ch.Row.ClientID != "tmp_abc" {
			t.Fatalf("expected client id echoed, got %q", ch.Row.ClientID)
		}
		if !ch.Row.CreatedAt.Equal(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)) {
			t.Fatalf("unexpected created_at: %v", ch.Row.CreatedAt)
		}
	})

	t.Run("update with deleted_at clears body", func(t *testing.T) {
		data := makeTestPayload("UPDATE")
		data["record"].(map[string]any)["deleted_at"] = "2026-01-01T00:01:00Z"
		b, _ := json.Marshal(data)
		payload, err := ParseWebhookPayload(string(b))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		ch, err := payload.Change()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !ch.Row.Deleted() || ch.Row.Body != nil {
			t.Fatalf("expected unsent row without body, got %+v", ch.Row)
		}
	})

	t.Run("delete reads old_record", func(t *testing.T) {
		payload, err := ParseWebhookPayload(makeTestPayloadString("DELETE"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		ch, err := payload.Change()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ch.Kind != ChangeDelete || ch.Row.ID != "msg-001" {
			t.Fatalf("unexpected change: %+v", ch)
		}
	})

	t.Run("invalid JSON", func(t *testing.T) {
		_, err := ParseWebhookPayload("not json")
		if err == nil {
			t.Fatal("expected error for invalid JSON")
		}
	})

	t.Run("other table", func(t *testing.T) {
		data := makeTestPayload("INSERT")
		data["table"] = "profiles"
		b, _ := json.Marshal(data)
		_, err := ParseWebhookPayload(string(b))
		if err == nil || !strings.Contains(err.Error(), "unexpected webhook table") {
			t.Fatalf("expected table error, got: %v", err)
		}
	})

	t.Run("missing type", func(t *testing.T) {
		data := makeTestPayload("INSERT")
		data["type"] = ""
		b, _ := json.Marshal(data)
		_, err := ParseWebhookPayload(string(b))
		if err == nil || !strings.Contains(err.Error(), "missing type") {
			t.Fatalf("expected missing type error, got: %v", err)
		}
	})

	t.Run("row missing sender", func(t *testing.T) {
		data := makeTestPayload("INSERT")
		data["record"].(map[string]any)["sender_actor_id"] = ""
		b, _ := json.Marshal(data)
		payload, err := ParseWebhookPayload(string(b))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, err := payload.Change(); !errors.Is(err, ErrMalformedRow) {
			t.Fatalf("expected ErrMalformedRow, got: %v", err)
		}
	})

	t.Run("unknown kind", func(t *testing.T) {
		payload, err := ParseWebhookPayload(makeTestPayloadString("TRUNCATE"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, err := payload.Change(); !errors.Is(err, ErrMalformedRow) {
			t.Fatalf("expected ErrMalformedRow, got: %v", err)
		}
	})
}

// ============================================================================
// NewWebhookFeed
// ============================================================================

func TestNewWebhookFeed(t *testing.T) {
	t.Run("empty secret", func(t *testing.T) {
		_, err := NewWebhookFeed("")
		if err == nil {
			t.Fatal("expected error for empty secret")
		}
	})

	t.Run("custom table", func(t *testing.T) {
		wh, err := NewWebhookFeed(testSecret, WithWebhookTable("chat_messages"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		data := makeTestPayload("INSERT")
		data["table"] = "chat_messages"
		b, _ := json.Marshal(data)
		if _, err := wh.Parse(string(b)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}

// ============================================================================
// WebhookFeed.Handle
// ============================================================================

func TestWebhookFeedHandle(t *testing.T) {
	t.Run("invalid signature", func(t *testing.T) {
		wh, _ := NewWebhookFeed(testSecret)
		status, data := wh.Handle(context.Background(), makeTestPayloadString("INSERT"), "sha256=bad")
		if status != 401 {
			t.Fatalf("expected 401, got %d", status)
		}
		m := data.(map[string]string)
		if m["error"] != "Invalid signature" {
			t.Fatalf("unexpected error: %s", m["error"])
		}
	})

	t.Run("malformed payload", func(t *testing.T) {
		wh, _ := NewWebhookFeed(testSecret)
		body := `{"type": "INSERT", "table": "messages", "record": {"id": "x"}}`
		status, _ := wh.Handle(context.Background(), body, makeTestSignature(body, testSecret))
		if status != 400 {
			t.Fatalf("expected 400, got %d", status)
		}
	})

	t.Run("publishes to conversation subscribers", func(t *testing.T) {
		var seen []RowChange
		wh, _ := NewWebhookFeed(testSecret, OnWebhookChange(func(ch RowChange) { seen = append(seen, ch) }))
		sub, _ := wh.Subscribe(context.Background(), "conv-001")
		other, _ := wh.Subscribe(context.Background(), "conv-002")
		defer wh.Close()

		body := makeTestPayloadString("INSERT")
		status, data := wh.Handle(context.Background(), body, makeTestSignature(body, testSecret))
		if status != 200 {
			t.Fatalf("expected 200, got %d", status)
		}
		if data.(map[string]any)["delivered"] != 1 {
			t.Fatalf("expected one delivery, got %v", data)
		}
		if len(seen) != 1 {
			t.Fatalf("expected callback once, got %d", len(seen))
		}

		select {
		case ch := <-sub.Events():
			if ch.Row.ID != "msg-001" {
				t.Fatalf("unexpected row: %s", ch.Row.ID)
			}
		default:
			t.Fatal("expected an event for conv-001")
		}
		select {
		case ch := <-other.Events():
			t.Fatalf("conv-002 should not receive %s", ch.Row.ID)
		default:
		}
	})

	t.Run("delete without conversation reaches everyone", func(t *testing.T) {
		wh, _ := NewWebhookFeed(testSecret)
		a, _ := wh.Subscribe(context.Background(), "conv-001")
		b, _ := wh.Subscribe(context.Background(), "conv-002")
		defer wh.Close()

		body := makeTestPayloadString("DELETE")
		status, _ := wh.Handle(context.Background(), body, makeTestSignature(body, testSecret))
		if status != 200 {
			t.Fatalf("expected 200, got %d", status)
		}
		for _, sub := range []*Subscription{a, b} {
			select {
			case ch := <-sub.Events():
				if ch.Kind != ChangeDelete {
					t.Fatalf("expected delete, got %s", ch.Kind)
				}
			default:
				t.Fatal("expected a delete event")
			}
		}
	})
}

// ============================================================================
// WebhookFeed.HTTPHandler
// ============================================================================

func TestWebhookFeedHTTPHandler(t *testing.T) {
	t.Run("GET returns 405", func(t *testing.T) {
		wh, _ := NewWebhookFeed(testSecret)
		req := httptest.NewRequest(http.MethodGet, "/webhook", nil)
		w := httptest.NewRecorder()
		wh.HTTPHandler().ServeHTTP(w, req)
		if w.Code != 405 {
			t.Fatalf("expected 405, got %d", w.Code)
		}
	})

	t.Run("invalid signature returns 401", func(t *testing.T) {
		wh, _ := NewWebhookFeed(testSecret)
		body := makeTestPayloadString("INSERT")
		req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
		req.Header.Set(WebhookSignatureHeader, "sha256=bad")
		w := httptest.NewRecorder()
		wh.HTTPHandlerFunc()(w, req)
		if w.Code != 401 {
			t.Fatalf("expected 401, got %d", w.Code)
		}
	})

	t.Run("valid returns 200", func(t *testing.T) {
		wh, _ := NewWebhookFeed(testSecret)
		body := makeTestPayloadString("UPDATE")
		req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
		req.Header.Set(WebhookSignatureHeader, makeTestSignature(body, testSecret))
		w := httptest.NewRecorder()
		wh.HTTPHandler().ServeHTTP(w, req)
		if w.Code != 200 {
			t.Fatalf("expected 200, got %d", w.Code)
		}

		var result map[string]any
		json.NewDecoder(w.Body).Decode(&result)
		if result["ok"] != true {
			t.Fatal("expected ok:true")
		}
	})
}
