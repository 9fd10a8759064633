package backend

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"relaybot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseReplyFull(t *testing.T) {
	raw := `{
		"reply": "Got it, putting your order together.",
		"order": {
			"type": "order",
			"facility": "unit 28",
			"recipient": "John",
			"items": [{"name": "yerba", "quantity": 2}, {"name": "soap", "quantity": 1}],
			"notes": ""
		},
		"control": {"disable": false}
	}`
	reply, err := ParseReply(raw)
	if err != nil {
		t.Fatal(err)
	}
	if reply.Reply != "Got it, putting your order together." {
		t.Errorf("unexpected reply %q", reply.Reply)
	}
	if !reply.Order.HasItems() {
		t.Error("expected a priceable order")
	}
	if reply.Order.Items[0].Name != "yerba" || reply.Order.Items[0].Quantity != 2 {
		t.Errorf("unexpected items: %+v", reply.Order.Items)
	}
	if reply.Control.Disable {
		t.Error("disable must default to false")
	}
}

func TestParseReplyControlDisable(t *testing.T) {
	reply, err := ParseReply(`{"reply": "Understood, no more automated replies.", "control": {"disable": true}}`)
	if err != nil {
		t.Fatal(err)
	}
	if !reply.Control.Disable {
		t.Fatal("disable flag lost")
	}
	// Missing order normalizes to a neutral inquiry.
	if reply.Order == nil || reply.Order.Type != "inquiry" {
		t.Fatalf("expected neutral order, got %+v", reply.Order)
	}
}

func TestParseReplyMalformed(t *testing.T) {
	if _, err := ParseReply("sure, here is a plain sentence"); err == nil {
		t.Fatal("expected parse error for non-JSON output")
	}
}

func TestFallbackShape(t *testing.T) {
	f := Fallback()
	if f.Reply == "" {
		t.Fatal("fallback must carry user-visible text")
	}
	if f.Order == nil || f.Order.Type != "inquiry" || len(f.Order.Items) != 0 {
		t.Fatalf("fallback order not neutral: %+v", f.Order)
	}
	if f.Control.Disable {
		t.Fatal("fallback must not disable the user")
	}
}

// completionBody builds a minimal chat-completions response whose message
// content is the given payload.
func completionBody(payload string) map[string]any {
	return map[string]any{
		"id":     "chatcmpl-1",
		"object": "chat.completion",
		"choices": []map[string]any{
			{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": payload},
			},
		},
	}
}

func TestAskParsesCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(completionBody(
			`{"reply": "hello there", "order": {"type": "inquiry"}, "control": {"disable": false}}`))
	}))
	defer srv.Close()

	b := NewOpenAI(OpenAIConfig{APIKey: "test", APIBase: srv.URL, Logger: testLogger()})
	reply, err := b.Ask(context.Background(), &domain.Conversation{UserID: "u1"}, "hi")
	if err != nil {
		t.Fatal(err)
	}
	if reply.Reply != "hello there" {
		t.Fatalf("unexpected reply %q", reply.Reply)
	}
}

func TestAskFallsBackOnAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": {"message": "overloaded"}}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	b := NewOpenAI(OpenAIConfig{APIKey: "test", APIBase: srv.URL, Logger: testLogger()})
	reply, err := b.Ask(context.Background(), &domain.Conversation{UserID: "u1"}, "hi")
	if err != nil {
		t.Fatalf("API failure must be recovered, got error %v", err)
	}
	if reply.Reply != fallbackReply {
		t.Fatalf("expected fallback reply, got %q", reply.Reply)
	}
}

func TestAskFallsBackOnMalformedModelOutput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(completionBody("not json at all"))
	}))
	defer srv.Close()

	b := NewOpenAI(OpenAIConfig{APIKey: "test", APIBase: srv.URL, Logger: testLogger()})
	reply, err := b.Ask(context.Background(), &domain.Conversation{UserID: "u1"}, "hi")
	if err != nil {
		t.Fatal(err)
	}
	if reply.Order == nil || reply.Order.Type != "inquiry" {
		t.Fatalf("expected neutral fallback order, got %+v", reply.Order)
	}
}
