package channel

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"relaybot/internal/config"
)

func TestTelegramAllowList(t *testing.T) {
	tests := []struct {
		name      string
		allowFrom []string
		userID    int64
		want      bool
	}{
		{"empty list allows all", nil, 42, true},
		{"listed user allowed", []string{"42"}, 42, true},
		{"unlisted user denied", []string{"42"}, 7, false},
		{"whitespace trimmed", []string{" 42 "}, 42, true},
		{"garbage entries skipped", []string{"abc", "42"}, 42, true},
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tg := NewTelegram(config.TelegramConfig{AllowFrom: tt.allowFrom}, logger)
			if got := tg.isAllowed(tt.userID); got != tt.want {
				t.Fatalf("isAllowed(%d) = %v, want %v", tt.userID, got, tt.want)
			}
		})
	}
}

func TestTelegramSendTextBadChatID(t *testing.T) {
	tg := NewTelegram(config.TelegramConfig{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := tg.SendText(context.Background(), "not-a-number", "hi"); err == nil {
		t.Fatal("expected error for non-numeric chat ID")
	}
}

// newFakeBotServer serves getMe plus a canned sendMessage handler, and
// returns a Telegram channel whose bot talks to it.
func newFakeBotServer(t *testing.T, sendMessage http.HandlerFunc) *Telegram {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/getMe"):
			fmt.Fprint(w, `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"test","username":"testbot"}}`)
		case strings.HasSuffix(r.URL.Path, "/sendMessage"):
			sendMessage(w, r)
		default:
			fmt.Fprint(w, `{"ok":true,"result":{}}`)
		}
	}))
	t.Cleanup(srv.Close)

	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint("123:abc", srv.URL+"/bot%s/%s")
	if err != nil {
		t.Fatalf("bot init: %v", err)
	}

	tg := NewTelegram(config.TelegramConfig{Token: "123:abc"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	tg.bot = bot
	return tg
}

func TestTelegramSendTextPropagatesRejection(t *testing.T) {
	tg := newFakeBotServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`)
	})

	err := tg.SendText(context.Background(), "7", "hi")
	if err == nil {
		t.Fatal("expected error when the API rejects the message")
	}
	if !strings.Contains(err.Error(), "chat not found") {
		t.Fatalf("err = %v, want API description surfaced", err)
	}
}

func TestTelegramSendTextSuccess(t *testing.T) {
	tg := newFakeBotServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":7,"type":"private"},"text":"hi"}}`)
	})

	if err := tg.SendText(context.Background(), "7", "hi"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
}
