package channels

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tbourn/go-crm-bridge/internal/domain"
)

func TestTelegram_ParseInbound_Message(t *testing.T) {
	body := []byte(`{
		"update_id": 1,
		"message": {
			"message_id": 42,
			"text": "hello",
			"from": {"id": 7, "first_name": "Ada", "last_name": "L"},
			"chat": {"id": 1234}
		}
	}`)
	in, err := NewTelegram(time.Second).ParseInbound(context.Background(), nil, body, nil)
	if err != nil {
		t.Fatalf("ParseInbound: %v", err)
	}
	if in.Kind != KindMessage || in.ExternalID != "1234" || in.Text != "hello" ||
		in.DisplayName != "Ada L" || in.ChannelMessageID != "42" {
		t.Fatalf("unexpected inbound: %+v", in)
	}
}

func TestTelegram_ParseInbound_UsernameFallback(t *testing.T) {
	body := []byte(`{"message":{"message_id":1,"text":"hi","from":{"username":"ada"},"chat":{"id":5}}}`)
	in, err := NewTelegram(time.Second).ParseInbound(context.Background(), nil, body, nil)
	if err != nil {
		t.Fatalf("ParseInbound: %v", err)
	}
	if in.DisplayName != "ada" {
		t.Fatalf("expected username fallback, got %q", in.DisplayName)
	}
}

func TestTelegram_ParseInbound_NoopAndBadPayload(t *testing.T) {
	tg := NewTelegram(time.Second)
	in, err := tg.ParseInbound(context.Background(), nil, []byte(`{"update_id":2}`), nil)
	if err != nil || in.Kind != KindNoop {
		t.Fatalf("expected noop for messageless update, got %+v, %v", in, err)
	}
	in, err = tg.ParseInbound(context.Background(), nil, []byte(`{"message":{"text":"  ","chat":{"id":1}}}`), nil)
	if err != nil || in.Kind != KindNoop {
		t.Fatalf("expected noop for blank text, got %+v, %v", in, err)
	}
	if _, err = tg.ParseInbound(context.Background(), nil, []byte(`{not json`), nil); !errors.Is(err, ErrBadPayload) {
		t.Fatalf("expected ErrBadPayload, got %v", err)
	}
}

func TestTelegram_Deliver(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["chat_id"] != "1234" || body["text"] != "hi" {
			t.Errorf("unexpected body: %v", body)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":     true,
			"result": map[string]any{"message_id": 99},
		})
	}))
	defer srv.Close()

	tg := NewTelegram(time.Second)
	tg.baseURL = srv.URL
	ch := &domain.Channel{ID: "c1", Credentials: domain.JSONMap{"bot_token": "tok"}}

	receipt, err := tg.Deliver(context.Background(), ch, "1234", "hi")
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if receipt.ChannelMessageID != "99" {
		t.Fatalf("unexpected receipt: %+v", receipt)
	}
	if gotPath != "/bottok/sendMessage" {
		t.Fatalf("unexpected path: %s", gotPath)
	}
}

func TestTelegram_Deliver_Rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "description": "chat not found"})
	}))
	defer srv.Close()

	tg := NewTelegram(time.Second)
	tg.baseURL = srv.URL
	ch := &domain.Channel{ID: "c1", Credentials: domain.JSONMap{"bot_token": "tok"}}
	if _, err := tg.Deliver(context.Background(), ch, "1234", "hi"); err == nil {
		t.Fatalf("expected delivery error")
	}
}

func TestTelegram_Deliver_MissingToken(t *testing.T) {
	tg := NewTelegram(time.Second)
	if _, err := tg.Deliver(context.Background(), &domain.Channel{}, "1", "x"); err == nil {
		t.Fatalf("expected credential error")
	}
}
