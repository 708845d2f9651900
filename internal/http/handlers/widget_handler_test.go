package handlers

import (
	"fmt"
	"net/http"
	"testing"
)

func TestWidgetSend(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/widget/web1/messages", map[string]any{
		"visitor_id": "v-1",
		"text":       "hi there",
		"name":       "Grace",
		"email":      "grace@example.com",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	body := decode(t, w)
	convID, _ := body["conversation_id"].(string)
	if convID == "" || body["status"] != "active" {
		t.Fatalf("unexpected body: %v", body)
	}
	reply, _ := body["reply"].(map[string]any)
	if reply == nil || reply["content"] != "Here is my answer." || reply["role"] != "assistant" {
		t.Fatalf("reply missing or wrong: %v", body)
	}

	// Same visitor, same conversation.
	w = f.do(t, http.MethodPost, "/api/v1/widget/web1/messages", map[string]any{
		"visitor_id": "v-1",
		"text":       "one more thing",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("second send: status=%d", w.Code)
	}
	if decode(t, w)["conversation_id"] != convID {
		t.Fatalf("conversation not reused")
	}
}

func TestWidgetSend_Validation(t *testing.T) {
	f := newAPIFixture(t)

	// Binding failures.
	for _, payload := range []any{
		map[string]any{"visitor_id": "v-2"},
		map[string]any{"text": "hi"},
		"not json",
	} {
		w := f.do(t, http.MethodPost, "/api/v1/widget/web1/messages", payload)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("payload %v: status=%d", payload, w.Code)
		}
	}
	// Whitespace-only text passes binding but is rejected downstream.
	w := f.do(t, http.MethodPost, "/api/v1/widget/web1/messages", map[string]any{
		"visitor_id": "v-2",
		"text":       "   ",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("blank text: status=%d", w.Code)
	}
}

func TestWidgetSend_ChannelChecks(t *testing.T) {
	f := newAPIFixture(t)
	payload := map[string]any{"visitor_id": "v-3", "text": "hi"}

	// The widget endpoint only serves web channels.
	if w := f.do(t, http.MethodPost, "/api/v1/widget/tg1/messages", payload); w.Code != http.StatusNotFound {
		t.Fatalf("telegram channel: status=%d", w.Code)
	}
	if w := f.do(t, http.MethodPost, "/api/v1/widget/missing/messages", payload); w.Code != http.StatusNotFound {
		t.Fatalf("unknown channel: status=%d", w.Code)
	}
	if err := f.db.Table("bots").Where("id = ?", f.bot.ID).Update("is_active", false).Error; err != nil {
		t.Fatalf("deactivate bot: %v", err)
	}
	if w := f.do(t, http.MethodPost, "/api/v1/widget/web1/messages", payload); w.Code != http.StatusNotFound {
		t.Fatalf("inactive bot: status=%d", w.Code)
	}
}

func TestWidgetTranscript(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/widget/web1/messages", map[string]any{
		"visitor_id": "v-4",
		"text":       "hello",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("send: status=%d", w.Code)
	}
	convID := decode(t, w)["conversation_id"].(string)

	w = f.do(t, http.MethodGet,
		fmt.Sprintf("/api/v1/widget/web1/conversations/%s/messages?visitor_id=v-4", convID), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("transcript: status=%d body=%s", w.Code, w.Body.String())
	}
	body := decode(t, w)
	if body["total"].(float64) != 3 {
		t.Fatalf("expected welcome + user + reply, got %v", body["total"])
	}
	msgs := body["messages"].([]any)
	if len(msgs) != 3 {
		t.Fatalf("unexpected page: %v", msgs)
	}
	first := msgs[0].(map[string]any)
	if first["is_welcome"] != true {
		t.Fatalf("welcome must open the transcript: %v", first)
	}
	last := msgs[2].(map[string]any)
	if last["role"] != "assistant" || last["content"] != "Here is my answer." {
		t.Fatalf("unexpected tail: %v", last)
	}
}

func TestWidgetTranscript_Ownership(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/widget/web1/messages", map[string]any{
		"visitor_id": "v-5",
		"text":       "hello",
	})
	convID := decode(t, w)["conversation_id"].(string)

	// Another visitor must not read the transcript.
	w = f.do(t, http.MethodGet,
		fmt.Sprintf("/api/v1/widget/web1/conversations/%s/messages?visitor_id=intruder", convID), nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("visitor mismatch: status=%d", w.Code)
	}
	if body := decode(t, w); body["code"] != ErrCodeForbidden {
		t.Fatalf("unexpected error code: %v", body)
	}

	// Conversations of other channels are invisible to the widget.
	tgConv := f.seedConversation(t, "tg-300", "hi")
	w = f.do(t, http.MethodGet,
		fmt.Sprintf("/api/v1/widget/web1/conversations/%s/messages?visitor_id=tg-300", tgConv.ID), nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("cross-channel read: status=%d", w.Code)
	}
}
