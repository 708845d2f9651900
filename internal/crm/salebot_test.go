package crm

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

func salebotIntegration() *domain.CrmIntegration {
	return &domain.CrmIntegration{
		ID:          "integ-sb",
		Provider:    domain.ProviderSalebot,
		Credentials: domain.JSONMap{"api_key": "key123"},
	}
}

func TestSalebot_HandleWebhook(t *testing.T) {
	s := NewSalebot(time.Second, 100)
	integ := salebotIntegration()

	body := []byte(`{"api_key":"key123","client_id":314,"message":"operator here","name":"Olga"}`)
	ev, err := s.HandleWebhook(context.Background(), integ, body, nil)
	if err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}
	if ev.Kind != EventOperatorMessage || ev.ExternalChatID != "314" || ev.Text != "operator here" || ev.OperatorName != "Olga" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestSalebot_HandleWebhook_Auth(t *testing.T) {
	s := NewSalebot(time.Second, 100)

	cases := []struct {
		name  string
		integ *domain.CrmIntegration
		body  string
	}{
		{"bad json", salebotIntegration(), `{{{`},
		{"missing api key", salebotIntegration(), `{"client_id":1,"message":"x"}`},
		{"key mismatch", salebotIntegration(), `{"api_key":"wrong","client_id":1,"message":"x"}`},
	}
	for _, tc := range cases {
		if _, err := s.HandleWebhook(context.Background(), tc.integ, []byte(tc.body), nil); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("%s: expected ErrUnauthorized, got %v", tc.name, err)
		}
	}

	// With no stored key, any presented key is admitted.
	open := &domain.CrmIntegration{ID: "i", Credentials: domain.JSONMap{}}
	ev, err := s.HandleWebhook(context.Background(), open, []byte(`{"api_key":"anything","client_id":2,"message":"hi"}`), nil)
	if err != nil || ev.Kind != EventOperatorMessage {
		t.Fatalf("open-mode webhook rejected: %v, %+v", err, ev)
	}

	// Blank message is a noop once authenticated.
	ev, err = s.HandleWebhook(context.Background(), salebotIntegration(), []byte(`{"api_key":"key123","client_id":2,"message":"  "}`), nil)
	if err != nil || ev.Kind != EventNoop {
		t.Fatalf("expected noop for blank message, got %v, %+v", err, ev)
	}
}

func TestSalebot_CreateLead(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"client_id":9001}`))
	}))
	defer srv.Close()

	s := NewSalebot(time.Second, 100)
	s.baseURL = srv.URL

	id, err := s.CreateLead(context.Background(), salebotIntegration(), LeadInput{
		Title:  "Chat with Dana",
		Fields: map[string]any{"phone": "+7900"},
		Source: "vk",
	})
	if err != nil {
		t.Fatalf("CreateLead: %v", err)
	}
	if id != "9001" {
		t.Fatalf("unexpected client id %q", id)
	}
	if gotPath != "/api/key123/create_client" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if gotBody["name"] != "Chat with Dana" || gotBody["tag"] != "vk" {
		t.Fatalf("unexpected body: %+v", gotBody)
	}
	vars := gotBody["variables"].(map[string]any)
	if vars["phone"] != "+7900" {
		t.Fatalf("variables not forwarded: %+v", gotBody)
	}
}

func TestSalebot_UpdateLead(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	s := NewSalebot(time.Second, 100)
	s.baseURL = srv.URL

	err := s.UpdateLead(context.Background(), salebotIntegration(), "9001", LeadInput{Fields: map[string]any{"email": "d@e.f"}})
	if err != nil {
		t.Fatalf("UpdateLead: %v", err)
	}
	if gotPath != "/api/key123/save_variables" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if gotBody["client_id"] != "9001" {
		t.Fatalf("client id not forwarded: %+v", gotBody)
	}
}

func TestSalebot_FindContact(t *testing.T) {
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status != http.StatusOK {
			http.Error(w, "not found", status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"client_id":77}`))
	}))
	defer srv.Close()

	s := NewSalebot(time.Second, 100)
	s.baseURL = srv.URL
	integ := salebotIntegration()

	id, err := s.FindContact(context.Background(), integ, "tg-5")
	if err != nil || id != "77" {
		t.Fatalf("FindContact = %q, %v", id, err)
	}

	// A 404 means no match, not an error.
	status = http.StatusNotFound
	id, err = s.FindContact(context.Background(), integ, "tg-5")
	if err != nil || id != "" {
		t.Fatalf("expected empty result on 404, got %q, %v", id, err)
	}

	// Server trouble is surfaced.
	status = http.StatusInternalServerError
	if _, err := s.FindContact(context.Background(), integ, "tg-5"); err == nil {
		t.Fatalf("expected error on 500")
	}

	// Empty queries never hit the API.
	if id, err := s.FindContact(context.Background(), integ, ""); err != nil || id != "" {
		t.Fatalf("empty query should return empty, got %q, %v", id, err)
	}
}

func TestSalebot_SyncConversation_RequiresClientID(t *testing.T) {
	s := NewSalebot(time.Second, 100)
	conv := &domain.Conversation{ID: "c-1", Metadata: domain.JSONMap{}}
	err := s.SyncConversation(context.Background(), salebotIntegration(), conv, nil)
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured without salebot_client_id, got %v", err)
	}
}

func TestSalebot_MissingAPIKey(t *testing.T) {
	s := NewSalebot(time.Second, 100)
	bare := &domain.CrmIntegration{ID: "i", Credentials: domain.JSONMap{}}
	if err := s.TestConnection(context.Background(), bare); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}
