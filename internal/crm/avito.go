package crm

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tbourn/go-crm-bridge/internal/domain"
)

// Avito adapter. Avito is a marketplace messenger rather than a classic
// CRM: contact/conversation sync target its messenger chats, while
// lead/deal/pipeline operations are not part of its API surface and return
// permanent errors (operators should not enable those pivot toggles).
//
// Credentials: "access_token", "user_id" (account id), "webhook_secret"
// (shared secret for the X-Avito-Signature HMAC).
type Avito struct {
	restClient
	baseURL string
}

// NewAvito constructs the adapter.
func NewAvito(timeout time.Duration, defaultRPS float64) *Avito {
	return &Avito{
		restClient: newRestClient(timeout, defaultRPS),
		baseURL:    "https://api.avito.ru",
	}
}

// Type implements Provider.
func (av *Avito) Type() string { return domain.ProviderAvito }

// errUnsupported builds the permanent error for operations Avito has no
// API for.
func (av *Avito) errUnsupported(op string) error {
	return &APIError{Provider: domain.ProviderAvito, Status: http.StatusNotImplemented, Message: op + " is not supported by avito"}
}

// request performs one authenticated API call.
func (av *Avito) request(ctx context.Context, integ *domain.CrmIntegration, method, path string, body any, out any) error {
	token, err := credential(integ, "access_token")
	if err != nil {
		return err
	}
	if err := av.limits.wait(ctx, integ); err != nil {
		return err
	}
	req := av.http.R().
		SetContext(ctx).
		SetAuthToken(token)
	if body != nil {
		req = req.SetBody(body)
	}
	if out != nil {
		req = req.SetResult(out)
	}
	resp, err := req.Execute(method, av.baseURL+path)
	if err != nil {
		return fmt.Errorf("avito %s %s: %w", method, path, err)
	}
	if resp.IsError() {
		return &APIError{Provider: domain.ProviderAvito, Status: resp.StatusCode(), Message: resp.String()}
	}
	return nil
}

// TestConnection verifies the token by loading account self info.
func (av *Avito) TestConnection(ctx context.Context, integ *domain.CrmIntegration) error {
	return av.request(ctx, integ, http.MethodGet, "/core/v1/accounts/self", nil, nil)
}

// SyncContact is not supported: Avito exposes no contact book.
func (av *Avito) SyncContact(_ context.Context, _ *domain.CrmIntegration, _ Contact) (string, error) {
	return "", av.errUnsupported("contact sync")
}

// CreateLead is not supported.
func (av *Avito) CreateLead(_ context.Context, _ *domain.CrmIntegration, _ LeadInput) (string, error) {
	return "", av.errUnsupported("lead creation")
}

// UpdateLead is not supported.
func (av *Avito) UpdateLead(_ context.Context, _ *domain.CrmIntegration, _ string, _ LeadInput) error {
	return av.errUnsupported("lead update")
}

// CreateDeal is not supported.
func (av *Avito) CreateDeal(_ context.Context, _ *domain.CrmIntegration, _ LeadInput) (string, error) {
	return "", av.errUnsupported("deal creation")
}

// UpdateDeal is not supported.
func (av *Avito) UpdateDeal(_ context.Context, _ *domain.CrmIntegration, _ string, _ LeadInput) error {
	return av.errUnsupported("deal update")
}

// AddNote posts text into the mapped messenger chat.
func (av *Avito) AddNote(ctx context.Context, integ *domain.CrmIntegration, entity EntityRef, text string) error {
	if entity.Type != "chat" {
		return av.errUnsupported("notes on " + entity.Type)
	}
	userID, err := credential(integ, "user_id")
	if err != nil {
		return err
	}
	path := fmt.Sprintf("/messenger/v1/accounts/%s/chats/%s/messages", userID, entity.ID)
	return av.request(ctx, integ, http.MethodPost, path, map[string]any{
		"type":    "text",
		"message": map[string]string{"text": text},
	}, nil)
}

// GetUsers returns the single account identity.
func (av *Avito) GetUsers(ctx context.Context, integ *domain.CrmIntegration) ([]User, error) {
	var self struct {
		ID   json.Number `json:"id"`
		Name string      `json:"name"`
	}
	if err := av.request(ctx, integ, http.MethodGet, "/core/v1/accounts/self", nil, &self); err != nil {
		return nil, err
	}
	return []User{{ID: self.ID.String(), Name: self.Name}}, nil
}

// GetPipelines is not supported.
func (av *Avito) GetPipelines(_ context.Context, _ *domain.CrmIntegration) ([]Pipeline, error) {
	return nil, av.errUnsupported("pipelines")
}

// GetPipelineStages is not supported.
func (av *Avito) GetPipelineStages(_ context.Context, _ *domain.CrmIntegration, _ string) ([]Stage, error) {
	return nil, av.errUnsupported("pipeline stages")
}

// GetEntity loads chat info as a generic map.
func (av *Avito) GetEntity(ctx context.Context, integ *domain.CrmIntegration, ref EntityRef) (map[string]any, error) {
	if ref.Type != "chat" {
		return nil, av.errUnsupported("entity " + ref.Type)
	}
	userID, err := credential(integ, "user_id")
	if err != nil {
		return nil, err
	}
	var out map[string]any
	path := fmt.Sprintf("/messenger/v2/accounts/%s/chats/%s", userID, ref.ID)
	if err := av.request(ctx, integ, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FindContact is not supported.
func (av *Avito) FindContact(_ context.Context, _ *domain.CrmIntegration, _ string) (string, error) {
	return "", av.errUnsupported("contact search")
}

// SyncConversation posts the transcript into the chat recorded in
// conversation metadata under "avito_chat_id".
func (av *Avito) SyncConversation(ctx context.Context, integ *domain.CrmIntegration, conv *domain.Conversation, transcript []domain.Message) error {
	chatID, ok := conv.Metadata.GetString("avito_chat_id")
	if !ok {
		return fmt.Errorf("%w: conversation has no avito chat", ErrNotConfigured)
	}
	return av.AddNote(ctx, integ, EntityRef{Type: "chat", ID: chatID}, renderTranscript(transcript))
}

// HandleWebhook verifies the HMAC-SHA256 signature over the raw body and
// parses a messenger event. The X-Avito-Signature header must equal the
// hex HMAC of the body under the shared secret; any mismatch is a 401.
func (av *Avito) HandleWebhook(_ context.Context, integ *domain.CrmIntegration, body []byte, headers http.Header) (*WebhookEvent, error) {
	secret, err := credential(integ, "webhook_secret")
	if err != nil {
		return nil, ErrUnauthorized
	}
	if !verifyAvitoSignature(body, headers.Get("X-Avito-Signature"), secret) {
		return nil, ErrUnauthorized
	}
	var payload struct {
		Payload struct {
			Type  string `json:"type"`
			Value struct {
				ChatID   string      `json:"chat_id"`
				AuthorID json.Number `json:"author_id"`
				Content  struct {
					Text string `json:"text"`
				} `json:"content"`
			} `json:"value"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return &WebhookEvent{Kind: EventNoop}, nil
	}
	v := payload.Payload.Value
	if payload.Payload.Type != "message" || strings.TrimSpace(v.Content.Text) == "" {
		return &WebhookEvent{Kind: EventNoop}, nil
	}
	return &WebhookEvent{
		Kind:           EventOperatorMessage,
		ExternalChatID: v.ChatID,
		Text:           v.Content.Text,
		OperatorName:   "avito:" + v.AuthorID.String(),
	}, nil
}

// verifyAvitoSignature compares the presented signature against the hex
// HMAC-SHA256 of the body in constant time.
func verifyAvitoSignature(body []byte, presented, secret string) bool {
	if presented == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(presented)))
}

// GetFields returns the static descriptor set: Avito has no field catalog
// API.
func (av *Avito) GetFields(_ context.Context, _ *domain.CrmIntegration, _ string) ([]Field, error) {
	return DefaultFields(), nil
}

// BulkSync is not supported.
func (av *Avito) BulkSync(_ context.Context, _ *domain.CrmIntegration, _ []LeadInput) ([]string, error) {
	return nil, av.errUnsupported("bulk sync")
}
