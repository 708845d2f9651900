package crm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tbourn/go-crm-bridge/internal/domain"
)

// Salebot adapter. Salebot models everything around clients in a funnel:
// leads map onto clients, "pipelines" onto funnel lists, and notes onto
// messages pushed to the client. All calls go to
// https://chatter.salebot.pro/api/<api_key>/<method>.
//
// Credentials: "api_key". Webhooks carry the api_key in the JSON body;
// when the credential is stored, the value must match (hardened mode),
// otherwise presence alone is accepted.
type Salebot struct {
	restClient
	baseURL string
}

// NewSalebot constructs the adapter.
func NewSalebot(timeout time.Duration, defaultRPS float64) *Salebot {
	return &Salebot{
		restClient: newRestClient(timeout, defaultRPS),
		baseURL:    "https://chatter.salebot.pro",
	}
}

// Type implements Provider.
func (s *Salebot) Type() string { return domain.ProviderSalebot }

// call invokes one API method and decodes the body into out (may be nil).
func (s *Salebot) call(ctx context.Context, integ *domain.CrmIntegration, method string, body any, out any) error {
	key, err := credential(integ, "api_key")
	if err != nil {
		return err
	}
	if err := s.limits.wait(ctx, integ); err != nil {
		return err
	}
	req := s.http.R().SetContext(ctx)
	if body != nil {
		req = req.SetBody(body)
	}
	if out != nil {
		req = req.SetResult(out)
	}
	resp, err := req.Post(fmt.Sprintf("%s/api/%s/%s", s.baseURL, key, method))
	if err != nil {
		return fmt.Errorf("salebot %s: %w", method, err)
	}
	if resp.IsError() {
		return &APIError{Provider: domain.ProviderSalebot, Status: resp.StatusCode(), Message: resp.String()}
	}
	return nil
}

// TestConnection verifies the api key by listing funnel variables.
func (s *Salebot) TestConnection(ctx context.Context, integ *domain.CrmIntegration) error {
	return s.call(ctx, integ, "get_variables", map[string]any{}, nil)
}

// SyncContact stores contact attributes as client variables. The salebot
// client id must already be recorded (spec: conversation metadata key
// "salebot_client_id"); the id doubles as the external contact id.
func (s *Salebot) SyncContact(_ context.Context, _ *domain.CrmIntegration, _ Contact) (string, error) {
	// Without a client id there is nothing to attach the variables to.
	return "", &APIError{Provider: domain.ProviderSalebot, Status: http.StatusNotImplemented, Message: "standalone contact sync requires a client id; use SyncConversation"}
}

// CreateLead creates a client in the funnel and returns its id.
func (s *Salebot) CreateLead(ctx context.Context, integ *domain.CrmIntegration, lead LeadInput) (string, error) {
	var result struct {
		ClientID json.Number `json:"client_id"`
	}
	body := map[string]any{
		"name":      lead.Title,
		"variables": lead.Fields,
	}
	if lead.Source != "" {
		body["tag"] = lead.Source
	}
	if err := s.call(ctx, integ, "create_client", body, &result); err != nil {
		return "", err
	}
	return result.ClientID.String(), nil
}

// UpdateLead saves the mapped fields as client variables.
func (s *Salebot) UpdateLead(ctx context.Context, integ *domain.CrmIntegration, externalID string, lead LeadInput) error {
	return s.call(ctx, integ, "save_variables", map[string]any{
		"client_id": externalID,
		"variables": lead.Fields,
	}, nil)
}

// CreateDeal maps to client creation: Salebot has no separate deal model.
func (s *Salebot) CreateDeal(ctx context.Context, integ *domain.CrmIntegration, deal LeadInput) (string, error) {
	return s.CreateLead(ctx, integ, deal)
}

// UpdateDeal maps to a client variable update.
func (s *Salebot) UpdateDeal(ctx context.Context, integ *domain.CrmIntegration, externalID string, deal LeadInput) error {
	return s.UpdateLead(ctx, integ, externalID, deal)
}

// AddNote pushes a message to the client.
func (s *Salebot) AddNote(ctx context.Context, integ *domain.CrmIntegration, entity EntityRef, text string) error {
	return s.call(ctx, integ, "broadcast", map[string]any{
		"clients": []string{entity.ID},
		"message": text,
	}, nil)
}

// GetUsers is not supported: Salebot funnels have no user directory API.
func (s *Salebot) GetUsers(_ context.Context, _ *domain.CrmIntegration) ([]User, error) {
	return nil, &APIError{Provider: domain.ProviderSalebot, Status: http.StatusNotImplemented, Message: "user directory is not supported by salebot"}
}

// GetPipelines lists the funnel's client lists.
func (s *Salebot) GetPipelines(ctx context.Context, integ *domain.CrmIntegration) ([]Pipeline, error) {
	var result struct {
		Lists []struct {
			ID   json.Number `json:"id"`
			Name string      `json:"name"`
		} `json:"lists"`
	}
	if err := s.call(ctx, integ, "get_lists", map[string]any{}, &result); err != nil {
		return nil, err
	}
	out := make([]Pipeline, 0, len(result.Lists))
	for _, l := range result.Lists {
		out = append(out, Pipeline{ID: l.ID.String(), Name: l.Name})
	}
	return out, nil
}

// GetPipelineStages is not supported: lists are flat.
func (s *Salebot) GetPipelineStages(_ context.Context, _ *domain.CrmIntegration, _ string) ([]Stage, error) {
	return nil, &APIError{Provider: domain.ProviderSalebot, Status: http.StatusNotImplemented, Message: "pipeline stages are not supported by salebot"}
}

// GetEntity loads client variables as a generic map.
func (s *Salebot) GetEntity(ctx context.Context, integ *domain.CrmIntegration, ref EntityRef) (map[string]any, error) {
	var out map[string]any
	err := s.call(ctx, integ, "get_variables", map[string]any{"client_id": ref.ID}, &out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FindContact searches clients by platform id.
func (s *Salebot) FindContact(ctx context.Context, integ *domain.CrmIntegration, query string) (string, error) {
	if query == "" {
		return "", nil
	}
	var result struct {
		ClientID json.Number `json:"client_id"`
	}
	err := s.call(ctx, integ, "find_client", map[string]any{"platform_id": query}, &result)
	if err != nil {
		var apiErr *APIError
		// A 404 means no client matched, which is not a failure.
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			return "", nil
		}
		return "", err
	}
	return result.ClientID.String(), nil
}

// SyncConversation pushes the transcript to the mapped client.
func (s *Salebot) SyncConversation(ctx context.Context, integ *domain.CrmIntegration, conv *domain.Conversation, transcript []domain.Message) error {
	clientID, ok := conv.Metadata.GetString("salebot_client_id")
	if !ok {
		return fmt.Errorf("%w: conversation has no salebot client", ErrNotConfigured)
	}
	return s.AddNote(ctx, integ, EntityRef{Type: "contact", ID: clientID}, renderTranscript(transcript))
}

// HandleWebhook checks the body api_key and parses a callback. When an
// api_key credential is stored the value must match; otherwise presence
// alone admits the request.
func (s *Salebot) HandleWebhook(_ context.Context, integ *domain.CrmIntegration, body []byte, _ http.Header) (*WebhookEvent, error) {
	var payload struct {
		APIKey   string      `json:"api_key"`
		ClientID json.Number `json:"client_id"`
		Message  string      `json:"message"`
		Name     string      `json:"name"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, ErrUnauthorized
	}
	if payload.APIKey == "" {
		return nil, ErrUnauthorized
	}
	if stored, ok := integ.Credentials.GetString("api_key"); ok && stored != payload.APIKey {
		return nil, ErrUnauthorized
	}
	if strings.TrimSpace(payload.Message) == "" {
		return &WebhookEvent{Kind: EventNoop}, nil
	}
	return &WebhookEvent{
		Kind:           EventOperatorMessage,
		ExternalChatID: payload.ClientID.String(),
		Text:           payload.Message,
		OperatorName:   payload.Name,
	}, nil
}

// GetFields returns the static descriptor set: Salebot variables are
// free-form.
func (s *Salebot) GetFields(_ context.Context, _ *domain.CrmIntegration, _ string) ([]Field, error) {
	return DefaultFields(), nil
}

// BulkSync creates clients one by one within the rate budget.
func (s *Salebot) BulkSync(ctx context.Context, integ *domain.CrmIntegration, leads []LeadInput) ([]string, error) {
	ids := make([]string, 0, len(leads))
	for _, lead := range leads {
		id, err := s.CreateLead(ctx, integ, lead)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
