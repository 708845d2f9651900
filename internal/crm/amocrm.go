package crm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tbourn/go-crm-bridge/internal/domain"
)

// AmoCRM adapter, API v4. Credentials: "base_url" (account address) and
// "access_token" (long-lived token). Webhook authentication accepts either
// a shared secret in the X-Auth-Token header (settings "webhook_secret")
// or a source-IP allow-list (settings "allowed_ips").
type AmoCRM struct {
	restClient
}

// NewAmoCRM constructs the adapter.
func NewAmoCRM(timeout time.Duration, defaultRPS float64) *AmoCRM {
	return &AmoCRM{restClient: newRestClient(timeout, defaultRPS)}
}

// Type implements Provider.
func (a *AmoCRM) Type() string { return domain.ProviderAmoCRM }

// request performs one authenticated API call and decodes the body into
// out (may be nil).
func (a *AmoCRM) request(ctx context.Context, integ *domain.CrmIntegration, method, path string, body any, out any) error {
	base, err := credential(integ, "base_url")
	if err != nil {
		return err
	}
	token, err := credential(integ, "access_token")
	if err != nil {
		return err
	}
	if err := a.limits.wait(ctx, integ); err != nil {
		return err
	}
	req := a.http.R().
		SetContext(ctx).
		SetAuthToken(token)
	if body != nil {
		req = req.SetBody(body)
	}
	if out != nil {
		req = req.SetResult(out)
	}
	resp, err := req.Execute(method, strings.TrimRight(base, "/")+path)
	if err != nil {
		return fmt.Errorf("amocrm %s %s: %w", method, path, err)
	}
	if resp.IsError() {
		return &APIError{Provider: domain.ProviderAmoCRM, Status: resp.StatusCode(), Message: resp.String()}
	}
	return nil
}

// amoEmbedded wraps v4 collection responses.
type amoEmbedded[T any] struct {
	Embedded map[string][]T `json:"_embedded"`
}

// TestConnection verifies the token by loading the account record.
func (a *AmoCRM) TestConnection(ctx context.Context, integ *domain.CrmIntegration) error {
	return a.request(ctx, integ, http.MethodGet, "/api/v4/account", nil, nil)
}

// amoContactBody builds the contact payload with custom field values for
// phone and email.
func amoContactBody(c Contact) map[string]any {
	body := map[string]any{"name": firstNonEmpty(c.Name, c.Phone, c.Email)}
	var cfv []map[string]any
	if c.Phone != "" {
		cfv = append(cfv, map[string]any{
			"field_code": "PHONE",
			"values":     []map[string]any{{"value": c.Phone, "enum_code": "WORK"}},
		})
	}
	if c.Email != "" {
		cfv = append(cfv, map[string]any{
			"field_code": "EMAIL",
			"values":     []map[string]any{{"value": c.Email, "enum_code": "WORK"}},
		})
	}
	if len(cfv) > 0 {
		body["custom_fields_values"] = cfv
	}
	return body
}

// SyncContact creates or updates a contact and returns its id.
func (a *AmoCRM) SyncContact(ctx context.Context, integ *domain.CrmIntegration, contact Contact) (string, error) {
	if existing, err := a.FindContact(ctx, integ, firstNonEmpty(contact.Email, contact.Phone)); err == nil && existing != "" {
		body := amoContactBody(contact)
		body["id"] = jsonNumber(existing)
		if err := a.request(ctx, integ, http.MethodPatch, "/api/v4/contacts", []map[string]any{body}, nil); err != nil {
			return "", err
		}
		return existing, nil
	}
	var result amoEmbedded[struct {
		ID json.Number `json:"id"`
	}]
	err := a.request(ctx, integ, http.MethodPost, "/api/v4/contacts", []map[string]any{amoContactBody(contact)}, &result)
	if err != nil {
		return "", err
	}
	created := result.Embedded["contacts"]
	if len(created) == 0 {
		return "", &APIError{Provider: domain.ProviderAmoCRM, Status: http.StatusBadRequest, Message: "empty create response"}
	}
	return created[0].ID.String(), nil
}

// amoLeadBody builds the lead payload.
func amoLeadBody(l LeadInput) map[string]any {
	body := map[string]any{"name": l.Title}
	if l.ResponsibleUserID != "" {
		body["responsible_user_id"] = jsonNumber(l.ResponsibleUserID)
	}
	if l.PipelineID != "" {
		body["pipeline_id"] = jsonNumber(l.PipelineID)
	}
	if l.StageID != "" {
		body["status_id"] = jsonNumber(l.StageID)
	}
	if l.ContactID != "" {
		body["_embedded"] = map[string]any{
			"contacts": []map[string]any{{"id": jsonNumber(l.ContactID)}},
		}
	}
	return body
}

// CreateLead creates a lead and returns its id.
func (a *AmoCRM) CreateLead(ctx context.Context, integ *domain.CrmIntegration, lead LeadInput) (string, error) {
	var result amoEmbedded[struct {
		ID json.Number `json:"id"`
	}]
	err := a.request(ctx, integ, http.MethodPost, "/api/v4/leads", []map[string]any{amoLeadBody(lead)}, &result)
	if err != nil {
		return "", err
	}
	created := result.Embedded["leads"]
	if len(created) == 0 {
		return "", &APIError{Provider: domain.ProviderAmoCRM, Status: http.StatusBadRequest, Message: "empty create response"}
	}
	return created[0].ID.String(), nil
}

// UpdateLead updates an existing lead.
func (a *AmoCRM) UpdateLead(ctx context.Context, integ *domain.CrmIntegration, externalID string, lead LeadInput) error {
	body := amoLeadBody(lead)
	body["id"] = jsonNumber(externalID)
	return a.request(ctx, integ, http.MethodPatch, "/api/v4/leads", []map[string]any{body}, nil)
}

// CreateDeal maps to lead creation in a configured pipeline: amoCRM models
// deals as pipeline-bound leads.
func (a *AmoCRM) CreateDeal(ctx context.Context, integ *domain.CrmIntegration, deal LeadInput) (string, error) {
	return a.CreateLead(ctx, integ, deal)
}

// UpdateDeal updates a pipeline-bound lead.
func (a *AmoCRM) UpdateDeal(ctx context.Context, integ *domain.CrmIntegration, externalID string, deal LeadInput) error {
	return a.UpdateLead(ctx, integ, externalID, deal)
}

// AddNote attaches a common note to the entity.
func (a *AmoCRM) AddNote(ctx context.Context, integ *domain.CrmIntegration, entity EntityRef, text string) error {
	collection := map[string]string{
		"lead":    "leads",
		"deal":    "leads",
		"contact": "contacts",
	}[entity.Type]
	if collection == "" {
		return fmt.Errorf("amocrm: unsupported entity type %q", entity.Type)
	}
	body := []map[string]any{{
		"note_type": "common",
		"params":    map[string]any{"text": text},
	}}
	return a.request(ctx, integ, http.MethodPost, "/api/v4/"+collection+"/"+entity.ID+"/notes", body, nil)
}

// GetUsers lists account users.
func (a *AmoCRM) GetUsers(ctx context.Context, integ *domain.CrmIntegration) ([]User, error) {
	var result amoEmbedded[struct {
		ID    json.Number `json:"id"`
		Name  string      `json:"name"`
		Email string      `json:"email"`
	}]
	if err := a.request(ctx, integ, http.MethodGet, "/api/v4/users", nil, &result); err != nil {
		return nil, err
	}
	raw := result.Embedded["users"]
	users := make([]User, 0, len(raw))
	for _, u := range raw {
		users = append(users, User{ID: u.ID.String(), Name: u.Name, Email: u.Email})
	}
	return users, nil
}

// GetPipelines lists lead pipelines.
func (a *AmoCRM) GetPipelines(ctx context.Context, integ *domain.CrmIntegration) ([]Pipeline, error) {
	var result amoEmbedded[struct {
		ID   json.Number `json:"id"`
		Name string      `json:"name"`
	}]
	if err := a.request(ctx, integ, http.MethodGet, "/api/v4/leads/pipelines", nil, &result); err != nil {
		return nil, err
	}
	raw := result.Embedded["pipelines"]
	out := make([]Pipeline, 0, len(raw))
	for _, p := range raw {
		out = append(out, Pipeline{ID: p.ID.String(), Name: p.Name})
	}
	return out, nil
}

// GetPipelineStages lists the statuses of one pipeline.
func (a *AmoCRM) GetPipelineStages(ctx context.Context, integ *domain.CrmIntegration, pipelineID string) ([]Stage, error) {
	var result amoEmbedded[struct {
		ID   json.Number `json:"id"`
		Name string      `json:"name"`
	}]
	path := "/api/v4/leads/pipelines/" + pipelineID + "/statuses"
	if err := a.request(ctx, integ, http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}
	raw := result.Embedded["statuses"]
	out := make([]Stage, 0, len(raw))
	for _, s := range raw {
		out = append(out, Stage{ID: s.ID.String(), PipelineID: pipelineID, Name: s.Name})
	}
	return out, nil
}

// GetEntity loads one entity as a generic field map.
func (a *AmoCRM) GetEntity(ctx context.Context, integ *domain.CrmIntegration, ref EntityRef) (map[string]any, error) {
	collection := map[string]string{
		"lead":    "leads",
		"deal":    "leads",
		"contact": "contacts",
	}[ref.Type]
	if collection == "" {
		return nil, fmt.Errorf("amocrm: unsupported entity type %q", ref.Type)
	}
	var out map[string]any
	if err := a.request(ctx, integ, http.MethodGet, "/api/v4/"+collection+"/"+ref.ID, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FindContact searches contacts by a free query (email or phone). Returns
// "" when none match.
func (a *AmoCRM) FindContact(ctx context.Context, integ *domain.CrmIntegration, query string) (string, error) {
	if query == "" {
		return "", nil
	}
	var result amoEmbedded[struct {
		ID json.Number `json:"id"`
	}]
	path := "/api/v4/contacts?query=" + url.QueryEscape(query)
	if err := a.request(ctx, integ, http.MethodGet, path, nil, &result); err != nil {
		return "", err
	}
	found := result.Embedded["contacts"]
	if len(found) == 0 {
		return "", nil
	}
	return found[0].ID.String(), nil
}

// SyncConversation mirrors the transcript as a note on the mapped lead.
func (a *AmoCRM) SyncConversation(ctx context.Context, integ *domain.CrmIntegration, conv *domain.Conversation, transcript []domain.Message) error {
	if conv.CrmLeadID == nil {
		return fmt.Errorf("%w: conversation has no lead reference", ErrNotConfigured)
	}
	return a.AddNote(ctx, integ, EntityRef{Type: "lead", ID: *conv.CrmLeadID}, renderTranscript(transcript))
}

// HandleWebhook authenticates and parses an amoCRM webhook. Bodies are
// form-encoded; entity updates arrive as leads[update][N][id].
func (a *AmoCRM) HandleWebhook(_ context.Context, integ *domain.CrmIntegration, body []byte, headers http.Header) (*WebhookEvent, error) {
	if err := a.authenticateWebhook(integ, headers); err != nil {
		return nil, err
	}
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return &WebhookEvent{Kind: EventNoop}, nil
	}
	if text := values.Get("message[add][0][text]"); text != "" {
		return &WebhookEvent{
			Kind:           EventOperatorMessage,
			ExternalChatID: values.Get("message[add][0][talk_id]"),
			Text:           text,
			OperatorName:   values.Get("message[add][0][author][name]"),
		}, nil
	}
	if id := values.Get("leads[update][0][id]"); id != "" {
		return &WebhookEvent{Kind: EventEntityUpdate, Entity: EntityRef{Type: "lead", ID: id}}, nil
	}
	return &WebhookEvent{Kind: EventNoop}, nil
}

// authenticateWebhook applies the shared-secret header check when a secret
// is configured, otherwise the IP allow-list. With neither configured the
// webhook is rejected.
func (a *AmoCRM) authenticateWebhook(integ *domain.CrmIntegration, headers http.Header) error {
	if secret, ok := integ.Settings.GetString("webhook_secret"); ok {
		if headers.Get("X-Auth-Token") != secret {
			return ErrUnauthorized
		}
		return nil
	}
	allowed, ok := integ.Settings["allowed_ips"].([]any)
	if !ok || len(allowed) == 0 {
		return ErrUnauthorized
	}
	source := headers.Get("X-Real-IP")
	if source == "" {
		source = strings.TrimSpace(strings.Split(headers.Get("X-Forwarded-For"), ",")[0])
	}
	for _, ip := range allowed {
		if s, isStr := ip.(string); isStr && s == source {
			return nil
		}
	}
	return ErrUnauthorized
}

// GetFields returns the custom field catalog for leads or contacts.
func (a *AmoCRM) GetFields(ctx context.Context, integ *domain.CrmIntegration, entityType string) ([]Field, error) {
	collection := map[string]string{
		"lead":    "leads",
		"deal":    "leads",
		"contact": "contacts",
	}[entityType]
	if collection == "" {
		return nil, fmt.Errorf("amocrm: unsupported entity type %q", entityType)
	}
	var result amoEmbedded[struct {
		Code       string `json:"code"`
		Name       string `json:"name"`
		Type       string `json:"type"`
		IsRequired bool   `json:"is_required"`
		IsMultiple bool   `json:"is_multiple"`
	}]
	if err := a.request(ctx, integ, http.MethodGet, "/api/v4/"+collection+"/custom_fields", nil, &result); err != nil {
		return nil, err
	}
	raw := result.Embedded["custom_fields"]
	fields := make([]Field, 0, len(raw))
	for _, f := range raw {
		fields = append(fields, Field{
			Code:       f.Code,
			Title:      f.Name,
			Type:       f.Type,
			IsRequired: f.IsRequired,
			IsMultiple: f.IsMultiple,
		})
	}
	return fields, nil
}

// BulkSync creates leads in one batched POST, returning ids in input
// order.
func (a *AmoCRM) BulkSync(ctx context.Context, integ *domain.CrmIntegration, leads []LeadInput) ([]string, error) {
	if len(leads) == 0 {
		return nil, nil
	}
	bodies := make([]map[string]any, 0, len(leads))
	for _, l := range leads {
		bodies = append(bodies, amoLeadBody(l))
	}
	var result amoEmbedded[struct {
		ID json.Number `json:"id"`
	}]
	if err := a.request(ctx, integ, http.MethodPost, "/api/v4/leads", bodies, &result); err != nil {
		return nil, err
	}
	created := result.Embedded["leads"]
	ids := make([]string, 0, len(created))
	for _, c := range created {
		ids = append(ids, c.ID.String())
	}
	return ids, nil
}

// jsonNumber converts a numeric id string for JSON bodies, leaving
// non-numeric input as-is.
func jsonNumber(s string) any {
	var n json.Number = json.Number(s)
	if _, err := n.Int64(); err == nil {
		return n
	}
	return s
}
