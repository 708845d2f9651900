package crm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-crm-bridge/internal/domain"
)

// Bitrix24 adapter. All REST calls go through the inbound webhook URL
// stored under the "webhook_url" credential
// (https://portal.bitrix24.xx/rest/<user>/<token>/). Bitrix24 is the only
// chat-bridge provider: conversations can be mirrored as live chats via
// im.chat.add / im.message.add.
type Bitrix24 struct {
	restClient
}

// NewBitrix24 constructs the adapter.
func NewBitrix24(timeout time.Duration, defaultRPS float64) *Bitrix24 {
	return &Bitrix24{restClient: newRestClient(timeout, defaultRPS)}
}

// Type implements Provider.
func (b *Bitrix24) Type() string { return domain.ProviderBitrix24 }

// b24Response is the REST envelope: result plus optional error pair.
type b24Response struct {
	Result           json.RawMessage `json:"result"`
	Error            string          `json:"error"`
	ErrorDescription string          `json:"error_description"`
}

// call invokes one REST method and decodes result into out (may be nil).
func (b *Bitrix24) call(ctx context.Context, integ *domain.CrmIntegration, method string, params map[string]any, out any) error {
	base, err := credential(integ, "webhook_url")
	if err != nil {
		return err
	}
	if err := b.limits.wait(ctx, integ); err != nil {
		return err
	}
	var envelope b24Response
	resp, err := b.http.R().
		SetContext(ctx).
		SetBody(params).
		SetResult(&envelope).
		Post(strings.TrimRight(base, "/") + "/" + method)
	if err != nil {
		return fmt.Errorf("bitrix24 %s: %w", method, err)
	}
	if resp.IsError() {
		return &APIError{Provider: domain.ProviderBitrix24, Status: resp.StatusCode(), Message: resp.String()}
	}
	if envelope.Error != "" {
		status := http.StatusBadRequest
		if envelope.Error == "QUERY_LIMIT_EXCEEDED" {
			status = http.StatusTooManyRequests
		}
		return &APIError{Provider: domain.ProviderBitrix24, Status: status, Message: envelope.Error + ": " + envelope.ErrorDescription}
	}
	if out != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return fmt.Errorf("bitrix24 %s: decode result: %w", method, err)
		}
	}
	return nil
}

// TestConnection verifies the webhook URL by loading the current profile.
func (b *Bitrix24) TestConnection(ctx context.Context, integ *domain.CrmIntegration) error {
	return b.call(ctx, integ, "profile", nil, nil)
}

// SyncContact creates or updates a contact and returns its id.
func (b *Bitrix24) SyncContact(ctx context.Context, integ *domain.CrmIntegration, contact Contact) (string, error) {
	if existing, err := b.FindContact(ctx, integ, firstNonEmpty(contact.Email, contact.Phone)); err == nil && existing != "" {
		fields := b24ContactFields(contact)
		if err := b.call(ctx, integ, "crm.contact.update", map[string]any{"id": existing, "fields": fields}, nil); err != nil {
			return "", err
		}
		return existing, nil
	}
	var id json.Number
	err := b.call(ctx, integ, "crm.contact.add", map[string]any{"fields": b24ContactFields(contact)}, &id)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// CreateLead creates a lead and returns its id.
func (b *Bitrix24) CreateLead(ctx context.Context, integ *domain.CrmIntegration, lead LeadInput) (string, error) {
	var id json.Number
	err := b.call(ctx, integ, "crm.lead.add", map[string]any{"fields": b24LeadFields(lead)}, &id)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// UpdateLead updates an existing lead.
func (b *Bitrix24) UpdateLead(ctx context.Context, integ *domain.CrmIntegration, externalID string, lead LeadInput) error {
	return b.call(ctx, integ, "crm.lead.update", map[string]any{"id": externalID, "fields": b24LeadFields(lead)}, nil)
}

// CreateDeal creates a deal and returns its id.
func (b *Bitrix24) CreateDeal(ctx context.Context, integ *domain.CrmIntegration, deal LeadInput) (string, error) {
	fields := b24LeadFields(deal)
	if deal.PipelineID != "" {
		fields["CATEGORY_ID"] = deal.PipelineID
	}
	if deal.StageID != "" {
		fields["STAGE_ID"] = deal.StageID
	}
	var id json.Number
	err := b.call(ctx, integ, "crm.deal.add", map[string]any{"fields": fields}, &id)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// UpdateDeal updates an existing deal.
func (b *Bitrix24) UpdateDeal(ctx context.Context, integ *domain.CrmIntegration, externalID string, deal LeadInput) error {
	return b.call(ctx, integ, "crm.deal.update", map[string]any{"id": externalID, "fields": b24LeadFields(deal)}, nil)
}

// AddNote appends a timeline comment to the entity.
func (b *Bitrix24) AddNote(ctx context.Context, integ *domain.CrmIntegration, entity EntityRef, text string) error {
	return b.call(ctx, integ, "crm.timeline.comment.add", map[string]any{
		"fields": map[string]any{
			"ENTITY_ID":   entity.ID,
			"ENTITY_TYPE": entity.Type,
			"COMMENT":     text,
		},
	}, nil)
}

// GetUsers lists active portal users.
func (b *Bitrix24) GetUsers(ctx context.Context, integ *domain.CrmIntegration) ([]User, error) {
	var raw []struct {
		ID       json.Number `json:"ID"`
		Name     string      `json:"NAME"`
		LastName string      `json:"LAST_NAME"`
		Email    string      `json:"EMAIL"`
	}
	if err := b.call(ctx, integ, "user.get", map[string]any{"ACTIVE": true}, &raw); err != nil {
		return nil, err
	}
	users := make([]User, 0, len(raw))
	for _, u := range raw {
		users = append(users, User{
			ID:    u.ID.String(),
			Name:  strings.TrimSpace(u.Name + " " + u.LastName),
			Email: u.Email,
		})
	}
	return users, nil
}

// GetPipelines lists deal categories (funnels).
func (b *Bitrix24) GetPipelines(ctx context.Context, integ *domain.CrmIntegration) ([]Pipeline, error) {
	var raw []struct {
		ID   json.Number `json:"ID"`
		Name string      `json:"NAME"`
	}
	if err := b.call(ctx, integ, "crm.dealcategory.list", nil, &raw); err != nil {
		return nil, err
	}
	out := make([]Pipeline, 0, len(raw))
	for _, p := range raw {
		out = append(out, Pipeline{ID: p.ID.String(), Name: p.Name})
	}
	return out, nil
}

// GetPipelineStages lists stages of one deal category.
func (b *Bitrix24) GetPipelineStages(ctx context.Context, integ *domain.CrmIntegration, pipelineID string) ([]Stage, error) {
	var raw []struct {
		StatusID string `json:"STATUS_ID"`
		Name     string `json:"NAME"`
	}
	entityID := "DEAL_STAGE"
	if pipelineID != "" && pipelineID != "0" {
		entityID = "DEAL_STAGE_" + pipelineID
	}
	if err := b.call(ctx, integ, "crm.status.list", map[string]any{"filter": map[string]any{"ENTITY_ID": entityID}}, &raw); err != nil {
		return nil, err
	}
	out := make([]Stage, 0, len(raw))
	for _, s := range raw {
		out = append(out, Stage{ID: s.StatusID, PipelineID: pipelineID, Name: s.Name})
	}
	return out, nil
}

// GetEntity loads one entity as a generic field map.
func (b *Bitrix24) GetEntity(ctx context.Context, integ *domain.CrmIntegration, ref EntityRef) (map[string]any, error) {
	method := map[string]string{
		"lead":    "crm.lead.get",
		"deal":    "crm.deal.get",
		"contact": "crm.contact.get",
	}[ref.Type]
	if method == "" {
		return nil, fmt.Errorf("bitrix24: unsupported entity type %q", ref.Type)
	}
	var out map[string]any
	if err := b.call(ctx, integ, method, map[string]any{"id": ref.ID}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FindContact searches contacts by email or phone. Returns "" when none
// match.
func (b *Bitrix24) FindContact(ctx context.Context, integ *domain.CrmIntegration, query string) (string, error) {
	if query == "" {
		return "", nil
	}
	field := "PHONE"
	if strings.Contains(query, "@") {
		field = "EMAIL"
	}
	var raw []struct {
		ID json.Number `json:"ID"`
	}
	err := b.call(ctx, integ, "crm.contact.list", map[string]any{
		"filter": map[string]any{field: query},
		"select": []string{"ID"},
	}, &raw)
	if err != nil {
		return "", err
	}
	if len(raw) == 0 {
		return "", nil
	}
	return raw[0].ID.String(), nil
}

// SyncConversation mirrors the transcript as a timeline comment on the
// lead mapped to the conversation.
func (b *Bitrix24) SyncConversation(ctx context.Context, integ *domain.CrmIntegration, conv *domain.Conversation, transcript []domain.Message) error {
	if conv.CrmLeadID == nil {
		return fmt.Errorf("%w: conversation has no lead reference", ErrNotConfigured)
	}
	return b.AddNote(ctx, integ, EntityRef{Type: "lead", ID: *conv.CrmLeadID}, renderTranscript(transcript))
}

// HandleWebhook authenticates and parses a Bitrix24 event callback.
// Bitrix24 posts form-encoded bodies; auth[application_token] presence is
// the minimum admitted check, compared against the stored credential when
// one is configured.
func (b *Bitrix24) HandleWebhook(_ context.Context, integ *domain.CrmIntegration, body []byte, _ http.Header) (*WebhookEvent, error) {
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, ErrUnauthorized
	}
	token := values.Get("auth[application_token]")
	if token == "" {
		return nil, ErrUnauthorized
	}
	if stored, ok := integ.Credentials.GetString("application_token"); ok && stored != token {
		return nil, ErrUnauthorized
	}
	switch values.Get("event") {
	case "ONIMBOTMESSAGEADD":
		text := values.Get("data[PARAMS][MESSAGE]")
		chatID := values.Get("data[PARAMS][DIALOG_ID]")
		if text == "" || chatID == "" {
			return &WebhookEvent{Kind: EventNoop}, nil
		}
		return &WebhookEvent{
			Kind:           EventOperatorMessage,
			ExternalChatID: chatID,
			Text:           text,
			OperatorName:   values.Get("data[USER][NAME]"),
		}, nil
	case "ONCRMLEADUPDATE":
		id := values.Get("data[FIELDS][ID]")
		if id == "" {
			return &WebhookEvent{Kind: EventNoop}, nil
		}
		return &WebhookEvent{Kind: EventEntityUpdate, Entity: EntityRef{Type: "lead", ID: id}}, nil
	default:
		return &WebhookEvent{Kind: EventNoop}, nil
	}
}

// GetFields returns the live lead/deal/contact field catalog.
func (b *Bitrix24) GetFields(ctx context.Context, integ *domain.CrmIntegration, entityType string) ([]Field, error) {
	method := map[string]string{
		"lead":    "crm.lead.fields",
		"deal":    "crm.deal.fields",
		"contact": "crm.contact.fields",
	}[entityType]
	if method == "" {
		return nil, fmt.Errorf("bitrix24: unsupported entity type %q", entityType)
	}
	var raw map[string]struct {
		Title      string `json:"title"`
		Type       string `json:"type"`
		IsRequired bool   `json:"isRequired"`
		IsReadOnly bool   `json:"isReadOnly"`
		IsMultiple bool   `json:"isMultiple"`
	}
	if err := b.call(ctx, integ, method, nil, &raw); err != nil {
		return nil, err
	}
	fields := make([]Field, 0, len(raw))
	for code, f := range raw {
		fields = append(fields, Field{
			Code:       code,
			Title:      f.Title,
			Type:       f.Type,
			IsRequired: f.IsRequired,
			IsReadOnly: f.IsReadOnly,
			IsMultiple: f.IsMultiple,
		})
	}
	return fields, nil
}

// BulkSync creates leads one by one within the adapter's rate budget and
// returns the created ids in input order. A failure aborts the remainder.
func (b *Bitrix24) BulkSync(ctx context.Context, integ *domain.CrmIntegration, leads []LeadInput) ([]string, error) {
	ids := make([]string, 0, len(leads))
	for _, lead := range leads {
		id, err := b.CreateLead(ctx, integ, lead)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// SendInitialMessage implements ChatBridge: it creates the mirrored chat
// for a conversation and posts the first message, returning the chat id
// the orchestrator records in conversation metadata.
func (b *Bitrix24) SendInitialMessage(ctx context.Context, integ *domain.CrmIntegration, conv *domain.Conversation, text string) (string, error) {
	title := "Chat with " + firstNonEmpty(conv.UserName, conv.ExternalID)
	var chatID json.Number
	err := b.call(ctx, integ, "im.chat.add", map[string]any{
		"TYPE":  "CHAT",
		"TITLE": title,
	}, &chatID)
	if err != nil {
		return "", err
	}
	if err := b.SendUserMessage(ctx, integ, chatID.String(), domain.RoleUser, text); err != nil {
		return "", err
	}
	log.Info().
		Str("integration", integ.ID).
		Str("conversation", conv.ID).
		Str("chat_id", chatID.String()).
		Msg("bitrix24 chat established")
	return chatID.String(), nil
}

// SendUserMessage implements ChatBridge: it appends one message to an
// existing mirrored chat.
func (b *Bitrix24) SendUserMessage(ctx context.Context, integ *domain.CrmIntegration, chatID, role, text string) error {
	prefix := ""
	if role == domain.RoleAssistant {
		prefix = "[bot] "
	}
	var msgID json.Number
	return b.call(ctx, integ, "im.message.add", map[string]any{
		"DIALOG_ID": "chat" + chatID,
		"MESSAGE":   prefix + text,
	}, &msgID)
}

// b24ContactFields maps the uniform contact onto Bitrix24 contact fields.
func b24ContactFields(c Contact) map[string]any {
	fields := map[string]any{}
	if c.Name != "" {
		fields["NAME"] = c.Name
	}
	if c.Phone != "" {
		fields["PHONE"] = []map[string]string{{"VALUE": c.Phone, "VALUE_TYPE": "WORK"}}
	}
	if c.Email != "" {
		fields["EMAIL"] = []map[string]string{{"VALUE": c.Email, "VALUE_TYPE": "WORK"}}
	}
	return fields
}

// b24LeadFields maps the uniform lead input onto Bitrix24 lead fields.
func b24LeadFields(l LeadInput) map[string]any {
	fields := map[string]any{"TITLE": l.Title}
	for code, v := range l.Fields {
		switch code {
		case "name":
			fields["NAME"] = v
		case "phone":
			if s, ok := v.(string); ok {
				fields["PHONE"] = []map[string]string{{"VALUE": s, "VALUE_TYPE": "WORK"}}
			}
		case "email":
			if s, ok := v.(string); ok {
				fields["EMAIL"] = []map[string]string{{"VALUE": s, "VALUE_TYPE": "WORK"}}
			}
		case "comments":
			fields["COMMENTS"] = v
		default:
			fields[code] = v
		}
	}
	if l.Source != "" {
		fields["SOURCE_DESCRIPTION"] = l.Source
	}
	if l.ResponsibleUserID != "" {
		fields["ASSIGNED_BY_ID"] = l.ResponsibleUserID
	}
	if l.ContactID != "" {
		fields["CONTACT_ID"] = l.ContactID
	}
	return fields
}

// renderTranscript flattens messages into a readable note body.
func renderTranscript(transcript []domain.Message) string {
	var sb strings.Builder
	for i, m := range transcript {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(strconv.Itoa(i+1) + ". [" + m.Role + "] " + m.Content)
	}
	return sb.String()
}

// firstNonEmpty returns the first non-empty string.
func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
