// Package services – SyncService
//
// This file implements the CRM synchronization orchestrator. It
// subscribes to domain events and projects conversation activity into
// every CRM integration attached to the bot: debounced lead creation,
// contact updates, live chat mirroring, and transcript export on close.
// Inbound CRM webhooks flow through here in the other direction and
// become operator messages.
//
// Failure handling is uniform: transient provider errors are retried
// with exponential backoff on the worker pool, terminal failures are
// logged to the sync journal and counted against the integration's
// circuit breaker, which deactivates the integration when the
// consecutive-failure threshold is crossed.
package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-crm-bridge/internal/config"
	"github.com/tbourn/go-crm-bridge/internal/crm"
	"github.com/tbourn/go-crm-bridge/internal/domain"
	"github.com/tbourn/go-crm-bridge/internal/observability"
	"github.com/tbourn/go-crm-bridge/internal/queue"
	"github.com/tbourn/go-crm-bridge/internal/repo"
)

// Jobs is the background execution contract required by SyncService.
// *queue.Pool satisfies it; tests substitute a synchronous runner.
type Jobs interface {
	Enqueue(job queue.Job) bool
	EnqueueAfter(delay time.Duration, job queue.Job) bool
}

// SyncService projects conversation activity into attached CRMs and
// ingests CRM webhooks back into conversations.
type SyncService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Providers resolves CRM adapters by provider type.
	Providers *crm.Registry
	// Catalog caches per-integration field descriptors.
	Catalog *crm.Catalog
	// Conversations ingests operator messages arriving from CRMs.
	Conversations *ConversationService
	// Jobs runs sync attempts off the webhook request path.
	Jobs Jobs
	// Events receives circuit breaker trips.
	Events *Dispatcher
	// Cfg carries retry, debounce and threshold tuning.
	Cfg config.SyncConfig

	mu      sync.Mutex
	pending map[string]struct{} // debounce guard, integrationID:conversationID
}

// NewSyncService constructs a SyncService.
func NewSyncService(db *gorm.DB, providers *crm.Registry, catalog *crm.Catalog, convs *ConversationService, jobs Jobs, events *Dispatcher, cfg config.SyncConfig) *SyncService {
	return &SyncService{
		DB:            db,
		Providers:     providers,
		Catalog:       catalog,
		Conversations: convs,
		Jobs:          jobs,
		Events:        events,
		Cfg:           cfg,
		pending:       make(map[string]struct{}),
	}
}

// Register subscribes the orchestrator to the domain events it reacts to.
func (s *SyncService) Register(d *Dispatcher) {
	d.Subscribe(domain.EventMessageCreated, s.onMessageCreated)
	d.Subscribe(domain.EventConversationUpdated, s.onConversationUpdated)
}

// onMessageCreated fans one persisted message out to every active
// integration of the bot. Messages that originated from a provider's
// own webhook are never echoed back to that provider.
func (s *SyncService) onMessageCreated(ctx context.Context, raw domain.Event) {
	ev, ok := raw.(domain.MessageCreated)
	if !ok {
		return
	}
	links, err := repo.ActiveIntegrationsForBot(ctx, s.DB, ev.Conversation.BotID)
	if err != nil {
		log.Error().Err(err).Str("bot", ev.Conversation.BotID).Msg("integration lookup failed")
		return
	}
	for _, link := range links {
		integ := link.Integration
		if ev.Message.FromProvider(integ.Provider) {
			// Loop prevention: this message came from that CRM.
			continue
		}
		if ev.Message.Role == domain.RoleUser && link.Pivot.CreateLeads {
			s.scheduleLead(integ, link.Pivot, ev.Conversation.ID)
		}
		// Operator and system rows never sync outward. CRM-sourced operator
		// replies are already caught above, and admin-console replies reach
		// the CRM agent through their own console, not the chat bridge.
		if ev.Message.Role != domain.RoleUser && ev.Message.Role != domain.RoleAssistant {
			continue
		}
		s.mirrorToChat(integ, ev.Conversation.ID, ev.Message)
	}
}

// onConversationUpdated reacts to contact changes and closure.
func (s *SyncService) onConversationUpdated(ctx context.Context, raw domain.Event) {
	ev, ok := raw.(domain.ConversationUpdated)
	if !ok {
		return
	}
	contactChanged := ev.Changed("user_name") || ev.Changed("user_email") || ev.Changed("user_phone")
	closed := ev.Changed("status") && ev.Conversation.Status == domain.ConversationClosed

	if !contactChanged && !closed {
		return
	}
	links, err := repo.ActiveIntegrationsForBot(ctx, s.DB, ev.Conversation.BotID)
	if err != nil {
		log.Error().Err(err).Str("bot", ev.Conversation.BotID).Msg("integration lookup failed")
		return
	}
	for _, link := range links {
		integ := link.Integration
		if contactChanged && link.Pivot.SyncContacts {
			s.pushLeadUpdate(integ, link.Pivot, ev.Conversation.ID)
		}
		if closed && link.Pivot.SyncConversations {
			s.pushTranscript(integ, ev.Conversation.ID)
		}
	}
}

// scheduleLead arms the lead-creation debounce for one conversation and
// integration. Rapid-fire first messages collapse into a single lead
// with whatever contact data accumulated during the window.
func (s *SyncService) scheduleLead(integ domain.CrmIntegration, pivot domain.BotCrmIntegration, conversationID string) {
	key := integ.ID + ":" + conversationID
	s.mu.Lock()
	if _, dup := s.pending[key]; dup {
		s.mu.Unlock()
		return
	}
	s.pending[key] = struct{}{}
	s.mu.Unlock()

	s.Jobs.EnqueueAfter(s.Cfg.LeadDebounce, func(ctx context.Context) {
		s.mu.Lock()
		delete(s.pending, key)
		s.mu.Unlock()
		s.runSync(ctx, integ.ID, "lead", "create", 1, func(ctx context.Context, integ *domain.CrmIntegration) error {
			return s.ensureLead(ctx, integ, pivot, conversationID)
		})
	})
}

// ensureLead creates the CRM lead for a conversation exactly once. The
// registry is consulted before any remote call, so webhook retries and
// concurrent schedules converge on the existing external id, and
// unchanged payloads short-circuit without an API request.
func (s *SyncService) ensureLead(ctx context.Context, integ *domain.CrmIntegration, pivot domain.BotCrmIntegration, conversationID string) error {
	conv, err := repo.GetConversation(ctx, s.DB, conversationID)
	if err != nil {
		return err
	}
	provider, err := s.Providers.Get(integ.Provider)
	if err != nil {
		return err
	}
	lead := s.buildLeadInput(ctx, integ, pivot, conv)
	hash := payloadHash(lead)

	existing, err := repo.ResolveSyncEntity(ctx, s.DB, integ.ID, "conversation", conv.ID)
	if err == nil {
		if existing.PayloadHash == hash {
			return nil
		}
		if err := provider.UpdateLead(ctx, integ, existing.ExternalID, lead); err != nil {
			return err
		}
		return repo.UpdateSyncEntityHash(ctx, s.DB, existing.ID, hash)
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return err
	}

	if pivot.SyncContacts {
		if contactID, err := s.ensureContact(ctx, provider, integ, conv); err == nil && contactID != "" {
			lead.ContactID = contactID
		}
	}

	externalID, err := provider.CreateLead(ctx, integ, lead)
	if err != nil {
		return err
	}
	if _, err := repo.RecordSyncEntity(ctx, s.DB, integ.ID, "conversation", conv.ID, "lead", externalID, hash); err != nil {
		return err
	}
	if err := repo.SetConversationCrmRef(ctx, s.DB, conv.ID, "lead", externalID); err != nil {
		return err
	}
	log.Info().Str("integration", integ.ID).Str("conversation", conv.ID).Str("lead", externalID).Msg("crm lead created")

	s.openChat(ctx, provider, integ, conv)
	return nil
}

// ensureContact finds or creates the CRM contact for the conversation's
// end user. Contact sync failures never block lead creation.
func (s *SyncService) ensureContact(ctx context.Context, provider crm.Provider, integ *domain.CrmIntegration, conv *domain.Conversation) (string, error) {
	if conv.UserEmail == "" && conv.UserPhone == "" {
		return "", nil
	}
	query := conv.UserPhone
	if query == "" {
		query = conv.UserEmail
	}
	if id, err := provider.FindContact(ctx, integ, query); err == nil && id != "" {
		_ = repo.SetConversationCrmRef(ctx, s.DB, conv.ID, "contact", id)
		return id, nil
	}
	id, err := provider.SyncContact(ctx, integ, crm.Contact{
		Name:  conv.UserName,
		Email: conv.UserEmail,
		Phone: conv.UserPhone,
	})
	if err != nil {
		log.Warn().Err(err).Str("integration", integ.ID).Msg("contact sync failed")
		return "", err
	}
	_ = repo.SetConversationCrmRef(ctx, s.DB, conv.ID, "contact", id)
	return id, nil
}

// openChat starts the live chat mirror for providers that support it.
// It runs at most once per conversation and integration: the chat id is
// recorded both in the registry and in conversation metadata.
func (s *SyncService) openChat(ctx context.Context, provider crm.Provider, integ *domain.CrmIntegration, conv *domain.Conversation) {
	bridge, ok := provider.(crm.ChatBridge)
	if !ok {
		return
	}
	metaKey := integ.Provider + "_chat_id"
	if _, exists := conv.Metadata.GetString(metaKey); exists {
		return
	}
	first := s.firstUserMessage(ctx, conv.ID)
	if first == "" {
		return
	}
	chatID, err := bridge.SendInitialMessage(ctx, integ, conv, first)
	if err != nil {
		log.Warn().Err(err).Str("integration", integ.ID).Str("conversation", conv.ID).Msg("chat bridge open failed")
		return
	}
	if _, err := repo.RecordSyncEntity(ctx, s.DB, integ.ID, "chat", conv.ID, "chat", chatID, ""); err != nil {
		log.Warn().Err(err).Str("conversation", conv.ID).Msg("chat mapping store failed")
	}
	_ = repo.SetConversationMetadata(ctx, s.DB, conv.ID, domain.JSONMap{metaKey: chatID})
}

func (s *SyncService) firstUserMessage(ctx context.Context, conversationID string) string {
	msgs, err := repo.ListMessagesPage(ctx, s.DB, conversationID, 0, historyWindow)
	if err != nil {
		return ""
	}
	for _, m := range msgs {
		if m.Role == domain.RoleUser {
			return m.Content
		}
	}
	return ""
}

// mirrorToChat forwards one message into the provider's live chat when
// a chat mapping already exists.
func (s *SyncService) mirrorToChat(integ domain.CrmIntegration, conversationID string, msg domain.Message) {
	provider, err := s.Providers.Get(integ.Provider)
	if err != nil {
		return
	}
	bridge, ok := provider.(crm.ChatBridge)
	if !ok {
		return
	}
	s.Jobs.Enqueue(func(ctx context.Context) {
		entity, err := repo.ResolveSyncEntity(ctx, s.DB, integ.ID, "chat", conversationID)
		if err != nil {
			return // no live chat yet
		}
		fresh, err := repo.GetIntegration(ctx, s.DB, integ.ID)
		if err != nil || !fresh.IsActive {
			return
		}
		if err := bridge.SendUserMessage(ctx, fresh, entity.ExternalID, msg.Role, msg.Content); err != nil {
			log.Warn().Err(err).Str("integration", integ.ID).Str("conversation", conversationID).Msg("chat mirror failed")
		}
	})
}

// pushLeadUpdate re-projects contact fields onto the mapped lead.
func (s *SyncService) pushLeadUpdate(integ domain.CrmIntegration, pivot domain.BotCrmIntegration, conversationID string) {
	s.runSync(context.Background(), integ.ID, "lead", "update", 1, func(ctx context.Context, integ *domain.CrmIntegration) error {
		conv, err := repo.GetConversation(ctx, s.DB, conversationID)
		if err != nil {
			return err
		}
		entity, err := repo.ResolveSyncEntity(ctx, s.DB, integ.ID, "conversation", conv.ID)
		if errors.Is(err, repo.ErrNotFound) {
			// No lead yet; the debounced create will pick the data up.
			return nil
		}
		if err != nil {
			return err
		}
		provider, err := s.Providers.Get(integ.Provider)
		if err != nil {
			return err
		}
		lead := s.buildLeadInput(ctx, integ, pivot, conv)
		hash := payloadHash(lead)
		if entity.PayloadHash == hash {
			return nil
		}
		if err := provider.UpdateLead(ctx, integ, entity.ExternalID, lead); err != nil {
			return err
		}
		return repo.UpdateSyncEntityHash(ctx, s.DB, entity.ID, hash)
	})
}

// pushTranscript exports the conversation transcript on close.
func (s *SyncService) pushTranscript(integ domain.CrmIntegration, conversationID string) {
	s.runSync(context.Background(), integ.ID, "conversation", "export", 1, func(ctx context.Context, integ *domain.CrmIntegration) error {
		conv, err := repo.GetConversation(ctx, s.DB, conversationID)
		if err != nil {
			return err
		}
		provider, err := s.Providers.Get(integ.Provider)
		if err != nil {
			return err
		}
		transcript, err := repo.ListMessagesPage(ctx, s.DB, conv.ID, 0, 500)
		if err != nil {
			return err
		}
		return provider.SyncConversation(ctx, integ, conv, transcript)
	})
}

// runSync executes one sync attempt on the worker pool. Transient
// provider errors re-enqueue with exponential backoff up to the
// configured attempt cap; terminal failures feed the circuit breaker.
func (s *SyncService) runSync(_ context.Context, integrationID, entityType, action string, attempt int, fn func(ctx context.Context, integ *domain.CrmIntegration) error) {
	s.Jobs.Enqueue(func(ctx context.Context) {
		s.attempt(ctx, integrationID, entityType, action, attempt, fn)
	})
}

func (s *SyncService) attempt(ctx context.Context, integrationID, entityType, action string, attempt int, fn func(ctx context.Context, integ *domain.CrmIntegration) error) {
	integ, err := repo.GetIntegration(ctx, s.DB, integrationID)
	if err != nil {
		log.Error().Err(err).Str("integration", integrationID).Msg("sync skipped, integration missing")
		return
	}
	if !integ.IsActive {
		// Tripped breaker: no attempts until an operator reactivates.
		return
	}

	err = fn(ctx, integ)
	if err == nil {
		observability.CountSyncOp(integ.Provider, action, "success")
		_ = repo.RecordSyncSuccess(ctx, s.DB, integ.ID)
		_ = repo.AppendSyncLog(ctx, s.DB, integ.ID, "outbound", entityType, action, "success", "")
		return
	}

	if crm.IsTransient(err) && attempt < s.Cfg.MaxAttempts {
		delay := s.Cfg.BackoffBase << (attempt - 1)
		log.Warn().Err(err).
			Str("integration", integ.ID).
			Str("action", action).
			Int("attempt", attempt).
			Dur("retry_in", delay).
			Msg("sync attempt failed, retrying")
		observability.CountSyncOp(integ.Provider, action, "retry")
		_ = repo.AppendSyncLog(ctx, s.DB, integ.ID, "outbound", entityType, action, "retry", err.Error())
		s.Jobs.EnqueueAfter(delay, func(ctx context.Context) {
			s.attempt(ctx, integrationID, entityType, action, attempt+1, fn)
		})
		return
	}

	observability.CountSyncOp(integ.Provider, action, "error")
	_ = repo.AppendSyncLog(ctx, s.DB, integ.ID, "outbound", entityType, action, "error", err.Error())
	tripped, failures, ferr := repo.RecordSyncFailure(ctx, s.DB, integ.ID, err.Error(), s.Cfg.FailureThreshold)
	if ferr != nil {
		log.Error().Err(ferr).Str("integration", integ.ID).Msg("failure bookkeeping failed")
		return
	}
	log.Error().Err(err).
		Str("integration", integ.ID).
		Str("action", action).
		Int("failures", failures).
		Msg("sync failed")
	if tripped {
		observability.CountBreakerTrip(integ.Provider)
		s.Events.Dispatch(ctx, domain.CrmSyncFailed{
			IntegrationID: integ.ID,
			Provider:      integ.Provider,
			FailureCount:  failures,
			LastError:     err.Error(),
			At:            time.Now().UTC(),
		})
	}
}

// buildLeadInput projects the conversation onto the provider's field
// catalog using the integration's field mapping.
func (s *SyncService) buildLeadInput(ctx context.Context, integ *domain.CrmIntegration, pivot domain.BotCrmIntegration, conv *domain.Conversation) crm.LeadInput {
	catalog := s.Catalog.Fields(ctx, integ, "lead")
	title := "Chat with " + conv.UserName
	if conv.UserName == "" {
		title = "Chat " + conv.ExternalID
	}
	pipelineID, _ := pivot.PipelineSettings.GetString("pipeline_id")
	stageID, _ := pivot.PipelineSettings.GetString("stage_id")
	return crm.LeadInput{
		Title:             title,
		Fields:            crm.MapConversation(conv, integ.FieldMapping, catalog),
		Source:            pivot.LeadSource,
		ResponsibleUserID: pivot.ResponsibleUserID,
		PipelineID:        pipelineID,
		StageID:           stageID,
	}
}

// payloadHash fingerprints the outbound payload so unchanged data never
// triggers an API call or a duplicate entity.
func payloadHash(lead crm.LeadInput) string {
	raw, err := json.Marshal(lead)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// HandleCrmWebhook authenticates and ingests one CRM webhook. Operator
// messages become conversation messages tagged with the provider so the
// outbound path never echoes them back.
func (s *SyncService) HandleCrmWebhook(ctx context.Context, providerType, integrationID string, body []byte, headers http.Header) (*crm.WebhookEvent, error) {
	integ, err := repo.GetIntegration(ctx, s.DB, integrationID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrIntegrationNotFound
		}
		return nil, err
	}
	if !strings.EqualFold(integ.Provider, providerType) {
		return nil, ErrIntegrationNotFound
	}
	provider, err := s.Providers.Get(integ.Provider)
	if err != nil {
		return nil, err
	}
	ev, err := provider.HandleWebhook(ctx, integ, body, headers)
	if err != nil {
		return nil, err
	}

	switch ev.Kind {
	case crm.EventOperatorMessage:
		conv, err := repo.FindConversationByExternalRef(ctx, s.DB, integ.ID, "chat", ev.ExternalChatID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				log.Warn().Str("integration", integ.ID).Str("chat", ev.ExternalChatID).Msg("operator message for unknown chat")
				return ev, nil
			}
			return nil, err
		}
		if _, err := s.Conversations.HandleOperatorMessage(ctx, integ.Provider, conv, ev.OperatorName, ev.Text); err != nil {
			if errors.Is(err, ErrConversationClosed) || errors.Is(err, ErrEmptyMessage) {
				return ev, nil
			}
			return nil, err
		}
		_ = repo.AppendSyncLog(ctx, s.DB, integ.ID, "inbound", "message", "create", "success", "")
	case crm.EventEntityUpdate:
		_ = repo.AppendSyncLog(ctx, s.DB, integ.ID, "inbound", ev.Entity.Type, "update", "success", "")
	}
	return ev, nil
}

// TestIntegration verifies credentials against the live CRM API.
func (s *SyncService) TestIntegration(ctx context.Context, integrationID string) error {
	integ, err := repo.GetIntegration(ctx, s.DB, integrationID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrIntegrationNotFound
		}
		return err
	}
	provider, err := s.Providers.Get(integ.Provider)
	if err != nil {
		return err
	}
	return provider.TestConnection(ctx, integ)
}

// Reactivate resets the circuit breaker and re-enables the integration.
func (s *SyncService) Reactivate(ctx context.Context, integrationID string) error {
	if err := repo.ReactivateIntegration(ctx, s.DB, integrationID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrIntegrationNotFound
		}
		return err
	}
	s.Catalog.Invalidate(integrationID, "lead")
	return nil
}

// Stats returns sync journal counters for one integration.
func (s *SyncService) Stats(ctx context.Context, integrationID string, since time.Time) (repo.SyncStats, error) {
	return repo.IntegrationSyncStats(ctx, s.DB, integrationID, since)
}
