package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/tbourn/go-crm-bridge/internal/channels"
	"github.com/tbourn/go-crm-bridge/internal/config"
	"github.com/tbourn/go-crm-bridge/internal/crm"
	"github.com/tbourn/go-crm-bridge/internal/domain"
	"github.com/tbourn/go-crm-bridge/internal/queue"
	"github.com/tbourn/go-crm-bridge/internal/repo"
)

// fakeJobs runs immediate jobs inline and parks delayed jobs until the
// test flushes them, which makes debounce and retry behavior observable.
type fakeJobs struct {
	delayed []delayedJob
}

type delayedJob struct {
	delay time.Duration
	job   queue.Job
}

func (f *fakeJobs) Enqueue(job queue.Job) bool {
	job(context.Background())
	return true
}

func (f *fakeJobs) EnqueueAfter(d time.Duration, job queue.Job) bool {
	f.delayed = append(f.delayed, delayedJob{delay: d, job: job})
	return true
}

func (f *fakeJobs) flush() {
	for len(f.delayed) > 0 {
		batch := f.delayed
		f.delayed = nil
		for _, dj := range batch {
			dj.job(context.Background())
		}
	}
}

// fakeCRM is a scriptable provider with chat-bridge support.
type fakeCRM struct {
	createLeads  int
	updateLeads  int
	leadErr      error
	leadErrTimes int

	contactID   string
	findID      string
	testConns   int
	transcripts int

	initialMsgs []string
	chatMsgs    []string

	webhookEv  *crm.WebhookEvent
	webhookErr error
}

func (f *fakeCRM) Type() string { return domain.ProviderBitrix24 }

func (f *fakeCRM) TestConnection(context.Context, *domain.CrmIntegration) error {
	f.testConns++
	return nil
}

func (f *fakeCRM) SyncContact(context.Context, *domain.CrmIntegration, crm.Contact) (string, error) {
	return f.contactID, nil
}

func (f *fakeCRM) CreateLead(context.Context, *domain.CrmIntegration, crm.LeadInput) (string, error) {
	f.createLeads++
	if f.leadErrTimes > 0 {
		f.leadErrTimes--
		return "", f.leadErr
	}
	return fmt.Sprintf("L-%d", f.createLeads), nil
}

func (f *fakeCRM) UpdateLead(context.Context, *domain.CrmIntegration, string, crm.LeadInput) error {
	f.updateLeads++
	return nil
}

func (f *fakeCRM) CreateDeal(context.Context, *domain.CrmIntegration, crm.LeadInput) (string, error) {
	return "", nil
}

func (f *fakeCRM) UpdateDeal(context.Context, *domain.CrmIntegration, string, crm.LeadInput) error {
	return nil
}

func (f *fakeCRM) AddNote(context.Context, *domain.CrmIntegration, crm.EntityRef, string) error {
	return nil
}

func (f *fakeCRM) GetUsers(context.Context, *domain.CrmIntegration) ([]crm.User, error) {
	return nil, nil
}

func (f *fakeCRM) GetPipelines(context.Context, *domain.CrmIntegration) ([]crm.Pipeline, error) {
	return nil, nil
}

func (f *fakeCRM) GetPipelineStages(context.Context, *domain.CrmIntegration, string) ([]crm.Stage, error) {
	return nil, nil
}

func (f *fakeCRM) GetEntity(context.Context, *domain.CrmIntegration, crm.EntityRef) (map[string]any, error) {
	return nil, nil
}

func (f *fakeCRM) FindContact(context.Context, *domain.CrmIntegration, string) (string, error) {
	return f.findID, nil
}

func (f *fakeCRM) SyncConversation(context.Context, *domain.CrmIntegration, *domain.Conversation, []domain.Message) error {
	f.transcripts++
	return nil
}

func (f *fakeCRM) HandleWebhook(context.Context, *domain.CrmIntegration, []byte, http.Header) (*crm.WebhookEvent, error) {
	return f.webhookEv, f.webhookErr
}

func (f *fakeCRM) GetFields(context.Context, *domain.CrmIntegration, string) ([]crm.Field, error) {
	return crm.DefaultFields(), nil
}

func (f *fakeCRM) BulkSync(context.Context, *domain.CrmIntegration, []crm.LeadInput) ([]string, error) {
	return nil, nil
}

func (f *fakeCRM) SendInitialMessage(_ context.Context, _ *domain.CrmIntegration, _ *domain.Conversation, text string) (string, error) {
	f.initialMsgs = append(f.initialMsgs, text)
	return "chat-1", nil
}

func (f *fakeCRM) SendUserMessage(_ context.Context, _ *domain.CrmIntegration, chatID, role, text string) error {
	f.chatMsgs = append(f.chatMsgs, chatID+"/"+role+": "+text)
	return nil
}

type syncFixture struct {
	*convFixture
	sync  *SyncService
	crm   *fakeCRM
	jobs  *fakeJobs
	integ *domain.CrmIntegration
	pivot *domain.BotCrmIntegration
}

func newSyncFixture(t *testing.T) *syncFixture {
	t.Helper()
	base := newConvFixture(t)

	integ := &domain.CrmIntegration{
		ID:             "integ1",
		OrganizationID: "org1",
		Provider:       domain.ProviderBitrix24,
		Credentials:    domain.JSONMap{"webhook_url": "https://example.invalid/rest/1/t/"},
		IsActive:       true,
	}
	if err := base.db.Create(integ).Error; err != nil {
		t.Fatalf("seed integration: %v", err)
	}
	pivot := &domain.BotCrmIntegration{
		ID:                "link1",
		BotID:             base.bot.ID,
		IntegrationID:     integ.ID,
		SyncContacts:      true,
		SyncConversations: true,
		CreateLeads:       true,
		LeadSource:        "chat",
		IsActive:          true,
	}
	if err := base.db.Create(pivot).Error; err != nil {
		t.Fatalf("seed pivot: %v", err)
	}

	fake := &fakeCRM{contactID: "c-100"}
	registry := crm.NewRegistry(fake)
	jobs := &fakeJobs{}
	svc := NewSyncService(base.db, registry, crm.NewCatalog(registry, time.Minute), base.svc, jobs, base.events, config.SyncConfig{
		MaxAttempts:      3,
		BackoffBase:      time.Second,
		FailureThreshold: 2,
		LeadDebounce:     10 * time.Millisecond,
	})
	svc.Register(base.events)
	return &syncFixture{convFixture: base, sync: svc, crm: fake, jobs: jobs, integ: integ, pivot: pivot}
}

func (f *syncFixture) inbound(t *testing.T, externalID, text string) *domain.Conversation {
	t.Helper()
	res, err := f.svc.HandleInbound(context.Background(), f.bot, f.channel, &channels.Inbound{
		ExternalID: externalID,
		Text:       text,
	})
	if err != nil {
		t.Fatalf("HandleInbound(%s): %v", externalID, err)
	}
	return res.Conversation
}

func TestSync_DebouncedLeadCreation(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()

	conv := f.inbound(t, "tg-1", "I want a demo")
	f.inbound(t, "tg-1", "are you there?")

	// Both messages fall inside the debounce window: one delayed job.
	if len(f.jobs.delayed) != 1 {
		t.Fatalf("expected one debounced job, got %d", len(f.jobs.delayed))
	}
	if f.jobs.delayed[0].delay != 10*time.Millisecond {
		t.Fatalf("unexpected debounce delay %v", f.jobs.delayed[0].delay)
	}
	f.jobs.flush()

	if f.crm.createLeads != 1 {
		t.Fatalf("expected exactly one lead, got %d creates", f.crm.createLeads)
	}
	fresh, _ := repo.GetConversation(ctx, f.db, conv.ID)
	if fresh.CrmLeadID == nil || *fresh.CrmLeadID != "L-1" {
		t.Fatalf("lead reference not recorded: %+v", fresh)
	}
	entity, err := repo.ResolveSyncEntity(ctx, f.db, f.integ.ID, "conversation", conv.ID)
	if err != nil || entity.ExternalID != "L-1" {
		t.Fatalf("registry entry missing: %+v, %v", entity, err)
	}
	stats, _ := repo.IntegrationSyncStats(ctx, f.db, f.integ.ID, time.Time{})
	if stats.Success == 0 {
		t.Fatalf("successful sync not journaled: %+v", stats)
	}
}

func TestSync_DuplicateEventShortCircuitsOnHash(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()

	conv := f.inbound(t, "tg-1", "hello")
	f.jobs.flush()
	if f.crm.createLeads != 1 {
		t.Fatalf("lead not created: %d", f.crm.createLeads)
	}

	// A webhook retry re-raises the same event. The registry resolves the
	// existing lead and the unchanged payload skips the API entirely.
	msgs, _ := repo.ListMessagesPage(ctx, f.db, conv.ID, 0, 10)
	fresh, _ := repo.GetConversation(ctx, f.db, conv.ID)
	for _, m := range msgs {
		if m.Role == domain.RoleUser {
			f.events.Dispatch(ctx, domain.MessageCreated{Message: m, Conversation: *fresh, At: time.Now()})
		}
	}
	f.jobs.flush()

	if f.crm.createLeads != 1 {
		t.Fatalf("duplicate event created a second lead: %d", f.crm.createLeads)
	}
	if f.crm.updateLeads != 0 {
		t.Fatalf("unchanged payload should not call the API: %d updates", f.crm.updateLeads)
	}
}

func TestSync_ContactDataFlowsIntoLead(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()

	res, err := f.svc.HandleInbound(ctx, f.bot, f.channel, &channels.Inbound{
		ExternalID:  "tg-2",
		Text:        "call me",
		DisplayName: "Dana",
		Phone:       "+1999",
	})
	if err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	f.jobs.flush()

	if f.crm.createLeads != 1 {
		t.Fatalf("lead not created: %d", f.crm.createLeads)
	}
	fresh, _ := repo.GetConversation(ctx, f.db, res.Conversation.ID)
	if fresh.CrmContactID == nil || *fresh.CrmContactID != "c-100" {
		t.Fatalf("contact not synced before lead creation: %+v", fresh)
	}
}

func TestSync_ContactChangeUpdatesLead(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()

	f.inbound(t, "tg-3", "hi")
	f.jobs.flush()
	if f.crm.createLeads != 1 {
		t.Fatalf("lead not created")
	}

	// The user shares contact details on a later message: the mapped lead
	// is re-projected, not recreated.
	res, err := f.svc.HandleInbound(ctx, f.bot, f.channel, &channels.Inbound{
		ExternalID:  "tg-3",
		Text:        "my email is x@y.z",
		DisplayName: "Xavier",
		Email:       "x@y.z",
	})
	if err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	f.jobs.flush()

	if f.crm.createLeads != 1 {
		t.Fatalf("contact change must not create a second lead: %d", f.crm.createLeads)
	}
	if f.crm.updateLeads == 0 {
		t.Fatalf("lead update expected after contact change")
	}
	if res.Conversation.UserEmail != "x@y.z" {
		t.Fatalf("contact not stored: %+v", res.Conversation)
	}
}

func TestSync_ChatMirror(t *testing.T) {
	f := newSyncFixture(t)

	f.inbound(t, "tg-4", "first question")
	f.jobs.flush()

	// Lead creation opened the live chat with the first user message.
	if len(f.crm.initialMsgs) != 1 || f.crm.initialMsgs[0] != "first question" {
		t.Fatalf("chat bridge not opened correctly: %v", f.crm.initialMsgs)
	}
	conv := f.inbound(t, "tg-4", "second question")
	fresh, _ := repo.GetConversation(context.Background(), f.db, conv.ID)
	if chatID, _ := fresh.Metadata.GetString("bitrix24_chat_id"); chatID != "chat-1" {
		t.Fatalf("chat id not recorded in metadata: %+v", fresh.Metadata)
	}

	// Follow-up traffic is mirrored into the existing chat: the user
	// message plus the assistant reply.
	if len(f.crm.chatMsgs) < 2 {
		t.Fatalf("follow-up messages not mirrored: %v", f.crm.chatMsgs)
	}
	if f.crm.chatMsgs[0] != "chat-1/user: second question" {
		t.Fatalf("unexpected mirror payload: %v", f.crm.chatMsgs)
	}

	// Only one chat per conversation and integration.
	if len(f.crm.initialMsgs) != 1 {
		t.Fatalf("chat opened more than once: %v", f.crm.initialMsgs)
	}
}

func TestSync_LoopPrevention(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()

	conv := f.inbound(t, "tg-5", "hello")
	f.jobs.flush()
	mirrored := len(f.crm.chatMsgs)

	// An operator reply arriving from the same CRM is tagged with its
	// origin and never echoed back.
	fresh, _ := repo.GetConversation(ctx, f.db, conv.ID)
	if _, err := f.svc.HandleOperatorMessage(ctx, domain.ProviderBitrix24, fresh, "Ivan", "hello from crm"); err != nil {
		t.Fatalf("HandleOperatorMessage: %v", err)
	}
	f.jobs.flush()

	if len(f.crm.chatMsgs) != mirrored {
		t.Fatalf("operator message echoed back to its origin: %v", f.crm.chatMsgs)
	}
}

func TestSync_OperatorMessagesStayOutOfChatMirror(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()

	conv := f.inbound(t, "tg-5b", "hello")
	f.jobs.flush()
	mirrored := len(f.crm.chatMsgs)

	// A reply typed in the admin console carries no CRM origin tag, but
	// only user and assistant rows are eligible for the chat bridge.
	fresh, _ := repo.GetConversation(ctx, f.db, conv.ID)
	if _, err := f.svc.HandleOperatorMessage(ctx, "admin", fresh, "Dana", "checking your order"); err != nil {
		t.Fatalf("HandleOperatorMessage: %v", err)
	}
	f.jobs.flush()

	if len(f.crm.chatMsgs) != mirrored {
		t.Fatalf("admin operator message leaked into the chat mirror: %v", f.crm.chatMsgs)
	}
}

func TestSync_TranscriptExportOnClose(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()

	conv := f.inbound(t, "tg-6", "hello")
	f.jobs.flush()

	if err := f.svc.Close(ctx, conv.ID); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if f.crm.transcripts != 1 {
		t.Fatalf("transcript not exported on close: %d", f.crm.transcripts)
	}
}

func TestSync_RetryWithBackoff(t *testing.T) {
	f := newSyncFixture(t)

	f.crm.leadErr = &crm.APIError{Provider: domain.ProviderBitrix24, Status: 500, Message: "down"}
	f.crm.leadErrTimes = 1

	f.inbound(t, "tg-7", "hello")
	f.jobs.flush() // debounce fires, first attempt fails, retry is parked

	if len(f.jobs.delayed) != 0 {
		// flush drains retries too; reaching here means the retry never ran
		t.Fatalf("retry not executed: %d parked", len(f.jobs.delayed))
	}
	if f.crm.createLeads != 2 {
		t.Fatalf("expected failed attempt plus retry, got %d", f.crm.createLeads)
	}

	stats, _ := repo.IntegrationSyncStats(context.Background(), f.db, f.integ.ID, time.Time{})
	if stats.Success != 1 || stats.Errors != 0 {
		t.Fatalf("retry journaled wrong: %+v", stats)
	}
	integ, _ := repo.GetIntegration(context.Background(), f.db, f.integ.ID)
	if !integ.IsActive || integ.FailureCount != 0 {
		t.Fatalf("recovered integration left dirty: %+v", integ)
	}
}

func TestSync_BreakerTripsAndBlocks(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()

	var trips []domain.CrmSyncFailed
	f.events.Subscribe(domain.EventCrmSyncFailed, func(_ context.Context, ev domain.Event) {
		trips = append(trips, ev.(domain.CrmSyncFailed))
	})

	// Permanent failures: no retries, straight to the breaker.
	f.crm.leadErr = &crm.APIError{Provider: domain.ProviderBitrix24, Status: 400, Message: "bad mapping"}
	f.crm.leadErrTimes = 100

	f.inbound(t, "tg-8", "one")
	f.jobs.flush()
	f.inbound(t, "tg-9", "two")
	f.jobs.flush()

	integ, _ := repo.GetIntegration(ctx, f.db, f.integ.ID)
	if integ.IsActive {
		t.Fatalf("breaker did not trip at threshold: %+v", integ)
	}
	if integ.FailureCount != 2 {
		t.Fatalf("unexpected failure count %d", integ.FailureCount)
	}
	if len(trips) != 1 || trips[0].IntegrationID != f.integ.ID || trips[0].FailureCount != 2 {
		t.Fatalf("trip event wrong: %+v", trips)
	}

	// Further work is skipped until an operator reactivates.
	attempts := f.crm.createLeads
	f.inbound(t, "tg-10", "three")
	f.jobs.flush()
	if f.crm.createLeads != attempts {
		t.Fatalf("tripped integration still receiving attempts")
	}

	if err := f.sync.Reactivate(ctx, f.integ.ID); err != nil {
		t.Fatalf("Reactivate: %v", err)
	}
	integ, _ = repo.GetIntegration(ctx, f.db, f.integ.ID)
	if !integ.IsActive || integ.FailureCount != 0 {
		t.Fatalf("reactivation incomplete: %+v", integ)
	}
}

func TestHandleCrmWebhook_OperatorMessage(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()

	conv := f.inbound(t, "tg-11", "hello")
	f.jobs.flush() // establishes the chat mapping chat-1

	f.crm.webhookEv = &crm.WebhookEvent{
		Kind:           crm.EventOperatorMessage,
		ExternalChatID: "chat-1",
		Text:           "manager here",
		OperatorName:   "Olga",
	}
	ev, err := f.sync.HandleCrmWebhook(ctx, domain.ProviderBitrix24, f.integ.ID, []byte("{}"), http.Header{})
	if err != nil {
		t.Fatalf("HandleCrmWebhook: %v", err)
	}
	if ev.Kind != crm.EventOperatorMessage {
		t.Fatalf("unexpected event: %+v", ev)
	}

	msgs, _ := repo.ListMessagesPage(ctx, f.db, conv.ID, 0, 20)
	last := msgs[len(msgs)-1]
	if last.Role != domain.RoleOperator || last.Content != "manager here" {
		t.Fatalf("operator message not ingested: %+v", last)
	}
	if !last.FromProvider(domain.ProviderBitrix24) {
		t.Fatalf("origin tag missing: %+v", last.Metadata)
	}
	fresh, _ := repo.GetConversation(ctx, f.db, conv.ID)
	if fresh.Status != domain.ConversationWaitingOperator {
		t.Fatalf("conversation not placed on hold: %q", fresh.Status)
	}
}

func TestHandleCrmWebhook_UnknownChatTolerated(t *testing.T) {
	f := newSyncFixture(t)

	f.crm.webhookEv = &crm.WebhookEvent{
		Kind:           crm.EventOperatorMessage,
		ExternalChatID: "no-such-chat",
		Text:           "hello?",
	}
	ev, err := f.sync.HandleCrmWebhook(context.Background(), domain.ProviderBitrix24, f.integ.ID, []byte("{}"), http.Header{})
	if err != nil {
		t.Fatalf("unknown chat must be tolerated: %v", err)
	}
	if ev.Kind != crm.EventOperatorMessage {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestHandleCrmWebhook_IntegrationChecks(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()

	if _, err := f.sync.HandleCrmWebhook(ctx, domain.ProviderBitrix24, "missing", nil, nil); !errors.Is(err, ErrIntegrationNotFound) {
		t.Fatalf("expected ErrIntegrationNotFound, got %v", err)
	}
	// Provider in the URL must match the integration's provider.
	if _, err := f.sync.HandleCrmWebhook(ctx, domain.ProviderSalebot, f.integ.ID, nil, nil); !errors.Is(err, ErrIntegrationNotFound) {
		t.Fatalf("expected ErrIntegrationNotFound on provider mismatch, got %v", err)
	}
	// Adapter-level auth failures propagate.
	f.crm.webhookEv = nil
	f.crm.webhookErr = crm.ErrUnauthorized
	if _, err := f.sync.HandleCrmWebhook(ctx, domain.ProviderBitrix24, f.integ.ID, nil, nil); !errors.Is(err, crm.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestTestIntegration(t *testing.T) {
	f := newSyncFixture(t)
	if err := f.sync.TestIntegration(context.Background(), f.integ.ID); err != nil {
		t.Fatalf("TestIntegration: %v", err)
	}
	if f.crm.testConns != 1 {
		t.Fatalf("connection test not forwarded: %d", f.crm.testConns)
	}
	if err := f.sync.TestIntegration(context.Background(), "missing"); !errors.Is(err, ErrIntegrationNotFound) {
		t.Fatalf("expected ErrIntegrationNotFound, got %v", err)
	}
}
