package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-crm-bridge/internal/ai"
	"github.com/tbourn/go-crm-bridge/internal/channels"
	"github.com/tbourn/go-crm-bridge/internal/config"
	"github.com/tbourn/go-crm-bridge/internal/crm"
	"github.com/tbourn/go-crm-bridge/internal/domain"
	"github.com/tbourn/go-crm-bridge/internal/http/middleware"
	"github.com/tbourn/go-crm-bridge/internal/queue"
	"github.com/tbourn/go-crm-bridge/internal/repo"
	"github.com/tbourn/go-crm-bridge/internal/services"
)

func newHandlerDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), fmt.Sprintf("handlers_test_%d.db", time.Now().UnixNano()))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

// testRepo adapts the repository free functions to ConversationRepo, the
// same way the server wiring does.
type testRepo struct{}

func (testRepo) FindActiveConversation(ctx context.Context, db *gorm.DB, botID, channelID, externalID string) (*domain.Conversation, error) {
	return repo.FindActiveConversation(ctx, db, botID, channelID, externalID)
}

func (testRepo) CreateConversation(ctx context.Context, db *gorm.DB, botID, channelID, externalID string) (*domain.Conversation, error) {
	return repo.CreateConversation(ctx, db, botID, channelID, externalID)
}

func (testRepo) GetConversation(ctx context.Context, db *gorm.DB, id string) (*domain.Conversation, error) {
	return repo.GetConversation(ctx, db, id)
}

func (testRepo) UpdateConversationStatus(ctx context.Context, db *gorm.DB, id, status string) error {
	return repo.UpdateConversationStatus(ctx, db, id, status)
}

func (testRepo) UpdateConversationContact(ctx context.Context, db *gorm.DB, id, name, email, phone string) ([]string, error) {
	return repo.UpdateConversationContact(ctx, db, id, name, email, phone)
}

func (testRepo) TouchConversationMessage(ctx context.Context, db *gorm.DB, id string, at time.Time) error {
	return repo.TouchConversationMessage(ctx, db, id, at)
}

func (testRepo) AddConversationTokens(ctx context.Context, db *gorm.DB, id string, tokens int) error {
	return repo.AddConversationTokens(ctx, db, id, tokens)
}

func (testRepo) CreateMessage(ctx context.Context, db *gorm.DB, conversationID, role, content string, metadata domain.JSONMap, responseTime *float64) (*domain.Message, error) {
	return repo.CreateMessage(ctx, db, conversationID, role, content, metadata, responseTime)
}

func (testRepo) CountMessages(ctx context.Context, db *gorm.DB, conversationID string) (int64, error) {
	return repo.CountMessages(ctx, db, conversationID)
}

func (testRepo) ListMessagesPage(ctx context.Context, db *gorm.DB, conversationID string, offset, limit int) ([]domain.Message, error) {
	return repo.ListMessagesPage(ctx, db, conversationID, offset, limit)
}

// fakeAdapter is a scriptable channel adapter: ParseInbound returns
// whatever the test staged and Deliver records outbound texts.
type fakeAdapter struct {
	channelType string
	inbound     *channels.Inbound
	parseErr    error
	delivered   []string
}

func (f *fakeAdapter) Type() string { return f.channelType }

func (f *fakeAdapter) ParseInbound(context.Context, *domain.Channel, []byte, http.Header) (*channels.Inbound, error) {
	if f.parseErr != nil {
		return nil, f.parseErr
	}
	if f.inbound == nil {
		return &channels.Inbound{Kind: channels.KindNoop}, nil
	}
	return f.inbound, nil
}

func (f *fakeAdapter) Deliver(_ context.Context, _ *domain.Channel, _, text string) (*channels.Receipt, error) {
	f.delivered = append(f.delivered, text)
	return &channels.Receipt{}, nil
}

// fakeResponder returns a fixed assistant reply.
type fakeResponder struct {
	reply *ai.Reply
	err   error
}

func (f *fakeResponder) Respond(context.Context, *domain.Bot, []domain.Message) (*ai.Reply, error) {
	return f.reply, f.err
}

// inlineJobs runs enqueued work synchronously; the handler tests never
// exercise the delayed path.
type inlineJobs struct{}

func (inlineJobs) Enqueue(job queue.Job) bool {
	job(context.Background())
	return true
}

func (inlineJobs) EnqueueAfter(_ time.Duration, job queue.Job) bool {
	job(context.Background())
	return true
}

// fakeProvider is a scriptable CRM provider used by the admin endpoints.
type fakeProvider struct {
	typ       string
	testErr   error
	lookupErr error
	users     []crm.User
	pipelines []crm.Pipeline
	stages    []crm.Stage
	fields    []crm.Field

	leadID       string
	createdLeads []crm.LeadInput
}

func (f *fakeProvider) Type() string { return f.typ }

func (f *fakeProvider) TestConnection(context.Context, *domain.CrmIntegration) error {
	return f.testErr
}

func (f *fakeProvider) SyncContact(context.Context, *domain.CrmIntegration, crm.Contact) (string, error) {
	return "", nil
}

func (f *fakeProvider) CreateLead(_ context.Context, _ *domain.CrmIntegration, in crm.LeadInput) (string, error) {
	f.createdLeads = append(f.createdLeads, in)
	return f.leadID, nil
}

func (f *fakeProvider) UpdateLead(context.Context, *domain.CrmIntegration, string, crm.LeadInput) error {
	return nil
}

func (f *fakeProvider) CreateDeal(context.Context, *domain.CrmIntegration, crm.LeadInput) (string, error) {
	return "", nil
}

func (f *fakeProvider) UpdateDeal(context.Context, *domain.CrmIntegration, string, crm.LeadInput) error {
	return nil
}

func (f *fakeProvider) AddNote(context.Context, *domain.CrmIntegration, crm.EntityRef, string) error {
	return nil
}

func (f *fakeProvider) GetUsers(context.Context, *domain.CrmIntegration) ([]crm.User, error) {
	return f.users, f.lookupErr
}

func (f *fakeProvider) GetPipelines(context.Context, *domain.CrmIntegration) ([]crm.Pipeline, error) {
	return f.pipelines, f.lookupErr
}

func (f *fakeProvider) GetPipelineStages(context.Context, *domain.CrmIntegration, string) ([]crm.Stage, error) {
	return f.stages, f.lookupErr
}

func (f *fakeProvider) GetEntity(context.Context, *domain.CrmIntegration, crm.EntityRef) (map[string]any, error) {
	return nil, nil
}

func (f *fakeProvider) FindContact(context.Context, *domain.CrmIntegration, string) (string, error) {
	return "", nil
}

func (f *fakeProvider) SyncConversation(context.Context, *domain.CrmIntegration, *domain.Conversation, []domain.Message) error {
	return nil
}

func (f *fakeProvider) HandleWebhook(context.Context, *domain.CrmIntegration, []byte, http.Header) (*crm.WebhookEvent, error) {
	return &crm.WebhookEvent{Kind: crm.EventNoop}, nil
}

func (f *fakeProvider) GetFields(context.Context, *domain.CrmIntegration, string) ([]crm.Field, error) {
	return f.fields, nil
}

func (f *fakeProvider) BulkSync(context.Context, *domain.CrmIntegration, []crm.LeadInput) ([]string, error) {
	return nil, nil
}

// apiFixture wires real services over sqlite behind a Gin router with the
// production route shapes.
type apiFixture struct {
	db     *gorm.DB
	router *gin.Engine

	tg       *fakeAdapter // telegram delivery recorder
	vk       *fakeAdapter // vk parse stub
	provider *fakeProvider
	ai       *fakeResponder

	bot       *domain.Bot
	tgChannel *domain.Channel
	vkChannel *domain.Channel
	waChannel *domain.Channel
	webChan   *domain.Channel

	integSB *domain.CrmIntegration // salebot, exercised end to end
	integFK *domain.CrmIntegration // fake provider behind the admin API

	conv *services.ConversationService
	sync *services.SyncService
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db := newHandlerDB(t)

	bot := &domain.Bot{ID: "b1", OrganizationID: "org1", Name: "Support", WelcomeMessage: "Welcome!", IsActive: true}
	if err := db.Create(bot).Error; err != nil {
		t.Fatalf("seed bot: %v", err)
	}
	seedChannel := func(id, channelType string, creds domain.JSONMap) *domain.Channel {
		ch := &domain.Channel{ID: id, BotID: bot.ID, Type: channelType, Credentials: creds, IsActive: true}
		if err := db.Create(ch).Error; err != nil {
			t.Fatalf("seed channel %s: %v", id, err)
		}
		return ch
	}
	tgChannel := seedChannel("tg1", domain.ChannelTelegram, nil)
	vkChannel := seedChannel("vk1", domain.ChannelVK, domain.JSONMap{"confirmation_token": "confirm-123"})
	waChannel := seedChannel("wa1", domain.ChannelWhatsApp, domain.JSONMap{"verify_token": "vt-secret"})
	webChan := seedChannel("web1", domain.ChannelWeb, nil)

	integSB := &domain.CrmIntegration{
		ID:             "integ-sb",
		OrganizationID: bot.OrganizationID,
		Provider:       domain.ProviderSalebot,
		Credentials:    domain.JSONMap{"api_key": "sb-key"},
		IsActive:       true,
	}
	if err := db.Create(integSB).Error; err != nil {
		t.Fatalf("seed salebot integration: %v", err)
	}
	integFK := &domain.CrmIntegration{
		ID:             "integ-fk",
		OrganizationID: bot.OrganizationID,
		Provider:       domain.ProviderBitrix24,
		Credentials:    domain.JSONMap{"webhook_url": "https://example.invalid/rest/1/tok"},
		IsActive:       true,
	}
	if err := db.Create(integFK).Error; err != nil {
		t.Fatalf("seed fake integration: %v", err)
	}

	tg := &fakeAdapter{channelType: domain.ChannelTelegram}
	vk := &fakeAdapter{channelType: domain.ChannelVK}
	channelRegistry := channels.NewRegistry(tg, vk, channels.NewWhatsApp(time.Second), channels.NewWeb())

	provider := &fakeProvider{typ: domain.ProviderBitrix24}
	crmRegistry := crm.NewRegistry(crm.NewSalebot(time.Second, 10), provider)
	catalog := crm.NewCatalog(crmRegistry, time.Minute)

	responder := &fakeResponder{reply: &ai.Reply{Text: "Here is my answer.", TokensUsed: 9}}
	events := services.NewDispatcher()
	convSvc := services.NewConversationService(db, testRepo{}, channelRegistry, responder, events, "")
	syncSvc := services.NewSyncService(db, crmRegistry, catalog, convSvc, inlineJobs{}, events, config.SyncConfig{
		MaxAttempts:      1,
		BackoffBase:      time.Millisecond,
		FailureThreshold: 5,
	})
	scheduler := services.NewScheduler(syncSvc, time.Hour, time.Hour, 10)

	webhookH := &WebhookHandler{DB: db, Channels: channelRegistry, Conversations: convSvc}
	crmH := &CrmWebhookHandler{Sync: syncSvc}
	widgetH := &WidgetHandler{DB: db, Channels: channelRegistry, Conversations: convSvc}
	adminH := &AdminHandler{DB: db, Conversations: convSvc, Sync: syncSvc, Scheduler: scheduler, Providers: crmRegistry, Catalog: catalog}

	r := gin.New()
	r.POST("/webhooks/channels/:type/:channelID", webhookH.Receive)
	r.GET("/webhooks/channels/whatsapp/:channelID", webhookH.Verify)
	r.POST("/webhooks/crm/:provider/:integrationID", crmH.Receive)
	api := r.Group("/api/v1")
	api.Use(gzip.Gzip(gzip.DefaultCompression))
	api.POST("/widget/:channelID/messages", widgetH.Send)
	api.GET("/widget/:channelID/conversations/:conversationID/messages", widgetH.Transcript)
	admin := api.Group("/admin")
	admin.Use(middleware.RequireUserID())
	admin.GET("/bots/:botID/conversations", adminH.ListConversations)
	admin.GET("/conversations/:id", adminH.GetConversation)
	admin.POST("/conversations/:id/takeover", adminH.Takeover)
	admin.POST("/conversations/:id/release", adminH.Release)
	admin.POST("/conversations/:id/close", adminH.Close)
	admin.POST("/conversations/:id/messages", adminH.SendOperatorMessage)
	admin.POST("/integrations/:id/test", adminH.TestIntegration)
	admin.POST("/integrations/:id/reactivate", adminH.ReactivateIntegration)
	admin.GET("/integrations/:id/fields", adminH.IntegrationFields)
	admin.GET("/integrations/:id/users", adminH.IntegrationUsers)
	admin.GET("/integrations/:id/pipelines", adminH.IntegrationPipelines)
	admin.GET("/integrations/:id/pipelines/:pipelineID/stages", adminH.IntegrationStages)
	admin.GET("/integrations/:id/stats", adminH.IntegrationStats)
	admin.POST("/sync/run", adminH.TriggerSync)

	return &apiFixture{
		db:        db,
		router:    r,
		tg:        tg,
		vk:        vk,
		provider:  provider,
		ai:        responder,
		bot:       bot,
		tgChannel: tgChannel,
		vkChannel: vkChannel,
		waChannel: waChannel,
		webChan:   webChan,
		integSB:   integSB,
		integFK:   integFK,
		conv:      convSvc,
		sync:      syncSvc,
	}
}

// do performs one request against the fixture router. A string body is
// sent raw; anything else non-nil is JSON-encoded.
func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", "op-1") // admin routes reject anonymous requests
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return out
}

// seedConversation opens a conversation on the telegram channel through
// the real service path.
func (f *apiFixture) seedConversation(t *testing.T, externalID, text string) *domain.Conversation {
	t.Helper()
	res, err := f.conv.HandleInbound(context.Background(), f.bot, f.tgChannel, &channels.Inbound{
		Kind:       channels.KindMessage,
		ExternalID: externalID,
		Text:       text,
	})
	if err != nil {
		t.Fatalf("seed conversation: %v", err)
	}
	return res.Conversation
}
