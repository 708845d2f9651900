// Command server runs the CRM bridge: channel webhooks in, unified
// conversations and assistant replies in the middle, CRM synchronization
// out. Configuration comes entirely from the environment (optionally via a
// .env file); see internal/config for the full variable list.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/tbourn/go-crm-bridge/internal/ai"
	"github.com/tbourn/go-crm-bridge/internal/channels"
	"github.com/tbourn/go-crm-bridge/internal/config"
	"github.com/tbourn/go-crm-bridge/internal/crm"
	"github.com/tbourn/go-crm-bridge/internal/domain"
	httpapi "github.com/tbourn/go-crm-bridge/internal/http"
	"github.com/tbourn/go-crm-bridge/internal/observability"
	"github.com/tbourn/go-crm-bridge/internal/queue"
	"github.com/tbourn/go-crm-bridge/internal/repo"
	"github.com/tbourn/go-crm-bridge/internal/search"
	"github.com/tbourn/go-crm-bridge/internal/services"
	"github.com/tbourn/go-crm-bridge/internal/sysutil"
)

var version = "dev"

func main() {
	_ = godotenv.Load()
	cfg := config.MustLoad()

	sysutil.SetLogLevel(cfg.LogLevel)
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	// Deployments without ldflags can still report a version via env.
	ver := sysutil.FirstNonEmpty(os.Getenv("SERVICE_VERSION"), version)
	log.Info().Str("version", ver).Str("gin_mode", cfg.GinMode).Msg("starting crm bridge")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Tracing
	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, ver)
	if err != nil {
		log.Fatal().Err(err).Msg("otel setup failed")
	}
	defer func() {
		if err := shutdownOTel(context.Background()); err != nil {
			log.Warn().Err(err).Msg("otel shutdown failed")
		}
	}()

	// Storage
	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("database open failed")
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("migration failed")
	}
	if cfg.OTEL.Enabled {
		if err := db.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
			log.Warn().Err(err).Msg("gorm tracing plugin failed")
		}
	}

	// Channel adapters
	channelRegistry := channels.NewRegistry(
		channels.NewTelegram(cfg.ChannelTimeout),
		channels.NewVK(cfg.ChannelTimeout),
		channels.NewWhatsApp(cfg.ChannelTimeout),
		channels.NewWeb(),
	)

	// CRM providers and field catalog
	providerRegistry := crm.NewRegistry(
		crm.NewBitrix24(cfg.Sync.ProviderTimeout, cfg.Sync.ProviderRPS),
		crm.NewAmoCRM(cfg.Sync.ProviderTimeout, cfg.Sync.ProviderRPS),
		crm.NewAvito(cfg.Sync.ProviderTimeout, cfg.Sync.ProviderRPS),
		crm.NewSalebot(cfg.Sync.ProviderTimeout, cfg.Sync.ProviderRPS),
	)
	catalog := crm.NewCatalog(providerRegistry, cfg.Sync.FieldCacheTTL)

	// Assistant
	responder := ai.NewClient(cfg.AI)
	if cfg.AI.KBPath != "" {
		idx, err := search.NewIndexFromMarkdown(cfg.AI.KBPath)
		if err != nil {
			log.Warn().Err(err).Str("path", cfg.AI.KBPath).Msg("knowledge base load failed")
		} else {
			responder.KB = idx
			log.Info().Str("path", cfg.AI.KBPath).Msg("knowledge base loaded")
		}
	}

	// Background workers and broker fan-out
	pool := queue.NewPool(cfg.QueueWorkers, 256)
	defer pool.Stop()
	publisher := queue.NewPublisher(cfg.AMQP)
	defer publisher.Close()

	// Services and event wiring
	dispatcher := services.NewDispatcher()
	convSvc := services.NewConversationService(db, repoShim{}, channelRegistry, responder, dispatcher, cfg.AI.Fallback)
	syncSvc := services.NewSyncService(db, providerRegistry, catalog, convSvc, pool, dispatcher, cfg.Sync)
	syncSvc.Register(dispatcher)
	dispatcher.SubscribeAll(func(_ context.Context, ev domain.Event) {
		publisher.PublishEvent(ev)
	})

	scheduler := services.NewScheduler(syncSvc, cfg.Sync.ExportInterval, cfg.Sync.StatsInterval, cfg.Sync.ExportBatchSize)
	scheduler.Start()
	defer scheduler.Stop()

	// HTTP
	gin.SetMode(cfg.GinMode)
	engine := gin.New()
	httpapi.RegisterRoutes(engine, httpapi.Deps{
		DB:            db,
		Channels:      channelRegistry,
		Providers:     providerRegistry,
		Catalog:       catalog,
		Conversations: convSvc,
		Sync:          syncSvc,
		Scheduler:     scheduler,
	}, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           engine,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown failed")
	}
}

// repoShim adapts the repository free functions to the
// services.ConversationRepo interface expected by the ConversationService.
// This keeps services decoupled from the concrete repo package while
// reusing existing functions.
type repoShim struct{}

func (repoShim) FindActiveConversation(ctx context.Context, db *gorm.DB, botID, channelID, externalID string) (*domain.Conversation, error) {
	return repo.FindActiveConversation(ctx, db, botID, channelID, externalID)
}

func (repoShim) CreateConversation(ctx context.Context, db *gorm.DB, botID, channelID, externalID string) (*domain.Conversation, error) {
	return repo.CreateConversation(ctx, db, botID, channelID, externalID)
}

func (repoShim) GetConversation(ctx context.Context, db *gorm.DB, id string) (*domain.Conversation, error) {
	return repo.GetConversation(ctx, db, id)
}

func (repoShim) UpdateConversationStatus(ctx context.Context, db *gorm.DB, id, status string) error {
	return repo.UpdateConversationStatus(ctx, db, id, status)
}

func (repoShim) UpdateConversationContact(ctx context.Context, db *gorm.DB, id, name, email, phone string) ([]string, error) {
	return repo.UpdateConversationContact(ctx, db, id, name, email, phone)
}

func (repoShim) TouchConversationMessage(ctx context.Context, db *gorm.DB, id string, at time.Time) error {
	return repo.TouchConversationMessage(ctx, db, id, at)
}

func (repoShim) AddConversationTokens(ctx context.Context, db *gorm.DB, id string, tokens int) error {
	return repo.AddConversationTokens(ctx, db, id, tokens)
}

func (repoShim) CreateMessage(ctx context.Context, db *gorm.DB, conversationID, role, content string, metadata domain.JSONMap, responseTime *float64) (*domain.Message, error) {
	return repo.CreateMessage(ctx, db, conversationID, role, content, metadata, responseTime)
}

func (repoShim) CountMessages(ctx context.Context, db *gorm.DB, conversationID string) (int64, error) {
	return repo.CountMessages(ctx, db, conversationID)
}

func (repoShim) ListMessagesPage(ctx context.Context, db *gorm.DB, conversationID string, offset, limit int) ([]domain.Message, error) {
	return repo.ListMessagesPage(ctx, db, conversationID, offset, limit)
}
