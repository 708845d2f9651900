package services

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-crm-bridge/internal/domain"
	"github.com/tbourn/go-crm-bridge/internal/repo"
)

// Scheduler runs the two periodic jobs of the sync subsystem: an export
// sweep for conversations that never made it into a CRM, typically
// because the bridge restarted while a debounce timer or retry chain was
// pending, and a statistics summary over the sync journal. The sweep is
// idempotent: it reuses the same registry-guarded ensureLead path as the
// event-driven flow, so conversations already mapped are skipped without
// an API call.
type Scheduler struct {
	Sync          *SyncService
	Interval      time.Duration
	StatsInterval time.Duration
	BatchSize     int

	stop chan struct{}
}

// NewScheduler constructs a Scheduler around the sync orchestrator.
func NewScheduler(sync *SyncService, interval, statsInterval time.Duration, batchSize int) *Scheduler {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	if statsInterval <= 0 {
		statsInterval = time.Hour
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Scheduler{
		Sync:          sync,
		Interval:      interval,
		StatsInterval: statsInterval,
		BatchSize:     batchSize,
		stop:          make(chan struct{}),
	}
}

// Start launches the job loop. It returns immediately.
func (sc *Scheduler) Start() {
	go func() {
		export := time.NewTicker(sc.Interval)
		defer export.Stop()
		stats := time.NewTicker(sc.StatsInterval)
		defer stats.Stop()
		for {
			select {
			case <-sc.stop:
				return
			case <-export.C:
				sc.Sweep(context.Background())
			case <-stats.C:
				sc.ReportStats(context.Background())
			}
		}
	}()
	log.Info().
		Dur("interval", sc.Interval).
		Dur("stats_interval", sc.StatsInterval).
		Int("batch", sc.BatchSize).
		Msg("export scheduler started")
}

// Stop halts the job loop.
func (sc *Scheduler) Stop() {
	close(sc.stop)
}

// Sweep runs one pass over every active integration, scheduling lead
// creation for unmapped conversations of bots linked to it.
func (sc *Scheduler) Sweep(ctx context.Context) {
	integrations, err := repo.ListActiveIntegrations(ctx, sc.Sync.DB)
	if err != nil {
		log.Error().Err(err).Msg("export sweep: integration listing failed")
		return
	}
	for _, integ := range integrations {
		convs, err := repo.ListUnsyncedConversations(ctx, sc.Sync.DB, integ.ID, sc.BatchSize)
		if err != nil {
			log.Error().Err(err).Str("integration", integ.ID).Msg("export sweep: conversation listing failed")
			continue
		}
		if len(convs) == 0 {
			continue
		}
		pivots := make(map[string]*domain.BotCrmIntegration)
		for _, conv := range convs {
			pivot, ok := pivots[conv.BotID]
			if !ok {
				pivot = sc.pivotFor(ctx, conv.BotID, integ.ID)
				pivots[conv.BotID] = pivot
			}
			if pivot == nil || !pivot.CreateLeads {
				continue
			}
			p := *pivot
			conversationID := conv.ID
			sc.Sync.runSync(ctx, integ.ID, "lead", "create", 1, func(ctx context.Context, fresh *domain.CrmIntegration) error {
				return sc.Sync.ensureLead(ctx, fresh, p, conversationID)
			})
		}
		log.Info().Str("integration", integ.ID).Int("conversations", len(convs)).Msg("export sweep scheduled")
	}
}

// ReportStats summarizes the sync journal for every active integration
// over the last stats window. The summary is logged and dispatched as a
// CrmSyncStats event so the broker publisher fans it out; integrations
// with no journal activity in the window stay silent.
func (sc *Scheduler) ReportStats(ctx context.Context) {
	integrations, err := repo.ListActiveIntegrations(ctx, sc.Sync.DB)
	if err != nil {
		log.Error().Err(err).Msg("stats summary: integration listing failed")
		return
	}
	since := time.Now().UTC().Add(-sc.StatsInterval)
	for _, integ := range integrations {
		stats, err := repo.IntegrationSyncStats(ctx, sc.Sync.DB, integ.ID, since)
		if err != nil {
			log.Error().Err(err).Str("integration", integ.ID).Msg("stats summary: journal query failed")
			continue
		}
		if stats.Total == 0 {
			continue
		}
		log.Info().
			Str("integration", integ.ID).
			Str("provider", integ.Provider).
			Int64("total", stats.Total).
			Int64("success", stats.Success).
			Int64("errors", stats.Errors).
			Msg("sync stats summary")
		sc.Sync.Events.Dispatch(ctx, domain.CrmSyncStats{
			IntegrationID: integ.ID,
			Provider:      integ.Provider,
			Since:         since,
			Total:         stats.Total,
			Success:       stats.Success,
			Errors:        stats.Errors,
			At:            time.Now().UTC(),
		})
	}
}

// pivotFor returns the bot-integration link or nil when the bot is not
// attached to the integration.
func (sc *Scheduler) pivotFor(ctx context.Context, botID, integrationID string) *domain.BotCrmIntegration {
	links, err := repo.ActiveIntegrationsForBot(ctx, sc.Sync.DB, botID)
	if err != nil {
		return nil
	}
	for _, link := range links {
		if link.Integration.ID == integrationID {
			pivot := link.Pivot
			return &pivot
		}
	}
	return nil
}
