package services

import (
	"context"
	"testing"
	"time"

	"github.com/tbourn/go-crm-bridge/internal/domain"
	"github.com/tbourn/go-crm-bridge/internal/repo"
)

func TestScheduler_SweepBackfillsUnsyncedConversations(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()

	// Simulate a restart losing the debounce timer: the conversation
	// exists but the delayed job is dropped on the floor.
	conv := f.inbound(t, "tg-1", "lost during restart")
	f.jobs.delayed = nil

	sc := NewScheduler(f.sync, time.Minute, time.Hour, 10)
	sc.Sweep(ctx)

	if f.crm.createLeads != 1 {
		t.Fatalf("sweep did not backfill the lead: %d creates", f.crm.createLeads)
	}
	fresh, err := f.sync.Conversations.Repo.GetConversation(ctx, f.db, conv.ID)
	if err != nil || fresh.CrmLeadID == nil {
		t.Fatalf("lead reference missing after sweep: %+v, %v", fresh, err)
	}

	// A second sweep resolves the mapping and makes no further calls.
	sc.Sweep(ctx)
	if f.crm.createLeads != 1 || f.crm.updateLeads != 0 {
		t.Fatalf("sweep is not idempotent: creates=%d updates=%d", f.crm.createLeads, f.crm.updateLeads)
	}
}

func TestScheduler_ReportStatsSummarizesJournal(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()

	var reports []domain.CrmSyncStats
	f.events.Subscribe(domain.EventCrmSyncStats, func(_ context.Context, ev domain.Event) {
		reports = append(reports, ev.(domain.CrmSyncStats))
	})

	sc := NewScheduler(f.sync, time.Minute, time.Hour, 10)

	// A quiet journal produces no report at all.
	sc.ReportStats(ctx)
	if len(reports) != 0 {
		t.Fatalf("expected silence for an empty journal, got %d reports", len(reports))
	}

	for _, row := range []struct{ status, errMsg string }{
		{"success", ""},
		{"success", ""},
		{"retry", "timeout"},
		{"error", "401 unauthorized"},
	} {
		if err := repo.AppendSyncLog(ctx, f.db, f.integ.ID, "outbound", "lead", "create", row.status, row.errMsg); err != nil {
			t.Fatalf("seed journal: %v", err)
		}
	}

	sc.ReportStats(ctx)
	if len(reports) != 1 {
		t.Fatalf("expected one report, got %d", len(reports))
	}
	rep := reports[0]
	if rep.IntegrationID != f.integ.ID || rep.Provider != domain.ProviderBitrix24 {
		t.Fatalf("unexpected report target: %+v", rep)
	}
	if rep.Total != 4 || rep.Success != 2 || rep.Errors != 1 {
		t.Fatalf("unexpected counters: %+v", rep)
	}

	// Deactivated integrations drop out of the summary.
	if err := f.db.Model(&domain.CrmIntegration{}).Where("id = ?", f.integ.ID).
		Update("is_active", false).Error; err != nil {
		t.Fatalf("deactivate integration: %v", err)
	}
	sc.ReportStats(ctx)
	if len(reports) != 1 {
		t.Fatalf("inactive integration still reported: %d reports", len(reports))
	}
}

func TestScheduler_Defaults(t *testing.T) {
	sc := NewScheduler(nil, 0, 0, 0)
	if sc.Interval != 15*time.Minute || sc.StatsInterval != time.Hour || sc.BatchSize != 50 {
		t.Fatalf("unexpected defaults: %v %v %d", sc.Interval, sc.StatsInterval, sc.BatchSize)
	}
}
