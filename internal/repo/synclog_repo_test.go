package repo

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-crm-bridge/internal/domain"
)

func newSyncLogDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), fmt.Sprintf("synclog_test_%d.db", time.Now().UnixNano()))
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
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func TestAppendSyncLog_AndStats(t *testing.T) {
	db := newSyncLogDB(t)
	ctx := context.Background()

	rows := []struct{ status, errMsg string }{
		{"success", ""},
		{"success", ""},
		{"retry", "timeout"},
		{"error", "401 unauthorized"},
	}
	for _, r := range rows {
		if err := AppendSyncLog(ctx, db, "i1", "outbound", "lead", "create", r.status, r.errMsg); err != nil {
			t.Fatalf("AppendSyncLog(%s): %v", r.status, err)
		}
	}
	// Another integration's rows never leak into the stats.
	if err := AppendSyncLog(ctx, db, "i2", "outbound", "lead", "create", "error", "x"); err != nil {
		t.Fatalf("AppendSyncLog: %v", err)
	}

	stats, err := IntegrationSyncStats(ctx, db, "i1", time.Now().UTC().Add(-time.Hour))
	if err != nil {
		t.Fatalf("IntegrationSyncStats: %v", err)
	}
	if stats.Total != 4 || stats.Success != 2 || stats.Errors != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	// A cutoff in the future sees nothing.
	stats, err = IntegrationSyncStats(ctx, db, "i1", time.Now().UTC().Add(time.Hour))
	if err != nil || stats.Total != 0 {
		t.Fatalf("expected empty stats, got %+v, %v", stats, err)
	}
}

func TestListSyncLogsPage_NewestFirst(t *testing.T) {
	db := newSyncLogDB(t)
	ctx := context.Background()

	old := domain.SyncLog{ID: "l1", IntegrationID: "i1", Direction: "outbound", EntityType: "lead", Action: "create", Status: "success", CreatedAt: time.Now().UTC().Add(-time.Hour)}
	recent := domain.SyncLog{ID: "l2", IntegrationID: "i1", Direction: "inbound", EntityType: "message", Action: "create", Status: "success", CreatedAt: time.Now().UTC()}
	if err := db.Create(&old).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := db.Create(&recent).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}

	page, err := ListSyncLogsPage(ctx, db, "i1", 0, 10)
	if err != nil {
		t.Fatalf("ListSyncLogsPage: %v", err)
	}
	if len(page) != 2 || page[0].ID != "l2" || page[1].ID != "l1" {
		t.Fatalf("unexpected order: %+v", page)
	}

	page, err = ListSyncLogsPage(ctx, db, "i1", 1, 1)
	if err != nil || len(page) != 1 || page[0].ID != "l1" {
		t.Fatalf("pagination broken: %+v, %v", page, err)
	}
}
