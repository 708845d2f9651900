// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the append-only sync audit log and the
// aggregate queries derived from it.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-crm-bridge/internal/domain"
)

// AppendSyncLog inserts one audit row. Rows are never updated or deleted.
func AppendSyncLog(ctx context.Context, db *gorm.DB, integrationID, direction, entityType, action, status, errMsg string) error {
	rec := &domain.SyncLog{
		ID:            uuid.NewString(),
		IntegrationID: integrationID,
		Direction:     direction,
		EntityType:    entityType,
		Action:        action,
		Status:        status,
		ErrorMessage:  errMsg,
		CreatedAt:     time.Now().UTC(),
	}
	return db.WithContext(ctx).Create(rec).Error
}

// SyncStats summarizes sync activity for one integration since a point in
// time.
type SyncStats struct {
	Total   int64 `json:"total"`
	Errors  int64 `json:"errors"`
	Success int64 `json:"success"`
}

// IntegrationSyncStats returns attempt/error totals for an integration
// since the given time. Retried attempts count toward Total but neither
// bucket; only their terminal outcome lands in Success or Errors.
func IntegrationSyncStats(ctx context.Context, db *gorm.DB, integrationID string, since time.Time) (SyncStats, error) {
	var stats SyncStats
	base := func() *gorm.DB {
		return db.WithContext(ctx).
			Model(&domain.SyncLog{}).
			Where("integration_id = ? AND created_at >= ?", integrationID, since)
	}
	if err := base().Count(&stats.Total).Error; err != nil {
		return stats, err
	}
	if stats.Total == 0 {
		return stats, nil
	}
	if err := base().Where("status = ?", "error").Count(&stats.Errors).Error; err != nil {
		return stats, err
	}
	if err := base().Where("status = ?", "success").Count(&stats.Success).Error; err != nil {
		return stats, err
	}
	return stats, nil
}

// ListSyncLogsPage returns a page of audit rows for an integration, newest
// first.
func ListSyncLogsPage(ctx context.Context, db *gorm.DB, integrationID string, offset, limit int) ([]domain.SyncLog, error) {
	var out []domain.SyncLog
	err := db.WithContext(ctx).
		Where("integration_id = ?", integrationID).
		Order("created_at DESC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}
