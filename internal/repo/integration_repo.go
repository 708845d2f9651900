// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for CRM
// integrations and the bot↔integration pivot, including the atomic
// failure-count accounting behind the sync circuit breaker.
package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-crm-bridge/internal/domain"
)

// BotIntegration pairs a pivot row with its loaded integration. Sync only
// runs when both sides are active; callers still check the per-operation
// pivot toggles (CreateLeads, SyncConversations, ...).
type BotIntegration struct {
	Pivot       domain.BotCrmIntegration
	Integration domain.CrmIntegration
}

// GetIntegration fetches an integration by ID, or ErrNotFound.
func GetIntegration(ctx context.Context, db *gorm.DB, id string) (*domain.CrmIntegration, error) {
	var in domain.CrmIntegration
	err := db.WithContext(ctx).Where("id = ?", id).First(&in).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &in, nil
}

// ActiveIntegrationsForBot returns every integration attached to the bot
// where both the integration and the pivot row are active.
func ActiveIntegrationsForBot(ctx context.Context, db *gorm.DB, botID string) ([]BotIntegration, error) {
	var pivots []domain.BotCrmIntegration
	err := db.WithContext(ctx).
		Where("bot_id = ? AND is_active = ?", botID, true).
		Find(&pivots).Error
	if err != nil {
		return nil, err
	}
	out := make([]BotIntegration, 0, len(pivots))
	for _, p := range pivots {
		var in domain.CrmIntegration
		err := db.WithContext(ctx).
			Where("id = ? AND is_active = ?", p.IntegrationID, true).
			First(&in).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, BotIntegration{Pivot: p, Integration: in})
	}
	return out, nil
}

// ListActiveIntegrations returns all active integrations. Used by the
// scheduled export and statistics jobs.
func ListActiveIntegrations(ctx context.Context, db *gorm.DB) ([]domain.CrmIntegration, error) {
	var out []domain.CrmIntegration
	err := db.WithContext(ctx).
		Where("is_active = ?", true).
		Find(&out).Error
	return out, err
}

// RecordSyncSuccess resets the consecutive-failure counter and stamps the
// last successful sync time.
func RecordSyncSuccess(ctx context.Context, db *gorm.DB, integrationID string) error {
	now := time.Now().UTC()
	return db.WithContext(ctx).
		Model(&domain.CrmIntegration{}).
		Where("id = ?", integrationID).
		Updates(map[string]any{
			"failure_count": 0,
			"last_sync_at":  &now,
			"sync_status":   "ok",
		}).Error
}

// RecordSyncFailure increments the consecutive-failure counter atomically
// and, when the counter reaches threshold, deactivates the integration.
//
// The increment is a single UPDATE with a SQL expression, so two concurrent
// failures cannot read the same stale count. Deactivation is guarded by
// "is_active = true" so exactly one caller observes the flip; that caller
// (and only that caller) gets tripped=true and should raise CrmSyncFailed.
func RecordSyncFailure(ctx context.Context, db *gorm.DB, integrationID, errMsg string, threshold int) (tripped bool, failures int, err error) {
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&domain.CrmIntegration{}).
			Where("id = ?", integrationID).
			Updates(map[string]any{
				"failure_count": gorm.Expr("failure_count + 1"),
				"sync_status":   errMsg,
			}).Error; err != nil {
			return err
		}
		var in domain.CrmIntegration
		if err := tx.Where("id = ?", integrationID).First(&in).Error; err != nil {
			return err
		}
		failures = in.FailureCount
		if failures < threshold || !in.IsActive {
			return nil
		}
		res := tx.Model(&domain.CrmIntegration{}).
			Where("id = ? AND is_active = ?", integrationID, true).
			Update("is_active", false)
		if res.Error != nil {
			return res.Error
		}
		tripped = res.RowsAffected == 1
		return nil
	})
	return tripped, failures, err
}

// ReactivateIntegration clears the breaker state after manual operator
// intervention.
func ReactivateIntegration(ctx context.Context, db *gorm.DB, integrationID string) error {
	res := db.WithContext(ctx).
		Model(&domain.CrmIntegration{}).
		Where("id = ?", integrationID).
		Updates(map[string]any{
			"is_active":     true,
			"failure_count": 0,
			"sync_status":   "reactivated",
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
