// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the sync entity registry: the mapping
// from internal entities to the external CRM records they were synced to.
//
// The registry is what makes outbound sync idempotent: every create is
// preceded by a resolve, and the unique index over (integration_id,
// entity_type, internal_id) catches the race where two workers pass the
// resolve simultaneously. On that race, the loser downgrades to an update
// of the existing row (last-writer-wins on external id and payload hash).
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-crm-bridge/internal/domain"
)

// ErrDuplicate indicates a uniqueness violation on insert.
var ErrDuplicate = errors.New("duplicate")

// isUniqueViolation matches the unique-constraint error shapes produced by
// glebarez/sqlite, which often surface as plain-text errors.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique")
}

// ResolveSyncEntity returns the registry row for (integration, entityType,
// internalID), or ErrNotFound when the entity was never synced.
func ResolveSyncEntity(ctx context.Context, db *gorm.DB, integrationID, entityType, internalID string) (*domain.SyncEntity, error) {
	var se domain.SyncEntity
	err := db.WithContext(ctx).
		Where("integration_id = ? AND entity_type = ? AND internal_id = ?", integrationID, entityType, internalID).
		First(&se).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &se, nil
}

// RecordSyncEntity inserts the mapping for a freshly created external
// record. When a concurrent worker already recorded the key, the existing
// row is updated in place instead (duplicate creation in the CRM is
// prevented upstream by resolve-before-create under the conversation lock;
// this fallback only reconciles the registry).
func RecordSyncEntity(ctx context.Context, db *gorm.DB, integrationID, entityType, internalID, externalType, externalID, payloadHash string) (*domain.SyncEntity, error) {
	se := &domain.SyncEntity{
		ID:            uuid.NewString(),
		IntegrationID: integrationID,
		EntityType:    entityType,
		InternalID:    internalID,
		ExternalType:  externalType,
		ExternalID:    externalID,
		PayloadHash:   payloadHash,
		CreatedAt:     time.Now().UTC(),
	}
	err := db.WithContext(ctx).Create(se).Error
	if err == nil {
		return se, nil
	}
	if !isUniqueViolation(err) {
		return nil, err
	}
	err = db.WithContext(ctx).
		Model(&domain.SyncEntity{}).
		Where("integration_id = ? AND entity_type = ? AND internal_id = ?", integrationID, entityType, internalID).
		Updates(map[string]any{
			"external_type": externalType,
			"external_id":   externalID,
			"payload_hash":  payloadHash,
		}).Error
	if err != nil {
		return nil, err
	}
	return ResolveSyncEntity(ctx, db, integrationID, entityType, internalID)
}

// UpdateSyncEntityHash stores the payload hash after a successful update
// sync so identical follow-up payloads can be skipped.
func UpdateSyncEntityHash(ctx context.Context, db *gorm.DB, id, payloadHash string) error {
	return db.WithContext(ctx).
		Model(&domain.SyncEntity{}).
		Where("id = ?", id).
		Update("payload_hash", payloadHash).Error
}

// FindConversationByExternalRef looks up a conversation through the
// registry by the external entity the CRM reported in a webhook.
func FindConversationByExternalRef(ctx context.Context, db *gorm.DB, integrationID, externalType, externalID string) (*domain.Conversation, error) {
	var se domain.SyncEntity
	err := db.WithContext(ctx).
		Where("integration_id = ? AND external_type = ? AND external_id = ?",
			integrationID, externalType, externalID).
		First(&se).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return GetConversation(ctx, db, se.InternalID)
}
