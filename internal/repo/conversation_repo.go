// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// Conversation model.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations.
// They follow the "thin repository" approach: no business logic, only CRUD
// persistence and query composition. The find-or-create invariant (at most
// one active conversation per (bot, channel, external_id)) is enforced by
// the conversation service, which serializes callers per conversation key
// before invoking these helpers.
//
// Error semantics:
//   - When a conversation is not found, functions return
//     gorm.ErrRecordNotFound (also exported here as ErrNotFound).
//   - On DB errors the raw gorm error is propagated.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-crm-bridge/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// FindActiveConversation returns the open (non-closed) conversation for the
// (bot, channel, external id) triple, or ErrNotFound.
func FindActiveConversation(ctx context.Context, db *gorm.DB, botID, channelID, externalID string) (*domain.Conversation, error) {
	var c domain.Conversation
	err := db.WithContext(ctx).
		Where("bot_id = ? AND channel_id = ? AND external_id = ? AND status <> ?",
			botID, channelID, externalID, domain.ConversationClosed).
		Order("created_at DESC").
		First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// CreateConversation inserts a new active conversation row for the triple.
func CreateConversation(ctx context.Context, db *gorm.DB, botID, channelID, externalID string) (*domain.Conversation, error) {
	c := &domain.Conversation{
		ID:         uuid.NewString(),
		BotID:      botID,
		ChannelID:  channelID,
		ExternalID: externalID,
		Status:     domain.ConversationActive,
		Metadata:   domain.JSONMap{},
		CreatedAt:  time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(c).Error; err != nil {
		return nil, err
	}
	return c, nil
}

// GetConversation fetches a conversation by ID, or ErrNotFound.
func GetConversation(ctx context.Context, db *gorm.DB, id string) (*domain.Conversation, error) {
	var c domain.Conversation
	err := db.WithContext(ctx).Where("id = ?", id).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// UpdateConversationStatus transitions a conversation to the given status.
// Transitioning to closed also stamps ClosedAt. Returns ErrNotFound when no
// row matched.
func UpdateConversationStatus(ctx context.Context, db *gorm.DB, id, status string) error {
	updates := map[string]any{"status": status}
	if status == domain.ConversationClosed {
		now := time.Now().UTC()
		updates["closed_at"] = &now
	}
	res := db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("id = ?", id).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateConversationContact patches non-empty contact fields and returns the
// names of the fields that actually changed. Empty inputs leave the stored
// value untouched.
func UpdateConversationContact(ctx context.Context, db *gorm.DB, id, name, email, phone string) ([]string, error) {
	c, err := GetConversation(ctx, db, id)
	if err != nil {
		return nil, err
	}
	updates := map[string]any{}
	var changed []string
	if name != "" && name != c.UserName {
		updates["user_name"] = name
		changed = append(changed, "user_name")
	}
	if email != "" && email != c.UserEmail {
		updates["user_email"] = email
		changed = append(changed, "user_email")
	}
	if phone != "" && phone != c.UserPhone {
		updates["user_phone"] = phone
		changed = append(changed, "user_phone")
	}
	if len(updates) == 0 {
		return nil, nil
	}
	err = db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("id = ?", id).
		Updates(updates).Error
	if err != nil {
		return nil, err
	}
	return changed, nil
}

// SetConversationMetadata merges the given keys into the conversation
// metadata map. Existing keys not present in patch are preserved.
func SetConversationMetadata(ctx context.Context, db *gorm.DB, id string, patch domain.JSONMap) error {
	c, err := GetConversation(ctx, db, id)
	if err != nil {
		return err
	}
	meta := c.Metadata
	if meta == nil {
		meta = domain.JSONMap{}
	}
	for k, v := range patch {
		meta[k] = v
	}
	return db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("id = ?", id).
		Update("metadata", meta).Error
}

// SetConversationCrmRef records the primary CRM cross-reference of the given
// kind ("lead", "deal", "contact") on the conversation row.
func SetConversationCrmRef(ctx context.Context, db *gorm.DB, id, kind, externalID string) error {
	var column string
	switch kind {
	case "lead":
		column = "crm_lead_id"
	case "deal":
		column = "crm_deal_id"
	case "contact":
		column = "crm_contact_id"
	default:
		return errors.New("unknown crm ref kind: " + kind)
	}
	return db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("id = ?", id).
		Update(column, externalID).Error
}

// TouchConversationMessage bumps the message counter and last-message
// timestamp after a message is persisted.
func TouchConversationMessage(ctx context.Context, db *gorm.DB, id string, at time.Time) error {
	return db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"message_count":   gorm.Expr("message_count + 1"),
			"last_message_at": at,
		}).Error
}

// AddConversationTokens adds to the running token-usage counter.
func AddConversationTokens(ctx context.Context, db *gorm.DB, id string, tokens int) error {
	if tokens <= 0 {
		return nil
	}
	return db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("id = ?", id).
		Update("tokens_used", gorm.Expr("tokens_used + ?", tokens)).Error
}

// CountConversations returns the total conversations for a bot.
func CountConversations(ctx context.Context, db *gorm.DB, botID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("bot_id = ?", botID).
		Count(&total).Error
	return total, err
}

// ListConversationsPage returns a paginated slice of conversations for a
// bot, most recent activity first.
func ListConversationsPage(ctx context.Context, db *gorm.DB, botID string, offset, limit int) ([]domain.Conversation, error) {
	var out []domain.Conversation
	err := db.WithContext(ctx).
		Where("bot_id = ?", botID).
		Order("last_message_at DESC, created_at DESC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// ListUnsyncedConversations returns conversations of bots wired to the given
// integration that have no conversation mapping in the sync entity registry
// yet, oldest first, bounded by limit. Used by the scheduled export job; an
// empty result makes the job a no-op.
func ListUnsyncedConversations(ctx context.Context, db *gorm.DB, integrationID string, limit int) ([]domain.Conversation, error) {
	var out []domain.Conversation
	err := db.WithContext(ctx).
		Where("bot_id IN (?)",
			db.Session(&gorm.Session{NewDB: true}).
				Model(&domain.BotCrmIntegration{}).
				Select("bot_id").
				Where("integration_id = ? AND is_active = ?", integrationID, true),
		).
		Where("id NOT IN (?)",
			db.Session(&gorm.Session{NewDB: true}).
				Model(&domain.SyncEntity{}).
				Select("internal_id").
				Where("integration_id = ? AND entity_type = ?", integrationID, "conversation"),
		).
		Order("created_at ASC").
		Limit(limit).
		Find(&out).Error
	return out, err
}
