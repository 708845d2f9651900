// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Message
// model. Messages are immutable after creation; there are no update helpers.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-crm-bridge/internal/domain"
)

// CreateMessage inserts a new message row. Metadata and responseTime may be
// nil. CreatedAt is set to UTC.
func CreateMessage(ctx context.Context, db *gorm.DB, conversationID, role, content string, metadata domain.JSONMap, responseTime *float64) (*domain.Message, error) {
	m := &domain.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Metadata:       metadata,
		ResponseTime:   responseTime,
		CreatedAt:      time.Now().UTC(),
	}
	return m, db.WithContext(ctx).Create(m).Error
}

// GetMessage fetches a message by ID, or ErrNotFound.
func GetMessage(ctx context.Context, db *gorm.DB, id string) (*domain.Message, error) {
	var m domain.Message
	if err := db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMessagesPage returns a paginated slice ordered (CreatedAt ASC, ID ASC)
// so transcripts render in ingestion order.
func ListMessagesPage(ctx context.Context, db *gorm.DB, conversationID string, offset, limit int) ([]domain.Message, error) {
	var out []domain.Message
	err := db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC, id ASC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// CountMessages returns the number of messages within a conversation.
func CountMessages(ctx context.Context, db *gorm.DB, conversationID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.Message{}).
		Where("conversation_id = ?", conversationID).
		Count(&total).Error
	return total, err
}

// HasUserMessages reports whether the conversation already contains at least
// one user-role message. Used for first-message welcome detection.
func HasUserMessages(ctx context.Context, db *gorm.DB, conversationID string) (bool, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.Message{}).
		Where("conversation_id = ? AND role = ?", conversationID, domain.RoleUser).
		Count(&total).Error
	return total > 0, err
}

// ListMessagesSince returns user/assistant messages created after the given
// time, oldest first. Used by the scheduled export job.
func ListMessagesSince(ctx context.Context, db *gorm.DB, conversationID string, since time.Time) ([]domain.Message, error) {
	var out []domain.Message
	err := db.WithContext(ctx).
		Where("conversation_id = ? AND created_at > ? AND role IN ?", conversationID, since, []string{domain.RoleUser, domain.RoleAssistant}).
		Order("created_at ASC, id ASC").
		Find(&out).Error
	return out, err
}
