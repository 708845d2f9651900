// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides lookup helpers for bots and channels.
package repo

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/tbourn/go-crm-bridge/internal/domain"
)

// GetBot fetches a bot by ID, or ErrNotFound.
func GetBot(ctx context.Context, db *gorm.DB, id string) (*domain.Bot, error) {
	var b domain.Bot
	err := db.WithContext(ctx).Where("id = ?", id).First(&b).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// GetChannel fetches a channel by ID, or ErrNotFound.
func GetChannel(ctx context.Context, db *gorm.DB, id string) (*domain.Channel, error) {
	var ch domain.Channel
	err := db.WithContext(ctx).Where("id = ?", id).First(&ch).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

// GetChannelByType fetches the bot's channel of the given type, or
// ErrNotFound.
func GetChannelByType(ctx context.Context, db *gorm.DB, botID, channelType string) (*domain.Channel, error) {
	var ch domain.Channel
	err := db.WithContext(ctx).
		Where("bot_id = ? AND type = ?", botID, channelType).
		First(&ch).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ch, nil
}
