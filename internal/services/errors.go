// Package services implements the business logic of the bridge:
// conversation lifecycle, bot dispatch, operator takeover and CRM
// synchronization. This file centralizes common service-level error
// values so they can be consistently returned by service methods and
// checked by callers.
//
// Translation into HTTP status codes is performed at the handler layer.
package services

import "errors"

var (
	// ErrBotNotFound indicates the referenced bot does not exist or is
	// deactivated.
	ErrBotNotFound = errors.New("bot not found")

	// ErrChannelNotFound indicates the referenced channel does not
	// exist or does not belong to the bot.
	ErrChannelNotFound = errors.New("channel not found")

	// ErrConversationNotFound indicates the requested conversation does
	// not exist.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrConversationClosed is returned when a message arrives for a
	// conversation that has already been closed.
	ErrConversationClosed = errors.New("conversation is closed")

	// ErrEmptyMessage is returned when an inbound update carries no
	// usable text.
	ErrEmptyMessage = errors.New("message is empty")

	// ErrIntegrationNotFound indicates the CRM integration does not
	// exist.
	ErrIntegrationNotFound = errors.New("integration not found")

	// ErrIntegrationInactive is returned when work is requested against
	// a deactivated integration, typically one tripped by repeated
	// failures.
	ErrIntegrationInactive = errors.New("integration is deactivated")
)
