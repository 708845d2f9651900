// Package services – ConversationService
//
// This file implements the ConversationService, which owns the
// conversation lifecycle: find-or-create on inbound webhooks, command
// handling, assistant dispatch with fallback, operator takeover and
// release, and transcript access for the web widget. All mutations for
// one end user are serialized through a keyed lock on the
// (bot, channel, external id) triple so concurrent webhook retries
// cannot create duplicate active conversations.
//
// Service-level errors (e.g., ErrConversationClosed) are returned for
// predictable cases so handlers can map them to HTTP results
// consistently.
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-crm-bridge/internal/ai"
	"github.com/tbourn/go-crm-bridge/internal/channels"
	"github.com/tbourn/go-crm-bridge/internal/domain"
	"github.com/tbourn/go-crm-bridge/internal/repo"
	"github.com/tbourn/go-crm-bridge/internal/utils"
)

// historyWindow caps how many prior messages are replayed to the model.
const historyWindow = 20

// ConversationRepo defines the repository contract required by
// ConversationService.
type ConversationRepo interface {
	FindActiveConversation(ctx context.Context, db *gorm.DB, botID, channelID, externalID string) (*domain.Conversation, error)
	CreateConversation(ctx context.Context, db *gorm.DB, botID, channelID, externalID string) (*domain.Conversation, error)
	GetConversation(ctx context.Context, db *gorm.DB, id string) (*domain.Conversation, error)
	UpdateConversationStatus(ctx context.Context, db *gorm.DB, id, status string) error
	UpdateConversationContact(ctx context.Context, db *gorm.DB, id, name, email, phone string) ([]string, error)
	TouchConversationMessage(ctx context.Context, db *gorm.DB, id string, at time.Time) error
	AddConversationTokens(ctx context.Context, db *gorm.DB, id string, tokens int) error
	CreateMessage(ctx context.Context, db *gorm.DB, conversationID, role, content string, metadata domain.JSONMap, responseTime *float64) (*domain.Message, error)
	CountMessages(ctx context.Context, db *gorm.DB, conversationID string) (int64, error)
	ListMessagesPage(ctx context.Context, db *gorm.DB, conversationID string, offset, limit int) ([]domain.Message, error)
}

// ConversationService coordinates inbound message handling across the
// channel adapters, the assistant and the event dispatcher.
type ConversationService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Repo is the conversation repository used by this service.
	Repo ConversationRepo
	// Channels resolves outbound delivery per channel type.
	Channels *channels.Registry
	// AI generates assistant replies; nil disables the assistant.
	AI ai.Responder
	// Events receives domain events after each persisted change.
	Events *Dispatcher
	// Locks serializes handling per end user.
	Locks *utils.KeyedLock

	// Fallback is sent when the assistant fails or returns nothing.
	Fallback string
}

// NewConversationService constructs a ConversationService.
func NewConversationService(db *gorm.DB, r ConversationRepo, reg *channels.Registry, responder ai.Responder, events *Dispatcher, fallback string) *ConversationService {
	if fallback == "" {
		fallback = "Sorry, I could not process that right now. Please try again in a moment."
	}
	return &ConversationService{
		DB:       db,
		Repo:     r,
		Channels: reg,
		AI:       responder,
		Events:   events,
		Locks:    utils.NewKeyedLock(),
		Fallback: fallback,
	}
}

// InboundResult reports what HandleInbound did with one update.
type InboundResult struct {
	Conversation *domain.Conversation
	UserMessage  *domain.Message
	Reply        *domain.Message // nil when no automatic reply was produced
	Created      bool
}

// HandleInbound ingests one parsed channel update. It finds or creates
// the active conversation for the sender, persists the user message,
// resolves commands, and unless an operator holds the conversation asks
// the assistant for a reply and delivers it back through the channel.
func (s *ConversationService) HandleInbound(ctx context.Context, bot *domain.Bot, ch *domain.Channel, in *channels.Inbound) (*InboundResult, error) {
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return nil, ErrEmptyMessage
	}

	key := ch.ID + ":" + in.ExternalID
	s.Locks.Lock(key)
	defer s.Locks.Unlock(key)

	conv, created, err := s.findOrCreate(ctx, bot, ch, in.ExternalID)
	if err != nil {
		return nil, err
	}
	res := &InboundResult{Conversation: conv, Created: created}

	if changed, err := s.Repo.UpdateConversationContact(ctx, s.DB, conv.ID, in.DisplayName, in.Email, in.Phone); err == nil && len(changed) > 0 {
		conv, _ = s.Repo.GetConversation(ctx, s.DB, conv.ID)
		res.Conversation = conv
		s.Events.Dispatch(ctx, domain.ConversationUpdated{Conversation: *conv, ChangedFields: changed, At: time.Now().UTC()})
	}

	meta := domain.JSONMap{}
	if in.ChannelMessageID != "" {
		meta["channel_message_id"] = in.ChannelMessageID
	}
	userMsg, err := s.Repo.CreateMessage(ctx, s.DB, conv.ID, domain.RoleUser, text, meta, nil)
	if err != nil {
		return nil, err
	}
	_ = s.Repo.TouchConversationMessage(ctx, s.DB, conv.ID, userMsg.CreatedAt)
	res.UserMessage = userMsg
	s.Events.Dispatch(ctx, domain.MessageCreated{Message: *userMsg, Conversation: *conv, At: time.Now().UTC()})

	if cmd, ok := channels.ParseCommand(text); ok {
		reply, err := s.handleCommand(ctx, bot, ch, conv, in.ExternalID, cmd)
		res.Reply = reply
		return res, err
	}

	if conv.Status == domain.ConversationWaitingOperator {
		// An operator holds the conversation; store only, no bot reply.
		return res, nil
	}

	reply, err := s.respond(ctx, bot, ch, conv, in.ExternalID)
	if err != nil {
		return res, err
	}
	res.Reply = reply
	return res, nil
}

// findOrCreate returns the newest non-closed conversation for the
// triple, creating one when none exists. On creation the bot's welcome
// message is stored and delivered before the user's text is answered.
func (s *ConversationService) findOrCreate(ctx context.Context, bot *domain.Bot, ch *domain.Channel, externalID string) (*domain.Conversation, bool, error) {
	conv, err := s.Repo.FindActiveConversation(ctx, s.DB, bot.ID, ch.ID, externalID)
	if err == nil {
		return conv, false, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, false, err
	}

	conv, err = s.Repo.CreateConversation(ctx, s.DB, bot.ID, ch.ID, externalID)
	if err != nil {
		return nil, false, err
	}
	s.Events.Dispatch(ctx, domain.ConversationCreated{Conversation: *conv, At: time.Now().UTC()})

	if bot.WelcomeMessage != "" {
		if err := s.sendWelcome(ctx, bot, ch, conv, externalID); err != nil {
			log.Warn().Err(err).Str("conversation", conv.ID).Msg("welcome delivery failed")
		}
	}
	return conv, true, nil
}

func (s *ConversationService) sendWelcome(ctx context.Context, bot *domain.Bot, ch *domain.Channel, conv *domain.Conversation, externalID string) error {
	msg, err := s.Repo.CreateMessage(ctx, s.DB, conv.ID, domain.RoleAssistant, bot.WelcomeMessage, domain.JSONMap{"is_welcome": true}, nil)
	if err != nil {
		return err
	}
	_ = s.Repo.TouchConversationMessage(ctx, s.DB, conv.ID, msg.CreatedAt)
	return s.deliver(ctx, ch, externalID, bot.WelcomeMessage)
}

// handleCommand resolves one slash command. The user message is already
// persisted; the command only selects the automatic reply and any state
// transition.
func (s *ConversationService) handleCommand(ctx context.Context, bot *domain.Bot, ch *domain.Channel, conv *domain.Conversation, externalID, cmd string) (*domain.Message, error) {
	switch cmd {
	case channels.CommandStart:
		text := bot.WelcomeMessage
		if text == "" {
			text = channels.HelpText
		}
		return s.reply(ctx, ch, conv, externalID, text, nil)
	case channels.CommandHelp:
		return s.reply(ctx, ch, conv, externalID, channels.HelpText, nil)
	case channels.CommandReset:
		if err := s.Repo.UpdateConversationStatus(ctx, s.DB, conv.ID, domain.ConversationClosed); err != nil {
			return nil, err
		}
		s.dispatchStatusChange(ctx, conv.ID)
		return s.reply(ctx, ch, conv, externalID, "Conversation closed. Send any message to start over.", nil)
	case channels.CommandContact:
		if err := s.Repo.UpdateConversationStatus(ctx, s.DB, conv.ID, domain.ConversationWaitingOperator); err != nil {
			return nil, err
		}
		s.dispatchStatusChange(ctx, conv.ID)
		return s.reply(ctx, ch, conv, externalID, "Got it, a human operator will join this conversation shortly.", nil)
	default:
		return s.reply(ctx, ch, conv, externalID, channels.HelpText, nil)
	}
}

// respond asks the assistant for one reply, degrading to the fallback
// text when the model is unavailable.
func (s *ConversationService) respond(ctx context.Context, bot *domain.Bot, ch *domain.Channel, conv *domain.Conversation, externalID string) (*domain.Message, error) {
	history, err := s.history(ctx, conv.ID)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	text := s.Fallback
	tokens := 0
	meta := domain.JSONMap{}
	if s.AI != nil {
		out, err := s.AI.Respond(ctx, bot, history)
		if err != nil {
			log.Error().Err(err).Str("conversation", conv.ID).Msg("assistant failed, sending fallback")
			meta["is_fallback"] = true
		} else {
			text = out.Text
			tokens = out.TokensUsed
		}
	} else {
		meta["is_fallback"] = true
	}
	elapsed := time.Since(started).Seconds()

	msg, err := s.reply(ctx, ch, conv, externalID, text, &elapsed)
	if err != nil {
		return nil, err
	}
	if len(meta) > 0 {
		msg.Metadata = meta
		_ = s.DB.WithContext(ctx).Model(&domain.Message{}).Where("id = ?", msg.ID).Update("metadata", meta).Error
	}
	if tokens > 0 {
		_ = s.Repo.AddConversationTokens(ctx, s.DB, conv.ID, tokens)
	}
	return msg, nil
}

// reply persists an assistant message, delivers it and dispatches the
// message event. Delivery failures are logged, not returned: the
// transcript row is the source of truth and the widget path has no
// push delivery at all.
func (s *ConversationService) reply(ctx context.Context, ch *domain.Channel, conv *domain.Conversation, externalID, text string, responseTime *float64) (*domain.Message, error) {
	msg, err := s.Repo.CreateMessage(ctx, s.DB, conv.ID, domain.RoleAssistant, text, nil, responseTime)
	if err != nil {
		return nil, err
	}
	_ = s.Repo.TouchConversationMessage(ctx, s.DB, conv.ID, msg.CreatedAt)
	s.Events.Dispatch(ctx, domain.MessageCreated{Message: *msg, Conversation: *conv, At: time.Now().UTC()})

	if err := s.deliver(ctx, ch, externalID, text); err != nil {
		log.Warn().Err(err).Str("conversation", conv.ID).Str("channel", ch.Type).Msg("outbound delivery failed")
	}
	return msg, nil
}

func (s *ConversationService) deliver(ctx context.Context, ch *domain.Channel, externalID, text string) error {
	adapter, err := s.Channels.Get(ch.Type)
	if err != nil {
		return err
	}
	_, err = adapter.Deliver(ctx, ch, externalID, text)
	return err
}

// history loads the trailing window of the transcript oldest first.
func (s *ConversationService) history(ctx context.Context, conversationID string) ([]domain.Message, error) {
	total, err := s.Repo.CountMessages(ctx, s.DB, conversationID)
	if err != nil {
		return nil, err
	}
	offset := 0
	if total > historyWindow {
		offset = int(total) - historyWindow
	}
	return s.Repo.ListMessagesPage(ctx, s.DB, conversationID, offset, historyWindow)
}

// HandleOperatorMessage ingests an operator reply arriving from a CRM
// webhook. The message is tagged with the originating provider so the
// sync orchestrator never echoes it back, and the conversation moves to
// operator hold so the bot stays silent.
func (s *ConversationService) HandleOperatorMessage(ctx context.Context, provider string, conv *domain.Conversation, operatorName, text string) (*domain.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}
	if conv.Status == domain.ConversationClosed {
		return nil, ErrConversationClosed
	}

	meta := domain.JSONMap{"from_" + provider: true}
	if operatorName != "" {
		meta["operator_name"] = operatorName
	}
	msg, err := s.Repo.CreateMessage(ctx, s.DB, conv.ID, domain.RoleOperator, text, meta, nil)
	if err != nil {
		return nil, err
	}
	_ = s.Repo.TouchConversationMessage(ctx, s.DB, conv.ID, msg.CreatedAt)

	if conv.Status != domain.ConversationWaitingOperator {
		if err := s.Repo.UpdateConversationStatus(ctx, s.DB, conv.ID, domain.ConversationWaitingOperator); err != nil {
			return nil, err
		}
		s.dispatchStatusChange(ctx, conv.ID)
	}
	s.Events.Dispatch(ctx, domain.MessageCreated{Message: *msg, Conversation: *conv, At: time.Now().UTC()})

	ch, err := repo.GetChannel(ctx, s.DB, conv.ChannelID)
	if err != nil {
		return msg, fmt.Errorf("%w: channel lookup for operator delivery", ErrChannelNotFound)
	}
	if err := s.deliver(ctx, ch, conv.ExternalID, text); err != nil {
		log.Warn().Err(err).Str("conversation", conv.ID).Msg("operator message delivery failed")
	}
	return msg, nil
}

// Takeover puts the conversation on operator hold.
func (s *ConversationService) Takeover(ctx context.Context, conversationID string) error {
	return s.transition(ctx, conversationID, domain.ConversationWaitingOperator)
}

// Release hands the conversation back to the bot.
func (s *ConversationService) Release(ctx context.Context, conversationID string) error {
	return s.transition(ctx, conversationID, domain.ConversationActive)
}

// Close ends the conversation. A later message from the same user
// starts a fresh one.
func (s *ConversationService) Close(ctx context.Context, conversationID string) error {
	return s.transition(ctx, conversationID, domain.ConversationClosed)
}

func (s *ConversationService) transition(ctx context.Context, conversationID, status string) error {
	if err := s.Repo.UpdateConversationStatus(ctx, s.DB, conversationID, status); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrConversationNotFound
		}
		return err
	}
	s.dispatchStatusChange(ctx, conversationID)
	return nil
}

func (s *ConversationService) dispatchStatusChange(ctx context.Context, conversationID string) {
	conv, err := s.Repo.GetConversation(ctx, s.DB, conversationID)
	if err != nil {
		return
	}
	s.Events.Dispatch(ctx, domain.ConversationUpdated{Conversation: *conv, ChangedFields: []string{"status"}, At: time.Now().UTC()})
}

// Transcript returns one page of a conversation's messages for the
// widget poll endpoint, oldest first.
func (s *ConversationService) Transcript(ctx context.Context, conversationID string, page, pageSize int) ([]domain.Message, int64, error) {
	if _, err := s.Repo.GetConversation(ctx, s.DB, conversationID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, 0, ErrConversationNotFound
		}
		return nil, 0, err
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 200 {
		pageSize = 50
	}
	total, err := s.Repo.CountMessages(ctx, s.DB, conversationID)
	if err != nil {
		return nil, 0, err
	}
	msgs, err := s.Repo.ListMessagesPage(ctx, s.DB, conversationID, (page-1)*pageSize, pageSize)
	if err != nil {
		return nil, 0, err
	}
	return msgs, total, nil
}
