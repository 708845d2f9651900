// Package handlers – channel webhooks
//
// This file implements the inbound webhook endpoints for messaging
// channels. Each platform POSTs updates to its channel-specific URL;
// the matching adapter parses the payload and the conversation service
// does the rest.
//
// Status code contract per platform:
//   - VK requires the literal body "ok" with status 200 for every
//     event, including ones we fail to process; anything else makes VK
//     re-send the update indefinitely. Confirmation handshakes echo the
//     channel's confirmation token instead.
//   - WhatsApp Cloud verifies the endpoint with a GET handshake that
//     must echo hub.challenge.
//   - Telegram accepts any 2xx and retries on 5xx.
package handlers

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/tbourn/go-crm-bridge/internal/channels"
	"github.com/tbourn/go-crm-bridge/internal/domain"
	"github.com/tbourn/go-crm-bridge/internal/http/middleware"
	"github.com/tbourn/go-crm-bridge/internal/observability"
	"github.com/tbourn/go-crm-bridge/internal/repo"
	"github.com/tbourn/go-crm-bridge/internal/services"
)

// WebhookHandler serves the channel-facing webhook endpoints.
type WebhookHandler struct {
	DB            *gorm.DB
	Channels      *channels.Registry
	Conversations *services.ConversationService
}

// Receive handles POST /webhooks/channels/:type/:channelID.
func (h *WebhookHandler) Receive(c *gin.Context) {
	channelType := strings.ToLower(c.Param("type"))
	ch, bot, ok := h.resolve(c, channelType)
	if !ok {
		return
	}

	adapter, err := h.Channels.Get(channelType)
	if err != nil {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "unknown channel type")
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		h.respondError(c, channelType, http.StatusBadRequest, ErrCodeBadPayload, "unreadable body")
		return
	}

	in, err := adapter.ParseInbound(c.Request.Context(), ch, body, c.Request.Header)
	if err != nil {
		observability.CountWebhookEvent(channelType, "error")
		middleware.LoggerFrom(c).Warn().Err(err).Str("channel", ch.ID).Msg("webhook parse failed")
		h.respondError(c, channelType, http.StatusBadRequest, ErrCodeBadPayload, "malformed payload")
		return
	}
	observability.CountWebhookEvent(channelType, in.Kind)

	switch in.Kind {
	case channels.KindChallenge:
		contentType := in.ChallengeContentType
		if contentType == "" {
			contentType = "text/plain"
		}
		c.Data(http.StatusOK, contentType, []byte(in.Challenge))
	case channels.KindNoop:
		h.respondOK(c, channelType)
	case channels.KindMessage:
		if _, err := h.Conversations.HandleInbound(c.Request.Context(), bot, ch, in); err != nil {
			middleware.LoggerFrom(c).Error().Err(err).Str("channel", ch.ID).Msg("inbound handling failed")
			h.respondError(c, channelType, http.StatusInternalServerError, ErrCodeInternal, "processing failed")
			return
		}
		h.respondOK(c, channelType)
	default:
		h.respondOK(c, channelType)
	}
}

// Verify handles GET /webhooks/channels/whatsapp/:channelID, the
// WhatsApp Cloud endpoint verification handshake.
func (h *WebhookHandler) Verify(c *gin.Context) {
	ch, _, ok := h.resolve(c, domain.ChannelWhatsApp)
	if !ok {
		return
	}
	wa, err := h.Channels.Get(domain.ChannelWhatsApp)
	if err != nil {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "whatsapp adapter not configured")
		return
	}
	verifier, okCast := wa.(*channels.WhatsApp)
	if !okCast {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "whatsapp adapter not configured")
		return
	}
	challenge, verified := verifier.VerifyChallenge(ch,
		c.Query("hub.mode"),
		c.Query("hub.verify_token"),
		c.Query("hub.challenge"),
	)
	if !verified {
		fail(c, http.StatusForbidden, ErrCodeForbidden, "verification failed")
		return
	}
	c.String(http.StatusOK, challenge)
}

// resolve loads the channel and its bot, enforcing that the channel's
// stored type matches the URL. Errors are written in the channel's own
// status contract.
func (h *WebhookHandler) resolve(c *gin.Context, channelType string) (*domain.Channel, *domain.Bot, bool) {
	ch, err := repo.GetChannel(c.Request.Context(), h.DB, c.Param("channelID"))
	if err != nil || !strings.EqualFold(ch.Type, channelType) {
		h.respondError(c, channelType, http.StatusNotFound, ErrCodeNotFound, "channel not found")
		return nil, nil, false
	}
	bot, err := repo.GetBot(c.Request.Context(), h.DB, ch.BotID)
	if err != nil || !bot.IsActive {
		h.respondError(c, channelType, http.StatusNotFound, ErrCodeNotFound, "bot not found")
		return nil, nil, false
	}
	return ch, bot, true
}

// respondOK writes the success body the platform expects.
func (h *WebhookHandler) respondOK(c *gin.Context, channelType string) {
	if channelType == domain.ChannelVK {
		c.String(http.StatusOK, "ok")
		return
	}
	ok(c, http.StatusOK, gin.H{"status": "ok"})
}

// respondError converts a processing failure into the platform's
// expected shape. VK always gets 200 "ok" so it stops re-sending.
func (h *WebhookHandler) respondError(c *gin.Context, channelType string, status int, code, msg string) {
	if channelType == domain.ChannelVK {
		c.String(http.StatusOK, "ok")
		return
	}
	fail(c, status, code, msg)
}
