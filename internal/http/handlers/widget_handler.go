// Package handlers – web widget
//
// This file implements the endpoints behind the embedded chat widget.
// The widget has no push channel: it POSTs visitor messages and polls
// the transcript. Responses therefore include the full reply message so
// a round trip is enough for the common case.
package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/tbourn/go-crm-bridge/internal/channels"
	"github.com/tbourn/go-crm-bridge/internal/domain"
	"github.com/tbourn/go-crm-bridge/internal/http/middleware"
	"github.com/tbourn/go-crm-bridge/internal/repo"
	"github.com/tbourn/go-crm-bridge/internal/services"
)

// WidgetHandler serves the embedded chat widget API.
type WidgetHandler struct {
	DB            *gorm.DB
	Channels      *channels.Registry
	Conversations *services.ConversationService
}

// widgetMessageRequest is the widget's POST body.
type widgetMessageRequest struct {
	VisitorID string `json:"visitor_id" binding:"required"`
	Text      string `json:"text" binding:"required"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
}

// messageView is the transcript item shape returned to the widget.
type messageView struct {
	ID        string  `json:"id"`
	Role      string  `json:"role"`
	Content   string  `json:"content"`
	CreatedAt string  `json:"created_at"`
	Operator  string  `json:"operator_name,omitempty"`
	Welcome   bool    `json:"is_welcome,omitempty"`
	RespTime  float64 `json:"response_time,omitempty"`
}

// Send handles POST /api/v1/widget/:channelID/messages.
func (h *WidgetHandler) Send(c *gin.Context) {
	var req widgetMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "visitor_id and text are required")
		return
	}
	c.Set("visitorID", req.VisitorID)

	ch, bot, okRes := h.resolve(c)
	if !okRes {
		return
	}

	in := &channels.Inbound{
		Kind:        channels.KindMessage,
		ExternalID:  req.VisitorID,
		Text:        req.Text,
		DisplayName: req.Name,
		Email:       req.Email,
		Phone:       req.Phone,
	}
	res, err := h.Conversations.HandleInbound(c.Request.Context(), bot, ch, in)
	if err != nil {
		if errors.Is(err, services.ErrEmptyMessage) {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "text is required")
			return
		}
		middleware.LoggerFrom(c).Error().Err(err).Str("channel", ch.ID).Msg("widget message failed")
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "processing failed")
		return
	}

	body := gin.H{
		"conversation_id": res.Conversation.ID,
		"status":          res.Conversation.Status,
	}
	if res.Reply != nil {
		body["reply"] = toMessageView(*res.Reply)
	}
	ok(c, http.StatusCreated, body)
}

// Transcript handles
// GET /api/v1/widget/:channelID/conversations/:conversationID/messages.
func (h *WidgetHandler) Transcript(c *gin.Context) {
	ch, _, okRes := h.resolve(c)
	if !okRes {
		return
	}

	conversationID := c.Param("conversationID")
	conv, err := repo.GetConversation(c.Request.Context(), h.DB, conversationID)
	if err != nil || conv.ChannelID != ch.ID {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "conversation not found")
		return
	}
	// The widget must prove it owns the conversation.
	if c.Query("visitor_id") != conv.ExternalID {
		fail(c, http.StatusForbidden, ErrCodeForbidden, "visitor mismatch")
		return
	}
	c.Set("visitorID", conv.ExternalID)

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "50"))
	msgs, total, err := h.Conversations.Transcript(c.Request.Context(), conversationID, page, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "transcript unavailable")
		return
	}

	views := make([]messageView, 0, len(msgs))
	for _, m := range msgs {
		views = append(views, toMessageView(m))
	}
	ok(c, http.StatusOK, gin.H{
		"conversation_id": conversationID,
		"status":          conv.Status,
		"total":           total,
		"messages":        views,
	})
}

func (h *WidgetHandler) resolve(c *gin.Context) (*domain.Channel, *domain.Bot, bool) {
	ch, err := repo.GetChannel(c.Request.Context(), h.DB, c.Param("channelID"))
	if err != nil || ch.Type != domain.ChannelWeb {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "widget channel not found")
		return nil, nil, false
	}
	bot, err := repo.GetBot(c.Request.Context(), h.DB, ch.BotID)
	if err != nil || !bot.IsActive {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "bot not found")
		return nil, nil, false
	}
	return ch, bot, true
}

func toMessageView(m domain.Message) messageView {
	v := messageView{
		ID:        m.ID,
		Role:      m.Role,
		Content:   m.Content,
		CreatedAt: m.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
	if name, okMeta := m.Metadata.GetString("operator_name"); okMeta {
		v.Operator = name
	}
	v.Welcome = m.Metadata.GetBool("is_welcome")
	if m.ResponseTime != nil {
		v.RespTime = *m.ResponseTime
	}
	return v
}
