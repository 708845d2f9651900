// Package handlers – admin API
//
// This file implements the operator-facing management endpoints:
// conversation listing and inspection, manual takeover/release/close,
// operator replies from the admin UI, and CRM integration management
// (connection test, field catalog, directory lookups, circuit breaker
// reset, sync journal, manual export sweep).
package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/tbourn/go-crm-bridge/internal/crm"
	"github.com/tbourn/go-crm-bridge/internal/domain"
	"github.com/tbourn/go-crm-bridge/internal/http/middleware"
	"github.com/tbourn/go-crm-bridge/internal/repo"
	"github.com/tbourn/go-crm-bridge/internal/services"
	"github.com/tbourn/go-crm-bridge/internal/utils"
)

// AdminHandler serves the management API.
type AdminHandler struct {
	DB            *gorm.DB
	Conversations *services.ConversationService
	Sync          *services.SyncService
	Scheduler     *services.Scheduler
	Providers     *crm.Registry
	Catalog       *crm.Catalog
}

// ListConversations handles GET /admin/bots/:botID/conversations.
func (h *AdminHandler) ListConversations(c *gin.Context) {
	botID := c.Param("botID")
	page, pageSize := utils.ParsePage(c.Query("page"), c.Query("page_size"))

	total, err := repo.CountConversations(c.Request.Context(), h.DB, botID)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "listing failed")
		return
	}
	items, err := repo.ListConversationsPage(c.Request.Context(), h.DB, botID, (page-1)*pageSize, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "listing failed")
		return
	}
	ok(c, http.StatusOK, gin.H{
		"page":      page,
		"page_size": pageSize,
		"total":     total,
		"items":     items,
	})
}

// GetConversation handles GET /admin/conversations/:id.
func (h *AdminHandler) GetConversation(c *gin.Context) {
	conv, err := repo.GetConversation(c.Request.Context(), h.DB, c.Param("id"))
	if err != nil {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "conversation not found")
		return
	}
	msgs, total, err := h.Conversations.Transcript(c.Request.Context(), conv.ID, 1, 200)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "transcript unavailable")
		return
	}
	ok(c, http.StatusOK, gin.H{
		"conversation":  conv,
		"message_total": total,
		"messages":      msgs,
	})
}

// Takeover handles POST /admin/conversations/:id/takeover.
func (h *AdminHandler) Takeover(c *gin.Context) {
	h.changeStatus(c, h.Conversations.Takeover)
}

// Release handles POST /admin/conversations/:id/release.
func (h *AdminHandler) Release(c *gin.Context) {
	h.changeStatus(c, h.Conversations.Release)
}

// Close handles POST /admin/conversations/:id/close.
func (h *AdminHandler) Close(c *gin.Context) {
	h.changeStatus(c, h.Conversations.Close)
}

func (h *AdminHandler) changeStatus(c *gin.Context, fn func(ctx context.Context, id string) error) {
	if err := fn(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, services.ErrConversationNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "conversation not found")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "status change failed")
		return
	}
	noContent(c)
}

// operatorMessageRequest is the admin reply body.
type operatorMessageRequest struct {
	Text         string `json:"text" binding:"required"`
	OperatorName string `json:"operator_name"`
}

// SendOperatorMessage handles POST /admin/conversations/:id/messages.
func (h *AdminHandler) SendOperatorMessage(c *gin.Context) {
	var req operatorMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "text is required")
		return
	}
	conv, err := repo.GetConversation(c.Request.Context(), h.DB, c.Param("id"))
	if err != nil {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "conversation not found")
		return
	}
	operator := req.OperatorName
	if operator == "" {
		operator = middleware.UserIDFrom(c)
	}
	msg, err := h.Conversations.HandleOperatorMessage(c.Request.Context(), "admin", conv, operator, req.Text)
	if err != nil {
		if errors.Is(err, services.ErrConversationClosed) {
			fail(c, http.StatusConflict, ErrCodeConflict, "conversation is closed")
			return
		}
		middleware.LoggerFrom(c).Error().Err(err).Str("conversation", conv.ID).Msg("operator message failed")
		fail(c, http.StatusInternalServerError, ErrCodeDeliveryFailed, "delivery failed")
		return
	}
	ok(c, http.StatusCreated, msg)
}

// TestIntegration handles POST /admin/integrations/:id/test.
func (h *AdminHandler) TestIntegration(c *gin.Context) {
	err := h.Sync.TestIntegration(c.Request.Context(), c.Param("id"))
	switch {
	case err == nil:
		ok(c, http.StatusOK, gin.H{"status": "ok"})
	case errors.Is(err, services.ErrIntegrationNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "integration not found")
	default:
		ok(c, http.StatusOK, gin.H{"status": "error", "error": err.Error()})
	}
}

// ReactivateIntegration handles POST /admin/integrations/:id/reactivate.
func (h *AdminHandler) ReactivateIntegration(c *gin.Context) {
	if err := h.Sync.Reactivate(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, services.ErrIntegrationNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "integration not found")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "reactivation failed")
		return
	}
	noContent(c)
}

// TriggerSync handles POST /admin/sync/run. It runs one export sweep
// right away instead of waiting for the scheduler tick. The sweep only
// enqueues lead creation for unmapped conversations, so the request
// returns before any CRM call completes.
func (h *AdminHandler) TriggerSync(c *gin.Context) {
	if h.Scheduler == nil {
		fail(c, http.StatusServiceUnavailable, ErrCodeInternal, "export scheduler is not running")
		return
	}
	h.Scheduler.Sweep(c.Request.Context())
	ok(c, http.StatusAccepted, gin.H{"status": "scheduled"})
}

// IntegrationFields handles GET /admin/integrations/:id/fields.
func (h *AdminHandler) IntegrationFields(c *gin.Context) {
	integ, err := repo.GetIntegration(c.Request.Context(), h.DB, c.Param("id"))
	if err != nil {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "integration not found")
		return
	}
	entityType := c.DefaultQuery("entity_type", "lead")
	ok(c, http.StatusOK, gin.H{
		"entity_type": entityType,
		"fields":      h.Catalog.Fields(c.Request.Context(), integ, entityType),
	})
}

// IntegrationUsers handles GET /admin/integrations/:id/users.
func (h *AdminHandler) IntegrationUsers(c *gin.Context) {
	h.providerLookup(c, func(p crm.Provider, integ *domain.CrmIntegration) (any, error) {
		return p.GetUsers(c.Request.Context(), integ)
	})
}

// IntegrationPipelines handles GET /admin/integrations/:id/pipelines.
func (h *AdminHandler) IntegrationPipelines(c *gin.Context) {
	h.providerLookup(c, func(p crm.Provider, integ *domain.CrmIntegration) (any, error) {
		return p.GetPipelines(c.Request.Context(), integ)
	})
}

// IntegrationStages handles GET /admin/integrations/:id/pipelines/:pipelineID/stages.
func (h *AdminHandler) IntegrationStages(c *gin.Context) {
	h.providerLookup(c, func(p crm.Provider, integ *domain.CrmIntegration) (any, error) {
		return p.GetPipelineStages(c.Request.Context(), integ, c.Param("pipelineID"))
	})
}

func (h *AdminHandler) providerLookup(c *gin.Context, fn func(p crm.Provider, integ *domain.CrmIntegration) (any, error)) {
	integ, err := repo.GetIntegration(c.Request.Context(), h.DB, c.Param("id"))
	if err != nil {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "integration not found")
		return
	}
	provider, err := h.Providers.Get(integ.Provider)
	if err != nil {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "unknown provider")
		return
	}
	out, err := fn(provider, integ)
	if err != nil {
		middleware.LoggerFrom(c).Warn().Err(err).Str("integration", integ.ID).Msg("provider lookup failed")
		fail(c, http.StatusBadGateway, ErrCodeSyncFailed, "provider request failed")
		return
	}
	ok(c, http.StatusOK, gin.H{"items": out})
}

// IntegrationStats handles GET /admin/integrations/:id/stats.
func (h *AdminHandler) IntegrationStats(c *gin.Context) {
	id := c.Param("id")
	integ, err := repo.GetIntegration(c.Request.Context(), h.DB, id)
	if err != nil {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "integration not found")
		return
	}
	since := time.Now().Add(-24 * time.Hour)
	if raw := c.Query("since"); raw != "" {
		if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
			since = parsed
		}
	}
	stats, err := h.Sync.Stats(c.Request.Context(), id, since)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "stats unavailable")
		return
	}
	page, pageSize := utils.ParsePage(c.Query("page"), c.Query("page_size"))
	logs, err := repo.ListSyncLogsPage(c.Request.Context(), h.DB, id, (page-1)*pageSize, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "stats unavailable")
		return
	}
	ok(c, http.StatusOK, gin.H{
		"integration_id": id,
		"provider":       integ.Provider,
		"is_active":      integ.IsActive,
		"failure_count":  integ.FailureCount,
		"sync_status":    integ.SyncStatus,
		"since":          since,
		"stats":          stats,
		"logs":           logs,
	})
}
