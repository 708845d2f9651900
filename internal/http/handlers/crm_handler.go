// Package handlers – CRM webhooks
//
// This file implements the inbound webhook endpoint for CRM providers.
// Authentication is delegated to the provider adapter (HMAC signature,
// application token, api key or IP allow-list depending on provider);
// failures map to 401 so misconfigured endpoints surface immediately.
package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-crm-bridge/internal/crm"
	"github.com/tbourn/go-crm-bridge/internal/http/middleware"
	"github.com/tbourn/go-crm-bridge/internal/services"
)

// CrmWebhookHandler serves the CRM-facing webhook endpoint.
type CrmWebhookHandler struct {
	Sync *services.SyncService
}

// Receive handles POST /webhooks/crm/:provider/:integrationID.
func (h *CrmWebhookHandler) Receive(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadPayload, "unreadable body")
		return
	}

	ev, err := h.Sync.HandleCrmWebhook(
		c.Request.Context(),
		c.Param("provider"),
		c.Param("integrationID"),
		body,
		c.Request.Header,
	)
	if err != nil {
		switch {
		case errors.Is(err, crm.ErrUnauthorized):
			fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "webhook authentication failed")
		case errors.Is(err, services.ErrIntegrationNotFound), errors.Is(err, crm.ErrUnknownProvider):
			fail(c, http.StatusNotFound, ErrCodeNotFound, "integration not found")
		default:
			middleware.LoggerFrom(c).Error().Err(err).Str("integration", c.Param("integrationID")).Msg("crm webhook failed")
			fail(c, http.StatusInternalServerError, ErrCodeInternal, "processing failed")
		}
		return
	}
	ok(c, http.StatusOK, gin.H{"status": "ok", "kind": ev.Kind})
}
