package crm

import (
	"context"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-crm-bridge/internal/domain"
)

// DefaultFields is the built-in descriptor set used when a provider has no
// live field catalog or the catalog fetch fails. It covers the attributes
// every supported CRM can accept.
func DefaultFields() []Field {
	return []Field{
		{Code: "name", Title: "Name", Type: "string"},
		{Code: "phone", Title: "Phone", Type: "string"},
		{Code: "email", Title: "Email", Type: "string"},
		{Code: "comments", Title: "Comments", Type: "text"},
	}
}

// Catalog serves provider field descriptors with a bounded cache so field
// lookups during sync do not hammer the provider APIs. Entries live for
// the configured TTL (about an hour) per integration and entity type.
type Catalog struct {
	registry *Registry
	cache    *gocache.Cache
}

// NewCatalog builds a catalog over the provider registry.
func NewCatalog(registry *Registry, ttl time.Duration) *Catalog {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Catalog{
		registry: registry,
		cache:    gocache.New(ttl, 2*ttl),
	}
}

// Fields returns the descriptor list for (integration, entityType), served
// from cache when fresh. A failed catalog fetch falls back to the default
// field set and is logged, not surfaced: sync proceeds with the built-ins.
func (c *Catalog) Fields(ctx context.Context, integ *domain.CrmIntegration, entityType string) []Field {
	key := integ.ID + ":" + entityType
	if cached, ok := c.cache.Get(key); ok {
		return cached.([]Field)
	}
	provider, err := c.registry.Get(integ.Provider)
	if err != nil {
		return DefaultFields()
	}
	fields, err := provider.GetFields(ctx, integ, entityType)
	if err != nil || len(fields) == 0 {
		if err != nil {
			log.Warn().
				Err(err).
				Str("integration", integ.ID).
				Str("entity_type", entityType).
				Msg("field catalog fetch failed, using defaults")
		}
		fields = DefaultFields()
	}
	c.cache.Set(key, fields, gocache.DefaultExpiration)
	return fields
}

// Invalidate drops the cached catalog for one integration+entity type.
func (c *Catalog) Invalidate(integrationID, entityType string) {
	c.cache.Delete(integrationID + ":" + entityType)
}

// MapConversation projects conversation attributes onto provider field
// codes. The integration's configured field_mapping (internal attribute →
// provider field code) takes precedence; attributes without a mapping use
// the attribute name as the code when the catalog lists it.
func MapConversation(conv *domain.Conversation, mapping domain.JSONMap, catalog []Field) map[string]any {
	known := make(map[string]bool, len(catalog))
	for _, f := range catalog {
		if !f.IsReadOnly {
			known[f.Code] = true
		}
	}
	attrs := map[string]string{
		"name":     conv.UserName,
		"phone":    conv.UserPhone,
		"email":    conv.UserEmail,
		"comments": fmt.Sprintf("Chat conversation %s (%d messages)", conv.ID, conv.MessageCount),
	}
	out := map[string]any{}
	for attr, value := range attrs {
		if value == "" {
			continue
		}
		code := attr
		if mapped, ok := mapping.GetString(attr); ok {
			code = mapped
		}
		if known[code] {
			out[code] = value
		}
	}
	return out
}
