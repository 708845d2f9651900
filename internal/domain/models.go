// Package domain defines the persistence models for bots, channels,
// conversations, messages, CRM integrations, and sync bookkeeping. These
// types are mapped with GORM and form the core data layer of the bridge.
package domain

import (
	"time"

	"gorm.io/gorm"
)

// Conversation status values.
const (
	ConversationActive          = "active"
	ConversationWaitingOperator = "waiting_operator"
	ConversationClosed          = "closed"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleOperator  = "operator"
	RoleSystem    = "system"
)

// Channel types.
const (
	ChannelTelegram = "telegram"
	ChannelVK       = "vk"
	ChannelWhatsApp = "whatsapp"
	ChannelWeb      = "web"
)

// CRM provider types.
const (
	ProviderBitrix24 = "bitrix24"
	ProviderAmoCRM   = "amocrm"
	ProviderAvito    = "avito"
	ProviderSalebot  = "salebot"
)

// Bot represents one configured chat bot owned by an organization. Only the
// attributes the routing/sync core reads are modeled here; prompt and
// knowledge configuration live with the AI collaborator.
//
// Fields:
//   - ID: stable UUID primary key (char(36)).
//   - OrganizationID: owning organization; indexed.
//   - Name: display name.
//   - WelcomeMessage: optional greeting sent on first contact.
//   - AIModel: model identifier passed to the response generator.
//   - IsActive: inactive bots ignore inbound traffic.
type Bot struct {
	ID             string         `json:"id"              gorm:"type:char(36);primaryKey"`
	OrganizationID string         `json:"organization_id" gorm:"type:varchar(64);not null;index"`
	Name           string         `json:"name"            gorm:"type:varchar(255);not null"`
	WelcomeMessage string         `json:"welcome_message" gorm:"type:text"`
	AIModel        string         `json:"ai_model"        gorm:"type:varchar(64)"`
	IsActive       bool           `json:"is_active"       gorm:"not null;default:true"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	DeletedAt      gorm.DeletedAt `json:"-"               gorm:"index"`
}

// TableName returns the database table name for Bot.
func (Bot) TableName() string { return "bots" }

// Channel represents one messaging surface attached to a bot (Telegram, VK,
// WhatsApp, or the embedded web widget). Credentials hold the provider
// secrets the adapter needs (bot token, confirmation token, signing secret).
//
// A bot has at most one channel of each type.
type Channel struct {
	ID          string         `json:"id"        gorm:"type:char(36);primaryKey"`
	BotID       string         `json:"bot_id"    gorm:"type:char(36);not null;uniqueIndex:ux_bot_channel_type,priority:1"`
	Type        string         `json:"type"      gorm:"type:varchar(16);not null;uniqueIndex:ux_bot_channel_type,priority:2;check:type IN ('telegram','vk','whatsapp','web')"`
	Credentials JSONMap        `json:"-"         gorm:"type:text"`
	IsActive    bool           `json:"is_active" gorm:"not null;default:true"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	DeletedAt   gorm.DeletedAt `json:"-"         gorm:"index"`

	Bot Bot `json:"-" gorm:"foreignKey:BotID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Channel.
func (Channel) TableName() string { return "channels" }

// Conversation represents one ongoing exchange between an external end-user
// and a bot on a channel. At most one active conversation exists per
// (bot, channel, external_id); enforcement is find-or-create under the
// per-conversation lock, since a partial unique index cannot express the
// status predicate portably.
//
// Fields:
//   - ExternalID: channel-specific user/chat identifier.
//   - Status: active | waiting_operator | closed (closed is terminal).
//   - UserName/UserEmail/UserPhone: contact fields, filled as they surface.
//   - MessageCount / TokensUsed: running counters.
//   - CrmLeadID/CrmDealID/CrmContactID: primary CRM cross-references.
//   - Metadata: provider correlation data (e.g. "bitrix24_chat_id",
//     "salebot_client_id").
type Conversation struct {
	ID            string         `json:"id"              gorm:"type:char(36);primaryKey"`
	BotID         string         `json:"bot_id"          gorm:"type:char(36);not null;index:idx_conv_triple,priority:1"`
	ChannelID     string         `json:"channel_id"      gorm:"type:char(36);not null;index:idx_conv_triple,priority:2"`
	ExternalID    string         `json:"external_id"     gorm:"type:varchar(128);not null;index:idx_conv_triple,priority:3"`
	Status        string         `json:"status"          gorm:"type:varchar(24);not null;default:'active';check:status IN ('active','waiting_operator','closed')"`
	UserName      string         `json:"user_name"       gorm:"type:varchar(255)"`
	UserEmail     string         `json:"user_email"      gorm:"type:varchar(255)"`
	UserPhone     string         `json:"user_phone"      gorm:"type:varchar(64)"`
	MessageCount  int            `json:"message_count"   gorm:"not null;default:0"`
	TokensUsed    int            `json:"tokens_used"     gorm:"not null;default:0"`
	CrmLeadID     *string        `json:"crm_lead_id"     gorm:"type:varchar(64)"`
	CrmDealID     *string        `json:"crm_deal_id"     gorm:"type:varchar(64)"`
	CrmContactID  *string        `json:"crm_contact_id"  gorm:"type:varchar(64)"`
	Metadata      JSONMap        `json:"metadata"        gorm:"type:text"`
	LastMessageAt *time.Time     `json:"last_message_at"`
	ClosedAt      *time.Time     `json:"closed_at"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	DeletedAt     gorm.DeletedAt `json:"-"               gorm:"index"`

	Bot     Bot     `json:"-" gorm:"foreignKey:BotID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
	Channel Channel `json:"-" gorm:"foreignKey:ChannelID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Conversation.
func (Conversation) TableName() string { return "conversations" }

// HasCrmRefs reports whether any CRM system holds a reference to this
// conversation. Deleting such a conversation is logged as a warning.
func (c *Conversation) HasCrmRefs() bool {
	return c.CrmLeadID != nil || c.CrmDealID != nil || c.CrmContactID != nil
}

// Message represents a single immutable utterance within a conversation.
//
// Fields:
//   - Role: user | assistant | operator | system.
//   - Metadata: flags such as "from_bitrix24", "is_welcome", and the
//     channel-native message id under "channel_message_id".
//   - ResponseTime: seconds from user message to assistant reply; only set
//     on assistant messages.
type Message struct {
	ID             string         `json:"id"              gorm:"type:char(36);primaryKey"`
	ConversationID string         `json:"conversation_id" gorm:"type:char(36);not null;index:idx_conv_msgs,priority:1"`
	Role           string         `json:"role"            gorm:"type:varchar(16);not null;check:role IN ('user','assistant','operator','system')"`
	Content        string         `json:"content"         gorm:"type:text;not null"`
	Metadata       JSONMap        `json:"metadata"        gorm:"type:text"`
	ResponseTime   *float64       `json:"response_time,omitempty"`
	CreatedAt      time.Time      `json:"created_at"      gorm:"index:idx_conv_msgs,priority:2"`
	UpdatedAt      time.Time      `json:"updated_at"`
	DeletedAt      gorm.DeletedAt `json:"-"               gorm:"index"`

	// Conversation is the parent exchange. Messages are cascade-deleted
	// if their conversation is removed.
	Conversation Conversation `json:"-" gorm:"foreignKey:ConversationID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Message.
func (Message) TableName() string { return "messages" }

// FromProvider reports whether this message originated from the given CRM
// provider's webhook (metadata flag "from_<provider>"). Such messages are
// never synced back to that provider.
func (m *Message) FromProvider(provider string) bool {
	return m.Metadata.GetBool("from_" + provider)
}

// CrmIntegration represents one configured connection from an organization
// to a CRM provider. Credentials and settings are opaque provider-specific
// bundles; FieldMapping maps internal attribute names to provider field
// codes.
//
// FailureCount tracks consecutive sync failures; crossing the configured
// threshold flips IsActive to false (circuit breaker) until an operator
// reactivates the integration.
type CrmIntegration struct {
	ID             string         `json:"id"              gorm:"type:char(36);primaryKey"`
	OrganizationID string         `json:"organization_id" gorm:"type:varchar(64);not null;index"`
	Provider       string         `json:"provider"        gorm:"type:varchar(24);not null;check:provider IN ('bitrix24','amocrm','avito','salebot')"`
	Credentials    JSONMap        `json:"-"               gorm:"type:text"`
	Settings       JSONMap        `json:"settings"        gorm:"type:text"`
	FieldMapping   JSONMap        `json:"field_mapping"   gorm:"type:text"`
	IsActive       bool           `json:"is_active"       gorm:"not null;default:true"`
	FailureCount   int            `json:"failure_count"   gorm:"not null;default:0"`
	LastSyncAt     *time.Time     `json:"last_sync_at"`
	SyncStatus     string         `json:"sync_status"     gorm:"type:varchar(255)"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	DeletedAt      gorm.DeletedAt `json:"-"               gorm:"index"`
}

// TableName returns the database table name for CrmIntegration.
func (CrmIntegration) TableName() string { return "crm_integrations" }

// BotCrmIntegration is the pivot between a bot and a CRM integration,
// carrying per-bot sync toggles. Sync operations for a bot run only when
// both the integration and this pivot row are active.
type BotCrmIntegration struct {
	ID                string         `json:"id"                  gorm:"type:char(36);primaryKey"`
	BotID             string         `json:"bot_id"              gorm:"type:char(36);not null;uniqueIndex:ux_bot_integration,priority:1"`
	IntegrationID     string         `json:"integration_id"      gorm:"type:char(36);not null;uniqueIndex:ux_bot_integration,priority:2"`
	SyncContacts      bool           `json:"sync_contacts"       gorm:"not null;default:true"`
	SyncConversations bool           `json:"sync_conversations"  gorm:"not null;default:true"`
	CreateLeads       bool           `json:"create_leads"        gorm:"not null;default:true"`
	CreateDeals       bool           `json:"create_deals"        gorm:"not null;default:false"`
	LeadSource        string         `json:"lead_source"         gorm:"type:varchar(255)"`
	ResponsibleUserID string         `json:"responsible_user_id" gorm:"type:varchar(64)"`
	PipelineSettings  JSONMap        `json:"pipeline_settings"   gorm:"type:text"`
	IsActive          bool           `json:"is_active"           gorm:"not null;default:true"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	DeletedAt         gorm.DeletedAt `json:"-"                   gorm:"index"`

	Bot         Bot            `json:"-" gorm:"foreignKey:BotID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
	Integration CrmIntegration `json:"-" gorm:"foreignKey:IntegrationID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for BotCrmIntegration.
func (BotCrmIntegration) TableName() string { return "bot_crm_integrations" }

// SyncEntity maps an internal entity (conversation, message) to the external
// CRM record it was synced to, keyed uniquely per (integration, entity_type,
// internal_id). Lookups before every outbound create make sync idempotent;
// PayloadHash short-circuits updates whose payload has not changed.
type SyncEntity struct {
	ID            string    `json:"id"             gorm:"type:char(36);primaryKey"`
	IntegrationID string    `json:"integration_id" gorm:"type:char(36);not null;uniqueIndex:ux_sync_entity,priority:1"`
	EntityType    string    `json:"entity_type"    gorm:"type:varchar(32);not null;uniqueIndex:ux_sync_entity,priority:2"`
	InternalID    string    `json:"internal_id"    gorm:"type:char(36);not null;uniqueIndex:ux_sync_entity,priority:3"`
	ExternalType  string    `json:"external_type"  gorm:"type:varchar(32);not null"`
	ExternalID    string    `json:"external_id"    gorm:"type:varchar(64);not null"`
	PayloadHash   string    `json:"payload_hash"   gorm:"type:char(64)"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// TableName returns the database table name for SyncEntity.
func (SyncEntity) TableName() string { return "sync_entities" }

// SyncLog is an append-only audit record of one sync attempt. Rows are never
// mutated after insert; statistics and the failure-rate view are derived
// from them.
type SyncLog struct {
	ID            string    `json:"id"             gorm:"type:char(36);primaryKey"`
	IntegrationID string    `json:"integration_id" gorm:"type:char(36);not null;index"`
	Direction     string    `json:"direction"      gorm:"type:varchar(16);not null;check:direction IN ('outbound','inbound')"`
	EntityType    string    `json:"entity_type"    gorm:"type:varchar(32);not null"`
	Action        string    `json:"action"         gorm:"type:varchar(32);not null"`
	Status        string    `json:"status"         gorm:"type:varchar(16);not null;check:status IN ('success','retry','error')"`
	ErrorMessage  string    `json:"error_message"  gorm:"type:text"`
	CreatedAt     time.Time `json:"created_at"     gorm:"index"`
}

// TableName returns the database table name for SyncLog.
func (SyncLog) TableName() string { return "sync_logs" }
