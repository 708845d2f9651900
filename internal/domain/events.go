package domain

import "time"

// Event names used for dispatch routing and broker fan-out.
const (
	EventConversationCreated = "conversation.created"
	EventConversationUpdated = "conversation.updated"
	EventMessageCreated      = "message.created"
	EventCrmSyncFailed       = "crm.sync_failed"
	EventCrmSyncStats        = "crm.sync_stats"
)

// Event is a domain event emitted explicitly by the service that persisted
// the underlying change. Persistence itself never triggers side effects;
// subscribers (CRM orchestrator, broker publisher) receive events through
// the dispatcher, which makes ordering and failure isolation explicit.
type Event interface {
	// Name returns the routing name of the event.
	Name() string
	// OccurredAt returns the event timestamp.
	OccurredAt() time.Time
}

// ConversationCreated fires once when a new conversation row is created.
type ConversationCreated struct {
	Conversation Conversation
	At           time.Time
}

// Name implements Event.
func (ConversationCreated) Name() string { return EventConversationCreated }

// OccurredAt implements Event.
func (e ConversationCreated) OccurredAt() time.Time { return e.At }

// ConversationUpdated fires on status transitions and contact-field changes.
// ChangedFields lists the mutated attribute names so subscribers can decide
// whether the change is sync-relevant.
type ConversationUpdated struct {
	Conversation  Conversation
	ChangedFields []string
	At            time.Time
}

// Name implements Event.
func (ConversationUpdated) Name() string { return EventConversationUpdated }

// OccurredAt implements Event.
func (e ConversationUpdated) OccurredAt() time.Time { return e.At }

// Changed reports whether the named field is among the mutated attributes.
func (e ConversationUpdated) Changed(field string) bool {
	for _, f := range e.ChangedFields {
		if f == field {
			return true
		}
	}
	return false
}

// MessageCreated fires once per persisted message, regardless of role.
type MessageCreated struct {
	Message      Message
	Conversation Conversation
	At           time.Time
}

// Name implements Event.
func (MessageCreated) Name() string { return EventMessageCreated }

// OccurredAt implements Event.
func (e MessageCreated) OccurredAt() time.Time { return e.At }

// CrmSyncFailed fires when an integration crosses the consecutive-failure
// threshold and is auto-deactivated. Operators must reactivate manually.
type CrmSyncFailed struct {
	IntegrationID string
	Provider      string
	FailureCount  int
	LastError     string
	At            time.Time
}

// Name implements Event.
func (CrmSyncFailed) Name() string { return EventCrmSyncFailed }

// OccurredAt implements Event.
func (e CrmSyncFailed) OccurredAt() time.Time { return e.At }

// CrmSyncStats is the periodic sync-journal summary for one integration.
// Windows with no activity are never reported.
type CrmSyncStats struct {
	IntegrationID string
	Provider      string
	Since         time.Time
	Total         int64
	Success       int64
	Errors        int64
	At            time.Time
}

// Name implements Event.
func (CrmSyncStats) Name() string { return EventCrmSyncStats }

// OccurredAt implements Event.
func (e CrmSyncStats) OccurredAt() time.Time { return e.At }
