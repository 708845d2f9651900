// Package crm implements the CRM-side provider adapters of the bridge.
// Each adapter translates the uniform sync contract into one provider's
// API calls and parses that provider's webhook payloads into uniform
// events.
//
// The provider set is closed: Bitrix24, AmoCRM, Avito, Salebot. Adding a
// provider means adding a Provider implementation and registering it; the
// sync orchestrator never switches on provider types itself.
package crm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"github.com/tbourn/go-crm-bridge/internal/domain"
)

// Webhook event kinds produced by HandleWebhook.
const (
	EventOperatorMessage = "operator_message" // a human replied inside the CRM
	EventEntityUpdate    = "entity_update"    // lead/deal changed on the CRM side
	EventNoop            = "noop"             // authenticated but nothing to process
)

// Sentinel errors shared by all adapters.
var (
	// ErrUnauthorized is returned when webhook authentication fails. The
	// HTTP layer maps it to a bare 401 without revealing which check
	// failed.
	ErrUnauthorized = errors.New("webhook authentication failed")

	// ErrUnknownProvider is returned by the registry for unregistered
	// provider types.
	ErrUnknownProvider = errors.New("unknown crm provider")

	// ErrNotConfigured indicates the integration is missing a credential
	// the adapter requires. Permanent: retrying cannot help.
	ErrNotConfigured = errors.New("integration not configured")
)

// APIError is a provider response the adapter could reach but that did not
// succeed. Status carries the HTTP status code when one applies.
type APIError struct {
	Provider string
	Status   int
	Message  string
}

// Error implements error.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s api: status %d: %s", e.Provider, e.Status, e.Message)
}

// Transient reports whether the failure is worth retrying (rate limits and
// server-side errors). Client errors such as invalid field mappings are
// permanent.
func (e *APIError) Transient() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// IsTransient classifies an error for retry purposes. Network-level
// failures (timeouts, refused connections) are transient; APIError decides
// for itself; everything else is permanent.
func IsTransient(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Transient()
	}
	if errors.Is(err, ErrNotConfigured) || errors.Is(err, ErrUnauthorized) {
		return false
	}
	var respErr interface{ Timeout() bool }
	if errors.As(err, &respErr) {
		return true
	}
	// resty wraps transport errors; treat any url.Error-ish failure as
	// transient since the provider was never reached.
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "context deadline exceeded") ||
		strings.Contains(err.Error(), "i/o timeout")
}

// Contact is the uniform contact payload.
type Contact struct {
	Name  string
	Email string
	Phone string
}

// LeadInput is the uniform payload for lead and deal creation/update.
// Fields holds provider field codes mapped from internal attributes.
type LeadInput struct {
	Title             string
	Fields            map[string]any
	Source            string
	ResponsibleUserID string
	PipelineID        string
	StageID           string
	ContactID         string
}

// EntityRef names one external CRM entity.
type EntityRef struct {
	Type string // lead | deal | contact | chat
	ID   string
}

// Field is the uniform field descriptor returned by GetFields.
type Field struct {
	Code       string        `json:"code"`
	Title      string        `json:"title"`
	Type       string        `json:"type"`
	IsRequired bool          `json:"is_required"`
	IsReadOnly bool          `json:"is_read_only"`
	IsMultiple bool          `json:"is_multiple"`
	Options    []FieldOption `json:"options,omitempty"`
}

// FieldOption is one enumerated value of a list-typed field.
type FieldOption struct {
	ID    string `json:"id"`
	Value string `json:"value"`
}

// User is a CRM user eligible to be responsible for synced entities.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

// Pipeline is a sales pipeline (funnel).
type Pipeline struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Stage is one stage of a pipeline.
type Stage struct {
	ID         string `json:"id"`
	PipelineID string `json:"pipeline_id"`
	Name       string `json:"name"`
}

// WebhookEvent is the uniform result of parsing one CRM webhook.
type WebhookEvent struct {
	Kind string

	// Operator message fields.
	ExternalChatID string
	Text           string
	OperatorName   string

	// Entity update fields.
	Entity EntityRef
}

// Provider is the uniform per-CRM contract. Implementations own their rate
// limiting: callers may invoke methods concurrently and the adapter blocks
// (via limiter wait) rather than erroring when the budget is exhausted.
// All methods take the integration carrying credentials and settings.
type Provider interface {
	Type() string

	TestConnection(ctx context.Context, integ *domain.CrmIntegration) error
	SyncContact(ctx context.Context, integ *domain.CrmIntegration, contact Contact) (string, error)
	CreateLead(ctx context.Context, integ *domain.CrmIntegration, lead LeadInput) (string, error)
	UpdateLead(ctx context.Context, integ *domain.CrmIntegration, externalID string, lead LeadInput) error
	CreateDeal(ctx context.Context, integ *domain.CrmIntegration, deal LeadInput) (string, error)
	UpdateDeal(ctx context.Context, integ *domain.CrmIntegration, externalID string, deal LeadInput) error
	AddNote(ctx context.Context, integ *domain.CrmIntegration, entity EntityRef, text string) error
	GetUsers(ctx context.Context, integ *domain.CrmIntegration) ([]User, error)
	GetPipelines(ctx context.Context, integ *domain.CrmIntegration) ([]Pipeline, error)
	GetPipelineStages(ctx context.Context, integ *domain.CrmIntegration, pipelineID string) ([]Stage, error)
	GetEntity(ctx context.Context, integ *domain.CrmIntegration, ref EntityRef) (map[string]any, error)
	FindContact(ctx context.Context, integ *domain.CrmIntegration, query string) (string, error)
	SyncConversation(ctx context.Context, integ *domain.CrmIntegration, conv *domain.Conversation, transcript []domain.Message) error
	HandleWebhook(ctx context.Context, integ *domain.CrmIntegration, body []byte, headers http.Header) (*WebhookEvent, error)
	GetFields(ctx context.Context, integ *domain.CrmIntegration, entityType string) ([]Field, error)
	BulkSync(ctx context.Context, integ *domain.CrmIntegration, leads []LeadInput) ([]string, error)
}

// ChatBridge is the optional capability of providers that mirror the
// conversation as a live chat inside the CRM (Bitrix24 Open Lines). The
// orchestrator calls SendInitialMessage exactly once per conversation and
// SendUserMessage only once a chat id is recorded in conversation
// metadata.
type ChatBridge interface {
	SendInitialMessage(ctx context.Context, integ *domain.CrmIntegration, conv *domain.Conversation, text string) (chatID string, err error)
	SendUserMessage(ctx context.Context, integ *domain.CrmIntegration, chatID, role, text string) error
}

// Registry holds the closed provider set keyed by provider type.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry builds a registry from the given providers.
func NewRegistry(providers ...Provider) *Registry {
	m := make(map[string]Provider, len(providers))
	for _, p := range providers {
		m[p.Type()] = p
	}
	return &Registry{providers: m}
}

// Get returns the provider for a type or ErrUnknownProvider.
func (r *Registry) Get(providerType string) (Provider, error) {
	p, ok := r.providers[strings.ToLower(providerType)]
	if !ok {
		return nil, ErrUnknownProvider
	}
	return p, nil
}

// limiterPool hands out one token bucket per integration so concurrent
// sync workers share a provider request budget. Idle limiters are evicted
// opportunistically to bound memory.
type limiterPool struct {
	mu         sync.Mutex
	defaultRPS float64
	limiters   map[string]*pooledLimiter
	lookups    uint64
}

type pooledLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newLimiterPool builds a pool with the given default requests/second.
func newLimiterPool(defaultRPS float64) *limiterPool {
	if defaultRPS <= 0 {
		defaultRPS = 2
	}
	return &limiterPool{
		defaultRPS: defaultRPS,
		limiters:   map[string]*pooledLimiter{},
	}
}

// wait blocks until the integration's budget admits one request. The
// per-integration rate can be overridden through the integration settings
// key "rate_limit" (requests/second).
func (p *limiterPool) wait(ctx context.Context, integ *domain.CrmIntegration) error {
	p.mu.Lock()
	pl, ok := p.limiters[integ.ID]
	if !ok {
		rps := p.defaultRPS
		if v, found := integ.Settings["rate_limit"]; found {
			if f, isFloat := v.(float64); isFloat && f > 0 {
				rps = f
			}
		}
		pl = &pooledLimiter{limiter: rate.NewLimiter(rate.Limit(rps), 1)}
		p.limiters[integ.ID] = pl
	}
	pl.lastSeen = time.Now()
	p.lookups++
	if p.lookups%256 == 0 {
		cutoff := time.Now().Add(-30 * time.Minute)
		for k, v := range p.limiters {
			if v.lastSeen.Before(cutoff) {
				delete(p.limiters, k)
			}
		}
	}
	p.mu.Unlock()
	return pl.limiter.Wait(ctx)
}

// restClient is the shared base of the API-backed adapters: one resty
// client with a bounded timeout plus the per-integration limiter pool.
type restClient struct {
	http   *resty.Client
	limits *limiterPool
}

// newRestClient builds the shared base.
func newRestClient(timeout time.Duration, defaultRPS float64) restClient {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return restClient{
		http:   resty.New().SetTimeout(timeout),
		limits: newLimiterPool(defaultRPS),
	}
}

// credential reads a required string credential from the integration.
func credential(integ *domain.CrmIntegration, key string) (string, error) {
	v, ok := integ.Credentials.GetString(key)
	if !ok {
		return "", fmt.Errorf("%w: missing credential %q", ErrNotConfigured, key)
	}
	return v, nil
}
