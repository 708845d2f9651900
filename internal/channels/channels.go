// Package channels implements the messenger-side adapters of the bridge.
// Each adapter translates one provider's webhook payloads into unified
// inbound events and exposes a uniform outbound delivery operation.
//
// The adapter set is closed: Telegram, VK, WhatsApp, and the embedded web
// widget. Adding a channel means adding an Adapter implementation and
// registering it; the conversation service never switches on channel types
// itself.
package channels

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/tbourn/go-crm-bridge/internal/domain"
)

// Inbound result kinds.
const (
	KindMessage   = "message"   // a user message to ingest
	KindChallenge = "challenge" // provider handshake; echo Challenge verbatim
	KindNoop      = "noop"      // valid payload with nothing to process
)

// ErrUnknownChannel is returned by the registry for unregistered types.
var ErrUnknownChannel = errors.New("unknown channel type")

// ErrBadPayload indicates a webhook body the adapter could not parse.
var ErrBadPayload = errors.New("malformed channel payload")

// Inbound is the unified result of parsing one webhook payload.
type Inbound struct {
	Kind string

	// Message fields (Kind == KindMessage).
	ExternalID       string // channel-specific user/chat identifier
	Text             string
	DisplayName      string // best-effort user display name
	Email            string // contact details, widget only
	Phone            string
	ChannelMessageID string // provider-native message id

	// Challenge fields (Kind == KindChallenge).
	Challenge            string
	ChallengeContentType string
}

// Receipt describes one successful outbound delivery.
type Receipt struct {
	ChannelMessageID string
}

// Adapter is the per-channel contract. Implementations read provider
// secrets from the channel's credential bundle and must be safe for
// concurrent use.
type Adapter interface {
	// Type returns the channel type constant this adapter serves.
	Type() string
	// ParseInbound validates and translates one raw webhook payload.
	ParseInbound(ctx context.Context, ch *domain.Channel, body []byte, headers http.Header) (*Inbound, error)
	// Deliver sends text to the external user identified by externalID.
	Deliver(ctx context.Context, ch *domain.Channel, externalID, text string) (*Receipt, error)
}

// Registry holds the closed adapter set keyed by channel type.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry builds a registry from the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	m := make(map[string]Adapter, len(adapters))
	for _, a := range adapters {
		m[a.Type()] = a
	}
	return &Registry{adapters: m}
}

// Get returns the adapter for a channel type or ErrUnknownChannel.
func (r *Registry) Get(channelType string) (Adapter, error) {
	a, ok := r.adapters[strings.ToLower(channelType)]
	if !ok {
		return nil, ErrUnknownChannel
	}
	return a, nil
}

// newHTTPClient builds the resty client shared by the API-backed adapters.
func newHTTPClient(timeout time.Duration) *resty.Client {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return resty.New().
		SetTimeout(timeout).
		SetRetryCount(0)
}

// credential reads a required string credential from the channel bundle.
func credential(ch *domain.Channel, key string) (string, error) {
	v, ok := ch.Credentials.GetString(key)
	if !ok {
		return "", errors.New("channel credential missing: " + key)
	}
	return v, nil
}
