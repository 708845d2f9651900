package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/tbourn/go-crm-bridge/internal/domain"
)

// Web adapter for the embedded chat widget. There is no external messaging
// API: inbound is the widget's own POST body, and "delivery" means the
// assistant/operator rows are already part of the transcript the widget
// polls. Deliver therefore succeeds without side effects.
type Web struct{}

// NewWeb constructs the web widget adapter.
func NewWeb() *Web { return &Web{} }

// Type implements Adapter.
func (w *Web) Type() string { return domain.ChannelWeb }

// webInbound is the widget POST shape. VisitorID identifies the browser
// session and doubles as the conversation external id.
type webInbound struct {
	VisitorID string `json:"visitor_id"`
	Text      string `json:"text"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
}

// ParseInbound validates the widget payload.
func (w *Web) ParseInbound(_ context.Context, _ *domain.Channel, body []byte, _ http.Header) (*Inbound, error) {
	var p webInbound
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if strings.TrimSpace(p.VisitorID) == "" {
		return nil, fmt.Errorf("%w: visitor_id required", ErrBadPayload)
	}
	if strings.TrimSpace(p.Text) == "" {
		return &Inbound{Kind: KindNoop}, nil
	}
	return &Inbound{
		Kind:        KindMessage,
		ExternalID:  p.VisitorID,
		Text:        p.Text,
		DisplayName: p.Name,
		Email:       p.Email,
		Phone:       p.Phone,
	}, nil
}

// Deliver is a no-op: the widget reads the transcript through the poll
// endpoint, so persisting the message already delivered it.
func (w *Web) Deliver(_ context.Context, _ *domain.Channel, _, _ string) (*Receipt, error) {
	return &Receipt{}, nil
}
