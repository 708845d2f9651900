package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/tbourn/go-crm-bridge/internal/domain"
)

// WhatsApp adapter for Cloud-API-shaped webhooks. Credentials:
// "access_token" and "phone_number_id" for sending, "verify_token" for the
// GET verification handshake.
type WhatsApp struct {
	http    *resty.Client
	baseURL string
}

// NewWhatsApp constructs the WhatsApp adapter.
func NewWhatsApp(timeout time.Duration) *WhatsApp {
	return &WhatsApp{
		http:    newHTTPClient(timeout),
		baseURL: "https://graph.facebook.com/v19.0",
	}
}

// Type implements Adapter.
func (w *WhatsApp) Type() string { return domain.ChannelWhatsApp }

// waPayload is the subset of the Cloud API webhook shape the bridge reads.
type waPayload struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Contacts []struct {
					WaID    string `json:"wa_id"`
					Profile struct {
						Name string `json:"name"`
					} `json:"profile"`
				} `json:"contacts"`
				Messages []struct {
					ID   string `json:"id"`
					From string `json:"from"`
					Type string `json:"type"`
					Text struct {
						Body string `json:"body"`
					} `json:"text"`
				} `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

// VerifyChallenge answers the subscription verification GET. It returns the
// hub.challenge to echo when the verify token matches.
func (w *WhatsApp) VerifyChallenge(ch *domain.Channel, mode, token, challenge string) (string, bool) {
	stored, ok := ch.Credentials.GetString("verify_token")
	if !ok || mode != "subscribe" || token != stored {
		return "", false
	}
	return challenge, true
}

// ParseInbound translates a Cloud API webhook delivery. Status updates and
// non-text messages are Noops; only the first text message of a batch is
// ingested per call (the provider delivers one per webhook in practice).
func (w *WhatsApp) ParseInbound(_ context.Context, _ *domain.Channel, body []byte, _ http.Header) (*Inbound, error) {
	var p waPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	for _, entry := range p.Entry {
		for _, change := range entry.Changes {
			v := change.Value
			for _, msg := range v.Messages {
				if msg.Type != "text" || strings.TrimSpace(msg.Text.Body) == "" {
					continue
				}
				in := &Inbound{
					Kind:             KindMessage,
					ExternalID:       msg.From,
					Text:             msg.Text.Body,
					ChannelMessageID: msg.ID,
				}
				for _, c := range v.Contacts {
					if c.WaID == msg.From {
						in.DisplayName = c.Profile.Name
					}
				}
				return in, nil
			}
		}
	}
	return &Inbound{Kind: KindNoop}, nil
}

// Deliver sends text through the Cloud API messages endpoint.
func (w *WhatsApp) Deliver(ctx context.Context, ch *domain.Channel, externalID, text string) (*Receipt, error) {
	token, err := credential(ch, "access_token")
	if err != nil {
		return nil, err
	}
	phoneID, err := credential(ch, "phone_number_id")
	if err != nil {
		return nil, err
	}
	var result struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}
	resp, err := w.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetBody(map[string]any{
			"messaging_product": "whatsapp",
			"to":                externalID,
			"type":              "text",
			"text":              map[string]string{"body": text},
		}).
		SetResult(&result).
		Post(fmt.Sprintf("%s/%s/messages", w.baseURL, phoneID))
	if err != nil {
		return nil, fmt.Errorf("whatsapp send: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("whatsapp send: status %s", resp.Status())
	}
	receipt := &Receipt{}
	if len(result.Messages) > 0 {
		receipt.ChannelMessageID = result.Messages[0].ID
	}
	return receipt, nil
}
