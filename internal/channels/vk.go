package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-crm-bridge/internal/domain"
)

// VK adapter for Callback API groups. Credentials: "access_token" (group
// token), "confirmation_token" (echoed on type=confirmation), and an
// optional "secret" matched against the payload's secret field.
//
// The webhook contract is strict: VK expects HTTP 200 with body "ok" for
// every event regardless of internal outcome, otherwise it re-delivers the
// event indefinitely. The HTTP handler enforces that; this adapter only
// reports what it parsed.
type VK struct {
	http    *resty.Client
	baseURL string
	version string
}

// NewVK constructs the VK adapter.
func NewVK(timeout time.Duration) *VK {
	return &VK{
		http:    newHTTPClient(timeout),
		baseURL: "https://api.vk.com",
		version: "5.199",
	}
}

// Type implements Adapter.
func (v *VK) Type() string { return domain.ChannelVK }

// vkEvent is the subset of a Callback API event the bridge reads.
type vkEvent struct {
	Type   string `json:"type"`
	Secret string `json:"secret"`
	Object struct {
		Message struct {
			ID     int64  `json:"id"`
			FromID int64  `json:"from_id"`
			PeerID int64  `json:"peer_id"`
			Text   string `json:"text"`
		} `json:"message"`
	} `json:"object"`
}

// ParseInbound handles the confirmation handshake and message_new events.
// A configured secret mismatch surfaces as an error; the handler still
// answers "ok" to suppress VK's retry storm, but nothing is persisted.
func (v *VK) ParseInbound(_ context.Context, ch *domain.Channel, body []byte, _ http.Header) (*Inbound, error) {
	var ev vkEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if ev.Type == "confirmation" {
		token, err := credential(ch, "confirmation_token")
		if err != nil {
			return nil, err
		}
		return &Inbound{
			Kind:                 KindChallenge,
			Challenge:            token,
			ChallengeContentType: "text/plain",
		}, nil
	}
	if secret, ok := ch.Credentials.GetString("secret"); ok && secret != ev.Secret {
		return nil, fmt.Errorf("%w: secret mismatch", ErrBadPayload)
	}
	if ev.Type != "message_new" || strings.TrimSpace(ev.Object.Message.Text) == "" {
		return &Inbound{Kind: KindNoop}, nil
	}
	return &Inbound{
		Kind:             KindMessage,
		ExternalID:       strconv.FormatInt(ev.Object.Message.PeerID, 10),
		Text:             ev.Object.Message.Text,
		ChannelMessageID: strconv.FormatInt(ev.Object.Message.ID, 10),
	}, nil
}

// Deliver sends text via messages.send. random_id collisions are reported
// by VK as error 9; the message was already delivered once, so the
// duplicate is treated as success.
func (v *VK) Deliver(ctx context.Context, ch *domain.Channel, externalID, text string) (*Receipt, error) {
	token, err := credential(ch, "access_token")
	if err != nil {
		return nil, err
	}
	randomID := rand.Int63() // VK de-duplicates resends by this value
	var result struct {
		Response int64 `json:"response"`
		Error    *struct {
			Code int    `json:"error_code"`
			Msg  string `json:"error_msg"`
		} `json:"error"`
	}
	resp, err := v.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"peer_id":      externalID,
			"message":      text,
			"random_id":    strconv.FormatInt(randomID, 10),
			"access_token": token,
			"v":            v.version,
		}).
		SetResult(&result).
		Post(v.baseURL + "/method/messages.send")
	if err != nil {
		return nil, fmt.Errorf("vk messages.send: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("vk messages.send: status %s", resp.Status())
	}
	if result.Error != nil {
		// Error 9 (flood/duplicate random_id) means the message already
		// went out; do not fail the conversation flow over it.
		if result.Error.Code == 9 {
			log.Debug().Str("channel", ch.ID).Msg("vk duplicate random_id treated as delivered")
			return &Receipt{}, nil
		}
		return nil, fmt.Errorf("vk messages.send: error %d %s", result.Error.Code, result.Error.Msg)
	}
	return &Receipt{ChannelMessageID: strconv.FormatInt(result.Response, 10)}, nil
}
