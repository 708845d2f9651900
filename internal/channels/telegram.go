package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-crm-bridge/internal/domain"
)

// Telegram adapter. Inbound payloads are Bot API Update objects delivered
// to the webhook; outbound delivery uses sendMessage. The bot token comes
// from the channel credential bundle under "bot_token".
type Telegram struct {
	http    *resty.Client
	baseURL string // overridable for tests
}

// NewTelegram constructs the Telegram adapter.
func NewTelegram(timeout time.Duration) *Telegram {
	return &Telegram{
		http:    newHTTPClient(timeout),
		baseURL: "https://api.telegram.org",
	}
}

// Type implements Adapter.
func (t *Telegram) Type() string { return domain.ChannelTelegram }

// telegramUpdate is the subset of the Bot API Update shape the bridge
// reads.
type telegramUpdate struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		MessageID int64  `json:"message_id"`
		Text      string `json:"text"`
		From      *struct {
			ID        int64  `json:"id"`
			FirstName string `json:"first_name"`
			LastName  string `json:"last_name"`
			Username  string `json:"username"`
		} `json:"from"`
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
	} `json:"message"`
}

// ParseInbound translates a Bot API Update into a unified inbound event.
// Updates without a text message (edits, stickers, service events) are
// Noops.
func (t *Telegram) ParseInbound(_ context.Context, _ *domain.Channel, body []byte, _ http.Header) (*Inbound, error) {
	var upd telegramUpdate
	if err := json.Unmarshal(body, &upd); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if upd.Message == nil || strings.TrimSpace(upd.Message.Text) == "" {
		return &Inbound{Kind: KindNoop}, nil
	}
	in := &Inbound{
		Kind:             KindMessage,
		ExternalID:       strconv.FormatInt(upd.Message.Chat.ID, 10),
		Text:             upd.Message.Text,
		ChannelMessageID: strconv.FormatInt(upd.Message.MessageID, 10),
	}
	if f := upd.Message.From; f != nil {
		in.DisplayName = strings.TrimSpace(f.FirstName + " " + f.LastName)
		if in.DisplayName == "" {
			in.DisplayName = f.Username
		}
	}
	return in, nil
}

// Deliver sends text to a chat via sendMessage.
func (t *Telegram) Deliver(ctx context.Context, ch *domain.Channel, externalID, text string) (*Receipt, error) {
	token, err := credential(ch, "bot_token")
	if err != nil {
		return nil, err
	}
	var result struct {
		OK     bool `json:"ok"`
		Result struct {
			MessageID int64 `json:"message_id"`
		} `json:"result"`
		Description string `json:"description"`
	}
	resp, err := t.http.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"chat_id": externalID,
			"text":    text,
		}).
		SetResult(&result).
		Post(fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, token))
	if err != nil {
		return nil, fmt.Errorf("telegram sendMessage: %w", err)
	}
	if resp.IsError() || !result.OK {
		log.Warn().
			Str("channel", ch.ID).
			Int("status", resp.StatusCode()).
			Str("description", result.Description).
			Msg("telegram delivery rejected")
		return nil, fmt.Errorf("telegram sendMessage: status %s", resp.Status())
	}
	return &Receipt{ChannelMessageID: strconv.FormatInt(result.Result.MessageID, 10)}, nil
}
