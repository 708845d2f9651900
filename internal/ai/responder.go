// Package ai produces assistant replies for incoming conversation
// messages. The default implementation talks to an OpenAI-compatible
// chat completion endpoint; callers depend on the Responder interface
// so tests and disabled deployments can substitute their own.
package ai

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-crm-bridge/internal/config"
	"github.com/tbourn/go-crm-bridge/internal/domain"
	"github.com/tbourn/go-crm-bridge/internal/search"
)

// Reply is one generated assistant turn.
type Reply struct {
	Text         string
	TokensUsed   int
	FinishReason string
}

// Responder generates the assistant reply for a conversation turn.
// history is ordered oldest first and already includes the triggering
// user message.
type Responder interface {
	Respond(ctx context.Context, bot *domain.Bot, history []domain.Message) (*Reply, error)
}

// Client is the OpenAI-compatible Responder.
//
// Fields:
//   - client: configured SDK client
//   - model: default model when the bot does not pin one
//   - KB: optional knowledge base; top-ranked snippets for the latest
//     user message are injected into the system prompt
type Client struct {
	client *openai.Client
	model  string

	KB search.Index
}

// NewClient builds a Client from configuration. A custom base URL lets
// deployments point at a proxy or a self-hosted compatible server.
func NewClient(cfg config.AIConfig) *Client {
	options := []option.RequestOption{}
	if cfg.Timeout > 0 {
		// The completion call runs under the per-conversation lock, so a
		// hung provider would stall every message in that conversation.
		options = append(options, option.WithRequestTimeout(cfg.Timeout))
	}
	if cfg.BaseURL != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.APIKey == "" {
		log.Warn().Msg("ai: no api key configured, trying unauthenticated access")
	} else {
		options = append(options, option.WithAPIKey(cfg.APIKey))
	}
	client := openai.NewClient(options...)
	return &Client{client: &client, model: cfg.Model}
}

const systemPrompt = `You are a customer support assistant for %s.
Answer briefly and helpfully in the language the user writes in.
If the user asks for a human, tell them an operator will join shortly.`

// Respond implements Responder.
func (c *Client) Respond(ctx context.Context, bot *domain.Bot, history []domain.Message) (*Reply, error) {
	model := bot.AIModel
	if model == "" {
		model = c.model
	}
	system := fmt.Sprintf(systemPrompt, bot.Name)
	if grounding := c.kbContext(history); grounding != "" {
		system += "\n\nUse the following reference material when relevant:\n" + grounding
	}
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+1)
	messages = append(messages, openai.SystemMessage(system))
	for _, m := range history {
		switch m.Role {
		case domain.RoleUser:
			messages = append(messages, openai.UserMessage(m.Content))
		case domain.RoleAssistant, domain.RoleOperator:
			messages = append(messages, openai.AssistantMessage(m.Content))
		}
	}

	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages: messages,
		Model:    model,
	})
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat completion returned no choices")
	}
	choice := resp.Choices[0]
	text := strings.TrimSpace(choice.Message.Content)
	if text == "" {
		return nil, fmt.Errorf("chat completion returned empty content")
	}
	return &Reply{
		Text:         text,
		TokensUsed:   int(resp.Usage.TotalTokens),
		FinishReason: string(choice.FinishReason),
	}, nil
}

// kbContext retrieves the top knowledge base snippets for the latest
// user message.
func (c *Client) kbContext(history []domain.Message) string {
	if c.KB == nil {
		return ""
	}
	var query string
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == domain.RoleUser {
			query = history[i].Content
			break
		}
	}
	if query == "" {
		return ""
	}
	results := c.KB.TopK(query, 3)
	if len(results) == 0 {
		return ""
	}
	var b strings.Builder
	for _, r := range results {
		b.WriteString("- ")
		b.WriteString(r.Snippet)
		b.WriteString("\n")
	}
	return b.String()
}
