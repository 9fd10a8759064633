// Package backend implements the generative-text collaborator: one opaque
// ask(conversation, text) call against an OpenAI-compatible chat API that
// always yields a structured reply, falling back to an apology with a
// neutral order when the model misbehaves.
package backend

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"relaybot/internal/domain"
	"relaybot/internal/metrics"
)

const defaultSystemPrompt = `You are the assistant for a care-package ordering service.
Speak plainly, respectfully and directly.

Your job:
1. Work out whether the person wants to place an order, ask about an order's status, or just has a question.
2. For an order, extract: facility (name or number), recipient name, products (name and quantity), notes.
3. If details are missing, ask for them clearly.
4. Set control.disable to true only when the person explicitly asks to stop receiving automated replies.

Always answer as a JSON object of this exact shape:
{
  "reply": "text the user will read",
  "order": {
    "type": "order" | "status" | "inquiry",
    "facility": "string or empty",
    "recipient": "string or empty",
    "items": [{"name": "string", "quantity": 1}],
    "notes": "string or empty"
  },
  "control": {"disable": false}
}`

const fallbackReply = "I'm having a little trouble thinking right now, but I can still help. " +
	"Tell me slowly which facility you want to send to and which products."

// OpenAI implements domain.Backend against an OpenAI-compatible chat API in
// JSON mode.
type OpenAI struct {
	client      *openai.Client
	model       string
	prompt      string
	temperature float32
	logger      *slog.Logger
}

type OpenAIConfig struct {
	APIKey       string
	APIBase      string
	Model        string
	SystemPrompt string
	Temperature  float32
	Logger       *slog.Logger
}

func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.3
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.APIBase != "" {
		clientCfg.BaseURL = strings.TrimSuffix(cfg.APIBase, "/")
	}

	return &OpenAI{
		client:      openai.NewClientWithConfig(clientCfg),
		model:       cfg.Model,
		prompt:      cfg.SystemPrompt,
		temperature: cfg.Temperature,
		logger:      cfg.Logger,
	}
}

// Ask sends the user's message and returns the parsed structured reply. API
// and parse failures are recovered locally: the user always gets a reply.
func (o *OpenAI) Ask(ctx context.Context, conv *domain.Conversation, text string) (*domain.BackendReply, error) {
	start := time.Now()
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       o.model,
		Temperature: o.temperature,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: o.prompt},
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
	})
	metrics.BackendLatency.Observe(time.Since(start).Seconds())

	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		o.logger.Error("backend call failed", "user", conv.UserID, "err", err)
		return Fallback(), nil
	}

	if len(resp.Choices) == 0 {
		o.logger.Error("backend returned no choices", "user", conv.UserID)
		return Fallback(), nil
	}

	reply, perr := ParseReply(resp.Choices[0].Message.Content)
	if perr != nil {
		o.logger.Warn("backend output not parseable, using fallback",
			"user", conv.UserID, "err", perr)
		return Fallback(), nil
	}
	return reply, nil
}

// ParseReply decodes the model's JSON payload into a BackendReply.
func ParseReply(raw string) (*domain.BackendReply, error) {
	var reply domain.BackendReply
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &reply); err != nil {
		return nil, err
	}
	if reply.Reply == "" {
		reply.Reply = fallbackReply
	}
	if reply.Order == nil {
		reply.Order = &domain.Order{Type: "inquiry"}
	}
	return &reply, nil
}

// Fallback is the neutral reply substituted when the backend fails: an
// apology plus an empty inquiry order.
func Fallback() *domain.BackendReply {
	return &domain.BackendReply{
		Reply: fallbackReply,
		Order: &domain.Order{Type: "inquiry"},
	}
}
