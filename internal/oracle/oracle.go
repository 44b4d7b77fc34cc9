// Package oracle is the seam onto the external generative-AI backend
// (SPEC_FULL.md §2 — Non-goal: provider internals are a black box). I
// defines the request/response contract the Processor depends on; Anthropic
// is the production implementation, sourced from the one AI SDK found
// anywhere in the retrieval pack (jordigilh-kubernaut/go.mod).
package oracle

import (
	"context"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"zapgate.dev/internal/conversation"
)

// ErrEmptyResponse is returned when the backend answers with no usable text.
var ErrEmptyResponse = errors.New("oracle: empty response")

// Turn is one piece of conversational history handed to the backend as
// context, derived from conversation.Message.
type Turn struct {
	Role string // "user" or "assistant"
	Text string
}

// Request bundles what the Processor sends to the backend for one turn.
type Request struct {
	UserKey string
	History []Turn
	Prompt  string
}

// I is the oracle seam. Generate returns the model's reply text and,
// optionally, a memory summary for the Processor to carry forward into the
// session's metadata for long histories (SPEC_FULL.md §4.7 — a hint, not a
// contract: an empty summary is always valid). The error is what the
// Circuit Breaker counts as a backend failure.
type I interface {
	Generate(ctx context.Context, req Request) (reply string, memorySummary string, err error)
}

// TurnsFromHistory adapts persisted conversation messages into the role/text
// turns the oracle wants, dropping system-variant turns (internal bookkeeping,
// not part of the model-visible exchange).
func TurnsFromHistory(msgs []*conversation.Message) []Turn {
	out := make([]Turn, 0, len(msgs))
	for _, m := range msgs {
		switch m.Variant {
		case conversation.UserTurn:
			out = append(out, Turn{Role: "user", Text: m.Text})
		case conversation.BotTurn:
			out = append(out, Turn{Role: "assistant", Text: m.Text})
		}
	}
	return out
}

// Anthropic is the production oracle, calling Anthropic's Messages API.
type Anthropic struct {
	client      anthropic.Client
	model       anthropic.Model
	maxTokens   int64
	systemHint  string
}

// AnthropicConfig configures the production oracle.
type AnthropicConfig struct {
	APIKey     string
	Model      string
	MaxTokens  int64
	SystemHint string // e.g. a standing summary/persona instruction
}

// NewAnthropic constructs an Anthropic-backed oracle.
func NewAnthropic(cfg AnthropicConfig) *Anthropic {
	model := anthropic.Model(cfg.Model)
	if cfg.Model == "" {
		model = anthropic.ModelClaude3_5HaikuLatest
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &Anthropic{
		client:     anthropic.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:      model,
		maxTokens:  maxTokens,
		systemHint: cfg.SystemHint,
	}
}

// Generate sends req's history plus prompt as one Messages API call. It
// never produces a memory summary today — the Anthropic backend is used as
// a plain completion call, with no separate summarization pass.
func (a *Anthropic) Generate(ctx context.Context, req Request) (string, string, error) {
	msgs := make([]anthropic.MessageParam, 0, len(req.History)+1)
	for _, t := range req.History {
		block := anthropic.NewTextBlock(t.Text)
		if t.Role == "assistant" {
			msgs = append(msgs, anthropic.NewAssistantMessage(block))
		} else {
			msgs = append(msgs, anthropic.NewUserMessage(block))
		}
	}
	msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)))

	params := anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		Messages:  msgs,
	}
	if a.systemHint != "" {
		params.System = []anthropic.TextBlockParam{{Text: a.systemHint}}
	}

	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return "", "", fmt.Errorf("oracle: %w", err)
	}
	for _, block := range resp.Content {
		if block.Type == "text" {
			if block.Text != "" {
				return block.Text, "", nil
			}
		}
	}
	return "", "", ErrEmptyResponse
}

// Fallback is a degraded-mode oracle returning a fixed decline message,
// wired in when no API key is configured (useful for local/dev runs and for
// breaker-open paths that want a deterministic non-error reply rather than
// a synchronous failure).
type Fallback struct {
	Message string
}

// DefaultFallbackMessage is used when Fallback.Message is empty.
const DefaultFallbackMessage = "the assistant is temporarily unavailable, please try again shortly"

// Generate always succeeds with the configured fallback text.
func (f *Fallback) Generate(_ context.Context, _ Request) (string, string, error) {
	if f.Message == "" {
		return DefaultFallbackMessage, "", nil
	}
	return f.Message, "", nil
}
