package llm

import (
	"context"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// messagesClient captures the subset of the Anthropic SDK used by the
// adapter, so tests can substitute a fake.
type messagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// AnthropicOptions configures the Anthropic-backed Generator.
type AnthropicOptions struct {
	// Model is the Claude model identifier used for both summarize and
	// synthesize calls. Required.
	Model string
	// MaxTokens caps the completion length. Defaults to 1024 when zero.
	MaxTokens int
}

// Anthropic implements Generator on top of Anthropic Claude Messages.
type Anthropic struct {
	msg       messagesClient
	model     string
	maxTokens int
}

// NewAnthropic builds an Anthropic-backed Generator from the given Messages
// client.
func NewAnthropic(msg messagesClient, opts AnthropicOptions) (*Anthropic, error) {
	if msg == nil {
		return nil, errors.New("llm: anthropic client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("llm: anthropic model is required")
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &Anthropic{msg: msg, model: opts.Model, maxTokens: maxTokens}, nil
}

// NewAnthropicFromAPIKey constructs a Generator using the default Anthropic
// HTTP client, reading credentials from apiKey.
func NewAnthropicFromAPIKey(apiKey, model string) (*Anthropic, error) {
	if apiKey == "" {
		return nil, errors.New("llm: anthropic api key is required")
	}
	c := sdk.NewClient(option.WithAPIKey(apiKey))
	return NewAnthropic(&c.Messages, AnthropicOptions{Model: model})
}

func (a *Anthropic) complete(ctx context.Context, prompt string) (string, error) {
	msg, err := a.msg.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(a.model),
		MaxTokens: int64(a.maxTokens),
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("llm: anthropic messages.new: %w", err)
	}
	var out string
	for _, block := range msg.Content {
		if block.Type == "text" {
			out += block.Text
		}
	}
	return out, nil
}

// Summarize implements Generator.
func (a *Anthropic) Summarize(ctx context.Context, in SummarizeInput) (string, error) {
	return a.complete(ctx, summarizePrompt(in))
}

// SynthesizeDrafts implements Generator.
func (a *Anthropic) SynthesizeDrafts(ctx context.Context, in SynthesizeInput) ([]DraftCandidate, error) {
	text, err := a.complete(ctx, synthesizePrompt(in))
	if err != nil {
		return nil, err
	}
	return parseSynthesis(text)
}
