package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// chatClient captures the subset of go-openai used by the adapter.
type chatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAI implements Generator via the OpenAI Chat Completions API.
type OpenAI struct {
	chat  chatClient
	model string
}

// NewOpenAI builds an OpenAI-backed Generator from the given chat client.
func NewOpenAI(chat chatClient, model string) (*OpenAI, error) {
	if chat == nil {
		return nil, errors.New("llm: openai client is required")
	}
	model = strings.TrimSpace(model)
	if model == "" {
		return nil, errors.New("llm: openai model is required")
	}
	return &OpenAI{chat: chat, model: model}, nil
}

// NewOpenAIFromAPIKey constructs a Generator using the default go-openai
// HTTP client.
func NewOpenAIFromAPIKey(apiKey, model string) (*OpenAI, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("llm: openai api key is required")
	}
	return NewOpenAI(openai.NewClient(apiKey), model)
}

func (o *OpenAI) complete(ctx context.Context, prompt string) (string, error) {
	resp, err := o.chat.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("llm: openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("llm: openai returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// Summarize implements Generator.
func (o *OpenAI) Summarize(ctx context.Context, in SummarizeInput) (string, error) {
	return o.complete(ctx, summarizePrompt(in))
}

// SynthesizeDrafts implements Generator.
func (o *OpenAI) SynthesizeDrafts(ctx context.Context, in SynthesizeInput) ([]DraftCandidate, error) {
	text, err := o.complete(ctx, synthesizePrompt(in))
	if err != nil {
		return nil, err
	}
	return parseSynthesis(text)
}
