package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

// runtimeClient mirrors the subset of the AWS Bedrock runtime client used by
// the adapter, matching *bedrockruntime.Client so tests can substitute a
// fake.
type runtimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Bedrock implements Generator on top of the AWS Bedrock Converse API.
type Bedrock struct {
	runtime runtimeClient
	model   string
}

// NewBedrock builds a Bedrock-backed Generator from the given runtime
// client and model identifier.
func NewBedrock(runtime runtimeClient, model string) (*Bedrock, error) {
	if runtime == nil {
		return nil, errors.New("llm: bedrock runtime client is required")
	}
	if model == "" {
		return nil, errors.New("llm: bedrock model is required")
	}
	return &Bedrock{runtime: runtime, model: model}, nil
}

func (b *Bedrock) complete(ctx context.Context, prompt string) (string, error) {
	out, err := b.runtime.Converse(ctx, &bedrockruntime.ConverseInput{
		ModelId: &b.model,
		Messages: []brtypes.Message{
			{
				Role:    brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: prompt}},
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("llm: bedrock converse: %w", err)
	}
	output, ok := out.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return "", errors.New("llm: bedrock converse returned no message")
	}
	var text string
	for _, block := range output.Value.Content {
		if tb, ok := block.(*brtypes.ContentBlockMemberText); ok {
			text += tb.Value
		}
	}
	return text, nil
}

// Summarize implements Generator.
func (b *Bedrock) Summarize(ctx context.Context, in SummarizeInput) (string, error) {
	return b.complete(ctx, summarizePrompt(in))
}

// SynthesizeDrafts implements Generator.
func (b *Bedrock) SynthesizeDrafts(ctx context.Context, in SynthesizeInput) ([]DraftCandidate, error) {
	text, err := b.complete(ctx, synthesizePrompt(in))
	if err != nil {
		return nil, err
	}
	return parseSynthesis(text)
}
