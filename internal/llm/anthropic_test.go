package llm

import (
	"context"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/require"
)

type stubMessagesClient struct {
	lastParams sdk.MessageNewParams
	resp       *sdk.Message
	err        error
}

func (s *stubMessagesClient) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	s.lastParams = body
	return s.resp, s.err
}

func TestAnthropicSummarize(t *testing.T) {
	stub := &stubMessagesClient{resp: &sdk.Message{
		Content: []sdk.ContentBlockUnion{{Type: "text", Text: "The login button was disabled."}},
	}}
	gen, err := NewAnthropic(stub, AnthropicOptions{Model: "claude-3.5-sonnet"})
	require.NoError(t, err)

	reason, err := gen.Summarize(context.Background(), SummarizeInput{
		TestDescription: "Log in with valid credentials",
		ExpectedOutcome: "User reaches the dashboard",
		Status:          "failed",
	})
	require.NoError(t, err)
	require.Equal(t, "The login button was disabled.", reason)
	require.Equal(t, "claude-3.5-sonnet", string(stub.lastParams.Model))
}

func TestAnthropicSynthesizeDrafts(t *testing.T) {
	stub := &stubMessagesClient{resp: &sdk.Message{
		Content: []sdk.ContentBlockUnion{{Type: "text", Text: "```json\n{\"testCases\":[{\"title\":\"Checkout flow\",\"description\":\"Add an item and check out\",\"expectedOutcome\":\"Order confirmation is shown\"}]}\n```"}},
	}}
	gen, err := NewAnthropic(stub, AnthropicOptions{Model: "claude-3.5-sonnet"})
	require.NoError(t, err)

	drafts, err := gen.SynthesizeDrafts(context.Background(), SynthesizeInput{
		WebsiteURL: "https://example.com",
		Reason:     "Found a checkout flow with a cart and payment step.",
	})
	require.NoError(t, err)
	require.Len(t, drafts, 1)
	require.Equal(t, "Checkout flow", drafts[0].Title)
}

func TestAnthropicSynthesizeDraftsNoJSONObject(t *testing.T) {
	stub := &stubMessagesClient{resp: &sdk.Message{
		Content: []sdk.ContentBlockUnion{{Type: "text", Text: "I could not find anything."}},
	}}
	gen, err := NewAnthropic(stub, AnthropicOptions{Model: "claude-3.5-sonnet"})
	require.NoError(t, err)

	_, err = gen.SynthesizeDrafts(context.Background(), SynthesizeInput{Reason: "nothing found"})
	require.Error(t, err)
}

func TestNewAnthropicRequiresModel(t *testing.T) {
	_, err := NewAnthropic(&stubMessagesClient{}, AnthropicOptions{})
	require.Error(t, err)
}
