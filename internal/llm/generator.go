// Package llm defines the pluggable text-generation interface used to
// summarize test outcomes and synthesize draft test cases from an AI
// exploration session, plus three adapters (Anthropic, OpenAI, Bedrock)
// behind it, mirroring the multi-provider model.Client shape used for
// browser-agent providers.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aiqa-platform/qacore/internal/aiqueue/schema"
	"github.com/aiqa-platform/qacore/internal/domain"
)

// Generator is the pluggable contract every LLM adapter implements. Callers
// never branch on which adapter is configured.
type Generator interface {
	// Summarize produces a one-sentence reason for a terminal test result
	// that did not carry one from the browser provider.
	Summarize(ctx context.Context, in SummarizeInput) (string, error)

	// SynthesizeDrafts turns an AI exploration session's findings into a
	// small set of candidate test case drafts.
	SynthesizeDrafts(ctx context.Context, in SynthesizeInput) ([]DraftCandidate, error)
}

// SummarizeInput carries the terminal state of a test execution that needs a
// human-readable reason.
type SummarizeInput struct {
	TestDescription string
	ExpectedOutcome string
	Status          domain.TestStatus
	ErrorText       string
}

// SynthesizeInput carries an AI exploration session's verdict.
type SynthesizeInput struct {
	RawText       string
	WebsiteURL    string
	Reason        string
	ExtractedData map[string]any
}

// DraftCandidate is one candidate test case proposed by the synthesis call,
// before deduplication.
type DraftCandidate struct {
	Title           string `json:"title"`
	Description     string `json:"description"`
	ExpectedOutcome string `json:"expectedOutcome"`
}

type synthesizeResponse struct {
	TestCases []DraftCandidate `json:"testCases"`
}

// ErrNoCandidates is returned when a synthesis call parses successfully but
// yields zero test cases, which the caller treats as a failed job.
var ErrNoCandidates = errors.New("llm: synthesis produced no test case candidates")

const maxSynthesizedDrafts = 10

func summarizePrompt(in SummarizeInput) string {
	var b strings.Builder
	b.WriteString("A browser-based test case just finished with status \"")
	b.WriteString(string(in.Status))
	b.WriteString("\".\n\nTest description: ")
	b.WriteString(in.TestDescription)
	b.WriteString("\nExpected outcome: ")
	b.WriteString(in.ExpectedOutcome)
	if in.ErrorText != "" {
		b.WriteString("\nError text: ")
		b.WriteString(in.ErrorText)
	}
	b.WriteString("\n\nIn one sentence, explain why the test reached this status. Respond with plain text only, no preamble.")
	return b.String()
}

func synthesizePrompt(in SynthesizeInput) string {
	var b strings.Builder
	b.WriteString("An AI agent explored ")
	if in.WebsiteURL != "" {
		b.WriteString(in.WebsiteURL)
	} else {
		b.WriteString("a web application")
	}
	b.WriteString(" to find test scenarios. The exploration's findings:\n\nSummary: ")
	b.WriteString(in.Reason)
	if len(in.ExtractedData) > 0 {
		if data, err := json.Marshal(in.ExtractedData); err == nil {
			b.WriteString("\nExtracted data: ")
			b.Write(data)
		}
	}
	b.WriteString("\n\nPropose between 1 and 10 concrete test cases this application should have, based on the findings above. ")
	b.WriteString(`Respond with ONLY a strict JSON object of the form { "testCases": [ { "title": "...", "description": "...", "expectedOutcome": "..." } ] }, no prose, no markdown.`)
	return b.String()
}

// parseSynthesis extracts and validates the first JSON object in text,
// capping at maxSynthesizedDrafts candidates.
func parseSynthesis(text string) ([]DraftCandidate, error) {
	obj := extractFirstJSONObject(stripCodeFences(text))
	if obj == "" {
		return nil, errors.New("llm: no JSON object found in synthesis response")
	}
	if err := schema.ValidateSynthesis([]byte(obj)); err != nil {
		return nil, fmt.Errorf("llm: synthesis response failed schema validation: %w", err)
	}
	var resp synthesizeResponse
	if err := json.Unmarshal([]byte(obj), &resp); err != nil {
		return nil, err
	}
	candidates := make([]DraftCandidate, 0, len(resp.TestCases))
	for _, tc := range resp.TestCases {
		if tc.Title == "" || tc.Description == "" {
			continue
		}
		candidates = append(candidates, tc)
		if len(candidates) == maxSynthesizedDrafts {
			break
		}
	}
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}
	return candidates, nil
}

func stripCodeFences(text string) string {
	t := strings.TrimSpace(text)
	if !strings.HasPrefix(t, "```") {
		return t
	}
	t = strings.TrimPrefix(t, "```json")
	t = strings.TrimPrefix(t, "```")
	t = strings.TrimSuffix(t, "```")
	return strings.TrimSpace(t)
}

func extractFirstJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}
