// Package prompt builds the natural-language task text sent to a browser
// agent, for both standard test execution and AI exploration jobs.
package prompt

import (
	"fmt"
	"sort"
	"strings"

	"github.com/aiqa-platform/qacore/internal/provider"
)

const errorScreenDirective = "IMPORTANT: If at any point you see an error screen, stop and fail the test.\n\n"

const verdictDirective = `Return ONLY a JSON object of shape
{ "success": true/false, "reason": "...", "extractedData": {} }`

// BuildTestTask composes the task text for a single test execution:
// credentials first, then the described steps, expected outcome, and the
// strict-JSON verdict directive.
func BuildTestTask(description, expectedOutcome string, creds *provider.Credentials) string {
	var b strings.Builder
	b.WriteString(errorScreenDirective)
	writeCredentialsSection(&b, creds)

	b.WriteString("After confirming authentication, proceed with:\n\n")
	b.WriteString(description)
	b.WriteString("\n\n")

	outcome := strings.TrimSpace(expectedOutcome)
	if outcome == "" {
		outcome = "the app behaves as described above without errors"
	}
	fmt.Fprintf(&b, "Expected outcome: %s\n\n", outcome)
	b.WriteString(verdictDirective)
	return b.String()
}

// BuildExplorationTask composes the task text for an AI exploration job:
// the same credentials handling as BuildTestTask, but no expected outcome
// and an exploration checklist plus a request for a structured report.
func BuildExplorationTask(rawText string, creds *provider.Credentials) string {
	var b strings.Builder
	b.WriteString(errorScreenDirective)
	writeCredentialsSection(&b, creds)

	b.WriteString("Explore the application guided by this request:\n\n")
	b.WriteString(rawText)
	b.WriteString("\n\nWhile exploring, cover:\n")
	b.WriteString("- Happy paths through the described functionality\n")
	b.WriteString("- Validation and error states\n")
	b.WriteString("- Edge cases at the boundaries of described inputs\n")
	b.WriteString("- Data integrity across navigation and reloads\n\n")
	b.WriteString("Return ONLY a JSON object of shape\n")
	b.WriteString(`{ "success": true/false, "reason": "a structured report of what was explored and found", "extractedData": {} }`)
	return b.String()
}

func writeCredentialsSection(b *strings.Builder, creds *provider.Credentials) {
	if creds == nil {
		return
	}
	if creds.ProfileID != "" {
		b.WriteString("IMPORTANT: Reuse the existing authenticated profile/session.\n")
		b.WriteString("Only log in manually if the app clearly shows you are signed out.\n")
		b.WriteString("Fallback credentials (use only if login is required):\n")
		fmt.Fprintf(b, "- Email: %s\n", creds.Email)
		fmt.Fprintf(b, "- Password: %s\n", creds.Password)
	} else if creds.Email != "" || creds.Password != "" {
		b.WriteString("IMPORTANT: Log in before the test using:\n")
		fmt.Fprintf(b, "- Email: %s\n", creds.Email)
		fmt.Fprintf(b, "- Password: %s\n", creds.Password)
	}
	if len(creds.Metadata) > 0 {
		b.WriteString("- Account info: ")
		b.WriteString(formatMetadata(creds.Metadata))
		b.WriteString("\n")
	}
	b.WriteString("\n")
}

func formatMetadata(meta map[string]string) string {
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, meta[k]))
	}
	return strings.Join(parts, ", ")
}
