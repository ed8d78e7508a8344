// Package provider abstracts the three browser-automation provider
// implementations (hyperbrowser, browser-use-cloud, stagehand) behind one
// capability interface, so scheduler and job-queue code never branches on
// provider identity.
package provider

import (
	"context"
	"errors"

	"github.com/aiqa-platform/qacore/internal/domain"
)

// ErrUnsupported is returned by LoginWithProfile/DeleteProfile for providers
// that don't implement reusable profiles. Every adapter still implements the
// method (returning this sentinel) so callers never need a type switch.
var ErrUnsupported = errors.New("provider: operation not supported")

// Credentials carries the optional login material for a test execution.
type Credentials struct {
	Email     string
	Password  string
	ProfileID string // non-empty if a reusable provider profile should be reused
	Metadata  map[string]string
}

// ExecuteInput is the input to ExecuteTest.
type ExecuteInput struct {
	TargetURL       string
	Task            string // composed natural-language task text, see prompt package
	ExpectedOutcome string
	Settings        domain.Settings
	Credentials     *Credentials // nil if the test has no account requirement
}

// Callbacks are invoked by the provider as the task progresses.
type Callbacks struct {
	// OnLiveURL is invoked at most once, as soon as a live viewer URL (and,
	// optionally, a recording URL) becomes available.
	OnLiveURL func(liveURL, recordingURL string)
	// OnTaskCreated is invoked at most once, as soon as the provider has
	// assigned identifiers to the underlying task/session.
	OnTaskCreated func(taskID, sessionID string)
	// OnStepProgress is invoked zero or more times as the agent executes.
	OnStepProgress func(currentStep, totalSteps int, description string)
}

// ExecStatus is the terminal status of an ExecuteTest call.
type ExecStatus string

// Execution statuses.
const (
	ExecCompleted ExecStatus = "completed"
	ExecFailed    ExecStatus = "failed"
	ExecError     ExecStatus = "error"
)

// Verdict is the structured success/reason/extractedData payload the
// browser agent is instructed to return as strict JSON.
type Verdict struct {
	Success       bool
	Reason        string
	ExtractedData map[string]any
}

// ExecuteResult is the outcome of ExecuteTest.
type ExecuteResult struct {
	Status          ExecStatus
	Verdict         *Verdict // nil when Status == ExecError
	LiveURL         string
	RecordingURL    string
	RawProviderData map[string]any
	Error           string // set when Status == ExecError
}

// LoginInput is the input to LoginWithProfile.
type LoginInput struct {
	TargetURL   string
	Credentials Credentials
	Settings    domain.Settings
}

// LoginResult is the outcome of LoginWithProfile.
type LoginResult struct {
	Success   bool
	ProfileID string
	Error     string
}

// Provider is the capability set every browser-automation backend must
// implement in full, even where an operation is unsupported (return
// ErrUnsupported instead of branching at the call site).
type Provider interface {
	// Key identifies the provider implementation, e.g. for settings routing.
	Key() domain.ProviderKey

	// ExecuteTest drives one test through the provider, streaming progress
	// via callbacks and honoring ctx cancellation at the provider's next
	// suspension point.
	ExecuteTest(ctx context.Context, in ExecuteInput, cb Callbacks) (ExecuteResult, error)

	// LoginWithProfile creates or reuses a provider-side profile and logs
	// in. Implementations must clean up any partially created profile on
	// failure.
	LoginWithProfile(ctx context.Context, in LoginInput) (LoginResult, error)

	// DeleteProfile best-effort deletes a provider-side profile.
	DeleteProfile(ctx context.Context, profileID string, settings domain.Settings) error
}

// Registry resolves a Provider by key.
type Registry struct {
	providers map[domain.ProviderKey]Provider
}

// NewRegistry builds a Registry from the given providers, keyed by their own
// Key().
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[domain.ProviderKey]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Key()] = p
	}
	return r
}

// Get resolves a provider by key, or false if unknown.
func (r *Registry) Get(key domain.ProviderKey) (Provider, bool) {
	p, ok := r.providers[key]
	return p, ok
}
