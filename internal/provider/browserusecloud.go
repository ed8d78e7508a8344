package provider

import (
	"context"
	"errors"
	"time"

	"github.com/aiqa-platform/qacore/internal/domain"
)

// BrowserUseCloud adapts the Browser Use Cloud REST API to Provider. This is
// the provider settings fall back to when the hyperbrowser toggle is off. It
// does not support reusable profiles.
type BrowserUseCloud struct {
	http *httpClient
}

// NewBrowserUseCloud builds a Browser Use Cloud adapter against baseURL.
func NewBrowserUseCloud(baseURL, apiKey string) *BrowserUseCloud {
	return &BrowserUseCloud{http: newHTTPClient(baseURL, apiKey)}
}

// Key implements Provider.
func (b *BrowserUseCloud) Key() domain.ProviderKey { return domain.ProviderBrowserUseCloud }

type bucRunRequest struct {
	Task string `json:"task"`
	URL  string `json:"startUrl"`
}

type bucRunResponse struct {
	ID      string `json:"id"`
	LiveURL string `json:"liveUrl"`
}

type bucRunStatus struct {
	Status          string         `json:"status"`
	Output          string         `json:"output"`
	RecordingURL    string         `json:"recordingUrl"`
	RawProviderData map[string]any `json:"rawOutput"`
	Step            int            `json:"step"`
	MaxSteps        int            `json:"maxSteps"`
	StepNote        string         `json:"stepNote"`
}

// ExecuteTest implements Provider.
func (b *BrowserUseCloud) ExecuteTest(ctx context.Context, in ExecuteInput, cb Callbacks) (ExecuteResult, error) {
	var created bucRunResponse
	if err := b.http.postJSON(ctx, "/runs", bucRunRequest{Task: in.Task, URL: in.TargetURL}, &created); err != nil {
		return ExecuteResult{Status: ExecError, Error: err.Error()}, nil
	}
	if cb.OnTaskCreated != nil {
		cb.OnTaskCreated(created.ID, created.ID)
	}
	if created.LiveURL != "" && cb.OnLiveURL != nil {
		cb.OnLiveURL(created.LiveURL, "")
	}

	lastStep := -1
	status, err := pollUntilTerminal(ctx, 2*time.Second,
		func(ctx context.Context) (bucRunStatus, error) {
			var s bucRunStatus
			if err := b.http.getJSON(ctx, "/runs/"+created.ID, &s); err != nil {
				return bucRunStatus{}, err
			}
			if s.MaxSteps > 0 && s.Step != lastStep && cb.OnStepProgress != nil {
				cb.OnStepProgress(s.Step, s.MaxSteps, s.StepNote)
				lastStep = s.Step
			}
			return s, nil
		},
		func(s bucRunStatus) bool { return s.Status == "finished" || s.Status == "failed" || s.Status == "stopped" },
	)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return ExecuteResult{Status: ExecError, Error: "cancelled"}, nil
		}
		return ExecuteResult{Status: ExecError, Error: err.Error()}, nil
	}
	if status.Status != "finished" {
		return ExecuteResult{Status: ExecError, Error: "browser-use-cloud run did not finish: " + status.Status, RawProviderData: status.RawProviderData}, nil
	}

	verdict, ok := ParseVerdict(status.Output)
	if !ok {
		// No conversational follow-up exists once a run is terminal, so there
		// is no reverify step here; preserve the raw output instead.
		return ExecuteResult{
			Status:          ExecError,
			Error:           "Browser provider returned no verdict.",
			RawProviderData: map[string]any{"rawOutput": status.Output},
		}, nil
	}
	return ExecuteResult{
		Status:          ExecCompleted,
		Verdict:         &verdict,
		LiveURL:         created.LiveURL,
		RecordingURL:    status.RecordingURL,
		RawProviderData: status.RawProviderData,
	}, nil
}

// LoginWithProfile is unsupported: Browser Use Cloud has no reusable profile
// concept in this integration.
func (b *BrowserUseCloud) LoginWithProfile(ctx context.Context, in LoginInput) (LoginResult, error) {
	return LoginResult{Success: false, Error: ErrUnsupported.Error()}, ErrUnsupported
}

// DeleteProfile is unsupported for the same reason as LoginWithProfile.
func (b *BrowserUseCloud) DeleteProfile(ctx context.Context, profileID string, _ domain.Settings) error {
	return ErrUnsupported
}
