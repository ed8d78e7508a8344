package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aiqa-platform/qacore/internal/domain"
)

// Hyperbrowser adapts the Hyperbrowser browser-agent REST API to Provider.
// Hyperbrowser supports reusable login profiles, so LoginWithProfile and
// DeleteProfile are fully implemented.
type Hyperbrowser struct {
	http *httpClient
}

// NewHyperbrowser builds a Hyperbrowser adapter against baseURL using apiKey.
func NewHyperbrowser(baseURL, apiKey string) *Hyperbrowser {
	return &Hyperbrowser{http: newHTTPClient(baseURL, apiKey)}
}

// Key implements Provider.
func (h *Hyperbrowser) Key() domain.ProviderKey { return domain.ProviderHyperbrowser }

type hbCreateTaskRequest struct {
	URL       string `json:"url"`
	Task      string `json:"task"`
	ProfileID string `json:"profileId,omitempty"`
}

type hbCreateTaskResponse struct {
	TaskID       string `json:"taskId"`
	SessionID    string `json:"sessionId"`
	LiveURL      string `json:"liveUrl"`
	RecordingURL string `json:"recordingUrl"`
}

type hbTaskStatusResponse struct {
	Status          string         `json:"status"` // "running" | "completed" | "failed"
	Output          string         `json:"output"`
	Error           string         `json:"error"`
	RawProviderData map[string]any `json:"rawData"`
	CurrentStep     int            `json:"currentStep"`
	TotalSteps      int            `json:"totalSteps"`
	StepDescription string         `json:"stepDescription"`
}

// ExecuteTest implements Provider.
func (h *Hyperbrowser) ExecuteTest(ctx context.Context, in ExecuteInput, cb Callbacks) (ExecuteResult, error) {
	var profileID string
	if in.Credentials != nil {
		profileID = in.Credentials.ProfileID
	}
	var created hbCreateTaskResponse
	if err := h.http.postJSON(ctx, "/task", hbCreateTaskRequest{URL: in.TargetURL, Task: in.Task, ProfileID: profileID}, &created); err != nil {
		return ExecuteResult{Status: ExecError, Error: err.Error()}, nil
	}
	if cb.OnTaskCreated != nil {
		cb.OnTaskCreated(created.TaskID, created.SessionID)
	}
	if created.LiveURL != "" && cb.OnLiveURL != nil {
		cb.OnLiveURL(created.LiveURL, created.RecordingURL)
	}

	lastStep := -1
	status, err := pollUntilTerminal(ctx, 2*time.Second,
		func(ctx context.Context) (hbTaskStatusResponse, error) {
			var s hbTaskStatusResponse
			if err := h.http.getJSON(ctx, "/task/"+created.TaskID, &s); err != nil {
				return hbTaskStatusResponse{}, err
			}
			if s.TotalSteps > 0 && s.CurrentStep != lastStep && cb.OnStepProgress != nil {
				cb.OnStepProgress(s.CurrentStep, s.TotalSteps, s.StepDescription)
				lastStep = s.CurrentStep
			}
			return s, nil
		},
		func(s hbTaskStatusResponse) bool { return s.Status == "completed" || s.Status == "failed" },
	)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return ExecuteResult{Status: ExecError, Error: "cancelled"}, nil
		}
		return ExecuteResult{Status: ExecError, Error: err.Error()}, nil
	}
	if status.Status == "failed" {
		return ExecuteResult{Status: ExecError, Error: firstNonEmpty(status.Error, "hyperbrowser task failed"), RawProviderData: status.RawProviderData}, nil
	}

	verdict, ok := ParseVerdict(status.Output)
	if !ok {
		verdict, ok = h.reverify(ctx, created.TaskID)
		if !ok {
			return ExecuteResult{
				Status:          ExecError,
				Error:           "Browser provider returned no verdict.",
				RawProviderData: map[string]any{"rawOutput": status.Output},
			}, nil
		}
	}
	return ExecuteResult{
		Status:          ExecCompleted,
		Verdict:         &verdict,
		LiveURL:         created.LiveURL,
		RecordingURL:    created.RecordingURL,
		RawProviderData: status.RawProviderData,
	}, nil
}

// reverify issues a second, targeted verification prompt when the agent's
// first output did not contain a parseable verdict.
func (h *Hyperbrowser) reverify(ctx context.Context, taskID string) (Verdict, bool) {
	var resp struct {
		Output string `json:"output"`
	}
	req := map[string]string{
		"message": `Respond with ONLY the JSON object { "success": true/false, "reason": "...", "extractedData": {} } summarizing the outcome of the task you just ran.`,
	}
	if err := h.http.postJSON(ctx, "/task/"+taskID+"/message", req, &resp); err != nil {
		return Verdict{}, false
	}
	return ParseVerdict(resp.Output)
}

// LoginWithProfile implements Provider.
func (h *Hyperbrowser) LoginWithProfile(ctx context.Context, in LoginInput) (LoginResult, error) {
	var created struct {
		ProfileID string `json:"profileId"`
	}
	if err := h.http.postJSON(ctx, "/profile", map[string]string{}, &created); err != nil {
		return LoginResult{Success: false, Error: err.Error()}, nil
	}

	task := fmt.Sprintf("Log in to %s using email %q and password %q. Report success or failure as JSON.",
		in.TargetURL, in.Credentials.Email, in.Credentials.Password)
	var createdTask hbCreateTaskResponse
	if err := h.http.postJSON(ctx, "/task", hbCreateTaskRequest{URL: in.TargetURL, Task: task, ProfileID: created.ProfileID}, &createdTask); err != nil {
		_ = h.http.delete(ctx, "/profile/"+created.ProfileID)
		return LoginResult{Success: false, Error: err.Error()}, nil
	}

	status, err := pollUntilTerminal(ctx, 2*time.Second,
		func(ctx context.Context) (hbTaskStatusResponse, error) {
			var s hbTaskStatusResponse
			return s, h.http.getJSON(ctx, "/task/"+createdTask.TaskID, &s)
		},
		func(s hbTaskStatusResponse) bool { return s.Status == "completed" || s.Status == "failed" },
	)
	if err != nil || status.Status == "failed" {
		_ = h.http.delete(ctx, "/profile/"+created.ProfileID)
		msg := "login task did not complete"
		if err != nil {
			msg = err.Error()
		}
		return LoginResult{Success: false, Error: msg}, nil
	}
	verdict, ok := ParseVerdict(status.Output)
	if !ok || !verdict.Success {
		_ = h.http.delete(ctx, "/profile/"+created.ProfileID)
		return LoginResult{Success: false, Error: firstNonEmpty(verdict.Reason, "login verification failed")}, nil
	}
	return LoginResult{Success: true, ProfileID: created.ProfileID}, nil
}

// DeleteProfile implements Provider. Best-effort.
func (h *Hyperbrowser) DeleteProfile(ctx context.Context, profileID string, _ domain.Settings) error {
	return h.http.delete(ctx, "/profile/"+profileID)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
