package provider

import (
	"context"
	"errors"
	"time"

	"github.com/aiqa-platform/qacore/internal/domain"
)

// Stagehand adapts the Stagehand browser-agent API to Provider. Stagehand
// supports reusable "contexts" in place of login profiles.
type Stagehand struct {
	http *httpClient
}

// NewStagehand builds a Stagehand adapter against baseURL.
func NewStagehand(baseURL, apiKey string) *Stagehand {
	return &Stagehand{http: newHTTPClient(baseURL, apiKey)}
}

// Key implements Provider.
func (s *Stagehand) Key() domain.ProviderKey { return domain.ProviderStagehand }

type shSessionRequest struct {
	Instructions string `json:"instructions"`
	URL          string `json:"url"`
	ContextID    string `json:"contextId,omitempty"`
}

type shSessionResponse struct {
	SessionID string `json:"sessionId"`
	ViewerURL string `json:"viewerUrl"`
	ReplayURL string `json:"replayUrl"`
}

type shSessionStatus struct {
	State       string         `json:"state"` // "active" | "done" | "errored"
	Result      string         `json:"result"`
	Artifacts   map[string]any `json:"artifacts"`
	ActionIndex int            `json:"actionIndex"`
	ActionCount int            `json:"actionCount"`
	ActionLabel string         `json:"actionLabel"`
}

// ExecuteTest implements Provider.
func (s *Stagehand) ExecuteTest(ctx context.Context, in ExecuteInput, cb Callbacks) (ExecuteResult, error) {
	var contextID string
	if in.Credentials != nil {
		contextID = in.Credentials.ProfileID
	}
	var created shSessionResponse
	if err := s.http.postJSON(ctx, "/sessions", shSessionRequest{Instructions: in.Task, URL: in.TargetURL, ContextID: contextID}, &created); err != nil {
		return ExecuteResult{Status: ExecError, Error: err.Error()}, nil
	}
	if cb.OnTaskCreated != nil {
		cb.OnTaskCreated(created.SessionID, created.SessionID)
	}
	if created.ViewerURL != "" && cb.OnLiveURL != nil {
		cb.OnLiveURL(created.ViewerURL, created.ReplayURL)
	}

	lastAction := -1
	status, err := pollUntilTerminal(ctx, 2*time.Second,
		func(ctx context.Context) (shSessionStatus, error) {
			var st shSessionStatus
			if err := s.http.getJSON(ctx, "/sessions/"+created.SessionID, &st); err != nil {
				return shSessionStatus{}, err
			}
			if st.ActionCount > 0 && st.ActionIndex != lastAction && cb.OnStepProgress != nil {
				cb.OnStepProgress(st.ActionIndex, st.ActionCount, st.ActionLabel)
				lastAction = st.ActionIndex
			}
			return st, nil
		},
		func(st shSessionStatus) bool { return st.State == "done" || st.State == "errored" },
	)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return ExecuteResult{Status: ExecError, Error: "cancelled"}, nil
		}
		return ExecuteResult{Status: ExecError, Error: err.Error()}, nil
	}
	if status.State == "errored" {
		return ExecuteResult{Status: ExecError, Error: "stagehand session errored", RawProviderData: status.Artifacts}, nil
	}

	verdict, ok := ParseVerdict(status.Result)
	if !ok {
		verdict, ok = s.reverify(ctx, created.SessionID)
		if !ok {
			return ExecuteResult{
				Status:          ExecError,
				Error:           "Browser provider returned no verdict.",
				RawProviderData: map[string]any{"rawOutput": status.Result},
			}, nil
		}
	}
	return ExecuteResult{
		Status:          ExecCompleted,
		Verdict:         &verdict,
		LiveURL:         created.ViewerURL,
		RecordingURL:    created.ReplayURL,
		RawProviderData: status.Artifacts,
	}, nil
}

func (s *Stagehand) reverify(ctx context.Context, sessionID string) (Verdict, bool) {
	var resp struct {
		Result string `json:"result"`
	}
	req := map[string]string{
		"instructions": `Respond with ONLY the JSON object { "success": true/false, "reason": "...", "extractedData": {} } summarizing this session's outcome.`,
	}
	if err := s.http.postJSON(ctx, "/sessions/"+sessionID+"/act", req, &resp); err != nil {
		return Verdict{}, false
	}
	return ParseVerdict(resp.Result)
}

// LoginWithProfile implements Provider using Stagehand's reusable context
// concept in place of a profile.
func (s *Stagehand) LoginWithProfile(ctx context.Context, in LoginInput) (LoginResult, error) {
	var ctxResp struct {
		ContextID string `json:"contextId"`
	}
	if err := s.http.postJSON(ctx, "/contexts", map[string]string{}, &ctxResp); err != nil {
		return LoginResult{Success: false, Error: err.Error()}, nil
	}

	instructions := "Log in to " + in.TargetURL + " and report success or failure as JSON."
	var created shSessionResponse
	if err := s.http.postJSON(ctx, "/sessions", shSessionRequest{Instructions: instructions, URL: in.TargetURL, ContextID: ctxResp.ContextID}, &created); err != nil {
		_ = s.http.delete(ctx, "/contexts/"+ctxResp.ContextID)
		return LoginResult{Success: false, Error: err.Error()}, nil
	}

	status, err := pollUntilTerminal(ctx, 2*time.Second,
		func(ctx context.Context) (shSessionStatus, error) {
			var st shSessionStatus
			return st, s.http.getJSON(ctx, "/sessions/"+created.SessionID, &st)
		},
		func(st shSessionStatus) bool { return st.State == "done" || st.State == "errored" },
	)
	if err != nil || status.State == "errored" {
		_ = s.http.delete(ctx, "/contexts/"+ctxResp.ContextID)
		msg := "login session did not complete"
		if err != nil {
			msg = err.Error()
		}
		return LoginResult{Success: false, Error: msg}, nil
	}
	verdict, ok := ParseVerdict(status.Result)
	if !ok || !verdict.Success {
		_ = s.http.delete(ctx, "/contexts/"+ctxResp.ContextID)
		return LoginResult{Success: false, Error: firstNonEmpty(verdict.Reason, "login verification failed")}, nil
	}
	return LoginResult{Success: true, ProfileID: ctxResp.ContextID}, nil
}

// DeleteProfile implements Provider, best-effort.
func (s *Stagehand) DeleteProfile(ctx context.Context, profileID string, _ domain.Settings) error {
	return s.http.delete(ctx, "/contexts/"+profileID)
}
