package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aiqa-platform/qacore/internal/accountlock"
	"github.com/aiqa-platform/qacore/internal/aiqueue"
	"github.com/aiqa-platform/qacore/internal/domain"
	"github.com/aiqa-platform/qacore/internal/llm"
	"github.com/aiqa-platform/qacore/internal/provider"
	"github.com/aiqa-platform/qacore/internal/runregistry"
	"github.com/aiqa-platform/qacore/internal/state"
	"github.com/aiqa-platform/qacore/internal/state/memstore"
)

// fakeProvider always succeeds immediately.
type fakeProvider struct{ key domain.ProviderKey }

func (f *fakeProvider) Key() domain.ProviderKey { return f.key }

func (f *fakeProvider) ExecuteTest(ctx context.Context, in provider.ExecuteInput, cb provider.Callbacks) (provider.ExecuteResult, error) {
	return provider.ExecuteResult{
		Status:  provider.ExecCompleted,
		Verdict: &provider.Verdict{Success: true, Reason: "ok"},
	}, nil
}

func (f *fakeProvider) LoginWithProfile(ctx context.Context, in provider.LoginInput) (provider.LoginResult, error) {
	return provider.LoginResult{}, provider.ErrUnsupported
}

func (f *fakeProvider) DeleteProfile(ctx context.Context, profileID string, settings domain.Settings) error {
	return provider.ErrUnsupported
}

type stubGenerator struct{}

func (stubGenerator) Summarize(ctx context.Context, in llm.SummarizeInput) (string, error) {
	return "summarized", nil
}

func (stubGenerator) SynthesizeDrafts(ctx context.Context, in llm.SynthesizeInput) ([]llm.DraftCandidate, error) {
	return nil, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	vault, err := state.NewKeyVault(make([]byte, 32))
	require.NoError(t, err)
	store := memstore.New(vault)
	locks := accountlock.New()
	runs := runregistry.New()
	providers := provider.NewRegistry(&fakeProvider{key: domain.ProviderHyperbrowser})
	gen := stubGenerator{}
	queue := aiqueue.NewWorker(store, locks, providers, gen)
	return New(store, locks, runs, providers, gen, queue)
}

// TestExecuteStream_SingleHappyPathTest: one test case with no account
// requirement and a provider that always succeeds yields
// test_start -> test_complete -> all_complete.
func TestExecuteStream_SingleHappyPathTest(t *testing.T) {
	srv := newTestServer(t)

	body, err := json.Marshal(map[string]any{
		"testCases": []domain.TestCase{
			{ID: "tc1", ProjectID: "proj1", Title: "Login", Description: "log in", ExpectedOutcome: "home page shown"},
		},
		"websiteUrl": "https://example.com",
		"aiModel":    "claude-sonnet-4-5",
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/runs", bytes.NewReader(body))
	req.Header.Set("X-Team-Id", "team-1")
	rec := httptest.NewRecorder()

	srv.Mux().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var types []string
	sc := bufio.NewScanner(strings.NewReader(rec.Body.String()))
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var evt struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &evt))
		types = append(types, evt.Type)
	}
	require.Equal(t, []string{"test_start", "test_complete", "all_complete"}, types)

	doc, err := srv.store.GetOrCreate(context.Background(), "team-1")
	require.NoError(t, err)
	require.Len(t, doc.TestRunsByProject["proj1"], 1)
	require.Equal(t, domain.RunStatusCompleted, doc.TestRunsByProject["proj1"][0].Status)
}

func TestStop_MissingRunIDIsBadRequest(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/runs/stop", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	srv.Mux().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStop_UnknownRunIDReportsNotStopped(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/runs/stop", bytes.NewReader([]byte(`{"runId":"nope"}`)))
	rec := httptest.NewRecorder()
	srv.Mux().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]bool
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.False(t, resp["stopped"])
}

func TestGenerateKickoffThenStatus(t *testing.T) {
	srv := newTestServer(t)

	kickoffBody, err := json.Marshal(map[string]any{
		"projectId":  "proj1",
		"rawText":    "explore the checkout flow",
		"websiteUrl": "https://example.com",
		"aiModel":    "claude-sonnet-4-5",
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/ai/generate", bytes.NewReader(kickoffBody))
	req.Header.Set("X-Team-Id", "team-2")
	rec := httptest.NewRecorder()
	srv.Mux().ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var kickoffResp struct {
		JobID string `json:"jobId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &kickoffResp))
	require.NotEmpty(t, kickoffResp.JobID)

	// Give the background worker goroutine a chance to claim/run the job;
	// no account is required, the fake provider succeeds and the stub
	// generator synthesizes no drafts, so the job finishes quickly.
	time.Sleep(50 * time.Millisecond)

	statusReq := httptest.NewRequest(http.MethodGet, "/v1/ai/generate/status?projectId=proj1", nil)
	statusReq.Header.Set("X-Team-Id", "team-2")
	statusRec := httptest.NewRecorder()
	srv.Mux().ServeHTTP(statusRec, statusReq)
	require.Equal(t, http.StatusOK, statusRec.Code)

	var statusResp struct {
		Jobs []domain.AIGenerationJob `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(statusRec.Body.Bytes(), &statusResp))
	require.Len(t, statusResp.Jobs, 1)
	require.Equal(t, kickoffResp.JobID, statusResp.Jobs[0].ID)
}
