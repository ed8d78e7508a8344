// Package httpapi exposes the service's four external interfaces over plain
// net/http: the SSE execution stream, stop, AI generation kickoff, and AI
// generation status.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/aiqa-platform/qacore/internal/accountlock"
	"github.com/aiqa-platform/qacore/internal/aiqueue"
	"github.com/aiqa-platform/qacore/internal/aiqueue/schema"
	"github.com/aiqa-platform/qacore/internal/domain"
	"github.com/aiqa-platform/qacore/internal/llm"
	"github.com/aiqa-platform/qacore/internal/observability"
	"github.com/aiqa-platform/qacore/internal/provider"
	"github.com/aiqa-platform/qacore/internal/ratelimit"
	"github.com/aiqa-platform/qacore/internal/runregistry"
	"github.com/aiqa-platform/qacore/internal/scheduler"
	"github.com/aiqa-platform/qacore/internal/state"
	"github.com/aiqa-platform/qacore/internal/streaming"
)

// Server binds the scheduler, streaming, AI queue, rate limiting, and team
// state store packages to the HTTP surface.
type Server struct {
	store     state.Store
	locks     *accountlock.Registry
	runs      *runregistry.Registry
	providers *provider.Registry
	generator llm.Generator
	queue     *aiqueue.Worker

	executeLimiter  *ratelimit.Limiter
	stopLimiter     *ratelimit.Limiter
	generateLimiter *ratelimit.Limiter
	statusLimiter   *ratelimit.Limiter

	metrics *observability.Counters
}

// New builds a Server with process-local rate limiting. Its limiters are
// built with ratelimit.New; Server has no option to use
// ratelimit.NewClustered, so budgets are not shared across processes.
func New(store state.Store, locks *accountlock.Registry, runs *runregistry.Registry, providers *provider.Registry, generator llm.Generator, queue *aiqueue.Worker) *Server {
	return &Server{
		store:           store,
		locks:           locks,
		runs:            runs,
		providers:       providers,
		generator:       generator,
		queue:           queue,
		executeLimiter:  ratelimit.New("execute", ratelimit.ExecuteBudgetPerMinute),
		stopLimiter:     ratelimit.New("stop", ratelimit.StopBudgetPerMinute),
		generateLimiter: ratelimit.New("generate", ratelimit.GenerateBudgetPerMinute),
		statusLimiter:   ratelimit.New("generate-status", ratelimit.GenerateStatusBudgetPerMinute),
		metrics:         observability.NewCounters(),
	}
}

// Mux builds the HTTP routing table for the four external interfaces.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/runs", s.handleExecuteStream)
	mux.HandleFunc("POST /v1/runs/stop", s.handleStop)
	mux.HandleFunc("POST /v1/ai/generate", s.handleGenerateKickoff)
	mux.HandleFunc("GET /v1/ai/generate/status", s.handleGenerateStatus)
	return mux
}

// callerIdentity extracts the team and caller identifiers an upstream
// authenticator is expected to have attached to the request. Authorization
// itself (whether the caller may act as teamID) is out of scope for this
// core; only identity extraction lives here.
func callerIdentity(r *http.Request) (teamID, callerID string) {
	teamID = r.Header.Get("X-Team-Id")
	callerID = r.Header.Get("X-Caller-Id")
	if callerID == "" {
		callerID = teamID
	}
	return teamID, callerID
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// executeRequest is the POST /v1/runs request body.
type executeRequest struct {
	RunID         string            `json:"runId,omitempty"`
	TestCases     []domain.TestCase `json:"testCases"`
	WebsiteURL    string            `json:"websiteUrl"`
	ParallelLimit int               `json:"parallelLimit,omitempty"`
	AIModel       string            `json:"aiModel"`
	Settings      map[string]any    `json:"settings,omitempty"`
}

// handleExecuteStream implements the execution stream endpoint. Input
// validation failures are reported as a test_error with testCaseId "system"
// inside the opened stream rather than a 400, so stream consumers only ever
// parse one shape.
func (s *Server) handleExecuteStream(w http.ResponseWriter, r *http.Request) {
	teamID, callerID := callerIdentity(r)
	if teamID == "" {
		writeJSONError(w, http.StatusUnauthorized, "missing caller identity")
		return
	}
	if !s.executeLimiter.Allow(r.Context(), callerID) {
		writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	writer, err := streaming.NewWriter(w)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	defer writer.Close()

	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writer.EmitSystemError(fmt.Sprintf("malformed request body: %v", err))
		return
	}
	if len(req.TestCases) == 0 {
		writer.EmitSystemError("at least one test case is required")
		return
	}
	if req.WebsiteURL == "" {
		writer.EmitSystemError("websiteUrl is required")
		return
	}
	if req.AIModel == "" {
		writer.EmitSystemError("aiModel is required")
		return
	}

	projectID := req.TestCases[0].ProjectID
	doc, err := s.store.GetOrCreate(r.Context(), teamID)
	if err != nil {
		writer.EmitSystemError(fmt.Sprintf("failed to load team state: %v", err))
		return
	}

	prov, ok := s.providers.Get(doc.Settings.BrowserProvider)
	if !ok {
		writer.EmitSystemError(fmt.Sprintf("browser provider %q is not configured", doc.Settings.BrowserProvider))
		return
	}

	parallelism := doc.Settings.Parallelism
	if req.ParallelLimit > 0 {
		parallelism = req.ParallelLimit
	}
	if parallelism < domain.MinParallelism {
		parallelism = domain.MinParallelism
	}
	if parallelism > domain.MaxParallelism {
		parallelism = domain.MaxParallelism
	}

	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	// The handle is triggered by the stop endpoint; client disconnect cancels
	// the same derived context through r.Context() directly.
	ctx, _ := s.runs.Register(r.Context(), runID)
	defer s.runs.Unregister(runID)

	started := time.Now().UTC()
	s.markRunActive(context.Background(), teamID, runID, started)
	defer s.clearRunActive(context.Background(), teamID, runID)
	s.metrics.RunStarted(r.Context(), teamID)
	observability.Logf(r.Context(), "run started",
		log.KV{K: "run_id", V: runID},
		log.KV{K: "team_id", V: teamID},
		log.KV{K: "tests", V: len(req.TestCases)},
		log.KV{K: "parallelism", V: parallelism},
	)

	ctx, span := observability.StartSpan(ctx, "qacore.run")

	collector := &resultCollector{sink: writer}
	sched := scheduler.New(scheduler.Input{
		TestCases:   req.TestCases,
		TargetURL:   req.WebsiteURL,
		Parallelism: parallelism,
		AIModel:     req.AIModel,
		Settings:    doc.Settings,
		Accounts:    doc.AccountsByProject[projectID],
		Provider:    prov,
		Generator:   s.generator,
		Sink:        collector,
		Locks:       s.locks,
	})
	summary := sched.Run(ctx)
	span.End()

	s.persistRunResults(context.Background(), teamID, projectID, runID, started, parallelism, req.TestCases, collector.results, summary, ctx.Err() != nil)

	status := "completed"
	switch {
	case ctx.Err() != nil:
		status = "cancelled"
	case summary.Failed > 0:
		status = "failed"
	}
	s.metrics.RunFinished(context.Background(), teamID, status, time.Since(started))
	observability.Logf(r.Context(), "run finished",
		log.KV{K: "run_id", V: runID},
		log.KV{K: "status", V: status},
		log.KV{K: "passed", V: summary.Passed},
		log.KV{K: "failed", V: summary.Failed},
		log.KV{K: "skipped", V: summary.Skipped},
	)
}

// resultCollector forwards every event to the underlying sink while
// recording the terminal result of each test so the run can be persisted
// once the batch completes.
type resultCollector struct {
	sink    scheduler.EventSink
	results []domain.TestResult
}

func (c *resultCollector) Emit(e scheduler.Event) {
	if e.Result != nil {
		c.results = append(c.results, *e.Result)
	}
	c.sink.Emit(e)
}

func (s *Server) markRunActive(ctx context.Context, teamID, runID string, startedAt time.Time) {
	_ = s.mutateDoc(ctx, teamID, func(doc *domain.TeamState) {
		if doc.ActiveTestRuns == nil {
			doc.ActiveTestRuns = map[string]domain.ActiveRun{}
		}
		doc.ActiveTestRuns[runID] = domain.ActiveRun{RunID: runID, StartedAt: startedAt}
	})
}

func (s *Server) clearRunActive(ctx context.Context, teamID, runID string) {
	_ = s.mutateDoc(ctx, teamID, func(doc *domain.TeamState) {
		delete(doc.ActiveTestRuns, runID)
	})
}

func (s *Server) persistRunResults(ctx context.Context, teamID, projectID, runID string, started time.Time, parallelism int, testCases []domain.TestCase, results []domain.TestResult, summary scheduler.Summary, cancelled bool) {
	completedAt := time.Now().UTC()
	status := domain.RunStatusCompleted
	switch {
	case cancelled:
		status = domain.RunStatusCancelled
	case summary.Failed > 0:
		status = domain.RunStatusFailed
	}

	ids := make([]string, len(testCases))
	for i, tc := range testCases {
		ids[i] = tc.ID
	}

	resultByTestCase := make(map[string]domain.TestResult, len(results))
	for _, r := range results {
		resultByTestCase[r.TestCaseID] = r
	}

	_ = s.mutateDoc(ctx, teamID, func(doc *domain.TeamState) {
		for i := range doc.TestCasesByProject[projectID] {
			tc := &doc.TestCasesByProject[projectID][i]
			if res, ok := resultByTestCase[tc.ID]; ok {
				res := res
				tc.Status = res.Status
				tc.LastResult = &res
			}
		}
		run := domain.TestRun{
			ID:            runID,
			ProjectID:     projectID,
			StartedAt:     started,
			CompletedAt:   &completedAt,
			Status:        status,
			TestCaseIDs:   ids,
			ParallelLimit: parallelism,
			TotalTests:    summary.Total,
			Passed:        summary.Passed,
			Failed:        summary.Failed,
			Skipped:       summary.Skipped,
			Results:       results,
		}
		runs := append([]domain.TestRun{run}, doc.TestRunsByProject[projectID]...)
		if len(runs) > domain.MaxTestRunsPerProject {
			runs = runs[:domain.MaxTestRunsPerProject]
		}
		doc.TestRunsByProject[projectID] = runs

		for i := range doc.Projects {
			if doc.Projects[i].ID == projectID {
				doc.Projects[i].LastRunStatus = string(status)
			}
		}
		ranSet := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			ranSet[id] = struct{}{}
		}
		groups := doc.TestGroupsByProject[projectID]
		for i := range groups {
			for _, member := range groups[i].TestCaseIDs {
				if _, ok := ranSet[member]; ok {
					groups[i].LastRunStatus = string(status)
					break
				}
			}
		}
		doc.TestGroupsByProject[projectID] = groups
	})
}

func (s *Server) mutateDoc(ctx context.Context, teamID string, fn func(*domain.TeamState)) error {
	doc, err := s.store.GetOrCreate(ctx, teamID)
	if err != nil {
		return err
	}
	fn(doc)
	return s.store.Save(ctx, teamID, "httpapi", doc)
}

// stopRequest is the POST /v1/runs/stop request body.
type stopRequest struct {
	RunID string `json:"runId"`
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	_, callerID := callerIdentity(r)
	if !s.stopLimiter.Allow(r.Context(), callerID) {
		writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	var req stopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RunID == "" {
		writeJSONError(w, http.StatusBadRequest, "runId is required")
		return
	}
	stopped := s.runs.Stop(req.RunID)
	writeJSON(w, http.StatusOK, map[string]bool{"stopped": stopped})
}

func (s *Server) handleGenerateKickoff(w http.ResponseWriter, r *http.Request) {
	teamID, callerID := callerIdentity(r)
	if teamID == "" {
		writeJSONError(w, http.StatusUnauthorized, "missing caller identity")
		return
	}
	if !s.generateLimiter.Allow(r.Context(), callerID) {
		writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if err := schema.ValidateKickoff(body); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	var payload struct {
		ProjectID     string         `json:"projectId"`
		RawText       string         `json:"rawText"`
		WebsiteURL    string         `json:"websiteUrl"`
		AIModel       string         `json:"aiModel"`
		GroupName     string         `json:"groupName,omitempty"`
		UserAccountID string         `json:"userAccountId,omitempty"`
		Settings      map[string]any `json:"settings,omitempty"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	doc, err := s.store.GetOrCreate(r.Context(), teamID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to load team state")
		return
	}

	job, err := s.queue.Enqueue(r.Context(), teamID, aiqueue.KickoffRequest{
		ProjectID:     payload.ProjectID,
		RawText:       payload.RawText,
		WebsiteURL:    payload.WebsiteURL,
		AIModel:       payload.AIModel,
		GroupName:     payload.GroupName,
		UserAccountID: payload.UserAccountID,
		ProviderKey:   doc.Settings.BrowserProvider,
		Settings:      payload.Settings,
	})
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to enqueue job: %v", err))
		return
	}

	// Processing happens off the request's context: the job must keep
	// running after this handler returns the 202. The deadline is generous
	// relative to the account-wait loop's own 10-minute timeout so that wait
	// alone never gets cut short by this wrapper.
	go func() {
		bgCtx, cancel := context.WithTimeout(context.Background(), 20*time.Minute)
		defer cancel()
		bgCtx, span := observability.StartSpan(bgCtx, "qacore.ai_job")
		defer span.End()
		_ = s.queue.ProcessQueuedJobs(bgCtx, teamID, job.ID)
		s.recordJobOutcome(bgCtx, teamID, payload.ProjectID, job.ID)
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"success": true,
		"jobId":   job.ID,
		"message": "AI generation job queued.",
	})
}

// recordJobOutcome reads a job's terminal status back from the store and
// records it, best-effort.
func (s *Server) recordJobOutcome(ctx context.Context, teamID, projectID, jobID string) {
	doc, err := s.store.GetOrCreate(ctx, teamID)
	if err != nil {
		return
	}
	for _, j := range doc.JobsByProject[projectID] {
		if j.ID == jobID {
			s.metrics.JobFinished(ctx, teamID, string(j.Status))
			observability.Logf(ctx, "ai job finished",
				log.KV{K: "job_id", V: jobID},
				log.KV{K: "status", V: string(j.Status)},
				log.KV{K: "drafts", V: j.DraftsGenerated},
				log.KV{K: "duplicates", V: j.DraftsDuplicate},
			)
			return
		}
	}
}

func (s *Server) handleGenerateStatus(w http.ResponseWriter, r *http.Request) {
	teamID, callerID := callerIdentity(r)
	if teamID == "" {
		writeJSONError(w, http.StatusUnauthorized, "missing caller identity")
		return
	}
	if !s.statusLimiter.Allow(r.Context(), callerID) {
		writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	projectID := r.URL.Query().Get("projectId")
	if projectID == "" {
		writeJSONError(w, http.StatusBadRequest, "projectId is required")
		return
	}

	// Opportunistic drain: there is no dedicated background daemon, so the
	// status poll itself advances the queue.
	_ = s.queue.ProcessQueuedJobs(r.Context(), teamID, "")

	doc, err := s.store.GetOrCreate(r.Context(), teamID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to load team state")
		return
	}

	var visibleDrafts []domain.GeneratedTestDraft
	for _, d := range doc.DraftsByProject[projectID] {
		if d.Status == domain.DraftDraft || d.Status == domain.DraftDuplicateSkipped {
			visibleDrafts = append(visibleDrafts, d)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":         doc.JobsByProject[projectID],
		"drafts":       visibleDrafts,
		"notification": doc.NotificationsByProject[projectID],
	})
}
