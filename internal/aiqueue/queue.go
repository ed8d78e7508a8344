// Package aiqueue implements the AI generation job queue: a
// single-job-per-request pipeline that claims a queued job, runs a browser
// exploration session under the same account-lock discipline as the batch
// scheduler, synthesizes candidate test drafts via an LLM, deduplicates
// them, and persists the results back into team state.
package aiqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aiqa-platform/qacore/internal/accountlock"
	"github.com/aiqa-platform/qacore/internal/dedup"
	"github.com/aiqa-platform/qacore/internal/domain"
	"github.com/aiqa-platform/qacore/internal/llm"
	"github.com/aiqa-platform/qacore/internal/prompt"
	"github.com/aiqa-platform/qacore/internal/provider"
	"github.com/aiqa-platform/qacore/internal/state"
)

// pollInterval and accountWaitDeadline govern the account-wait
// poll-on-registry loop.
var (
	pollInterval        = 350 * time.Millisecond
	accountWaitDeadline = 10 * time.Minute
)

// MaxDrainPerStatusCheck bounds how many queued or stale-running jobs one
// GET status call will opportunistically drain.
const MaxDrainPerStatusCheck = 2

// KickoffRequest is the validated body of POST /v1/ai/generate.
type KickoffRequest struct {
	ProjectID     string
	RawText       string
	WebsiteURL    string
	AIModel       string
	GroupName     string
	UserAccountID string
	ProviderKey   domain.ProviderKey
	Settings      map[string]any
}

// Worker drives the AI generation job queue end to end. One Worker is
// shared by every request handler and background drain call for a process.
type Worker struct {
	store     state.Store
	locks     *accountlock.Registry
	providers *provider.Registry
	generator llm.Generator

	// claimMu serializes read-modify-write job-list mutations per process.
	// It does not protect against a second process racing the same team
	// document (same process-local caveat as accountlock/runregistry).
	claimMu sync.Mutex
}

// NewWorker builds a Worker.
func NewWorker(store state.Store, locks *accountlock.Registry, providers *provider.Registry, generator llm.Generator) *Worker {
	return &Worker{store: store, locks: locks, providers: providers, generator: generator}
}

// Enqueue appends a queued job to the project's job list (cap
// MaxAIJobsPerProject, newest first) and returns it.
func (w *Worker) Enqueue(ctx context.Context, teamID string, req KickoffRequest) (domain.AIGenerationJob, error) {
	providerKey := req.ProviderKey
	if providerKey == "" {
		providerKey = domain.ProviderHyperbrowser
	}
	job := domain.AIGenerationJob{
		ID:            uuid.NewString(),
		ProjectID:     req.ProjectID,
		RawText:       req.RawText,
		WebsiteURL:    req.WebsiteURL,
		GroupName:     req.GroupName,
		UserAccountID: req.UserAccountID,
		ProviderKey:   providerKey,
		Settings:      req.Settings,
		AIModel:       req.AIModel,
		Status:        domain.JobQueued,
		CreatedAt:     time.Now(),
	}

	w.claimMu.Lock()
	defer w.claimMu.Unlock()

	doc, err := w.store.GetOrCreate(ctx, teamID)
	if err != nil {
		return domain.AIGenerationJob{}, err
	}
	if doc.JobsByProject == nil {
		doc.JobsByProject = map[string][]domain.AIGenerationJob{}
	}
	jobs := append([]domain.AIGenerationJob{job}, doc.JobsByProject[req.ProjectID]...)
	if len(jobs) > domain.MaxAIJobsPerProject {
		jobs = jobs[:domain.MaxAIJobsPerProject]
	}
	doc.JobsByProject[req.ProjectID] = jobs
	if err := w.store.Save(ctx, teamID, "aiqueue", doc); err != nil {
		return domain.AIGenerationJob{}, err
	}
	return job, nil
}

// ProcessQueuedJobs claims and runs jobs for teamID. If targetJobID is
// non-empty, only that job may be claimed and at most one job runs.
// Otherwise up to MaxDrainPerStatusCheck claimable jobs are drained
// opportunistically; there is no dedicated daemon, callers drive the queue.
func (w *Worker) ProcessQueuedJobs(ctx context.Context, teamID string, targetJobID string) error {
	limit := MaxDrainPerStatusCheck
	if targetJobID != "" {
		limit = 1
	}
	for i := 0; i < limit; i++ {
		job, ok, err := w.claimNextJob(ctx, teamID, targetJobID)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		w.runClaimedJob(ctx, teamID, job)
		if targetJobID != "" {
			return nil
		}
	}
	return nil
}

// claimNextJob performs the claim read-modify-write: among all claimable
// jobs (queued, or running-but-stale) across every project, pick the
// earliest by createdAt (or the target job only, if specified), mark it
// running, and persist.
func (w *Worker) claimNextJob(ctx context.Context, teamID, targetJobID string) (domain.AIGenerationJob, bool, error) {
	w.claimMu.Lock()
	defer w.claimMu.Unlock()

	doc, err := w.store.GetOrCreate(ctx, teamID)
	if err != nil {
		return domain.AIGenerationJob{}, false, err
	}

	claimProjectID := ""
	claimIndex := -1
	var best domain.AIGenerationJob

	for projectID, jobs := range doc.JobsByProject {
		for i, j := range jobs {
			if targetJobID != "" && j.ID != targetJobID {
				continue
			}
			if !isClaimable(j) {
				continue
			}
			if claimIndex == -1 || j.CreatedAt.Before(best.CreatedAt) {
				claimProjectID, claimIndex, best = projectID, i, j
			}
		}
	}
	if claimIndex == -1 {
		return domain.AIGenerationJob{}, false, nil
	}

	now := time.Now()
	best.Status = domain.JobRunning
	best.StartedAt = &now
	best.Progress = "AI is now checking your app to determine best test cases."
	doc.JobsByProject[claimProjectID][claimIndex] = best

	if err := w.store.Save(ctx, teamID, "aiqueue", doc); err != nil {
		return domain.AIGenerationJob{}, false, err
	}
	return best, true, nil
}

func isClaimable(j domain.AIGenerationJob) bool {
	if j.Status == domain.JobQueued {
		return true
	}
	return j.Status == domain.JobRunning && j.StartedAt != nil && time.Since(*j.StartedAt) > domain.StaleJobThreshold
}

// runClaimedJob drives one claimed job end to end: account wait,
// exploration, synthesis, dedup, persist.
func (w *Worker) runClaimedJob(ctx context.Context, teamID string, job domain.AIGenerationJob) {
	prov, ok := w.providers.Get(job.ProviderKey)
	if !ok {
		w.failJob(ctx, teamID, job, fmt.Sprintf("Unknown browser provider '%s'.", job.ProviderKey))
		return
	}

	resolvedAccountID, acc, err := w.waitForAccount(ctx, teamID, job)
	if err != nil {
		w.failJob(ctx, teamID, job, err.Error())
		return
	}
	if resolvedAccountID != "" {
		defer w.locks.Release(resolvedAccountID)
	}

	var creds *provider.Credentials
	if acc != nil {
		creds = credentialsForAccount(*acc, job.ProviderKey)
	}
	task := prompt.BuildExplorationTask(job.RawText, creds)

	var liveURL, recordingURL string
	execResult, err := prov.ExecuteTest(ctx, provider.ExecuteInput{
		TargetURL:   job.WebsiteURL,
		Task:        task,
		Settings:    domain.Settings{BrowserProvider: job.ProviderKey},
		Credentials: creds,
	}, provider.Callbacks{
		OnLiveURL: func(lu, ru string) {
			liveURL, recordingURL = lu, ru
			_ = w.mutateJob(ctx, teamID, job.ID, func(j *domain.AIGenerationJob) {
				j.LiveURL, j.RecordingURL = lu, ru
			})
		},
	})
	if err != nil {
		w.failJob(ctx, teamID, job, err.Error())
		return
	}
	if execResult.Status == provider.ExecError || execResult.Verdict == nil {
		msg := execResult.Error
		if msg == "" {
			msg = "Browser provider returned no verdict."
		}
		w.failJob(ctx, teamID, job, msg)
		return
	}

	candidates, err := w.generator.SynthesizeDrafts(ctx, llm.SynthesizeInput{
		RawText:       execResult.Verdict.Reason,
		WebsiteURL:    job.WebsiteURL,
		Reason:        execResult.Verdict.Reason,
		ExtractedData: execResult.Verdict.ExtractedData,
	})
	if err != nil {
		w.failJob(ctx, teamID, job, err.Error())
		return
	}

	w.completeJob(ctx, teamID, job, resolvedAccountID, candidates, liveURL, recordingURL)
}

// waitForAccount polls the account lock registry for an available account,
// seeded by the job's createdAt for fairness across concurrent workers,
// until success or the wait deadline.
func (w *Worker) waitForAccount(ctx context.Context, teamID string, job domain.AIGenerationJob) (string, *domain.UserAccount, error) {
	if job.UserAccountID == domain.NoAccount {
		return "", nil, nil
	}
	deadline := time.Now().Add(accountWaitDeadline)

	for {
		doc, err := w.store.GetOrCreate(ctx, teamID)
		if err != nil {
			return "", nil, err
		}
		accounts := doc.AccountsByProject[job.ProjectID]

		if job.UserAccountID == domain.AnyAccount {
			for _, id := range preferredThenFallback(accounts, job.ProviderKey, job.CreatedAt) {
				if w.locks.TryAcquire(id) {
					return id, findAccount(accounts, id), nil
				}
			}
		} else {
			acc := findAccount(accounts, job.UserAccountID)
			if acc == nil {
				return "", nil, fmt.Errorf("Assigned account '%s' was not found in shared team state.", job.UserAccountID)
			}
			if w.locks.TryAcquire(job.UserAccountID) {
				return job.UserAccountID, acc, nil
			}
		}

		if time.Now().After(deadline) {
			return "", nil, errors.New("Timed out waiting for an available account.")
		}
		select {
		case <-ctx.Done():
			return "", nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func preferredThenFallback(accounts []domain.UserAccount, providerKey domain.ProviderKey, seed time.Time) []string {
	var preferred, all []string
	for _, a := range accounts {
		all = append(all, a.ID)
		if p, ok := a.Profiles[providerKey]; ok && p.ProfileID != "" {
			preferred = append(preferred, a.ID)
		}
	}
	return append(rotate(preferred, seed), rotate(all, seed)...)
}

func rotate(pool []string, seed time.Time) []string {
	n := len(pool)
	if n == 0 {
		return pool
	}
	offset := int(seed.UnixNano() % int64(n))
	if offset < 0 {
		offset += n
	}
	rotated := make([]string, n)
	for i := 0; i < n; i++ {
		rotated[i] = pool[(offset+i)%n]
	}
	return rotated
}

func findAccount(accounts []domain.UserAccount, id string) *domain.UserAccount {
	for i := range accounts {
		if accounts[i].ID == id {
			return &accounts[i]
		}
	}
	return nil
}

func credentialsForAccount(acc domain.UserAccount, providerKey domain.ProviderKey) *provider.Credentials {
	creds := &provider.Credentials{Email: acc.Email, Password: acc.Password, Metadata: acc.Metadata}
	// Keep email/password even with a profile: the exploration template lists
	// them as fallback credentials for a signed-out session.
	if p, ok := acc.Profiles[providerKey]; ok && p.ProfileID != "" && p.Status == domain.ProfileAuthenticated {
		creds.ProfileID = p.ProfileID
	}
	return creds
}

// mutateJob locates jobID across every project, applies fn, and persists.
// A no-op (returns nil) if the job can no longer be found, e.g. it aged out
// of the capped job list between claim and this update.
func (w *Worker) mutateJob(ctx context.Context, teamID, jobID string, fn func(*domain.AIGenerationJob)) error {
	w.claimMu.Lock()
	defer w.claimMu.Unlock()

	doc, err := w.store.GetOrCreate(ctx, teamID)
	if err != nil {
		return err
	}
	for projectID, jobs := range doc.JobsByProject {
		for i := range jobs {
			if jobs[i].ID == jobID {
				fn(&jobs[i])
				doc.JobsByProject[projectID] = jobs
				return w.store.Save(ctx, teamID, "aiqueue", doc)
			}
		}
	}
	return nil
}

// failJob records a terminal failure and clears transient progress state.
func (w *Worker) failJob(ctx context.Context, teamID string, job domain.AIGenerationJob, message string) {
	now := time.Now()
	_ = w.mutateJob(ctx, teamID, job.ID, func(j *domain.AIGenerationJob) {
		j.Status = domain.JobFailed
		j.CompletedAt = &now
		j.Error = message
		j.Progress = ""
		j.LiveURL = ""
		j.RecordingURL = ""
	})
}

// completeJob re-reads the team document, dedupes the candidates against
// current tests and drafts, appends the resulting drafts, marks the job
// completed with counts, and flips the unseen-drafts flag.
func (w *Worker) completeJob(ctx context.Context, teamID string, job domain.AIGenerationJob, resolvedAccountID string, candidates []llm.DraftCandidate, liveURL, recordingURL string) {
	w.claimMu.Lock()
	defer w.claimMu.Unlock()

	doc, err := w.store.GetOrCreate(ctx, teamID)
	if err != nil {
		return
	}

	var existingTests []dedup.ExistingTest
	for _, tc := range doc.TestCasesByProject[job.ProjectID] {
		existingTests = append(existingTests, dedup.ExistingTest{
			ID: tc.ID, Title: tc.Title, Description: tc.Description, ExpectedOutcome: tc.ExpectedOutcome,
		})
	}
	var existingDrafts []dedup.Candidate
	for _, d := range doc.DraftsByProject[job.ProjectID] {
		if d.Status == domain.DraftDraft {
			existingDrafts = append(existingDrafts, dedup.Candidate{Title: d.Title, Description: d.Description, ExpectedOutcome: d.ExpectedOutcome})
		}
	}
	classifier := dedup.NewClassifier(existingTests, existingDrafts)

	var newDrafts []domain.GeneratedTestDraft
	accepted, duplicates := 0, 0
	for _, cand := range candidates {
		outcome := classifier.Classify(dedup.Candidate{Title: cand.Title, Description: cand.Description, ExpectedOutcome: cand.ExpectedOutcome})
		draft := domain.GeneratedTestDraft{
			ID:              uuid.NewString(),
			ProjectID:       job.ProjectID,
			JobID:           job.ID,
			Title:           cand.Title,
			Description:     cand.Description,
			ExpectedOutcome: cand.ExpectedOutcome,
			UserAccountID:   resolvedAccountID,
			GroupName:       job.GroupName,
			DuplicateOfID:   outcome.DuplicateOfID,
			DuplicateReason: outcome.Reason,
		}
		if outcome.Duplicate {
			draft.Status = domain.DraftDuplicateSkipped
			duplicates++
		} else {
			draft.Status = domain.DraftDraft
			accepted++
		}
		newDrafts = append(newDrafts, draft)
	}

	if doc.DraftsByProject == nil {
		doc.DraftsByProject = map[string][]domain.GeneratedTestDraft{}
	}
	doc.DraftsByProject[job.ProjectID] = append(doc.DraftsByProject[job.ProjectID], newDrafts...)

	now := time.Now()
	if jobs, ok := doc.JobsByProject[job.ProjectID]; ok {
		for i := range jobs {
			if jobs[i].ID == job.ID {
				jobs[i].Status = domain.JobCompleted
				jobs[i].CompletedAt = &now
				jobs[i].DraftsGenerated = accepted
				jobs[i].DraftsDuplicate = duplicates
				jobs[i].Progress = ""
				jobs[i].LiveURL = liveURL
				jobs[i].RecordingURL = recordingURL
			}
		}
		doc.JobsByProject[job.ProjectID] = jobs
	}

	if accepted > 0 {
		if doc.NotificationsByProject == nil {
			doc.NotificationsByProject = map[string]domain.DraftNotification{}
		}
		notif := doc.NotificationsByProject[job.ProjectID]
		notif.HasUnseenDrafts = true
		doc.NotificationsByProject[job.ProjectID] = notif
	}

	_ = w.store.Save(ctx, teamID, "aiqueue", doc)
}
