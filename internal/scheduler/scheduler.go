// Package scheduler implements the account-aware batch scheduler: the
// dispatch loop that drives a batch of test cases across a bounded
// concurrency budget while respecting global account-exclusivity locks and
// round-robin fairness for "any-account" tests.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aiqa-platform/qacore/internal/accountlock"
	"github.com/aiqa-platform/qacore/internal/domain"
	"github.com/aiqa-platform/qacore/internal/llm"
	"github.com/aiqa-platform/qacore/internal/prompt"
	"github.com/aiqa-platform/qacore/internal/provider"
)

// retryDelay is how long the dispatch loop waits before re-checking when
// every pending test is blocked on a currently-busy account.
var retryDelay = 350 * time.Millisecond

// Input is everything the scheduler needs for one batch run.
type Input struct {
	TestCases   []domain.TestCase
	TargetURL   string
	Parallelism int
	AIModel     string
	Settings    domain.Settings
	Accounts    []domain.UserAccount
	Provider    provider.Provider
	Generator   llm.Generator // optional; nil disables the summarizer fallback
	Sink        EventSink
	Locks       *accountlock.Registry
}

// Scheduler runs a single batch execution to completion.
type Scheduler struct {
	sink      EventSink
	provider  provider.Provider
	generator llm.Generator
	locks     *accountlock.Registry
	settings  domain.Settings
	targetURL string
	parallel  int

	mu                       sync.Mutex
	pending                  []domain.TestCase
	running                  int
	results                  []domain.TestResult
	accountMap               map[string]domain.UserAccount
	allAccountIDs            []string
	preferredAnyAccountIDs   []string
	preferredRoundRobinIndex int
	fallbackRoundRobinIndex  int
	lockedAccountsByRun      map[string]struct{}
	retryTimer               *time.Timer
	started                  time.Time
	done                     chan Summary
	finalized                bool
}

// New constructs a Scheduler from in. Call Run to execute it.
func New(in Input) *Scheduler {
	accountMap := make(map[string]domain.UserAccount, len(in.Accounts))
	allIDs := make([]string, 0, len(in.Accounts))
	preferredIDs := make([]string, 0, len(in.Accounts))
	for _, acc := range in.Accounts {
		accountMap[acc.ID] = acc
		allIDs = append(allIDs, acc.ID)
		if profile, ok := acc.Profiles[in.Settings.BrowserProvider]; ok && profile.ProfileID != "" {
			preferredIDs = append(preferredIDs, acc.ID)
		}
	}
	parallel := in.Parallelism
	if parallel <= 0 {
		parallel = domain.DefaultParallelism
	}
	return &Scheduler{
		sink:                   in.Sink,
		provider:               in.Provider,
		generator:              in.Generator,
		locks:                  in.Locks,
		settings:               in.Settings,
		targetURL:              in.TargetURL,
		parallel:               parallel,
		pending:                append([]domain.TestCase(nil), in.TestCases...),
		accountMap:             accountMap,
		allAccountIDs:          allIDs,
		preferredAnyAccountIDs: preferredIDs,
		lockedAccountsByRun:    make(map[string]struct{}),
		done:                   make(chan Summary, 1),
	}
}

// Run executes the batch to completion, emitting events to the configured
// sink, and returns the final summary. Run blocks until all_complete has
// been emitted. Cancelling ctx triggers the same cancellation-handling path
// as an explicit stop: in-flight provider calls observe
// it at their next suspension point, and any test not yet dispatched ends
// up in the summary's Skipped count.
func (s *Scheduler) Run(ctx context.Context) Summary {
	s.mu.Lock()
	s.started = time.Now()
	s.mu.Unlock()

	// Guaranteed-release: whatever exit path Run takes, every account lock
	// this run currently holds is released.
	defer func() {
		s.mu.Lock()
		for id := range s.lockedAccountsByRun {
			s.locks.Release(id)
			delete(s.lockedAccountsByRun, id)
		}
		if s.retryTimer != nil {
			s.retryTimer.Stop()
		}
		s.mu.Unlock()
	}()

	s.schedule(ctx)
	return <-s.done
}

// schedule runs the dispatch loop. It is safe to call repeatedly; each call
// re-evaluates eligibility from current state.
func (s *Scheduler) schedule(ctx context.Context) {
	s.mu.Lock()

	if ctx.Err() != nil && s.running == 0 {
		s.finalizeLocked()
		s.mu.Unlock()
		return
	}

	for ctx.Err() == nil && s.running < s.parallel && len(s.pending) > 0 {
		idx := s.findEligibleLocked()
		if idx < 0 {
			break
		}
		tc := s.pending[idx]
		s.pending = append(s.pending[:idx], s.pending[idx+1:]...)

		resolvedID, ok := s.resolveAccountLocked(tc)
		if !ok {
			s.pending = append(s.pending, tc)
			continue
		}

		if resolvedID != "" {
			if _, known := s.accountMap[resolvedID]; !known {
				result := domain.TestResult{
					TestCaseID:        tc.ID,
					ResolvedAccountID: resolvedID,
					Status:            domain.StatusError,
					StartedAt:         time.Now(),
					Error:             fmt.Sprintf("Assigned account '%s' was not found in shared team state.", resolvedID),
				}
				s.emitErrorLocked(tc.ID, result)
				continue
			}
			if !s.locks.TryAcquire(resolvedID) {
				s.pending = append(s.pending, tc)
				continue
			}
			s.lockedAccountsByRun[resolvedID] = struct{}{}
		}

		s.running++
		go s.runOne(ctx, tc, resolvedID)
	}

	if s.running == 0 && len(s.pending) > 0 {
		s.purgeImpossibleLocked()
	}
	if len(s.pending) == 0 && s.running == 0 {
		s.finalizeLocked()
		s.mu.Unlock()
		return
	}
	if s.running == 0 && len(s.pending) > 0 {
		s.armRetryLocked(ctx)
	}
	s.mu.Unlock()
}

func (s *Scheduler) armRetryLocked(ctx context.Context) {
	if s.retryTimer != nil {
		s.retryTimer.Stop()
	}
	s.retryTimer = time.AfterFunc(retryDelay, func() { s.schedule(ctx) })
}

// findEligibleLocked returns the index of the first pending test eligible
// to dispatch right now, or -1 if none is. Caller holds s.mu.
func (s *Scheduler) findEligibleLocked() int {
	for i, tc := range s.pending {
		switch tc.UserAccountID {
		case domain.NoAccount:
			return i
		case domain.AnyAccount:
			if s.hasAvailableLocked(s.preferredAnyAccountIDs) || s.hasAvailableLocked(s.allAccountIDs) {
				return i
			}
		default:
			if _, known := s.accountMap[tc.UserAccountID]; !known {
				return i // missing account: eligible, will error out immediately
			}
			if !s.locks.IsInUse(tc.UserAccountID) {
				return i
			}
		}
	}
	return -1
}

func (s *Scheduler) hasAvailableLocked(pool []string) bool {
	for _, id := range pool {
		if !s.locks.IsInUse(id) {
			return true
		}
	}
	return false
}

// resolveAccountLocked resolves tc's account requirement to a concrete
// account id ("" for no requirement). ok is false only when an __any__ test
// can no longer find a candidate (racing against another dispatch in the
// same call). Caller holds s.mu.
func (s *Scheduler) resolveAccountLocked(tc domain.TestCase) (string, bool) {
	switch tc.UserAccountID {
	case domain.NoAccount:
		return "", true
	case domain.AnyAccount:
		if id, ok := s.nextFromPoolLocked(s.preferredAnyAccountIDs, &s.preferredRoundRobinIndex); ok {
			return id, true
		}
		if id, ok := s.nextFromPoolLocked(s.allAccountIDs, &s.fallbackRoundRobinIndex); ok {
			return id, true
		}
		return "", false
	default:
		return tc.UserAccountID, true
	}
}

func (s *Scheduler) nextFromPoolLocked(pool []string, idx *int) (string, bool) {
	n := len(pool)
	if n == 0 {
		return "", false
	}
	for i := 0; i < n; i++ {
		pos := (*idx + i) % n
		candidate := pool[pos]
		if !s.locks.IsInUse(candidate) {
			*idx = (pos + 1) % n
			return candidate, true
		}
	}
	return "", false
}

// purgeImpossibleLocked removes pending tests whose account requirement can
// never be satisfied and records a synthetic error result for each. Caller
// holds s.mu.
func (s *Scheduler) purgeImpossibleLocked() {
	kept := s.pending[:0]
	for _, tc := range s.pending {
		switch tc.UserAccountID {
		case domain.AnyAccount:
			if len(s.allAccountIDs) == 0 {
				s.emitErrorLocked(tc.ID, domain.TestResult{
					TestCaseID: tc.ID,
					Status:     domain.StatusError,
					StartedAt:  time.Now(),
					Error:      "No available user accounts were eligible for this provider.",
				})
				continue
			}
		case domain.NoAccount:
		default:
			if _, known := s.accountMap[tc.UserAccountID]; !known {
				s.emitErrorLocked(tc.ID, domain.TestResult{
					TestCaseID:        tc.ID,
					ResolvedAccountID: tc.UserAccountID,
					Status:            domain.StatusError,
					StartedAt:         time.Now(),
					Error:             fmt.Sprintf("Assigned account '%s' was not found in shared team state.", tc.UserAccountID),
				})
				continue
			}
		}
		kept = append(kept, tc)
	}
	s.pending = kept
}

func (s *Scheduler) emitErrorLocked(testCaseID string, result domain.TestResult) {
	now := time.Now()
	result.CompletedAt = &now
	s.results = append(s.results, result)
	s.sink.Emit(Event{Type: EventTestError, TestCaseID: testCaseID, Result: &result})
}

// finalizeLocked computes totals and emits all_complete. Any test case
// still pending at this point (only possible after cancellation, since
// impossible requirements are purged into error results first) is counted
// as skipped. Caller holds s.mu.
func (s *Scheduler) finalizeLocked() {
	if s.finalized {
		return
	}
	s.finalized = true
	for _, tc := range s.pending {
		now := time.Now()
		result := domain.TestResult{TestCaseID: tc.ID, Status: domain.StatusSkipped, StartedAt: now, CompletedAt: &now}
		s.results = append(s.results, result)
	}
	s.pending = nil

	summary := Summary{Total: len(s.results)}
	for _, r := range s.results {
		switch r.Status {
		case domain.StatusPassed:
			summary.Passed++
		case domain.StatusSkipped:
			summary.Skipped++
		default:
			summary.Failed++
		}
	}
	summary.Duration = time.Since(s.started).Milliseconds()
	s.sink.Emit(Event{Type: EventAllComplete, Summary: &summary})
	s.done <- summary
}

// runOne executes one test case outside the scheduler lock, then reports
// back and re-enters the dispatch loop.
func (s *Scheduler) runOne(ctx context.Context, tc domain.TestCase, resolvedAccountID string) {
	result := s.executeTestCase(ctx, tc, resolvedAccountID)

	s.mu.Lock()
	s.results = append(s.results, result)
	s.running--
	if resolvedAccountID != "" {
		s.locks.Release(resolvedAccountID)
		delete(s.lockedAccountsByRun, resolvedAccountID)
	}
	s.mu.Unlock()

	s.schedule(ctx)
}

// executeTestCase drives one test case through the provider and translates
// the outcome into a terminal result.
func (s *Scheduler) executeTestCase(ctx context.Context, tc domain.TestCase, resolvedAccountID string) (result domain.TestResult) {
	startedAt := time.Now()
	s.sink.Emit(Event{Type: EventTestStart, TestCaseID: tc.ID, ResolvedAccountID: resolvedAccountID})

	defer func() {
		if r := recover(); r != nil {
			result = domain.TestResult{
				TestCaseID:        tc.ID,
				ResolvedAccountID: resolvedAccountID,
				Status:            domain.StatusError,
				StartedAt:         startedAt,
				Error:             fmt.Sprintf("panic: %v", r),
			}
			s.fillReasonBestEffort(ctx, tc, &result)
			s.emitTerminal(tc.ID, &result)
		}
	}()

	creds := s.credentialsFor(resolvedAccountID)
	task := prompt.BuildTestTask(tc.Description, tc.ExpectedOutcome, creds)

	execResult, err := s.provider.ExecuteTest(ctx, provider.ExecuteInput{
		TargetURL:       s.targetURL,
		Task:            task,
		ExpectedOutcome: tc.ExpectedOutcome,
		Settings:        s.settings,
		Credentials:     creds,
	}, provider.Callbacks{
		OnLiveURL: func(liveURL, recordingURL string) {
			s.sink.Emit(Event{Type: EventStreamingURL, TestCaseID: tc.ID, LiveURL: liveURL, RecordingURL: recordingURL})
		},
		OnTaskCreated: func(taskID, sessionID string) {
			s.sink.Emit(Event{Type: EventTaskCreated, TestCaseID: tc.ID, ResolvedAccountID: resolvedAccountID, TaskID: taskID, SessionID: sessionID})
		},
		OnStepProgress: func(current, total int, label string) {
			s.sink.Emit(Event{Type: EventStepProgress, TestCaseID: tc.ID, CurrentStep: current, TotalSteps: total, StepLabel: label})
		},
	})

	completedAt := time.Now()
	result = domain.TestResult{
		TestCaseID:        tc.ID,
		ResolvedAccountID: resolvedAccountID,
		StartedAt:         startedAt,
		CompletedAt:       &completedAt,
		DurationMillis:    completedAt.Sub(startedAt).Milliseconds(),
		LiveURL:           execResult.LiveURL,
		RecordingURL:      execResult.RecordingURL,
	}

	switch {
	case err != nil:
		result.Status = domain.StatusError
		result.Error = err.Error()
	case execResult.Status == provider.ExecError:
		result.Status = domain.StatusError
		result.Error = execResult.Error
	case execResult.Verdict == nil:
		result.Status = domain.StatusError
		result.Error = "Browser provider returned no verdict."
	case execResult.Verdict.Success:
		result.Status = domain.StatusPassed
		result.Reason = execResult.Verdict.Reason
		result.ExtractedData = execResult.Verdict.ExtractedData
	default:
		result.Status = domain.StatusFailed
		result.Reason = execResult.Verdict.Reason
		result.ExtractedData = execResult.Verdict.ExtractedData
	}

	if execResult.RawProviderData != nil {
		if result.ExtractedData == nil {
			result.ExtractedData = map[string]any{}
		}
		result.ExtractedData["provider"] = execResult.RawProviderData
	}

	if result.Reason == "" {
		s.fillReasonBestEffort(ctx, tc, &result)
	}

	s.emitTerminal(tc.ID, &result)
	return result
}

func (s *Scheduler) emitTerminal(testCaseID string, result *domain.TestResult) {
	if result.Status == domain.StatusError {
		s.sink.Emit(Event{Type: EventTestError, TestCaseID: testCaseID, Result: result})
		return
	}
	s.sink.Emit(Event{Type: EventTestComplete, TestCaseID: testCaseID, Result: result})
}

// fillReasonBestEffort calls the LLM summarizer to backfill Reason when the
// provider left it empty. Failure of the summarizer
// itself falls back to the error text, or a fixed placeholder.
func (s *Scheduler) fillReasonBestEffort(ctx context.Context, tc domain.TestCase, result *domain.TestResult) {
	if s.generator != nil {
		if reason, err := s.generator.Summarize(ctx, llm.SummarizeInput{
			TestDescription: tc.Description,
			ExpectedOutcome: tc.ExpectedOutcome,
			Status:          result.Status,
			ErrorText:       result.Error,
		}); err == nil && reason != "" {
			result.Reason = reason
			return
		}
	}
	if result.Error != "" {
		result.Reason = result.Error
		return
	}
	result.Reason = "No summary available."
}

func (s *Scheduler) credentialsFor(accountID string) *provider.Credentials {
	if accountID == "" {
		return nil
	}
	acc, ok := s.accountMap[accountID]
	if !ok {
		return nil
	}
	creds := &provider.Credentials{Email: acc.Email, Password: acc.Password, Metadata: acc.Metadata}
	// Email and password stay populated alongside the profile: the task
	// template presents them as fallback credentials the agent may use if the
	// reused session turns out to be signed out.
	if profile, ok := acc.Profiles[s.settings.BrowserProvider]; ok && profile.ProfileID != "" && profile.Status == domain.ProfileAuthenticated {
		creds.ProfileID = profile.ProfileID
	}
	return creds
}
