package scheduler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aiqa-platform/qacore/internal/accountlock"
	"github.com/aiqa-platform/qacore/internal/domain"
	"github.com/aiqa-platform/qacore/internal/provider"
)

// callbackProvider exercises the full callback surface so event-ordering can
// be asserted end to end.
type callbackProvider struct {
	delay time.Duration
}

func (p *callbackProvider) Key() domain.ProviderKey { return domain.ProviderHyperbrowser }

func (p *callbackProvider) ExecuteTest(ctx context.Context, in provider.ExecuteInput, cb provider.Callbacks) (provider.ExecuteResult, error) {
	if cb.OnTaskCreated != nil {
		cb.OnTaskCreated("task-1", "session-1")
	}
	if cb.OnLiveURL != nil {
		cb.OnLiveURL("https://live.example/1", "https://rec.example/1")
	}
	if cb.OnStepProgress != nil {
		cb.OnStepProgress(1, 3, "open page")
		cb.OnStepProgress(2, 3, "fill form")
	}
	select {
	case <-time.After(p.delay):
	case <-ctx.Done():
		return provider.ExecuteResult{Status: provider.ExecError, Error: "cancelled"}, nil
	}
	return provider.ExecuteResult{
		Status:  provider.ExecCompleted,
		Verdict: &provider.Verdict{Success: true, Reason: "ok"},
	}, nil
}

func (p *callbackProvider) LoginWithProfile(ctx context.Context, in provider.LoginInput) (provider.LoginResult, error) {
	return provider.LoginResult{}, provider.ErrUnsupported
}

func (p *callbackProvider) DeleteProfile(ctx context.Context, profileID string, settings domain.Settings) error {
	return provider.ErrUnsupported
}

// TestEventOrderPerTestCase checks the ordering invariant: test_start
// strictly precedes every other event of its test case, each test case gets
// exactly one terminal event, and all_complete is the very last event.
func TestEventOrderPerTestCase(t *testing.T) {
	sink := &collectingSink{}
	s := New(Input{
		TestCases:   testCases(6, domain.NoAccount),
		Parallelism: 3,
		Settings:    domain.Settings{BrowserProvider: domain.ProviderHyperbrowser},
		Provider:    &callbackProvider{delay: 2 * time.Millisecond},
		Sink:        sink,
		Locks:       accountlock.New(),
	})
	summary := s.Run(context.Background())
	require.Equal(t, 6, summary.Passed)

	events := sink.all()
	require.Equal(t, EventAllComplete, events[len(events)-1].Type)

	started := map[string]bool{}
	terminal := map[string]int{}
	for i, e := range events {
		switch e.Type {
		case EventTestStart:
			require.False(t, started[e.TestCaseID], "duplicate test_start for %s", e.TestCaseID)
			started[e.TestCaseID] = true
		case EventTaskCreated, EventStreamingURL, EventStepProgress:
			require.True(t, started[e.TestCaseID], "event %d for %s before its test_start", i, e.TestCaseID)
			require.Zero(t, terminal[e.TestCaseID], "event %d for %s after its terminal event", i, e.TestCaseID)
		case EventTestComplete, EventTestError:
			require.True(t, started[e.TestCaseID])
			terminal[e.TestCaseID]++
		case EventAllComplete:
			require.Equal(t, len(events)-1, i, "all_complete must be last")
		}
	}
	require.Len(t, terminal, 6)
	for id, n := range terminal {
		require.Equal(t, 1, n, "test case %s needs exactly one terminal event", id)
	}
}

// TestAnyAccountRoundRobinFairness checks preferred-pool fairness: with M
// preferred accounts, no lock contention, and serial dispatch, __any__ tests
// draw accounts in contiguous round-robin order and no account is picked more
// than ceil(N/M) times.
func TestAnyAccountRoundRobinFairness(t *testing.T) {
	const numAccounts, numTests = 3, 7
	accounts := make([]domain.UserAccount, numAccounts)
	for i := range accounts {
		accounts[i] = domain.UserAccount{
			ID: fmt.Sprintf("acct-%d", i),
			Profiles: map[domain.ProviderKey]domain.ProviderProfile{
				domain.ProviderHyperbrowser: {ProfileID: fmt.Sprintf("profile-%d", i), Status: domain.ProfileAuthenticated},
			},
		}
	}

	sink := &collectingSink{}
	s := New(Input{
		TestCases:   testCases(numTests, domain.AnyAccount),
		Parallelism: 1,
		Settings:    domain.Settings{BrowserProvider: domain.ProviderHyperbrowser},
		Accounts:    accounts,
		Provider:    newFakeProvider(time.Millisecond, true),
		Sink:        sink,
		Locks:       accountlock.New(),
	})
	summary := s.Run(context.Background())
	require.Equal(t, numTests, summary.Passed)

	var order []string
	for _, e := range sink.all() {
		if e.Type == EventTestStart {
			order = append(order, e.ResolvedAccountID)
		}
	}
	require.Len(t, order, numTests)

	counts := map[string]int{}
	for i, id := range order {
		require.Equal(t, fmt.Sprintf("acct-%d", i%numAccounts), id, "selection %d not contiguous round-robin", i)
		counts[id]++
	}
	maxPerAccount := (numTests + numAccounts - 1) / numAccounts
	for id, n := range counts {
		require.LessOrEqual(t, n, maxPerAccount, "account %s over-selected", id)
	}
}

// TestTwoAnyTestsOneAccountSerialize covers the shared-account contention
// scenario: two __any__ tests, one account, parallelism 2. The second test
// cannot start until the first releases the account, so the batch serializes
// even though the parallelism budget would allow both at once.
func TestTwoAnyTestsOneAccountSerialize(t *testing.T) {
	const execDelay = 20 * time.Millisecond
	accounts := []domain.UserAccount{{ID: "only-acct"}}

	sink := &collectingSink{}
	s := New(Input{
		TestCases:   testCases(2, domain.AnyAccount),
		Parallelism: 2,
		Settings:    domain.Settings{BrowserProvider: domain.ProviderHyperbrowser},
		Accounts:    accounts,
		Provider:    newFakeProvider(execDelay, true),
		Sink:        sink,
		Locks:       accountlock.New(),
	})
	start := time.Now()
	summary := s.Run(context.Background())
	elapsed := time.Since(start)

	require.Equal(t, 2, summary.Passed)
	require.GreaterOrEqual(t, elapsed, 2*execDelay, "tests sharing one account must not overlap")

	for _, e := range sink.all() {
		if e.Type == EventTestStart {
			require.Equal(t, "only-acct", e.ResolvedAccountID)
		}
	}
}

// TestAnyAccountMixedWithUnconstrainedRunsInParallel covers the counterpart
// scenario: one __any__ test plus one unconstrained test with one account and
// parallelism 2 run concurrently, and the account is released at the end.
func TestAnyAccountMixedWithUnconstrainedRunsInParallel(t *testing.T) {
	const execDelay = 30 * time.Millisecond
	locks := accountlock.New()
	cases := []domain.TestCase{
		{ID: "tc-any", Description: "needs some account", UserAccountID: domain.AnyAccount},
		{ID: "tc-free", Description: "needs none", UserAccountID: domain.NoAccount},
	}

	sink := &collectingSink{}
	s := New(Input{
		TestCases:   cases,
		Parallelism: 2,
		Settings:    domain.Settings{BrowserProvider: domain.ProviderHyperbrowser},
		Accounts:    []domain.UserAccount{{ID: "acct-1"}},
		Provider:    newFakeProvider(execDelay, true),
		Sink:        sink,
		Locks:       locks,
	})
	start := time.Now()
	summary := s.Run(context.Background())
	elapsed := time.Since(start)

	require.Equal(t, 2, summary.Passed)
	require.Less(t, elapsed, 2*execDelay, "independent tests should overlap under parallelism 2")
	require.False(t, locks.IsInUse("acct-1"))
}
