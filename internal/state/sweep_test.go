package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aiqa-platform/qacore/internal/domain"
)

func TestSweepRewritesRunningRunToFailed(t *testing.T) {
	s := domain.NewTeamState()
	s.Projects = []domain.Project{{ID: "proj1", Name: "proj1"}}
	s.TestRunsByProject["proj1"] = []domain.TestRun{
		{
			ID:     "run-1",
			Status: domain.RunStatusRunning,
			Results: []domain.TestResult{
				{TestCaseID: "t1", Status: domain.StatusPassed},
				{TestCaseID: "t2", Status: domain.StatusRunning},
			},
		},
	}
	s.ActiveTestRuns["run-1"] = domain.ActiveRun{RunID: "run-1", StartedAt: time.Now()}

	Sweep(s)

	run := s.TestRunsByProject["proj1"][0]
	require.Equal(t, domain.RunStatusFailed, run.Status)
	require.Equal(t, 1, run.Passed)
	require.Equal(t, 1, run.Failed)
	require.Equal(t, domain.StatusError, run.Results[1].Status)
	require.Equal(t, connectionLostError, run.Results[1].Error)
	require.Empty(t, s.ActiveTestRuns)
}

func TestSweepLeavesTerminalRunsUntouched(t *testing.T) {
	s := domain.NewTeamState()
	s.Projects = []domain.Project{{ID: "proj1", Name: "proj1"}}
	s.TestRunsByProject["proj1"] = []domain.TestRun{
		{ID: "run-1", Status: domain.RunStatusCompleted, Passed: 2},
	}
	Sweep(s)
	require.Equal(t, domain.RunStatusCompleted, s.TestRunsByProject["proj1"][0].Status)
	require.Equal(t, 2, s.TestRunsByProject["proj1"][0].Passed)
}

func TestSweepRewritesStuckTestCaseStatus(t *testing.T) {
	s := domain.NewTeamState()
	s.Projects = []domain.Project{{ID: "proj1", Name: "proj1"}}
	s.TestCasesByProject["proj1"] = []domain.TestCase{
		{ID: "t1", Status: domain.StatusRunning},
		{ID: "t2", Status: domain.StatusPending, LastResult: &domain.TestResult{Status: domain.StatusRunning}},
	}
	Sweep(s)
	cases := s.TestCasesByProject["proj1"]
	require.Equal(t, domain.StatusError, cases[0].Status)
	require.Equal(t, domain.StatusError, cases[1].LastResult.Status)
}

func TestSweepRecomputesGroupAndProjectStatusFromEvidence(t *testing.T) {
	s := domain.NewTeamState()
	s.Projects = []domain.Project{{ID: "proj1", Name: "proj1", LastRunStatus: string(domain.RunStatusRunning)}}
	s.TestCasesByProject["proj1"] = []domain.TestCase{
		{ID: "t1", Status: domain.StatusPassed},
		{ID: "t2", Status: domain.StatusRunning}, // swept to error
		{ID: "t3", Status: domain.StatusPassed},
	}
	s.TestGroupsByProject["proj1"] = []domain.TestGroup{
		{ID: "g1", TestCaseIDs: []string{"t1", "t2"}, LastRunStatus: string(domain.RunStatusRunning)},
		{ID: "g2", TestCaseIDs: []string{"t3"}, LastRunStatus: string(domain.RunStatusRunning)},
	}

	Sweep(s)

	groups := s.TestGroupsByProject["proj1"]
	require.Equal(t, string(domain.RunStatusFailed), groups[0].LastRunStatus)
	require.Equal(t, string(domain.RunStatusCompleted), groups[1].LastRunStatus)
	require.Equal(t, string(domain.RunStatusFailed), s.Projects[0].LastRunStatus)
}

func TestSweepIsIdempotent(t *testing.T) {
	s := domain.NewTeamState()
	s.Projects = []domain.Project{{ID: "proj1", Name: "proj1"}}
	s.TestRunsByProject["proj1"] = []domain.TestRun{
		{ID: "run-1", Status: domain.RunStatusRunning},
	}
	Sweep(s)
	first := s.TestRunsByProject["proj1"][0]
	Sweep(s)
	second := s.TestRunsByProject["proj1"][0]
	require.Equal(t, first, second)
}
