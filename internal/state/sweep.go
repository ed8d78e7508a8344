package state

import (
	"github.com/aiqa-platform/qacore/internal/domain"
)

// connectionLostError is the synthetic error attached to any artifact
// orphaned by a dead client session.
const connectionLostError = "Connection lost before result was received"

// Sweep normalizes a freshly-loaded TeamState so the UI is never stuck on a
// "running"/"pending" artifact left behind by a session that died before it
// could observe the terminal event. It is pure: it returns a normalized
// copy-in-place of s and never talks to the server-side record — the
// authoritative document is whatever the Batch Scheduler itself wrote.
func Sweep(s *domain.TeamState) *domain.TeamState {
	if s == nil {
		return s
	}
	for project, runs := range s.TestRunsByProject {
		for i := range runs {
			run := &runs[i]
			if run.Status == domain.RunStatusRunning {
				sweepRun(run)
			}
		}
		s.TestRunsByProject[project] = runs
	}
	for project, cases := range s.TestCasesByProject {
		for i := range cases {
			tc := &cases[i]
			if tc.Status == domain.StatusRunning || tc.Status == domain.StatusPending {
				tc.Status = domain.StatusError
			}
			if tc.LastResult != nil && (tc.LastResult.Status == domain.StatusRunning || tc.LastResult.Status == domain.StatusPending) {
				sweepResult(tc.LastResult)
			}
		}
		s.TestCasesByProject[project] = cases
	}
	for project, groups := range s.TestGroupsByProject {
		for i := range groups {
			if groups[i].LastRunStatus == string(domain.RunStatusRunning) {
				groups[i].LastRunStatus = recomputeGroupStatus(s.TestCasesByProject[project], groups[i].TestCaseIDs)
			}
		}
		s.TestGroupsByProject[project] = groups
	}
	for i := range s.Projects {
		if s.Projects[i].LastRunStatus == string(domain.RunStatusRunning) {
			cases := s.TestCasesByProject[s.Projects[i].ID]
			ids := make([]string, 0, len(cases))
			for _, tc := range cases {
				ids = append(ids, tc.ID)
			}
			s.Projects[i].LastRunStatus = recomputeGroupStatus(cases, ids)
		}
	}
	s.ActiveTestRuns = map[string]domain.ActiveRun{}
	return s
}

// recomputeGroupStatus derives a group's (or, given all of a project's test
// case IDs, a project's) last-run status from what its member test cases
// still show after the sweep rewrote the stuck ones.
func recomputeGroupStatus(cases []domain.TestCase, memberIDs []string) string {
	members := make(map[string]struct{}, len(memberIDs))
	for _, id := range memberIDs {
		members[id] = struct{}{}
	}
	sawPassed := false
	for _, tc := range cases {
		if _, ok := members[tc.ID]; !ok {
			continue
		}
		switch tc.Status {
		case domain.StatusFailed, domain.StatusError:
			return string(domain.RunStatusFailed)
		case domain.StatusPassed:
			sawPassed = true
		}
	}
	if sawPassed {
		return string(domain.RunStatusCompleted)
	}
	return string(domain.RunStatusFailed)
}

func sweepRun(run *domain.TestRun) {
	for i := range run.Results {
		if run.Results[i].Status == domain.StatusRunning || run.Results[i].Status == domain.StatusPending {
			sweepResult(&run.Results[i])
		}
	}
	run.Status = domain.RunStatusFailed
	passed, failed, skipped := 0, 0, 0
	for _, r := range run.Results {
		switch r.Status {
		case domain.StatusPassed:
			passed++
		case domain.StatusSkipped:
			skipped++
		default:
			failed++
		}
	}
	run.Passed, run.Failed, run.Skipped = passed, failed, skipped
}

func sweepResult(r *domain.TestResult) {
	r.Status = domain.StatusError
	r.Error = connectionLostError
	r.Reason = connectionLostError
}
