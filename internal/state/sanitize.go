package state

import (
	"encoding/json"

	"github.com/aiqa-platform/qacore/internal/domain"
)

// rawTeamState mirrors domain.TeamState but additionally accepts the legacy
// activeTestRun singleton field so old documents decode without loss.
type rawTeamState struct {
	domain.TeamState
	ActiveTestRun *domain.ActiveRun `json:"activeTestRun,omitempty"`
}

// Decode unmarshals a persisted document (which may be in the legacy
// activeTestRun-singleton shape) and returns a fully sanitized TeamState.
func Decode(data []byte) (*domain.TeamState, error) {
	if len(data) == 0 {
		return Sanitize(domain.NewTeamState()), nil
	}
	var raw rawTeamState
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	s := raw.TeamState
	if raw.ActiveTestRun != nil {
		if s.ActiveTestRuns == nil {
			s.ActiveTestRuns = map[string]domain.ActiveRun{}
		}
		s.ActiveTestRuns[raw.ActiveTestRun.RunID] = *raw.ActiveTestRun
	}
	return Sanitize(&s), nil
}

// Sanitize applies the Team State Store's read/write invariants in place and
// returns s: coerce missing collections to empty defaults, clamp
// parallelism to [MinParallelism, MaxParallelism], force the browser
// provider to the cloud variant when the hyperbrowser toggle is off, and
// strip provider API keys. It never mutates ActiveTestRuns
// beyond nil-coercion; the legacy singleton migration happens in Decode,
// which is the only path that sees the singleton field.
func Sanitize(s *domain.TeamState) *domain.TeamState {
	if s == nil {
		s = domain.NewTeamState()
	}
	if s.Projects == nil {
		s.Projects = []domain.Project{}
	}
	if s.TestCasesByProject == nil {
		s.TestCasesByProject = map[string][]domain.TestCase{}
	}
	if s.TestRunsByProject == nil {
		s.TestRunsByProject = map[string][]domain.TestRun{}
	}
	if s.TestGroupsByProject == nil {
		s.TestGroupsByProject = map[string][]domain.TestGroup{}
	}
	if s.AccountsByProject == nil {
		s.AccountsByProject = map[string][]domain.UserAccount{}
	}
	if s.JobsByProject == nil {
		s.JobsByProject = map[string][]domain.AIGenerationJob{}
	}
	if s.DraftsByProject == nil {
		s.DraftsByProject = map[string][]domain.GeneratedTestDraft{}
	}
	if s.NotificationsByProject == nil {
		s.NotificationsByProject = map[string]domain.DraftNotification{}
	}
	if s.ActiveTestRuns == nil {
		s.ActiveTestRuns = map[string]domain.ActiveRun{}
	}

	switch {
	case s.Settings.Parallelism == 0:
		s.Settings.Parallelism = domain.DefaultParallelism
	case s.Settings.Parallelism < domain.MinParallelism:
		s.Settings.Parallelism = domain.MinParallelism
	case s.Settings.Parallelism > domain.MaxParallelism:
		s.Settings.Parallelism = domain.MaxParallelism
	}
	if !s.Settings.HyperbrowserEnabled && s.Settings.BrowserProvider != domain.ProviderBrowserUseCloud {
		s.Settings.BrowserProvider = domain.ProviderBrowserUseCloud
	}
	if s.Settings.BrowserProvider == "" {
		s.Settings.BrowserProvider = domain.ProviderHyperbrowser
	}

	for project, accounts := range s.AccountsByProject {
		if len(accounts) > domain.MaxAccountsPerProject {
			accounts = accounts[:domain.MaxAccountsPerProject]
		}
		for i := range accounts {
			accounts[i].Metadata = stripAPIKeyLikeMetadata(accounts[i].Metadata)
		}
		s.AccountsByProject[project] = accounts
	}
	for project, jobs := range s.JobsByProject {
		for i := range jobs {
			delete(jobs[i].Settings, "apiKey")
			delete(jobs[i].Settings, "providerApiKey")
		}
		s.JobsByProject[project] = jobs
	}
	return s
}

// stripAPIKeyLikeMetadata removes keys that look like a provider API key
// from free-form account metadata. Provider API keys live only in the
// encrypted key vault (keyvault.go), never in the shared document.
func stripAPIKeyLikeMetadata(meta map[string]string) map[string]string {
	if len(meta) == 0 {
		return meta
	}
	for _, k := range []string{"apiKey", "providerApiKey", "api_key"} {
		delete(meta, k)
	}
	return meta
}
