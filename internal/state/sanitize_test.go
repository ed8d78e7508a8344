package state

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aiqa-platform/qacore/internal/domain"
)

func TestSanitizeClampsParallelism(t *testing.T) {
	s := domain.NewTeamState()
	s.Settings.Parallelism = 9000
	Sanitize(s)
	require.Equal(t, domain.MaxParallelism, s.Settings.Parallelism)

	s.Settings.Parallelism = -5
	Sanitize(s)
	require.Equal(t, domain.MinParallelism, s.Settings.Parallelism)

	s.Settings.Parallelism = 0
	Sanitize(s)
	require.Equal(t, domain.DefaultParallelism, s.Settings.Parallelism)
}

func TestSanitizeForcesCloudProviderWhenHyperbrowserDisabled(t *testing.T) {
	s := domain.NewTeamState()
	s.Settings.HyperbrowserEnabled = false
	s.Settings.BrowserProvider = domain.ProviderHyperbrowser
	Sanitize(s)
	require.Equal(t, domain.ProviderBrowserUseCloud, s.Settings.BrowserProvider)
}

func TestSanitizeCoercesNilCollections(t *testing.T) {
	s := &domain.TeamState{}
	Sanitize(s)
	require.NotNil(t, s.Projects)
	require.NotNil(t, s.TestCasesByProject)
	require.NotNil(t, s.AccountsByProject)
	require.NotNil(t, s.ActiveTestRuns)
}

func TestSanitizeStripsProviderAPIKeyMetadata(t *testing.T) {
	s := domain.NewTeamState()
	s.Projects = []domain.Project{{ID: "proj1", Name: "proj1"}}
	s.AccountsByProject["proj1"] = []domain.UserAccount{
		{ID: "acc1", Metadata: map[string]string{"apiKey": "secret", "label": "prod"}},
	}
	Sanitize(s)
	_, hasKey := s.AccountsByProject["proj1"][0].Metadata["apiKey"]
	require.False(t, hasKey)
	require.Equal(t, "prod", s.AccountsByProject["proj1"][0].Metadata["label"])
}

func TestSanitizeCapsAccountsPerProject(t *testing.T) {
	s := domain.NewTeamState()
	accounts := make([]domain.UserAccount, domain.MaxAccountsPerProject+5)
	for i := range accounts {
		accounts[i] = domain.UserAccount{ID: string(rune('a' + i))}
	}
	s.AccountsByProject["proj1"] = accounts
	Sanitize(s)
	require.Len(t, s.AccountsByProject["proj1"], domain.MaxAccountsPerProject)
}

func TestDecodeMigratesLegacyActiveTestRunSingleton(t *testing.T) {
	legacy := []byte(`{"activeTestRun":{"runId":"run-1","startedAt":"2026-01-01T00:00:00Z"}}`)
	s, err := Decode(legacy)
	require.NoError(t, err)
	require.Contains(t, s.ActiveTestRuns, "run-1")
}

func TestDecodeOfEmptyDocumentReturnsDefault(t *testing.T) {
	s, err := Decode(nil)
	require.NoError(t, err)
	require.Equal(t, domain.DefaultParallelism, s.Settings.Parallelism)
}
