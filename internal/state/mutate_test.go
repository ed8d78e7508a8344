package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aiqa-platform/qacore/internal/domain"
)

func TestDeleteAccountClearsTestCaseReferences(t *testing.T) {
	s := domain.NewTeamState()
	s.AccountsByProject["p1"] = []domain.UserAccount{{ID: "acc1", ProjectID: "p1"}, {ID: "acc2", ProjectID: "p1"}}
	s.TestCasesByProject["p1"] = []domain.TestCase{
		{ID: "t1", UserAccountID: "acc1"},
		{ID: "t2", UserAccountID: "acc2"},
		{ID: "t3", UserAccountID: domain.AnyAccount},
	}

	DeleteAccount(s, "p1", "acc1")

	require.Len(t, s.AccountsByProject["p1"], 1)
	require.Equal(t, "acc2", s.AccountsByProject["p1"][0].ID)
	require.Equal(t, domain.NoAccount, s.TestCasesByProject["p1"][0].UserAccountID)
	require.Equal(t, "acc2", s.TestCasesByProject["p1"][1].UserAccountID)
	require.Equal(t, domain.AnyAccount, s.TestCasesByProject["p1"][2].UserAccountID)
}

func TestAddAccountEnforcesPerProjectCap(t *testing.T) {
	s := domain.NewTeamState()
	for i := 0; i < domain.MaxAccountsPerProject; i++ {
		require.NoError(t, AddAccount(s, domain.UserAccount{ID: string(rune('a' + i)), ProjectID: "p1"}))
	}
	err := AddAccount(s, domain.UserAccount{ID: "one-too-many", ProjectID: "p1"})
	require.Error(t, err)
	require.Len(t, s.AccountsByProject["p1"], domain.MaxAccountsPerProject)
}

func TestAssignTestToGroupRemovesFromPreviousGroup(t *testing.T) {
	s := domain.NewTeamState()
	s.TestGroupsByProject["p1"] = []domain.TestGroup{
		{ID: "g1", ProjectID: "p1", Name: "Smoke", TestCaseIDs: []string{"t1", "t2"}},
		{ID: "g2", ProjectID: "p1", Name: "Regression", TestCaseIDs: []string{"t3"}},
	}

	AssignTestToGroup(s, "p1", "t1", "g2", "Regression")

	groups := s.TestGroupsByProject["p1"]
	require.Equal(t, []string{"t2"}, groups[0].TestCaseIDs)
	require.Equal(t, []string{"t3", "t1"}, groups[1].TestCaseIDs)
}

func TestAssignTestToGroupCreatesMissingGroupByName(t *testing.T) {
	s := domain.NewTeamState()
	AssignTestToGroup(s, "p1", "t1", "", "Checkout")
	groups := s.TestGroupsByProject["p1"]
	require.Len(t, groups, 1)
	require.Equal(t, "Checkout", groups[0].Name)
	require.Equal(t, []string{"t1"}, groups[0].TestCaseIDs)
}

func TestPublishDraftCreatesTestCaseAndJoinsGroup(t *testing.T) {
	s := domain.NewTeamState()
	s.TestGroupsByProject["p1"] = []domain.TestGroup{
		{ID: "g1", ProjectID: "p1", Name: "Smoke", TestCaseIDs: []string{"t-new"}},
	}
	s.DraftsByProject["p1"] = []domain.GeneratedTestDraft{{
		ID:              "d1",
		ProjectID:       "p1",
		Title:           "Login works",
		Description:     "User logs in",
		ExpectedOutcome: "Home page",
		UserAccountID:   "acc1",
		GroupName:       "Regression",
		Status:          domain.DraftDraft,
	}}

	tc, err := PublishDraft(s, "p1", "d1", "t-new", "reviewer")
	require.NoError(t, err)
	require.Equal(t, "Login works", tc.Title)
	require.Equal(t, domain.StatusPending, tc.Status)
	require.Equal(t, domain.DraftPublished, s.DraftsByProject["p1"][0].Status)
	require.Equal(t, "Login works", s.TestCasesByProject["p1"][0].Title)

	// The publish regrouped t-new into Regression and out of Smoke.
	groups := s.TestGroupsByProject["p1"]
	require.Empty(t, groups[0].TestCaseIDs)
	require.Equal(t, "Regression", groups[1].Name)
	require.Equal(t, []string{"t-new"}, groups[1].TestCaseIDs)
}

func TestPublishDraftRejectsNonDraftStatus(t *testing.T) {
	s := domain.NewTeamState()
	s.DraftsByProject["p1"] = []domain.GeneratedTestDraft{{ID: "d1", Status: domain.DraftDuplicateSkipped}}
	_, err := PublishDraft(s, "p1", "d1", "t1", "reviewer")
	require.Error(t, err)
}

func TestDiscardDraft(t *testing.T) {
	s := domain.NewTeamState()
	s.DraftsByProject["p1"] = []domain.GeneratedTestDraft{{ID: "d1", Status: domain.DraftDraft}}
	require.NoError(t, DiscardDraft(s, "p1", "d1"))
	require.Equal(t, domain.DraftDiscarded, s.DraftsByProject["p1"][0].Status)
	require.Error(t, DiscardDraft(s, "p1", "missing"))
}

func TestMarkDraftsSeenClearsNotification(t *testing.T) {
	s := domain.NewTeamState()
	s.NotificationsByProject["p1"] = domain.DraftNotification{HasUnseenDrafts: true}
	now := time.Now()
	MarkDraftsSeen(s, "p1", now)
	notif := s.NotificationsByProject["p1"]
	require.False(t, notif.HasUnseenDrafts)
	require.Equal(t, now, *notif.LastSeenAt)
}
