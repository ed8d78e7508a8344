package state

import (
	"fmt"
	"time"

	"github.com/aiqa-platform/qacore/internal/domain"
)

// DeleteAccount removes accountID from projectID's account list and clears
// the requirement field of every test case that referenced it. Tests that
// pointed at the deleted account fall back to no account requirement rather
// than keeping a dangling reference.
func DeleteAccount(s *domain.TeamState, projectID, accountID string) {
	accounts := s.AccountsByProject[projectID]
	kept := accounts[:0]
	for _, acc := range accounts {
		if acc.ID != accountID {
			kept = append(kept, acc)
		}
	}
	s.AccountsByProject[projectID] = kept

	cases := s.TestCasesByProject[projectID]
	for i := range cases {
		if cases[i].UserAccountID == accountID {
			cases[i].UserAccountID = domain.NoAccount
		}
	}
	s.TestCasesByProject[projectID] = cases
}

// AddAccount appends acc to its project's account list, enforcing the
// per-project cap.
func AddAccount(s *domain.TeamState, acc domain.UserAccount) error {
	accounts := s.AccountsByProject[acc.ProjectID]
	if len(accounts) >= domain.MaxAccountsPerProject {
		return fmt.Errorf("state: project %s already has the maximum of %d accounts", acc.ProjectID, domain.MaxAccountsPerProject)
	}
	if s.AccountsByProject == nil {
		s.AccountsByProject = map[string][]domain.UserAccount{}
	}
	s.AccountsByProject[acc.ProjectID] = append(accounts, acc)
	return nil
}

// AssignTestToGroup moves testCaseID into the group named groupName within
// projectID, creating the group if needed and removing the test from any
// group it previously belonged to. A test case belongs to at most one group.
func AssignTestToGroup(s *domain.TeamState, projectID, testCaseID, groupID, groupName string) {
	groups := s.TestGroupsByProject[projectID]
	targetIdx := -1
	for i := range groups {
		groups[i].TestCaseIDs = removeID(groups[i].TestCaseIDs, testCaseID)
		if (groupID != "" && groups[i].ID == groupID) || (groupID == "" && groups[i].Name == groupName) {
			targetIdx = i
		}
	}
	if targetIdx == -1 {
		groups = append(groups, domain.TestGroup{
			ID:        groupID,
			ProjectID: projectID,
			Name:      groupName,
		})
		targetIdx = len(groups) - 1
	}
	groups[targetIdx].TestCaseIDs = append(groups[targetIdx].TestCaseIDs, testCaseID)
	if s.TestGroupsByProject == nil {
		s.TestGroupsByProject = map[string][]domain.TestGroup{}
	}
	s.TestGroupsByProject[projectID] = groups
}

// PublishDraft promotes a draft to a real test case: the draft is marked
// published, a test case carrying its generated fields is appended to the
// project, and if the draft names a group the new test is placed there
// (removing it from any previous group per the one-group rule). Returns the
// created test case, or an error if the draft does not exist or is not in
// draft status.
func PublishDraft(s *domain.TeamState, projectID, draftID, newTestCaseID, createdBy string) (domain.TestCase, error) {
	drafts := s.DraftsByProject[projectID]
	idx := -1
	for i := range drafts {
		if drafts[i].ID == draftID {
			idx = i
			break
		}
	}
	if idx == -1 {
		return domain.TestCase{}, fmt.Errorf("state: draft %s not found in project %s", draftID, projectID)
	}
	if drafts[idx].Status != domain.DraftDraft {
		return domain.TestCase{}, fmt.Errorf("state: draft %s is %s, only draft-status drafts can be published", draftID, drafts[idx].Status)
	}

	d := drafts[idx]
	tc := domain.TestCase{
		ID:              newTestCaseID,
		ProjectID:       projectID,
		Title:           d.Title,
		Description:     d.Description,
		ExpectedOutcome: d.ExpectedOutcome,
		CreatedBy:       createdBy,
		UserAccountID:   d.UserAccountID,
		Status:          domain.StatusPending,
	}
	if s.TestCasesByProject == nil {
		s.TestCasesByProject = map[string][]domain.TestCase{}
	}
	s.TestCasesByProject[projectID] = append(s.TestCasesByProject[projectID], tc)

	drafts[idx].Status = domain.DraftPublished
	s.DraftsByProject[projectID] = drafts

	if d.GroupName != "" {
		AssignTestToGroup(s, projectID, tc.ID, "", d.GroupName)
	}
	return tc, nil
}

// DiscardDraft marks a draft discarded. Idempotent for already-discarded
// drafts; an error for unknown ones.
func DiscardDraft(s *domain.TeamState, projectID, draftID string) error {
	drafts := s.DraftsByProject[projectID]
	for i := range drafts {
		if drafts[i].ID == draftID {
			drafts[i].Status = domain.DraftDiscarded
			s.DraftsByProject[projectID] = drafts
			return nil
		}
	}
	return fmt.Errorf("state: draft %s not found in project %s", draftID, projectID)
}

// MarkDraftsSeen clears the unseen-drafts flag for projectID and records when
// the viewer last looked.
func MarkDraftsSeen(s *domain.TeamState, projectID string, at time.Time) {
	if s.NotificationsByProject == nil {
		s.NotificationsByProject = map[string]domain.DraftNotification{}
	}
	s.NotificationsByProject[projectID] = domain.DraftNotification{HasUnseenDrafts: false, LastSeenAt: &at}
}

func removeID(ids []string, target string) []string {
	kept := ids[:0]
	for _, id := range ids {
		if id != target {
			kept = append(kept, id)
		}
	}
	return kept
}
