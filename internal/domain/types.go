// Package domain defines the shared data model for the test execution core:
// test cases, results, runs, accounts, groups, AI jobs and drafts, and the
// per-team state document that holds them all.
package domain

import "time"

// AccountRequirement sentinels for TestCase.UserAccountID.
const (
	NoAccount  = ""
	AnyAccount = "__any__"
)

// ProviderKey identifies a browser-automation provider implementation.
type ProviderKey string

// Supported browser provider keys.
const (
	ProviderHyperbrowser    ProviderKey = "hyperbrowser"
	ProviderBrowserUseCloud ProviderKey = "browser-use-cloud"
	ProviderStagehand       ProviderKey = "stagehand"
)

// TestStatus is the lifecycle status of a test case or result.
type TestStatus string

// Test case / result statuses.
const (
	StatusPending TestStatus = "pending"
	StatusRunning TestStatus = "running"
	StatusPassed  TestStatus = "passed"
	StatusFailed  TestStatus = "failed"
	StatusSkipped TestStatus = "skipped"
	StatusError   TestStatus = "error"
)

// RunStatus is the lifecycle status of a TestRun.
type RunStatus string

// Test run statuses.
const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// JobStatus is the lifecycle status of an AIGenerationJob.
type JobStatus string

// AI generation job statuses.
const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// DraftStatus is the lifecycle status of a GeneratedTestDraft.
type DraftStatus string

// Draft statuses.
const (
	DraftDraft            DraftStatus = "draft"
	DraftPublished        DraftStatus = "published"
	DraftDiscarded        DraftStatus = "discarded"
	DraftDuplicateSkipped DraftStatus = "duplicate_skipped"
)

// ProfileStatus is the lifecycle status of a provider-side reusable profile.
type ProfileStatus string

// Provider profile statuses.
const (
	ProfileNone           ProfileStatus = "none"
	ProfileAuthenticating ProfileStatus = "authenticating"
	ProfileAuthenticated  ProfileStatus = "authenticated"
	ProfileExpired        ProfileStatus = "expired"
)

// Project is one application under test. LastRunStatus is denormalized from
// the project's most recent run so list views don't scan run history.
type Project struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	LastRunStatus string `json:"lastRunStatus,omitempty"`
}

// TestCase is a single, stable browser-automation test specification.
type TestCase struct {
	ID              string      `json:"id"`
	ProjectID       string      `json:"projectId"`
	Title           string      `json:"title"`
	Description     string      `json:"description"`
	ExpectedOutcome string      `json:"expectedOutcome,omitempty"`
	CreatedBy       string      `json:"createdBy"`
	UserAccountID   string      `json:"userAccountId,omitempty"` // "" none, "__any__" sentinel, or an account id
	Status          TestStatus  `json:"status"`
	LastResult      *TestResult `json:"lastResult,omitempty"`
}

// TestResult is the outcome of one execution of a TestCase.
type TestResult struct {
	ID                string         `json:"id"`
	TestCaseID        string         `json:"testCaseId"`
	ResolvedAccountID string         `json:"resolvedUserAccountId,omitempty"`
	Status            TestStatus     `json:"status"`
	StartedAt         time.Time      `json:"startedAt"`
	CompletedAt       *time.Time     `json:"completedAt,omitempty"`
	DurationMillis    int64          `json:"durationMs,omitempty"`
	LiveURL           string         `json:"liveUrl,omitempty"`
	RecordingURL      string         `json:"recordingUrl,omitempty"`
	Error             string         `json:"error,omitempty"`
	Reason            string         `json:"reason,omitempty"`
	ExtractedData     map[string]any `json:"extractedData,omitempty"`
	IssueTrackerID    string         `json:"issueTrackerId,omitempty"`
	IssueTrackerURL   string         `json:"issueTrackerUrl,omitempty"`
}

// TestRun is a batch of test cases dispatched with a shared concurrency
// budget. Invariant: Passed+Failed+Skipped <= TotalTests, and equals it
// exactly once Status reaches a terminal value.
type TestRun struct {
	ID            string       `json:"id"`
	ProjectID     string       `json:"projectId"`
	StartedAt     time.Time    `json:"startedAt"`
	CompletedAt   *time.Time   `json:"completedAt,omitempty"`
	Status        RunStatus    `json:"status"`
	TestCaseIDs   []string     `json:"testCaseIds"`
	ParallelLimit int          `json:"parallelLimit"`
	TotalTests    int          `json:"totalTests"`
	Passed        int          `json:"passed"`
	Failed        int          `json:"failed"`
	Skipped       int          `json:"skipped"`
	Results       []TestResult `json:"results"`
}

// ProviderProfile is a reusable provider-side login/session descriptor.
type ProviderProfile struct {
	ProfileID string        `json:"profileId,omitempty"`
	Status    ProfileStatus `json:"status"`
	UpdatedAt time.Time     `json:"updatedAt,omitempty"`
}

// UserAccount is a reusable set of credentials scoped to a project, capped
// at 20 per project (see state sanitization).
type UserAccount struct {
	ID        string                          `json:"id"`
	ProjectID string                          `json:"projectId"`
	Label     string                          `json:"label"`
	Email     string                          `json:"email"`
	Password  string                          `json:"password"`
	Metadata  map[string]string               `json:"metadata,omitempty"`
	Profiles  map[ProviderKey]ProviderProfile `json:"profiles,omitempty"`
}

// MaxAccountsPerProject is the hard cap on accounts per project.
const MaxAccountsPerProject = 20

// TestGroup orders a set of test cases under a named collection. A test
// case belongs to at most one group.
type TestGroup struct {
	ID            string   `json:"id"`
	ProjectID     string   `json:"projectId"`
	Name          string   `json:"name"`
	TestCaseIDs   []string `json:"testCaseIds"`
	LastRunStatus string   `json:"lastRunStatus,omitempty"`
}

// AIGenerationJob tracks one AI exploration-and-synthesis request.
type AIGenerationJob struct {
	ID              string         `json:"id"`
	ProjectID       string         `json:"projectId"`
	RawText         string         `json:"rawText"`
	WebsiteURL      string         `json:"websiteUrl"`
	GroupName       string         `json:"groupName,omitempty"`
	UserAccountID   string         `json:"userAccountId,omitempty"`
	ProviderKey     ProviderKey    `json:"providerKey"`
	Settings        map[string]any `json:"settings,omitempty"`
	AIModel         string         `json:"aiModel"`
	Status          JobStatus      `json:"status"`
	CreatedAt       time.Time      `json:"createdAt"`
	StartedAt       *time.Time     `json:"startedAt,omitempty"`
	CompletedAt     *time.Time     `json:"completedAt,omitempty"`
	Progress        string         `json:"progress,omitempty"`
	LiveURL         string         `json:"liveUrl,omitempty"`
	RecordingURL    string         `json:"recordingUrl,omitempty"`
	Error           string         `json:"error,omitempty"`
	DraftsGenerated int            `json:"draftsGenerated"`
	DraftsDuplicate int            `json:"draftsDuplicate"`
}

// MaxAIJobsPerProject caps the retained job history per project.
const MaxAIJobsPerProject = 30

// StaleJobThreshold is how long a "running" job can go without completing
// before it is considered abandoned and reclaimable by a new claim.
// Treated as a configurable constant, not a fixed contract: override this
// var, don't hardcode around it.
var StaleJobThreshold = 10 * time.Minute

// GeneratedTestDraft is an AI-synthesized candidate test, pending review.
type GeneratedTestDraft struct {
	ID              string      `json:"id"`
	ProjectID       string      `json:"projectId"`
	JobID           string      `json:"jobId"`
	Title           string      `json:"title"`
	Description     string      `json:"description"`
	ExpectedOutcome string      `json:"expectedOutcome"`
	UserAccountID   string      `json:"userAccountId,omitempty"`
	GroupName       string      `json:"groupName,omitempty"`
	Status          DraftStatus `json:"status"`
	DuplicateOfID   string      `json:"duplicateOfTestCaseId,omitempty"`
	DuplicateReason string      `json:"duplicateReason,omitempty"`
}

// DraftNotification tracks unseen-draft state per project.
type DraftNotification struct {
	HasUnseenDrafts bool       `json:"hasUnseenDrafts"`
	LastSeenAt      *time.Time `json:"lastSeenAt,omitempty"`
}

// Settings is the per-team configuration snapshot. Sanitization clamps
// Parallelism and enforces the hyperbrowser/provider coupling rule.
type Settings struct {
	Parallelism         int           `json:"parallelism"`
	HyperbrowserEnabled bool          `json:"hyperbrowserEnabled"`
	BrowserProvider     ProviderKey   `json:"browserProvider"`
	DefaultTimeout      time.Duration `json:"defaultTimeout,omitempty"`
}

// MinParallelism and MaxParallelism bound Settings.Parallelism.
const (
	MinParallelism     = 1
	MaxParallelism     = 250
	DefaultParallelism = 3
)

// ActiveRun is the record of a currently-executing run, kept so a stale
// sweep can detect orphans left by a dead process.
type ActiveRun struct {
	RunID     string    `json:"runId"`
	StartedAt time.Time `json:"startedAt"`
}

// TeamState is the single JSON-shaped document persisted per team.
type TeamState struct {
	Projects               []Project                       `json:"projects"`
	TestCasesByProject     map[string][]TestCase           `json:"testCasesByProject"`
	TestRunsByProject      map[string][]TestRun            `json:"testRunsByProject"`
	TestGroupsByProject    map[string][]TestGroup          `json:"testGroupsByProject"`
	AccountsByProject      map[string][]UserAccount        `json:"accountsByProject"`
	JobsByProject          map[string][]AIGenerationJob    `json:"jobsByProject"`
	DraftsByProject        map[string][]GeneratedTestDraft `json:"draftsByProject"`
	NotificationsByProject map[string]DraftNotification    `json:"notificationsByProject"`
	Settings               Settings                        `json:"settings"`
	ActiveTestRuns         map[string]ActiveRun            `json:"activeTestRuns"`
}

// MaxTestRunsPerProject caps retained run history (newest first).
const MaxTestRunsPerProject = 50

// NewTeamState returns a zero-value, already-sanitized TeamState suitable as
// the default document for a team with no prior history.
func NewTeamState() *TeamState {
	return &TeamState{
		Projects:               []Project{},
		TestCasesByProject:      map[string][]TestCase{},
		TestRunsByProject:       map[string][]TestRun{},
		TestGroupsByProject:     map[string][]TestGroup{},
		AccountsByProject:       map[string][]UserAccount{},
		JobsByProject:           map[string][]AIGenerationJob{},
		DraftsByProject:         map[string][]GeneratedTestDraft{},
		NotificationsByProject:  map[string]DraftNotification{},
		Settings: Settings{
			Parallelism:         DefaultParallelism,
			HyperbrowserEnabled: true,
			BrowserProvider:     ProviderHyperbrowser,
		},
		ActiveTestRuns: map[string]ActiveRun{},
	}
}
