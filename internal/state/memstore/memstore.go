// Package memstore provides an in-memory implementation of state.Store,
// suitable for development, testing, and single-node deployments where
// persistence across restarts is not required.
package memstore

import (
	"context"
	"sync"

	"github.com/aiqa-platform/qacore/internal/domain"
	"github.com/aiqa-platform/qacore/internal/state"
)

// Store is an in-memory implementation of state.Store. Safe for concurrent
// use.
type Store struct {
	mu     sync.Mutex
	docs   map[string]*domain.TeamState
	vault  *state.KeyVault
	sealed map[string]string
}

var _ state.Store = (*Store)(nil)

// New creates a new in-memory store. vault encrypts provider API keys at
// rest even for the in-memory backend, matching production semantics.
func New(vault *state.KeyVault) *Store {
	return &Store{
		docs:   make(map[string]*domain.TeamState),
		vault:  vault,
		sealed: make(map[string]string),
	}
}

// GetOrCreate implements state.Store.
func (s *Store) GetOrCreate(_ context.Context, teamID string) (*domain.TeamState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[teamID]
	if !ok {
		doc = state.Sanitize(domain.NewTeamState())
		s.docs[teamID] = doc
	}
	return cloneState(doc), nil
}

// Save implements state.Store.
func (s *Store) Save(_ context.Context, teamID, _ string, st *domain.TeamState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[teamID] = state.Sanitize(cloneState(st))
	return nil
}

// GetProviderKeys implements state.Store.
func (s *Store) GetProviderKeys(_ context.Context, teamID string) (map[domain.ProviderKey]string, error) {
	s.mu.Lock()
	blob, ok := s.sealed[teamID]
	s.mu.Unlock()
	if !ok {
		return nil, state.ErrNotFound
	}
	return s.vault.Open(blob)
}

// SetProviderKeys implements state.Store.
func (s *Store) SetProviderKeys(_ context.Context, teamID string, keys map[domain.ProviderKey]string) error {
	blob, err := s.vault.Seal(keys)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.sealed[teamID] = blob
	s.mu.Unlock()
	return nil
}

func cloneState(s *domain.TeamState) *domain.TeamState {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Projects = append(make([]domain.Project, 0, len(s.Projects)), s.Projects...)
	cp.TestCasesByProject = cloneSliceMap(s.TestCasesByProject)
	cp.TestRunsByProject = cloneSliceMap(s.TestRunsByProject)
	cp.TestGroupsByProject = cloneSliceMap(s.TestGroupsByProject)
	cp.AccountsByProject = cloneSliceMap(s.AccountsByProject)
	cp.JobsByProject = cloneSliceMap(s.JobsByProject)
	cp.DraftsByProject = cloneSliceMap(s.DraftsByProject)
	cp.NotificationsByProject = make(map[string]domain.DraftNotification, len(s.NotificationsByProject))
	for k, v := range s.NotificationsByProject {
		cp.NotificationsByProject[k] = v
	}
	cp.ActiveTestRuns = make(map[string]domain.ActiveRun, len(s.ActiveTestRuns))
	for k, v := range s.ActiveTestRuns {
		cp.ActiveTestRuns[k] = v
	}
	return &cp
}

func cloneSliceMap[T any](m map[string][]T) map[string][]T {
	out := make(map[string][]T, len(m))
	for k, v := range m {
		out[k] = append([]T(nil), v...)
	}
	return out
}
