// Package redisstore provides a Redis-backed implementation of state.Store,
// giving the team document durability across restarts and visibility to
// every node in a multi-node deployment.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/aiqa-platform/qacore/internal/domain"
	"github.com/aiqa-platform/qacore/internal/state"
)

const (
	docKeyPrefix   = "qacore:team:"
	vaultKeyPrefix = "qacore:team-keys:"
)

// Store is a Redis implementation of state.Store.
type Store struct {
	rdb   *redis.Client
	vault *state.KeyVault
}

var _ state.Store = (*Store)(nil)

// New creates a new Redis-backed store.
func New(rdb *redis.Client, vault *state.KeyVault) *Store {
	return &Store{rdb: rdb, vault: vault}
}

// GetOrCreate implements state.Store.
func (s *Store) GetOrCreate(ctx context.Context, teamID string) (*domain.TeamState, error) {
	raw, err := s.rdb.Get(ctx, docKey(teamID)).Bytes()
	if errors.Is(err, redis.Nil) {
		doc := state.Sanitize(domain.NewTeamState())
		if err := s.persist(ctx, teamID, doc); err != nil {
			return nil, err
		}
		return doc, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redisstore: get team %q: %w", teamID, err)
	}
	return state.Decode(raw)
}

// Save implements state.Store.
func (s *Store) Save(ctx context.Context, teamID, _ string, st *domain.TeamState) error {
	return s.persist(ctx, teamID, state.Sanitize(st))
}

func (s *Store) persist(ctx context.Context, teamID string, st *domain.TeamState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("redisstore: marshal team %q: %w", teamID, err)
	}
	if err := s.rdb.Set(ctx, docKey(teamID), data, 0).Err(); err != nil {
		return fmt.Errorf("redisstore: set team %q: %w", teamID, err)
	}
	return nil
}

// GetProviderKeys implements state.Store.
func (s *Store) GetProviderKeys(ctx context.Context, teamID string) (map[domain.ProviderKey]string, error) {
	blob, err := s.rdb.Get(ctx, vaultKey(teamID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, state.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redisstore: get provider keys %q: %w", teamID, err)
	}
	return s.vault.Open(blob)
}

// SetProviderKeys implements state.Store.
func (s *Store) SetProviderKeys(ctx context.Context, teamID string, keys map[domain.ProviderKey]string) error {
	blob, err := s.vault.Seal(keys)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, vaultKey(teamID), blob, 0).Err(); err != nil {
		return fmt.Errorf("redisstore: set provider keys %q: %w", teamID, err)
	}
	return nil
}

func docKey(teamID string) string   { return docKeyPrefix + teamID }
func vaultKey(teamID string) string { return vaultKeyPrefix + teamID }
