// Package mongostore provides a MongoDB implementation of state.Store,
// persisting the team document for durability across restarts in
// deployments that prefer MongoDB over Redis.
package mongostore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/aiqa-platform/qacore/internal/domain"
	"github.com/aiqa-platform/qacore/internal/state"
)

// Store is a MongoDB implementation of state.Store.
type Store struct {
	docs  *mongo.Collection
	vault *state.KeyVault
	keys  *mongo.Collection
}

var _ state.Store = (*Store)(nil)

// New creates a new MongoDB-backed store using the given collections, one
// for team documents and one for sealed provider-key blobs.
func New(docs, keys *mongo.Collection, vault *state.KeyVault) *Store {
	return &Store{docs: docs, keys: keys, vault: vault}
}

// teamDocument wraps the team state as its canonical JSON encoding rather
// than letting the Mongo driver infer bson field names from the domain
// struct, so the stored shape matches state.Decode's legacy-aware parser
// exactly (see redisstore, which persists the same encoding to Redis).
type teamDocument struct {
	ID    string `bson:"_id"`
	State []byte `bson:"state"`
}

// GetOrCreate implements state.Store.
func (s *Store) GetOrCreate(ctx context.Context, teamID string) (*domain.TeamState, error) {
	var doc teamDocument
	err := s.docs.FindOne(ctx, bson.M{"_id": teamID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		fresh := state.Sanitize(domain.NewTeamState())
		if err := s.persist(ctx, teamID, fresh); err != nil {
			return nil, err
		}
		return fresh, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mongostore: get team %q: %w", teamID, err)
	}
	return state.Decode(doc.State)
}

// Save implements state.Store.
func (s *Store) Save(ctx context.Context, teamID, _ string, st *domain.TeamState) error {
	return s.persist(ctx, teamID, state.Sanitize(st))
}

func (s *Store) persist(ctx context.Context, teamID string, st *domain.TeamState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("mongostore: marshal team %q: %w", teamID, err)
	}
	opts := options.Replace().SetUpsert(true)
	_, err = s.docs.ReplaceOne(ctx, bson.M{"_id": teamID}, teamDocument{ID: teamID, State: data}, opts)
	if err != nil {
		return fmt.Errorf("mongostore: save team %q: %w", teamID, err)
	}
	return nil
}

type keyDocument struct {
	ID   string `bson:"_id"`
	Blob string `bson:"blob"`
}

// GetProviderKeys implements state.Store.
func (s *Store) GetProviderKeys(ctx context.Context, teamID string) (map[domain.ProviderKey]string, error) {
	var doc keyDocument
	err := s.keys.FindOne(ctx, bson.M{"_id": teamID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, state.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mongostore: get provider keys %q: %w", teamID, err)
	}
	return s.vault.Open(doc.Blob)
}

// SetProviderKeys implements state.Store.
func (s *Store) SetProviderKeys(ctx context.Context, teamID string, keysIn map[domain.ProviderKey]string) error {
	blob, err := s.vault.Seal(keysIn)
	if err != nil {
		return err
	}
	opts := options.Replace().SetUpsert(true)
	_, err = s.keys.ReplaceOne(ctx, bson.M{"_id": teamID}, keyDocument{ID: teamID, Blob: blob}, opts)
	if err != nil {
		return fmt.Errorf("mongostore: set provider keys %q: %w", teamID, err)
	}
	return nil
}
