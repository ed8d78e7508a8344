// Package state defines the Team State Store contract: one durable
// JSON-shaped document per team identifier, with sanitization on every read
// and write, a client-side stale-run sweeper, and an encrypted provider-key
// vault kept out of the document proper.
//
// Implementations: memstore (in-memory, tests and single-node use),
// redisstore (Redis-backed, production), mongostore (MongoDB-backed,
// alternate production backend).
package state

import (
	"context"
	"errors"

	"github.com/aiqa-platform/qacore/internal/domain"
)

// ErrNotFound is returned by GetProviderKeys when no key vault entry exists
// for a team.
var ErrNotFound = errors.New("state: not found")

// Store persists one team document per team identifier. Implementations
// must be safe for concurrent use.
type Store interface {
	// GetOrCreate returns the sanitized document for teamID, inserting a
	// default document first if none exists.
	GetOrCreate(ctx context.Context, teamID string) (*domain.TeamState, error)

	// Save sanitizes state and upserts it for teamID. writerIdentity
	// identifies the caller for audit/observability purposes; it is not
	// part of the persisted document.
	Save(ctx context.Context, teamID, writerIdentity string, state *domain.TeamState) error

	// GetProviderKeys returns the decrypted provider API keys for teamID.
	// Returns ErrNotFound if no keys have been set.
	GetProviderKeys(ctx context.Context, teamID string) (map[domain.ProviderKey]string, error)

	// SetProviderKeys encrypts and persists provider API keys for teamID,
	// replacing any previous value.
	SetProviderKeys(ctx context.Context, teamID string, keys map[domain.ProviderKey]string) error
}
