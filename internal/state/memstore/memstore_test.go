package memstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aiqa-platform/qacore/internal/domain"
	"github.com/aiqa-platform/qacore/internal/state"
)

func newTestVault(t *testing.T) *state.KeyVault {
	t.Helper()
	v, err := state.NewKeyVault(make([]byte, 32))
	require.NoError(t, err)
	return v
}

func TestGetOrCreateInsertsSanitizedDefault(t *testing.T) {
	st := New(newTestVault(t))
	doc, err := st.GetOrCreate(context.Background(), "team-1")
	require.NoError(t, err)
	require.Equal(t, domain.DefaultParallelism, doc.Settings.Parallelism)
	require.NotNil(t, doc.Projects)
}

func TestSaveThenGetOrCreateRoundTrips(t *testing.T) {
	st := New(newTestVault(t))
	ctx := context.Background()
	doc, err := st.GetOrCreate(ctx, "team-1")
	require.NoError(t, err)
	doc.Projects = append(doc.Projects, domain.Project{ID: "proj1", Name: "proj1"})
	require.NoError(t, st.Save(ctx, "team-1", "tester", doc))

	reloaded, err := st.GetOrCreate(ctx, "team-1")
	require.NoError(t, err)
	require.Equal(t, []domain.Project{{ID: "proj1", Name: "proj1"}}, reloaded.Projects)
}

func TestGetOrCreateReturnsIndependentCopies(t *testing.T) {
	st := New(newTestVault(t))
	ctx := context.Background()
	first, err := st.GetOrCreate(ctx, "team-1")
	require.NoError(t, err)
	first.Projects = append(first.Projects, domain.Project{ID: "mutated"})

	second, err := st.GetOrCreate(ctx, "team-1")
	require.NoError(t, err)
	require.Empty(t, second.Projects)
}

func TestProviderKeysRoundTrip(t *testing.T) {
	st := New(newTestVault(t))
	ctx := context.Background()

	_, err := st.GetProviderKeys(ctx, "team-1")
	require.ErrorIs(t, err, state.ErrNotFound)

	keys := map[domain.ProviderKey]string{domain.ProviderStagehand: "sk-secret"}
	require.NoError(t, st.SetProviderKeys(ctx, "team-1", keys))

	got, err := st.GetProviderKeys(ctx, "team-1")
	require.NoError(t, err)
	require.Equal(t, keys, got)
}
