package mongostore

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/aiqa-platform/qacore/internal/domain"
	"github.com/aiqa-platform/qacore/internal/state"
)

var (
	testMongoClient    *mongo.Client
	testMongoContainer testcontainers.Container
	skipMongoTests     bool
)

// setupMongoDB starts a disposable mongo:7 container; it degrades to a
// skip rather than a failure in sandboxes without Docker.
func setupMongoDB() {
	ctx := context.Background()

	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForLog("Waiting for connections"),
			Tmpfs:        map[string]string{"/data/db": "rw"},
		}
		testMongoContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()
	if containerErr != nil {
		skipMongoTests = true
		return
	}

	host, err := testMongoContainer.Host(ctx)
	if err != nil {
		skipMongoTests = true
		return
	}
	port, err := testMongoContainer.MappedPort(ctx, "27017")
	if err != nil {
		skipMongoTests = true
		return
	}

	uri := fmt.Sprintf("mongodb://%s:%s", host, port.Port())
	testMongoClient, err = mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		skipMongoTests = true
		return
	}
	if err := testMongoClient.Ping(ctx, nil); err != nil {
		skipMongoTests = true
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	if testMongoClient == nil && !skipMongoTests {
		setupMongoDB()
	}
	if skipMongoTests {
		t.Skip("Docker not available, skipping MongoDB test")
	}
	db := testMongoClient.Database("qacore_test")
	docs := db.Collection(t.Name() + "_docs")
	keys := db.Collection(t.Name() + "_keys")
	require.NoError(t, docs.Drop(context.Background()))
	require.NoError(t, keys.Drop(context.Background()))
	vault, err := state.NewKeyVault(make([]byte, 32))
	require.NoError(t, err)
	return New(docs, keys, vault)
}

func TestMongoStore_GetOrCreateThenSaveRoundTrips(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	doc, err := st.GetOrCreate(ctx, "team-1")
	require.NoError(t, err)
	require.Empty(t, doc.Projects)

	doc.Projects = []domain.Project{{ID: "p1", Name: "p1"}}
	doc.TestCasesByProject["p1"] = []domain.TestCase{{ID: "tc1", ProjectID: "p1", Title: "Checkout works"}}
	doc.Settings.Parallelism = 9000 // must clamp on save
	require.NoError(t, st.Save(ctx, "team-1", "tester", doc))

	reloaded, err := st.GetOrCreate(ctx, "team-1")
	require.NoError(t, err)
	require.Equal(t, []domain.Project{{ID: "p1", Name: "p1"}}, reloaded.Projects)
	require.Equal(t, "Checkout works", reloaded.TestCasesByProject["p1"][0].Title)
	require.Equal(t, domain.MaxParallelism, reloaded.Settings.Parallelism)
}

func TestMongoStore_ProviderKeysRoundTripAndAreEncrypted(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := st.GetProviderKeys(ctx, "team-2")
	require.ErrorIs(t, err, state.ErrNotFound)

	want := map[domain.ProviderKey]string{domain.ProviderHyperbrowser: "sk-hb-secret"}
	require.NoError(t, st.SetProviderKeys(ctx, "team-2", want))

	got, err := st.GetProviderKeys(ctx, "team-2")
	require.NoError(t, err)
	require.Equal(t, want, got)

	var raw keyDocument
	require.NoError(t, st.keys.FindOne(ctx, map[string]any{"_id": "team-2"}).Decode(&raw))
	require.NotContains(t, raw.Blob, "sk-hb-secret")
}
