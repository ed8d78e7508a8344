// Command server runs the concurrent test execution core: the SSE execution
// stream, stop endpoint, and AI generation job queue, bound to an in-memory,
// Redis, or MongoDB team state store chosen by environment configuration.
package main

import (
	"context"
	"encoding/base64"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/log"

	"github.com/aiqa-platform/qacore/internal/accountlock"
	"github.com/aiqa-platform/qacore/internal/aiqueue"
	"github.com/aiqa-platform/qacore/internal/httpapi"
	"github.com/aiqa-platform/qacore/internal/llm"
	"github.com/aiqa-platform/qacore/internal/observability"
	"github.com/aiqa-platform/qacore/internal/provider"
	"github.com/aiqa-platform/qacore/internal/runregistry"
	"github.com/aiqa-platform/qacore/internal/state"
	"github.com/aiqa-platform/qacore/internal/state/memstore"
	"github.com/aiqa-platform/qacore/internal/state/mongostore"
	"github.com/aiqa-platform/qacore/internal/state/redisstore"
)

func main() {
	var (
		addrF = flag.String("addr", envOr("QACORE_ADDR", ":8080"), "HTTP listen address")
		dbgF  = flag.Bool("debug", os.Getenv("QACORE_DEBUG") == "true", "Enable debug logging")
	)
	flag.Parse()

	ctx := observability.Init(context.Background(), *dbgF)

	store, err := buildStore(ctx)
	if err != nil {
		log.Fatalf(ctx, err, "failed to build team state store")
	}

	providers := provider.NewRegistry(
		provider.NewHyperbrowser(envOr("HYPERBROWSER_BASE_URL", "https://api.hyperbrowser.ai"), os.Getenv("HYPERBROWSER_API_KEY")),
		provider.NewBrowserUseCloud(envOr("BROWSERUSE_BASE_URL", "https://api.browser-use.com"), os.Getenv("BROWSERUSE_API_KEY")),
		provider.NewStagehand(envOr("STAGEHAND_BASE_URL", "https://api.stagehand.dev"), os.Getenv("STAGEHAND_API_KEY")),
	)

	generator, err := buildGenerator()
	if err != nil {
		log.Fatalf(ctx, err, "failed to build LLM generator")
	}

	locks := accountlock.New()
	runs := runregistry.New()
	queue := aiqueue.NewWorker(store, locks, providers, generator)

	srv := httpapi.New(store, locks, runs, providers, generator, queue)

	httpServer := &http.Server{
		Addr:    *addrF,
		Handler: srv.Mux(),
	}

	errc := make(chan error, 1)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()
	go func() {
		log.Print(ctx, log.KV{K: "addr", V: *addrF}, log.KV{K: "msg", V: "starting qacore server"})
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	log.Printf(ctx, "exiting (%v)", <-errc)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf(ctx, "graceful shutdown failed: %v", err)
	}
	log.Print(ctx, log.KV{K: "msg", V: "exited"})
}

// buildStore selects the team state backend from QACORE_STORE
// (memory|redis|mongo, default memory). The provider-key vault is always
// enabled; QACORE_KEY_VAULT_KEY must decode (base64) to exactly 32 bytes.
func buildStore(ctx context.Context) (state.Store, error) {
	vaultKeyB64 := os.Getenv("QACORE_KEY_VAULT_KEY")
	if vaultKeyB64 == "" {
		return nil, fmt.Errorf("QACORE_KEY_VAULT_KEY is required (32 random bytes, base64-encoded)")
	}
	vaultKey, err := base64.StdEncoding.DecodeString(vaultKeyB64)
	if err != nil {
		return nil, fmt.Errorf("decode QACORE_KEY_VAULT_KEY: %w", err)
	}
	vault, err := state.NewKeyVault(vaultKey)
	if err != nil {
		return nil, err
	}

	switch kind := envOr("QACORE_STORE", "memory"); kind {
	case "memory":
		return memstore.New(vault), nil
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     envOr("REDIS_URL", "localhost:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		return redisstore.New(rdb, vault), nil
	case "mongo":
		client, err := mongo.Connect(options.Client().ApplyURI(envOr("MONGO_URL", "mongodb://localhost:27017")))
		if err != nil {
			return nil, fmt.Errorf("connect to mongo: %w", err)
		}
		db := client.Database(envOr("MONGO_DB", "qacore"))
		docs := db.Collection("team_state")
		keys := db.Collection("provider_keys")
		return mongostore.New(docs, keys, vault), nil
	default:
		return nil, fmt.Errorf("invalid QACORE_STORE %q (valid: memory, redis, mongo)", kind)
	}
}

// buildGenerator selects the LLM adapter used for summarization and draft
// synthesis from QACORE_LLM_PROVIDER (anthropic|openai|bedrock, default
// anthropic). "bedrock" is accepted but always returns an error, since no
// AWS runtime client is built here.
func buildGenerator() (llm.Generator, error) {
	model := envOr("QACORE_LLM_MODEL", "claude-sonnet-4-5")
	switch kind := envOr("QACORE_LLM_PROVIDER", "anthropic"); kind {
	case "anthropic":
		return llm.NewAnthropicFromAPIKey(os.Getenv("ANTHROPIC_API_KEY"), model)
	case "openai":
		return llm.NewOpenAIFromAPIKey(os.Getenv("OPENAI_API_KEY"), model)
	case "bedrock":
		return nil, fmt.Errorf("bedrock generator requires an AWS runtime client; wire llm.NewBedrock from your own AWS config loader")
	default:
		return nil, fmt.Errorf("invalid QACORE_LLM_PROVIDER %q (valid: anthropic, openai, bedrock)", kind)
	}
}

func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
