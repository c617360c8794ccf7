package integration

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/registrydata/rdap-engine/internal/testutil"
	"github.com/registrydata/rdap-engine/pkg/batch"
	"github.com/registrydata/rdap-engine/pkg/cache"
	"github.com/registrydata/rdap-engine/pkg/client"
	"github.com/registrydata/rdap-engine/pkg/ratelimit"
	"github.com/registrydata/rdap-engine/pkg/rdap"
)

// setupRedis creates a Redis container for integration testing.
func setupRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr: host + ":" + port.Port(),
	})

	cleanup := func() {
		redisClient.Close()
		container.Terminate(ctx)
	}

	return redisClient, cleanup
}

type engineConfig struct {
	cacheConfig  cache.Config
	clientConfig client.Config
	bucketCap    float64
	bucketRate   float64
}

// newEngine wires a Redis-backed cache manager, a rate limiter, and the
// HTTP fetcher against the mock registry into an orchestrator.
func newEngine(t *testing.T, redisClient *redis.Client, mock *testutil.MockRegistry, cfg engineConfig) (*client.Orchestrator, *cache.Manager) {
	t.Helper()

	manager := cache.NewManager(cache.NewRedisStore(redisClient), cfg.cacheConfig)

	limiter := ratelimit.New(ratelimit.Config{})
	if cfg.bucketCap == 0 {
		cfg.bucketCap, cfg.bucketRate = 100, 100
	}
	limiter.Configure("default", cfg.bucketCap, cfg.bucketRate)

	fetcher, err := rdap.NewHTTPFetcher(rdap.FetcherConfig{
		BaseURLs: map[client.QueryType]string{
			client.TypeDomain: mock.URL(),
			client.TypeIP:     mock.URL(),
		},
		UserAgent: "rdap-engine-integration/1.0",
		Timeout:   10 * time.Second,
	})
	if err != nil {
		t.Fatalf("Failed to create fetcher: %v", err)
	}

	if cfg.clientConfig.Retry.MaxAttempts == 0 {
		cfg.clientConfig.Retry = client.RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   10 * time.Millisecond,
			MaxDelay:    100 * time.Millisecond,
			Strategy:    client.StrategyExponential,
		}
	}

	orchestrator, err := client.NewOrchestrator(manager, limiter, fetcher, rdap.NewNormalizer(), cfg.clientConfig)
	if err != nil {
		t.Fatalf("Failed to create orchestrator: %v", err)
	}
	return orchestrator, manager
}

// TestFullQueryFlow tests the complete flow: rate limit, fetch, normalize,
// cache write, then a cache hit on repeat.
func TestFullQueryFlow(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	mock := testutil.NewMockRegistry()
	defer mock.Close()
	mock.SetDomainResponse("example.com", testutil.NewDomainResponse("EXAMPLE-1", "example.com"))

	engine, manager := newEngine(t, redisClient, mock, engineConfig{})
	ctx := context.Background()

	resp, err := engine.Execute(ctx, client.QueryRequest{
		Type:       client.TypeDomain,
		Identifier: "Example.COM",
	})
	if err != nil {
		t.Fatalf("First query failed: %v", err)
	}
	if resp.FromCache {
		t.Error("First query should not come from cache")
	}

	var record rdap.Record
	if err := json.Unmarshal(resp.Value, &record); err != nil {
		t.Fatalf("Failed to parse record: %v", err)
	}
	if record.Handle != "EXAMPLE-1" || record.Name != "example.com" {
		t.Errorf("Record = %+v", record)
	}

	// Identifier case differs but normalizes to the same cache key.
	resp, err = engine.Execute(ctx, client.QueryRequest{
		Type:       client.TypeDomain,
		Identifier: "example.com.",
	})
	if err != nil {
		t.Fatalf("Second query failed: %v", err)
	}
	if !resp.FromCache {
		t.Error("Second query should come from cache")
	}
	if mock.RequestCount() != 1 {
		t.Errorf("Registry saw %d requests, want 1", mock.RequestCount())
	}

	stats := manager.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("Stats = %+v, want 1 hit and 1 miss", stats)
	}
}

// TestNegativeCacheFlow tests that a not-found answer is remembered and
// suppresses upstream traffic for the negative TTL.
func TestNegativeCacheFlow(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	mock := testutil.NewMockRegistry()
	defer mock.Close()

	engine, _ := newEngine(t, redisClient, mock, engineConfig{
		cacheConfig: cache.Config{NegativeTTL: time.Minute},
	})
	ctx := context.Background()

	req := client.QueryRequest{Type: client.TypeDomain, Identifier: "unregistered.example"}

	_, err := engine.Execute(ctx, req)
	if client.CategoryOf(err) != client.CategoryNotFound {
		t.Fatalf("First query err = %v, want not-found", err)
	}

	_, err = engine.Execute(ctx, req)
	if !errors.Is(err, client.ErrNegativeCached) {
		t.Errorf("Second query err = %v, want negative-cache suppression", err)
	}
	if client.CategoryOf(err) != client.CategoryNotFound {
		t.Errorf("Suppressed error lost its category: %v", err)
	}
	if mock.RequestCount() != 1 {
		t.Errorf("Registry saw %d requests, want 1", mock.RequestCount())
	}
}

// TestRetryOn5xx tests that transient upstream failures are retried until
// the registry recovers.
func TestRetryOn5xx(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	mock := testutil.NewMockRegistry()
	defer mock.Close()

	var calls atomic.Int32
	mock.SetHandler("/domain/flaky.example", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/rdap+json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(testutil.DomainBody("FLAKY-1", "flaky.example")))
	})

	engine, _ := newEngine(t, redisClient, mock, engineConfig{})

	resp, err := engine.Execute(context.Background(), client.QueryRequest{
		Type:       client.TypeDomain,
		Identifier: "flaky.example",
	})
	if err != nil {
		t.Fatalf("Query failed after retries: %v", err)
	}
	if resp.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", resp.Attempts)
	}
	if calls.Load() != 3 {
		t.Errorf("Registry saw %d requests, want 3", calls.Load())
	}
}

// TestNoRetryOn404 tests that terminal answers are not retried.
func TestNoRetryOn404(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	mock := testutil.NewMockRegistry()
	defer mock.Close()

	engine, _ := newEngine(t, redisClient, mock, engineConfig{})

	_, err := engine.Execute(context.Background(), client.QueryRequest{
		Type:       client.TypeDomain,
		Identifier: "gone.example",
	})
	if client.CategoryOf(err) != client.CategoryNotFound {
		t.Fatalf("err = %v, want not-found", err)
	}
	if mock.RequestCount() != 1 {
		t.Errorf("Registry saw %d requests, want 1 (no retries)", mock.RequestCount())
	}
}

// TestStaleServeWithRefresh tests that an expired entry within the grace
// window is served immediately while a background refresh replaces it.
func TestStaleServeWithRefresh(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	mock := testutil.NewMockRegistry()
	defer mock.Close()
	mock.SetDomainResponse("rolling.example", testutil.NewDomainResponse("REV-1", "rolling.example"))

	engine, _ := newEngine(t, redisClient, mock, engineConfig{
		cacheConfig:  cache.Config{MaxStale: time.Hour},
		clientConfig: client.Config{PositiveTTL: 100 * time.Millisecond},
	})
	ctx := context.Background()

	req := client.QueryRequest{Type: client.TypeDomain, Identifier: "rolling.example"}

	if _, err := engine.Execute(ctx, req); err != nil {
		t.Fatalf("Seed query failed: %v", err)
	}

	// Registry data changes while the entry goes stale.
	mock.SetDomainResponse("rolling.example", testutil.NewDomainResponse("REV-2", "rolling.example"))
	time.Sleep(150 * time.Millisecond)

	resp, err := engine.Execute(ctx, req)
	if err != nil {
		t.Fatalf("Stale query failed: %v", err)
	}
	if !resp.Stale {
		t.Fatal("Expected stale serve within the grace window")
	}

	var record rdap.Record
	if err := json.Unmarshal(resp.Value, &record); err != nil {
		t.Fatalf("Failed to parse record: %v", err)
	}
	if record.Handle != "REV-1" {
		t.Errorf("Stale serve returned %q, want the old revision REV-1", record.Handle)
	}

	// The detached refresh lands shortly after.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp, err = engine.Execute(ctx, req)
		if err != nil {
			t.Fatalf("Refresh poll failed: %v", err)
		}
		if err := json.Unmarshal(resp.Value, &record); err != nil {
			t.Fatalf("Failed to parse record: %v", err)
		}
		if record.Handle == "REV-2" && !resp.Stale {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Error("Background refresh never replaced the stale entry")
}

// TestRateLimitBounds tests that a drained bucket blocks queries until the
// caller's deadline expires.
func TestRateLimitBounds(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	mock := testutil.NewMockRegistry()
	defer mock.Close()
	mock.SetDomainResponse("first.example", testutil.NewDomainResponse("F-1", "first.example"))
	mock.SetDomainResponse("second.example", testutil.NewDomainResponse("S-1", "second.example"))

	engine, _ := newEngine(t, redisClient, mock, engineConfig{
		bucketCap:  1,
		bucketRate: 0.001,
	})

	ctx := context.Background()
	if _, err := engine.Execute(ctx, client.QueryRequest{
		Type:       client.TypeDomain,
		Identifier: "first.example",
	}); err != nil {
		t.Fatalf("First query failed: %v", err)
	}

	// The only token is gone and refill is negligible.
	timeoutCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()

	_, err := engine.Execute(timeoutCtx, client.QueryRequest{
		Type:       client.TypeDomain,
		Identifier: "second.example",
	})
	if client.CategoryOf(err) != client.CategoryCancelled {
		t.Errorf("err = %v, want cancelled while waiting for a token", err)
	}
	if mock.RequestCount() != 1 {
		t.Errorf("Registry saw %d requests, want 1", mock.RequestCount())
	}
}

// TestBatchEndToEnd tests batch processing against the real cache backend.
func TestBatchEndToEnd(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	mock := testutil.NewMockRegistry()
	defer mock.Close()
	names := []string{"a.example", "b.example", "c.example", "d.example"}
	for _, name := range names {
		mock.SetDomainResponse(name, testutil.NewDomainResponse("H-"+name, name))
	}

	engine, manager := newEngine(t, redisClient, mock, engineConfig{})
	processor := batch.NewProcessor(engine)

	items := make([]batch.Item, 0, len(names)+1)
	for _, name := range names {
		items = append(items, batch.Item{Type: client.TypeDomain, Query: name})
	}
	items = append(items, batch.Item{Type: client.TypeDomain, Query: "missing.example"})

	opts := batch.DefaultOptions()
	opts.Concurrency = 3

	results := processor.Process(context.Background(), items, opts)

	if len(results) != len(items) {
		t.Fatalf("Got %d results, want %d", len(results), len(items))
	}

	summary := batch.AnalyzeResults(results)
	if summary.Successful != len(names) || summary.Failed != 1 {
		t.Errorf("Summary = %+v", summary)
	}

	// Results preserve input order by default.
	for i, name := range names {
		if results[i].Query != name {
			t.Errorf("Result %d = %q, want %q", i, results[i].Query, name)
		}
	}
	if client.CategoryOf(results[len(names)].Err) != client.CategoryNotFound {
		t.Errorf("Missing item err = %v", results[len(names)].Err)
	}

	// Every successful lookup landed in the cache; rerunning the batch is
	// answered without new registry traffic.
	before := mock.RequestCount()
	rerun := processor.Process(context.Background(), items[:len(names)], opts)
	for _, res := range rerun {
		if res.Err != nil || !res.FromCache {
			t.Errorf("Rerun result %+v, want cache hit", res)
		}
	}
	if mock.RequestCount() != before {
		t.Errorf("Rerun reached the registry %d extra times", mock.RequestCount()-before)
	}

	if stats := manager.Stats(); stats.Sets != uint64(len(names)) {
		t.Errorf("Stats.Sets = %d, want %d", stats.Sets, len(names))
	}
}
