package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/registrydata/rdap-engine/pkg/batch"
	"github.com/registrydata/rdap-engine/pkg/cache"
	"github.com/registrydata/rdap-engine/pkg/client"
	"github.com/registrydata/rdap-engine/pkg/logging"
	"github.com/registrydata/rdap-engine/pkg/ratelimit"
	"github.com/registrydata/rdap-engine/pkg/rdap"
)

func main() {
	logging.Setup(logging.Config{
		Level:  logging.LogLevel(getEnv("LOG_LEVEL", "info")),
		Pretty: os.Getenv("LOG_PRETTY") == "true",
		Output: os.Stderr,
	})

	port := getEnv("PORT", "8080")
	userAgent := getEnv("USER_AGENT", "rdap-engine/0.1.0")
	bootstrapURL := getEnv("RDAP_BASE_URL", "https://rdap.org")

	// Redis is optional; without REDIS_URL the cache lives in memory.
	var redisClient *redis.Client
	var store cache.Store
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: redisURL})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			log.Fatal().Err(err).Str("addr", redisURL).Msg("Failed to connect to Redis")
		}
		log.Info().Str("addr", redisURL).Msg("Connected to Redis")
		store = cache.NewRedisStore(redisClient)
	} else {
		log.Info().Msg("REDIS_URL not set, using in-memory cache")
		store = cache.NewMemoryStore()
	}

	manager := cache.NewManager(store, cache.Config{
		DefaultTTL:  getEnvDuration("CACHE_TTL", 10*time.Minute),
		NegativeTTL: getEnvDuration("NEGATIVE_CACHE_TTL", 30*time.Second),
		MaxStale:    getEnvDuration("CACHE_MAX_STALE", time.Hour),
	})

	limiter := ratelimit.New(ratelimit.Config{})
	limiter.Configure("default", 10, 2)

	fetcher, err := rdap.NewHTTPFetcher(rdap.FetcherConfig{
		BaseURLs: map[client.QueryType]string{
			client.TypeDomain: bootstrapURL,
			client.TypeIP:     bootstrapURL,
			client.TypeAutnum: bootstrapURL,
			client.TypeEntity: bootstrapURL,
		},
		UserAgent: userAgent,
		Timeout:   getEnvDuration("UPSTREAM_TIMEOUT", 30*time.Second),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create fetcher")
	}

	orchestrator, err := client.NewOrchestrator(manager, limiter, fetcher, rdap.NewNormalizer(), client.Config{})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create orchestrator")
	}
	processor := batch.NewProcessor(orchestrator)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler)
	mux.HandleFunc("/ready", readyHandler(redisClient))
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/rdap/", lookupHandler(orchestrator))
	mux.HandleFunc("/batch", batchHandler(processor))

	addr := ":" + port
	log.Info().Str("addr", addr).Str("user_agent", userAgent).Msg("Starting RDAP proxy server")

	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

// readyHandler reports 503 while the Redis backend is unreachable. With the
// in-memory cache there is nothing external to wait on.
func readyHandler(redisClient *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if redisClient != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := redisClient.Ping(ctx).Err(); err != nil {
				http.Error(w, "Redis unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "OK")
	}
}

// lookupHandler serves GET /rdap/{type}/{identifier}. Query parameters:
// redact=true drops contact details, fresh=true skips the shared rate bucket.
func lookupHandler(orchestrator *client.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		queryType, identifier, ok := splitLookupPath(r.URL.Path)
		if !ok {
			http.Error(w, "expected /rdap/{type}/{identifier}", http.StatusBadRequest)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
		defer cancel()

		resp, err := orchestrator.Execute(ctx, client.QueryRequest{
			Type:          queryType,
			Identifier:    identifier,
			Redact:        r.URL.Query().Get("redact") == "true",
			SkipRateLimit: r.URL.Query().Get("fresh") == "true",
		})
		if err != nil {
			writeQueryError(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/rdap+json")
		w.Header().Set("X-Cache", cacheState(resp))
		w.WriteHeader(http.StatusOK)
		w.Write(resp.Value)
	}
}

// batchRequest is the POST /batch body. The bool options are pointers so
// an omitted field keeps the library default instead of selecting false.
type batchRequest struct {
	Items []struct {
		Type   string `json:"type"`
		Query  string `json:"query"`
		Redact bool   `json:"redact,omitempty"`
	} `json:"items"`
	Concurrency     int   `json:"concurrency,omitempty"`
	ContinueOnError *bool `json:"continue_on_error,omitempty"`
	PreserveOrder   *bool `json:"preserve_order,omitempty"`
}

type batchItemResult struct {
	Query     string          `json:"query"`
	Type      string          `json:"type"`
	Value     json.RawMessage `json:"value,omitempty"`
	Error     string          `json:"error,omitempty"`
	Category  string          `json:"category,omitempty"`
	FromCache bool            `json:"from_cache"`
	Attempts  int             `json:"attempts"`
}

type batchResponse struct {
	Results []batchItemResult `json:"results"`
	Summary batch.Summary     `json:"summary"`
}

func batchHandler(processor *batch.Processor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST required", http.StatusMethodNotAllowed)
			return
		}

		var req batchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		if len(req.Items) == 0 {
			http.Error(w, "items must not be empty", http.StatusBadRequest)
			return
		}

		items := make([]batch.Item, len(req.Items))
		for i, item := range req.Items {
			items[i] = batch.Item{
				Type:    client.QueryType(item.Type),
				Query:   item.Query,
				Options: batch.ItemOptions{Redact: item.Redact},
			}
		}

		opts := batch.DefaultOptions()
		if req.ContinueOnError != nil {
			opts.ContinueOnError = *req.ContinueOnError
		}
		if req.PreserveOrder != nil {
			opts.PreserveOrder = *req.PreserveOrder
		}
		if req.Concurrency > 0 {
			opts.Concurrency = req.Concurrency
		}

		results := processor.Process(r.Context(), items, opts)

		out := batchResponse{
			Results: make([]batchItemResult, len(results)),
			Summary: batch.AnalyzeResults(results),
		}
		for i, res := range results {
			item := batchItemResult{
				Query:     res.Query,
				Type:      string(res.Type),
				Value:     res.Value,
				FromCache: res.FromCache,
				Attempts:  res.Attempts,
			}
			if res.Err != nil {
				item.Error = res.Err.Error()
				item.Category = string(client.CategoryOf(res.Err))
			}
			out.Results[i] = item
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	}
}

// splitLookupPath parses /rdap/{type}/{identifier}. Identifiers may contain
// slashes (CIDR prefixes), so only the first two segments are split off.
func splitLookupPath(path string) (client.QueryType, string, bool) {
	rest := strings.TrimPrefix(path, "/rdap/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return client.QueryType(parts[0]), parts[1], true
}

// writeQueryError maps the engine's error taxonomy to HTTP statuses.
func writeQueryError(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	switch client.CategoryOf(err) {
	case client.CategoryClientInput:
		status = http.StatusBadRequest
	case client.CategoryNotFound:
		status = http.StatusNotFound
	case client.CategoryThrottled:
		status = http.StatusTooManyRequests
	case client.CategorySecurityBlocked:
		status = http.StatusForbidden
	case client.CategoryCancelled:
		status = http.StatusGatewayTimeout
	}

	var qe *client.QueryError
	if errors.As(err, &qe) && qe.RetryAfter > 0 {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", int(qe.RetryAfter.Seconds())))
	}

	http.Error(w, err.Error(), status)
}

func cacheState(resp *client.QueryResponse) string {
	switch {
	case resp.Stale:
		return "STALE"
	case resp.FromCache:
		return "HIT"
	default:
		return "MISS"
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		log.Warn().Str("key", key).Str("value", value).Msg("Invalid duration, using default")
		return defaultValue
	}
	return parsed
}
