// Package rdap provides reference implementations of the engine's external
// collaborators: an HTTP fetcher against RDAP registry endpoints and a
// normalizer from heterogeneous registry payloads to a canonical record.
package rdap

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/registrydata/rdap-engine/pkg/cache"
	"github.com/registrydata/rdap-engine/pkg/client"
)

// maxBodyBytes bounds how much of an upstream response is read.
const maxBodyBytes = 4 << 20

// FetcherConfig holds the HTTP fetcher configuration.
type FetcherConfig struct {
	// BaseURLs maps a query type to the registry base URL, e.g.
	// "domain" → "https://rdap.verisign.com/com/v1".
	BaseURLs map[client.QueryType]string

	// UserAgent identifies this client to registries.
	UserAgent string

	// Timeout bounds a single HTTP request.
	Timeout time.Duration

	// Blocked, when set, vetoes targets before any request is sent.
	// Vetoed lookups fail with the security-blocked category.
	Blocked func(queryType client.QueryType, identifier string) bool
}

// HTTPFetcher performs RDAP lookups over HTTP and maps transport and
// status failures to the engine's error taxonomy.
type HTTPFetcher struct {
	httpClient *http.Client
	cfg        FetcherConfig
	logger     zerolog.Logger
}

// NewHTTPFetcher creates an HTTP fetcher.
func NewHTTPFetcher(cfg FetcherConfig) (*HTTPFetcher, error) {
	if len(cfg.BaseURLs) == 0 {
		return nil, fmt.Errorf("at least one base URL is required")
	}
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &HTTPFetcher{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		cfg:        cfg,
		logger:     log.With().Str("component", "fetcher").Logger(),
	}, nil
}

// Fetch implements client.Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, req client.QueryRequest) ([]byte, error) {
	if f.cfg.Blocked != nil && f.cfg.Blocked(req.Type, req.Identifier) {
		return nil, &client.QueryError{
			Category: client.CategorySecurityBlocked,
			Message:  fmt.Sprintf("target %q is blocked by policy", req.Identifier),
		}
	}

	url, err := f.lookupURL(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &client.QueryError{
			Category: client.CategoryClientInput,
			Message:  "invalid lookup target",
			Err:      err,
		}
	}
	httpReq.Header.Set("Accept", "application/rdap+json")
	httpReq.Header.Set("User-Agent", f.cfg.UserAgent)

	resp, err := f.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &client.QueryError{
				Category: client.CategoryCancelled,
				Message:  "lookup cancelled",
				Err:      ctx.Err(),
			}
		}
		return nil, &client.QueryError{
			Category: client.CategoryTransientNetwork,
			Message:  "registry request failed",
			Err:      err,
		}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &client.QueryError{
			Category: client.CategoryTransientNetwork,
			Message:  "reading registry response failed",
			Err:      err,
		}
	}

	if resp.StatusCode != http.StatusOK {
		qerr := f.statusError(resp)
		f.logger.Debug().
			Str("url", url).
			Int("status", resp.StatusCode).
			Str("category", string(qerr.Category)).
			Msg("Registry returned error status")
		return nil, qerr
	}

	return body, nil
}

// lookupURL builds the registry URL for a request.
func (f *HTTPFetcher) lookupURL(req client.QueryRequest) (string, error) {
	base, ok := f.cfg.BaseURLs[req.Type]
	if !ok {
		return "", &client.QueryError{
			Category: client.CategoryClientInput,
			Message:  fmt.Sprintf("no registry configured for query type %q", req.Type),
		}
	}
	identifier := cache.NormalizeIdentifier(string(req.Type), req.Identifier)
	return strings.TrimSuffix(base, "/") + "/" + string(req.Type) + "/" + identifier, nil
}

// statusError maps an HTTP error status to the engine's taxonomy.
func (f *HTTPFetcher) statusError(resp *http.Response) *client.QueryError {
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return &client.QueryError{
			Category: client.CategoryNotFound,
			Message:  "object not found in registry",
		}

	case resp.StatusCode == http.StatusTooManyRequests:
		return &client.QueryError{
			Category:   client.CategoryThrottled,
			Message:    "registry rate limit exceeded",
			RetryAfter: parseRetryAfter(resp.Header),
		}

	case resp.StatusCode >= 500:
		return &client.QueryError{
			Category: client.CategoryUnavailable,
			Message:  fmt.Sprintf("registry unavailable (status %d)", resp.StatusCode),
		}

	default:
		return &client.QueryError{
			Category: client.CategoryClientInput,
			Message:  fmt.Sprintf("registry rejected request (status %d)", resp.StatusCode),
		}
	}
}

// parseRetryAfter reads the Retry-After header, supporting both
// delta-seconds and HTTP-date forms. Returns 0 when absent or malformed.
func parseRetryAfter(headers http.Header) time.Duration {
	value := headers.Get("Retry-After")
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if wait := time.Until(at); wait > 0 {
			return wait
		}
	}
	return 0
}
