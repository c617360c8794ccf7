package batch

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/registrydata/rdap-engine/pkg/client"
)

// Prometheus metrics for batch processing.
var (
	rdapBatchItemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rdap_batch_items_total",
		Help: "Total batch items by outcome",
	}, []string{"outcome"}) // "ok", "error", "abandoned"

	rdapBatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rdap_batch_duration_seconds",
		Help:    "Whole-batch processing duration in seconds",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
	})
)

// Item is a single batch input.
type Item struct {
	// Type is the lookup kind.
	Type client.QueryType

	// Query is the lookup target.
	Query string

	// Options carries per-item overrides.
	Options ItemOptions
}

// ItemOptions enumerates the recognized per-item options. The zero value
// is valid: derived cache key, default rate limit bucket, unredacted.
type ItemOptions struct {
	RateLimitKey  string
	CacheKey      string
	Redact        bool
	SkipRateLimit bool
}

// Result is the outcome of one batch item, immutable once produced and 1:1
// with its input item.
type Result struct {
	Query     string
	Type      client.QueryType
	Value     json.RawMessage
	Err       error
	Duration  time.Duration
	Attempts  int
	FromCache bool
}

// Options configures a Process call. Use DefaultOptions as the base.
type Options struct {
	// Concurrency is the worker pool size.
	Concurrency int

	// ContinueOnError keeps processing after a failing item. When false,
	// the first terminal failure lets in-flight workers finish their
	// current item and abandons the rest of the queue.
	ContinueOnError bool

	// PreserveOrder returns results in input order regardless of
	// completion order.
	PreserveOrder bool

	// PerItemTimeout bounds a single item. Zero disables the timeout.
	PerItemTimeout time.Duration
}

// DefaultOptions returns the default batch options.
func DefaultOptions() Options {
	return Options{
		Concurrency:     5,
		ContinueOnError: true,
		PreserveOrder:   true,
	}
}

// Executor runs a single orchestrated query. *client.Orchestrator
// satisfies it.
type Executor interface {
	Execute(ctx context.Context, req client.QueryRequest) (*client.QueryResponse, error)
}

// Processor drives many queries through an Executor under a concurrency
// ceiling.
type Processor struct {
	exec   Executor
	logger zerolog.Logger
}

// NewProcessor creates a batch processor.
func NewProcessor(exec Executor) *Processor {
	if exec == nil {
		panic("batch executor cannot be nil")
	}
	return &Processor{
		exec:   exec,
		logger: log.With().Str("component", "batch").Logger(),
	}
}

// Process executes the items and returns one Result per item. Whole-batch
// cancellation via ctx converts queued items and suspended waits into
// cancellation results promptly.
func (p *Processor) Process(ctx context.Context, items []Item, opts Options) []Result {
	start := time.Now()
	defer func() {
		rdapBatchDuration.Observe(time.Since(start).Seconds())
	}()

	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultOptions().Concurrency
	}
	if len(items) == 0 {
		return []Result{}
	}

	type indexed struct {
		idx  int
		item Item
	}
	queue := make(chan indexed, len(items))
	for i, item := range items {
		queue <- indexed{idx: i, item: item}
	}
	close(queue)

	ordered := make([]Result, len(items))
	completion := make([]Result, 0, len(items))
	var completionMu sync.Mutex
	emit := func(idx int, r Result) {
		if opts.PreserveOrder {
			ordered[idx] = r
			return
		}
		completionMu.Lock()
		completion = append(completion, r)
		completionMu.Unlock()
	}

	var aborted atomic.Bool
	workers := opts.Concurrency
	if workers > len(items) {
		workers = len(items)
	}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for next := range queue {
				if aborted.Load() {
					emit(next.idx, abandonedResult(next.item, "batch aborted after earlier failure"))
					rdapBatchItemsTotal.WithLabelValues("abandoned").Inc()
					continue
				}
				if ctx.Err() != nil {
					emit(next.idx, abandonedResult(next.item, "batch cancelled"))
					rdapBatchItemsTotal.WithLabelValues("abandoned").Inc()
					continue
				}

				r := p.runItem(ctx, next.item, opts)
				emit(next.idx, r)

				if r.Err != nil {
					rdapBatchItemsTotal.WithLabelValues("error").Inc()
					if !opts.ContinueOnError {
						aborted.Store(true)
					}
				} else {
					rdapBatchItemsTotal.WithLabelValues("ok").Inc()
				}
			}
		}()
	}
	wg.Wait()

	results := ordered
	if !opts.PreserveOrder {
		results = completion
	}

	summary := AnalyzeResults(results)
	p.logger.Info().
		Int("total", summary.Total).
		Int("successful", summary.Successful).
		Int("failed", summary.Failed).
		Dur("duration", time.Since(start)).
		Msg("Batch complete")

	return results
}

// runItem executes a single item, optionally raced against the per-item
// timer. The timeout is scoped to this item only; sibling items sharing a
// rate-limit or cache key are unaffected.
func (p *Processor) runItem(ctx context.Context, item Item, opts Options) Result {
	itemCtx := ctx
	if opts.PerItemTimeout > 0 {
		var cancel context.CancelFunc
		itemCtx, cancel = context.WithTimeout(ctx, opts.PerItemTimeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := p.exec.Execute(itemCtx, client.QueryRequest{
		Type:          item.Type,
		Identifier:    item.Query,
		RateLimitKey:  item.Options.RateLimitKey,
		CacheKey:      item.Options.CacheKey,
		Redact:        item.Options.Redact,
		SkipRateLimit: item.Options.SkipRateLimit,
	})

	r := Result{
		Query:    item.Query,
		Type:     item.Type,
		Duration: time.Since(start),
	}
	if err != nil {
		r.Err = err
		return r
	}
	r.Value = resp.Value
	r.Attempts = resp.Attempts
	r.FromCache = resp.FromCache
	return r
}

// abandonedResult marks an item that was never attempted.
func abandonedResult(item Item, reason string) Result {
	return Result{
		Query: item.Query,
		Type:  item.Type,
		Err:   client.NewQueryError(client.CategoryCancelled, reason),
	}
}

// Summary aggregates a completed result set.
type Summary struct {
	Total           int
	Successful      int
	Failed          int
	SuccessRate     float64
	AverageDuration time.Duration
	TotalDuration   time.Duration
}

// AnalyzeResults is a pure aggregation over a completed result slice.
func AnalyzeResults(results []Result) Summary {
	s := Summary{Total: len(results)}
	for _, r := range results {
		if r.Err != nil {
			s.Failed++
		} else {
			s.Successful++
		}
		s.TotalDuration += r.Duration
	}
	if s.Total > 0 {
		s.SuccessRate = float64(s.Successful) / float64(s.Total)
		s.AverageDuration = s.TotalDuration / time.Duration(s.Total)
	}
	return s
}
