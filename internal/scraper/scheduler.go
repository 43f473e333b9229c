// Package scraper runs batch scrapes: a scheduler admits one pipeline
// per publisher under an outer concurrency bound, each pipeline fans
// out its page and body requests under its own inner bound, and all
// committed records land in a shared aggregate that survives
// cancellation.
package scraper

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pubplat/scraper/internal/client"
	"github.com/pubplat/scraper/internal/events"
	"github.com/pubplat/scraper/internal/metrics"
	"github.com/pubplat/scraper/pkg/types"
)

// RemoteClient is the slice of the HTTP client the scraper needs.
type RemoteClient interface {
	SearchBiz(ctx context.Context, query string) ([]client.BizHit, error)
	ListPosts(ctx context.Context, fakeid string, page int) (*client.ListPage, error)
	GetHTML(ctx context.Context, pageURL string, accept func(string) bool) (string, error)
}

// BodyParser turns article HTML into a Markdown body.
type BodyParser interface {
	Parse(htmlDoc string) string
}

// Runner executes whole batches. The metrics collector may be nil.
type Runner struct {
	client  RemoteClient
	parser  BodyParser
	bus     *events.Bus
	logger  *zap.Logger
	metrics *metrics.PrometheusMetrics
}

func NewRunner(remote RemoteClient, parser BodyParser, bus *events.Bus, logger *zap.Logger, pm *metrics.PrometheusMetrics) *Runner {
	return &Runner{
		client:  remote,
		parser:  parser,
		bus:     bus,
		logger:  logger,
		metrics: pm,
	}
}

// aggregate is the shared result set. Pipelines commit their records
// under the mutex; committed records are never removed, which is what
// makes cancellation lossless.
type aggregate struct {
	mu      sync.Mutex
	records []types.PostRecord
}

func (a *aggregate) commit(records []types.PostRecord) {
	if len(records) == 0 {
		return
	}
	a.mu.Lock()
	a.records = append(a.records, records...)
	a.mu.Unlock()
}

func (a *aggregate) snapshot() []types.PostRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]types.PostRecord, len(a.records))
	copy(out, a.records)
	return out
}

// articleCounter tracks the record count across all pipelines, so
// ArticleCount events report the batch-wide total rather than one
// pipeline's slice of it.
type articleCounter struct {
	mu    sync.Mutex
	total int
}

func (c *articleCounter) add(delta int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.total += delta
	return c.total
}

// Run executes one batch. Pipelines run concurrently up to the outer
// bound; per-pipeline failures are reported on the bus and never abort
// siblings. On cancellation the records committed so far are returned.
// BatchCompleted is always the last event.
func (r *Runner) Run(ctx context.Context, cfg types.BatchConfig) []types.PostRecord {
	start := time.Now()
	agg := &aggregate{}
	counter := &articleCounter{}

	outer := make(chan struct{}, cfg.MaxConcurrentPublishers)
	var wg sync.WaitGroup

	for _, publisher := range cfg.Publishers {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()

			select {
			case outer <- struct{}{}:
				defer func() { <-outer }()
			case <-ctx.Done():
				r.logger.Debug("pipeline not started, batch cancelled", zap.String("publisher", name))
				return
			}

			if r.metrics != nil {
				r.metrics.IncActivePipelines()
				defer r.metrics.DecActivePipelines()
			}

			records := r.runPipeline(ctx, name, cfg, counter)
			agg.commit(records)
			if r.metrics != nil {
				r.metrics.AddArticlesScraped(len(records))
			}
		}(publisher)
	}

	wg.Wait()

	result := agg.snapshot()
	r.bus.Emit(events.BatchCompleted(len(result)))

	if r.metrics != nil {
		r.metrics.RecordBatchDuration(time.Since(start))
	}
	r.logger.Info("batch finished",
		zap.Int("publishers", len(cfg.Publishers)),
		zap.Int("records", len(result)),
		zap.Duration("elapsed", time.Since(start)),
		zap.Bool("cancelled", ctx.Err() != nil))

	return result
}

// containsKeyword reports a case-insensitive substring match.
func containsKeyword(body, keyword string) bool {
	return strings.Contains(strings.ToLower(body), strings.ToLower(keyword))
}
