package scraper

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pubplat/scraper/internal/client"
	"github.com/pubplat/scraper/internal/events"
	"github.com/pubplat/scraper/internal/parser"
	"github.com/pubplat/scraper/pkg/types"
)

// runPipeline scrapes one publisher end to end. It never propagates an
// error to the scheduler; failures surface as a Failed state on the
// bus and whatever records exist at that point are returned for
// committing.
func (r *Runner) runPipeline(ctx context.Context, displayName string, cfg types.BatchConfig, counter *articleCounter) []types.PostRecord {
	inner := make(chan struct{}, cfg.MaxConcurrentRequests)
	state := "completed"
	defer func() {
		if r.metrics != nil {
			r.metrics.RecordPipelineDone(state)
		}
	}()

	// Lookup.
	r.bus.Emit(events.PipelineState(displayName, events.StageSearching, ""))

	hits, err := r.client.SearchBiz(ctx, displayName)
	if err != nil {
		state = r.failPipeline(displayName, err)
		return nil
	}
	if len(hits) == 0 {
		state = "failed"
		r.bus.Emit(events.PipelineState(displayName, events.StageFailed, "未找到公众号: "+displayName))
		return nil
	}
	resolved := hits[0].Nickname
	fakeid := hits[0].FakeID

	// Enumerate.
	r.bus.Emit(events.PipelineState(displayName, events.StageFetching, ""))

	posts, err := r.fetchPages(ctx, fakeid, cfg.MaxPagesPerPublisher, inner)
	if err != nil {
		state = r.failPipeline(displayName, err)
		return nil
	}

	records := make([]types.PostRecord, 0, len(posts))
	for _, item := range posts {
		records = append(records, types.PostRecord{
			Publisher:       resolved,
			Title:           item.Title,
			PublishedAtText: types.FormatPublishTime(item.UpdateTime),
			URL:             item.Link,
			PublishedAt:     item.UpdateTime,
		})
	}
	r.bus.Emit(events.ArticleCount(counter.add(len(records)), len(records), ""))

	// Window filter. Drops lower the running total without their own
	// event.
	r.bus.Emit(events.PipelineState(displayName, events.StageFiltering, ""))
	kept := records[:0]
	for _, rec := range records {
		if cfg.InWindow(rec.PublishedAt) {
			kept = append(kept, rec)
		}
	}
	if dropped := len(records) - len(kept); dropped > 0 {
		counter.add(-dropped)
		if r.metrics != nil {
			r.metrics.AddArticlesFiltered(dropped)
		}
	}
	records = kept

	// Bodies.
	if cfg.FetchBodies && len(records) > 0 {
		r.bus.Emit(events.PipelineState(displayName, events.StageFetchingBodies, ""))
		if err := r.fetchBodies(ctx, displayName, records, inner); err != nil {
			if errors.Is(err, client.ErrAuthExpired) {
				state = r.failPipeline(displayName, err)
				return records
			}
			// Cancellation: keep the records, bodies stay partial.
		}

		if cfg.BodyKeyword != "" {
			kept := records[:0]
			for _, rec := range records {
				if containsKeyword(rec.Body, cfg.BodyKeyword) {
					kept = append(kept, rec)
				}
			}
			if dropped := len(records) - len(kept); dropped > 0 {
				r.bus.Emit(events.ArticleCount(counter.add(-dropped), -dropped,
					fmt.Sprintf("关键词过滤: 移除 %d 篇不含 %q 的文章", dropped, cfg.BodyKeyword)))
				if r.metrics != nil {
					r.metrics.AddArticlesFiltered(dropped)
				}
			}
			records = kept
		}
	}

	if ctx.Err() != nil {
		state = "cancelled"
		r.bus.Emit(events.PipelineState(displayName, events.StageCancelled, "已取消"))
		return records
	}

	r.bus.Emit(events.PipelineState(displayName, events.StageCompleted,
		fmt.Sprintf("共 %d 篇文章", len(records))))
	return records
}

// failPipeline reports a pipeline-terminating error on the bus and
// returns the terminal state. Cancellation is not an error; it maps to
// the cancelled stage without a warning.
func (r *Runner) failPipeline(displayName string, err error) string {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		r.bus.Emit(events.PipelineState(displayName, events.StageCancelled, "已取消"))
		return "cancelled"
	}

	message := err.Error()
	if errors.Is(err, client.ErrAuthExpired) {
		message = "登录状态已过期"
	}
	r.logger.Warn("pipeline failed",
		zap.String("publisher", displayName),
		zap.Error(err))
	r.bus.Emit(events.PipelineState(displayName, events.StageFailed, message))
	return "failed"
}

// fetchPages launches all list pages concurrently under the inner
// bound and merges them by their begin offset, so downstream sees the
// remote's reverse-chronological order. The merge keeps only the
// contiguous prefix of non-empty pages; an empty page ends the history
// and anything past it is ignored, but an errored page inside the
// prefix fails the whole enumeration.
func (r *Runner) fetchPages(ctx context.Context, fakeid string, maxPages int, inner chan struct{}) ([]client.PostItem, error) {
	type pageResult struct {
		items []client.PostItem
		total int
		err   error
	}

	results := make([]pageResult, maxPages)
	var wg sync.WaitGroup

	for page := 0; page < maxPages; page++ {
		wg.Add(1)
		go func(page int) {
			defer wg.Done()

			select {
			case inner <- struct{}{}:
				defer func() { <-inner }()
			case <-ctx.Done():
				results[page] = pageResult{err: ctx.Err()}
				return
			}

			listed, err := r.client.ListPosts(ctx, fakeid, page)
			if err != nil {
				results[page] = pageResult{err: err}
				return
			}
			results[page] = pageResult{items: listed.Items, total: listed.Total}
		}(page)
	}
	wg.Wait()

	var merged []client.PostItem
	reportedTotal := 0
	for _, res := range results {
		if res.total > reportedTotal {
			reportedTotal = res.total
		}
	}
	for _, res := range results {
		if res.err != nil {
			return nil, res.err
		}
		if len(res.items) == 0 {
			break
		}
		merged = append(merged, res.items...)
	}

	r.logger.Debug("page enumeration done",
		zap.String("fakeid", fakeid),
		zap.Int("fetched", len(merged)),
		zap.Int("reported_total", reportedTotal))
	return merged, nil
}

// fetchBodies downloads and parses each record's body concurrently
// under the inner bound, emitting progress after every completion.
// Records whose fetch fails or is cancelled keep an empty body.
func (r *Runner) fetchBodies(ctx context.Context, displayName string, records []types.PostRecord, inner chan struct{}) error {
	total := len(records)
	var wg sync.WaitGroup
	var mu sync.Mutex
	completed := 0
	var authErr error

	for i := range records {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			select {
			case inner <- struct{}{}:
				defer func() { <-inner }()
			case <-ctx.Done():
				return
			}
			if ctx.Err() != nil {
				return
			}

			start := time.Now()
			var body string
			_, err := r.client.GetHTML(ctx, records[i].URL, func(htmlDoc string) bool {
				body = r.parser.Parse(htmlDoc)
				return len(strings.TrimSpace(body)) >= parser.MinContentLength
			})
			if err != nil {
				if errors.Is(err, client.ErrAuthExpired) {
					mu.Lock()
					authErr = err
					mu.Unlock()
				}
				r.logger.Warn("body fetch failed",
					zap.String("publisher", displayName),
					zap.String("url", records[i].URL),
					zap.Error(err))
				return
			}
			records[i].Body = body

			if r.metrics != nil {
				r.metrics.RecordBodyFetch(time.Since(start))
			}

			mu.Lock()
			completed++
			current := completed
			mu.Unlock()
			r.bus.Emit(events.ContentProgress(displayName, current, total,
				fmt.Sprintf("正在获取第 %d/%d 篇文章内容", current, total)))
		}(i)
	}
	wg.Wait()

	if authErr != nil {
		return authErr
	}
	return ctx.Err()
}
