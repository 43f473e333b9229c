package scraper

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/pubplat/scraper/internal/client"
	"github.com/pubplat/scraper/internal/events"
	"github.com/pubplat/scraper/pkg/types"
)

// fakeRemote implements RemoteClient with canned data. Bodies can be
// gated per URL substring to make cancellation deterministic.
type fakeRemote struct {
	mu       sync.Mutex
	hits     map[string][]client.BizHit
	pages    map[string][][]client.PostItem
	bodies   map[string]string
	searchEr map[string]error
	listErr  map[string]error

	gateSubstr string
	gate       chan struct{}
}

func (f *fakeRemote) SearchBiz(ctx context.Context, query string) ([]client.BizHit, error) {
	if err := f.searchEr[query]; err != nil {
		return nil, err
	}
	return f.hits[query], nil
}

func (f *fakeRemote) ListPosts(ctx context.Context, fakeid string, page int) (*client.ListPage, error) {
	if err := f.listErr[fakeid]; err != nil {
		return nil, err
	}
	pages := f.pages[fakeid]
	if page >= len(pages) {
		return &client.ListPage{}, nil
	}
	return &client.ListPage{Items: pages[page], Total: len(pages) * client.PageSize}, nil
}

func (f *fakeRemote) GetHTML(ctx context.Context, pageURL string, accept func(string) bool) (string, error) {
	if f.gate != nil && f.gateSubstr != "" && strings.Contains(pageURL, f.gateSubstr) {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	f.mu.Lock()
	body := f.bodies[pageURL]
	f.mu.Unlock()
	if accept != nil {
		accept(body)
	}
	return body, nil
}

// passthroughParser returns HTML unchanged; the fakes serve Markdown
// directly.
type passthroughParser struct{}

func (passthroughParser) Parse(htmlDoc string) string { return htmlDoc }

type recordedEvents struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordedEvents) record(ev events.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recordedEvents) ofKind(kind events.Kind) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func newTestBus(rec *recordedEvents) *events.Bus {
	bus := events.NewBus("run-test")
	for _, kind := range []events.Kind{
		events.KindPipelineState,
		events.KindArticleCount,
		events.KindContentProgress,
		events.KindBatchCompleted,
	} {
		bus.Subscribe(kind, rec.record)
	}
	return bus
}

func baseConfig(publishers ...string) types.BatchConfig {
	cfg := types.BatchConfig{
		Publishers:  publishers,
		WindowStart: time.Date(2000, 1, 1, 0, 0, 0, 0, time.Local),
		WindowEnd:   time.Date(2100, 1, 1, 0, 0, 0, 0, time.Local),
	}
	cfg.ApplyDefaults()
	return cfg
}

func postItems(fakeid string, times ...int64) []client.PostItem {
	items := make([]client.PostItem, len(times))
	for i, ts := range times {
		items[i] = client.PostItem{
			Title:      fmt.Sprintf("%s-%d", fakeid, i),
			Link:       fmt.Sprintf("https://mp.weixin.qq.com/s/%s-%d", fakeid, i),
			UpdateTime: ts,
		}
	}
	return items
}

func TestWindowFilterKeepsMiddlePost(t *testing.T) {
	remote := &fakeRemote{
		hits:  map[string][]client.BizHit{"出版者": {{Nickname: "出版者", FakeID: "fkA"}}},
		pages: map[string][][]client.PostItem{"fkA": {postItems("fkA", 1700000000, 1701000000, 1702000000)}},
	}
	rec := &recordedEvents{}
	runner := NewRunner(remote, passthroughParser{}, newTestBus(rec), zaptest.NewLogger(t), nil)

	cfg := baseConfig("出版者")
	mid := time.Unix(1701000000, 0)
	cfg.WindowStart = time.Date(mid.Year(), mid.Month(), mid.Day(), 0, 0, 0, 0, time.Local)
	cfg.WindowEnd = cfg.WindowStart

	result := runner.Run(context.Background(), cfg)

	require.Len(t, result, 1)
	assert.Equal(t, int64(1701000000), result[0].PublishedAt)
	assert.Equal(t, "出版者", result[0].Publisher)
}

func TestKeywordBodyFilter(t *testing.T) {
	remote := &fakeRemote{
		hits:  map[string][]client.BizHit{"财经号": {{Nickname: "财经号", FakeID: "fkB"}}},
		pages: map[string][][]client.PostItem{"fkB": {postItems("fkB", 1700000000, 1700000100)}},
		bodies: map[string]string{
			"https://mp.weixin.qq.com/s/fkB-0": "Quarterly revenue up",
			"https://mp.weixin.qq.com/s/fkB-1": "Office closed Monday",
		},
	}
	rec := &recordedEvents{}
	runner := NewRunner(remote, passthroughParser{}, newTestBus(rec), zaptest.NewLogger(t), nil)

	cfg := baseConfig("财经号")
	cfg.FetchBodies = true
	cfg.BodyKeyword = "revenue"

	result := runner.Run(context.Background(), cfg)

	require.Len(t, result, 1)
	assert.Equal(t, "Quarterly revenue up", result[0].Body)

	var filterEvent *events.Event
	for _, ev := range rec.ofKind(events.KindArticleCount) {
		if ev.Delta < 0 {
			filterEvent = &ev
			break
		}
	}
	require.NotNil(t, filterEvent, "expected a negative-delta count event")
	assert.Equal(t, -1, filterEvent.Delta)
	assert.Contains(t, filterEvent.Message, "过滤")
}

func TestKeywordMatchIsCaseInsensitive(t *testing.T) {
	remote := &fakeRemote{
		hits:   map[string][]client.BizHit{"P": {{Nickname: "P", FakeID: "fkC"}}},
		pages:  map[string][][]client.PostItem{"fkC": {postItems("fkC", 1700000000)}},
		bodies: map[string]string{"https://mp.weixin.qq.com/s/fkC-0": "Annual REVENUE report"},
	}
	rec := &recordedEvents{}
	runner := NewRunner(remote, passthroughParser{}, newTestBus(rec), zaptest.NewLogger(t), nil)

	cfg := baseConfig("P")
	cfg.FetchBodies = true
	cfg.BodyKeyword = "revenue"

	result := runner.Run(context.Background(), cfg)
	require.Len(t, result, 1)
}

func TestCancellationPreservesPartialResults(t *testing.T) {
	gate := make(chan struct{})
	remote := &fakeRemote{
		hits: map[string][]client.BizHit{
			"A": {{Nickname: "A", FakeID: "fkA"}},
			"B": {{Nickname: "B", FakeID: "fkB"}},
		},
		pages: map[string][][]client.PostItem{
			"fkA": {postItems("fkA", 1700000001, 1700000002, 1700000003, 1700000004, 1700000005)},
			"fkB": {postItems("fkB", 1700000001, 1700000002, 1700000003, 1700000004, 1700000005)},
		},
		bodies:     map[string]string{},
		gateSubstr: "fkB-",
		gate:       gate,
	}
	for i := 0; i < 5; i++ {
		remote.bodies[fmt.Sprintf("https://mp.weixin.qq.com/s/fkA-%d", i)] = fmt.Sprintf("A 号正文内容第 %d 篇", i)
		remote.bodies[fmt.Sprintf("https://mp.weixin.qq.com/s/fkB-%d", i)] = fmt.Sprintf("B 号正文内容第 %d 篇", i)
	}

	rec := &recordedEvents{}
	runner := NewRunner(remote, passthroughParser{}, newTestBus(rec), zaptest.NewLogger(t), nil)

	cfg := baseConfig("A", "B")
	cfg.FetchBodies = true

	ctx, cancel := context.WithCancel(context.Background())

	// Cancel once A has finished all five bodies; B is still blocked on
	// the gate.
	go func() {
		for {
			done := 0
			for _, ev := range rec.ofKind(events.KindContentProgress) {
				if ev.Publisher == "A" && ev.Current == ev.Total {
					done++
				}
			}
			if done > 0 {
				cancel()
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	result := runner.Run(ctx, cfg)

	var aRecords, bRecords []types.PostRecord
	for _, r := range result {
		switch r.Publisher {
		case "A":
			aRecords = append(aRecords, r)
		case "B":
			bRecords = append(bRecords, r)
		}
	}

	require.Len(t, aRecords, 5)
	for _, r := range aRecords {
		assert.NotEmpty(t, r.Body)
	}
	assert.LessOrEqual(t, len(bRecords), 5)
	for _, r := range bRecords {
		assert.Empty(t, r.Body)
	}

	// BatchCompleted arrives last and reflects the partial total.
	completed := rec.ofKind(events.KindBatchCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, len(result), completed[0].Total)
	rec.mu.Lock()
	assert.Equal(t, events.KindBatchCompleted, rec.events[len(rec.events)-1].Kind)
	rec.mu.Unlock()
}

func TestUnknownPublisherFailsAlone(t *testing.T) {
	remote := &fakeRemote{
		hits: map[string][]client.BizHit{
			"known":   {{Nickname: "known", FakeID: "fkK"}},
			"missing": nil,
		},
		pages: map[string][][]client.PostItem{"fkK": {postItems("fkK", 1700000000)}},
	}
	rec := &recordedEvents{}
	runner := NewRunner(remote, passthroughParser{}, newTestBus(rec), zaptest.NewLogger(t), nil)

	result := runner.Run(context.Background(), baseConfig("known", "missing"))

	require.Len(t, result, 1)
	assert.Equal(t, "known", result[0].Publisher)

	var failed *events.Event
	for _, ev := range rec.ofKind(events.KindPipelineState) {
		if ev.Stage == events.StageFailed {
			failed = &ev
			break
		}
	}
	require.NotNil(t, failed)
	assert.Equal(t, "未找到公众号: missing", failed.Message)
}

func TestAuthExpiryAbortsOnlyOwningPipeline(t *testing.T) {
	remote := &fakeRemote{
		hits: map[string][]client.BizHit{
			"good": {{Nickname: "good", FakeID: "fkG"}},
			"bad":  {{Nickname: "bad", FakeID: "fkX"}},
		},
		pages:   map[string][][]client.PostItem{"fkG": {postItems("fkG", 1700000000)}},
		listErr: map[string]error{"fkX": fmt.Errorf("listing: %w", client.ErrAuthExpired)},
	}
	rec := &recordedEvents{}
	runner := NewRunner(remote, passthroughParser{}, newTestBus(rec), zaptest.NewLogger(t), nil)

	result := runner.Run(context.Background(), baseConfig("good", "bad"))

	require.Len(t, result, 1)
	assert.Equal(t, "good", result[0].Publisher)

	var failed []events.Event
	for _, ev := range rec.ofKind(events.KindPipelineState) {
		if ev.Stage == events.StageFailed {
			failed = append(failed, ev)
		}
	}
	require.Len(t, failed, 1)
	assert.Equal(t, "bad", failed[0].Publisher)
}

func TestPageMergeStopsAtEmptyPage(t *testing.T) {
	// Page 1 is empty; page 2 has items but must be dropped because it
	// is past the contiguous prefix.
	remote := &fakeRemote{
		hits: map[string][]client.BizHit{"pub": {{Nickname: "pub", FakeID: "fkP"}}},
		pages: map[string][][]client.PostItem{"fkP": {
			postItems("fkP", 1700000003, 1700000002),
			nil,
			postItems("fkP", 1700000001),
		}},
	}
	rec := &recordedEvents{}
	runner := NewRunner(remote, passthroughParser{}, newTestBus(rec), zaptest.NewLogger(t), nil)

	cfg := baseConfig("pub")
	cfg.MaxPagesPerPublisher = 3

	result := runner.Run(context.Background(), cfg)
	require.Len(t, result, 2)
	assert.Equal(t, "fkP-0", result[0].Title)
	assert.Equal(t, "fkP-1", result[1].Title)
}

func TestNoBodiesWhenDisabled(t *testing.T) {
	remote := &fakeRemote{
		hits:   map[string][]client.BizHit{"pub": {{Nickname: "pub", FakeID: "fkQ"}}},
		pages:  map[string][][]client.PostItem{"fkQ": {postItems("fkQ", 1700000000)}},
		bodies: map[string]string{"https://mp.weixin.qq.com/s/fkQ-0": "should not be fetched"},
	}
	rec := &recordedEvents{}
	runner := NewRunner(remote, passthroughParser{}, newTestBus(rec), zaptest.NewLogger(t), nil)

	result := runner.Run(context.Background(), baseConfig("pub"))

	require.Len(t, result, 1)
	assert.Empty(t, result[0].Body)
	assert.Empty(t, rec.ofKind(events.KindContentProgress))
}

func TestPipelineStateSequence(t *testing.T) {
	remote := &fakeRemote{
		hits:   map[string][]client.BizHit{"pub": {{Nickname: "pub", FakeID: "fkS"}}},
		pages:  map[string][][]client.PostItem{"fkS": {postItems("fkS", 1700000000)}},
		bodies: map[string]string{"https://mp.weixin.qq.com/s/fkS-0": "正文内容足够长了吧一定够了"},
	}
	rec := &recordedEvents{}
	runner := NewRunner(remote, passthroughParser{}, newTestBus(rec), zaptest.NewLogger(t), nil)

	cfg := baseConfig("pub")
	cfg.FetchBodies = true
	runner.Run(context.Background(), cfg)

	var stages []events.Stage
	for _, ev := range rec.ofKind(events.KindPipelineState) {
		stages = append(stages, ev.Stage)
	}
	assert.Equal(t, []events.Stage{
		events.StageSearching,
		events.StageFetching,
		events.StageFiltering,
		events.StageFetchingBodies,
		events.StageCompleted,
	}, stages)
}

func TestListTransportErrorFailsPipeline(t *testing.T) {
	remote := &fakeRemote{
		hits: map[string][]client.BizHit{
			"ok":     {{Nickname: "ok", FakeID: "fkOK"}},
			"broken": {{Nickname: "broken", FakeID: "fkBR"}},
		},
		pages:   map[string][][]client.PostItem{"fkOK": {postItems("fkOK", 1700000000)}},
		listErr: map[string]error{"fkBR": fmt.Errorf("appmsg failed after 3 attempts: connection reset")},
	}
	rec := &recordedEvents{}
	runner := NewRunner(remote, passthroughParser{}, newTestBus(rec), zaptest.NewLogger(t), nil)

	result := runner.Run(context.Background(), baseConfig("ok", "broken"))

	require.Len(t, result, 1)
	assert.Equal(t, "ok", result[0].Publisher)

	// An exhausted page fetch must surface as Failed, never as a
	// zero-record Completed.
	var brokenStages []events.Stage
	for _, ev := range rec.ofKind(events.KindPipelineState) {
		if ev.Publisher == "broken" {
			brokenStages = append(brokenStages, ev.Stage)
		}
	}
	assert.Equal(t, []events.Stage{
		events.StageSearching,
		events.StageFetching,
		events.StageFailed,
	}, brokenStages)
}

func TestArticleCountReportsBatchTotal(t *testing.T) {
	remote := &fakeRemote{
		hits: map[string][]client.BizHit{
			"甲": {{Nickname: "甲", FakeID: "fkJ"}},
			"乙": {{Nickname: "乙", FakeID: "fkY"}},
		},
		pages: map[string][][]client.PostItem{
			"fkJ": {postItems("fkJ", 1700000001, 1700000002, 1700000003)},
			"fkY": {postItems("fkY", 1700000001, 1700000002)},
		},
	}
	rec := &recordedEvents{}
	runner := NewRunner(remote, passthroughParser{}, newTestBus(rec), zaptest.NewLogger(t), nil)

	cfg := baseConfig("甲", "乙")
	cfg.MaxConcurrentPublishers = 1

	result := runner.Run(context.Background(), cfg)
	require.Len(t, result, 5)

	// Totals are the running aggregate across pipelines, not one
	// pipeline's own count.
	counts := rec.ofKind(events.KindArticleCount)
	require.Len(t, counts, 2)
	running := 0
	for _, ev := range counts {
		running += ev.Delta
		assert.Equal(t, running, ev.Total)
	}
	assert.Equal(t, 5, counts[len(counts)-1].Total)
}

func TestCancellationEmitsCancelledStage(t *testing.T) {
	gate := make(chan struct{})
	remote := &fakeRemote{
		hits:       map[string][]client.BizHit{"pub": {{Nickname: "pub", FakeID: "fkZ"}}},
		pages:      map[string][][]client.PostItem{"fkZ": {postItems("fkZ", 1700000000)}},
		bodies:     map[string]string{"https://mp.weixin.qq.com/s/fkZ-0": "正文内容"},
		gateSubstr: "fkZ-",
		gate:       gate,
	}
	rec := &recordedEvents{}
	runner := NewRunner(remote, passthroughParser{}, newTestBus(rec), zaptest.NewLogger(t), nil)

	cfg := baseConfig("pub")
	cfg.FetchBodies = true

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for {
			for _, ev := range rec.ofKind(events.KindPipelineState) {
				if ev.Stage == events.StageFetchingBodies {
					cancel()
					return
				}
			}
			time.Sleep(time.Millisecond)
		}
	}()

	result := runner.Run(ctx, cfg)

	require.Len(t, result, 1)
	assert.Empty(t, result[0].Body)

	states := rec.ofKind(events.KindPipelineState)
	require.NotEmpty(t, states)
	last := states[len(states)-1]
	assert.Equal(t, events.StageCancelled, last.Stage)
	assert.Equal(t, "已取消", last.Message)
	for _, ev := range states {
		assert.NotEqual(t, events.StageFailed, ev.Stage)
	}
}
