// Package client talks to the publisher platform's private HTTP API
// with an authenticated session: publisher lookup, post enumeration,
// article HTML download, and the live session probe.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pubplat/scraper/internal/common/requestid"
	"github.com/pubplat/scraper/internal/metrics"
	"github.com/pubplat/scraper/pkg/types"
)

const (
	// DefaultBaseURL is the production API origin.
	DefaultBaseURL = "https://mp.weixin.qq.com"

	// UserAgent is pinned; the platform rejects unknown agents.
	UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/107.0.0.0 Safari/537.36"

	// PageSize is the fixed post count per list page.
	PageSize = 5

	// attemptTimeout bounds a single HTTP attempt.
	attemptTimeout = 30 * time.Second

	// maxAttempts is the shared retry budget for article downloads and
	// the transport retry cap for JSON calls.
	maxAttempts = 3

	// Backoff for retries: starts at defaultRetryDelay, multiplies by
	// retryBackoff, capped at defaultRetryDelayMax.
	defaultRetryDelay    = 2 * time.Second
	retryBackoff         = 1.5
	defaultRetryDelayMax = 10 * time.Second
)

// Auth-expiry return codes in base_resp.ret.
var authExpiredCodes = map[int]bool{-6: true, 200013: true}

// ErrAuthExpired reports that the session is no longer accepted. The
// owning pipeline must abort; sibling pipelines keep running.
var ErrAuthExpired = errors.New("session auth expired")

// StatusError reports a non-200 HTTP response.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected HTTP status %d", e.Code)
}

// APIError reports a non-zero base_resp.ret that is not an auth expiry.
type APIError struct {
	Ret    int
	ErrMsg string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error ret=%d: %s", e.Ret, e.ErrMsg)
}

// BizHit is one publisher lookup result.
type BizHit struct {
	Nickname string `json:"nickname"`
	FakeID   string `json:"fakeid"`
}

// PostItem is one entry from the post list endpoint.
type PostItem struct {
	Title      string `json:"title"`
	Link       string `json:"link"`
	UpdateTime int64  `json:"update_time"`
}

// ListPage is one page of the post list plus the publisher's total.
type ListPage struct {
	Items []PostItem
	Total int
}

// Config tunes a client instance.
type Config struct {
	// BaseURL overrides the API origin, used by tests.
	BaseURL string
	// RequestIntervalSeconds caps the pacing jitter upper bound.
	// Zero disables pacing entirely.
	RequestIntervalSeconds int
}

// Client issues cookie-bearing requests for one session. Safe for
// concurrent use; it holds no mutable state after construction.
type Client struct {
	httpClient *http.Client
	session    *types.Session
	cookies    string
	baseURL    string
	interval   int
	logger     *zap.Logger
	metrics    *metrics.PrometheusMetrics

	// Overridable in tests to keep retry paths fast.
	retryDelay    time.Duration
	retryDelayMax time.Duration
}

// New creates a client bound to a session. The metrics collector may be
// nil.
func New(session *types.Session, cfg Config, logger *zap.Logger, pm *metrics.PrometheusMetrics) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: attemptTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		session:       session,
		cookies:       cookieHeader(session),
		baseURL:       baseURL,
		interval:      cfg.RequestIntervalSeconds,
		logger:        logger,
		metrics:       pm,
		retryDelay:    defaultRetryDelay,
		retryDelayMax: defaultRetryDelayMax,
	}
}

// SearchBiz looks up publishers by display name and returns the hits in
// remote order.
func (c *Client) SearchBiz(ctx context.Context, query string) ([]BizHit, error) {
	params := url.Values{
		"action": {"search_biz"},
		"scene":  {"1"},
		"begin":  {"0"},
		"count":  {"10"},
		"query":  {query},
	}

	var resp struct {
		BaseResp baseResp `json:"base_resp"`
		List     []BizHit `json:"list"`
	}
	if err := c.getJSON(ctx, "/cgi-bin/searchbiz", params, &resp); err != nil {
		return nil, err
	}
	if err := resp.BaseResp.check(); err != nil {
		return nil, err
	}
	return resp.List, nil
}

// ListPosts fetches one page of a publisher's post history. Pages are
// addressed by index; the remote uses a begin offset of page*5.
func (c *Client) ListPosts(ctx context.Context, fakeid string, page int) (*ListPage, error) {
	params := url.Values{
		"action": {"list_ex"},
		"begin":  {strconv.Itoa(page * PageSize)},
		"count":  {strconv.Itoa(PageSize)},
		"fakeid": {fakeid},
		"type":   {"9"},
		"query":  {""},
	}

	var resp struct {
		BaseResp   baseResp   `json:"base_resp"`
		AppMsgList []PostItem `json:"app_msg_list"`
		AppMsgCnt  int        `json:"app_msg_cnt"`
	}
	if err := c.getJSON(ctx, "/cgi-bin/appmsg", params, &resp); err != nil {
		return nil, err
	}
	if err := resp.BaseResp.check(); err != nil {
		return nil, err
	}
	return &ListPage{Items: resp.AppMsgList, Total: resp.AppMsgCnt}, nil
}

// ValidateSession issues a minimal lookup to probe whether the session
// is still accepted. Unknown return codes count as invalid.
func (c *Client) ValidateSession(ctx context.Context) (bool, error) {
	params := url.Values{
		"action": {"search_biz"},
		"scene":  {"1"},
		"begin":  {"0"},
		"count":  {"1"},
		"query":  {"test"},
	}

	var resp struct {
		BaseResp baseResp `json:"base_resp"`
	}
	if err := c.getJSON(ctx, "/cgi-bin/searchbiz", params, &resp); err != nil {
		if errors.Is(err, ErrAuthExpired) {
			return false, nil
		}
		return false, err
	}

	if authExpiredCodes[resp.BaseResp.Ret] {
		return false, nil
	}
	if resp.BaseResp.Ret != 0 {
		c.logger.Warn("session probe returned unknown code",
			zap.Int("ret", resp.BaseResp.Ret),
			zap.String("err_msg", resp.BaseResp.ErrMsg))
		return false, nil
	}
	return true, nil
}

// GetHTML downloads an article page. Up to three attempts with
// exponential backoff, retrying on timeout, transport error, non-200
// status, and bodies rejected by accept. When the budget is exhausted
// on a rejected body, the last body is returned rather than an error;
// the caller keeps the record with whatever it extracts.
func (c *Client) GetHTML(ctx context.Context, pageURL string, accept func(string) bool) (string, error) {
	reqID := requestid.NewShortID()
	delay := c.retryDelay
	var lastBody string
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			c.recordRetry("article")
			if err := sleepCtx(ctx, delay); err != nil {
				return "", err
			}
			delay = time.Duration(float64(delay) * retryBackoff)
			if delay > c.retryDelayMax {
				delay = c.retryDelayMax
			}
		}

		body, err := c.fetchOnce(ctx, pageURL)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			c.logger.Warn("article request failed",
				zap.String("request_id", reqID),
				zap.String("url", pageURL),
				zap.Int("attempt", attempt),
				zap.Error(err))
			lastErr = err
			continue
		}

		lastBody = body
		lastErr = nil
		if accept == nil || accept(body) {
			return body, nil
		}

		c.logger.Warn("article body rejected, page may not be fully rendered",
			zap.String("request_id", reqID),
			zap.String("url", pageURL),
			zap.Int("attempt", attempt))
	}

	if lastErr != nil {
		return "", fmt.Errorf("article download failed after %d attempts: %w", maxAttempts, lastErr)
	}
	return lastBody, nil
}

// fetchOnce performs a single article GET and applies the pacing jitter.
func (c *Client) fetchOnce(ctx context.Context, pageURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	c.decorate(req)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.recordRequest("article", "transport_error", time.Since(start))
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	duration := time.Since(start)
	if err != nil {
		c.recordRequest("article", "read_error", duration)
		return "", fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		c.recordRequest("article", strconv.Itoa(resp.StatusCode), duration)
		return "", &StatusError{Code: resp.StatusCode}
	}

	c.recordRequest("article", "ok", duration)
	c.pace(ctx)
	return string(body), nil
}

// getJSON issues one API GET. Content errors are not retried; transport
// errors are, up to the attempt cap.
func (c *Client) getJSON(ctx context.Context, path string, params url.Values, out interface{}) error {
	reqID := requestid.NewShortID()
	endpoint := strings.TrimPrefix(path, "/cgi-bin/")

	params.Set("token", c.session.Token)
	params.Set("lang", "zh_CN")
	params.Set("f", "json")
	params.Set("ajax", "1")

	fullURL := c.baseURL + path + "?" + params.Encode()

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			c.recordRetry(endpoint)
			if err := sleepCtx(ctx, c.retryDelay); err != nil {
				return err
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		c.decorate(req)

		start := time.Now()
		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.recordRequest(endpoint, "transport_error", time.Since(start))
			c.logger.Warn("api request failed",
				zap.String("request_id", reqID),
				zap.String("endpoint", endpoint),
				zap.Int("attempt", attempt),
				zap.Error(err))
			lastErr = err
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		duration := time.Since(start)
		if readErr != nil {
			c.recordRequest(endpoint, "read_error", duration)
			lastErr = readErr
			continue
		}

		if resp.StatusCode != http.StatusOK {
			c.recordRequest(endpoint, strconv.Itoa(resp.StatusCode), duration)
			return &StatusError{Code: resp.StatusCode}
		}

		if err := json.Unmarshal(body, out); err != nil {
			c.recordRequest(endpoint, "bad_payload", duration)
			return fmt.Errorf("invalid JSON from %s: %w", endpoint, err)
		}

		c.recordRequest(endpoint, "ok", duration)
		c.pace(ctx)
		return nil
	}

	return fmt.Errorf("%s failed after %d attempts: %w", endpoint, maxAttempts, lastErr)
}

// decorate applies the pinned User-Agent and the session cookie jar.
func (c *Client) decorate(req *http.Request) {
	req.Header.Set("User-Agent", UserAgent)
	if c.cookies != "" {
		req.Header.Set("Cookie", c.cookies)
	}
}

// pace sleeps a jittered interval before returning control, so each
// in-flight request independently spaces itself without serializing
// the pool. Uniform over [0.5, interval/10] seconds.
func (c *Client) pace(ctx context.Context) {
	if c.interval <= 0 {
		return
	}

	lower := 0.5
	upper := float64(c.interval) / 10
	if upper < lower {
		upper = lower
	}

	delay := time.Duration((lower + rand.Float64()*(upper-lower)) * float64(time.Second))
	sleepCtx(ctx, delay)
}

type baseResp struct {
	Ret    int    `json:"ret"`
	ErrMsg string `json:"err_msg"`
}

// check maps return codes to the error taxonomy.
func (r baseResp) check() error {
	if authExpiredCodes[r.Ret] {
		return fmt.Errorf("%w: ret=%d", ErrAuthExpired, r.Ret)
	}
	if r.Ret != 0 {
		return &APIError{Ret: r.Ret, ErrMsg: r.ErrMsg}
	}
	return nil
}

func (c *Client) recordRequest(endpoint, status string, duration time.Duration) {
	if c.metrics != nil {
		c.metrics.RecordRequest(endpoint, status, duration)
	}
}

func (c *Client) recordRetry(endpoint string) {
	if c.metrics != nil {
		c.metrics.RecordRetry(endpoint)
	}
}

// sleepCtx sleeps for d unless the context is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// cookieHeader renders the session cookie jar as a request header.
func cookieHeader(session *types.Session) string {
	if session == nil || len(session.Cookies) == 0 {
		return ""
	}
	parts := make([]string, 0, len(session.Cookies))
	for name, value := range session.Cookies {
		parts = append(parts, name+"="+value)
	}
	return strings.Join(parts, "; ")
}
