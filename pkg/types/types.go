// Package types defines the shared data model of the scraper: the
// authenticated session, publisher references, the canonical post record,
// and the batch configuration.
package types

import (
	"fmt"
	"time"
)

// CoreCookies are the cookie names the platform requires for
// authenticated API calls. A session missing one of them usually still
// decodes but will fail the live probe.
var CoreCookies = []string{"slave_sid", "slave_user", "data_ticket"}

// MaxTokenLength bounds the opaque session token.
const MaxTokenLength = 64

// Session is the credential tuple that authenticates requests.
// JSON field order matches the portable-string payload.
type Session struct {
	Token     string            `json:"token"`
	Cookies   map[string]string `json:"cookies"`
	Timestamp int64             `json:"timestamp"`
}

// Validate checks the structural invariants of a session.
func (s *Session) Validate() error {
	if s == nil {
		return fmt.Errorf("session is nil")
	}
	if s.Token == "" {
		return fmt.Errorf("session token is empty")
	}
	if len(s.Token) > MaxTokenLength {
		return fmt.Errorf("session token exceeds %d characters", MaxTokenLength)
	}
	if len(s.Cookies) == 0 {
		return fmt.Errorf("session has no cookies")
	}
	if s.Timestamp <= 0 {
		return fmt.Errorf("session timestamp must be positive")
	}
	return nil
}

// MissingCoreCookies returns the names of required cookies absent from
// the session, in the canonical order. Empty slice means all present.
func (s *Session) MissingCoreCookies() []string {
	var missing []string
	for _, name := range CoreCookies {
		if s.Cookies[name] == "" {
			missing = append(missing, name)
		}
	}
	return missing
}

// Age returns how long ago the session was captured.
func (s *Session) Age(now time.Time) time.Duration {
	return now.Sub(time.Unix(s.Timestamp, 0))
}

// PublisherRef pairs the user-entered display name with the opaque
// internal identifier returned by the lookup endpoint.
type PublisherRef struct {
	DisplayName string
	InternalID  string
}

// PostRecord is the canonical unit of output. Body is empty when body
// fetching is disabled or extraction found nothing.
type PostRecord struct {
	Publisher       string `json:"公众号"`
	Title           string `json:"标题"`
	PublishedAtText string `json:"发布时间"`
	URL             string `json:"链接"`
	Body            string `json:"内容"`

	PublishedAt int64 `json:"-"`
}

// FormatPublishTime renders a Unix timestamp the way records display it,
// in local time.
func FormatPublishTime(ts int64) string {
	return time.Unix(ts, 0).Format("2006-01-02 15:04:05")
}

// BatchConfig describes one scheduler invocation.
type BatchConfig struct {
	Publishers              []string
	WindowStart             time.Time
	WindowEnd               time.Time
	MaxPagesPerPublisher    int
	RequestIntervalSeconds  int
	FetchBodies             bool
	BodyKeyword             string
	MaxConcurrentPublishers int
	MaxConcurrentRequests   int
	OutputPath              string
}

// Limits for BatchConfig fields.
const (
	MaxPagesLimit           = 100
	MaxRequestIntervalLimit = 60
)

// Validate checks ranges and the date window. Zero concurrency values
// are rejected rather than defaulted; ApplyDefaults runs first.
func (c *BatchConfig) Validate() error {
	if len(c.Publishers) == 0 {
		return fmt.Errorf("at least one publisher is required")
	}
	if c.WindowStart.After(c.WindowEnd) {
		return fmt.Errorf("window start %s is after window end %s",
			c.WindowStart.Format("2006-01-02"), c.WindowEnd.Format("2006-01-02"))
	}
	if c.MaxPagesPerPublisher < 1 || c.MaxPagesPerPublisher > MaxPagesLimit {
		return fmt.Errorf("max pages per publisher must be 1..%d, got %d", MaxPagesLimit, c.MaxPagesPerPublisher)
	}
	if c.RequestIntervalSeconds < 1 || c.RequestIntervalSeconds > MaxRequestIntervalLimit {
		return fmt.Errorf("request interval must be 1..%d seconds, got %d", MaxRequestIntervalLimit, c.RequestIntervalSeconds)
	}
	if c.MaxConcurrentPublishers < 1 {
		return fmt.Errorf("max concurrent publishers must be at least 1, got %d", c.MaxConcurrentPublishers)
	}
	if c.MaxConcurrentRequests < 1 {
		return fmt.Errorf("max concurrent requests per publisher must be at least 1, got %d", c.MaxConcurrentRequests)
	}
	return nil
}

// Defaults applied by ApplyDefaults when a field is zero.
const (
	DefaultMaxPages             = 5
	DefaultRequestInterval      = 10
	DefaultConcurrentPublishers = 3
	DefaultConcurrentRequests   = 5
)

// ApplyDefaults fills zero-valued tunables with the standard defaults.
func (c *BatchConfig) ApplyDefaults() {
	if c.MaxPagesPerPublisher == 0 {
		c.MaxPagesPerPublisher = DefaultMaxPages
	}
	if c.RequestIntervalSeconds == 0 {
		c.RequestIntervalSeconds = DefaultRequestInterval
	}
	if c.MaxConcurrentPublishers == 0 {
		c.MaxConcurrentPublishers = DefaultConcurrentPublishers
	}
	if c.MaxConcurrentRequests == 0 {
		c.MaxConcurrentRequests = DefaultConcurrentRequests
	}
}

// InWindow reports whether a publish timestamp falls inside the
// configured window. Comparison is at date granularity in local time,
// both edges inclusive.
func (c *BatchConfig) InWindow(publishedAt int64) bool {
	d := time.Unix(publishedAt, 0)
	day := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, d.Location())
	start := time.Date(c.WindowStart.Year(), c.WindowStart.Month(), c.WindowStart.Day(), 0, 0, 0, 0, d.Location())
	end := time.Date(c.WindowEnd.Year(), c.WindowEnd.Month(), c.WindowEnd.Day(), 0, 0, 0, 0, d.Location())
	return !day.Before(start) && !day.After(end)
}
