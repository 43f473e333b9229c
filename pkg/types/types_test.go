package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validSession() *Session {
	return &Session{
		Token: "1234567890",
		Cookies: map[string]string{
			"slave_sid":   "sid",
			"slave_user":  "user",
			"data_ticket": "ticket",
		},
		Timestamp: 1700000000,
	}
}

func TestSessionValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Session)
		wantErr bool
	}{
		{"valid", func(s *Session) {}, false},
		{"empty token", func(s *Session) { s.Token = "" }, true},
		{"token too long", func(s *Session) {
			for len(s.Token) <= MaxTokenLength {
				s.Token += "x"
			}
		}, true},
		{"no cookies", func(s *Session) { s.Cookies = nil }, true},
		{"zero timestamp", func(s *Session) { s.Timestamp = 0 }, true},
		{"negative timestamp", func(s *Session) { s.Timestamp = -1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := validSession()
			tt.mutate(s)
			err := s.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSessionMissingCoreCookies(t *testing.T) {
	s := validSession()
	assert.Empty(t, s.MissingCoreCookies())

	delete(s.Cookies, "data_ticket")
	s.Cookies["slave_sid"] = ""
	assert.Equal(t, []string{"slave_sid", "data_ticket"}, s.MissingCoreCookies())
}

func TestBatchConfigValidate(t *testing.T) {
	base := func() BatchConfig {
		return BatchConfig{
			Publishers:              []string{"经济观察报"},
			WindowStart:             time.Date(2024, 1, 1, 0, 0, 0, 0, time.Local),
			WindowEnd:               time.Date(2024, 1, 31, 0, 0, 0, 0, time.Local),
			MaxPagesPerPublisher:    5,
			RequestIntervalSeconds:  10,
			MaxConcurrentPublishers: 3,
			MaxConcurrentRequests:   5,
		}
	}

	cfg := base()
	require.NoError(t, cfg.Validate())

	cfg = base()
	cfg.Publishers = nil
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.WindowStart, cfg.WindowEnd = cfg.WindowEnd, cfg.WindowStart
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.MaxPagesPerPublisher = 0
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.MaxPagesPerPublisher = MaxPagesLimit + 1
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.RequestIntervalSeconds = 61
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.MaxConcurrentPublishers = 0
	assert.Error(t, cfg.Validate())
}

func TestBatchConfigApplyDefaults(t *testing.T) {
	cfg := BatchConfig{Publishers: []string{"a"}}
	cfg.ApplyDefaults()
	assert.Equal(t, DefaultMaxPages, cfg.MaxPagesPerPublisher)
	assert.Equal(t, DefaultRequestInterval, cfg.RequestIntervalSeconds)
	assert.Equal(t, DefaultConcurrentPublishers, cfg.MaxConcurrentPublishers)
	assert.Equal(t, DefaultConcurrentRequests, cfg.MaxConcurrentRequests)

	cfg.MaxPagesPerPublisher = 20
	cfg.ApplyDefaults()
	assert.Equal(t, 20, cfg.MaxPagesPerPublisher)
}

func TestBatchConfigInWindow(t *testing.T) {
	day := time.Date(2024, 5, 10, 0, 0, 0, 0, time.Local)
	cfg := BatchConfig{WindowStart: day, WindowEnd: day}

	// Any second of the window day is inside, edges of adjacent days are not.
	inside := time.Date(2024, 5, 10, 23, 59, 59, 0, time.Local).Unix()
	before := time.Date(2024, 5, 9, 23, 59, 59, 0, time.Local).Unix()
	after := time.Date(2024, 5, 11, 0, 0, 0, 0, time.Local).Unix()

	assert.True(t, cfg.InWindow(inside))
	assert.False(t, cfg.InWindow(before))
	assert.False(t, cfg.InWindow(after))
}

func TestFormatPublishTime(t *testing.T) {
	ts := time.Date(2024, 5, 10, 8, 30, 5, 0, time.Local).Unix()
	assert.Equal(t, "2024-05-10 08:30:05", FormatPublishTime(ts))
}
