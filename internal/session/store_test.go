package session

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/pubplat/scraper/pkg/types"
)

func freshSession() *types.Session {
	return &types.Session{
		Token: "tok123",
		Cookies: map[string]string{
			"slave_sid":   "sid",
			"slave_user":  "user",
			"data_ticket": "ticket",
		},
		Timestamp: time.Now().Unix(),
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), AppDirName, FileName)
	return NewStoreAt(path, DefaultTTL, zaptest.NewLogger(t))
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store := newTestStore(t)
	session := freshSession()

	require.NoError(t, store.Save(session))

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, session.Token, loaded.Token)
	assert.Equal(t, session.Cookies, loaded.Cookies)
	assert.Equal(t, session.Timestamp, loaded.Timestamp)
}

func TestLoadMissingFile(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Load()
	assert.ErrorIs(t, err, ErrMissing)
}

func TestLoadMalformedFile(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(store.Path()), 0o755))
	require.NoError(t, os.WriteFile(store.Path(), []byte("{not json"), 0o600))

	_, err := store.Load()
	assert.ErrorIs(t, err, ErrMissing)
}

func TestLoadExpiredSession(t *testing.T) {
	store := newTestStore(t)
	session := freshSession()
	session.Timestamp = time.Now().Add(-DefaultTTL - time.Hour).Unix()

	require.NoError(t, store.Save(session))

	_, err := store.Load()
	assert.ErrorIs(t, err, ErrExpired)
}

func TestLoadHonorsCustomTTL(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	store := NewStoreAt(path, time.Minute, zaptest.NewLogger(t))

	session := freshSession()
	session.Timestamp = time.Now().Add(-2 * time.Minute).Unix()
	require.NoError(t, store.Save(session))

	_, err := store.Load()
	assert.ErrorIs(t, err, ErrExpired)
}

func TestSaveRejectsInvalidSession(t *testing.T) {
	store := newTestStore(t)
	err := store.Save(&types.Session{})
	assert.Error(t, err)

	_, statErr := os.Stat(store.Path())
	assert.True(t, os.IsNotExist(statErr))
}

func TestSaveWithBackup(t *testing.T) {
	store := newTestStore(t)

	first := freshSession()
	require.NoError(t, store.Save(first))

	second := freshSession()
	second.Token = "tok456"
	require.NoError(t, store.SaveWithBackup(second))

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "tok456", loaded.Token)

	backup, err := os.ReadFile(store.Path() + BackupSuffix)
	require.NoError(t, err)
	assert.Contains(t, string(backup), "tok123")
}

func TestSaveWithBackupNoExistingFile(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.SaveWithBackup(freshSession()))

	_, err := os.Stat(store.Path() + BackupSuffix)
	assert.True(t, os.IsNotExist(err))
}

func TestClear(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Save(freshSession()))

	require.NoError(t, store.Clear())
	_, err := store.Load()
	assert.ErrorIs(t, err, ErrMissing)

	// Clearing an already-empty store is fine.
	assert.NoError(t, store.Clear())
}

func TestTTLEnvOverride(t *testing.T) {
	t.Setenv(TTLEnvVar, "12")
	assert.Equal(t, 12*time.Hour, TTL())

	t.Setenv(TTLEnvVar, "not-a-number")
	assert.Equal(t, DefaultTTL, TTL())

	t.Setenv(TTLEnvVar, "-4")
	assert.Equal(t, DefaultTTL, TTL())

	t.Setenv(TTLEnvVar, "")
	assert.Equal(t, DefaultTTL, TTL())
}

func TestDefaultPath(t *testing.T) {
	path, err := DefaultPath()
	require.NoError(t, err)
	assert.Contains(t, path, AppDirName)
	assert.Equal(t, FileName, filepath.Base(path))
}
