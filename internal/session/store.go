// Package session persists the authenticated session to the per-user
// data directory and enforces its time-to-live.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/pubplat/scraper/pkg/types"
)

const (
	// AppDirName is the directory under the platform data root.
	AppDirName = "PubPlatScraper"
	// FileName is the session file inside AppDirName.
	FileName = "session.json"
	// BackupSuffix is appended to the session file before an import
	// overwrites it.
	BackupSuffix = ".backup"

	// DefaultTTL is how long a stored session is trusted without a
	// fresh login.
	DefaultTTL = 96 * time.Hour
	// TTLEnvVar overrides DefaultTTL, in hours.
	TTLEnvVar = "CACHE_TTL_HOURS"
)

var (
	// ErrMissing is returned when no usable session file exists.
	ErrMissing = errors.New("no stored session")
	// ErrExpired is returned when the stored session is older than the TTL.
	ErrExpired = errors.New("stored session expired")
)

// Store reads and writes the session file.
type Store struct {
	path   string
	ttl    time.Duration
	logger *zap.Logger
}

// NewStore creates a store at the platform default location with the
// TTL resolved from the environment.
func NewStore(logger *zap.Logger) (*Store, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}
	return NewStoreAt(path, TTL(), logger), nil
}

// NewStoreAt creates a store with an explicit path and TTL.
func NewStoreAt(path string, ttl time.Duration, logger *zap.Logger) *Store {
	return &Store{path: path, ttl: ttl, logger: logger}
}

// Path returns the session file location.
func (s *Store) Path() string {
	return s.path
}

// Load reads the stored session. A missing or malformed file maps to
// ErrMissing; a session older than the TTL maps to ErrExpired and is
// not returned.
func (s *Store) Load() (*types.Session, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMissing, err)
	}

	var session types.Session
	if err := json.Unmarshal(data, &session); err != nil {
		s.logger.Warn("session file is malformed", zap.String("path", s.path), zap.Error(err))
		return nil, fmt.Errorf("%w: malformed session file", ErrMissing)
	}
	if err := session.Validate(); err != nil {
		s.logger.Warn("session file failed validation", zap.String("path", s.path), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrMissing, err)
	}

	age := session.Age(time.Now())
	if age > s.ttl {
		return nil, fmt.Errorf("%w: age %s exceeds ttl %s", ErrExpired, age.Round(time.Minute), s.ttl)
	}

	if missing := session.MissingCoreCookies(); len(missing) > 0 {
		s.logger.Warn("session is missing core cookies", zap.Strings("cookies", missing))
	}

	return &session, nil
}

// Save writes the session file, creating the parent directory if
// needed. The write is best-effort; a fresh session is always
// recoverable by logging in again.
func (s *Store) Save(session *types.Session) error {
	if err := session.Validate(); err != nil {
		return fmt.Errorf("refusing to save invalid session: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}

	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize session: %w", err)
	}

	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write session file: %w", err)
	}

	s.logger.Info("session saved", zap.String("path", s.path))
	return nil
}

// SaveWithBackup copies any existing session file aside before writing
// the new one. The backup is best-effort.
func (s *Store) SaveWithBackup(session *types.Session) error {
	if _, err := os.Stat(s.path); err == nil {
		backup := s.path + BackupSuffix
		if err := copyFile(s.path, backup); err != nil {
			s.logger.Warn("failed to back up session file", zap.String("backup", backup), zap.Error(err))
		} else {
			s.logger.Info("backed up existing session", zap.String("backup", backup))
		}
	}
	return s.Save(session)
}

// Clear removes the session file. A file that is already gone is not
// an error.
func (s *Store) Clear() error {
	err := os.Remove(s.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove session file: %w", err)
	}
	return nil
}

// DefaultPath resolves the per-OS session file location.
func DefaultPath() (string, error) {
	var base string

	switch runtime.GOOS {
	case "windows":
		base = os.Getenv("APPDATA")
		if base == "" {
			return "", fmt.Errorf("APPDATA is not set")
		}
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot resolve home directory: %w", err)
		}
		base = filepath.Join(home, "Library", "Application Support")
	default:
		base = os.Getenv("XDG_DATA_HOME")
		if base == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", fmt.Errorf("cannot resolve home directory: %w", err)
			}
			base = filepath.Join(home, ".local", "share")
		}
	}

	return filepath.Join(base, AppDirName, FileName), nil
}

// TTL resolves the session time-to-live, honoring the CACHE_TTL_HOURS
// override.
func TTL() time.Duration {
	if raw := os.Getenv(TTLEnvVar); raw != "" {
		if hours, err := strconv.Atoi(raw); err == nil && hours > 0 {
			return time.Duration(hours) * time.Hour
		}
	}
	return DefaultTTL
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
