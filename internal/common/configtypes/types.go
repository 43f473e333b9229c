package configtypes

// Log level constants
const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

// Log format constants
const (
	LogFormatJSON    = "json"
	LogFormatConsole = "console"
	LogFormatText    = "text"
)

// ScrapeConfig is the batch configuration file accepted by the scrape
// command. Command-line flags override the values loaded here.
type ScrapeConfig struct {
	Publishers   []string            `yaml:"publishers"`
	Window       WindowConfig        `yaml:"window"`
	Pages        int                 `yaml:"pages"`
	Interval     int                 `yaml:"interval"`
	FetchBodies  bool                `yaml:"fetch_bodies"`
	BodyKeyword  string              `yaml:"body_keyword"`
	Concurrency  ConcurrencyConfig   `yaml:"concurrency"`
	Output       string              `yaml:"output"`
	Log          LogConfig           `yaml:"log"`
	Metrics      MetricsConfig       `yaml:"metrics"`
	EventLogging *EventLoggingConfig `yaml:"event_logging,omitempty"`
}

// WindowConfig is the inclusive date window, both edges as YYYY-MM-DD.
type WindowConfig struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// ConcurrencyConfig bounds the two scheduler levels.
type ConcurrencyConfig struct {
	Publishers int `yaml:"publishers"`
	Requests   int `yaml:"requests"`
}

type LogConfig struct {
	Level   string           `yaml:"level"`
	Console ConsoleLogConfig `yaml:"console"`
	File    FileLogConfig    `yaml:"file"`
}

type ConsoleLogConfig struct {
	Enabled bool   `yaml:"enabled"`
	Format  string `yaml:"format"`
	Level   string `yaml:"level,omitempty"`
}

type FileLogConfig struct {
	Enabled  bool           `yaml:"enabled"`
	Path     string         `yaml:"path"`
	Format   string         `yaml:"format"`
	Level    string         `yaml:"level,omitempty"`
	Rotation RotationConfig `yaml:"rotation"`
}

type RotationConfig struct {
	MaxSize    int  `yaml:"max_size"`
	MaxAge     int  `yaml:"max_age"`
	MaxBackups int  `yaml:"max_backups"`
	Compress   bool `yaml:"compress"`
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Listen    string `yaml:"listen"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// EventLoggingConfig configures progress event logging
type EventLoggingConfig struct {
	File EventFileConfig `yaml:"file"`
}

// EventFileConfig configures file-based event logging
type EventFileConfig struct {
	Enabled  bool           `yaml:"enabled"`
	Path     string         `yaml:"path"`
	Rotation RotationConfig `yaml:"rotation"`
}
