package config

import (
	"fmt"
	"time"

	"github.com/chuye/metingbot/pkg/session"
)

// Config is the full metingbot configuration.
type Config struct {
	// Meting API endpoint and search behavior
	API APIConfig `json:"api" mapstructure:"api"`

	// Telegram transport
	Telegram TelegramConfig `json:"telegram" mapstructure:"telegram"`

	// Download and segmentation policy
	Download DownloadConfig `json:"download" mapstructure:"download"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Metrics endpoint
	Metrics MetricsConfig `json:"metrics" mapstructure:"metrics"`

	// Data directory (PID file, logs)
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// APIConfig holds the Meting endpoint settings.
type APIConfig struct {
	URL           string   `json:"url" mapstructure:"url"`
	DefaultSource string   `json:"default_source" mapstructure:"default_source"`
	ResultCount   int      `json:"result_count" mapstructure:"result_count"`
	DenyHosts     []string `json:"deny_hosts" mapstructure:"deny_hosts"`
}

// TelegramConfig holds the bot transport settings.
type TelegramConfig struct {
	BotToken string `json:"bot_token" mapstructure:"bot_token"`
}

// DownloadConfig bounds downloads and segmentation.
type DownloadConfig struct {
	ScratchDir     string `json:"scratch_dir" mapstructure:"scratch_dir"`
	MaxFileSize    int64  `json:"max_file_size" mapstructure:"max_file_size"`
	Retries        int    `json:"retries" mapstructure:"retries"`
	Concurrency    int    `json:"concurrency" mapstructure:"concurrency"`
	SegmentSeconds int    `json:"segment_seconds" mapstructure:"segment_seconds"`
	SendIntervalMs int    `json:"send_interval_ms" mapstructure:"send_interval_ms"`
	SessionMaxAge  string `json:"session_max_age" mapstructure:"session_max_age"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level   string `json:"level" mapstructure:"level"`
	File    string `json:"file" mapstructure:"file"`
	Console bool   `json:"console" mapstructure:"console"`
	Pretty  bool   `json:"pretty" mapstructure:"pretty"`
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Listen  string `json:"listen" mapstructure:"listen"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	return &Config{
		API: APIConfig{
			DefaultSource: string(session.SourceNetease),
			ResultCount:   10,
		},
		Download: DownloadConfig{
			MaxFileSize:    50 * 1024 * 1024,
			Retries:        3,
			Concurrency:    3,
			SegmentSeconds: 120,
			SendIntervalMs: 1000,
			SessionMaxAge:  "1h",
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
			Pretty:  true,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  "127.0.0.1:9189",
		},
	}
}

// Normalize clamps out-of-range values back to their defaults instead of
// failing. Users with a hand-edited config get a working bot plus a log
// line, not a refusal to start.
func (c *Config) Normalize() []string {
	def := DefaultConfig()
	var fixed []string

	if !session.Source(c.API.DefaultSource).Valid() {
		c.API.DefaultSource = def.API.DefaultSource
		fixed = append(fixed, "api.default_source")
	}
	if c.API.ResultCount < 5 || c.API.ResultCount > 30 {
		c.API.ResultCount = def.API.ResultCount
		fixed = append(fixed, "api.result_count")
	}
	if c.Download.MaxFileSize <= 0 {
		c.Download.MaxFileSize = def.Download.MaxFileSize
		fixed = append(fixed, "download.max_file_size")
	}
	if c.Download.Retries < 1 || c.Download.Retries > 10 {
		c.Download.Retries = def.Download.Retries
		fixed = append(fixed, "download.retries")
	}
	if c.Download.Concurrency < 1 || c.Download.Concurrency > 16 {
		c.Download.Concurrency = def.Download.Concurrency
		fixed = append(fixed, "download.concurrency")
	}
	if c.Download.SegmentSeconds < 10 || c.Download.SegmentSeconds > 600 {
		c.Download.SegmentSeconds = def.Download.SegmentSeconds
		fixed = append(fixed, "download.segment_seconds")
	}
	if c.Download.SendIntervalMs < 0 {
		c.Download.SendIntervalMs = def.Download.SendIntervalMs
		fixed = append(fixed, "download.send_interval_ms")
	}
	if _, err := time.ParseDuration(c.Download.SessionMaxAge); err != nil {
		c.Download.SessionMaxAge = def.Download.SessionMaxAge
		fixed = append(fixed, "download.session_max_age")
	}

	return fixed
}

// Validate checks the settings that cannot be defaulted away.
func (c *Config) Validate() error {
	if c.API.URL == "" {
		return fmt.Errorf("api.url is required")
	}
	if c.Telegram.BotToken == "" {
		return fmt.Errorf("telegram.bot_token is required")
	}
	return nil
}

// SessionMaxAge returns the parsed session expiry. Normalize guarantees the
// string parses.
func (c *Config) SessionMaxAge() time.Duration {
	d, err := time.ParseDuration(c.Download.SessionMaxAge)
	if err != nil {
		return time.Hour
	}
	return d
}

// SegmentDuration returns the per-segment length.
func (c *Config) SegmentDuration() time.Duration {
	return time.Duration(c.Download.SegmentSeconds) * time.Second
}

// SendInterval returns the pause between voice messages.
func (c *Config) SendInterval() time.Duration {
	return time.Duration(c.Download.SendIntervalMs) * time.Millisecond
}
