package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Path returns the resolved config file path.
func (l *Loader) Path() (string, error) {
	if l.configPath != "" {
		return l.configPath, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".metingbot", "metingbot.json"), nil
}

// Load loads the configuration from file, falling back to defaults when the
// file does not exist. Out-of-range values are clamped, not rejected.
func (l *Loader) Load() (*Config, error) {
	configPath, err := l.Path()
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); err == nil {
		v := viper.New()
		v.SetConfigFile(configPath)
		v.SetConfigType("json")

		v.SetEnvPrefix("METINGBOT")
		v.AutomaticEnv()

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".metingbot")
	}
	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "metingbot.log")
	}
	if cfg.Download.ScratchDir == "" {
		cfg.Download.ScratchDir = os.TempDir()
	}

	if fixed := cfg.Normalize(); len(fixed) > 0 {
		log.Warn().Strs("keys", fixed).Msg("Config values out of range, defaults applied")
	}

	return cfg, nil
}

// Save saves the configuration to file
func (l *Loader) Save(cfg *Config) error {
	configPath, err := l.Path()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	v.Set("api", cfg.API)
	v.Set("telegram", cfg.Telegram)
	v.Set("download", cfg.Download)
	v.Set("logging", cfg.Logging)
	v.Set("metrics", cfg.Metrics)
	v.Set("data_dir", cfg.DataDir)

	if err := v.WriteConfigAs(configPath); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
