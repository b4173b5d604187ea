package config

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/spf13/viper"
)

// TerminalConfig controls how the agent decides it is running on a
// dedicated terminal rather than an ordinary browser.
type TerminalConfig struct {
	AppMarker       bool   `mapstructure:"app_marker"`
	ReferrerPattern string `mapstructure:"referrer_pattern"`
}

type Config struct {
	ServerURL               string         `mapstructure:"server_url"`
	DataDir                 string         `mapstructure:"data_dir"`
	PollIntervalSeconds     int            `mapstructure:"poll_interval_seconds"`
	DebounceSeconds         int            `mapstructure:"debounce_seconds"`
	ReadinessTimeoutSeconds int            `mapstructure:"readiness_timeout_seconds"`
	ReadyStreakThreshold    int            `mapstructure:"ready_streak_threshold"`
	BootstrapPath           string         `mapstructure:"bootstrap_path"`
	CDPURL                  string         `mapstructure:"cdp_url"`
	CDPTargetMatch          string         `mapstructure:"cdp_target_match"`
	ControlAddr             string         `mapstructure:"control_addr"`
	FallbackBuildID         string         `mapstructure:"fallback_build_id"`
	Terminal                TerminalConfig `mapstructure:"terminal"`
	LogLevel                string         `mapstructure:"log_level"`
	LogFormat               string         `mapstructure:"log_format"`
	LogFile                 string         `mapstructure:"log_file"`
	LogMaxSizeMB            int            `mapstructure:"log_max_size_mb"`
	LogMaxBackups           int            `mapstructure:"log_max_backups"`
}

func Default() *Config {
	return &Config{
		DataDir:                 GetDataDir(),
		PollIntervalSeconds:     60,
		DebounceSeconds:         60,
		ReadinessTimeoutSeconds: 4,
		ReadyStreakThreshold:    1,
		BootstrapPath:           "/index.html",
		CDPURL:                  "http://127.0.0.1:9222",
		ControlAddr:             "127.0.0.1:9464",
		LogLevel:                "info",
		LogFormat:               "text",
		LogMaxSizeMB:            10,
		LogMaxBackups:           3,
	}
}

// Load reads the YAML config file (explicit path or the platform default
// location) and overlays TERMINAL_AGENT_* environment variables. A missing
// config file is not an error.
func Load(cfgFile string) (*Config, error) {
	cfg := Default()
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("terminal-agent")
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir())
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("TERMINAL_AGENT")
	v.AutomaticEnv()
	bindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// bindEnv registers every key so AutomaticEnv also applies to keys that are
// absent from the config file.
func bindEnv(v *viper.Viper) {
	for _, key := range []string{
		"server_url", "data_dir", "poll_interval_seconds", "debounce_seconds",
		"readiness_timeout_seconds", "ready_streak_threshold", "bootstrap_path",
		"cdp_url", "cdp_target_match", "control_addr", "fallback_build_id",
		"log_level", "log_format", "log_file", "log_max_size_mb", "log_max_backups",
	} {
		_ = v.BindEnv(key)
	}
	_ = v.BindEnv("terminal.app_marker", "TERMINAL_AGENT_APP_MARKER")
	_ = v.BindEnv("terminal.referrer_pattern", "TERMINAL_AGENT_REFERRER_PATTERN")
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

func (c *Config) Debounce() time.Duration {
	return time.Duration(c.DebounceSeconds) * time.Second
}

func (c *Config) ReadinessTimeout() time.Duration {
	return time.Duration(c.ReadinessTimeoutSeconds) * time.Second
}

// StatePath is the SQLite database holding the terminal identity.
func (c *Config) StatePath() string {
	dir := c.DataDir
	if dir == "" {
		dir = GetDataDir()
	}
	return filepath.Join(dir, "state.db")
}

// GetDataDir returns the platform default directory for durable agent state.
func GetDataDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "TerminalAgent", "data")
	case "darwin":
		return "/Library/Application Support/TerminalAgent/data"
	default:
		return "/var/lib/terminal-agent"
	}
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "TerminalAgent")
	case "darwin":
		return "/Library/Application Support/TerminalAgent"
	default:
		return "/etc/terminal-agent"
	}
}

// ConfigDir exposes the default config directory for installers.
func ConfigDir() string {
	return configDir()
}
