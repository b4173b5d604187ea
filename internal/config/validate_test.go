package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := Default()
	cfg.ServerURL = "https://jewelry.example.com"
	return cfg
}

func TestValidateTieredMissingServerURLIsFatal(t *testing.T) {
	assert.True(t, Default().ValidateTiered().HasFatals())
}

func TestValidateTieredInvalidURLSchemeIsFatal(t *testing.T) {
	cfg := validConfig()
	cfg.ServerURL = "ftp://example.com"
	assert.True(t, cfg.ValidateTiered().HasFatals())
}

func TestValidateTieredWebsocketCDPURLAccepted(t *testing.T) {
	cfg := validConfig()
	cfg.CDPURL = "ws://127.0.0.1:9222/devtools/page/ABC"
	assert.Empty(t, cfg.ValidateTiered().Fatals)
}

func TestValidateTieredBadReferrerPatternIsFatal(t *testing.T) {
	cfg := validConfig()
	cfg.Terminal.ReferrerPattern = "kiosk(["
	result := cfg.ValidateTiered()
	require.Len(t, result.Fatals, 1)
	assert.Contains(t, result.Fatals[0].Error(), "referrer_pattern")
}

func TestValidateTieredBadControlAddrIsFatal(t *testing.T) {
	cfg := validConfig()
	cfg.ControlAddr = "localhost"
	assert.True(t, cfg.ValidateTiered().HasFatals(), "control_addr without port")
}

func TestValidateTieredIntervalClampingIsWarning(t *testing.T) {
	cfg := validConfig()
	cfg.PollIntervalSeconds = 1
	result := cfg.ValidateTiered()

	assert.Empty(t, result.Fatals)
	assert.NotEmpty(t, result.Warnings)
	assert.Equal(t, 10, cfg.PollIntervalSeconds)
}

func TestValidateTieredHighDebounceClampingIsWarning(t *testing.T) {
	cfg := validConfig()
	cfg.DebounceSeconds = 9999
	result := cfg.ValidateTiered()

	assert.Empty(t, result.Fatals)
	assert.Len(t, result.Warnings, 1)
	assert.Equal(t, 3600, cfg.DebounceSeconds)
}

func TestValidateTieredShortDebounceClampedToMinimum(t *testing.T) {
	cfg := validConfig()
	cfg.DebounceSeconds = 5
	result := cfg.ValidateTiered()

	assert.Empty(t, result.Fatals)
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0].Error(), "debounce_seconds")
	assert.Equal(t, MinDebounceSeconds, cfg.DebounceSeconds)
	assert.Equal(t, time.Minute, cfg.Debounce())
}

func TestValidateTieredStreakAndTimeoutClamping(t *testing.T) {
	cfg := validConfig()
	cfg.ReadyStreakThreshold = 0
	cfg.ReadinessTimeoutSeconds = 120
	result := cfg.ValidateTiered()

	assert.Empty(t, result.Fatals)
	assert.Equal(t, 1, cfg.ReadyStreakThreshold)
	assert.Equal(t, 30, cfg.ReadinessTimeoutSeconds)
}

func TestValidateTieredBootstrapPathIsPrefixed(t *testing.T) {
	cfg := validConfig()
	cfg.BootstrapPath = "app/index.html"
	result := cfg.ValidateTiered()

	assert.NotEmpty(t, result.Warnings)
	assert.Equal(t, "/app/index.html", cfg.BootstrapPath)
}

func TestValidateTieredUnknownLogLevelIsWarning(t *testing.T) {
	cfg := validConfig()
	cfg.LogLevel = "verbose"
	result := cfg.ValidateTiered()

	assert.Empty(t, result.Fatals)
	assert.NotEmpty(t, result.Warnings)
}

func TestValidateTieredInvalidLogFormatIsWarning(t *testing.T) {
	cfg := validConfig()
	cfg.LogFormat = "xml"
	result := cfg.ValidateTiered()

	assert.Empty(t, result.Fatals)
	assert.NotEmpty(t, result.Warnings)
}

func TestHasFatals(t *testing.T) {
	r := ValidationResult{}
	assert.False(t, r.HasFatals())
	r.Fatals = append(r.Fatals, fmt.Errorf("test error"))
	assert.True(t, r.HasFatals())
}

func TestAllErrorsReturnsBoth(t *testing.T) {
	cfg := validConfig()
	cfg.ServerURL = "ftp://bad" // fatal
	cfg.LogFormat = "xml"       // warning
	result := cfg.ValidateTiered()

	assert.GreaterOrEqual(t, len(result.AllErrors()), 2)
}

func TestValidConfigHasNoErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Terminal.ReferrerPattern = `^https://console\.example\.com/`
	result := cfg.ValidateTiered()

	assert.Empty(t, result.Fatals)
	assert.Empty(t, result.Warnings)
}

func TestLoadReadsYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "terminal-agent.yaml")
	content := `server_url: https://jewelry.example.com
poll_interval_seconds: 30
terminal:
  app_marker: true
  referrer_pattern: kiosk
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://jewelry.example.com", cfg.ServerURL)
	assert.Equal(t, 30, cfg.PollIntervalSeconds)
	assert.True(t, cfg.Terminal.AppMarker)
	assert.Equal(t, "kiosk", cfg.Terminal.ReferrerPattern)
	assert.Equal(t, 60, cfg.DebounceSeconds, "default kept")
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "terminal-agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server_url: https://a.example.com\n"), 0o600))
	t.Setenv("TERMINAL_AGENT_SERVER_URL", "https://b.example.com")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://b.example.com", cfg.ServerURL)
}

func TestStatePathUsesDataDir(t *testing.T) {
	cfg := Default()
	cfg.DataDir = "/tmp/kiosk"
	assert.Equal(t, filepath.Join("/tmp/kiosk", "state.db"), cfg.StatePath())
}
