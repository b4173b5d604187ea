package config

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"regexp"
	"strings"
	"unicode"
)

// MinDebounceSeconds is the shortest window a differing value must persist
// before an update may commit.
const MinDebounceSeconds = 60

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// ValidationResult splits problems into fatals, which must stop startup, and
// warnings, which were logged and (where possible) clamped to safe values.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

func (r ValidationResult) HasFatals() bool {
	return len(r.Fatals) > 0
}

// AllErrors returns fatals followed by warnings.
func (r ValidationResult) AllErrors() []error {
	all := make([]error, 0, len(r.Fatals)+len(r.Warnings))
	all = append(all, r.Fatals...)
	return append(all, r.Warnings...)
}

// Validate is the flat form of ValidateTiered.
func (c *Config) Validate() []error {
	return c.ValidateTiered().AllErrors()
}

// ValidateTiered checks the config. Out-of-range numbers are clamped and
// reported as warnings; values the agent cannot run with are fatal.
func (c *Config) ValidateTiered() ValidationResult {
	var r ValidationResult

	if c.ServerURL == "" {
		r.Fatals = append(r.Fatals, fmt.Errorf("server_url is required"))
	} else if err := checkHTTPURL(c.ServerURL, "http", "https"); err != nil {
		r.Fatals = append(r.Fatals, fmt.Errorf("server_url %w", err))
	}

	if c.CDPURL != "" {
		if err := checkHTTPURL(c.CDPURL, "http", "https", "ws", "wss"); err != nil {
			r.Fatals = append(r.Fatals, fmt.Errorf("cdp_url %w", err))
		}
	}

	if c.Terminal.ReferrerPattern != "" {
		if _, err := regexp.Compile(c.Terminal.ReferrerPattern); err != nil {
			r.Fatals = append(r.Fatals, fmt.Errorf("terminal.referrer_pattern is not a valid regexp: %w", err))
		}
	}

	if c.ControlAddr != "" {
		if _, _, err := net.SplitHostPort(c.ControlAddr); err != nil {
			r.Fatals = append(r.Fatals, fmt.Errorf("control_addr %q is not host:port: %w", c.ControlAddr, err))
		}
	}

	for _, ch := range c.FallbackBuildID {
		if unicode.IsControl(ch) {
			r.Warnings = append(r.Warnings, fmt.Errorf("fallback_build_id contains control characters, ignoring"))
			c.FallbackBuildID = ""
			break
		}
	}

	r.Warnings = append(r.Warnings, clamp("poll_interval_seconds", &c.PollIntervalSeconds, 10, 3600)...)
	r.Warnings = append(r.Warnings, clamp("debounce_seconds", &c.DebounceSeconds, MinDebounceSeconds, 3600)...)
	r.Warnings = append(r.Warnings, clamp("readiness_timeout_seconds", &c.ReadinessTimeoutSeconds, 1, 30)...)
	r.Warnings = append(r.Warnings, clamp("ready_streak_threshold", &c.ReadyStreakThreshold, 1, 10)...)

	if c.BootstrapPath == "" {
		r.Warnings = append(r.Warnings, fmt.Errorf("bootstrap_path is empty, using /index.html"))
		c.BootstrapPath = "/index.html"
	} else if !strings.HasPrefix(c.BootstrapPath, "/") {
		r.Warnings = append(r.Warnings, fmt.Errorf("bootstrap_path %q must start with /, prefixing", c.BootstrapPath))
		c.BootstrapPath = "/" + c.BootstrapPath
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}

	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	for _, err := range r.Fatals {
		slog.Error("config validation", "error", err)
	}
	for _, err := range r.Warnings {
		slog.Warn("config validation", "error", err)
	}

	return r
}

func checkHTTPURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%q is not a valid URL: %w", raw, err)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			if u.Host == "" {
				return fmt.Errorf("%q has no host", raw)
			}
			return nil
		}
	}
	return fmt.Errorf("scheme must be one of %s, got %q", strings.Join(schemes, ", "), u.Scheme)
}

func clamp(name string, v *int, lo, hi int) []error {
	switch {
	case *v < lo:
		err := fmt.Errorf("%s %d is below minimum %d, clamping", name, *v, lo)
		*v = lo
		return []error{err}
	case *v > hi:
		err := fmt.Errorf("%s %d exceeds maximum %d, clamping", name, *v, hi)
		*v = hi
		return []error{err}
	}
	return nil
}
