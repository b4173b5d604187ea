// Package policy applies display and interaction policies to the kiosk page.
package policy

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/gemforge/terminal-agent/internal/logging"
	"github.com/gemforge/terminal-agent/internal/metrics"
	"github.com/gemforge/terminal-agent/internal/platform"
)

var log = logging.L("policy")

// Policy names, also the snake_case config keys.
const (
	ZoomLock       = "zoom_lock"
	OverscrollLock = "overscroll_lock"
	WakeLock       = "wake_lock"
	Fullscreen     = "fullscreen"
)

const stepTimeout = 5 * time.Second

// Settings says which policies are enabled.
type Settings struct {
	ZoomLock       bool `json:"zoom_lock" yaml:"zoom_lock"`
	OverscrollLock bool `json:"overscroll_lock" yaml:"overscroll_lock"`
	WakeLock       bool `json:"wake_lock" yaml:"wake_lock"`
	Fullscreen     bool `json:"fullscreen" yaml:"fullscreen"`
}

// Defaults enables every policy.
func Defaults() Settings {
	return Settings{ZoomLock: true, OverscrollLock: true, WakeLock: true, Fullscreen: true}
}

// FromPayload reads policy toggles from a remote config payload. Keys may be
// snake_case or camelCase, at the top level or under "policies". Missing or
// unrecognised values keep the default (on).
func FromPayload(payload map[string]any) Settings {
	s := Defaults()
	if payload == nil {
		return s
	}
	sources := []map[string]any{payload}
	if nested, ok := payload["policies"].(map[string]any); ok {
		sources = append(sources, nested)
	}
	for _, src := range sources {
		lookup(src, ZoomLock, &s.ZoomLock)
		lookup(src, OverscrollLock, &s.OverscrollLock)
		lookup(src, WakeLock, &s.WakeLock)
		lookup(src, Fullscreen, &s.Fullscreen)
	}
	return s
}

func lookup(src map[string]any, key string, dst *bool) {
	for _, k := range []string{key, camel(key)} {
		if v, ok := src[k]; ok {
			if b, ok := asBool(v); ok {
				*dst = b
			}
			return
		}
	}
}

func camel(snake string) string {
	parts := strings.Split(snake, "_")
	for i := 1; i < len(parts); i++ {
		if parts[i] != "" {
			parts[i] = strings.ToUpper(parts[i][:1]) + parts[i][1:]
		}
	}
	return strings.Join(parts, "")
}

func asBool(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case float64:
		return t != 0, true
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(t))
		return b, err == nil
	}
	return false, false
}

// Outcome is the result of applying one policy.
type Outcome struct {
	Policy string
	Result string
	Err    error
}

// Enforcer applies Settings through the platform. It keeps no state between
// calls; every step is idempotent on the page side.
type Enforcer struct {
	port     platform.Port
	recorder metrics.Recorder
}

func NewEnforcer(port platform.Port, recorder metrics.Recorder) *Enforcer {
	return &Enforcer{port: port, recorder: metrics.OrNoop(recorder)}
}

// Apply runs every policy and reports per-policy outcomes. It never fails:
// unsupported capabilities are skipped and other errors are logged.
func (e *Enforcer) Apply(ctx context.Context, s Settings) []Outcome {
	steps := []struct {
		name    string
		enabled bool
		run     func(context.Context) error
	}{
		{ZoomLock, s.ZoomLock, e.port.ApplyViewportPolicy},
		{OverscrollLock, s.OverscrollLock, e.port.ApplyOverscrollPolicy},
		{WakeLock, s.WakeLock, e.port.AcquireWakeLock},
		{Fullscreen, s.Fullscreen, e.port.ArmFullscreenOnGesture},
	}

	out := make([]Outcome, 0, len(steps))
	for _, st := range steps {
		o := Outcome{Policy: st.name}
		if !st.enabled {
			o.Result = "disabled"
		} else {
			stepCtx, cancel := context.WithTimeout(ctx, stepTimeout)
			err := st.run(stepCtx)
			cancel()
			switch {
			case err == nil:
				o.Result = metrics.ResultSuccess
			case errors.Is(err, platform.ErrUnsupported):
				o.Result = metrics.ResultSkipped
			default:
				o.Result = metrics.ResultError
				o.Err = err
				log.Warn("policy apply failed", "policy", st.name, logging.KeyError, err)
			}
		}
		e.recorder.IncPolicyResult(o.Policy, o.Result)
		out = append(out, o)
	}
	return out
}
