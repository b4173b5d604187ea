package pairing

import (
	"context"
	"regexp"
	"sync"

	"github.com/gemforge/terminal-agent/internal/identity"
	"github.com/gemforge/terminal-agent/internal/logging"
	"github.com/gemforge/terminal-agent/internal/platform"
)

// TerminalDetector decides whether this runtime is a dedicated terminal.
// A positive answer is latched for the process and persisted.
type TerminalDetector struct {
	ids       *identity.Store
	appMarker bool
	referrer  *regexp.Regexp

	mu      sync.Mutex
	latched bool
}

// NewTerminalDetector builds a detector. An empty referrerPattern disables
// referrer matching; the pattern is assumed to have passed config validation.
func NewTerminalDetector(ids *identity.Store, appMarker bool, referrerPattern string) *TerminalDetector {
	d := &TerminalDetector{ids: ids, appMarker: appMarker}
	if referrerPattern != "" {
		d.referrer = regexp.MustCompile(referrerPattern)
	}
	return d
}

// IsTerminal evaluates the app marker, the page referrer and the persisted
// flag. page may be the zero value when no page is attached.
func (d *TerminalDetector) IsTerminal(ctx context.Context, page platform.PageInfo) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.latched {
		return true
	}

	reason := ""
	switch {
	case d.appMarker:
		reason = "app_marker"
	case d.referrer != nil && page.Referrer != "" && d.referrer.MatchString(page.Referrer):
		reason = "referrer"
	default:
		flag, err := d.ids.TerminalFlag(ctx)
		if err != nil {
			log.Warn("reading terminal flag failed", logging.KeyError, err)
		}
		if flag {
			reason = "persisted"
		}
	}
	if reason == "" {
		return false
	}

	d.latched = true
	if reason != "persisted" {
		if err := d.ids.MarkTerminal(ctx); err != nil {
			log.Warn("persisting terminal flag failed", logging.KeyError, err)
		}
	}
	log.Info("terminal context detected", "reason", reason)
	return true
}
