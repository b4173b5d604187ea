// Package platform defines the seam between the agent and whatever is
// rendering the kiosk page: a browser driven over the DevTools protocol in
// production, a fake in tests.
package platform

import (
	"context"
	"errors"
)

// ErrUnsupported is returned when the host cannot provide a capability
// (no wake lock API, fullscreen disallowed, ...). Callers treat it as a
// silent skip.
var ErrUnsupported = errors.New("platform: capability not supported")

// PageInfo describes the page currently loaded on the terminal.
type PageInfo struct {
	URL       string `json:"url"`
	Referrer  string `json:"referrer"`
	UserAgent string `json:"userAgent"`
	// BuildID is the build marker embedded in the page, if any.
	BuildID string `json:"buildId"`
}

// Port is everything the agent needs from the kiosk host.
type Port interface {
	Page(ctx context.Context) (PageInfo, error)
	// ReplaceURL rewrites the visible URL without navigating.
	ReplaceURL(ctx context.Context, url string) error

	ApplyViewportPolicy(ctx context.Context) error
	ApplyOverscrollPolicy(ctx context.Context) error
	AcquireWakeLock(ctx context.Context) error
	ArmFullscreenOnGesture(ctx context.Context) error

	UnregisterServiceWorkers(ctx context.Context) (int, error)
	PurgeCaches(ctx context.Context) (int, error)
	ShowProgress(ctx context.Context, status string) error
	Navigate(ctx context.Context, url string) error
	HardReload(ctx context.Context) error
}
