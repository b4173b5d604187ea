package update

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/gemforge/terminal-agent/internal/logging"
	"github.com/gemforge/terminal-agent/internal/metrics"
	"github.com/gemforge/terminal-agent/internal/platform"
)

// ReloadMarker is the query parameter that forces a fresh document load.
const ReloadMarker = "__v"

const stepTimeout = 10 * time.Second

// ErrUpdateInProgress rejects a second concurrent Execute.
var ErrUpdateInProgress = errors.New("update: already in progress")

// Progress texts shown on the blocking overlay, in order.
const (
	StatusPreparing = "Updating terminal…"
	StatusReloading = "Loading the new version…"
)

// PageExecutor moves the kiosk page to the new build: unregister service
// workers, purge caches, show progress, then reload with a cache-busting
// marker.
type PageExecutor struct {
	port     platform.Port
	gate     *Gate
	clock    clockwork.Clock
	recorder metrics.Recorder
}

func NewPageExecutor(port platform.Port, gate *Gate, clock clockwork.Clock, recorder metrics.Recorder) *PageExecutor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &PageExecutor{port: port, gate: gate, clock: clock, recorder: metrics.OrNoop(recorder)}
}

// Execute runs the update. The gate stays claimed on success, until the
// caller resets its state for the reloaded page. On failure the gate is
// released and an error returned.
func (e *PageExecutor) Execute(ctx context.Context, c Commit) (err error) {
	if !e.gate.BeginUpdate() {
		return ErrUpdateInProgress
	}
	e.recorder.SetUpdating(true)
	log.Info("starting update", logging.KeyChannel, c.Channel, "targetVersion", c.To)

	defer func() {
		if r := recover(); r != nil {
			log.Error("update panicked, forcing hard reload", "panic", r, "stack", string(debug.Stack()))
			err = e.hardReload(ctx, fmt.Errorf("panic: %v", r))
		}
		if err != nil {
			e.gate.EndUpdate()
			e.recorder.SetUpdating(false)
		}
	}()

	// 1. Service workers
	if n, err := e.step(ctx, e.port.UnregisterServiceWorkers); err != nil {
		log.Warn("unregistering service workers failed", logging.KeyError, err)
	} else {
		log.Info("service workers unregistered", "count", n)
	}

	// 2. Named caches
	if n, err := e.step(ctx, e.port.PurgeCaches); err != nil {
		log.Warn("purging caches failed", logging.KeyError, err)
	} else {
		log.Info("caches purged", "count", n)
	}

	// 3. Blocking progress overlay
	e.progress(ctx, StatusPreparing)

	// 4. Reload with a cache-busting marker
	e.progress(ctx, StatusReloading)
	target, navErr := e.reloadURL(ctx)
	if navErr == nil {
		sctx, cancel := context.WithTimeout(ctx, stepTimeout)
		navErr = e.port.Navigate(sctx, target)
		cancel()
	}
	if navErr != nil {
		return e.hardReload(ctx, navErr)
	}

	log.Info("reloaded into new build", "url", target)
	return nil
}

func (e *PageExecutor) step(ctx context.Context, fn func(context.Context) (int, error)) (int, error) {
	sctx, cancel := context.WithTimeout(ctx, stepTimeout)
	defer cancel()
	return fn(sctx)
}

func (e *PageExecutor) progress(ctx context.Context, status string) {
	sctx, cancel := context.WithTimeout(ctx, stepTimeout)
	defer cancel()
	if err := e.port.ShowProgress(sctx, status); err != nil {
		log.Warn("progress overlay failed", logging.KeyError, err)
	}
}

func (e *PageExecutor) reloadURL(ctx context.Context) (string, error) {
	sctx, cancel := context.WithTimeout(ctx, stepTimeout)
	defer cancel()
	page, err := e.port.Page(sctx)
	if err != nil {
		return "", fmt.Errorf("read current url: %w", err)
	}
	return WithReloadMarker(page.URL, strconv.FormatInt(e.clock.Now().UnixMilli(), 36))
}

// hardReload is the fallback when the normal reload path fails. It returns
// nil if the reload went through.
func (e *PageExecutor) hardReload(ctx context.Context, cause error) error {
	log.Warn("falling back to hard reload", logging.KeyError, cause)
	sctx, cancel := context.WithTimeout(ctx, stepTimeout)
	defer cancel()
	if err := e.port.HardReload(sctx); err != nil {
		log.Error("hard reload also failed", "originalError", cause, "reloadError", err)
		return fmt.Errorf("reload failed: %w (hard reload also failed: %v)", cause, err)
	}
	return nil
}

// WithReloadMarker sets the reload marker on rawURL, keeping its path,
// other query parameters and fragment.
func WithReloadMarker(rawURL, value string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	q.Set(ReloadMarker, value)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
