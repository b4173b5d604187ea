// Package remoteconfig fetches per-terminal configuration with ETag caching.
package remoteconfig

import (
	"context"
	"sync"
	"time"

	"github.com/gemforge/terminal-agent/internal/logging"
	"github.com/gemforge/terminal-agent/internal/metrics"
	"github.com/gemforge/terminal-agent/pkg/api"
)

var log = logging.L("remoteconfig")

const fetchTimeout = 10 * time.Second

// RemoteConfig is one server-issued configuration document. Values are
// replaced wholesale, never mutated.
type RemoteConfig struct {
	Payload   map[string]any
	ETag      string
	FetchedAt time.Time
}

// Fetcher is the config endpoint.
type Fetcher interface {
	FetchConfig(ctx context.Context, terminalID, etag string) (*api.ConfigResponse, error)
}

// Poller holds the last known good config.
type Poller struct {
	fetcher  Fetcher
	recorder metrics.Recorder
	now      func() time.Time

	mu      sync.Mutex
	cached  *RemoteConfig
	lastErr error
}

func NewPoller(fetcher Fetcher, recorder metrics.Recorder) *Poller {
	return &Poller{fetcher: fetcher, recorder: metrics.OrNoop(recorder), now: time.Now}
}

// Fetch returns the current config for terminalID. A 304 returns the cached
// value itself; any failure returns the cached value or an empty config.
func (p *Poller) Fetch(ctx context.Context, terminalID string) *RemoteConfig {
	p.mu.Lock()
	cached := p.cached
	p.mu.Unlock()

	etag := ""
	if cached != nil {
		etag = cached.ETag
	}

	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()
	resp, err := p.fetcher.FetchConfig(ctx, terminalID, etag)
	p.mu.Lock()
	p.lastErr = err
	p.mu.Unlock()
	if err != nil {
		log.Warn("config fetch failed", logging.KeyTerminalID, terminalID, logging.KeyError, err)
		p.recorder.IncConfigFetch(metrics.ResultError)
		return orEmpty(cached)
	}
	if resp.NotModified {
		p.recorder.IncConfigFetch(metrics.ResultNotModified)
		if cached == nil {
			// 304 without a cache entry; nothing to reuse.
			return &RemoteConfig{Payload: map[string]any{}}
		}
		return cached
	}

	next := &RemoteConfig{Payload: resp.Payload, ETag: resp.ETag, FetchedAt: p.now()}
	if next.Payload == nil {
		next.Payload = map[string]any{}
	}
	p.mu.Lock()
	p.cached = next
	p.mu.Unlock()
	p.recorder.IncConfigFetch(metrics.ResultSuccess)
	log.Debug("config updated", "etag", next.ETag)
	return next
}

// Cached returns the last good config, or nil.
func (p *Poller) Cached() *RemoteConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cached
}

// LastErr returns the error of the most recent fetch, or nil.
func (p *Poller) LastErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

// Reset drops the cache.
func (p *Poller) Reset() {
	p.mu.Lock()
	p.cached = nil
	p.mu.Unlock()
}

func orEmpty(c *RemoteConfig) *RemoteConfig {
	if c != nil {
		return c
	}
	return &RemoteConfig{Payload: map[string]any{}}
}
