package cdp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gemforge/terminal-agent/internal/platform"
)

// Browser implements platform.Port on top of a DevTools session.
type Browser struct {
	c *Client
}

var _ platform.Port = (*Browser)(nil)

func NewBrowser(c *Client) *Browser {
	return &Browser{c: c}
}

// Client returns the underlying session.
func (b *Browser) Client() *Client {
	return b.c
}

func jsString(s string) string {
	data, _ := json.Marshal(s)
	return string(data)
}

func (b *Browser) evalStatus(ctx context.Context, script string) error {
	var status string
	if err := b.c.Evaluate(ctx, script, &status); err != nil {
		return err
	}
	if status == "unsupported" {
		return platform.ErrUnsupported
	}
	return nil
}

func (b *Browser) Page(ctx context.Context) (platform.PageInfo, error) {
	var info platform.PageInfo
	if err := b.c.Evaluate(ctx, pageInfoScript, &info); err != nil {
		return platform.PageInfo{}, fmt.Errorf("read page info: %w", err)
	}
	return info, nil
}

func (b *Browser) ReplaceURL(ctx context.Context, u string) error {
	return b.c.Evaluate(ctx, fmt.Sprintf(replaceURLScript, jsString(u)), nil)
}

func (b *Browser) ApplyViewportPolicy(ctx context.Context) error {
	return b.evalStatus(ctx, viewportScript)
}

func (b *Browser) ApplyOverscrollPolicy(ctx context.Context) error {
	return b.evalStatus(ctx, overscrollScript)
}

func (b *Browser) AcquireWakeLock(ctx context.Context) error {
	return b.evalStatus(ctx, wakeLockScript)
}

func (b *Browser) ArmFullscreenOnGesture(ctx context.Context) error {
	return b.evalStatus(ctx, fullscreenScript)
}

func (b *Browser) UnregisterServiceWorkers(ctx context.Context) (int, error) {
	var n int
	if err := b.c.Evaluate(ctx, unregisterWorkersScript, &n); err != nil {
		return 0, err
	}
	return n, nil
}

// PurgeCaches deletes every Cache Storage entry and clears the HTTP cache.
func (b *Browser) PurgeCaches(ctx context.Context) (int, error) {
	var n int
	if err := b.c.Evaluate(ctx, purgeCachesScript, &n); err != nil {
		return 0, err
	}
	if err := b.c.Call(ctx, "Network.clearBrowserCache", nil, nil); err != nil {
		return n, err
	}
	return n, nil
}

func (b *Browser) ShowProgress(ctx context.Context, status string) error {
	return b.c.Evaluate(ctx, fmt.Sprintf(progressScript, jsString(status)), nil)
}

func (b *Browser) Navigate(ctx context.Context, u string) error {
	var res struct {
		ErrorText string `json:"errorText"`
	}
	if err := b.c.Call(ctx, "Page.navigate", map[string]any{"url": u}, &res); err != nil {
		return err
	}
	if res.ErrorText != "" {
		return fmt.Errorf("navigate: %s", res.ErrorText)
	}
	return nil
}

func (b *Browser) HardReload(ctx context.Context) error {
	return b.c.Call(ctx, "Page.reload", map[string]any{"ignoreCache": true}, nil)
}
