package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gemforge/terminal-agent/internal/platform"
)

type inbound struct {
	ID     int64          `json:"id"`
	Method string         `json:"method"`
	Params map[string]any `json:"params"`
}

// devtools is a minimal DevTools endpoint: /json lists one page target and
// /devtools/page/1 answers calls through handle.
type devtools struct {
	srv    *httptest.Server
	mu     sync.Mutex
	calls  []inbound
	handle func(in inbound) map[string]any
}

func newDevtools(t *testing.T, handle func(in inbound) map[string]any) *devtools {
	d := &devtools{handle: handle}
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/json", func(w http.ResponseWriter, r *http.Request) {
		ws := "ws" + strings.TrimPrefix(d.srv.URL, "http") + "/devtools/page/1"
		_ = json.NewEncoder(w).Encode([]Target{
			{ID: "0", Type: "service_worker", URL: "https://shop.example/sw.js", WebSocketDebuggerURL: ws + "x"},
			{ID: "1", Type: "page", URL: "https://shop.example/terminal", WebSocketDebuggerURL: ws},
		})
	})
	mux.HandleFunc("/devtools/page/1", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var in inbound
			if err := conn.ReadJSON(&in); err != nil {
				return
			}
			d.mu.Lock()
			d.calls = append(d.calls, in)
			d.mu.Unlock()
			out := d.handle(in)
			out["id"] = in.ID
			if err := conn.WriteJSON(out); err != nil {
				return
			}
		}
	})
	d.srv = httptest.NewServer(mux)
	t.Cleanup(d.srv.Close)
	return d
}

func (d *devtools) methods() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for _, c := range d.calls {
		out = append(out, c.Method)
	}
	return out
}

func value(v any) map[string]any {
	return map[string]any{"result": map[string]any{"result": map[string]any{"type": "object", "value": v}}}
}

func ctx(t *testing.T) context.Context {
	c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return c
}

func TestTargetDiscoveryPicksMatchingPage(t *testing.T) {
	d := newDevtools(t, func(in inbound) map[string]any { return value("ok") })
	c := New(Config{Endpoint: d.srv.URL, TargetMatch: "/terminal"})
	defer c.Close()

	ws, err := c.resolveWSURL(ctx(t))
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(ws, "/devtools/page/1"))

	c2 := New(Config{Endpoint: d.srv.URL, TargetMatch: "/admin"})
	_, err = c2.resolveWSURL(ctx(t))
	assert.ErrorIs(t, err, ErrNoTarget)
}

func TestPageInfo(t *testing.T) {
	d := newDevtools(t, func(in inbound) map[string]any {
		return value(map[string]any{
			"url":       "https://shop.example/terminal?tid=x",
			"referrer":  "",
			"userAgent": "Kiosk/1",
			"buildId":   "100",
		})
	})
	b := NewBrowser(New(Config{Endpoint: d.srv.URL}))
	defer b.Client().Close()

	info, err := b.Page(ctx(t))
	require.NoError(t, err)
	assert.Equal(t, "100", info.BuildID)
	assert.Equal(t, "Kiosk/1", info.UserAgent)
	assert.Equal(t, []string{"Runtime.evaluate"}, d.methods())
}

func TestUnsupportedCapabilityMapsToErrUnsupported(t *testing.T) {
	d := newDevtools(t, func(in inbound) map[string]any { return value("unsupported") })
	b := NewBrowser(New(Config{Endpoint: d.srv.URL}))
	defer b.Client().Close()

	assert.ErrorIs(t, b.AcquireWakeLock(ctx(t)), platform.ErrUnsupported)
}

func TestScriptExceptionAndProtocolError(t *testing.T) {
	d := newDevtools(t, func(in inbound) map[string]any {
		if in.Method == "Page.reload" {
			return map[string]any{"error": map[string]any{"code": -32000, "message": "Not attached"}}
		}
		return map[string]any{"result": map[string]any{
			"result":           map[string]any{"type": "object"},
			"exceptionDetails": map[string]any{"text": "Uncaught", "exception": map[string]any{"description": "TypeError: x"}},
		}}
	})
	b := NewBrowser(New(Config{Endpoint: d.srv.URL}))
	defer b.Client().Close()

	var exc *ExceptionError
	require.ErrorAs(t, b.ApplyViewportPolicy(ctx(t)), &exc)
	assert.Contains(t, exc.Error(), "TypeError")

	var perr *ProtocolError
	require.ErrorAs(t, b.HardReload(ctx(t)), &perr)
	assert.Equal(t, -32000, perr.Code)
}

func TestNavigateErrorText(t *testing.T) {
	d := newDevtools(t, func(in inbound) map[string]any {
		assert.Equal(t, "https://shop.example/?__v=1", in.Params["url"])
		return map[string]any{"result": map[string]any{"frameId": "f", "errorText": "net::ERR_CONNECTION_REFUSED"}}
	})
	b := NewBrowser(New(Config{Endpoint: d.srv.URL}))
	defer b.Client().Close()

	err := b.Navigate(ctx(t), "https://shop.example/?__v=1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ERR_CONNECTION_REFUSED")
}

func TestPurgeCachesClearsHTTPCache(t *testing.T) {
	d := newDevtools(t, func(in inbound) map[string]any {
		if in.Method == "Runtime.evaluate" {
			return value(3)
		}
		return map[string]any{"result": map[string]any{}}
	})
	b := NewBrowser(New(Config{Endpoint: d.srv.URL}))
	defer b.Client().Close()

	n, err := b.PurgeCaches(ctx(t))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"Runtime.evaluate", "Network.clearBrowserCache"}, d.methods())
}

func TestCallAfterCloseFails(t *testing.T) {
	c := New(Config{Endpoint: "http://127.0.0.1:1"})
	require.NoError(t, c.Close())
	err := c.Call(context.Background(), "Page.reload", nil, nil)
	assert.True(t, errors.Is(err, ErrClosed))
}

func (d *devtools) expressions() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for _, c := range d.calls {
		if e, ok := c.Params["expression"].(string); ok {
			out = append(out, e)
		}
	}
	return out
}

func TestFullscreenListenerRearmsAfterGesture(t *testing.T) {
	d := newDevtools(t, func(in inbound) map[string]any { return value("armed") })
	b := NewBrowser(New(Config{Endpoint: d.srv.URL}))
	defer b.Client().Close()

	require.NoError(t, b.ArmFullscreenOnGesture(ctx(t)))
	require.NoError(t, b.ArmFullscreenOnGesture(ctx(t)))

	exprs := d.expressions()
	require.Len(t, exprs, 2, "every apply reaches the page")
	listener := exprs[1][strings.Index(exprs[1], `addEventListener("pointerdown"`):]
	assert.Contains(t, listener, "__terminalFullscreenArmed = false",
		"a consumed gesture listener clears the flag so the next apply registers a new one")
	assert.Contains(t, listener, "once: true")
}

func TestPairingOverlayRedrawIsIdempotent(t *testing.T) {
	d := newDevtools(t, func(in inbound) map[string]any { return value("ok") })
	c := New(Config{Endpoint: d.srv.URL})
	defer c.Close()
	o := NewPairingOverlay(c, "http://127.0.0.1:9464")

	o.ShowCode("042917")
	o.ShowInvalid()

	exprs := d.expressions()
	require.Len(t, exprs, 2)
	assert.Contains(t, exprs[0], `"code":"042917"`)
	assert.Contains(t, exprs[0], "el.dataset.key === key")
	assert.Contains(t, exprs[1], `"invalid":true`)
}
