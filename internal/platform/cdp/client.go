// Package cdp drives the kiosk browser over the Chrome DevTools Protocol.
package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gemforge/terminal-agent/internal/logging"
)

var log = logging.L("cdp")

const (
	writeWait      = 10 * time.Second
	dialTimeout    = 10 * time.Second
	maxMessageSize = 4 << 20
)

// ErrNoTarget is returned when no page target matches the configured filter.
var ErrNoTarget = errors.New("cdp: no matching page target")

// ErrClosed is returned once the client has been stopped.
var ErrClosed = errors.New("cdp: client closed")

// Config holds DevTools connection settings.
type Config struct {
	// Endpoint is the DevTools HTTP endpoint (http://127.0.0.1:9222) or a
	// page websocket URL (ws://...) used as-is.
	Endpoint string
	// TargetMatch, when set, selects the first page whose URL contains it.
	TargetMatch string
}

// Target is one entry of the /json discovery listing.
type Target struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	Title                string `json:"title"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// ProtocolError is an error object returned by the browser.
type ProtocolError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

func (e *ProtocolError) Error() string {
	if e.Data != "" {
		return fmt.Sprintf("cdp error %d: %s (%s)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("cdp error %d: %s", e.Code, e.Message)
}

type message struct {
	ID     int64           `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params any             `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ProtocolError  `json:"error,omitempty"`
}

type reply struct {
	result json.RawMessage
	err    error
}

// Client is a lazily connected DevTools session. A dropped connection is
// redialed on the next call.
type Client struct {
	cfg        Config
	httpClient *http.Client

	connMu sync.Mutex
	conn   *websocket.Conn

	writeMu sync.Mutex
	nextID  atomic.Int64

	pendingMu sync.Mutex
	pending   map[int64]chan reply

	done     chan struct{}
	stopOnce sync.Once
}

// New creates a client. No connection is made until the first call.
func New(cfg Config) *Client {
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: dialTimeout},
		pending:    make(map[int64]chan reply),
		done:       make(chan struct{}),
	}
}

// Close ends the session.
func (c *Client) Close() error {
	c.stopOnce.Do(func() {
		close(c.done)

		c.connMu.Lock()
		if c.conn != nil {
			c.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait),
			)
			c.conn.Close()
			c.conn = nil
		}
		c.connMu.Unlock()

		log.Info("session closed")
	})
	return nil
}

// Targets lists the debuggable targets of the browser.
func (c *Client) Targets(ctx context.Context) ([]Target, error) {
	endpoint := strings.TrimRight(c.cfg.Endpoint, "/") + "/json"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list targets: status %d", resp.StatusCode)
	}

	var targets []Target
	if err := json.NewDecoder(resp.Body).Decode(&targets); err != nil {
		return nil, fmt.Errorf("decode targets: %w", err)
	}
	return targets, nil
}

func (c *Client) resolveWSURL(ctx context.Context) (string, error) {
	u, err := url.Parse(c.cfg.Endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	if u.Scheme == "ws" || u.Scheme == "wss" {
		return c.cfg.Endpoint, nil
	}

	targets, err := c.Targets(ctx)
	if err != nil {
		return "", err
	}
	for _, t := range targets {
		if t.Type != "page" || t.WebSocketDebuggerURL == "" {
			continue
		}
		if c.cfg.TargetMatch == "" || strings.Contains(t.URL, c.cfg.TargetMatch) {
			return t.WebSocketDebuggerURL, nil
		}
	}
	return "", ErrNoTarget
}

func (c *Client) ensureConn(ctx context.Context) (*websocket.Conn, error) {
	select {
	case <-c.done:
		return nil, ErrClosed
	default:
	}

	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}

	wsURL, err := c.resolveWSURL(ctx)
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)
	c.conn = conn
	log.Info("connected", "target", wsURL)

	go c.readPump(conn)
	return conn, nil
}

func (c *Client) readPump(conn *websocket.Conn) {
	var readErr error
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			readErr = err
			break
		}

		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn("failed to parse message", "error", err)
			continue
		}
		// Events carry a method but no id; nothing subscribes to them.
		if msg.ID == 0 {
			continue
		}

		c.pendingMu.Lock()
		ch, ok := c.pending[msg.ID]
		delete(c.pending, msg.ID)
		c.pendingMu.Unlock()
		if !ok {
			continue
		}
		if msg.Error != nil {
			ch <- reply{err: msg.Error}
		} else {
			ch <- reply{result: msg.Result}
		}
	}

	if websocket.IsUnexpectedCloseError(readErr, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
		log.Warn("read error", "error", readErr)
	}

	c.connMu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.connMu.Unlock()
	conn.Close()

	c.pendingMu.Lock()
	for id, ch := range c.pending {
		ch <- reply{err: fmt.Errorf("connection lost: %w", readErr)}
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
}

// Call invokes a protocol method and decodes its result into result when
// non-nil.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	conn, err := c.ensureConn(ctx)
	if err != nil {
		return err
	}

	id := c.nextID.Add(1)
	ch := make(chan reply, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	data, err := json.Marshal(message{ID: id, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", method, err)
	}

	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	err = conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("write %s: %w", method, err)
	}

	select {
	case r := <-ch:
		if r.err != nil {
			return fmt.Errorf("%s: %w", method, r.err)
		}
		if result != nil && len(r.result) > 0 {
			if err := json.Unmarshal(r.result, result); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

// ExceptionError is a JavaScript exception thrown by an evaluated script.
type ExceptionError struct {
	Text        string
	Description string
}

func (e *ExceptionError) Error() string {
	if e.Description != "" {
		return "script exception: " + e.Description
	}
	return "script exception: " + e.Text
}

type evaluateResult struct {
	Result struct {
		Type  string          `json:"type"`
		Value json.RawMessage `json:"value"`
	} `json:"result"`
	ExceptionDetails *struct {
		Text      string `json:"text"`
		Exception struct {
			Description string `json:"description"`
		} `json:"exception"`
	} `json:"exceptionDetails"`
}

// Evaluate runs expr in the page, awaiting a returned promise, and decodes
// the JSON value into out when non-nil.
func (c *Client) Evaluate(ctx context.Context, expr string, out any) error {
	params := map[string]any{
		"expression":    expr,
		"returnByValue": true,
		"awaitPromise":  true,
		"userGesture":   true,
	}
	var res evaluateResult
	if err := c.Call(ctx, "Runtime.evaluate", params, &res); err != nil {
		return err
	}
	if res.ExceptionDetails != nil {
		return &ExceptionError{Text: res.ExceptionDetails.Text, Description: res.ExceptionDetails.Exception.Description}
	}
	if out != nil && len(res.Result.Value) > 0 {
		if err := json.Unmarshal(res.Result.Value, out); err != nil {
			return fmt.Errorf("decode script value: %w", err)
		}
	}
	return nil
}
