// Package control serves the agent's loopback HTTP surface: health,
// metrics, status and the pairing actions used by the kiosk overlay.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/netutil"

	"github.com/gemforge/terminal-agent/internal/health"
	"github.com/gemforge/terminal-agent/internal/logging"
	"github.com/gemforge/terminal-agent/internal/pairing"
)

var log = logging.L("control")

// maxConns caps concurrent connections; only the kiosk page and local
// tooling talk to this server.
const maxConns = 16

// Pairing is the subset of the pairing flow exposed over HTTP.
type Pairing interface {
	Code() string
	TerminalID() string
	Pair(ctx context.Context) error
	Regenerate(ctx context.Context) (string, error)
}

// Options configures the control server. Any nil field disables the
// matching endpoints. Browser requests are accepted only from
// AllowedOrigins; requests without an Origin header (local tooling) are
// always accepted.
type Options struct {
	Status         func() any
	Pairing        Pairing
	Monitor        *health.Monitor
	Metrics        http.Handler
	AllowedOrigins []string
}

type Server struct {
	opts Options
	srv  *http.Server
	ln   net.Listener
}

func New(opts Options) *Server {
	return &Server{opts: opts}
}

// Handler returns the routed handler with CORS applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	if s.opts.Monitor != nil {
		mux.HandleFunc("GET /healthz", s.handleHealth)
	}
	if s.opts.Metrics != nil {
		mux.Handle("GET /metrics", s.opts.Metrics)
	}
	if s.opts.Status != nil {
		mux.HandleFunc("GET /status", s.handleStatus)
	}
	if s.opts.Pairing != nil {
		mux.HandleFunc("GET /pairing", s.handlePairingState)
		mux.HandleFunc("POST /pairing/pair", s.handlePair)
		mux.HandleFunc("POST /pairing/regenerate", s.handleRegenerate)
	}
	return cors(s.opts.AllowedOrigins, mux)
}

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("control server listen on %s: %w", addr, err)
	}
	s.StartWithListener(ln)
	return nil
}

func (s *Server) StartWithListener(ln net.Listener) {
	s.ln = ln
	ln = netutil.LimitListener(ln, maxConns)
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("control server failed", logging.KeyError, err)
		}
	}()
	log.Info("control server listening", "addr", ln.Addr().String())
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("control server shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	summary := s.opts.Monitor.Summary()
	code := http.StatusOK
	if summary["status"] == string(health.Unhealthy) {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, summary)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Status())
}

type pairingState struct {
	Code       string `json:"code,omitempty"`
	Paired     bool   `json:"paired"`
	TerminalID string `json:"terminalId,omitempty"`
	Error      string `json:"error,omitempty"`
}

func (s *Server) state() pairingState {
	tid := s.opts.Pairing.TerminalID()
	return pairingState{Code: s.opts.Pairing.Code(), Paired: tid != "", TerminalID: tid}
}

func (s *Server) handlePairingState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.state())
}

func (s *Server) handlePair(w http.ResponseWriter, r *http.Request) {
	err := s.opts.Pairing.Pair(r.Context())
	st := s.state()
	if err == nil {
		writeJSON(w, http.StatusOK, st)
		return
	}

	st.Error = err.Error()
	switch {
	case errors.Is(err, pairing.ErrInFlight):
		writeJSON(w, http.StatusConflict, st)
	case errors.Is(err, pairing.ErrNotStarted):
		writeJSON(w, http.StatusPreconditionFailed, st)
	default:
		writeJSON(w, http.StatusUnprocessableEntity, st)
	}
}

func (s *Server) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	if _, err := s.opts.Pairing.Regenerate(r.Context()); err != nil {
		log.Warn("regenerating pairing code failed", logging.KeyError, err)
		st := s.state()
		st.Error = err.Error()
		writeJSON(w, http.StatusInternalServerError, st)
		return
	}
	writeJSON(w, http.StatusOK, s.state())
}

// OriginOf returns the scheme://host origin of raw, or "" when raw is not
// an absolute URL.
func OriginOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

// cors lets the kiosk page, served from the storefront origin, call the
// pairing endpoints. Any other page in the browser is refused outright,
// since a cross-origin POST would otherwise still reach the handler.
func cors(allowed []string, next http.Handler) http.Handler {
	ok := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o != "" {
			ok[o] = true
		}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		h := w.Header()
		h.Add("Vary", "Origin")
		if origin != "" {
			if !ok[origin] {
				log.Warn("refused cross-origin request", "origin", origin, "path", r.URL.Path)
				http.Error(w, "origin not allowed", http.StatusForbidden)
				return
			}
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug("writing response failed", logging.KeyError, err)
	}
}
