// Package heartbeat reports terminal liveness to the server.
package heartbeat

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/host"

	"github.com/gemforge/terminal-agent/internal/health"
	"github.com/gemforge/terminal-agent/internal/logging"
	"github.com/gemforge/terminal-agent/internal/metrics"
	"github.com/gemforge/terminal-agent/internal/workerpool"
	"github.com/gemforge/terminal-agent/pkg/api"
)

var log = logging.L("heartbeat")

const sendTimeout = 15 * time.Second

// Sender posts a heartbeat.
type Sender interface {
	Heartbeat(ctx context.Context, req api.HeartbeatRequest) error
}

// Result says what happened to one Report call. Callers may ignore it;
// Report never fails loudly.
type Result struct {
	// Queued is false when the dispatch pool refused the send.
	Queued  bool
	Request api.HeartbeatRequest
}

// Reporter sends heartbeats on a dispatch pool so a hung server never
// stalls the caller.
type Reporter struct {
	sender   Sender
	pool     *workerpool.Pool
	monitor  *health.Monitor
	recorder metrics.Recorder

	mu       sync.Mutex
	lastSent time.Time
	lastErr  error
}

// NewReporter creates a reporter. monitor and recorder may be nil.
func NewReporter(sender Sender, pool *workerpool.Pool, monitor *health.Monitor, recorder metrics.Recorder) *Reporter {
	return &Reporter{sender: sender, pool: pool, monitor: monitor, recorder: metrics.OrNoop(recorder)}
}

// Report queues a heartbeat for terminalID. An empty buildID omits
// app_version.
func (r *Reporter) Report(terminalID, buildID, platform string) Result {
	req := api.HeartbeatRequest{TerminalID: terminalID, AppVersion: buildID, OSVersion: platform}
	ok := r.pool.Submit("heartbeat", func() { r.send(req) })
	if !ok {
		r.recorder.IncHeartbeat(metrics.ResultSkipped)
	}
	return Result{Queued: ok, Request: req}
}

func (r *Reporter) send(req api.HeartbeatRequest) {
	ctx, cancel := context.WithTimeout(r.pool.Context(), sendTimeout)
	defer cancel()

	err := r.sender.Heartbeat(ctx, req)

	r.mu.Lock()
	r.lastErr = err
	if err == nil {
		r.lastSent = time.Now()
	}
	r.mu.Unlock()

	if r.monitor != nil {
		r.monitor.Observe(health.ComponentHeartbeat, err)
	}
	if err != nil {
		r.recorder.IncHeartbeat(metrics.ResultError)
		log.Warn("heartbeat failed", logging.KeyTerminalID, req.TerminalID, logging.KeyError, err)
		return
	}
	r.recorder.IncHeartbeat(metrics.ResultSuccess)
	log.Debug("heartbeat sent", logging.KeyTerminalID, req.TerminalID, logging.KeyBuildID, req.AppVersion)
}

// LastSent returns the time of the last successful send and the error of
// the most recent attempt.
func (r *Reporter) LastSent() (time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSent, r.lastErr
}

// ChooseBuildID returns the first non-empty of the detector-confirmed build
// id, the build marker embedded in the page and the configured fallback.
func ChooseBuildID(confirmed, embedded, fallback string) string {
	for _, v := range []string{confirmed, embedded, fallback} {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

var (
	hostOnce sync.Once
	hostDesc string
)

func hostDescription() string {
	hostOnce.Do(func() {
		info, err := host.Info()
		if err != nil || info == nil {
			log.Debug("host info unavailable", logging.KeyError, err)
			hostDesc = runtime.GOOS + "/" + runtime.GOARCH
			return
		}
		parts := []string{info.Platform, info.PlatformVersion}
		if info.Platform == "" {
			parts = []string{info.OS}
		}
		desc := strings.TrimSpace(strings.Join(parts, " "))
		hostDesc = fmt.Sprintf("%s (%s %s)", desc, info.KernelArch, info.KernelVersion)
	})
	return hostDesc
}

// PlatformString describes the device for os_version: the host OS as seen
// by gopsutil, followed by the browser user agent when known.
func PlatformString(userAgent string) string {
	desc := hostDescription()
	if ua := strings.TrimSpace(userAgent); ua != "" {
		return desc + "; " + ua
	}
	return desc
}
