package update

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/gemforge/terminal-agent/internal/logging"
	"github.com/gemforge/terminal-agent/internal/metrics"
)

// DefaultProbeTimeout bounds each readiness request.
const DefaultProbeTimeout = 4 * time.Second

// ReadinessProbe checks that both the version endpoint and the bootstrap
// page answer 2xx within the timeout.
type ReadinessProbe struct {
	src      Source
	timeout  time.Duration
	clock    clockwork.Clock
	recorder metrics.Recorder
	inFlight atomic.Bool
}

func NewReadinessProbe(src Source, timeout time.Duration, clock clockwork.Clock, recorder metrics.Recorder) *ReadinessProbe {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &ReadinessProbe{src: src, timeout: timeout, clock: clock, recorder: metrics.OrNoop(recorder)}
}

// IsReady runs both requests in parallel. An overlapping call returns false
// without issuing requests.
func (p *ReadinessProbe) IsReady(ctx context.Context) bool {
	if !p.inFlight.CompareAndSwap(false, true) {
		log.Debug("readiness probe already running")
		return false
	}
	defer p.inFlight.Store(false)

	cacheBust := strconv.FormatInt(p.clock.Now().UnixNano(), 36)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rctx, cancel := context.WithTimeout(gctx, p.timeout)
		defer cancel()
		if _, err := p.src.Version(rctx); err != nil {
			return fmt.Errorf("version: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		rctx, cancel := context.WithTimeout(gctx, p.timeout)
		defer cancel()
		if _, err := p.src.Bootstrap(rctx, cacheBust); err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
		return nil
	})

	err := g.Wait()
	ready := err == nil
	p.recorder.IncProbeResult(ready)
	if !ready {
		log.Info("server not ready for new build", logging.KeyError, err)
	}
	return ready
}
