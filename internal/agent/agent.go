package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"

	"github.com/gemforge/terminal-agent/internal/config"
	"github.com/gemforge/terminal-agent/internal/health"
	"github.com/gemforge/terminal-agent/internal/heartbeat"
	"github.com/gemforge/terminal-agent/internal/identity"
	"github.com/gemforge/terminal-agent/internal/logging"
	"github.com/gemforge/terminal-agent/internal/metrics"
	"github.com/gemforge/terminal-agent/internal/pairing"
	"github.com/gemforge/terminal-agent/internal/platform"
	"github.com/gemforge/terminal-agent/internal/policy"
	"github.com/gemforge/terminal-agent/internal/remoteconfig"
	"github.com/gemforge/terminal-agent/internal/store"
	"github.com/gemforge/terminal-agent/internal/update"
	"github.com/gemforge/terminal-agent/internal/workerpool"
)

var log = logging.L("agent")

// Tick modes.
const (
	ModeFull    = "full"
	ModeReduced = "reduced"
	ModeUpdate  = "update"
)

const pageTimeout = 5 * time.Second

var errServerUnavailable = errors.New("version endpoint and bootstrap page unavailable")

// Server is everything the agent needs from the storefront server.
// *api.Client satisfies it.
type Server interface {
	pairing.Pairer
	heartbeat.Sender
	remoteconfig.Fetcher
	update.Source
}

// Options wires an Agent. Config, Server, Port and Store are required.
type Options struct {
	Config    *config.Config
	Server    Server
	Port      platform.Port
	Store     store.Store
	Presenter pairing.Presenter
	Clock     clockwork.Clock
	Recorder  metrics.Recorder
	Monitor   *health.Monitor
	Pool      *workerpool.Pool
	// Executor overrides the page executor, mainly for tests.
	Executor update.Executor
}

// TickResult describes what one tick did.
type TickResult struct {
	Mode      string
	Poll      update.PollResult
	Config    *remoteconfig.RemoteConfig
	Policies  []policy.Outcome
	Heartbeat *heartbeat.Result
}

// Agent coordinates the terminal components on a fixed interval.
type Agent struct {
	cfg      *config.Config
	port     platform.Port
	clock    clockwork.Clock
	recorder metrics.Recorder
	monitor  *health.Monitor
	pool     *workerpool.Pool

	ids      *identity.Store
	terminal *pairing.TerminalDetector
	pairing  *pairing.Flow
	gate     *update.Gate
	detector *update.Detector
	poller   *remoteconfig.Poller
	enforcer *policy.Enforcer
	reporter *heartbeat.Reporter

	mu             sync.Mutex
	terminalID     string
	pairingStarted bool
	lastTick       time.Time
	lastMode       string
	ticks          int
	lastCommit     *update.Commit
	lastPolicies   []policy.Outcome

	sched gocron.Scheduler
	job   gocron.Job
}

func New(opts Options) (*Agent, error) {
	if opts.Config == nil || opts.Server == nil || opts.Port == nil || opts.Store == nil {
		return nil, errors.New("agent: config, server, port and store are required")
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Monitor == nil {
		opts.Monitor = health.NewMonitor()
	}
	if opts.Pool == nil {
		opts.Pool = workerpool.New(2, 16)
	}
	rec := metrics.OrNoop(opts.Recorder)

	a := &Agent{
		cfg:      opts.Config,
		port:     opts.Port,
		clock:    opts.Clock,
		recorder: rec,
		monitor:  opts.Monitor,
		pool:     opts.Pool,
		gate:     &update.Gate{},
	}
	a.ids = identity.New(opts.Store, opts.Port)
	a.terminal = pairing.NewTerminalDetector(a.ids, opts.Config.Terminal.AppMarker, opts.Config.Terminal.ReferrerPattern)
	a.pairing = pairing.New(a.ids, opts.Server, opts.Presenter,
		pairing.WithClock(opts.Clock), pairing.WithRecorder(rec))

	exec := opts.Executor
	if exec == nil {
		exec = update.NewPageExecutor(opts.Port, a.gate, opts.Clock, rec)
	}
	probe := update.NewReadinessProbe(opts.Server, opts.Config.ReadinessTimeout(), opts.Clock, rec)
	a.detector = update.NewDetector(opts.Server, a.gate, probe, exec, update.Config{
		Debounce:  opts.Config.Debounce(),
		Threshold: opts.Config.ReadyStreakThreshold,
		Clock:     opts.Clock,
		Recorder:  rec,
	})
	a.poller = remoteconfig.NewPoller(opts.Server, rec)
	a.enforcer = policy.NewEnforcer(opts.Port, rec)
	a.reporter = heartbeat.NewReporter(opts.Server, opts.Pool, opts.Monitor, rec)
	return a, nil
}

// Pairing exposes the pairing flow for the control server and the TUI.
func (a *Agent) Pairing() *pairing.Flow {
	return a.pairing
}

// Start resolves the identity and schedules the tick: once immediately,
// then every poll interval. Ticks never overlap.
func (a *Agent) Start(ctx context.Context) error {
	if id := a.resolveIdentity(ctx); id == "" {
		a.maybeStartPairing(ctx)
	}

	s, err := gocron.NewScheduler(gocron.WithClock(a.clock))
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	job, err := s.NewJob(
		gocron.DurationJob(a.cfg.PollInterval()),
		gocron.NewTask(a.runTick),
		gocron.WithContext(ctx),
		gocron.WithName("agent-tick"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		_ = s.Shutdown()
		return fmt.Errorf("failed to schedule tick: %w", err)
	}
	a.sched = s
	a.job = job

	go a.watchPairing(ctx)

	log.Info("agent started", "pollInterval", a.cfg.PollInterval().String())
	s.Start()
	return nil
}

// Stop shuts the scheduler down and drains pending heartbeats until ctx
// expires.
func (a *Agent) Stop(ctx context.Context) error {
	var err error
	if a.sched != nil {
		if serr := a.sched.Shutdown(); serr != nil {
			err = fmt.Errorf("scheduler shutdown: %w", serr)
		}
	}
	a.pool.Drain(ctx)
	log.Info("agent stopped")
	return err
}

// RunNow triggers an out-of-band tick.
func (a *Agent) RunNow() {
	if a.job == nil {
		return
	}
	if err := a.job.RunNow(); err != nil {
		log.Warn("immediate tick failed to start", logging.KeyError, err)
	}
}

func (a *Agent) watchPairing(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-a.pairing.Done():
		a.setTerminalID(a.pairing.TerminalID())
		a.RunNow()
	}
}

func (a *Agent) runTick(ctx context.Context) {
	a.Tick(ctx)
}

// Tick runs one iteration: update detection, then config, policies and
// heartbeat once the terminal is paired.
func (a *Agent) Tick(ctx context.Context) TickResult {
	start := a.clock.Now()
	tid := a.currentID(ctx)
	res := TickResult{Mode: ModeReduced}

	res.Poll = a.detector.Poll(ctx)
	if !res.Poll.Skipped {
		a.monitor.Observe(health.ComponentServer, serverErr(res.Poll))
	}
	if c := res.Poll.Commit; c != nil {
		a.monitor.Observe(health.ComponentUpdate, res.Poll.ExecErr)
		if res.Poll.ExecErr == nil {
			a.afterReload(*c)
			res.Mode = ModeUpdate
			a.finishTick(start, res)
			return res
		}
	}

	if tid == "" {
		a.finishTick(start, res)
		return res
	}

	res.Mode = ModeFull
	res.Config = a.poller.Fetch(ctx, tid)
	a.monitor.Observe(health.ComponentConfig, a.poller.LastErr())
	res.Policies = a.enforcer.Apply(ctx, policy.FromPayload(res.Config.Payload))

	page := a.page(ctx)
	buildID := heartbeat.ChooseBuildID(a.detector.ConfirmedBuildID(), page.BuildID, a.cfg.FallbackBuildID)
	hb := a.reporter.Report(tid, buildID, heartbeat.PlatformString(page.UserAgent))
	res.Heartbeat = &hb

	a.finishTick(start, res)
	return res
}

// serverErr reports the server as down when no channel could read a value.
func serverErr(res update.PollResult) error {
	for _, e := range res.Evaluations {
		if e.Outcome != update.OutcomeUnavailable {
			return nil
		}
	}
	return errServerUnavailable
}

func (a *Agent) finishTick(start time.Time, res TickResult) {
	d := a.clock.Since(start)
	a.recorder.ObserveTick(res.Mode, d)

	a.mu.Lock()
	a.lastTick = start
	a.lastMode = res.Mode
	a.ticks++
	if res.Policies != nil {
		a.lastPolicies = res.Policies
	}
	a.mu.Unlock()

	log.Debug("tick finished", "mode", res.Mode, logging.KeyDurationMs, d.Milliseconds())
}

// afterReload drops everything a fresh page would not have: signal state,
// the commit gate and the config cache. Identity survives.
func (a *Agent) afterReload(c update.Commit) {
	a.detector.Reset()
	a.poller.Reset()
	a.recorder.SetUpdating(false)

	a.mu.Lock()
	a.lastCommit = &c
	unpaired := a.terminalID == "" && a.pairingStarted
	a.mu.Unlock()
	log.Info("update applied, state reset", logging.KeyChannel, c.Channel, "version", c.To)

	// The new page has no pairing overlay.
	if unpaired {
		a.pairing.Present()
	}
}

func (a *Agent) currentID(ctx context.Context) string {
	a.mu.Lock()
	tid := a.terminalID
	a.mu.Unlock()
	if tid != "" {
		return tid
	}
	if id := a.pairing.TerminalID(); id != "" {
		a.setTerminalID(id)
		return id
	}
	if id := a.resolveIdentity(ctx); id != "" {
		return id
	}
	a.maybeStartPairing(ctx)
	return ""
}

func (a *Agent) resolveIdentity(ctx context.Context) string {
	id, err := a.ids.Resolve(ctx)
	a.monitor.Observe(health.ComponentStore, err)
	if err != nil {
		log.Warn("resolving terminal id failed", logging.KeyError, err)
		return ""
	}
	if id != "" {
		a.setTerminalID(id)
	}
	return id
}

func (a *Agent) setTerminalID(id string) {
	a.mu.Lock()
	changed := a.terminalID != id
	a.terminalID = id
	a.mu.Unlock()
	a.recorder.SetPaired(id != "")
	if changed && id != "" {
		logging.WithTerminal(log, id).Info("terminal identified")
	}
}

// maybeStartPairing shows the pairing code once the runtime is known to be
// a dedicated terminal. Ordinary browsers stay on the reduced loop. Once
// started, every call redraws the code so a reloaded page gets it back.
func (a *Agent) maybeStartPairing(ctx context.Context) {
	a.mu.Lock()
	started := a.pairingStarted
	a.mu.Unlock()
	if started {
		a.pairing.Present()
		return
	}
	if !a.terminal.IsTerminal(ctx, a.page(ctx)) {
		log.Debug("not a dedicated terminal, pairing not offered")
		return
	}
	if _, err := a.pairing.Start(ctx); err != nil {
		log.Warn("starting pairing failed", logging.KeyError, err)
		return
	}
	a.mu.Lock()
	a.pairingStarted = true
	a.mu.Unlock()
}

func (a *Agent) page(ctx context.Context) platform.PageInfo {
	pctx, cancel := context.WithTimeout(ctx, pageTimeout)
	defer cancel()
	page, err := a.port.Page(pctx)
	a.monitor.Observe(health.ComponentBrowser, err)
	if err != nil {
		log.Debug("reading page info failed", logging.KeyError, err)
		return platform.PageInfo{}
	}
	return page
}
