// Package update detects new application builds and moves the terminal onto
// them once the server is confirmed to be serving them.
package update

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/gemforge/terminal-agent/internal/logging"
	"github.com/gemforge/terminal-agent/internal/metrics"
	"github.com/gemforge/terminal-agent/pkg/api"
)

var log = logging.L("update")

// Channel names.
const (
	ChannelBuildID  = "buildId"
	ChannelHTMLETag = "htmlETag"
	ChannelContent  = "contentSignature"
)

const sourceTimeout = 10 * time.Second

// Source serves the two documents the channels are derived from.
type Source interface {
	Version(ctx context.Context) (*api.VersionInfo, error)
	Bootstrap(ctx context.Context, cacheBust string) (*api.BootstrapPage, error)
}

// Commit describes a decision to move to a new build.
type Commit struct {
	Channel string `json:"channel" yaml:"channel"`
	From    string `json:"from,omitempty" yaml:"from,omitempty"`
	To      string `json:"to" yaml:"to"`
}

// Executor carries out a commit. A non-nil error means the terminal is
// still on the old build.
type Executor interface {
	Execute(ctx context.Context, c Commit) error
}

// Evaluation is one channel's outcome for a poll.
type Evaluation struct {
	Channel string
	Outcome Outcome
}

// PollResult summarises one Detector.Poll.
type PollResult struct {
	// Skipped is set when an update was already running.
	Skipped     bool
	Evaluations []Evaluation
	Commit      *Commit
	// ExecErr is the executor's error for Commit, if any.
	ExecErr error
}

type channel interface {
	Name() string
	Poll(ctx context.Context, w *Window, pass *Pass) Outcome
	Revert()
	Reset()
	State() ChannelState
	describeConfirmed() string
	describePrev() string
}

type sources struct {
	version    *api.VersionInfo
	versionErr error
	page       *api.BootstrapPage
	pageErr    error
}

// Detector runs the buildId, htmlETag and contentSignature channels. Any
// one of them may commit.
type Detector struct {
	src      Source
	window   *Window
	exec     Executor
	recorder metrics.Recorder

	buildID  *Signal[string]
	etag     *Signal[string]
	content  *Signal[[32]byte]
	channels []channel

	mu           sync.Mutex
	cur          sources
	terminalName string
	lastPoll     time.Time
}

// Config parameterises a Detector.
type Config struct {
	Debounce  time.Duration
	Threshold int
	Clock     clockwork.Clock
	Recorder  metrics.Recorder
}

func NewDetector(src Source, gate *Gate, probe Prober, exec Executor, cfg Config) *Detector {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Threshold < 1 {
		cfg.Threshold = 1
	}
	d := &Detector{
		src:      src,
		exec:     exec,
		recorder: metrics.OrNoop(cfg.Recorder),
		window: &Window{
			Gate:      gate,
			Probe:     probe,
			Clock:     cfg.Clock,
			Debounce:  cfg.Debounce,
			Threshold: cfg.Threshold,
		},
	}

	eqString := func(a, b string) bool { return a == b }
	id := func(s string) string { return s }
	d.buildID = NewSignal(ChannelBuildID, d.fetchBuildID, eqString, id)
	d.etag = NewSignal(ChannelHTMLETag, d.fetchETag, eqString, id)
	d.content = NewSignal(ChannelContent, d.fetchSignature,
		func(a, b [32]byte) bool { return a == b },
		func(v [32]byte) string { return hex.EncodeToString(v[:]) })
	d.channels = []channel{d.buildID, d.etag, d.content}
	return d
}

func (d *Detector) fetchBuildID(context.Context) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cur.versionErr != nil || d.cur.version == nil || d.cur.version.BuildID == "" {
		return "", false
	}
	return d.cur.version.BuildID, true
}

func (d *Detector) fetchETag(context.Context) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cur.pageErr != nil || d.cur.page == nil || d.cur.page.ETag == "" {
		return "", false
	}
	return d.cur.page.ETag, true
}

// fetchSignature hashes the bootstrap body, but only when the server sent no
// ETag for it.
func (d *Detector) fetchSignature(context.Context) ([32]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cur.pageErr != nil || d.cur.page == nil || d.cur.page.ETag != "" {
		return [32]byte{}, false
	}
	return sha256.Sum256(d.cur.page.Body), true
}

func (d *Detector) fetchSources(ctx context.Context) sources {
	var s sources
	cacheBust := strconv.FormatInt(d.window.Clock.Now().UnixNano(), 36)

	// Failures are kept per source so one channel's outage does not hide
	// the others.
	var g errgroup.Group
	g.Go(func() error {
		ctx, cancel := context.WithTimeout(ctx, sourceTimeout)
		defer cancel()
		s.version, s.versionErr = d.src.Version(ctx)
		return nil
	})
	g.Go(func() error {
		ctx, cancel := context.WithTimeout(ctx, sourceTimeout)
		defer cancel()
		s.page, s.pageErr = d.src.Bootstrap(ctx, cacheBust)
		return nil
	})
	_ = g.Wait()

	if s.versionErr != nil {
		log.Debug("version fetch failed", logging.KeyError, s.versionErr)
	}
	if s.pageErr != nil {
		log.Debug("bootstrap fetch failed", logging.KeyError, s.pageErr)
	}
	return s
}

// Poll evaluates every channel once. Nothing is evaluated while an update
// is running. On commit the executor is invoked and later channels are not
// evaluated.
func (d *Detector) Poll(ctx context.Context) PollResult {
	if d.window.Gate.Updating() {
		return PollResult{Skipped: true}
	}

	s := d.fetchSources(ctx)
	d.mu.Lock()
	d.cur = s
	d.lastPoll = d.window.Clock.Now()
	if s.version != nil && s.version.TerminalName != "" {
		d.terminalName = s.version.TerminalName
	}
	d.mu.Unlock()

	var res PollResult
	pass := &Pass{}
	for _, ch := range d.channels {
		out := ch.Poll(ctx, d.window, pass)
		d.recorder.IncSignalOutcome(ch.Name(), string(out))
		res.Evaluations = append(res.Evaluations, Evaluation{Channel: ch.Name(), Outcome: out})

		switch out {
		case OutcomeBaseline:
			log.Info("baseline established", logging.KeyChannel, ch.Name(), "value", ch.describeConfirmed())
		case OutcomePending:
			log.Info("new candidate observed", logging.KeyChannel, ch.Name(), "candidate", ch.State().Pending)
		case OutcomeNotReady:
			log.Info("candidate not ready yet", logging.KeyChannel, ch.Name())
		}
		if out != OutcomeCommit {
			continue
		}

		c := Commit{Channel: ch.Name(), From: ch.describePrev(), To: ch.describeConfirmed()}
		d.recorder.IncUpdateCommit(c.Channel)
		log.Info("update committed", logging.KeyChannel, c.Channel, "from", c.From, "to", c.To)
		res.Commit = &c
		if err := d.exec.Execute(ctx, c); err != nil {
			log.Error("update execution failed", logging.KeyChannel, c.Channel, logging.KeyError, err)
			ch.Revert()
			res.ExecErr = err
		}
		break
	}
	return res
}

// Reset discards every channel's state and the gate, as after a reload.
func (d *Detector) Reset() {
	for _, ch := range d.channels {
		ch.Reset()
	}
	d.window.Gate.Reset()
	d.mu.Lock()
	d.cur = sources{}
	d.mu.Unlock()
}

// ConfirmedBuildID returns the build id confirmed by the buildId channel.
func (d *Detector) ConfirmedBuildID() string {
	v, _ := d.buildID.Confirmed()
	return v
}

// TerminalName returns the name last reported by the version endpoint.
func (d *Detector) TerminalName() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.terminalName
}

// States returns a view of every channel.
func (d *Detector) States() []ChannelState {
	out := make([]ChannelState, 0, len(d.channels))
	for _, ch := range d.channels {
		out = append(out, ch.State())
	}
	return out
}

// LastPoll returns when the detector last fetched its sources.
func (d *Detector) LastPoll() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastPoll
}

// Gate returns the shared commit gate.
func (d *Detector) Gate() *Gate {
	return d.window.Gate
}
