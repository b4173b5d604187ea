// Package pairing runs the one-time code handshake that gives an unpaired
// terminal its device id.
package pairing

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/gemforge/terminal-agent/internal/identity"
	"github.com/gemforge/terminal-agent/internal/logging"
	"github.com/gemforge/terminal-agent/internal/metrics"
	"github.com/gemforge/terminal-agent/pkg/api"
)

var log = logging.L("pairing")

// InvalidDisplay is how long "Invalid Code" stays up before the code returns.
const InvalidDisplay = 1200 * time.Millisecond

var (
	// ErrInFlight rejects a Pair call while another is running.
	ErrInFlight = errors.New("pairing: request already in flight")
	// ErrNotStarted is returned by Pair before Start has produced a code.
	ErrNotStarted = errors.New("pairing: no code issued")
	// ErrInvalidCode is returned when the server does not accept the code.
	ErrInvalidCode = errors.New("pairing: invalid code")
)

// Presenter shows pairing state to whoever is standing at the terminal.
type Presenter interface {
	ShowCode(code string)
	ShowInvalid()
	Dismiss()
}

// Pairer exchanges a code for a device id.
type Pairer interface {
	Pair(ctx context.Context, code string) (*api.PairResponse, error)
}

// Flow owns the pairing code and the pair action.
type Flow struct {
	ids       *identity.Store
	pairer    Pairer
	presenter Presenter
	clock     clockwork.Clock
	recorder  metrics.Recorder

	mu         sync.Mutex
	code       string
	terminalID string
	revert     clockwork.Timer

	inFlight atomic.Bool
	done     chan struct{}
	doneOnce sync.Once
}

type Option func(*Flow)

func WithClock(c clockwork.Clock) Option {
	return func(f *Flow) { f.clock = c }
}

func WithRecorder(r metrics.Recorder) Option {
	return func(f *Flow) { f.recorder = metrics.OrNoop(r) }
}

// New creates a flow. presenter may be nil, in which case the code is only
// logged.
func New(ids *identity.Store, pairer Pairer, presenter Presenter, opts ...Option) *Flow {
	f := &Flow{
		ids:       ids,
		pairer:    pairer,
		presenter: presenter,
		clock:     clockwork.NewRealClock(),
		recorder:  metrics.NoopRecorder{},
		done:      make(chan struct{}),
	}
	if f.presenter == nil {
		f.presenter = LogPresenter{}
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// SetPresenter swaps the presenter, e.g. when the TUI attaches.
func (f *Flow) SetPresenter(p Presenter) {
	f.mu.Lock()
	f.presenter = p
	code := f.code
	f.mu.Unlock()
	if code != "" {
		p.ShowCode(code)
	}
}

// GenerateCode returns a uniformly random 6-digit code, zero padded.
func GenerateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("generate pairing code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

func validCode(s string) bool {
	if len(s) != 6 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Start reuses the persisted code or issues a new one, then presents it.
func (f *Flow) Start(ctx context.Context) (string, error) {
	code, err := f.ids.PairingCode(ctx)
	if err != nil {
		return "", err
	}
	if !validCode(code) {
		code, err = GenerateCode()
		if err != nil {
			return "", err
		}
		if err := f.ids.SavePairingCode(ctx, code); err != nil {
			return "", err
		}
	}

	f.mu.Lock()
	f.code = code
	p := f.presenter
	f.mu.Unlock()

	log.Info("terminal awaiting pairing", "code", code)
	p.ShowCode(code)
	return code, nil
}

// Present redraws the current code, e.g. after the page reloaded and lost
// its overlay. Nothing is drawn before Start, after pairing or while
// "Invalid Code" is up. It reports whether the code was shown.
func (f *Flow) Present() bool {
	f.mu.Lock()
	code, p, reverting := f.code, f.presenter, f.revert != nil
	f.mu.Unlock()
	if code == "" || reverting {
		return false
	}
	p.ShowCode(code)
	return true
}

// Code returns the code currently on display.
func (f *Flow) Code() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.code
}

// Regenerate replaces the code with a fresh one. No network call is made.
func (f *Flow) Regenerate(ctx context.Context) (string, error) {
	code, err := GenerateCode()
	if err != nil {
		return "", err
	}
	if err := f.ids.SavePairingCode(ctx, code); err != nil {
		return "", err
	}

	f.mu.Lock()
	f.code = code
	f.stopRevertLocked()
	p := f.presenter
	f.mu.Unlock()

	log.Info("pairing code regenerated", "code", code)
	p.ShowCode(code)
	return code, nil
}

// Pair submits the current code. On success the id is persisted, the
// presenter dismissed and Done closed. On any failure the presenter shows
// "Invalid Code" briefly and persisted state is left untouched.
func (f *Flow) Pair(ctx context.Context) error {
	if !f.inFlight.CompareAndSwap(false, true) {
		f.recorder.IncPairingAttempt(metrics.ResultBusy)
		return ErrInFlight
	}
	defer f.inFlight.Store(false)

	code := f.Code()
	if code == "" {
		return ErrNotStarted
	}

	resp, err := f.pairer.Pair(ctx, code)
	if err == nil && (resp == nil || !identity.ValidID(resp.TerminalID)) {
		err = ErrInvalidCode
	}
	if err != nil {
		log.Warn("pairing failed", logging.KeyError, err)
		f.recorder.IncPairingAttempt(metrics.ResultInvalid)
		f.showInvalid()
		return fmt.Errorf("pair: %w", err)
	}

	if err := f.ids.CompletePairing(ctx, resp.TerminalID); err != nil {
		f.recorder.IncPairingAttempt(metrics.ResultError)
		f.showInvalid()
		return err
	}

	f.mu.Lock()
	f.terminalID = resp.TerminalID
	f.code = ""
	f.stopRevertLocked()
	p := f.presenter
	f.mu.Unlock()

	f.recorder.IncPairingAttempt(metrics.ResultSuccess)
	log.Info("terminal paired", logging.KeyTerminalID, resp.TerminalID)
	p.Dismiss()
	f.doneOnce.Do(func() { close(f.done) })
	return nil
}

func (f *Flow) showInvalid() {
	f.mu.Lock()
	f.stopRevertLocked()
	p := f.presenter
	f.revert = f.clock.AfterFunc(InvalidDisplay, func() {
		f.mu.Lock()
		code := f.code
		p := f.presenter
		f.revert = nil
		f.mu.Unlock()
		if code != "" {
			p.ShowCode(code)
		}
	})
	f.mu.Unlock()
	p.ShowInvalid()
}

func (f *Flow) stopRevertLocked() {
	if f.revert != nil {
		f.revert.Stop()
		f.revert = nil
	}
}

// Done is closed once pairing succeeds.
func (f *Flow) Done() <-chan struct{} {
	return f.done
}

// TerminalID returns the id obtained by a successful Pair, or "".
func (f *Flow) TerminalID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.terminalID
}

// LogPresenter reports pairing state through the log only.
type LogPresenter struct{}

func (LogPresenter) ShowCode(code string) { log.Info("pairing code", "code", code) }
func (LogPresenter) ShowInvalid()         { log.Warn("pairing code rejected") }
func (LogPresenter) Dismiss()             {}
