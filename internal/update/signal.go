package update

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Outcome is the result of one signal evaluation.
type Outcome string

const (
	OutcomeUnavailable Outcome = "unavailable"
	OutcomeBaseline    Outcome = "baseline"
	OutcomeStable      Outcome = "stable"
	OutcomePending     Outcome = "pending"
	OutcomeDebouncing  Outcome = "debouncing"
	OutcomeNotReady    Outcome = "not_ready"
	OutcomeConfirming  Outcome = "confirming"
	OutcomeCommit      Outcome = "commit"
)

// Prober answers whether the server is serving the new build correctly.
type Prober interface {
	IsReady(ctx context.Context) bool
}

// Window holds what every channel shares: the gate, the readiness probe and
// the debounce parameters.
type Window struct {
	Gate      *Gate
	Probe     Prober
	Clock     clockwork.Clock
	Debounce  time.Duration
	Threshold int
}

// Pass carries one readiness verdict across the channels evaluated in a
// single poll: the probe runs at most once and the streak advances at most
// once. The zero value is ready to use.
type Pass struct {
	once   sync.Once
	ready  bool
	streak int
}

func (p *Pass) confirm(ctx context.Context, w *Window) (bool, int) {
	p.once.Do(func() {
		p.ready = w.Probe.IsReady(ctx)
		if p.ready {
			p.streak = w.Gate.IncStreak()
		}
	})
	return p.ready, p.streak
}

// Fetcher returns the current value of a signal; ok is false when the value
// is unavailable this poll.
type Fetcher[T any] func(ctx context.Context) (value T, ok bool)

// Signal is one debounced version channel.
type Signal[T any] struct {
	name   string
	fetch  Fetcher[T]
	equal  func(a, b T) bool
	format func(T) string

	mu            sync.Mutex
	confirmed     T
	hasConfirmed  bool
	pending       T
	hasPending    bool
	pendingSince  time.Time
	prevConfirmed T
	hadPrev       bool
}

// NewSignal builds a channel. format renders values for status and logs.
func NewSignal[T any](name string, fetch Fetcher[T], equal func(a, b T) bool, format func(T) string) *Signal[T] {
	return &Signal[T]{name: name, fetch: fetch, equal: equal, format: format}
}

func (s *Signal[T]) Name() string {
	return s.name
}

// Poll fetches the value and advances the channel's state machine. Channels
// polled together share pass.
func (s *Signal[T]) Poll(ctx context.Context, w *Window, pass *Pass) Outcome {
	v, ok := s.fetch(ctx)
	if !ok {
		return OutcomeUnavailable
	}
	now := w.Clock.Now()

	s.mu.Lock()
	if !s.hasConfirmed {
		s.confirmed, s.hasConfirmed = v, true
		s.mu.Unlock()
		return OutcomeBaseline
	}
	if s.equal(v, s.confirmed) {
		hadPending := s.hasPending
		s.clearPendingLocked()
		s.mu.Unlock()
		if hadPending {
			w.Gate.ResetStreak()
		}
		return OutcomeStable
	}
	if !s.hasPending || !s.equal(v, s.pending) {
		s.pending, s.hasPending, s.pendingSince = v, true, now
		s.mu.Unlock()
		w.Gate.ResetStreak()
		return OutcomePending
	}
	if now.Sub(s.pendingSince) < w.Debounce {
		s.mu.Unlock()
		return OutcomeDebouncing
	}
	candidate := s.pending
	s.mu.Unlock()

	ready, streak := pass.confirm(ctx, w)
	if !ready {
		return OutcomeNotReady
	}
	if streak < w.Threshold {
		return OutcomeConfirming
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Another poll may have moved the candidate while the probe ran.
	if !s.hasPending || !s.equal(candidate, s.pending) {
		return OutcomePending
	}
	s.prevConfirmed, s.hadPrev = s.confirmed, true
	s.confirmed = candidate
	s.clearPendingLocked()
	return OutcomeCommit
}

func (s *Signal[T]) clearPendingLocked() {
	var zero T
	s.pending, s.hasPending, s.pendingSince = zero, false, time.Time{}
}

// Revert undoes the last commit so the new value is detected again.
func (s *Signal[T]) Revert() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hadPrev {
		s.confirmed = s.prevConfirmed
		s.hadPrev = false
	}
}

// Reset forgets everything, as on a fresh start.
func (s *Signal[T]) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	var zero T
	s.confirmed, s.hasConfirmed = zero, false
	s.prevConfirmed, s.hadPrev = zero, false
	s.clearPendingLocked()
}

// Confirmed returns the confirmed value, if any.
func (s *Signal[T]) Confirmed() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.confirmed, s.hasConfirmed
}

// ChannelState is a read-only view of a channel.
type ChannelState struct {
	Name         string    `json:"name" yaml:"name"`
	Confirmed    string    `json:"confirmed,omitempty" yaml:"confirmed,omitempty"`
	Pending      string    `json:"pending,omitempty" yaml:"pending,omitempty"`
	PendingSince time.Time `json:"pendingSince,omitempty" yaml:"pendingSince,omitempty"`
}

func (s *Signal[T]) State() ChannelState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := ChannelState{Name: s.name}
	if s.hasConfirmed {
		st.Confirmed = s.format(s.confirmed)
	}
	if s.hasPending {
		st.Pending = s.format(s.pending)
		st.PendingSince = s.pendingSince
	}
	return st
}

func (s *Signal[T]) describeConfirmed() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasConfirmed {
		return ""
	}
	return s.format(s.confirmed)
}

func (s *Signal[T]) describePrev() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hadPrev {
		return ""
	}
	return s.format(s.prevConfirmed)
}
