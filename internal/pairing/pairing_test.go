package pairing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gemforge/terminal-agent/internal/identity"
	"github.com/gemforge/terminal-agent/internal/platform"
	"github.com/gemforge/terminal-agent/internal/store"
	"github.com/gemforge/terminal-agent/pkg/api"
)

const pairedID = "5b1f2c47-8f0e-4a4c-9d59-3ad0a0d2c6b1"

type recordingPresenter struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPresenter) add(e string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *recordingPresenter) ShowCode(code string) { p.add("code:" + code) }
func (p *recordingPresenter) ShowInvalid()         { p.add("invalid") }
func (p *recordingPresenter) Dismiss()             { p.add("dismiss") }

func (p *recordingPresenter) Events() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}

type stubPairer struct {
	mu    sync.Mutex
	codes []string
	resp  *api.PairResponse
	err   error
	block chan struct{}
}

func (s *stubPairer) Pair(ctx context.Context, code string) (*api.PairResponse, error) {
	s.mu.Lock()
	s.codes = append(s.codes, code)
	block := s.block
	s.mu.Unlock()
	if block != nil {
		<-block
	}
	return s.resp, s.err
}

func newFlow(t *testing.T, pairer Pairer) (*Flow, *store.MemoryStore, *recordingPresenter, *clockwork.FakeClock) {
	t.Helper()
	kv := store.NewMemory()
	pres := &recordingPresenter{}
	clock := clockwork.NewFakeClock()
	f := New(identity.New(kv, nil), pairer, pres, WithClock(clock))
	return f, kv, pres, clock
}

func TestGenerateCodeShape(t *testing.T) {
	for i := 0; i < 200; i++ {
		code, err := GenerateCode()
		require.NoError(t, err)
		assert.Len(t, code, 6)
		assert.True(t, validCode(code), code)
	}
}

func TestStartReusesPersistedCode(t *testing.T) {
	ctx := context.Background()
	f, kv, pres, _ := newFlow(t, &stubPairer{})
	require.NoError(t, store.Set(ctx, kv, identity.KeyPairingCode, "042917"))

	code, err := f.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, "042917", code)
	assert.Equal(t, []string{"code:042917"}, pres.Events())
}

func TestStartIssuesAndPersistsCode(t *testing.T) {
	ctx := context.Background()
	f, kv, _, _ := newFlow(t, &stubPairer{})

	code, err := f.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, code, kv.Snapshot()[identity.KeyPairingCode])
}

func TestPairSuccessScenario(t *testing.T) {
	ctx := context.Background()
	pairer := &stubPairer{resp: &api.PairResponse{TerminalID: pairedID}}
	f, kv, pres, _ := newFlow(t, pairer)
	require.NoError(t, store.Set(ctx, kv, identity.KeyPairingCode, "042917"))
	_, err := f.Start(ctx)
	require.NoError(t, err)

	require.NoError(t, f.Pair(ctx))

	assert.Equal(t, []string{"042917"}, pairer.codes)
	assert.Equal(t, map[string]string{identity.KeyTerminalID: pairedID}, kv.Snapshot())
	assert.Equal(t, pairedID, f.TerminalID())
	assert.Equal(t, []string{"code:042917", "dismiss"}, pres.Events())
	select {
	case <-f.Done():
	default:
		t.Fatal("Done not closed after successful pairing")
	}
}

func TestPairFailureShowsInvalidThenReverts(t *testing.T) {
	ctx := context.Background()
	pairer := &stubPairer{err: &api.StatusError{Op: "pair", StatusCode: 404}}
	f, kv, pres, clock := newFlow(t, pairer)
	require.NoError(t, store.Set(ctx, kv, identity.KeyPairingCode, "042917"))
	_, err := f.Start(ctx)
	require.NoError(t, err)
	before := kv.Snapshot()

	require.Error(t, f.Pair(ctx))
	assert.Equal(t, before, kv.Snapshot(), "failed pairing must not touch the store")
	assert.Equal(t, []string{"code:042917", "invalid"}, pres.Events())

	clock.Advance(InvalidDisplay)
	assert.Eventually(t, func() bool {
		ev := pres.Events()
		return len(ev) == 3 && ev[2] == "code:042917"
	}, time.Second, 5*time.Millisecond)
}

func TestPresentRedrawsCurrentCode(t *testing.T) {
	ctx := context.Background()
	pairer := &stubPairer{err: errors.New("401")}
	f, kv, pres, clock := newFlow(t, pairer)
	assert.False(t, f.Present(), "nothing to draw before Start")

	require.NoError(t, store.Set(ctx, kv, identity.KeyPairingCode, "042917"))
	_, err := f.Start(ctx)
	require.NoError(t, err)
	assert.True(t, f.Present())

	require.Error(t, f.Pair(ctx))
	assert.False(t, f.Present(), "invalid notice is not overdrawn")
	clock.Advance(InvalidDisplay)
	assert.Eventually(t, func() bool { return len(pres.Events()) == 4 }, time.Second, 5*time.Millisecond)

	pairer.mu.Lock()
	pairer.err = nil
	pairer.resp = &api.PairResponse{TerminalID: pairedID}
	pairer.mu.Unlock()
	require.NoError(t, f.Pair(ctx))
	assert.False(t, f.Present(), "nothing to draw once paired")

	assert.Equal(t, []string{"code:042917", "code:042917", "invalid", "code:042917", "dismiss"}, pres.Events())
}

func TestPairRejectsMalformedResponse(t *testing.T) {
	ctx := context.Background()
	f, kv, _, _ := newFlow(t, &stubPairer{resp: &api.PairResponse{TerminalID: "nope"}})
	_, err := f.Start(ctx)
	require.NoError(t, err)

	assert.ErrorIs(t, f.Pair(ctx), ErrInvalidCode)
	_, paired := kv.Snapshot()[identity.KeyTerminalID]
	assert.False(t, paired)
}

func TestPairBeforeStart(t *testing.T) {
	f, _, _, _ := newFlow(t, &stubPairer{})
	assert.ErrorIs(t, f.Pair(context.Background()), ErrNotStarted)
}

func TestConcurrentPairRejected(t *testing.T) {
	ctx := context.Background()
	pairer := &stubPairer{resp: &api.PairResponse{TerminalID: pairedID}, block: make(chan struct{})}
	f, _, _, _ := newFlow(t, pairer)
	_, err := f.Start(ctx)
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() { errc <- f.Pair(ctx) }()
	require.Eventually(t, func() bool {
		pairer.mu.Lock()
		defer pairer.mu.Unlock()
		return len(pairer.codes) == 1
	}, time.Second, time.Millisecond)

	assert.ErrorIs(t, f.Pair(ctx), ErrInFlight)
	close(pairer.block)
	assert.NoError(t, <-errc)
}

func TestRegenerateCancelsRevert(t *testing.T) {
	ctx := context.Background()
	f, kv, pres, clock := newFlow(t, &stubPairer{err: assert.AnError})
	_, err := f.Start(ctx)
	require.NoError(t, err)
	_ = f.Pair(ctx)

	code, err := f.Regenerate(ctx)
	require.NoError(t, err)
	assert.Equal(t, code, kv.Snapshot()[identity.KeyPairingCode])
	clock.Advance(2 * InvalidDisplay)

	ev := pres.Events()
	assert.Equal(t, "code:"+code, ev[len(ev)-1])
	assert.Len(t, ev, 3)
}

func TestTerminalDetector(t *testing.T) {
	ctx := context.Background()

	kv := store.NewMemory()
	d := NewTerminalDetector(identity.New(kv, nil), false, `^https://kiosk\.`)
	assert.False(t, d.IsTerminal(ctx, platform.PageInfo{Referrer: "https://www.example/"}))
	assert.True(t, d.IsTerminal(ctx, platform.PageInfo{Referrer: "https://kiosk.example/launch"}))
	assert.Equal(t, "1", kv.Snapshot()[identity.KeyTerminalApp])
	assert.True(t, d.IsTerminal(ctx, platform.PageInfo{}), "result is latched")

	// A fresh process picks the persisted flag up.
	d2 := NewTerminalDetector(identity.New(kv, nil), false, "")
	assert.True(t, d2.IsTerminal(ctx, platform.PageInfo{}))

	d3 := NewTerminalDetector(identity.New(store.NewMemory(), nil), true, "")
	assert.True(t, d3.IsTerminal(ctx, platform.PageInfo{}))
}
