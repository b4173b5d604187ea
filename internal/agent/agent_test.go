package agent

import (
	"context"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gemforge/terminal-agent/internal/config"
	"github.com/gemforge/terminal-agent/internal/identity"
	"github.com/gemforge/terminal-agent/internal/platform"
	"github.com/gemforge/terminal-agent/internal/store"
	"github.com/gemforge/terminal-agent/internal/update"
	"github.com/gemforge/terminal-agent/pkg/api"
)

const terminalID = "5b1f2c47-8f0e-4a4c-9d59-3ad0a0d2c6b1"

type fakeServer struct {
	mu          sync.Mutex
	buildID     string
	pairID      string
	payload     map[string]any
	heartbeats  []api.HeartbeatRequest
	configCalls int
	pairCodes   []string
}

func (s *fakeServer) Pair(_ context.Context, code string) (*api.PairResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pairCodes = append(s.pairCodes, code)
	return &api.PairResponse{TerminalID: s.pairID}, nil
}

func (s *fakeServer) Heartbeat(_ context.Context, req api.HeartbeatRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeats = append(s.heartbeats, req)
	return nil
}

func (s *fakeServer) FetchConfig(context.Context, string, string) (*api.ConfigResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configCalls++
	return &api.ConfigResponse{Payload: s.payload, ETag: `"cfg-1"`}, nil
}

func (s *fakeServer) Version(context.Context) (*api.VersionInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &api.VersionInfo{BuildID: s.buildID, TerminalName: "Counter 2"}, nil
}

func (s *fakeServer) Bootstrap(context.Context, string) (*api.BootstrapPage, error) {
	return &api.BootstrapPage{ETag: `"page-1"`, Body: []byte("<html>")}, nil
}

func (s *fakeServer) setBuild(id string) {
	s.mu.Lock()
	s.buildID = id
	s.mu.Unlock()
}

func (s *fakeServer) Heartbeats() []api.HeartbeatRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]api.HeartbeatRequest(nil), s.heartbeats...)
}

func (s *fakeServer) ConfigCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.configCalls
}

// overlay records each code drawn together with how many navigations the
// page had seen at that moment.
type overlay struct {
	port  *platform.Fake
	mu    sync.Mutex
	shown []int
}

func (o *overlay) ShowCode(string) {
	n := o.port.Count("Navigate")
	o.mu.Lock()
	o.shown = append(o.shown, n)
	o.mu.Unlock()
}

func (o *overlay) ShowInvalid() {}
func (o *overlay) Dismiss()     {}

func (o *overlay) Shown() []int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]int(nil), o.shown...)
}

type fixture struct {
	agent   *Agent
	server  *fakeServer
	port    *platform.Fake
	kv      *store.MemoryStore
	clock   *clockwork.FakeClock
	overlay *overlay
}

func newFixture(t *testing.T, pageURL string, appMarker bool) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.ServerURL = "https://shop.example"
	cfg.Terminal.AppMarker = appMarker

	f := &fixture{
		server: &fakeServer{buildID: "100", pairID: terminalID, payload: map[string]any{"fullscreen": false}},
		port:   platform.NewFake(pageURL),
		kv:     store.NewMemory(),
		clock:  clockwork.NewFakeClock(),
	}
	f.overlay = &overlay{port: f.port}
	a, err := New(Options{Config: cfg, Server: f.server, Port: f.port, Store: f.kv, Clock: f.clock, Presenter: f.overlay})
	require.NoError(t, err)
	f.agent = a
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = a.Stop(ctx)
	})
	return f
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Options{Config: config.Default()})
	assert.Error(t, err)
}

func TestUnpairedTerminalRunsReducedLoop(t *testing.T) {
	f := newFixture(t, "https://shop.example/kiosk", true)

	res := f.agent.Tick(context.Background())
	assert.Equal(t, ModeReduced, res.Mode)
	assert.NotEmpty(t, res.Poll.Evaluations, "detector runs while unpaired")
	assert.Nil(t, res.Heartbeat)
	assert.Zero(t, f.server.ConfigCalls())
	assert.Zero(t, f.port.Count("ApplyViewportPolicy"))

	st := f.agent.Status()
	assert.False(t, st.Paired)
	assert.Len(t, st.PairingCode, 6)
	assert.Equal(t, "100", st.ConfirmedBuildID)
}

func TestOrdinaryBrowserIsNotOfferedPairing(t *testing.T) {
	f := newFixture(t, "https://shop.example/", false)

	f.agent.Tick(context.Background())
	assert.Empty(t, f.agent.Status().PairingCode)
	_, ok, err := f.kv.Get(context.Background(), identity.KeyPairingCode)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestURLIdentityRunsFullTick(t *testing.T) {
	f := newFixture(t, "https://shop.example/kiosk?tid="+terminalID+"&lang=en", false)

	res := f.agent.Tick(context.Background())
	assert.Equal(t, ModeFull, res.Mode)
	require.NotNil(t, res.Heartbeat)
	assert.True(t, res.Heartbeat.Queued)
	assert.Len(t, res.Policies, 4)
	assert.Zero(t, f.port.Count("ArmFullscreenOnGesture"), "fullscreen disabled by remote config")

	u, err := url.Parse(f.port.URL())
	require.NoError(t, err)
	assert.Empty(t, u.Query().Get("tid"), "identity param stripped from the visible url")
	assert.Equal(t, "en", u.Query().Get("lang"))

	assert.Eventually(t, func() bool { return len(f.server.Heartbeats()) == 1 }, time.Second, 10*time.Millisecond)
	hb := f.server.Heartbeats()[0]
	assert.Equal(t, terminalID, hb.TerminalID)
	assert.Equal(t, "100", hb.AppVersion)
	assert.Contains(t, hb.OSVersion, "FakeKiosk/1.0")

	st := f.agent.Status()
	assert.True(t, st.Paired)
	assert.Equal(t, "Counter 2", st.TerminalName)
	assert.Len(t, st.Policies, 4)
}

func TestDroppedHeartbeatsShowInStatus(t *testing.T) {
	f := newFixture(t, "https://shop.example/kiosk?tid="+terminalID, false)
	ctx := context.Background()

	drainCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	f.agent.pool.Drain(drainCtx)

	res := f.agent.Tick(ctx)
	require.NotNil(t, res.Heartbeat)
	assert.False(t, res.Heartbeat.Queued)
	assert.Equal(t, TaskStatus{Pending: 0, Dropped: 1}, f.agent.Status().Tasks)
}

func TestPairingUnlocksFullTick(t *testing.T) {
	f := newFixture(t, "https://shop.example/kiosk", true)
	ctx := context.Background()

	require.Equal(t, ModeReduced, f.agent.Tick(ctx).Mode)
	code := f.agent.Status().PairingCode
	require.NoError(t, f.agent.Pairing().Pair(ctx))
	assert.Equal(t, []string{code}, f.server.pairCodes)

	res := f.agent.Tick(ctx)
	assert.Equal(t, ModeFull, res.Mode)
	require.NotNil(t, res.Heartbeat)
	assert.Equal(t, terminalID, res.Heartbeat.Request.TerminalID)

	stored, ok, err := f.kv.Get(ctx, identity.KeyTerminalID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, terminalID, stored)
}

func TestCommitReloadsAndResetsState(t *testing.T) {
	f := newFixture(t, "https://shop.example/kiosk?tid="+terminalID, false)
	ctx := context.Background()

	f.agent.Tick(ctx)
	f.server.setBuild("101")
	f.clock.Advance(time.Second)
	f.agent.Tick(ctx)
	f.clock.Advance(61 * time.Second)

	res := f.agent.Tick(ctx)
	assert.Equal(t, ModeUpdate, res.Mode)
	require.NotNil(t, res.Poll.Commit)
	assert.Equal(t, update.Commit{Channel: update.ChannelBuildID, From: "100", To: "101"}, *res.Poll.Commit)
	assert.Equal(t, 1, f.port.Count("Navigate"))

	u, err := url.Parse(f.port.URL())
	require.NoError(t, err)
	assert.NotEmpty(t, u.Query().Get(update.ReloadMarker))

	st := f.agent.Status()
	assert.False(t, st.Updating)
	assert.Empty(t, st.ConfirmedBuildID, "signal state discarded after reload")
	require.NotNil(t, st.LastCommit)
	assert.Equal(t, "101", st.LastCommit.To)
	assert.Nil(t, f.agent.poller.Cached())

	res = f.agent.Tick(ctx)
	assert.Equal(t, ModeFull, res.Mode)
	assert.Equal(t, "101", f.agent.Status().ConfirmedBuildID)
}

func TestUnpairedReloadRedrawsPairingCode(t *testing.T) {
	f := newFixture(t, "https://shop.example/kiosk", true)
	ctx := context.Background()

	f.agent.Tick(ctx)
	require.Equal(t, []int{0}, f.overlay.Shown())

	f.server.setBuild("101")
	f.clock.Advance(time.Second)
	f.agent.Tick(ctx)
	f.clock.Advance(61 * time.Second)
	res := f.agent.Tick(ctx)
	require.Equal(t, ModeUpdate, res.Mode)
	require.Equal(t, 1, f.port.Count("Navigate"))

	shown := f.overlay.Shown()
	assert.Equal(t, 1, shown[len(shown)-1], "code drawn on the reloaded page")

	res = f.agent.Tick(ctx)
	assert.Equal(t, ModeReduced, res.Mode)
	assert.Len(t, f.overlay.Shown(), len(shown)+1, "each reduced tick redraws the code")
	assert.NotEmpty(t, f.agent.Status().PairingCode)
}

func TestScheduledTicks(t *testing.T) {
	f := newFixture(t, "https://shop.example/kiosk", true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, f.agent.Start(ctx))
	assert.Eventually(t, func() bool { return f.agent.Status().Ticks >= 1 }, 2*time.Second, 10*time.Millisecond,
		"first tick runs immediately")
	assert.Equal(t, ModeReduced, f.agent.Status().LastMode)

	// A successful pairing triggers a tick without waiting for the interval.
	require.NoError(t, f.agent.Pairing().Pair(ctx))
	assert.Eventually(t, func() bool { return f.agent.Status().LastMode == ModeFull }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return len(f.server.Heartbeats()) >= 1 }, 2*time.Second, 10*time.Millisecond)
}
