package update

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gemforge/terminal-agent/internal/platform"
)

func newExecutor(t *testing.T, pageURL string) (*PageExecutor, *platform.Fake, *Gate) {
	t.Helper()
	fake := platform.NewFake(pageURL)
	gate := &Gate{}
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return NewPageExecutor(fake, gate, clock, nil), fake, gate
}

func TestExecuteSequence(t *testing.T) {
	e, fake, gate := newExecutor(t, "https://shop.example/kiosk/start?lang=de#gallery")

	require.NoError(t, e.Execute(context.Background(), Commit{Channel: ChannelBuildID, From: "100", To: "101"}))

	assert.Equal(t, []string{
		"UnregisterServiceWorkers", "PurgeCaches",
		"ShowProgress", "ShowProgress", "Page", "Navigate",
	}, fake.Calls())
	assert.Equal(t, []string{StatusPreparing, StatusReloading}, fake.Progress())

	u, err := url.Parse(fake.URL())
	require.NoError(t, err)
	assert.Equal(t, "/kiosk/start", u.Path)
	assert.Equal(t, "gallery", u.Fragment)
	assert.Equal(t, "de", u.Query().Get("lang"))
	assert.NotEmpty(t, u.Query().Get(ReloadMarker))
	assert.True(t, gate.Updating(), "gate stays claimed until state is reset")
}

func TestExecuteStepsAreBestEffort(t *testing.T) {
	e, fake, _ := newExecutor(t, "https://shop.example/")
	fake.Errors["UnregisterServiceWorkers"] = assert.AnError
	fake.Errors["PurgeCaches"] = assert.AnError
	fake.Errors["ShowProgress"] = assert.AnError

	require.NoError(t, e.Execute(context.Background(), Commit{To: "101"}))
	assert.Equal(t, 1, fake.Count("Navigate"))
	assert.Zero(t, fake.Count("HardReload"))
}

func TestExecuteRejectsReentry(t *testing.T) {
	e, fake, gate := newExecutor(t, "https://shop.example/")
	require.True(t, gate.BeginUpdate())

	assert.ErrorIs(t, e.Execute(context.Background(), Commit{}), ErrUpdateInProgress)
	assert.Empty(t, fake.Calls())
	assert.True(t, gate.Updating())
}

func TestNavigateFailureFallsBackToHardReload(t *testing.T) {
	e, fake, _ := newExecutor(t, "https://shop.example/")
	fake.Errors["Navigate"] = assert.AnError

	require.NoError(t, e.Execute(context.Background(), Commit{}))
	assert.Equal(t, 1, fake.Count("HardReload"))
}

func TestPageReadFailureFallsBackToHardReload(t *testing.T) {
	e, fake, _ := newExecutor(t, "https://shop.example/")
	fake.Errors["Page"] = assert.AnError

	require.NoError(t, e.Execute(context.Background(), Commit{}))
	assert.Zero(t, fake.Count("Navigate"))
	assert.Equal(t, 1, fake.Count("HardReload"))
}

func TestPanicFallsBackToHardReload(t *testing.T) {
	e, fake, gate := newExecutor(t, "https://shop.example/")
	fake.Panics["PurgeCaches"] = true

	require.NoError(t, e.Execute(context.Background(), Commit{}))
	assert.Equal(t, 1, fake.Count("HardReload"))
	assert.True(t, gate.Updating())
}

func TestTotalReloadFailureReleasesGate(t *testing.T) {
	e, fake, gate := newExecutor(t, "https://shop.example/")
	fake.Errors["Navigate"] = assert.AnError
	fake.Errors["HardReload"] = assert.AnError

	err := e.Execute(context.Background(), Commit{})
	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
	assert.False(t, gate.Updating())
}

func TestWithReloadMarkerReplacesExisting(t *testing.T) {
	got, err := WithReloadMarker("https://shop.example/a?__v=old&x=1#h", "new")
	require.NoError(t, err)
	assert.Equal(t, "https://shop.example/a?__v=new&x=1#h", got)
}
