package workerpool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, p *Pool, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	p.Drain(ctx)
}

func TestSubmitAndDrain(t *testing.T) {
	p := New(2, 10)
	var count atomic.Int32

	for i := 0; i < 5; i++ {
		require.True(t, p.Submit("heartbeat", func() { count.Add(1) }), "submit %d", i)
	}
	drain(t, p, 5*time.Second)

	assert.EqualValues(t, 5, count.Load())
	assert.Zero(t, p.Pending())
}

func TestSubmitAfterDrainReturnsFalse(t *testing.T) {
	p := New(1, 1)
	drain(t, p, 5*time.Second)

	assert.False(t, p.Submit("heartbeat", func() {}))
	assert.Equal(t, 1, p.Rejected())
}

func TestQueueFullReturnsFalse(t *testing.T) {
	p := New(1, 1)
	blocker := make(chan struct{})
	started := make(chan struct{})
	p.Submit("slow", func() { close(started); <-blocker })
	<-started

	require.True(t, p.Submit("queued", func() {}))
	assert.False(t, p.Submit("overflow", func() {}), "queue is full")
	assert.Equal(t, 1, p.Rejected())
	assert.Equal(t, 2, p.Pending())

	close(blocker)
	drain(t, p, 5*time.Second)
}

func TestContextCancelledAfterDrain(t *testing.T) {
	p := New(1, 10)
	p.Submit("noop", func() {})

	poolCtx := p.Context()
	require.NoError(t, poolCtx.Err())

	drain(t, p, 5*time.Second)
	assert.Error(t, poolCtx.Err())
}

func TestDrainRespectsContextDeadline(t *testing.T) {
	p := New(1, 10)
	blocker := make(chan struct{})
	defer close(blocker)
	p.Submit("hung", func() { <-blocker })

	start := time.Now()
	drain(t, p, 100*time.Millisecond)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestPanicRecovery(t *testing.T) {
	p := New(1, 10)
	var count atomic.Int32

	p.Submit("panics", func() { panic("test panic") })
	p.Submit("after", func() { count.Add(1) })
	drain(t, p, 5*time.Second)

	assert.EqualValues(t, 1, count.Load())
}
