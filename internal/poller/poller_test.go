package poller

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPoller() *Poller {
	return New(5*time.Millisecond, log.New(io.Discard, "", 0))
}

func TestStopsWhenDone(t *testing.T) {
	p := newTestPoller()
	defer p.Shutdown()

	var ticks int32
	require.True(t, p.Watch("order-1", time.Minute, func(ctx context.Context) (bool, error) {
		return atomic.AddInt32(&ticks, 1) >= 3, nil
	}, nil))

	require.Eventually(t, func() bool { return !p.Watching("order-1") }, time.Second, time.Millisecond)
	assert.Equal(t, int32(3), atomic.LoadInt32(&ticks))
}

func TestErrorsAreRetried(t *testing.T) {
	p := newTestPoller()
	defer p.Shutdown()

	var ticks int32
	p.Watch("k", time.Minute, func(ctx context.Context) (bool, error) {
		if atomic.AddInt32(&ticks, 1) < 3 {
			return false, errors.New("network hiccup")
		}
		return true, nil
	}, nil)

	require.Eventually(t, func() bool { return p.Active() == 0 }, time.Second, time.Millisecond)
	assert.Equal(t, int32(3), atomic.LoadInt32(&ticks))
}

func TestExpiryRunsHook(t *testing.T) {
	p := newTestPoller()
	defer p.Shutdown()

	expired := make(chan struct{})
	p.Watch("k", 20*time.Millisecond, func(ctx context.Context) (bool, error) {
		return false, nil
	}, func(ctx context.Context) { close(expired) })

	select {
	case <-expired:
	case <-time.After(time.Second):
		t.Fatal("expiry hook not called")
	}
	require.Eventually(t, func() bool { return !p.Watching("k") }, time.Second, time.Millisecond)
}

func TestCancelSkipsExpiryHook(t *testing.T) {
	p := newTestPoller()
	defer p.Shutdown()

	var expired int32
	p.Watch("k", time.Minute, func(ctx context.Context) (bool, error) { return false, nil },
		func(ctx context.Context) { atomic.StoreInt32(&expired, 1) })

	assert.False(t, p.Watch("k", time.Minute, nil, nil), "duplicate key")
	assert.True(t, p.Cancel("k"))
	require.Eventually(t, func() bool { return !p.Watching("k") }, time.Second, time.Millisecond)
	assert.Zero(t, atomic.LoadInt32(&expired))
	assert.False(t, p.Cancel("k"))
}

func TestShutdownStopsEverything(t *testing.T) {
	p := newTestPoller()
	for _, k := range []string{"a", "b", "c"} {
		p.Watch(k, time.Minute, func(ctx context.Context) (bool, error) { return false, nil }, nil)
	}
	assert.Equal(t, 3, p.Active())

	p.Shutdown()
	assert.Zero(t, p.Active())
	assert.False(t, p.Watch("d", time.Minute, nil, nil))
}

func TestRewatchAfterCancelSurvivesOldLoopExit(t *testing.T) {
	p := newTestPoller()
	defer p.Shutdown()

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	require.True(t, p.Watch("k", time.Minute, func(ctx context.Context) (bool, error) {
		once.Do(func() { close(entered) })
		<-release
		return false, nil
	}, nil))
	<-entered

	p.mu.Lock()
	old := p.loops["k"]
	p.mu.Unlock()

	require.True(t, p.Cancel("k"))
	assert.False(t, p.Watching("k"))
	require.True(t, p.Watch("k", time.Minute, func(ctx context.Context) (bool, error) { return false, nil }, nil))

	close(release)
	select {
	case <-old.done:
	case <-time.After(time.Second):
		t.Fatal("cancelled loop did not exit")
	}

	assert.True(t, p.Watching("k"))
	assert.Equal(t, 1, p.Active())
	assert.True(t, p.Cancel("k"), "the live loop is still cancellable")
}
