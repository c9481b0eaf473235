package fleet

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/gatectl/internal/testutil/testlog"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type grant struct {
	shard int
	at    time.Time
}

func startWaiter(t *testing.T, reg *Registry, fc clockwork.Clock, shard int, out chan<- grant) {
	t.Helper()
	go func() {
		if err := reg.WaitIdentify(context.Background(), shard); err != nil {
			t.Errorf("shard %d: %v", shard, err)
			return
		}
		out <- grant{shard: shard, at: fc.Now()}
	}()
}

func nextGrant(t *testing.T, ch <-chan grant) grant {
	t.Helper()
	select {
	case g := <-ch:
		return g
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for identify grant")
		return grant{}
	}
}

func waitingEquals(t *testing.T, reg *Registry, want ...int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(want, reg.Waiting())
	}, 2*time.Second, time.Millisecond)
}

func TestRegistryRollingWindow(t *testing.T) {
	testlog.Start(t)
	fc := clockwork.NewFakeClock()
	t0 := fc.Now()
	reg := NewRegistry(2, 5*time.Second, WithRegistryClock(fc))
	grants := make(chan grant, 5)

	startWaiter(t, reg, fc, 0, grants)
	g0 := nextGrant(t, grants)
	startWaiter(t, reg, fc, 1, grants)
	g1 := nextGrant(t, grants)
	startWaiter(t, reg, fc, 2, grants)
	waitingEquals(t, reg, 2)
	startWaiter(t, reg, fc, 3, grants)
	waitingEquals(t, reg, 2, 3)
	startWaiter(t, reg, fc, 4, grants)
	waitingEquals(t, reg, 2, 3, 4)

	fc.BlockUntil(1)
	fc.Advance(5 * time.Second)
	g2 := nextGrant(t, grants)
	g3 := nextGrant(t, grants)

	fc.BlockUntil(1)
	fc.Advance(5 * time.Second)
	g4 := nextGrant(t, grants)

	got := []grant{g0, g1, g2, g3, g4}
	wantAt := []time.Duration{0, 0, 5 * time.Second, 5 * time.Second, 10 * time.Second}
	for i, g := range got {
		assert.Equal(t, i, g.shard, "grant order")
		assert.Equal(t, wantAt[i], g.at.Sub(t0), "shard %d grant time", g.shard)
	}
	assert.Empty(t, reg.Waiting())
	assert.Len(t, reg.Recent(), 1)
}

func TestRegistryLowerShardJumpsQueue(t *testing.T) {
	testlog.Start(t)
	fc := clockwork.NewFakeClock()
	reg := NewRegistry(1, 5*time.Second, WithRegistryClock(fc))
	grants := make(chan grant, 3)

	startWaiter(t, reg, fc, 0, grants)
	nextGrant(t, grants)
	startWaiter(t, reg, fc, 4, grants)
	waitingEquals(t, reg, 4)
	fc.BlockUntil(1)
	startWaiter(t, reg, fc, 1, grants)
	waitingEquals(t, reg, 1, 4)

	fc.BlockUntil(1)
	fc.Advance(5 * time.Second)
	first := nextGrant(t, grants)
	assert.Equal(t, 1, first.shard)

	fc.BlockUntil(1)
	fc.Advance(5 * time.Second)
	second := nextGrant(t, grants)
	assert.Equal(t, 4, second.shard)
}

func TestRegistryCancelRemovesWaiter(t *testing.T) {
	testlog.Start(t)
	fc := clockwork.NewFakeClock()
	reg := NewRegistry(1, 5*time.Second, WithRegistryClock(fc))
	require.NoError(t, reg.WaitIdentify(context.Background(), 0))

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- reg.WaitIdentify(ctx, 1) }()
	waitingEquals(t, reg, 1)
	cancel()

	select {
	case err := <-errc:
		assert.True(t, errors.Is(err, context.Canceled), "err = %v", err)
	case <-time.After(2 * time.Second):
		t.Fatalf("cancelled waiter did not return")
	}
	assert.Empty(t, reg.Waiting())
	assert.Len(t, reg.Recent(), 1)
}

func TestRegistryRaisingCapWakesWaiters(t *testing.T) {
	testlog.Start(t)
	fc := clockwork.NewFakeClock()
	reg := NewRegistry(1, 5*time.Second, WithRegistryClock(fc))
	grants := make(chan grant, 2)

	startWaiter(t, reg, fc, 0, grants)
	nextGrant(t, grants)
	startWaiter(t, reg, fc, 1, grants)
	waitingEquals(t, reg, 1)

	reg.ObserveMaxConcurrency(2)
	g := nextGrant(t, grants)
	assert.Equal(t, 1, g.shard)
	assert.Equal(t, 2, reg.MaxConcurrency())

	reg.SetMaxConcurrency(0)
	assert.Equal(t, 2, reg.MaxConcurrency(), "non-positive cap is ignored")
}

func TestRegistryWindowExpiry(t *testing.T) {
	testlog.Start(t)
	fc := clockwork.NewFakeClock()
	reg := NewRegistry(3, time.Second, WithRegistryClock(fc))
	for i := 0; i < 3; i++ {
		require.NoError(t, reg.WaitIdentify(context.Background(), i))
	}
	assert.Len(t, reg.Recent(), 3)
	fc.Advance(999 * time.Millisecond)
	assert.Len(t, reg.Recent(), 3)
	fc.Advance(time.Millisecond)
	assert.Empty(t, reg.Recent())
}
