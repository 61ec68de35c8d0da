package locks

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.gazette.dev/core/etcdtest"

	"github.com/crossrate/tradecap/coordination"
)

func testService(t *testing.T) *Service {
	var etcd = etcdtest.TestClient()
	t.Cleanup(etcdtest.Cleanup)

	var coord, err = coordination.NewStore(etcd, "/tradecap.test/"+t.Name())
	require.NoError(t, err)
	return NewService(coord, DefaultConfig)
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	var svc = testService(t)
	var ctx = context.Background()

	var lock, err = svc.Acquire(ctx, "p1", time.Minute, 0)
	require.NoError(t, err)

	locked, err := svc.IsLocked(ctx, "p1")
	require.NoError(t, err)
	require.True(t, locked)

	// Distinct partitions never contend.
	other, err := svc.Acquire(ctx, "p2", time.Minute, 0)
	require.NoError(t, err)
	other.Release(ctx)

	lock.Release(ctx)
	locked, err = svc.IsLocked(ctx, "p1")
	require.NoError(t, err)
	require.False(t, locked)
}

func TestZeroWaitContention(t *testing.T) {
	var svc = testService(t)
	var ctx = context.Background()

	var lock, err = svc.Acquire(ctx, "p1", time.Minute, 0)
	require.NoError(t, err)
	defer lock.Release(ctx)

	_, err = svc.Acquire(ctx, "p1", time.Minute, 0)
	require.ErrorIs(t, err, ErrAcquisitionTimeout)
}

func TestAcquireWaitsForRelease(t *testing.T) {
	var svc = testService(t)
	var ctx = context.Background()

	var lock, err = svc.Acquire(ctx, "p1", time.Minute, 0)
	require.NoError(t, err)

	var acquired atomic.Bool
	var done = make(chan error, 1)
	go func() {
		second, err := svc.Acquire(ctx, "p1", time.Minute, 5*time.Second)
		if err == nil {
			acquired.Store(true)
			second.Release(ctx)
		}
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.False(t, acquired.Load())

	lock.Release(ctx)
	require.NoError(t, <-done)
	require.True(t, acquired.Load())
}

func TestReleaseValidatesHolder(t *testing.T) {
	var svc = testService(t)
	var ctx = context.Background()

	var lock, err = svc.Acquire(ctx, "p1", time.Minute, 0)
	require.NoError(t, err)

	// A stale handle with a different fencing value releases nothing.
	var stale = &Lock{svc: svc, key: lockKey("p1"), value: "someone-else"}
	stale.Release(ctx)

	locked, err := svc.IsLocked(ctx, "p1")
	require.NoError(t, err)
	require.True(t, locked)

	lock.Release(ctx)
}

func TestExtendRequiresOwnership(t *testing.T) {
	var svc = testService(t)
	var ctx = context.Background()

	var lock, err = svc.Acquire(ctx, "p1", time.Minute, 0)
	require.NoError(t, err)

	require.NoError(t, lock.Extend(ctx, time.Minute))

	lock.Release(ctx)
	require.ErrorContains(t, lock.Extend(ctx, time.Minute), "no longer held")
}
