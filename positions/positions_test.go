package positions

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/crossrate/tradecap/protocol"
	"github.com/crossrate/tradecap/store"
)

func testService(t *testing.T) *Service {
	var st, err = store.Open(filepath.Join(t.TempDir(), "tradecap.db"), store.DefaultRetryPolicy)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return NewService(st, DefaultConfig)
}

func TestTransitionTable(t *testing.T) {
	var allowed = []struct{ from, to protocol.PositionState }{
		{protocol.PositionExecuted, protocol.PositionFormed},
		{protocol.PositionExecuted, protocol.PositionCancelled},
		{protocol.PositionExecuted, protocol.PositionClosed},
		{protocol.PositionFormed, protocol.PositionSettled},
		{protocol.PositionFormed, protocol.PositionClosed},
		{protocol.PositionSettled, protocol.PositionClosed},
		{protocol.PositionCancelled, protocol.PositionClosed},
		// Same-state rewrites are idempotent.
		{protocol.PositionClosed, protocol.PositionClosed},
		{protocol.PositionFormed, protocol.PositionFormed},
	}
	for _, tc := range allowed {
		require.True(t, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}

	var denied = []struct{ from, to protocol.PositionState }{
		{protocol.PositionFormed, protocol.PositionExecuted},
		{protocol.PositionSettled, protocol.PositionFormed},
		{protocol.PositionClosed, protocol.PositionExecuted},
		{protocol.PositionCancelled, protocol.PositionSettled},
		{protocol.PositionExecuted, protocol.PositionSettled},
	}
	for _, tc := range denied {
		require.False(t, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestNext(t *testing.T) {
	require.Equal(t, protocol.PositionExecuted, Next("", false))
	require.Equal(t, protocol.PositionFormed, Next(protocol.PositionExecuted, true))
	require.Equal(t, protocol.PositionSettled, Next(protocol.PositionSettled, true))
	require.Equal(t, protocol.PositionClosed, Next(protocol.PositionClosed, true))
}

func TestTransitionLifecycle(t *testing.T) {
	var svc = testService(t)
	var ctx = context.Background()

	var _, exists, err = svc.Current(ctx, "p1")
	require.NoError(t, err)
	require.False(t, exists)

	st, err := svc.Transition(ctx, "p1", protocol.PositionExecuted)
	require.NoError(t, err)
	require.Equal(t, int64(1), st.Version)
	// Transition leaves the watermark alone.
	require.Equal(t, int64(0), st.LastSequence)

	state, exists, err := svc.Current(ctx, "p1")
	require.NoError(t, err)
	require.True(t, exists)
	require.Equal(t, protocol.PositionExecuted, state)

	st, err = svc.CommitSequence(ctx, "p1", 1)
	require.NoError(t, err)
	require.Equal(t, int64(1), st.LastSequence)

	st, err = svc.Transition(ctx, "p1", protocol.PositionFormed)
	require.NoError(t, err)
	require.Equal(t, int64(3), st.Version)
	require.Equal(t, int64(1), st.LastSequence)

	st, err = svc.CommitSequence(ctx, "p1", 2)
	require.NoError(t, err)
	require.Equal(t, int64(2), st.LastSequence)

	// The sequence watermark never regresses.
	st, err = svc.CommitSequence(ctx, "p1", 1)
	require.NoError(t, err)
	require.Equal(t, int64(2), st.LastSequence)
}

func TestInvalidTransitionsRefused(t *testing.T) {
	var svc = testService(t)
	var ctx = context.Background()

	// A new partition must open EXECUTED.
	var _, err = svc.Transition(ctx, "p1", protocol.PositionSettled)
	require.ErrorIs(t, err, ErrInvalidTransition)

	_, err = svc.Transition(ctx, "p1", protocol.PositionExecuted)
	require.NoError(t, err)

	_, err = svc.Transition(ctx, "p1", protocol.PositionSettled)
	require.ErrorIs(t, err, ErrInvalidTransition)

	_, err = svc.Transition(ctx, "p1", "NOT_A_STATE")
	require.Error(t, err)
}
