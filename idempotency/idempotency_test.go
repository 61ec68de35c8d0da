package idempotency

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crossrate/tradecap/protocol"
	"github.com/crossrate/tradecap/store"
)

func testService(t *testing.T, cfg Config) (*Service, *store.Store) {
	var st, err = store.Open(filepath.Join(t.TempDir(), "tradecap.db"), store.DefaultRetryPolicy)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return NewService(st, cfg), st
}

func message(tradeID, idemKey string) *protocol.TradeCaptureMessage {
	return &protocol.TradeCaptureMessage{
		TradeID:        tradeID,
		AccountID:      "ACC1",
		BookID:         "BOOK1",
		SecurityID:     "SEC1",
		IdempotencyKey: idemKey,
	}
}

func TestClaimCompleteReplay(t *testing.T) {
	var svc, _ = testService(t, DefaultConfig)
	var ctx = context.Background()

	var claim, dup, err = svc.Begin(ctx, message("T1", ""))
	require.NoError(t, err)
	require.Nil(t, dup)
	require.NotNil(t, claim)

	require.NoError(t, claim.Complete(ctx, "blotter/T1"))

	// Resubmission replays the completed record, served from the cache.
	claim, dup, err = svc.Begin(ctx, message("T1", ""))
	require.NoError(t, err)
	require.Nil(t, claim)
	require.Equal(t, store.IdempotencyCompleted, dup.Status)
	require.Equal(t, "blotter/T1", dup.SwapBlotterRef)
}

func TestProcessingClaimBlocksConcurrentSubmission(t *testing.T) {
	var svc, _ = testService(t, DefaultConfig)
	var ctx = context.Background()

	var claim, _, err = svc.Begin(ctx, message("T1", ""))
	require.NoError(t, err)
	require.NotNil(t, claim)

	_, dup, err := svc.Begin(ctx, message("T1", ""))
	require.NoError(t, err)
	require.NotNil(t, dup)
	require.Equal(t, store.IdempotencyProcessing, dup.Status)
}

func TestFailedClaimIsReclaimable(t *testing.T) {
	var svc, _ = testService(t, DefaultConfig)
	var ctx = context.Background()

	var claim, _, err = svc.Begin(ctx, message("T1", ""))
	require.NoError(t, err)
	require.NoError(t, claim.Fail(ctx))

	claim, dup, err := svc.Begin(ctx, message("T1", ""))
	require.NoError(t, err)
	require.Nil(t, dup)
	require.NotNil(t, claim)
}

func TestExpiredCompletionIsReclaimable(t *testing.T) {
	var svc, _ = testService(t, Config{Window: time.Hour, CacheSize: 8, CacheTTL: time.Hour})
	var ctx = context.Background()

	var now = time.Unix(1700000000, 0)
	svc.now = func() time.Time { return now }

	var claim, _, err = svc.Begin(ctx, message("T1", ""))
	require.NoError(t, err)
	require.NoError(t, claim.Complete(ctx, "blotter/T1"))

	// Within the window: duplicate.
	now = now.Add(30 * time.Minute)
	_, dup, err := svc.Begin(ctx, message("T1", ""))
	require.NoError(t, err)
	require.NotNil(t, dup)

	// Beyond the window: the key is claimable again. Drop the cached
	// entry as the TTL'd cache would have.
	now = now.Add(2 * time.Hour)
	svc.cache.Remove("T1")

	claim, dup, err = svc.Begin(ctx, message("T1", ""))
	require.NoError(t, err)
	require.Nil(t, dup)
	require.NotNil(t, claim)
}

func TestExplicitIdempotencyKeyOverridesTradeID(t *testing.T) {
	var svc, st = testService(t, DefaultConfig)
	var ctx = context.Background()

	var claim, _, err = svc.Begin(ctx, message("T1", "custom-key"))
	require.NoError(t, err)
	require.NoError(t, claim.Complete(ctx, "blotter/T1"))

	rec, err := st.FindIdempotency(ctx, "custom-key")
	require.NoError(t, err)
	require.Equal(t, "T1", rec.TradeID)

	// A different trade with the same key is a duplicate.
	_, dup, err := svc.Begin(ctx, message("T2", "custom-key"))
	require.NoError(t, err)
	require.NotNil(t, dup)
}
