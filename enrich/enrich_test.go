package enrich

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.gazette.dev/core/etcdtest"

	"github.com/crossrate/tradecap/coordination"
	"github.com/crossrate/tradecap/protocol"
	"github.com/crossrate/tradecap/refdata"
)

type countingClient struct {
	refdata.Client
	securityCalls atomic.Int32
	accountCalls  atomic.Int32
}

func (c *countingClient) Security(ctx context.Context, id string) (*refdata.Security, error) {
	c.securityCalls.Add(1)
	return c.Client.Security(ctx, id)
}

func (c *countingClient) Account(ctx context.Context, accountID, bookID string) (*refdata.Account, error) {
	c.accountCalls.Add(1)
	return c.Client.Account(ctx, accountID, bookID)
}

func testCoord(t *testing.T) *coordination.Store {
	var etcd = etcdtest.TestClient()
	t.Cleanup(etcdtest.Cleanup)

	var coord, err = coordination.NewStore(etcd, "/tradecap.test/"+t.Name())
	require.NoError(t, err)
	return coord
}

func trade() *protocol.TradeCaptureMessage {
	return &protocol.TradeCaptureMessage{
		TradeID:    "T1",
		AccountID:  "ACC1",
		BookID:     "BOOK1",
		SecurityID: "SEC1",
	}
}

func TestCompletePartialFailed(t *testing.T) {
	var ctx = context.Background()

	var svc = NewService(&refdata.Mock{}, nil, DefaultConfig)
	status, enriched := svc.Enrich(ctx, trade())
	require.Equal(t, protocol.EnrichmentComplete, status)
	require.Equal(t, "Security SEC1", enriched.Security.SecurityName)
	require.Equal(t, "Account ACC1", enriched.Account.AccountName)

	svc = NewService(&refdata.Mock{Missing: map[string]bool{"SEC1": true}}, nil, DefaultConfig)
	status, enriched = svc.Enrich(ctx, trade())
	require.Equal(t, protocol.EnrichmentPartial, status)
	require.Nil(t, enriched.Security)
	require.NotNil(t, enriched.Account)

	svc = NewService(&refdata.Mock{Missing: map[string]bool{"SEC1": true, "ACC1": true}}, nil, DefaultConfig)
	status, enriched = svc.Enrich(ctx, trade())
	require.Equal(t, protocol.EnrichmentFailed, status)
	require.Nil(t, enriched.Security)
	require.Nil(t, enriched.Account)
}

func TestCachePopulationAndHits(t *testing.T) {
	var ctx = context.Background()
	var client = &countingClient{Client: &refdata.Mock{}}
	var svc = NewService(client, testCoord(t), DefaultConfig)

	status, _ := svc.Enrich(ctx, trade())
	require.Equal(t, protocol.EnrichmentComplete, status)
	require.Equal(t, int32(1), client.securityCalls.Load())
	require.Equal(t, int32(1), client.accountCalls.Load())

	// The second enrichment is served entirely from the cache.
	status, enriched := svc.Enrich(ctx, trade())
	require.Equal(t, protocol.EnrichmentComplete, status)
	require.Equal(t, int32(1), client.securityCalls.Load())
	require.Equal(t, int32(1), client.accountCalls.Load())
	require.Equal(t, "Security SEC1", enriched.Security.SecurityName)
}

func TestMissesAreNotCached(t *testing.T) {
	var ctx = context.Background()
	var client = &countingClient{Client: &refdata.Mock{Missing: map[string]bool{"SEC1": true}}}
	var svc = NewService(client, testCoord(t), DefaultConfig)

	var status, _ = svc.Enrich(ctx, trade())
	require.Equal(t, protocol.EnrichmentPartial, status)

	status, _ = svc.Enrich(ctx, trade())
	require.Equal(t, protocol.EnrichmentPartial, status)
	require.Equal(t, int32(2), client.securityCalls.Load())
}
