package runtime

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.gazette.dev/core/etcdtest"
	"go.gazette.dev/core/task"

	"github.com/crossrate/tradecap/broker"
	"github.com/crossrate/tradecap/ingress"
	"github.com/crossrate/tradecap/protocol"
)

func TestNewBrokerProviderSelection(t *testing.T) {
	var ctx = context.Background()

	var b, err = MessagingConfig{Provider: "jms"}.NewBroker(ctx, nil, nil)
	require.NoError(t, err)
	require.IsType(t, &broker.Mem{}, b)
	require.NoError(t, b.Close())

	_, err = MessagingConfig{Provider: "log"}.NewBroker(ctx, nil, nil)
	require.ErrorContains(t, err, "requires a broker client")

	_, err = MessagingConfig{Provider: "kafka"}.NewBroker(ctx, nil, nil)
	require.ErrorContains(t, err, "unknown messaging provider")
}

func TestRouterRefusesJMSProvider(t *testing.T) {
	var etcd = etcdtest.TestClient()
	t.Cleanup(etcdtest.Cleanup)

	var cfg RouterConfig
	cfg.Tradecap.CoordinationPrefix = "/tradecap.test/" + t.Name()
	cfg.Messaging.Provider = "jms"

	var _, err = StartRouter(cfg, Args{Tasks: task.NewGroup(context.Background()), Etcd: etcd})
	require.ErrorContains(t, err, "inside the consumer process")
}

func TestStartConsumerEndToEnd(t *testing.T) {
	var etcd = etcdtest.TestClient()
	t.Cleanup(etcdtest.Cleanup)

	var cfg ConsumerConfig
	cfg.Tradecap.CoordinationPrefix = "/tradecap.test/" + t.Name()
	cfg.Messaging.Provider = "jms"
	cfg.Store.Path = filepath.Join(t.TempDir(), "tradecap.db")
	cfg.Sequence.WindowSize = 1000
	cfg.Sequence.TimeWindowDays = 7

	var tasks = task.NewGroup(context.Background())
	var consumer, err = StartConsumer(cfg, Args{Tasks: tasks, Etcd: etcd})
	require.NoError(t, err)
	defer consumer.Store.Close()
	tasks.GoRun()

	// Publish through the ingress: the in-process router fans the message
	// to its partition subtopic and the consumer captures it.
	var ctx = context.Background()
	_, err = consumer.Ingress.Publish(ctx, &protocol.TradeCaptureMessage{
		TradeID:         "T1",
		AccountID:       "A",
		BookID:          "B",
		SecurityID:      "US0378331005",
		Source:          protocol.SourceAutomated,
		TradeDate:       "2024-01-31",
		TradeTimestamp:  time.Now(),
		SequenceNumber:  1,
		CounterpartyIDs: []string{"C1"},
		TradeLots: []protocol.TradeLot{{
			LotIDs:          []string{"L1"},
			PriceQuantities: []protocol.PriceQuantity{{Quantity: 100, QuantityUnit: "SHARES", Price: 10, PriceUnit: "USD"}},
		}},
	}, ingress.Metadata{SourceAPI: "test"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		var blotter, err = consumer.Store.FindSwapBlotterByTradeID(ctx, "T1")
		return err == nil && blotter.WorkflowStatus == protocol.WorkflowApproved
	}, 10*time.Second, 50*time.Millisecond)

	tasks.Cancel()
	require.NoError(t, tasks.Wait())
}
