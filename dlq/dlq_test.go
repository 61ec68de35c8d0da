package dlq

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crossrate/tradecap/broker"
	"github.com/crossrate/tradecap/labels"
)

func TestPublishAddsDiagnosticHeaders(t *testing.T) {
	var m = broker.NewMem(broker.DefaultMemConfig)
	defer m.Close()
	var ctx = context.Background()

	var got = make(chan broker.Message, 1)
	var sub, err = m.Subscribe(ctx, labels.DLQTopic, func(_ context.Context, msg broker.Message) error {
		got <- msg
		return nil
	})
	require.NoError(t, err)
	defer sub.Close()

	var p = NewPublisher(m, "")
	p.Publish(ctx, "ACC1-BOOK1-SEC1", []byte("payload"),
		map[string]string{labels.TradeID: "T1"},
		"GAP_TOO_LARGE", errors.New("sequence 2000 exceeds window"))

	select {
	case msg := <-got:
		require.Equal(t, "ACC1-BOOK1-SEC1", msg.Key)
		require.Equal(t, []byte("payload"), msg.Payload)
		require.Equal(t, "T1", msg.Headers[labels.TradeID])
		require.Equal(t, "GAP_TOO_LARGE", msg.Headers[labels.DLQReason])
		require.Equal(t, "sequence 2000 exceeds window", msg.Headers[labels.DLQError])
		require.NotEmpty(t, msg.Headers[labels.DLQTimestamp])
	case <-time.After(time.Second):
		t.Fatal("timed out awaiting DLQ delivery")
	}
}

func TestPublishFailureIsSwallowed(t *testing.T) {
	var m = broker.NewMem(broker.DefaultMemConfig)
	require.NoError(t, m.Close())

	// Publishing into a closed broker logs but does not panic or throw.
	NewPublisher(m, "").Publish(context.Background(), "k", nil, nil, "TEST", nil)
}
