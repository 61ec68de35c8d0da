package egress

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crossrate/tradecap/broker"
	"github.com/crossrate/tradecap/labels"
	"github.com/crossrate/tradecap/protocol"
)

func blotter() *protocol.SwapBlotter {
	return &protocol.SwapBlotter{
		TradeID:        "T1",
		PartitionKey:   "ACC1-BOOK1-SEC1",
		State:          protocol.PositionExecuted,
		WorkflowStatus: protocol.WorkflowApproved,
	}
}

func TestPublishPrimaryTopic(t *testing.T) {
	var b = broker.NewMem(broker.DefaultMemConfig)
	defer b.Close()

	var got = make(chan broker.Message, 1)
	var sub, err = b.Subscribe(context.Background(), labels.OutputTopic,
		func(_ context.Context, m broker.Message) error {
			got <- m
			return nil
		})
	require.NoError(t, err)
	defer sub.Close()

	var pub = NewPublisher(b, DefaultConfig)
	require.NoError(t, pub.Publish(context.Background(), blotter()))

	select {
	case m := <-got:
		require.Equal(t, "T1", m.Headers[labels.TradeID])
		require.Equal(t, "ACC1-BOOK1-SEC1", m.Headers[labels.PartitionKey])
		require.Equal(t, labels.MessageTypeSwapBlotter, m.Headers[labels.MessageType])

		var out protocol.SwapBlotter
		require.NoError(t, out.Unmarshal(m.Payload))
		require.Equal(t, "T1", out.TradeID)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for output delivery")
	}
}

func TestPrimaryFailureAborts(t *testing.T) {
	var b = broker.NewMem(broker.DefaultMemConfig)
	require.NoError(t, b.Close())

	var pub = NewPublisher(b, DefaultConfig)
	require.ErrorIs(t, pub.Publish(context.Background(), blotter()), broker.ErrClosed)
}

func TestWebhookFailureIsSwallowed(t *testing.T) {
	var b = broker.NewMem(broker.DefaultMemConfig)
	defer b.Close()

	var delivered atomic.Int32
	var ok = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body, _ = io.ReadAll(r.Body)
		var out protocol.SwapBlotter
		require.NoError(t, out.Unmarshal(body))
		delivered.Add(1)
	}))
	defer ok.Close()
	var failing = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer failing.Close()

	var cfg = DefaultConfig
	cfg.WebhookURLs = []string{ok.URL, failing.URL}
	var pub = NewPublisher(b, cfg)

	require.NoError(t, pub.Publish(context.Background(), blotter()))
	require.Equal(t, int32(1), delivered.Load())
}

func TestCallbackURLIsAdditive(t *testing.T) {
	var b = broker.NewMem(broker.DefaultMemConfig)
	defer b.Close()

	var delivered atomic.Int32
	var srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		delivered.Add(1)
	}))
	defer srv.Close()

	var pub = NewPublisher(b, DefaultConfig)
	require.NoError(t, pub.Publish(context.Background(), blotter(), srv.URL))
	require.Equal(t, int32(1), delivered.Load())
}
