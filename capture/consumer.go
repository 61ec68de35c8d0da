package capture

import (
	"context"
	"errors"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/crossrate/tradecap/backpressure"
	"github.com/crossrate/tradecap/broker"
	"github.com/crossrate/tradecap/dlq"
	"github.com/crossrate/tradecap/labels"
	"github.com/crossrate/tradecap/protocol"
)

// errBackpressure leaves a delivery unacknowledged for redelivery.
var errBackpressure = errors.New("in-process queue is full")

// Consumer subscribes to the partition subtopics and feeds the
// orchestrator, one message at a time per subscription.
type Consumer struct {
	broker  broker.Broker
	service *Service
	dlq     *dlq.Publisher
	monitor atomic.Pointer[backpressure.Monitor]
	bpCfg   backpressure.Config
}

// NewConsumer returns a Consumer over |b| and |svc|.
func NewConsumer(b broker.Broker, svc *Service, dlqPub *dlq.Publisher, bpCfg backpressure.Config) *Consumer {
	return &Consumer{broker: b, service: svc, dlq: dlqPub, bpCfg: bpCfg}
}

// Monitor is the backpressure monitor of the live subscription, nil until
// Serve has subscribed.
func (c *Consumer) Monitor() *backpressure.Monitor { return c.monitor.Load() }

// Serve subscribes, runs the backpressure monitor, and blocks until |ctx|
// is done. In-flight deliveries drain before return.
func (c *Consumer) Serve(ctx context.Context) error {
	var sub, err = c.broker.Subscribe(ctx, labels.PartitionSubtopicPattern, c.handle)
	if err != nil {
		return err
	}
	var monitor = backpressure.NewMonitor(sub, c.bpCfg)
	c.monitor.Store(monitor)

	var monitorCtx, cancel = context.WithCancel(ctx)
	var done = make(chan struct{})
	go func() {
		_ = monitor.Serve(monitorCtx)
		close(done)
	}()

	<-ctx.Done()
	cancel()
	<-done
	return sub.Close()
}

// handle is the subscription handler. A nil return acknowledges; an error
// leaves the delivery for the broker to redeliver.
func (c *Consumer) handle(ctx context.Context, m broker.Message) error {
	if monitor := c.monitor.Load(); monitor != nil {
		if !monitor.CanProcess() {
			return errBackpressure
		}
		defer monitor.Admit()()
	}

	var msg protocol.TradeCaptureMessage
	if err := msg.Unmarshal(m.Payload); err != nil {
		c.dlq.Publish(ctx, m.Key, m.Payload, m.Headers, "PARSE_FAILED", err)
		return nil
	}

	var result = c.service.Capture(ctx, &msg)
	if result.Outcome != OutcomeFailed {
		return nil
	}
	switch result.Error.Code {
	case CodeLockAcquisitionFailed, CodeRateLimitExceeded:
		// Transient and safe to retry: redeliver rather than dead-letter.
		return errors.New(result.Error.Message)
	default:
		var payload, err = msg.Marshal()
		if err != nil {
			log.WithFields(log.Fields{"trade": msg.TradeID, "err": err}).
				Error("cannot marshal failed message for DLQ")
			return nil
		}
		c.dlq.Publish(ctx, msg.EffectivePartitionKey(), payload, m.Headers,
			result.Error.Code, errors.New(result.Error.Message))
		return nil
	}
}
