// Package router fans the single ingress topic out into per-partition
// subtopics. It is stateless: multiple instances may run concurrently
// behind the broker's own queue semantics.
package router

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/crossrate/tradecap/broker"
	"github.com/crossrate/tradecap/dlq"
	"github.com/crossrate/tradecap/labels"
	"github.com/crossrate/tradecap/protocol"
)

var (
	messagesRoutedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradecap_router_messages_routed_total",
		Help: "Messages republished to a partition subtopic.",
	}, []string{"partition"})
	routingFailuresCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradecap_router_failures_total",
		Help: "Messages which could not be routed and were dead-lettered.",
	})
	partitionsObservedGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradecap_router_partitions_observed",
		Help: "Distinct partition keys observed since start.",
	})
)

// Router consumes the ingress topic and republishes each message to its
// partition subtopic, byte-for-byte.
type Router struct {
	broker broker.Broker
	dlq    *dlq.Publisher

	mu       sync.Mutex
	observed map[string]struct{}
}

// NewRouter returns a Router over |b|, dead-lettering unroutable messages
// to the router DLQ topic.
func NewRouter(b broker.Broker) *Router {
	return &Router{
		broker:   b,
		dlq:      dlq.NewPublisher(b, labels.RouterDLQTopic),
		observed: make(map[string]struct{}),
	}
}

// Serve subscribes to the ingress topic and routes until |ctx| is done.
func (r *Router) Serve(ctx context.Context) error {
	var sub, err = r.broker.Subscribe(ctx, labels.InputTopic, r.route)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", labels.InputTopic, err)
	}
	<-ctx.Done()
	return sub.Close()
}

// route handles one ingress delivery. Parse and partition-key failures are
// dead-lettered and acknowledged so the broker does not redeliver them;
// republish failures are returned so that it does.
func (r *Router) route(ctx context.Context, msg broker.Message) error {
	var trade protocol.TradeCaptureMessage
	if err := trade.Unmarshal(msg.Payload); err != nil {
		routingFailuresCounter.Inc()
		r.dlq.Publish(ctx, msg.Key, msg.Payload, msg.Headers, "PARSE_FAILED", err)
		return nil
	}

	var key = trade.EffectivePartitionKey()
	if key == "" {
		routingFailuresCounter.Inc()
		r.dlq.Publish(ctx, msg.Key, msg.Payload, msg.Headers, "ROUTING_FAILED",
			fmt.Errorf("message %q has no derivable partition key", trade.TradeID))
		return nil
	}
	var sanitized = protocol.SanitizePartitionKey(key)

	var headers = make(map[string]string, len(msg.Headers)+4)
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers[labels.TradeID] = trade.TradeID
	headers[labels.PartitionKey] = key
	headers[labels.MessageType] = labels.MessageTypeTradeCapture
	headers[labels.RoutedFrom] = msg.Topic

	var subtopic = labels.PartitionSubtopic(sanitized)
	if err := r.broker.Publish(ctx, subtopic, sanitized, msg.Payload, headers); err != nil {
		return fmt.Errorf("republishing %q to %s: %w", trade.TradeID, subtopic, err)
	}

	r.mu.Lock()
	if _, ok := r.observed[sanitized]; !ok {
		r.observed[sanitized] = struct{}{}
		partitionsObservedGauge.Set(float64(len(r.observed)))
	}
	r.mu.Unlock()

	messagesRoutedCounter.WithLabelValues(sanitized).Inc()
	log.WithFields(log.Fields{
		"tradeId":   trade.TradeID,
		"partition": sanitized,
		"subtopic":  subtopic,
	}).Debug("routed trade-capture message")
	return nil
}
