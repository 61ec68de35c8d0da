// Package dlq parks unprocessable messages on a dead-letter topic with
// diagnostic headers. Publishing to the DLQ is best-effort: a failure is
// logged and counted but never surfaced, to prevent failure loops.
package dlq

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/crossrate/tradecap/broker"
	"github.com/crossrate/tradecap/labels"
)

var (
	dlqPublishedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradecap_dlq_published_total",
		Help: "Messages parked on a dead-letter topic.",
	}, []string{"topic", "reason"})
	dlqFailedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradecap_dlq_publish_failures_total",
		Help: "Failed attempts to park a message on a dead-letter topic.",
	}, []string{"topic"})
)

// Publisher writes dead-lettered messages to a fixed topic.
type Publisher struct {
	broker broker.Broker
	topic  string
}

// NewPublisher returns a Publisher for |topic|, defaulting to the primary
// dead-letter topic.
func NewPublisher(b broker.Broker, topic string) *Publisher {
	if topic == "" {
		topic = labels.DLQTopic
	}
	return &Publisher{broker: b, topic: topic}
}

// Publish parks |payload| with its original |headers| plus diagnostic
// headers naming the |reason| code and |cause|. It never returns an error.
func (p *Publisher) Publish(ctx context.Context, key string, payload []byte, headers map[string]string, reason string, cause error) {
	var out = make(map[string]string, len(headers)+3)
	for k, v := range headers {
		out[k] = v
	}
	out[labels.DLQReason] = reason
	out[labels.DLQTimestamp] = time.Now().UTC().Format(time.RFC3339Nano)
	if cause != nil {
		out[labels.DLQError] = cause.Error()
	}

	if err := p.broker.Publish(ctx, p.topic, key, payload, out); err != nil {
		dlqFailedCounter.WithLabelValues(p.topic).Inc()
		log.WithFields(log.Fields{
			"topic":  p.topic,
			"key":    key,
			"reason": reason,
			"err":    err,
		}).Error("failed to publish to dead-letter topic")
		return
	}
	dlqPublishedCounter.WithLabelValues(p.topic, reason).Inc()
}
