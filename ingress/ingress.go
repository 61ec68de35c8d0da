// Package ingress converts accepted trade-capture requests into wire
// messages and publishes them to the ingress topic.
package ingress

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/crossrate/tradecap/broker"
	"github.com/crossrate/tradecap/labels"
	"github.com/crossrate/tradecap/protocol"
)

var publishedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tradecap_ingress_published_total",
	Help: "Trade-capture messages published to the ingress topic.",
}, []string{"source"})

// Metadata accompanies an API-initiated trade.
type Metadata struct {
	JobID       string
	SourceAPI   string
	CallbackURL string
}

// Publisher converts requests to wire form and publishes them.
type Publisher struct {
	broker broker.Broker
	topic  string
}

// NewPublisher returns a Publisher for the ingress topic.
func NewPublisher(b broker.Broker) *Publisher {
	return &Publisher{broker: b, topic: labels.InputTopic}
}

// Publish validates |msg|, annotates it with job metadata and the publish
// timestamp, and publishes it keyed by partition key. It returns the
// assigned job id.
func (p *Publisher) Publish(ctx context.Context, msg *protocol.TradeCaptureMessage, meta Metadata) (string, error) {
	if err := msg.Validate(); err != nil {
		return "", fmt.Errorf("validating trade %q: %w", msg.TradeID, err)
	}

	var jobID = meta.JobID
	if jobID == "" {
		jobID = uuid.NewString()
	}
	var now = time.Now().UTC().Format(time.RFC3339Nano)
	var key = msg.EffectivePartitionKey()

	if msg.Metadata == nil {
		msg.Metadata = make(map[string]string)
	}
	msg.Metadata[labels.JobID] = jobID
	msg.Metadata[labels.PublishTimestamp] = now
	if meta.SourceAPI != "" {
		msg.Metadata[labels.SourceAPI] = meta.SourceAPI
	}
	if meta.CallbackURL != "" {
		msg.Metadata["callbackUrl"] = meta.CallbackURL
	}

	var payload, err = msg.Marshal()
	if err != nil {
		return "", fmt.Errorf("marshalling trade %q: %w", msg.TradeID, err)
	}

	var headers = map[string]string{
		labels.TradeID:          msg.TradeID,
		labels.PartitionKey:     key,
		labels.MessageType:      labels.MessageTypeTradeCapture,
		labels.JobID:            jobID,
		labels.PublishTimestamp: now,
	}
	if meta.SourceAPI != "" {
		headers[labels.SourceAPI] = meta.SourceAPI
	}

	if err = p.broker.Publish(ctx, p.topic, key, payload, headers); err != nil {
		return "", fmt.Errorf("publishing trade %q: %w", msg.TradeID, err)
	}

	publishedCounter.WithLabelValues(msg.Source.String()).Inc()
	log.WithFields(log.Fields{
		"tradeId":   msg.TradeID,
		"partition": key,
		"jobId":     jobID,
	}).Debug("published trade-capture message")
	return jobID, nil
}
