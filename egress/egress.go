// Package egress publishes completed swap blotters downstream: a primary
// broker topic whose failure aborts the pipeline, and optional HTTP
// webhooks whose failures are logged only.
package egress

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/crossrate/tradecap/broker"
	"github.com/crossrate/tradecap/labels"
	"github.com/crossrate/tradecap/protocol"
)

var (
	publishedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradecap_egress_published_total",
		Help: "Blotters published to the primary output topic.",
	}, []string{"topic"})
	webhookCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradecap_egress_webhook_deliveries_total",
		Help: "Webhook delivery attempts by outcome.",
	}, []string{"outcome"})
)

// Config names the output topic and webhook endpoints.
type Config struct {
	// Topic is the primary output topic.
	Topic string
	// WebhookURLs receive the blotter as an HTTP POST in parallel with
	// the primary publish.
	WebhookURLs []string
	// WebhookTimeout bounds each webhook POST.
	WebhookTimeout time.Duration
}

// DefaultConfig mirrors the configuration defaults.
var DefaultConfig = Config{
	Topic:          labels.OutputTopic,
	WebhookTimeout: 5 * time.Second,
}

// Publisher writes blotters to the configured outputs.
type Publisher struct {
	broker broker.Broker
	cfg    Config
	client *http.Client
}

// NewPublisher returns a Publisher over |b|.
func NewPublisher(b broker.Broker, cfg Config) *Publisher {
	if cfg.Topic == "" {
		cfg.Topic = DefaultConfig.Topic
	}
	if cfg.WebhookTimeout <= 0 {
		cfg.WebhookTimeout = DefaultConfig.WebhookTimeout
	}
	return &Publisher{
		broker: b,
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.WebhookTimeout},
	}
}

// Publish writes the canonical serialization of |blotter| to the primary
// topic, keyed by partition and annotated with trade and partition
// headers, then fans out to webhooks. A primary publish failure is
// returned; webhook failures are logged only.
func (p *Publisher) Publish(ctx context.Context, blotter *protocol.SwapBlotter, extraURLs ...string) error {
	var payload, err = blotter.Marshal()
	if err != nil {
		return fmt.Errorf("marshaling blotter %q: %w", blotter.TradeID, err)
	}
	var headers = map[string]string{
		labels.TradeID:      blotter.TradeID,
		labels.PartitionKey: blotter.PartitionKey,
		labels.MessageType:  labels.MessageTypeSwapBlotter,
	}
	if err = p.broker.Publish(ctx, p.cfg.Topic, blotter.PartitionKey, payload, headers); err != nil {
		return fmt.Errorf("publishing blotter %q to %s: %w", blotter.TradeID, p.cfg.Topic, err)
	}
	publishedCounter.WithLabelValues(p.cfg.Topic).Inc()

	var urls = append(append([]string(nil), p.cfg.WebhookURLs...), extraURLs...)
	if len(urls) != 0 {
		var wg sync.WaitGroup
		for _, url := range urls {
			if url == "" {
				continue
			}
			wg.Add(1)
			go func(url string) {
				defer wg.Done()
				p.deliverWebhook(ctx, url, blotter.TradeID, payload)
			}(url)
		}
		wg.Wait()
	}
	return nil
}

// deliverWebhook POSTs |payload| to |url|. Failures never propagate.
func (p *Publisher) deliverWebhook(ctx context.Context, url, tradeID string, payload []byte) {
	var req, err = http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err == nil {
		req.Header.Set("Content-Type", "application/json")
		var resp *http.Response
		if resp, err = p.client.Do(req); err == nil {
			resp.Body.Close()
			if resp.StatusCode >= 300 {
				err = fmt.Errorf("webhook returned %s", resp.Status)
			}
		}
	}
	if err != nil {
		webhookCounter.WithLabelValues("failure").Inc()
		log.WithFields(log.Fields{
			"trade": tradeID,
			"url":   url,
			"err":   err,
		}).Warn("webhook delivery failed")
		return
	}
	webhookCounter.WithLabelValues("success").Inc()
}
