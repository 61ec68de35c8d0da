// Package backpressure pauses and resumes a broker subscription from
// sampled consumer lag, and gates admission on in-process queue depth.
package backpressure

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/crossrate/tradecap/broker"
)

var (
	lagGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradecap_backpressure_consumer_lag",
		Help: "Last sampled consumer lag of the monitored subscription.",
	})
	pausedGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradecap_backpressure_paused",
		Help: "Whether the monitored subscription is paused (1) or running (0).",
	})
	rejectionsCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradecap_backpressure_rejections_total",
		Help: "Messages rejected by the in-process queue bound.",
	})
)

// Config tunes the monitor.
type Config struct {
	// HighWaterMark pauses the subscription when lag reaches it.
	HighWaterMark int64
	// LowWaterMark resumes the subscription when lag falls below it.
	LowWaterMark int64
	// MaxQueueDepth bounds concurrently admitted messages.
	MaxQueueDepth int64
	// PollInterval is the lag sampling cadence.
	PollInterval time.Duration
}

// DefaultConfig mirrors the configuration defaults.
var DefaultConfig = Config{
	HighWaterMark: 10000,
	LowWaterMark:  1000,
	MaxQueueDepth: 64,
	PollInterval:  5 * time.Second,
}

// Monitor samples subscription lag and maintains the pause state machine.
type Monitor struct {
	sub    broker.Subscription
	cfg    Config
	paused atomic.Bool
	depth  atomic.Int64
}

// NewMonitor returns a Monitor over |sub|.
func NewMonitor(sub broker.Subscription, cfg Config) *Monitor {
	if cfg.HighWaterMark <= 0 {
		cfg.HighWaterMark = DefaultConfig.HighWaterMark
	}
	if cfg.LowWaterMark <= 0 {
		cfg.LowWaterMark = DefaultConfig.LowWaterMark
	}
	if cfg.MaxQueueDepth <= 0 {
		cfg.MaxQueueDepth = DefaultConfig.MaxQueueDepth
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig.PollInterval
	}
	return &Monitor{sub: sub, cfg: cfg}
}

// CanProcess reports whether another message may be admitted. A false
// return means the caller rejects the delivery and lets the broker
// redeliver it.
func (m *Monitor) CanProcess() bool {
	if m.depth.Load() >= m.cfg.MaxQueueDepth {
		rejectionsCounter.Inc()
		return false
	}
	return true
}

// Admit records a message entering processing. The returned func must be
// called when processing completes.
func (m *Monitor) Admit() func() {
	m.depth.Add(1)
	return func() { m.depth.Add(-1) }
}

// QueueDepth reports messages currently in process.
func (m *Monitor) QueueDepth() int64 { return m.depth.Load() }

// Paused reports whether the subscription is currently paused.
func (m *Monitor) Paused() bool { return m.paused.Load() }

// sample reads lag once and drives the pause state machine.
func (m *Monitor) sample(ctx context.Context) {
	var lag, err = m.sub.Lag(ctx)
	if err != nil {
		log.WithField("err", err).Warn("failed to sample consumer lag")
		return
	}
	lagGauge.Set(float64(lag))

	switch {
	case !m.paused.Load() && lag >= m.cfg.HighWaterMark:
		m.sub.Pause()
		m.paused.Store(true)
		pausedGauge.Set(1)
		log.WithFields(log.Fields{
			"lag":           lag,
			"highWaterMark": m.cfg.HighWaterMark,
		}).Warn("consumer lag exceeds high water mark; pausing subscription")

	case m.paused.Load() && lag < m.cfg.LowWaterMark:
		m.sub.Resume()
		m.paused.Store(false)
		pausedGauge.Set(0)
		log.WithFields(log.Fields{
			"lag":          lag,
			"lowWaterMark": m.cfg.LowWaterMark,
		}).Info("consumer lag fell below low water mark; resuming subscription")
	}
}

// Serve samples lag on the poll interval until |ctx| is done.
func (m *Monitor) Serve(ctx context.Context) error {
	var ticker = time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sample(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}
