// Package sequence enforces per-partition, in-order processing. Messages
// arriving ahead of their predecessors are buffered in process memory and
// replayed once the gap closes; stale or far-future sequences are rejected.
// Buffered messages are not durable: a crash loses them and the broker's
// redelivery or the sweep timeout compensates.
package sequence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/crossrate/tradecap/dlq"
	"github.com/crossrate/tradecap/labels"
	"github.com/crossrate/tradecap/protocol"
	"github.com/crossrate/tradecap/store"
)

// Disposition is the validator's decision for one message.
type Disposition int

const (
	// DispositionProcess admits the message for immediate processing.
	DispositionProcess Disposition = iota
	// DispositionBuffered holds the message until predecessors arrive.
	DispositionBuffered
	// DispositionTooOld rejects a sequence at or below the watermark.
	DispositionTooOld
	// DispositionGapTooLarge rejects a sequence beyond the buffer window.
	DispositionGapTooLarge
)

func (d Disposition) String() string {
	switch d {
	case DispositionProcess:
		return "PROCESS"
	case DispositionBuffered:
		return "BUFFERED"
	case DispositionTooOld:
		return "OUT_OF_ORDER_TOO_OLD"
	case DispositionGapTooLarge:
		return "GAP_TOO_LARGE"
	default:
		return fmt.Sprintf("Disposition(%d)", d)
	}
}

var (
	dispositionsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradecap_sequence_dispositions_total",
		Help: "Sequence validation dispositions.",
	}, []string{"disposition"})
	bufferedGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradecap_sequence_buffered_messages",
		Help: "Messages held in out-of-order buffers.",
	})
	sweepDrainedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradecap_sequence_sweep_drained_total",
		Help: "Buffered messages drained to the DLQ by the sweeper.",
	})
)

// Processor re-runs the pipeline for a drained buffered message. The
// orchestrator implements it; the interface breaks the cycle between the
// buffer and the orchestrator.
type Processor interface {
	Process(ctx context.Context, msg *protocol.TradeCaptureMessage) error
}

// Config tunes the validator and buffer.
type Config struct {
	// Enabled gates validation entirely; when false every message is
	// admitted in arrival order.
	Enabled bool
	// BufferWindow is the maximum admissible lead over the watermark.
	BufferWindow int64
	// BufferTimeout drains a partition's whole buffer to the DLQ once
	// its oldest entry is this stale.
	BufferTimeout time.Duration
	// TimeWindow is the booking-timestamp lookback: a future-sequence
	// message booked earlier than this is processed immediately rather
	// than buffered.
	TimeWindow time.Duration
	// SweepInterval is the sweeper cadence.
	SweepInterval time.Duration
}

// DefaultConfig mirrors the configuration defaults.
var DefaultConfig = Config{
	Enabled:       true,
	BufferWindow:  1000,
	BufferTimeout: 300 * time.Second,
	TimeWindow:    7 * 24 * time.Hour,
	SweepInterval: 30 * time.Second,
}

type buffered struct {
	msg        *protocol.TradeCaptureMessage
	bufferedAt time.Time
}

// Validator decides message order per partition and owns the out-of-order
// buffers.
type Validator struct {
	store *store.Store
	dlq   *dlq.Publisher
	proc  Processor
	cfg   Config
	now   func() time.Time

	mu       sync.Mutex
	buffers  map[string]map[int64]buffered
	draining map[string]bool
}

// NewValidator returns a Validator. |proc| is set later with SetProcessor
// if the orchestrator is constructed after the validator.
func NewValidator(st *store.Store, dlqPub *dlq.Publisher, cfg Config) *Validator {
	if cfg.BufferWindow <= 0 {
		cfg.BufferWindow = DefaultConfig.BufferWindow
	}
	if cfg.BufferTimeout <= 0 {
		cfg.BufferTimeout = DefaultConfig.BufferTimeout
	}
	if cfg.TimeWindow <= 0 {
		cfg.TimeWindow = DefaultConfig.TimeWindow
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig.SweepInterval
	}
	return &Validator{
		store:    st,
		dlq:      dlqPub,
		cfg:      cfg,
		now:      time.Now,
		buffers:  make(map[string]map[int64]buffered),
		draining: make(map[string]bool),
	}
}

// SetProcessor wires the drain target.
func (v *Validator) SetProcessor(proc Processor) { v.proc = proc }

// Check decides the disposition of |msg|. A BUFFERED disposition has
// retained the message; the caller acknowledges it and moves on.
func (v *Validator) Check(ctx context.Context, msg *protocol.TradeCaptureMessage) (Disposition, error) {
	if !v.cfg.Enabled || msg.SequenceNumber == 0 {
		return DispositionProcess, nil
	}

	var partitionKey = msg.EffectivePartitionKey()
	var last, err = v.watermark(ctx, partitionKey)
	if err != nil {
		return 0, err
	}
	var s = int64(msg.SequenceNumber)

	var d Disposition
	switch {
	case s == last+1:
		d = DispositionProcess
	case s <= last:
		d = DispositionTooOld
	case s <= last+v.cfg.BufferWindow:
		if v.now().Sub(msg.EffectiveBookingTimestamp()) > v.cfg.TimeWindow {
			// Too old to wait for predecessors which may never come.
			d = DispositionProcess
		} else {
			v.buffer(partitionKey, s, msg)
			d = DispositionBuffered
		}
	default:
		d = DispositionGapTooLarge
	}

	dispositionsCounter.WithLabelValues(d.String()).Inc()
	return d, nil
}

// watermark reads the partition's last processed sequence.
func (v *Validator) watermark(ctx context.Context, partitionKey string) (int64, error) {
	var st, err = v.store.FindPartitionState(ctx, partitionKey)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	} else if err != nil {
		return 0, fmt.Errorf("reading sequence watermark %q: %w", partitionKey, err)
	}
	return st.LastSequence, nil
}

// buffer retains |msg| at |s|, overwriting a prior message with the same
// sequence.
func (v *Validator) buffer(partitionKey string, s int64, msg *protocol.TradeCaptureMessage) {
	v.mu.Lock()
	defer v.mu.Unlock()

	var partition = v.buffers[partitionKey]
	if partition == nil {
		partition = make(map[int64]buffered)
		v.buffers[partitionKey] = partition
	}
	if _, ok := partition[s]; !ok {
		bufferedGauge.Inc()
	}
	partition[s] = buffered{msg: msg, bufferedAt: v.now()}
}

// BufferedCount reports the number of buffered messages for a partition.
func (v *Validator) BufferedCount(partitionKey string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.buffers[partitionKey])
}

// OnProcessed drains contiguous buffered successors of |seq| back through
// the processor. Re-entrant calls made by the processor itself return
// immediately; the outer drain continues the chain.
func (v *Validator) OnProcessed(ctx context.Context, partitionKey string, seq int64) {
	if v.proc == nil {
		return
	}

	v.mu.Lock()
	if v.draining[partitionKey] {
		v.mu.Unlock()
		return
	}
	v.draining[partitionKey] = true
	v.mu.Unlock()

	defer func() {
		v.mu.Lock()
		delete(v.draining, partitionKey)
		v.mu.Unlock()
	}()

	for next := seq + 1; ; next++ {
		v.mu.Lock()
		var entry, ok = v.buffers[partitionKey][next]
		if ok {
			delete(v.buffers[partitionKey], next)
			if len(v.buffers[partitionKey]) == 0 {
				delete(v.buffers, partitionKey)
			}
			bufferedGauge.Dec()
		}
		v.mu.Unlock()

		if !ok {
			return
		}
		log.WithFields(log.Fields{
			"partition": partitionKey,
			"sequence":  next,
		}).Info("draining buffered message")

		if err := v.proc.Process(ctx, entry.msg); err != nil {
			log.WithFields(log.Fields{
				"partition": partitionKey,
				"sequence":  next,
				"err":       err,
			}).Warn("drained message failed; stopping drain")
			return
		}
	}
}

// Sweep drains every partition whose oldest buffered entry is older than
// the buffer timeout, sending its entire buffer to the DLQ.
func (v *Validator) Sweep(ctx context.Context) {
	var cutoff = v.now().Add(-v.cfg.BufferTimeout)

	v.mu.Lock()
	var expired = make(map[string]map[int64]buffered)
	for partitionKey, partition := range v.buffers {
		for _, entry := range partition {
			if entry.bufferedAt.Before(cutoff) {
				expired[partitionKey] = partition
				break
			}
		}
	}
	for partitionKey, partition := range expired {
		delete(v.buffers, partitionKey)
		bufferedGauge.Sub(float64(len(partition)))
	}
	v.mu.Unlock()

	for partitionKey, partition := range expired {
		for s, entry := range partition {
			var payload, err = entry.msg.Marshal()
			if err != nil {
				log.WithFields(log.Fields{"partition": partitionKey, "sequence": s, "err": err}).
					Error("dropping unmarshalable buffered message")
				continue
			}
			v.dlq.Publish(ctx, partitionKey, payload, map[string]string{
				labels.TradeID:      entry.msg.TradeID,
				labels.PartitionKey: partitionKey,
			}, "TIMEOUT", fmt.Errorf("buffered %v waiting for sequence predecessors", v.now().Sub(entry.bufferedAt).Truncate(time.Second)))
			sweepDrainedCounter.Inc()
		}
		log.WithFields(log.Fields{
			"partition": partitionKey,
			"count":     len(partition),
		}).Warn("drained timed-out buffer to DLQ")
	}
}

// Serve runs the periodic sweeper until |ctx| is done.
func (v *Validator) Serve(ctx context.Context) error {
	var ticker = time.NewTicker(v.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			v.Sweep(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}
