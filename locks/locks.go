// Package locks provides the distributed per-partition lock which
// serialises orchestrator runs across instances. The lock is a TTL'd
// set-if-absent key holding a unique fencing value; release and extension
// are refused unless the value still matches. Coordination-store failures
// are fatal to the call: locking fails closed.
package locks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/crossrate/tradecap/coordination"
)

// ErrAcquisitionTimeout is returned when the lock is not obtained within
// the caller's wait budget.
var ErrAcquisitionTimeout = errors.New("lock acquisition timed out")

var (
	acquisitionsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradecap_lock_acquisitions_total",
		Help: "Partition lock acquisition outcomes.",
	}, []string{"outcome"})
	acquisitionWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tradecap_lock_acquisition_wait_seconds",
		Help:    "Time spent waiting to acquire a partition lock.",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
	})
)

// Config bounds lock holds and waits.
type Config struct {
	// DefaultHold is the lock TTL applied when Acquire is given a zero
	// hold. Crashed holders release by letting the TTL lapse.
	DefaultHold time.Duration
	// DefaultWait is the acquisition budget applied when Acquire is
	// given a zero maxWait.
	DefaultWait time.Duration
}

// DefaultConfig mirrors the configuration defaults.
var DefaultConfig = Config{
	DefaultHold: 30 * time.Second,
	DefaultWait: 10 * time.Second,
}

// Service acquires partition locks over the coordination store.
type Service struct {
	coord *coordination.Store
	cfg   Config
}

// NewService returns a lock Service.
func NewService(coord *coordination.Store, cfg Config) *Service {
	if cfg.DefaultHold <= 0 {
		cfg.DefaultHold = DefaultConfig.DefaultHold
	}
	if cfg.DefaultWait < 0 {
		cfg.DefaultWait = DefaultConfig.DefaultWait
	}
	return &Service{coord: coord, cfg: cfg}
}

// Lock is a held partition lock.
type Lock struct {
	svc   *Service
	key   string
	value string
	hold  time.Duration
}

func lockKey(partitionKey string) string { return "locks/" + partitionKey }

// Acquire obtains the lock for |partitionKey|, retrying with exponential
// backoff and jitter until it is held or |maxWait| elapses. A |maxWait| of
// zero makes exactly one attempt. Store errors are returned as-is; the
// caller must not proceed without the lock.
func (s *Service) Acquire(ctx context.Context, partitionKey string, hold, maxWait time.Duration) (*Lock, error) {
	if hold <= 0 {
		hold = s.cfg.DefaultHold
	}

	var value = uuid.NewString()
	var key = lockKey(partitionKey)
	var started = time.Now()
	var deadline = started.Add(maxWait)

	var bo = backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxInterval = 250 * time.Millisecond
	bo.MaxElapsedTime = 0

	for {
		var created, _, err = s.coord.SetIfAbsent(ctx, key, value, hold)
		if err != nil {
			acquisitionsCounter.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("acquiring lock %q: %w", partitionKey, err)
		}
		if created {
			acquisitionsCounter.WithLabelValues("acquired").Inc()
			acquisitionWait.Observe(time.Since(started).Seconds())
			return &Lock{svc: s, key: key, value: value, hold: hold}, nil
		}

		var wait = bo.NextBackOff()
		if time.Now().Add(wait).After(deadline) {
			acquisitionsCounter.WithLabelValues("timeout").Inc()
			return nil, fmt.Errorf("lock %q: %w", partitionKey, ErrAcquisitionTimeout)
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// IsLocked reports whether the partition is currently locked, for
// introspection only.
func (s *Service) IsLocked(ctx context.Context, partitionKey string) (bool, error) {
	var _, err = s.coord.Get(ctx, lockKey(partitionKey))
	if err == coordination.ErrNotFound {
		return false, nil
	} else if err != nil {
		return false, err
	}
	return true, nil
}

// Release deletes the lock if this holder still owns it. Releasing a lock
// which expired and was re-acquired elsewhere is a no-op with a warning.
func (l *Lock) Release(ctx context.Context) {
	var ok, err = l.svc.coord.CompareAndDelete(ctx, l.key, l.value)
	if err != nil {
		log.WithFields(log.Fields{"key": l.key, "err": err}).
			Warn("failed to release lock; TTL will reclaim it")
	} else if !ok {
		log.WithField("key", l.key).Warn("lock was no longer held at release")
	}
}

// Extend renews the lock TTL to |extra| from now, failing if this holder
// no longer owns the lock.
func (l *Lock) Extend(ctx context.Context, extra time.Duration) error {
	if extra <= 0 {
		extra = l.hold
	}
	var ok, err = l.svc.coord.CompareAndSetWithTTL(ctx, l.key, l.value, l.value, extra)
	if err != nil {
		return fmt.Errorf("extending lock %q: %w", l.key, err)
	} else if !ok {
		return fmt.Errorf("extending lock %q: no longer held", l.key)
	}
	return nil
}
