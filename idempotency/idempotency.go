// Package idempotency provides two-tier duplicate suppression: a hot
// in-process cache over the durable idempotency table. The cache is an
// optimisation only; correctness derives from the unique key constraint in
// the durable store. Store errors are returned to the caller: idempotency
// fails closed.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/crossrate/tradecap/protocol"
	"github.com/crossrate/tradecap/store"
)

var checksCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tradecap_idempotency_checks_total",
	Help: "Idempotency check outcomes.",
}, []string{"outcome"})

// Config sizes the idempotency window and hot cache.
type Config struct {
	// Window is how long a COMPLETED record answers duplicates.
	Window time.Duration
	// CacheTTL bounds hot-cache entries; it defaults to Window.
	CacheTTL time.Duration
	// CacheSize bounds hot-cache entries.
	CacheSize int
}

// DefaultConfig mirrors the configuration defaults.
var DefaultConfig = Config{
	Window:    24 * time.Hour,
	CacheSize: 4096,
}

type cacheEntry struct {
	status     store.IdempotencyStatus
	blotterRef string
}

// Service claims idempotency keys and records their outcomes.
type Service struct {
	store  *store.Store
	cache  *expirable.LRU[string, cacheEntry]
	window time.Duration
	now    func() time.Time
}

// NewService returns an idempotency Service over |st|.
func NewService(st *store.Store, cfg Config) *Service {
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig.Window
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = cfg.Window
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultConfig.CacheSize
	}
	return &Service{
		store:  st,
		cache:  expirable.NewLRU[string, cacheEntry](cfg.CacheSize, nil, cfg.CacheTTL),
		window: cfg.Window,
		now:    time.Now,
	}
}

// Claim is a successful claim of an idempotency key, to be resolved exactly
// once with Complete or Fail.
type Claim struct {
	svc *Service
	key string
}

// Begin claims |msg|'s idempotency key. It returns a nil Claim with the
// existing record when the key is already PROCESSING or COMPLETED within
// the window, and a live Claim otherwise.
func (s *Service) Begin(ctx context.Context, msg *protocol.TradeCaptureMessage) (*Claim, *store.IdempotencyRecord, error) {
	var key = msg.EffectiveIdempotencyKey()

	// Hot cache: only a COMPLETED entry can answer without the store,
	// since it alone carries the blotter reference to replay.
	if entry, ok := s.cache.Get(key); ok && entry.status == store.IdempotencyCompleted {
		checksCounter.WithLabelValues("cache_hit").Inc()
		return nil, &store.IdempotencyRecord{
			Key:            key,
			TradeID:        msg.TradeID,
			Status:         entry.status,
			SwapBlotterRef: entry.blotterRef,
		}, nil
	}

	var existing, err = s.store.FindIdempotency(ctx, key)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, nil, fmt.Errorf("reading idempotency %q: %w", key, err)
	}

	var now = s.now().UTC()
	if existing != nil {
		switch {
		case existing.Status == store.IdempotencyProcessing:
			checksCounter.WithLabelValues("duplicate_processing").Inc()
			return nil, existing, nil
		case existing.Status == store.IdempotencyCompleted && existing.ExpiresAt.After(now):
			checksCounter.WithLabelValues("duplicate_completed").Inc()
			s.cache.Add(key, cacheEntry{status: existing.Status, blotterRef: existing.SwapBlotterRef})
			return nil, existing, nil
		default:
			// FAILED, or COMPLETED beyond the window: reclaimable.
			if err = s.store.DeleteIdempotency(ctx, key); err != nil {
				return nil, nil, fmt.Errorf("reclaiming idempotency %q: %w", key, err)
			}
		}
	}

	err = s.store.CreateIdempotency(ctx, &store.IdempotencyRecord{
		Key:          key,
		TradeID:      msg.TradeID,
		PartitionKey: msg.EffectivePartitionKey(),
		Status:       store.IdempotencyProcessing,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.window),
	})
	if errors.Is(err, store.ErrDuplicateKey) {
		// Raced a concurrent claimant; their record wins.
		existing, ferr := s.store.FindIdempotency(ctx, key)
		if ferr != nil {
			return nil, nil, fmt.Errorf("reading raced idempotency %q: %w", key, ferr)
		}
		checksCounter.WithLabelValues("duplicate_raced").Inc()
		return nil, existing, nil
	} else if err != nil {
		return nil, nil, fmt.Errorf("claiming idempotency %q: %w", key, err)
	}

	checksCounter.WithLabelValues("claimed").Inc()
	return &Claim{svc: s, key: key}, nil, nil
}

// Complete marks the claim COMPLETED with the persisted blotter reference.
func (c *Claim) Complete(ctx context.Context, blotterRef string) error {
	if err := c.svc.store.MarkIdempotency(ctx, c.key, store.IdempotencyCompleted, blotterRef, c.svc.now().UTC()); err != nil {
		return err
	}
	c.svc.cache.Add(c.key, cacheEntry{status: store.IdempotencyCompleted, blotterRef: blotterRef})
	return nil
}

// Fail marks the claim FAILED. A later submission with the same key may
// reclaim it.
func (c *Claim) Fail(ctx context.Context) error {
	if err := c.svc.store.MarkIdempotency(ctx, c.key, store.IdempotencyFailed, "", c.svc.now().UTC()); err != nil {
		return err
	}
	c.svc.cache.Remove(c.key)
	return nil
}
