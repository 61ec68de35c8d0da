// Package ratelimit implements global and per-partition token buckets over
// the coordination store. Admission takes one token from each configured
// layer in a single atomic evaluation. The limiter fails open: a
// coordination-store error admits the request and is counted, preserving
// availability over strictness.
package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/crossrate/tradecap/coordination"
)

var (
	decisionsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradecap_ratelimit_decisions_total",
		Help: "Rate-limit admission decisions.",
	}, []string{"decision"})
	failOpenCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradecap_ratelimit_fail_open_total",
		Help: "Admissions granted because the coordination store failed.",
	})
)

// Bucket configures one token-bucket layer. A zero RatePerSecond disables
// the layer.
type Bucket struct {
	RatePerSecond int64
	BurstSize     int64
}

// Config holds both bucket layers.
type Config struct {
	Global       Bucket
	PerPartition Bucket
}

// Limiter admits or denies messages against the configured buckets.
type Limiter struct {
	coord *coordination.Store
	cfg   Config
	now   func() time.Time
}

// NewLimiter returns a Limiter over |coord|.
func NewLimiter(coord *coordination.Store, cfg Config) *Limiter {
	return &Limiter{coord: coord, cfg: cfg, now: time.Now}
}

// bucketKeys returns the token and refill-instant keys of a bucket layer.
func bucketKeys(scope string) (tokens, refilled string) {
	return "ratelimit/" + scope + "/tokens", "ratelimit/" + scope + "/refilled"
}

// refill computes a bucket's token count at |nowMs|, reading and writing
// through |tx|. An absent bucket starts full.
func refill(tx coordination.Txn, b Bucket, scope string, nowMs int64) int64 {
	var tokensKey, refilledKey = bucketKeys(scope)

	var raw = tx.Get(tokensKey)
	if raw == "" {
		tx.Put(tokensKey, strconv.FormatInt(b.BurstSize, 10))
		tx.Put(refilledKey, strconv.FormatInt(nowMs, 10))
		return b.BurstSize
	}
	var tokens, _ = strconv.ParseInt(raw, 10, 64)
	var refilledAt, _ = strconv.ParseInt(tx.Get(refilledKey), 10, 64)

	// Refill floor(elapsed * rate / 1000) tokens, capped at burst. The
	// refill instant only advances when at least one token accrues, so
	// sub-token elapses are not lost to rounding.
	if added := (nowMs - refilledAt) * b.RatePerSecond / 1000; added > 0 {
		tokens += added
		if tokens > b.BurstSize {
			tokens = b.BurstSize
		}
		tx.Put(tokensKey, strconv.FormatInt(tokens, 10))
		tx.Put(refilledKey, strconv.FormatInt(nowMs, 10))
	}
	return tokens
}

func take(tx coordination.Txn, scope string) {
	var tokensKey, _ = bucketKeys(scope)
	var tokens, _ = strconv.ParseInt(tx.Get(tokensKey), 10, 64)
	tx.Put(tokensKey, strconv.FormatInt(tokens-1, 10))
}

// Allow reports whether one message for |partitionKey| is admitted, taking
// a token from the global and per-partition buckets atomically. Both layers
// must have a token; a denial consumes nothing.
func (l *Limiter) Allow(ctx context.Context, partitionKey string) bool {
	if l.cfg.Global.RatePerSecond <= 0 && l.cfg.PerPartition.RatePerSecond <= 0 {
		return true
	}
	var nowMs = l.now().UnixMilli()
	var allowed bool

	var err = l.coord.Eval(ctx, func(tx coordination.Txn) error {
		allowed = true
		if l.cfg.Global.RatePerSecond > 0 && refill(tx, l.cfg.Global, "global", nowMs) < 1 {
			allowed = false
		}
		if l.cfg.PerPartition.RatePerSecond > 0 &&
			refill(tx, l.cfg.PerPartition, "partition/"+partitionKey, nowMs) < 1 {
			allowed = false
		}
		if !allowed {
			return nil
		}
		if l.cfg.Global.RatePerSecond > 0 {
			take(tx, "global")
		}
		if l.cfg.PerPartition.RatePerSecond > 0 {
			take(tx, "partition/"+partitionKey)
		}
		return nil
	})
	if err != nil {
		failOpenCounter.Inc()
		log.WithFields(log.Fields{"partition": partitionKey, "err": err}).
			Warn("rate limiter failing open on coordination error")
		return true
	}

	if allowed {
		decisionsCounter.WithLabelValues("allow").Inc()
	} else {
		decisionsCounter.WithLabelValues("deny").Inc()
	}
	return allowed
}

// Tokens reports the current global and per-partition token counts without
// consuming any, for status introspection.
func (l *Limiter) Tokens(ctx context.Context, partitionKey string) (global, partition int64, err error) {
	var nowMs = l.now().UnixMilli()
	err = l.coord.Eval(ctx, func(tx coordination.Txn) error {
		global = refill(tx, l.cfg.Global, "global", nowMs)
		partition = refill(tx, l.cfg.PerPartition, "partition/"+partitionKey, nowMs)
		return nil
	})
	return global, partition, err
}
