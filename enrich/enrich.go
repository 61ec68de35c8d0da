// Package enrich resolves a trade's security and account reference data
// concurrently, consulting a TTL'd cache in the coordination store before
// the reference clients. Missing data degrades the enrichment status
// rather than failing the pipeline.
package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/crossrate/tradecap/coordination"
	"github.com/crossrate/tradecap/protocol"
	"github.com/crossrate/tradecap/refdata"
)

var (
	statusCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradecap_enrichment_total",
		Help: "Enrichment outcomes by status.",
	}, []string{"status"})
	cacheCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradecap_enrichment_cache_total",
		Help: "Reference-data cache hits and misses.",
	}, []string{"kind", "outcome"})
)

// Config holds cache TTLs per reference kind.
type Config struct {
	SecurityTTL time.Duration
	AccountTTL  time.Duration
}

// DefaultConfig mirrors the configuration defaults.
var DefaultConfig = Config{
	SecurityTTL: 15 * time.Minute,
	AccountTTL:  15 * time.Minute,
}

// Enriched is the merged result of both lookups. Either field may be nil.
type Enriched struct {
	Security *refdata.Security
	Account  *refdata.Account
}

// Service enriches trades from cache and reference clients.
type Service struct {
	client refdata.Client
	coord  *coordination.Store
	cfg    Config
}

// NewService returns an enrichment Service. |coord| may be nil to disable
// caching.
func NewService(client refdata.Client, coord *coordination.Store, cfg Config) *Service {
	if cfg.SecurityTTL <= 0 {
		cfg.SecurityTTL = DefaultConfig.SecurityTTL
	}
	if cfg.AccountTTL <= 0 {
		cfg.AccountTTL = DefaultConfig.AccountTTL
	}
	return &Service{client: client, coord: coord, cfg: cfg}
}

// Enrich launches both lookups concurrently and joins them. Status is
// COMPLETE with both present, PARTIAL with one, FAILED with neither.
func (s *Service) Enrich(ctx context.Context, msg *protocol.TradeCaptureMessage) (protocol.EnrichmentStatus, *Enriched) {
	var out Enriched
	var g, gCtx = errgroup.WithContext(ctx)

	g.Go(func() error {
		out.Security = lookupCached(gCtx, s.coord, "cache/security/"+msg.SecurityID, s.cfg.SecurityTTL,
			"security", func() (*refdata.Security, error) {
				return s.client.Security(gCtx, msg.SecurityID)
			})
		return nil
	})
	g.Go(func() error {
		out.Account = lookupCached(gCtx, s.coord, "cache/account/"+msg.AccountID+"/"+msg.BookID, s.cfg.AccountTTL,
			"account", func() (*refdata.Account, error) {
				return s.client.Account(gCtx, msg.AccountID, msg.BookID)
			})
		return nil
	})
	_ = g.Wait()

	var status protocol.EnrichmentStatus
	switch {
	case out.Security != nil && out.Account != nil:
		status = protocol.EnrichmentComplete
	case out.Security != nil || out.Account != nil:
		status = protocol.EnrichmentPartial
	default:
		status = protocol.EnrichmentFailed
	}
	statusCounter.WithLabelValues(string(status)).Inc()
	return status, &out
}

// lookupCached reads |key| from the cache, falling back to |fetch| and
// populating the cache on success. Cache failures are ignored; a failed
// fetch yields nil.
func lookupCached[T any](ctx context.Context, coord *coordination.Store, key string, ttl time.Duration, kind string, fetch func() (*T, error)) *T {
	if coord != nil {
		if raw, err := coord.Get(ctx, key); err == nil {
			var cached T
			if err = json.Unmarshal([]byte(raw), &cached); err == nil {
				cacheCounter.WithLabelValues(kind, "hit").Inc()
				return &cached
			}
		} else if !errors.Is(err, coordination.ErrNotFound) {
			log.WithFields(log.Fields{"key": key, "err": err}).
				Warn("reference-data cache read failed")
		}
		cacheCounter.WithLabelValues(kind, "miss").Inc()
	}

	var value, err = fetch()
	if err != nil {
		if !errors.Is(err, refdata.ErrNotFound) {
			log.WithFields(log.Fields{"key": key, "err": err}).
				Warn("reference-data lookup failed")
		}
		return nil
	}

	if coord != nil {
		if raw, err := json.Marshal(value); err == nil {
			if err = coord.SetWithTTL(ctx, key, string(raw), ttl); err != nil {
				log.WithFields(log.Fields{"key": key, "err": err}).
					Warn("reference-data cache write failed")
			}
		}
	}
	return value
}
