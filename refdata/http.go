package refdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/crossrate/tradecap/protocol"
)

var (
	lookupsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradecap_refdata_lookups_total",
		Help: "Reference-data lookup outcomes.",
	}, []string{"service", "outcome"})
	breakerStateGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tradecap_refdata_breaker_open",
		Help: "Whether a reference-service breaker is currently open.",
	}, []string{"service"})
)

// HTTPConfig configures one reference-service client.
type HTTPConfig struct {
	BaseURL string
	// Timeout bounds each individual request.
	Timeout time.Duration
	// RetryAttempts bounds transient-failure retries per lookup.
	RetryAttempts uint
	// BreakerWindow is the rolling interval over which failure rate is
	// measured; BreakerThreshold is the tripping failure ratio.
	BreakerWindow    time.Duration
	BreakerThreshold float64
	// BreakerCooldown is how long an open breaker waits before half-open
	// probes.
	BreakerCooldown time.Duration
}

// DefaultHTTPConfig mirrors the configuration defaults.
var DefaultHTTPConfig = HTTPConfig{
	Timeout:          2 * time.Second,
	RetryAttempts:    3,
	BreakerWindow:    30 * time.Second,
	BreakerThreshold: 0.5,
	BreakerCooldown:  10 * time.Second,
}

// HTTPClient is the production reference-data client: one breaker per
// remote service, bounded retries inside the breaker.
type HTTPClient struct {
	cfg      HTTPConfig
	http     *http.Client
	security *gobreaker.CircuitBreaker
	account  *gobreaker.CircuitBreaker
}

// NewHTTPClient returns an HTTPClient for |cfg|.
func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultHTTPConfig.Timeout
	}
	if cfg.RetryAttempts == 0 {
		cfg.RetryAttempts = DefaultHTTPConfig.RetryAttempts
	}
	if cfg.BreakerWindow <= 0 {
		cfg.BreakerWindow = DefaultHTTPConfig.BreakerWindow
	}
	if cfg.BreakerThreshold <= 0 {
		cfg.BreakerThreshold = DefaultHTTPConfig.BreakerThreshold
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = DefaultHTTPConfig.BreakerCooldown
	}

	return &HTTPClient{
		cfg:      cfg,
		http:     &http.Client{Timeout: cfg.Timeout},
		security: newBreaker("security-master", cfg),
		account:  newBreaker("account-master", cfg),
	}
}

func newBreaker(name string, cfg HTTPConfig) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     name,
		Interval: cfg.BreakerWindow,
		Timeout:  cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 &&
				float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.BreakerThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithFields(log.Fields{"service": name, "from": from, "to": to}).
				Info("reference-service breaker state change")
			if to == gobreaker.StateOpen {
				breakerStateGauge.WithLabelValues(name).Set(1)
			} else {
				breakerStateGauge.WithLabelValues(name).Set(0)
			}
		},
	})
}

// fetch GETs |path| through |cb|, retrying transient failures, and decodes
// a 200 response into |out|. A 404 yields ErrNotFound without tripping the
// breaker; breaker-open and exhausted retries degrade to ErrNotFound.
func (c *HTTPClient) fetch(ctx context.Context, cb *gobreaker.CircuitBreaker, service, path string, out any) error {
	var found, err = cb.Execute(func() (interface{}, error) {
		var bo = backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(c.cfg.RetryAttempts))
		var found bool
		var attempt = func() error {
			ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
			defer cancel()

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
			if err != nil {
				return backoff.Permanent(err)
			}
			resp, err := c.http.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			switch {
			case resp.StatusCode == http.StatusOK:
				found = true
				return json.NewDecoder(resp.Body).Decode(out)
			case resp.StatusCode == http.StatusNotFound:
				return nil
			case resp.StatusCode >= 500:
				return fmt.Errorf("%s returned status %d", service, resp.StatusCode)
			default:
				return backoff.Permanent(fmt.Errorf("%s returned status %d", service, resp.StatusCode))
			}
		}
		if err := backoff.Retry(attempt, backoff.WithContext(bo, ctx)); err != nil {
			return false, err
		}
		return found, nil
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		lookupsCounter.WithLabelValues(service, "short_circuited").Inc()
		return ErrNotFound
	} else if err != nil {
		lookupsCounter.WithLabelValues(service, "error").Inc()
		log.WithFields(log.Fields{"service": service, "err": err}).
			Warn("reference-data lookup degraded to not-found")
		return ErrNotFound
	} else if ok, _ := found.(bool); !ok {
		lookupsCounter.WithLabelValues(service, "not_found").Inc()
		return ErrNotFound
	}
	lookupsCounter.WithLabelValues(service, "ok").Inc()
	return nil
}

// Security implements Client.
func (c *HTTPClient) Security(ctx context.Context, securityID string) (*Security, error) {
	var out Security
	if err := c.fetch(ctx, c.security, "security-master",
		"/securities/"+url.PathEscape(securityID), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Account implements Client.
func (c *HTTPClient) Account(ctx context.Context, accountID, bookID string) (*Account, error) {
	var out Account
	if err := c.fetch(ctx, c.account, "account-master",
		"/accounts/"+url.PathEscape(accountID)+"/books/"+url.PathEscape(bookID), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

var _ Client = (*HTTPClient)(nil)

// HTTPApprover submits blotters to the approval-workflow service. The
// breaker and timeout policy match the lookup clients, but failures here
// are surfaced: approval is a pipeline decision, not an enrichment.
type HTTPApprover struct {
	cfg     HTTPConfig
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewHTTPApprover returns an HTTPApprover for |cfg|.
func NewHTTPApprover(cfg HTTPConfig) *HTTPApprover {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultHTTPConfig.Timeout
	}
	return &HTTPApprover{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: newBreaker("approval-workflow", cfg),
	}
}

// Submit implements Approver.
func (a *HTTPApprover) Submit(ctx context.Context, blotter *protocol.SwapBlotter) (protocol.WorkflowStatus, error) {
	var status, err = a.breaker.Execute(func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
		defer cancel()

		var body = fmt.Sprintf(`{"tradeId":%q,"partitionKey":%q}`, blotter.TradeID, blotter.PartitionKey)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			a.cfg.BaseURL+"/approvals", strings.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := a.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("approval workflow returned status %d", resp.StatusCode)
		}
		var decoded struct {
			Status protocol.WorkflowStatus `json:"status"`
		}
		if err = json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			return nil, err
		}
		return decoded.Status, nil
	})
	if err != nil {
		return "", fmt.Errorf("submitting %q for approval: %w", blotter.TradeID, err)
	}
	return status.(protocol.WorkflowStatus), nil
}

var _ Approver = (*HTTPApprover)(nil)
