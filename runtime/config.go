// Package runtime assembles tradecap binaries: configuration parsing,
// broker and store construction, pipeline wiring, and background task
// scheduling.
package runtime

import (
	"context"
	"fmt"
	"time"

	pb "go.gazette.dev/core/broker/protocol"
	mbp "go.gazette.dev/core/mainboilerplate"

	"github.com/crossrate/tradecap/broker"
	"github.com/crossrate/tradecap/coordination"
)

// MessagingConfig selects and tunes the broker flavour.
type MessagingConfig struct {
	Provider        string        `long:"provider" env:"PROVIDER" default:"log" choice:"log" choice:"jms" description:"Broker flavour: a partitioned log broker, or an embedded JMS-style queue broker"`
	Replication     int32         `long:"replication" env:"REPLICATION" default:"1" description:"Replication of created journals (log provider)"`
	PollInterval    time.Duration `long:"poll-interval" env:"POLL_INTERVAL" default:"3s" description:"Journal discovery cadence for wildcard subscriptions (log provider)"`
	MaxDeliveries   int           `long:"max-deliveries" env:"MAX_DELIVERIES" default:"5" description:"Delivery attempts of one message before it is dropped as a poison pill"`
	RedeliveryDelay time.Duration `long:"redelivery-delay" env:"REDELIVERY_DELAY" default:"1s" description:"Wait before redelivering an unacknowledged message"`
}

// NewBroker builds the configured broker flavour. |rjc| is required by the
// log provider and ignored by the jms provider.
func (cfg MessagingConfig) NewBroker(ctx context.Context, rjc pb.RoutedJournalClient, coord *coordination.Store) (broker.Broker, error) {
	switch cfg.Provider {
	case "jms":
		return broker.NewMem(broker.MemConfig{
			MaxDeliveries:   cfg.MaxDeliveries,
			RedeliveryDelay: cfg.RedeliveryDelay,
		}), nil
	case "log":
		if rjc == nil {
			return nil, fmt.Errorf("log provider requires a broker client")
		}
		return broker.NewGazette(ctx, rjc, coord, broker.GazetteConfig{
			Replication:     cfg.Replication,
			PollInterval:    cfg.PollInterval,
			MaxDeliveries:   cfg.MaxDeliveries,
			RedeliveryDelay: cfg.RedeliveryDelay,
		}), nil
	default:
		return nil, fmt.Errorf("unknown messaging provider %q", cfg.Provider)
	}
}

// BaseConfig is shared by every tradecap binary.
type BaseConfig struct {
	Tradecap struct {
		CoordinationPrefix string `long:"coordination-prefix" env:"COORDINATION_PREFIX" default:"/tradecap" description:"Etcd prefix of the coordination store"`
	} `group:"Tradecap" namespace:"tradecap" env-namespace:"TRADECAP"`

	Messaging   MessagingConfig       `group:"Messaging" namespace:"messaging" env-namespace:"MESSAGING"`
	Etcd        mbp.EtcdConfig        `group:"Etcd" namespace:"etcd" env-namespace:"ETCD"`
	Broker      mbp.ClientConfig      `group:"Broker" namespace:"broker" env-namespace:"BROKER"`
	Log         mbp.LogConfig         `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
}

// RouterConfig configures the tradecap-router binary.
type RouterConfig struct {
	BaseConfig
}

// ConsumerConfig configures the tradecap-consumer binary.
type ConsumerConfig struct {
	BaseConfig

	Store struct {
		Path                   string        `long:"path" env:"PATH" default:"tradecap.db" description:"SQLite database path"`
		DeadlockAttempts       uint          `long:"deadlock-attempts" env:"DEADLOCK_ATTEMPTS" default:"5" description:"Retries of a deadlocked transaction"`
		DeadlockInitialBackoff time.Duration `long:"deadlock-initial-backoff" env:"DEADLOCK_INITIAL_BACKOFF" default:"20ms"`
		DeadlockMaxBackoff     time.Duration `long:"deadlock-max-backoff" env:"DEADLOCK_MAX_BACKOFF" default:"500ms"`
	} `group:"Store" namespace:"store" env-namespace:"STORE"`

	Idempotency struct {
		Window    time.Duration `long:"window" env:"WINDOW" default:"24h" description:"Duration a COMPLETED submission answers duplicates"`
		CacheTTL  time.Duration `long:"cache-ttl" env:"CACHE_TTL" default:"0s" description:"Hot-cache TTL; defaults to the window"`
		CacheSize int           `long:"cache-size" env:"CACHE_SIZE" default:"4096"`
	} `group:"Idempotency" namespace:"idempotency" env-namespace:"IDEMPOTENCY"`

	Sequence struct {
		Disabled       bool          `long:"disabled" env:"DISABLED" description:"Disable sequence validation entirely"`
		WindowSize     int64         `long:"window-size" env:"WINDOW_SIZE" default:"1000" description:"Maximum admissible lead over the partition watermark"`
		Timeout        time.Duration `long:"timeout" env:"TIMEOUT" default:"300s" description:"Age at which a partition's buffer drains to the DLQ"`
		TimeWindowDays int           `long:"time-window-days" env:"TIME_WINDOW_DAYS" default:"7" description:"Booking-timestamp lookback for buffering"`
		SweepInterval  time.Duration `long:"sweep-interval" env:"SWEEP_INTERVAL" default:"30s"`
	} `group:"Sequence buffer" namespace:"sequence.buffer" env-namespace:"SEQUENCE_BUFFER"`

	RateLimit struct {
		GlobalRate     int64 `long:"global.requests-per-second" env:"GLOBAL_RATE" default:"0" description:"Global token refill rate; 0 disables the layer"`
		GlobalBurst    int64 `long:"global.burst-size" env:"GLOBAL_BURST" default:"0"`
		PartitionRate  int64 `long:"per-partition.requests-per-second" env:"PARTITION_RATE" default:"0" description:"Per-partition token refill rate; 0 disables the layer"`
		PartitionBurst int64 `long:"per-partition.burst-size" env:"PARTITION_BURST" default:"0"`
	} `group:"Rate limit" namespace:"rate-limit" env-namespace:"RATE_LIMIT"`

	Backpressure struct {
		LagMax       int64         `long:"lag.max" env:"LAG_MAX" default:"10000" description:"Consumer lag which pauses the subscription"`
		LagResume    int64         `long:"lag.resume" env:"LAG_RESUME" default:"1000" description:"Consumer lag below which the subscription resumes"`
		QueueMax     int64         `long:"queue.max" env:"QUEUE_MAX" default:"64" description:"Bound on in-process messages"`
		PollInterval time.Duration `long:"poll-interval" env:"POLL_INTERVAL" default:"5s"`
	} `group:"Backpressure" namespace:"backpressure" env-namespace:"BACKPRESSURE"`

	Lock struct {
		DefaultHold time.Duration `long:"default-hold" env:"DEFAULT_HOLD" default:"30s" description:"Partition lock TTL"`
		DefaultWait time.Duration `long:"default-wait" env:"DEFAULT_WAIT" default:"10s" description:"Bound on lock acquisition"`
	} `group:"Lock" namespace:"lock" env-namespace:"LOCK"`

	Cache struct {
		SecurityTTL time.Duration `long:"reference-data.security.ttl" env:"SECURITY_TTL" default:"15m"`
		AccountTTL  time.Duration `long:"reference-data.account.ttl" env:"ACCOUNT_TTL" default:"15m"`
	} `group:"Cache" namespace:"cache" env-namespace:"CACHE"`

	RefData struct {
		BaseURL          string        `long:"base-url" env:"BASE_URL" description:"Reference-data service base URL; empty uses canned data"`
		Timeout          time.Duration `long:"timeout" env:"TIMEOUT" default:"2s"`
		RetryAttempts    uint          `long:"retry-attempts" env:"RETRY_ATTEMPTS" default:"3"`
		BreakerWindow    time.Duration `long:"breaker-window" env:"BREAKER_WINDOW" default:"30s"`
		BreakerThreshold float64       `long:"breaker-threshold" env:"BREAKER_THRESHOLD" default:"0.5"`
		BreakerCooldown  time.Duration `long:"breaker-cooldown" env:"BREAKER_COOLDOWN" default:"10s"`
	} `group:"Reference data" namespace:"refdata" env-namespace:"REFDATA"`

	Rules struct {
		Seed string `long:"seed" env:"SEED" description:"YAML rule seed file applied at startup"`
	} `group:"Rules" namespace:"rules" env-namespace:"RULES"`

	Archive struct {
		Interval         time.Duration `long:"interval" env:"INTERVAL" default:"1h" description:"Cadence of the archive sweeper"`
		BlotterRetention time.Duration `long:"blotter-retention" env:"BLOTTER_RETENTION" default:"0s" description:"Age at which blotters are archived; 0 disables"`
	} `group:"Archive" namespace:"archive" env-namespace:"ARCHIVE"`

	Jobs struct {
		Retention time.Duration `long:"retention" env:"RETENTION" default:"24h" description:"Job-status retention window"`
	} `group:"Jobs" namespace:"jobs" env-namespace:"JOBS"`
}
