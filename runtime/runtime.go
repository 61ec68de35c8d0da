package runtime

import (
	"fmt"
	"os"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	pb "go.gazette.dev/core/broker/protocol"
	"go.gazette.dev/core/task"

	"github.com/crossrate/tradecap/backpressure"
	"github.com/crossrate/tradecap/broker"
	"github.com/crossrate/tradecap/capture"
	"github.com/crossrate/tradecap/coordination"
	"github.com/crossrate/tradecap/dlq"
	"github.com/crossrate/tradecap/egress"
	"github.com/crossrate/tradecap/enrich"
	"github.com/crossrate/tradecap/idempotency"
	"github.com/crossrate/tradecap/ingress"
	"github.com/crossrate/tradecap/jobs"
	"github.com/crossrate/tradecap/locks"
	"github.com/crossrate/tradecap/positions"
	"github.com/crossrate/tradecap/ratelimit"
	"github.com/crossrate/tradecap/refdata"
	"github.com/crossrate/tradecap/router"
	"github.com/crossrate/tradecap/rules"
	"github.com/crossrate/tradecap/sequence"
	"github.com/crossrate/tradecap/store"
)

// Args carries the shared dependencies a tradecap binary dials before
// assembly.
type Args struct {
	// Tasks are independent, cancelable service loops having the lifetime
	// of the process.
	Tasks *task.Group
	// Etcd backs the coordination store.
	Etcd *clientv3.Client
	// Journals is the journal client of the log broker provider; nil with
	// the jms provider.
	Journals pb.RoutedJournalClient
}

// Router is an assembled tradecap-router process.
type Router struct {
	Broker broker.Broker
	Router *router.Router
}

// StartRouter wires the router service loop onto |args.Tasks|.
func StartRouter(cfg RouterConfig, args Args) (*Router, error) {
	if cfg.Messaging.Provider == "jms" {
		return nil, fmt.Errorf("the jms provider runs its router inside the consumer process")
	}
	var coord, err = coordination.NewStore(args.Etcd, cfg.Tradecap.CoordinationPrefix)
	if err != nil {
		return nil, fmt.Errorf("building coordination store: %w", err)
	}
	b, err := cfg.Messaging.NewBroker(args.Tasks.Context(), args.Journals, coord)
	if err != nil {
		return nil, fmt.Errorf("building broker: %w", err)
	}

	var r = &Router{Broker: b, Router: router.NewRouter(b)}
	args.Tasks.Queue("router.Serve", func() error {
		return r.Router.Serve(args.Tasks.Context())
	})
	return r, nil
}

// Consumer is an assembled tradecap-consumer process.
type Consumer struct {
	Broker   broker.Broker
	Store    *store.Store
	Coord    *coordination.Store
	Jobs     *jobs.Service
	Ingress  *ingress.Publisher
	Capture  *capture.Service
	Consumer *capture.Consumer
}

// StartConsumer assembles the full pipeline and wires its service loops
// onto |args.Tasks|: the partition-subtopic consumer, the out-of-order
// buffer sweeper, the archive sweeper, and (with the jms provider) an
// in-process router.
func StartConsumer(cfg ConsumerConfig, args Args) (*Consumer, error) {
	var coord, err = coordination.NewStore(args.Etcd, cfg.Tradecap.CoordinationPrefix)
	if err != nil {
		return nil, fmt.Errorf("building coordination store: %w", err)
	}

	st, err := store.Open(cfg.Store.Path, store.RetryPolicy{
		Attempts:       cfg.Store.DeadlockAttempts,
		InitialBackoff: cfg.Store.DeadlockInitialBackoff,
		MaxBackoff:     cfg.Store.DeadlockMaxBackoff,
	})
	if err != nil {
		return nil, fmt.Errorf("opening durable store: %w", err)
	}

	b, err := cfg.Messaging.NewBroker(args.Tasks.Context(), args.Journals, coord)
	if err != nil {
		return nil, fmt.Errorf("building broker: %w", err)
	}
	var dlqPub = dlq.NewPublisher(b, "")

	var seqValidator = sequence.NewValidator(st, dlqPub, sequence.Config{
		Enabled:       !cfg.Sequence.Disabled,
		BufferWindow:  cfg.Sequence.WindowSize,
		BufferTimeout: cfg.Sequence.Timeout,
		TimeWindow:    time24h(cfg.Sequence.TimeWindowDays),
		SweepInterval: cfg.Sequence.SweepInterval,
	})

	repo, err := rules.NewRepository(st.DB())
	if err != nil {
		return nil, fmt.Errorf("building rule repository: %w", err)
	}
	if cfg.Rules.Seed != "" {
		var doc []byte
		if doc, err = os.ReadFile(cfg.Rules.Seed); err != nil {
			return nil, fmt.Errorf("reading rule seed: %w", err)
		}
		if _, err = repo.Seed(args.Tasks.Context(), doc); err != nil {
			return nil, fmt.Errorf("seeding rules: %w", err)
		}
	}

	var refClient refdata.Client
	var approver refdata.Approver
	if cfg.RefData.BaseURL != "" {
		var httpCfg = refdata.HTTPConfig{
			BaseURL:          cfg.RefData.BaseURL,
			Timeout:          cfg.RefData.Timeout,
			RetryAttempts:    cfg.RefData.RetryAttempts,
			BreakerWindow:    cfg.RefData.BreakerWindow,
			BreakerThreshold: cfg.RefData.BreakerThreshold,
			BreakerCooldown:  cfg.RefData.BreakerCooldown,
		}
		refClient, approver = refdata.NewHTTPClient(httpCfg), refdata.NewHTTPApprover(httpCfg)
	} else {
		refClient, approver = &refdata.Mock{}, &refdata.MockApprover{}
	}

	var jobSvc = jobs.NewService(coord, jobs.Config{Retention: cfg.Jobs.Retention})
	var svc = capture.NewService(
		locks.NewService(coord, locks.Config{
			DefaultHold: cfg.Lock.DefaultHold,
			DefaultWait: cfg.Lock.DefaultWait,
		}),
		ratelimit.NewLimiter(coord, ratelimit.Config{
			Global:       ratelimit.Bucket{RatePerSecond: cfg.RateLimit.GlobalRate, BurstSize: cfg.RateLimit.GlobalBurst},
			PerPartition: ratelimit.Bucket{RatePerSecond: cfg.RateLimit.PartitionRate, BurstSize: cfg.RateLimit.PartitionBurst},
		}),
		seqValidator,
		idempotency.NewService(st, idempotency.Config{
			Window:    cfg.Idempotency.Window,
			CacheTTL:  cfg.Idempotency.CacheTTL,
			CacheSize: cfg.Idempotency.CacheSize,
		}),
		enrich.NewService(refClient, coord, enrich.Config{
			SecurityTTL: cfg.Cache.SecurityTTL,
			AccountTTL:  cfg.Cache.AccountTTL,
		}),
		rules.NewEngine(repo),
		approver,
		positions.NewService(st, positions.DefaultConfig),
		st,
		egress.NewPublisher(b, egress.DefaultConfig),
		dlqPub,
		jobSvc,
		capture.Config{
			LockHold: cfg.Lock.DefaultHold,
			LockWait: cfg.Lock.DefaultWait,
		},
	)
	var consumer = capture.NewConsumer(b, svc, dlqPub, backpressure.Config{
		HighWaterMark: cfg.Backpressure.LagMax,
		LowWaterMark:  cfg.Backpressure.LagResume,
		MaxQueueDepth: cfg.Backpressure.QueueMax,
		PollInterval:  cfg.Backpressure.PollInterval,
	})

	args.Tasks.Queue("capture.Consumer.Serve", func() error {
		return consumer.Serve(args.Tasks.Context())
	})
	args.Tasks.Queue("sequence.Validator.Serve", func() error {
		return seqValidator.Serve(args.Tasks.Context())
	})
	var sweeper = NewArchiveSweeper(st, cfg.Archive.Interval, cfg.Archive.BlotterRetention)
	args.Tasks.Queue("runtime.ArchiveSweeper.Serve", func() error {
		return sweeper.Serve(args.Tasks.Context())
	})

	// The embedded queue broker does not span processes, so its router
	// runs inside the consumer.
	if cfg.Messaging.Provider == "jms" {
		var r = router.NewRouter(b)
		args.Tasks.Queue("router.Serve", func() error {
			return r.Serve(args.Tasks.Context())
		})
	}

	return &Consumer{
		Broker:   b,
		Store:    st,
		Coord:    coord,
		Jobs:     jobSvc,
		Ingress:  ingress.NewPublisher(b),
		Capture:  svc,
		Consumer: consumer,
	}, nil
}

func time24h(days int) time.Duration {
	return time.Duration(days) * 24 * time.Hour
}
