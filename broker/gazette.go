package broker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"go.gazette.dev/core/broker/client"
	pb "go.gazette.dev/core/broker/protocol"

	"github.com/crossrate/tradecap/coordination"
	"github.com/crossrate/tradecap/protocol"
)

// GazetteConfig configures the journal broker flavour.
type GazetteConfig struct {
	// Replication of created journals.
	Replication int32
	// PollInterval is the cadence of journal discovery for wildcard
	// subscriptions.
	PollInterval time.Duration
	// MaxDeliveries bounds attempts of one message before the reader
	// commits past it as a poison pill.
	MaxDeliveries int
	// RedeliveryDelay is how long a reader waits before re-reading from
	// the committed offset after a failed delivery.
	RedeliveryDelay time.Duration
}

// DefaultGazetteConfig mirrors the configuration defaults.
var DefaultGazetteConfig = GazetteConfig{
	Replication:     1,
	PollInterval:    3 * time.Second,
	MaxDeliveries:   5,
	RedeliveryDelay: time.Second,
}

// Gazette is the journal (log) broker flavour. Topics map one-to-one onto
// journals named by the topic, messages are framed envelopes appended to the
// journal, and acknowledged offsets are committed to the coordination store
// under "offsets/{journal}". Redelivery is a re-read from the last committed
// offset.
type Gazette struct {
	rjc   pb.RoutedJournalClient
	ajc   *client.AppendService
	coord *coordination.Store
	cfg   GazetteConfig

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	known map[pb.Journal]struct{}
	subs  map[*gazSub]struct{}
}

// NewGazette returns a Gazette broker over |rjc|, committing offsets into
// |coord|.
func NewGazette(ctx context.Context, rjc pb.RoutedJournalClient, coord *coordination.Store, cfg GazetteConfig) *Gazette {
	if cfg.Replication <= 0 {
		cfg.Replication = DefaultGazetteConfig.Replication
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultGazetteConfig.PollInterval
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = DefaultGazetteConfig.MaxDeliveries
	}
	if cfg.RedeliveryDelay <= 0 {
		cfg.RedeliveryDelay = DefaultGazetteConfig.RedeliveryDelay
	}

	ctx, cancel := context.WithCancel(ctx)
	return &Gazette{
		rjc:    rjc,
		ajc:    client.NewAppendService(ctx, rjc),
		coord:  coord,
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		known:  make(map[pb.Journal]struct{}),
		subs:   make(map[*gazSub]struct{}),
	}
}

// Publish frames the message as an envelope and appends it to the topic's
// journal, creating the journal on first use. It returns after the append
// commits.
func (g *Gazette) Publish(ctx context.Context, topic, key string, payload []byte, headers map[string]string) error {
	var journal = pb.Journal(topic)
	if err := g.ensureJournal(ctx, journal); err != nil {
		return err
	}

	var names = make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)

	var env = protocol.Envelope{Key: key, Payload: payload}
	for _, name := range names {
		env.Headers = append(env.Headers, protocol.Header{Name: name, Value: headers[name]})
	}
	var b, err = env.Marshal()
	if err != nil {
		return fmt.Errorf("marshalling envelope: %w", err)
	}

	var aa = g.ajc.StartAppend(pb.AppendRequest{Journal: journal}, nil)
	_, _ = aa.Writer().Write(protocol.AppendFrame(nil, b))
	if err = aa.Release(); err != nil {
		return fmt.Errorf("appending to %s: %w", journal, err)
	}
	<-aa.Done()
	if err = aa.Err(); err != nil {
		return fmt.Errorf("appending to %s: %w", journal, err)
	}
	return nil
}

// ensureJournal creates the journal if this broker has not yet observed it.
// A creation race with another instance is not an error.
func (g *Gazette) ensureJournal(ctx context.Context, journal pb.Journal) error {
	g.mu.Lock()
	var _, ok = g.known[journal]
	g.mu.Unlock()
	if ok {
		return nil
	}

	var list, err = client.ListAllJournals(ctx, g.rjc, pb.ListRequest{
		Selector: pb.LabelSelector{Include: pb.MustLabelSet("name", journal.String())},
	})
	if err != nil {
		return fmt.Errorf("listing journal %s: %w", journal, err)
	}

	if len(list.Journals) == 0 {
		var spec = pb.JournalSpec{
			Name:        journal,
			Replication: g.cfg.Replication,
			Fragment: pb.JournalSpec_Fragment{
				Length:           1 << 28, // 256MB.
				CompressionCodec: pb.CompressionCodec_SNAPPY,
				RefreshInterval:  5 * time.Minute,
			},
		}
		_, err = client.ApplyJournals(ctx, g.rjc, &pb.ApplyRequest{
			Changes: []pb.ApplyRequest_Change{{Upsert: &spec, ExpectModRevision: 0}},
		})
		if err != nil {
			// Another instance may have created it first.
			if list, lerr := client.ListAllJournals(ctx, g.rjc, pb.ListRequest{
				Selector: pb.LabelSelector{Include: pb.MustLabelSet("name", journal.String())},
			}); lerr != nil || len(list.Journals) == 0 {
				return fmt.Errorf("creating journal %s: %w", journal, err)
			}
		}
	}

	g.mu.Lock()
	g.known[journal] = struct{}{}
	g.mu.Unlock()
	return nil
}

// Subscribe starts journal readers for the pattern. Wildcard patterns are
// re-listed every PollInterval so that journals created later (new
// partitions) are picked up.
func (g *Gazette) Subscribe(ctx context.Context, pattern string, handler Handler) (Subscription, error) {
	select {
	case <-g.ctx.Done():
		return nil, ErrClosed
	default:
	}

	ctx, cancel := context.WithCancel(ctx)
	var sub = &gazSub{
		broker:  g,
		pattern: pattern,
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
		resumed: make(chan struct{}),
		readers: make(map[pb.Journal]struct{}),
	}
	close(sub.resumed) // Initially running.

	g.mu.Lock()
	g.subs[sub] = struct{}{}
	g.mu.Unlock()

	sub.wg.Add(1)
	go sub.discover()
	return sub, nil
}

// Close cancels all subscriptions and waits for their readers to drain.
func (g *Gazette) Close() error {
	g.cancel()

	g.mu.Lock()
	var subs = make([]*gazSub, 0, len(g.subs))
	for sub := range g.subs {
		subs = append(subs, sub)
	}
	g.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}
	return nil
}

// listPattern maps a subscription pattern onto a journal list request.
func listPattern(pattern string) pb.ListRequest {
	if prefix, ok := strings.CutSuffix(pattern, "/*"); ok {
		return pb.ListRequest{
			Selector: pb.LabelSelector{Include: pb.MustLabelSet("prefix", prefix+"/")},
		}
	}
	return pb.ListRequest{
		Selector: pb.LabelSelector{Include: pb.MustLabelSet("name", pattern)},
	}
}

type gazSub struct {
	broker  *Gazette
	pattern string
	handler Handler
	ctx     context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	paused  bool
	resumed chan struct{}
	readers map[pb.Journal]struct{}

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// discover periodically lists matching journals and starts a reader for
// each new one.
func (s *gazSub) discover() {
	defer s.wg.Done()

	for {
		var list, err = client.ListAllJournals(s.ctx, s.broker.rjc, listPattern(s.pattern))
		if err != nil && s.ctx.Err() != nil {
			return
		} else if err != nil {
			log.WithFields(log.Fields{"pattern": s.pattern, "err": err}).
				Warn("failed to list journals for subscription")
		} else {
			for _, j := range list.Journals {
				s.startReader(j.Spec.Name)
			}
		}

		select {
		case <-time.After(s.broker.cfg.PollInterval):
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *gazSub) startReader(journal pb.Journal) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.readers[journal]; ok {
		return
	}
	s.readers[journal] = struct{}{}

	s.wg.Add(1)
	go s.read(journal)
}

// read consumes one journal from its committed offset, dispatching each
// framed envelope to the handler and committing the offset on ack. A failed
// delivery re-seeks to the committed offset; a message which exhausts its
// attempts is committed past with an error log.
func (s *gazSub) read(journal pb.Journal) {
	defer s.wg.Done()

	var offsetKey = "offsets/" + journal.String()
	var offset, attempts = s.committed(offsetKey), 0

	for s.ctx.Err() == nil {
		var rr = client.NewRetryReader(s.ctx, s.broker.rjc, pb.ReadRequest{
			Journal: journal,
			Offset:  offset,
			Block:   true,
		})
		var br = bufio.NewReader(rr)

		for s.ctx.Err() == nil {
			var frame, err = protocol.ReadFrame(br)

			if errors.Is(err, context.Canceled) {
				return
			} else if errors.Is(err, io.ErrNoProgress) {
				continue
			} else if errors.Is(err, client.ErrOffsetJump) {
				offset = rr.AdjustedOffset(br)
				continue
			} else if err != nil {
				log.WithFields(log.Fields{"journal": journal, "offset": offset, "err": err}).
					Warn("journal read failed; re-seeking to committed offset")
				break
			}

			var env protocol.Envelope
			if err = env.Unmarshal(frame); err != nil {
				log.WithFields(log.Fields{"journal": journal, "offset": offset, "err": err}).
					Error("skipping undecodable frame")
				offset = rr.AdjustedOffset(br)
				s.commit(offsetKey, offset)
				continue
			}

			if !s.waitUnpaused() {
				return
			}

			var msg = Message{
				Topic:   journal.String(),
				Key:     env.Key,
				Headers: env.HeaderMap(),
				Payload: env.Payload,
			}
			if err = s.handler(s.ctx, msg); err == nil {
				offset = rr.AdjustedOffset(br)
				s.commit(offsetKey, offset)
				attempts = 0
				continue
			} else if s.ctx.Err() != nil {
				return
			}

			attempts++
			if attempts >= s.broker.cfg.MaxDeliveries {
				log.WithFields(log.Fields{
					"journal":  journal,
					"key":      msg.Key,
					"attempts": attempts,
					"err":      err,
				}).Error("committing past message after exhausted deliveries")
				offset = rr.AdjustedOffset(br)
				s.commit(offsetKey, offset)
				attempts = 0
				continue
			}

			// Redeliver by re-reading from the committed offset.
			select {
			case <-time.After(s.broker.cfg.RedeliveryDelay):
			case <-s.ctx.Done():
				return
			}
			break
		}
	}
}

func (s *gazSub) committed(offsetKey string) int64 {
	var raw, err = s.broker.coord.Get(s.ctx, offsetKey)
	if err != nil {
		return 0
	}
	var offset, _ = strconv.ParseInt(raw, 10, 64)
	return offset
}

func (s *gazSub) commit(offsetKey string, offset int64) {
	if err := s.broker.coord.Set(s.ctx, offsetKey, strconv.FormatInt(offset, 10)); err != nil && s.ctx.Err() == nil {
		log.WithFields(log.Fields{"key": offsetKey, "offset": offset, "err": err}).
			Warn("failed to commit journal offset")
	}
}

// waitUnpaused blocks while the subscription is paused. It returns false if
// the subscription was cancelled while waiting.
func (s *gazSub) waitUnpaused() bool {
	for {
		s.mu.Lock()
		var resumed = s.resumed
		var paused = s.paused
		s.mu.Unlock()

		if !paused {
			return true
		}
		select {
		case <-resumed:
		case <-s.ctx.Done():
			return false
		}
	}
}

func (s *gazSub) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.paused {
		s.paused = true
		s.resumed = make(chan struct{})
	}
}

func (s *gazSub) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused {
		s.paused = false
		close(s.resumed)
	}
}

// Lag sums, across matched journals, the write head less the committed
// offset.
func (s *gazSub) Lag(ctx context.Context) (int64, error) {
	var list, err = client.ListAllJournals(ctx, s.broker.rjc, listPattern(s.pattern))
	if err != nil {
		return 0, fmt.Errorf("listing journals for %q: %w", s.pattern, err)
	}

	var lag int64
	for _, j := range list.Journals {
		var r = client.NewReader(ctx, s.broker.rjc, pb.ReadRequest{
			Journal:      j.Spec.Name,
			Offset:       -1,
			Block:        false,
			MetadataOnly: true,
		})
		if _, err = r.Read(nil); err != client.ErrOffsetNotYetAvailable {
			return 0, fmt.Errorf("reading head of %s: %w", j.Spec.Name, err)
		}
		var head = r.Response.Offset

		if d := head - s.committed("offsets/"+j.Spec.Name.String()); d > 0 {
			lag += d
		}
	}
	return lag, nil
}

func (s *gazSub) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.wg.Wait()

		s.broker.mu.Lock()
		delete(s.broker.subs, s)
		s.broker.mu.Unlock()
	})
	return nil
}

var _ Broker = (*Gazette)(nil)
