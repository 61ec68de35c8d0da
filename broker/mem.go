package broker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// MemConfig configures the embedded queue broker.
type MemConfig struct {
	// MaxDeliveries bounds delivery attempts per message. A message which
	// fails its final attempt is dropped with a logged error.
	MaxDeliveries int
	// RedeliveryDelay is how long a subscription waits before retrying a
	// failed delivery.
	RedeliveryDelay time.Duration
}

// DefaultMemConfig mirrors the configuration defaults.
var DefaultMemConfig = MemConfig{
	MaxDeliveries:   5,
	RedeliveryDelay: 50 * time.Millisecond,
}

// Mem is an embedded, in-process queue broker with client-acknowledge
// semantics: a delivery is removed from its queue only when the handler
// returns nil, and is redelivered in place otherwise. Topics are created
// on first publish. It backs the "jms" messaging provider and all tests.
type Mem struct {
	cfg    MemConfig
	mu     sync.Mutex
	topics map[string][]*memDelivery
	subs   map[*memSub]struct{}
	closed bool
}

type memDelivery struct {
	msg      Message
	attempts int
}

// NewMem returns an empty embedded broker.
func NewMem(cfg MemConfig) *Mem {
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = DefaultMemConfig.MaxDeliveries
	}
	return &Mem{
		cfg:    cfg,
		topics: make(map[string][]*memDelivery),
		subs:   make(map[*memSub]struct{}),
	}
}

// Publish enqueues the message onto |topic|.
func (m *Mem) Publish(_ context.Context, topic, key string, payload []byte, headers map[string]string) error {
	var cp = make(map[string]string, len(headers))
	for k, v := range headers {
		cp[k] = v
	}
	var msg = Message{Topic: topic, Key: key, Headers: cp, Payload: append([]byte(nil), payload...)}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.topics[topic] = append(m.topics[topic], &memDelivery{msg: msg})
	for sub := range m.subs {
		sub.notify()
	}
	return nil
}

// Subscribe starts a dispatch loop delivering matching messages to |handler|
// one at a time.
func (m *Mem) Subscribe(ctx context.Context, pattern string, handler Handler) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	ctx, cancel := context.WithCancel(ctx)
	var sub = &memSub{
		broker:  m,
		pattern: pattern,
		handler: handler,
		wake:    make(chan struct{}, 1),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	m.subs[sub] = struct{}{}

	go sub.serve(ctx)
	return sub, nil
}

// Close stops all subscriptions, drains their in-flight deliveries, and
// rejects further publishes. Queued messages are discarded.
func (m *Mem) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var subs = make([]*memSub, 0, len(m.subs))
	for sub := range m.subs {
		subs = append(subs, sub)
	}
	m.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}
	return nil
}

type memSub struct {
	broker  *Mem
	pattern string
	handler Handler
	paused  atomic.Bool
	wake    chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}

	inflight  atomic.Int64
	closeOnce sync.Once
}

func (s *memSub) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *memSub) serve(ctx context.Context) {
	defer close(s.done)

	for {
		var d = s.next()
		if d == nil {
			select {
			case <-s.wake:
				continue
			case <-ctx.Done():
				return
			}
		}

		s.inflight.Add(1)
		var err = s.handler(ctx, d.msg)
		s.inflight.Add(-1)

		if err == nil {
			continue
		} else if ctx.Err() != nil {
			// Shutdown: requeue without burning an attempt.
			s.requeue(d)
			return
		}

		d.attempts++
		if d.attempts >= s.broker.cfg.MaxDeliveries {
			log.WithFields(log.Fields{
				"topic":    d.msg.Topic,
				"key":      d.msg.Key,
				"attempts": d.attempts,
				"err":      err,
			}).Error("dropping message after exhausted deliveries")
			continue
		}
		s.requeue(d)

		select {
		case <-time.After(s.broker.cfg.RedeliveryDelay):
		case <-ctx.Done():
			return
		}
	}
}

// next pops the oldest matching delivery, or nil if paused or empty.
func (s *memSub) next() *memDelivery {
	if s.paused.Load() {
		return nil
	}
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()

	for topic, queue := range s.broker.topics {
		if len(queue) == 0 || !matchTopic(s.pattern, topic) {
			continue
		}
		var d = queue[0]
		s.broker.topics[topic] = queue[1:]
		return d
	}
	return nil
}

// requeue returns a delivery to the front of its queue, preserving order.
func (s *memSub) requeue(d *memDelivery) {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	s.broker.topics[d.msg.Topic] = append([]*memDelivery{d}, s.broker.topics[d.msg.Topic]...)
}

func (s *memSub) Pause()  { s.paused.Store(true) }
func (s *memSub) Resume() { s.paused.Store(false); s.notify() }

func (s *memSub) Lag(context.Context) (int64, error) {
	var lag = s.inflight.Load()

	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	for topic, queue := range s.broker.topics {
		if matchTopic(s.pattern, topic) {
			lag += int64(len(queue))
		}
	}
	return lag, nil
}

func (s *memSub) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done

		s.broker.mu.Lock()
		delete(s.broker.subs, s)
		s.broker.mu.Unlock()
	})
	return nil
}

var _ Broker = (*Mem)(nil)
