// Package positions owns the CDM position lifecycle of each partition:
// the permitted transition table, a hot cache over the durable record, and
// serialised, versioned writes. Callers hold the partition lock across
// Transition.
package positions

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

// ErrInvalidTransition is returned for a transition outside the table.
var ErrInvalidTransition = errors.New("invalid position state transition")

var transitionsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tradecap_position_transitions_total",
	Help: "Applied position state transitions.",
}, []string{"from", "to"})

// transitions is the permitted forward-transition table. Same-state
// rewrites are always permitted.
var transitions = map[protocol.PositionState][]protocol.PositionState{
	protocol.PositionExecuted:  {protocol.PositionFormed, protocol.PositionCancelled, protocol.PositionClosed},
	protocol.PositionFormed:    {protocol.PositionSettled, protocol.PositionClosed},
	protocol.PositionSettled:   {protocol.PositionClosed},
	protocol.PositionCancelled: {protocol.PositionClosed},
	protocol.PositionClosed:    nil,
}

// CanTransition reports whether |from| may move to |to|.
func CanTransition(from, to protocol.PositionState) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Next computes the position state a successful capture drives toward: a
// new partition opens EXECUTED, an EXECUTED partition forms, and later
// states are retained.
func Next(current protocol.PositionState, exists bool) protocol.PositionState {
	switch {
	case !exists:
		return protocol.PositionExecuted
	case current == protocol.PositionExecuted:
		return protocol.PositionFormed
	default:
		return current
	}
}

// Config sizes the hot cache.
type Config struct {
	CacheSize int
	CacheTTL  time.Duration
}

// DefaultConfig mirrors the configuration defaults.
var DefaultConfig = Config{CacheSize: 4096, CacheTTL: 5 * time.Minute}

// Service reads and transitions partition position state.
type Service struct {
	store *store.Store
	cache *expirable.LRU[string, protocol.PositionState]
}

// NewService returns a position Service over |st|.
func NewService(st *store.Store, cfg Config) *Service {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultConfig.CacheSize
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultConfig.CacheTTL
	}
	return &Service{
		store: st,
		cache: expirable.NewLRU[string, protocol.PositionState](cfg.CacheSize, nil, cfg.CacheTTL),
	}
}

// Current reads the partition's position state, preferring the hot cache.
// The second return is false for a partition with no state yet.
func (s *Service) Current(ctx context.Context, partitionKey string) (protocol.PositionState, bool, error) {
	if state, ok := s.cache.Get(partitionKey); ok {
		return state, true, nil
	}

	var st, err = s.store.FindPartitionState(ctx, partitionKey)
	if errors.Is(err, store.ErrNotFound) {
		return "", false, nil
	} else if err != nil {
		return "", false, fmt.Errorf("reading partition state %q: %w", partitionKey, err)
	}
	s.cache.Add(partitionKey, st.PositionState)
	return st.PositionState, true, nil
}

// Transition validates and applies a move to |to|. The durable read
// bypasses the cache: the write is validated against the authoritative
// row and guarded by its version. The sequence watermark is untouched;
// callers advance it with CommitSequence once the capture is durable.
func (s *Service) Transition(ctx context.Context, partitionKey string, to protocol.PositionState) (*store.PartitionState, error) {
	if err := to.Validate(); err != nil {
		return nil, err
	}

	var st, err = s.store.FindPartitionState(ctx, partitionKey)
	if errors.Is(err, store.ErrNotFound) {
		st = &store.PartitionState{PartitionKey: partitionKey}
		if to != protocol.PositionExecuted {
			return nil, fmt.Errorf("%w: new partition %q must open EXECUTED, not %s",
				ErrInvalidTransition, partitionKey, to)
		}
	} else if err != nil {
		return nil, fmt.Errorf("reading partition state %q: %w", partitionKey, err)
	} else if !CanTransition(st.PositionState, to) {
		return nil, fmt.Errorf("%w: %s -> %s on partition %q",
			ErrInvalidTransition, st.PositionState, to, partitionKey)
	}

	var from = st.PositionState
	st.PositionState = to
	if err = s.store.UpsertPartitionState(ctx, st); err != nil {
		return nil, fmt.Errorf("writing partition state %q: %w", partitionKey, err)
	}

	s.cache.Add(partitionKey, to)
	if from == "" {
		from = "NONE"
	}
	transitionsCounter.WithLabelValues(string(from), string(to)).Inc()
	return st, nil
}

// CommitSequence advances the partition's sequence watermark to
// |sequence|, once its capture is fully durable. Stale sequences are a
// no-op: the watermark never regresses.
func (s *Service) CommitSequence(ctx context.Context, partitionKey string, sequence int64) (*store.PartitionState, error) {
	var st, err = s.store.FindPartitionState(ctx, partitionKey)
	if err != nil {
		return nil, fmt.Errorf("reading partition state %q: %w", partitionKey, err)
	}
	if sequence <= st.LastSequence {
		return st, nil
	}

	st.LastSequence = sequence
	if err = s.store.UpsertPartitionState(ctx, st); err != nil {
		return nil, fmt.Errorf("writing partition state %q: %w", partitionKey, err)
	}
	return st, nil
}
