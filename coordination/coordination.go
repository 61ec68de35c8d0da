// Package coordination wraps the etcd coordination plane behind the small
// contract the pipeline needs: TTL'd keys, set-if-absent, atomic counters,
// and atomic multi-key read-modify-write evaluation. Locks, token buckets,
// hot caches and job status all live here; nothing durable does.
package coordination

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

// ErrNotFound is returned by Get for an absent key.
var ErrNotFound = fmt.Errorf("key not found")

// Store is an etcd-backed coordination store. All keys are namespaced under
// the Store's prefix. I/O failures are returned to the caller, who decides
// whether to fail open (rate limiting) or closed (locks, idempotency).
type Store struct {
	etcd   *clientv3.Client
	prefix string
}

// NewStore returns a Store rooted at the |prefix| Etcd path.
func NewStore(etcd *clientv3.Client, prefix string) (*Store, error) {
	if prefix != path.Clean(prefix) {
		return nil, fmt.Errorf("%q is not a clean path", prefix)
	}
	return &Store{etcd: etcd, prefix: prefix}, nil
}

func (s *Store) key(k string) string { return s.prefix + "/" + k }

// Get reads a key. It returns ErrNotFound for an absent key.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	var resp, err = s.etcd.Get(ctx, s.key(key))
	if err != nil {
		return "", fmt.Errorf("coordination get %q: %w", key, err)
	} else if len(resp.Kvs) == 0 {
		return "", ErrNotFound
	}
	return string(resp.Kvs[0].Value), nil
}

// Set writes a key without expiry.
func (s *Store) Set(ctx context.Context, key, value string) error {
	if _, err := s.etcd.Put(ctx, s.key(key), value); err != nil {
		return fmt.Errorf("coordination set %q: %w", key, err)
	}
	return nil
}

// SetWithTTL writes a key which expires after |ttl|.
func (s *Store) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	var lease, err = s.grant(ctx, ttl)
	if err != nil {
		return err
	}
	if _, err = s.etcd.Put(ctx, s.key(key), value, clientv3.WithLease(lease)); err != nil {
		return fmt.Errorf("coordination set %q: %w", key, err)
	}
	return nil
}

// SetIfAbsent atomically creates the key with |ttl| if it does not exist.
// It returns whether the key was created, and the current value either way.
func (s *Store) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, string, error) {
	var lease, err = s.grant(ctx, ttl)
	if err != nil {
		return false, "", err
	}

	resp, err := s.etcd.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(s.key(key)), "=", 0)).
		Then(clientv3.OpPut(s.key(key), value, clientv3.WithLease(lease))).
		Else(clientv3.OpGet(s.key(key))).
		Commit()
	if err != nil {
		return false, "", fmt.Errorf("coordination set-if-absent %q: %w", key, err)
	}
	if resp.Succeeded {
		return true, value, nil
	}

	// The lease is unused; release it rather than letting it idle out.
	_, _ = s.etcd.Revoke(ctx, lease)

	var kvs = resp.Responses[0].GetResponseRange().Kvs
	if len(kvs) == 0 {
		// The holder vanished between the compare and the read.
		return false, "", nil
	}
	return false, string(kvs[0].Value), nil
}

// CompareAndSetWithTTL atomically rewrites |key| with a fresh |ttl| only if
// its current value is |expect|. It returns whether the write happened.
func (s *Store) CompareAndSetWithTTL(ctx context.Context, key, expect, value string, ttl time.Duration) (bool, error) {
	var lease, err = s.grant(ctx, ttl)
	if err != nil {
		return false, err
	}

	resp, err := s.etcd.Txn(ctx).
		If(clientv3.Compare(clientv3.Value(s.key(key)), "=", expect)).
		Then(clientv3.OpPut(s.key(key), value, clientv3.WithLease(lease))).
		Commit()
	if err != nil {
		return false, fmt.Errorf("coordination compare-and-set %q: %w", key, err)
	}
	if !resp.Succeeded {
		_, _ = s.etcd.Revoke(ctx, lease)
	}
	return resp.Succeeded, nil
}

// CompareAndDelete atomically deletes |key| only if its current value is
// |expect|. It returns whether the delete happened.
func (s *Store) CompareAndDelete(ctx context.Context, key, expect string) (bool, error) {
	var resp, err = s.etcd.Txn(ctx).
		If(clientv3.Compare(clientv3.Value(s.key(key)), "=", expect)).
		Then(clientv3.OpDelete(s.key(key))).
		Commit()
	if err != nil {
		return false, fmt.Errorf("coordination compare-and-delete %q: %w", key, err)
	}
	return resp.Succeeded, nil
}

// Del removes a key.
func (s *Store) Del(ctx context.Context, key string) error {
	if _, err := s.etcd.Delete(ctx, s.key(key)); err != nil {
		return fmt.Errorf("coordination delete %q: %w", key, err)
	}
	return nil
}

// Incr atomically adds |delta| (which may be negative) to the integer value
// of |key|, treating an absent key as zero, and returns the new value.
func (s *Store) Incr(ctx context.Context, key string, delta int64) (int64, error) {
	var out int64
	var apply = func(stm concurrency.STM) error {
		var cur int64
		if raw := stm.Get(s.key(key)); raw != "" {
			var err error
			if cur, err = strconv.ParseInt(raw, 10, 64); err != nil {
				return fmt.Errorf("key %q holds non-integer %q", key, raw)
			}
		}
		out = cur + delta
		stm.Put(s.key(key), strconv.FormatInt(out, 10))
		return nil
	}
	if _, err := concurrency.NewSTM(s.etcd, apply,
		concurrency.WithIsolation(concurrency.Serializable),
		concurrency.WithAbortContext(ctx),
	); err != nil {
		return 0, fmt.Errorf("coordination incr %q: %w", key, err)
	}
	return out, nil
}

// Txn is the view of the store given to an Eval function. Reads and writes
// are collected and committed atomically; on conflict with a concurrent
// writer the function is re-run against fresh values.
type Txn interface {
	Get(key string) string
	Put(key, value string)
	Del(key string)
}

type stmTxn struct {
	s   *Store
	stm concurrency.STM
}

func (t stmTxn) Get(key string) string { return t.stm.Get(t.s.key(key)) }
func (t stmTxn) Put(key, value string) { t.stm.Put(t.s.key(key), value) }
func (t stmTxn) Del(key string)        { t.stm.Del(t.s.key(key)) }

// Eval runs |fn| as an atomic read-modify-write over the store: the
// coordination-store equivalent of a small server-side script. |fn| may be
// invoked multiple times and must be a pure function of its reads.
func (s *Store) Eval(ctx context.Context, fn func(Txn) error) error {
	var apply = func(stm concurrency.STM) error {
		return fn(stmTxn{s: s, stm: stm})
	}
	if _, err := concurrency.NewSTM(s.etcd, apply,
		concurrency.WithIsolation(concurrency.Serializable),
		concurrency.WithAbortContext(ctx),
	); err != nil {
		return fmt.Errorf("coordination eval: %w", err)
	}
	return nil
}

func (s *Store) grant(ctx context.Context, ttl time.Duration) (clientv3.LeaseID, error) {
	// Etcd lease granularity is whole seconds, with a minimum of one.
	var seconds = int64(ttl / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	var lease, err = s.etcd.Grant(ctx, seconds)
	if err != nil {
		return 0, fmt.Errorf("granting %ds lease: %w", seconds, err)
	}
	return lease.ID, nil
}
