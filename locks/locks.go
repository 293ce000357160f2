// Package locks implements typed distributed locks on top of the kv
// store. A lock is a single key holding an owner token, acquired with
// SET NX EX and released only when the stored token still matches the
// holder's. TTLs bound the damage of a crashed holder.
package locks

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/wagmilabs/treasury/kv"
)

// Operation tags the mutating flows that serialize through the registry.
type Operation string

const (
	OpVote        Operation = "vote"
	OpTransaction Operation = "transaction"
	OpSettlement  Operation = "settlement"
	OpRebalance   Operation = "rebalance"
)

// GlobalID is the identifier used when a lock guards an operation as a
// whole rather than a single entity.
const GlobalID = "global"

// Key builds the store key for an operation lock. Identifiers are
// lowercased so that address-keyed locks collide regardless of caller
// capitalization.
func Key(op Operation, id string) string {
	if id == "" {
		id = GlobalID
	}
	return fmt.Sprintf("lock:operation:%s:%s", op, strings.ToLower(id))
}

// Registry hands out locks backed by a shared kv store.
type Registry struct {
	store kv.Store
	now   func() time.Time
}

// NewRegistry creates a lock registry over the given store.
func NewRegistry(store kv.Store) *Registry {
	return &Registry{store: store, now: time.Now}
}

// Acquire attempts to take the lock for (op, id) with the given TTL.
// It returns the lock and true when this caller won it, or nil and
// false when another holder owns it.
func (r *Registry) Acquire(ctx context.Context, op Operation, id string, ttl time.Duration) (*Lock, bool, error) {
	return r.AcquireKey(ctx, Key(op, id), ttl)
}

// AcquireKey is Acquire for callers that manage their own key layout,
// such as the job queue's consumer gate.
func (r *Registry) AcquireKey(ctx context.Context, key string, ttl time.Duration) (*Lock, bool, error) {
	token := fmt.Sprintf("%d-%s", r.now().UnixMilli(), uuid.NewString())
	ok, err := r.store.Set(ctx, key, token, kv.SetOptions{NX: true, TTL: ttl})
	if err != nil {
		return nil, false, errors.Wrapf(err, "could not acquire lock %s", key)
	}
	if !ok {
		return nil, false, nil
	}
	return &Lock{store: r.store, key: key, token: token}, true, nil
}

// AcquireWithRetry retries a failed acquisition up to maxRetries times
// with a fixed delay between attempts. It returns as soon as the lock
// is won or the context is done.
func (r *Registry) AcquireWithRetry(ctx context.Context, op Operation, id string, ttl time.Duration, maxRetries int, delay time.Duration) (*Lock, bool, error) {
	for attempt := 0; ; attempt++ {
		lock, ok, err := r.Acquire(ctx, op, id, ttl)
		if err != nil || ok {
			return lock, ok, err
		}
		if attempt >= maxRetries {
			return nil, false, nil
		}
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// IsLocked reports whether any holder currently owns the lock.
func (r *Registry) IsLocked(ctx context.Context, op Operation, id string) (bool, error) {
	n, err := r.store.Exists(ctx, Key(op, id))
	if err != nil {
		return false, errors.Wrap(err, "could not check lock")
	}
	return n > 0, nil
}

// Lock is a held distributed lock. The zero value and nil are inert,
// so callers may defer Release without checking acquisition first.
type Lock struct {
	store kv.Store
	key   string
	token string
}

// Key returns the store key guarding this lock.
func (l *Lock) Key() string {
	if l == nil {
		return ""
	}
	return l.key
}

// Token returns the owner token written at acquisition.
func (l *Lock) Token() string {
	if l == nil {
		return ""
	}
	return l.token
}

// Release deletes the lock if this holder still owns it. Releasing a
// lock that expired and was re-acquired by another holder is a no-op.
func (l *Lock) Release(ctx context.Context) error {
	if l == nil {
		return nil
	}
	current, err := l.store.Get(ctx, l.key)
	if errors.Is(err, kv.ErrNil) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "could not read lock %s for release", l.key)
	}
	if current != l.token {
		return nil
	}
	if _, err := l.store.Del(ctx, l.key); err != nil {
		return errors.Wrapf(err, "could not release lock %s", l.key)
	}
	return nil
}

// Extend refreshes the lock TTL if this holder still owns it. It
// returns false when ownership was lost.
func (l *Lock) Extend(ctx context.Context, ttl time.Duration) (bool, error) {
	if l == nil {
		return false, nil
	}
	current, err := l.store.Get(ctx, l.key)
	if errors.Is(err, kv.ErrNil) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "could not read lock %s for extend", l.key)
	}
	if current != l.token {
		return false, nil
	}
	ok, err := l.store.Expire(ctx, l.key, ttl)
	if err != nil {
		return false, errors.Wrapf(err, "could not extend lock %s", l.key)
	}
	return ok, nil
}
