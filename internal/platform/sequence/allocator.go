// Package sequence hands out gap-free, strictly increasing integer IDs per
// scope. Concurrency control is delegated entirely to the backing Store's
// compare-and-swap; the Allocator keeps no state between calls.
package sequence

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

var (
	ErrEmptyScope          = errors.New("sequence scope must not be empty")
	ErrTransactionConflict = errors.New("sequence allocation conflict")
	ErrStoreUnavailable    = errors.New("sequence store unavailable")
)

// Store is a keyed counter supporting optimistic read-modify-write.
//
// Read returns the current value for scope and whether a counter row exists.
// CompareAndSwap writes next only if the counter still holds expected (or is
// still absent when found is false) and reports whether the write happened.
// A lost race is reported as (false, nil), not as an error.
type Store interface {
	Read(ctx context.Context, scope string) (value int64, found bool, err error)
	CompareAndSwap(ctx context.Context, scope string, expected int64, found bool, next int64) (bool, error)
}

// Config bounds the retry loop.
type Config struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultConfig returns the retry settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 8,
		BaseBackoff: 10 * time.Millisecond,
		MaxBackoff:  500 * time.Millisecond,
	}
}

type Allocator struct {
	store Store
	cfg   Config
	sleep func(ctx context.Context, d time.Duration) error
}

func NewAllocator(store Store, cfg Config) *Allocator {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = cfg.BaseBackoff
	}
	return &Allocator{store: store, cfg: cfg, sleep: sleepCtx}
}

// Next returns the next ID for scope. Under concurrent callers the values
// returned for one scope are exactly 1..N. On error no ID is consumed.
func (a *Allocator) Next(ctx context.Context, scope string) (int64, error) {
	if scope == "" {
		return 0, ErrEmptyScope
	}

	for attempt := 1; attempt <= a.cfg.MaxAttempts; attempt++ {
		current, found, err := a.store.Read(ctx, scope)
		if err != nil {
			return 0, a.storeErr(err)
		}

		next := current + 1
		ok, err := a.store.CompareAndSwap(ctx, scope, current, found, next)
		if err != nil {
			return 0, a.storeErr(err)
		}
		if ok {
			return next, nil
		}

		if attempt == a.cfg.MaxAttempts {
			break
		}
		if err := a.sleep(ctx, a.backoff(attempt)); err != nil {
			return 0, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
		}
	}

	return 0, ErrTransactionConflict
}

func (a *Allocator) storeErr(err error) error {
	if errors.Is(err, ErrTransactionConflict) || errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}

// backoff is exponential in the attempt number with full jitter, capped at
// MaxBackoff.
func (a *Allocator) backoff(attempt int) time.Duration {
	if a.cfg.BaseBackoff <= 0 {
		return 0
	}
	d := a.cfg.BaseBackoff << (attempt - 1)
	if d <= 0 || d > a.cfg.MaxBackoff {
		d = a.cfg.MaxBackoff
	}
	return time.Duration(rand.Int64N(int64(d) + 1))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// FormatDisplayID renders an allocated ID for presentation, e.g. 7 -> "0007".
// Storage always keeps the plain integer.
func FormatDisplayID(id int64) string {
	return fmt.Sprintf("%04d", id)
}
