// Package gitlock provides the single process-wide lock guarding every
// VCS mutation that touches the main repository working tree and
// index (worktree creation, pull, merge, stash, commit, branch
// deletion). Worktree-local VCS operations never take this lock.
package gitlock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/odvcencio/foreman/pkg/metrics"
)

// trunkResource is the single named resource this lock guards.
// foreman only ever needs to serialize access to the shared trunk
// working tree, so the design is collapsed to one resource rather than
// supporting arbitrary locked paths.
const trunkResource = "trunk"

// Holder identifies who currently holds the lock, for diagnostics.
type Holder struct {
	Owner      string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Lock is a single-resource mutual-exclusion lock with a TTL and
// exponential backoff on contention, in place of a bare sleep loop.
type Lock struct {
	mu     sync.Mutex
	held   bool
	holder Holder

	ttl        time.Duration
	maxBackoff time.Duration
	maxRetries int
	limiter    *rate.Limiter
}

// Config controls the TTL and backoff behavior of a Lock.
type Config struct {
	TTL        time.Duration
	MaxBackoff time.Duration
	MaxRetries int
}

// DefaultConfig returns conservative lock defaults.
func DefaultConfig() Config {
	return Config{
		TTL:        2 * time.Minute,
		MaxBackoff: 5 * time.Second,
		MaxRetries: 8,
	}
}

// New returns a Lock configured with cfg.
func New(cfg Config) *Lock {
	return &Lock{
		ttl:        cfg.TTL,
		maxBackoff: cfg.MaxBackoff,
		maxRetries: cfg.MaxRetries,
		// Caps retry attempts at 10/sec regardless of how tight the
		// exponential backoff schedule gets, so a very small MaxBackoff
		// can't turn contention into a busy-wait.
		limiter: rate.NewLimiter(rate.Limit(10), 1),
	}
}

// Acquire blocks until the lock is free or ctx is cancelled, backing
// off exponentially between attempts (at most maxBackoff each). It
// gives up after the first attempt plus maxRetries retries; a
// maxRetries of zero or less means no cap.
func (l *Lock) Acquire(ctx context.Context, owner string) (func(), error) {
	waitStart := time.Now()
	for attempt := 0; ; attempt++ {
		if l.tryAcquire(owner) {
			metrics.GitLockWaitSeconds.Observe(time.Since(waitStart).Seconds())
			return l.releaseFunc(owner), nil
		}

		if l.maxRetries > 0 && attempt >= l.maxRetries {
			return nil, fmt.Errorf("gitlock: exceeded %d attempts acquiring %s lock (held by %s)", l.maxRetries, trunkResource, l.currentHolder())
		}

		if err := l.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("gitlock: %w", err)
		}

		backoff := l.backoffFor(attempt)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
}

func (l *Lock) backoffFor(attempt int) time.Duration {
	d := time.Duration(1<<uint(attempt)) * 100 * time.Millisecond
	if d > l.maxBackoff || d <= 0 {
		d = l.maxBackoff
	}
	return d
}

func (l *Lock) tryAcquire(owner string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if l.held && now.Before(l.holder.ExpiresAt) {
		return false
	}

	l.held = true
	l.holder = Holder{Owner: owner, AcquiredAt: now, ExpiresAt: now.Add(l.ttl)}
	return true
}

func (l *Lock) currentHolder() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return "<none>"
	}
	return l.holder.Owner
}

func (l *Lock) releaseFunc(owner string) func() {
	return func() {
		l.mu.Lock()
		if l.held && l.holder.Owner == owner {
			l.held = false
		}
		l.mu.Unlock()
	}
}

// IsHeld reports whether the lock is currently held by anyone.
func (l *Lock) IsHeld() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held && time.Now().Before(l.holder.ExpiresAt)
}
