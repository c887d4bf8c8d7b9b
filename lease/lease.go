// Package lease grants short-lived, single-holder leases per cache key so
// identical concurrent requests do not run the same generation twice.
//
// Leases are advisory: they never decide whether a record exists. A lease
// that outlives its TTL can be taken by anyone, so a crashed or stuck holder
// never locks a key out permanently. At-most-one generation per key is
// therefore only guaranteed within the lease validity window.
package lease

import (
	"context"
	"time"

	"github.com/bottomline/reportcache/urlkey"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// ErrBusy is returned by Acquire while another holder has a live lease.
var ErrBusy = errors.New("lease busy")

// DefaultTTL bounds how long a holder may keep a key.
const DefaultTTL = 2 * time.Minute

// Lease is a grant on one key.
type Lease struct {
	Key        urlkey.Key
	HolderID   string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Expired reports whether the lease is no longer valid at now.
func (l *Lease) Expired(now time.Time) bool {
	return !l.ExpiresAt.After(now)
}

// Manager hands out leases.
type Manager interface {
	// Acquire grants a lease on key or returns ErrBusy.
	Acquire(ctx context.Context, key urlkey.Key) (*Lease, error)
	// Release gives the lease back. Releasing a nil, expired or already
	// superseded lease is a no-op.
	Release(ctx context.Context, l *Lease) error
}

type config struct {
	ttl    time.Duration
	shards int
	prefix string
	now    func() time.Time
}

// Option configures a Manager.
type Option func(*config)

// WithTTL sets the lease lifetime. Defaults to DefaultTTL.
func WithTTL(d time.Duration) Option {
	return func(c *config) { c.ttl = d }
}

// WithShards sets the number of lock shards of the in-process manager.
func WithShards(n int) Option {
	return func(c *config) { c.shards = n }
}

// WithPrefix namespaces Redis lease keys.
func WithPrefix(p string) Option {
	return func(c *config) { c.prefix = p }
}

// WithClock overrides the time source of the in-process manager.
func WithClock(now func() time.Time) Option {
	return func(c *config) { c.now = now }
}

func applyOptions(opts []Option) config {
	cfg := config{ttl: DefaultTTL, shards: 32, now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.ttl <= 0 {
		cfg.ttl = DefaultTTL
	}
	if cfg.shards <= 0 {
		cfg.shards = 1
	}
	return cfg
}

func newLease(key urlkey.Key, now time.Time, ttl time.Duration) *Lease {
	return &Lease{
		Key:        key,
		HolderID:   uuid.NewString(),
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
}
