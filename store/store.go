package store

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
)

// ErrUnavailable marks every error caused by the backing store (I/O, timeouts,
// connection loss). Callers use it to decide whether to bypass caching.
var ErrUnavailable = errors.New("store unavailable")

// KnownBaseSet is the name of the durable set of base keys ever written.
const KnownBaseSet = "known_base_urls"

// Store is the key-value contract the report cache is built on: one hash per
// key with addressable fields, TTL at key granularity, and plain sets that are
// never expired.
type Store interface {
	// HashSet writes value into field of the hash at key, creating the hash
	// if needed. It never changes the key's TTL.
	HashSet(ctx context.Context, key, field string, value []byte) error
	// HashGet returns the field value and whether it exists and is unexpired.
	HashGet(ctx context.Context, key, field string) ([]byte, bool, error)
	// HashExists reports whether the field exists and is unexpired.
	HashExists(ctx context.Context, key, field string) (bool, error)
	// ExpireIfUnset sets a TTL on key only if key exists and has none.
	// It reports whether the TTL was applied.
	ExpireIfUnset(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// HashSetExpireIfUnset is HashSet followed by ExpireIfUnset, applied as
	// one atomic step so a written hash never outlives a crash without a TTL.
	HashSetExpireIfUnset(ctx context.Context, key, field string, value []byte, ttl time.Duration) (bool, error)
	// TTL returns the remaining lifetime of key. ok is false when the key
	// does not exist or has no expiry.
	TTL(ctx context.Context, key string) (ttl time.Duration, ok bool, err error)
	// Delete removes the hash at key.
	Delete(ctx context.Context, key string) error

	// SetAdd adds member to the set.
	SetAdd(ctx context.Context, set, member string) error
	// SetContains reports whether member is in the set.
	SetContains(ctx context.Context, set, member string) (bool, error)
	// SetMembers lists the set.
	SetMembers(ctx context.Context, set string) ([]string, error)
	// SetRemove removes member from the set.
	SetRemove(ctx context.Context, set, member string) error

	// Close releases resources owned by the store.
	Close() error
}

// DefaultQueryTimeout bounds each I/O-backed store operation.
const DefaultQueryTimeout = 5 * time.Second

type config struct {
	queryTimeout time.Duration
	expiryCheck  time.Duration
	prefix       string
	now          func() time.Time
}

// Option configures a Store implementation.
type Option func(*config)

func applyOptions(opts []Option) config {
	cfg := config{
		queryTimeout: DefaultQueryTimeout,
		expiryCheck:  time.Minute,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithQueryTimeout sets the per-operation timeout for Redis and SQLite.
func WithQueryTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.queryTimeout = d
		}
	}
}

// WithExpiryCheck sets the interval of the background sweep that removes
// expired hashes. Applies to the in-memory and SQLite backends.
func WithExpiryCheck(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.expiryCheck = d
		}
	}
}

// WithPrefix namespaces every key and set name as "<prefix>:<name>".
func WithPrefix(p string) Option {
	return func(c *config) { c.prefix = p }
}

// WithClock overrides the time source of the in-memory and SQLite backends.
func WithClock(now func() time.Time) Option {
	return func(c *config) { c.now = now }
}

func (c config) key(name string) string {
	if c.prefix == "" {
		return name
	}
	return c.prefix + ":" + name
}

func unavailable(err error, op string) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrapf(err, "store: %s", op), ErrUnavailable)
}
