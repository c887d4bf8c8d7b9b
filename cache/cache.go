package cache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/bottomline/reportcache/logger"
	"github.com/bottomline/reportcache/store"
	"github.com/bottomline/reportcache/urlkey"
	"github.com/cockroachdb/errors"
	"github.com/vmihailenco/msgpack/v5"
)

var (
	// ErrNotFound is returned by Get when no live record exists for the key.
	// Callers are expected to Get only after Classify returned Fresh.
	ErrNotFound = errors.New("cache record not found")
	// ErrInvalidRecord is returned by Put for records that cannot be keyed.
	ErrInvalidRecord = errors.New("invalid cache record")
)

// DefaultTTL is how long a base key's records live, measured from the first
// write under that base.
const DefaultTTL = 24 * time.Hour

// Status is the three-way outcome of Classify.
type Status int

const (
	// Unseen means the base was never written.
	Unseen Status = iota
	// KnownSite means the base was written before but there is no live
	// record for the requested variant.
	KnownSite
	// Fresh means a live record exists for the exact key.
	Fresh
)

func (s Status) String() string {
	switch s {
	case Unseen:
		return "unseen"
	case KnownSite:
		return "known_site"
	case Fresh:
		return "fresh"
	default:
		return "unknown"
	}
}

// Record is one cached generation result.
type Record struct {
	Base      string
	Variant   urlkey.Variant
	Contact   string
	Output    string
	CreatedAt time.Time
}

// Key returns the cache key of the record.
func (r Record) Key() urlkey.Key {
	return urlkey.Key{Base: r.Base, Variant: r.Variant}
}

// Classification is the result of Classify. Record is set only for Fresh.
type Classification struct {
	Status Status
	Record *Record
}

// Output returns the cached output of a Fresh classification, or "".
func (c Classification) Output() string {
	if c.Record == nil {
		return ""
	}
	return c.Record.Output
}

// storedRecord is the msgpack blob kept in each variant field.
type storedRecord struct {
	Contact   string    `msgpack:"contact,omitempty"`
	Output    string    `msgpack:"output"`
	CreatedAt time.Time `msgpack:"created_at"`
}

// Stats counts Classify outcomes since the engine was created.
type Stats struct {
	Fresh     int64
	KnownSite int64
	Unseen    int64
}

type config struct {
	ttl time.Duration
	now func() time.Time
}

// Option configures an Engine.
type Option func(*config)

// WithTTL sets the lifetime of a base key. Defaults to DefaultTTL.
func WithTTL(d time.Duration) Option {
	return func(c *config) { c.ttl = d }
}

// WithClock overrides the time source used for CreatedAt.
func WithClock(now func() time.Time) Option {
	return func(c *config) { c.now = now }
}

// Engine classifies and stores report records. It is the only writer of
// records and of the known-base set.
type Engine struct {
	store  store.Store
	logger logger.Logger
	cfg    config

	fresh     atomic.Int64
	knownSite atomic.Int64
	unseen    atomic.Int64
}

// New returns an Engine over s.
func New(s store.Store, log logger.Logger, opts ...Option) *Engine {
	cfg := config{ttl: DefaultTTL, now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.ttl <= 0 {
		cfg.ttl = DefaultTTL
	}
	return &Engine{
		store:  s,
		logger: log.With(map[string]interface{}{"component": "cache"}),
		cfg:    cfg,
	}
}

// TTL returns the configured base key lifetime.
func (e *Engine) TTL() time.Duration {
	return e.cfg.ttl
}

func (e *Engine) load(ctx context.Context, key urlkey.Key) (*Record, error) {
	data, ok, err := e.store.HashGet(ctx, key.Base, string(key.Variant))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var sr storedRecord
	if err := msgpack.Unmarshal(data, &sr); err != nil {
		e.logger.Warn("ignoring undecodable record for %s: %v", key, err)
		return nil, nil
	}
	return &Record{
		Base:      key.Base,
		Variant:   key.Variant,
		Contact:   sr.Contact,
		Output:    sr.Output,
		CreatedAt: sr.CreatedAt,
	}, nil
}

// Classify reports whether key is Fresh (with its record), KnownSite or
// Unseen. The result reflects store state at the time of the call and is
// never cached.
func (e *Engine) Classify(ctx context.Context, key urlkey.Key) (Classification, error) {
	rec, err := e.load(ctx, key)
	if err != nil {
		return Classification{}, errors.Wrapf(err, "classify %s", key)
	}
	if rec != nil {
		e.fresh.Add(1)
		return Classification{Status: Fresh, Record: rec}, nil
	}
	known, err := e.store.SetContains(ctx, store.KnownBaseSet, key.Base)
	if err != nil {
		return Classification{}, errors.Wrapf(err, "classify %s", key)
	}
	if known {
		e.knownSite.Add(1)
		return Classification{Status: KnownSite}, nil
	}
	e.unseen.Add(1)
	return Classification{Status: Unseen}, nil
}

// Get returns the live record for key, or ErrNotFound. It never generates.
func (e *Engine) Get(ctx context.Context, key urlkey.Key) (Record, error) {
	rec, err := e.load(ctx, key)
	if err != nil {
		return Record{}, errors.Wrapf(err, "get %s", key)
	}
	if rec == nil {
		return Record{}, errors.Wrapf(ErrNotFound, "get %s", key)
	}
	return *rec, nil
}

// Put writes rec wholesale, starts the base TTL if it is not running yet and
// records the base in the known set.
func (e *Engine) Put(ctx context.Context, rec Record) error {
	if rec.Base == "" || !rec.Variant.Valid() {
		return errors.Wrapf(ErrInvalidRecord, "base %q variant %q", rec.Base, rec.Variant)
	}
	if rec.Output == "" {
		return errors.Wrapf(ErrInvalidRecord, "%s has no output", rec.Key())
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = e.cfg.now()
	}
	data, err := msgpack.Marshal(storedRecord{
		Contact:   rec.Contact,
		Output:    rec.Output,
		CreatedAt: rec.CreatedAt.UTC(),
	})
	if err != nil {
		return errors.Wrap(err, "encode record")
	}
	key := rec.Key()
	applied, err := e.store.HashSetExpireIfUnset(ctx, rec.Base, string(rec.Variant), data, e.cfg.ttl)
	if err != nil {
		return errors.Wrapf(err, "put %s", key)
	}
	if err := e.store.SetAdd(ctx, store.KnownBaseSet, rec.Base); err != nil {
		return errors.Wrapf(err, "put %s", key)
	}
	e.logger.Debug("stored %s (ttl started: %v)", key, applied)
	return nil
}

// Known reports whether base has ever been written.
func (e *Engine) Known(ctx context.Context, base string) (bool, error) {
	ok, err := e.store.SetContains(ctx, store.KnownBaseSet, base)
	if err != nil {
		return false, errors.Wrapf(err, "known %s", base)
	}
	return ok, nil
}

// KnownBases lists every base ever written.
func (e *Engine) KnownBases(ctx context.Context) ([]string, error) {
	bases, err := e.store.SetMembers(ctx, store.KnownBaseSet)
	if err != nil {
		return nil, errors.Wrap(err, "list known bases")
	}
	return bases, nil
}

// Purge is the administrative removal of a base: its records and its
// known-set membership.
func (e *Engine) Purge(ctx context.Context, base string) error {
	if err := e.store.Delete(ctx, base); err != nil {
		return errors.Wrapf(err, "purge %s", base)
	}
	if err := e.store.SetRemove(ctx, store.KnownBaseSet, base); err != nil {
		return errors.Wrapf(err, "purge %s", base)
	}
	e.logger.Info("purged %s", base)
	return nil
}

// Stats returns Classify outcome counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Fresh:     e.fresh.Load(),
		KnownSite: e.knownSite.Load(),
		Unseen:    e.unseen.Load(),
	}
}
