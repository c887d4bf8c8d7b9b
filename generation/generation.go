// Package generation runs report requests through the cache. It is the single
// call path that decides between serving a cached report, generating a new one
// under a lease, and deferring costly variants behind an emailed confirmation.
package generation

import (
	"context"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/bottomline/reportcache/cache"
	"github.com/bottomline/reportcache/lease"
	"github.com/bottomline/reportcache/logger"
	"github.com/bottomline/reportcache/resilience"
	"github.com/bottomline/reportcache/token"
	"github.com/bottomline/reportcache/urlkey"
	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/semaphore"
)

// ErrGenerationFailed marks errors from the report generator. Nothing is
// cached when it is returned.
var ErrGenerationFailed = errors.New("generation failed")

var tracer = otel.Tracer("github.com/bottomline/reportcache/generation")

// Generator produces a report.
type Generator interface {
	Generate(ctx context.Context, base string, variant urlkey.Variant, contact string) (string, error)
}

// Mailer delivers a finished report to a contact. Delivery is best effort.
type Mailer interface {
	Deliver(ctx context.Context, contact string, output string) error
}

// Notifier sends the confirmation link for a deferred request.
type Notifier interface {
	SendVerification(ctx context.Context, contact string, token string) error
}

// Request is an incoming analysis request.
type Request struct {
	URL     string
	Variant string
	Contact string
}

// Result of Analyze or Run.
type Result struct {
	Key    urlkey.Key
	Output string
	// Cached is set when Output came from a fresh record.
	Cached bool
	// Pending is set when generation waits for confirmation. Output is empty.
	Pending bool
	// Bypassed is set when the store was unavailable and the report was
	// generated without consulting or updating the cache.
	Bypassed bool
	// Token authorizes a later confirmation of the same request. It is empty
	// when Pending is set.
	Token string
}

// Config tunes an Orchestrator.
type Config struct {
	// ConfirmVariants require an emailed confirmation before generating.
	ConfirmVariants []urlkey.Variant
	// ExemptBases skip confirmation. Entries are normalized bases.
	ExemptBases []string
	// BusyWait is how long a request waits on another holder's lease before
	// returning lease.ErrBusy. Zero fails fast.
	BusyWait time.Duration
	// MaxConcurrent bounds generations in flight across all keys.
	MaxConcurrent int64
	// DispatchTimeout bounds each asynchronous mail or notification.
	DispatchTimeout time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ConfirmVariants: []urlkey.Variant{urlkey.Deep},
		BusyWait:        10 * time.Second,
		MaxConcurrent:   8,
		DispatchTimeout: 30 * time.Second,
	}
}

// Options are the collaborators of an Orchestrator. Breaker is optional.
type Options struct {
	Config    Config
	Engine    *cache.Engine
	Leases    lease.Manager
	Tokens    *token.Issuer
	Generator Generator
	Mailer    Mailer
	Notifier  Notifier
	Breaker   *resilience.Breaker
	Logger    logger.Logger
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	config    Config
	engine    *cache.Engine
	leases    lease.Manager
	tokens    *token.Issuer
	generator Generator
	mailer    Mailer
	notifier  Notifier
	breaker   *resilience.Breaker
	logger    logger.Logger
	sem       *semaphore.Weighted
	confirm   map[urlkey.Variant]bool
	exempt    map[string]bool
	pending   sync.WaitGroup
}

// New validates opts and returns an Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	switch {
	case opts.Engine == nil:
		return nil, errors.New("generation: cache engine is required")
	case opts.Leases == nil:
		return nil, errors.New("generation: lease manager is required")
	case opts.Tokens == nil:
		return nil, errors.New("generation: token issuer is required")
	case opts.Generator == nil:
		return nil, errors.New("generation: generator is required")
	case opts.Mailer == nil:
		return nil, errors.New("generation: mailer is required")
	case opts.Notifier == nil:
		return nil, errors.New("generation: notifier is required")
	case opts.Logger == nil:
		return nil, errors.New("generation: logger is required")
	}
	cfg := opts.Config
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = DefaultConfig().DispatchTimeout
	}
	o := &Orchestrator{
		config:    cfg,
		engine:    opts.Engine,
		leases:    opts.Leases,
		tokens:    opts.Tokens,
		generator: opts.Generator,
		mailer:    opts.Mailer,
		notifier:  opts.Notifier,
		breaker:   opts.Breaker,
		logger:    opts.Logger.WithPrefix("[generation]"),
		sem:       semaphore.NewWeighted(cfg.MaxConcurrent),
		confirm:   make(map[urlkey.Variant]bool),
		exempt:    make(map[string]bool),
	}
	for _, v := range cfg.ConfirmVariants {
		if !v.Valid() {
			return nil, errors.Newf("generation: unknown confirm variant %q", v)
		}
		o.confirm[v] = true
	}
	for _, raw := range cfg.ExemptBases {
		base, err := urlkey.Normalize(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "generation: exempt base %q", raw)
		}
		o.exempt[base] = true
	}
	return o, nil
}

// RequiresConfirmation reports whether key is generated only after confirmation.
func (o *Orchestrator) RequiresConfirmation(key urlkey.Key) bool {
	return o.confirm[key.Variant] && !o.exempt[key.Base]
}

// Wait blocks until queued mail and notifications finish or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func validateContact(contact string, required bool) (string, error) {
	contact = strings.TrimSpace(contact)
	if contact == "" {
		if required {
			return "", errors.Mark(errors.New("contact address is required"), urlkey.ErrInvalidInput)
		}
		return "", nil
	}
	addr, err := mail.ParseAddress(contact)
	if err != nil {
		return "", errors.Mark(errors.Wrapf(err, "contact %q", contact), urlkey.ErrInvalidInput)
	}
	// only the domain is case-insensitive
	at := strings.LastIndex(addr.Address, "@")
	return addr.Address[:at] + strings.ToLower(addr.Address[at:]), nil
}
