package generation

import (
	"context"
	"time"

	"github.com/bottomline/reportcache/cache"
	"github.com/bottomline/reportcache/lease"
	"github.com/bottomline/reportcache/resilience"
	"github.com/bottomline/reportcache/store"
	"github.com/bottomline/reportcache/token"
	"github.com/bottomline/reportcache/urlkey"
	"github.com/cenkalti/backoff/v5"
	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// Analyze handles a new request. The URL is normalized before any store
// access. Variants that need confirmation return a pending Result after the
// confirmation link has been queued; all others run immediately. Only an
// immediate Result carries a token. The confirmation token of a pending
// request reaches the contact by mail and nobody else.
func (o *Orchestrator) Analyze(ctx context.Context, req Request) (res Result, err error) {
	ctx, span := tracer.Start(ctx, "Analyze")
	defer func() { endSpan(span, err) }()

	key, err := urlkey.NewKey(req.URL, req.Variant)
	if err != nil {
		return Result{}, err
	}
	span.SetAttributes(attribute.String("report.key", key.String()))
	deferred := o.RequiresConfirmation(key)
	contact, err := validateContact(req.Contact, deferred)
	if err != nil {
		return Result{}, err
	}
	tok, err := o.tokens.Issue(key.Base, key.Variant, contact)
	if err != nil {
		return Result{}, err
	}
	if deferred {
		o.dispatch(ctx, "verification", func(ctx context.Context) error {
			return o.notifier.SendVerification(ctx, contact, tok)
		})
		o.logger.Info("confirmation requested for %s", key)
		span.SetAttributes(attribute.Bool("report.pending", true))
		return Result{Key: key, Pending: true}, nil
	}
	res, err = o.Run(ctx, key, contact)
	if err != nil {
		return Result{}, err
	}
	res.Token = tok
	return res, nil
}

// Confirm verifies a confirmation token and runs the request it carries. The
// report is mailed to the token's contact in the background. Expired and
// invalid tokens are rejected before any store access.
func (o *Orchestrator) Confirm(ctx context.Context, tok string) (tc token.Context, err error) {
	ctx, span := tracer.Start(ctx, "Confirm")
	defer func() { endSpan(span, err) }()

	tc, err = o.tokens.Decode(tok)
	if err != nil {
		if errors.Is(err, token.ErrExpired) {
			o.logger.Warn("rejected confirmation: token expired")
		} else {
			o.logger.Warn("rejected confirmation: token invalid")
		}
		return token.Context{}, err
	}
	key := tc.Key()
	span.SetAttributes(attribute.String("report.key", key.String()), attribute.String("token.id", tc.ID))
	o.logger.Info("confirmation %s accepted for %s", tc.ID, key)

	res, err := o.Run(ctx, key, tc.Contact)
	if err != nil {
		return token.Context{}, err
	}
	if tc.Contact == "" {
		o.logger.Warn("confirmation %s has no contact, report for %s not delivered", tc.ID, key)
		return tc, nil
	}
	output := res.Output
	o.dispatch(ctx, "delivery", func(ctx context.Context) error {
		return o.mailer.Deliver(ctx, tc.Contact, output)
	})
	return tc, nil
}

// Run serves key from the cache or generates it under a lease. A successful
// Result is either a cache hit or exactly one generation. Contention is
// waited out for at most Config.BusyWait before lease.ErrBusy is returned.
// If the store is unavailable the report is generated directly and not cached.
func (o *Orchestrator) Run(ctx context.Context, key urlkey.Key, contact string) (res Result, err error) {
	ctx, span := tracer.Start(ctx, "Run", trace.WithAttributes(attribute.String("report.key", key.String())))
	defer func() {
		span.SetAttributes(attribute.Bool("report.cached", res.Cached), attribute.Bool("report.bypassed", res.Bypassed))
		endSpan(span, err)
	}()

	bypass := false
	c, err := o.engine.Classify(ctx, key)
	switch {
	case err == nil:
		if c.Status == cache.Fresh {
			return Result{Key: key, Output: c.Output(), Cached: true}, nil
		}
	case errors.Is(err, store.ErrUnavailable):
		o.logger.Warn("cache unavailable for %s, generating without cache: %s", key, err)
		bypass = true
	default:
		return Result{}, err
	}

	l, hit, err := o.acquire(ctx, key, bypass)
	if err != nil {
		if !errors.Is(err, store.ErrUnavailable) {
			return Result{}, err
		}
		o.logger.Warn("lease unavailable for %s, generating without lease: %s", key, err)
		return o.generate(ctx, key, contact, true)
	}
	if hit != nil {
		return *hit, nil
	}
	defer func() {
		if rerr := o.leases.Release(context.WithoutCancel(ctx), l); rerr != nil {
			o.logger.Warn("release lease for %s: %s", key, rerr)
		}
	}()

	if !bypass {
		// a racing holder may have written the record between classify and acquire
		c, cerr := o.engine.Classify(ctx, key)
		switch {
		case cerr == nil && c.Status == cache.Fresh:
			return Result{Key: key, Output: c.Output(), Cached: true}, nil
		case cerr != nil && errors.Is(cerr, store.ErrUnavailable):
			bypass = true
		case cerr != nil:
			return Result{}, cerr
		}
	}
	return o.generate(ctx, key, contact, bypass)
}

// acquire returns a held lease, or a cached Result if another holder finished
// while this request waited.
func (o *Orchestrator) acquire(ctx context.Context, key urlkey.Key, bypass bool) (*lease.Lease, *Result, error) {
	l, err := o.leases.Acquire(ctx, key)
	if err == nil || !errors.Is(err, lease.ErrBusy) {
		return l, nil, err
	}
	if o.config.BusyWait <= 0 {
		return nil, nil, err
	}
	o.logger.Debug("waiting up to %s for lease on %s", o.config.BusyWait, key)

	type attempt struct {
		lease *lease.Lease
		hit   *Result
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	b.Multiplier = 2
	b.RandomizationFactor = 0.2

	try := func() (attempt, error) {
		if !bypass {
			c, err := o.engine.Classify(ctx, key)
			if err == nil && c.Status == cache.Fresh {
				return attempt{hit: &Result{Key: key, Output: c.Output(), Cached: true}}, nil
			}
			if err != nil && !errors.Is(err, store.ErrUnavailable) {
				return attempt{}, backoff.Permanent(err)
			}
		}
		l, err := o.leases.Acquire(ctx, key)
		switch {
		case err == nil:
			return attempt{lease: l}, nil
		case errors.Is(err, lease.ErrBusy):
			return attempt{}, err
		default:
			return attempt{}, backoff.Permanent(err)
		}
	}

	deadline := time.Now().Add(o.config.BusyWait)
	a, err := backoff.Retry(ctx, try, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(o.config.BusyWait))
	if errors.Is(err, lease.ErrBusy) {
		// Retry stops once the next interval would overrun the budget; spend
		// the rest of it and look once more.
		if wait := time.Until(deadline); wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, nil, ctx.Err()
			case <-t.C:
			}
		}
		a, err = try()
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
	}
	if err != nil {
		if errors.Is(err, lease.ErrBusy) {
			o.logger.Info("gave up waiting for lease on %s after %s", key, o.config.BusyWait)
		}
		return nil, nil, err
	}
	return a.lease, a.hit, nil
}

// generate calls the generator and, unless bypass is set, stores the result.
// A failed store write is logged and the report is still returned.
func (o *Orchestrator) generate(ctx context.Context, key urlkey.Key, contact string, bypass bool) (Result, error) {
	if err := o.sem.Acquire(ctx, 1); err != nil {
		return Result{}, err
	}
	started := time.Now()
	output, err := o.callGenerator(ctx, key, contact)
	o.sem.Release(1)
	if err != nil {
		o.logger.Error("generate %s: %s", key, err)
		return Result{}, errors.Mark(errors.Wrapf(err, "generate %s", key), ErrGenerationFailed)
	}
	if output == "" {
		o.logger.Error("generate %s: empty report", key)
		return Result{}, errors.Mark(errors.Newf("generate %s: empty report", key), ErrGenerationFailed)
	}
	o.logger.Info("generated %s in %s", key, time.Since(started).Round(time.Millisecond))

	res := Result{Key: key, Output: output, Bypassed: bypass}
	if bypass {
		return res, nil
	}
	rec := cache.Record{Base: key.Base, Variant: key.Variant, Contact: contact, Output: output}
	if err := o.engine.Put(ctx, rec); err != nil {
		o.logger.Error("store report for %s: %s", key, err)
	}
	return res, nil
}

func (o *Orchestrator) callGenerator(ctx context.Context, key urlkey.Key, contact string) (string, error) {
	call := func(ctx context.Context) (string, error) {
		return o.generator.Generate(ctx, key.Base, key.Variant, contact)
	}
	if o.breaker == nil {
		return call(ctx)
	}
	return resilience.Call(ctx, o.breaker, call)
}

// dispatch runs fn in the background, detached from the request's
// cancellation but bounded by Config.DispatchTimeout. Failures are logged.
func (o *Orchestrator) dispatch(ctx context.Context, what string, fn func(ctx context.Context) error) {
	o.pending.Add(1)
	go func() {
		defer o.pending.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.config.DispatchTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			o.logger.Error("%s failed: %s", what, err)
			return
		}
		o.logger.Debug("%s sent", what)
	}()
}
