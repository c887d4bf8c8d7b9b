package generation

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bottomline/reportcache/cache"
	"github.com/bottomline/reportcache/lease"
	"github.com/bottomline/reportcache/logger"
	"github.com/bottomline/reportcache/resilience"
	"github.com/bottomline/reportcache/store"
	"github.com/bottomline/reportcache/token"
	"github.com/bottomline/reportcache/urlkey"
	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type fakeGenerator struct {
	calls atomic.Int32
	delay time.Duration
	err   error
}

func (g *fakeGenerator) Generate(ctx context.Context, base string, variant urlkey.Variant, contact string) (string, error) {
	g.calls.Add(1)
	if g.delay > 0 {
		select {
		case <-time.After(g.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if g.err != nil {
		return "", g.err
	}
	return "report:" + base + "#" + string(variant), nil
}

type sent struct {
	contact string
	body    string
}

type recorder struct {
	mu   sync.Mutex
	msgs []sent
	err  error
}

func (r *recorder) record(contact, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, sent{contact, body})
	return r.err
}

func (r *recorder) Deliver(_ context.Context, contact, output string) error {
	return r.record(contact, output)
}

func (r *recorder) SendVerification(_ context.Context, contact, tok string) error {
	return r.record(contact, tok)
}

func (r *recorder) sent() []sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sent(nil), r.msgs...)
}

type harness struct {
	o        *Orchestrator
	engine   *cache.Engine
	leases   lease.Manager
	tokens   *token.Issuer
	gen      *fakeGenerator
	mailer   *recorder
	notifier *recorder
	log      *logger.TestLogger
	now      *atomic.Pointer[time.Time]
}

func newHarness(t *testing.T, s store.Store, mutate func(*Options)) *harness {
	t.Helper()
	if s == nil {
		s = store.NewInMemory(context.Background())
		t.Cleanup(func() { s.Close() })
	}
	h := &harness{
		gen:      &fakeGenerator{},
		mailer:   &recorder{},
		notifier: &recorder{},
		log:      logger.NewTestLogger(),
		leases:   lease.NewInMemory(),
		now:      &atomic.Pointer[time.Time]{},
	}
	start := time.Now()
	h.now.Store(&start)
	tokens, err := token.New(testSecret, token.WithClock(func() time.Time { return *h.now.Load() }))
	require.NoError(t, err)
	h.tokens = tokens
	h.engine = cache.New(s, h.log)

	cfg := DefaultConfig()
	cfg.BusyWait = 5 * time.Second
	opts := Options{
		Config:    cfg,
		Engine:    h.engine,
		Leases:    h.leases,
		Tokens:    h.tokens,
		Generator: h.gen,
		Mailer:    h.mailer,
		Notifier:  h.notifier,
		Logger:    h.log,
	}
	if mutate != nil {
		mutate(&opts)
	}
	h.o, err = New(opts)
	require.NoError(t, err)
	return h
}

func (h *harness) advance(d time.Duration) {
	next := h.now.Load().Add(d)
	h.now.Store(&next)
}

func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.o.Wait(ctx))
}

func TestAnalyzeBasicGeneratesOnceThenServesCache(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)

	res, err := h.o.Analyze(ctx, Request{URL: "HTTP://Example.com/Path/", Variant: "basic"})
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.False(t, res.Pending)
	assert.Equal(t, "report:example.com/path#basic", res.Output)
	assert.NotEmpty(t, res.Token)

	res, err = h.o.Analyze(ctx, Request{URL: "http://example.com/path", Variant: "basic"})
	require.NoError(t, err)
	assert.True(t, res.Cached)
	assert.Equal(t, "report:example.com/path#basic", res.Output)
	assert.Equal(t, int32(1), h.gen.calls.Load())

	c, err := h.engine.Classify(ctx, urlkey.Key{Base: "example.com/path", Variant: urlkey.Deep})
	require.NoError(t, err)
	assert.Equal(t, cache.KnownSite, c.Status)
}

func TestConcurrentRunsGenerateOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)
	h.gen.delay = 100 * time.Millisecond
	key := urlkey.Key{Base: "example.com", Variant: urlkey.Basic}

	const n = 20
	results := make([]Result, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.o.Run(ctx, key, "")
		}(i)
	}
	wg.Wait()

	generated := 0
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "report:example.com#basic", results[i].Output)
		if !results[i].Cached {
			generated++
		}
	}
	assert.Equal(t, 1, generated)
	assert.Equal(t, int32(1), h.gen.calls.Load())
}

func TestBusyFailsFastWithoutWait(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, func(o *Options) { o.Config.BusyWait = 0 })
	key := urlkey.Key{Base: "example.com", Variant: urlkey.Basic}

	held, err := h.leases.Acquire(ctx, key)
	require.NoError(t, err)
	defer h.leases.Release(ctx, held)

	_, err = h.o.Run(ctx, key, "")
	assert.True(t, errors.Is(err, lease.ErrBusy))
	assert.Equal(t, int32(0), h.gen.calls.Load())
}

func TestBusyWaitGivesUp(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, func(o *Options) { o.Config.BusyWait = 200 * time.Millisecond })
	key := urlkey.Key{Base: "example.com", Variant: urlkey.Basic}

	held, err := h.leases.Acquire(ctx, key)
	require.NoError(t, err)
	defer h.leases.Release(ctx, held)

	started := time.Now()
	_, err = h.o.Run(ctx, key, "")
	assert.True(t, errors.Is(err, lease.ErrBusy))
	assert.GreaterOrEqual(t, time.Since(started), 200*time.Millisecond)
	assert.Equal(t, int32(0), h.gen.calls.Load())
}

func TestBusyWaitLooksAgainAtDeadline(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, func(o *Options) { o.Config.BusyWait = 200 * time.Millisecond })
	key := urlkey.Key{Base: "example.com", Variant: urlkey.Basic}

	held, err := h.leases.Acquire(ctx, key)
	require.NoError(t, err)
	defer h.leases.Release(ctx, held)
	// the backoff schedule polls last at 180ms at the latest and its next
	// interval would overrun 200ms
	go func() {
		time.Sleep(185 * time.Millisecond)
		_ = h.engine.Put(ctx, cache.Record{Base: key.Base, Variant: key.Variant, Output: "late finish"})
	}()

	res, err := h.o.Run(ctx, key, "")
	require.NoError(t, err)
	assert.True(t, res.Cached)
	assert.Equal(t, "late finish", res.Output)
	assert.Equal(t, int32(0), h.gen.calls.Load())
}

func TestBusyWaitPicksUpOtherHoldersRecord(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)
	key := urlkey.Key{Base: "example.com", Variant: urlkey.Basic}

	held, err := h.leases.Acquire(ctx, key)
	require.NoError(t, err)
	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = h.engine.Put(ctx, cache.Record{Base: key.Base, Variant: key.Variant, Output: "from other holder"})
		_ = h.leases.Release(ctx, held)
	}()

	res, err := h.o.Run(ctx, key, "")
	require.NoError(t, err)
	assert.True(t, res.Cached)
	assert.Equal(t, "from other holder", res.Output)
	assert.Equal(t, int32(0), h.gen.calls.Load())
}

func TestGenerationFailureIsNotCached(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)
	h.gen.err = errors.New("upstream 500")
	key := urlkey.Key{Base: "example.com", Variant: urlkey.Basic}

	_, err := h.o.Run(ctx, key, "")
	assert.True(t, errors.Is(err, ErrGenerationFailed))

	c, err := h.engine.Classify(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, cache.Unseen, c.Status)

	// the lease was released
	l, err := h.leases.Acquire(ctx, key)
	require.NoError(t, err)
	require.NoError(t, h.leases.Release(ctx, l))
}

func TestOpenBreakerIsGenerationFailure(t *testing.T) {
	ctx := context.Background()
	log := logger.NewTestLogger()
	breaker := resilience.NewBreaker("generator", resilience.Config{MaxFailures: 1, Cooldown: time.Hour}, log)
	h := newHarness(t, nil, func(o *Options) { o.Breaker = breaker })
	h.gen.err = errors.New("upstream 500")

	_, err := h.o.Run(ctx, urlkey.Key{Base: "a.com", Variant: urlkey.Basic}, "")
	require.Error(t, err)
	_, err = h.o.Run(ctx, urlkey.Key{Base: "b.com", Variant: urlkey.Basic}, "")
	assert.True(t, errors.Is(err, ErrGenerationFailed))
	assert.True(t, errors.Is(err, resilience.ErrCircuitOpen))
	assert.Equal(t, int32(1), h.gen.calls.Load())
}

func TestDeferredFlow(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)

	res, err := h.o.Analyze(ctx, Request{URL: "https://example.com/pricing", Variant: "deep", Contact: "Owner@Example.com"})
	require.NoError(t, err)
	assert.True(t, res.Pending)
	assert.Empty(t, res.Output)
	h.drain(t)
	assert.Equal(t, int32(0), h.gen.calls.Load())

	notes := h.notifier.sent()
	require.Len(t, notes, 1)
	assert.Equal(t, "Owner@example.com", notes[0].contact)
	assert.Empty(t, res.Token, "the confirmation token only travels by mail")

	tc, err := h.o.Confirm(ctx, notes[0].body)
	require.NoError(t, err)
	assert.Equal(t, urlkey.Key{Base: "example.com/pricing", Variant: urlkey.Deep}, tc.Key())
	h.drain(t)
	assert.Equal(t, int32(1), h.gen.calls.Load())

	mails := h.mailer.sent()
	require.Len(t, mails, 1)
	assert.Equal(t, sent{"Owner@example.com", "report:example.com/pricing#deep"}, mails[0])

	// replaying the token serves the cached report again
	_, err = h.o.Confirm(ctx, notes[0].body)
	require.NoError(t, err)
	h.drain(t)
	assert.Equal(t, int32(1), h.gen.calls.Load())
	assert.Len(t, h.mailer.sent(), 2)
}

func TestDeferredRequiresContact(t *testing.T) {
	h := newHarness(t, nil, nil)
	_, err := h.o.Analyze(context.Background(), Request{URL: "example.com", Variant: "deep"})
	assert.True(t, errors.Is(err, urlkey.ErrInvalidInput))
	_, err = h.o.Analyze(context.Background(), Request{URL: "example.com", Variant: "deep", Contact: "not an address"})
	assert.True(t, errors.Is(err, urlkey.ErrInvalidInput))
	h.drain(t)
	assert.Empty(t, h.notifier.sent())
}

func TestExemptBaseSkipsConfirmation(t *testing.T) {
	h := newHarness(t, nil, func(o *Options) { o.Config.ExemptBases = []string{"https://demo.example.com/"} })
	res, err := h.o.Analyze(context.Background(), Request{URL: "demo.example.com", Variant: "deep", Contact: "a@b.com"})
	require.NoError(t, err)
	assert.False(t, res.Pending)
	assert.Equal(t, "report:demo.example.com#deep", res.Output)
}

func TestInvalidInputTouchesNothing(t *testing.T) {
	h := newHarness(t, nil, nil)
	for _, req := range []Request{
		{URL: "ftp://example.com", Variant: "basic"},
		{URL: "", Variant: "basic"},
		{URL: "example.com", Variant: "premium"},
	} {
		_, err := h.o.Analyze(context.Background(), req)
		assert.True(t, errors.Is(err, urlkey.ErrInvalidInput), "%+v", req)
	}
	assert.Equal(t, cache.Stats{}, h.engine.Stats())
	assert.Equal(t, int32(0), h.gen.calls.Load())
}

func TestConfirmRejectsBadTokens(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)

	_, err := h.o.Confirm(ctx, "garbage")
	assert.True(t, errors.Is(err, token.ErrInvalid))
	assert.True(t, h.log.Has("WARNING", "token invalid"))

	tok, err := h.tokens.Issue("example.com", urlkey.Deep, "a@b.com")
	require.NoError(t, err)
	h.advance(token.DefaultTTL + time.Second)
	_, err = h.o.Confirm(ctx, tok)
	assert.True(t, errors.Is(err, token.ErrExpired))
	assert.True(t, h.log.Has("WARNING", "token expired"))

	h.drain(t)
	assert.Equal(t, cache.Stats{}, h.engine.Stats())
	assert.Equal(t, int32(0), h.gen.calls.Load())
	assert.Empty(t, h.mailer.sent())
	known, err := h.engine.Known(ctx, "example.com")
	require.NoError(t, err)
	assert.False(t, known)
}

func TestStoreUnavailableBypassesCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })
	h := newHarness(t, store.NewRedis(client), nil)
	mr.Close()

	res, err := h.o.Run(context.Background(), urlkey.Key{Base: "example.com", Variant: urlkey.Basic}, "")
	require.NoError(t, err)
	assert.True(t, res.Bypassed)
	assert.False(t, res.Cached)
	assert.Equal(t, "report:example.com#basic", res.Output)
	assert.True(t, h.log.Has("WARNING", "generating without cache"))
}

func TestDeliveryFailureIsLogged(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil)
	h.mailer.err = errors.New("smtp down")

	tok, err := h.tokens.Issue("example.com", urlkey.Deep, "a@b.com")
	require.NoError(t, err)
	_, err = h.o.Confirm(ctx, tok)
	require.NoError(t, err)
	h.drain(t)
	assert.True(t, h.log.Has("ERROR", "delivery failed"))
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)

	h := newHarness(t, nil, nil)
	_, err = New(Options{
		Config:    Config{ConfirmVariants: []urlkey.Variant{"premium"}},
		Engine:    h.engine,
		Leases:    h.leases,
		Tokens:    h.tokens,
		Generator: h.gen,
		Mailer:    h.mailer,
		Notifier:  h.notifier,
		Logger:    h.log,
	})
	assert.Error(t, err)
}

func TestValidateContact(t *testing.T) {
	tests := []struct {
		in       string
		required bool
		want     string
		wantErr  bool
	}{
		{"", false, "", false},
		{"", true, "", true},
		{"  Owner@Example.COM ", false, "Owner@example.com", false},
		{"Jane Doe <Jane.Doe@Mail.Example.org>", true, "Jane.Doe@mail.example.org", false},
		{"not an address", true, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := validateContact(tt.in, tt.required)
			if tt.wantErr {
				assert.True(t, errors.Is(err, urlkey.ErrInvalidInput))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
