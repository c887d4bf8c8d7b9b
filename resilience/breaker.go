// Package resilience guards calls to slow or failing collaborators.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/bottomline/reportcache/logger"
	"github.com/cockroachdb/errors"
)

var (
	// ErrCircuitOpen is returned without calling through while the breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrCallTimeout is returned when a call exceeds Config.CallTimeout.
	ErrCallTimeout = errors.New("circuit breaker call timeout")
)

// State of a Breaker.
type State int32

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateHalfOpen:
		return "HALF_OPEN"
	case StateOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config tunes a Breaker.
type Config struct {
	// MaxFailures is the number of consecutive failures that opens the circuit.
	MaxFailures int
	// Cooldown is how long the circuit stays open before a probe is allowed.
	Cooldown time.Duration
	// HalfOpenProbes is the number of concurrent probes allowed while half open.
	HalfOpenProbes int
	// SuccessThreshold is the number of probe successes that closes the circuit.
	SuccessThreshold int
	// CallTimeout bounds a single call. Zero means no bound beyond the caller's context.
	CallTimeout time.Duration
}

// DefaultConfig returns the configuration used for the report generator.
func DefaultConfig() Config {
	return Config{
		MaxFailures:      5,
		Cooldown:         30 * time.Second,
		HalfOpenProbes:   1,
		SuccessThreshold: 2,
		CallTimeout:      0,
	}
}

// Breaker is a circuit breaker.
type Breaker struct {
	name   string
	config Config
	log    logger.Logger
	now    func() time.Time

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	inflight    int
	lastFailure time.Time
}

// Stats is a snapshot of a Breaker.
type Stats struct {
	State     State
	Failures  int
	Successes int
	Inflight  int
}

// NewBreaker returns a closed Breaker.
func NewBreaker(name string, config Config, log logger.Logger) *Breaker {
	if config.MaxFailures <= 0 {
		config.MaxFailures = 1
	}
	if config.HalfOpenProbes <= 0 {
		config.HalfOpenProbes = 1
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	return &Breaker{
		name:   name,
		config: config,
		log:    log.With(map[string]interface{}{"breaker": name}),
		now:    time.Now,
	}
}

// SetClock overrides the time source.
func (b *Breaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	b.now = now
	b.mu.Unlock()
}

// Execute runs fn unless the circuit is open. A canceled caller context does
// not count as a failure.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.before(); err != nil {
		return err
	}
	callCtx := ctx
	if b.config.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, b.config.CallTimeout)
		defer cancel()
	}
	err := fn(callCtx)
	switch {
	case err == nil:
		b.after(true)
		return nil
	case ctx.Err() != nil:
		b.release()
		return err
	case callCtx.Err() != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded):
		b.after(false)
		return errors.Mark(errors.Wrapf(err, "%s", b.name), ErrCallTimeout)
	default:
		b.after(false)
		return err
	}
}

// Call is Execute for functions that return a value.
func Call[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := b.Execute(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err == nil {
			out = v
		}
		return err
	})
	return out, err
}

func (b *Breaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Sub(b.lastFailure) < b.config.Cooldown {
			return errors.Wrapf(ErrCircuitOpen, "%s", b.name)
		}
		b.transition(StateHalfOpen)
	}
	if b.inflight >= b.config.HalfOpenProbes {
		return errors.Wrapf(ErrCircuitOpen, "%s probing", b.name)
	}
	b.inflight++
	return nil
}

func (b *Breaker) release() {
	b.mu.Lock()
	if b.state == StateHalfOpen && b.inflight > 0 {
		b.inflight--
	}
	b.mu.Unlock()
}

func (b *Breaker) after(ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	halfOpen := b.state == StateHalfOpen
	if halfOpen && b.inflight > 0 {
		b.inflight--
	}
	if ok {
		if !halfOpen {
			b.failures = 0
			return
		}
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.transition(StateClosed)
		}
		return
	}
	b.failures++
	b.lastFailure = b.now()
	if halfOpen || b.failures >= b.config.MaxFailures {
		b.transition(StateOpen)
	}
}

// transition must be called with mu held.
func (b *Breaker) transition(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.successes = 0
	b.inflight = 0
	if to == StateClosed {
		b.failures = 0
	}
	if to == StateOpen {
		b.log.Warn("circuit %s -> %s after %d failures", from, to, b.failures)
	} else {
		b.log.Info("circuit %s -> %s", from, to)
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset closes the circuit.
func (b *Breaker) Reset() {
	b.mu.Lock()
	b.transition(StateClosed)
	b.failures = 0
	b.mu.Unlock()
}

func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{State: b.state, Failures: b.failures, Successes: b.successes, Inflight: b.inflight}
}
