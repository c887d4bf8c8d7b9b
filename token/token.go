// Package token issues and verifies signed, self-contained deferred execution
// tokens. A token carries everything needed to run a generation later, so no
// server side state is kept between the request and its confirmation.
package token

import (
	"strings"
	"time"

	"github.com/bottomline/reportcache/urlkey"
	"github.com/cockroachdb/errors"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	// ErrExpired is returned for a token that is authentic but past its validity window.
	ErrExpired = errors.New("token expired")
	// ErrInvalid is returned for every other verification failure.
	ErrInvalid = errors.New("invalid token")
	// ErrWeakSecret is returned when the signing secret is too short.
	ErrWeakSecret = errors.New("token secret must be at least 32 bytes")
)

const (
	// DefaultTTL is how long an issued token stays valid.
	DefaultTTL = 24 * time.Hour
	// DefaultIssuer is the iss claim stamped on and required from every token.
	DefaultIssuer = "reportcache"
	// MinSecretSize is the smallest accepted HMAC secret.
	MinSecretSize = 32
)

// Context is the request a token authorizes.
type Context struct {
	Base      string
	Variant   urlkey.Variant
	Contact   string
	ID        string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Key returns the cache key the token refers to.
func (c Context) Key() urlkey.Key {
	return urlkey.Key{Base: c.Base, Variant: c.Variant}
}

type claims struct {
	jwt.RegisteredClaims
	Base    string `json:"base"`
	Variant string `json:"variant"`
	Contact string `json:"contact"`
}

// Issuer signs and verifies tokens with a shared HMAC secret.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	issuer string
	now    func() time.Time
	parser *jwt.Parser
}

// Option configures an Issuer.
type Option func(*Issuer)

// WithTTL sets the validity window of issued tokens.
func WithTTL(d time.Duration) Option {
	return func(i *Issuer) {
		if d > 0 {
			i.ttl = d
		}
	}
}

// WithIssuer sets the iss claim.
func WithIssuer(name string) Option {
	return func(i *Issuer) {
		if name = strings.TrimSpace(name); name != "" {
			i.issuer = name
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) {
		if now != nil {
			i.now = now
		}
	}
}

// New returns an Issuer for secret.
func New(secret []byte, opts ...Option) (*Issuer, error) {
	if len(secret) < MinSecretSize {
		return nil, ErrWeakSecret
	}
	i := &Issuer{
		secret: append([]byte(nil), secret...),
		ttl:    DefaultTTL,
		issuer: DefaultIssuer,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	i.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithStrictDecoding(),
		jwt.WithoutClaimsValidation(),
	)
	return i, nil
}

// TTL returns the validity window of issued tokens.
func (i *Issuer) TTL() time.Duration {
	return i.ttl
}

// Issue returns a signed token for the given request.
func (i *Issuer) Issue(base string, variant urlkey.Variant, contact string) (string, error) {
	if base == "" || !variant.Valid() {
		return "", errors.Mark(errors.Newf("cannot issue token for %q/%q", base, variant), urlkey.ErrInvalidInput)
	}
	now := i.now().Truncate(time.Second)
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
		Base:    base,
		Variant: string(variant),
		Contact: contact,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(i.secret)
	if err != nil {
		return "", errors.Wrap(err, "sign token")
	}
	return signed, nil
}

// Decode verifies tok and returns the request it authorizes. Authentic tokens
// past their window yield ErrExpired; everything else yields ErrInvalid.
func (i *Issuer) Decode(tok string) (Context, error) {
	tok = strings.TrimSpace(tok)
	if tok == "" {
		return Context{}, ErrInvalid
	}
	var c claims
	if _, err := i.parser.ParseWithClaims(tok, &c, func(*jwt.Token) (any, error) {
		return i.secret, nil
	}); err != nil {
		return Context{}, ErrInvalid
	}
	if c.Issuer != i.issuer || c.ID == "" || c.ExpiresAt == nil || c.IssuedAt == nil || c.Base == "" {
		return Context{}, ErrInvalid
	}
	variant := urlkey.Variant(c.Variant)
	if !variant.Valid() {
		return Context{}, ErrInvalid
	}
	ctx := Context{
		Base:      c.Base,
		Variant:   variant,
		Contact:   c.Contact,
		ID:        c.ID,
		IssuedAt:  c.IssuedAt.Time,
		ExpiresAt: c.ExpiresAt.Time,
	}
	if !i.now().Before(ctx.ExpiresAt) {
		return Context{}, ErrExpired
	}
	return ctx, nil
}
