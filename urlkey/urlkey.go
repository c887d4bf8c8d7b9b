// Package urlkey turns raw report URLs into the canonical base keys the cache
// is sharded on, and defines the report variants cached under each base.
package urlkey

import (
	"net"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"golang.org/x/net/idna"
)

// ErrInvalidInput is returned for URLs or variants that cannot be keyed.
var ErrInvalidInput = errors.New("invalid input")

// Variant is a report flavor cached independently under one base key.
type Variant string

const (
	Basic Variant = "basic"
	Deep  Variant = "deep"
)

// Variants lists every known variant in storage order.
var Variants = []Variant{Basic, Deep}

// Valid reports whether v is a known variant.
func (v Variant) Valid() bool {
	return v == Basic || v == Deep
}

func (v Variant) String() string {
	return string(v)
}

// ParseVariant parses a variant name, case-insensitively.
func ParseVariant(s string) (Variant, error) {
	v := Variant(strings.ToLower(strings.TrimSpace(s)))
	if !v.Valid() {
		return "", errors.Mark(errors.Newf("unknown report variant %q", s), ErrInvalidInput)
	}
	return v, nil
}

// Key identifies one cached record.
type Key struct {
	Base    string
	Variant Variant
}

func (k Key) String() string {
	return k.Base + "#" + string(k.Variant)
}

// NewKey normalizes rawURL and parses variant into a Key.
func NewKey(rawURL string, variant string) (Key, error) {
	base, err := Normalize(rawURL)
	if err != nil {
		return Key{}, err
	}
	v, err := ParseVariant(variant)
	if err != nil {
		return Key{}, err
	}
	return Key{Base: base, Variant: v}, nil
}

var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
}

var hostProfile = idna.New(idna.MapForLookup(), idna.Transitional(false))

func invalid(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrInvalidInput)
}

// Normalize canonicalizes rawURL into a base key of the form host[:port][/path].
//
// Scheme and host case are folded, internationalized hosts are converted to
// their ASCII form, default ports are dropped, and userinfo, query and fragment
// are removed. The path is lower-cased with duplicate and trailing slashes
// collapsed and dot segments resolved; the root path yields the bare host.
// Both http and https map to the same key. Input without a scheme is treated
// as http.
func Normalize(rawURL string) (string, error) {
	raw := strings.TrimSpace(rawURL)
	if raw == "" {
		return "", invalid("url is required")
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", errors.Mark(errors.Wrap(err, "parse url"), ErrInvalidInput)
	}
	scheme := strings.ToLower(u.Scheme)
	if _, ok := defaultPorts[scheme]; !ok {
		return "", invalid("unsupported url scheme %q", u.Scheme)
	}
	host, err := normalizeHost(u.Hostname())
	if err != nil {
		return "", err
	}
	port := u.Port()
	if port != "" {
		n, err := strconv.Atoi(port)
		if err != nil || n < 1 || n > 65535 {
			return "", invalid("invalid port %q", port)
		}
		port = strconv.Itoa(n)
	}
	if port != "" && port != defaultPorts[scheme] {
		host = net.JoinHostPort(host, port)
	} else if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	p := strings.ToLower(u.EscapedPath())
	if p != "" {
		p = path.Clean("/" + p)
	}
	if p == "/" {
		p = ""
	}
	return host + p, nil
}

func normalizeHost(h string) (string, error) {
	h = strings.TrimSuffix(strings.ToLower(h), ".")
	if h == "" {
		return "", invalid("url host is required")
	}
	if ip := net.ParseIP(h); ip != nil {
		return ip.String(), nil
	}
	ascii, err := hostProfile.ToASCII(h)
	if err != nil {
		return "", errors.Mark(errors.Wrapf(err, "invalid host %q", h), ErrInvalidInput)
	}
	return ascii, nil
}
