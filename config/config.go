// Package config loads service configuration from an optional YAML file and
// REPORTCACHE_* environment variables. Environment variables win.
package config

import (
	"bytes"
	"os"
	"strings"
	"time"

	"github.com/bottomline/reportcache/token"
	"github.com/bottomline/reportcache/urlkey"
	"github.com/caarlos0/env/v11"
	"github.com/cockroachdb/errors"
	"github.com/xhit/go-str2duration/v2"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "REPORTCACHE_"

// Duration accepts Go durations plus day and week units ("1d", "2w3d").
type Duration time.Duration

func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return str2duration.String(time.Duration(d)) }

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := str2duration.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", string(b))
	}
	*d = Duration(v)
	return nil
}

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	return d.UnmarshalText([]byte(n.Value))
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

type StoreConfig struct {
	// Backend is redis, sqlite or memory.
	Backend      string   `yaml:"backend" env:"BACKEND"`
	RedisURL     string   `yaml:"redis_url" env:"REDIS_URL"`
	SQLitePath   string   `yaml:"sqlite_path" env:"SQLITE_PATH"`
	Prefix       string   `yaml:"prefix" env:"PREFIX"`
	CacheTTL     Duration `yaml:"cache_ttl" env:"CACHE_TTL"`
	QueryTimeout Duration `yaml:"query_timeout" env:"QUERY_TIMEOUT"`
}

type LeaseConfig struct {
	// Backend is memory or redis. Redis leases span processes.
	Backend  string   `yaml:"backend" env:"BACKEND"`
	TTL      Duration `yaml:"ttl" env:"TTL"`
	BusyWait Duration `yaml:"busy_wait" env:"BUSY_WAIT"`
}

type TokenConfig struct {
	Secret string   `yaml:"secret" env:"SECRET"`
	TTL    Duration `yaml:"ttl" env:"TTL"`
	Issuer string   `yaml:"issuer" env:"ISSUER"`
}

type GenerationConfig struct {
	ConfirmVariants []string `yaml:"confirm_variants" env:"CONFIRM_VARIANTS" envSeparator:","`
	ExemptBases     []string `yaml:"exempt_bases" env:"EXEMPT_BASES" envSeparator:","`
	MaxConcurrent   int64    `yaml:"max_concurrent" env:"MAX_CONCURRENT"`
}

type GeneratorConfig struct {
	URL     string   `yaml:"url" env:"URL"`
	Token   string   `yaml:"token" env:"TOKEN"`
	Timeout Duration `yaml:"timeout" env:"TIMEOUT"`
	Retries uint     `yaml:"retries" env:"RETRIES"`
	// BreakerFailures opens the circuit after this many consecutive failures.
	BreakerFailures int      `yaml:"breaker_failures" env:"BREAKER_FAILURES"`
	BreakerCooldown Duration `yaml:"breaker_cooldown" env:"BREAKER_COOLDOWN"`
}

type MailConfig struct {
	// SMTPHost empty means emails are only logged.
	SMTPHost     string `yaml:"smtp_host" env:"SMTP_HOST"`
	SMTPPort     int    `yaml:"smtp_port" env:"SMTP_PORT"`
	SMTPUsername string `yaml:"smtp_username" env:"SMTP_USERNAME"`
	SMTPPassword string `yaml:"smtp_password" env:"SMTP_PASSWORD"`
	StartTLS     bool   `yaml:"starttls" env:"STARTTLS"`
	From         string `yaml:"from" env:"FROM"`
	// VerifyURL is the public address of the /verify-email endpoint.
	VerifyURL string   `yaml:"verify_url" env:"VERIFY_URL"`
	Timeout   Duration `yaml:"timeout" env:"TIMEOUT"`
}

type TelemetryConfig struct {
	// OTLPURL empty disables trace export.
	OTLPURL     string `yaml:"otlp_url" env:"OTLP_URL"`
	OTLPToken   string `yaml:"otlp_token" env:"OTLP_TOKEN"`
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
}

type Config struct {
	ListenAddr      string   `yaml:"listen_addr" env:"LISTEN_ADDR"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// LogFormat is json or console.
	LogFormat string `yaml:"log_format" env:"LOG_FORMAT"`
	LogLevel  string `yaml:"log_level" env:"LOG_LEVEL"`

	Store      StoreConfig      `yaml:"store" envPrefix:"STORE_"`
	Lease      LeaseConfig      `yaml:"lease" envPrefix:"LEASE_"`
	Token      TokenConfig      `yaml:"token" envPrefix:"TOKEN_"`
	Generation GenerationConfig `yaml:"generation" envPrefix:"GENERATION_"`
	Generator  GeneratorConfig  `yaml:"generator" envPrefix:"GENERATOR_"`
	Mail       MailConfig       `yaml:"mail" envPrefix:"MAIL_"`
	Telemetry  TelemetryConfig  `yaml:"telemetry" envPrefix:"TELEMETRY_"`
}

// Default returns the built in configuration.
func Default() Config {
	return Config{
		ListenAddr:      ":8080",
		ShutdownTimeout: Duration(15 * time.Second),
		LogFormat:       "json",
		LogLevel:        "info",
		Store: StoreConfig{
			Backend:      "redis",
			RedisURL:     "redis://localhost:6379/0",
			SQLitePath:   "reportcache.db",
			CacheTTL:     Duration(24 * time.Hour),
			QueryTimeout: Duration(5 * time.Second),
		},
		Lease: LeaseConfig{
			Backend:  "memory",
			TTL:      Duration(2 * time.Minute),
			BusyWait: Duration(10 * time.Second),
		},
		Token: TokenConfig{
			TTL:    Duration(token.DefaultTTL),
			Issuer: token.DefaultIssuer,
		},
		Generation: GenerationConfig{
			ConfirmVariants: []string{string(urlkey.Deep)},
			MaxConcurrent:   8,
		},
		Generator: GeneratorConfig{
			Timeout:         Duration(2 * time.Minute),
			Retries:         2,
			BreakerFailures: 5,
			BreakerCooldown: Duration(30 * time.Second),
		},
		Mail: MailConfig{
			SMTPPort: 587,
			StartTLS: true,
			Timeout:  Duration(30 * time.Second),
		},
		Telemetry: TelemetryConfig{
			ServiceName: "reportcache",
		},
	}
}

// Load returns Default overlaid with the YAML file at path (if any) and then
// with the environment. It does not validate.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		buf, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.Wrapf(err, "read config %s", path)
		}
		if err := decodeYAML(buf, &cfg); err != nil {
			return Config{}, errors.Wrapf(err, "parse config %s", path)
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, errors.Wrap(err, "parse environment")
	}
	return cfg, nil
}

func decodeYAML(buf []byte, cfg *Config) error {
	if len(bytes.TrimSpace(buf)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(buf))
	dec.KnownFields(true)
	return dec.Decode(cfg)
}

// ConfirmVariants parses Generation.ConfirmVariants.
func (c Config) ConfirmVariants() ([]urlkey.Variant, error) {
	out := make([]urlkey.Variant, 0, len(c.Generation.ConfirmVariants))
	for _, s := range c.Generation.ConfirmVariants {
		if strings.TrimSpace(s) == "" {
			continue
		}
		v, err := urlkey.ParseVariant(s)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

// ValidateStore checks the settings needed to open the store.
func (c Config) ValidateStore() error {
	var errs []error
	switch c.Store.Backend {
	case "redis":
		if c.Store.RedisURL == "" {
			errs = append(errs, errors.New("store.redis_url is required for the redis backend"))
		}
	case "sqlite":
		if c.Store.SQLitePath == "" {
			errs = append(errs, errors.New("store.sqlite_path is required for the sqlite backend"))
		}
	case "memory":
	default:
		errs = append(errs, errors.Newf("store.backend %q must be redis, sqlite or memory", c.Store.Backend))
	}
	if c.Store.CacheTTL <= 0 {
		errs = append(errs, errors.New("store.cache_ttl must be positive"))
	}
	return errors.Join(errs...)
}

// ValidateToken checks the settings needed to issue and verify tokens.
func (c Config) ValidateToken() error {
	if len(c.Token.Secret) < token.MinSecretSize {
		return errors.Newf("token.secret must be at least %d bytes", token.MinSecretSize)
	}
	return nil
}

// Validate checks everything the server needs.
func (c Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr is required"))
	}
	if !oneOf(c.LogFormat, "json", "console") {
		errs = append(errs, errors.Newf("log_format %q must be json or console", c.LogFormat))
	}
	if err := c.ValidateStore(); err != nil {
		errs = append(errs, err)
	}
	if !oneOf(c.Lease.Backend, "memory", "redis") {
		errs = append(errs, errors.Newf("lease.backend %q must be memory or redis", c.Lease.Backend))
	}
	if c.Lease.Backend == "redis" && c.Store.RedisURL == "" {
		errs = append(errs, errors.New("store.redis_url is required for redis leases"))
	}
	if c.Lease.TTL <= 0 {
		errs = append(errs, errors.New("lease.ttl must be positive"))
	}
	if c.Lease.BusyWait < 0 {
		errs = append(errs, errors.New("lease.busy_wait must not be negative"))
	}
	if err := c.ValidateToken(); err != nil {
		errs = append(errs, err)
	}
	if c.Token.TTL <= 0 {
		errs = append(errs, errors.New("token.ttl must be positive"))
	}
	if _, err := c.ConfirmVariants(); err != nil {
		errs = append(errs, errors.Wrap(err, "generation.confirm_variants"))
	}
	if c.Generation.MaxConcurrent <= 0 {
		errs = append(errs, errors.New("generation.max_concurrent must be positive"))
	}
	if c.Generator.URL == "" {
		errs = append(errs, errors.New("generator.url is required"))
	}
	if c.Mail.VerifyURL == "" {
		errs = append(errs, errors.New("mail.verify_url is required"))
	}
	if c.Mail.SMTPHost != "" && c.Mail.From == "" {
		errs = append(errs, errors.New("mail.from is required when mail.smtp_host is set"))
	}
	return errors.Join(errs...)
}
