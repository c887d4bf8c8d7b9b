package main

import (
	"context"
	"time"

	"github.com/bottomline/reportcache/cache"
	"github.com/bottomline/reportcache/config"
	"github.com/bottomline/reportcache/generation"
	"github.com/bottomline/reportcache/generator"
	"github.com/bottomline/reportcache/lease"
	"github.com/bottomline/reportcache/logger"
	"github.com/bottomline/reportcache/mail"
	"github.com/bottomline/reportcache/redact"
	"github.com/bottomline/reportcache/resilience"
	"github.com/bottomline/reportcache/store"
	"github.com/bottomline/reportcache/token"
	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

// app holds the shared resources of a command.
type app struct {
	cfg    config.Config
	logger logger.Logger
	redis  redis.UniversalClient
	store  store.Store
}

func (a *app) Close() error {
	var errs []error
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	return errors.Join(errs...)
}

func (a *app) redisClient() (redis.UniversalClient, error) {
	if a.redis != nil {
		return a.redis, nil
	}
	opts, err := redis.ParseURL(a.cfg.Store.RedisURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse store.redis_url")
	}
	a.redis = redis.NewClient(opts)
	return a.redis, nil
}

// newApp opens the configured store. A Redis server that cannot be reached
// at startup is only logged; the cache is bypassed until it comes back.
func newApp(ctx context.Context, cfg config.Config, log logger.Logger) (*app, error) {
	if err := cfg.ValidateStore(); err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: log}
	opts := []store.Option{
		store.WithPrefix(cfg.Store.Prefix),
		store.WithQueryTimeout(cfg.Store.QueryTimeout.D()),
	}
	switch cfg.Store.Backend {
	case "redis":
		client, err := a.redisClient()
		if err != nil {
			return nil, err
		}
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := client.Ping(pingCtx).Err(); err != nil {
			log.Warn("redis not reachable at %s at startup: %s", redact.MustURL(cfg.Store.RedisURL), err)
		}
		cancel()
		a.store = store.NewRedis(client, opts...)
	case "sqlite":
		s, err := store.NewSQLite(ctx, cfg.Store.SQLitePath, opts...)
		if err != nil {
			return nil, err
		}
		a.store = s
	case "memory":
		a.store = store.NewInMemory(ctx, opts...)
	}
	log.Debug("store backend %s", cfg.Store.Backend)
	return a, nil
}

func (a *app) engine() *cache.Engine {
	return cache.New(a.store, a.logger, cache.WithTTL(a.cfg.Store.CacheTTL.D()))
}

func (a *app) tokens() (*token.Issuer, error) {
	if err := a.cfg.ValidateToken(); err != nil {
		return nil, err
	}
	return token.New([]byte(a.cfg.Token.Secret),
		token.WithTTL(a.cfg.Token.TTL.D()),
		token.WithIssuer(a.cfg.Token.Issuer),
	)
}

func (a *app) leases() (lease.Manager, error) {
	opts := []lease.Option{lease.WithTTL(a.cfg.Lease.TTL.D()), lease.WithPrefix(a.cfg.Store.Prefix)}
	if a.cfg.Lease.Backend != "redis" {
		return lease.NewInMemory(opts...), nil
	}
	client, err := a.redisClient()
	if err != nil {
		return nil, err
	}
	return lease.NewRedis(client, opts...), nil
}

func (a *app) mailer(tokens *token.Issuer) (*mail.Mailer, error) {
	var sender mail.Sender
	if a.cfg.Mail.SMTPHost == "" {
		a.logger.Warn("no smtp host configured, emails will only be logged")
		sender = mail.NewLogSender(a.logger)
	} else {
		s, err := mail.NewSMTPSender(mail.SMTPConfig{
			Host:     a.cfg.Mail.SMTPHost,
			Port:     a.cfg.Mail.SMTPPort,
			Username: a.cfg.Mail.SMTPUsername,
			Password: a.cfg.Mail.SMTPPassword,
			From:     a.cfg.Mail.From,
			StartTLS: a.cfg.Mail.StartTLS,
		})
		if err != nil {
			return nil, err
		}
		sender = s
	}
	return mail.New(sender, a.cfg.Mail.VerifyURL, tokens, a.logger)
}

func (a *app) orchestrator() (*generation.Orchestrator, error) {
	if err := a.cfg.Validate(); err != nil {
		return nil, err
	}
	tokens, err := a.tokens()
	if err != nil {
		return nil, err
	}
	leases, err := a.leases()
	if err != nil {
		return nil, err
	}
	gen, err := generator.New(a.logger, a.cfg.Generator.URL,
		generator.WithToken(a.cfg.Generator.Token),
		generator.WithRetries(a.cfg.Generator.Retries, 0),
	)
	if err != nil {
		return nil, err
	}
	mailer, err := a.mailer(tokens)
	if err != nil {
		return nil, err
	}
	variants, err := a.cfg.ConfirmVariants()
	if err != nil {
		return nil, err
	}
	breakerCfg := resilience.DefaultConfig()
	breakerCfg.MaxFailures = a.cfg.Generator.BreakerFailures
	breakerCfg.Cooldown = a.cfg.Generator.BreakerCooldown.D()
	breakerCfg.CallTimeout = a.cfg.Generator.Timeout.D()

	return generation.New(generation.Options{
		Config: generation.Config{
			ConfirmVariants: variants,
			ExemptBases:     a.cfg.Generation.ExemptBases,
			BusyWait:        a.cfg.Lease.BusyWait.D(),
			MaxConcurrent:   a.cfg.Generation.MaxConcurrent,
			DispatchTimeout: a.cfg.Mail.Timeout.D(),
		},
		Engine:    a.engine(),
		Leases:    leases,
		Tokens:    tokens,
		Generator: gen,
		Mailer:    mailer,
		Notifier:  mailer,
		Breaker:   resilience.NewBreaker("generator", breakerCfg, a.logger),
		Logger:    a.logger,
	})
}
