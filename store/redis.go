package store

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

// expireIfUnset applies a TTL only when the key exists without one
// (TTL == -1). Missing keys report -2 and are left alone.
var expireIfUnset = redis.NewScript(`
if redis.call("PTTL", KEYS[1]) == -1 then
	return redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return 0
`)

// hsetExpireIfUnset writes the field and starts the TTL in one script.
var hsetExpireIfUnset = redis.NewScript(`
redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
if redis.call("PTTL", KEYS[1]) == -1 then
	return redis.call("PEXPIRE", KEYS[1], ARGV[3])
end
return 0
`)

type redisStore struct {
	client redis.UniversalClient
	cfg    config
}

var _ Store = (*redisStore)(nil)

// NewRedis returns a Store backed by Redis.
// The caller owns the client lifecycle; Close does not close the client.
func NewRedis(client redis.UniversalClient, opts ...Option) Store {
	return &redisStore{client: client, cfg: applyOptions(opts)}
}

func (s *redisStore) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, s.cfg.queryTimeout)
}

func (s *redisStore) HashSet(ctx context.Context, key, field string, value []byte) error {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	return unavailable(s.client.HSet(qctx, s.cfg.key(key), field, value).Err(), "hset")
}

func (s *redisStore) HashGet(ctx context.Context, key, field string) ([]byte, bool, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	data, err := s.client.HGet(qctx, s.cfg.key(key), field).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, unavailable(err, "hget")
	}
	return data, true, nil
}

func (s *redisStore) HashExists(ctx context.Context, key, field string) (bool, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	ok, err := s.client.HExists(qctx, s.cfg.key(key), field).Result()
	if err != nil {
		return false, unavailable(err, "hexists")
	}
	return ok, nil
}

func (s *redisStore) ExpireIfUnset(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	n, err := expireIfUnset.Run(qctx, s.client, []string{s.cfg.key(key)}, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, unavailable(err, "expire")
	}
	return n == 1, nil
}

func (s *redisStore) HashSetExpireIfUnset(ctx context.Context, key, field string, value []byte, ttl time.Duration) (bool, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	n, err := hsetExpireIfUnset.Run(qctx, s.client, []string{s.cfg.key(key)}, field, value, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, unavailable(err, "hset+expire")
	}
	return n == 1, nil
}

func (s *redisStore) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	d, err := s.client.PTTL(qctx, s.cfg.key(key)).Result()
	if err != nil {
		return 0, false, unavailable(err, "pttl")
	}
	// go-redis reports -1 (no expiry) and -2 (missing) as raw durations.
	if d < 0 {
		return 0, false, nil
	}
	return d, true, nil
}

func (s *redisStore) Delete(ctx context.Context, key string) error {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	return unavailable(s.client.Del(qctx, s.cfg.key(key)).Err(), "del")
}

func (s *redisStore) SetAdd(ctx context.Context, set, member string) error {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	return unavailable(s.client.SAdd(qctx, s.cfg.key(set), member).Err(), "sadd")
}

func (s *redisStore) SetContains(ctx context.Context, set, member string) (bool, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	ok, err := s.client.SIsMember(qctx, s.cfg.key(set), member).Result()
	if err != nil {
		return false, unavailable(err, "sismember")
	}
	return ok, nil
}

func (s *redisStore) SetMembers(ctx context.Context, set string) ([]string, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	members, err := s.client.SMembers(qctx, s.cfg.key(set)).Result()
	if err != nil {
		return nil, unavailable(err, "smembers")
	}
	return members, nil
}

func (s *redisStore) SetRemove(ctx context.Context, set, member string) error {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	return unavailable(s.client.SRem(qctx, s.cfg.key(set), member).Err(), "srem")
}

// Close is a no-op. The caller owns the redis client.
func (s *redisStore) Close() error {
	return nil
}
