package lease

import (
	"context"
	"time"

	"github.com/bottomline/reportcache/store"
	"github.com/bottomline/reportcache/urlkey"
	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

var releaseIfHolder = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type redisManager struct {
	client redis.UniversalClient
	cfg    config
}

var _ Manager = (*redisManager)(nil)

// NewRedis returns a Manager whose leases live in Redis, for deployments with
// more than one worker process. Lease expiry uses Redis TTLs.
func NewRedis(client redis.UniversalClient, opts ...Option) Manager {
	return &redisManager{client: client, cfg: applyOptions(opts)}
}

func (m *redisManager) redisKey(key urlkey.Key) string {
	k := "lease:" + key.String()
	if m.cfg.prefix != "" {
		k = m.cfg.prefix + ":" + k
	}
	return k
}

func (m *redisManager) Acquire(ctx context.Context, key urlkey.Key) (*Lease, error) {
	l := newLease(key, time.Now(), m.cfg.ttl)
	ok, err := m.client.SetNX(ctx, m.redisKey(key), l.HolderID, m.cfg.ttl).Result()
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "acquire lease %s", key), store.ErrUnavailable)
	}
	if !ok {
		return nil, errors.Wrapf(ErrBusy, "%s", key)
	}
	return l, nil
}

func (m *redisManager) Release(ctx context.Context, l *Lease) error {
	if l == nil {
		return nil
	}
	if err := releaseIfHolder.Run(ctx, m.client, []string{m.redisKey(l.Key)}, l.HolderID).Err(); err != nil {
		return errors.Mark(errors.Wrapf(err, "release lease %s", l.Key), store.ErrUnavailable)
	}
	return nil
}
