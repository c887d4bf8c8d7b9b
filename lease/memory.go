package lease

import (
	"context"
	"sync"
	"time"

	"github.com/bottomline/reportcache/urlkey"
	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
)

type shard struct {
	mu   sync.Mutex
	held map[string]*Lease
}

// prune drops leases whose holders never released them. Callers must hold mu.
func (s *shard) prune(now time.Time) {
	for id, l := range s.held {
		if l.Expired(now) {
			delete(s.held, id)
		}
	}
}

type memoryManager struct {
	shards []*shard
	cfg    config
}

var _ Manager = (*memoryManager)(nil)

// NewInMemory returns a process-local Manager. Keys are spread over shards by
// hash so acquires on different keys rarely share a lock.
func NewInMemory(opts ...Option) Manager {
	cfg := applyOptions(opts)
	m := &memoryManager{shards: make([]*shard, cfg.shards), cfg: cfg}
	for i := range m.shards {
		m.shards[i] = &shard{held: make(map[string]*Lease)}
	}
	return m
}

func (m *memoryManager) shardFor(id string) *shard {
	return m.shards[xxhash.Sum64String(id)%uint64(len(m.shards))]
}

func (m *memoryManager) Acquire(ctx context.Context, key urlkey.Key) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id := key.String()
	s := m.shardFor(id)
	now := m.cfg.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.held[id]; ok && !cur.Expired(now) {
		return nil, errors.Wrapf(ErrBusy, "%s held until %s", id, cur.ExpiresAt.Format("15:04:05.000"))
	}
	s.prune(now)
	l := newLease(key, now, m.cfg.ttl)
	s.held[id] = l
	return l, nil
}

func (m *memoryManager) Release(_ context.Context, l *Lease) error {
	if l == nil {
		return nil
	}
	id := l.Key.String()
	s := m.shardFor(id)
	s.mu.Lock()
	if cur, ok := s.held[id]; ok && cur.HolderID == l.HolderID {
		delete(s.held, id)
	}
	s.mu.Unlock()
	return nil
}
