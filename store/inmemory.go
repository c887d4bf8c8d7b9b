package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

type hashEntry struct {
	fields  map[string][]byte
	expires time.Time // zero means no expiry
}

func (e *hashEntry) expired(now time.Time) bool {
	return !e.expires.IsZero() && !e.expires.After(now)
}

type inMemoryStore struct {
	ctx       context.Context
	cancel    context.CancelFunc
	hashes    map[string]*hashEntry
	sets      map[string]map[string]struct{}
	mutex     sync.Mutex
	waitGroup sync.WaitGroup
	once      sync.Once
	cfg       config
}

var _ Store = (*inMemoryStore)(nil)

// NewInMemory returns a process-local Store. Expired hashes are removed lazily
// on access and by a background sweep until Close is called or parent is done.
func NewInMemory(parent context.Context, opts ...Option) Store {
	cfg := applyOptions(opts)
	ctx, cancel := context.WithCancel(parent)
	s := &inMemoryStore{
		ctx:    ctx,
		cancel: cancel,
		hashes: make(map[string]*hashEntry),
		sets:   make(map[string]map[string]struct{}),
		cfg:    cfg,
	}
	s.waitGroup.Add(1)
	go s.run()
	return s
}

// live returns the unexpired entry for key, dropping it if it has expired.
// Callers must hold the mutex.
func (s *inMemoryStore) live(key string) *hashEntry {
	e, ok := s.hashes[key]
	if !ok {
		return nil
	}
	if e.expired(s.cfg.now()) {
		delete(s.hashes, key)
		return nil
	}
	return e
}

func (s *inMemoryStore) HashSet(_ context.Context, key, field string, value []byte) error {
	buf := make([]byte, len(value))
	copy(buf, value)
	s.mutex.Lock()
	defer s.mutex.Unlock()
	e := s.live(key)
	if e == nil {
		e = &hashEntry{fields: make(map[string][]byte)}
		s.hashes[key] = e
	}
	e.fields[field] = buf
	return nil
}

func (s *inMemoryStore) HashGet(_ context.Context, key, field string) ([]byte, bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	e := s.live(key)
	if e == nil {
		return nil, false, nil
	}
	v, ok := e.fields[field]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (s *inMemoryStore) HashExists(_ context.Context, key, field string) (bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	e := s.live(key)
	if e == nil {
		return false, nil
	}
	_, ok := e.fields[field]
	return ok, nil
}

func (s *inMemoryStore) ExpireIfUnset(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	e := s.live(key)
	if e == nil || !e.expires.IsZero() {
		return false, nil
	}
	e.expires = s.cfg.now().Add(ttl)
	return true, nil
}

func (s *inMemoryStore) HashSetExpireIfUnset(_ context.Context, key, field string, value []byte, ttl time.Duration) (bool, error) {
	buf := make([]byte, len(value))
	copy(buf, value)
	s.mutex.Lock()
	defer s.mutex.Unlock()
	e := s.live(key)
	if e == nil {
		e = &hashEntry{fields: make(map[string][]byte)}
		s.hashes[key] = e
	}
	e.fields[field] = buf
	if !e.expires.IsZero() {
		return false, nil
	}
	e.expires = s.cfg.now().Add(ttl)
	return true, nil
}

func (s *inMemoryStore) TTL(_ context.Context, key string) (time.Duration, bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	e := s.live(key)
	if e == nil || e.expires.IsZero() {
		return 0, false, nil
	}
	return e.expires.Sub(s.cfg.now()), true, nil
}

func (s *inMemoryStore) Delete(_ context.Context, key string) error {
	s.mutex.Lock()
	delete(s.hashes, key)
	s.mutex.Unlock()
	return nil
}

func (s *inMemoryStore) SetAdd(_ context.Context, set, member string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	m, ok := s.sets[set]
	if !ok {
		m = make(map[string]struct{})
		s.sets[set] = m
	}
	m[member] = struct{}{}
	return nil
}

func (s *inMemoryStore) SetContains(_ context.Context, set, member string) (bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	_, ok := s.sets[set][member]
	return ok, nil
}

func (s *inMemoryStore) SetMembers(_ context.Context, set string) ([]string, error) {
	s.mutex.Lock()
	members := make([]string, 0, len(s.sets[set]))
	for m := range s.sets[set] {
		members = append(members, m)
	}
	s.mutex.Unlock()
	sort.Strings(members)
	return members, nil
}

func (s *inMemoryStore) SetRemove(_ context.Context, set, member string) error {
	s.mutex.Lock()
	delete(s.sets[set], member)
	s.mutex.Unlock()
	return nil
}

func (s *inMemoryStore) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.waitGroup.Wait()
	})
	return nil
}

func (s *inMemoryStore) run() {
	defer s.waitGroup.Done()
	ticker := time.NewTicker(s.cfg.expiryCheck)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			now := s.cfg.now()
			s.mutex.Lock()
			for key, e := range s.hashes {
				if e.expired(now) {
					delete(s.hashes, key)
				}
			}
			s.mutex.Unlock()
		}
	}
}
