package memory

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/cupperp/cupperp-backend/pkg/kv"
)

// Store is an in-memory implementation of the kv.Store interface
type Store struct {
	mu          sync.Mutex
	values      map[string][]byte
	hashes      map[string]map[string][]byte
	expirations map[string]time.Time

	janitorStop chan struct{}
	janitorDone chan struct{}
	closeOnce   sync.Once
}

// New creates a new in-memory store; a positive janitorInterval starts a
// background goroutine evicting expired keys.
func New(janitorInterval time.Duration) *Store {
	s := &Store{
		values:      make(map[string][]byte),
		hashes:      make(map[string]map[string][]byte),
		expirations: make(map[string]time.Time),
		janitorStop: make(chan struct{}),
		janitorDone: make(chan struct{}),
	}

	if janitorInterval > 0 {
		go s.janitor(janitorInterval)
	} else {
		close(s.janitorDone)
	}

	return s
}

func (s *Store) janitor(interval time.Duration) {
	defer close(s.janitorDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.evictExpired()
		case <-s.janitorStop:
			return
		}
	}
}

func (s *Store) evictExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for key, expiry := range s.expirations {
		if now.After(expiry) {
			s.deleteLocked(key)
		}
	}
}

// expireLocked drops key if its TTL has passed and reports whether it did.
func (s *Store) expireLocked(key string) bool {
	expiry, ok := s.expirations[key]
	if !ok || !time.Now().After(expiry) {
		return false
	}
	s.deleteLocked(key)
	return true
}

func (s *Store) deleteLocked(key string) bool {
	_, isValue := s.values[key]
	_, isHash := s.hashes[key]
	delete(s.values, key)
	delete(s.hashes, key)
	delete(s.expirations, key)
	return isValue || isHash
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl ...time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deleteLocked(key)
	s.values[key] = append([]byte(nil), value...)
	if len(ttl) > 0 && ttl[0] > 0 {
		s.expirations[key] = time.Now().Add(ttl[0])
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.expireLocked(key) {
		return nil, kv.ErrNotFound
	}
	value, ok := s.values[key]
	if !ok {
		return nil, kv.ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

func (s *Store) Del(ctx context.Context, keys ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for _, key := range keys {
		if s.expireLocked(key) {
			continue
		}
		if s.deleteLocked(key) {
			deleted++
		}
	}
	return deleted, nil
}

func (s *Store) Exists(ctx context.Context, keys ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	for _, key := range keys {
		if s.expireLocked(key) {
			continue
		}
		_, isValue := s.values[key]
		_, isHash := s.hashes[key]
		if isValue || isHash {
			count++
		}
	}
	return count, nil
}

func (s *Store) IncrBy(ctx context.Context, key string, n int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expireLocked(key)

	var current int64
	if raw, ok := s.values[key]; ok {
		parsed, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return 0, err
		}
		current = parsed
	}
	current += n
	s.values[key] = []byte(strconv.FormatInt(current, 10))
	return current, nil
}

func (s *Store) HSet(ctx context.Context, key string, field string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expireLocked(key)
	hash, ok := s.hashes[key]
	if !ok {
		hash = make(map[string][]byte)
		s.hashes[key] = hash
	}
	hash[field] = append([]byte(nil), value...)
	return nil
}

func (s *Store) HGet(ctx context.Context, key string, field string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.expireLocked(key) {
		return nil, kv.ErrNotFound
	}
	value, ok := s.hashes[key][field]
	if !ok {
		return nil, kv.ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

func (s *Store) HDel(ctx context.Context, key string, fields ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.expireLocked(key) {
		return 0, nil
	}
	hash, ok := s.hashes[key]
	if !ok {
		return 0, nil
	}

	var deleted int64
	for _, field := range fields {
		if _, exists := hash[field]; exists {
			delete(hash, field)
			deleted++
		}
	}
	if len(hash) == 0 {
		s.deleteLocked(key)
	}
	return deleted, nil
}

func (s *Store) HGetAll(ctx context.Context, key string) (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make(map[string][]byte)
	if s.expireLocked(key) {
		return result, nil
	}
	for field, value := range s.hashes[key] {
		result[field] = append([]byte(nil), value...)
	}
	return result, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return nil
}

// Close stops the janitor. The data stays readable.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.janitorStop)
	})
	<-s.janitorDone
	return nil
}
