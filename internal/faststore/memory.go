package faststore

import (
	"context"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
)

const cleanupInterval = time.Minute

var _ Store = (*Memory)(nil)

// Memory is a single process fast store.
type Memory struct {
	c  *cache.Cache
	mu sync.Mutex
}

func NewMemory() *Memory {
	return &Memory{
		c: cache.New(cache.NoExpiration, cleanupInterval),
	}
}

func (m *Memory) Acquire(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = cache.NoExpiration
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.c.Add(key, token, ttl); err != nil {
		return false, nil
	}

	return true, nil
}

func (m *Memory) Commit(_ context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.owned(key, token); err != nil {
		return err
	}
	m.c.Set(key, token, cache.NoExpiration)

	return nil
}

func (m *Memory) Release(_ context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.owned(key, token); err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return nil
		}

		return err
	}
	m.c.Delete(key)

	return nil
}

func (m *Memory) owned(key, token string) error {
	v, ok := m.c.Get(key)
	if !ok {
		return ErrKeyNotFound
	}
	if held, _ := v.(string); held != token {
		return ErrNotOwner
	}

	return nil
}

func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	_, ok := m.c.Get(key)

	return ok, nil
}

func (m *Memory) GetInt(_ context.Context, key string) (int64, error) {
	v, ok := m.c.Get(key)
	if !ok {
		return 0, errors.Wrap(ErrKeyNotFound, key)
	}
	i, ok := v.(int64)
	if !ok {
		return 0, errors.Errorf("%s is %T, not int64", key, v)
	}

	return i, nil
}

func (m *Memory) SetInt(_ context.Context, key string, v int64) error {
	m.c.Set(key, v, cache.NoExpiration)

	return nil
}
