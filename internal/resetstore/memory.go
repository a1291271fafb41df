package resetstore

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const memoryCapacity = 10000

// Memory is an in-process Store for single-replica deployments and tests.
type Memory struct {
	cache *expirable.LRU[string, Record]
	now   func() time.Time
}

// NewMemory keeps records for expiry plus the grace period.
func NewMemory(expiry time.Duration) *Memory {
	return &Memory{
		cache: expirable.NewLRU[string, Record](memoryCapacity, nil, expiry+gracePeriod),
		now:   time.Now,
	}
}

func (m *Memory) Save(_ context.Context, token string, rec Record) error {
	m.cache.Add(token, rec)
	return nil
}

func (m *Memory) Lookup(_ context.Context, token string) (*Record, error) {
	rec, ok := m.cache.Get(token)
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (m *Memory) Expire(_ context.Context, token string) error {
	rec, ok := m.cache.Get(token)
	if !ok {
		return ErrNotFound
	}
	rec.ExpiresAt = m.now()
	m.cache.Add(token, rec)
	return nil
}
