package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"order-exchange/internal/entity"
)

// MemoryStore is an OrderStore that keeps deep copies in a map. Callers never
// share memory with stored orders.
type MemoryStore struct {
	mu     sync.RWMutex
	orders map[string]*entity.Order
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: make(map[string]*entity.Order), now: time.Now}
}

func (m *MemoryStore) Get(_ context.Context, id string) (*entity.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, entity.ErrNotFound
	}
	return o.Clone(), nil
}

func (m *MemoryStore) Create(_ context.Context, order *entity.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.orders[order.ID]; exists {
		return fmt.Errorf("order %s already exists", order.ID)
	}
	now := m.now().UTC()
	order.CreatedAt, order.UpdatedAt = now, now
	order.Version = 1
	m.orders[order.ID] = order.Clone()
	return nil
}

func (m *MemoryStore) Save(_ context.Context, order *entity.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.orders[order.ID]
	if !ok {
		return entity.ErrNotFound
	}
	if stored.Version != order.Version {
		return entity.ErrConcurrentUpdate
	}
	order.Version++
	order.UpdatedAt = m.now().UTC()
	m.orders[order.ID] = order.Clone()
	return nil
}
