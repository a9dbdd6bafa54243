// Package lock provides per-key exclusive locks used to serialize all work on
// a single contract. Memory is for a single process; Redis spans replicas.
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/boddenberg/pj-contracts-go/internal/domain"
)

// Memory is an in-process keyed mutex.
type Memory struct {
	mu    sync.Mutex
	slots map[string]*slot
	wait  time.Duration
}

type slot struct {
	ch   chan struct{}
	refs int
}

// NewMemory creates a Memory locker. Acquire gives up after wait.
func NewMemory(wait time.Duration) *Memory {
	return &Memory{slots: make(map[string]*slot), wait: wait}
}

// Acquire blocks until key is free, ctx ends or the wait budget runs out.
func (m *Memory) Acquire(ctx context.Context, key string) (func(), error) {
	s := m.ref(key)

	ctx, cancel := context.WithTimeout(ctx, m.wait)
	defer cancel()

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		m.unref(key)
		return nil, &domain.ErrConcurrencyConflict{ContractID: key, Reason: "lock held by another operation"}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			m.unref(key)
		})
	}, nil
}

func (m *Memory) ref(key string) *slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		m.slots[key] = s
	}
	s.refs++
	return s
}

func (m *Memory) unref(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.slots[key]
	s.refs--
	if s.refs == 0 {
		delete(m.slots, key)
	}
}
