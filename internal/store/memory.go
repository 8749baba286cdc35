package store

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Memory is an in-process Store used in tests and single-node development
// runs. It implements the same live-query semantics as the bolt store.
type Memory struct {
	mu      sync.RWMutex
	records map[string]Conversation
	hub     *hub
}

func NewMemory() *Memory {
	return &Memory{records: make(map[string]Conversation), hub: newHub()}
}

func (m *Memory) Get(_ context.Context, id string) (Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.records[id]
	if !ok {
		return Conversation{}, ErrNotFound
	}
	return c.Clone(), nil
}

func (m *Memory) Create(_ context.Context, c Conversation) (string, error) {
	m.mu.Lock()
	c.ID = uuid.NewString()
	m.records[c.ID] = c.Clone()
	m.mu.Unlock()
	m.notify()
	return c.ID, nil
}

func (m *Memory) Put(_ context.Context, id string, p Patch, merge bool) error {
	m.mu.Lock()
	cur, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if !merge {
		cur = Conversation{ID: id, UserID: cur.UserID, CreatedAt: cur.CreatedAt}
	}
	p.apply(&cur)
	m.records[id] = cur
	m.mu.Unlock()
	m.notify()
	return nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	if _, ok := m.records[id]; !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	delete(m.records, id)
	m.mu.Unlock()
	m.notify()
	return nil
}

func (m *Memory) List(_ context.Context, f Filter) ([]Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listLocked(f), nil
}

func (m *Memory) listLocked(f Filter) []Conversation {
	out := make([]Conversation, 0, len(m.records))
	for _, c := range m.records {
		if f.matches(c) {
			out = append(out, c.Clone())
		}
	}
	return out
}

func (m *Memory) Subscribe(_ context.Context, f Filter) (Subscription, error) {
	// register first so a write racing the attach is either in the initial
	// snapshot or broadcast right after it
	s := m.hub.subscribe(f)
	m.mu.RLock()
	set := m.listLocked(f)
	m.mu.RUnlock()
	s.push(set)
	return s, nil
}

func (m *Memory) notify() {
	m.hub.broadcast(func(f Filter) ([]Conversation, error) {
		m.mu.RLock()
		defer m.mu.RUnlock()
		return m.listLocked(f), nil
	})
}
