package store

import (
	"context"
	"sort"
	"sync"

	"quiz-duel/internal/model"
)

// MemoryDurable is a Durable kept in process memory. It backs the memory
// store driver and tests.
type MemoryDurable struct {
	mu       sync.Mutex
	users    map[string]model.User
	battles  map[string]model.Battle
	failWith error
}

// NewMemoryDurable creates an empty MemoryDurable.
func NewMemoryDurable() *MemoryDurable {
	return &MemoryDurable{
		users:   make(map[string]model.User),
		battles: make(map[string]model.Battle),
	}
}

// Load returns copies of everything stored, ordered by ID.
func (m *MemoryDurable) Load(ctx context.Context) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := &Snapshot{}
	for _, u := range m.users {
		c := u.Clone()
		snap.Users = append(snap.Users, &c)
	}
	for _, b := range m.battles {
		c := b.Clone()
		snap.Battles = append(snap.Battles, &c)
	}
	sort.Slice(snap.Users, func(i, j int) bool { return snap.Users[i].ID < snap.Users[j].ID })
	sort.Slice(snap.Battles, func(i, j int) bool { return snap.Battles[i].ID < snap.Battles[j].ID })
	return snap, nil
}

// SaveUsers upserts users.
func (m *MemoryDurable) SaveUsers(ctx context.Context, users []*model.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failWith != nil {
		return m.failWith
	}
	for _, u := range users {
		m.users[u.ID] = u.Clone()
	}
	return nil
}

// SaveBattles upserts battles.
func (m *MemoryDurable) SaveBattles(ctx context.Context, battles []*model.Battle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failWith != nil {
		return m.failWith
	}
	for _, b := range battles {
		m.battles[b.ID] = b.Clone()
	}
	return nil
}

// DeleteBattles removes battles by ID.
func (m *MemoryDurable) DeleteBattles(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failWith != nil {
		return m.failWith
	}
	for _, id := range ids {
		delete(m.battles, id)
	}
	return nil
}

// SetFailure sets or clears the error returned by writes.
func (m *MemoryDurable) SetFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith = err
}

// User returns the stored copy of a user.
func (m *MemoryDurable) User(id string) (model.User, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	return u, ok
}

// Battle returns the stored copy of a battle.
func (m *MemoryDurable) Battle(id string) (model.Battle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.battles[id]
	return b, ok
}
