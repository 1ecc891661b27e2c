package store

import (
	"sync"
	"time"

	"quiz-duel/internal/model"
	"quiz-duel/internal/pkg/lock"
)

// ChangeFunc is called with the IDs of users whose records changed.
type ChangeFunc func(ids ...string)

// UserStore is the authoritative user table. Every mutation runs under the
// user's key lock; two-user mutations lock both keys in ID order.
type UserStore struct {
	mu    sync.RWMutex
	users map[string]*model.User

	locks     *lock.KeyLock
	maxCredit int
	now       func() time.Time
	onChange  ChangeFunc
}

// NewUserStore creates an empty UserStore. New users start at maxCredit.
func NewUserStore(locks *lock.KeyLock, maxCredit int, now func() time.Time) *UserStore {
	if now == nil {
		now = time.Now
	}
	return &UserStore{
		users:     make(map[string]*model.User),
		locks:     locks,
		maxCredit: maxCredit,
		now:       now,
	}
}

// OnChange registers the hook fired after each successful mutation.
func (s *UserStore) OnChange(fn ChangeFunc) {
	s.onChange = fn
}

// Load replaces the table contents with restored users.
func (s *UserStore) Load(users []*model.User) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.users = make(map[string]*model.User, len(users))
	for _, u := range users {
		c := u.Clone()
		s.users[u.ID] = &c
	}
}

// Len returns the number of known users.
func (s *UserStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users)
}

func (s *UserStore) lookup(id string) *model.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.users[id]
}

// Get returns a copy of the user.
func (s *UserStore) Get(id string) (model.User, bool) {
	u := s.lookup(id)
	if u == nil {
		return model.User{}, false
	}
	s.locks.Lock(id)
	defer s.locks.Unlock(id)
	return u.Clone(), true
}

// Ensure returns the user, creating it at full credit if unknown. A non-empty
// username replaces the stored one.
func (s *UserStore) Ensure(id, username string) model.User {
	s.mu.Lock()
	u, ok := s.users[id]
	if !ok {
		u = model.NewUser(id, username, s.maxCredit, s.now())
		s.users[id] = u
	}
	s.mu.Unlock()

	s.locks.Lock(id)
	changed := !ok
	if ok && username != "" && u.Username != username {
		u.Username = username
		u.UpdatedAt = s.now()
		changed = true
	}
	c := u.Clone()
	s.locks.Unlock(id)

	if changed {
		s.changed(id)
	}
	return c
}

// Update applies fn to the user under its lock. The change hook fires only
// when fn succeeds.
func (s *UserStore) Update(id string, fn func(u *model.User) error) error {
	u := s.lookup(id)
	if u == nil {
		return ErrUserNotFound
	}

	err := s.locks.WithLock(id, func() error {
		if err := fn(u); err != nil {
			return err
		}
		u.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		return err
	}
	s.changed(id)
	return nil
}

// UpdatePair applies fn to two distinct users holding both locks.
func (s *UserStore) UpdatePair(a, b string, fn func(ua, ub *model.User) error) error {
	ua, ub := s.lookup(a), s.lookup(b)
	if ua == nil || ub == nil {
		return ErrUserNotFound
	}

	err := s.locks.WithLocks([]string{a, b}, func() error {
		if err := fn(ua, ub); err != nil {
			return err
		}
		now := s.now()
		ua.UpdatedAt = now
		ub.UpdatedAt = now
		return nil
	})
	if err != nil {
		return err
	}
	s.changed(a, b)
	return nil
}

func (s *UserStore) changed(ids ...string) {
	if s.onChange != nil {
		s.onChange(ids...)
	}
}
