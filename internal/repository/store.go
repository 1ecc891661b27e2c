package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"quiz-duel/internal/model"
	"quiz-duel/internal/store"
)

// Store is the PostgreSQL implementation of store.Durable. Each write runs
// in one transaction.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Durable = (*Store)(nil)

// NewStore creates a new Store instance.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Load reads all users and the battles that were still active.
func (s *Store) Load(ctx context.Context) (*store.Snapshot, error) {
	users, err := NewUserRepository(s.pool).List(ctx)
	if err != nil {
		return nil, err
	}
	battles, err := NewBattleRepository(s.pool).ListActive(ctx)
	if err != nil {
		return nil, err
	}
	return &store.Snapshot{Users: users, Battles: battles}, nil
}

// SaveUsers upserts users with their ledgers.
func (s *Store) SaveUsers(ctx context.Context, users []*model.User) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		repo := NewUserRepository(tx)
		for _, u := range users {
			if err := repo.Upsert(ctx, u); err != nil {
				return fmt.Errorf("user %s: %w", u.ID, err)
			}
		}
		return nil
	})
}

// SaveBattles upserts battles.
func (s *Store) SaveBattles(ctx context.Context, battles []*model.Battle) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		repo := NewBattleRepository(tx)
		for _, b := range battles {
			if err := repo.Upsert(ctx, b); err != nil {
				return fmt.Errorf("battle %s: %w", b.ID, err)
			}
		}
		return nil
	})
}

// DeleteBattles removes battles by ID.
func (s *Store) DeleteBattles(ctx context.Context, ids []string) error {
	return NewBattleRepository(s.pool).Delete(ctx, ids)
}
