// Package store owns the authoritative in-memory user table and the
// write-behind path to the durable store.
package store

import (
	"context"
	"errors"

	"quiz-duel/internal/model"
)

// Common errors for store operations.
var (
	ErrUserNotFound = errors.New("user not found")
	ErrPersistence  = errors.New("persistence failure")
)

// Snapshot is the state restored at startup.
type Snapshot struct {
	Users   []*model.User
	Battles []*model.Battle
}

// Durable is the durable store collaborator. Writes are upserts and may be
// retried with the same data.
type Durable interface {
	Load(ctx context.Context) (*Snapshot, error)
	SaveUsers(ctx context.Context, users []*model.User) error
	SaveBattles(ctx context.Context, battles []*model.Battle) error
	DeleteBattles(ctx context.Context, ids []string) error
}
