package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"quiz-duel/internal/model"
)

// BattleRepository handles battle persistence. The full battle is kept as a
// JSONB document; state and timestamps are mirrored into columns for queries.
type BattleRepository struct {
	db DBTX
}

// NewBattleRepository creates a new BattleRepository instance.
func NewBattleRepository(db DBTX) *BattleRepository {
	return &BattleRepository{db: db}
}

// Upsert writes the battle.
func (r *BattleRepository) Upsert(ctx context.Context, b *model.Battle) error {
	const query = `
		INSERT INTO battles (id, difficulty, state, created_at, start_time, end_time, data, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			start_time = EXCLUDED.start_time,
			end_time = EXCLUDED.end_time,
			data = EXCLUDED.data,
			updated_at = NOW()
	`

	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("failed to encode battle: %w", err)
	}

	_, err = r.db.Exec(ctx, query,
		b.ID, string(b.Difficulty), string(b.State), b.CreatedAt, b.StartTime, b.EndTime, data,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert battle: %w", err)
	}
	return nil
}

// Delete removes battles by ID.
func (r *BattleRepository) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := r.db.Exec(ctx, `DELETE FROM battles WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("failed to delete battles: %w", err)
	}
	return nil
}

// GetByID retrieves a battle.
// Returns ErrBattleNotFound if the battle does not exist.
func (r *BattleRepository) GetByID(ctx context.Context, id string) (*model.Battle, error) {
	var data []byte
	err := r.db.QueryRow(ctx, `SELECT data FROM battles WHERE id = $1`, id).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBattleNotFound
		}
		return nil, fmt.Errorf("failed to get battle: %w", err)
	}

	var b model.Battle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("failed to decode battle: %w", err)
	}
	return &b, nil
}

// ListActive retrieves Waiting and Playing battles, oldest first.
func (r *BattleRepository) ListActive(ctx context.Context) ([]*model.Battle, error) {
	const query = `
		SELECT data FROM battles
		WHERE state IN ('waiting', 'playing')
		ORDER BY created_at
	`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list battles: %w", err)
	}
	defer rows.Close()

	var battles []*model.Battle
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan battle: %w", err)
		}
		var b model.Battle
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, fmt.Errorf("failed to decode battle: %w", err)
		}
		battles = append(battles, &b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating battles: %w", err)
	}
	return battles, nil
}

// CountByState returns the number of stored battles per state.
func (r *BattleRepository) CountByState(ctx context.Context) (map[model.BattleState]int, error) {
	rows, err := r.db.Query(ctx, `SELECT state, COUNT(*) FROM battles GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("failed to count battles: %w", err)
	}
	defer rows.Close()

	out := make(map[model.BattleState]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("failed to scan battle count: %w", err)
		}
		out[model.BattleState(state)] = n
	}
	return out, rows.Err()
}
