package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"quiz-duel/internal/model"
)

// Common errors for repository operations.
var (
	ErrUserNotFound   = errors.New("user not found")
	ErrBattleNotFound = errors.New("battle not found")
)

// UserRepository handles user and credit ledger persistence.
type UserRepository struct {
	db DBTX
}

// NewUserRepository creates a new UserRepository instance.
func NewUserRepository(db DBTX) *UserRepository {
	return &UserRepository{db: db}
}

const userColumns = `id, username, score, credit, daily_recovered, credit_update_time,
	wins, losses, escapes, negative_games, current_streak, max_streak, credit_seq,
	battle_history, error_bank, questions_answered, correct_answers, created_at, updated_at`

func scanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	var history, errs []byte
	err := row.Scan(
		&u.ID,
		&u.Username,
		&u.Score,
		&u.Credit,
		&u.DailyRecovered,
		&u.CreditUpdateTime,
		&u.Wins,
		&u.Losses,
		&u.Escapes,
		&u.NegativeGames,
		&u.CurrentStreak,
		&u.MaxStreak,
		&u.CreditSeq,
		&history,
		&errs,
		&u.QuestionsAnswered,
		&u.CorrectAnswers,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(history) > 0 {
		if err := json.Unmarshal(history, &u.BattleHistory); err != nil {
			return nil, fmt.Errorf("failed to decode battle history: %w", err)
		}
	}
	if len(errs) > 0 {
		if err := json.Unmarshal(errs, &u.ErrorBank); err != nil {
			return nil, fmt.Errorf("failed to decode error bank: %w", err)
		}
	}
	return &u, nil
}

// Upsert writes the user row and appends ledger entries not yet stored.
// Entries beyond the ledger bound are pruned.
func (r *UserRepository) Upsert(ctx context.Context, u *model.User) error {
	const query = `
		INSERT INTO users (` + userColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (id) DO UPDATE SET
			username = EXCLUDED.username,
			score = EXCLUDED.score,
			credit = EXCLUDED.credit,
			daily_recovered = EXCLUDED.daily_recovered,
			credit_update_time = EXCLUDED.credit_update_time,
			wins = EXCLUDED.wins,
			losses = EXCLUDED.losses,
			escapes = EXCLUDED.escapes,
			negative_games = EXCLUDED.negative_games,
			current_streak = EXCLUDED.current_streak,
			max_streak = EXCLUDED.max_streak,
			credit_seq = EXCLUDED.credit_seq,
			battle_history = EXCLUDED.battle_history,
			error_bank = EXCLUDED.error_bank,
			questions_answered = EXCLUDED.questions_answered,
			correct_answers = EXCLUDED.correct_answers,
			updated_at = EXCLUDED.updated_at
	`

	history := u.BattleHistory
	if history == nil {
		history = []model.BattleRecord{}
	}
	historyJSON, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("failed to encode battle history: %w", err)
	}
	bank := u.ErrorBank
	if bank == nil {
		bank = []model.ErrorEntry{}
	}
	bankJSON, err := json.Marshal(bank)
	if err != nil {
		return fmt.Errorf("failed to encode error bank: %w", err)
	}

	_, err = r.db.Exec(ctx, query,
		u.ID, u.Username, u.Score, u.Credit, u.DailyRecovered, u.CreditUpdateTime,
		u.Wins, u.Losses, u.Escapes, u.NegativeGames, u.CurrentStreak, u.MaxStreak, u.CreditSeq,
		historyJSON, bankJSON, u.QuestionsAnswered, u.CorrectAnswers, u.CreatedAt, u.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}

	return r.appendCreditHistory(ctx, u)
}

func (r *UserRepository) appendCreditHistory(ctx context.Context, u *model.User) error {
	if len(u.CreditHistory) == 0 {
		return nil
	}

	const insert = `
		INSERT INTO credit_history (user_id, seq, penalty, reward, change, reason, recorded_at, current_credit)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id, seq) DO NOTHING
	`
	const prune = `DELETE FROM credit_history WHERE user_id = $1 AND seq <= $2`

	batch := &pgx.Batch{}
	for _, e := range u.CreditHistory {
		batch.Queue(insert, u.ID, e.Seq, e.Penalty, e.Reward, e.Change, string(e.Reason), e.Timestamp, e.CurrentCredit)
	}
	batch.Queue(prune, u.ID, u.CreditSeq-int64(model.MaxCreditHistory))

	if err := r.db.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to write credit history: %w", err)
	}
	return nil
}

// GetByID retrieves a user with its ledger.
// Returns ErrUserNotFound if the user does not exist.
func (r *UserRepository) GetByID(ctx context.Context, id string) (*model.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`

	u, err := scanUser(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	ledger, err := r.creditHistory(ctx, `WHERE user_id = $1`, id)
	if err != nil {
		return nil, err
	}
	u.CreditHistory = ledger[id]
	return u, nil
}

// List retrieves every user with its ledger.
func (r *UserRepository) List(ctx context.Context) ([]*model.User, error) {
	query := `SELECT ` + userColumns + ` FROM users ORDER BY id`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []*model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating users: %w", err)
	}

	ledger, err := r.creditHistory(ctx, "")
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		u.CreditHistory = ledger[u.ID]
	}
	return users, nil
}

func (r *UserRepository) creditHistory(ctx context.Context, where string, args ...any) (map[string][]model.CreditHistoryEntry, error) {
	query := `
		SELECT user_id, seq, penalty, reward, change, reason, recorded_at, current_credit
		FROM credit_history ` + where + `
		ORDER BY user_id, seq
	`

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get credit history: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]model.CreditHistoryEntry)
	for rows.Next() {
		var userID, reason string
		var e model.CreditHistoryEntry
		if err := rows.Scan(&userID, &e.Seq, &e.Penalty, &e.Reward, &e.Change, &reason, &e.Timestamp, &e.CurrentCredit); err != nil {
			return nil, fmt.Errorf("failed to scan credit history: %w", err)
		}
		e.Reason = model.CreditReason(reason)
		out[userID] = append(out[userID], e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating credit history: %w", err)
	}
	return out, nil
}
