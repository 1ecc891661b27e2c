package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"quiz-duel/internal/model"
)

// QuestionRepository serves the question bank from PostgreSQL.
type QuestionRepository struct {
	db DBTX
}

// NewQuestionRepository creates a new QuestionRepository instance.
func NewQuestionRepository(db DBTX) *QuestionRepository {
	return &QuestionRepository{db: db}
}

// All returns every question.
func (r *QuestionRepository) All(ctx context.Context) ([]model.Question, error) {
	const query = `
		SELECT id, type, difficulty, content, options, answer, explanation
		FROM questions
		ORDER BY id
	`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list questions: %w", err)
	}
	defer rows.Close()

	var out []model.Question
	for rows.Next() {
		var q model.Question
		var qtype, difficulty string
		if err := rows.Scan(&q.ID, &qtype, &difficulty, &q.Content, &q.Options, &q.Answer, &q.Explanation); err != nil {
			return nil, fmt.Errorf("failed to scan question: %w", err)
		}
		q.Type = model.QuestionType(qtype)
		q.Difficulty = model.Difficulty(difficulty)
		out = append(out, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating questions: %w", err)
	}
	return out, nil
}

// Upsert seeds or refreshes questions.
func (r *QuestionRepository) Upsert(ctx context.Context, questions []model.Question) error {
	const query = `
		INSERT INTO questions (id, type, difficulty, content, options, answer, explanation)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			type = EXCLUDED.type,
			difficulty = EXCLUDED.difficulty,
			content = EXCLUDED.content,
			options = EXCLUDED.options,
			answer = EXCLUDED.answer,
			explanation = EXCLUDED.explanation
	`

	batch := &pgx.Batch{}
	for _, q := range questions {
		options := q.Options
		if options == nil {
			options = []string{}
		}
		batch.Queue(query, q.ID, string(q.Type), string(q.Difficulty), q.Content, options, q.Answer, q.Explanation)
	}
	if err := r.db.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to upsert questions: %w", err)
	}
	return nil
}
