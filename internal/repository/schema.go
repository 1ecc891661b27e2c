// Package repository provides the PostgreSQL durable store.
package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is satisfied by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Schema holds the idempotent DDL statements, applied in order at startup.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL DEFAULT '',
		score BIGINT NOT NULL DEFAULT 0,
		credit INTEGER NOT NULL DEFAULT 100,
		daily_recovered INTEGER NOT NULL DEFAULT 0,
		credit_update_time TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		wins INTEGER NOT NULL DEFAULT 0,
		losses INTEGER NOT NULL DEFAULT 0,
		escapes INTEGER NOT NULL DEFAULT 0,
		negative_games INTEGER NOT NULL DEFAULT 0,
		current_streak INTEGER NOT NULL DEFAULT 0,
		max_streak INTEGER NOT NULL DEFAULT 0,
		credit_seq BIGINT NOT NULL DEFAULT 0,
		battle_history JSONB NOT NULL DEFAULT '[]',
		error_bank JSONB NOT NULL DEFAULT '[]',
		questions_answered INTEGER NOT NULL DEFAULT 0,
		correct_answers INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`ALTER TABLE users ADD COLUMN IF NOT EXISTS error_bank JSONB NOT NULL DEFAULT '[]'`,
	`ALTER TABLE users ADD COLUMN IF NOT EXISTS questions_answered INTEGER NOT NULL DEFAULT 0`,
	`ALTER TABLE users ADD COLUMN IF NOT EXISTS correct_answers INTEGER NOT NULL DEFAULT 0`,
	`CREATE TABLE IF NOT EXISTS credit_history (
		user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		seq BIGINT NOT NULL,
		penalty INTEGER NOT NULL DEFAULT 0,
		reward INTEGER NOT NULL DEFAULT 0,
		change INTEGER NOT NULL,
		reason VARCHAR(32) NOT NULL,
		recorded_at TIMESTAMPTZ NOT NULL,
		current_credit INTEGER NOT NULL,
		PRIMARY KEY (user_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS battles (
		id TEXT PRIMARY KEY,
		difficulty VARCHAR(16) NOT NULL,
		state VARCHAR(16) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		start_time TIMESTAMPTZ,
		end_time TIMESTAMPTZ,
		data JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_battles_state ON battles(state)`,
	`CREATE TABLE IF NOT EXISTS questions (
		id TEXT PRIMARY KEY,
		type VARCHAR(16) NOT NULL,
		difficulty VARCHAR(16) NOT NULL,
		content TEXT NOT NULL,
		options TEXT[] NOT NULL DEFAULT '{}',
		answer TEXT NOT NULL,
		explanation TEXT NOT NULL DEFAULT ''
	)`,
}
