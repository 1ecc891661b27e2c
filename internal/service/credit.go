// Package service provides business logic implementations.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"quiz-duel/internal/config"
	"quiz-duel/internal/model"
	"quiz-duel/internal/store"
)

// History limits.
const (
	DefaultHistoryLimit = 50
)

// CreditPolicy holds the credit regulator constants.
type CreditPolicy struct {
	Max             int
	MinForBattle    int
	DailyRecovery   int
	EscapePenalty   int
	NegativePenalty int
	NormalReward    int
}

// DefaultCreditPolicy returns the stock policy.
func DefaultCreditPolicy() CreditPolicy {
	return CreditPolicy{
		Max:             100,
		MinForBattle:    95,
		DailyRecovery:   5,
		EscapePenalty:   3,
		NegativePenalty: 2,
		NormalReward:    1,
	}
}

// PolicyFromConfig builds a policy from configuration.
func PolicyFromConfig(cfg *config.CreditConfig) CreditPolicy {
	return CreditPolicy{
		Max:             cfg.Max,
		MinForBattle:    cfg.MinForBattle,
		DailyRecovery:   cfg.DailyRecovery,
		EscapePenalty:   cfg.EscapePenalty,
		NegativePenalty: cfg.NegativePenalty,
		NormalReward:    cfg.NormalReward,
	}
}

// CreditSnapshot is the eligibility view of a user's credit.
type CreditSnapshot struct {
	UserID            string `json:"userId"`
	Credit            int    `json:"credit"`
	MinForBattle      int    `json:"minForBattle"`
	Max               int    `json:"max"`
	DailyRecovery     int    `json:"dailyRecovery"`
	DailyRecovered    int    `json:"dailyRecovered"`
	RemainingRecovery int    `json:"remainingRecovery"`
	Escapes           int    `json:"escapes"`
	NegativeGames     int    `json:"negativeGames"`
	CanBattle         bool   `json:"canBattle"`
}

// CreditService is the credit regulator.
type CreditService struct {
	users  *store.UserStore
	policy CreditPolicy
	loc    *time.Location
	now    func() time.Time
}

// NewCreditService creates a CreditService. Calendar days are evaluated in loc.
func NewCreditService(users *store.UserStore, policy CreditPolicy, loc *time.Location, now func() time.Time) *CreditService {
	if loc == nil {
		loc = time.UTC
	}
	if now == nil {
		now = time.Now
	}
	return &CreditService{users: users, policy: policy, loc: loc, now: now}
}

// Policy returns the active policy.
func (s *CreditService) Policy() CreditPolicy {
	return s.policy
}

// Apply changes the credit of a user the caller already holds the lock of,
// appends one ledger entry and returns the realized delta.
func (s *CreditService) Apply(u *model.User, delta int, reason model.CreditReason) int {
	now := s.now()
	credit, recovered, actual := computeCreditChange(
		u.Credit, u.DailyRecovered, u.CreditUpdateTime, now, delta, s.policy, s.loc,
	)

	u.Credit = credit
	u.DailyRecovered = recovered
	u.CreditUpdateTime = now
	u.CreditSeq++

	entry := model.CreditHistoryEntry{
		Seq:           u.CreditSeq,
		Change:        actual,
		Reason:        reason,
		Timestamp:     now,
		CurrentCredit: credit,
	}
	if actual < 0 {
		entry.Penalty = -actual
	} else {
		entry.Reward = actual
	}
	u.AppendCreditHistory(entry)

	if actual != delta {
		log.Debug().
			Str("user_id", u.ID).
			Int("requested", delta).
			Int("applied", actual).
			Str("reason", string(reason)).
			Msg("Credit change capped")
	}
	return actual
}

// ApplyCompletion rewards a normal completion or penalizes a negative game.
func (s *CreditService) ApplyCompletion(u *model.User, negative bool) int {
	if negative {
		u.NegativeGames++
		return s.Apply(u, -s.policy.NegativePenalty, model.CreditReasonNegative)
	}
	return s.Apply(u, s.policy.NormalReward, model.CreditReasonNormal)
}

// ApplyEscape charges the escape penalty and counts the escape.
func (s *CreditService) ApplyEscape(u *model.User, reason model.CreditReason) int {
	u.Escapes++
	return s.Apply(u, -s.policy.EscapePenalty, reason)
}

// Adjust changes a user's credit under the user's lock.
func (s *CreditService) Adjust(ctx context.Context, userID string, delta int, reason model.CreditReason) (int, error) {
	var actual int
	err := s.users.Update(userID, func(u *model.User) error {
		actual = s.Apply(u, delta, reason)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to adjust credit: %w", err)
	}
	return actual, nil
}

// CanJoinBattle reports whether the user meets the battle credit floor,
// together with the current credit. Unknown users start at full credit.
func (s *CreditService) CanJoinBattle(userID string) (bool, int) {
	u, ok := s.users.Get(userID)
	if !ok {
		return s.policy.Max >= s.policy.MinForBattle, s.policy.Max
	}
	return u.Credit >= s.policy.MinForBattle, u.Credit
}

// MinForBattle returns the credit floor for joining a battle.
func (s *CreditService) MinForBattle() int {
	return s.policy.MinForBattle
}

// Snapshot returns the user's credit standing.
func (s *CreditService) Snapshot(userID string) (*CreditSnapshot, error) {
	u, ok := s.users.Get(userID)
	if !ok {
		return nil, store.ErrUserNotFound
	}

	recovered := u.DailyRecovered
	if !sameDay(u.CreditUpdateTime, s.now(), s.loc) {
		recovered = 0
	}
	remaining := s.policy.DailyRecovery - recovered
	if remaining < 0 {
		remaining = 0
	}

	return &CreditSnapshot{
		UserID:            u.ID,
		Credit:            u.Credit,
		MinForBattle:      s.policy.MinForBattle,
		Max:               s.policy.Max,
		DailyRecovery:     s.policy.DailyRecovery,
		DailyRecovered:    recovered,
		RemainingRecovery: remaining,
		Escapes:           u.Escapes,
		NegativeGames:     u.NegativeGames,
		CanBattle:         u.Credit >= s.policy.MinForBattle,
	}, nil
}

// History returns up to limit ledger entries, newest first.
func (s *CreditService) History(userID string, limit int) ([]model.CreditHistoryEntry, error) {
	u, ok := s.users.Get(userID)
	if !ok {
		return nil, store.ErrUserNotFound
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > len(u.CreditHistory) {
		limit = len(u.CreditHistory)
	}

	out := make([]model.CreditHistoryEntry, 0, limit)
	for i := len(u.CreditHistory) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, u.CreditHistory[i])
	}
	return out, nil
}

// IsNegativeGame reports a completed battle in which the player answered
// nothing correctly faster than the tier's minimum time.
func IsNegativeGame(correct int, duration, minTime time.Duration) bool {
	return correct == 0 && duration < minTime
}

// computeCreditChange applies delta to credit under the policy bounds and
// returns the new credit, the new daily recovered amount and the realized delta.
func computeCreditChange(
	credit, dailyRecovered int,
	lastUpdate, now time.Time,
	delta int,
	p CreditPolicy,
	loc *time.Location,
) (int, int, int) {
	if !sameDay(lastUpdate, now, loc) {
		dailyRecovered = 0
	}

	actual := delta
	if delta > 0 {
		if allowance := p.DailyRecovery - dailyRecovered; actual > allowance {
			actual = allowance
		}
		if headroom := p.Max - credit; actual > headroom {
			actual = headroom
		}
		if actual < 0 {
			actual = 0
		}
		dailyRecovered += actual
	} else if credit+delta < 0 {
		actual = -credit
	}

	return credit + actual, dailyRecovered, actual
}

func sameDay(a, b time.Time, loc *time.Location) bool {
	if a.IsZero() {
		return false
	}
	ay, am, ad := a.In(loc).Date()
	by, bm, bd := b.In(loc).Date()
	return ay == by && am == bm && ad == bd
}
